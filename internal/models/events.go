// Package models defines the data structures for session events.
package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// EventVersion is bumped whenever a payload changes shape.
const EventVersion = 1

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventTranscriptDelta EventType = "session.transcript.delta"
	EventSummaryProduced EventType = "session.summary.produced"
	EventSessionEnded    EventType = "session.ended"
)

// Event is the envelope fanned out to every subscriber.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"eventType"`
	Version   int       `json:"version"`
	SessionID string    `json:"sessionId"`
	Timestamp int64     `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// TranscriptDelta carries newly recognized text and the full transcript after the append.
type TranscriptDelta struct {
	SessionID      string `json:"sessionId"`
	Seq            int64  `json:"seq"`
	DeltaText      string `json:"deltaText"`
	FullTranscript string `json:"fullTranscript"`
	WordCount      int    `json:"wordCount"`
}

// SummaryProduced is emitted each time the summary is replaced.
type SummaryProduced struct {
	SessionID string `json:"sessionId"`
	Summary   string `json:"summary"`
	WordCount int    `json:"wordCount"`
	Reason    string `json:"reason"`
}

// SessionEnded is the terminal event of a session.
type SessionEnded struct {
	SessionID       string `json:"sessionId"`
	FinalTranscript string `json:"finalTranscript"`
	FinalSummary    string `json:"finalSummary"`
	WordCount       int    `json:"wordCount"`
}

// NewEvent wraps payload in an envelope stamped with a fresh ULID.
func NewEvent(eventType EventType, sessionID string, payload any, now time.Time) Event {
	if now.IsZero() {
		now = time.Now()
	}
	return Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		Version:   EventVersion,
		SessionID: sessionID,
		Timestamp: now.UnixMilli(),
		Payload:   payload,
	}
}
