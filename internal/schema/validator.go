// Package schema checks event envelopes before they leave the process.
package schema

import (
	"errors"
	"fmt"

	"meeting-transcript-service/internal/models"
)

// ErrInvalidEvent is wrapped by every validation failure.
var ErrInvalidEvent = errors.New("invalid event")

// Validator checks that an event envelope is complete and that its payload
// matches its type.
type Validator struct{}

// New returns a Validator.
func New() *Validator {
	return &Validator{}
}

// Validate returns nil when evt may be published.
func (v *Validator) Validate(evt models.Event) error {
	if evt.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if evt.SessionID == "" {
		return fmt.Errorf("%w: missing sessionId", ErrInvalidEvent)
	}
	if evt.Version != models.EventVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrInvalidEvent, evt.Version, models.EventVersion)
	}
	if evt.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}

	switch evt.Type {
	case models.EventTranscriptDelta:
		p, ok := evt.Payload.(models.TranscriptDelta)
		if !ok {
			return payloadMismatch(evt)
		}
		if p.Seq < 0 {
			return fmt.Errorf("%w: negative seq %d", ErrInvalidEvent, p.Seq)
		}
		if p.DeltaText == "" {
			return fmt.Errorf("%w: empty deltaText", ErrInvalidEvent)
		}
		return sameSession(evt, p.SessionID)
	case models.EventSummaryProduced:
		p, ok := evt.Payload.(models.SummaryProduced)
		if !ok {
			return payloadMismatch(evt)
		}
		if p.Summary == "" {
			return fmt.Errorf("%w: empty summary", ErrInvalidEvent)
		}
		return sameSession(evt, p.SessionID)
	case models.EventSessionEnded:
		p, ok := evt.Payload.(models.SessionEnded)
		if !ok {
			return payloadMismatch(evt)
		}
		return sameSession(evt, p.SessionID)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, evt.Type)
	}
}

func payloadMismatch(evt models.Event) error {
	return fmt.Errorf("%w: payload %T does not match type %s", ErrInvalidEvent, evt.Payload, evt.Type)
}

func sameSession(evt models.Event, payloadSession string) error {
	if payloadSession != evt.SessionID {
		return fmt.Errorf("%w: payload session %q differs from envelope %q", ErrInvalidEvent, payloadSession, evt.SessionID)
	}
	return nil
}
