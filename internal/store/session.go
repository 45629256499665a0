// Package store holds per-session state for the transcription pipeline.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"meeting-transcript-service/internal/service/stt"
)

// Chunk is one uploaded unit of audio tagged with its sequence number.
type Chunk struct {
	Seq        int64
	Data       []byte
	Format     string
	ReceivedAt time.Time
}

// Snapshot is a consistent point-in-time copy of a session.
type Snapshot struct {
	ID                 string     `json:"id"`
	Status             string     `json:"status"`
	Transcript         string     `json:"transcript"`
	WordCount          int        `json:"wordCount"`
	Summary            string     `json:"summary"`
	SummaryCount       int        `json:"summaryCount"`
	WordsAtLastSummary int        `json:"wordsAtLastSummary"`
	ExpectedSeq        int64      `json:"expectedSeq"`
	PendingSeqs        []int64    `json:"pendingSeqs"`
	ChunksReceived     int64      `json:"chunksReceived"`
	CreatedAt          time.Time  `json:"createdAt"`
	LastSummaryAt      time.Time  `json:"lastSummaryAt"`
	EndedAt            *time.Time `json:"endedAt,omitempty"`
}

// Session is the mutable record of one recording.
//
// Two locks guard it:
//
//	order - the ordering lock. Held by the sequencer from the stale check
//	        through the drain loop, by finalize, and around snapshot saves.
//	        Serializes recognizer use and persistence.
//	mu    - guards the fields. Held only for field access, so transcript and
//	        summary reads never wait on an in-flight pipeline pass.
type Session struct {
	id        string
	createdAt time.Time

	order sync.Mutex

	mu                 sync.RWMutex
	status             Status
	transcript         string
	wordCount          int
	summary            string
	summaryCount       int
	wordsAtLastSummary int
	expectedSeq        int64
	pending            map[int64]Chunk
	lastSummaryAt      time.Time
	chunksReceived     int64
	endedAt            time.Time
	recognizer         stt.Recognizer
}

// NewSession creates an Active session. lastSummaryAt starts at creation time.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		id:            id,
		createdAt:     now,
		status:        StatusActive,
		pending:       make(map[int64]Chunk),
		lastSummaryAt: now,
	}
}

// ID returns the caller-supplied session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LockOrder acquires the per-session ordering lock.
func (s *Session) LockOrder() { s.order.Lock() }

// UnlockOrder releases the per-session ordering lock.
func (s *Session) UnlockOrder() { s.order.Unlock() }

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// End transitions Active -> Ended. Returns ErrSessionEnded if already ended.
func (s *Session) End(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return ErrSessionEnded
	}
	s.status = StatusEnded
	s.endedAt = now
	return nil
}

// EndedAt returns when the session ended, zero while active.
func (s *Session) EndedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

// --- sequencing state ---

// ExpectedSeq returns the next sequence number eligible for admission.
func (s *Session) ExpectedSeq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expectedSeq
}

// AdvanceSeq increments expectedSeq by one and returns the new value.
func (s *Session) AdvanceSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedSeq++
	return s.expectedSeq
}

// BufferChunk stores a future chunk, overwriting any entry for the same seq.
// Reports whether an existing entry was replaced.
func (s *Session) BufferChunk(c Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, replaced := s.pending[c.Seq]
	s.pending[c.Seq] = c
	return replaced
}

// HasPending reports whether seq is buffered.
func (s *Session) HasPending(seq int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pending[seq]
	return ok
}

// TakePending removes and returns the buffered chunk for seq.
func (s *Session) TakePending(seq int64) (Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.pending[seq]
	if ok {
		delete(s.pending, seq)
	}
	return c, ok
}

// PendingLen returns the number of buffered chunks.
func (s *Session) PendingLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// PendingSeqs returns the buffered sequence numbers in ascending order.
func (s *Session) PendingSeqs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingSeqsLocked()
}

func (s *Session) pendingSeqsLocked() []int64 {
	seqs := make([]int64, 0, len(s.pending))
	for seq := range s.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// RecordReceived counts an uploaded chunk, whatever its fate.
func (s *Session) RecordReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunksReceived++
}

// --- transcript and summary ---

// AppendTranscript appends text with a single space delimiter and returns
// the full transcript and word count after the append.
func (s *Session) AppendTranscript(text string) (string, int) {
	text = strings.TrimSpace(text)
	s.mu.Lock()
	defer s.mu.Unlock()
	if text == "" {
		return s.transcript, s.wordCount
	}
	if s.transcript == "" {
		s.transcript = text
	} else {
		s.transcript += " " + text
	}
	s.wordCount = CountWords(s.transcript)
	return s.transcript, s.wordCount
}

// Transcript returns the current transcript.
func (s *Session) Transcript() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transcript
}

// WordCount returns the word count of the transcript.
func (s *Session) WordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wordCount
}

// SetSummary replaces the summary wholesale and resets lastSummaryAt.
// wordCount is left untouched.
func (s *Session) SetSummary(summary string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = summary
	s.summaryCount++
	s.lastSummaryAt = now
	s.wordsAtLastSummary = s.wordCount
}

// Summary returns the most recent summary, empty until the first one.
func (s *Session) Summary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary
}

// LastSummaryAt returns the time of the last summary, or creation time.
func (s *Session) LastSummaryAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSummaryAt
}

// WordsAtLastSummary returns the word count when the last summary was stored.
func (s *Session) WordsAtLastSummary() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wordsAtLastSummary
}

// --- recognizer handle ---

// SetRecognizer attaches the session-scoped recognizer handle.
func (s *Session) SetRecognizer(r stt.Recognizer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recognizer = r
}

// Recognizer returns the handle, nil once released.
func (s *Session) Recognizer() stt.Recognizer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recognizer
}

// ReleaseRecognizer detaches and returns the handle so the caller can close it.
func (s *Session) ReleaseRecognizer() stt.Recognizer {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recognizer
	s.recognizer = nil
	return r
}

// Snapshot returns a consistent copy of every field.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		ID:                 s.id,
		Status:             s.status.String(),
		Transcript:         s.transcript,
		WordCount:          s.wordCount,
		Summary:            s.summary,
		SummaryCount:       s.summaryCount,
		WordsAtLastSummary: s.wordsAtLastSummary,
		ExpectedSeq:        s.expectedSeq,
		PendingSeqs:        s.pendingSeqsLocked(),
		ChunksReceived:     s.chunksReceived,
		CreatedAt:          s.createdAt,
		LastSummaryAt:      s.lastSummaryAt,
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		snap.EndedAt = &ended
	}
	return snap
}

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
