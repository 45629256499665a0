// Package sequencer admits chunks that may arrive out of order and releases
// them to the pipeline strictly by sequence number.
package sequencer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"meeting-transcript-service/internal/observability/logging"
	"meeting-transcript-service/internal/observability/metrics"
	"meeting-transcript-service/internal/store"
)

// ErrBacklogFull is returned when a future chunk would grow the pending
// buffer past Limits.MaxPending.
var ErrBacklogFull = errors.New("pending chunk backlog full")

// Outcome is the admission decision for a chunk.
type Outcome int

const (
	// OutcomeDropped means the chunk was stale, a duplicate, or the session has ended.
	OutcomeDropped Outcome = iota
	// OutcomeBuffered means the chunk is ahead of expectedSeq and waits in pending.
	OutcomeBuffered
	// OutcomeProcessed means the chunk ran through the pipeline.
	OutcomeProcessed
)

// String returns the outcome name used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeDropped:
		return "dropped"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeProcessed:
		return "processed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes one admission.
type Result struct {
	Outcome Outcome
	Reason  string // "stale" or "ended" for drops, "canceled" for a chunk put back
	Drained int    // buffered chunks processed after this one
	Next    int64  // expectedSeq after admission
}

// Runner processes one chunk that is next in sequence.
type Runner interface {
	Run(ctx context.Context, sess *store.Session, chunk store.Chunk) error
}

// Limits bounds per-session buffering. Zero disables a limit.
type Limits struct {
	MaxPending int
}

// DefaultLimits returns the default limits.
func DefaultLimits() Limits {
	return Limits{MaxPending: 256}
}

// Sequencer is the reorder stage in front of the pipeline.
type Sequencer struct {
	runner  Runner
	limits  Limits
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a Sequencer. A nil m uses the default metrics.
func New(runner Runner, limits Limits, m *metrics.Metrics) *Sequencer {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Sequencer{
		runner:  runner,
		limits:  limits,
		metrics: m,
		logger:  logging.WithComponent("sequencer"),
	}
}

// Admit applies the reorder rule to chunk under the session's ordering lock:
//
//	seq <  expectedSeq  drop
//	seq >  expectedSeq  buffer (last write wins)
//	seq == expectedSeq  run, advance, then drain consecutive buffered chunks
//
// expectedSeq advances whether or not the pipeline succeeded, except when the
// failure came from ctx itself. Then the chunk goes back to pending and the
// drain stops, so a canceled caller never consumes chunks that belong to others.
func (s *Sequencer) Admit(ctx context.Context, sess *store.Session, chunk store.Chunk) (Result, error) {
	sess.LockOrder()
	defer sess.UnlockOrder()

	log := s.logger.With().Str("sessionId", sess.ID()).Int64("seq", chunk.Seq).Logger()

	if sess.Status().IsTerminal() {
		s.metrics.RecordAdmission(OutcomeDropped.String(), "ended")
		log.Debug().Msg("Chunk for ended session dropped")
		return Result{Outcome: OutcomeDropped, Reason: "ended", Next: sess.ExpectedSeq()}, nil
	}

	expected := sess.ExpectedSeq()

	if err := ctx.Err(); err != nil {
		return Result{Next: expected}, err
	}

	if chunk.Seq < expected {
		s.metrics.RecordAdmission(OutcomeDropped.String(), "stale")
		log.Debug().Int64("expectedSeq", expected).Msg("Stale chunk dropped")
		return Result{Outcome: OutcomeDropped, Reason: "stale", Next: expected}, nil
	}

	if chunk.Seq > expected {
		if s.limits.MaxPending > 0 && !sess.HasPending(chunk.Seq) && sess.PendingLen() >= s.limits.MaxPending {
			s.metrics.RecordLimitExceeded("max_pending")
			log.Warn().Int("pending", sess.PendingLen()).Int("limit", s.limits.MaxPending).Msg("Pending backlog full")
			return Result{}, fmt.Errorf("%w: %d chunks waiting for seq %d", ErrBacklogFull, sess.PendingLen(), expected)
		}
		s.buffer(sess, chunk)
		s.metrics.RecordAdmission(OutcomeBuffered.String(), "")
		log.Debug().Int64("expectedSeq", expected).Msg("Chunk buffered until gap is filled")

		// A chunk put back by a canceled caller may be waiting at expectedSeq.
		drained := s.drain(ctx, sess)
		return Result{Outcome: OutcomeBuffered, Drained: drained, Next: sess.ExpectedSeq()}, nil
	}

	// A fresh copy of the expected chunk supersedes one put back earlier.
	if _, ok := sess.TakePending(chunk.Seq); ok {
		s.metrics.RecordPendingDelta(-1)
	}
	if !s.process(ctx, sess, chunk) {
		s.metrics.RecordAdmission(OutcomeBuffered.String(), "canceled")
		log.Debug().Msg("Caller canceled, chunk kept for the next admission")
		return Result{Outcome: OutcomeBuffered, Reason: "canceled", Next: sess.ExpectedSeq()}, ctx.Err()
	}
	s.metrics.RecordAdmission(OutcomeProcessed.String(), "")

	drained := s.drain(ctx, sess)
	return Result{Outcome: OutcomeProcessed, Drained: drained, Next: sess.ExpectedSeq()}, nil
}

// drain processes consecutive buffered chunks starting at expectedSeq. It
// stops as soon as ctx is done and leaves the rest in pending.
func (s *Sequencer) drain(ctx context.Context, sess *store.Session) int {
	drained := 0
	for ctx.Err() == nil {
		next, ok := sess.TakePending(sess.ExpectedSeq())
		if !ok {
			break
		}
		s.metrics.RecordPendingDelta(-1)
		if !s.process(ctx, sess, next) {
			break
		}
		drained++
	}
	if drained > 0 {
		s.metrics.RecordDrained(drained)
		s.logger.Debug().Str("sessionId", sess.ID()).Int("drained", drained).Msg("Drained buffered chunks")
	}
	return drained
}

// process runs the pipeline and advances expectedSeq regardless of the
// result, unless the run failed because ctx was canceled. That chunk added
// nothing to the transcript, so it is buffered again and false is returned.
func (s *Sequencer) process(ctx context.Context, sess *store.Session, chunk store.Chunk) bool {
	err := s.runner.Run(ctx, sess, chunk)
	if err != nil && ctx.Err() != nil {
		s.buffer(sess, chunk)
		return false
	}
	if err != nil {
		s.logger.Warn().Err(err).
			Str("sessionId", sess.ID()).
			Int64("seq", chunk.Seq).
			Msg("Chunk processing failed, advancing past it")
	}
	sess.AdvanceSeq()
	return true
}

func (s *Sequencer) buffer(sess *store.Session, chunk store.Chunk) {
	if replaced := sess.BufferChunk(chunk); !replaced {
		s.metrics.RecordPendingDelta(1)
	}
}

// Discard drops every buffered chunk of a session being removed. Finalize
// leaves late chunks in place so the ended snapshot still shows them.
func (s *Sequencer) Discard(sess *store.Session) int {
	n := 0
	for _, seq := range sess.PendingSeqs() {
		if _, ok := sess.TakePending(seq); ok {
			n++
		}
	}
	if n > 0 {
		s.metrics.RecordPendingDelta(-n)
	}
	return n
}
