// Package recording is the session facade: it creates sessions, feeds chunks
// to the sequencer, finalizes sessions and answers reads.
package recording

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meeting-transcript-service/internal/events"
	"meeting-transcript-service/internal/models"
	"meeting-transcript-service/internal/observability/logging"
	"meeting-transcript-service/internal/observability/metrics"
	"meeting-transcript-service/internal/service/pipeline"
	"meeting-transcript-service/internal/service/sequencer"
	"meeting-transcript-service/internal/service/stt"
	"meeting-transcript-service/internal/store"
)

var (
	// ErrInvalidSession is returned for an empty or malformed session id.
	ErrInvalidSession = errors.New("invalid session id")
	// ErrInvalidSequence is returned for a negative sequence number.
	ErrInvalidSequence = errors.New("invalid sequence number")
	// ErrChunkTooLarge is returned when a chunk exceeds Limits.MaxChunkBytes.
	ErrChunkTooLarge = errors.New("chunk too large")
	// ErrEmptyChunk is returned for a chunk with no data.
	ErrEmptyChunk = errors.New("chunk is empty")
)

const maxSessionIDLen = 128

// Limits defines safety guardrails for session processing.
type Limits struct {
	MaxChunkBytes        int64         // largest accepted upload
	MaxPending           int           // out-of-order chunks buffered per session
	FinalSummaryMinWords int           // words needed for the forced summary on finalize
	FlushTimeout         time.Duration // bound on the recognizer flush at finalize
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxChunkBytes:        10 * 1024 * 1024, // 10MB
		MaxPending:           256,
		FinalSummaryMinWords: 30,
		FlushTimeout:         30 * time.Second,
	}
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store       store.Store
	Persister   store.Persister
	Pipeline    *pipeline.Pipeline
	Broadcaster *events.Broadcaster
	Recognizers stt.Factory
	Metrics     *metrics.Metrics
	Clock       func() time.Time
	Limits      Limits
}

// Service implements the session operations.
type Service struct {
	store       store.Store
	persister   store.Persister
	pipeline    *pipeline.Pipeline
	sequencer   *sequencer.Sequencer
	broadcaster *events.Broadcaster
	recognizers stt.Factory
	metrics     *metrics.Metrics
	clock       func() time.Time
	limits      Limits
	logger      zerolog.Logger
}

// NewService wires a Service. Store, Pipeline, Broadcaster and Recognizers are required.
func NewService(d Deps) *Service {
	if d.Persister == nil {
		d.Persister = store.NopPersister{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.DefaultMetrics
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	def := DefaultLimits()
	if d.Limits.FinalSummaryMinWords <= 0 {
		d.Limits.FinalSummaryMinWords = def.FinalSummaryMinWords
	}
	if d.Limits.FlushTimeout <= 0 {
		d.Limits.FlushTimeout = def.FlushTimeout
	}

	return &Service{
		store:       d.Store,
		persister:   d.Persister,
		pipeline:    d.Pipeline,
		sequencer:   sequencer.New(d.Pipeline, sequencer.Limits{MaxPending: d.Limits.MaxPending}, d.Metrics),
		broadcaster: d.Broadcaster,
		recognizers: d.Recognizers,
		metrics:     d.Metrics,
		clock:       d.Clock,
		limits:      d.Limits,
		logger:      logging.WithComponent("recording"),
	}
}

// CreateSession opens the recognizer and then registers a new Active session
// with it attached, so no chunk can see the session without one.
func (s *Service) CreateSession(ctx context.Context, id string) (store.Snapshot, error) {
	id = strings.TrimSpace(id)
	if err := validateSessionID(id); err != nil {
		return store.Snapshot{}, err
	}
	if _, err := s.store.Get(id); err == nil {
		return store.Snapshot{}, store.ErrSessionExists
	}

	rec, err := s.recognizers.New(ctx, id)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("open recognizer: %w", err)
	}
	sess := store.NewSession(id, s.clock())
	sess.SetRecognizer(rec)

	if err := s.store.Insert(sess); err != nil {
		// Lost a race with another create for the same id.
		closeRecognizer(rec, id)
		return store.Snapshot{}, err
	}

	sess.LockOrder()
	snap := sess.Snapshot()
	s.persist(ctx, snap)
	sess.UnlockOrder()
	s.metrics.RecordSessionCreated()

	s.logger.Info().
		Str("sessionId", id).
		Str("sttProvider", s.recognizers.Name()).
		Msg("Session created")
	return snap, nil
}

// IngestChunk hands one chunk to the sequencer. Stale chunks and chunks for
// ended sessions are accepted and dropped without error.
func (s *Service) IngestChunk(ctx context.Context, id string, seq int64, data []byte, format string) (sequencer.Result, error) {
	if seq < 0 {
		return sequencer.Result{}, fmt.Errorf("%w: %d", ErrInvalidSequence, seq)
	}
	if len(data) == 0 {
		return sequencer.Result{}, ErrEmptyChunk
	}
	if s.limits.MaxChunkBytes > 0 && int64(len(data)) > s.limits.MaxChunkBytes {
		s.metrics.RecordLimitExceeded("max_chunk_bytes")
		return sequencer.Result{}, fmt.Errorf("%w: %d bytes, limit %d", ErrChunkTooLarge, len(data), s.limits.MaxChunkBytes)
	}

	sess, err := s.store.Get(id)
	if err != nil {
		return sequencer.Result{}, err
	}

	sess.RecordReceived()
	s.metrics.RecordChunkReceived(len(data))

	res, err := s.sequencer.Admit(ctx, sess, store.Chunk{
		Seq:        seq,
		Data:       data,
		Format:     format,
		ReceivedAt: s.clock(),
	})
	if err != nil {
		return res, err
	}

	log := logging.WithChunk(id, seq)
	log.Debug().
		Str("outcome", res.Outcome.String()).
		Str("reason", res.Reason).
		Int("drained", res.Drained).
		Int64("expectedSeq", res.Next).
		Msg("Chunk admitted")

	if res.Outcome == sequencer.OutcomeProcessed || res.Drained > 0 {
		s.persistOrdered(ctx, sess)
	}
	return res, nil
}

// FinalizeSession flushes the recognizer, produces the final summary when the
// transcript is long enough, marks the session Ended and emits SessionEnded.
func (s *Service) FinalizeSession(ctx context.Context, id string) (store.Snapshot, error) {
	sess, err := s.store.Get(id)
	if err != nil {
		return store.Snapshot{}, err
	}
	log := logging.WithSession(id)

	sess.LockOrder()
	if sess.Status().IsTerminal() {
		sess.UnlockOrder()
		return store.Snapshot{}, fmt.Errorf("%w: %s", store.ErrSessionEnded, id)
	}

	s.flushRecognizer(ctx, sess)

	if words := sess.WordCount(); words >= s.limits.FinalSummaryMinWords {
		if _, err := s.pipeline.SummarizeWithMin(ctx, sess, pipeline.ReasonFinal, s.limits.FinalSummaryMinWords); err != nil {
			log.Warn().Err(err).Int("wordCount", words).Msg("Final summary failed, keeping previous summary")
		}
	} else {
		log.Info().Int("wordCount", words).Msg("Transcript too short for a final summary")
	}

	if err := sess.End(s.clock()); err != nil {
		sess.UnlockOrder()
		return store.Snapshot{}, err
	}
	rec := sess.ReleaseRecognizer()
	snap := sess.Snapshot()
	s.persist(ctx, snap)
	sess.UnlockOrder()

	closeRecognizer(rec, id)
	s.metrics.RecordSessionEnded()

	s.broadcaster.Publish(models.NewEvent(models.EventSessionEnded, id, models.SessionEnded{
		SessionID:       id,
		FinalTranscript: snap.Transcript,
		FinalSummary:    snap.Summary,
		WordCount:       snap.WordCount,
	}, s.clock()))
	s.metrics.RecordEventPublished(string(models.EventSessionEnded))

	log.Info().
		Int("wordCount", snap.WordCount).
		Int("summaries", snap.SummaryCount).
		Int("abandonedChunks", len(snap.PendingSeqs)).
		Msg("Session finalized")
	return snap, nil
}

// flushRecognizer appends whatever the recognizer still holds. The delta is
// tagged with the next expected sequence number.
func (s *Service) flushRecognizer(ctx context.Context, sess *store.Session) {
	rec := sess.Recognizer()
	if rec == nil {
		return
	}
	flushCtx, cancel := context.WithTimeout(ctx, s.limits.FlushTimeout)
	defer cancel()

	text, err := rec.Finalize(flushCtx)
	if err != nil {
		log := logging.WithSession(sess.ID())
		log.Warn().Err(err).Msg("Recognizer flush failed")
		return
	}
	s.pipeline.AppendText(sess, sess.ExpectedSeq(), text)
}

// GetTranscript returns the current transcript.
func (s *Service) GetTranscript(id string) (string, error) {
	sess, err := s.store.Get(id)
	if err != nil {
		return "", err
	}
	return sess.Transcript(), nil
}

// GetSummary returns the latest summary, empty until the first one.
func (s *Service) GetSummary(id string) (string, error) {
	sess, err := s.store.Get(id)
	if err != nil {
		return "", err
	}
	return sess.Summary(), nil
}

// GetSession returns a snapshot of one session.
func (s *Service) GetSession(id string) (store.Snapshot, error) {
	sess, err := s.store.Get(id)
	if err != nil {
		return store.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

// ListSessions returns snapshots of every live session, oldest first.
func (s *Service) ListSessions() []store.Snapshot {
	sessions := s.store.List()
	out := make([]store.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	return out
}

// DeleteSession removes a session, waiting for any in-flight chunk first.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.store.Delete(id)
	if err != nil {
		return err
	}

	sess.LockOrder()
	wasActive := !sess.Status().IsTerminal()
	if wasActive {
		// Late admissions holding this session drop instead of running.
		sess.End(s.clock())
	}
	discarded := s.sequencer.Discard(sess)
	rec := sess.ReleaseRecognizer()
	sess.UnlockOrder()

	closeRecognizer(rec, id)
	if err := s.persister.Delete(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("sessionId", id).Msg("Failed to delete persisted session")
	}
	s.metrics.RecordSessionDeleted(wasActive)

	s.logger.Info().
		Str("sessionId", id).
		Bool("wasActive", wasActive).
		Int("discardedChunks", discarded).
		Msg("Session deleted")
	return nil
}

// Subscribe opens an in-process event stream. An empty sessionID receives
// events of every session.
func (s *Service) Subscribe(buffer int, sessionID string) (*events.ChannelSubscriber, events.Handle) {
	sub := events.NewChannelSubscriber(buffer)
	return sub, s.SubscribeWith(sub, sessionID)
}

// SubscribeWith registers an arbitrary subscriber, such as a websocket.
func (s *Service) SubscribeWith(sub events.Subscriber, sessionID string) events.Handle {
	if sessionID != "" {
		sub = events.SessionFilter{SessionID: sessionID, Next: sub}
	}
	return s.broadcaster.Subscribe(sub)
}

// Unsubscribe ends a subscription.
func (s *Service) Unsubscribe(h events.Handle) bool {
	return s.broadcaster.Unsubscribe(h)
}

// Reap deletes sessions created more than maxAge ago and returns how many
// were removed.
func (s *Service) Reap(ctx context.Context, maxAge time.Duration) int {
	cutoff := s.clock().Add(-maxAge)
	n := 0
	for _, sess := range s.store.List() {
		if !sess.CreatedAt().Before(cutoff) {
			continue
		}
		if err := s.DeleteSession(ctx, sess.ID()); err != nil {
			continue
		}
		s.metrics.RecordSessionReaped()
		n++
	}
	if n > 0 {
		s.logger.Info().Int("reaped", n).Dur("maxAge", maxAge).Msg("Reaped old sessions")
	}
	return n
}

// RunReaper calls Reap every interval until ctx is done.
func (s *Service) RunReaper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap(ctx, maxAge)
		}
	}
}

// Close releases every live recognizer. Sessions stay readable.
func (s *Service) Close() error {
	var errs []error
	for _, sess := range s.store.List() {
		sess.LockOrder()
		rec := sess.ReleaseRecognizer()
		sess.UnlockOrder()
		if rec != nil {
			if err := rec.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// persistOrdered saves a snapshot taken under the ordering lock. Saves of one
// session are serialized that way, so a later save never carries an older
// expectedSeq than an earlier one.
func (s *Service) persistOrdered(ctx context.Context, sess *store.Session) {
	sess.LockOrder()
	defer sess.UnlockOrder()
	if cur, err := s.store.Get(sess.ID()); err != nil || cur != sess {
		return // deleted meanwhile
	}
	s.persist(ctx, sess.Snapshot())
}

func (s *Service) persist(ctx context.Context, snap store.Snapshot) {
	if err := s.persister.Save(ctx, snap); err != nil {
		s.logger.Warn().Err(err).Str("sessionId", snap.ID).Msg("Failed to persist session snapshot")
	}
}

func closeRecognizer(rec stt.Recognizer, sessionID string) {
	if rec == nil {
		return
	}
	if err := rec.Close(); err != nil {
		log := logging.WithSession(sessionID)
		log.Warn().Err(err).Msg("Failed to close recognizer")
	}
}

func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSession)
	}
	if len(id) > maxSessionIDLen {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidSession, maxSessionIDLen)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidSession, r)
		}
	}
	return nil
}
