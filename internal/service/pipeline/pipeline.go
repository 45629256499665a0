// Package pipeline runs one in-order chunk through transcoding, recognition,
// transcript append, event emission and the summary trigger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meeting-transcript-service/internal/models"
	"meeting-transcript-service/internal/observability/logging"
	"meeting-transcript-service/internal/observability/metrics"
	"meeting-transcript-service/internal/service/summarize"
	"meeting-transcript-service/internal/service/transcode"
	"meeting-transcript-service/internal/store"
)

// DefaultStageTimeout bounds each external call.
const DefaultStageTimeout = 30 * time.Second

// DefaultSummaryMinWords is the smallest transcript worth summarizing.
const DefaultSummaryMinWords = 30

var (
	// ErrNoRecognizer is returned when the session's recognizer was released.
	ErrNoRecognizer = errors.New("session has no recognizer")
	// ErrRecognize wraps recognizer failures.
	ErrRecognize = errors.New("recognition failed")
	// ErrSummary wraps summarizer failures.
	ErrSummary = errors.New("summary failed")
	// ErrEmptySummary is returned when the summarizer produced no text.
	ErrEmptySummary = errors.New("summarizer returned empty text")
	// ErrTooFewWords is returned when a forced summary is requested on a near-empty transcript.
	ErrTooFewWords = errors.New("transcript too short to summarize")
)

// Stage names used in logs and metrics.
const (
	StageTranscode = "transcode"
	StageRecognize = "recognize"
	StageAppend    = "append"
	StageSummarize = "summarize"
)

// Publisher receives lifecycle events. It must not block.
type Publisher interface {
	Publish(evt models.Event)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Transcoder      transcode.Transcoder
	Summarizer      summarize.Summarizer
	Publisher       Publisher
	Policy          *Policy
	Metrics         *metrics.Metrics
	Clock           func() time.Time
	StageTimeout    time.Duration
	SummaryMinWords int
}

// Pipeline processes chunks that the sequencer has released in order.
type Pipeline struct {
	deps   Deps
	logger zerolog.Logger
}

// New creates a Pipeline, filling unset dependencies with defaults.
func New(deps Deps) *Pipeline {
	if deps.Policy == nil {
		deps.Policy = NewPolicy(DefaultThresholds())
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.StageTimeout <= 0 {
		deps.StageTimeout = DefaultStageTimeout
	}
	if deps.SummaryMinWords <= 0 {
		deps.SummaryMinWords = DefaultSummaryMinWords
	}
	return &Pipeline{
		deps:   deps,
		logger: logging.WithComponent("pipeline"),
	}
}

// Policy returns the summary policy.
func (p *Pipeline) Policy() *Policy { return p.deps.Policy }

// Run processes one chunk. Callers hold the session's ordering lock.
// A returned error is a contained transcode or recognize failure and means the
// chunk added nothing to the transcript. A failed summary is logged but not
// returned, since the chunk's text is already in.
func (p *Pipeline) Run(ctx context.Context, sess *store.Session, chunk store.Chunk) error {
	log := p.logger.With().Str("sessionId", sess.ID()).Int64("seq", chunk.Seq).Logger()

	pcm, err := p.transcode(ctx, chunk)
	if err != nil {
		p.deps.Metrics.RecordStageFailure(StageTranscode, errorType(err))
		log.Warn().Err(err).Str("format", chunk.Format).Msg("Transcode failed, skipping chunk")
		return err
	}

	text, err := p.recognize(ctx, sess, pcm)
	if err != nil {
		p.deps.Metrics.RecordStageFailure(StageRecognize, errorType(err))
		log.Warn().Err(err).Msg("Recognition failed, skipping chunk")
		return err
	}
	if text == "" {
		log.Debug().Dur("audio", pcm.Duration()).Msg("No speech recognized")
		return nil
	}

	_, words := p.appendText(sess, chunk.Seq, text)
	log.Debug().Int("wordCount", words).Str("delta", text).Msg("Transcript appended")

	reason := p.deps.Policy.Evaluate(State{
		WordCount:          words,
		WordsAtLastSummary: sess.WordsAtLastSummary(),
		SinceLastSummary:   p.deps.Clock().Sub(sess.LastSummaryAt()),
	})
	if reason == ReasonNone {
		return nil
	}
	if words < p.deps.SummaryMinWords {
		log.Debug().Int("wordCount", words).Msg("Summary due but transcript too short")
		return nil
	}

	if _, err := p.Summarize(ctx, sess, reason); err != nil {
		log.Debug().Err(err).Msg("Keeping previous summary")
	}
	return nil
}

// AppendText adds recognized text outside of Run, used when flushing a
// recognizer on finalize.
func (p *Pipeline) AppendText(sess *store.Session, seq int64, text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return sess.WordCount()
	}
	_, words := p.appendText(sess, seq, text)
	return words
}

func (p *Pipeline) appendText(sess *store.Session, seq int64, text string) (string, int) {
	start := time.Now()
	before := sess.WordCount()
	full, words := sess.AppendTranscript(text)
	p.deps.Metrics.RecordStage(StageAppend, time.Since(start).Seconds())
	p.deps.Metrics.RecordWords(words - before)

	p.publish(models.NewEvent(models.EventTranscriptDelta, sess.ID(), models.TranscriptDelta{
		SessionID:      sess.ID(),
		Seq:            seq,
		DeltaText:      text,
		FullTranscript: full,
		WordCount:      words,
	}, p.deps.Clock()))
	return full, words
}

// Summarize produces a summary of the current transcript, stores it and
// emits SummaryProduced. It refuses transcripts below the minimum word count.
func (p *Pipeline) Summarize(ctx context.Context, sess *store.Session, reason Reason) (string, error) {
	return p.summarize(ctx, sess, reason, p.deps.SummaryMinWords)
}

// SummarizeWithMin is Summarize with an explicit minimum word count.
func (p *Pipeline) SummarizeWithMin(ctx context.Context, sess *store.Session, reason Reason, minWords int) (string, error) {
	return p.summarize(ctx, sess, reason, minWords)
}

func (p *Pipeline) summarize(ctx context.Context, sess *store.Session, reason Reason, minWords int) (string, error) {
	log := p.logger.With().Str("sessionId", sess.ID()).Str("reason", string(reason)).Logger()

	transcript := sess.Transcript()
	words := store.CountWords(transcript)
	if words < minWords {
		return "", fmt.Errorf("%w: %d words, need %d", ErrTooFewWords, words, minWords)
	}
	if p.deps.Summarizer == nil {
		return "", fmt.Errorf("%w: no summarizer", ErrSummary)
	}

	stageCtx, cancel := context.WithTimeout(ctx, p.deps.StageTimeout)
	defer cancel()

	start := time.Now()
	summary, err := p.deps.Summarizer.Summarize(stageCtx, transcript)
	p.deps.Metrics.RecordStage(StageSummarize, time.Since(start).Seconds())
	if err != nil {
		p.deps.Metrics.RecordSummaryFailure()
		p.deps.Metrics.RecordStageFailure(StageSummarize, errorType(err))
		log.Error().Err(err).Int("wordCount", words).Msg("Summarizer failed")
		return "", fmt.Errorf("%w: %w", ErrSummary, err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		p.deps.Metrics.RecordSummaryFailure()
		p.deps.Metrics.RecordStageFailure(StageSummarize, "empty")
		log.Warn().Int("wordCount", words).Msg("Summarizer returned empty text")
		return "", ErrEmptySummary
	}

	now := p.deps.Clock()
	sess.SetSummary(summary, now)
	p.deps.Metrics.RecordSummary(string(reason))

	p.publish(models.NewEvent(models.EventSummaryProduced, sess.ID(), models.SummaryProduced{
		SessionID: sess.ID(),
		Summary:   summary,
		WordCount: words,
		Reason:    string(reason),
	}, now))

	log.Info().Int("wordCount", words).Int("summaryChars", len(summary)).Msg("Summary produced")
	return summary, nil
}

func (p *Pipeline) transcode(ctx context.Context, chunk store.Chunk) (transcode.PCM, error) {
	stageCtx, cancel := context.WithTimeout(ctx, p.deps.StageTimeout)
	defer cancel()

	start := time.Now()
	pcm, err := p.deps.Transcoder.Transcode(stageCtx, chunk.Data, chunk.Format)
	p.deps.Metrics.RecordStage(StageTranscode, time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, transcode.ErrTranscode) || errors.Is(err, transcode.ErrUnsupportedAudio) {
			return transcode.PCM{}, err
		}
		return transcode.PCM{}, fmt.Errorf("%w: %w", transcode.ErrTranscode, err)
	}
	return pcm, nil
}

func (p *Pipeline) recognize(ctx context.Context, sess *store.Session, pcm transcode.PCM) (string, error) {
	rec := sess.Recognizer()
	if rec == nil {
		return "", ErrNoRecognizer
	}

	stageCtx, cancel := context.WithTimeout(ctx, p.deps.StageTimeout)
	defer cancel()

	start := time.Now()
	text, err := rec.Accept(stageCtx, pcm)
	p.deps.Metrics.RecordStage(StageRecognize, time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRecognize, err)
	}
	return strings.TrimSpace(text), nil
}

func (p *Pipeline) publish(evt models.Event) {
	if p.deps.Publisher == nil {
		return
	}
	p.deps.Metrics.RecordEventPublished(string(evt.Type))
	p.deps.Publisher.Publish(evt)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, transcode.ErrUnsupportedAudio):
		return "unsupported_audio"
	case errors.Is(err, transcode.ErrTranscode):
		return "transcode"
	case errors.Is(err, ErrNoRecognizer):
		return "no_recognizer"
	case errors.Is(err, ErrRecognize):
		return "recognize"
	default:
		return "other"
	}
}
