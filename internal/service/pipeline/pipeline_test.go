package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"meeting-transcript-service/internal/models"
	"meeting-transcript-service/internal/observability/metrics"
	"meeting-transcript-service/internal/service/transcode"
	"meeting-transcript-service/internal/store"
)

// --- fakes ---

type testTranscoder struct {
	err error
}

func (t *testTranscoder) Transcode(_ context.Context, data []byte, _ string) (transcode.PCM, error) {
	if t.err != nil {
		return transcode.PCM{}, t.err
	}
	return transcode.PCM{Samples: data, SampleRate: 16000}, nil
}

// testRecognizer returns the chunk payload as recognized text.
type testRecognizer struct {
	err   error
	block bool
}

func (r *testRecognizer) Accept(ctx context.Context, pcm transcode.PCM) (string, error) {
	if r.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if r.err != nil {
		return "", r.err
	}
	return string(pcm.Samples), nil
}

func (r *testRecognizer) Finalize(context.Context) (string, error) { return "", nil }
func (r *testRecognizer) Close() error                             { return nil }

type testSummarizer struct {
	mu    sync.Mutex
	out   string
	err   error
	calls int
}

func (s *testSummarizer) Summarize(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.out, s.err
}

func (s *testSummarizer) Name() string { return "test" }

func (s *testSummarizer) getCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *testPublisher) Publish(evt models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *testPublisher) byType(t models.EventType) []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- helpers ---

type fixture struct {
	pipeline   *Pipeline
	session    *store.Session
	recognizer *testRecognizer
	transcoder *testTranscoder
	summarizer *testSummarizer
	publisher  *testPublisher
	clock      *testClock
}

func newFixture(t *testing.T, th Thresholds) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)}
	f := &fixture{
		session:    store.NewSession("s1", clock.Now()),
		recognizer: &testRecognizer{},
		transcoder: &testTranscoder{},
		summarizer: &testSummarizer{out: "the summary"},
		publisher:  &testPublisher{},
		clock:      clock,
	}
	f.session.SetRecognizer(f.recognizer)
	f.pipeline = New(Deps{
		Transcoder:   f.transcoder,
		Summarizer:   f.summarizer,
		Publisher:    f.publisher,
		Policy:       NewPolicy(th),
		Metrics:      metrics.NewMetricsWith(prometheus.NewRegistry()),
		Clock:        clock.Now,
		StageTimeout: time.Second,
	})
	return f
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func chunk(seq int64, text string) store.Chunk {
	return store.Chunk{Seq: seq, Data: []byte(text), Format: "wav"}
}

// --- tests ---

func TestRun_AppendsAndPublishesDelta(t *testing.T) {
	f := newFixture(t, DefaultThresholds())

	if err := f.pipeline.Run(context.Background(), f.session, chunk(0, "hello team")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.pipeline.Run(context.Background(), f.session, chunk(1, "lets begin")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := f.session.Transcript(); got != "hello team lets begin" {
		t.Errorf("unexpected transcript %q", got)
	}

	deltas := f.publisher.byType(models.EventTranscriptDelta)
	if len(deltas) != 2 {
		t.Fatalf("expected 2 delta events, got %d", len(deltas))
	}
	d := deltas[1].Payload.(models.TranscriptDelta)
	if d.Seq != 1 || d.DeltaText != "lets begin" || d.FullTranscript != "hello team lets begin" || d.WordCount != 4 {
		t.Errorf("unexpected delta payload %+v", d)
	}
	if f.summarizer.getCalls() != 0 {
		t.Error("no summary expected below thresholds")
	}
}

func TestRun_TranscodeFailure(t *testing.T) {
	f := newFixture(t, DefaultThresholds())
	f.transcoder.err = errors.New("ffmpeg exited 1")

	err := f.pipeline.Run(context.Background(), f.session, chunk(0, "lost words"))
	if !errors.Is(err, transcode.ErrTranscode) {
		t.Errorf("expected ErrTranscode, got %v", err)
	}
	if f.session.Transcript() != "" {
		t.Error("transcript must be unchanged after a transcode failure")
	}
	if len(f.publisher.byType(models.EventTranscriptDelta)) != 0 {
		t.Error("no event expected after a transcode failure")
	}
}

func TestRun_EmptyRecognitionIsSilent(t *testing.T) {
	f := newFixture(t, DefaultThresholds())

	if err := f.pipeline.Run(context.Background(), f.session, chunk(0, "   ")); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if len(f.publisher.events) != 0 {
		t.Error("expected no events for empty recognition")
	}
}

func TestRun_NoRecognizer(t *testing.T) {
	f := newFixture(t, DefaultThresholds())
	f.session.ReleaseRecognizer()

	if err := f.pipeline.Run(context.Background(), f.session, chunk(0, "hi")); !errors.Is(err, ErrNoRecognizer) {
		t.Errorf("expected ErrNoRecognizer, got %v", err)
	}
}

func TestRun_StageTimeout(t *testing.T) {
	f := newFixture(t, DefaultThresholds())
	f.recognizer.block = true
	f.pipeline.deps.StageTimeout = 20 * time.Millisecond

	err := f.pipeline.Run(context.Background(), f.session, chunk(0, "never"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if !errors.Is(err, ErrRecognize) {
		t.Errorf("expected ErrRecognize, got %v", err)
	}
}

func TestRun_WordThresholdTriggersSummary(t *testing.T) {
	f := newFixture(t, DefaultThresholds())
	f.session.AppendTranscript(words(195))

	if err := f.pipeline.Run(context.Background(), f.session, chunk(0, words(10))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.session.Summary() != "the summary" {
		t.Errorf("expected summary to be stored, got %q", f.session.Summary())
	}
	summaries := f.publisher.byType(models.EventSummaryProduced)
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary event, got %d", len(summaries))
	}
	if r := summaries[0].Payload.(models.SummaryProduced).Reason; r != string(ReasonWords) {
		t.Errorf("expected reason %s, got %s", ReasonWords, r)
	}
	if f.session.WordCount() != 205 {
		t.Errorf("word count must not reset, got %d", f.session.WordCount())
	}
}

func TestRun_LevelTriggerFiresEveryChunk(t *testing.T) {
	f := newFixture(t, DefaultThresholds())
	f.session.AppendTranscript(words(210))

	for seq := int64(0); seq < 3; seq++ {
		f.pipeline.Run(context.Background(), f.session, chunk(seq, "more"))
	}
	if got := f.summarizer.getCalls(); got != 3 {
		t.Errorf("expected 3 summaries in level mode, got %d", got)
	}
}

func TestRun_EdgeTriggerFiresOnce(t *testing.T) {
	th := DefaultThresholds()
	th.Mode = ModeEdge
	f := newFixture(t, th)
	f.session.AppendTranscript(words(199))

	for seq := int64(0); seq < 3; seq++ {
		f.pipeline.Run(context.Background(), f.session, chunk(seq, "more"))
	}
	if got := f.summarizer.getCalls(); got != 1 {
		t.Errorf("expected 1 summary in edge mode, got %d", got)
	}
}

func TestRun_IntervalTrigger(t *testing.T) {
	f := newFixture(t, DefaultThresholds())
	f.session.AppendTranscript(words(55))
	f.clock.Advance(31 * time.Second)

	f.pipeline.Run(context.Background(), f.session, chunk(0, "and then"))

	summaries := f.publisher.byType(models.EventSummaryProduced)
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	if r := summaries[0].Payload.(models.SummaryProduced).Reason; r != string(ReasonInterval) {
		t.Errorf("expected interval reason, got %s", r)
	}
	if !f.session.LastSummaryAt().Equal(f.clock.Now()) {
		t.Error("expected lastSummaryAt to be reset")
	}
}

func TestRun_IntervalNeedsMoreThanFWords(t *testing.T) {
	f := newFixture(t, DefaultThresholds())
	f.session.AppendTranscript(words(40))
	f.clock.Advance(time.Minute)

	f.pipeline.Run(context.Background(), f.session, chunk(0, "short"))

	if f.summarizer.getCalls() != 0 {
		t.Error("expected no summary with 41 words")
	}
}

func TestRun_SummaryMinWords(t *testing.T) {
	th := Thresholds{WordThreshold: 5, Interval: time.Hour, MinWordsForInterval: 0}
	f := newFixture(t, th)

	f.pipeline.Run(context.Background(), f.session, chunk(0, words(10)))

	if f.summarizer.getCalls() != 0 {
		t.Error("expected summary to be skipped below the minimum word count")
	}
}

func TestRun_EmptySummaryIsFailure(t *testing.T) {
	f := newFixture(t, DefaultThresholds())
	f.summarizer.out = "  "
	f.session.AppendTranscript(words(200))
	before := f.session.LastSummaryAt()

	if err := f.pipeline.Run(context.Background(), f.session, chunk(0, "x")); err != nil {
		t.Errorf("summary failure must not fail the chunk, got %v", err)
	}
	if _, err := f.pipeline.Summarize(context.Background(), f.session, ReasonWords); !errors.Is(err, ErrEmptySummary) {
		t.Errorf("expected ErrEmptySummary, got %v", err)
	}
	if f.session.Summary() != "" {
		t.Error("summary must be unchanged")
	}
	if !f.session.LastSummaryAt().Equal(before) {
		t.Error("lastSummaryAt must not move on failure")
	}
	if len(f.publisher.byType(models.EventTranscriptDelta)) != 1 {
		t.Error("delta must still be published")
	}
}

func TestRun_SummarizerError(t *testing.T) {
	f := newFixture(t, DefaultThresholds())
	f.summarizer.err = errors.New("model unavailable")
	f.session.AppendTranscript(words(200))

	if err := f.pipeline.Run(context.Background(), f.session, chunk(0, "x")); err != nil {
		t.Errorf("summary failure must not fail the chunk, got %v", err)
	}
	if !strings.HasSuffix(f.session.Transcript(), "x") {
		t.Errorf("expected chunk text appended, got %q", f.session.Transcript())
	}
	if f.session.Summary() != "" {
		t.Errorf("expected no summary, got %q", f.session.Summary())
	}
}

func TestSummarize_TooFewWords(t *testing.T) {
	f := newFixture(t, DefaultThresholds())
	f.session.AppendTranscript(words(11))

	if _, err := f.pipeline.Summarize(context.Background(), f.session, ReasonFinal); !errors.Is(err, ErrTooFewWords) {
		t.Errorf("expected ErrTooFewWords, got %v", err)
	}
	if _, err := f.pipeline.SummarizeWithMin(context.Background(), f.session, ReasonFinal, 5); err != nil {
		t.Errorf("unexpected error with lower minimum: %v", err)
	}
}

func TestAppendText(t *testing.T) {
	f := newFixture(t, DefaultThresholds())

	if n := f.pipeline.AppendText(f.session, 3, "  "); n != 0 {
		t.Errorf("expected 0 words, got %d", n)
	}
	if n := f.pipeline.AppendText(f.session, 3, "closing remarks"); n != 2 {
		t.Errorf("expected 2 words, got %d", n)
	}
	if len(f.publisher.byType(models.EventTranscriptDelta)) != 1 {
		t.Error("expected one delta event")
	}
}
