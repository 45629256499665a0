package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"meeting-transcript-service/internal/app"
	"meeting-transcript-service/internal/config"
	"meeting-transcript-service/internal/events"
	"meeting-transcript-service/internal/models"
	"meeting-transcript-service/internal/observability/metrics"
	"meeting-transcript-service/internal/service/pipeline"
	"meeting-transcript-service/internal/service/recording"
	"meeting-transcript-service/internal/service/sequencer"
	"meeting-transcript-service/internal/service/stt/mock"
	"meeting-transcript-service/internal/service/summarize"
	"meeting-transcript-service/internal/service/transcode"
	"meeting-transcript-service/internal/store"
)

type testEnv struct {
	server  *httptest.Server
	handler *Handler
	app     *app.Application
	svc     *recording.Service
}

func newTestEnv(t *testing.T, opts Options, limits recording.Limits) *testEnv {
	t.Helper()
	m := metrics.NewMetricsWith(prometheus.NewRegistry())
	b := events.NewBroadcaster(events.DefaultOptions(), m)

	p := pipeline.New(pipeline.Deps{
		Transcoder: transcode.Passthrough{SampleRate: 16000},
		Summarizer: summarize.NewExtractive(2),
		Publisher:  b,
		Metrics:    m,
	})
	svc := recording.NewService(recording.Deps{
		Store:       store.NewMemoryStore(),
		Pipeline:    p,
		Broadcaster: b,
		Recognizers: mock.NewFactory(nil),
		Metrics:     m,
		Limits:      limits,
	})

	application := app.New(config.Default())
	if err := application.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := NewHandler(svc, opts, m)
	srv := httptest.NewServer(NewRouter(application, h))

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Drain(ctx)
		b.Close()
	})
	return &testEnv{server: srv, handler: h, app: application, svc: svc}
}

func (e *testEnv) url(path string) string {
	return e.server.URL + path
}

func toneWAV(t *testing.T) []byte {
	t.Helper()
	samples := make([]byte, 3200)
	for i := range samples {
		samples[i] = byte(i % 7)
	}
	wav, err := transcode.EncodeWAV(samples, 16000)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	return wav
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createSession(t *testing.T, e *testEnv, id string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.url("/v1/sessions"), "application/json", strings.NewReader(`{"sessionId":"`+id+`"}`))
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return resp
}

func upload(t *testing.T, e *testEnv, id string, seq int64, filename string, data []byte, wait bool) *http.Response {
	t.Helper()
	body, contentType := chunkForm(t, seq, filename, data, wait)
	resp, err := http.Post(e.url("/v1/sessions/"+id+"/chunks"), contentType, body)
	if err != nil {
		t.Fatalf("upload request: %v", err)
	}
	return resp
}

func chunkForm(t *testing.T, seq int64, filename string, data []byte, wait bool) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("seq", strconv.FormatInt(seq, 10))
	_ = mw.WriteField("timestamp", "1700000000.5")
	if wait {
		_ = mw.WriteField("wait", "true")
	}
	part, err := mw.CreateFormFile("chunk", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write(data)
	mw.Close()
	return &body, mw.FormDataContentType()
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func TestHealthEndpoints(t *testing.T) {
	e := newTestEnv(t, Options{}, recording.Limits{})

	resp, err := http.Get(e.url("/v1/liveness"))
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp, err = http.Get(e.url("/v1/readiness"))
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	e.app.Shutdown()
	resp, err = http.Get(e.url("/v1/readiness"))
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()
}

func TestCreateSession(t *testing.T) {
	e := newTestEnv(t, Options{}, recording.Limits{})

	resp := createSession(t, e, "standup-1")
	expectStatus(t, resp, http.StatusCreated)
	var created sessionResponse
	decode(t, resp, &created)
	if created.SessionID != "standup-1" || created.Session.Status != "active" {
		t.Errorf("unexpected create response %+v", created)
	}

	resp = createSession(t, e, "standup-1")
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = createSession(t, e, "bad id/with slash")
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	form := url.Values{"session_id": {"standup-2"}}
	resp, err := http.PostForm(e.url("/v1/sessions"), form)
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp, err = http.Get(e.url("/v1/sessions"))
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Sessions []store.Snapshot `json:"sessions"`
	}
	decode(t, resp, &list)
	if len(list.Sessions) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(list.Sessions))
	}
}

func TestUploadChunk_WaitReorders(t *testing.T) {
	e := newTestEnv(t, Options{}, recording.Limits{})
	createSession(t, e, "m1").Body.Close()
	wav := toneWAV(t)

	resp := upload(t, e, "m1", 1, "c1.wav", wav, true)
	expectStatus(t, resp, http.StatusOK)
	var first uploadResponse
	decode(t, resp, &first)
	if first.Outcome != "buffered" {
		t.Errorf("expected seq 1 to be buffered, got %+v", first)
	}

	resp = upload(t, e, "m1", 0, "c0.wav", wav, true)
	expectStatus(t, resp, http.StatusOK)
	var second uploadResponse
	decode(t, resp, &second)
	if second.Outcome != "processed" || second.Drained != 1 || second.ExpectedSeq != 2 {
		t.Errorf("expected seq 0 processed with one drained, got %+v", second)
	}

	resp = upload(t, e, "m1", 0, "c0.wav", wav, true)
	expectStatus(t, resp, http.StatusOK)
	var stale uploadResponse
	decode(t, resp, &stale)
	if stale.Outcome != "dropped" || stale.Reason != "stale" {
		t.Errorf("expected stale duplicate to be dropped, got %+v", stale)
	}

	resp, err := http.Get(e.url("/v1/sessions/m1/transcript"))
	if err != nil {
		t.Fatal(err)
	}
	var tr struct {
		Transcript string `json:"transcript"`
		WordCount  int    `json:"wordCount"`
	}
	decode(t, resp, &tr)
	want := mock.DefaultUtterances[0].Final + " " + mock.DefaultUtterances[1].Final
	if tr.Transcript != want {
		t.Errorf("expected transcript %q, got %q", want, tr.Transcript)
	}
}

func TestUploadChunk_Validation(t *testing.T) {
	e := newTestEnv(t, Options{MaxChunkBytes: 4096}, recording.Limits{})
	createSession(t, e, "m1").Body.Close()
	wav := toneWAV(t)

	tests := []struct {
		name     string
		session  string
		seq      int64
		filename string
		data     []byte
		want     int
	}{
		{"unknown session", "nope", 0, "a.wav", wav, http.StatusNotFound},
		{"unsupported extension", "m1", 0, "a.flac", wav, http.StatusBadRequest},
		{"negative seq", "m1", -1, "a.wav", wav, http.StatusBadRequest},
		{"empty chunk", "m1", 0, "a.wav", nil, http.StatusBadRequest},
		{"too large", "m1", 0, "a.wav", make([]byte, 8192), http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := upload(t, e, tt.session, tt.seq, tt.filename, tt.data, true)
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

// canceledRequest builds a request whose client has already gone away.
func canceledRequest(t *testing.T, method, target string, body io.Reader) *http.Request {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return httptest.NewRequest(method, target, body).WithContext(ctx)
}

func TestUploadChunk_WaitSurvivesClientHangup(t *testing.T) {
	e := newTestEnv(t, DefaultOptions(), recording.DefaultLimits())
	expectStatus(t, createSession(t, e, "s1"), http.StatusCreated)
	expectStatus(t, upload(t, e, "s1", 1, "b.wav", toneWAV(t), true), http.StatusOK)
	expectStatus(t, upload(t, e, "s1", 2, "c.wav", toneWAV(t), true), http.StatusOK)

	body, contentType := chunkForm(t, 0, "a.wav", toneWAV(t), true)
	req := canceledRequest(t, http.MethodPost, "/v1/sessions/s1/chunks", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	NewRouter(e.app, e.handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	snap, _ := e.svc.GetSession("s1")
	if snap.ExpectedSeq != 3 || len(snap.PendingSeqs) != 0 {
		t.Errorf("expected all three chunks processed, got expectedSeq %d pending %v", snap.ExpectedSeq, snap.PendingSeqs)
	}
}

// ctxService records whether the service calls saw a live context.
type ctxService struct {
	RecordingService
	ingestErr   error
	finalizeErr error
}

func (s *ctxService) GetSession(id string) (store.Snapshot, error) {
	return store.Snapshot{ID: id, Status: "active"}, nil
}

func (s *ctxService) IngestChunk(ctx context.Context, _ string, seq int64, _ []byte, _ string) (sequencer.Result, error) {
	s.ingestErr = ctx.Err()
	return sequencer.Result{Outcome: sequencer.OutcomeProcessed, Next: seq + 1}, nil
}

func (s *ctxService) FinalizeSession(ctx context.Context, id string) (store.Snapshot, error) {
	s.finalizeErr = ctx.Err()
	return store.Snapshot{ID: id, Status: "ended"}, nil
}

func TestHandlers_DetachFromRequestContext(t *testing.T) {
	svc := &ctxService{}
	h := NewHandler(svc, DefaultOptions(), metrics.NewMetricsWith(prometheus.NewRegistry()))
	router := NewRouter(app.New(config.Default()), h)

	body, contentType := chunkForm(t, 0, "a.wav", []byte("RIFF"), true)
	req := canceledRequest(t, http.MethodPost, "/v1/sessions/s1/chunks", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d", rec.Code)
	}
	if svc.ingestErr != nil {
		t.Errorf("ingestion saw a canceled context: %v", svc.ingestErr)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, canceledRequest(t, http.MethodPost, "/v1/sessions/s1/end", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("end: expected 200, got %d", rec.Code)
	}
	if svc.finalizeErr != nil {
		t.Errorf("finalize saw a canceled context: %v", svc.finalizeErr)
	}
}

func TestUploadChunk_BacklogFull(t *testing.T) {
	e := newTestEnv(t, Options{}, recording.Limits{MaxPending: 1})
	createSession(t, e, "m1").Body.Close()
	wav := toneWAV(t)

	resp := upload(t, e, "m1", 2, "c2.wav", wav, true)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = upload(t, e, "m1", 3, "c3.wav", wav, true)
	expectStatus(t, resp, http.StatusTooManyRequests)
	resp.Body.Close()
}

func TestUploadChunk_Async(t *testing.T) {
	e := newTestEnv(t, Options{IngestWorkers: 2}, recording.Limits{})
	createSession(t, e, "m1").Body.Close()
	wav := toneWAV(t)

	for _, seq := range []int64{2, 0, 1} {
		resp := upload(t, e, "m1", seq, "c.webm", wav, false)
		expectStatus(t, resp, http.StatusAccepted)
		resp.Body.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.handler.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	snap, err := e.svc.GetSession("m1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.ExpectedSeq != 3 {
		t.Errorf("expected all three chunks processed, expectedSeq=%d", snap.ExpectedSeq)
	}
}

func TestEndSessionAndDownloads(t *testing.T) {
	e := newTestEnv(t, Options{}, recording.Limits{})
	createSession(t, e, "m1").Body.Close()
	upload(t, e, "m1", 0, "c0.wav", toneWAV(t), true).Body.Close()

	resp, err := http.Get(e.url("/v1/sessions/m1/summary"))
	if err != nil {
		t.Fatal(err)
	}
	var sum struct {
		Summary   string `json:"summary"`
		Available bool   `json:"available"`
	}
	decode(t, resp, &sum)
	if sum.Available {
		t.Errorf("expected no summary yet, got %q", sum.Summary)
	}

	resp, err = http.Get(e.url("/v1/sessions/m1/download/summary"))
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp, err = http.Post(e.url("/v1/sessions/m1/end"), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusOK)
	var ended endResponse
	decode(t, resp, &ended)
	if ended.Status != "ended" || ended.Transcript == "" {
		t.Errorf("unexpected end response %+v", ended)
	}

	resp, err = http.Post(e.url("/v1/sessions/m1/end"), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp, err = http.Get(e.url("/v1/sessions/m1/download/transcript"))
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != ended.Transcript {
		t.Errorf("expected download to match transcript, got %q", body)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "m1_transcript.txt") {
		t.Errorf("expected attachment filename, got %q", cd)
	}
}

func TestDeleteSession(t *testing.T) {
	e := newTestEnv(t, Options{}, recording.Limits{})
	createSession(t, e, "m1").Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, e.url("/v1/sessions/m1"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp, err = http.Get(e.url("/v1/sessions/m1"))
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestWebSocket_StreamsSessionEvents(t *testing.T) {
	e := newTestEnv(t, Options{}, recording.Limits{})
	createSession(t, e, "m1").Body.Close()
	createSession(t, e, "other").Body.Close()

	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/v1/ws?session_id=m1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	// The pong proves the subscription is registered.
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	var pong map[string]string
	if err := conn.ReadJSON(&pong); err != nil || pong["type"] != "pong" {
		t.Fatalf("expected pong, got %v %v", pong, err)
	}

	wav := toneWAV(t)
	upload(t, e, "other", 0, "c0.wav", wav, true).Body.Close()
	upload(t, e, "m1", 0, "c0.wav", wav, true).Body.Close()

	var evt struct {
		Type      models.EventType `json:"eventType"`
		SessionID string           `json:"sessionId"`
		Payload   struct {
			Seq       int64  `json:"seq"`
			DeltaText string `json:"deltaText"`
		} `json:"payload"`
	}
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != models.EventTranscriptDelta || evt.SessionID != "m1" {
		t.Errorf("expected m1 transcript delta, got %s for %s", evt.Type, evt.SessionID)
	}
	if evt.Payload.DeltaText == "" {
		t.Error("expected delta text")
	}
}

func TestWebSocket_UnknownSession(t *testing.T) {
	e := newTestEnv(t, Options{}, recording.Limits{})

	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/v1/ws?session_id=missing"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 handshake response, got %v", resp)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrUnknownSession, http.StatusNotFound},
		{store.ErrSessionExists, http.StatusConflict},
		{store.ErrSessionEnded, http.StatusConflict},
		{recording.ErrInvalidSession, http.StatusBadRequest},
		{recording.ErrChunkTooLarge, http.StatusRequestEntityTooLarge},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
