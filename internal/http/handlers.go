package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"meeting-transcript-service/internal/events"
	"meeting-transcript-service/internal/observability/logging"
	"meeting-transcript-service/internal/observability/metrics"
	"meeting-transcript-service/internal/service/recording"
	"meeting-transcript-service/internal/service/sequencer"
	"meeting-transcript-service/internal/store"
)

// RecordingService is the session API the handlers call.
type RecordingService interface {
	CreateSession(ctx context.Context, id string) (store.Snapshot, error)
	IngestChunk(ctx context.Context, id string, seq int64, data []byte, format string) (sequencer.Result, error)
	FinalizeSession(ctx context.Context, id string) (store.Snapshot, error)
	GetTranscript(id string) (string, error)
	GetSummary(id string) (string, error)
	GetSession(id string) (store.Snapshot, error)
	ListSessions() []store.Snapshot
	DeleteSession(ctx context.Context, id string) error
	SubscribeWith(sub events.Subscriber, sessionID string) events.Handle
	Unsubscribe(h events.Handle) bool
}

// multipartOverhead is allowed on top of the chunk limit for form fields and
// part headers.
const multipartOverhead = 1 << 20

// Options configures the handlers.
type Options struct {
	MaxChunkBytes     int64
	AllowedExtensions []string
	IngestWorkers     int // concurrent background ingestions
}

// DefaultOptions returns the upload defaults.
func DefaultOptions() Options {
	return Options{
		MaxChunkBytes:     10 * 1024 * 1024,
		AllowedExtensions: []string{".webm", ".ogg", ".wav", ".mp3", ".m4a"},
		IngestWorkers:     4,
	}
}

// Handler serves the session API. Accepted uploads are ingested in the
// background on at most IngestWorkers goroutines.
type Handler struct {
	svc      RecordingService
	opts     Options
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHandler creates the handlers. A nil m uses the default metrics.
func NewHandler(svc RecordingService, opts Options, m *metrics.Metrics) *Handler {
	def := DefaultOptions()
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = def.MaxChunkBytes
	}
	if len(opts.AllowedExtensions) == 0 {
		opts.AllowedExtensions = def.AllowedExtensions
	}
	if opts.IngestWorkers <= 0 {
		opts.IngestWorkers = def.IngestWorkers
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		svc:     svc,
		opts:    opts,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logging.WithComponent("http"),
		sem:    make(chan struct{}, opts.IngestWorkers),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Drain waits for background ingestion to finish. If ctx expires first the
// remaining ingestions are canceled.
func (h *Handler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.cancel()
		return nil
	case <-ctx.Done():
		h.cancel()
		<-done
		return ctx.Err()
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, store.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, store.ErrSessionExists), errors.Is(err, store.ErrSessionEnded):
		return http.StatusConflict
	case errors.Is(err, recording.ErrInvalidSession),
		errors.Is(err, recording.ErrInvalidSequence),
		errors.Is(err, recording.ErrEmptyChunk):
		return http.StatusBadRequest
	case errors.Is(err, recording.ErrChunkTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, sequencer.ErrBacklogFull):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("Request failed")
	}
	writeError(w, status, err.Error())
}

func (h *Handler) index(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "meeting-transcript-service",
		"endpoints": map[string]string{
			"create_session":      "POST /v1/sessions",
			"list_sessions":       "GET /v1/sessions",
			"get_session":         "GET /v1/sessions/{id}",
			"upload_chunk":        "POST /v1/sessions/{id}/chunks",
			"end_session":         "POST /v1/sessions/{id}/end",
			"get_transcript":      "GET /v1/sessions/{id}/transcript",
			"get_summary":         "GET /v1/sessions/{id}/summary",
			"download_transcript": "GET /v1/sessions/{id}/download/transcript",
			"download_summary":    "GET /v1/sessions/{id}/download/summary",
			"delete_session":      "DELETE /v1/sessions/{id}",
			"websocket":           "WS /v1/ws?session_id={id}",
		},
	})
}

type createRequest struct {
	SessionID string `json:"sessionId"`
}

type sessionResponse struct {
	Status    string         `json:"status"`
	SessionID string         `json:"sessionId"`
	Session   store.Snapshot `json:"session"`
}

// createSession accepts a JSON body {"sessionId": ...} or a form field
// session_id.
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var id string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req createRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		id = req.SessionID
	} else {
		id = r.FormValue("session_id")
	}

	snap, err := h.svc.CreateSession(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Status: "created", SessionID: snap.ID, Session: snap})
}

func (h *Handler) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.svc.ListSessions()})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.DeleteSession(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "sessionId": id})
}

type uploadResponse struct {
	Status      string `json:"status"`
	SessionID   string `json:"sessionId"`
	Seq         int64  `json:"seq"`
	Size        int    `json:"size"`
	Outcome     string `json:"outcome,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Drained     int    `json:"drained,omitempty"`
	ExpectedSeq int64  `json:"expectedSeq,omitempty"`
}

// uploadChunk reads a multipart upload with fields seq and chunk. By default
// ingestion runs in the background and the response is 202; with wait=true
// the admission result is returned.
func (h *Handler) uploadChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxChunkBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			h.metrics.RecordLimitExceeded("max_chunk_bytes")
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("chunk exceeds %d bytes", h.opts.MaxChunkBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	seq, err := strconv.ParseInt(r.FormValue("seq"), 10, 64)
	if err != nil || seq < 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid seq %q", r.FormValue("seq")))
		return
	}

	file, header, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing chunk file")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !h.allowed(ext) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported format %q, allowed: %s", ext, strings.Join(h.opts.AllowedExtensions, " ")))
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, h.opts.MaxChunkBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read chunk: "+err.Error())
		return
	}
	if int64(len(data)) > h.opts.MaxChunkBytes {
		h.metrics.RecordLimitExceeded("max_chunk_bytes")
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("chunk exceeds %d bytes", h.opts.MaxChunkBytes))
		return
	}
	if len(data) == 0 {
		h.fail(w, recording.ErrEmptyChunk)
		return
	}

	if _, err := h.svc.GetSession(id); err != nil {
		h.fail(w, err)
		return
	}

	if wait, _ := strconv.ParseBool(r.FormValue("wait")); wait {
		// A chunk's run may drain chunks other uploads buffered, so a client
		// hanging up must not cancel it.
		res, err := h.svc.IngestChunk(context.WithoutCancel(r.Context()), id, seq, data, ext)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, uploadResponse{
			Status:      "processed",
			SessionID:   id,
			Seq:         seq,
			Size:        len(data),
			Outcome:     res.Outcome.String(),
			Reason:      res.Reason,
			Drained:     res.Drained,
			ExpectedSeq: res.Next,
		})
		return
	}

	select {
	case h.sem <- struct{}{}:
	case <-r.Context().Done():
		writeError(w, http.StatusServiceUnavailable, "request canceled while waiting for an ingest worker")
		return
	}
	h.ingestAsync(id, seq, data, ext)

	writeJSON(w, http.StatusAccepted, uploadResponse{Status: "received", SessionID: id, Seq: seq, Size: len(data)})
}

// ingestAsync runs one ingestion on a held semaphore slot.
func (h *Handler) ingestAsync(id string, seq int64, data []byte, format string) {
	h.wg.Add(1)
	h.metrics.RecordUploadStart()
	go func() {
		defer h.wg.Done()
		defer func() { <-h.sem }()
		defer h.metrics.RecordUploadEnd()

		if _, err := h.svc.IngestChunk(h.ctx, id, seq, data, format); err != nil {
			log := logging.WithChunk(id, seq)
			log.Warn().Err(err).Msg("Background ingestion failed")
		}
	}()
}

func (h *Handler) allowed(ext string) bool {
	for _, a := range h.opts.AllowedExtensions {
		if ext == a {
			return true
		}
	}
	return false
}

type endResponse struct {
	Status     string         `json:"status"`
	SessionID  string         `json:"sessionId"`
	Transcript string         `json:"transcript"`
	Summary    string         `json:"summary"`
	Session    store.Snapshot `json:"session"`
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	// The session ends either way, so the flush and final summary run to
	// completion even if the client hangs up.
	snap, err := h.svc.FinalizeSession(context.WithoutCancel(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, endResponse{
		Status:     "ended",
		SessionID:  snap.ID,
		Transcript: snap.Transcript,
		Summary:    snap.Summary,
		Session:    snap,
	})
}

func (h *Handler) getTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.svc.GetSession(id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":  id,
		"transcript": snap.Transcript,
		"wordCount":  snap.WordCount,
	})
}

func (h *Handler) getSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	summary, err := h.svc.GetSummary(id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": id,
		"summary":   summary,
		"available": summary != "",
	})
}

func (h *Handler) downloadTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	text, err := h.svc.GetTranscript(id)
	if err != nil {
		h.fail(w, err)
		return
	}
	serveText(w, id+"_transcript.txt", text, "transcript not available")
}

func (h *Handler) downloadSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	text, err := h.svc.GetSummary(id)
	if err != nil {
		h.fail(w, err)
		return
	}
	serveText(w, id+"_summary.txt", text, "summary not available")
}

// serveText writes text as a plain-text attachment, or 404 when it is empty.
func serveText(w http.ResponseWriter, filename, text, missing string) {
	if text == "" {
		writeError(w, http.StatusNotFound, missing)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

// serveWS upgrades to a websocket and streams events until the client goes
// away. session_id restricts the stream to one session.
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID != "" {
		if _, err := h.svc.GetSession(sessionID); err != nil {
			h.fail(w, err)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	sub := events.NewWebSocketSubscriber(conn)
	handle := h.svc.SubscribeWith(sub, sessionID)
	defer h.svc.Unsubscribe(handle)

	h.logger.Info().
		Str("subscription", string(handle)).
		Str("sessionId", sessionID).
		Str("remote", r.RemoteAddr).
		Msg("Websocket subscriber connected")

	err = sub.ReadLoop(r.Context())
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		h.logger.Debug().Err(err).Str("subscription", string(handle)).Msg("Websocket read loop ended")
	}
	h.logger.Info().Str("subscription", string(handle)).Msg("Websocket subscriber disconnected")
}
