// Package google provides a Google Cloud Speech-to-Text recognizer.
package google

import (
	"context"
	"fmt"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"

	"meeting-transcript-service/internal/service/stt"
	"meeting-transcript-service/internal/service/transcode"
)

// Config holds recognition settings.
type Config struct {
	LanguageCode      string
	SampleRateHz      int
	Model             string
	EnablePunctuation bool
	ContextWords      int // trailing words carried into the next request as a phrase hint
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		LanguageCode:      "en-US",
		SampleRateHz:      16000,
		Model:             "latest_long",
		EnablePunctuation: true,
		ContextWords:      8,
	}
}

type recognizeFunc func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)

// Factory owns the shared Speech client.
type Factory struct {
	client    *speech.Client
	recognize recognizeFunc
	cfg       Config
}

// NewFactory creates the Speech client.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func NewFactory(ctx context.Context, cfg Config) (*Factory, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Factory{
		client: c,
		recognize: func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
			return c.Recognize(ctx, req)
		},
		cfg: cfg,
	}, nil
}

// New creates a recognizer handle for one session.
func (f *Factory) New(_ context.Context, _ string) (stt.Recognizer, error) {
	return &Recognizer{recognize: f.recognize, cfg: f.cfg}, nil
}

// Name returns the provider name.
func (f *Factory) Name() string { return "google" }

// Close closes the Speech client.
func (f *Factory) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Recognizer sends each buffer as a synchronous Recognize call. Continuity
// across buffers comes from the trailing words of the previous result,
// passed as a speech context phrase.
type Recognizer struct {
	mu        sync.Mutex
	recognize recognizeFunc
	cfg       Config
	tail      string
	closed    bool
}

// Accept recognizes one buffer.
func (r *Recognizer) Accept(ctx context.Context, pcm transcode.PCM) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", stt.ErrRecognizerClosed
	}
	if len(pcm.Samples) == 0 {
		return "", nil
	}

	rate := pcm.SampleRate
	if rate == 0 {
		rate = r.cfg.SampleRateHz
	}

	resp, err := r.recognize(ctx, r.buildRequest(pcm.Samples, rate))
	if err != nil {
		return "", fmt.Errorf("google recognize: %w", err)
	}

	text := joinResults(resp.GetResults())
	if text != "" {
		r.tail = lastWords(text, r.cfg.ContextWords)
	}
	return text, nil
}

// Finalize returns nothing: synchronous requests leave no buffered audio.
func (r *Recognizer) Finalize(_ context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", stt.ErrRecognizerClosed
	}
	return "", nil
}

// Close releases the handle. The shared client stays open.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *Recognizer) buildRequest(audio []byte, rate int) *speechpb.RecognizeRequest {
	cfg := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            int32(rate),
		AudioChannelCount:          1,
		LanguageCode:               r.cfg.LanguageCode,
		Model:                      r.cfg.Model,
		EnableAutomaticPunctuation: r.cfg.EnablePunctuation,
	}
	if r.tail != "" {
		cfg.SpeechContexts = []*speechpb.SpeechContext{{Phrases: []string{r.tail}}}
	}

	return &speechpb.RecognizeRequest{
		Config: cfg,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	}
}

// joinResults concatenates the top alternative of every result.
func joinResults(results []*speechpb.SpeechRecognitionResult) string {
	parts := make([]string, 0, len(results))
	for _, res := range results {
		alts := res.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if t := strings.TrimSpace(alts[0].GetTranscript()); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func lastWords(text string, n int) string {
	if n <= 0 {
		return ""
	}
	words := strings.Fields(text)
	if len(words) > n {
		words = words[len(words)-n:]
	}
	return strings.Join(words, " ")
}
