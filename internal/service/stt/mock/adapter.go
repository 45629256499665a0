// Package mock provides a mock recognizer for running without cloud credentials.
// Each non-silent buffer yields the next scripted utterance; Finalize yields the
// opening of the utterance that was cut off by the end of the stream.
package mock

import (
	"context"
	"sync"

	"meeting-transcript-service/internal/service/stt"
	"meeting-transcript-service/internal/service/transcode"
)

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials []string // Progressive partial transcripts
	Final    string   // Final transcript text
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials: []string{"Let's", "Let's start", "Let's start with"},
		Final:    "Let's start with the quarterly numbers",
	},
	{
		Partials: []string{"Revenue", "Revenue is up"},
		Final:    "Revenue is up twelve percent over last quarter",
	},
	{
		Partials: []string{"The main", "The main driver", "The main driver was"},
		Final:    "The main driver was the new enterprise plan",
	},
	{
		Partials: []string{"We still", "We still need", "We still need to"},
		Final:    "We still need to hire two more support engineers",
	},
	{
		Partials: []string{"Action item"},
		Final:    "Action item for Dana is to draft the hiring plan",
	},
}

// Factory hands out mock recognizers, each starting at the next script offset.
type Factory struct {
	mu         sync.Mutex
	utterances []SimulatedUtterance
	counter    int
}

// NewFactory creates a mock factory. A nil script uses DefaultUtterances.
func NewFactory(script []SimulatedUtterance) *Factory {
	if len(script) == 0 {
		script = DefaultUtterances
	}
	return &Factory{utterances: script}
}

// New creates a recognizer for one session.
func (f *Factory) New(_ context.Context, _ string) (stt.Recognizer, error) {
	f.mu.Lock()
	offset := f.counter % len(f.utterances)
	f.counter++
	f.mu.Unlock()

	return &Recognizer{utterances: f.utterances, next: offset}, nil
}

// Name returns the provider name.
func (f *Factory) Name() string { return "mock" }

// Close is a no-op.
func (f *Factory) Close() error { return nil }

// Recognizer implements stt.Recognizer with scripted responses.
type Recognizer struct {
	mu         sync.Mutex
	utterances []SimulatedUtterance
	next       int
	accepted   int
	finalized  bool
	closed     bool
}

// Accept returns the next scripted utterance for non-silent audio.
func (r *Recognizer) Accept(_ context.Context, pcm transcode.PCM) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", stt.ErrRecognizerClosed
	}
	if len(pcm.Samples) == 0 || pcm.IsSilent() {
		return "", nil
	}

	utt := r.utterances[r.next%len(r.utterances)]
	r.next++
	r.accepted++
	return utt.Final, nil
}

// Finalize returns the longest partial of the interrupted utterance, once.
func (r *Recognizer) Finalize(_ context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", stt.ErrRecognizerClosed
	}
	if r.finalized || r.accepted == 0 {
		return "", nil
	}
	r.finalized = true

	utt := r.utterances[r.next%len(r.utterances)]
	if len(utt.Partials) == 0 {
		return "", nil
	}
	return utt.Partials[len(utt.Partials)-1], nil
}

// Close ends the mock session. Idempotent.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
