// Package stt defines the interface for Speech-to-Text recognizers.
package stt

import (
	"context"
	"errors"

	"meeting-transcript-service/internal/service/transcode"
)

// ErrRecognizerClosed is returned by a handle used after Close.
var ErrRecognizerClosed = errors.New("recognizer closed")

// Recognizer is a per-session streaming recognizer handle. It is a
// sequential state machine: callers must not use it concurrently and must
// feed audio in stream order.
type Recognizer interface {
	// Accept feeds the next normalized buffer and returns any recognized text.
	// Empty text is a valid "no speech" result.
	Accept(ctx context.Context, pcm transcode.PCM) (string, error)

	// Finalize flushes end-of-stream text not tied to a specific buffer.
	Finalize(ctx context.Context) (string, error)

	// Close releases the handle.
	Close() error
}

// Factory creates recognizer handles (Google, mock, etc.).
type Factory interface {
	// New returns a fresh handle scoped to one session.
	New(ctx context.Context, sessionID string) (Recognizer, error)

	// Name identifies the provider in logs and metrics.
	Name() string

	// Close releases the shared engine.
	Close() error
}
