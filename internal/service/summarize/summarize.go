// Package summarize produces rolling summaries of a session transcript.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrNoSummarizer is returned by Chain when it has no members.
var ErrNoSummarizer = errors.New("no summarizer configured")

// Summarizer turns a transcript into a short summary. An empty result with a
// nil error means the text was too short to summarize.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
	Name() string
}

// Chain tries each summarizer in order and returns the first non-empty
// result. A remote model backed by a local extractive summarizer is the usual
// arrangement.
type Chain []Summarizer

// Summarize implements Summarizer.
func (c Chain) Summarize(ctx context.Context, text string) (string, error) {
	if len(c) == 0 {
		return "", ErrNoSummarizer
	}

	var lastErr error
	for _, s := range c {
		out, err := s.Summarize(ctx, text)
		if err != nil {
			log.Warn().Err(err).Str("summarizer", s.Name()).Msg("Summarizer failed, trying next")
			lastErr = err
			continue
		}
		if out = strings.TrimSpace(out); out != "" {
			return out, nil
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("all summarizers failed: %w", lastErr)
	}
	return "", nil
}

// Name implements Summarizer.
func (c Chain) Name() string {
	names := make([]string, 0, len(c))
	for _, s := range c {
		names = append(names, s.Name())
	}
	return strings.Join(names, ">")
}
