package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// ErrNoAPIKeys is returned when Gemini is configured without keys.
var ErrNoAPIKeys = errors.New("gemini: no API keys configured")

const meetingPrompt = `You are summarizing a meeting that is still in progress.
Write a short, factual summary of the transcript below in %d sentences or fewer.
Mention decisions, owners and deadlines when they are stated. Do not invent details.

Transcript:
---
%s
---`

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

type generateFunc func(ctx context.Context, apiKey, model, prompt string) (string, error)

// Gemini summarizes with the Gemini API, rotating through API keys when one
// is rate limited.
type Gemini struct {
	mu         sync.Mutex
	apiKeys    []string
	currentKey int
	model      string
	sentences  int
	generate   generateFunc
}

// NewGemini returns a Gemini summarizer.
func NewGemini(apiKeys []string, model string, sentences int) (*Gemini, error) {
	keys := make([]string, 0, len(apiKeys))
	for _, k := range apiKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, ErrNoAPIKeys
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	if sentences <= 0 {
		sentences = DefaultSentenceCount
	}
	return &Gemini{
		apiKeys:   keys,
		model:     model,
		sentences: sentences,
		generate:  generateContent,
	}, nil
}

// Name implements Summarizer.
func (g *Gemini) Name() string { return "gemini" }

// Summarize implements Summarizer.
func (g *Gemini) Summarize(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if len(text) < MinTextChars {
		return "", nil
	}
	prompt := fmt.Sprintf(meetingPrompt, g.sentences, text)

	var lastErr error
	for range len(g.apiKeys) {
		key, idx := g.key()

		out, err := g.generate(ctx, key, g.model, prompt)
		if err != nil {
			if isRateLimited(err) {
				log.Warn().Int("key", idx+1).Msg("Gemini key rate limited, rotating")
				g.rotate(idx)
				lastErr = err
				continue
			}
			return "", fmt.Errorf("generate content: %w", err)
		}
		return strings.TrimSpace(out), nil
	}

	return "", fmt.Errorf("all API keys exhausted: %w", lastErr)
}

func (g *Gemini) key() (string, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.apiKeys[g.currentKey], g.currentKey
}

// rotate advances past idx unless another caller already did.
func (g *Gemini) rotate(idx int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.currentKey == idx {
		g.currentKey = (g.currentKey + 1) % len(g.apiKeys)
	}
}

func isRateLimited(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "quota") || strings.Contains(msg, "RESOURCE_EXHAUSTED")
}

func generateContent(ctx context.Context, apiKey, model, prompt string) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", fmt.Errorf("create client: %w", err)
	}

	result, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		return "", err
	}

	if result != nil && len(result.Candidates) > 0 && result.Candidates[0].Content != nil {
		var sb strings.Builder
		for _, part := range result.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
		return sb.String(), nil
	}
	return "", errors.New("empty response from Gemini")
}
