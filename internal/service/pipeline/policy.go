package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Mode selects how the word and interval thresholds fire.
type Mode int

const (
	// ModeLevel fires on every evaluation while a threshold holds.
	ModeLevel Mode = iota
	// ModeEdge fires once per crossing. The word arm re-arms after another
	// WordThreshold words; the interval arm needs new words since the last summary.
	ModeEdge
)

// String returns the mode name used in configuration.
func (m Mode) String() string {
	switch m {
	case ModeLevel:
		return "level"
	case ModeEdge:
		return "edge"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "level" or "edge". Empty means level.
func ParseMode(v string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "level":
		return ModeLevel, nil
	case "edge":
		return ModeEdge, nil
	}
	return ModeLevel, fmt.Errorf("unknown summary mode %q", v)
}

// Reason names why a summary was produced.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonWords    Reason = "word_threshold"
	ReasonInterval Reason = "interval"
	ReasonFinal    Reason = "final"
)

// Thresholds configures the summary trigger.
type Thresholds struct {
	WordThreshold       int           // W
	Interval            time.Duration // T
	MinWordsForInterval int           // F
	Mode                Mode
}

// DefaultThresholds returns W=200, T=30s, F=50 in level mode.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WordThreshold:       200,
		Interval:            30 * time.Second,
		MinWordsForInterval: 50,
		Mode:                ModeLevel,
	}
}

// Validate checks the thresholds are usable.
func (t Thresholds) Validate() error {
	var errs []error
	if t.WordThreshold <= 0 {
		errs = append(errs, errors.New("word threshold must be positive"))
	}
	if t.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if t.MinWordsForInterval < 0 {
		errs = append(errs, errors.New("interval minimum words must not be negative"))
	}
	if t.Mode != ModeLevel && t.Mode != ModeEdge {
		errs = append(errs, fmt.Errorf("unknown mode %d", int(t.Mode)))
	}
	return errors.Join(errs...)
}

// State is the subset of a session the policy looks at.
type State struct {
	WordCount          int
	WordsAtLastSummary int
	SinceLastSummary   time.Duration
}

// Policy decides when a summary is due. Thresholds can be swapped at
// runtime without locking the callers.
type Policy struct {
	th atomic.Pointer[Thresholds]
}

// NewPolicy returns a policy with the given thresholds.
func NewPolicy(t Thresholds) *Policy {
	p := &Policy{}
	p.th.Store(&t)
	return p
}

// Thresholds returns the active thresholds.
func (p *Policy) Thresholds() Thresholds {
	return *p.th.Load()
}

// SetThresholds replaces the active thresholds.
func (p *Policy) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	p.th.Store(&t)
	return nil
}

// ShouldTrigger applies the level rule:
// wordCount >= W || (sinceLast >= T && wordCount > F).
func (p *Policy) ShouldTrigger(wordCount int, sinceLast time.Duration) bool {
	t := p.th.Load()
	return wordCount >= t.WordThreshold ||
		(sinceLast >= t.Interval && wordCount > t.MinWordsForInterval)
}

// Evaluate returns the reason a summary is due, or ReasonNone.
func (p *Policy) Evaluate(s State) Reason {
	t := p.th.Load()

	if t.Mode == ModeEdge {
		if s.WordCount-s.WordsAtLastSummary >= t.WordThreshold {
			return ReasonWords
		}
		if s.SinceLastSummary >= t.Interval && s.WordCount > t.MinWordsForInterval && s.WordCount > s.WordsAtLastSummary {
			return ReasonInterval
		}
		return ReasonNone
	}

	if s.WordCount >= t.WordThreshold {
		return ReasonWords
	}
	if s.SinceLastSummary >= t.Interval && s.WordCount > t.MinWordsForInterval {
		return ReasonInterval
	}
	return ReasonNone
}
