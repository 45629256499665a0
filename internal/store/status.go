package store

import (
	"errors"
	"fmt"
)

// Status represents the lifecycle state of a recording session.
type Status int

const (
	// StatusActive - Session accepts chunks and produces transcript/summary updates.
	StatusActive Status = iota
	// StatusEnded - Session was finalized. Terminal; late chunks are dropped.
	StatusEnded
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// IsTerminal returns true if no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusEnded
}

// ParseStatus is the inverse of String.
func ParseStatus(v string) (Status, error) {
	switch v {
	case "active":
		return StatusActive, nil
	case "ended":
		return StatusEnded, nil
	default:
		return StatusActive, fmt.Errorf("unknown session status %q", v)
	}
}

// Errors returned by the store.
var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionExists  = errors.New("session already exists")
	ErrSessionEnded   = errors.New("session has ended")
)
