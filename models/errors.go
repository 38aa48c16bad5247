package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConnection is a transport failure; recovered by reconnecting.
	ErrConnection = errors.New("connection error")
	// ErrTimeout means no frame arrived within the message timeout.
	ErrTimeout = errors.New("timeout")
	// ErrSequenceGap means a book missed updates and needs a fresh snapshot.
	ErrSequenceGap = errors.New("sequence gap")
	// ErrParse is a malformed frame or value.
	ErrParse = errors.New("parse error")
	// ErrInvalidRequest is a bad call or bad configuration.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInternal is a broken invariant such as a crossed book.
	ErrInternal = errors.New("internal error")
	// ErrRateLimited is an exchange rate limit rejection.
	ErrRateLimited = errors.New("rate limited")
)

// SequenceGapError reports the update id a book expected next and the one it got.
type SequenceGapError struct {
	Symbol   Symbol
	Expected uint64
	Received uint64
}

func (e *SequenceGapError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("sequence gap on %s: expected %d, received %d", e.Symbol, e.Expected, e.Received)
	}
	return fmt.Sprintf("sequence gap: expected %d, received %d", e.Expected, e.Received)
}

func (e *SequenceGapError) Is(target error) bool {
	return target == ErrSequenceGap
}

// Severity groups errors by how a caller should react.
type Severity int

const (
	SeverityRecoverable Severity = iota
	SeverityResync
	SeverityRateLimit
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityRecoverable:
		return "recoverable"
	case SeverityResync:
		return "resync"
	case SeverityRateLimit:
		return "rate_limit"
	default:
		return "fatal"
	}
}

// Classify maps an error onto a Severity.
func Classify(err error) Severity {
	switch {
	case err == nil:
		return SeverityRecoverable
	case errors.Is(err, ErrRateLimited):
		return SeverityRateLimit
	case errors.Is(err, ErrConnection), errors.Is(err, ErrTimeout):
		return SeverityRecoverable
	case errors.Is(err, ErrSequenceGap), errors.Is(err, ErrInternal):
		return SeverityResync
	case strings.Contains(err.Error(), "429"), strings.Contains(err.Error(), "-1003"):
		return SeverityRateLimit
	default:
		return SeverityFatal
	}
}

// ShouldRetry reports whether repeating the same call may succeed.
// Sequence gaps need a resync, not a retry.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case SeverityRecoverable, SeverityRateLimit:
		return true
	default:
		return false
	}
}
