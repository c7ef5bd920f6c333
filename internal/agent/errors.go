// ABOUTME: Classified agent failures and the upstream-unavailable error
// ABOUTME: Retryability is decided here and consumed by the resilient invoker

package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrUpstreamUnavailable matches failures where retries were exhausted.
var ErrUpstreamUnavailable = errors.New("upstream agent unavailable")

// Kind classifies an agent failure.
type Kind string

const (
	KindTransient      Kind = "transient"
	KindRateLimit      Kind = "rate_limit"
	KindTimeout        Kind = "timeout"
	KindInvalidRequest Kind = "invalid_request"
	KindMalformed      Kind = "malformed_reply"
)

// Error is a classified failure reported by an agent backend.
type Error struct {
	Kind       Kind
	Agent      Type
	Status     int           // upstream HTTP status, when known
	RetryAfter time.Duration // hint from rate limiting
	Err        error
}

// NewError wraps err with a classification.
func NewError(kind Kind, agent Type, err error) *Error {
	return &Error{Kind: kind, Agent: agent, Err: err}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s agent: %s", e.Agent, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransient, KindRateLimit, KindTimeout:
		return true
	}
	return false
}

// Backoff is the minimum wait suggested by the upstream.
func (e *Error) Backoff() time.Duration { return e.RetryAfter }

// IsRetryable classifies an error returned by a Client.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// UnavailableError reports an agent call that failed on every attempt.
type UnavailableError struct {
	Agent    Type
	ThreadID string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s agent unavailable (thread %s, %d attempts, %s): %v",
		e.Agent, e.ThreadID, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUpstreamUnavailable) match.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}

// CallError reports a non-retryable agent failure with call context.
type CallError struct {
	Agent    Type
	ThreadID string
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s agent failed (thread %s, attempt %d): %v", e.Agent, e.ThreadID, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }
