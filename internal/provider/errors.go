package provider

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a provider failure.
type Kind string

// Failure kinds reported by provider clients.
const (
	KindNotFound    Kind = "not_found"
	KindTransient   Kind = "transient"
	KindRateLimited Kind = "rate_limited"
	KindUnknown     Kind = "unknown"
)

// Sentinel errors matching each failure kind, usable with errors.Is.
var (
	ErrNotFound    = errors.New("provider: not found")
	ErrTransient   = errors.New("provider: transient failure")
	ErrRateLimited = errors.New("provider: rate limited")
	ErrUnknown     = errors.New("provider: unknown failure")
)

// Error is a classified provider failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError creates a classified provider error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error implements the error interface for Error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrUnknown:
		return e.Kind == KindUnknown
	}
	return false
}

// Retryable reports whether a later tick may succeed. The engine never
// retries inside a call.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// KindOf classifies any error. Context deadline and cancellation count as
// transient; unclassified errors are unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transient or rate-limited failure.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindRateLimited
}
