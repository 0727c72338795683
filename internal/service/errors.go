// Package service provides the job lifecycle and monitoring use cases.
package service

import (
	"errors"
	"fmt"

	"github.com/phrazzld/harvest-api/internal/store"
)

// Common service errors - sentinel errors used across service implementations.
// Service methods return these directly for expected conditions and wrap
// everything else in a service-specific error type. The API layer maps them
// to HTTP status codes.
var (
	// ErrJobNotFound indicates that the job does not exist.
	// API layer should map this to HTTP 404 Not Found.
	ErrJobNotFound = errors.New("job not found")

	// ErrEntityNotFound indicates that the monitored entity does not exist.
	// API layer should map this to HTTP 404 Not Found.
	ErrEntityNotFound = errors.New("monitored entity not found")

	// ErrEntityExists indicates the product is already monitored in that
	// marketplace. API layer should map this to HTTP 409 Conflict.
	ErrEntityExists = errors.New("product already monitored")
)

// JobServiceError wraps errors from the job service with context.
type JobServiceError struct {
	// Operation is the operation that failed (e.g., "create_job", "cancel_job")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for JobServiceError.
func (e *JobServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("job service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *JobServiceError) Unwrap() error {
	return e.Err
}

// NewJobServiceError creates a new JobServiceError.
// It returns known sentinel errors directly without wrapping.
func NewJobServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrJobNotFound) || errors.Is(err, store.ErrJobNotFound) {
		return ErrJobNotFound
	}
	return &JobServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// EntityServiceError wraps errors from the entity service with context.
type EntityServiceError struct {
	Operation string
	Message   string
	Err       error
}

// Error implements the error interface for EntityServiceError.
func (e *EntityServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("entity service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("entity service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *EntityServiceError) Unwrap() error {
	return e.Err
}

// NewEntityServiceError creates a new EntityServiceError, mapping store
// sentinels to their service counterparts.
func NewEntityServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrEntityNotFound), errors.Is(err, store.ErrEntityNotFound):
		return ErrEntityNotFound
	case errors.Is(err, ErrEntityExists), errors.Is(err, store.ErrEntityExists):
		return ErrEntityExists
	}
	return &EntityServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
