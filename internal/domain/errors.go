// Package domain defines the core business entities and errors.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when a job or task is asked to move
	// to a status that its state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidWorkUnit is returned when a product identifier is empty or malformed.
	ErrInvalidWorkUnit = errors.New("invalid work unit")

	// ErrInvalidPolicy is returned when a recurrence policy cannot produce a due time.
	ErrInvalidPolicy = errors.New("invalid recurrence policy")

	// ErrJobNotRetryable is returned when retry is requested for a job
	// with no failed tasks or in a status that cannot be retried.
	ErrJobNotRetryable = errors.New("job cannot be retried")

	// ErrJobNotCancellable is returned when cancellation is requested for a
	// job that already reached a terminal status.
	ErrJobNotCancellable = errors.New("job cannot be cancelled")
)
