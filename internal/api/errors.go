package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/harvest-api/internal/api/shared"
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/service"
	"github.com/phrazzld/harvest-api/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Not found errors
	case errors.Is(err, service.ErrJobNotFound),
		errors.Is(err, service.ErrEntityNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	// Conflict errors
	case errors.Is(err, service.ErrEntityExists),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrStatusConflict),
		errors.Is(err, domain.ErrJobNotCancellable),
		errors.Is(err, domain.ErrJobNotRetryable):
		return http.StatusConflict

	// Bad request errors
	case service.IsUserError(err),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a user-facing message for err that never
// includes internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, service.ErrJobNotFound):
		return "Job not found"
	case errors.Is(err, service.ErrEntityNotFound):
		return "Monitored product not found"
	case errors.Is(err, service.ErrEntityExists):
		return "Product is already monitored in this marketplace"
	case errors.Is(err, domain.ErrJobNotCancellable):
		return "Job has already finished and cannot be cancelled"
	case errors.Is(err, domain.ErrJobNotRetryable):
		return "Job has no failed tasks to retry"
	case errors.Is(err, store.ErrStatusConflict):
		return "Job status changed, please retry"
	case errors.Is(err, domain.ErrInvalidWorkUnit):
		return "Invalid ASIN: expected 10 letters or digits"
	case errors.Is(err, domain.ErrInvalidPolicy):
		return "Invalid recurrence policy"
	case errors.Is(err, domain.ErrNoFilterVariants):
		return "At least one star filter is required"
	case errors.Is(err, domain.ErrUnknownStarFilter):
		return "Unknown star filter"
	case errors.Is(err, domain.ErrInvalidJobConfig):
		return invalidConfigMessage(err)
	case errors.Is(err, domain.ErrValidation):
		return SanitizeValidationError(err)
	default:
		return "An unexpected error occurred"
	}
}

// invalidConfigMessage keeps the field-level hint of a job config error,
// which is built from constants and never echoes user input beyond the
// marketplace code.
func invalidConfigMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, domain.ErrInvalidJobConfig.Error()+": "); i >= 0 {
		return "Invalid job configuration: " + msg[i+len(domain.ErrInvalidJobConfig.Error())+2:]
	}
	return "Invalid job configuration"
}

// SanitizeValidationError turns validator output into a short message
// naming the first offending field.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return "Invalid " + strings.ToLower(fe.Field()) + ": " + getValidationTagMessage(fe.Tag())
	}
	prefix := domain.ErrValidation.Error() + ": "
	if msg := err.Error(); strings.HasPrefix(msg, prefix) {
		return "Invalid request: " + strings.TrimPrefix(msg, prefix)
	}
	return "Validation error"
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min":
		return "too short"
	case "max":
		return "too long"
	case "oneof":
		return "invalid value"
	case "uuid":
		return "invalid identifier"
	default:
		return "validation failed"
	}
}

// HandleAPIError writes the status and safe message for err. defaultMsg,
// when set, replaces the generic message of unmapped errors.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, defaultMsg string) {
	status := MapErrorToStatusCode(err)
	msg := GetSafeErrorMessage(err)
	if status == http.StatusInternalServerError && defaultMsg != "" {
		msg = defaultMsg
	}
	shared.RespondWithErrorAndLog(w, r, status, msg, err)
}
