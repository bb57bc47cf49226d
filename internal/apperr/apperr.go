// Package apperr holds the error taxonomy shared by every service and the
// mapping from those errors to HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNotFound            = errors.New("not found")
	ErrNotOwner            = errors.New("not owner")
	ErrAlreadyExists       = errors.New("already exists")
	ErrConflict            = errors.New("conflict")
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrTransientExternal   = errors.New("transient external failure")
	ErrPermanentExternal   = errors.New("permanent external failure")
)

// ValidationError describes bad input. It has no side effects and maps to 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a ValidationError on field.
func Invalid(field, message string) error {
	return ValidationError{Field: field, Message: message}
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransientExternal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientExternal, err)
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil || errors.Is(err, ErrPermanentExternal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermanentExternal, err)
}

// IsRetryable reports whether the operation that produced err may be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientExternal) || errors.Is(err, ErrConflict)
}

// StatusCode maps err onto the HTTP status the API surfaces for it.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPermanentExternal):
		return http.StatusBadGateway
	case errors.Is(err, ErrTransientExternal):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
