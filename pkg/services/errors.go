// Package services contains the application services between the HTTP API
// and the store: run metadata, approvals, and the persisted event log.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrForbidden is returned when the caller does not own the entity
	ErrForbidden = errors.New("access denied")

	// ErrConflict is returned when a request conflicts with current state,
	// e.g. flipping a consumed approval or starting a run that is already
	// executing
	ErrConflict = errors.New("conflicting state")

	// ErrBusy is returned when the concurrent-run admission limit is reached
	ErrBusy = errors.New("run limit reached")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
