package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation targets a missing record.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with an existing record,
	// e.g. a duplicate (tenant, owner, name) subscription.
	ErrConflict = errors.New("conflict")
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")
)

// ValidationError reports a rejected field value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
