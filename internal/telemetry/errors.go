package telemetry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by lookups that have no matching record. It is
	// an outcome, not a failure.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateWindow is returned by stores when an aggregate for the same
	// (deviceId, windowStart, windowEnd) already exists.
	ErrDuplicateWindow = errors.New("aggregate window already stored")
)

// FieldError describes one violated field constraint.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every violated field of a payload or query.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a violation.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns e when it holds at least one violation, nil otherwise.
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NewValidationError builds a ValidationError with a single violation.
func NewValidationError(field, format string, args ...any) *ValidationError {
	v := &ValidationError{}
	v.Add(field, format, args...)
	return v
}

// StoreError wraps a failure of the persistence collaborator.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// BroadcastError wraps a failure of one broadcast sink.
type BroadcastError struct {
	Sink string
	Err  error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast %s: %v", e.Sink, e.Err)
}

func (e *BroadcastError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
