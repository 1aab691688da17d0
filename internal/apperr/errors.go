// Package apperr defines the error taxonomy shared by services and handlers.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write violates a state invariant.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable is returned when a synchronous dependency cannot be reached.
	ErrUnavailable = errors.New("service unavailable")
)

// ValidationError describes a rejected client input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a validation error for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFound wraps ErrNotFound with a client-facing message.
func NotFound(format string, args ...any) error {
	return &detailedError{kind: ErrNotFound, msg: fmt.Sprintf(format, args...)}
}

// Conflict wraps ErrConflict with a client-facing message.
func Conflict(format string, args ...any) error {
	return &detailedError{kind: ErrConflict, msg: fmt.Sprintf(format, args...)}
}

// Unavailable wraps ErrUnavailable with a client-facing message and its cause.
func Unavailable(msg string, cause error) error {
	return &detailedError{kind: ErrUnavailable, msg: msg, cause: cause}
}

type detailedError struct {
	kind  error
	msg   string
	cause error
}

func (e *detailedError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

// Is matches the sentinel kind so errors.Is(err, ErrNotFound) works.
func (e *detailedError) Is(target error) bool {
	return target == e.kind
}

func (e *detailedError) Unwrap() error {
	return e.cause
}

// Message returns the client-facing message carried by err, or fallback.
func Message(err error, fallback string) string {
	var de *detailedError
	if errors.As(err, &de) {
		return de.msg
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	return fallback
}
