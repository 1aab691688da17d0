package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestDetailedErrors_MatchSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		message  string
	}{
		{"not found", NotFound("Product %d not found", 7), ErrNotFound, "Product 7 not found"},
		{"conflict", Conflict("order %d is already %s", 1, "confirmed"), ErrConflict, "order 1 is already confirmed"},
		{"unavailable", Unavailable("Product service unavailable", errors.New("dial tcp")), ErrUnavailable, "Product service unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("create order: %w", tt.err)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("expected errors.Is to match %v", tt.sentinel)
			}
			if got := Message(wrapped, "fallback"); got != tt.message {
				t.Errorf("Message() = %q, want %q", got, tt.message)
			}
		})
	}
}

func TestUnavailable_UnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Unavailable("Product service unavailable", cause)

	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
	if err.Error() != "Product service unavailable: connection refused" {
		t.Errorf("unexpected error string %q", err.Error())
	}
}

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewValidationError("items", "at least one item is required"))

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatal("expected ValidationError")
	}
	if ve.Field != "items" {
		t.Errorf("Field = %q, want items", ve.Field)
	}
	if Message(err, "") != "at least one item is required" {
		t.Errorf("unexpected message %q", Message(err, ""))
	}
	if Message(errors.New("boom"), "fallback") != "fallback" {
		t.Error("expected fallback for plain errors")
	}
}
