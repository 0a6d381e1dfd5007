package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestPrescreenError(t *testing.T) {
	cause := errors.New("pool exhausted")
	err := NewPrescreenError(ErrCodeServiceUnavailable, "Try again shortly", cause)

	if err.Error() != "SERVICE_UNAVAILABLE: Try again shortly" {
		t.Errorf("Unexpected error string %s", err.Error())
	}
	if err.Details != "pool exhausted" {
		t.Errorf("Expected details from cause, got %s", err.Details)
	}
	if !errors.Is(err, cause) {
		t.Error("Expected PrescreenError to unwrap to its cause")
	}
	if time.Since(err.Timestamp) > time.Minute {
		t.Errorf("Timestamp should be recent, got %v", err.Timestamp)
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("age", "Please enter your age in years.", "45")

	expected := "validation error for field 'age': Please enter your age in years."
	if err.Error() != expected {
		t.Errorf("Expected error string %s, got %s", expected, err.Error())
	}
	if msg := UserMessage(err); msg != "Please enter your age in years. For example: 45" {
		t.Errorf("Unexpected user message %q", msg)
	}
	if msg := UserMessage(NewValidationError("age", "Please enter a number.", "")); msg != "Please enter a number." {
		t.Errorf("Unexpected user message %q", msg)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    string
		message string
	}{
		{"Nil", nil, "", ""},
		{"Coded", NewPrescreenError(ErrCodeGeneration, "x", nil), ErrCodeGeneration, MsgContactHuman},
		{"Validation", fmt.Errorf("turn: %w", NewValidationError("f", "Bad", "")), ErrCodeValidation, "Bad"},
		{"Data integrity", &DataIntegrityError{Entity: "criterion", ID: "inc-age", Reason: "missing"}, ErrCodeDataIntegrity, MsgRestart},
		{"Not found", fmt.Errorf("criterion x: %w", ErrNotFound), ErrCodeDataIntegrity, MsgRestart},
		{"Session exists", ErrSessionExists, ErrCodeSessionConflict, MsgContactHuman},
		{"Turn in progress", ErrTurnInProgress, ErrCodeSessionConflict, MsgBusy},
		{"NL down", fmt.Errorf("extract: %w", ErrServiceUnavailable), ErrCodeServiceUnavailable, MsgApology},
		{"Timeout", ErrTurnTimeout, ErrCodeServiceUnavailable, MsgApology},
		{"Generation", ErrGenerationFailure, ErrCodeGeneration, MsgContactHuman},
		{"Unknown", errors.New("boom"), ErrCodeInternal, MsgContactHuman},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.code {
				t.Errorf("Expected code %q, got %q", tt.code, got)
			}
			msg := UserMessage(tt.err)
			if msg != tt.message {
				t.Errorf("Expected message %q, got %q", tt.message, msg)
			}
			if tt.err != nil && strings.Contains(msg, tt.err.Error()) {
				t.Errorf("User message leaks the raw error: %q", msg)
			}
		})
	}
}

func TestDataIntegrityErrorIs(t *testing.T) {
	err := fmt.Errorf("loading: %w", &DataIntegrityError{Entity: "answer", ID: "a1", Reason: "bad json"})
	if !errors.Is(err, ErrDataIntegrity) {
		t.Error("Expected DataIntegrityError to match ErrDataIntegrity")
	}
	var die *DataIntegrityError
	if !errors.As(err, &die) || die.ID != "a1" {
		t.Errorf("Expected to recover the typed error, got %v", die)
	}
}
