package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error codes surfaced in logs and API error payloads.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeGeneration         = "GENERATION_FAILURE"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeSessionConflict    = "SESSION_CONFLICT"
	ErrCodeDataIntegrity      = "DATA_INTEGRITY_ERROR"
	ErrCodeInternal           = "INTERNAL_SERVER_ERROR"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrSessionExists is returned by session stores when an in-progress
	// session already exists for the (session, trial) pair.
	ErrSessionExists = errors.New("prescreening session already exists")

	ErrGenerationFailure  = errors.New("question generation failed")
	ErrServiceUnavailable = errors.New("natural-language service unavailable")
	ErrSessionConflict    = errors.New("prescreening session conflict")
	ErrDataIntegrity      = errors.New("data integrity error")
	ErrTurnTimeout        = errors.New("turn timed out")
	ErrTurnInProgress     = errors.New("another turn is being processed for this session")
)

// PrescreenError is a coded error carried to the transport layer.
type PrescreenError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	err       error
}

func (e *PrescreenError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PrescreenError) Unwrap() error {
	return e.err
}

// NewPrescreenError wraps cause with a code and message.
func NewPrescreenError(code, message string, cause error) *PrescreenError {
	pe := &PrescreenError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
		err:       cause,
	}
	if cause != nil {
		pe.Details = cause.Error()
	}
	return pe
}

// ValidationError describes a reply that could not be accepted. Example
// holds a suggested format shown back to the person.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Example string `json:"example,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message, example string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Example: example,
	}
}

// DataIntegrityError reports a missing criterion or a malformed persisted row.
type DataIntegrityError struct {
	Entity string
	ID     string
	Reason string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity: %s %q: %s", e.Entity, e.ID, e.Reason)
}

func (e *DataIntegrityError) Is(target error) bool {
	return target == ErrDataIntegrity
}

// ErrorCode maps an error onto the taxonomy codes.
func ErrorCode(err error) string {
	var ve *ValidationError
	var pe *PrescreenError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return pe.Code
	case errors.As(err, &ve):
		return ErrCodeValidation
	case errors.Is(err, ErrDataIntegrity), errors.Is(err, ErrNotFound):
		return ErrCodeDataIntegrity
	case errors.Is(err, ErrSessionConflict), errors.Is(err, ErrSessionExists), errors.Is(err, ErrTurnInProgress):
		return ErrCodeSessionConflict
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, ErrTurnTimeout):
		return ErrCodeServiceUnavailable
	case errors.Is(err, ErrGenerationFailure):
		return ErrCodeGeneration
	default:
		return ErrCodeInternal
	}
}

// Fixed replies for failures. Each offers the person a next step.
const (
	MsgApology      = "I'm sorry, I'm having trouble processing that right now. Could you send your last answer again?"
	MsgRestart      = "I'm sorry, something went wrong with your screening. Let's restart so I can ask the questions again. Reply \"restart\" to begin."
	MsgBusy         = "I'm still working on your previous message. Please wait a moment and try again."
	MsgContactHuman = "I'm sorry, I couldn't complete that. A member of the study team can help; reply \"contact\" and we'll reach out."
)

// UserMessage returns the natural-language reply for err. It never returns
// a raw error string.
func UserMessage(err error) string {
	switch ErrorCode(err) {
	case "":
		return ""
	case ErrCodeValidation:
		var ve *ValidationError
		if errors.As(err, &ve) && ve.Example != "" {
			return fmt.Sprintf("%s For example: %s", ve.Message, ve.Example)
		}
		if ve != nil {
			return ve.Message
		}
		return MsgApology
	case ErrCodeDataIntegrity:
		return MsgRestart
	case ErrCodeSessionConflict:
		if errors.Is(err, ErrTurnInProgress) {
			return MsgBusy
		}
		return MsgContactHuman
	case ErrCodeServiceUnavailable:
		return MsgApology
	default:
		return MsgContactHuman
	}
}
