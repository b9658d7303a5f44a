package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeMalformedConfig    = "MALFORMED_CONFIG"
	ErrCodeInvariantViolation = "INVARIANT_VIOLATION"
	ErrCodeDeliveryFailed     = "DELIVERY_FAILED"
	ErrCodeDeliveryRejected   = "DELIVERY_REJECTED"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeEvaluation         = "EVALUATION_ERROR"
)

// Error is the structured error type shared by every attendflow component.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("[%s] run %s: %s", e.Code, e.RunID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure may succeed if attempted again later.
// Configuration, validation and rejection errors never do.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeMalformedConfig, ErrCodeInvalidTransition,
		ErrCodeInvariantViolation, ErrCodeDeliveryRejected, ErrCodeRetryExhausted, ErrCodeEvaluation:
		return false
	default:
		return true
	}
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRun attaches a playbook run ID to the error.
func (e *Error) WithRun(runID string) *Error {
	e.RunID = runID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// HasCode reports whether err is (or wraps) an *Error with the given code.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNotFound is shorthand for HasCode(err, ErrCodeNotFound).
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}
