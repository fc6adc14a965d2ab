package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeRoleResolution = "ROLE_RESOLUTION"
	ErrCodeDeadlock       = "DEPENDENCY_DEADLOCK"
	ErrCodeInvocation     = "INVOCATION_ERROR"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeStore          = "STORE_ERROR"
)

// EnsembleError is the structured error type for all engine operations.
type EnsembleError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EnsembleError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EnsembleError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EnsembleError.
func NewError(code, message string) *EnsembleError {
	return &EnsembleError{Code: code, Message: message}
}

// NewErrorf creates a new EnsembleError with a formatted message.
func NewErrorf(code, format string, args ...any) *EnsembleError {
	return &EnsembleError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether another attempt could plausibly succeed.
// Structural failures (validation, role resolution, deadlock) cannot be
// fixed by retrying.
func (e *EnsembleError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeConflict,
		ErrCodeRoleResolution, ErrCodeDeadlock, ErrCodeRetryExhausted:
		return false
	default:
		return true
	}
}

// WithStep attaches a step ID to the error.
func (e *EnsembleError) WithStep(stepID string) *EnsembleError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *EnsembleError) WithCause(err error) *EnsembleError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EnsembleError) WithDetails(details map[string]any) *EnsembleError {
	e.Details = details
	return e
}
