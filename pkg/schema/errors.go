package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeSubmission        = "SUBMISSION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeDelivery          = "DELIVERY_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeStore             = "STORE_ERROR"
)

// HandoffError is the structured error type for all handoff operations.
type HandoffError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	WorkID  string         `json:"work_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *HandoffError) Error() string {
	if e.WorkID != "" {
		return fmt.Sprintf("[%s] work %s: %s", e.Code, e.WorkID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *HandoffError) Unwrap() error {
	return e.Cause
}

// NewError creates a new HandoffError.
func NewError(code, message string) *HandoffError {
	return &HandoffError{Code: code, Message: message}
}

// NewErrorf creates a new HandoffError with a formatted message.
func NewErrorf(code, format string, args ...any) *HandoffError {
	return &HandoffError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithWork attaches a work ID to the error.
func (e *HandoffError) WithWork(workID string) *HandoffError {
	e.WorkID = workID
	return e
}

// WithCause attaches an underlying cause.
func (e *HandoffError) WithCause(err error) *HandoffError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *HandoffError) WithDetails(details map[string]any) *HandoffError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code describes a transient condition.
// NOT_FOUND is deliberately non-retryable: an unknown or consumed token will
// never become known again.
func (e *HandoffError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeStore, ErrCodeCircuitOpen, ErrCodeDelivery:
		return true
	default:
		return false
	}
}

// ErrorInfo is the wire form of a failure outcome delivered through the
// completion handshake. It crosses the subsystem boundary, so it carries no
// Go error values.
type ErrorInfo struct {
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// AsErrorInfo converts any error into an ErrorInfo, preserving structured
// fields when the error is a HandoffError.
func AsErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	if he, ok := err.(*HandoffError); ok {
		return &ErrorInfo{Code: he.Code, Message: he.Message, Details: he.Details}
	}
	return &ErrorInfo{Code: ErrCodeExecution, Message: err.Error()}
}

// AsError converts an ErrorInfo back into a HandoffError on the engine side.
func (ei *ErrorInfo) AsError() *HandoffError {
	code := ei.Code
	if code == "" {
		code = ErrCodeExecution
	}
	return &HandoffError{Code: code, Message: ei.Message, Details: ei.Details}
}
