package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Load-time error codes. These are fatal before a run is created.
const (
	ErrDefinition      ErrorCode = "DEFINITION_ERROR"
	ErrDependencyCycle ErrorCode = "DEPENDENCY_CYCLE"
)

// Run-time error codes.
const (
	ErrStepTimeout   ErrorCode = "STEP_TIMEOUT"
	ErrStepExecution ErrorCode = "STEP_EXECUTION"
	ErrGateFailure   ErrorCode = "GATE_FAILURE"
	ErrRunTimeout    ErrorCode = "RUN_TIMEOUT"
	ErrRunBlocked    ErrorCode = "RUN_BLOCKED"
)

// Infrastructure error codes.
const (
	ErrCircuitOpen     ErrorCode = "CIRCUIT_OPEN"
	ErrCacheCorruption ErrorCode = "CACHE_CORRUPTION"
	ErrStateStoreWrite ErrorCode = "STATE_STORE_WRITE"
	ErrStateStoreRead  ErrorCode = "STATE_STORE_READ"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	StepID    string    `json:"step_id,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.StepID != "" && e.Cause != nil:
		return fmt.Sprintf("[%s] step %s: %s: %v", e.Code, e.StepID, e.Message, e.Cause)
	case e.StepID != "":
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStep attaches the originating step id.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given engine error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
