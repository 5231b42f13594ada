package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Definition errors: fatal, detected before any node runs, never retried.
const (
	ErrDefinitionInvalid ErrorCode = "DEFINITION_INVALID"
	ErrCycleDetected     ErrorCode = "CYCLE_DETECTED"
	ErrUnknownNodeType   ErrorCode = "UNKNOWN_NODE_TYPE"
)

// Node execution errors.
const (
	ErrNodeTimeout   ErrorCode = "NODE_TIMEOUT"
	ErrNodeTransient ErrorCode = "NODE_TRANSIENT"
	ErrNodeFatal     ErrorCode = "NODE_FATAL"
	ErrStepFailed    ErrorCode = "STEP_FAILED"
)

// Run lifecycle errors.
const (
	ErrRunNotFound    ErrorCode = "RUN_NOT_FOUND"
	ErrNotCancellable ErrorCode = "NOT_CANCELLABLE"
)

// Journey errors.
const (
	ErrConcurrencyConflict ErrorCode = "CONCURRENCY_CONFLICT"
	ErrValidationRejected  ErrorCode = "VALIDATION_REJECTED"
	ErrEnrollmentNotFound  ErrorCode = "ENROLLMENT_NOT_FOUND"
	ErrStageNotFound       ErrorCode = "STAGE_NOT_FOUND"
)

// Error represents a structured error with code, message, and metadata.
// NodeID and Attempts are populated for step-level failures so callers can
// distinguish "try again" from "fix configuration" from "fix data".
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	NodeID    string    `json:"node_id,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
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

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithNode attaches the failing node id.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithAttempts records how many invocation attempts were made.
func (e *Error) WithAttempts(attempts int) *Error {
	e.Attempts = attempts
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, walking the cause chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
