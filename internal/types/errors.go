package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a namespaced error code for Waymark framework errors.
type ErrorCode string

// Configuration error codes
const (
	CONFIG_LOAD_FAILED       ErrorCode = "CONFIG_LOAD_FAILED"
	CONFIG_PARSE_FAILED      ErrorCode = "CONFIG_PARSE_FAILED"
	CONFIG_VALIDATION_FAILED ErrorCode = "CONFIG_VALIDATION_FAILED"
)

// Database error codes
const (
	DB_OPEN_FAILED      ErrorCode = "DB_OPEN_FAILED"
	DB_MIGRATION_FAILED ErrorCode = "DB_MIGRATION_FAILED"
	DB_QUERY_FAILED     ErrorCode = "DB_QUERY_FAILED"
	DB_CONNECTION_LOST  ErrorCode = "DB_CONNECTION_LOST"
)

// Session store error codes
const (
	SESSION_NOT_FOUND        ErrorCode = "SESSION_NOT_FOUND"
	SESSION_ALREADY_EXISTS   ErrorCode = "SESSION_ALREADY_EXISTS"
	SESSION_CONFLICT         ErrorCode = "SESSION_CONFLICT"
	SESSION_FLUSH_FAILED     ErrorCode = "SESSION_FLUSH_FAILED"
	SESSION_STORE_SHUT_DOWN  ErrorCode = "SESSION_STORE_SHUT_DOWN"
	SESSION_BACKING_OFFLINE  ErrorCode = "SESSION_BACKING_OFFLINE"
	SESSION_SNAPSHOT_INVALID ErrorCode = "SESSION_SNAPSHOT_INVALID"
)

// Stage coordination error codes
const (
	STAGE_MISSING_CONTEXT    ErrorCode = "STAGE_MISSING_CONTEXT"
	STAGE_INVALID_TRANSITION ErrorCode = "STAGE_INVALID_TRANSITION"
	STAGE_OUTPUT_MISSING     ErrorCode = "STAGE_OUTPUT_MISSING"
	STAGE_HANDLER_FAILED     ErrorCode = "STAGE_HANDLER_FAILED"
)

// Action execution error codes
const (
	EXEC_RATE_LIMITED   ErrorCode = "EXEC_RATE_LIMITED"
	EXEC_AUTH_EXPIRED   ErrorCode = "EXEC_AUTH_EXPIRED"
	EXEC_TOOL_FAILED    ErrorCode = "EXEC_TOOL_FAILED"
	EXEC_POLICY_BLOCKED ErrorCode = "EXEC_POLICY_BLOCKED"
)

// WaymarkError represents a structured error with error code, message, and optional cause.
// It supports error wrapping and retryability hints for error handling logic.
type WaymarkError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface, returning a formatted error message.
// Format: "[CODE] message" or "[CODE] message: cause" if cause exists.
func (e *WaymarkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error unwrapping chains.
func (e *WaymarkError) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error by error code.
// Returns true if target is a WaymarkError with the same Code.
func (e *WaymarkError) Is(target error) bool {
	var waymarkErr *WaymarkError
	if errors.As(target, &waymarkErr) {
		return e.Code == waymarkErr.Code
	}
	return false
}

// NewError creates a new non-retryable WaymarkError with the given code and message.
func NewError(code ErrorCode, message string) *WaymarkError {
	return &WaymarkError{
		Code:      code,
		Message:   message,
		Retryable: false,
		Cause:     nil,
	}
}

// NewRetryableError creates a new retryable WaymarkError with the given code and message.
// Use this for transient errors that may succeed on retry (e.g., write conflicts).
func NewRetryableError(code ErrorCode, message string) *WaymarkError {
	return &WaymarkError{
		Code:      code,
		Message:   message,
		Retryable: true,
		Cause:     nil,
	}
}

// WrapError creates a new non-retryable WaymarkError that wraps an existing error.
// The wrapped error is accessible via Unwrap() for error chain inspection.
func WrapError(code ErrorCode, message string, cause error) *WaymarkError {
	return &WaymarkError{
		Code:      code,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// WrapRetryableError creates a retryable WaymarkError that wraps an existing error.
func WrapRetryableError(code ErrorCode, message string, cause error) *WaymarkError {
	return &WaymarkError{
		Code:      code,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// IsRetryable reports whether err carries a retryable hint anywhere in its chain.
func IsRetryable(err error) bool {
	var waymarkErr *WaymarkError
	if errors.As(err, &waymarkErr) {
		return waymarkErr.Retryable
	}
	return false
}
