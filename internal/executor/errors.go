package executor

import (
	"fmt"
	"time"
)

// RateLimitError reports that the tool provider rejected a call for exceeding
// its rate limit. RetryAfter carries the provider's hint when present; zero
// means no hint was supplied.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: %s (retry after %s)", e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited: %s", e.Message)
}

// AuthExpiredError reports that the provider credentials are no longer valid.
// Always fatal: re-authentication is outside the executor's control.
type AuthExpiredError struct {
	Message string
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("authentication expired: %s", e.Message)
}

// ToolExecutionError wraps any unexpected execution failure as fatal.
type ToolExecutionError struct {
	ActionID string
	Cause    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool execution failed for action %s: %v", e.ActionID, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Cause
}
