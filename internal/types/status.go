package types

import (
	"encoding/json"
	"fmt"
)

// SessionStatus represents the durable lifecycle state of a mission session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusSuspended SessionStatus = "suspended"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusConflict  SessionStatus = "conflict"
	SessionStatusDeleted   SessionStatus = "deleted"
)

// String returns the string representation of SessionStatus
func (s SessionStatus) String() string {
	return string(s)
}

// IsValid checks if the SessionStatus is a valid value
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionStatusActive, SessionStatusSuspended, SessionStatusCompleted,
		SessionStatusFailed, SessionStatusConflict, SessionStatusDeleted:
		return true
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler
func (s SessionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler
func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	status := SessionStatus(str)
	if !status.IsValid() {
		return fmt.Errorf("invalid session status: %s", str)
	}

	*s = status
	return nil
}

// RunStatus is the closed set of externally visible outcomes for a mission run.
// Raw internal errors never cross component boundaries; they are translated
// into one of these statuses plus a diagnostic message.
type RunStatus string

const (
	// RunStatusCompleted indicates the run finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusNeedsReviewer indicates a validator escalated to a human reviewer.
	RunStatusNeedsReviewer RunStatus = "needs_reviewer"
	// RunStatusExhausted indicates all candidate attempts were consumed without a pass.
	RunStatusExhausted RunStatus = "exhausted"
	// RunStatusError indicates the run stopped on an unexpected failure.
	RunStatusError RunStatus = "error"
	// RunStatusAwaitingApproval indicates the pipeline is suspended at the approval gate.
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	// RunStatusSuspended indicates the pipeline halted at an unwired stage
	// handler; the run is resumable once the handler is registered.
	RunStatusSuspended RunStatus = "suspended"
)

// String returns the string representation of RunStatus
func (s RunStatus) String() string {
	return string(s)
}

// IsValid checks if the RunStatus is a valid value
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusCompleted, RunStatusNeedsReviewer, RunStatusExhausted,
		RunStatusError, RunStatusAwaitingApproval, RunStatusSuspended:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status ends the run (as opposed to a
// resumable suspension).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusExhausted, RunStatusError:
		return true
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	status := RunStatus(str)
	if !status.IsValid() {
		return fmt.Errorf("invalid run status: %s", str)
	}

	*s = status
	return nil
}
