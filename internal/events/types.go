package events

import (
	"time"

	"github.com/waymark-ai/waymark/internal/types"
)

// EventType identifies the category and nature of an event in the Waymark system.
type EventType string

// Stage Lifecycle Events
// These events track the mission stage state machine.
const (
	EventStageStarted     EventType = "stage.started"
	EventStageCompleted   EventType = "stage.completed"
	EventStageRolledBack  EventType = "stage.rolled_back"
	EventStageAwaiting    EventType = "stage.awaiting_approval"
	EventMissionCompleted EventType = "mission.completed"
	EventMissionSuspended EventType = "mission.suspended"
)

// Plan Attempt Events
// These events track candidate plan attempts within the execution loop.
const (
	EventPlanAttemptStarted EventType = "plan.attempt.started"
	EventPlanAttemptVerdict EventType = "plan.attempt.verdict"
	EventPlanReviewerNotify EventType = "plan.reviewer_notified"
	EventPlanRunExited      EventType = "plan.run.exited"
)

// Action Execution Events
const (
	EventActionStarted   EventType = "action.started"
	EventActionCompleted EventType = "action.completed"
	EventActionFailed    EventType = "action.failed"
	EventActionRetried   EventType = "action.retried"
)

// Safeguard Events
const (
	EventSafeguardAlert    EventType = "safeguard.alert"
	EventSafeguardOverride EventType = "safeguard.override_requested"
	EventSafeguardAutoFix  EventType = "safeguard.auto_fixed"
)

// Session Store Events
const (
	EventSessionCreated  EventType = "session.created"
	EventSessionFlushed  EventType = "session.flushed"
	EventSessionConflict EventType = "session.conflict"
	EventSessionOutage   EventType = "session.outage_retry"
	EventSessionDeleted  EventType = "session.deleted"
)

// Event is a single observability event flowing through the bus.
type Event struct {
	Type       EventType      `json:"type"`
	MissionID  types.ID       `json:"mission_id,omitempty"`
	SessionKey string         `json:"session_key,omitempty"`
	AgentName  string         `json:"agent_name,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Filter selects which events a subscriber receives.
// Zero-valued fields match everything.
type Filter struct {
	Types      []EventType
	MissionID  types.ID
	SessionKey string
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if !f.MissionID.IsZero() && event.MissionID != f.MissionID {
		return false
	}

	if f.SessionKey != "" && event.SessionKey != f.SessionKey {
		return false
	}

	return true
}
