// Package session implements the durable, cached, versioned store for mission
// session state. The store owns every cache entry and its locks; all other
// components receive state snapshots and submit mutations through store calls.
package session

import (
	"encoding/json"
	"time"

	"github.com/waymark-ai/waymark/internal/database"
	"github.com/waymark-ai/waymark/internal/types"
)

// MissionSession is the caller-facing view of a session. Instances returned
// by the store are snapshots; mutating State on a snapshot has no effect on
// durable state.
type MissionSession struct {
	SessionKey      string              `json:"session_key"`
	MissionID       types.ID            `json:"mission_id"`
	AppName         string              `json:"app_name"`
	UserID          string              `json:"user_id"`
	AgentName       string              `json:"agent_name"`
	State           map[string]any      `json:"state"`
	Version         int64               `json:"version"`
	Status          types.SessionStatus `json:"status"`
	LastHeartbeatAt *time.Time          `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Clone returns a deep-enough copy for handing across component boundaries:
// the top-level state map is copied so callers cannot alias the cache.
func (s *MissionSession) Clone() *MissionSession {
	if s == nil {
		return nil
	}
	cp := *s
	cp.State = copyState(s.State)
	if s.LastHeartbeatAt != nil {
		hb := *s.LastHeartbeatAt
		cp.LastHeartbeatAt = &hb
	}
	return &cp
}

// copyState shallow-copies a state document's top level.
func copyState(state map[string]any) map[string]any {
	cp := make(map[string]any, len(state))
	for k, v := range state {
		cp[k] = v
	}
	return cp
}

// mergeState merges patch into base with last-writer-wins per key; patch keys
// win on conflict. Neither input is modified.
func mergeState(base, patch map[string]any) map[string]any {
	merged := copyState(base)
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// sessionToRow serializes a session into its durable row form.
func sessionToRow(s *MissionSession) (*database.SessionRow, error) {
	snapshot, err := json.Marshal(s.State)
	if err != nil {
		return nil, types.WrapError(types.SESSION_SNAPSHOT_INVALID, "failed to serialize session state", err)
	}

	return &database.SessionRow{
		SessionKey:      s.SessionKey,
		MissionID:       s.MissionID,
		AgentName:       s.AgentName,
		AppName:         s.AppName,
		UserID:          s.UserID,
		StateSnapshot:   snapshot,
		StateSizeBytes:  int64(len(snapshot)),
		Version:         s.Version,
		Status:          s.Status.String(),
		LastHeartbeatAt: s.LastHeartbeatAt,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}, nil
}

// rowToSession deserializes a durable row into a session.
func rowToSession(row *database.SessionRow) (*MissionSession, error) {
	state := make(map[string]any)
	if len(row.StateSnapshot) > 0 {
		if err := json.Unmarshal(row.StateSnapshot, &state); err != nil {
			return nil, types.WrapError(types.SESSION_SNAPSHOT_INVALID, "failed to parse session snapshot", err)
		}
	}

	return &MissionSession{
		SessionKey:      row.SessionKey,
		MissionID:       row.MissionID,
		AppName:         row.AppName,
		UserID:          row.UserID,
		AgentName:       row.AgentName,
		State:           state,
		Version:         row.Version,
		Status:          types.SessionStatus(row.Status),
		LastHeartbeatAt: row.LastHeartbeatAt,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}, nil
}
