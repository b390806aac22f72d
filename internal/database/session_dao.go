package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/waymark-ai/waymark/internal/types"
)

// SessionRow is the durable representation of a mission session.
// state_snapshot is the full JSON state document; version is the
// optimistic-concurrency token compared on every conditional update.
type SessionRow struct {
	SessionKey      string          `db:"session_key" json:"session_key"`
	MissionID       types.ID        `db:"mission_id" json:"mission_id"`
	AgentName       string          `db:"agent_name" json:"agent_name"`
	AppName         string          `db:"app_name" json:"app_name"`
	UserID          string          `db:"user_id" json:"user_id"`
	StateSnapshot   json.RawMessage `db:"state_snapshot" json:"state_snapshot"`
	StateSizeBytes  int64           `db:"state_size_bytes" json:"state_size_bytes"`
	Version         int64           `db:"version" json:"version"`
	Status          string          `db:"status" json:"status"`
	LastHeartbeatAt *time.Time      `db:"last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// SessionDAO provides database operations for mission session rows.
// Conditional updates implement row-level compare-and-set on version.
type SessionDAO interface {
	// Insert writes a new session row. Fails if the key already exists.
	Insert(ctx context.Context, row *SessionRow) error

	// Get retrieves a session row by key.
	Get(ctx context.Context, sessionKey string) (*SessionRow, error)

	// ConditionalUpdate performs an atomic compare-and-set:
	// UPDATE ... WHERE session_key=? AND version=?, setting
	// version = expectedVersion + 1. Returns the number of affected rows
	// (0 = conflict, 1 = success).
	ConditionalUpdate(ctx context.Context, row *SessionRow, expectedVersion int64) (int64, error)

	// Delete removes a session row by key.
	Delete(ctx context.Context, sessionKey string) error

	// ListByMission retrieves all session rows for a given mission.
	ListByMission(ctx context.Context, missionID types.ID) ([]SessionRow, error)
}

// sessionDAO implements SessionDAO
type sessionDAO struct {
	db *DB
}

// NewSessionDAO creates a new SessionDAO instance
func NewSessionDAO(db *DB) SessionDAO {
	return &sessionDAO{db: db}
}

// Insert writes a new session row at its initial version
func (d *sessionDAO) Insert(ctx context.Context, row *SessionRow) error {
	now := time.Now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	if len(row.StateSnapshot) == 0 {
		row.StateSnapshot = json.RawMessage("{}")
	}
	row.StateSizeBytes = int64(len(row.StateSnapshot))

	if row.Version == 0 {
		row.Version = 1
	}

	query := `
		INSERT INTO mission_sessions (
			session_key, mission_id, agent_name, app_name, user_id,
			state_snapshot, state_size_bytes, version, status,
			last_heartbeat_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := d.db.ExecContext(
		ctx, query,
		row.SessionKey,
		row.MissionID.String(),
		row.AgentName,
		row.AppName,
		row.UserID,
		string(row.StateSnapshot),
		row.StateSizeBytes,
		row.Version,
		row.Status,
		nullableTime(row.LastHeartbeatAt),
		row.CreatedAt,
		row.UpdatedAt,
	)

	if err != nil {
		return types.WrapError(types.DB_QUERY_FAILED, "failed to insert session row", err)
	}

	return nil
}

// Get retrieves a session row by key
func (d *sessionDAO) Get(ctx context.Context, sessionKey string) (*SessionRow, error) {
	query := `
		SELECT
			session_key, mission_id, agent_name, app_name, user_id,
			state_snapshot, state_size_bytes, version, status,
			last_heartbeat_at, created_at, updated_at
		FROM mission_sessions
		WHERE session_key = ?
	`

	row, err := scanSessionRow(d.db.QueryRowContext(ctx, query, sessionKey))
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.SESSION_NOT_FOUND,
			fmt.Sprintf("session not found: %s", sessionKey))
	}
	if err != nil {
		return nil, types.WrapError(types.DB_QUERY_FAILED, "failed to get session row", err)
	}

	return row, nil
}

// ConditionalUpdate performs the compare-and-set write
func (d *sessionDAO) ConditionalUpdate(ctx context.Context, row *SessionRow, expectedVersion int64) (int64, error) {
	if len(row.StateSnapshot) == 0 {
		row.StateSnapshot = json.RawMessage("{}")
	}

	query := `
		UPDATE mission_sessions
		SET state_snapshot = ?, state_size_bytes = ?, version = ?,
		    status = ?, last_heartbeat_at = ?, updated_at = ?
		WHERE session_key = ? AND version = ?
	`

	result, err := d.db.ExecContext(
		ctx, query,
		string(row.StateSnapshot),
		int64(len(row.StateSnapshot)),
		expectedVersion+1,
		row.Status,
		nullableTime(row.LastHeartbeatAt),
		time.Now(),
		row.SessionKey,
		expectedVersion,
	)

	if err != nil {
		return 0, types.WrapRetryableError(types.DB_QUERY_FAILED, "conditional update failed", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, types.WrapError(types.DB_QUERY_FAILED, "failed to get rows affected", err)
	}

	return affected, nil
}

// Delete removes a session row by key
func (d *sessionDAO) Delete(ctx context.Context, sessionKey string) error {
	result, err := d.db.ExecContext(ctx,
		"DELETE FROM mission_sessions WHERE session_key = ?", sessionKey)
	if err != nil {
		return types.WrapError(types.DB_QUERY_FAILED, "failed to delete session row", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return types.WrapError(types.DB_QUERY_FAILED, "failed to get rows affected", err)
	}

	if affected == 0 {
		return types.NewError(types.SESSION_NOT_FOUND,
			fmt.Sprintf("session not found: %s", sessionKey))
	}

	return nil
}

// ListByMission retrieves all session rows for a given mission
func (d *sessionDAO) ListByMission(ctx context.Context, missionID types.ID) ([]SessionRow, error) {
	query := `
		SELECT
			session_key, mission_id, agent_name, app_name, user_id,
			state_snapshot, state_size_bytes, version, status,
			last_heartbeat_at, created_at, updated_at
		FROM mission_sessions
		WHERE mission_id = ?
		ORDER BY created_at DESC
	`

	rows, err := d.db.QueryContext(ctx, query, missionID.String())
	if err != nil {
		return nil, types.WrapError(types.DB_QUERY_FAILED, "failed to list session rows", err)
	}
	defer rows.Close()

	var sessions []SessionRow
	for rows.Next() {
		row, err := scanSessionRow(rows)
		if err != nil {
			return nil, types.WrapError(types.DB_QUERY_FAILED, "failed to scan session row", err)
		}
		sessions = append(sessions, *row)
	}

	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.DB_QUERY_FAILED, "error iterating session rows", err)
	}

	return sessions, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSessionRow scans one session row from the common column order
func scanSessionRow(scanner rowScanner) (*SessionRow, error) {
	var row SessionRow
	var missionIDStr string
	var snapshot sql.NullString
	var heartbeat sql.NullTime

	err := scanner.Scan(
		&row.SessionKey,
		&missionIDStr,
		&row.AgentName,
		&row.AppName,
		&row.UserID,
		&snapshot,
		&row.StateSizeBytes,
		&row.Version,
		&row.Status,
		&heartbeat,
		&row.CreatedAt,
		&row.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	row.MissionID, err = types.ParseID(missionIDStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mission ID: %w", err)
	}

	if snapshot.Valid && snapshot.String != "" {
		row.StateSnapshot = json.RawMessage(snapshot.String)
	} else {
		row.StateSnapshot = json.RawMessage("{}")
	}

	if heartbeat.Valid {
		row.LastHeartbeatAt = &heartbeat.Time
	}

	return &row, nil
}

// nullableTime converts a *time.Time to a driver-friendly value
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
