package database

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waymark-ai/waymark/internal/types"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())

	t.Cleanup(func() { db.Close() })
	return db
}

func newTestRow(key string) *SessionRow {
	return &SessionRow{
		SessionKey:    key,
		MissionID:     types.NewID(),
		AgentName:     "coordinator",
		AppName:       "crm",
		UserID:        "user-1",
		StateSnapshot: json.RawMessage(`{"mission_id":"m1"}`),
		Status:        "active",
	}
}

func TestSessionDAO_InsertAndGet(t *testing.T) {
	dao := NewSessionDAO(newTestDB(t))
	ctx := context.Background()

	row := newTestRow("sess-1")
	require.NoError(t, dao.Insert(ctx, row))

	got, err := dao.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, row.MissionID, got.MissionID)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "crm", got.AppName)
	assert.JSONEq(t, `{"mission_id":"m1"}`, string(got.StateSnapshot))
	assert.Equal(t, int64(len(row.StateSnapshot)), got.StateSizeBytes)
}

func TestSessionDAO_GetMissing(t *testing.T) {
	dao := NewSessionDAO(newTestDB(t))

	_, err := dao.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.NewError(types.SESSION_NOT_FOUND, "")))
}

func TestSessionDAO_ConditionalUpdate(t *testing.T) {
	dao := NewSessionDAO(newTestDB(t))
	ctx := context.Background()

	row := newTestRow("sess-cas")
	require.NoError(t, dao.Insert(ctx, row))

	// Matching version succeeds and bumps version by exactly 1.
	row.StateSnapshot = json.RawMessage(`{"mission_id":"m1","stage":"PLAN"}`)
	affected, err := dao.ConditionalUpdate(ctx, row, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	got, err := dao.Get(ctx, "sess-cas")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.JSONEq(t, `{"mission_id":"m1","stage":"PLAN"}`, string(got.StateSnapshot))

	// Stale version reports zero affected rows, leaving the row untouched.
	row.StateSnapshot = json.RawMessage(`{"stale":true}`)
	affected, err = dao.ConditionalUpdate(ctx, row, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected)

	got, err = dao.Get(ctx, "sess-cas")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.JSONEq(t, `{"mission_id":"m1","stage":"PLAN"}`, string(got.StateSnapshot))
}

func TestSessionDAO_ConditionalUpdateHeartbeat(t *testing.T) {
	dao := NewSessionDAO(newTestDB(t))
	ctx := context.Background()

	row := newTestRow("sess-hb")
	require.NoError(t, dao.Insert(ctx, row))

	now := time.Now().Round(time.Second)
	row.LastHeartbeatAt = &now
	affected, err := dao.ConditionalUpdate(ctx, row, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)

	got, err := dao.Get(ctx, "sess-hb")
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeatAt)
	assert.WithinDuration(t, now, *got.LastHeartbeatAt, time.Second)
}

func TestSessionDAO_Delete(t *testing.T) {
	dao := NewSessionDAO(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, dao.Insert(ctx, newTestRow("sess-del")))
	require.NoError(t, dao.Delete(ctx, "sess-del"))

	_, err := dao.Get(ctx, "sess-del")
	assert.Error(t, err)

	err = dao.Delete(ctx, "sess-del")
	assert.True(t, errors.Is(err, types.NewError(types.SESSION_NOT_FOUND, "")))
}

func TestSessionDAO_ListByMission(t *testing.T) {
	dao := NewSessionDAO(newTestDB(t))
	ctx := context.Background()

	missionID := types.NewID()
	for _, key := range []string{"a", "b"} {
		row := newTestRow("sess-" + key)
		row.MissionID = missionID
		require.NoError(t, dao.Insert(ctx, row))
	}
	require.NoError(t, dao.Insert(ctx, newTestRow("sess-other")))

	rows, err := dao.ListByMission(ctx, missionID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestMigrator_Idempotent(t *testing.T) {
	db := newTestDB(t)

	m := NewMigrator(db)
	require.NoError(t, m.Migrate(context.Background()))

	version, err := m.CurrentVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}
