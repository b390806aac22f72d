package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waymark-ai/waymark/internal/database"
	"github.com/waymark-ai/waymark/internal/types"
)

// fakeBacking is an in-memory Backing with CAS semantics and fault hooks.
type fakeBacking struct {
	mu   sync.Mutex
	rows map[string]*database.SessionRow

	getErr    error
	updateErr error

	getCount    int
	updateCount int

	// beforeUpdate runs with the lock held before each conditional update,
	// letting tests simulate concurrent external writers.
	beforeUpdate func(f *fakeBacking)
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{rows: make(map[string]*database.SessionRow)}
}

func cloneRow(row *database.SessionRow) *database.SessionRow {
	cp := *row
	cp.StateSnapshot = append(json.RawMessage(nil), row.StateSnapshot...)
	return &cp
}

func (f *fakeBacking) Insert(_ context.Context, row *database.SessionRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.rows[row.SessionKey]; exists {
		return types.NewError(types.SESSION_ALREADY_EXISTS, "duplicate key")
	}
	f.rows[row.SessionKey] = cloneRow(row)
	return nil
}

func (f *fakeBacking) Get(_ context.Context, key string) (*database.SessionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCount++
	if f.getErr != nil {
		return nil, f.getErr
	}
	row, ok := f.rows[key]
	if !ok {
		return nil, types.NewError(types.SESSION_NOT_FOUND, "not found")
	}
	return cloneRow(row), nil
}

func (f *fakeBacking) ConditionalUpdate(_ context.Context, row *database.SessionRow, expectedVersion int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCount++
	if f.updateErr != nil {
		return 0, f.updateErr
	}
	if f.beforeUpdate != nil {
		f.beforeUpdate(f)
	}
	existing, ok := f.rows[row.SessionKey]
	if !ok || existing.Version != expectedVersion {
		return 0, nil
	}
	updated := cloneRow(row)
	updated.Version = expectedVersion + 1
	f.rows[row.SessionKey] = updated
	return 1, nil
}

func (f *fakeBacking) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[key]; !ok {
		return types.NewError(types.SESSION_NOT_FOUND, "not found")
	}
	delete(f.rows, key)
	return nil
}

func (f *fakeBacking) durableState(t *testing.T, key string) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[key]
	require.True(t, ok, "row %s missing", key)
	state := make(map[string]any)
	require.NoError(t, json.Unmarshal(row.StateSnapshot, &state))
	return state
}

// gets and updates read the call counters under the fake's lock; the store's
// timer goroutines hit the backing concurrently with test assertions.
func (f *fakeBacking) gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCount
}

func (f *fakeBacking) updates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateCount
}

func (f *fakeBacking) durableVersion(key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[key]; ok {
		return row.Version
	}
	return 0
}

func testConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Millisecond,
		QueueCapacity:     4,
		MaxFlushRetries:   5,
		ConflictBackoff:   time.Millisecond,
		OutageBackoffBase: 10 * time.Millisecond,
		OutageBackoffCap:  40 * time.Millisecond,
	}
}

func newTestStore(t *testing.T, backing Backing) *Store {
	t.Helper()
	store := NewStore(backing, testConfig())
	t.Cleanup(func() { store.Shutdown(context.Background()) })
	return store
}

func createSession(t *testing.T, store *Store, key string, state map[string]any) *MissionSession {
	t.Helper()
	sess, err := store.CreateSession(context.Background(), CreateOptions{
		SessionKey: key,
		MissionID:  types.NewID(),
		AppName:    "crm",
		UserID:     "user-1",
		AgentName:  "coordinator",
		State:      state,
	})
	require.NoError(t, err)
	return sess
}

func TestStore_CreateSession(t *testing.T) {
	backing := newFakeBacking()
	store := newTestStore(t, backing)

	sess := createSession(t, store, "", map[string]any{"mission_id": "m1"})
	assert.NotEmpty(t, sess.SessionKey)
	assert.Equal(t, int64(1), sess.Version)
	assert.Equal(t, types.SessionStatusActive, sess.Status)
	assert.Equal(t, int64(1), backing.durableVersion(sess.SessionKey))
}

func TestStore_GetSessionReadThrough(t *testing.T) {
	backing := newFakeBacking()
	store := newTestStore(t, backing)
	createSession(t, store, "s1", map[string]any{"mission_id": "m1"})

	// A second store over the same backing has a cold cache.
	cold := NewStore(backing, testConfig())
	defer cold.Shutdown(context.Background())

	before := backing.gets()
	got, err := cold.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.State["mission_id"])
	assert.Equal(t, before+1, backing.gets())

	// Cache hit: no additional backing fetch.
	_, err = cold.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, before+1, backing.gets())
}

func TestStore_GetSessionReturnsSnapshot(t *testing.T) {
	backing := newFakeBacking()
	store := newTestStore(t, backing)
	createSession(t, store, "s1", map[string]any{"mission_id": "m1"})

	snap, err := store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	snap.State["hijacked"] = true

	again, err := store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.NotContains(t, again.State, "hijacked")
}

func TestStore_DebouncedFlush(t *testing.T) {
	backing := newFakeBacking()
	store := newTestStore(t, backing)
	createSession(t, store, "s1", map[string]any{"mission_id": "m1"})

	// 10 rapid mutations within the heartbeat interval.
	for i := 0; i < 10; i++ {
		require.NoError(t, store.Mutate(context.Background(), "s1", map[string]any{
			"counter": i,
		}))
	}

	require.Eventually(t, func() bool {
		return backing.updates() == 1
	}, time.Second, 5*time.Millisecond, "expected exactly one durable write")

	// Give any stray timer a chance to misfire.
	time.Sleep(2 * testConfig().HeartbeatInterval)
	assert.Equal(t, 1, backing.updates())

	state := backing.durableState(t, "s1")
	assert.Equal(t, float64(9), state["counter"])
	assert.Equal(t, int64(2), backing.durableVersion("s1"))
}

func TestStore_CheckpointBypassesDebounce(t *testing.T) {
	backing := newFakeBacking()
	store := newTestStore(t, backing)
	createSession(t, store, "s1", map[string]any{"mission_id": "m1"})

	require.NoError(t, store.Mutate(context.Background(), "s1", map[string]any{"stage": "PLAN"}))
	require.NoError(t, store.Checkpoint(context.Background(), "s1"))

	assert.Equal(t, 1, backing.updates())
	assert.Equal(t, "PLAN", backing.durableState(t, "s1")["stage"])
}

func TestStore_ConflictMerge(t *testing.T) {
	// Session at version 1 with {mission_id: m1}; a pending local patch sets
	// stage=EXECUTE; an external writer bumps the durable row to version 2
	// with {other: x} mid-flush. The flush must detect the conflict, retry,
	// and land at version 3 containing both changes.
	backing := newFakeBacking()
	store := newTestStore(t, backing)
	createSession(t, store, "s1", map[string]any{"mission_id": "m1"})

	externalApplied := false
	backing.beforeUpdate = func(f *fakeBacking) {
		if externalApplied {
			return
		}
		externalApplied = true
		row := f.rows["s1"]
		state := make(map[string]any)
		_ = json.Unmarshal(row.StateSnapshot, &state)
		state["other"] = "x"
		snapshot, _ := json.Marshal(state)
		row.StateSnapshot = snapshot
		row.Version++
	}

	require.NoError(t, store.Mutate(context.Background(), "s1", map[string]any{"stage": "EXECUTE"}))
	require.NoError(t, store.Checkpoint(context.Background(), "s1"))

	assert.Equal(t, int64(3), backing.durableVersion("s1"))
	state := backing.durableState(t, "s1")
	assert.Equal(t, "x", state["other"])
	assert.Equal(t, "EXECUTE", state["stage"])
	assert.Equal(t, "m1", state["mission_id"])
}

func TestStore_NoLostUpdates(t *testing.T) {
	backing := newFakeBacking()
	store := newTestStore(t, backing)
	createSession(t, store, "s1", map[string]any{"mission_id": "m1"})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := "writer_a"
			if n == 1 {
				key = "writer_b"
			}
			_ = store.Mutate(context.Background(), "s1", map[string]any{key: n})
		}(i)
	}
	wg.Wait()

	require.NoError(t, store.Checkpoint(context.Background(), "s1"))

	state := backing.durableState(t, "s1")
	assert.Contains(t, state, "writer_a")
	assert.Contains(t, state, "writer_b")
	// Version advanced by exactly the number of successful durable writes.
	assert.Equal(t, int64(1)+int64(backing.updates()), backing.durableVersion("s1"))
}

func TestStore_ConflictRetriesExhausted(t *testing.T) {
	backing := newFakeBacking()
	store := newTestStore(t, backing)
	createSession(t, store, "s1", map[string]any{"mission_id": "m1"})

	// Every conditional write loses the race.
	backing.beforeUpdate = func(f *fakeBacking) {
		f.rows["s1"].Version++
	}

	require.NoError(t, store.Mutate(context.Background(), "s1", map[string]any{"stage": "PLAN"}))
	err := store.Checkpoint(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.NewError(types.SESSION_CONFLICT, "")))

	sess, err := store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusConflict, sess.Status)
}

func TestStore_TransportErrorSchedulesRetry(t *testing.T) {
	backing := newFakeBacking()
	store := newTestStore(t, backing)
	createSession(t, store, "s1", map[string]any{"mission_id": "m1"})

	backing.mu.Lock()
	backing.getErr = errors.New("connection refused")
	backing.mu.Unlock()

	require.NoError(t, store.Mutate(context.Background(), "s1", map[string]any{"stage": "PLAN"}))
	err := store.Checkpoint(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))

	// Backing recovers; the scheduled retry task flushes the pending patch.
	backing.mu.Lock()
	backing.getErr = nil
	backing.mu.Unlock()

	require.Eventually(t, func() bool {
		return backing.durableVersion("s1") == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "PLAN", backing.durableState(t, "s1")["stage"])
}

func TestStore_AppendToList(t *testing.T) {
	backing := newFakeBacking()
	store := newTestStore(t, backing)
	createSession(t, store, "s1", nil)

	require.NoError(t, store.AppendToList(context.Background(), "s1", "validation_history", map[string]any{"safeguard_id": "sg-1"}))
	require.NoError(t, store.AppendToList(context.Background(), "s1", "validation_history", map[string]any{"safeguard_id": "sg-2"}))
	require.NoError(t, store.Checkpoint(context.Background(), "s1"))

	state := backing.durableState(t, "s1")
	history, ok := state["validation_history"].([]any)
	require.True(t, ok)
	assert.Len(t, history, 2)
}

func TestStore_DeleteSessionFlushesThenCancels(t *testing.T) {
	backing := newFakeBacking()
	store := newTestStore(t, backing)
	createSession(t, store, "s1", map[string]any{"mission_id": "m1"})

	require.NoError(t, store.Mutate(context.Background(), "s1", map[string]any{"stage": "DONE"}))
	require.NoError(t, store.DeleteSession(context.Background(), "s1"))

	assert.Empty(t, store.CachedSessions())
	assert.Equal(t, int64(0), backing.durableVersion("s1"))

	err := store.Mutate(context.Background(), "s1", map[string]any{"late": true})
	assert.Error(t, err)

	// No orphaned timer resurrects the deleted session.
	time.Sleep(3 * testConfig().HeartbeatInterval)
	assert.Equal(t, int64(0), backing.durableVersion("s1"))
}

func TestStore_ShutdownFlushesPendingState(t *testing.T) {
	backing := newFakeBacking()
	store := NewStore(backing, testConfig())
	sess, err := store.CreateSession(context.Background(), CreateOptions{
		MissionID: types.NewID(),
		State:     map[string]any{"mission_id": "m1"},
	})
	require.NoError(t, err)

	require.NoError(t, store.Mutate(context.Background(), sess.SessionKey, map[string]any{"stage": "REFLECT"}))
	require.NoError(t, store.Shutdown(context.Background()))

	assert.Equal(t, "REFLECT", backing.durableState(t, sess.SessionKey)["stage"])

	_, err = store.GetSession(context.Background(), sess.SessionKey)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.NewError(types.SESSION_STORE_SHUT_DOWN, "")))
}

func TestStore_HeartbeatFlushesOnlyWhenDirtyOrStale(t *testing.T) {
	backing := newFakeBacking()
	store := newTestStore(t, backing)
	createSession(t, store, "s1", map[string]any{"mission_id": "m1"})

	// Clean and fresh: no write.
	require.NoError(t, store.Heartbeat(context.Background(), "s1"))
	assert.Equal(t, 0, backing.updates())

	// Dirty: heartbeat flushes immediately.
	require.NoError(t, store.Mutate(context.Background(), "s1", map[string]any{"stage": "PLAN"}))
	require.NoError(t, store.Heartbeat(context.Background(), "s1"))
	assert.Equal(t, 1, backing.updates())

	// Clean but stale: heartbeat still writes, bounding staleness.
	time.Sleep(2 * testConfig().HeartbeatInterval)
	before := backing.updates()
	require.NoError(t, store.Heartbeat(context.Background(), "s1"))
	assert.Equal(t, before+1, backing.updates())
}
