package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waymark-ai/waymark/internal/database"
	"github.com/waymark-ai/waymark/internal/events"
	"github.com/waymark-ai/waymark/internal/types"
)

// Backing is the durable store consumed by the session store. Any backing
// store offering row-level compare-and-set semantics suffices; the SQLite
// database.SessionDAO satisfies it.
type Backing interface {
	Insert(ctx context.Context, row *database.SessionRow) error
	Get(ctx context.Context, sessionKey string) (*database.SessionRow, error)
	ConditionalUpdate(ctx context.Context, row *database.SessionRow, expectedVersion int64) (int64, error)
	Delete(ctx context.Context, sessionKey string) error
}

// Config tunes the store's write-behind behavior.
type Config struct {
	// HeartbeatInterval is the debounce window for write-behind flushes and
	// the staleness bound for Heartbeat.
	HeartbeatInterval time.Duration

	// QueueCapacity bounds each entry's pending write queue. Oldest entries
	// are dropped first; the latest merged patch is always retained, so the
	// bound affects memory, never correctness.
	QueueCapacity int

	// MaxFlushRetries bounds conditional-write attempts per flush.
	MaxFlushRetries int

	// ConflictBackoff is the initial delay between conflict retries inside a
	// single flush; it doubles per attempt.
	ConflictBackoff time.Duration

	// OutageBackoffBase is the initial delay for the transport-error retry
	// task; it doubles per consecutive failure up to OutageBackoffCap.
	OutageBackoffBase time.Duration
	OutageBackoffCap  time.Duration
}

// DefaultConfig returns store defaults matching production tuning.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		QueueCapacity:     32,
		MaxFlushRetries:   5,
		ConflictBackoff:   50 * time.Millisecond,
		OutageBackoffBase: time.Second,
		OutageBackoffCap:  60 * time.Second,
	}
}

// cacheEntry is the store-internal record for one active session. It is owned
// exclusively by the store and never exposed to callers.
type cacheEntry struct {
	// mu guards every field below. Mutations hold it briefly; the durable
	// round trip itself runs under flushMu only.
	mu sync.Mutex

	// flushMu serializes durable writes: at most one flush is in flight for
	// this session at any time.
	flushMu sync.Mutex

	session *MissionSession
	pending map[string]any
	queue   []map[string]any
	dirty   bool

	heartbeatTimer *time.Timer
	retryTimer     *time.Timer
	retryAttempts  int
	outageDelay    time.Duration

	lastFlushAt time.Time
	conflicted  bool
	removed     bool
}

// Store is the session store: read-through cache, write-behind batching,
// optimistic-concurrency flushes, and heartbeat-driven durability.
type Store struct {
	backing   Backing
	cfg       Config
	logger    *slog.Logger
	telemetry events.Sink

	mu      sync.RWMutex
	entries map[string]*cacheEntry
	closed  bool
}

// StoreOption is a functional option for configuring the store.
type StoreOption func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTelemetry sets the store's telemetry sink.
func WithTelemetry(sink events.Sink) StoreOption {
	return func(s *Store) {
		if sink != nil {
			s.telemetry = sink
		}
	}
}

// NewStore creates a session store over the given backing store.
func NewStore(backing Backing, cfg Config, opts ...StoreOption) *Store {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if cfg.MaxFlushRetries <= 0 {
		cfg.MaxFlushRetries = DefaultConfig().MaxFlushRetries
	}
	if cfg.ConflictBackoff <= 0 {
		cfg.ConflictBackoff = DefaultConfig().ConflictBackoff
	}
	if cfg.OutageBackoffBase <= 0 {
		cfg.OutageBackoffBase = DefaultConfig().OutageBackoffBase
	}
	if cfg.OutageBackoffCap < cfg.OutageBackoffBase {
		cfg.OutageBackoffCap = cfg.OutageBackoffBase
	}

	s := &Store{
		backing:   backing,
		cfg:       cfg,
		logger:    slog.Default(),
		telemetry: events.NoopSink{},
		entries:   make(map[string]*cacheEntry),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// CreateOptions describes a new session.
type CreateOptions struct {
	// SessionKey is optional; a UUID is generated when empty.
	SessionKey string
	MissionID  types.ID
	AppName    string
	UserID     string
	AgentName  string
	State      map[string]any
}

// CreateSession writes an initial row at version 1 and seeds the cache.
func (s *Store) CreateSession(ctx context.Context, opts CreateOptions) (*MissionSession, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	key := opts.SessionKey
	if key == "" {
		key = uuid.New().String()
	}

	now := time.Now()
	sess := &MissionSession{
		SessionKey: key,
		MissionID:  opts.MissionID,
		AppName:    opts.AppName,
		UserID:     opts.UserID,
		AgentName:  opts.AgentName,
		State:      copyState(opts.State),
		Version:    1,
		Status:     types.SessionStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if sess.State == nil {
		sess.State = make(map[string]any)
	}

	row, err := sessionToRow(sess)
	if err != nil {
		return nil, err
	}
	if err := s.backing.Insert(ctx, row); err != nil {
		return nil, err
	}

	entry := &cacheEntry{
		session:     sess,
		pending:     make(map[string]any),
		outageDelay: s.cfg.OutageBackoffBase,
		lastFlushAt: now,
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()

	s.telemetry.Emit(ctx, events.EventSessionCreated, events.Event{
		SessionKey: key,
		MissionID:  sess.MissionID,
		Payload:    map[string]any{"app_name": sess.AppName, "user_id": sess.UserID},
	})

	return sess.Clone(), nil
}

// GetSession returns the cached session if present; otherwise it performs
// exactly one backing-store fetch, populates the cache, and returns.
func (s *Store) GetSession(ctx context.Context, key string) (*MissionSession, error) {
	entry, err := s.entry(ctx, key)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session.Clone(), nil
}

// Mutate merges delta into the entry's pending patch, marks it dirty,
// enqueues the current full snapshot onto the bounded write queue, and
// debounces a flush after the heartbeat interval. A new mutation cancels and
// reschedules any pending timer rather than stacking flushes.
func (s *Store) Mutate(ctx context.Context, key string, delta map[string]any) error {
	if len(delta) == 0 {
		return nil
	}

	entry, err := s.entry(ctx, key)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.removed {
		return types.NewError(types.SESSION_NOT_FOUND, fmt.Sprintf("session deleted: %s", key))
	}

	for k, v := range delta {
		entry.pending[k] = v
		entry.session.State[k] = v
	}
	entry.session.UpdatedAt = time.Now()
	entry.dirty = true

	// Bounded queue: drop oldest on overflow. The pending patch above is the
	// source of truth for the flush; the queue only bounds staged snapshots.
	entry.queue = append(entry.queue, copyState(entry.session.State))
	if len(entry.queue) > s.cfg.QueueCapacity {
		entry.queue = entry.queue[len(entry.queue)-s.cfg.QueueCapacity:]
	}

	s.scheduleDebouncedFlushLocked(entry, key)
	return nil
}

// AppendToList appends item to the named list in session state atomically
// with respect to other store calls on the same session.
func (s *Store) AppendToList(ctx context.Context, key, listKey string, item any) error {
	entry, err := s.entry(ctx, key)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.removed {
		return types.NewError(types.SESSION_NOT_FOUND, fmt.Sprintf("session deleted: %s", key))
	}

	var list []any
	if existing, ok := entry.session.State[listKey].([]any); ok {
		list = append(list, existing...)
	}
	list = append(list, item)

	entry.pending[listKey] = list
	entry.session.State[listKey] = list
	entry.session.UpdatedAt = time.Now()
	entry.dirty = true

	entry.queue = append(entry.queue, copyState(entry.session.State))
	if len(entry.queue) > s.cfg.QueueCapacity {
		entry.queue = entry.queue[len(entry.queue)-s.cfg.QueueCapacity:]
	}

	s.scheduleDebouncedFlushLocked(entry, key)
	return nil
}

// Checkpoint forces an immediate flush, bypassing the debounce.
func (s *Store) Checkpoint(ctx context.Context, key string) error {
	entry, err := s.entry(ctx, key)
	if err != nil {
		return err
	}
	return s.flush(ctx, key, entry)
}

// SaveState is an alias for Checkpoint kept for call-site readability.
func (s *Store) SaveState(ctx context.Context, key string) error {
	return s.Checkpoint(ctx, key)
}

// Heartbeat flushes only if the entry is dirty or its last durable write is
// older than the heartbeat interval, bounding staleness.
func (s *Store) Heartbeat(ctx context.Context, key string) error {
	entry, err := s.entry(ctx, key)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	dirty := entry.dirty
	stale := time.Since(entry.lastFlushAt) > s.cfg.HeartbeatInterval
	now := time.Now()
	entry.session.LastHeartbeatAt = &now
	entry.mu.Unlock()

	if !dirty && !stale {
		return nil
	}
	// A stale-but-clean entry still writes, persisting the heartbeat
	// timestamp and bounding staleness.
	return s.flushWith(ctx, key, entry, stale)
}

// DeleteSession flushes pending state, cancels all timers for the entry,
// drops it from cache, and removes the durable row, in that order, so no
// orphaned timer can later mutate a deleted session.
func (s *Store) DeleteSession(ctx context.Context, key string) error {
	entry, err := s.entry(ctx, key)
	if err != nil {
		return err
	}

	if err := s.flush(ctx, key, entry); err != nil {
		s.logger.Warn("flush before delete failed", "session_key", key, "error", err)
	}

	entry.mu.Lock()
	entry.removed = true
	stopTimersLocked(entry)
	entry.mu.Unlock()

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()

	if err := s.backing.Delete(ctx, key); err != nil {
		return err
	}

	s.telemetry.Emit(ctx, events.EventSessionDeleted, events.Event{SessionKey: key})
	return nil
}

// Shutdown flushes every cached session, cancels all outstanding timers, and
// drops all entries. The store rejects further calls afterwards.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entries := make(map[string]*cacheEntry, len(s.entries))
	for k, e := range s.entries {
		entries[k] = e
	}
	s.entries = make(map[string]*cacheEntry)
	s.mu.Unlock()

	var firstErr error
	for key, entry := range entries {
		if err := s.flush(ctx, key, entry); err != nil && firstErr == nil {
			firstErr = err
		}

		entry.mu.Lock()
		entry.removed = true
		stopTimersLocked(entry)
		entry.mu.Unlock()
	}

	return firstErr
}

// CachedSessions returns the keys currently held in cache. Diagnostic
// accessor; the durable row set is the source of truth.
func (s *Store) CachedSessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// checkOpen fails fast after Shutdown.
func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.NewError(types.SESSION_STORE_SHUT_DOWN, "session store is shut down")
	}
	return nil
}

// entry returns the cache entry for key, loading it from the backing store on
// a miss (read-through, exactly one fetch).
func (s *Store) entry(ctx context.Context, key string) (*cacheEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return entry, nil
	}

	row, err := s.backing.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	sess, err := rowToSession(row)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, types.NewError(types.SESSION_STORE_SHUT_DOWN, "session store is shut down")
	}
	// Another caller may have populated the entry while we fetched.
	if entry, ok := s.entries[key]; ok {
		return entry, nil
	}

	entry = &cacheEntry{
		session:     sess,
		pending:     make(map[string]any),
		outageDelay: s.cfg.OutageBackoffBase,
		lastFlushAt: time.Now(),
	}
	s.entries[key] = entry
	return entry, nil
}

// scheduleDebouncedFlushLocked (re)schedules the write-behind flush. Caller
// holds entry.mu.
func (s *Store) scheduleDebouncedFlushLocked(entry *cacheEntry, key string) {
	if entry.heartbeatTimer != nil {
		entry.heartbeatTimer.Stop()
	}
	entry.heartbeatTimer = time.AfterFunc(s.cfg.HeartbeatInterval, func() {
		s.timerFlush(key)
	})
}

// timerFlush runs a flush fired by the debounce or outage-retry timer. The
// entry may have been deleted since scheduling; a removed entry is ignored.
func (s *Store) timerFlush(key string) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	closed := s.closed
	s.mu.RUnlock()
	if !ok || closed {
		return
	}

	entry.mu.Lock()
	if entry.removed {
		entry.mu.Unlock()
		return
	}
	entry.mu.Unlock()

	if err := s.flush(context.Background(), key, entry); err != nil {
		s.logger.Warn("write-behind flush failed", "session_key", key, "error", err)
	}
}

// flush persists the entry's pending patch against the latest durable row.
//
// Under the entry's exclusive flush lock, loop up to MaxFlushRetries times:
// fetch the current durable row, merge the pending patch over its state
// (patch keys win per key), and attempt the conditional write at the fetched
// version. Zero affected rows means another writer won the race: back off and
// loop with a fresh fetch. Success clears the patch and queue, updates the
// cache, and resets retry counters. Exhausting every attempt on version
// conflicts marks the entry conflicted and returns a fatal error. Transport
// errors are not retried inline; they schedule the outage-retry task.
func (s *Store) flush(ctx context.Context, key string, entry *cacheEntry) error {
	return s.flushWith(ctx, key, entry, false)
}

// flushWith optionally forces a durable write even with an empty patch
// (heartbeat staleness bounding).
func (s *Store) flushWith(ctx context.Context, key string, entry *cacheEntry, force bool) error {
	entry.flushMu.Lock()
	defer entry.flushMu.Unlock()

	// Steal the patch so mutations arriving during the round trip accumulate
	// separately and are never lost.
	entry.mu.Lock()
	if len(entry.pending) == 0 && !force {
		entry.dirty = false
		entry.mu.Unlock()
		return nil
	}
	patch := entry.pending
	entry.pending = make(map[string]any)
	status := entry.session.Status
	heartbeat := entry.session.LastHeartbeatAt
	entry.mu.Unlock()

	backoff := s.cfg.ConflictBackoff
	for attempt := 0; attempt < s.cfg.MaxFlushRetries; attempt++ {
		row, err := s.backing.Get(ctx, key)
		if err != nil {
			s.restorePatch(entry, patch)
			return s.scheduleOutageRetry(ctx, key, entry, err)
		}

		durableState := make(map[string]any)
		if len(row.StateSnapshot) > 0 {
			if err := json.Unmarshal(row.StateSnapshot, &durableState); err != nil {
				s.restorePatch(entry, patch)
				return types.WrapError(types.SESSION_SNAPSHOT_INVALID, "corrupt durable snapshot", err)
			}
		}

		merged := mergeState(durableState, patch)
		snapshot, err := json.Marshal(merged)
		if err != nil {
			s.restorePatch(entry, patch)
			return types.WrapError(types.SESSION_SNAPSHOT_INVALID, "failed to serialize merged state", err)
		}

		write := &database.SessionRow{
			SessionKey:      key,
			MissionID:       row.MissionID,
			AgentName:       row.AgentName,
			AppName:         row.AppName,
			UserID:          row.UserID,
			StateSnapshot:   snapshot,
			StateSizeBytes:  int64(len(snapshot)),
			Status:          status.String(),
			LastHeartbeatAt: heartbeat,
			CreatedAt:       row.CreatedAt,
		}

		affected, err := s.backing.ConditionalUpdate(ctx, write, row.Version)
		if err != nil {
			s.restorePatch(entry, patch)
			return s.scheduleOutageRetry(ctx, key, entry, err)
		}

		if affected == 0 {
			// Another writer won the race: fresh fetch next iteration.
			time.Sleep(backoff)
			backoff *= 2
			continue
		}

		entry.mu.Lock()
		// Cache state = merged durable result plus whatever arrived while the
		// flush was in flight.
		entry.session.State = mergeState(merged, entry.pending)
		entry.session.Version = row.Version + 1
		entry.session.UpdatedAt = time.Now()
		entry.queue = nil
		entry.dirty = len(entry.pending) > 0
		entry.retryAttempts = 0
		entry.outageDelay = s.cfg.OutageBackoffBase
		entry.conflicted = false
		entry.lastFlushAt = time.Now()
		if entry.retryTimer != nil {
			entry.retryTimer.Stop()
			entry.retryTimer = nil
		}
		version := entry.session.Version
		missionID := entry.session.MissionID
		entry.mu.Unlock()

		s.telemetry.Emit(ctx, events.EventSessionFlushed, events.Event{
			SessionKey: key,
			MissionID:  missionID,
			Payload:    map[string]any{"version": version},
		})
		return nil
	}

	// Version-conflict retries exhausted: outage/conflict state.
	s.restorePatch(entry, patch)
	entry.mu.Lock()
	entry.conflicted = true
	entry.session.Status = types.SessionStatusConflict
	entry.mu.Unlock()

	s.telemetry.Emit(ctx, events.EventSessionConflict, events.Event{
		SessionKey: key,
		Payload:    map[string]any{"attempts": s.cfg.MaxFlushRetries},
	})

	return types.NewError(types.SESSION_CONFLICT,
		fmt.Sprintf("version conflict retries exhausted for session %s", key))
}

// restorePatch returns a stolen patch to the pending map. Keys mutated again
// while the flush was in flight win over the stolen values.
func (s *Store) restorePatch(entry *cacheEntry, patch map[string]any) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	for k, v := range patch {
		if _, exists := entry.pending[k]; !exists {
			entry.pending[k] = v
		}
	}
	entry.dirty = len(entry.pending) > 0
}

// scheduleOutageRetry arms the transport-error retry task with doubling,
// capped backoff and returns the retryable error for the caller.
func (s *Store) scheduleOutageRetry(ctx context.Context, key string, entry *cacheEntry, cause error) error {
	entry.mu.Lock()
	if entry.removed {
		entry.mu.Unlock()
		return types.WrapError(types.SESSION_NOT_FOUND, "session removed during flush", cause)
	}

	entry.retryAttempts++
	delay := entry.outageDelay
	entry.outageDelay *= 2
	if entry.outageDelay > s.cfg.OutageBackoffCap {
		entry.outageDelay = s.cfg.OutageBackoffCap
	}

	if entry.retryTimer != nil {
		entry.retryTimer.Stop()
	}
	entry.retryTimer = time.AfterFunc(delay, func() {
		s.timerFlush(key)
	})
	attempts := entry.retryAttempts
	entry.mu.Unlock()

	s.telemetry.Emit(ctx, events.EventSessionOutage, events.Event{
		SessionKey: key,
		Payload:    map[string]any{"attempts": attempts, "retry_in": delay.String()},
	})

	return types.WrapRetryableError(types.SESSION_BACKING_OFFLINE,
		fmt.Sprintf("backing store unreachable for session %s, retry scheduled", key), cause)
}

// stopTimersLocked cancels both timers. Caller holds entry.mu.
func stopTimersLocked(entry *cacheEntry) {
	if entry.heartbeatTimer != nil {
		entry.heartbeatTimer.Stop()
		entry.heartbeatTimer = nil
	}
	if entry.retryTimer != nil {
		entry.retryTimer.Stop()
		entry.retryTimer = nil
	}
}

// Ensure database.SessionDAO satisfies Backing at compile time.
var _ Backing = (database.SessionDAO)(nil)
