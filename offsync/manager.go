// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelkorolev/go-offsync/connectivity"
	"github.com/pavelkorolev/go-offsync/kvstore"
)

// Durable-store keys. Everything the engine persists lives under the
// offsync: namespace so it can coexist with host-app data in one store.
const (
	keyQueue       = "offsync:queue"
	keySettings    = "offsync:settings"
	keyConflicts   = "offsync:conflicts"
	cacheKeyPrefix = "offsync:cache:"
)

const managerListenerID = "offsync.manager"

// conflictHistoryLimit bounds the persisted conflict log. Resolved
// conflicts are evicted oldest-first beyond the limit; pending ones are
// never evicted.
const conflictHistoryLimit = 200

// persistedSettings is the durable slice of manager state that is not
// queue or cache: the pinned mode and the online/offline bookkeeping, so
// offline duration survives restarts.
type persistedSettings struct {
	Mode        Mode      `json:"mode"`
	LastOnline  time.Time `json:"last_online"`
	WentOffline time.Time `json:"went_offline"`
	SavedAt     time.Time `json:"saved_at"`
}

// Manager owns offline state: the pending-operation queue, the
// write-through TTL cache, the offline mode, and the state listener
// registry. All mutations are serialized by one mutex and mirrored to
// the durable store before the mutex is released, so the store always
// holds a consistent snapshot.
type Manager struct {
	logger  *slog.Logger
	store   kvstore.Store
	monitor connectivity.Monitor
	events  *broadcaster
	persist *persistWriter
	now     func() time.Time
	authed  func() bool

	mu          sync.Mutex
	cfg         Config
	mode        Mode
	offline     bool
	queue       *opQueue
	cache       *cache
	conflicts   map[string]*SyncConflict
	lastOnline  time.Time
	wentOffline time.Time
	closed      bool
}

// ManagerOption customizes Manager construction.
type ManagerOption func(*Manager)

// WithAuthProbe installs the callback that reports whether credentials
// are currently available. Operations marked RequiresAuth are held back
// while the probe returns false. The default probe always returns true.
func WithAuthProbe(fn func() bool) ManagerOption {
	return func(m *Manager) { m.authed = fn }
}

// WithClock overrides the time source, for tests. The Engine inherits
// the manager's clock.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager loads persisted state from the store and starts the
// manager. Corrupt persisted records are logged and skipped; store I/O
// failures fail construction.
func NewManager(store kvstore.Store, monitor connectivity.Monitor, cfg Config, logger *slog.Logger, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if monitor == nil {
		return nil, fmt.Errorf("connectivity monitor is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		logger:    logger,
		store:     store,
		monitor:   monitor,
		events:    newBroadcaster(),
		now:       time.Now,
		authed:    func() bool { return true },
		cfg:       cfg.normalize(),
		mode:      ModeAuto,
		queue:     newOpQueue(),
		cache:     newCache(),
		conflicts: make(map[string]*SyncConflict),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.persist = newPersistWriter(store, m.cfg.FlushInterval, logger)

	if err := m.loadState(context.Background()); err != nil {
		m.persist.Close()
		m.events.close()
		return nil, err
	}

	m.offline = m.offlineLocked()
	if m.offline {
		if m.wentOffline.IsZero() {
			m.wentOffline = m.now()
		}
	} else {
		m.lastOnline = m.now()
		m.wentOffline = time.Time{}
	}
	monitor.AddListener(managerListenerID, m.onConnectivity)

	entries, bytes := m.cache.stats()
	m.logger.Info("offline manager started",
		"mode", m.mode, "offline", m.offline,
		"queued", m.queue.len(), "cached_entries", entries, "cached_bytes", bytes,
		"conflicts", len(m.conflicts))
	return m, nil
}

// Close detaches from the connectivity monitor, flushes deferred writes
// and stops listener delivery. Queued state stays in the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.monitor.RemoveListener(managerListenerID)
	m.persist.Close()
	m.events.close()
	return nil
}

// State returns the current offline-state projection.
func (m *Manager) State() OfflineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// IsOffline reports the effective offline flag after applying the mode.
func (m *Manager) IsOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offlineLocked()
}

// Mode returns the active offline mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetMode pins or unpins the offline flag. The new mode is persisted and
// the recomputed state is broadcast.
func (m *Manager) SetMode(ctx context.Context, mode Mode) error {
	switch mode {
	case ModeAuto, ModeForceOffline, ModeForceOnline:
	default:
		return fmt.Errorf("unknown offline mode %q", mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.mode == mode {
		return nil
	}
	m.mode = mode
	m.refreshOfflineLocked()
	m.persistSettingsLocked(ctx)
	m.notifyStateLocked()
	m.logger.Info("offline mode changed", "mode", mode, "offline", m.offline)
	return nil
}

// UpdateConfig swaps the active configuration. It takes effect on the
// next operation or sync pass; the flush interval stays as constructed.
func (m *Manager) UpdateConfig(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.cfg = cfg.normalize()
	m.notifyStateLocked()
	return nil
}

// QueueOperation validates and enqueues an operation for later sync,
// returning its id. Missing ids are generated; a missing priority means
// normal. Dependencies naming operations that are no longer (or never
// were) queued are treated as already satisfied.
func (m *Manager) QueueOperation(ctx context.Context, op OfflineOperation) (string, error) {
	if err := validateOperation(&op); err != nil {
		return "", err
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Priority == "" {
		op.Priority = PriorityNormal
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	if _, exists := m.queue.get(op.ID); exists {
		return "", fmt.Errorf("operation %s is already queued", op.ID)
	}
	for _, dep := range op.DependsOn {
		if dep == op.ID {
			return "", fmt.Errorf("operation %s depends on itself", op.ID)
		}
		if _, pending := m.queue.get(dep); !pending {
			m.logger.Debug("dependency not queued, treating as satisfied", "op", op.ID, "dependency", dep)
		}
	}

	op.EnqueuedAt = m.now()
	op.RetryCount = 0
	queued := op
	m.queue.add(&queued)
	m.persistQueueLocked(ctx)
	metricOperationsEnqueued.WithLabelValues(string(op.Kind)).Inc()
	m.logger.Debug("queued offline operation",
		"op", op.ID, "kind", op.Kind, "target", op.Target, "priority", op.Priority)
	m.notifyStateLocked()
	return queued.ID, nil
}

// QueuedOperations returns pending operations in execution order,
// optionally filtered. The returned slice holds copies.
func (m *Manager) QueuedOperations(filter *OperationFilter) []OfflineOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.list(filter)
}

// Operation returns a copy of one queued operation.
func (m *Manager) Operation(id string) (OfflineOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.queue.get(id)
	if !ok {
		return OfflineOperation{}, ErrNotFound
	}
	return *op, nil
}

// SkipOperation removes one operation without executing it. Its
// dependents become eligible, as if the operation had completed.
func (m *Manager) SkipOperation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.queue.get(id); !ok {
		return ErrNotFound
	}
	if m.queue.isInFlight(id) {
		return fmt.Errorf("operation %s is currently syncing", id)
	}
	m.queue.remove(id)
	m.persistQueueLocked(ctx)
	m.logger.Debug("skipped offline operation", "op", id)
	m.notifyStateLocked()
	return nil
}

// RemoveOperation removes an operation and every operation that
// transitively depends on it. Returns the removed ids, the requested one
// first.
func (m *Manager) RemoveOperation(ctx context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.queue.get(id); !ok {
		return nil, ErrNotFound
	}
	if m.queue.isInFlight(id) {
		return nil, fmt.Errorf("operation %s is currently syncing", id)
	}
	removed := m.queue.dropCascade(id)
	m.persistQueueLocked(ctx)
	if len(removed) > 1 {
		m.logger.Info("removed operation with dependents", "op", id, "removed", len(removed))
	}
	m.notifyStateLocked()
	return removed, nil
}

// CacheData stores a value in the write-through cache. A zero ttl uses
// the configured default; the default of zero keeps the entry until it
// is cleared. The durable copy is written before the in-memory one.
func (m *Manager) CacheData(ctx context.Context, key string, value json.RawMessage, ttl time.Duration, tags ...string) error {
	if key == "" {
		return errors.New("cache key is required")
	}
	if ttl < 0 {
		return errors.New("cache ttl must not be negative")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	now := m.now()
	if ttl == 0 {
		ttl = m.cfg.DefaultTTL
	}
	entry := CacheEntry{Key: key, Value: value, CreatedAt: now, Tags: tags}
	if ttl > 0 {
		expires := now.Add(ttl)
		entry.ExpiresAt = &expires
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize cache entry: %w", err)
	}
	if err := m.store.Set(ctx, cacheKeyPrefix+key, raw); err != nil {
		return &StoreError{Op: "save", Key: key, Err: err}
	}
	m.cache.put(entry)

	st := m.notifyStateLocked()
	if st.StorageUsed > st.StorageLimit {
		m.logger.Warn("cached data exceeds storage limit",
			"used", st.StorageUsed, "limit", st.StorageLimit)
	}
	return nil
}

// CachedData returns the live cached value for key, or ErrNotFound when
// it is absent or expired. Expired entries are removed on access.
func (m *Manager) CachedData(ctx context.Context, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	entry, ok, removedExpired := m.cache.get(key, m.now())
	if removedExpired {
		if err := m.store.Remove(ctx, cacheKeyPrefix+key); err != nil {
			m.logger.Warn("failed to remove expired cache entry", "key", key, "error", err)
		}
		m.notifyStateLocked()
	}
	if !ok {
		return nil, ErrNotFound
	}
	return entry.Value, nil
}

// ClearCache removes cached entries matching pattern (empty or "*" for
// all, trailing "*" for a prefix, anything else exact) and returns how
// many were removed.
func (m *Manager) ClearCache(ctx context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	removed := m.cache.clear(pattern)
	if len(removed) == 0 {
		return 0, nil
	}
	keys := make([]string, len(removed))
	for i, key := range removed {
		keys[i] = cacheKeyPrefix + key
	}
	err := m.store.MultiRemove(ctx, keys)
	m.notifyStateLocked()
	if err != nil {
		return len(removed), &StoreError{Op: "remove", Key: pattern, Err: err}
	}
	m.logger.Debug("cleared cache entries", "pattern", pattern, "removed", len(removed))
	return len(removed), nil
}

// AddListener registers a state listener under id and immediately
// delivers the current state to it. Registering an id twice replaces the
// previous listener.
func (m *Manager) AddListener(id string, fn StateListener) *Subscription {
	sub := m.events.addState(id, fn)
	m.mu.Lock()
	st := m.stateLocked()
	m.mu.Unlock()
	m.events.pushTo(m.events.state, id, st)
	return sub
}

// RemoveListener detaches the state listener registered under id.
func (m *Manager) RemoveListener(id string) {
	m.events.removeState(id)
}

// HandleAppForeground refreshes connectivity and broadcasts a fresh
// state snapshot. Hosts call it when the app returns to the foreground;
// triggering a sync afterwards is the host's choice.
func (m *Manager) HandleAppForeground(ctx context.Context) error {
	if _, err := m.monitor.Refresh(ctx); err != nil {
		return &ConnectivityError{Op: "refresh", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.refreshOfflineLocked() {
		m.persistSettingsLocked(ctx)
	}
	m.notifyStateLocked()
	return nil
}

// HandleAppBackground forces everything durable to the store before the
// platform may suspend or kill the process.
func (m *Manager) HandleAppBackground(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.persistQueueLocked(ctx)
	m.persistSettingsLocked(ctx)
	m.mu.Unlock()

	m.persist.Flush(ctx)
	return nil
}

// onConnectivity is the monitor callback. It only reacts when the
// effective offline flag flips; quality-only changes are ignored here.
func (m *Manager) onConnectivity(_ connectivity.NetworkState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.refreshOfflineLocked() {
		m.persistSettingsLocked(context.Background())
		m.notifyStateLocked()
		m.logger.Info("connectivity changed", "offline", m.offline)
	}
}

// --- engine-facing internals ---

// config returns a copy of the active configuration.
func (m *Manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// claimBatch marks up to limit eligible operations in-flight and returns
// copies in execution order. Operations in skip are left alone; the
// engine passes the ids it already attempted this pass so a transiently
// failed operation is not re-claimed until the next pass.
func (m *Manager) claimBatch(limit int, skip map[string]struct{}) []OfflineOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	var out []OfflineOperation
	for _, op := range m.queue.eligible(m.authed()) {
		if _, seen := skip[op.ID]; seen {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		m.queue.markInFlight(op.ID)
		out = append(out, *op)
	}
	return out
}

// completeOperation removes a successfully synced operation, unblocking
// its dependents.
func (m *Manager) completeOperation(ctx context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.queue.remove(id) {
		return
	}
	m.persistQueueLocked(ctx)
	m.notifyStateLocked()
}

// releaseClaim returns a claimed operation to the queue untouched; the
// attempt never ran to a verdict.
func (m *Manager) releaseClaim(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue.clearInFlight(id)
}

// retryLater releases the claim on a transiently failed operation and
// bumps its retry counter. Counter churn goes through the deferred
// writer, not write-through.
func (m *Manager) retryLater(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue.clearInFlight(id)
	m.queue.bumpRetry(id)
	m.dirtyQueue()
}

// dropOperation permanently removes a failed operation and its
// transitive dependents. Returns the removed ids, the root first.
func (m *Manager) dropOperation(ctx context.Context, id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := m.queue.dropCascade(id)
	if len(removed) == 0 {
		return nil
	}
	m.persistQueueLocked(ctx)
	m.notifyStateLocked()
	return removed
}

// parkOperation blocks an operation behind an unresolved conflict.
func (m *Manager) parkOperation(ctx context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue.park(id)
	m.persistQueueLocked(ctx)
}

// recordConflict adds a conflict to the durable conflict log, evicting
// the oldest resolved entries beyond the history limit.
func (m *Manager) recordConflict(ctx context.Context, c *SyncConflict) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[c.ID] = c
	if len(m.conflicts) > conflictHistoryLimit {
		for _, old := range m.conflictsSortedLocked() {
			if len(m.conflicts) <= conflictHistoryLimit {
				break
			}
			if old.Resolved {
				delete(m.conflicts, old.ID)
			}
		}
	}
	m.persistConflictsLocked(ctx)
}

// sweepExpiredCache removes every expired cache entry. Returns how many
// were removed.
func (m *Manager) sweepExpiredCache(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0
	}
	removed := m.cache.sweep(m.now())
	if len(removed) == 0 {
		return 0
	}
	keys := make([]string, len(removed))
	for i, key := range removed {
		keys[i] = cacheKeyPrefix + key
	}
	if err := m.store.MultiRemove(ctx, keys); err != nil {
		m.logger.Warn("failed to remove expired cache entries", "count", len(removed), "error", err)
	}
	m.logger.Debug("swept expired cache entries", "removed", len(removed))
	m.notifyStateLocked()
	return len(removed)
}

// --- locked internals ---

func (m *Manager) offlineLocked() bool {
	switch m.mode {
	case ModeForceOffline:
		return true
	case ModeForceOnline:
		return false
	default:
		return !m.monitor.Current().Online()
	}
}

// refreshOfflineLocked recomputes the effective offline flag; on a flip
// it stamps the bookkeeping times and returns true. Either flip bounds
// the online period at now: going offline means we were online until
// this moment, coming back online means we are online again.
func (m *Manager) refreshOfflineLocked() bool {
	offline := m.offlineLocked()
	if offline == m.offline {
		return false
	}
	now := m.now()
	m.offline = offline
	m.lastOnline = now
	if offline {
		m.wentOffline = now
	} else {
		m.wentOffline = time.Time{}
	}
	return true
}

func (m *Manager) stateLocked() OfflineState {
	now := m.now()
	offline := m.offlineLocked()
	entries, cacheBytes := m.cache.stats()

	var queueBytes int64
	for _, op := range m.queue.ops {
		queueBytes += int64(len(op.Payload))
	}
	var offlineFor time.Duration
	if offline && !m.wentOffline.IsZero() {
		offlineFor = now.Sub(m.wentOffline)
	}
	lastOnline := m.lastOnline
	if !offline {
		lastOnline = now
	}
	return OfflineState{
		IsOffline:        offline,
		Mode:             m.mode,
		QueuedOperations: m.queue.len(),
		CachedEntries:    entries,
		CachedDataSize:   cacheBytes,
		LastOnlineTime:   lastOnline,
		OfflineDuration:  offlineFor,
		StorageUsed:      cacheBytes + queueBytes,
		StorageLimit:     m.cfg.StorageLimit,
	}
}

// notifyStateLocked recomputes the state, refreshes gauges and fans the
// snapshot out to listeners. Returns the published state.
func (m *Manager) notifyStateLocked() OfflineState {
	st := m.stateLocked()
	metricQueuedOperations.Set(float64(st.QueuedOperations))
	metricCacheEntries.Set(float64(st.CachedEntries))
	metricCacheBytes.Set(float64(st.CachedDataSize))
	if st.IsOffline {
		metricOffline.Set(1)
	} else {
		metricOffline.Set(0)
	}
	m.events.publishState(st)
	return st
}

// persistQueueLocked mirrors the queue to the store immediately. A
// failed write degrades to the deferred writer so nothing is lost.
func (m *Manager) persistQueueLocked(ctx context.Context) {
	raw, err := m.queue.snapshot(m.now())
	if err != nil {
		m.logger.Warn("failed to serialize queue", "error", err)
		return
	}
	if err := m.store.Set(ctx, keyQueue, raw); err != nil {
		m.logger.Warn("queue write-through failed, deferring", "error", err)
		m.dirtyQueue()
	}
}

func (m *Manager) dirtyQueue() {
	m.persist.markDirty(keyQueue, func() ([]byte, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.queue.snapshot(m.now())
	})
}

func (m *Manager) persistSettingsLocked(ctx context.Context) {
	raw, err := json.Marshal(m.settingsLocked())
	if err != nil {
		m.logger.Warn("failed to serialize settings", "error", err)
		return
	}
	if err := m.store.Set(ctx, keySettings, raw); err != nil {
		m.logger.Warn("settings write-through failed, deferring", "error", err)
		m.persist.markDirty(keySettings, func() ([]byte, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			return json.Marshal(m.settingsLocked())
		})
	}
}

func (m *Manager) settingsLocked() persistedSettings {
	return persistedSettings{
		Mode:        m.mode,
		LastOnline:  m.lastOnline,
		WentOffline: m.wentOffline,
		SavedAt:     m.now(),
	}
}

func (m *Manager) persistConflictsLocked(ctx context.Context) {
	raw, err := m.marshalConflictsLocked()
	if err != nil {
		m.logger.Warn("failed to serialize conflicts", "error", err)
		return
	}
	if err := m.store.Set(ctx, keyConflicts, raw); err != nil {
		m.logger.Warn("conflict write-through failed, deferring", "error", err)
		m.persist.markDirty(keyConflicts, func() ([]byte, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.marshalConflictsLocked()
		})
	}
}

func (m *Manager) marshalConflictsLocked() ([]byte, error) {
	raw, err := json.Marshal(m.conflictsSortedLocked())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize conflicts: %w", err)
	}
	return raw, nil
}

func (m *Manager) conflictsSortedLocked() []*SyncConflict {
	all := make([]*SyncConflict, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].DetectedAt.Equal(all[j].DetectedAt) {
			return all[i].DetectedAt.Before(all[j].DetectedAt)
		}
		return all[i].ID < all[j].ID
	})
	return all
}

// --- startup loading ---

// loadState restores settings, queue, cache and conflicts from the
// store. Corrupt records are logged and dropped so one bad blob cannot
// brick the app; store I/O errors abort.
func (m *Manager) loadState(ctx context.Context) error {
	if err := m.loadSettings(ctx); err != nil {
		return err
	}
	if err := m.loadQueue(ctx); err != nil {
		return err
	}
	if err := m.loadConflicts(ctx); err != nil {
		return err
	}
	return m.loadCache(ctx)
}

func (m *Manager) loadSettings(ctx context.Context) error {
	raw, err := m.store.Get(ctx, keySettings)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return &StoreError{Op: "load", Key: keySettings, Err: err}
	}
	var s persistedSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		m.logger.Warn("corrupt settings record, using defaults", "error", err)
		return nil
	}
	switch s.Mode {
	case ModeAuto, ModeForceOffline, ModeForceOnline:
		m.mode = s.Mode
	}
	m.lastOnline = s.LastOnline
	m.wentOffline = s.WentOffline
	return nil
}

func (m *Manager) loadQueue(ctx context.Context) error {
	raw, err := m.store.Get(ctx, keyQueue)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return &StoreError{Op: "load", Key: keyQueue, Err: err}
	}
	if err := m.queue.loadSnapshot(raw); err != nil {
		m.logger.Warn("corrupt queue snapshot, starting with an empty queue", "error", err)
		m.queue = newOpQueue()
	}
	return nil
}

func (m *Manager) loadConflicts(ctx context.Context) error {
	raw, err := m.store.Get(ctx, keyConflicts)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return &StoreError{Op: "load", Key: keyConflicts, Err: err}
	}
	var all []*SyncConflict
	if err := json.Unmarshal(raw, &all); err != nil {
		m.logger.Warn("corrupt conflict log, starting empty", "error", err)
		return nil
	}
	for _, c := range all {
		if c == nil || c.ID == "" {
			continue
		}
		m.conflicts[c.ID] = c
	}
	return nil
}

func (m *Manager) loadCache(ctx context.Context) error {
	keys, err := m.store.GetAllKeys(ctx)
	if err != nil {
		return &StoreError{Op: "load", Key: cacheKeyPrefix + "*", Err: err}
	}
	now := m.now()
	var stale []string
	for _, storeKey := range keys {
		if !strings.HasPrefix(storeKey, cacheKeyPrefix) {
			continue
		}
		raw, err := m.store.Get(ctx, storeKey)
		if errors.Is(err, kvstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return &StoreError{Op: "load", Key: storeKey, Err: err}
		}
		var entry CacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			m.logger.Warn("dropping corrupt cache entry", "key", storeKey, "error", err)
			stale = append(stale, storeKey)
			continue
		}
		if entry.Key == "" {
			entry.Key = strings.TrimPrefix(storeKey, cacheKeyPrefix)
		}
		if entry.expired(now) {
			stale = append(stale, storeKey)
			continue
		}
		m.cache.put(entry)
	}
	if len(stale) > 0 {
		if err := m.store.MultiRemove(ctx, stale); err != nil {
			m.logger.Warn("failed to remove stale cache entries", "count", len(stale), "error", err)
		}
	}
	return nil
}

// validateOperation checks the fields callers control. The queue fields
// (seq, enqueue time, retry count) are stamped on enqueue.
func validateOperation(op *OfflineOperation) error {
	switch op.Kind {
	case OpCreate, OpUpdate, OpDelete, OpQuery:
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	if op.Target == "" {
		return errors.New("operation target is required")
	}
	switch op.Kind {
	case OpCreate:
		if len(op.Payload) == 0 {
			return errors.New("create operation requires a payload")
		}
	case OpUpdate:
		if len(op.Payload) == 0 {
			return errors.New("update operation requires a payload")
		}
		if op.recordID() == "" {
			return errors.New("update operation requires a record id")
		}
	case OpDelete:
		if op.recordID() == "" {
			return errors.New("delete operation requires a record id")
		}
	}
	switch op.Priority {
	case "", PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
	default:
		return fmt.Errorf("unknown priority %q", op.Priority)
	}
	switch op.ConflictPolicy {
	case "", StrategyLastWriteWins, StrategyMerge, StrategyUserIntervention, StrategyServerAuthority:
	default:
		return fmt.Errorf("unknown conflict strategy %q", op.ConflictPolicy)
	}
	if op.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	return nil
}
