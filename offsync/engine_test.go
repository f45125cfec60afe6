package offsync_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pavelkorolev/go-offsync/connectivity"
	"github.com/pavelkorolev/go-offsync/internal/remotefake"
	"github.com/pavelkorolev/go-offsync/internal/synctest"
	"github.com/pavelkorolev/go-offsync/kvstore"
	. "github.com/pavelkorolev/go-offsync/offsync"
	"github.com/pavelkorolev/go-offsync/recovery"
	"github.com/pavelkorolev/go-offsync/retrykit"
)

// aliases for the in-package test helpers shared with this external
// package through export_test.go
var (
	testLogger     = TestLogger
	onlineManual   = OnlineManual
	newTestManager = NewTestManager
)

type backupPayload = BackupPayload

const cacheKeyPrefix = CacheKeyPrefix

// immediateRetry keeps engine tests single-shot: one attempt, no delays.
func immediateRetry() retrykit.Policy {
	return retrykit.Policy{
		Strategy:    retrykit.StrategyImmediate,
		MaxAttempts: 1,
		Condition:   retrykit.ConditionAlways,
	}
}

type syncFixture struct {
	store  *synctest.FlakyStore
	manual *connectivity.Manual
	mgr    *Manager
	remote *remotefake.Remote
	engine *Engine
}

func newSyncFixture(t *testing.T, mutate func(*Config), engineOpts ...EngineOption) *syncFixture {
	t.Helper()
	fx := &syncFixture{
		store:  synctest.WrapStore(kvstore.NewMemoryStore()),
		manual: onlineManual(),
		remote: remotefake.NewRemote(),
	}
	cfg := DefaultConfig()
	cfg.Retry = immediateRetry()
	if mutate != nil {
		mutate(&cfg)
	}
	fx.mgr = newTestManager(t, fx.store, fx.manual, cfg)
	opts := append([]EngineOption{WithAutoSync(false)}, engineOpts...)
	engine, err := NewEngine(fx.mgr, fx.remote, testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	fx.engine = engine
	return fx
}

func (fx *syncFixture) queue(t *testing.T, op OfflineOperation) string {
	t.Helper()
	id, err := fx.mgr.QueueOperation(context.Background(), op)
	require.NoError(t, err)
	return id
}

func waitQueueLen(t *testing.T, mgr *Manager, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.State().QueuedOperations == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue never reached %d operations, have %d", want, mgr.State().QueuedOperations)
}

func waitStatus(t *testing.T, engine *Engine, want SyncStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if engine.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("engine never reached status %q, have %q", want, engine.Status())
}

func nextConflict(t *testing.T, ch <-chan SyncConflict) SyncConflict {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a conflict event")
		return SyncConflict{}
	}
}

func TestSyncPushesByPriority(t *testing.T) {
	fx := newSyncFixture(t, nil)
	ctx := context.Background()

	progress := make(chan SyncProgress, 64)
	fx.engine.AddProgressListener("t", func(p SyncProgress) { progress <- p })

	low := []byte(`{"id":"t-low"}`)
	norm := []byte(`{"id":"t-norm"}`)
	crit := []byte(`{"id":"t-crit"}`)
	fx.queue(t, OfflineOperation{Kind: OpCreate, Target: "tasks", Payload: low, Priority: PriorityLow})
	fx.queue(t, OfflineOperation{Kind: OpCreate, Target: "tasks", Payload: norm})
	fx.queue(t, OfflineOperation{Kind: OpCreate, Target: "tasks", Payload: crit, Priority: PriorityCritical})

	require.NoError(t, fx.engine.Sync(ctx))

	require.Equal(t, []string{"create tasks/t-crit", "create tasks/t-norm", "create tasks/t-low"}, fx.remote.Calls())
	require.Zero(t, fx.mgr.State().QueuedOperations)

	rec, ok := fx.remote.Record("tasks", "t-crit")
	require.True(t, ok)
	require.Equal(t, int64(1), rec.Version)

	cached, err := fx.mgr.CachedData(ctx, "tasks/t-crit")
	require.NoError(t, err)
	require.JSONEq(t, string(crit), string(cached))

	p := fx.engine.Progress()
	require.Equal(t, StatusIdle, p.Status)
	require.Equal(t, 3, p.TotalOperations)
	require.Equal(t, 3, p.CompletedOperations)
	require.Zero(t, p.FailedOperations)
	require.Equal(t, float64(100), p.Percentage)
	require.Equal(t, int64(len(low)+len(norm)+len(crit)), p.BytesTransferred)

	// the final snapshot reaches progress listeners
waitFinal:
	for {
		select {
		case got := <-progress:
			if got.Status == StatusIdle {
				require.Equal(t, 3, got.CompletedOperations)
				break waitFinal
			}
		case <-time.After(2 * time.Second):
			t.Fatal("final progress snapshot never arrived")
		}
	}
}

func TestSyncCompletesDependentsInOnePass(t *testing.T) {
	fx := newSyncFixture(t, nil)

	fx.queue(t, OfflineOperation{ID: "op-a", Kind: OpCreate, Target: "tasks", Payload: []byte(`{"id":"a"}`)})
	fx.queue(t, OfflineOperation{ID: "op-b", Kind: OpCreate, Target: "tasks", Payload: []byte(`{"id":"b"}`), DependsOn: []string{"op-a"}})
	fx.queue(t, OfflineOperation{ID: "op-c", Kind: OpCreate, Target: "tasks", Payload: []byte(`{"id":"c"}`), DependsOn: []string{"op-b"}})
	fx.queue(t, OfflineOperation{ID: "op-solo", Kind: OpCreate, Target: "tasks", Payload: []byte(`{"id":"solo"}`)})

	require.NoError(t, fx.engine.Sync(context.Background()))

	// dependents become eligible as their parents complete; the whole
	// chain lands in a single pass
	require.Equal(t, []string{"create tasks/a", "create tasks/solo", "create tasks/b", "create tasks/c"}, fx.remote.Calls())
	require.Zero(t, fx.mgr.State().QueuedOperations)
}

func TestSyncResolvesByLastWriteWins(t *testing.T) {
	t.Run("older local edit loses to the newer remote row", func(t *testing.T) {
		fx := newSyncFixture(t, nil)
		ctx := context.Background()

		remote := json.RawMessage(`{"id":"t1","title":"remote","updated_at":"2025-06-01T12:00:00Z"}`)
		fx.remote.Seed(RemoteRecord{ID: "t1", Target: "tasks", Version: 2, Data: remote})

		events := make(chan SyncConflict, 16)
		fx.engine.AddConflictListener("t", func(c SyncConflict) { events <- c })

		fx.queue(t, OfflineOperation{
			Kind: OpUpdate, Target: "tasks", RecordID: "t1", BaseVersion: 1,
			Payload: []byte(`{"id":"t1","title":"local","updated_at":"2025-06-01T09:00:00Z"}`),
		})
		require.NoError(t, fx.engine.Sync(ctx))

		require.Zero(t, fx.mgr.State().QueuedOperations)
		rec, ok := fx.remote.Record("tasks", "t1")
		require.True(t, ok)
		require.Equal(t, int64(2), rec.Version, "the losing edit writes nothing")

		cached, err := fx.mgr.CachedData(ctx, "tasks/t1")
		require.NoError(t, err)
		require.JSONEq(t, string(remote), string(cached))

		c := nextConflict(t, events)
		require.True(t, c.Resolved)
		require.Equal(t, "engine", c.Resolution.ResolvedBy)
		require.Equal(t, StrategyLastWriteWins, c.Resolution.Strategy)
		require.Empty(t, fx.mgr.PendingConflicts())
	})

	t.Run("newer local edit repushes over the stale row", func(t *testing.T) {
		fx := newSyncFixture(t, nil)
		ctx := context.Background()

		fx.remote.Seed(RemoteRecord{ID: "t1", Target: "tasks", Version: 2,
			Data: json.RawMessage(`{"id":"t1","title":"remote","updated_at":"2025-06-01T09:00:00Z"}`)})

		local := []byte(`{"id":"t1","title":"local","updated_at":"2025-06-01T12:00:00Z"}`)
		fx.queue(t, OfflineOperation{Kind: OpUpdate, Target: "tasks", RecordID: "t1", BaseVersion: 1, Payload: local})
		require.NoError(t, fx.engine.Sync(ctx))

		require.Zero(t, fx.mgr.State().QueuedOperations)
		rec, ok := fx.remote.Record("tasks", "t1")
		require.True(t, ok)
		require.Equal(t, int64(3), rec.Version)
		require.JSONEq(t, string(local), string(rec.Data))

		cached, err := fx.mgr.CachedData(ctx, "tasks/t1")
		require.NoError(t, err)
		require.JSONEq(t, string(local), string(cached))
	})
}

func TestSyncParksUserInterventionConflicts(t *testing.T) {
	fx := newSyncFixture(t, nil)
	ctx := context.Background()

	remoteData := json.RawMessage(`{"id":"t1","title":"remote"}`)
	fx.remote.Seed(RemoteRecord{ID: "t1", Target: "tasks", Version: 3, Data: remoteData})

	events := make(chan SyncConflict, 16)
	fx.engine.AddConflictListener("t", func(c SyncConflict) { events <- c })

	local := []byte(`{"id":"t1","title":"local"}`)
	opID := fx.queue(t, OfflineOperation{
		Kind: OpUpdate, Target: "tasks", RecordID: "t1", BaseVersion: 1,
		Payload: local, ConflictPolicy: StrategyUserIntervention,
	})

	require.NoError(t, fx.engine.Sync(ctx), "a parked conflict is not a sync failure")
	require.Equal(t, StatusConflict, fx.engine.Status())

	evt := nextConflict(t, events)
	require.False(t, evt.Resolved)
	require.Equal(t, "t1", evt.RecordID)
	require.Equal(t, int64(3), evt.RemoteVersion)
	require.JSONEq(t, string(local), string(evt.LocalData))
	require.JSONEq(t, string(remoteData), string(evt.RemoteData))

	pending := fx.mgr.PendingConflicts()
	require.Len(t, pending, 1)
	require.Equal(t, opID, pending[0].OperationID)
	require.Equal(t, 1, fx.mgr.State().QueuedOperations, "the operation stays parked, not dropped")

	// a pass with only parked work pushes nothing
	require.NoError(t, fx.engine.Sync(ctx))
	require.Len(t, fx.remote.Calls(), 1)

	merged := json.RawMessage(`{"id":"t1","title":"local, but keeping their edits"}`)
	require.NoError(t, fx.mgr.ResolveConflict(ctx, pending[0].ID, ConflictResolution{ResolvedData: merged}))
	require.NoError(t, fx.engine.Sync(ctx))

	require.Zero(t, fx.mgr.State().QueuedOperations)
	rec, ok := fx.remote.Record("tasks", "t1")
	require.True(t, ok)
	require.Equal(t, int64(4), rec.Version)
	require.JSONEq(t, string(merged), string(rec.Data))
	require.Equal(t, StatusIdle, fx.engine.Status())
}

func TestSyncRecreatesOverConcurrentDelete(t *testing.T) {
	fx := newSyncFixture(t, nil)
	ctx := context.Background()

	// tombstone left by another device, older than the local edit
	fx.remote.Seed(RemoteRecord{ID: "t1", Target: "tasks", Version: 3, Deleted: true,
		UpdatedAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)})

	local := []byte(`{"id":"t1","title":"mine","updated_at":"2025-06-01T12:00:00Z"}`)
	fx.queue(t, OfflineOperation{Kind: OpUpdate, Target: "tasks", RecordID: "t1", BaseVersion: 2, Payload: local})
	require.NoError(t, fx.engine.Sync(ctx))

	rec, ok := fx.remote.Record("tasks", "t1")
	require.True(t, ok)
	require.False(t, rec.Deleted, "the newer local edit recreates the row")
	require.Equal(t, int64(4), rec.Version, "the version line continues past the tombstone")
	require.JSONEq(t, string(local), string(rec.Data))

	// deleting a row someone else already deleted needs no resolution
	fx.remote.Seed(RemoteRecord{ID: "gone", Target: "tasks", Version: 5, Deleted: true})
	require.NoError(t, fx.mgr.CacheData(ctx, "tasks/gone", json.RawMessage(`{"id":"gone"}`), 0))
	fx.queue(t, OfflineOperation{Kind: OpDelete, Target: "tasks", RecordID: "gone", BaseVersion: 4})
	require.NoError(t, fx.engine.Sync(ctx))

	require.Zero(t, fx.mgr.State().QueuedOperations)
	require.Empty(t, fx.mgr.PendingConflicts())
	_, err := fx.mgr.CachedData(ctx, "tasks/gone")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSyncMergesWithFieldRules(t *testing.T) {
	rules := map[string][]MergeRule{
		"notes": {
			{Field: "title", Action: MergeTakeLocal},
			{Field: "body", Action: MergeTakeRemote},
			{Field: "tags", Action: MergeCombine},
		},
	}
	fx := newSyncFixture(t, nil, WithMergeRules(rules))
	ctx := context.Background()

	fx.remote.Seed(RemoteRecord{ID: "n1", Target: "notes", Version: 2,
		Data: json.RawMessage(`{"id":"n1","title":"remote title","body":"remote body","tags":["work"]}`)})

	fx.queue(t, OfflineOperation{
		Kind: OpUpdate, Target: "notes", RecordID: "n1", BaseVersion: 1,
		Payload:        []byte(`{"id":"n1","title":"local title","body":"local body","tags":["home"]}`),
		ConflictPolicy: StrategyMerge,
	})
	require.NoError(t, fx.engine.Sync(ctx))

	require.Zero(t, fx.mgr.State().QueuedOperations)
	rec, ok := fx.remote.Record("notes", "n1")
	require.True(t, ok)
	require.Equal(t, int64(3), rec.Version)
	require.JSONEq(t,
		`{"id":"n1","title":"local title","body":"remote body","tags":["work","home"]}`,
		string(rec.Data))
}

func TestSyncRetriesTransientFailuresAcrossPasses(t *testing.T) {
	fx := newSyncFixture(t, nil)
	ctx := context.Background()

	id := fx.queue(t, OfflineOperation{Kind: OpCreate, Target: "tasks", Payload: []byte(`{"id":"t1"}`)})
	fx.remote.FailNext(1, &RetryableError{Err: errors.New("503 from the gateway")})

	require.NoError(t, fx.engine.Sync(ctx), "transient failures do not fail the pass")
	require.Equal(t, 1, fx.mgr.State().QueuedOperations)
	op, err := fx.mgr.Operation(id)
	require.NoError(t, err)
	require.Equal(t, 1, op.RetryCount)
	require.Equal(t, 1, fx.engine.Progress().FailedOperations)

	require.NoError(t, fx.engine.Sync(ctx))
	require.Zero(t, fx.mgr.State().QueuedOperations)
	_, ok := fx.remote.Record("tasks", "t1")
	require.True(t, ok)
}

func TestSyncDropsExhaustedOperationsWithDependents(t *testing.T) {
	fx := newSyncFixture(t, nil)
	ctx := context.Background()

	root := fx.queue(t, OfflineOperation{
		Kind: OpCreate, Target: "tasks", Payload: []byte(`{"id":"root"}`), MaxRetries: 2,
	})
	fx.queue(t, OfflineOperation{
		Kind: OpCreate, Target: "tasks", Payload: []byte(`{"id":"child"}`), DependsOn: []string{root},
	})
	fx.remote.FailNext(2, &RetryableError{Err: errors.New("boom")})

	require.NoError(t, fx.engine.Sync(ctx))
	require.Equal(t, 2, fx.mgr.State().QueuedOperations)

	require.NoError(t, fx.engine.Sync(ctx))
	require.Zero(t, fx.mgr.State().QueuedOperations, "the exhausted root takes its dependent with it")
	require.Len(t, fx.remote.Calls(), 2, "the dependent never reached the remote")
	_, ok := fx.remote.Record("tasks", "root")
	require.False(t, ok)
}

func TestSyncShrinksAndRegrowsBatch(t *testing.T) {
	fx := newSyncFixture(t, func(cfg *Config) { cfg.BatchSize = 4 })
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		fx.queue(t, OfflineOperation{Kind: OpCreate, Target: "tasks", Payload: []byte(`{"id":"` + id + `"}`)})
	}
	fx.remote.FailNext(1, ErrBatchTooLarge)

	require.NoError(t, fx.engine.Sync(ctx))
	require.Equal(t, 1, fx.mgr.State().QueuedOperations)
	size := fx.engine.BatchSizeForTest()
	require.Equal(t, 2, size, "a payload rejection halves the claim size")

	require.NoError(t, fx.engine.Sync(ctx))
	require.Zero(t, fx.mgr.State().QueuedOperations)
	size = fx.engine.BatchSizeForTest()
	require.Equal(t, 4, size, "a clean pass grows it back")
}

func TestSyncAbortsWhenCircuitOpens(t *testing.T) {
	fx := newSyncFixture(t, func(cfg *Config) {
		cfg.Retry = retrykit.Policy{
			Strategy:    retrykit.StrategyImmediate,
			MaxAttempts: 1,
			Condition:   retrykit.ConditionAlways,
			Breaker: &retrykit.BreakerConfig{
				FailureThreshold: 1,
				SuccessThreshold: 1,
				Timeout:          time.Minute,
				MonitoringWindow: time.Minute,
			},
		}
	})

	fx.queue(t, OfflineOperation{Kind: OpCreate, Target: "tasks", Payload: []byte(`{"id":"a"}`)})
	second := fx.queue(t, OfflineOperation{Kind: OpCreate, Target: "tasks", Payload: []byte(`{"id":"b"}`)})
	fx.remote.FailNext(1, &RetryableError{Err: errors.New("remote down")})

	err := fx.engine.Sync(context.Background())
	require.ErrorIs(t, err, retrykit.ErrCircuitOpen)
	var se *SyncError
	require.ErrorAs(t, err, &se)
	require.Equal(t, StageDataPush, se.Stage)
	require.Equal(t, second, se.OperationID)
	require.Equal(t, StatusFailed, fx.engine.Status())

	require.Equal(t, 2, fx.mgr.State().QueuedOperations, "nothing is dropped when the circuit opens")
	require.Len(t, fx.remote.Calls(), 1, "the second operation never reached the remote")

	stats, ok := fx.engine.BreakerStats()
	require.True(t, ok)
	require.Equal(t, retrykit.StateOpen, stats.State)
}

func TestSyncQueryPullsIntoCache(t *testing.T) {
	fx := newSyncFixture(t, nil)
	ctx := context.Background()

	d1 := json.RawMessage(`{"id":"n1","body":"first"}`)
	d2 := json.RawMessage(`{"id":"n2","body":"second"}`)
	fx.remote.Seed(RemoteRecord{ID: "n1", Target: "notes", Version: 1, Data: d1})
	fx.remote.Seed(RemoteRecord{ID: "n2", Target: "notes", Version: 4, Data: d2})
	fx.remote.Seed(RemoteRecord{ID: "n3", Target: "notes", Version: 2, Deleted: true})

	fx.queue(t, OfflineOperation{Kind: OpQuery, Target: "notes"})
	require.NoError(t, fx.engine.Sync(ctx))
	require.Zero(t, fx.mgr.State().QueuedOperations)

	got, err := fx.mgr.CachedData(ctx, "notes/n1")
	require.NoError(t, err)
	require.JSONEq(t, string(d1), string(got))
	got, err = fx.mgr.CachedData(ctx, "notes/n2")
	require.NoError(t, err)
	require.JSONEq(t, string(d2), string(got))
	_, err = fx.mgr.CachedData(ctx, "notes/n3")
	require.ErrorIs(t, err, ErrNotFound, "tombstones are not pulled")

	require.Equal(t, int64(len(d1)+len(d2)), fx.engine.Progress().BytesTransferred)

	// a filtered query refreshes only the matching rows
	_, err = fx.mgr.ClearCache(ctx, "*")
	require.NoError(t, err)
	fx.queue(t, OfflineOperation{Kind: OpQuery, Target: "notes", Payload: []byte(`{"id":"n2"}`)})
	require.NoError(t, fx.engine.Sync(ctx))

	_, err = fx.mgr.CachedData(ctx, "notes/n1")
	require.ErrorIs(t, err, ErrNotFound)
	got, err = fx.mgr.CachedData(ctx, "notes/n2")
	require.NoError(t, err)
	require.JSONEq(t, string(d2), string(got))
}

func TestSyncFailsFastWhileOffline(t *testing.T) {
	fx := newSyncFixture(t, nil)
	fx.queue(t, OfflineOperation{Kind: OpCreate, Target: "tasks", Payload: []byte(`{"id":"t1"}`)})
	fx.manual.SetOnline(false)

	err := fx.engine.Sync(context.Background())
	var se *SyncError
	require.ErrorAs(t, err, &se)
	require.Equal(t, StageConnectivityCheck, se.Stage)
	require.Empty(t, fx.remote.Calls())
	require.Equal(t, StatusIdle, fx.engine.Status())

	require.Error(t, fx.engine.TriggerSync())
}

func TestSyncReplansWhenResolutionRaces(t *testing.T) {
	stale := json.RawMessage(`{"id":"t1","title":"stale","updated_at":"2025-06-01T08:00:00Z"}`)
	local := `{"id":"t1","title":"local","updated_at":"2025-06-01T12:00:00Z"}`

	t.Run("a racing writer is outlasted within the round budget", func(t *testing.T) {
		fx := newSyncFixture(t, nil)
		ctx := context.Background()

		fx.remote.Seed(RemoteRecord{ID: "t1", Target: "tasks", Version: 2, Data: stale})
		// two injected conflicts simulate another client landing writes
		// between our resolution attempts
		fx.remote.FailNext(2, &RemoteConflictError{
			Remote: RemoteRecord{ID: "t1", Target: "tasks", Version: 5, Data: stale},
		})

		fx.queue(t, OfflineOperation{Kind: OpUpdate, Target: "tasks", RecordID: "t1", BaseVersion: 1, Payload: []byte(local)})
		require.NoError(t, fx.engine.Sync(ctx))

		require.Zero(t, fx.mgr.State().QueuedOperations)
		rec, ok := fx.remote.Record("tasks", "t1")
		require.True(t, ok)
		require.Equal(t, int64(3), rec.Version)
		require.JSONEq(t, local, string(rec.Data))
	})

	t.Run("an unwinnable race parks for the user after bounded rounds", func(t *testing.T) {
		fx := newSyncFixture(t, nil)
		ctx := context.Background()

		fx.remote.Seed(RemoteRecord{ID: "t1", Target: "tasks", Version: 2, Data: stale})
		fx.remote.FailNext(3, &RemoteConflictError{
			Remote: RemoteRecord{ID: "t1", Target: "tasks", Version: 5, Data: stale},
		})

		fx.queue(t, OfflineOperation{Kind: OpUpdate, Target: "tasks", RecordID: "t1", BaseVersion: 1, Payload: []byte(local)})
		require.NoError(t, fx.engine.Sync(ctx))
		require.Equal(t, StatusConflict, fx.engine.Status())

		pending := fx.mgr.PendingConflicts()
		require.Len(t, pending, 1)
		require.Equal(t, int64(2), pending[0].RemoteVersion,
			"the parked conflict carries the last observed remote row")

		require.NoError(t, fx.mgr.ResolveConflict(ctx, pending[0].ID,
			ConflictResolution{ResolvedData: json.RawMessage(local)}))
		require.NoError(t, fx.engine.Sync(ctx))

		require.Zero(t, fx.mgr.State().QueuedOperations)
		rec, ok := fx.remote.Record("tasks", "t1")
		require.True(t, ok)
		require.Equal(t, int64(3), rec.Version)
	})
}

func TestSyncSavesContextBackupsForCriticalOps(t *testing.T) {
	store := synctest.WrapStore(kvstore.NewMemoryStore())
	cfg := DefaultConfig()
	cfg.Retry = immediateRetry()
	mgr := newTestManager(t, store, onlineManual(), cfg)
	backups := recovery.NewBackupStore(store, time.Hour, testLogger())
	remote := remotefake.NewRemote()
	engine, err := NewEngine(mgr, remote, testLogger(), WithAutoSync(false), WithBackups(backups))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	ctx := context.Background()

	prior := json.RawMessage(`{"id":"t1","balance":100}`)
	remote.Seed(RemoteRecord{ID: "t1", Target: "accounts", Version: 1, Data: prior})
	require.NoError(t, mgr.CacheData(ctx, "accounts/t1", prior, 0))

	opID, err := mgr.QueueOperation(ctx, OfflineOperation{
		Kind: OpUpdate, Target: "accounts", RecordID: "t1", BaseVersion: 1,
		Payload: []byte(`{"id":"t1","balance":250}`), Priority: PriorityCritical,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Sync(ctx))

	b, err := backups.Latest(ctx, opID)
	require.NoError(t, err)
	var snap backupPayload
	require.NoError(t, json.Unmarshal(b.Data, &snap))
	require.Equal(t, opID, snap.Operation.ID)
	require.JSONEq(t, string(prior), string(snap.PriorValue),
		"the snapshot keeps the value as it was before the push")

	// normal-priority traffic is not backed up
	normID, err := mgr.QueueOperation(ctx, OfflineOperation{
		Kind: OpUpdate, Target: "accounts", RecordID: "t1", BaseVersion: 2,
		Payload: []byte(`{"id":"t1","balance":300}`),
	})
	require.NoError(t, err)
	require.NoError(t, engine.Sync(ctx))
	_, err = backups.Latest(ctx, normID)
	require.ErrorIs(t, err, recovery.ErrNoBackup)
}

type recordingEscalator struct {
	ops    []retrykit.OperationContext
	causes []error
}

func (r *recordingEscalator) Escalate(_ context.Context, op retrykit.OperationContext, cause error) {
	r.ops = append(r.ops, op)
	r.causes = append(r.causes, cause)
}

func TestSyncEscalatesExhaustedCriticalOps(t *testing.T) {
	esc := &recordingEscalator{}
	fx := newSyncFixture(t, nil, WithEscalator(esc))
	ctx := context.Background()

	opID := fx.queue(t, OfflineOperation{
		Kind: OpCreate, Target: "payments", Payload: []byte(`{"id":"p1"}`),
		Priority: PriorityCritical, MaxRetries: 1,
	})
	fx.remote.FailNext(1, &RetryableError{Err: errors.New("remote down")})

	require.NoError(t, fx.engine.Sync(ctx))
	require.Zero(t, fx.mgr.State().QueuedOperations, "one strike at a max-retries of one")

	require.Len(t, esc.ops, 1)
	require.Equal(t, opID, esc.ops[0].ID)
	require.Equal(t, retrykit.CriticalityCritical, esc.ops[0].Criticality)
}

// blockingRemote holds each create on the wire until released, so tests
// can pause, cancel or overlap a pass at a known point.
type blockingRemote struct {
	*remotefake.Remote
	entered chan struct{}
	release chan struct{}
}

func newBlockingRemote() *blockingRemote {
	return &blockingRemote{
		Remote:  remotefake.NewRemote(),
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (b *blockingRemote) Create(ctx context.Context, target string, payload json.RawMessage) (RemoteRecord, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return RemoteRecord{}, ctx.Err()
	}
	return b.Remote.Create(ctx, target, payload)
}

func newBlockedEngine(t *testing.T) (*Manager, *blockingRemote, *Engine) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Retry = immediateRetry()
	mgr := newTestManager(t, synctest.WrapStore(kvstore.NewMemoryStore()), onlineManual(), cfg)
	remote := newBlockingRemote()
	engine, err := NewEngine(mgr, remote, testLogger(), WithAutoSync(false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return mgr, remote, engine
}

func awaitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the remote call to start")
	}
}

func TestPauseHaltsAtOperationBoundary(t *testing.T) {
	mgr, remote, engine := newBlockedEngine(t)
	ctx := context.Background()

	require.ErrorContains(t, engine.Pause(), "no sync in progress")

	for _, id := range []string{"p1", "p2"} {
		_, err := mgr.QueueOperation(ctx, OfflineOperation{
			Kind: OpCreate, Target: "tasks", Payload: []byte(`{"id":"` + id + `"}`),
		})
		require.NoError(t, err)
	}

	require.NoError(t, engine.TriggerSync())
	awaitSignal(t, remote.entered) // first create is on the wire
	require.NoError(t, engine.Pause())
	require.Equal(t, StatusPaused, engine.Status())
	require.ErrorContains(t, engine.TriggerSync(), "paused")

	// the in-flight operation finishes, the next never starts
	close(remote.release)
	waitQueueLen(t, mgr, 1)
	require.Equal(t, StatusPaused, engine.Status())

	require.NoError(t, engine.Resume())
	waitQueueLen(t, mgr, 0)
	waitStatus(t, engine, StatusIdle)
	require.ErrorContains(t, engine.Resume(), "not paused")
}

func TestSyncHonorsContextCancellation(t *testing.T) {
	mgr, remote, engine := newBlockedEngine(t)

	_, err := mgr.QueueOperation(context.Background(), OfflineOperation{
		Kind: OpCreate, Target: "tasks", Payload: []byte(`{"id":"c1"}`),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- engine.Sync(ctx) }()

	awaitSignal(t, remote.entered)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not unwind after cancellation")
	}
	require.Equal(t, 1, mgr.State().QueuedOperations, "the claimed operation went back to the queue")
	op := mgr.QueuedOperations(nil)[0]
	require.Zero(t, op.RetryCount, "cancellation is not a failed attempt")
	require.Equal(t, StatusIdle, engine.Status())
}

func TestTriggerSyncReportsBusy(t *testing.T) {
	mgr, remote, engine := newBlockedEngine(t)
	ctx := context.Background()

	_, err := mgr.QueueOperation(ctx, OfflineOperation{
		Kind: OpCreate, Target: "tasks", Payload: []byte(`{"id":"b1"}`),
	})
	require.NoError(t, err)

	require.NoError(t, engine.TriggerSync())
	awaitSignal(t, remote.entered)
	require.ErrorIs(t, engine.TriggerSync(), ErrEngineBusy)
	require.ErrorIs(t, engine.Sync(ctx), ErrEngineBusy)

	close(remote.release)
	waitQueueLen(t, mgr, 0)
	waitStatus(t, engine, StatusIdle)
}

func TestAutoSyncTriggersOnReconnect(t *testing.T) {
	fx := newSyncFixture(t, nil, WithAutoSync(true))

	fx.manual.SetOnline(false)
	require.True(t, fx.mgr.IsOffline())
	fx.queue(t, OfflineOperation{Kind: OpCreate, Target: "tasks", Payload: []byte(`{"id":"t1"}`)})

	fx.manual.SetOnline(true)
	waitQueueLen(t, fx.mgr, 0)
	waitStatus(t, fx.engine, StatusIdle)
	_, ok := fx.remote.Record("tasks", "t1")
	require.True(t, ok)
}
