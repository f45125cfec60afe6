// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelkorolev/go-offsync/connectivity"
	"github.com/pavelkorolev/go-offsync/recovery"
	"github.com/pavelkorolev/go-offsync/retrykit"
)

const engineListenerID = "offsync.engine"

// maxResolutionRounds bounds how often one operation may re-plan after
// racing other writers before the conflict is handed to the user.
const maxResolutionRounds = 3

// Engine reconciles the pending queue against the remote system. One
// sync pass at a time: idle -> syncing -> (paused|failed|conflict) ->
// idle, observable through Status and the progress listeners.
type Engine struct {
	logger    *slog.Logger
	mgr       *Manager
	remote    RemoteExecutor
	exec      *retrykit.Executor
	backups   *recovery.BackupStore
	escalator retrykit.Escalator
	rules     map[string][]MergeRule
	now       func() time.Time
	autoSync  bool

	mu         sync.Mutex
	status     SyncStatus
	batchSize  int
	cancelPass context.CancelFunc
	passDone   chan struct{}
	progress   SyncProgress
	closed     bool
}

// EngineOption customizes Engine construction.
type EngineOption func(*Engine)

// WithMergeRules installs per-target field rules for StrategyMerge
// resolution.
func WithMergeRules(rules map[string][]MergeRule) EngineOption {
	return func(e *Engine) { e.rules = rules }
}

// WithBackups makes the engine snapshot context before executing
// critical and high priority operations, so recovery workflows can
// restore it.
func WithBackups(backups *recovery.BackupStore) EngineOption {
	return func(e *Engine) { e.backups = backups }
}

// WithEscalator hands exhausted critical and important operations to a
// recovery runner.
func WithEscalator(esc retrykit.Escalator) EngineOption {
	return func(e *Engine) { e.escalator = esc }
}

// WithExecutor replaces the retry executor, for tests.
func WithExecutor(exec *retrykit.Executor) EngineOption {
	return func(e *Engine) { e.exec = exec }
}

// WithAutoSync toggles the automatic sync trigger on connectivity
// regain. Enabled by default.
func WithAutoSync(enabled bool) EngineOption {
	return func(e *Engine) { e.autoSync = enabled }
}

// NewEngine wires a sync engine to a manager and a remote executor.
func NewEngine(mgr *Manager, remote RemoteExecutor, logger *slog.Logger, opts ...EngineOption) (*Engine, error) {
	if mgr == nil {
		return nil, errors.New("manager is required")
	}
	if remote == nil {
		return nil, errors.New("remote executor is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	done := make(chan struct{})
	close(done)
	e := &Engine{
		logger:    logger,
		mgr:       mgr,
		remote:    remote,
		now:       mgr.now,
		autoSync:  true,
		status:    StatusIdle,
		batchSize: mgr.config().BatchSize,
		passDone:  done,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.exec == nil {
		var execOpts []retrykit.ExecutorOption
		if e.escalator != nil {
			execOpts = append(execOpts, retrykit.WithEscalator(e.escalator))
		}
		e.exec = retrykit.NewExecutor(logger, execOpts...)
	}
	if e.autoSync {
		mgr.monitor.AddListener(engineListenerID, e.onConnectivity)
	}
	return e, nil
}

// Close cancels any running pass and waits for it to wind down.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancelPass
	done := e.passDone
	e.mu.Unlock()

	e.mgr.monitor.RemoveListener(engineListenerID)
	if cancel != nil {
		cancel()
	}
	<-done
	return nil
}

// Status returns the engine state machine position.
func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Progress returns the latest progress snapshot.
func (e *Engine) Progress() SyncProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// BreakerStats exposes the circuit breaker guarding the remote
// dependency, when one has been exercised.
func (e *Engine) BreakerStats() (retrykit.BreakerStats, bool) {
	return e.exec.BreakerStats(e.mgr.config().RemoteDependency)
}

// AddProgressListener registers a progress listener and immediately
// delivers the latest snapshot. Progress delivery is coalescing: slow
// listeners skip to the newest snapshot.
func (e *Engine) AddProgressListener(id string, fn ProgressListener) *Subscription {
	sub := e.mgr.events.addProgress(id, fn)
	e.mgr.events.pushTo(e.mgr.events.progress, id, e.Progress())
	return sub
}

// RemoveProgressListener detaches the progress listener under id.
func (e *Engine) RemoveProgressListener(id string) {
	e.mgr.events.removeProgress(id)
}

// AddConflictListener registers a conflict listener. Every detected
// conflict is delivered, none are coalesced away.
func (e *Engine) AddConflictListener(id string, fn ConflictListener) *Subscription {
	return e.mgr.events.addConflict(id, fn)
}

// RemoveConflictListener detaches the conflict listener under id.
func (e *Engine) RemoveConflictListener(id string) {
	e.mgr.events.removeConflict(id)
}

// TriggerSync starts a sync pass in the background. ErrEngineBusy when
// one is already running; an error when paused, offline or closed.
func (e *Engine) TriggerSync() error {
	ctx, err := e.beginPass(context.Background())
	if err != nil {
		return err
	}
	go func() { _ = e.runPass(ctx) }()
	return nil
}

// Sync runs one pass synchronously and returns its outcome. The pass
// also stops when ctx is cancelled.
func (e *Engine) Sync(ctx context.Context) error {
	passCtx, err := e.beginPass(ctx)
	if err != nil {
		return err
	}
	return e.runPass(passCtx)
}

// Pause stops the running pass at the next operation boundary; the
// operation in flight finishes its current attempt. Claims the pass has
// not reached are released.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusSyncing {
		return errors.New("no sync in progress")
	}
	e.setStatusLocked(StatusPaused)
	e.logger.Info("sync paused")
	return nil
}

// Resume continues a paused sync with a fresh pass over the remaining
// queue.
func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.status != StatusPaused {
		e.mu.Unlock()
		return errors.New("sync is not paused")
	}
	done := e.passDone
	e.mu.Unlock()

	// let the paused pass wind down before claiming again
	<-done

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.status != StatusPaused {
		e.mu.Unlock()
		return errors.New("sync is not paused")
	}
	e.setStatusLocked(StatusSyncing)
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelPass = cancel
	e.passDone = make(chan struct{})
	e.mu.Unlock()

	e.logger.Info("sync resumed")
	go func() { _ = e.runPass(ctx) }()
	return nil
}

// onConnectivity triggers a sync when connectivity returns and work is
// pending.
func (e *Engine) onConnectivity(st connectivity.NetworkState) {
	if !st.Online() || e.mgr.IsOffline() {
		return
	}
	if e.mgr.State().QueuedOperations == 0 {
		return
	}
	if err := e.TriggerSync(); err != nil && !errors.Is(err, ErrEngineBusy) {
		e.logger.Debug("auto sync not started", "error", err)
	}
}

func (e *Engine) beginPass(parent context.Context) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	switch e.status {
	case StatusSyncing:
		return nil, ErrEngineBusy
	case StatusPaused:
		return nil, errors.New("sync is paused; resume it first")
	case StatusFailed, StatusConflict:
		e.setStatusLocked(StatusIdle)
	}
	if e.mgr.IsOffline() {
		return nil, &SyncError{Stage: StageConnectivityCheck, Err: errors.New("device is offline")}
	}
	e.setStatusLocked(StatusSyncing)
	ctx, cancel := context.WithCancel(parent)
	e.cancelPass = cancel
	e.passDone = make(chan struct{})
	return ctx, nil
}

// opOutcome is how one operation left a sync pass.
type opOutcome int

const (
	opDone opOutcome = iota
	opRetry
	opDropped
	opParked
	opAborted
)

func (e *Engine) runPass(ctx context.Context) error {
	e.mu.Lock()
	done := e.passDone
	e.mu.Unlock()
	defer close(done)

	cfg := e.mgr.config()
	start := e.now()

	// attempted keeps transiently failed operations from being
	// re-claimed within the same pass
	attempted := make(map[string]struct{})

	var total, completed, failed, parked int
	var bytes int64
	var passErr error
	aborted, cancelled := false, false

claim:
	for {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if e.Status() != StatusSyncing {
			break
		}
		if e.mgr.IsOffline() {
			aborted = true
			passErr = &SyncError{Stage: StageConnectivityCheck, Err: errors.New("connectivity lost during sync")}
			break
		}
		batch := e.mgr.claimBatch(e.claimSize(cfg), attempted)
		if len(batch) == 0 {
			break
		}
		total += len(batch)
		e.publishProgress(buildProgress(StatusSyncing, total, completed, failed, parked, bytes, start, e.now()))

		for i := range batch {
			if ctx.Err() != nil || e.Status() != StatusSyncing {
				e.releaseClaims(batch[i:])
				total -= len(batch) - i
				cancelled = ctx.Err() != nil
				break claim
			}
			attempted[batch[i].ID] = struct{}{}
			outcome, opBytes, opErr := e.processOperation(ctx, cfg, &batch[i])
			bytes += opBytes
			switch outcome {
			case opDone:
				completed++
			case opRetry, opDropped:
				failed++
			case opParked:
				parked++
			case opAborted:
				total--
				e.releaseClaims(batch[i+1:])
				total -= len(batch) - i - 1
				if ctx.Err() != nil {
					cancelled = true
				} else {
					aborted = true
					passErr = opErr
				}
				break claim
			}
			e.publishProgress(buildProgress(StatusSyncing, total, completed, failed, parked, bytes, start, e.now()))
		}
	}

	if cancelled && passErr == nil && ctx.Err() != nil {
		passErr = ctx.Err()
	}
	if !aborted && !cancelled && failed == 0 {
		e.growBatch(cfg)
	}

	e.mu.Lock()
	if e.status == StatusSyncing {
		switch {
		case aborted:
			e.setStatusLocked(StatusFailed)
		case parked > 0:
			e.setStatusLocked(StatusConflict)
		default:
			e.setStatusLocked(StatusIdle)
		}
	}
	finalStatus := e.status
	e.mu.Unlock()

	result := "completed"
	switch {
	case cancelled:
		result = "cancelled"
	case aborted:
		result = "failed"
	case finalStatus == StatusPaused:
		result = "paused"
	case parked > 0:
		result = "conflict"
	}

	e.publishProgress(buildProgress(finalStatus, total, completed, failed, parked, bytes, start, e.now()))
	metricSyncPasses.WithLabelValues(result).Inc()
	metricSyncDuration.Observe(e.now().Sub(start).Seconds())
	e.logger.Info("sync pass finished",
		"result", result, "total", total, "completed", completed, "failed", failed,
		"conflicts", parked, "bytes", bytes, "duration", e.now().Sub(start))
	return passErr
}

// processOperation pushes or pulls one claimed operation. Conflicts are
// intercepted inside the attempt loop: the remote answered, so they are
// neither retried nor counted against the circuit breaker, and are
// resolved after the loop instead.
func (e *Engine) processOperation(ctx context.Context, cfg Config, op *OfflineOperation) (opOutcome, int64, error) {
	crit := op.Priority.criticality()
	if e.backups != nil && (crit == retrykit.CriticalityCritical || crit == retrykit.CriticalityImportant) {
		e.saveBackup(ctx, op)
	}

	policy := e.policyFor(cfg)
	opRef := retrykit.OperationContext{ID: op.ID, Dependency: cfg.RemoteDependency, Criticality: crit}

	var conflictWith *RemoteRecord
	var pushed RemoteRecord
	var pulled []RemoteRecord
	err := e.exec.Do(ctx, opRef, policy, func(ctx context.Context) error {
		rec, recs, callErr := e.callRemote(ctx, op)
		if callErr != nil {
			var rce *RemoteConflictError
			if errors.As(callErr, &rce) {
				conflictWith = &rce.Remote
				return nil
			}
			return callErr
		}
		conflictWith = nil
		pushed, pulled = rec, recs
		return nil
	})

	switch {
	case err == nil && conflictWith == nil:
		opBytes := int64(len(op.Payload))
		if op.Kind == OpQuery {
			for _, rec := range pulled {
				opBytes += int64(len(rec.Data))
				e.mgr.applyRemoteRecord(ctx, rec)
			}
		} else {
			e.mgr.applyRemoteRecord(ctx, pushed)
		}
		e.mgr.completeOperation(ctx, op.ID)
		metricSyncOperations.WithLabelValues("success").Inc()
		e.logger.Debug("operation synced", "op", op.ID, "kind", op.Kind, "target", op.Target)
		return opDone, opBytes, nil

	case err == nil:
		return e.handleConflict(ctx, cfg, op, *conflictWith), int64(len(op.Payload)), nil

	case errors.Is(err, retrykit.ErrCircuitOpen):
		e.mgr.releaseClaim(op.ID)
		metricSyncOperations.WithLabelValues("aborted").Inc()
		return opAborted, 0, &SyncError{Stage: e.stageFor(op), OperationID: op.ID, Err: err}

	case ctx.Err() != nil:
		e.mgr.releaseClaim(op.ID)
		return opAborted, 0, ctx.Err()

	default:
		return e.handleFailure(ctx, op, err), 0, nil
	}
}

func (e *Engine) callRemote(ctx context.Context, op *OfflineOperation) (RemoteRecord, []RemoteRecord, error) {
	switch op.Kind {
	case OpCreate:
		rec, err := e.remote.Create(ctx, op.Target, op.Payload)
		return rec, nil, err
	case OpUpdate:
		rec, err := e.remote.Update(ctx, op.Target, op.recordID(), op.Payload, op.BaseVersion)
		return rec, nil, err
	case OpDelete:
		err := e.remote.Delete(ctx, op.Target, op.recordID(), op.BaseVersion)
		return RemoteRecord{ID: op.recordID(), Target: op.Target, Deleted: true}, nil, err
	default: // OpQuery
		recs, err := e.remote.Query(ctx, op.Target, op.Payload)
		return RemoteRecord{}, recs, err
	}
}

func (e *Engine) stageFor(op *OfflineOperation) SyncStage {
	if op.Kind == OpQuery {
		return StageDataPull
	}
	return StageDataPush
}

// handleFailure decides whether a failed operation retries next pass or
// is dropped with its dependents.
func (e *Engine) handleFailure(ctx context.Context, op *OfflineOperation, err error) opOutcome {
	if errors.Is(err, ErrBatchTooLarge) {
		e.shrinkBatch()
		e.mgr.retryLater(op.ID)
		metricSyncOperations.WithLabelValues("retry").Inc()
		return opRetry
	}
	if op.MaxRetries > 0 && op.RetryCount+1 >= op.MaxRetries {
		removed := e.mgr.dropOperation(ctx, op.ID)
		metricSyncOperations.WithLabelValues("dropped").Inc()
		e.logger.Warn("operation failed permanently",
			"op", op.ID, "target", op.Target, "retries", op.RetryCount+1,
			"cascade", len(removed)-1, "error", err)
		return opDropped
	}
	e.mgr.retryLater(op.ID)
	metricSyncOperations.WithLabelValues("retry").Inc()
	e.logger.Debug("operation will retry next pass",
		"op", op.ID, "retries", op.RetryCount+1, "error", err)
	return opRetry
}

// handleConflict records the divergence and settles it per the
// operation's strategy (or the configured default).
func (e *Engine) handleConflict(ctx context.Context, cfg Config, op *OfflineOperation, remote RemoteRecord) opOutcome {
	strategy := op.ConflictPolicy
	if strategy == "" {
		strategy = cfg.DefaultConflictStrategy
	}
	c := newConflict(op, remote, e.now())
	metricConflicts.WithLabelValues(string(c.Type)).Inc()
	e.logger.Info("sync conflict detected",
		"conflict", c.ID, "op", op.ID, "target", op.Target, "type", c.Type, "strategy", strategy)

	plan := planResolution(op, remote, strategy, cfg, e.rules[op.Target])
	switch plan.action {
	case actionPark:
		e.mgr.parkOperation(ctx, op.ID)
		e.mgr.recordConflict(ctx, c)
		e.mgr.events.publishConflict(*c)
		metricSyncOperations.WithLabelValues("conflict").Inc()
		return opParked

	case actionTakeRemote:
		c.Resolved = true
		c.Resolution = &ConflictResolution{
			Strategy: strategy, ResolvedData: c.RemoteData, ResolvedAt: e.now(), ResolvedBy: "engine",
		}
		e.mgr.recordConflict(ctx, c)
		e.mgr.events.publishConflict(*c)
		metricConflictResolutions.WithLabelValues(string(strategy)).Inc()
		e.mgr.applyRemoteRecord(ctx, remote)
		e.mgr.completeOperation(ctx, op.ID)
		metricSyncOperations.WithLabelValues("success").Inc()
		return opDone

	default: // actionRepush
		c.Resolved = true
		c.Resolution = &ConflictResolution{
			Strategy: strategy, ResolvedData: plan.data, ResolvedAt: e.now(), ResolvedBy: "engine",
		}
		e.mgr.recordConflict(ctx, c)
		e.mgr.events.publishConflict(*c)
		metricConflictResolutions.WithLabelValues(string(strategy)).Inc()
		return e.pushResolved(ctx, cfg, op, strategy, plan, remote.Version)
	}
}

// pushResolved applies a repush plan, re-planning a bounded number of
// times when other writers keep racing. Transient failures stage the
// resolved content back into the queue for the next pass.
func (e *Engine) pushResolved(ctx context.Context, cfg Config, op *OfflineOperation, strategy ConflictStrategy, plan resolutionPlan, baseVersion int64) opOutcome {
	kind, data, base := plan.kind, plan.data, baseVersion
	var lastRemote RemoteRecord

	for round := 0; round < maxResolutionRounds; round++ {
		var rec RemoteRecord
		var err error
		switch kind {
		case OpCreate:
			rec, err = e.remote.Create(ctx, op.Target, data)
		case OpDelete:
			err = e.remote.Delete(ctx, op.Target, op.recordID(), base)
			rec = RemoteRecord{ID: op.recordID(), Target: op.Target, Deleted: true}
		default:
			rec, err = e.remote.Update(ctx, op.Target, op.recordID(), data, base)
		}
		if err == nil {
			e.mgr.applyRemoteRecord(ctx, rec)
			e.mgr.completeOperation(ctx, op.ID)
			metricSyncOperations.WithLabelValues("success").Inc()
			e.logger.Info("conflict resolution pushed",
				"op", op.ID, "strategy", strategy, "rounds", round+1)
			return opDone
		}
		var rce *RemoteConflictError
		if !errors.As(err, &rce) {
			// transient: keep the resolved content queued for next pass
			if rerr := e.mgr.rewriteOperation(ctx, op.ID, kind, data, base); rerr != nil {
				e.logger.Warn("failed to stage resolved operation", "op", op.ID, "error", rerr)
			}
			e.mgr.retryLater(op.ID)
			metricSyncOperations.WithLabelValues("retry").Inc()
			return opRetry
		}

		lastRemote = rce.Remote
		probe := *op
		probe.Kind, probe.Payload = kind, data
		next := planResolution(&probe, lastRemote, strategy, cfg, e.rules[op.Target])
		if next.action == actionTakeRemote {
			e.mgr.applyRemoteRecord(ctx, lastRemote)
			e.mgr.completeOperation(ctx, op.ID)
			metricSyncOperations.WithLabelValues("success").Inc()
			return opDone
		}
		if next.action == actionPark {
			break
		}
		kind, data, base = next.kind, next.data, lastRemote.Version
		e.logger.Debug("conflict re-planned after race", "op", op.ID, "round", round+1)
	}

	// out of automatic rounds; hand the decision to the user
	if err := e.mgr.rewriteOperation(ctx, op.ID, kind, data, base); err == nil {
		e.mgr.parkOperation(ctx, op.ID)
	}
	probe := *op
	probe.Kind, probe.Payload = kind, data
	c := newConflict(&probe, lastRemote, e.now())
	metricConflicts.WithLabelValues(string(c.Type)).Inc()
	e.mgr.recordConflict(ctx, c)
	e.mgr.events.publishConflict(*c)
	metricSyncOperations.WithLabelValues("conflict").Inc()
	e.logger.Warn("conflict resolution kept racing, parked for user",
		"op", op.ID, "strategy", strategy)
	return opParked
}

// backupPayload is the context snapshot taken before high-stakes pushes.
type backupPayload struct {
	Operation  OfflineOperation `json:"operation"`
	PriorValue json.RawMessage  `json:"prior_value,omitempty"`
}

func (e *Engine) saveBackup(ctx context.Context, op *OfflineOperation) {
	prior, err := e.mgr.CachedData(ctx, cacheKeyForRecord(op.Target, op.recordID()))
	if err != nil && !errors.Is(err, ErrNotFound) {
		e.logger.Warn("failed to read cached value for backup", "op", op.ID, "error", err)
	}
	raw, err := json.Marshal(backupPayload{Operation: *op, PriorValue: prior})
	if err != nil {
		e.logger.Warn("failed to serialize context backup", "op", op.ID, "error", err)
		return
	}
	if _, err := e.backups.Save(ctx, op.ID, raw); err != nil {
		e.logger.Warn("failed to save context backup", "op", op.ID, "error", err)
	}
}

// policyFor is the retry policy for remote calls. Conflicts are excluded
// from retrying no matter what the configured policy says; they are
// handled by resolution, not repetition.
func (e *Engine) policyFor(cfg Config) retrykit.Policy {
	p := cfg.Retry
	if p.Strategy == "" {
		p = retrykit.DefaultPolicy()
	}
	excluded := false
	for _, code := range p.ExcludeErrors {
		if code == CategoryConflict {
			excluded = true
			break
		}
	}
	if !excluded {
		p.ExcludeErrors = append(append([]string{}, p.ExcludeErrors...), CategoryConflict)
	}
	return p
}

func (e *Engine) claimSize(cfg Config) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.batchSize > cfg.BatchSize {
		e.batchSize = cfg.BatchSize
	}
	if e.batchSize < 1 {
		e.batchSize = 1
	}
	return e.batchSize
}

func (e *Engine) shrinkBatch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.batchSize > 1 {
		e.batchSize /= 2
		e.logger.Warn("remote rejected batch as too large, reducing batch size", "batch_size", e.batchSize)
	}
}

func (e *Engine) growBatch(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.batchSize < cfg.BatchSize {
		e.batchSize *= 2
		if e.batchSize > cfg.BatchSize {
			e.batchSize = cfg.BatchSize
		}
	}
}

func (e *Engine) releaseClaims(ops []OfflineOperation) {
	for i := range ops {
		e.mgr.releaseClaim(ops[i].ID)
	}
}

func (e *Engine) publishProgress(p SyncProgress) {
	e.mu.Lock()
	e.progress = p
	e.mu.Unlock()
	e.mgr.events.publishProgress(p)
}

// setStatusLocked applies a state machine transition, refusing invalid
// ones.
func (e *Engine) setStatusLocked(to SyncStatus) bool {
	if e.status == to {
		return true
	}
	if !canTransition(e.status, to) {
		e.logger.Error("refused invalid sync status transition", "from", e.status, "to", to)
		return false
	}
	e.logger.Debug("sync status changed", "from", e.status, "to", to)
	e.status = to
	return true
}

func buildProgress(status SyncStatus, total, completed, failed, parked int, bytes int64, start, now time.Time) SyncProgress {
	p := SyncProgress{
		Status:              status,
		TotalOperations:     total,
		CompletedOperations: completed,
		FailedOperations:    failed,
		BytesTransferred:    bytes,
	}
	processed := completed + failed + parked
	if total > 0 {
		p.Percentage = float64(processed) / float64(total) * 100
	} else {
		p.Percentage = 100
	}
	if completed > 0 && processed < total {
		perOp := now.Sub(start) / time.Duration(completed)
		p.EstimatedTimeRemaining = perOp * time.Duration(total-processed)
	}
	return p
}
