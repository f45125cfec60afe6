// Package offsync is the offline-first synchronization core: it decides
// whether the app is offline, keeps a durable dependency-ordered queue of
// pending operations and a TTL cache, and reconciles the queue against a
// remote system once connectivity returns, detecting and resolving
// conflicting edits along the way.
//
// The package is built around two explicitly constructed services: Manager
// (offline state, queue, cache, listeners) and Engine (sync state machine,
// batching, conflict resolution). Both are wired by dependency injection;
// there are no process-wide singletons.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pavelkorolev/go-offsync/retrykit"
)

// OperationKind is the remote effect an operation performs.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
	OpQuery  OperationKind = "query"
)

// Priority orders operations within a sync batch. The empty value is
// treated as PriorityNormal.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// rank is the batch ordering position; lower runs first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// criticality maps queue priority onto the retry orchestrator's escalation
// ranking.
func (p Priority) criticality() retrykit.Criticality {
	switch p {
	case PriorityCritical:
		return retrykit.CriticalityCritical
	case PriorityHigh:
		return retrykit.CriticalityImportant
	case PriorityLow:
		return retrykit.CriticalityLow
	default:
		return retrykit.CriticalityNormal
	}
}

// Mode controls how offline-ness is determined.
type Mode string

const (
	// ModeAuto derives offline state from the connectivity monitor.
	ModeAuto Mode = "auto"
	// ModeForceOffline pins the engine offline regardless of connectivity.
	ModeForceOffline Mode = "force_offline"
	// ModeForceOnline pins the engine online regardless of connectivity.
	ModeForceOnline Mode = "force_online"
)

// ConflictStrategy selects how a detected conflict is resolved.
type ConflictStrategy string

const (
	// StrategyLastWriteWins keeps the side with the highest data
	// timestamp; ties go to the remote.
	StrategyLastWriteWins ConflictStrategy = "last_write_wins"
	// StrategyMerge combines both sides per declarative merge rules.
	StrategyMerge ConflictStrategy = "merge"
	// StrategyUserIntervention parks the conflict until a caller resolves
	// it through ResolveConflict.
	StrategyUserIntervention ConflictStrategy = "user_intervention"
	// StrategyServerAuthority always keeps the remote side.
	StrategyServerAuthority ConflictStrategy = "server_authority"
)

// ConflictType classifies how local and remote diverged.
type ConflictType string

const (
	// ConflictField means both sides changed overlapping fields.
	ConflictField ConflictType = "field"
	// ConflictRecord means versions diverged without a field-level story
	// (version markers disagree, whole-record).
	ConflictRecord ConflictType = "record"
	// ConflictConcurrentDelete means the remote row was deleted while a
	// local change was pending.
	ConflictConcurrentDelete ConflictType = "concurrent_delete"
)

// OfflineOperation is one queued state change awaiting remote application.
// Immutable once enqueued except RetryCount and terminal removal; the
// queue owns it until the engine claims it for execution.
type OfflineOperation struct {
	ID          string          `json:"id"`
	Kind        OperationKind   `json:"kind"`
	Target      string          `json:"target"`
	RecordID    string          `json:"record_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion int64           `json:"base_version,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	Seq         int64           `json:"seq"`
	Priority    Priority        `json:"priority"`
	MaxRetries  int             `json:"max_retries,omitempty"`
	RetryCount  int             `json:"retry_count,omitempty"`

	RequiresAuth   bool             `json:"requires_auth,omitempty"`
	DependsOn      []string         `json:"depends_on,omitempty"`
	ConflictPolicy ConflictStrategy `json:"conflict_policy,omitempty"`
}

// recordID returns the explicit record id, falling back to an "id" field
// inside the payload.
func (op *OfflineOperation) recordID() string {
	if op.RecordID != "" {
		return op.RecordID
	}
	var probe struct {
		ID string `json:"id"`
	}
	if len(op.Payload) > 0 && json.Unmarshal(op.Payload, &probe) == nil {
		return probe.ID
	}
	return ""
}

// CacheEntry is one cached value with optional expiry and tags.
type CacheEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
}

func (e CacheEntry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// OfflineState is the broadcast projection of queue + cache +
// connectivity. It is recomputed on every mutating event and never
// persisted directly.
type OfflineState struct {
	IsOffline        bool          `json:"is_offline"`
	Mode             Mode          `json:"mode"`
	QueuedOperations int           `json:"queued_operations"`
	CachedEntries    int           `json:"cached_entries"`
	CachedDataSize   int64         `json:"cached_data_size"`
	LastOnlineTime   time.Time     `json:"last_online_time"`
	OfflineDuration  time.Duration `json:"offline_duration"`
	StorageUsed      int64         `json:"storage_used"`
	StorageLimit     int64         `json:"storage_limit"`
}

// SyncConflict records one detected divergence between local and remote.
// Conflicts are never deleted, only marked resolved.
type SyncConflict struct {
	ID          string          `json:"id"`
	OperationID string          `json:"operation_id"`
	Target      string          `json:"target"`
	RecordID    string          `json:"record_id"`
	LocalData   json.RawMessage `json:"local_data,omitempty"`
	RemoteData  json.RawMessage `json:"remote_data,omitempty"`
	// RemoteVersion is the server-side version marker at detection time;
	// resolutions that push local data use it as the new base version.
	RemoteVersion int64        `json:"remote_version,omitempty"`
	Type          ConflictType `json:"type"`
	Fields        []string     `json:"fields,omitempty"`
	DetectedAt    time.Time    `json:"detected_at"`

	Resolved   bool                `json:"resolved"`
	Resolution *ConflictResolution `json:"resolution,omitempty"`
}

// ConflictResolution captures how a conflict was settled.
type ConflictResolution struct {
	Strategy     ConflictStrategy `json:"strategy"`
	ResolvedData json.RawMessage  `json:"resolved_data,omitempty"`
	ResolvedAt   time.Time        `json:"resolved_at"`
	ResolvedBy   string           `json:"resolved_by"`
}

// SyncStatus is the engine state machine position.
type SyncStatus string

const (
	StatusIdle     SyncStatus = "idle"
	StatusSyncing  SyncStatus = "syncing"
	StatusPaused   SyncStatus = "paused"
	StatusFailed   SyncStatus = "failed"
	StatusConflict SyncStatus = "conflict"
)

// validTransitions is the engine state machine. Transitions outside this
// map are programming errors and are refused.
var validTransitions = map[SyncStatus][]SyncStatus{
	StatusIdle:     {StatusSyncing},
	StatusSyncing:  {StatusPaused, StatusFailed, StatusConflict, StatusIdle},
	StatusPaused:   {StatusIdle, StatusSyncing},
	StatusFailed:   {StatusIdle},
	StatusConflict: {StatusIdle},
}

func canTransition(from, to SyncStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SyncProgress is the per-batch progress snapshot broadcast to listeners.
type SyncProgress struct {
	Status                 SyncStatus    `json:"status"`
	TotalOperations        int           `json:"total_operations"`
	CompletedOperations    int           `json:"completed_operations"`
	FailedOperations       int           `json:"failed_operations"`
	Percentage             float64       `json:"percentage"`
	BytesTransferred       int64         `json:"bytes_transferred"`
	EstimatedTimeRemaining time.Duration `json:"estimated_time_remaining"`
}

// RemoteRecord is the remote system's view of one record, with the
// version marker used for conflict detection.
type RemoteRecord struct {
	ID        string          `json:"id"`
	Target    string          `json:"target"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// RemoteExecutor is the capability the engine needs from the remote
// system: create/update/delete/query per target with version markers.
// Update and Delete must return *RemoteConflictError when baseVersion no
// longer matches the remote version.
type RemoteExecutor interface {
	Create(ctx context.Context, target string, payload json.RawMessage) (RemoteRecord, error)
	Update(ctx context.Context, target, recordID string, payload json.RawMessage, baseVersion int64) (RemoteRecord, error)
	Delete(ctx context.Context, target, recordID string, baseVersion int64) error
	Query(ctx context.Context, target string, params json.RawMessage) ([]RemoteRecord, error)
}

// MergeAction is what a MergeRule does with one field.
type MergeAction string

const (
	MergeTakeLocal  MergeAction = "take_local"
	MergeTakeRemote MergeAction = "take_remote"
	// MergeCombine deep-merges object values (remote base, local overlay)
	// and unions arrays.
	MergeCombine MergeAction = "merge"
	MergeCustom  MergeAction = "custom"
)

// MergeRule declares how one field merges during StrategyMerge
// resolution. Custom must be set when Action is MergeCustom; it receives
// both sides' field values (nil when absent) and returns the merged value.
type MergeRule struct {
	Field  string
	Action MergeAction
	Custom func(local, remote any) any
}

// OperationFilter selects queued operations by field equality. Nil fields
// match everything.
type OperationFilter struct {
	Kind     *OperationKind
	Target   *string
	Priority *Priority
}

func (f *OperationFilter) matches(op *OfflineOperation) bool {
	if f == nil {
		return true
	}
	if f.Kind != nil && op.Kind != *f.Kind {
		return false
	}
	if f.Target != nil && op.Target != *f.Target {
		return false
	}
	if f.Priority != nil && op.Priority != *f.Priority {
		return false
	}
	return true
}
