// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
)

// cacheKeyForRecord is the cache key convention for synced records.
func cacheKeyForRecord(target, recordID string) string {
	return target + "/" + recordID
}

// newConflict classifies the divergence between a pending operation and
// the current remote row.
func newConflict(op *OfflineOperation, remote RemoteRecord, now time.Time) *SyncConflict {
	c := &SyncConflict{
		ID:            uuid.NewString(),
		OperationID:   op.ID,
		Target:        op.Target,
		RecordID:      op.recordID(),
		LocalData:     op.Payload,
		RemoteData:    remote.Data,
		RemoteVersion: remote.Version,
		DetectedAt:    now,
	}
	if remote.Deleted {
		c.Type = ConflictConcurrentDelete
		c.RemoteData = nil
		return c
	}
	c.Fields = diffFields(op.Payload, remote.Data)
	if len(c.Fields) > 0 {
		c.Type = ConflictField
	} else {
		c.Type = ConflictRecord
	}
	return c
}

// resolutionAction is what the engine does after planning a resolution.
type resolutionAction int

const (
	actionTakeRemote resolutionAction = iota
	actionRepush
	actionPark
)

// resolutionPlan is a planned conflict settlement: accept the remote
// row, re-push local content on top of it, or park for the user.
type resolutionPlan struct {
	action resolutionAction
	kind   OperationKind
	data   json.RawMessage
}

// planResolution decides how a conflict settles under the given
// strategy. Ambiguous cases (merge failures, deletes against changed
// rows) degrade to user intervention rather than guessing.
func planResolution(op *OfflineOperation, remote RemoteRecord, strategy ConflictStrategy, cfg Config, rules []MergeRule) resolutionPlan {
	switch strategy {
	case StrategyServerAuthority:
		return resolutionPlan{action: actionTakeRemote}

	case StrategyUserIntervention:
		return resolutionPlan{action: actionPark}

	case StrategyMerge:
		if remote.Deleted {
			if op.Kind == OpDelete {
				// both sides deleted; they agree
				return resolutionPlan{action: actionTakeRemote}
			}
			return resolutionPlan{action: actionRepush, kind: OpCreate, data: op.Payload}
		}
		if op.Kind == OpDelete {
			return resolutionPlan{action: actionPark}
		}
		merged, err := mergePayloads(op.Payload, remote.Data, rules)
		if err != nil {
			return resolutionPlan{action: actionPark}
		}
		return resolutionPlan{action: actionRepush, kind: OpUpdate, data: merged}

	case StrategyLastWriteWins:
		localTS, ok := payloadTime(op.Payload, cfg.LWWTimestampField)
		if !ok {
			localTS = op.EnqueuedAt
		}
		remoteTS, ok := payloadTime(remote.Data, cfg.LWWTimestampField)
		if !ok {
			remoteTS = remote.UpdatedAt
		}
		// ties go to the remote
		if !localTS.After(remoteTS) {
			return resolutionPlan{action: actionTakeRemote}
		}
		if remote.Deleted {
			if op.Kind == OpDelete {
				return resolutionPlan{action: actionTakeRemote}
			}
			return resolutionPlan{action: actionRepush, kind: OpCreate, data: op.Payload}
		}
		if op.Kind == OpDelete {
			return resolutionPlan{action: actionRepush, kind: OpDelete}
		}
		return resolutionPlan{action: actionRepush, kind: OpUpdate, data: op.Payload}

	default:
		return resolutionPlan{action: actionPark}
	}
}

// payloadTime extracts the named timestamp field from a JSON object.
// RFC 3339 strings and unix epochs are accepted; bare numbers at or
// above 1e12 are read as milliseconds.
func payloadTime(raw json.RawMessage, field string) (time.Time, bool) {
	if len(raw) == 0 || field == "" {
		return time.Time{}, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return time.Time{}, false
	}
	val, ok := obj[field]
	if !ok {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(val, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	var n float64
	if err := json.Unmarshal(val, &n); err == nil && n > 0 {
		if n >= 1e12 {
			return time.UnixMilli(int64(n)), true
		}
		return time.Unix(int64(n), 0), true
	}
	return time.Time{}, false
}

// diffFields lists the local payload's top-level fields whose remote
// values differ, sorted. Non-object payloads yield nil.
func diffFields(local, remote json.RawMessage) []string {
	var lm, rm map[string]any
	if json.Unmarshal(local, &lm) != nil || json.Unmarshal(remote, &rm) != nil {
		return nil
	}
	var fields []string
	for k, lv := range lm {
		rv, ok := rm[k]
		if !ok || !reflect.DeepEqual(lv, rv) {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return fields
}

// mergePayloads combines local and remote JSON objects: remote is the
// base, fields only the local side has are overlaid, and declared rules
// override per field.
func mergePayloads(local, remote json.RawMessage, rules []MergeRule) (json.RawMessage, error) {
	var lm, rm map[string]any
	if err := json.Unmarshal(local, &lm); err != nil {
		return nil, fmt.Errorf("local payload is not a JSON object: %w", err)
	}
	if err := json.Unmarshal(remote, &rm); err != nil {
		return nil, fmt.Errorf("remote data is not a JSON object: %w", err)
	}
	out := make(map[string]any, len(rm)+len(lm))
	for k, v := range rm {
		out[k] = v
	}
	for k, v := range lm {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	for _, rule := range rules {
		lv, lok := lm[rule.Field]
		rv, rok := rm[rule.Field]
		if !lok && !rok {
			continue
		}
		switch rule.Action {
		case MergeTakeLocal:
			if lok {
				out[rule.Field] = lv
			} else {
				delete(out, rule.Field)
			}
		case MergeTakeRemote:
			if rok {
				out[rule.Field] = rv
			} else {
				delete(out, rule.Field)
			}
		case MergeCombine:
			out[rule.Field] = combineValues(lv, rv)
		case MergeCustom:
			if rule.Custom == nil {
				return nil, fmt.Errorf("merge rule for %q has no custom function", rule.Field)
			}
			if v := rule.Custom(lv, rv); v != nil {
				out[rule.Field] = v
			} else {
				delete(out, rule.Field)
			}
		default:
			return nil, fmt.Errorf("unknown merge action %q for field %q", rule.Action, rule.Field)
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize merged payload: %w", err)
	}
	return raw, nil
}

// combineValues deep-merges objects (remote base, local overlay), unions
// arrays, and otherwise prefers the local side when present.
func combineValues(local, remote any) any {
	lm, lok := local.(map[string]any)
	rm, rok := remote.(map[string]any)
	if lok && rok {
		out := make(map[string]any, len(rm)+len(lm))
		for k, v := range rm {
			out[k] = v
		}
		for k, lv := range lm {
			if rv, ok := out[k]; ok {
				out[k] = combineValues(lv, rv)
			} else {
				out[k] = lv
			}
		}
		return out
	}
	la, laok := local.([]any)
	ra, raok := remote.([]any)
	if laok && raok {
		out := append([]any{}, ra...)
		for _, item := range la {
			found := false
			for _, existing := range ra {
				if reflect.DeepEqual(item, existing) {
					found = true
					break
				}
			}
			if !found {
				out = append(out, item)
			}
		}
		return out
	}
	if local != nil {
		return local
	}
	return remote
}

// PendingConflicts returns unresolved conflicts in detection order.
func (m *Manager) PendingConflicts() []SyncConflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SyncConflict
	for _, c := range m.conflictsSortedLocked() {
		if !c.Resolved {
			out = append(out, *c)
		}
	}
	return out
}

// Conflict returns one recorded conflict by id, resolved or not.
func (m *Manager) Conflict(id string) (SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok {
		return SyncConflict{}, ErrNotFound
	}
	return *c, nil
}

// ResolveConflict settles a parked conflict by hand. It never touches
// the network, so it works while offline: accepting the remote side
// updates the cache and drops the pending operation, while keeping local
// or custom data rewrites the operation to push on the next sync.
//
// An empty ResolvedData means "accept the remote side", except when the
// conflicted operation is a delete, where it means "re-apply my delete".
// StrategyServerAuthority always accepts the remote side.
func (m *Manager) ResolveConflict(ctx context.Context, id string, res ConflictResolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	c, ok := m.conflicts[id]
	if !ok {
		return ErrNotFound
	}
	if c.Resolved {
		return fmt.Errorf("conflict %s is already resolved", id)
	}

	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = m.now()
	}
	if res.ResolvedBy == "" {
		res.ResolvedBy = "user"
	}
	if res.Strategy == "" {
		res.Strategy = StrategyUserIntervention
	}

	op, queued := m.queue.get(c.OperationID)
	localDelete := queued && op.Kind == OpDelete

	takeRemote := res.Strategy == StrategyServerAuthority ||
		(len(res.ResolvedData) == 0 && !localDelete)

	recordKey := cacheKeyForRecord(c.Target, c.RecordID)
	if takeRemote {
		res.ResolvedData = c.RemoteData
		if c.Type == ConflictConcurrentDelete || len(c.RemoteData) == 0 {
			m.removeCachedLocked(ctx, recordKey)
		} else {
			m.putCacheLocked(ctx, recordKey, c.RemoteData)
		}
		if queued {
			m.queue.remove(op.ID)
		}
	} else if localDelete && len(res.ResolvedData) == 0 {
		op.BaseVersion = c.RemoteVersion
		op.RetryCount = 0
		m.queue.unpark(op.ID)
		m.removeCachedLocked(ctx, recordKey)
	} else {
		kind := OpUpdate
		if c.Type == ConflictConcurrentDelete {
			// remote row is gone; pushing means recreating it
			kind = OpCreate
		}
		if queued {
			if op.RecordID == "" {
				op.RecordID = c.RecordID
			}
			op.Kind = kind
			op.Payload = res.ResolvedData
			op.BaseVersion = c.RemoteVersion
			op.RetryCount = 0
			m.queue.unpark(op.ID)
		} else {
			replacement := &OfflineOperation{
				ID:             uuid.NewString(),
				Kind:           kind,
				Target:         c.Target,
				RecordID:       c.RecordID,
				Payload:        res.ResolvedData,
				BaseVersion:    c.RemoteVersion,
				EnqueuedAt:     m.now(),
				Priority:       PriorityHigh,
				ConflictPolicy: StrategyUserIntervention,
			}
			m.queue.add(replacement)
		}
		m.putCacheLocked(ctx, recordKey, res.ResolvedData)
	}

	c.Resolved = true
	c.Resolution = &res
	m.persistQueueLocked(ctx)
	m.persistConflictsLocked(ctx)
	metricConflictResolutions.WithLabelValues(string(res.Strategy)).Inc()
	m.logger.Info("conflict resolved",
		"conflict", id, "op", c.OperationID, "strategy", res.Strategy, "take_remote", takeRemote)
	m.notifyStateLocked()
	return nil
}

// applyRemoteRecord reflects a pulled or conflict-winning remote record
// in the cache.
func (m *Manager) applyRemoteRecord(ctx context.Context, rec RemoteRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cacheKeyForRecord(rec.Target, rec.ID)
	if rec.Deleted || len(rec.Data) == 0 {
		m.removeCachedLocked(ctx, key)
	} else {
		m.putCacheLocked(ctx, key, rec.Data)
	}
	m.notifyStateLocked()
}

// rewriteOperation replaces an operation's payload, kind and base
// version after a resolution decided to re-push, resetting retries so
// the new content gets a full attempt budget.
func (m *Manager) rewriteOperation(ctx context.Context, id string, kind OperationKind, payload json.RawMessage, baseVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.queue.get(id)
	if !ok {
		return ErrNotFound
	}
	if op.RecordID == "" {
		// keep the identity even when it only lived in the old payload
		op.RecordID = op.recordID()
	}
	if kind != "" {
		op.Kind = kind
	}
	op.Payload = payload
	op.BaseVersion = baseVersion
	op.RetryCount = 0
	m.queue.unpark(id)
	m.persistQueueLocked(ctx)
	return nil
}

// putCacheLocked stores a cache entry write-through under the default
// ttl, best-effort: a failed store write keeps the in-memory copy.
func (m *Manager) putCacheLocked(ctx context.Context, key string, value json.RawMessage) {
	now := m.now()
	entry := CacheEntry{Key: key, Value: value, CreatedAt: now}
	if m.cfg.DefaultTTL > 0 {
		expires := now.Add(m.cfg.DefaultTTL)
		entry.ExpiresAt = &expires
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		m.logger.Warn("failed to serialize cache entry", "key", key, "error", err)
		return
	}
	if err := m.store.Set(ctx, cacheKeyPrefix+key, raw); err != nil {
		m.logger.Warn("cache write-through failed", "key", key, "error", err)
	}
	m.cache.put(entry)
}

func (m *Manager) removeCachedLocked(ctx context.Context, key string) {
	m.cache.deleteKey(key)
	if err := m.store.Remove(ctx, cacheKeyPrefix+key); err != nil {
		m.logger.Warn("failed to remove cache entry", "key", key, "error", err)
	}
}
