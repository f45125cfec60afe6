// Package remotefake holds the in-process scripted remote shared by the
// sync tests and the simulator: an in-memory RemoteExecutor with
// optimistic version checks.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remotefake

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pavelkorolev/go-offsync/offsync"
)

// Remote is an in-memory RemoteExecutor with optimistic version checks.
// It journals every call so tests can assert execution order, and can be
// scripted to fail before touching state.
type Remote struct {
	mu       sync.Mutex
	rows     map[string]map[string]offsync.RemoteRecord
	calls    []string
	failures int
	failErr  error
	nextID   int
	now      func() time.Time
}

func NewRemote() *Remote {
	return &Remote{
		rows: make(map[string]map[string]offsync.RemoteRecord),
		now:  time.Now,
	}
}

// SetClock pins the timestamps stamped onto stored rows.
func (r *Remote) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Seed installs a server-side row as-is.
func (r *Remote) Seed(rec offsync.RemoteRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target(rec.Target)[rec.ID] = rec
}

// FailNext makes the next n calls fail with err before touching state.
func (r *Remote) FailNext(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = n
	r.failErr = err
}

// Calls returns the journal, entries like "update tasks/t1".
func (r *Remote) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// Record fetches a stored row, tombstones included.
func (r *Remote) Record(target, id string) (offsync.RemoteRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.target(target)[id]
	return rec, ok
}

func (r *Remote) Create(_ context.Context, target string, payload json.RawMessage) (offsync.RemoteRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.recordID(payload)
	r.log("create", target, id)
	if err := r.nextFailure(); err != nil {
		return offsync.RemoteRecord{}, err
	}
	rows := r.target(target)
	rec := offsync.RemoteRecord{ID: id, Target: target, Version: 1, Data: clone(payload), UpdatedAt: r.now()}
	if existing, ok := rows[id]; ok {
		if !existing.Deleted {
			return offsync.RemoteRecord{}, &offsync.RemoteConflictError{Remote: existing}
		}
		// recreating over a tombstone continues its version line
		rec.Version = existing.Version + 1
	}
	rows[id] = rec
	return rec, nil
}

func (r *Remote) Update(_ context.Context, target, recordID string, payload json.RawMessage, baseVersion int64) (offsync.RemoteRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("update", target, recordID)
	if err := r.nextFailure(); err != nil {
		return offsync.RemoteRecord{}, err
	}
	rows := r.target(target)
	existing, ok := rows[recordID]
	if !ok {
		tombstone := offsync.RemoteRecord{ID: recordID, Target: target, Deleted: true}
		return offsync.RemoteRecord{}, &offsync.RemoteConflictError{Remote: tombstone}
	}
	if existing.Deleted || existing.Version != baseVersion {
		return offsync.RemoteRecord{}, &offsync.RemoteConflictError{Remote: existing}
	}
	rec := offsync.RemoteRecord{ID: recordID, Target: target, Version: existing.Version + 1, Data: clone(payload), UpdatedAt: r.now()}
	rows[recordID] = rec
	return rec, nil
}

func (r *Remote) Delete(_ context.Context, target, recordID string, baseVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("delete", target, recordID)
	if err := r.nextFailure(); err != nil {
		return err
	}
	rows := r.target(target)
	existing, ok := rows[recordID]
	if !ok || existing.Deleted {
		return nil
	}
	if existing.Version != baseVersion {
		return &offsync.RemoteConflictError{Remote: existing}
	}
	existing.Deleted = true
	existing.Version++
	existing.Data = nil
	existing.UpdatedAt = r.now()
	rows[recordID] = existing
	return nil
}

func (r *Remote) Query(_ context.Context, target string, params json.RawMessage) ([]offsync.RemoteRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("query", target, "")
	if err := r.nextFailure(); err != nil {
		return nil, err
	}
	var filter struct {
		ID string `json:"id"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &filter)
	}
	var out []offsync.RemoteRecord
	for _, rec := range r.target(target) {
		if rec.Deleted {
			continue
		}
		if filter.ID != "" && rec.ID != filter.ID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Remote) target(name string) map[string]offsync.RemoteRecord {
	rows, ok := r.rows[name]
	if !ok {
		rows = make(map[string]offsync.RemoteRecord)
		r.rows[name] = rows
	}
	return rows
}

func (r *Remote) log(kind, target, id string) {
	entry := kind + " " + target
	if id != "" {
		entry += "/" + id
	}
	r.calls = append(r.calls, entry)
}

func (r *Remote) nextFailure() error {
	if r.failures > 0 {
		r.failures--
		return r.failErr
	}
	return nil
}

func (r *Remote) recordID(payload json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if len(payload) > 0 && json.Unmarshal(payload, &probe) == nil && probe.ID != "" {
		return probe.ID
	}
	r.nextID++
	return fmt.Sprintf("rec-%d", r.nextID)
}

func clone(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
