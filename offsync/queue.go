// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// opQueue is the in-memory pending-operation DAG. The manager serializes
// access; the queue carries no lock.
//
// A dependency is satisfied as soon as the operation it names is no
// longer queued: completions and skips remove the entry, and permanent
// failures cascade-remove every transitive dependent before it could
// run. Presence in the queue is therefore the only blocking condition,
// and it survives restarts because the snapshot is the queue.
type opQueue struct {
	ops      map[string]*OfflineOperation
	inFlight map[string]struct{}
	parked   map[string]struct{}
	nextSeq  int64
}

func newOpQueue() *opQueue {
	return &opQueue{
		ops:      make(map[string]*OfflineOperation),
		inFlight: make(map[string]struct{}),
		parked:   make(map[string]struct{}),
		nextSeq:  1,
	}
}

func (q *opQueue) add(op *OfflineOperation) {
	op.Seq = q.nextSeq
	q.nextSeq++
	q.ops[op.ID] = op
}

func (q *opQueue) get(id string) (*OfflineOperation, bool) {
	op, ok := q.ops[id]
	return op, ok
}

func (q *opQueue) remove(id string) bool {
	if _, ok := q.ops[id]; !ok {
		return false
	}
	delete(q.ops, id)
	delete(q.inFlight, id)
	delete(q.parked, id)
	return true
}

func (q *opQueue) len() int { return len(q.ops) }

// list returns filtered copies sorted in execution order.
func (q *opQueue) list(filter *OperationFilter) []OfflineOperation {
	var out []OfflineOperation
	for _, op := range q.sorted() {
		if filter.matches(op) {
			out = append(out, *op)
		}
	}
	return out
}

// sorted returns all operations in execution order: priority first, then
// enqueue time, then arrival sequence.
func (q *opQueue) sorted() []*OfflineOperation {
	ops := make([]*OfflineOperation, 0, len(q.ops))
	for _, op := range q.ops {
		ops = append(ops, op)
	}
	sort.SliceStable(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if ra, rb := a.Priority.rank(), b.Priority.rank(); ra != rb {
			return ra < rb
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.Seq < b.Seq
	})
	return ops
}

// eligible returns operations whose dependencies are all satisfied, that
// are not claimed or parked behind a conflict, and whose auth requirement
// is met.
func (q *opQueue) eligible(authed bool) []*OfflineOperation {
	var out []*OfflineOperation
	for _, op := range q.sorted() {
		if _, claimed := q.inFlight[op.ID]; claimed {
			continue
		}
		if _, blocked := q.parked[op.ID]; blocked {
			continue
		}
		if op.RequiresAuth && !authed {
			continue
		}
		if !q.depsSatisfied(op) {
			continue
		}
		out = append(out, op)
	}
	return out
}

func (q *opQueue) depsSatisfied(op *OfflineOperation) bool {
	for _, dep := range op.DependsOn {
		if _, pending := q.ops[dep]; pending {
			return false
		}
	}
	return true
}

func (q *opQueue) markInFlight(id string)  { q.inFlight[id] = struct{}{} }
func (q *opQueue) clearInFlight(id string) { delete(q.inFlight, id) }

func (q *opQueue) isInFlight(id string) bool {
	_, ok := q.inFlight[id]
	return ok
}

// park blocks an operation from claiming until a conflict on it is
// resolved. Parked operations stay queued so dependents stay blocked too.
func (q *opQueue) park(id string) {
	if _, ok := q.ops[id]; ok {
		q.parked[id] = struct{}{}
		delete(q.inFlight, id)
	}
}

func (q *opQueue) unpark(id string) { delete(q.parked, id) }

// dropCascade permanently removes an operation together with every
// operation that transitively depends on it, since those must never run
// once their dependency is known to have failed. Returns all removed
// ids, the root first.
func (q *opQueue) dropCascade(id string) []string {
	if _, ok := q.ops[id]; !ok {
		return nil
	}
	removed := []string{id}
	q.remove(id)
	for {
		var orphans []string
		for _, op := range q.ops {
			for _, dep := range op.DependsOn {
				if containsID(removed, dep) {
					orphans = append(orphans, op.ID)
					break
				}
			}
		}
		if len(orphans) == 0 {
			break
		}
		for _, orphan := range orphans {
			q.remove(orphan)
			removed = append(removed, orphan)
		}
	}
	return removed
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func (q *opQueue) bumpRetry(id string) {
	if op, ok := q.ops[id]; ok {
		op.RetryCount++
	}
}

// queueSnapshot is the persisted queue layout (one durable-store entry).
type queueSnapshot struct {
	Ops     []*OfflineOperation `json:"ops"`
	Parked  []string            `json:"parked,omitempty"`
	NextSeq int64               `json:"next_seq"`
	SavedAt time.Time           `json:"saved_at"`
}

func (q *opQueue) snapshot(now time.Time) ([]byte, error) {
	snap := queueSnapshot{
		Ops:     q.sorted(),
		NextSeq: q.nextSeq,
		SavedAt: now,
	}
	if len(q.parked) > 0 {
		parked := make([]string, 0, len(q.parked))
		for id := range q.parked {
			parked = append(parked, id)
		}
		sort.Strings(parked)
		snap.Parked = parked
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize queue: %w", err)
	}
	return raw, nil
}

// loadSnapshot replaces the queue contents from a persisted snapshot.
// In-flight claims are process-local and start empty.
func (q *opQueue) loadSnapshot(raw []byte) error {
	var snap queueSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("failed to parse queue snapshot: %w", err)
	}
	q.ops = make(map[string]*OfflineOperation, len(snap.Ops))
	q.inFlight = make(map[string]struct{})
	q.parked = make(map[string]struct{})
	for _, op := range snap.Ops {
		if op == nil || op.ID == "" {
			continue
		}
		q.ops[op.ID] = op
	}
	for _, id := range snap.Parked {
		if _, ok := q.ops[id]; ok {
			q.parked[id] = struct{}{}
		}
	}
	q.nextSeq = snap.NextSeq
	if q.nextSeq < 1 {
		q.nextSeq = 1
	}
	return nil
}
