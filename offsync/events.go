// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"sync"
)

// StateListener receives offline-state recomputations.
type StateListener func(OfflineState)

// ProgressListener receives sync progress snapshots. Progress is
// high-frequency; a slow listener sees the latest snapshot, intermediate
// ones may be coalesced away.
type ProgressListener func(SyncProgress)

// ConflictListener receives detected conflicts. Conflict events are never
// dropped or coalesced.
type ConflictListener func(SyncConflict)

// Subscription is the unsubscribe token returned by the Add*Listener
// methods. Unsubscribe is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// subWorker delivers events to one listener from a dedicated goroutine,
// preserving per-listener ordering without ever blocking the publisher.
// With coalesce set, only the newest pending event survives.
type subWorker struct {
	deliver  func(any)
	coalesce bool

	mu    sync.Mutex
	queue []any

	wake     chan struct{}
	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
}

func newSubWorker(deliver func(any), coalesce bool) *subWorker {
	w := &subWorker{
		deliver:  deliver,
		coalesce: coalesce,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *subWorker) push(item any) {
	w.mu.Lock()
	if w.coalesce && len(w.queue) > 0 {
		w.queue[len(w.queue)-1] = item
	} else {
		w.queue = append(w.queue, item)
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *subWorker) loop() {
	defer close(w.finished)
	for {
		w.drain()
		select {
		case <-w.wake:
		case <-w.done:
			// Deliver whatever arrived between the last drain and stop.
			w.drain()
			return
		}
	}
}

func (w *subWorker) drain() {
	for {
		w.mu.Lock()
		items := w.queue
		w.queue = nil
		w.mu.Unlock()
		if len(items) == 0 {
			return
		}
		for _, item := range items {
			w.deliver(item)
		}
	}
}

// stop waits for pending deliveries to finish.
func (w *subWorker) stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.finished
}

// broadcaster is the listener registry shared by Manager and Engine.
// Each listener kind lives in its own keyed map; registering an id twice
// replaces the previous listener.
type broadcaster struct {
	mu        sync.Mutex
	closed    bool
	state     map[string]*subWorker
	progress  map[string]*subWorker
	conflicts map[string]*subWorker
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		state:     make(map[string]*subWorker),
		progress:  make(map[string]*subWorker),
		conflicts: make(map[string]*subWorker),
	}
}

func (b *broadcaster) addState(id string, fn StateListener) *Subscription {
	return b.add(b.state, id, newSubWorker(func(item any) { fn(item.(OfflineState)) }, false))
}

func (b *broadcaster) addProgress(id string, fn ProgressListener) *Subscription {
	return b.add(b.progress, id, newSubWorker(func(item any) { fn(item.(SyncProgress)) }, true))
}

func (b *broadcaster) addConflict(id string, fn ConflictListener) *Subscription {
	return b.add(b.conflicts, id, newSubWorker(func(item any) { fn(item.(SyncConflict)) }, false))
}

func (b *broadcaster) add(m map[string]*subWorker, id string, w *subWorker) *Subscription {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		w.stop()
		return &Subscription{cancel: func() {}}
	}
	old := m[id]
	m[id] = w
	b.mu.Unlock()

	if old != nil {
		go old.stop()
	}
	return &Subscription{cancel: func() { b.remove(m, id, w) }}
}

// remove detaches a listener. The worker is stopped asynchronously so a
// listener may unsubscribe itself from inside its own callback; it drains
// whatever was already queued and exits.
func (b *broadcaster) remove(m map[string]*subWorker, id string, w *subWorker) {
	b.mu.Lock()
	current, ok := m[id]
	if ok && (w == nil || current == w) {
		delete(m, id)
	} else {
		current = nil
	}
	b.mu.Unlock()
	if current != nil {
		go current.stop()
	}
}

func (b *broadcaster) removeState(id string)    { b.remove(b.state, id, nil) }
func (b *broadcaster) removeProgress(id string) { b.remove(b.progress, id, nil) }
func (b *broadcaster) removeConflict(id string) { b.remove(b.conflicts, id, nil) }

func (b *broadcaster) publishState(s OfflineState)    { b.publish(b.state, s) }
func (b *broadcaster) publishProgress(p SyncProgress) { b.publish(b.progress, p) }
func (b *broadcaster) publishConflict(c SyncConflict) { b.publish(b.conflicts, c) }

func (b *broadcaster) publish(m map[string]*subWorker, item any) {
	b.mu.Lock()
	workers := make([]*subWorker, 0, len(m))
	for _, w := range m {
		workers = append(workers, w)
	}
	b.mu.Unlock()

	for _, w := range workers {
		w.push(item)
	}
}

// pushTo delivers an event to a single just-registered listener (the
// immediate current-state delivery on AddListener).
func (b *broadcaster) pushTo(m map[string]*subWorker, id string, item any) {
	b.mu.Lock()
	w := m[id]
	b.mu.Unlock()
	if w != nil {
		w.push(item)
	}
}

// close stops every worker after draining pending events.
func (b *broadcaster) close() {
	b.mu.Lock()
	b.closed = true
	var workers []*subWorker
	for _, m := range []map[string]*subWorker{b.state, b.progress, b.conflicts} {
		for id, w := range m {
			workers = append(workers, w)
			delete(m, id)
		}
	}
	b.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}
