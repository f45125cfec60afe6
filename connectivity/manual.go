// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Manual is a Monitor fed by the host instead of probing. Mobile shells
// bridge their platform reachability callbacks into Set; tests flip
// SetOnline to script connectivity.
type Manual struct {
	mu        sync.Mutex
	state     NetworkState
	listeners map[string]Listener
	now       func() time.Time
}

func NewManual() *Manual {
	return &Manual{
		state:     NetworkState{Type: TypeUnknown},
		listeners: make(map[string]Listener),
		now:       time.Now,
	}
}

func (m *Manual) Current() NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Refresh returns the host-supplied state; there is nothing to probe.
func (m *Manual) Refresh(ctx context.Context) (NetworkState, error) {
	if err := ctx.Err(); err != nil {
		return m.Current(), err
	}
	return m.Current(), nil
}

// Set publishes a full state snapshot.
func (m *Manual) Set(state NetworkState) {
	if state.CheckedAt.IsZero() {
		state.CheckedAt = m.now()
	}

	m.mu.Lock()
	prev := m.state
	m.state = state
	var fns []Listener
	if prev.Online() != state.Online() || prev.Quality != state.Quality || prev.Type != state.Type {
		ids := make([]string, 0, len(m.listeners))
		for id := range m.listeners {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fns = append(fns, m.listeners[id])
		}
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

// SetOnline is a shorthand for scripting plain online/offline flips.
func (m *Manual) SetOnline(online bool) {
	state := NetworkState{
		Connected:         online,
		InternetReachable: online,
		Type:              TypeWifi,
		Quality:           QualityGood,
		CheckedAt:         m.now(),
	}
	if !online {
		state.Type = TypeNone
		state.Quality = QualityUnknown
	}
	m.Set(state)
}

func (m *Manual) AddListener(id string, fn Listener) {
	m.mu.Lock()
	m.listeners[id] = fn
	m.mu.Unlock()
}

func (m *Manual) RemoveListener(id string) {
	m.mu.Lock()
	delete(m.listeners, id)
	m.mu.Unlock()
}
