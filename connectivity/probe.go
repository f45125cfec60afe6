// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Prober validates connectivity by issuing HEAD requests against one or
// more endpoints. The first endpoint that answers determines reachability
// and latency. A nil logger falls back to slog.Default().
type Prober struct {
	endpoints []string
	client    *http.Client
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	state     NetworkState
	listeners map[string]Listener
}

// ProberOption tweaks a Prober.
type ProberOption func(*Prober)

// WithHTTPClient replaces the probe transport (tests inject fakes here).
func WithHTTPClient(client *http.Client) ProberOption {
	return func(p *Prober) { p.client = client }
}

// WithInterval sets the background probe cadence used by Run.
func WithInterval(interval time.Duration) ProberOption {
	return func(p *Prober) { p.interval = interval }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ProberOption {
	return func(p *Prober) { p.now = now }
}

func NewProber(endpoints []string, logger *slog.Logger, opts ...ProberOption) (*Prober, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("prober requires at least one endpoint")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prober{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 5 * time.Second},
		interval:  30 * time.Second,
		logger:    logger,
		now:       time.Now,
		state:     NetworkState{Type: TypeUnknown},
		listeners: make(map[string]Listener),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Prober) Current() NetworkState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Refresh probes the endpoints in order and publishes the resulting state.
// Probe failures are not errors: an unreachable network yields an offline
// state and a nil error. The error return is reserved for ctx cancellation.
func (p *Prober) Refresh(ctx context.Context) (NetworkState, error) {
	state := NetworkState{
		Connected: true,
		Type:      TypeUnknown,
		CheckedAt: p.now(),
	}

	for _, endpoint := range p.endpoints {
		if err := ctx.Err(); err != nil {
			return p.Current(), err
		}
		latency, err := p.probe(ctx, endpoint)
		if err != nil {
			p.logger.Debug("connectivity probe failed", "endpoint", endpoint, "error", err)
			continue
		}
		state.InternetReachable = true
		state.Latency = latency
		state.Quality = qualityForLatency(latency)
		break
	}
	if !state.InternetReachable {
		state.Connected = false
		state.Type = TypeNone
		state.Quality = QualityUnknown
	}

	p.publish(state)
	return state, nil
}

func (p *Prober) probe(ctx context.Context, endpoint string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build probe request: %w", err)
	}
	start := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("probe endpoint returned %d", resp.StatusCode)
	}
	return p.now().Sub(start), nil
}

// Run probes at the configured interval until ctx is cancelled. Callers
// launch it in a goroutine, the same way sync loops run.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Refresh(ctx); err != nil {
				return
			}
		}
	}
}

func (p *Prober) AddListener(id string, fn Listener) {
	p.mu.Lock()
	p.listeners[id] = fn
	p.mu.Unlock()
}

func (p *Prober) RemoveListener(id string) {
	p.mu.Lock()
	delete(p.listeners, id)
	p.mu.Unlock()
}

func (p *Prober) publish(state NetworkState) {
	p.mu.Lock()
	prev := p.state
	p.state = state
	var fns []Listener
	if prev.Online() != state.Online() || prev.Quality != state.Quality {
		ids := make([]string, 0, len(p.listeners))
		for id := range p.listeners {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fns = append(fns, p.listeners[id])
		}
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}
