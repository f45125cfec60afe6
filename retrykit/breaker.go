// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package retrykit

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit position.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "halfOpen"
	default:
		return "closed"
	}
}

// BreakerConfig shapes a circuit breaker guarding one dependency.
type BreakerConfig struct {
	// FailureThreshold failures inside MonitoringWindow trip the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before one trial call.
	Timeout time.Duration
	// MonitoringWindow bounds how long a closed-state failure stays
	// relevant; older failures age out.
	MonitoringWindow time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		MonitoringWindow: 2 * time.Minute,
	}
}

// BreakerStats is a point-in-time snapshot for observers.
type BreakerStats struct {
	State           BreakerState
	FailureCount    int
	SuccessCount    int
	LastFailureTime time.Time
	LastSuccessTime time.Time
	NextAttemptTime time.Time
}

// CircuitBreaker guards a single named dependency. Closed-state failures
// are counted within the monitoring window; a success clears the streak.
// Open short-circuits callers until Timeout elapses, then half-open admits
// one trial at a time until SuccessThreshold consecutive successes close
// the circuit, or one failure reopens it.
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu               sync.Mutex
	state            BreakerState
	failureTimes     []time.Time
	successes        int
	lastFailure      time.Time
	lastSuccess      time.Time
	nextAttempt      time.Time
	halfOpenInFlight bool
}

func NewCircuitBreaker(name string, config BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultBreakerConfig().Timeout
	}
	if config.MonitoringWindow <= 0 {
		config.MonitoringWindow = DefaultBreakerConfig().MonitoringWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed. In half-open it also claims
// the single trial slot; the caller must follow up with RecordSuccess or
// RecordFailure to release it.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Before(b.nextAttempt) {
			return false
		}
		b.transition(StateHalfOpen)
		b.halfOpenInFlight = true
		return true
	default: // StateHalfOpen
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	}
}

// RecordSuccess feeds one successful call into the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccess = b.now()
	switch b.state {
	case StateClosed:
		b.failureTimes = b.failureTimes[:0]
	case StateHalfOpen:
		b.halfOpenInFlight = false
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(StateClosed)
			b.failureTimes = nil
			b.successes = 0
		}
	}
}

// RecordFailure feeds one failed call into the breaker.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		b.failureTimes = append(b.failureTimes, now)
		b.pruneLocked(now)
		if len(b.failureTimes) >= b.config.FailureThreshold {
			b.trip(now)
		}
	case StateHalfOpen:
		b.halfOpenInFlight = false
		b.successes = 0
		b.failureTimes = append(b.failureTimes, now)
		b.trip(now)
	}
}

func (b *CircuitBreaker) trip(now time.Time) {
	b.transition(StateOpen)
	b.nextAttempt = now.Add(b.config.Timeout)
}

func (b *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.config.MonitoringWindow)
	kept := b.failureTimes[:0]
	for _, t := range b.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failureTimes = kept
}

func (b *CircuitBreaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	b.logger.Info("circuit breaker state change",
		"dependency", b.name, "from", b.state.String(), "to", to.String())
	b.state = to
}

// State returns the current circuit position. An elapsed open timeout
// only moves the circuit to half-open once Allow admits the trial call.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats snapshots the breaker for observers.
func (b *CircuitBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:           b.state,
		FailureCount:    len(b.failureTimes),
		SuccessCount:    b.successes,
		LastFailureTime: b.lastFailure,
		LastSuccessTime: b.lastSuccess,
		NextAttemptTime: b.nextAttempt,
	}
}
