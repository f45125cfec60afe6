// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package retrykit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Escalator receives operations the executor has given up on. The sync
// engine wires the recovery workflow runner here; escalation fires only
// for critical and important operations.
type Escalator interface {
	Escalate(ctx context.Context, op OperationContext, cause error)
}

// Executor runs operations under retry policies. It owns one circuit
// breaker per dependency name; breakers are created lazily from the first
// policy that names them and live for the executor's lifetime.
type Executor struct {
	logger    *slog.Logger
	escalator Escalator
	randFloat func() float64
	sleep     func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// ExecutorOption tweaks an Executor.
type ExecutorOption func(*Executor)

// WithEscalator wires the recovery hand-off target.
func WithEscalator(esc Escalator) ExecutorOption {
	return func(e *Executor) { e.escalator = esc }
}

// WithRand overrides the jitter source (tests pin it).
func WithRand(fn func() float64) ExecutorOption {
	return func(e *Executor) { e.randFloat = fn }
}

// WithSleep overrides the delay function (tests make it instant).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = fn }
}

func NewExecutor(logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		logger:    logger,
		randFloat: rand.Float64,
		sleep:     sleepWithContext,
		breakers:  make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Breaker returns the breaker guarding dependency, creating it from config
// on first use. Later calls ignore config changes; breakers keep their
// failure history for the executor's lifetime.
func (e *Executor) Breaker(dependency string, config BreakerConfig) *CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[dependency]
	if !ok {
		b = NewCircuitBreaker(dependency, config, e.logger)
		e.breakers[dependency] = b
	}
	return b
}

// BreakerStats snapshots the breaker for dependency, if one exists.
func (e *Executor) BreakerStats(dependency string) (BreakerStats, bool) {
	e.mu.Lock()
	b, ok := e.breakers[dependency]
	e.mu.Unlock()
	if !ok {
		return BreakerStats{}, false
	}
	return b.Stats(), true
}

// Do runs fn under policy. Attempt 1 runs immediately; each attempt is
// bounded by TimeoutPerAttempt when set. Terminal failures come back as
// *ExhaustionError wrapping the last attempt error, after any escalation
// hand-off. A short-circuited call reports ErrCircuitOpen in the chain
// without invoking fn.
func (e *Executor) Do(ctx context.Context, op OperationContext, policy Policy, fn func(ctx context.Context) error) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 || policy.Strategy == StrategyImmediate {
		maxAttempts = 1
	}

	var breaker *CircuitBreaker
	if policy.Breaker != nil && op.Dependency != "" {
		breaker = e.Breaker(op.Dependency, *policy.Breaker)
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return e.exhaust(ctx, op, ReasonCancelled, attempts, err)
		}

		if breaker != nil && !breaker.Allow() {
			err := fmt.Errorf("dependency %s: %w", op.Dependency, ErrCircuitOpen)
			return e.exhaust(ctx, op, ReasonMaxAttempts, attempts, err)
		}

		attempts++
		wasTimeout, err := e.attempt(ctx, policy, fn)
		if breaker != nil {
			if err != nil {
				breaker.RecordFailure()
			} else {
				breaker.RecordSuccess()
			}
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return e.exhaust(ctx, op, ReasonCancelled, attempts, lastErr)
		}
		if attempt >= maxAttempts || !policy.shouldRetry(err, wasTimeout) {
			reason := ReasonMaxAttempts
			if wasTimeout {
				reason = ReasonTimeout
			}
			return e.exhaust(ctx, op, reason, attempts, lastErr)
		}

		delay := policy.delay(attempt, e.randFloat)
		e.logger.Debug("retrying operation",
			"operation", op.ID, "attempt", attempt, "delay", delay, "error", err)
		if err := e.sleep(ctx, delay); err != nil {
			return e.exhaust(ctx, op, ReasonCancelled, attempts, lastErr)
		}
	}
	// Unreachable: the loop always returns.
	return e.exhaust(ctx, op, ReasonMaxAttempts, attempts, lastErr)
}

// attempt runs fn once under the per-attempt timeout and reports whether
// the failure was that timeout firing.
func (e *Executor) attempt(ctx context.Context, policy Policy, fn func(ctx context.Context) error) (bool, error) {
	attemptCtx := ctx
	cancel := func() {}
	if policy.TimeoutPerAttempt > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, policy.TimeoutPerAttempt)
	}
	err := fn(attemptCtx)
	timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	if err == nil && !timedOut {
		return false, nil
	}
	if err == nil {
		err = attemptCtx.Err()
	}
	return timedOut || errors.Is(err, context.DeadlineExceeded), err
}

func (e *Executor) exhaust(ctx context.Context, op OperationContext, reason Reason, attempts int, cause error) error {
	exErr := &ExhaustionError{Reason: reason, Attempts: attempts, Err: cause}
	e.logger.Warn("operation gave up",
		"operation", op.ID, "reason", string(reason), "attempts", attempts, "error", cause)

	if e.escalator != nil &&
		(op.Criticality == CriticalityCritical || op.Criticality == CriticalityImportant) {
		e.escalator.Escalate(ctx, op, exErr)
	}
	return exErr
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
