// Package retrykit executes fallible operations under a retry policy with
// optional circuit breaking. It is shared by the sync engine and by any
// caller that needs bounded retries: policies are immutable value configs
// attached to an operation class, breakers guard named dependencies.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package retrykit

import (
	"errors"
	"time"
)

// Strategy selects how the delay between attempts grows.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
	// StrategyImmediate runs the operation exactly once; retries are
	// disabled entirely.
	StrategyImmediate Strategy = "immediate"
)

// Condition gates whether a failed attempt is retried at all.
type Condition string

const (
	ConditionAlways          Condition = "always"
	ConditionOnError         Condition = "on_error"
	ConditionOnTimeout       Condition = "on_timeout"
	ConditionOnSpecificError Condition = "on_specific_error"
	ConditionNever           Condition = "never"
)

// Criticality ranks how much an operation matters to the caller. Critical
// and important operations are escalated to recovery when retries run out.
type Criticality string

const (
	CriticalityCritical  Criticality = "critical"
	CriticalityImportant Criticality = "important"
	CriticalityNormal    Criticality = "normal"
	CriticalityLow       Criticality = "low"
)

// OperationContext identifies the work being retried. Dependency names the
// protected downstream (breaker key); empty means no breaker applies.
type OperationContext struct {
	ID          string
	Dependency  string
	Criticality Criticality
}

// Policy is the immutable retry configuration for an operation class.
// Error matching uses stable string codes (see ErrorCode): SpecificErrors,
// when non-empty, is an allow-list; ExcludeErrors always wins.
type Policy struct {
	Strategy          Strategy
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
	TimeoutPerAttempt time.Duration
	Condition         Condition
	SpecificErrors    []string
	ExcludeErrors     []string
	Breaker           *BreakerConfig
}

// DefaultPolicy matches the engine's stock remote-call policy: exponential
// backoff from 1s capped at 30s, three attempts, jittered.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:          StrategyExponential,
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		Condition:         ConditionAlways,
	}
}

// delay computes the pause after the given 1-based failed attempt. Jitter
// multiplies by a uniform factor in [0.5, 1.5) before the MaxDelay cap, so
// the cap is a hard bound.
func (p Policy) delay(attempt int, randFloat func() float64) time.Duration {
	var d time.Duration
	switch p.Strategy {
	case StrategyFixed:
		d = p.InitialDelay
	case StrategyLinear:
		d = p.InitialDelay * time.Duration(attempt)
	case StrategyExponential:
		mult := p.BackoffMultiplier
		if mult <= 0 {
			mult = 2.0
		}
		f := float64(p.InitialDelay)
		for i := 1; i < attempt; i++ {
			f *= mult
			if time.Duration(f) > p.MaxDelay && p.MaxDelay > 0 {
				break
			}
		}
		d = time.Duration(f)
	case StrategyImmediate:
		return 0
	default:
		d = p.InitialDelay
	}

	if p.Jitter {
		d = time.Duration(float64(d) * (0.5 + randFloat()))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// shouldRetry applies Condition plus the allow/deny code lists to the
// failure of one attempt.
func (p Policy) shouldRetry(err error, wasTimeout bool) bool {
	code := ErrorCode(err)

	switch p.Condition {
	case ConditionNever:
		return false
	case ConditionOnTimeout:
		if !wasTimeout {
			return false
		}
	case ConditionOnSpecificError:
		if !containsCode(p.SpecificErrors, code) {
			return false
		}
	case ConditionAlways, ConditionOnError, "":
		// retryable so far
	default:
		return false
	}

	if containsCode(p.ExcludeErrors, code) {
		return false
	}
	if len(p.SpecificErrors) > 0 && !containsCode(p.SpecificErrors, code) {
		return false
	}
	return true
}

func containsCode(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// CodedError is implemented by errors that carry a stable string code.
// Policies match codes instead of error values so they stay serializable
// and free of package dependencies.
type CodedError interface {
	error
	Code() string
}

// ErrorCode extracts the first code found in err's chain, or "".
func ErrorCode(err error) string {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}
