// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package retrykit

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when a breaker short-circuits a call without
// invoking the underlying action.
var ErrCircuitOpen = errors.New("retrykit: circuit breaker is open")

// Reason classifies why the executor gave up on an operation.
type Reason string

const (
	ReasonMaxAttempts Reason = "MAX_ATTEMPTS_EXCEEDED"
	ReasonTimeout     Reason = "TIMEOUT"
	ReasonCancelled   Reason = "CANCELLED"
)

// ExhaustionError is the terminal failure the executor reports once no
// further attempts will be made. It wraps the last attempt error so callers
// can keep classifying with errors.Is/As.
type ExhaustionError struct {
	Reason   Reason
	Attempts int
	Err      error
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("retry exhausted (%s) after %d attempts: %v", e.Reason, e.Attempts, e.Err)
}

func (e *ExhaustionError) Unwrap() error { return e.Err }

// Code implements CodedError so exhaustion itself can be matched by outer
// policies.
func (e *ExhaustionError) Code() string { return string(e.Reason) }
