// Package recovery runs named remediation workflows when an operation's
// failure has exhausted its retry budget. Workflows are ordered step lists
// with optional rollback; the runner plugs into retrykit as its escalation
// target and can restore context backups taken before risky operations.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pavelkorolev/go-offsync/retrykit"
)

// ErrConditionNotMet ends a workflow early from a condition step. The
// remaining steps are skipped and the execution completes successfully.
var ErrConditionNotMet = errors.New("recovery: condition not met")

// StepType labels what a step does. The runner treats condition steps
// specially (early exit); the rest are semantic markers for operators
// reading execution records.
type StepType string

const (
	StepValidation   StepType = "validation"
	StepAction       StepType = "action"
	StepCondition    StepType = "condition"
	StepRollback     StepType = "rollback"
	StepNotification StepType = "notification"
	StepStateRestore StepType = "state_restore"
)

// StepFunc is the work a step performs. The execution record is shared
// between steps for passing intermediate values.
type StepFunc func(ctx context.Context, ex *Execution) error

// Step is one unit of a workflow.
type Step struct {
	ID       string
	Name     string
	Type     StepType
	Critical bool
	// Parallel steps run concurrently with adjacent parallel steps.
	Parallel bool
	Timeout  time.Duration
	Retry    *retrykit.Policy
	Do       StepFunc
	Rollback StepFunc
}

// Trigger decides whether a workflow applies to a failure. Any specified
// criterion matching selects the workflow; an empty trigger never fires.
// Cooldown suppresses re-firing for the same operation.
type Trigger struct {
	Categories []string
	Codes      []string
	Predicate  func(error) bool
	Cooldown   time.Duration
}

// Categorized is implemented by errors that belong to a broad failure
// class (connectivity, store, sync) on top of their specific code.
type Categorized interface {
	Category() string
}

// Matches reports whether err selects this trigger.
func (t Trigger) Matches(err error) bool {
	if err == nil {
		return false
	}
	if len(t.Codes) > 0 {
		code := retrykit.ErrorCode(err)
		for _, c := range t.Codes {
			if c == code {
				return true
			}
		}
	}
	if len(t.Categories) > 0 {
		var cat Categorized
		if errors.As(err, &cat) {
			category := cat.Category()
			for _, c := range t.Categories {
				if c == category {
					return true
				}
			}
		}
	}
	if t.Predicate != nil && t.Predicate(err) {
		return true
	}
	return false
}

// Workflow is an ordered remediation procedure.
type Workflow struct {
	ID                string
	Name              string
	Trigger           Trigger
	Steps             []Step
	RollbackOnFailure bool
}

// Status of a workflow execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StepStatus of a single step inside an execution.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records one step's outcome.
type StepResult struct {
	StepID    string
	Name      string
	Type      StepType
	Status    StepStatus
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// Execution is the live record of one workflow run. Steps may stash
// intermediate values through SetValue/Value; access is safe from parallel
// step groups.
type Execution struct {
	ID          string
	WorkflowID  string
	OperationID string
	Cause       error
	StartedAt   time.Time
	FinishedAt  time.Time

	Status            Status
	StepResults       []StepResult
	RollbackPerformed bool
	FinalErr          error

	mu     sync.Mutex
	values map[string]any
}

// SetValue stores a keyed intermediate value for later steps.
func (ex *Execution) SetValue(key string, value any) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.values == nil {
		ex.values = make(map[string]any)
	}
	ex.values[key] = value
}

// Value returns a previously stored intermediate value.
func (ex *Execution) Value(key string) (any, bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	v, ok := ex.values[key]
	return v, ok
}

// RollbackError marks the fatal case: a workflow failed and its rollback
// failed too, leaving state possibly inconsistent.
type RollbackError struct {
	StepID string
	Err    error
}

func (e *RollbackError) Error() string {
	return "rollback of step " + e.StepID + " failed: " + e.Err.Error()
}

func (e *RollbackError) Unwrap() error { return e.Err }

// Code implements retrykit.CodedError.
func (e *RollbackError) Code() string { return "rollback_failed" }
