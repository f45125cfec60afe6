// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelkorolev/go-offsync/retrykit"
)

const historyLimit = 50

// Runner selects and executes recovery workflows. It implements
// retrykit.Escalator so an executor can hand exhausted operations straight
// to it. Step-level retries go through a private executor with no
// escalation target, so a failing step cannot re-enter the runner.
type Runner struct {
	logger   *slog.Logger
	stepExec *retrykit.Executor
	backups  *BackupStore
	restore  RestoreFunc
	now      func() time.Time

	mu        sync.Mutex
	workflows []*Workflow
	history   []*Execution
	lastFired map[string]time.Time
}

// RunnerOption tweaks a Runner.
type RunnerOption func(*Runner)

// WithRestore wires the host-side context restore hook used after
// rollback.
func WithRestore(fn RestoreFunc) RunnerOption {
	return func(r *Runner) { r.restore = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner. backups may be nil when context restore is
// not used.
func NewRunner(backups *BackupStore, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		logger:    logger,
		stepExec:  retrykit.NewExecutor(logger),
		backups:   backups,
		now:       time.Now,
		lastFired: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a workflow. Workflow and step ids must be present and
// unique; every step needs a Do func.
func (r *Runner) Register(wf *Workflow) error {
	if wf.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	seen := make(map[string]struct{}, len(wf.Steps))
	for _, step := range wf.Steps {
		if step.ID == "" {
			return fmt.Errorf("workflow %s: step id is required", wf.ID)
		}
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("workflow %s: duplicate step id %s", wf.ID, step.ID)
		}
		seen[step.ID] = struct{}{}
		if step.Do == nil {
			return fmt.Errorf("workflow %s: step %s has no action", wf.ID, step.ID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.workflows {
		if existing.ID == wf.ID {
			return fmt.Errorf("workflow %s already registered", wf.ID)
		}
	}
	r.workflows = append(r.workflows, wf)
	return nil
}

// Escalate implements retrykit.Escalator: the first registered workflow
// whose trigger matches cause (and whose cooldown has passed for this
// operation) runs synchronously.
func (r *Runner) Escalate(ctx context.Context, op retrykit.OperationContext, cause error) {
	wf := r.selectWorkflow(op, cause)
	if wf == nil {
		r.logger.Debug("no recovery workflow matched", "operation", op.ID, "error", cause)
		return
	}
	r.execute(ctx, wf, op, cause)
}

// Run executes a registered workflow by id, bypassing trigger matching.
func (r *Runner) Run(ctx context.Context, workflowID string, op retrykit.OperationContext, cause error) (*Execution, error) {
	r.mu.Lock()
	var wf *Workflow
	for _, candidate := range r.workflows {
		if candidate.ID == workflowID {
			wf = candidate
			break
		}
	}
	r.mu.Unlock()
	if wf == nil {
		return nil, fmt.Errorf("workflow %s is not registered", workflowID)
	}
	return r.execute(ctx, wf, op, cause), nil
}

// Executions returns a snapshot of recent executions, newest last.
func (r *Runner) Executions() []*Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Execution, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Runner) selectWorkflow(op retrykit.OperationContext, cause error) *Workflow {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, wf := range r.workflows {
		if !wf.Trigger.Matches(cause) {
			continue
		}
		if wf.Trigger.Cooldown > 0 {
			key := wf.ID + "|" + op.ID
			if fired, ok := r.lastFired[key]; ok && now.Sub(fired) < wf.Trigger.Cooldown {
				continue
			}
			r.lastFired[key] = now
		}
		return wf
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, wf *Workflow, op retrykit.OperationContext, cause error) *Execution {
	ex := &Execution{
		ID:          uuid.New().String(),
		WorkflowID:  wf.ID,
		OperationID: op.ID,
		Cause:       cause,
		StartedAt:   r.now(),
		Status:      StatusRunning,
	}
	r.record(ex)
	r.logger.Info("recovery workflow started",
		"workflow", wf.ID, "operation", op.ID, "cause", cause)

	var completed []Step
	finish := func(status Status) *Execution {
		ex.Status = status
		ex.FinishedAt = r.now()
		r.logger.Info("recovery workflow finished",
			"workflow", wf.ID, "operation", op.ID, "status", string(status),
			"rollback", ex.RollbackPerformed)
		return ex
	}

	i := 0
	for i < len(wf.Steps) {
		group := wf.Steps[i : i+1]
		if wf.Steps[i].Parallel {
			j := i + 1
			for j < len(wf.Steps) && wf.Steps[j].Parallel {
				j++
			}
			group = wf.Steps[i:j]
			i = j
		} else {
			i++
		}

		results := r.runGroup(ctx, group, ex)
		ex.StepResults = append(ex.StepResults, results...)

		if ctx.Err() != nil {
			r.skipRemaining(ex, wf.Steps[i:])
			return finish(StatusCancelled)
		}

		var criticalErr error
		conditionStop := false
		for k, res := range results {
			switch {
			case res.Status == StepCompleted && errors.Is(res.Err, ErrConditionNotMet):
				conditionStop = true
			case res.Status == StepCompleted:
				completed = append(completed, group[k])
			case res.Status == StepFailed && group[k].Critical && criticalErr == nil:
				criticalErr = res.Err
			}
		}

		if criticalErr != nil {
			r.skipRemaining(ex, wf.Steps[i:])
			ex.FinalErr = criticalErr
			if wf.RollbackOnFailure {
				r.rollback(ctx, completed, ex, op)
			}
			return finish(StatusFailed)
		}
		if conditionStop {
			r.skipRemaining(ex, wf.Steps[i:])
			return finish(StatusCompleted)
		}
	}
	return finish(StatusCompleted)
}

func (r *Runner) runGroup(ctx context.Context, group []Step, ex *Execution) []StepResult {
	results := make([]StepResult, len(group))
	if len(group) == 1 {
		results[0] = r.runStep(ctx, group[0], ex)
		return results
	}

	var wg sync.WaitGroup
	for idx := range group {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = r.runStep(ctx, group[idx], ex)
		}(idx)
	}
	wg.Wait()
	return results
}

func (r *Runner) runStep(ctx context.Context, step Step, ex *Execution) StepResult {
	res := StepResult{
		StepID:    step.ID,
		Name:      step.Name,
		Type:      step.Type,
		StartedAt: r.now(),
	}

	stepCtx := ctx
	cancel := func() {}
	if step.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
	}
	defer cancel()

	fn := func(c context.Context) error { return step.Do(c, ex) }
	var err error
	if step.Retry != nil {
		err = r.stepExec.Do(stepCtx, retrykit.OperationContext{ID: ex.WorkflowID + ":" + step.ID}, *step.Retry, fn)
	} else {
		err = fn(stepCtx)
	}
	res.Duration = r.now().Sub(res.StartedAt)

	switch {
	case err == nil:
		res.Status = StepCompleted
	case step.Type == StepCondition && errors.Is(err, ErrConditionNotMet):
		res.Status = StepCompleted
		res.Err = err
	default:
		res.Status = StepFailed
		res.Err = err
		r.logger.Warn("recovery step failed",
			"workflow", ex.WorkflowID, "step", step.ID, "critical", step.Critical, "error", err)
	}
	return res
}

// rollback undoes completed steps in reverse order, then restores the
// newest context backup for the triggering operation. A rollback failure
// stops the unwind and is surfaced as *RollbackError, the one fatal
// outcome of a workflow.
func (r *Runner) rollback(ctx context.Context, completed []Step, ex *Execution, op retrykit.OperationContext) {
	ex.RollbackPerformed = true
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Rollback == nil {
			continue
		}
		if err := step.Rollback(ctx, ex); err != nil {
			ex.FinalErr = &RollbackError{StepID: step.ID, Err: err}
			r.logger.Error("recovery rollback failed",
				"workflow", ex.WorkflowID, "step", step.ID, "error", err)
			return
		}
	}

	if r.backups == nil || r.restore == nil || op.ID == "" {
		return
	}
	backup, err := r.backups.Latest(ctx, op.ID)
	if errors.Is(err, ErrNoBackup) {
		return
	}
	if err != nil {
		r.logger.Warn("failed to load context backup", "operation", op.ID, "error", err)
		return
	}
	if err := r.restore(ctx, backup); err != nil {
		ex.FinalErr = &RollbackError{StepID: "context_restore", Err: err}
		r.logger.Error("context restore failed", "operation", op.ID, "error", err)
	}
}

func (r *Runner) skipRemaining(ex *Execution, rest []Step) {
	for _, step := range rest {
		ex.StepResults = append(ex.StepResults, StepResult{
			StepID: step.ID,
			Name:   step.Name,
			Type:   step.Type,
			Status: StepSkipped,
		})
	}
}

func (r *Runner) record(ex *Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, ex)
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
}
