package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pavelkorolev/go-offsync/kvstore"
	"github.com/pavelkorolev/go-offsync/retrykit"
)

type classifiedError struct {
	code     string
	category string
}

func (e *classifiedError) Error() string    { return e.category + "/" + e.code }
func (e *classifiedError) Code() string     { return e.code }
func (e *classifiedError) Category() string { return e.category }

func step(id string, do StepFunc) Step {
	return Step{ID: id, Name: id, Type: StepAction, Do: do}
}

func TestRunnerExecutesStepsInOrder(t *testing.T) {
	runner := NewRunner(nil, nil)

	var order []string
	appendStep := func(id string) Step {
		return step(id, func(context.Context, *Execution) error {
			order = append(order, id)
			return nil
		})
	}
	require.NoError(t, runner.Register(&Workflow{
		ID:    "wf",
		Steps: []Step{appendStep("a"), appendStep("b"), appendStep("c")},
	}))

	ex, err := runner.Run(context.Background(), "wf", retrykit.OperationContext{ID: "op-1"}, errors.New("cause"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, ex.Status)
	require.Equal(t, []string{"a", "b", "c"}, order)
	require.Len(t, ex.StepResults, 3)
	for _, res := range ex.StepResults {
		require.Equal(t, StepCompleted, res.Status)
	}
}

func TestRunnerRollsBackCompletedStepsInReverse(t *testing.T) {
	store := kvstore.NewMemoryStore()
	backups := NewBackupStore(store, time.Hour, nil)

	_, err := backups.Save(context.Background(), "op-9", json.RawMessage(`{"form":{"draft":"hello"}}`))
	require.NoError(t, err)

	var restored []string
	var rolledBack []string
	runner := NewRunner(backups, nil, WithRestore(func(_ context.Context, b ContextBackup) error {
		restored = append(restored, b.OperationID)
		return nil
	}))

	mk := func(id string) Step {
		s := step(id, func(context.Context, *Execution) error { return nil })
		s.Rollback = func(context.Context, *Execution) error {
			rolledBack = append(rolledBack, id)
			return nil
		}
		return s
	}
	boom := Step{
		ID: "boom", Name: "boom", Type: StepAction, Critical: true,
		Do: func(context.Context, *Execution) error { return errors.New("cannot proceed") },
	}

	require.NoError(t, runner.Register(&Workflow{
		ID:                "wf",
		RollbackOnFailure: true,
		Steps:             []Step{mk("first"), mk("second"), boom, mk("never")},
	}))

	ex, err := runner.Run(context.Background(), "wf", retrykit.OperationContext{ID: "op-9"}, errors.New("cause"))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, ex.Status)
	require.True(t, ex.RollbackPerformed)
	require.Equal(t, []string{"second", "first"}, rolledBack)
	require.Equal(t, []string{"op-9"}, restored)

	// The step after the critical failure never ran.
	last := ex.StepResults[len(ex.StepResults)-1]
	require.Equal(t, "never", last.StepID)
	require.Equal(t, StepSkipped, last.Status)
}

func TestRunnerNonCriticalFailureContinues(t *testing.T) {
	runner := NewRunner(nil, nil)

	var order []string
	flaky := Step{
		ID: "flaky", Name: "flaky", Type: StepNotification,
		Do: func(context.Context, *Execution) error { return errors.New("smtp down") },
	}
	require.NoError(t, runner.Register(&Workflow{
		ID: "wf",
		Steps: []Step{
			step("a", func(context.Context, *Execution) error { order = append(order, "a"); return nil }),
			flaky,
			step("b", func(context.Context, *Execution) error { order = append(order, "b"); return nil }),
		},
	}))

	ex, err := runner.Run(context.Background(), "wf", retrykit.OperationContext{ID: "op"}, errors.New("cause"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, ex.Status)
	require.Equal(t, []string{"a", "b"}, order)
	require.Equal(t, StepFailed, ex.StepResults[1].Status)
	require.False(t, ex.RollbackPerformed)
}

func TestRunnerConditionNotMetEndsEarly(t *testing.T) {
	runner := NewRunner(nil, nil)

	ran := false
	require.NoError(t, runner.Register(&Workflow{
		ID: "wf",
		Steps: []Step{
			{ID: "check", Name: "check", Type: StepCondition,
				Do: func(context.Context, *Execution) error { return ErrConditionNotMet }},
			step("work", func(context.Context, *Execution) error { ran = true; return nil }),
		},
	}))

	ex, err := runner.Run(context.Background(), "wf", retrykit.OperationContext{ID: "op"}, errors.New("cause"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, ex.Status)
	require.False(t, ran)
	require.Equal(t, StepCompleted, ex.StepResults[0].Status)
	require.Equal(t, StepSkipped, ex.StepResults[1].Status)
}

func TestRunnerParallelGroupRunsAllSteps(t *testing.T) {
	runner := NewRunner(nil, nil)

	var count int32
	parallel := func(id string) Step {
		s := step(id, func(context.Context, *Execution) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		s.Parallel = true
		return s
	}
	require.NoError(t, runner.Register(&Workflow{
		ID: "wf",
		Steps: []Step{
			parallel("p1"), parallel("p2"), parallel("p3"),
			step("tail", func(context.Context, *Execution) error { return nil }),
		},
	}))

	ex, err := runner.Run(context.Background(), "wf", retrykit.OperationContext{ID: "op"}, errors.New("cause"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, ex.Status)
	require.Equal(t, int32(3), atomic.LoadInt32(&count))
	// Results stay in declaration order regardless of completion order.
	require.Equal(t, "p1", ex.StepResults[0].StepID)
	require.Equal(t, "tail", ex.StepResults[3].StepID)
}

func TestRunnerRollbackFailureIsFatal(t *testing.T) {
	runner := NewRunner(nil, nil)

	good := step("good", func(context.Context, *Execution) error { return nil })
	good.Rollback = func(context.Context, *Execution) error { return errors.New("cannot undo") }

	require.NoError(t, runner.Register(&Workflow{
		ID:                "wf",
		RollbackOnFailure: true,
		Steps: []Step{
			good,
			{ID: "boom", Name: "boom", Type: StepAction, Critical: true,
				Do: func(context.Context, *Execution) error { return errors.New("boom") }},
		},
	}))

	ex, err := runner.Run(context.Background(), "wf", retrykit.OperationContext{ID: "op"}, errors.New("cause"))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, ex.Status)

	var rbErr *RollbackError
	require.ErrorAs(t, ex.FinalErr, &rbErr)
	require.Equal(t, "good", rbErr.StepID)
}

func TestTriggerMatching(t *testing.T) {
	connectivityErr := &classifiedError{code: "connectivity_refresh", category: "connectivity"}
	storeErr := &classifiedError{code: "store_write", category: "store"}

	tests := []struct {
		name    string
		trigger Trigger
		err     error
		want    bool
	}{
		{"code match", Trigger{Codes: []string{"connectivity_refresh"}}, connectivityErr, true},
		{"code miss", Trigger{Codes: []string{"connectivity_refresh"}}, storeErr, false},
		{"category match", Trigger{Categories: []string{"store"}}, storeErr, true},
		{"predicate", Trigger{Predicate: func(err error) bool { return errors.Is(err, context.DeadlineExceeded) }}, context.DeadlineExceeded, true},
		{"empty trigger never fires", Trigger{}, storeErr, false},
		{"nil error", Trigger{Codes: []string{"x"}}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.trigger.Matches(tt.err))
		})
	}
}

func TestTriggerCooldownSuppressesRefire(t *testing.T) {
	current := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	runner := NewRunner(nil, nil, WithClock(func() time.Time { return current }))

	var runs int
	require.NoError(t, runner.Register(&Workflow{
		ID:      "wf",
		Trigger: Trigger{Codes: []string{"network"}, Cooldown: time.Minute},
		Steps:   []Step{step("s", func(context.Context, *Execution) error { runs++; return nil })},
	}))

	cause := &classifiedError{code: "network", category: "connectivity"}
	op := retrykit.OperationContext{ID: "op-1", Criticality: retrykit.CriticalityCritical}

	runner.Escalate(context.Background(), op, cause)
	runner.Escalate(context.Background(), op, cause)
	require.Equal(t, 1, runs)

	current = current.Add(2 * time.Minute)
	runner.Escalate(context.Background(), op, cause)
	require.Equal(t, 2, runs)
}

func TestExecutorHandsOffToRunner(t *testing.T) {
	runner := NewRunner(nil, nil)

	var recovered []string
	require.NoError(t, runner.Register(&Workflow{
		ID:      "reconnect",
		Trigger: Trigger{Codes: []string{"MAX_ATTEMPTS_EXCEEDED"}},
		Steps: []Step{step("record", func(_ context.Context, ex *Execution) error {
			recovered = append(recovered, ex.OperationID)
			return nil
		})},
	}))

	exec := retrykit.NewExecutor(nil,
		retrykit.WithEscalator(runner),
		retrykit.WithSleep(func(context.Context, time.Duration) error { return nil }))

	err := exec.Do(context.Background(),
		retrykit.OperationContext{ID: "op-7", Criticality: retrykit.CriticalityCritical},
		retrykit.Policy{Strategy: retrykit.StrategyFixed, MaxAttempts: 2, Condition: retrykit.ConditionAlways},
		func(context.Context) error { return errors.New("remote down") })

	require.Error(t, err)
	require.Equal(t, []string{"op-7"}, recovered)

	executions := runner.Executions()
	require.Len(t, executions, 1)
	require.Equal(t, StatusCompleted, executions[0].Status)
}

func TestExecutionValues(t *testing.T) {
	runner := NewRunner(nil, nil)
	require.NoError(t, runner.Register(&Workflow{
		ID: "wf",
		Steps: []Step{
			step("produce", func(_ context.Context, ex *Execution) error {
				ex.SetValue("token", "abc123")
				return nil
			}),
			step("consume", func(_ context.Context, ex *Execution) error {
				v, ok := ex.Value("token")
				if !ok || v.(string) != "abc123" {
					return errors.New("value not propagated")
				}
				return nil
			}),
		},
	}))

	ex, err := runner.Run(context.Background(), "wf", retrykit.OperationContext{ID: "op"}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, ex.Status)
}
