package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"access-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Executor runs registered workflow definitions against a Store.
type Executor struct {
	store           Store
	logger          *zap.Logger
	defs            map[string]Definition
	maxAttempts     uint64
	initialInterval time.Duration
}

// NewExecutor creates an executor. maxAttempts bounds retries per step (and
// per compensation); initialInterval seeds the exponential backoff between
// attempts.
func NewExecutor(store Store, maxAttempts uint64, initialInterval time.Duration) *Executor {
	return &Executor{
		store:           store,
		logger:          util.GetLogger(),
		defs:            make(map[string]Definition),
		maxAttempts:     maxAttempts,
		initialInterval: initialInterval,
	}
}

// Register makes a workflow definition startable by name.
func (e *Executor) Register(def Definition) {
	e.defs[def.Name] = def
}

// Start creates a new run of the named workflow and executes it to a
// terminal state. The returned error covers infrastructure failures only;
// step failures are reflected in the run's state.
func (e *Executor) Start(ctx context.Context, name string, input []byte) (*Run, error) {
	def, ok := e.defs[name]
	if !ok {
		return nil, fmt.Errorf("unknown workflow: %s", name)
	}

	run := &Run{
		ID:     uuid.New().String(),
		Name:   name,
		State:  StateRunning,
		Cursor: -1,
		Input:  input,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	if err := e.execute(ctx, def, run); err != nil {
		return run, err
	}
	return run, nil
}

// Resume continues a run from its persisted cursor. Already-completed steps
// are not re-executed; a run that was killed mid-compensation continues
// unwinding rather than running forward again. Resuming a terminal run is a
// no-op.
func (e *Executor) Resume(ctx context.Context, runID string) (*Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State.Terminal() {
		return run, nil
	}

	def, ok := e.defs[run.Name]
	if !ok {
		return nil, fmt.Errorf("unknown workflow: %s", run.Name)
	}

	e.logger.Info("Resuming workflow run",
		zap.String("run_id", run.ID),
		zap.String("workflow", run.Name),
		zap.Int("cursor", run.Cursor),
		zap.Bool("compensating", run.Compensating))

	if run.Compensating {
		cause := errors.New(run.Error)
		if err := e.compensate(ctx, def, run, cause); err != nil {
			return run, err
		}
		return run, nil
	}

	if err := e.execute(ctx, def, run); err != nil {
		return run, err
	}
	return run, nil
}

// ResumeAll resumes every run that was in flight, for process restart.
func (e *Executor) ResumeAll(ctx context.Context) error {
	ids, err := e.store.ListRunning(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := e.Resume(ctx, id); err != nil {
			e.logger.Error("Failed to resume workflow run",
				zap.String("run_id", id), zap.Error(err))
		}
	}
	return nil
}

func (e *Executor) execute(ctx context.Context, def Definition, run *Run) error {
	for i := run.Cursor + 1; i < len(def.Steps); i++ {
		step := def.Steps[i]

		result, err := e.executeStep(ctx, step, run)
		if err != nil {
			e.logger.Warn("Workflow step failed, compensating",
				zap.String("run_id", run.ID),
				zap.String("step", step.Name()),
				zap.Error(err))
			return e.compensate(ctx, def, run, err)
		}

		if err := e.store.RecordStep(ctx, run.ID, i, step.Name(), result); err != nil {
			return fmt.Errorf("failed to record step %s: %w", step.Name(), err)
		}
		run.Cursor = i
		run.Results = append(run.Results, result)
		run.Compensated = append(run.Compensated, false)
	}

	run.State = StateCompleted
	util.WorkflowRunsTotal.WithLabelValues(string(StateCompleted)).Inc()
	return e.store.SetRunState(ctx, run.ID, StateCompleted, "")
}

func (e *Executor) executeStep(ctx context.Context, step Step, run *Run) ([]byte, error) {
	return backoff.RetryWithData(func() ([]byte, error) {
		result, err := step.Execute(ctx, run)
		if err != nil {
			util.WorkflowStepRetriesTotal.Inc()
		}
		return result, err
	}, e.newBackOff(ctx))
}

// compensate unwinds completed steps in reverse order. The compensating flag
// is persisted before the first compensation runs, so a crash mid-unwind
// resumes here instead of re-executing forward; steps that were already
// compensated are skipped. A compensation that fails after its own retry
// budget halts the unwind and parks the run for an operator.
func (e *Executor) compensate(ctx context.Context, def Definition, run *Run, cause error) error {
	if !run.Compensating {
		if err := e.store.MarkRunCompensating(ctx, run.ID, cause.Error()); err != nil {
			return fmt.Errorf("failed to mark run compensating: %w", err)
		}
		run.Compensating = true
	}

	for i := run.Cursor; i >= 0; i-- {
		if run.StepCompensated(i) {
			continue
		}
		step := def.Steps[i]
		result := run.StepResult(i)

		err := backoff.Retry(func() error {
			return step.Compensate(ctx, run, result)
		}, e.newBackOff(ctx))
		if err != nil {
			e.logger.Error("Workflow compensation failed, manual intervention required",
				zap.String("run_id", run.ID),
				zap.String("step", step.Name()),
				zap.Error(err))
			run.State = StateFailedManual
			run.Error = fmt.Sprintf("%v; compensation of %s: %v", cause, step.Name(), err)
			util.WorkflowRunsTotal.WithLabelValues(string(StateFailedManual)).Inc()
			return e.store.SetRunState(ctx, run.ID, StateFailedManual, run.Error)
		}

		if err := e.store.MarkStepCompensated(ctx, run.ID, i); err != nil {
			return fmt.Errorf("failed to mark step compensated: %w", err)
		}
	}

	run.State = StateFailed
	run.Error = cause.Error()
	util.WorkflowRunsTotal.WithLabelValues(string(StateFailed)).Inc()
	return e.store.SetRunState(ctx, run.ID, StateFailed, run.Error)
}

func (e *Executor) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialInterval
	var retries uint64
	if e.maxAttempts > 1 {
		retries = e.maxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}
