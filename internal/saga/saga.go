// Package saga runs multi-step processes with per-step compensation. Steps
// execute in order with a persisted cursor, so a run killed mid-way resumes
// without re-executing completed steps; a failed step unwinds prior steps in
// reverse order.
package saga

import (
	"context"
	"time"
)

// RunState is the state of a workflow run.
type RunState string

const (
	StateRunning      RunState = "RUNNING"
	StateCompleted    RunState = "COMPLETED"
	StateFailed       RunState = "FAILED"
	StateFailedManual RunState = "FAILED_NEEDS_MANUAL_INTERVENTION"
)

// Terminal reports whether the run will take no further automatic action.
func (s RunState) Terminal() bool {
	return s != StateRunning
}

// Run is a persisted workflow execution. Cursor is the index of the last
// completed step, -1 when none. Results holds the completed steps' outputs
// indexed by step position; Compensated records, per step, whether its
// compensation has already run. Compensating is set durably before the first
// compensation runs, so a run killed mid-unwind resumes unwinding instead of
// re-executing forward.
type Run struct {
	ID           string
	Name         string
	State        RunState
	Cursor       int
	Compensating bool
	Input        []byte
	Results      [][]byte
	Compensated  []bool
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StepResult returns the persisted result of step index, or nil when the
// step has not completed.
func (r *Run) StepResult(index int) []byte {
	if index < 0 || index >= len(r.Results) {
		return nil
	}
	return r.Results[index]
}

// StepCompensated reports whether step index's compensation has run.
func (r *Run) StepCompensated(index int) bool {
	if index < 0 || index >= len(r.Compensated) {
		return false
	}
	return r.Compensated[index]
}

// Step is one unit of a workflow. Execute must be idempotent, or treat
// partial external effects as already applied: after a crash the executor
// re-invokes any step whose result was never persisted.
type Step interface {
	Name() string
	Execute(ctx context.Context, run *Run) ([]byte, error)
	Compensate(ctx context.Context, run *Run, result []byte) error
}

// Definition names an ordered list of steps.
type Definition struct {
	Name  string
	Steps []Step
}

// Store persists runs and their step cursor.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// RecordStep persists a completed step's result and advances the
	// run's cursor to index.
	RecordStep(ctx context.Context, runID string, index int, name string, result []byte) error
	// MarkRunCompensating durably flags that the run's unwind has begun,
	// recording the failure that caused it.
	MarkRunCompensating(ctx context.Context, runID string, cause string) error
	MarkStepCompensated(ctx context.Context, runID string, index int) error
	SetRunState(ctx context.Context, runID string, state RunState, errMsg string) error
	// ListRunning returns IDs of runs that were in flight, for resumption
	// after a restart.
	ListRunning(ctx context.Context) ([]string, error)
}
