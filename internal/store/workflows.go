package store

import (
	"context"
	"database/sql"
	"fmt"

	"access-service/internal/models"
	"access-service/internal/saga"
)

// workflowRunRow maps the workflow_runs table.
type workflowRunRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	State        string         `db:"state"`
	Cursor       int            `db:"cursor"`
	Compensating bool           `db:"compensating"`
	Input        []byte         `db:"input"`
	Error        sql.NullString `db:"error"`
	CreatedAt    sql.NullTime   `db:"created_at"`
	UpdatedAt    sql.NullTime   `db:"updated_at"`
}

// workflowStepRow maps the workflow_steps table.
type workflowStepRow struct {
	RunID         string       `db:"run_id"`
	Idx           int          `db:"idx"`
	Name          string       `db:"name"`
	Result        []byte       `db:"result"`
	CompensatedAt sql.NullTime `db:"compensated_at"`
}

// CreateRun persists a new workflow run.
func (s *Store) CreateRun(ctx context.Context, run *saga.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, name, state, cursor, input)
		VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.Name, run.State, run.Cursor, run.Input)
	return err
}

// GetRun loads a run with its completed step results in step order.
func (s *Store) GetRun(ctx context.Context, id string) (*saga.Run, error) {
	var row workflowRunRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM workflow_runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow run %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	run := &saga.Run{
		ID:           row.ID,
		Name:         row.Name,
		State:        saga.RunState(row.State),
		Cursor:       row.Cursor,
		Compensating: row.Compensating,
		Input:        row.Input,
		Error:        row.Error.String,
	}
	if row.CreatedAt.Valid {
		run.CreatedAt = row.CreatedAt.Time
	}
	if row.UpdatedAt.Valid {
		run.UpdatedAt = row.UpdatedAt.Time
	}

	var steps []workflowStepRow
	err = s.db.SelectContext(ctx, &steps, `
		SELECT run_id, idx, name, result, compensated_at FROM workflow_steps
		WHERE run_id = $1
		ORDER BY idx ASC`, id)
	if err != nil {
		return nil, err
	}
	// Keyed by idx so results stay positional even after some steps have
	// been compensated.
	for _, step := range steps {
		for len(run.Results) <= step.Idx {
			run.Results = append(run.Results, nil)
			run.Compensated = append(run.Compensated, false)
		}
		run.Results[step.Idx] = step.Result
		run.Compensated[step.Idx] = step.CompensatedAt.Valid
	}

	return run, nil
}

// RecordStep persists a completed step result and advances the run cursor in
// one database transaction.
func (s *Store) RecordStep(ctx context.Context, runID string, index int, name string, result []byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_steps (run_id, idx, name, result)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, idx) DO UPDATE SET result = EXCLUDED.result, compensated_at = NULL`,
		runID, index, name, result)
	if err != nil {
		return fmt.Errorf("failed to record step: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE workflow_runs SET cursor = $1, updated_at = NOW() WHERE id = $2",
		index, runID)
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}

	return tx.Commit()
}

// MarkRunCompensating flags that the run's unwind has begun and records the
// failure that caused it. Set before the first compensation executes, so a
// restart routes the run back into the unwind.
func (s *Store) MarkRunCompensating(ctx context.Context, runID string, cause string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE workflow_runs SET compensating = TRUE, error = NULLIF($1, ''), updated_at = NOW() WHERE id = $2",
		cause, runID)
	return err
}

// MarkStepCompensated records that a step's compensation has run.
func (s *Store) MarkStepCompensated(ctx context.Context, runID string, index int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE workflow_steps SET compensated_at = NOW() WHERE run_id = $1 AND idx = $2",
		runID, index)
	return err
}

// SetRunState moves a run to a new state.
func (s *Store) SetRunState(ctx context.Context, runID string, state saga.RunState, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE workflow_runs SET state = $1, error = NULLIF($2, ''), updated_at = NOW() WHERE id = $3",
		state, errMsg, runID)
	return err
}

// ListRunning returns IDs of runs still in flight, oldest first.
func (s *Store) ListRunning(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		"SELECT id FROM workflow_runs WHERE state = $1 ORDER BY created_at ASC",
		saga.StateRunning)
	return ids, err
}
