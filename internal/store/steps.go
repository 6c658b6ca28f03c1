package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flowengine/flowengine/internal/model"
)

// ErrIdxConflict signals a concurrent step creation raced on
// UNIQUE(run_id, idx); the caller (runctx.Step) retries up to its own
// bound, mirroring the original's `except IntegrityError` retry loop.
var ErrIdxConflict = errors.New("step idx conflict")

// CreateStep inserts a new CREATED step, assigning idx as the count of
// existing steps for the run. Grounded on the step() contextmanager's
// creation block in the original: a rare concurrent double-create on
// the same idx is surfaced as ErrIdxConflict for the caller to retry,
// rather than retried here, since the caller (runctx.Step) owns the
// transaction boundary.
func CreateStep(ctx context.Context, tx pgx.Tx, runID uuid.UUID, name string, kind model.StepKind) (*model.Step, error) {
	var idx int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM steps WHERE run_id = $1`, runID).Scan(&idx); err != nil {
		return nil, fmt.Errorf("count steps: %w", err)
	}

	step := &model.Step{
		ID:     uuid.New(),
		RunID:  runID,
		Name:   name,
		Idx:    idx,
		Kind:   kind,
		Status: model.StepCreated,
	}
	const insertSQL = `
INSERT INTO steps (id, run_id, name, idx, kind, status)
VALUES ($1, $2, $3, $4, $5, 'CREATED'::step_status)
RETURNING created_at
`
	if err := tx.QueryRow(ctx, insertSQL, step.ID, step.RunID, step.Name, step.Idx, step.Kind).Scan(&step.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert step: %w: %w", ErrIdxConflict, err)
		}
		return nil, fmt.Errorf("insert step: %w", err)
	}
	return step, nil
}

// StartStep transitions a step to RUNNING and stamps started_at,
// matching the step() context manager's start boundary.
func StartStep(ctx context.Context, tx pgx.Tx, stepID uuid.UUID) error {
	const sql = `UPDATE steps SET status = 'RUNNING'::step_status, started_at = NOW() WHERE id = $1`
	_, err := tx.Exec(ctx, sql, stepID)
	if err != nil {
		return fmt.Errorf("start step: %w", err)
	}
	return nil
}

// CompleteStep transitions a step to COMPLETED, stamping completed_at
// and persisting outputs.
func CompleteStep(ctx context.Context, tx pgx.Tx, stepID uuid.UUID, outputs []byte) error {
	const sql = `UPDATE steps SET status = 'COMPLETED'::step_status, completed_at = NOW(), outputs = $2 WHERE id = $1`
	_, err := tx.Exec(ctx, sql, stepID, outputs)
	if err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	return nil
}

// FailStep transitions a step to FAILED, stamping completed_at and
// recording the error document.
func FailStep(ctx context.Context, tx pgx.Tx, stepID uuid.UUID, errDoc []byte) error {
	const sql = `UPDATE steps SET status = 'FAILED'::step_status, completed_at = NOW(), error = $2 WHERE id = $1`
	_, err := tx.Exec(ctx, sql, stepID, errDoc)
	if err != nil {
		return fmt.Errorf("fail step: %w", err)
	}
	return nil
}
