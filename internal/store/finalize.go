package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CompleteRun performs the CAS transition to COMPLETED, grounded on
// execute_run's completion UPDATE: it only succeeds while the run is
// still RUNNING and still owned by workerID with a live lease. A false
// result (no error) means another worker already reclaimed the run.
func (s *Store) CompleteRun(ctx context.Context, runID uuid.UUID, workerID string, outputs []byte) (bool, error) {
	const sql = `
UPDATE runs
SET status = 'COMPLETED'::run_status,
    completed_at = NOW(),
    outputs = $3
WHERE id = $1
  AND status = 'RUNNING'::run_status
  AND locked_by = $2
  AND lease_expires_at > NOW()
RETURNING id
`
	var id uuid.UUID
	err := s.Pool.QueryRow(ctx, sql, runID, workerID, outputs).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("complete run: %w", err)
	}
	return true, nil
}

// FailRun performs the CAS transition to FAILED, mirroring CompleteRun.
func (s *Store) FailRun(ctx context.Context, runID uuid.UUID, workerID string, errDoc []byte) (bool, error) {
	const sql = `
UPDATE runs
SET status = 'FAILED'::run_status,
    completed_at = NOW(),
    error = $3
WHERE id = $1
  AND status = 'RUNNING'::run_status
  AND locked_by = $2
  AND lease_expires_at > NOW()
RETURNING id
`
	var id uuid.UUID
	err := s.Pool.QueryRow(ctx, sql, runID, workerID, errDoc).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("fail run: %w", err)
	}
	return true, nil
}
