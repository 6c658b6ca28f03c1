package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flowengine/flowengine/internal/model"
)

// GetRun loads a single run by id.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	const q = `
SELECT id, name, status, actor, correlation_id, inputs, outputs, error,
       priority, run_at, attempt, max_attempts, created_at, queued_at,
       locked_at, locked_by, lease_expires_at, started_at, completed_at,
       parent_run_id
FROM runs WHERE id = $1
`
	row := s.Pool.QueryRow(ctx, q, id)
	return scanRun(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var r model.Run
	err := row.Scan(
		&r.ID, &r.Name, &r.Status, &r.Actor, &r.CorrelationID, &r.Inputs, &r.Outputs, &r.Error,
		&r.Priority, &r.RunAt, &r.Attempt, &r.MaxAttempts, &r.CreatedAt, &r.QueuedAt,
		&r.LockedAt, &r.LockedBy, &r.LeaseExpiresAt, &r.StartedAt, &r.CompletedAt,
		&r.ParentRunID,
	)
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return &r, nil
}

// RunStatusRow is the slim (id, status) projection wait_runs polls with.
type RunStatusRow struct {
	ID     uuid.UUID
	Status model.RunStatus
}

// ListRunStatuses reads only id and status for a batch of run ids, the
// minimal projection the DAG orchestrator's poll loop needs, grounded
// on wait_runs's `db2.query(models.Run.id, models.Run.status)...` read
// against a fresh session.
func (s *Store) ListRunStatuses(ctx context.Context, ids []uuid.UUID) ([]RunStatusRow, error) {
	const q = `SELECT id, status FROM runs WHERE id = ANY($1)`
	rows, err := s.Pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("list run statuses: %w", err)
	}
	defer rows.Close()

	var out []RunStatusRow
	for rows.Next() {
		var rsr RunStatusRow
		if err := rows.Scan(&rsr.ID, &rsr.Status); err != nil {
			return nil, fmt.Errorf("list run statuses: scan: %w", err)
		}
		out = append(out, rsr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list run statuses: %w", err)
	}
	return out, nil
}

// AssertOwnership mirrors RunContext.assert_ownership: it confirms the
// calling worker still holds a live, unexpired lease on runID. A zero
// rows result means the lease was lost (reclaimed by another worker or
// expired) and the caller must stop mutating the run. Accepts any
// queryer so it can run against the pool or against a dedicated
// execution connection.
func AssertOwnership(ctx context.Context, q queryer, runID uuid.UUID, workerID string) (bool, error) {
	const sql = `
SELECT 1
FROM runs
WHERE id = $1
  AND status = 'RUNNING'::run_status
  AND locked_by = $2
  AND lease_expires_at IS NOT NULL
  AND lease_expires_at > NOW()
`
	var one int
	err := q.QueryRow(ctx, sql, runID, workerID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("assert ownership: %w", err)
	}
	return true, nil
}

// RenewLease performs the conditional lease-renewal CAS update used by
// the lease manager's background renewal goroutine, grounded on
// original_source/core/worker.py's renew_lease. It reports whether the
// worker still owned the run (false means ownership was lost).
func RenewLease(ctx context.Context, q queryer, runID uuid.UUID, workerID string, leaseSeconds int) (bool, error) {
	const sql = `
UPDATE runs
SET lease_expires_at = NOW() + ($1 || ' seconds')::interval
WHERE id = $2
  AND status = 'RUNNING'::run_status
  AND locked_by = $3
RETURNING id
`
	var id uuid.UUID
	err := q.QueryRow(ctx, sql, leaseSeconds, runID, workerID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return true, nil
}

// queryer is the minimal pgx surface RenewLease needs, satisfied by
// both *pgxpool.Pool and *pgxpool.Conn so the lease manager can run its
// renewal on a dedicated ephemeral connection per spec.md §5.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
