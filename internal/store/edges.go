package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// FindChildByKey looks up an existing run_edges row for (parentRunID,
// childKey), the fast path spawn_run takes before attempting to spawn
// a new child.
func (s *Store) FindChildByKey(ctx context.Context, parentRunID uuid.UUID, childKey string) (*uuid.UUID, error) {
	const q = `SELECT child_run_id FROM run_edges WHERE parent_run_id = $1 AND child_key = $2`
	var childRunID uuid.UUID
	err := s.Pool.QueryRow(ctx, q, parentRunID, childKey).Scan(&childRunID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find child by key: %w", err)
	}
	return &childRunID, nil
}

// SpawnChild creates a child run and its run_edges row in one
// transaction, setting parent_run_id on the child before commit so a
// rollback can never leave an orphaned child run. Grounded on
// spawn_run: on a unique-violation (another worker won the same
// child_key race) it rolls back and reports isConflict so the caller
// re-reads the winner via FindChildByKey. correlationID is the
// parent's own correlation_id (spawn_run never mints a fresh one, so
// every run in a DAG shares one audit/tracing chain); runAt threads
// spawn_run's optional scheduling argument the same way Enqueue does.
func (s *Store) SpawnChild(ctx context.Context, parentRunID uuid.UUID, blueprintRef string, inputs []byte, childKey *string, priority int, correlationID string, runAt *time.Time) (childRunID uuid.UUID, isConflict bool, err error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("spawn child: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id := uuid.New()
	const insertRunSQL = `
INSERT INTO runs (id, name, status, actor, correlation_id, inputs, priority, run_at, parent_run_id)
VALUES ($1, $2, 'QUEUED'::run_status, 'system', $3, $4, $5, COALESCE($6, NOW()), $7)
`
	if _, err := tx.Exec(ctx, insertRunSQL, id, blueprintRef, correlationID, inputs, priority, runAt, parentRunID); err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, true, nil
		}
		return uuid.Nil, false, fmt.Errorf("spawn child: insert run: %w", err)
	}

	edgeID := uuid.New()
	const insertEdgeSQL = `
INSERT INTO run_edges (id, parent_run_id, child_run_id, relation, child_key)
VALUES ($1, $2, $3, 'child', $4)
`
	if _, err := tx.Exec(ctx, insertEdgeSQL, edgeID, parentRunID, id, childKey); err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, true, nil
		}
		return uuid.Nil, false, fmt.Errorf("spawn child: insert edge: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, false, fmt.Errorf("spawn child: commit: %w", err)
	}
	return id, false, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
