package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// claimSQL atomically selects candidate runs (QUEUED-and-ready, or
// RUNNING-with-expired-lease) and transitions them to RUNNING in a
// single round trip. Transliterated from claim_sql in
// original_source/core/worker.py: reclaims expired leases ahead of
// fresh work so zombie runs get cleared quickly, and relies on
// SKIP LOCKED so concurrent workers never block each other.
const claimSQL = `
WITH candidate AS (
  SELECT id
  FROM runs
  WHERE
    (
      (status = 'QUEUED'::run_status AND COALESCE(run_at, queued_at, created_at, NOW()) <= NOW())
      OR
      (status = 'RUNNING'::run_status AND lease_expires_at IS NOT NULL AND lease_expires_at < NOW())
    )
  ORDER BY
    priority ASC,
    CASE WHEN status = 'RUNNING'::run_status THEN 0 ELSE 1 END,
    run_at ASC NULLS LAST,
    queued_at ASC NULLS LAST,
    created_at ASC
  FOR UPDATE SKIP LOCKED
  LIMIT $1
)
UPDATE runs r
SET
  status = 'RUNNING'::run_status,
  locked_at = NOW(),
  locked_by = $2,
  lease_expires_at = NOW() + ($3 || ' seconds')::interval,
  started_at = COALESCE(r.started_at, NOW())
FROM candidate
WHERE r.id = candidate.id
RETURNING r.id
`

// Claim atomically acquires up to batchSize runs for workerID, granting
// each a lease of leaseSeconds. Candidates are chosen in priority order,
// but the returned IDs follow RETURNING's order, which is not sorted;
// an empty slice (not an error) means no work was available.
func (s *Store) Claim(ctx context.Context, workerID string, batchSize int, leaseSeconds int) ([]uuid.UUID, error) {
	rows, err := s.Pool.Query(ctx, claimSQL, batchSize, workerID, leaseSeconds)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("claim: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return ids, nil
}
