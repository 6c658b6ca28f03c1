// Package store is the durable queue (C1) and claim protocol (C2) for
// the workflow engine: a thin layer over a pgxpool.Pool with no ORM,
// grounded on the raw-SQL repository shape used throughout the
// retrieval pack's Postgres reference code (schedule_repo.go,
// postgres_leasing.go) and on the teacher's own database/sql
// transaction style in internal/storage/dolt.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps the connection pool used for all queue, step, event and
// DAG-edge persistence.
type Store struct {
	Pool *pgxpool.Pool
}

// Open creates a pool against dsn and verifies connectivity, retrying
// the initial ping with exponential backoff to absorb the common
// container-startup race where the process starts before Postgres is
// ready to accept connections, matching the retry shape the teacher
// uses around its own post-provisioning connectivity checks.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 15 * time.Second
	if err := backoff.Retry(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(bo, ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{Pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.Pool.Close()
}
