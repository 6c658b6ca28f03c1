// Package advisory implements Postgres advisory locking, grounded on
// original_source/core/advisory_locks.py: string keys are hashed to a
// signed int64 and gated with pg_try_advisory_lock/pg_advisory_lock,
// released via a scoped helper in the spirit of the teacher's
// AccessLock (internal/storage/dolt/access_lock.go) — acquire, run,
// guaranteed release.
package advisory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/flowengine/flowengine/internal/model"
)

// HashKey converts a string lock key into the signed int64 Postgres's
// advisory lock functions expect, matching hash_lock_key: first 8
// bytes of SHA-256, big-endian, reinterpreted as signed.
func HashKey(key string) int64 {
	sum := sha256.Sum256([]byte(key))
	unsigned := binary.BigEndian.Uint64(sum[:8])
	return int64(unsigned)
}

// TryLock attempts a non-blocking acquisition, returning false if
// another session already holds the lock.
func TryLock(ctx context.Context, conn *pgx.Conn, key string) (bool, error) {
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, HashKey(key)).Scan(&acquired); err != nil {
		return false, fmt.Errorf("try advisory lock %s: %w", key, err)
	}
	return acquired, nil
}

// Lock blocks until the lock is acquired.
func Lock(ctx context.Context, conn *pgx.Conn, key string) error {
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, HashKey(key)); err != nil {
		return fmt.Errorf("advisory lock %s: %w", key, err)
	}
	return nil
}

// Unlock releases the lock, reporting whether it was actually held.
func Unlock(ctx context.Context, conn *pgx.Conn, key string) (bool, error) {
	var released bool
	if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, HashKey(key)).Scan(&released); err != nil {
		return false, fmt.Errorf("advisory unlock %s: %w", key, err)
	}
	return released, nil
}

// WithLock acquires the named advisory lock on conn, runs fn, and
// guarantees release via defer even if fn panics. When failFast is
// true it uses TryLock and returns model.ErrLockUnavailable instead of
// blocking, matching advisory_lock_context(fail_fast=True) — the mode
// pack installation uses to avoid queueing duplicate expensive work.
func WithLock(ctx context.Context, conn *pgx.Conn, key string, failFast bool, fn func() error) error {
	if failFast {
		acquired, err := TryLock(ctx, conn, key)
		if err != nil {
			return err
		}
		if !acquired {
			return &model.ErrLockUnavailable{Key: key}
		}
	} else {
		if err := Lock(ctx, conn, key); err != nil {
			return err
		}
	}
	defer func() { _, _ = Unlock(ctx, conn, key) }()
	return fn()
}
