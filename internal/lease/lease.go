// Package lease manages background lease renewal for an in-progress
// run, grounded on original_source/core/worker.py's
// periodic_lease_renewal: a ticker loop that renews on its own
// ephemeral connection (never the executor's) and stops as soon as
// ownership is lost.
package lease

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowengine/flowengine/internal/store"
)

// Manager renews a single run's lease on a fixed interval until
// stopped or ownership is lost.
type Manager struct {
	pool         *pgxpool.Pool
	log          *slog.Logger
	runID        uuid.UUID
	workerID     string
	leaseSeconds int
	interval     time.Duration

	lost   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the renewal goroutine for runID and returns a Manager
// the executor can query for lost ownership via Lost(). Renewal ticks
// every lease/2 seconds, matching worker_loop's
// `periodic_lease_renewal(run_id, LEASE_DURATION_SECONDS // 2)`.
func Start(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger, runID uuid.UUID, workerID string, leaseSeconds int) *Manager {
	runCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		pool:         pool,
		log:          log,
		runID:        runID,
		workerID:     workerID,
		leaseSeconds: leaseSeconds,
		interval:     time.Duration(leaseSeconds) * time.Second / 2,
		lost:         make(chan struct{}),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go m.run(runCtx)
	return m
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Ephemeral connection per tick, matching the original's
			// per-tick SessionLocal() so renewal never shares a
			// connection with the executor.
			conn, err := m.pool.Acquire(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.log.Error("lease renewal: acquire connection failed", "run_id", m.runID, "error", err)
				continue
			}
			ok, err := store.RenewLease(ctx, conn, m.runID, m.workerID, m.leaseSeconds)
			conn.Release()
			if err != nil {
				m.log.Error("lease renewal failed", "run_id", m.runID, "error", err)
				continue
			}
			if !ok {
				m.log.Warn("lost ownership of run during execution, stopping renewal", "run_id", m.runID)
				close(m.lost)
				return
			}
		}
	}
}

// Lost returns a channel closed once renewal has detected lost
// ownership. The executor should select on it alongside blueprint
// completion.
func (m *Manager) Lost() <-chan struct{} {
	return m.lost
}

// Stop cancels renewal and waits for the goroutine to exit, mirroring
// execute_run_worker's `renewal_task.cancel()` / await pattern.
func (m *Manager) Stop() {
	m.cancel()
	<-m.done
}
