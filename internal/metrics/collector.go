// Package metrics periodically rolls up queue-health indicators from
// Postgres and exposes them as otel observable gauges, grounded on
// original_source/core/observability/collector.py: cheap, indexed-only
// queries on an ephemeral connection, no high-cardinality labels.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// snapshot is the last collected rollup; otel's observable-gauge
// callbacks read from it rather than hitting the database inline,
// since callbacks can fire on an arbitrary exporter-driven schedule.
type snapshot struct {
	byStatus     map[string]int64
	ready        int64
	future       int64
	oldestReady  float64
	leaseExpired int64
	leaseActive  int64
}

// Collector ticks every interval, refreshing the snapshot used by the
// registered otel instruments.
type Collector struct {
	pool     *pgxpool.Pool
	log      *slog.Logger
	interval time.Duration

	mu   sync.RWMutex
	snap snapshot
}

// New registers the engine's observable gauges against meter and
// returns a Collector ready to Run.
func New(pool *pgxpool.Pool, log *slog.Logger, meter metric.Meter, interval time.Duration) (*Collector, error) {
	c := &Collector{pool: pool, log: log, interval: interval}

	queueDepth, err := meter.Int64ObservableGauge("flowengine.queue.depth",
		metric.WithDescription("number of runs by status"))
	if err != nil {
		return nil, err
	}
	readyDepth, err := meter.Int64ObservableGauge("flowengine.queue.ready_depth",
		metric.WithDescription("queued runs ready to run now"))
	if err != nil {
		return nil, err
	}
	futureDepth, err := meter.Int64ObservableGauge("flowengine.queue.future_depth",
		metric.WithDescription("queued runs scheduled for the future"))
	if err != nil {
		return nil, err
	}
	oldestReady, err := meter.Float64ObservableGauge("flowengine.queue.oldest_ready_seconds",
		metric.WithDescription("age in seconds of the oldest ready-to-run queued run"))
	if err != nil {
		return nil, err
	}
	leaseExpired, err := meter.Int64ObservableGauge("flowengine.lease.expired",
		metric.WithDescription("RUNNING runs whose lease has expired"))
	if err != nil {
		return nil, err
	}
	leaseActive, err := meter.Int64ObservableGauge("flowengine.lease.active",
		metric.WithDescription("RUNNING runs with a live lease"))
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		c.mu.RLock()
		defer c.mu.RUnlock()
		for status, count := range c.snap.byStatus {
			o.ObserveInt64(queueDepth, count, metric.WithAttributes(attribute.String("status", status)))
		}
		o.ObserveInt64(readyDepth, c.snap.ready)
		o.ObserveInt64(futureDepth, c.snap.future)
		o.ObserveFloat64(oldestReady, c.snap.oldestReady)
		o.ObserveInt64(leaseExpired, c.snap.leaseExpired)
		o.ObserveInt64(leaseActive, c.snap.leaseActive)
		return nil
	}, queueDepth, readyDepth, futureDepth, oldestReady, leaseExpired, leaseActive)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Run loops until ctx is cancelled, collecting a fresh snapshot every
// interval. A failed collection is logged and the loop continues,
// matching metrics_collector_loop's try/except-and-continue.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.log.Info("starting metrics collector", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.collectOnce(ctx); err != nil {
				c.log.Error("metrics collector failed", "error", err)
			}
		}
	}
}

func (c *Collector) collectOnce(ctx context.Context) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	var next snapshot
	next.byStatus = make(map[string]int64)

	rows, err := conn.Query(ctx, `SELECT status::text, COUNT(*)::bigint FROM runs GROUP BY status`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return err
		}
		next.byStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	err = conn.QueryRow(ctx, `
SELECT
  COUNT(*) FILTER (WHERE status='QUEUED'::run_status AND run_at <= NOW()),
  COUNT(*) FILTER (WHERE status='QUEUED'::run_status AND run_at > NOW())
FROM runs
`).Scan(&next.ready, &next.future)
	if err != nil {
		return err
	}

	var oldest *float64
	err = conn.QueryRow(ctx, `
SELECT EXTRACT(EPOCH FROM (NOW() - MIN(queued_at)))::double precision
FROM runs
WHERE status='QUEUED'::run_status AND run_at <= NOW()
`).Scan(&oldest)
	if err != nil {
		return err
	}
	if oldest != nil {
		next.oldestReady = *oldest
	}

	err = conn.QueryRow(ctx, `
SELECT
  COUNT(*) FILTER (WHERE lease_expires_at < NOW()),
  COUNT(*) FILTER (WHERE lease_expires_at >= NOW())
FROM runs
WHERE status='RUNNING'::run_status AND lease_expires_at IS NOT NULL
`).Scan(&next.leaseExpired, &next.leaseActive)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.snap = next
	c.mu.Unlock()
	return nil
}
