package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueueOptions carries the optional knobs of enqueue_run: actor
// attribution, correlation tracking, scheduling, priority band and
// retry budget. Zero values pick the same defaults as the original
// (actor "system", priority 100, run immediately, a fresh correlation
// id, max_attempts left NULL). A Priority of 0 is treated as unset and
// stored as 100, so model.PriorityCritical cannot be requested through
// this struct. MaxAttempts is stored as given; nothing re-enqueues a
// failed run, so each run gets a single attempt.
type EnqueueOptions struct {
	Actor         string
	CorrelationID string
	RunAt         *time.Time
	Priority      int
	MaxAttempts   *int
}

// Enqueue inserts a new run in QUEUED status, grounded on
// original_source/core/blueprints/runner.py's enqueue_run: a
// correlation id is generated when absent, run_at defaults to now,
// priority defaults to the "normal/default" band.
func (s *Store) Enqueue(ctx context.Context, blueprintRef string, inputs json.RawMessage, opts EnqueueOptions) (uuid.UUID, error) {
	id := uuid.New()

	actor := opts.Actor
	if actor == "" {
		actor = "system"
	}
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	priority := opts.Priority
	if priority == 0 {
		priority = 100
	}
	if inputs == nil {
		inputs = json.RawMessage(`{}`)
	}

	const insertSQL = `
INSERT INTO runs (id, name, status, actor, correlation_id, inputs, priority, run_at, max_attempts)
VALUES ($1, $2, 'QUEUED'::run_status, $3, $4, $5, $6, COALESCE($7, NOW()), $8)
`
	_, err := s.Pool.Exec(ctx, insertSQL, id, blueprintRef, actor, correlationID, inputs, priority, opts.RunAt, opts.MaxAttempts)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}
