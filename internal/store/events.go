package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// InsertEvent appends an immutable audit record inside the caller's
// transaction (q). Step boundary events (step.started, step.completed,
// step.failed) land in the same commit as the step transition they
// document; run-level events and step.progress are written by
// RunContext.EmitEvent in a transaction of their own.
func InsertEvent(ctx context.Context, q Execer, ev EventInsert) (uuid.UUID, error) {
	id := uuid.New()
	data := ev.Data
	if data == nil {
		data = json.RawMessage(`{}`)
	}
	const sql = `
INSERT INTO events (id, event_name, env_id, actor, correlation_id, run_id, step_id, resource_type, resource_id, data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
	_, err := q.Exec(ctx, sql, id, ev.EventName, ev.EnvID, ev.Actor, ev.CorrelationID, ev.RunID, ev.StepID, ev.ResourceType, ev.ResourceID, data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert event %s: %w", ev.EventName, err)
	}
	return id, nil
}

// EventInsert is the set of columns a caller supplies when emitting an
// event; id and occurred_at are assigned by InsertEvent/the database.
type EventInsert struct {
	EventName     string
	EnvID         string
	Actor         string
	CorrelationID string
	RunID         *uuid.UUID
	StepID        *uuid.UUID
	ResourceType  *string
	ResourceID    *string
	Data          json.RawMessage
}

// Execer is the minimal pgx surface InsertEvent and the step helpers
// need, satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx alike.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}
