// Package runctx is the context handed to a running blueprint: run
// ownership assertions, event emission, scoped step recording, and DAG
// orchestration (spawn/wait). Grounded line-for-line on
// original_source/core/blueprints/runner.py's RunContext class.
package runctx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowengine/flowengine/internal/model"
	"github.com/flowengine/flowengine/internal/store"
)

// tracer emits one span per EmitEvent call, tagged with correlation_id
// and run_id attributes so spans can be matched to the audit log. Each
// span starts from the caller's context; no parent span is created per
// run, so a run's events are separate root spans rather than one trace.
// telemetry.Setup exports these spans to stdout.
var tracer = otel.Tracer("flowengine/runctx")

// RunContext holds everything a blueprint implementation needs to
// record its own progress and spawn/await child runs. One RunContext
// is created per executed run and bound to a single dedicated
// connection for the lifetime of the execution, matching spec.md §5's
// "execution connection is dedicated to the executor" (lease renewal
// runs on a separate connection entirely, see internal/lease).
type RunContext struct {
	Run           *model.Run
	Conn          *pgxpool.Conn
	Store         *store.Store
	CorrelationID string
	WorkerID      string
	Log           *slog.Logger

	currentStep *model.Step
}

// New builds a RunContext for an executing run.
func New(run *model.Run, conn *pgxpool.Conn, st *store.Store, workerID string, log *slog.Logger) *RunContext {
	return &RunContext{
		Run:           run,
		Conn:          conn,
		Store:         st,
		CorrelationID: run.CorrelationID,
		WorkerID:      workerID,
		Log:           log,
	}
}

// AssertOwnership confirms the worker still holds the run's lease. A
// non-worker context (WorkerID empty, e.g. inline/nested execution)
// always succeeds, mirroring `if not self.worker_id: return`.
func (rc *RunContext) AssertOwnership(ctx context.Context) error {
	if rc.WorkerID == "" {
		return nil
	}
	ok, err := store.AssertOwnership(ctx, rc.Conn, rc.Run.ID, rc.WorkerID)
	if err != nil {
		return err
	}
	if !ok {
		return &model.ErrLostLease{RunID: rc.Run.ID, WorkerID: rc.WorkerID}
	}
	return nil
}

// envID extracts the env_id carried in run inputs, defaulting to
// "local-dev" exactly as emit_event's `run.inputs.get("env_id", ...)`.
func (rc *RunContext) envID() string {
	if len(rc.Run.Inputs) == 0 {
		return "local-dev"
	}
	var probe struct {
		EnvID string `json:"env_id"`
	}
	if err := json.Unmarshal(rc.Run.Inputs, &probe); err != nil || probe.EnvID == "" {
		return "local-dev"
	}
	return probe.EnvID
}

// EmitEvent records an event in its own transaction, asserting
// ownership first, except for run.completed and run.failed: those are
// emitted after the finalizer's CAS has already checked ownership and
// moved the run out of RUNNING. Used for run-level events emitted
// outside a step boundary (run.started, run.completed, run.failed,
// run.spawned) and, through EmitProgress, for step.progress.
func (rc *RunContext) EmitEvent(ctx context.Context, eventName string, data json.RawMessage) error {
	ctx, span := tracer.Start(ctx, eventName, trace.WithAttributes(
		attribute.String("correlation_id", rc.CorrelationID),
		attribute.String("run_id", rc.Run.ID.String()),
	))
	defer span.End()

	if err := rc.emitEvent(ctx, eventName, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (rc *RunContext) emitEvent(ctx context.Context, eventName string, data json.RawMessage) error {
	if eventName != model.EventRunCompleted && eventName != model.EventRunFailed {
		if err := rc.AssertOwnership(ctx); err != nil {
			return err
		}
	}
	tx, err := rc.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("emit event %s: begin: %w", eventName, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := rc.insertEvent(ctx, tx, eventName, data); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("emit event %s: commit: %w", eventName, err)
	}
	rc.Log.Info("event emitted", "event", eventName, "correlation_id", rc.CorrelationID)
	return nil
}

func (rc *RunContext) insertEvent(ctx context.Context, q store.Execer, eventName string, data json.RawMessage) (uuid.UUID, error) {
	var stepID *uuid.UUID
	if rc.currentStep != nil {
		stepID = &rc.currentStep.ID
	}
	return store.InsertEvent(ctx, q, store.EventInsert{
		EventName:     eventName,
		EnvID:         rc.envID(),
		Actor:         rc.Run.Actor,
		CorrelationID: rc.CorrelationID,
		RunID:         &rc.Run.ID,
		StepID:        stepID,
		Data:          data,
	})
}
