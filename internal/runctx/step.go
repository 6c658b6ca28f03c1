package runctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowengine/flowengine/internal/model"
	"github.com/flowengine/flowengine/internal/store"
)

// maxIdxRetries bounds the rare concurrent-step-creation race on
// UNIQUE(run_id, idx), mirroring step()'s max_retries = 3.
const maxIdxRetries = 3

// StepFunc is the body of a recorded step. The returned outputs are
// persisted on success.
type StepFunc func(ctx context.Context) (json.RawMessage, error)

// Step runs fn as a recorded step: CREATED is inserted, ownership is
// asserted, then a single commit carries the RUNNING transition plus
// the step.started event (matching the original's "flush at creation,
// single commit at start boundary"). On return, a second transaction
// carries the COMPLETED/FAILED transition plus its matching event. If
// ownership is lost while recording failure, that loss is logged and
// swallowed so the caller's original error still propagates —
// mirroring the original's nested try/except around the failure
// boundary. If fn panics, the step is recorded as FAILED and the panic
// is re-raised. When steps nest, the enclosing step becomes the active
// step again once the inner one returns.
func (rc *RunContext) Step(ctx context.Context, name string, kind model.StepKind, fn StepFunc) (json.RawMessage, error) {
	step, err := rc.createAndStartStep(ctx, name, kind)
	if err != nil {
		return nil, err
	}
	prev := rc.currentStep
	rc.currentStep = step
	defer func() { rc.currentStep = prev }()
	defer func() {
		if r := recover(); r != nil {
			rc.failStep(ctx, step, name, fmt.Errorf("panic in step %s: %v", name, r))
			panic(r)
		}
	}()

	outputs, runErr := fn(ctx)
	if runErr != nil {
		rc.failStep(ctx, step, name, runErr)
		return nil, runErr
	}

	if err := rc.completeStep(ctx, step, outputs); err != nil {
		return nil, err
	}
	return outputs, nil
}

func (rc *RunContext) createAndStartStep(ctx context.Context, name string, kind model.StepKind) (*model.Step, error) {
	var step *model.Step
	var err error
	for attempt := 0; attempt < maxIdxRetries; attempt++ {
		step, err = rc.tryCreateAndStartStep(ctx, name, kind)
		if err == nil {
			return step, nil
		}
		if !isRetryableIdxConflict(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("create step %s: exhausted idx retries: %w", name, err)
}

func (rc *RunContext) tryCreateAndStartStep(ctx context.Context, name string, kind model.StepKind) (*model.Step, error) {
	tx, err := rc.Conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("create step %s: begin: %w", name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	step, err := store.CreateStep(ctx, tx, rc.Run.ID, name, kind)
	if err != nil {
		return nil, err
	}

	if err := rc.AssertOwnership(ctx); err != nil {
		return nil, err
	}

	if err := store.StartStep(ctx, tx, step.ID); err != nil {
		return nil, err
	}
	step.Status = model.StepRunning

	eventData, _ := json.Marshal(map[string]any{
		"step_id":   step.ID,
		"step_name": name,
		"step_kind": kind,
	})
	if _, err := rc.insertEvent(ctx, tx, model.EventStepStarted, eventData); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("create step %s: commit: %w", name, err)
	}
	return step, nil
}

func isRetryableIdxConflict(err error) bool {
	return errors.Is(err, store.ErrIdxConflict)
}

func (rc *RunContext) completeStep(ctx context.Context, step *model.Step, outputs json.RawMessage) error {
	if err := rc.AssertOwnership(ctx); err != nil {
		return err
	}
	tx, err := rc.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("complete step %s: begin: %w", step.Name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := store.CompleteStep(ctx, tx, step.ID, outputs); err != nil {
		return err
	}
	eventData, _ := json.Marshal(map[string]any{
		"step_id":   step.ID,
		"step_name": step.Name,
	})
	if _, err := rc.insertEvent(ctx, tx, model.EventStepCompleted, eventData); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("complete step %s: commit: %w", step.Name, err)
	}
	return nil
}

// failStep mirrors the original's nested try/except: if ownership is
// lost while recording the failure, that is logged and swallowed
// rather than surfaced, since the caller's runErr already carries the
// real failure reason.
func (rc *RunContext) failStep(ctx context.Context, step *model.Step, name string, runErr error) {
	if err := rc.recordStepFailure(ctx, step, runErr); err != nil {
		var lost *model.ErrLostLease
		if errors.As(err, &lost) {
			rc.Log.Warn("lost ownership while marking step failed", "step_id", step.ID)
		} else {
			rc.Log.Error("error while marking step failed", "step_id", step.ID, "error", err)
		}
	}
}

func (rc *RunContext) recordStepFailure(ctx context.Context, step *model.Step, runErr error) error {
	if err := rc.AssertOwnership(ctx); err != nil {
		return err
	}
	tx, err := rc.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("fail step %s: begin: %w", step.Name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	errDoc, _ := json.Marshal(model.ErrorDocument{Message: runErr.Error(), Type: errorTypeName(runErr)})
	if err := store.FailStep(ctx, tx, step.ID, errDoc); err != nil {
		return err
	}
	eventData, _ := json.Marshal(map[string]any{
		"step_id":   step.ID,
		"step_name": step.Name,
		"error":     runErr.Error(),
	})
	if _, err := rc.insertEvent(ctx, tx, model.EventStepFailed, eventData); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// errorTypeName gives the error document a `type` field akin to
// Python's `type(e).__name__`, falling back to a generic label for
// plain errors.New / fmt.Errorf errors.
func errorTypeName(err error) string {
	var lost *model.ErrLostLease
	if errors.As(err, &lost) {
		return "ErrLostLease"
	}
	var bp *model.ErrBlueprintFailure
	if errors.As(err, &bp) {
		return bp.Type
	}
	var inv *model.ErrInvariantViolation
	if errors.As(err, &inv) {
		return "ErrInvariantViolation"
	}
	return "error"
}

// EmitProgress emits a step.progress event for the currently active
// step. Unlike the original's flush-only progress events (committed at
// the next step boundary), this commits immediately: Go's per-call
// transaction model has no open, uncommitted session to piggyback on,
// so progress visibility is traded for a small extra round trip.
func (rc *RunContext) EmitProgress(ctx context.Context, message string, progress *float64) error {
	if rc.currentStep == nil {
		rc.Log.Warn("no active step for progress emission")
		return nil
	}
	data := map[string]any{
		"step_id": rc.currentStep.ID,
		"message": message,
	}
	if progress != nil {
		data["progress"] = *progress
	}
	body, _ := json.Marshal(data)
	return rc.EmitEvent(ctx, model.EventStepProgress, body)
}
