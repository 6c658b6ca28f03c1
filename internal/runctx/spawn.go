package runctx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowengine/flowengine/internal/model"
)

// SpawnOptions mirrors spawn_run's optional arguments: child_key,
// priority and run_at.
type SpawnOptions struct {
	ChildKey *string
	Priority *int
	RunAt    *time.Time
}

// SpawnRun creates a child run for DAG execution, race-safe and
// idempotent on ChildKey, grounded on spawn_run: fast-path lookup,
// single-transaction child+edge insert, unique-violation fallback
// re-read so no orphaned child run can ever exist.
func (rc *RunContext) SpawnRun(ctx context.Context, blueprintRef string, inputs json.RawMessage, opts SpawnOptions) (uuid.UUID, error) {
	if opts.ChildKey != nil {
		existing, err := rc.Store.FindChildByKey(ctx, rc.Run.ID, *opts.ChildKey)
		if err != nil {
			return uuid.Nil, err
		}
		if existing != nil {
			return *existing, nil
		}
	}

	priority := rc.Run.Priority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	if inputs == nil {
		inputs = json.RawMessage(`{}`)
	}

	childID, isConflict, err := rc.Store.SpawnChild(ctx, rc.Run.ID, blueprintRef, inputs, opts.ChildKey, priority, rc.CorrelationID, opts.RunAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("spawn run: %w", err)
	}
	if isConflict {
		if opts.ChildKey == nil {
			return uuid.Nil, fmt.Errorf("spawn run: unexpected conflict with no child_key")
		}
		existing, err := rc.Store.FindChildByKey(ctx, rc.Run.ID, *opts.ChildKey)
		if err != nil {
			return uuid.Nil, err
		}
		if existing == nil {
			return uuid.Nil, fmt.Errorf("spawn run: conflict reported but no winner found for key %q", *opts.ChildKey)
		}
		rc.Log.Info("race detected spawning child, returning existing", "child_key", *opts.ChildKey, "child_run_id", *existing)
		return *existing, nil
	}

	eventData, _ := json.Marshal(map[string]any{
		"parent_run_id": rc.Run.ID,
		"child_run_id":  childID,
		"child_key":     opts.ChildKey,
		"blueprint_ref": blueprintRef,
		"priority":      priority,
	})
	if err := rc.EmitEvent(ctx, model.EventRunSpawned, eventData); err != nil {
		return uuid.Nil, err
	}

	rc.Log.Info("spawned child run", "child_run_id", childID, "blueprint_ref", blueprintRef)
	return childID, nil
}
