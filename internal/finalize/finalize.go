// Package finalize realizes the terminal CAS transitions of a run
// (COMPLETED/FAILED), grounded on original_source/core/blueprints/
// runner.py's execute_run completion/failure blocks. Double
// finalization is structurally impossible: both transitions require
// the run to still be RUNNING under the calling worker's live lease.
package finalize

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowengine/flowengine/internal/model"
	"github.com/flowengine/flowengine/internal/store"
)

// Finalizer performs terminal run transitions against the queue store.
type Finalizer struct {
	Store *store.Store
}

func New(s *store.Store) *Finalizer {
	return &Finalizer{Store: s}
}

// Complete marks runID COMPLETED with the given outputs. Returns
// model.ErrLostLease if the calling worker no longer owns the run.
func (f *Finalizer) Complete(ctx context.Context, runID uuid.UUID, workerID string, outputs json.RawMessage) error {
	if outputs == nil {
		outputs = json.RawMessage(`{}`)
	}
	ok, err := f.Store.CompleteRun(ctx, runID, workerID, outputs)
	if err != nil {
		return fmt.Errorf("finalize complete: %w", err)
	}
	if !ok {
		return &model.ErrLostLease{RunID: runID, WorkerID: workerID}
	}
	return nil
}

// Fail marks runID FAILED with the given error document. Returns
// model.ErrLostLease if the calling worker no longer owns the run; the
// caller should log and swallow that case rather than escalate it,
// since losing ownership while failing is itself expected under crash
// recovery (another worker has already reclaimed the run).
func (f *Finalizer) Fail(ctx context.Context, runID uuid.UUID, workerID string, errDoc model.ErrorDocument) error {
	body, err := json.Marshal(errDoc)
	if err != nil {
		return fmt.Errorf("finalize fail: marshal error doc: %w", err)
	}
	ok, err := f.Store.FailRun(ctx, runID, workerID, body)
	if err != nil {
		return fmt.Errorf("finalize fail: %w", err)
	}
	if !ok {
		return &model.ErrLostLease{RunID: runID, WorkerID: workerID}
	}
	return nil
}
