// Package worker implements the supervisor that claims queued runs and
// drives them to completion, grounded on original_source/core/
// worker.py's worker_loop/execute_run_worker/execute_run, restructured
// around the teacher's event-driven daemon shape
// (cmd/bd/daemon_event_loop.go): a signal channel, a cancellable
// context, and a select loop that shuts down gracefully once any
// in-flight execution finishes.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/flowengine/flowengine/internal/blueprint"
	"github.com/flowengine/flowengine/internal/finalize"
	"github.com/flowengine/flowengine/internal/lease"
	"github.com/flowengine/flowengine/internal/model"
	"github.com/flowengine/flowengine/internal/runctx"
	"github.com/flowengine/flowengine/internal/store"
)

// Config bundles the env-var knobs worker.py reads at import time.
type Config struct {
	WorkerID     string
	LeaseSeconds int
	PollInterval time.Duration
	BatchSize    int
}

// Supervisor runs the claim/execute poll loop until its context is
// canceled or a shutdown signal arrives.
type Supervisor struct {
	store      *store.Store
	registry   *blueprint.Registry
	finalizer  *finalize.Finalizer
	log        *slog.Logger
	cfg        Config
}

// New builds a Supervisor over an already-open store and a populated
// blueprint registry.
func New(st *store.Store, reg *blueprint.Registry, log *slog.Logger, cfg Config) *Supervisor {
	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("worker-%d", os.Getpid())
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 60
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	return &Supervisor{
		store:     st,
		registry:  reg,
		finalizer: finalize.New(st),
		log:       log,
		cfg:       cfg,
	}
}

// Run blocks until ctx is canceled or SIGTERM/SIGINT is received,
// claiming and executing runs in between. Unlike the original's
// single-run-at-a-time loop, a claimed batch executes sequentially
// within one tick (batch size controls claim width, not concurrency),
// matching worker.py's BATCH_SIZE knob, which sizes the SKIP LOCKED
// claim rather than a worker pool.
func (s *Supervisor) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.log.Info("worker started", "worker_id", s.cfg.WorkerID, "lease_seconds", s.cfg.LeaseSeconds,
		"poll_interval", s.cfg.PollInterval, "batch_size", s.cfg.BatchSize,
		"registered_blueprints", s.registry.List())

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			s.log.Info("received signal, shutting down gracefully", "signal", sig)
			cancel()
			return nil

		case <-runCtx.Done():
			s.log.Info("context canceled, shutting down")
			return runCtx.Err()

		default:
		}

		ids, err := s.store.Claim(runCtx, s.cfg.WorkerID, s.cfg.BatchSize, s.cfg.LeaseSeconds)
		if err != nil {
			if errors.Is(runCtx.Err(), context.Canceled) {
				return nil
			}
			s.log.Error("claim failed", "error", err)
			s.sleep(runCtx, ticker)
			continue
		}

		if len(ids) == 0 {
			s.sleep(runCtx, ticker)
			continue
		}

		for _, id := range ids {
			s.executeRunWorker(runCtx, id)
			select {
			case <-runCtx.Done():
				return nil
			default:
			}
		}
	}
}

func (s *Supervisor) sleep(ctx context.Context, ticker *time.Ticker) {
	select {
	case <-ctx.Done():
	case <-ticker.C:
	}
}

// executeRunWorker wraps executeRun with lease renewal on a dedicated
// background manager, exactly mirroring execute_run_worker's
// periodic_lease_renewal task lifecycle.
func (s *Supervisor) executeRunWorker(ctx context.Context, runID uuid.UUID) {
	lm := lease.Start(ctx, s.store.Pool, s.log, runID, s.cfg.WorkerID, s.cfg.LeaseSeconds)
	defer lm.Stop()

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	done := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case <-lm.Lost():
			s.log.Warn("lost ownership of run during execution, stopping", "run_id", runID)
			cancelExec()
		case <-done:
		}
	}()
	defer once.Do(func() { close(done) })

	if err := s.executeRun(execCtx, runID); err != nil {
		var lost *model.ErrLostLease
		if errors.As(err, &lost) {
			s.log.Warn("lost lease for run", "run_id", runID, "error", err)
			return
		}
		s.log.Error("run failed", "run_id", runID, "error", err)
		return
	}
	s.log.Info("completed run", "run_id", runID)
}

// executeRun loads the claimed run, resolves its blueprint, and drives
// it through start/complete/fail, matching execute_run's transaction
// boundaries: run.started is emitted before the blueprint body runs;
// afterwards the finalizer's CAS commits the terminal transition, and
// run.completed or run.failed follows in a separate transaction.
func (s *Supervisor) executeRun(ctx context.Context, runID uuid.UUID) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("execute run %s: load: %w", runID, err)
	}

	impl, ok := s.registry.Get(run.Name)
	if !ok {
		return &blueprint.ErrNotFound{Ref: run.Name}
	}

	conn, err := s.store.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("execute run %s: acquire connection: %w", runID, err)
	}
	defer conn.Release()

	rc := runctx.New(run, conn, s.store, s.cfg.WorkerID, s.log)

	startedData, _ := json.Marshal(map[string]any{
		"run_id":        run.ID,
		"blueprint_ref": run.Name,
		"inputs":        run.Inputs,
	})
	if err := rc.EmitEvent(ctx, model.EventRunStarted, startedData); err != nil {
		return fmt.Errorf("execute run %s: emit run.started: %w", runID, err)
	}

	outputs, runErr := impl(ctx, rc, run.Inputs)
	if runErr != nil {
		return s.finalizeFailure(ctx, rc, runID, runErr)
	}
	return s.finalizeSuccess(ctx, rc, runID, outputs)
}

func (s *Supervisor) finalizeSuccess(ctx context.Context, rc *runctx.RunContext, runID uuid.UUID, outputs json.RawMessage) error {
	if err := s.finalizer.Complete(ctx, runID, s.cfg.WorkerID, outputs); err != nil {
		return err
	}
	completedData, _ := json.Marshal(map[string]any{
		"run_id":  runID,
		"outputs": outputs,
	})
	return rc.EmitEvent(ctx, model.EventRunCompleted, completedData)
}

// finalizeFailure mirrors execute_run's except block: the CAS failure
// transition is attempted regardless of why the blueprint failed, and
// if ownership was already lost by the time of finalization that is
// logged rather than escalated, since the run is now another worker's
// responsibility. The original blueprint error is always returned to
// the caller for logging.
func (s *Supervisor) finalizeFailure(ctx context.Context, rc *runctx.RunContext, runID uuid.UUID, runErr error) error {
	errDoc := model.ErrorDocument{Message: runErr.Error(), Type: errorTypeName(runErr)}
	if err := s.finalizer.Fail(ctx, runID, s.cfg.WorkerID, errDoc); err != nil {
		var lost *model.ErrLostLease
		if errors.As(err, &lost) {
			s.log.Warn("lost ownership when marking run failed", "run_id", runID)
			return runErr
		}
		s.log.Error("error while marking run failed", "run_id", runID, "error", err)
		return runErr
	}
	failedData, _ := json.Marshal(map[string]any{
		"run_id": runID,
		"error":  runErr.Error(),
	})
	if err := rc.EmitEvent(ctx, model.EventRunFailed, failedData); err != nil {
		s.log.Warn("failed to emit run.failed event", "run_id", runID, "error", err)
	}
	return runErr
}

func errorTypeName(err error) string {
	var lost *model.ErrLostLease
	if errors.As(err, &lost) {
		return "ErrLostLease"
	}
	var notFound *blueprint.ErrNotFound
	if errors.As(err, &notFound) {
		return "ErrNotFound"
	}
	var bp *model.ErrBlueprintFailure
	if errors.As(err, &bp) {
		return bp.Type
	}
	return "error"
}
