package worker_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/flowengine/flowengine/internal/blueprint"
	"github.com/flowengine/flowengine/internal/model"
	"github.com/flowengine/flowengine/internal/runctx"
	"github.com/flowengine/flowengine/internal/store"
	"github.com/flowengine/flowengine/internal/worker"
)

func setupEngine(t *testing.T) (*store.Store, *blueprint.Registry, *slog.Logger) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping testcontainers-backed integration test in -short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("flowengine"),
		postgres.WithUsername("flowengine"),
		postgres.WithPassword("flowengine"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("unable to start postgres container (no docker?): %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	st, err := store.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	reg := blueprint.NewRegistry()
	blueprint.RegisterSamples(reg)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return st, reg, log
}

func waitForStatus(t *testing.T, st *store.Store, runID uuid.UUID, want model.RunStatus, timeout time.Duration) *model.Run {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(ctx, runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if run.Status == want {
			return run
		}
		if run.Status.Terminal() && run.Status != want {
			t.Fatalf("run reached terminal status %s, expected %s", run.Status, want)
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for run %s to reach %s", runID, want)
	return nil
}

// TestHappyPathEchoRun grounds seed scenario 1: enqueue core.test.echo@v1
// and drive it to completion with a single worker poll loop, asserting
// outputs echo the inputs.
func TestHappyPathEchoRun(t *testing.T) {
	st, reg, log := setupEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runID, err := st.Enqueue(ctx, "core.test.echo@v1", json.RawMessage(`{"x":1}`), store.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sup := worker.New(st, reg, log, worker.Config{WorkerID: "worker-A", LeaseSeconds: 10, PollInterval: 50 * time.Millisecond, BatchSize: 1})
	go func() { _ = sup.Run(ctx) }()

	run := waitForStatus(t, st, runID, model.RunCompleted, 10*time.Second)
	if string(run.Outputs) != `{"x": 1}` {
		t.Errorf("expected outputs to echo inputs, got %s", run.Outputs)
	}
	if run.LockedBy == nil || *run.LockedBy != "worker-A" {
		t.Errorf("expected locked_by worker-A, got %v", run.LockedBy)
	}
}

// TestCrashReclaimHandsOffToSecondWorker grounds seed scenario 2: a run
// claimed by worker-A with a short lease, never finalized, must be
// reclaimed and completed by worker-B once the lease expires.
func TestCrashReclaimHandsOffToSecondWorker(t *testing.T) {
	st, reg, log := setupEngine(t)
	ctx := context.Background()

	runID, err := st.Enqueue(ctx, "core.test.echo@v1", json.RawMessage(`{"x":2}`), store.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// worker-A claims but never executes, simulating a crash.
	if _, err := st.Claim(ctx, "worker-A", 1, 1); err != nil {
		t.Fatalf("claim as worker-A: %v", err)
	}
	time.Sleep(2 * time.Second)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sup := worker.New(st, reg, log, worker.Config{WorkerID: "worker-B", LeaseSeconds: 10, PollInterval: 50 * time.Millisecond, BatchSize: 1})
	go func() { _ = sup.Run(runCtx) }()

	run := waitForStatus(t, st, runID, model.RunCompleted, 10*time.Second)
	if run.LockedBy == nil || *run.LockedBy != "worker-B" {
		t.Errorf("expected locked_by worker-B after reclaim, got %v", run.LockedBy)
	}
}

// registerOrchestrator registers an ad-hoc parent blueprint that spawns
// one sleep child per spec and waits on them with policy, grounding seed
// scenarios 3-5 (parallel all/fail-fast/any) against a real
// orchestrating parent.
func registerOrchestrator(t *testing.T, reg *blueprint.Registry, name string, childSpecs []sleepSpec, policy runctx.WaitPolicy) {
	t.Helper()
	reg.Register(name, func(ctx context.Context, rc *runctx.RunContext, inputs json.RawMessage) (json.RawMessage, error) {
		var ids []uuid.UUID
		for _, spec := range childSpecs {
			childInputs, _ := json.Marshal(map[string]any{"duration_ms": spec.durationMS, "fail": spec.fail})
			id, err := rc.SpawnRun(ctx, "core.test.sleep@v1", childInputs, runctx.SpawnOptions{})
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		result, err := rc.WaitRuns(ctx, ids, policy, 15*time.Second, 50*time.Millisecond)
		if err != nil {
			return nil, err
		}
		out, _ := json.Marshal(map[string]any{"completed": result.Completed, "failed": result.Failed})
		return out, nil
	})
}

type sleepSpec struct {
	durationMS int
	fail       bool
}

// startChildWorkers runs two more supervisors on ctx. A Supervisor
// executes its claimed runs one at a time, so while worker-A's parent
// blocks in WaitRuns the children are claimed and run by these.
func startChildWorkers(ctx context.Context, st *store.Store, reg *blueprint.Registry, log *slog.Logger) {
	for _, id := range []string{"worker-B", "worker-C"} {
		helper := worker.New(st, reg, log, worker.Config{WorkerID: id, LeaseSeconds: 30, PollInterval: 50 * time.Millisecond, BatchSize: 1})
		go func() { _ = helper.Run(ctx) }()
	}
}

// TestParallelAllSuccess grounds seed scenario 3.
func TestParallelAllSuccess(t *testing.T) {
	st, reg, log := setupEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registerOrchestrator(t, reg, "test.orchestrator.all@v1",
		[]sleepSpec{{durationMS: 300}, {durationMS: 700}}, runctx.WaitAll)

	runID, err := st.Enqueue(ctx, "test.orchestrator.all@v1", json.RawMessage(`{}`), store.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sup := worker.New(st, reg, log, worker.Config{WorkerID: "worker-A", LeaseSeconds: 30, PollInterval: 50 * time.Millisecond, BatchSize: 4})
	go func() { _ = sup.Run(ctx) }()
	startChildWorkers(ctx, st, reg, log)

	start := time.Now()
	run := waitForStatus(t, st, runID, model.RunCompleted, 15*time.Second)
	elapsed := time.Since(start)
	if elapsed < 650*time.Millisecond {
		t.Errorf("expected parent to take at least ~700ms, took %v", elapsed)
	}

	var out struct {
		Completed []uuid.UUID `json:"completed"`
		Failed    []uuid.UUID `json:"failed"`
	}
	if err := json.Unmarshal(run.Outputs, &out); err != nil {
		t.Fatalf("decode outputs: %v", err)
	}
	if len(out.Completed) != 2 {
		t.Errorf("expected 2 completed children, got %d", len(out.Completed))
	}
	if len(out.Failed) != 0 {
		t.Errorf("expected no failed children, got %d", len(out.Failed))
	}
}

// TestFailFastOnAll grounds seed scenario 4.
func TestFailFastOnAll(t *testing.T) {
	st, reg, log := setupEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registerOrchestrator(t, reg, "test.orchestrator.failfast@v1",
		[]sleepSpec{{durationMS: 100, fail: true}, {durationMS: 2000}}, runctx.WaitAll)

	runID, err := st.Enqueue(ctx, "test.orchestrator.failfast@v1", json.RawMessage(`{}`), store.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sup := worker.New(st, reg, log, worker.Config{WorkerID: "worker-A", LeaseSeconds: 30, PollInterval: 50 * time.Millisecond, BatchSize: 4})
	go func() { _ = sup.Run(ctx) }()
	startChildWorkers(ctx, st, reg, log)

	run := waitForStatus(t, st, runID, model.RunFailed, 15*time.Second)
	if run.Error == nil {
		t.Error("expected a populated error document on fail-fast")
	}
}

// TestAnyShortCircuits grounds seed scenario 5.
func TestAnyShortCircuits(t *testing.T) {
	st, reg, log := setupEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registerOrchestrator(t, reg, "test.orchestrator.any@v1",
		[]sleepSpec{{durationMS: 100}, {durationMS: 2000}}, runctx.WaitAny)

	runID, err := st.Enqueue(ctx, "test.orchestrator.any@v1", json.RawMessage(`{}`), store.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sup := worker.New(st, reg, log, worker.Config{WorkerID: "worker-A", LeaseSeconds: 30, PollInterval: 50 * time.Millisecond, BatchSize: 4})
	go func() { _ = sup.Run(ctx) }()
	startChildWorkers(ctx, st, reg, log)

	start := time.Now()
	_ = waitForStatus(t, st, runID, model.RunCompleted, 15*time.Second)
	elapsed := time.Since(start)
	if elapsed > 1500*time.Millisecond {
		t.Errorf("expected any-policy parent to short-circuit within 1.5s, took %v", elapsed)
	}
}
