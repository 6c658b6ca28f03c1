package packinstall

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/flowengine/flowengine/internal/model"
	"github.com/flowengine/flowengine/internal/runctx"
	"github.com/flowengine/flowengine/internal/store"
)

func setupPackStore(t *testing.T) *store.Store {
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
	return st
}

func seedBillingPack(t *testing.T, st *store.Store) model.Pack {
	t.Helper()
	manifest, _ := json.Marshal(map[string]any{
		"tables": []map[string]any{
			{
				"name": "invoices",
				"columns": []map[string]any{
					{"name": "id", "type": "uuid", "primary_key": true},
					{"name": "amount", "type": "numeric", "nullable": false},
				},
			},
		},
		"migrations": []map[string]any{
			{"id": "001_init", "sql": ""},
		},
	})
	pack := model.Pack{
		PackRef:    "core.billing@v1",
		Name:       "billing",
		Version:    "1.0.0",
		SchemaName: "billing_test",
		Manifest:   manifest,
	}
	if err := st.UpsertPack(context.Background(), pack); err != nil {
		t.Fatalf("seed pack: %v", err)
	}
	return pack
}

// newInstallingRunContext enqueues, claims, and wraps a run as the
// install() blueprint expects to receive it: a RUNNING run owned by
// workerID with a dedicated pool connection.
func newInstallingRunContext(t *testing.T, st *store.Store, workerID string) *runctx.RunContext {
	t.Helper()
	ctx := context.Background()

	runID, err := st.Enqueue(ctx, "core.pack.install@v1", json.RawMessage(`{}`), store.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue install run: %v", err)
	}
	if _, err := st.Claim(ctx, workerID, 10, 60); err != nil {
		t.Fatalf("claim install run: %v", err)
	}
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	conn, err := st.Pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire conn: %v", err)
	}
	t.Cleanup(conn.Release)
	return runctx.New(run, conn, st, workerID, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestInstallCreatesSchemaAndFinalizes(t *testing.T) {
	st := setupPackStore(t)
	seedBillingPack(t, st)
	svc := &service{pool: st.Pool}

	rc := newInstallingRunContext(t, st, "worker-1")
	inputs, _ := json.Marshal(installInputs{PackRef: "core.billing@v1", EnvID: "test-env"})

	out, err := svc.install(context.Background(), rc, inputs)
	if err != nil {
		t.Fatalf("install: %v", err)
	}

	var result struct {
		SchemaName string `json:"schema_name"`
		Version    string `json:"version"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("decode install output: %v", err)
	}
	if result.SchemaName != "billing_test" {
		t.Errorf("expected schema_name billing_test, got %s", result.SchemaName)
	}
	if result.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %s", result.Version)
	}

	var exists bool
	err = st.Pool.QueryRow(context.Background(),
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'billing_test' AND table_name = 'invoices')`,
	).Scan(&exists)
	if err != nil {
		t.Fatalf("check table existence: %v", err)
	}
	if !exists {
		t.Error("expected billing_test.invoices table to have been created")
	}
}

func TestInstallIsIdempotentOnReinstall(t *testing.T) {
	st := setupPackStore(t)
	seedBillingPack(t, st)
	svc := &service{pool: st.Pool}
	inputs, _ := json.Marshal(installInputs{PackRef: "core.billing@v1", EnvID: "test-env-2"})

	rc1 := newInstallingRunContext(t, st, "worker-1")
	if _, err := svc.install(context.Background(), rc1, inputs); err != nil {
		t.Fatalf("first install: %v", err)
	}

	rc2 := newInstallingRunContext(t, st, "worker-2")
	_, err := svc.install(context.Background(), rc2, inputs)
	var alreadyInstalled *ErrAlreadyInstalled
	if !errors.As(err, &alreadyInstalled) {
		t.Fatalf("expected ErrAlreadyInstalled on a second install attempt, got %v", err)
	}
}

func TestInstallRejectsUnknownPack(t *testing.T) {
	st := setupPackStore(t)
	svc := &service{pool: st.Pool}
	rc := newInstallingRunContext(t, st, "worker-1")
	inputs, _ := json.Marshal(installInputs{PackRef: "core.nonexistent@v1", EnvID: "test-env-3"})

	_, err := svc.install(context.Background(), rc, inputs)
	var notFound *ErrPackNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrPackNotFound, got %v", err)
	}
}

// TestInstallConcurrentRacersLockOutEachOther grounds the advisory
// lock guarding install(): two racers calling install() for the same
// (env, pack_ref) must never both run the locked body concurrently:
// at least one succeeds, any other fails with ErrInProgress or
// ErrAlreadyInstalled, and exactly one installation row exists.
func TestInstallConcurrentRacersLockOutEachOther(t *testing.T) {
	st := setupPackStore(t)
	seedBillingPack(t, st)
	svc := &service{pool: st.Pool}
	inputs, _ := json.Marshal(installInputs{PackRef: "core.billing@v1", EnvID: "test-env-race"})

	// Each run context is built before the racers start: Claim takes
	// every queued run up to its batch size, so building them inside the
	// goroutines could leave both runs owned by one worker id.
	rcs := []*runctx.RunContext{
		newInstallingRunContext(t, st, uuid.NewString()),
		newInstallingRunContext(t, st, uuid.NewString()),
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.install(context.Background(), rcs[i], inputs)
			results[i] = err
		}()
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		var inProgress *ErrInProgress
		var already *ErrAlreadyInstalled
		if !errors.As(err, &inProgress) && !errors.As(err, &already) {
			t.Fatalf("unexpected error from racing install: %v", err)
		}
	}
	if successes == 0 {
		t.Error("expected at least one racer to successfully install the pack")
	}

	var count int
	if err := st.Pool.QueryRow(context.Background(),
		`SELECT count(*) FROM pack_installations WHERE pack_ref = $1 AND env_id = $2`,
		"core.billing@v1", "test-env-race",
	).Scan(&count); err != nil {
		t.Fatalf("count installation rows: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly one installation row, got %d", count)
	}
}
