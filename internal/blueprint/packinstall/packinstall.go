// Package packinstall implements the pack installation blueprints,
// grounded on original_source/core/blueprints/pack_install.py:
// system-level schema/table creation, migration application, and an
// orchestrator that advisory-locks per (env, pack_ref), atomically
// claims an installation row, runs the two sub-steps, and finalizes
// under a row lock with idempotent re-entry.
//
// The original's system-install and migration steps run as separate
// queued child runs via run_blueprint; here they run as direct, inline
// step sequences within the installing run. Both still go through the
// same step-recording and event-emission path (runctx.Step), so the
// audit trail is equivalent; only the "separate run row per sub-stage"
// indirection is flattened, since nothing in this engine's DAG
// orchestration needs pack installation sub-stages to be independently
// resumable runs.
package packinstall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowengine/flowengine/internal/advisory"
	"github.com/flowengine/flowengine/internal/blueprint"
	"github.com/flowengine/flowengine/internal/model"
	"github.com/flowengine/flowengine/internal/runctx"
)

// Register wires the three pack-installation blueprints into r. pool
// is used to obtain the dedicated connection each advisory lock needs.
func Register(r *blueprint.Registry, pool *pgxpool.Pool) {
	svc := &service{pool: pool}
	r.Register("core.pack.system.install@v1", svc.systemInstall)
	r.Register("core.migrations.apply@v1", svc.applyMigrations)
	r.Register("core.pack.install@v1", svc.install)
}

type service struct {
	pool *pgxpool.Pool
}

type systemInstallInputs struct {
	PackRef    string `json:"pack_ref"`
	SchemaName string `json:"schema_name"`
}

// systemInstall creates the pack's schema and its manifest tables.
func (s *service) systemInstall(ctx context.Context, rc *runctx.RunContext, inputs json.RawMessage) (json.RawMessage, error) {
	var in systemInstallInputs
	if err := json.Unmarshal(inputs, &in); err != nil {
		return nil, fmt.Errorf("system install: decode inputs: %w", err)
	}

	pack, err := loadPack(ctx, rc.Conn, in.PackRef)
	if err != nil {
		return nil, err
	}

	if _, err := rc.Step(ctx, "Create database schema", model.StepKindActionTask, func(ctx context.Context) (json.RawMessage, error) {
		_ = rc.EmitProgress(ctx, fmt.Sprintf("creating schema %s", in.SchemaName), nil)
		_, err := rc.Conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgxIdent(in.SchemaName)))
		return json.RawMessage(`{}`), err
	}); err != nil {
		return nil, err
	}

	var manifest struct {
		Tables []tableDef `json:"tables"`
	}
	if err := json.Unmarshal(pack.Manifest, &manifest); err != nil {
		return nil, fmt.Errorf("system install: decode manifest: %w", err)
	}

	tablesCreated := make([]string, 0, len(manifest.Tables))
	for _, t := range manifest.Tables {
		name := t.Name
		if _, err := rc.Step(ctx, fmt.Sprintf("Create table %s", name), model.StepKindActionTask, func(ctx context.Context) (json.RawMessage, error) {
			_ = rc.EmitProgress(ctx, fmt.Sprintf("creating table %s.%s", in.SchemaName, name), nil)
			stmt := buildCreateTable(in.SchemaName, t)
			_, err := rc.Conn.Exec(ctx, stmt)
			return json.RawMessage(`{}`), err
		}); err != nil {
			return nil, err
		}
		tablesCreated = append(tablesCreated, name)
	}

	out, _ := json.Marshal(map[string]any{
		"schema_name":    in.SchemaName,
		"tables_created": tablesCreated,
		"table_count":    len(tablesCreated),
	})
	return out, nil
}

type tableDef struct {
	Name    string      `json:"name"`
	Columns []columnDef `json:"columns"`
}

type columnDef struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	PrimaryKey bool   `json:"primary_key"`
	Nullable   *bool  `json:"nullable"`
	Unique     bool   `json:"unique"`
	ForeignKey string `json:"foreign_key"`
}

func buildCreateTable(schemaName string, t tableDef) string {
	var cols []string
	for _, c := range t.Columns {
		def := fmt.Sprintf("%s %s", c.Name, c.Type)
		if c.PrimaryKey {
			def += " PRIMARY KEY"
		}
		if c.Nullable != nil && !*c.Nullable {
			def += " NOT NULL"
		}
		if c.Unique {
			def += " UNIQUE"
		}
		cols = append(cols, def)
	}
	for _, c := range t.Columns {
		if c.ForeignKey == "" {
			continue
		}
		fkTable, fkColumn, _ := strings.Cut(c.ForeignKey, ".")
		cols = append(cols, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s.%s(%s)", c.Name, schemaName, fkTable, fkColumn))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (%s)", schemaName, t.Name, joinComma(cols))
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// pgxIdent is a minimal defensive quoting helper for schema names that
// originate from pack manifests rather than operator input.
func pgxIdent(ident string) string {
	return `"` + ident + `"`
}

type migrationDef struct {
	ID  string `json:"id"`
	SQL string `json:"sql"`
}

type applyMigrationsInputs struct {
	PackRef    string         `json:"pack_ref"`
	SchemaName string         `json:"schema_name"`
	Migrations []migrationDef `json:"migrations"`
}

// applyMigrations runs each migration's SQL in its own step.
func (s *service) applyMigrations(ctx context.Context, rc *runctx.RunContext, inputs json.RawMessage) (json.RawMessage, error) {
	var in applyMigrationsInputs
	if err := json.Unmarshal(inputs, &in); err != nil {
		return nil, fmt.Errorf("apply migrations: decode inputs: %w", err)
	}

	if len(in.Migrations) == 0 {
		if _, err := rc.Step(ctx, "Check migrations", model.StepKindActionTask, func(ctx context.Context) (json.RawMessage, error) {
			_ = rc.EmitProgress(ctx, "no migrations to apply", nil)
			return json.RawMessage(`{"message":"No migrations defined"}`), nil
		}); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"migrations_applied":[]}`), nil
	}

	applied := make([]string, 0, len(in.Migrations))
	for _, m := range in.Migrations {
		id := m.ID
		if _, err := rc.Step(ctx, fmt.Sprintf("Apply migration %s", id), model.StepKindActionTask, func(ctx context.Context) (json.RawMessage, error) {
			_ = rc.EmitProgress(ctx, fmt.Sprintf("applying migration %s to %s", id, in.SchemaName), nil)
			if m.SQL != "" {
				if _, err := rc.Conn.Exec(ctx, m.SQL); err != nil {
					return nil, err
				}
			}
			return json.RawMessage(`{}`), nil
		}); err != nil {
			return nil, err
		}
		applied = append(applied, id)
	}

	out, _ := json.Marshal(map[string]any{
		"migrations_applied": applied,
		"migration_count":    len(applied),
	})
	return out, nil
}

type installInputs struct {
	PackRef string `json:"pack_ref"`
	EnvID   string `json:"env_id"`
}

// install orchestrates system install + migrations under an advisory
// lock keyed "pack.install:{env}:{pack_ref}", claims an installation
// row atomically, and finalizes it under a row lock with idempotent
// re-entry, grounded on install_pack/_install_pack_locked.
func (s *service) install(ctx context.Context, rc *runctx.RunContext, inputs json.RawMessage) (json.RawMessage, error) {
	var in installInputs
	if err := json.Unmarshal(inputs, &in); err != nil {
		return nil, fmt.Errorf("install pack: decode inputs: %w", err)
	}
	if in.EnvID == "" {
		in.EnvID = "local-dev"
	}

	lockKey := fmt.Sprintf("pack.install:%s:%s", in.EnvID, in.PackRef)

	// install() locks through a raw *pgx.Conn (advisory.WithLock's
	// signature); acquire one from the pool for the duration of the
	// lock, distinct from rc.Conn which stays dedicated to the run's
	// own step bookkeeping.
	lockConn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("install pack: acquire lock connection: %w", err)
	}
	defer lockConn.Release()

	var out json.RawMessage
	err = advisory.WithLock(ctx, lockConn.Conn(), lockKey, true, func() error {
		var innerErr error
		out, innerErr = s.installLocked(ctx, rc, in.PackRef, in.EnvID)
		return innerErr
	})
	var lockErr *model.ErrLockUnavailable
	if errors.As(err, &lockErr) {
		return nil, &ErrInProgress{PackRef: in.PackRef, EnvID: in.EnvID}
	}
	return out, err
}

func (s *service) installLocked(ctx context.Context, rc *runctx.RunContext, packRef, envID string) (json.RawMessage, error) {
	var pack *model.Pack
	if _, err := rc.Step(ctx, "Validate pack", model.StepKindActionTask, func(ctx context.Context) (json.RawMessage, error) {
		_ = rc.EmitProgress(ctx, fmt.Sprintf("validating pack %s", packRef), nil)
		p, err := loadPack(ctx, rc.Conn, packRef)
		if err != nil {
			return nil, err
		}
		pack = p
		out, _ := json.Marshal(map[string]any{"pack_id": pack.ID, "schema_name": pack.SchemaName})
		return out, nil
	}); err != nil {
		return nil, err
	}

	var installation *model.PackInstallation
	if _, err := rc.Step(ctx, "Create installation record", model.StepKindActionTask, func(ctx context.Context) (json.RawMessage, error) {
		inst, err := claimInstallation(ctx, rc.Conn, pack, envID, rc.Run.ID)
		if err != nil {
			return nil, err
		}
		installation = inst
		out, _ := json.Marshal(map[string]any{
			"installation_id":   installation.ID,
			"claimed_by_run_id": installation.InstalledByRunID,
		})
		return out, nil
	}); err != nil {
		return nil, err
	}

	var tablesCreated []string
	if _, err := rc.Step(ctx, "Execute system installation", model.StepKindAgentTask, func(ctx context.Context) (json.RawMessage, error) {
		_ = rc.EmitProgress(ctx, "running core.pack.system.install@v1", nil)
		sysInputs, _ := json.Marshal(systemInstallInputs{PackRef: packRef, SchemaName: pack.SchemaName})
		out, err := s.systemInstall(ctx, rc, sysInputs)
		if err != nil {
			return nil, err
		}
		var parsed struct {
			TablesCreated []string `json:"tables_created"`
		}
		_ = json.Unmarshal(out, &parsed)
		tablesCreated = parsed.TablesCreated
		return out, nil
	}); err != nil {
		return nil, err
	}

	var manifest struct {
		Migrations []migrationDef `json:"migrations"`
	}
	_ = json.Unmarshal(pack.Manifest, &manifest)

	latestMigrationID := ""
	if len(manifest.Migrations) > 0 {
		if _, err := rc.Step(ctx, "Execute migrations", model.StepKindAgentTask, func(ctx context.Context) (json.RawMessage, error) {
			_ = rc.EmitProgress(ctx, fmt.Sprintf("running core.migrations.apply@v1 (%d migrations)", len(manifest.Migrations)), nil)
			migInputs, _ := json.Marshal(applyMigrationsInputs{PackRef: packRef, SchemaName: pack.SchemaName, Migrations: manifest.Migrations})
			out, err := s.applyMigrations(ctx, rc, migInputs)
			if err != nil {
				return nil, err
			}
			var parsed struct {
				MigrationsApplied []string `json:"migrations_applied"`
			}
			_ = json.Unmarshal(out, &parsed)
			if len(parsed.MigrationsApplied) > 0 {
				latestMigrationID = parsed.MigrationsApplied[len(parsed.MigrationsApplied)-1]
			}
			return out, nil
		}); err != nil {
			return nil, err
		}
	}

	var result json.RawMessage
	if _, err := rc.Step(ctx, "Finalize installation", model.StepKindActionTask, func(ctx context.Context) (json.RawMessage, error) {
		_ = rc.EmitProgress(ctx, "locking installation record for finalization", nil)
		finalized, idempotent, err := finalizeInstallation(ctx, rc.Conn, installation.ID, rc.Run.ID, pack.Version, latestMigrationID)
		if err != nil {
			return nil, err
		}
		out, _ := json.Marshal(map[string]any{
			"status":               "installed",
			"version":              finalized.InstalledVersion,
			"migration_state":      finalized.MigrationState,
			"installed_by_run_id":  finalized.InstalledByRunID,
			"schema_name":          finalized.SchemaName,
			"idempotent":           idempotent,
		})
		return out, nil
	}); err != nil {
		return nil, err
	}

	out, _ := json.Marshal(map[string]any{
		"pack_id":         pack.ID,
		"installation_id": installation.ID,
		"schema_name":     pack.SchemaName,
		"version":         pack.Version,
	})
	_ = tablesCreated // retained on the system-install step's own output
	result = out
	return result, nil
}

func loadPack(ctx context.Context, conn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, packRef string) (*model.Pack, error) {
	var p model.Pack
	err := conn.QueryRow(ctx, `SELECT id, pack_ref, name, version, schema_name, manifest FROM packs WHERE pack_ref = $1`, packRef).
		Scan(&p.ID, &p.PackRef, &p.Name, &p.Version, &p.SchemaName, &p.Manifest)
	if err != nil {
		return nil, &ErrPackNotFound{PackRef: packRef}
	}
	return &p, nil
}

func claimInstallation(ctx context.Context, conn *pgxpool.Conn, pack *model.Pack, envID string, runID uuid.UUID) (*model.PackInstallation, error) {
	id := uuid.New()
	const claimSQL = `
INSERT INTO pack_installations (id, pack_ref, env_id, status, schema_name, installed_by_run_id)
VALUES ($1, $2, $3, 'INSTALLING', $4, $5)
ON CONFLICT ON CONSTRAINT uq_pack_installations_env_pack DO NOTHING
RETURNING id, pack_ref, env_id, status, schema_name, installed_version, migration_state, installed_by_run_id, installed_at, error, created_at, updated_at
`
	inst, err := scanInstallation(conn.QueryRow(ctx, claimSQL, id, pack.PackRef, envID, pack.SchemaName, runID))
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim installation: %w", err)
	}

	existing, err := fetchInstallationByPackEnv(ctx, conn, pack.PackRef, envID)
	if err != nil {
		return nil, err
	}
	switch existing.Status {
	case model.PackInstallationInstalled:
		return nil, &ErrAlreadyInstalled{PackRef: pack.PackRef, EnvID: envID, InstallationID: existing.ID, InstalledByRunID: existing.InstalledByRunID}
	case model.PackInstallationFailed:
		return nil, &ErrPreviouslyFailed{PackRef: pack.PackRef, EnvID: envID, InstallationID: existing.ID}
	default:
		return nil, &ErrInProgress{PackRef: pack.PackRef, EnvID: envID, InstallationID: &existing.ID}
	}
}

func fetchInstallationByPackEnv(ctx context.Context, conn *pgxpool.Conn, packRef, envID string) (*model.PackInstallation, error) {
	const q = `
SELECT id, pack_ref, env_id, status, schema_name, installed_version, migration_state, installed_by_run_id, installed_at, error, created_at, updated_at
FROM pack_installations WHERE pack_ref = $1 AND env_id = $2
`
	return scanInstallation(conn.QueryRow(ctx, q, packRef, envID))
}

func scanInstallation(row pgx.Row) (*model.PackInstallation, error) {
	var inst model.PackInstallation
	err := row.Scan(
		&inst.ID, &inst.PackRef, &inst.EnvID, &inst.Status, &inst.SchemaName,
		&inst.InstalledVersion, &inst.MigrationState, &inst.InstalledByRunID,
		&inst.InstalledAt, &inst.Error, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// finalizeInstallation locks the installation row, enforces the
// INSTALLED invariants, and transitions it, or returns the existing
// state unchanged if another caller already finalized it (idempotent
// re-entry).
func finalizeInstallation(ctx context.Context, conn *pgxpool.Conn, installationID, runID uuid.UUID, version, latestMigrationID string) (*model.PackInstallation, bool, error) {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("finalize installation: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const lockSQL = `
SELECT id, pack_ref, env_id, status, schema_name, installed_version, migration_state, installed_by_run_id, installed_at, error, created_at, updated_at
FROM pack_installations WHERE id = $1 FOR UPDATE
`
	locked, err := scanInstallation(tx.QueryRow(ctx, lockSQL, installationID))
	if err != nil {
		return nil, false, fmt.Errorf("finalize installation: lock row: %w", err)
	}

	if locked.Status == model.PackInstallationInstalled {
		return locked, true, nil
	}

	if locked.InstalledByRunID == nil || *locked.InstalledByRunID != runID {
		return nil, false, &ErrConflict{
			Message:       fmt.Sprintf("installation is owned by a different run, not %s", runID),
			ExpectedRunID: runID,
			ActualRunID:   locked.InstalledByRunID,
		}
	}
	if locked.Status != model.PackInstallationInstalling {
		return nil, false, &ErrConflict{Message: fmt.Sprintf("cannot finalize from status=%s; expected INSTALLING", locked.Status), ExpectedRunID: runID}
	}
	if locked.SchemaName == "" {
		return nil, false, &ErrInvariant{Field: "schema_name", Message: "schema_name must be set before marking as installed"}
	}
	if version == "" {
		return nil, false, &ErrInvariant{Field: "version", Message: "pack version must be set before marking as installed"}
	}

	migrationState := latestMigrationID
	if migrationState == "" {
		migrationState = "init"
	}

	const updateSQL = `
UPDATE pack_installations
SET status = 'INSTALLED', installed_version = $2, migration_state = $3, installed_at = NOW(), error = NULL, updated_at = NOW()
WHERE id = $1
RETURNING id, pack_ref, env_id, status, schema_name, installed_version, migration_state, installed_by_run_id, installed_at, error, created_at, updated_at
`
	updated, err := scanInstallation(tx.QueryRow(ctx, updateSQL, installationID, version, migrationState))
	if err != nil {
		return nil, false, fmt.Errorf("finalize installation: update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("finalize installation: commit: %w", err)
	}
	return updated, false, nil
}
