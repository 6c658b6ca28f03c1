package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowengine/flowengine/internal/model"
)

// UpsertPack inserts or updates a catalog entry by pack_ref, used by
// the pack-seed loader to populate the packs table from an on-disk
// manifest file.
func (s *Store) UpsertPack(ctx context.Context, p model.Pack) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	const q = `
INSERT INTO packs (id, pack_ref, name, version, schema_name, manifest)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (pack_ref) DO UPDATE SET
  name = EXCLUDED.name,
  version = EXCLUDED.version,
  schema_name = EXCLUDED.schema_name,
  manifest = EXCLUDED.manifest
`
	_, err := s.Pool.Exec(ctx, q, p.ID, p.PackRef, p.Name, p.Version, p.SchemaName, p.Manifest)
	if err != nil {
		return fmt.Errorf("upsert pack %s: %w", p.PackRef, err)
	}
	return nil
}

// MarshalManifest is a small convenience used by the seed loader to
// turn a decoded YAML manifest back into the json.RawMessage packs.manifest
// expects, since the column is opaque JSON to the rest of the store.
func MarshalManifest(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
