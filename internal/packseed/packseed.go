// Package packseed loads a local pack catalog definition from a YAML
// file into the packs table, grounded on the teacher's own use of
// gopkg.in/yaml.v3 for on-disk config/manifest parsing (e.g.
// cmd/bd/template.go, cmd/bd/workflow.go) rather than inventing a
// separate format for this engine's pack manifests.
package packseed

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flowengine/flowengine/internal/model"
	"github.com/flowengine/flowengine/internal/store"
)

// fileFormat mirrors the shape packinstall.go decodes packs.manifest
// into (tables + migrations), kept in one place since both the seed
// loader and the install blueprints need to agree on it.
type fileFormat struct {
	Packs []packEntry `yaml:"packs"`
}

type packEntry struct {
	PackRef    string      `yaml:"pack_ref" json:"pack_ref"`
	Name       string      `yaml:"name" json:"name"`
	Version    string      `yaml:"version" json:"version"`
	SchemaName string      `yaml:"schema_name" json:"schema_name"`
	Tables     []tableYAML `yaml:"tables" json:"tables"`
	Migrations []migYAML   `yaml:"migrations" json:"migrations"`
}

// tableYAML/columnYAML/migYAML carry both yaml tags (for parsing the
// seed file) and json tags matching packinstall's manifest decoding
// (tableDef/columnDef/migrationDef), since the decoded value is
// re-marshaled into packs.manifest and read back as JSON.
type tableYAML struct {
	Name    string       `yaml:"name" json:"name"`
	Columns []columnYAML `yaml:"columns" json:"columns"`
}

type columnYAML struct {
	Name       string `yaml:"name" json:"name"`
	Type       string `yaml:"type" json:"type"`
	PrimaryKey bool   `yaml:"primary_key" json:"primary_key"`
	Nullable   *bool  `yaml:"nullable" json:"nullable"`
	Unique     bool   `yaml:"unique" json:"unique"`
	ForeignKey string `yaml:"foreign_key" json:"foreign_key"`
}

type migYAML struct {
	ID  string `yaml:"id" json:"id"`
	SQL string `yaml:"sql" json:"sql"`
}

// LoadFile parses path and upserts every pack entry into st's catalog,
// returning the refs it wrote.
func LoadFile(ctx context.Context, st *store.Store, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pack seed: read %s: %w", path, err)
	}

	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("pack seed: parse %s: %w", path, err)
	}

	refs := make([]string, 0, len(doc.Packs))
	for _, entry := range doc.Packs {
		manifest, err := store.MarshalManifest(map[string]any{
			"tables":     entry.Tables,
			"migrations": entry.Migrations,
		})
		if err != nil {
			return nil, fmt.Errorf("pack seed: encode manifest for %s: %w", entry.PackRef, err)
		}

		pack := model.Pack{
			PackRef:    entry.PackRef,
			Name:       entry.Name,
			Version:    entry.Version,
			SchemaName: entry.SchemaName,
			Manifest:   manifest,
		}
		if err := st.UpsertPack(ctx, pack); err != nil {
			return nil, err
		}
		refs = append(refs, entry.PackRef)
	}
	return refs, nil
}
