package packseed

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/flowengine/flowengine/internal/store"
)

const sampleYAML = `
packs:
  - pack_ref: core.billing@v1
    name: Billing
    version: "1.0.0"
    schema_name: billing
    tables:
      - name: invoices
        columns:
          - name: id
            type: uuid
            primary_key: true
          - name: amount
            type: numeric
            nullable: false
    migrations:
      - id: "001_init"
        sql: "SELECT 1"
`

// manifestView mirrors the JSON shape packinstall.go decodes
// packs.manifest into, kept local to the test so it doesn't depend on
// an unexported type from another package.
type manifestView struct {
	Tables []struct {
		Name    string `json:"name"`
		Columns []struct {
			Name       string `json:"name"`
			Type       string `json:"type"`
			PrimaryKey bool   `json:"primary_key"`
			Nullable   *bool  `json:"nullable"`
		} `json:"columns"`
	} `json:"tables"`
	Migrations []struct {
		ID  string `json:"id"`
		SQL string `json:"sql"`
	} `json:"migrations"`
}

func TestLoadFileManifestRoundTripsToJSON(t *testing.T) {
	var doc fileFormat
	if err := yaml.Unmarshal([]byte(sampleYAML), &doc); err != nil {
		t.Fatalf("unmarshal yaml: %v", err)
	}
	if len(doc.Packs) != 1 {
		t.Fatalf("expected 1 pack entry, got %d", len(doc.Packs))
	}
	entry := doc.Packs[0]
	if entry.PackRef != "core.billing@v1" {
		t.Errorf("unexpected pack_ref: %s", entry.PackRef)
	}

	manifest, err := store.MarshalManifest(map[string]any{
		"tables":     entry.Tables,
		"migrations": entry.Migrations,
	})
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}

	var view manifestView
	if err := json.Unmarshal(manifest, &view); err != nil {
		t.Fatalf("decode manifest as packinstall would: %v", err)
	}

	if len(view.Tables) != 1 || view.Tables[0].Name != "invoices" {
		t.Fatalf("expected invoices table to survive the yaml->json bridge, got %+v", view.Tables)
	}
	cols := view.Tables[0].Columns
	if len(cols) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(cols))
	}
	if !cols[0].PrimaryKey {
		t.Error("expected id column to be primary_key=true after round-trip")
	}
	if cols[1].Nullable == nil || *cols[1].Nullable {
		t.Error("expected amount column to be nullable=false after round-trip")
	}

	if len(view.Migrations) != 1 || view.Migrations[0].ID != "001_init" {
		t.Fatalf("expected migration 001_init to survive the round-trip, got %+v", view.Migrations)
	}
}
