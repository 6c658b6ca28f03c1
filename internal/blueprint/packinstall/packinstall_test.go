package packinstall

import (
	"strings"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestJoinComma(t *testing.T) {
	cases := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"a"}, "a"},
		{[]string{"a", "b"}, "a, b"},
		{[]string{"a", "b", "c"}, "a, b, c"},
	}
	for _, c := range cases {
		if got := joinComma(c.in); got != c.want {
			t.Errorf("joinComma(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestPgxIdent(t *testing.T) {
	if got := pgxIdent("billing"); got != `"billing"` {
		t.Errorf(`expected "billing", got %s`, got)
	}
}

func TestBuildCreateTableBasic(t *testing.T) {
	tbl := tableDef{
		Name: "invoices",
		Columns: []columnDef{
			{Name: "id", Type: "uuid", PrimaryKey: true},
			{Name: "amount", Type: "numeric", Nullable: boolPtr(false)},
			{Name: "note", Type: "text"},
		},
	}
	stmt := buildCreateTable("billing", tbl)

	if !strings.HasPrefix(stmt, "CREATE TABLE IF NOT EXISTS billing.invoices (") {
		t.Fatalf("unexpected prefix: %s", stmt)
	}
	if !strings.Contains(stmt, "id uuid PRIMARY KEY") {
		t.Errorf("expected primary key column, got %s", stmt)
	}
	if !strings.Contains(stmt, "amount numeric NOT NULL") {
		t.Errorf("expected NOT NULL column, got %s", stmt)
	}
	if !strings.Contains(stmt, "note text") {
		t.Errorf("expected nullable column with no NOT NULL, got %s", stmt)
	}
	if strings.Contains(stmt, "note text NOT NULL") {
		t.Errorf("nullable column should not carry NOT NULL, got %s", stmt)
	}
}

func TestBuildCreateTableUniqueAndForeignKey(t *testing.T) {
	tbl := tableDef{
		Name: "line_items",
		Columns: []columnDef{
			{Name: "id", Type: "uuid", PrimaryKey: true},
			{Name: "sku", Type: "text", Unique: true},
			{Name: "invoice_id", Type: "uuid", ForeignKey: "invoices.id"},
		},
	}
	stmt := buildCreateTable("billing", tbl)

	if !strings.Contains(stmt, "sku text UNIQUE") {
		t.Errorf("expected UNIQUE column, got %s", stmt)
	}
	if !strings.Contains(stmt, "FOREIGN KEY (invoice_id) REFERENCES billing.invoices(id)") {
		t.Errorf("expected foreign key clause, got %s", stmt)
	}
}

func TestBuildCreateTableNullableDefaultsToNoConstraint(t *testing.T) {
	tbl := tableDef{
		Name: "events",
		Columns: []columnDef{
			{Name: "payload", Type: "jsonb"},
		},
	}
	stmt := buildCreateTable("billing", tbl)
	if strings.Contains(stmt, "NOT NULL") {
		t.Errorf("expected no NOT NULL when Nullable is unset (nil), got %s", stmt)
	}
}
