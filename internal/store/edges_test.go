package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "uq_run_edges_parent_child_key"}
	if !isUniqueViolation(pgErr) {
		t.Error("expected code 23505 to be recognized as a unique violation")
	}

	wrapped := fmt.Errorf("insert edge: %w", pgErr)
	if !isUniqueViolation(wrapped) {
		t.Error("expected a wrapped unique violation to still be recognized via errors.As")
	}
}

func TestIsUniqueViolationRejectsOtherCodes(t *testing.T) {
	other := &pgconn.PgError{Code: "23503"} // foreign_key_violation
	if isUniqueViolation(other) {
		t.Error("expected foreign key violation to not be treated as a unique violation")
	}
	if isUniqueViolation(errors.New("plain error")) {
		t.Error("expected a non-pg error to not be treated as a unique violation")
	}
}
