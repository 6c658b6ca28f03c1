package worker

import (
	"testing"

	"github.com/google/uuid"

	"github.com/flowengine/flowengine/internal/blueprint"
	"github.com/flowengine/flowengine/internal/model"
)

func TestErrorTypeNameLostLease(t *testing.T) {
	err := &model.ErrLostLease{RunID: uuid.New(), WorkerID: "worker-1"}
	if got := errorTypeName(err); got != "ErrLostLease" {
		t.Errorf("expected ErrLostLease, got %s", got)
	}
}

func TestErrorTypeNameBlueprintNotFound(t *testing.T) {
	err := &blueprint.ErrNotFound{Ref: "core.missing@v1"}
	if got := errorTypeName(err); got != "ErrNotFound" {
		t.Errorf("expected ErrNotFound, got %s", got)
	}
}

func TestErrorTypeNameBlueprintFailure(t *testing.T) {
	err := &model.ErrBlueprintFailure{Type: "ValidationError", Message: "bad input"}
	if got := errorTypeName(err); got != "ValidationError" {
		t.Errorf("expected the blueprint-supplied type name to pass through, got %s", got)
	}
}

func TestErrorTypeNameGeneric(t *testing.T) {
	err := errPlain("boom")
	if got := errorTypeName(err); got != "error" {
		t.Errorf("expected generic errors to fall back to \"error\", got %s", got)
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
