package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func testHandler() *handler {
	return &handler{store: nil, log: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestEnqueueRejectsInvalidJSON(t *testing.T) {
	h := testHandler()
	req := httptest.NewRequest(http.MethodPost, "/v1/runs/", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()

	h.enqueue(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestEnqueueRejectsMissingBlueprintRef(t *testing.T) {
	h := testHandler()
	body, _ := json.Marshal(map[string]any{"actor": "tester"})
	req := httptest.NewRequest(http.MethodPost, "/v1/runs/", bytes.NewBuffer(body))
	w := httptest.NewRecorder()

	h.enqueue(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["error"] == "" {
		t.Error("expected an error message in the response body")
	}
}

func TestGetRunRejectsInvalidID(t *testing.T) {
	h := testHandler()
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/not-a-uuid", nil)

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "not-a-uuid")
	req = req.WithContext(withChiContext(req, rctx))

	w := httptest.NewRecorder()
	h.getRun(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func withChiContext(r *http.Request, rctx *chi.Context) context.Context {
	return context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
}
