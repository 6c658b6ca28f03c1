// Package httpapi exposes a minimal HTTP surface over the run queue:
// enqueue and inspect. It is deliberately thin — the full run
// management API is an external collaborator's concern — and exists to
// give the chi router and cors middleware a real caller, grounded on
// jordigilh-kubernaut's go-chi/chi + go-chi/cors stack.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flowengine/flowengine/internal/store"
)

// NewRouter builds the chi router for the run queue's HTTP surface.
func NewRouter(st *store.Store, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Content-Type", "X-Correlation-Id"},
		MaxAge:           300,
	}))

	h := &handler{store: st, log: log}
	r.Route("/v1/runs", func(r chi.Router) {
		r.Post("/", h.enqueue)
		r.Get("/{id}", h.getRun)
	})
	return r
}

type handler struct {
	store *store.Store
	log   *slog.Logger
}

type enqueueRequest struct {
	BlueprintRef  string          `json:"blueprint_ref"`
	Inputs        json.RawMessage `json:"inputs"`
	Actor         string          `json:"actor"`
	CorrelationID string          `json:"correlation_id"`
	Priority      int             `json:"priority"`
}

type enqueueResponse struct {
	RunID         uuid.UUID `json:"run_id"`
	CorrelationID string    `json:"correlation_id"`
}

func (h *handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BlueprintRef == "" {
		writeError(w, http.StatusBadRequest, "blueprint_ref is required")
		return
	}

	correlationID := r.Header.Get("X-Correlation-Id")
	if correlationID == "" {
		correlationID = req.CorrelationID
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	opts := store.EnqueueOptions{
		Actor:         req.Actor,
		CorrelationID: correlationID,
		Priority:      req.Priority,
	}

	runID, err := h.store.Enqueue(r.Context(), req.BlueprintRef, req.Inputs, opts)
	if err != nil {
		h.log.Error("enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue run")
		return
	}

	writeJSON(w, http.StatusCreated, enqueueResponse{RunID: runID, CorrelationID: correlationID})
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	id, err := uuid.Parse(idParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.log.Error("get run failed", "error", err, "run_id", id)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
