// Package blueprint defines the contract a unit of work implements
// and a process-wide registry of blueprints, grounded on
// original_source/core/blueprints/registry.py's register/get/list
// shape, translated from a decorator-based registry into an explicit
// Register(ref, fn) call made at process startup.
package blueprint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/flowengine/flowengine/internal/runctx"
)

// Func is the blueprint contract: (ctx, inputs) -> (outputs, error).
// JSON in, JSON out, keeping the boundary opaque to the engine itself.
type Func func(ctx context.Context, rc *runctx.RunContext, inputs json.RawMessage) (json.RawMessage, error)

// Registry resolves blueprint refs to implementations.
type Registry struct {
	mu         sync.RWMutex
	blueprints map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{blueprints: make(map[string]Func)}
}

// Register binds ref to implementation, overwriting any prior
// registration for the same ref.
func (r *Registry) Register(ref string, implementation Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blueprints[ref] = implementation
}

// Get resolves ref, returning ok=false if nothing is registered.
func (r *Registry) Get(ref string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.blueprints[ref]
	return fn, ok
}

// List returns every registered ref in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.blueprints))
	for ref := range r.blueprints {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// ErrNotFound is returned by callers that resolve a ref through Get
// and want a uniform error rather than a boolean.
type ErrNotFound struct{ Ref string }

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("blueprint not found: %s", e.Ref)
}
