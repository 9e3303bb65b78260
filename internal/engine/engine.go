// ============================================================================
// Calculation Backend - pluggable engine registry
// ============================================================================
//
// The coordinator treats every calculation as an opaque, possibly slow,
// possibly failing call: engine name in, raw JSON out. The concrete engine
// math (numerology, human design, biorhythm, tarot, ephemeris, AI synthesis)
// is registered here by the embedding application and never interpreted by
// the coordinator itself.
//
// ============================================================================

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/inwardlab/session-coordinator/pkg/types"
)

// Backend performs one calculation. Implementations must honor ctx
// cancellation and deadlines; the coordinator bounds every call with a
// per-call timeout.
type Backend interface {
	Calculate(ctx context.Context, engine string, input json.RawMessage) (json.RawMessage, error)
}

// Func is a single engine implementation.
type Func func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Registry maps engine names to implementations. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Func
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Func)}
}

// Register installs fn under name, replacing any previous registration.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = fn
}

// Names returns the registered engine names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Calculate dispatches to the named engine. An unknown engine name is a
// backend error, not a coordinator error.
func (r *Registry) Calculate(ctx context.Context, engine string, input json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	fn, ok := r.engines[engine]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: unknown engine %q", types.ErrBackend, engine)
	}
	data, err := fn(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: engine %q: %v", types.ErrTimeout, engine, err)
		}
		return nil, fmt.Errorf("%w: engine %q: %v", types.ErrBackend, engine, err)
	}
	return data, nil
}

// Echo is a trivial engine that returns its input unchanged. Useful for
// wiring checks and local development.
func Echo(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	if input == nil {
		return json.RawMessage(`{}`), nil
	}
	return input, nil
}
