package jobs

import (
	"sync"

	"github.com/kocoro-labs/igniter/internal/ignerr"
)

// Registry is the name -> Definition directory (C7): one cached, typed
// CRUD surface generalized to hold any job definition.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds def under id, rejecting a duplicate id.
func (r *Registry) Register(id string, def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[id]; exists {
		return ignerr.Newf(ignerr.CodeInvalidJob, "job %q already registered", id)
	}
	def.ID = id
	if def.Queue == "" {
		def.Queue = "default"
	}
	r.defs[id] = def
	return nil
}

// Lookup resolves id to its Definition.
func (r *Registry) Lookup(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// All returns every registered definition, order unspecified.
func (r *Registry) All() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	return out
}

// Queues returns the distinct set of queue names referenced by registered
// definitions, used by Merge's autoStart handling to discover what to start
// workers on.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, d := range r.defs {
		if !seen[d.Queue] {
			seen[d.Queue] = true
			out = append(out, d.Queue)
		}
	}
	return out
}

// Clear empties the registry (called by worker-pool shutdown).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = make(map[string]*Definition)
}
