// Package events implements the Event Registry & Validation (C5): a
// namespaced schema directory plus envelope wrapping/validation for the
// Store's typed pub/sub surface.
package events

import (
	"sync"

	"github.com/kocoro-labs/igniter/internal/ignerr"
	"github.com/kocoro-labs/igniter/internal/keystore"
)

// Issue is one schema-validation complaint, carried as diagnostic detail on
// a STORE_SCHEMA_VALIDATION_FAILED error.
type Issue struct {
	Path    string
	Message string
}

// Validator is the Standard-Schema-shaped contract event leaves implement,
// modeling schemas as an interface. A nil/empty Issue slice means the value
// validated successfully.
type Validator interface {
	Validate(value any) []Issue
}

// ValidatorFunc adapts a plain function to the Validator interface.
type ValidatorFunc func(value any) []Issue

func (f ValidatorFunc) Validate(value any) []Issue { return f(value) }

// Node is one entry of an event descriptor tree: either a leaf (Validator
// set) or an interior group (Children set), never both.
type Node struct {
	Validator Validator
	Children  map[string]Node
}

// Leaf constructs an event leaf node from a validator.
func Leaf(v Validator) Node { return Node{Validator: v} }

// Group constructs an interior group node from named children.
func Group(children map[string]Node) Node { return Node{Children: children} }

// Descriptor is the input to Registry.AddEvents: a namespace plus its tree
// of events/groups.
type Descriptor struct {
	Namespace string
	Events    map[string]Node
}

// ValidationOptions tunes publish/subscribe-time validation.
type ValidationOptions struct {
	ValidatePublish        bool // default true
	ValidateSubscribe       bool // default false (receiver sees wrapped payload either way)
	ThrowOnValidationError bool // default true
}

// DefaultValidationOptions mirrors stated defaults.
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{ValidatePublish: true, ThrowOnValidationError: true}
}

type namespaceEntry struct {
	root Node
	opts ValidationOptions
}

// Registry is the namespace -> event-tree directory.
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]*namespaceEntry
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{namespaces: make(map[string]*namespaceEntry)}
}

// AddEvents registers desc under its namespace, enforcing the naming and
// uniqueness invariants below.
func (r *Registry) AddEvents(desc Descriptor, opts *ValidationOptions) error {
	if !keystore.ValidNamespaceName(desc.Namespace) {
		return ignerr.Newf(ignerr.CodeInvalidNamespace, "invalid namespace %q", desc.Namespace)
	}
	if keystore.IsReservedNamespace(desc.Namespace) {
		return ignerr.Newf(ignerr.CodeReservedNamespace, "namespace %q is reserved", desc.Namespace)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.namespaces[desc.Namespace]; exists {
		return ignerr.Newf(ignerr.CodeDuplicateNamespace, "namespace %q already registered", desc.Namespace)
	}
	if err := validateTreeNames(desc.Events); err != nil {
		return err
	}

	vopts := DefaultValidationOptions()
	if opts != nil {
		vopts = *opts
	}
	r.namespaces[desc.Namespace] = &namespaceEntry{root: Group(desc.Events), opts: vopts}
	return nil
}

// validateTreeNames enforces that every name within one parent is unique
// and every leaf/group name is a valid event-name segment.
func validateTreeNames(children map[string]Node) error {
	seen := make(map[string]bool, len(children))
	for name, node := range children {
		if name == "" {
			return ignerr.New(ignerr.CodeInvalidEventName, "event/group name must not be empty")
		}
		if seen[name] {
			return ignerr.Newf(ignerr.CodeDuplicateEvent, "duplicate event/group name %q", name)
		}
		seen[name] = true
		if node.Children != nil {
			if err := validateTreeNames(node.Children); err != nil {
				return err
			}
		}
	}
	return nil
}

// lookup resolves a "ns:seg:seg..." event path to its validator.
// ok is false if no such event is registered (wildcard publishes with an
// unregistered path are allowed through unvalidated; see Publish).
func (r *Registry) lookup(eventPath string) (Validator, bool) {
	segs := splitPath(eventPath)
	if len(segs) < 2 {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	ns, ok := r.namespaces[segs[0]]
	if !ok {
		return nil, false
	}
	node := ns.root
	for _, seg := range segs[1:] {
		child, ok := node.Children[seg]
		if !ok {
			return nil, false
		}
		node = child
	}
	return node.Validator, node.Validator != nil
}

// optionsFor returns the namespace's registered validation options, or the
// module defaults if the namespace (or event) isn't registered.
func (r *Registry) optionsFor(eventPath string) ValidationOptions {
	segs := splitPath(eventPath)
	if len(segs) == 0 {
		return DefaultValidationOptions()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ns, ok := r.namespaces[segs[0]]; ok {
		return ns.opts
	}
	return DefaultValidationOptions()
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == ':' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	segs = append(segs, path[start:])
	return segs
}

// MatchesWildcard reports whether a subscription pattern (e.g. "ns:*" or
// "*") matches the concrete event type on an envelope.
func MatchesWildcard(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if len(pattern) >= 2 && pattern[len(pattern)-1] == '*' && pattern[len(pattern)-2] == ':' {
		prefix := pattern[:len(pattern)-1] // keep trailing ':'
		return len(eventType) >= len(prefix) && eventType[:len(prefix)] == prefix
	}
	return pattern == eventType
}
