// Package keystore implements the pieces under the multi-tenant Redis-backed
// Store façade: the key builder (C1), serializer (C2) and adapter (C3). The
// public Manager (C6) lives in internal/store.
package keystore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kocoro-labs/igniter/internal/ignerr"
)

const keyPrefix = "igniter:store"

// reservedNamespaces may never be registered as event namespaces (C5).
var reservedNamespaces = map[string]bool{
	"igniter":     true,
	"ign":         true,
	"__internal":  true,
	"__":          true,
}

// ScopeEntry is one (key, identifier) pair in a scope chain.
type ScopeEntry struct {
	Key        string
	Identifier string
}

// Identifier renders an int or string identifier to its canonical string form.
func Identifier(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// KeyBuilder composes deterministic full keys from a service name and an
// ordered scope chain. Two builders constructed with equal (service,
// scopeChain) always produce byte-identical keys for the same inputs.
type KeyBuilder struct {
	service    string
	scopeChain []ScopeEntry
}

// NewKeyBuilder constructs a builder rooted at service with no scope.
func NewKeyBuilder(service string) (*KeyBuilder, error) {
	if strings.TrimSpace(service) == "" {
		return nil, ignerr.New(ignerr.CodeServiceRequired, "service name is required")
	}
	return &KeyBuilder{service: service}, nil
}

// WithScope returns a new KeyBuilder extending the chain with (key, id).
// Callers must reject identifiers containing ":" before calling this —
// the builder performs no escaping.
func (kb *KeyBuilder) WithScope(key string, id string) (*KeyBuilder, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ignerr.New(ignerr.CodeScopeKeyRequired, "scope key is required")
	}
	if strings.TrimSpace(id) == "" {
		return nil, ignerr.New(ignerr.CodeScopeIdentifierRequired, "scope identifier is required")
	}
	chain := make([]ScopeEntry, len(kb.scopeChain), len(kb.scopeChain)+1)
	copy(chain, kb.scopeChain)
	chain = append(chain, ScopeEntry{Key: key, Identifier: id})
	return &KeyBuilder{service: kb.service, scopeChain: chain}, nil
}

// ScopeChain returns a copy of the builder's current scope chain, outermost first.
func (kb *KeyBuilder) ScopeChain() []ScopeEntry {
	out := make([]ScopeEntry, len(kb.scopeChain))
	copy(out, kb.scopeChain)
	return out
}

// Build composes the full key: igniter:store:<service>{:<scopeKey>:<id>}*:<namespace>:<userKey>.
func (kb *KeyBuilder) Build(namespace, userKey string) string {
	var b strings.Builder
	b.WriteString(keyPrefix)
	b.WriteByte(':')
	b.WriteString(kb.service)
	for _, entry := range kb.scopeChain {
		b.WriteByte(':')
		b.WriteString(entry.Key)
		b.WriteByte(':')
		b.WriteString(entry.Identifier)
	}
	b.WriteByte(':')
	b.WriteString(namespace)
	b.WriteByte(':')
	b.WriteString(userKey)
	return b.String()
}

// Pattern composes a SCAN-style match pattern for a namespace, appending
// suffix verbatim (the caller supplies any "*" wildcarding it needs).
func (kb *KeyBuilder) Pattern(namespace, suffix string) string {
	var b strings.Builder
	b.WriteString(keyPrefix)
	b.WriteByte(':')
	b.WriteString(kb.service)
	for _, entry := range kb.scopeChain {
		b.WriteByte(':')
		b.WriteString(entry.Key)
		b.WriteByte(':')
		b.WriteString(entry.Identifier)
	}
	b.WriteByte(':')
	b.WriteString(namespace)
	b.WriteByte(':')
	b.WriteString(suffix)
	return b.String()
}

// IsReservedNamespace reports whether ns is one of the namespaces C5 forbids
// from event registration.
func IsReservedNamespace(ns string) bool {
	return reservedNamespaces[ns]
}

// ValidNamespaceName reports whether ns is non-empty and free of "." / ":".
func ValidNamespaceName(ns string) bool {
	if ns == "" {
		return false
	}
	return !strings.ContainsAny(ns, ".:")
}
