// Package store implements the public Store Manager (C6): the façade that
// composes the key builder, serializer and adapter (internal/keystore), the
// pub/sub multiplexer (internal/pubsub) and the event registry
// (internal/events) into the narrow surface applications actually call --
// kv, counter, claim, batch, events, streams, dev, scope. It lives in its
// own package, rather than inside keystore, because events imports keystore
// for namespace validation and a façade that depends on both would
// otherwise form an import cycle; Manager sits above several lower
// packages it does not itself define.
package store

import (
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kocoro-labs/igniter/internal/events"
	"github.com/kocoro-labs/igniter/internal/ignerr"
	"github.com/kocoro-labs/igniter/internal/keystore"
	"github.com/kocoro-labs/igniter/internal/pubsub"
	"github.com/kocoro-labs/igniter/internal/resilience"
)

const (
	defaultStreamCapacity int64         = 256
	defaultStreamTTL      time.Duration = 24 * time.Hour
)

// Config wires a Manager to its backing Redis connections and tunables.
type Config struct {
	Service    string
	Control    redis.UniversalClient
	Subscriber redis.UniversalClient // optional; reuses Control when nil

	Logger  *zap.Logger
	Breaker resilience.Config

	// StreamCapacity is the default MAXLEN applied to streams.append when the
	// caller does not override it (default capacity 256).
	StreamCapacity int64
	// StreamTTL is the best-effort TTL refreshed on every streams.append
	// (streams get a 24h TTL unless overridden).
	StreamTTL time.Duration

	// AllowedScopeKeys, if non-empty, restricts scope(key, id) to a finite
	// set of recognized scope keys, rejecting anything else with
	// STORE_INVALID_SCOPE_KEY. Leave empty to allow any non-empty key.
	AllowedScopeKeys []string
}

// Manager is the Store façade. It is cheap to copy by reference: scope()
// derives a new Manager that shares the adapter, multiplexer and event
// registry of its parent but carries an extended key-builder chain.
type Manager struct {
	adapter  *keystore.Adapter
	mux      *pubsub.Multiplexer
	registry *events.Registry
	keys     *keystore.KeyBuilder
	logger   *zap.Logger

	streamCapacity   int64
	streamTTL        time.Duration
	allowedScopeKeys map[string]bool

	KV      KV
	Counter Counter
	Claim   Claim
	Batch   Batch
	Events  Events
	Streams Streams
	Dev     Dev
}

// NewManager constructs the root Store Manager (no scope applied).
func NewManager(cfg Config) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	breakerCfg := cfg.Breaker
	if breakerCfg == (resilience.Config{}) {
		breakerCfg = resilience.DefaultConfig()
	}
	adapter, err := keystore.NewAdapter(keystore.AdapterConfig{
		Control:    cfg.Control,
		Subscriber: cfg.Subscriber,
		Breaker:    breakerCfg,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	keys, err := keystore.NewKeyBuilder(cfg.Service)
	if err != nil {
		return nil, err
	}

	capacity := cfg.StreamCapacity
	if capacity == 0 {
		capacity = defaultStreamCapacity
	}
	ttl := cfg.StreamTTL
	if ttl == 0 {
		ttl = defaultStreamTTL
	}
	var allowed map[string]bool
	if len(cfg.AllowedScopeKeys) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedScopeKeys))
		for _, k := range cfg.AllowedScopeKeys {
			allowed[k] = true
		}
	}

	m := &Manager{
		adapter:          adapter,
		mux:              pubsub.New(adapter, logger),
		registry:         events.NewRegistry(),
		keys:             keys,
		logger:           logger,
		streamCapacity:   capacity,
		streamTTL:        ttl,
		allowedScopeKeys: allowed,
	}
	m.wireFacades()
	return m, nil
}

func (m *Manager) wireFacades() {
	m.KV = KV{m: m}
	m.Counter = Counter{m: m}
	m.Claim = Claim{m: m}
	m.Batch = Batch{m: m}
	m.Events = Events{m: m}
	m.Streams = Streams{m: m}
	m.Dev = Dev{m: m}
}

// Registry exposes the underlying event registry so callers can register
// namespaces via AddEvents before publishing/subscribing through it.
func (m *Manager) Registry() *events.Registry { return m.registry }

// Scope returns a new Manager extending the scope chain with (key, id),
// sharing this Manager's adapter, multiplexer and event registry. When
// AllowedScopeKeys was configured, key must be one of them.
func (m *Manager) Scope(key, id string) (*Manager, error) {
	if m.allowedScopeKeys != nil && !m.allowedScopeKeys[key] {
		return nil, ignerr.Newf(ignerr.CodeInvalidScopeKey, "scope key %q is not recognized", key)
	}
	kb, err := m.keys.WithScope(key, id)
	if err != nil {
		return nil, err
	}
	scoped := &Manager{
		adapter:          m.adapter,
		mux:              m.mux,
		registry:         m.registry,
		keys:             kb,
		logger:           m.logger,
		streamCapacity:   m.streamCapacity,
		streamTTL:        m.streamTTL,
		allowedScopeKeys: m.allowedScopeKeys,
	}
	scoped.wireFacades()
	return scoped, nil
}

// ScopeChain returns this Manager's current scope chain, outermost first.
func (m *Manager) ScopeChain() []keystore.ScopeEntry { return m.keys.ScopeChain() }

// Close releases the underlying Redis connections and tears down live
// subscriptions.
func (m *Manager) Close() error {
	m.mux.Close()
	return m.adapter.Close()
}

// lastScope renders the innermost scope entry as an events.ScopeRef, or nil
// when this Manager carries no scope (the root Manager).
func (m *Manager) lastScope() *events.ScopeRef {
	chain := m.keys.ScopeChain()
	if len(chain) == 0 {
		return nil
	}
	last := chain[len(chain)-1]
	return &events.ScopeRef{Key: last.Key, Identifier: last.Identifier}
}
