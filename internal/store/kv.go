package store

import (
	"context"
	"time"
)

const nsKV = "kv"

// KV is the Store's key/value surface.
type KV struct{ m *Manager }

// Get decodes the value at key into an any, reporting whether it existed.
func (kv KV) Get(ctx context.Context, key string) (any, bool, error) {
	raw, found, err := kv.m.adapter.Get(ctx, kv.m.keys.Build(nsKV, key))
	if err != nil || !found {
		return nil, found, err
	}
	var out any
	if err := kv.m.adapter.Serializer().Decode(raw, &out); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Set stores value at key, applying ttl when non-zero.
func (kv KV) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := kv.m.adapter.Serializer().Encode(value)
	if err != nil {
		return err
	}
	return kv.m.adapter.Set(ctx, kv.m.keys.Build(nsKV, key), raw, setOptions(ttl))
}

// Remove deletes key.
func (kv KV) Remove(ctx context.Context, key string) error {
	return kv.m.adapter.Delete(ctx, kv.m.keys.Build(nsKV, key))
}

// Exists reports whether key is present.
func (kv KV) Exists(ctx context.Context, key string) (bool, error) {
	return kv.m.adapter.Has(ctx, kv.m.keys.Build(nsKV, key))
}

// Expire sets key's TTL.
func (kv KV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return kv.m.adapter.Expire(ctx, kv.m.keys.Build(nsKV, key), ttl)
}

// Touch refreshes key's access recency without altering its TTL, reporting
// whether it existed.
func (kv KV) Touch(ctx context.Context, key string) (bool, error) {
	return kv.m.adapter.Touch(ctx, kv.m.keys.Build(nsKV, key))
}
