package store

import (
	"context"
	"time"

	"github.com/kocoro-labs/igniter/internal/keystore"
)

// Batch is the Store's multi-key kv surface, batching several gets/sets
// into a single Redis round trip each.
type Batch struct{ m *Manager }

// BatchEntry is one (key, value, ttl) triple for Batch.Set.
type BatchEntry struct {
	Key   string
	Value any
	TTL   int64 // seconds; 0 means no expiry
}

// Get fetches multiple kv keys in one round trip, decoding each found
// value. A nil/empty keys slice is a no-op returning an empty map.
func (b Batch) Get(ctx context.Context, keys []string) (map[string]any, error) {
	if len(keys) == 0 {
		return map[string]any{}, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = b.m.keys.Build(nsKV, k)
	}
	raw, err := b.m.adapter.MGet(ctx, full)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(raw))
	for i, k := range keys {
		v, ok := raw[full[i]]
		if !ok {
			continue
		}
		var decoded any
		if err := b.m.adapter.Serializer().Decode(v, &decoded); err != nil {
			return nil, err
		}
		out[k] = decoded
	}
	return out, nil
}

// Set writes multiple kv entries in one batched round trip. A nil/empty
// entries slice is a no-op.
func (b Batch) Set(ctx context.Context, entries []BatchEntry) error {
	if len(entries) == 0 {
		return nil
	}
	mset := make([]keystore.MSetEntry, 0, len(entries))
	for _, e := range entries {
		raw, err := b.m.adapter.Serializer().Encode(e.Value)
		if err != nil {
			return err
		}
		mset = append(mset, keystore.MSetEntry{
			Key:   b.m.keys.Build(nsKV, e.Key),
			Value: raw,
			TTL:   time.Duration(e.TTL) * time.Second,
		})
	}
	return b.m.adapter.MSet(ctx, mset)
}
