package store

import (
	"context"
	"time"
)

const nsCounter = "counter"

// Counter is the Store's atomic-counter surface.
type Counter struct{ m *Manager }

// Increment adds delta (default 1 semantics live at the caller) to key,
// initializing it to 0 first if absent, and returns the new value.
func (c Counter) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return c.m.adapter.Increment(ctx, c.m.keys.Build(nsCounter, key), delta)
}

// Decrement subtracts delta from key and returns the new value.
func (c Counter) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return c.m.adapter.Increment(ctx, c.m.keys.Build(nsCounter, key), -delta)
}

// Expire sets key's TTL.
func (c Counter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.m.adapter.Expire(ctx, c.m.keys.Build(nsCounter, key), ttl)
}
