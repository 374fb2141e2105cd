package store

import (
	"context"
	"time"
)

const nsClaim = "claim"

// Claim is the Store's mutual-exclusion surface: a single atomic SETNX
// primitive used to implement distributed "only one winner" semantics.
type Claim struct{ m *Manager }

// Once attempts to claim key with value, succeeding only if key was not
// already claimed. Reports true on success (the caller won the race).
func (c Claim) Once(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	raw, err := c.m.adapter.Serializer().Encode(value)
	if err != nil {
		return false, err
	}
	return c.m.adapter.SetNX(ctx, c.m.keys.Build(nsClaim, key), raw, setOptions(ttl))
}
