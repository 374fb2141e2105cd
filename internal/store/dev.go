package store

import "context"

// Dev is the Store's diagnostic surface. Scan is deliberately restricted to
// the kv namespace so it cannot be used to enumerate counters, claims or
// stream keys in production code paths.
type Dev struct{ m *Manager }

// Scan lists up to count kv keys matching pattern (a bare "*" suffix glob,
// e.g. "session-*"), returning the next cursor for pagination (0 means done).
func (d Dev) Scan(ctx context.Context, pattern string, cursor uint64, count int64) ([]string, uint64, error) {
	result, err := d.m.adapter.Scan(ctx, d.m.keys.Pattern(nsKV, pattern), cursor, count)
	if err != nil {
		return nil, 0, err
	}
	return result.Keys, result.Cursor, nil
}
