package store

import (
	"context"
	"time"

	"github.com/kocoro-labs/igniter/internal/keystore"
)

const nsStreams = "streams"

// StreamMessage is one decoded (id, value) pair read from a stream.
type StreamMessage struct {
	ID    string
	Value any
}

// Streams is the Store's append-only log surface over Redis Streams:
// append plus a per-(group, consumer) read/ack handle.
type Streams struct{ m *Manager }

// Append writes value onto stream, trimming to this Manager's configured
// stream capacity and refreshing the stream key's best-effort TTL.
func (s Streams) Append(ctx context.Context, stream string, value any) (string, error) {
	raw, err := s.m.adapter.Serializer().Encode(value)
	if err != nil {
		return "", err
	}
	key := s.m.keys.Build(nsStreams, stream)
	id, err := s.m.adapter.XAdd(ctx, key, raw, keystore.XAddOptions{
		MaxLen:      s.m.streamCapacity,
		Approximate: true,
	})
	if err != nil {
		return "", err
	}
	// Best-effort: a failed TTL refresh must not fail the append itself.
	_ = s.m.adapter.Expire(ctx, key, s.m.streamTTL)
	return id, nil
}

// Group returns a handle bound to (stream, group, consumer) for consuming
// via a Redis consumer group.
func (s Streams) Group(stream, group, consumer string) StreamGroup {
	return StreamGroup{
		m:        s.m,
		key:      s.m.keys.Build(nsStreams, stream),
		group:    group,
		consumer: consumer,
	}
}

// StreamGroup is a (stream, group, consumer)-bound read/ack handle.
type StreamGroup struct {
	m        *Manager
	key      string
	group    string
	consumer string
}

// Ensure idempotently creates the consumer group, creating the stream if it
// does not yet exist.
func (g StreamGroup) Ensure(ctx context.Context) error {
	return g.m.adapter.XGroupCreate(ctx, g.key, g.group, "0")
}

// Read fetches up to count new (never-delivered) messages for this
// consumer, blocking up to block for at least one.
func (g StreamGroup) Read(ctx context.Context, count int64, block time.Duration) ([]StreamMessage, error) {
	msgs, err := g.m.adapter.XReadGroup(ctx, g.key, g.group, g.consumer, keystore.XReadGroupOptions{
		Count: count,
		Block: block,
	})
	if err != nil {
		return nil, err
	}
	out := make([]StreamMessage, 0, len(msgs))
	for _, msg := range msgs {
		var decoded any
		if err := g.m.adapter.Serializer().Decode(msg.Data, &decoded); err != nil {
			return nil, err
		}
		out = append(out, StreamMessage{ID: msg.ID, Value: decoded})
	}
	return out, nil
}

// Ack acknowledges ids as processed.
func (g StreamGroup) Ack(ctx context.Context, ids ...string) error {
	return g.m.adapter.XAck(ctx, g.key, g.group, ids...)
}
