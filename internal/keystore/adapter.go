package keystore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kocoro-labs/igniter/internal/ignerr"
	"github.com/kocoro-labs/igniter/internal/resilience"
	"github.com/kocoro-labs/igniter/internal/telemetry"
)

// SetOptions configures Adapter.Set / Adapter.SetNX.
type SetOptions struct {
	TTL time.Duration // 0 means no expiry
}

// MSetEntry is one entry of a batched Adapter.MSet call.
type MSetEntry struct {
	Key   string
	Value string
	TTL   time.Duration
}

// ScanResult is the cursor/keys pair returned by Adapter.Scan.
type ScanResult struct {
	Cursor uint64
	Keys   []string
}

// XAddOptions configures Adapter.XAdd trimming behavior.
type XAddOptions struct {
	MaxLen      int64 // 0 means no trim
	Approximate bool
}

// XReadGroupOptions configures Adapter.XReadGroup.
type XReadGroupOptions struct {
	Count int64
	Block time.Duration // 0 means no blocking
}

// StreamMessage is one (id, data) pair read from a stream (C3's Stream
// message shape).
type StreamMessage struct {
	ID   string
	Data string
}

// Adapter presents a fixed Redis-like command surface. It owns two logical
// connections — "control" for commands and "subscriber" for pub/sub —
// since subscription traffic must never share a connection with commands.
type Adapter struct {
	control    redis.UniversalClient
	subscriber redis.UniversalClient
	breaker    *resilience.Breaker
	logger     *zap.Logger
	serializer Serializer
}

// AdapterConfig wires an Adapter to real Redis connections.
type AdapterConfig struct {
	Control    redis.UniversalClient
	Subscriber redis.UniversalClient // if nil, Control is reused for subscriptions
	Breaker    resilience.Config
	Logger     *zap.Logger
	Serializer Serializer
}

// NewAdapter constructs a store adapter. Control is mandatory.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.Control == nil {
		return nil, ignerr.New(ignerr.CodeAdapterRequired, "a control Redis client is required")
	}
	sub := cfg.Subscriber
	if sub == nil {
		sub = cfg.Control
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ser := cfg.Serializer
	if ser == nil {
		ser = DefaultSerializer()
	}
	breakerCfg := cfg.Breaker
	if breakerCfg == (resilience.Config{}) {
		breakerCfg = resilience.DefaultConfig()
	}
	return &Adapter{
		control:    cfg.Control,
		subscriber: sub,
		breaker:    resilience.NewBreaker("store-adapter", breakerCfg, logger),
		logger:     logger,
		serializer: ser,
	}, nil
}

// run executes fn through the circuit breaker, recording command metrics.
func (a *Adapter) run(ctx context.Context, command string, isFailure func(error) bool, fn func() error) error {
	start := time.Now()
	err := a.breaker.Execute(ctx, fn, isFailure)
	telemetry.StoreCommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	telemetry.StoreCommandsTotal.WithLabelValues(command, status).Inc()
	return err
}

// notFoundIsNotFailure treats redis.Nil as a normal outcome, never a breaker failure.
func notFoundIsNotFailure(err error) bool {
	return err != nil && err != redis.Nil
}

// Get returns the raw (still-serialized) value at k, or ("", false, nil) if absent.
func (a *Adapter) Get(ctx context.Context, k string) (string, bool, error) {
	var val string
	var found bool
	err := a.run(ctx, "GET", notFoundIsNotFailure, func() error {
		v, err := a.control.Get(ctx, k).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	if err != nil {
		return "", false, ignerr.Wrap(ignerr.CodeCommandFailed, "GET failed", err)
	}
	return val, found, nil
}

// Set stores v at k, applying opts.TTL via Redis EX when non-zero.
func (a *Adapter) Set(ctx context.Context, k, v string, opts SetOptions) error {
	err := a.run(ctx, "SET", notFoundIsNotFailure, func() error {
		return a.control.Set(ctx, k, v, opts.TTL).Err()
	})
	if err != nil {
		return ignerr.Wrap(ignerr.CodeCommandFailed, "SET failed", err)
	}
	return nil
}

// Delete removes k.
func (a *Adapter) Delete(ctx context.Context, k string) error {
	err := a.run(ctx, "DEL", notFoundIsNotFailure, func() error {
		return a.control.Del(ctx, k).Err()
	})
	if err != nil {
		return ignerr.Wrap(ignerr.CodeCommandFailed, "DEL failed", err)
	}
	return nil
}

// Has reports whether k exists, via EXISTS.
func (a *Adapter) Has(ctx context.Context, k string) (bool, error) {
	var exists bool
	err := a.run(ctx, "EXISTS", notFoundIsNotFailure, func() error {
		n, err := a.control.Exists(ctx, k).Result()
		if err != nil {
			return err
		}
		exists = n > 0
		return nil
	})
	if err != nil {
		return false, ignerr.Wrap(ignerr.CodeCommandFailed, "EXISTS failed", err)
	}
	return exists, nil
}

// Touch updates k's last-access recency (Redis TOUCH) without altering its
// TTL, and reports whether it existed.
func (a *Adapter) Touch(ctx context.Context, k string) (bool, error) {
	var touched bool
	err := a.run(ctx, "TOUCH", notFoundIsNotFailure, func() error {
		n, err := a.control.Touch(ctx, k).Result()
		if err != nil {
			return err
		}
		touched = n > 0
		return nil
	})
	if err != nil {
		return false, ignerr.Wrap(ignerr.CodeCommandFailed, "TOUCH failed", err)
	}
	return touched, nil
}

// Expire sets k's TTL.
func (a *Adapter) Expire(ctx context.Context, k string, ttl time.Duration) error {
	err := a.run(ctx, "EXPIRE", notFoundIsNotFailure, func() error {
		return a.control.Expire(ctx, k, ttl).Err()
	})
	if err != nil {
		return ignerr.Wrap(ignerr.CodeCommandFailed, "EXPIRE failed", err)
	}
	return nil
}

// Increment adds delta to k via INCR/INCRBY; a missing key initializes to 0
// before the delta is applied (native Redis behavior).
func (a *Adapter) Increment(ctx context.Context, k string, delta int64) (int64, error) {
	var result int64
	err := a.run(ctx, "INCRBY", notFoundIsNotFailure, func() error {
		v, err := a.control.IncrBy(ctx, k, delta).Result()
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		return 0, ignerr.Wrap(ignerr.CodeCommandFailed, "INCRBY failed", err)
	}
	return result, nil
}

// SetNX atomically sets k to v only if it does not already exist, applying
// TTL when present (SET ... NX EX ttl), else a plain SETNX.
func (a *Adapter) SetNX(ctx context.Context, k, v string, opts SetOptions) (bool, error) {
	var acquired bool
	err := a.run(ctx, "SETNX", notFoundIsNotFailure, func() error {
		ok, err := a.control.SetNX(ctx, k, v, opts.TTL).Result()
		if err != nil {
			return err
		}
		acquired = ok
		return nil
	})
	if err != nil {
		return false, ignerr.Wrap(ignerr.CodeCommandFailed, "SETNX failed", err)
	}
	return acquired, nil
}

// MGet fetches multiple keys in one round trip. Missing keys are omitted
// from the returned map.
func (a *Adapter) MGet(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(keys))
	err := a.run(ctx, "MGET", notFoundIsNotFailure, func() error {
		vals, err := a.control.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, v := range vals {
			if v == nil {
				continue
			}
			if s, ok := v.(string); ok {
				out[keys[i]] = s
			}
		}
		return nil
	})
	if err != nil {
		return nil, ignerr.Wrap(ignerr.CodeCommandFailed, "MGET failed", err)
	}
	return out, nil
}

// MSet writes multiple entries. Entries without a TTL are written through a
// single MSET; entries with a TTL are issued through a pipelined SET EX.
func (a *Adapter) MSet(ctx context.Context, entries []MSetEntry) error {
	if len(entries) == 0 {
		return nil
	}
	var plain []string
	var ttled []MSetEntry
	for _, e := range entries {
		if e.TTL > 0 {
			ttled = append(ttled, e)
		} else {
			plain = append(plain, e.Key, e.Value)
		}
	}
	err := a.run(ctx, "MSET", notFoundIsNotFailure, func() error {
		if len(plain) > 0 {
			if err := a.control.MSet(ctx, plain).Err(); err != nil {
				return err
			}
		}
		if len(ttled) > 0 {
			pipe := a.control.Pipeline()
			for _, e := range ttled {
				pipe.Set(ctx, e.Key, e.Value, e.TTL)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ignerr.Wrap(ignerr.CodeCommandFailed, "MSET failed", err)
	}
	return nil
}

// Publish sends an already-serialized payload on channel.
func (a *Adapter) Publish(ctx context.Context, channel, payload string) error {
	err := a.run(ctx, "PUBLISH", notFoundIsNotFailure, func() error {
		return a.control.Publish(ctx, channel, payload).Err()
	})
	if err != nil {
		return ignerr.Wrap(ignerr.CodeCommandFailed, "PUBLISH failed", err)
	}
	return nil
}

// SubscribeRaw opens a subscription on the dedicated subscriber connection.
// Callers (the pub/sub multiplexer) own the returned *redis.PubSub's
// lifetime and must Close it.
func (a *Adapter) SubscribeRaw(ctx context.Context, channels ...string) *redis.PubSub {
	return a.subscriber.Subscribe(ctx, channels...)
}

// PSubscribeRaw opens a glob-pattern subscription (PSUBSCRIBE) on the
// dedicated subscriber connection, used for wildcard event subscriptions
// ("ns:*" / "*" contract maps directly onto Redis PSUBSCRIBE).
func (a *Adapter) PSubscribeRaw(ctx context.Context, patterns ...string) *redis.PubSub {
	return a.subscriber.PSubscribe(ctx, patterns...)
}

// Scan performs one SCAN iteration for pattern, returning the next cursor.
func (a *Adapter) Scan(ctx context.Context, pattern string, cursor uint64, count int64) (ScanResult, error) {
	var result ScanResult
	err := a.run(ctx, "SCAN", notFoundIsNotFailure, func() error {
		keys, next, err := a.control.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return err
		}
		result = ScanResult{Cursor: next, Keys: keys}
		return nil
	})
	if err != nil {
		return ScanResult{}, ignerr.Wrap(ignerr.CodeCommandFailed, "SCAN failed", err)
	}
	return result, nil
}

// XAdd appends payload (already serialized) to stream under a single field
// named "data", applying MAXLEN trimming when opts.MaxLen is set.
func (a *Adapter) XAdd(ctx context.Context, stream, payload string, opts XAddOptions) (string, error) {
	var id string
	err := a.run(ctx, "XADD", notFoundIsNotFailure, func() error {
		args := &redis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{"data": payload},
		}
		if opts.MaxLen > 0 {
			args.MaxLen = opts.MaxLen
			args.Approx = opts.Approximate
		}
		v, err := a.control.XAdd(ctx, args).Result()
		if err != nil {
			return err
		}
		id = v
		return nil
	})
	if err != nil {
		return "", ignerr.Wrap(ignerr.CodeCommandFailed, "XADD failed", err)
	}
	return id, nil
}

// XGroupCreate creates a consumer group on stream starting at startID
// (default "0"), creating the stream via MKSTREAM and treating "group
// already exists" (BUSYGROUP) as success.
func (a *Adapter) XGroupCreate(ctx context.Context, stream, group, startID string) error {
	if startID == "" {
		startID = "0"
	}
	err := a.run(ctx, "XGROUP_CREATE", func(err error) bool {
		return notFoundIsNotFailure(err) && !isBusyGroup(err)
	}, func() error {
		err := a.control.XGroupCreateMkStream(ctx, stream, group, startID).Err()
		if isBusyGroup(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return ignerr.Wrap(ignerr.CodeCommandFailed, "XGROUP CREATE failed", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// XReadGroup reads new messages (cursor ">") for consumer within group.
func (a *Adapter) XReadGroup(ctx context.Context, stream, group, consumer string, opts XReadGroupOptions) ([]StreamMessage, error) {
	var out []StreamMessage
	err := a.run(ctx, "XREADGROUP", notFoundIsNotFailure, func() error {
		block := opts.Block
		if block == 0 {
			block = -1 // go-redis sends BLOCK for any non-negative value
		}
		args := &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    opts.Count,
			Block:    block,
		}
		res, err := a.control.XReadGroup(ctx, args).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				data, _ := msg.Values["data"].(string)
				out = append(out, StreamMessage{ID: msg.ID, Data: data})
			}
		}
		return nil
	})
	if err != nil {
		return nil, ignerr.Wrap(ignerr.CodeCommandFailed, "XREADGROUP failed", err)
	}
	return out, nil
}

// XAck acknowledges ids within group on stream.
func (a *Adapter) XAck(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	err := a.run(ctx, "XACK", notFoundIsNotFailure, func() error {
		return a.control.XAck(ctx, stream, group, ids...).Err()
	})
	if err != nil {
		return ignerr.Wrap(ignerr.CodeCommandFailed, "XACK failed", err)
	}
	return nil
}

// XRange reads messages in [start,end] (inclusive), used by stream replay helpers.
func (a *Adapter) XRange(ctx context.Context, stream, start, end string) ([]StreamMessage, error) {
	var out []StreamMessage
	err := a.run(ctx, "XRANGE", notFoundIsNotFailure, func() error {
		res, err := a.control.XRange(ctx, stream, start, end).Result()
		if err != nil {
			return err
		}
		for _, msg := range res {
			data, _ := msg.Values["data"].(string)
			out = append(out, StreamMessage{ID: msg.ID, Data: data})
		}
		return nil
	})
	if err != nil {
		return nil, ignerr.Wrap(ignerr.CodeCommandFailed, "XRANGE failed", err)
	}
	return out, nil
}

// Serializer exposes the adapter's configured value serializer so higher
// layers (Manager, Registry) can encode/decode consistently with it.
func (a *Adapter) Serializer() Serializer { return a.serializer }

// Close releases both underlying Redis connections.
func (a *Adapter) Close() error {
	var firstErr error
	if err := a.control.Close(); err != nil {
		firstErr = err
	}
	if a.subscriber != a.control {
		if err := a.subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("closing adapter: %w", firstErr)
	}
	return nil
}
