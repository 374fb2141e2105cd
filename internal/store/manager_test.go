package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kocoro-labs/igniter/internal/events"
	"github.com/kocoro-labs/igniter/internal/ignerr"
)

func newTestManager(t *testing.T, cfgOverride func(*Config)) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := Config{Service: "test-svc", Control: client, Logger: zap.NewNop()}
	if cfgOverride != nil {
		cfgOverride(&cfg)
	}
	mgr, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr, mr
}

func TestManager_KV_GetSetRemove(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, found, err := mgr.KV.Get(ctx, "user:1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, mgr.KV.Set(ctx, "user:1", map[string]any{"name": "alice"}, 0))
	v, found, err := mgr.KV.Get(ctx, "user:1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, map[string]any{"name": "alice"}, v)

	require.NoError(t, mgr.KV.Remove(ctx, "user:1"))
	_, found, err = mgr.KV.Get(ctx, "user:1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestManager_KV_ExistsExpireTouch(t *testing.T) {
	mgr, mr := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, mgr.KV.Set(ctx, "session-1", "value", 0))
	exists, err := mgr.KV.Exists(ctx, "session-1")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, mgr.KV.Expire(ctx, "session-1", time.Minute))
	key := mgr.keys.Build(nsKV, "session-1")
	require.Greater(t, mr.TTL(key), time.Duration(0))

	touched, err := mgr.KV.Touch(ctx, "session-1")
	require.NoError(t, err)
	require.True(t, touched)
}

func TestManager_Counter_IncrementDecrement(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	v, err := mgr.Counter.Increment(ctx, "visits", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	v, err = mgr.Counter.Increment(ctx, "visits", 4)
	require.NoError(t, err)
	require.Equal(t, int64(5), v)

	v, err = mgr.Counter.Decrement(ctx, "visits", 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), v)
}

func TestManager_Claim_OnceExactlyOneWinner(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	const n = 20
	var wins int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			won, err := mgr.Claim.Once(ctx, "lock-1", i, time.Minute)
			require.NoError(t, err)
			if won {
				atomic.AddInt64(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int64(1), wins)
}

func TestManager_Batch_GetSet(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, mgr.Batch.Set(ctx, []BatchEntry{
		{Key: "a", Value: "1"},
		{Key: "b", Value: "2", TTL: 60},
	}))

	out, err := mgr.Batch.Get(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	require.Equal(t, "1", out["a"])
	require.Equal(t, "2", out["b"])
	_, ok := out["missing"]
	require.False(t, ok)
}

func TestManager_Batch_EmptyIsNoOp(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, mgr.Batch.Set(ctx, nil))
	out, err := mgr.Batch.Get(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestManager_Streams_AppendAndGroupRead(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := mgr.Streams.Append(ctx, "orders", map[string]any{"id": 1})
	require.NoError(t, err)

	grp := mgr.Streams.Group("orders", "workers", "consumer-1")
	require.NoError(t, grp.Ensure(ctx))

	msgs, err := grp.Read(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, map[string]any{"id": float64(1)}, msgs[0].Value)

	require.NoError(t, grp.Ack(ctx, msgs[0].ID))
}

func TestManager_Dev_ScanRestrictedToKVNamespace(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, mgr.KV.Set(ctx, "session-1", "v", 0))
	require.NoError(t, mgr.KV.Set(ctx, "session-2", "v", 0))
	_, err := mgr.Counter.Increment(ctx, "session-3", 1)
	require.NoError(t, err)

	var collected []string
	cursor := uint64(0)
	for {
		keys, next, err := mgr.Dev.Scan(ctx, "session-*", cursor, 10)
		require.NoError(t, err)
		collected = append(collected, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	require.Len(t, collected, 2)
}

func TestManager_Events_PublishSubscribeRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, mgr.Events.AddEvents(events.Descriptor{
		Namespace: "orders",
		Events: map[string]events.Node{
			"created": events.Leaf(events.ValidatorFunc(func(any) []events.Issue { return nil })),
		},
	}, nil))

	received := make(chan events.Envelope, 1)
	_, err := mgr.Events.Subscribe("orders:created", func(env events.Envelope) {
		received <- env
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, mgr.Events.Publish(ctx, "orders:created", map[string]any{"id": 1}))

	select {
	case env := <-received:
		require.Equal(t, "orders:created", env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestManager_Events_PublishCarriesScope(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	scoped, err := mgr.Scope("organization", "org-1")
	require.NoError(t, err)

	require.NoError(t, scoped.Events.AddEvents(events.Descriptor{
		Namespace: "orders",
		Events: map[string]events.Node{
			"created": events.Leaf(events.ValidatorFunc(func(any) []events.Issue { return nil })),
		},
	}, nil))

	received := make(chan events.Envelope, 1)
	_, err = scoped.Events.Subscribe("orders:created", func(env events.Envelope) {
		received <- env
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, scoped.Events.Publish(ctx, "orders:created", "x"))

	select {
	case env := <-received:
		require.NotNil(t, env.Scope)
		require.Equal(t, "org-1", env.Scope.Identifier)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scoped event")
	}
}

func TestManager_Scope_KeyDeterminismAndMonotonicity(t *testing.T) {
	mgr, _ := newTestManager(t, nil)

	scopedA, err := mgr.Scope("organization", "org-1")
	require.NoError(t, err)
	scopedB, err := mgr.Scope("organization", "org-1")
	require.NoError(t, err)

	require.Equal(t, scopedA.keys.Build(nsKV, "k"), scopedB.keys.Build(nsKV, "k"))
	require.NotEqual(t, mgr.keys.Build(nsKV, "k"), scopedA.keys.Build(nsKV, "k"))
}

func TestManager_Scope_RejectsDisallowedScopeKey(t *testing.T) {
	mgr, _ := newTestManager(t, func(c *Config) {
		c.AllowedScopeKeys = []string{"organization"}
	})

	_, err := mgr.Scope("organization", "org-1")
	require.NoError(t, err)

	_, err = mgr.Scope("project", "proj-1")
	require.Error(t, err)
	require.True(t, ignerr.Is(err, ignerr.CodeInvalidScopeKey))
}

func TestManager_ScopeChain(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	scoped, err := mgr.Scope("organization", "org-1")
	require.NoError(t, err)

	chain := scoped.ScopeChain()
	require.Len(t, chain, 1)
	require.Equal(t, "organization", chain[0].Key)
	require.Equal(t, "org-1", chain[0].Identifier)
}

func TestManager_Close(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	require.NoError(t, mgr.Close())
}
