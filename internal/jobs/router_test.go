package jobs

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kocoro-labs/igniter/internal/events"
	"github.com/kocoro-labs/igniter/internal/keystore"
)

func newTestProxyDeps(t *testing.T) (*Registry, *QueueManager, *WorkerPool) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	adapter, err := keystore.NewAdapter(keystore.AdapterConfig{Control: client, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })

	qm := NewQueueManager(adapter, "igniter", "queue", zap.NewNop())
	reg := NewRegistry()
	pool := NewWorkerPool(adapter, qm, reg, zap.NewNop())
	t.Cleanup(func() { pool.Shutdown(context.Background()) })
	return reg, qm, pool
}

func noopRouterHandler(_ context.Context, _ ExecutionContext) (any, error) { return nil, nil }

func TestMerge_FlattensNamespacedJobIDs(t *testing.T) {
	reg, qm, pool := newTestProxyDeps(t)
	ctx := context.Background()

	router := NewRouter("notifications", map[string]*Definition{
		"sendEmail": {Name: "sendEmail", Queue: "mail", Handler: noopRouterHandler},
	}, nil)

	proxy, err := Merge(ctx, reg, qm, pool, NewTranslator(nil), map[string]*Router{"notifications": router}, nil)
	require.NoError(t, err)

	def, ok := proxy.Job("notifications.sendEmail")
	require.True(t, ok)
	require.Equal(t, "mail", def.Queue)
}

func TestMerge_RejectsDuplicateNamespacedJobID(t *testing.T) {
	reg, qm, pool := newTestProxyDeps(t)
	ctx := context.Background()

	routerA := NewRouter("notifications", map[string]*Definition{
		"sendEmail": {Name: "sendEmail", Handler: noopRouterHandler},
	}, nil)
	_, err := Merge(ctx, reg, qm, pool, NewTranslator(nil), map[string]*Router{"notifications": routerA}, nil)
	require.NoError(t, err)

	routerB := NewRouter("notifications", map[string]*Definition{
		"sendEmail": {Name: "sendEmail", Handler: noopRouterHandler},
	}, nil)
	_, err = Merge(ctx, reg, qm, pool, NewTranslator(nil), map[string]*Router{"notifications": routerB}, nil)
	require.Error(t, err)
}

func TestMerge_CronIdempotenceAcrossRepeatedMerges(t *testing.T) {
	reg, qm, pool := newTestProxyDeps(t)
	ctx := context.Background()

	cronDef, err := Cron("0 * * * *", noopRouterHandler, CronOptions{Queue: "reports"})
	require.NoError(t, err)

	router := NewRouter("reports", map[string]*Definition{
		"nightly": cronDef,
	}, nil)

	translator := NewTranslator(nil)
	_, err = Merge(ctx, reg, qm, pool, translator, map[string]*Router{"reports": router}, nil)
	require.NoError(t, err)

	jobs, err := qm.GetJobs(ctx, "reports", JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	firstID := jobs[0].ID
	require.Equal(t, "reports.nightly__cron", firstID)

	// Re-merging (simulating a second process bringup) must not duplicate
	// the scheduled repeat.
	_, err = Merge(ctx, reg, qm, pool, translator, map[string]*Router{}, nil)
	require.NoError(t, err)

	jobsAfter, err := qm.GetJobs(ctx, "reports", JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobsAfter, 1)
	require.Equal(t, firstID, jobsAfter[0].ID)
}

func TestProxy_EnqueueRejectsUnregisteredJobID(t *testing.T) {
	reg, qm, pool := newTestProxyDeps(t)
	ctx := context.Background()

	proxy, err := Merge(ctx, reg, qm, pool, NewTranslator(nil), map[string]*Router{}, nil)
	require.NoError(t, err)

	_, err = proxy.Enqueue(ctx, "orders.create", nil, ScheduleSpec{})
	require.Error(t, err)
}

func TestProxy_EnqueueRejectsInvalidPayloadAgainstSchema(t *testing.T) {
	reg, qm, pool := newTestProxyDeps(t)
	ctx := context.Background()

	router := NewRouter("orders", map[string]*Definition{
		"create": {
			Name:    "create",
			Handler: noopRouterHandler,
			InputSchema: rejectingValidator{},
		},
	}, nil)
	proxy, err := Merge(ctx, reg, qm, pool, NewTranslator(nil), map[string]*Router{"orders": router}, nil)
	require.NoError(t, err)

	_, err = proxy.Enqueue(ctx, "orders.create", nil, ScheduleSpec{})
	require.Error(t, err)
}

type rejectingValidator struct{}

func (rejectingValidator) Validate(v any) []events.Issue {
	return []events.Issue{{Path: "input", Message: "always invalid"}}
}

func TestProxy_EnqueueAndSchedule(t *testing.T) {
	reg, qm, pool := newTestProxyDeps(t)
	ctx := context.Background()

	router := NewRouter("mail", map[string]*Definition{
		"send": {Name: "send", Queue: "mail", Handler: noopRouterHandler},
	}, nil)
	proxy, err := Merge(ctx, reg, qm, pool, NewTranslator(nil), map[string]*Router{"mail": router}, nil)
	require.NoError(t, err)

	id, err := proxy.Enqueue(ctx, "mail.send", map[string]any{"to": "x"}, ScheduleSpec{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	id2, err := proxy.Schedule(ctx, "mail.send", nil, ScheduleSpec{})
	require.NoError(t, err)
	require.NotEmpty(t, id2)
}

func TestProxy_Bulk(t *testing.T) {
	reg, qm, pool := newTestProxyDeps(t)
	ctx := context.Background()

	router := NewRouter("mail", map[string]*Definition{
		"send": {Name: "send", Queue: "mail", Handler: noopRouterHandler},
	}, nil)
	proxy, err := Merge(ctx, reg, qm, pool, NewTranslator(nil), map[string]*Router{"mail": router}, nil)
	require.NoError(t, err)

	ids, err := proxy.Bulk(ctx, "mail.send", []BulkItem{
		{Input: map[string]any{"n": 1}},
		{Input: map[string]any{"n": 2}},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
}

func TestProxy_InvokeDispatchesByOperationKind(t *testing.T) {
	reg, qm, pool := newTestProxyDeps(t)
	ctx := context.Background()

	router := NewRouter("mail", map[string]*Definition{
		"send": {Name: "send", Queue: "mail", Handler: noopRouterHandler},
	}, nil)
	proxy, err := Merge(ctx, reg, qm, pool, NewTranslator(nil), map[string]*Router{"mail": router}, nil)
	require.NoError(t, err)

	_, err = proxy.Invoke(ctx, "mail.send", "enqueue", nil, ScheduleSpec{})
	require.NoError(t, err)

	_, err = proxy.Invoke(ctx, "mail.send", "unknown-op", nil, ScheduleSpec{})
	require.Error(t, err)
}

func TestProxy_QueuesAndJobLookup(t *testing.T) {
	reg, qm, pool := newTestProxyDeps(t)
	ctx := context.Background()

	router := NewRouter("mail", map[string]*Definition{
		"send": {Name: "send", Queue: "mail", Handler: noopRouterHandler},
	}, nil)
	proxy, err := Merge(ctx, reg, qm, pool, NewTranslator(nil), map[string]*Router{"mail": router}, nil)
	require.NoError(t, err)

	require.Contains(t, proxy.Queues(), "mail")

	_, ok := proxy.Job("mail.send")
	require.True(t, ok)
	_, ok = proxy.Job("mail.missing")
	require.False(t, ok)
}

func TestProxy_WorkersReflectsAutoStart(t *testing.T) {
	reg, qm, pool := newTestProxyDeps(t)
	ctx := context.Background()

	router := NewRouter("mail", map[string]*Definition{
		"send": {Name: "send", Queue: "mail", Handler: noopRouterHandler},
	}, nil)
	proxy, err := Merge(ctx, reg, qm, pool, NewTranslator(nil), map[string]*Router{"mail": router}, &AutoStartWorkerConfig{Concurrency: 2})
	require.NoError(t, err)

	require.NotEmpty(t, proxy.Workers())
}
