package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kocoro-labs/igniter/internal/keystore"
)

func newTestWorkerPool(t *testing.T) (*WorkerPool, *QueueManager, *Registry) {
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
	return NewWorkerPool(adapter, qm, reg, zap.NewNop()), qm, reg
}

func TestWorkerPool_WorkerReuseSameQueueReturnsSameHandle(t *testing.T) {
	pool, _, _ := newTestWorkerPool(t)
	t.Cleanup(func() { pool.Shutdown(context.Background()) })

	h1 := pool.Worker(WorkerConfig{Queues: []string{"mail"}, Concurrency: 1})
	h2 := pool.Worker(WorkerConfig{Queues: []string{"mail"}, Concurrency: 1})
	require.Len(t, h1, 1)
	require.Len(t, h2, 1)
	require.Same(t, h1[0], h2[0])
}

func TestWorkerPool_WorkerSkipsWildcardQueue(t *testing.T) {
	pool, _, _ := newTestWorkerPool(t)
	t.Cleanup(func() { pool.Shutdown(context.Background()) })

	handles := pool.Worker(WorkerConfig{Queues: []string{"*"}, Concurrency: 1})
	require.Empty(t, handles)
}

func TestWorkerPool_ExecuteRunsHandlerAndMarksCompleted(t *testing.T) {
	pool, qm, reg := newTestWorkerPool(t)
	ctx := context.Background()

	called := false
	require.NoError(t, reg.Register("mail.send", &Definition{
		Name:  "send",
		Queue: "mail",
		Handler: func(_ context.Context, execCtx ExecutionContext) (any, error) {
			called = true
			return "ok", nil
		},
	}))

	id, err := qm.Enqueue(ctx, "mail", "mail.send", map[string]any{"to": "x"}, EnqueueOptions{})
	require.NoError(t, err)

	handle := &WorkerHandle{ID: "mail-worker", QueueName: "mail", StartedAt: time.Now()}
	pool.execute(ctx, handle, "mail", keystore.StreamMessage{ID: "1-1", Data: id})

	require.True(t, called)
	rec, found, err := qm.GetJobRecord(ctx, "mail", id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StateCompleted, rec.Status)
	require.Equal(t, "ok", rec.Result)

	counts, err := qm.GetJobCounts(ctx, "mail")
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Completed)
}

func TestWorkerPool_ExecuteFailureSchedulesRetryWhenNotFinalAttempt(t *testing.T) {
	pool, qm, reg := newTestWorkerPool(t)
	ctx := context.Background()

	require.NoError(t, reg.Register("mail.send", &Definition{
		Name:  "send",
		Queue: "mail",
		Handler: func(_ context.Context, execCtx ExecutionContext) (any, error) {
			return nil, errBoom
		},
	}))

	id, err := qm.Enqueue(ctx, "mail", "mail.send", nil, EnqueueOptions{Attempts: 5})
	require.NoError(t, err)

	handle := &WorkerHandle{ID: "mail-worker", QueueName: "mail", StartedAt: time.Now()}
	pool.execute(ctx, handle, "mail", keystore.StreamMessage{ID: "1-1", Data: id})

	rec, found, err := qm.GetJobRecord(ctx, "mail", id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StateDelayed, rec.Status)
	require.Equal(t, 1, rec.AttemptsMade)
}

func TestWorkerPool_ExecuteFinalAttemptMarksFailed(t *testing.T) {
	pool, qm, reg := newTestWorkerPool(t)
	ctx := context.Background()

	require.NoError(t, reg.Register("mail.send", &Definition{
		Name:  "send",
		Queue: "mail",
		Handler: func(_ context.Context, execCtx ExecutionContext) (any, error) {
			return nil, errBoom
		},
	}))

	id, err := qm.Enqueue(ctx, "mail", "mail.send", nil, EnqueueOptions{Attempts: 1})
	require.NoError(t, err)

	handle := &WorkerHandle{ID: "mail-worker", QueueName: "mail", StartedAt: time.Now()}
	pool.execute(ctx, handle, "mail", keystore.StreamMessage{ID: "1-1", Data: id})

	rec, found, err := qm.GetJobRecord(ctx, "mail", id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StateFailed, rec.Status)
	require.Equal(t, errBoom.Error(), rec.FailedReason)
}

func TestWorkerPool_ExecuteRetriesTwiceThenSucceeds(t *testing.T) {
	pool, qm, reg := newTestWorkerPool(t)
	ctx := context.Background()

	attempt := 0
	var onFailureCalls, onSuccessCalls int
	require.NoError(t, reg.Register("mail.send", &Definition{
		Name:  "send",
		Queue: "mail",
		Handler: func(_ context.Context, execCtx ExecutionContext) (any, error) {
			attempt++
			if attempt < 3 {
				return nil, errBoom
			}
			return "ok", nil
		},
		Hooks: Hooks{
			OnFailure: func(JobMeta, error, time.Duration, bool) { onFailureCalls++ },
			OnSuccess: func(JobMeta, any, time.Duration) { onSuccessCalls++ },
		},
	}))

	id, err := qm.Enqueue(ctx, "mail", "mail.send", nil, EnqueueOptions{Attempts: 3})
	require.NoError(t, err)

	handle := &WorkerHandle{ID: "mail-worker", QueueName: "mail", StartedAt: time.Now()}

	pool.execute(ctx, handle, "mail", keystore.StreamMessage{ID: "1-1", Data: id})
	rec, found, err := qm.GetJobRecord(ctx, "mail", id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StateDelayed, rec.Status)
	require.Equal(t, 1, rec.AttemptsMade)

	pool.execute(ctx, handle, "mail", keystore.StreamMessage{ID: "1-2", Data: id})
	rec, found, err = qm.GetJobRecord(ctx, "mail", id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StateDelayed, rec.Status)
	require.Equal(t, 2, rec.AttemptsMade)

	pool.execute(ctx, handle, "mail", keystore.StreamMessage{ID: "1-3", Data: id})
	rec, found, err = qm.GetJobRecord(ctx, "mail", id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StateCompleted, rec.Status)
	require.Equal(t, "ok", rec.Result)

	require.Equal(t, 2, onFailureCalls)
	require.Equal(t, 1, onSuccessCalls)
}

func TestWorkerPool_ExecuteSkipsWhenAdvancedSchedulingGates(t *testing.T) {
	pool, qm, reg := newTestWorkerPool(t)
	ctx := context.Background()

	called := false
	require.NoError(t, reg.Register("mail.send", &Definition{
		Name:  "send",
		Queue: "mail",
		Handler: func(_ context.Context, execCtx ExecutionContext) (any, error) {
			called = true
			return nil, nil
		},
	}))

	id, err := qm.Enqueue(ctx, "mail", "mail.send", nil, EnqueueOptions{
		Metadata: map[string]any{"advancedScheduling": &AdvancedScheduling{SkipDates: []time.Time{time.Now()}}},
	})
	require.NoError(t, err)
	rec, _, err := qm.GetJobRecord(ctx, "mail", id)
	require.NoError(t, err)
	require.NoError(t, qm.PutJobRecord(ctx, rec))

	handle := &WorkerHandle{ID: "mail-worker", QueueName: "mail", StartedAt: time.Now()}
	pool.execute(ctx, handle, "mail", keystore.StreamMessage{ID: "1-1", Data: id})

	require.False(t, called)
	rec, _, err = qm.GetJobRecord(ctx, "mail", id)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, rec.Status)
	skipped, _ := rec.Result.(map[string]any)["skipped"].(bool)
	require.True(t, skipped)
}

func TestWorkerPool_ExecutePostsWebhookOnCompletion(t *testing.T) {
	pool, qm, reg := newTestWorkerPool(t)
	ctx := context.Background()

	hit := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, reg.Register("mail.send", &Definition{
		Name:  "send",
		Queue: "mail",
		Handler: func(_ context.Context, execCtx ExecutionContext) (any, error) {
			return "done", nil
		},
	}))

	id, err := qm.Enqueue(ctx, "mail", "mail.send", nil, EnqueueOptions{
		Metadata: map[string]any{"webhookUrl": srv.URL},
	})
	require.NoError(t, err)

	handle := &WorkerHandle{ID: "mail-worker", QueueName: "mail", StartedAt: time.Now()}
	pool.execute(ctx, handle, "mail", keystore.StreamMessage{ID: "1-1", Data: id})

	select {
	case <-hit:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never posted")
	}
}

func TestComputeBackoff_Exponential(t *testing.T) {
	d := computeBackoff(&Backoff{Type: "exponential", Multiplier: 2, Max: time.Minute}, 3)
	require.Equal(t, 4*time.Second, d)
}

func TestComputeBackoff_Fixed(t *testing.T) {
	d := computeBackoff(&Backoff{Type: "fixed", Delay: 5 * time.Second}, 1)
	require.Equal(t, 5*time.Second, d)
}

func TestComputeBackoff_Custom(t *testing.T) {
	delays := []time.Duration{time.Second, 3 * time.Second}
	require.Equal(t, time.Second, computeBackoff(&Backoff{Type: "custom", Delays: delays}, 1))
	require.Equal(t, 3*time.Second, computeBackoff(&Backoff{Type: "custom", Delays: delays}, 2))
	require.Equal(t, 3*time.Second, computeBackoff(&Backoff{Type: "custom", Delays: delays}, 9))
}

func TestEvaluateAdvancedScheduling_SkipWeekends(t *testing.T) {
	saturday := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	reason, skip := evaluateAdvancedScheduling(map[string]any{
		"advancedScheduling": &AdvancedScheduling{SkipWeekends: true},
	}, saturday)
	require.True(t, skip)
	require.Equal(t, "skipWeekends", reason)
}

func TestEvaluateAdvancedScheduling_NoMetadataNeverSkips(t *testing.T) {
	_, skip := evaluateAdvancedScheduling(nil, time.Now())
	require.False(t, skip)
}

func TestWorkerPool_ShutdownClearsRegistryAndHandles(t *testing.T) {
	pool, _, reg := newTestWorkerPool(t)
	require.NoError(t, reg.Register("a", &Definition{Name: "a"}))
	pool.Worker(WorkerConfig{Queues: []string{"mail"}, Concurrency: 1})

	require.NoError(t, pool.Shutdown(context.Background()))
	require.Empty(t, pool.Workers())
	require.Empty(t, reg.All())
}

var errBoom = boomError{}

type boomError struct{}

func (boomError) Error() string { return "boom" }
