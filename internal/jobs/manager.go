package jobs

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kocoro-labs/igniter/internal/ignerr"
	"github.com/kocoro-labs/igniter/internal/keystore"
)

// JobManager implements cross-queue job introspection/mutation (C11). Every
// operation takes a job id and an optional queue name; with no queue name,
// every known queue is scanned in insertion order for the first owner.
type JobManager struct {
	adapter  *keystore.Adapter
	queueMgr *QueueManager
	logger   *zap.Logger
}

// NewJobManager constructs a JobManager over queueMgr.
func NewJobManager(adapter *keystore.Adapter, queueMgr *QueueManager, logger *zap.Logger) *JobManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobManager{adapter: adapter, queueMgr: queueMgr, logger: logger}
}

func (jm *JobManager) resolve(ctx context.Context, jobID, queueName string) (string, *JobRecord, error) {
	if queueName != "" {
		rec, found, err := jm.queueMgr.GetJobRecord(ctx, queueName, jobID)
		if err != nil {
			return "", nil, err
		}
		if !found {
			return "", nil, ignerr.Newf(ignerr.CodeJobNotFound, "job %q not found in queue %q", jobID, queueName)
		}
		return queueName, rec, nil
	}
	for _, q := range jm.queueMgr.KnownQueueNames() {
		rec, found, err := jm.queueMgr.GetJobRecord(ctx, q, jobID)
		if err != nil {
			return "", nil, err
		}
		if found {
			return q, rec, nil
		}
	}
	return "", nil, ignerr.Newf(ignerr.CodeJobNotFound, "job %q not found in any known queue", jobID)
}

// Get returns the job record for (jobID, queueName?).
func (jm *JobManager) Get(ctx context.Context, jobID, queueName string) (*JobRecord, error) {
	_, rec, err := jm.resolve(ctx, jobID, queueName)
	return rec, err
}

// GetState returns the job's current state.
func (jm *JobManager) GetState(ctx context.Context, jobID, queueName string) (State, error) {
	_, rec, err := jm.resolve(ctx, jobID, queueName)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// GetLogs returns the job's accumulated log lines.
func (jm *JobManager) GetLogs(ctx context.Context, jobID, queueName string) ([]string, error) {
	_, rec, err := jm.resolve(ctx, jobID, queueName)
	if err != nil {
		return nil, err
	}
	return rec.Logs, nil
}

// GetProgress returns the job's last-reported progress value.
func (jm *JobManager) GetProgress(ctx context.Context, jobID, queueName string) (any, error) {
	_, rec, err := jm.resolve(ctx, jobID, queueName)
	if err != nil {
		return nil, err
	}
	return rec.Progress, nil
}

// Retry re-enqueues a failed job as a fresh waiting entry with its attempt
// counter reset, returning it to the live stream.
func (jm *JobManager) Retry(ctx context.Context, jobID, queueName string) error {
	queue, rec, err := jm.resolve(ctx, jobID, queueName)
	if err != nil {
		return err
	}
	prev := rec.Status
	rec.AttemptsMade = 0
	rec.FailedReason = ""
	rec.Status = StateWaiting
	if err := jm.queueMgr.PutJobRecord(ctx, rec); err != nil {
		return err
	}
	jm.queueMgr.BumpCount(ctx, queue, prev, -1)
	jm.queueMgr.BumpCount(ctx, queue, StateWaiting, 1)
	_, err = jm.adapter.XAdd(ctx, jm.queueMgr.StreamKey(queue), rec.ID, keystore.XAddOptions{})
	return err
}

// Remove deletes the job record entirely.
func (jm *JobManager) Remove(ctx context.Context, jobID, queueName string) error {
	queue, rec, err := jm.resolve(ctx, jobID, queueName)
	if err != nil {
		return err
	}
	if err := jm.queueMgr.DeleteJobRecord(ctx, queue, jobID); err != nil {
		return err
	}
	jm.queueMgr.BumpCount(ctx, queue, rec.Status, -1)
	return nil
}

// Promote moves a delayed job directly to waiting, skipping its remaining delay.
func (jm *JobManager) Promote(ctx context.Context, jobID, queueName string) error {
	queue, rec, err := jm.resolve(ctx, jobID, queueName)
	if err != nil {
		return err
	}
	if rec.Status != StateDelayed {
		return nil
	}
	rec.Status = StateWaiting
	if err := jm.queueMgr.PutJobRecord(ctx, rec); err != nil {
		return err
	}
	_ = jm.adapter.Delete(ctx, jm.queueMgr.delayedKey(queue, rec.ID))
	jm.queueMgr.BumpCount(ctx, queue, StateDelayed, -1)
	jm.queueMgr.BumpCount(ctx, queue, StateWaiting, 1)
	_, err = jm.adapter.XAdd(ctx, jm.queueMgr.StreamKey(queue), rec.ID, keystore.XAddOptions{})
	return err
}

// MoveToFailed forces the job into its terminal failed state with reason.
func (jm *JobManager) MoveToFailed(ctx context.Context, jobID, queueName, reason string) error {
	queue, rec, err := jm.resolve(ctx, jobID, queueName)
	if err != nil {
		return err
	}
	prev := rec.Status
	rec.Status = StateFailed
	rec.FailedReason = reason
	if err := jm.queueMgr.PutJobRecord(ctx, rec); err != nil {
		return err
	}
	jm.queueMgr.BumpCount(ctx, queue, prev, -1)
	jm.queueMgr.BumpCount(ctx, queue, StateFailed, 1)
	return nil
}

// idResult pairs a job id with the error from one bulk operation.
type idResult struct {
	id  string
	err error
}

// RetryMany retries every id concurrently, returning the first error
// encountered (fail-fast), if any.
func (jm *JobManager) RetryMany(ctx context.Context, ids []string, queueName string) error {
	return jm.bulk(ids, func(id string) error { return jm.Retry(ctx, id, queueName) })
}

// RemoveMany removes every id concurrently, fail-fast.
func (jm *JobManager) RemoveMany(ctx context.Context, ids []string, queueName string) error {
	return jm.bulk(ids, func(id string) error { return jm.Remove(ctx, id, queueName) })
}

func (jm *JobManager) bulk(ids []string, op func(string) error) error {
	results := make(chan idResult, len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			results <- idResult{id: id, err: op(id)}
		}(id)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for r := range results {
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}
	return firstErr
}
