package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kocoro-labs/igniter/internal/ignerr"
	"github.com/kocoro-labs/igniter/internal/keystore"
	"github.com/kocoro-labs/igniter/internal/telemetry"
)

const (
	consumerGroup  = "workers"
	pollBlock      = 2 * time.Second
	pausedIdleWait = 500 * time.Millisecond
)

// RateLimiter caps job starts to max per duration.
type RateLimiter struct {
	Max      int
	Duration time.Duration
}

// WorkerConfig configures one worker() call.
type WorkerConfig struct {
	Queues      []string
	Concurrency int
	JobFilter   []string // job (definition id) names this worker will run; nil/empty = all
	Limiter     *RateLimiter

	OnActive func(JobMeta)
	OnSuccess func(JobMeta, any, time.Duration)
	OnFailure func(JobMeta, error, time.Duration)
	OnIdle    func()
}

func (c WorkerConfig) allowsJob(name string) bool {
	if len(c.JobFilter) == 0 {
		return true
	}
	for _, n := range c.JobFilter {
		if n == name {
			return true
		}
	}
	return false
}

// WorkerHandle is the per-queue worker returned by WorkerPool.Worker. Two
// Worker calls naming the same queue return the SAME handle ("worker reuse").
type WorkerHandle struct {
	ID        string
	QueueName string
	Config    WorkerConfig
	StartedAt time.Time

	mu            sync.Mutex
	processed     int64
	failed        int64
	totalDuration time.Duration
	closed        bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// Metrics is the snapshot returned by WorkerHandle.Metrics.
type Metrics struct {
	Processed   int64
	Failed      int64
	AvgDuration time.Duration
	Concurrency int
	Uptime      time.Duration
}

// Metrics returns a snapshot of this handle's counters.
func (h *WorkerHandle) Metrics() Metrics {
	h.mu.Lock()
	defer h.mu.Unlock()
	var avg time.Duration
	if h.processed > 0 {
		avg = h.totalDuration / time.Duration(h.processed)
	}
	return Metrics{
		Processed:   h.processed,
		Failed:      h.failed,
		AvgDuration: avg,
		Concurrency: h.Config.Concurrency,
		Uptime:      time.Since(h.StartedAt),
	}
}

// IsClosed reports whether Close has completed on this handle.
func (h *WorkerHandle) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close cancels the dispatch loop and waits for in-flight handlers to
// finish before returning. Idempotent.
func (h *WorkerHandle) Close() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()

	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *WorkerHandle) recordSuccess(d time.Duration) {
	h.mu.Lock()
	h.processed++
	h.totalDuration += d
	h.mu.Unlock()
}

func (h *WorkerHandle) recordFailure() {
	h.mu.Lock()
	h.failed++
	h.mu.Unlock()
}

// WorkerPool implements C10: per-queue consumer groups, concurrency slots,
// rate limiting, and the full per-job execution pipeline.
type WorkerPool struct {
	adapter  *keystore.Adapter
	queueMgr *QueueManager
	registry *Registry
	logger   *zap.Logger
	httpc    *http.Client

	mu      sync.Mutex
	handles map[string]*WorkerHandle
}

// NewWorkerPool constructs a WorkerPool bound to queueMgr/registry.
func NewWorkerPool(adapter *keystore.Adapter, queueMgr *QueueManager, registry *Registry, logger *zap.Logger) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		adapter:  adapter,
		queueMgr: queueMgr,
		registry: registry,
		logger:   logger,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		handles:  make(map[string]*WorkerHandle),
	}
}

// Worker creates (or reuses) one handle per non-wildcard queue in cfg.Queues.
// A "*" queue name is logged and skipped.
func (p *WorkerPool) Worker(cfg WorkerConfig) []*WorkerHandle {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	var out []*WorkerHandle
	for _, queue := range cfg.Queues {
		if strings.Contains(queue, "*") {
			p.logger.Warn("wildcard queue name in worker config skipped", zap.String("queue", queue))
			continue
		}
		out = append(out, p.workerFor(queue, cfg))
	}
	return out
}

func (p *WorkerPool) workerFor(queue string, cfg WorkerConfig) *WorkerHandle {
	id := queue + "-worker"

	p.mu.Lock()
	if existing, ok := p.handles[id]; ok {
		p.mu.Unlock()
		return existing
	}
	ctx, cancel := context.WithCancel(context.Background())
	handle := &WorkerHandle{
		ID:        id,
		QueueName: queue,
		Config:    cfg,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	p.handles[id] = handle
	p.mu.Unlock()

	if err := p.adapter.XGroupCreate(ctx, p.queueMgr.StreamKey(queue), consumerGroup, "0"); err != nil {
		p.logger.Error("failed to ensure consumer group", zap.String("queue", queue), zap.Error(err))
	}

	handle.wg.Add(1)
	go func() {
		defer handle.wg.Done()
		p.dispatchLoop(ctx, handle)
	}()
	return handle
}

// Workers returns a snapshot of every live handle.
func (p *WorkerPool) Workers() []*WorkerHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*WorkerHandle, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, h)
	}
	return out
}

func buildLimiter(cfg *RateLimiter) *rate.Limiter {
	if cfg == nil || cfg.Max <= 0 || cfg.Duration <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(cfg.Duration/time.Duration(cfg.Max)), cfg.Max)
}

func (p *WorkerPool) dispatchLoop(ctx context.Context, handle *WorkerHandle) {
	queue := handle.QueueName
	limiter := buildLimiter(handle.Config.Limiter)
	sem := make(chan struct{}, handle.Config.Concurrency)
	idleNotified := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if paused, _ := p.queueMgr.IsPaused(ctx, queue); paused {
			time.Sleep(pausedIdleWait)
			continue
		}

		if _, err := p.queueMgr.PromoteDelayed(ctx, queue); err != nil {
			p.logger.Warn("promote delayed failed", zap.String("queue", queue), zap.Error(err))
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		msgs, err := p.adapter.XReadGroup(ctx, p.queueMgr.StreamKey(queue), consumerGroup, handle.ID,
			keystore.XReadGroupOptions{Count: 1, Block: pollBlock})
		if err != nil {
			p.logger.Warn("xreadgroup failed", zap.String("queue", queue), zap.Error(err))
			time.Sleep(pollBlock)
			continue
		}
		if len(msgs) == 0 {
			if !idleNotified && handle.Config.OnIdle != nil {
				handle.Config.OnIdle()
				idleNotified = true
			}
			continue
		}
		idleNotified = false

		for _, msg := range msgs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			telemetry.WorkerActiveSlots.WithLabelValues(queue).Inc()
			handle.wg.Add(1)
			go func(msg keystore.StreamMessage) {
				defer func() {
					<-sem
					telemetry.WorkerActiveSlots.WithLabelValues(queue).Dec()
					handle.wg.Done()
				}()
				p.execute(ctx, handle, queue, msg)
			}(msg)
		}
	}
}

// execute runs the per-job pipeline of steps 1-8 for one stream
// message (whose payload is the job id).
func (p *WorkerPool) execute(ctx context.Context, handle *WorkerHandle, queue string, msg keystore.StreamMessage) {
	jobID := msg.Data
	ack := func() { _ = p.adapter.XAck(ctx, p.queueMgr.StreamKey(queue), consumerGroup, msg.ID) }

	rec, found, err := p.queueMgr.GetJobRecord(ctx, queue, jobID)
	if err != nil || !found {
		p.logger.Warn("job record missing for stream entry, ignoring", zap.String("jobId", jobID))
		return
	}

	// step 1: definition lookup
	def, ok := p.registry.Lookup(rec.Name)
	if !ok {
		p.logger.Warn("job definition not registered", zap.String("job", rec.Name))
		return
	}

	// step 2: job filter
	if !handle.Config.allowsJob(rec.Name) {
		return
	}

	meta := JobMeta{ID: rec.ID, Name: rec.Name, AttemptsMade: rec.AttemptsMade, CreatedAt: rec.CreatedAt, Metadata: rec.Opts.Metadata}

	// step 3: advanced-scheduling gate
	if reason, skip := evaluateAdvancedScheduling(rec.Opts.Metadata, time.Now()); skip {
		rec.Status = StateCompleted
		now := time.Now()
		rec.CompletedAt = &now
		rec.Result = map[string]any{"skipped": true, "reason": reason}
		_ = p.queueMgr.PutJobRecord(ctx, rec)
		ack()
		p.queueMgr.BumpCount(ctx, queue, StateWaiting, -1)
		p.queueMgr.BumpCount(ctx, queue, StateCompleted, 1)
		handle.recordSuccess(0)
		telemetry.WorkerJobsProcessedTotal.WithLabelValues(queue).Inc()
		if def.Hooks.OnComplete != nil {
			safeCall(p.logger, func() { def.Hooks.OnComplete(meta, Result{Skipped: true, SkipReason: reason}) })
		}
		return
	}

	if handle.Config.OnActive != nil {
		safeCall(p.logger, func() { handle.Config.OnActive(meta) })
	}

	// step 4: onStart
	if def.Hooks.OnStart != nil {
		safeCall(p.logger, func() { def.Hooks.OnStart(meta) })
	}

	// step 5: execution context
	var execValue any
	if def.ContextFactory != nil {
		v, err := def.ContextFactory(ctx, meta)
		if err != nil {
			p.fail(ctx, handle, def, queue, rec, ignerr.Wrap(ignerr.CodeInvalidContext, "context factory failed", err), 0, msg.ID)
			return
		}
		execValue = v
	}
	execCtx := ExecutionContext{Input: rec.Payload, Context: execValue, Job: meta}

	rec.Status = StateActive
	now := time.Now()
	rec.ProcessedAt = &now
	_ = p.queueMgr.PutJobRecord(ctx, rec)
	p.queueMgr.BumpCount(ctx, queue, StateWaiting, -1)
	p.queueMgr.BumpCount(ctx, queue, StateActive, 1)

	// step 6/7: invoke
	spanCtx, span := telemetry.StartSpan(ctx, "jobs.handler."+rec.Name)
	start := time.Now()
	output, err := def.Handler(spanCtx, execCtx)
	duration := time.Since(start)
	telemetry.RecordError(span, err)
	span.End()
	p.queueMgr.BumpCount(ctx, queue, StateActive, -1)

	if err != nil {
		p.fail(ctx, handle, def, queue, rec, err, duration, msg.ID)
		return
	}

	if handle.Config.OnSuccess != nil {
		safeCall(p.logger, func() { handle.Config.OnSuccess(meta, output, duration) })
	}
	if def.Hooks.OnSuccess != nil {
		safeCall(p.logger, func() { def.Hooks.OnSuccess(meta, output, duration) })
	}
	if url, ok := rec.Opts.Metadata["webhookUrl"].(string); ok && url != "" {
		p.postWebhook(url, rec, "completed", output, duration, nil)
	}

	rec.Status = StateCompleted
	completedAt := time.Now()
	rec.CompletedAt = &completedAt
	rec.Result = output
	_ = p.queueMgr.PutJobRecord(ctx, rec)
	p.queueMgr.BumpCount(ctx, queue, StateCompleted, 1)
	ack()
	handle.recordSuccess(duration)
	telemetry.WorkerJobsProcessedTotal.WithLabelValues(queue).Inc()

	if def.Hooks.OnComplete != nil {
		safeCall(p.logger, func() {
			def.Hooks.OnComplete(meta, Result{Success: true, Output: output, ExecutionTime: duration})
		})
	}
}

// fail implements steps 7/8 of on a thrown handler error (or a
// context-factory failure, which counts as a failure per step 5).
func (p *WorkerPool) fail(ctx context.Context, handle *WorkerHandle, def *Definition, queue string, rec *JobRecord, jobErr error, duration time.Duration, msgID string) {
	attempts := rec.Opts.Attempts
	if attempts == 0 {
		attempts = 3
	}
	isFinalAttempt := rec.AttemptsMade >= attempts-1
	rec.AttemptsMade++

	meta := JobMeta{ID: rec.ID, Name: rec.Name, AttemptsMade: rec.AttemptsMade, CreatedAt: rec.CreatedAt, Metadata: rec.Opts.Metadata}

	if handle.Config.OnFailure != nil {
		safeCall(p.logger, func() { handle.Config.OnFailure(meta, jobErr, duration) })
	}
	if def.Hooks.OnFailure != nil {
		safeCall(p.logger, func() { def.Hooks.OnFailure(meta, jobErr, duration, isFinalAttempt) })
	}
	if url, ok := rec.Opts.Metadata["webhookUrl"].(string); ok && url != "" {
		p.postWebhook(url, rec, "failed", nil, duration, jobErr)
	}

	handle.recordFailure()
	telemetry.WorkerJobsFailedTotal.WithLabelValues(queue).Inc()

	if isFinalAttempt {
		rec.Status = StateFailed
		rec.FailedReason = jobErr.Error()
		_ = p.queueMgr.PutJobRecord(ctx, rec)
		_ = p.adapter.XAck(ctx, p.queueMgr.StreamKey(queue), consumerGroup, msgID)
		p.queueMgr.BumpCount(ctx, queue, StateFailed, 1)
	} else {
		delay := computeBackoff(rec.Opts.Backoff, rec.AttemptsMade)
		rec.Status = StateDelayed
		_ = p.queueMgr.PutJobRecord(ctx, rec)
		readyAt := time.Now().Add(delay)
		_ = p.adapter.Set(ctx, p.queueMgr.delayedKey(queue, rec.ID), readyAt.Format(time.RFC3339Nano), keystore.SetOptions{})
		p.queueMgr.BumpCount(ctx, queue, StateDelayed, 1)
		_ = p.adapter.XAck(ctx, p.queueMgr.StreamKey(queue), consumerGroup, msgID)
	}

	if def.Hooks.OnComplete != nil {
		safeCall(p.logger, func() {
			def.Hooks.OnComplete(meta, Result{Success: false, Err: jobErr, ExecutionTime: duration})
		})
	}
}

func computeBackoff(b *Backoff, attemptsMade int) time.Duration {
	if b == nil {
		return 0
	}
	switch b.Type {
	case "exponential":
		multiplier := b.Multiplier
		if multiplier == 0 {
			multiplier = 2
		}
		delay := time.Duration(float64(time.Second) * math.Pow(multiplier, float64(attemptsMade-1)))
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
		return delay
	case "fixed":
		return b.Delay
	case "custom":
		if len(b.Delays) == 0 {
			return 0
		}
		idx := attemptsMade - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(b.Delays) {
			idx = len(b.Delays) - 1
		}
		return b.Delays[idx]
	default:
		return 0
	}
}

// evaluateAdvancedScheduling applies step 5's dispatch-time gates.
// A true return means "skip this dispatch", with a human-readable reason.
func evaluateAdvancedScheduling(metadata map[string]any, now time.Time) (string, bool) {
	raw, ok := metadata["advancedScheduling"]
	if !ok {
		return "", false
	}
	adv, ok := decodeAdvancedScheduling(raw)
	if !ok {
		return "", false
	}
	if adv.SkipWeekends && (now.Weekday() == time.Saturday || now.Weekday() == time.Sunday) {
		return "skipWeekends", true
	}
	if len(adv.OnlyWeekdays) > 0 {
		allowed := false
		for _, d := range adv.OnlyWeekdays {
			if d == now.Weekday() {
				allowed = true
				break
			}
		}
		if !allowed {
			return "onlyWeekdays", true
		}
	}
	for _, d := range adv.SkipDates {
		if sameDay(d, now) {
			return "skipDates", true
		}
	}
	if adv.OnlyBusinessHours && adv.BusinessHours != nil {
		loc := time.Local
		if adv.BusinessHours.Timezone != "" {
			if l, err := time.LoadLocation(adv.BusinessHours.Timezone); err == nil {
				loc = l
			}
		}
		hour := now.In(loc).Hour()
		if hour < adv.BusinessHours.Start || hour >= adv.BusinessHours.End {
			return "onlyBusinessHours", true
		}
	}
	if adv.Between != nil && (now.Before(adv.Between.Start) || now.After(adv.Between.End)) {
		return "between", true
	}
	return "", false
}

// decodeAdvancedScheduling normalizes the advancedScheduling metadata entry,
// which may be the *AdvancedScheduling value built in-process by the
// Schedule Translator or a generic map[string]any after a round trip
// through Redis's JSON encoding, into a concrete struct.
func decodeAdvancedScheduling(raw any) (*AdvancedScheduling, bool) {
	if raw == nil {
		return nil, false
	}
	if adv, ok := raw.(*AdvancedScheduling); ok {
		return adv, true
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var adv AdvancedScheduling
	if err := json.Unmarshal(b, &adv); err != nil {
		return nil, false
	}
	return &adv, true
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func safeCall(logger *zap.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job hook panicked", zap.Any("recover", r))
		}
	}()
	fn()
}

type webhookBody struct {
	JobID         string    `json:"jobId"`
	JobName       string    `json:"jobName"`
	Status        string    `json:"status"`
	Result        any       `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	ExecutionTime float64   `json:"executionTime"`
	CompletedAt   time.Time `json:"completedAt"`
	Tags          []string  `json:"tags,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	Version       string    `json:"version"`
}

// decodeTags normalizes the tags metadata entry, tolerating both the
// []string set in-process and the []any shape produced by a JSON round
// trip through Redis.
func decodeTags(raw any) []string {
	switch t := raw.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (p *WorkerPool) postWebhook(url string, rec *JobRecord, status string, result any, duration time.Duration, jobErr error) {
	tags := decodeTags(rec.Opts.Metadata["tags"])
	body := webhookBody{
		JobID:         rec.ID,
		JobName:       rec.Name,
		Status:        status,
		Result:        result,
		ExecutionTime: duration.Seconds(),
		CompletedAt:   time.Now(),
		Tags:          tags,
		Timestamp:     time.Now(),
		Source:        "igniter-jobs",
		Version:       "1.0.0",
	}
	if jobErr != nil {
		body.Error = jobErr.Error()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		p.logger.Warn("webhook payload encode failed", zap.Error(err))
		return
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		p.logger.Warn("webhook request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Igniter-Jobs-Webhook/1.0")
	resp, err := p.httpc.Do(req)
	if err != nil {
		p.logger.Warn("webhook delivery failed", zap.String("url", url), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		p.logger.Warn("webhook rejected", zap.String("url", url), zap.Int("status", resp.StatusCode))
	}
}

// Shutdown gracefully stops every worker: pause-then-close each handle, wait
// for in-flight handlers, then clear the definition registry.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	handles := make([]*WorkerHandle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		_ = p.queueMgr.Pause(ctx, h.QueueName)
		h.Close()
	}

	p.mu.Lock()
	p.handles = make(map[string]*WorkerHandle)
	p.mu.Unlock()

	p.registry.Clear()
	return nil
}
