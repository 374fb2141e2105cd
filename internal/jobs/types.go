// Package jobs implements the job-registration/scheduling/dispatch/worker
// engine (C7-C13): a BullMQ-shaped broker built directly on the same Redis
// primitives the Store exposes (GET/SET/INCR/SCAN plus XADD/XGROUP
// CREATE/XREADGROUP/XACK). Queues are Redis Streams consumed through one
// shared consumer group; delayed and terminal (completed/failed) records
// live alongside as plain keys rather than sorted sets, since ZADD/ZRANGE
// are never used.
package jobs

import (
	"context"
	"time"

	"github.com/kocoro-labs/igniter/internal/events"
)

// State is one of a job instance's lifecycle states.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
	StatePaused    State = "paused"
	StateStalled   State = "stalled"
)

// Backoff describes how a failed job's retry delay grows.
type Backoff struct {
	Type       string // "exponential" | "fixed" | "custom"
	Multiplier float64
	Max        time.Duration
	Delay      time.Duration
	Delays     []time.Duration
}

// RepeatOptions carries a translated recurring-schedule spec.
type RepeatOptions struct {
	Cron      string
	Every     time.Duration
	Limit     int
	Until     *time.Time
	TZ        string
	StartDate *time.Time
}

// EnqueueOptions is the queue-level options produced by the Schedule
// Translator (C8) and consumed by QueueManager.Enqueue.
type EnqueueOptions struct {
	Delay    time.Duration
	JobID    string
	Priority int
	Attempts int
	Repeat   *RepeatOptions
	Backoff  *Backoff
	Metadata map[string]any
}

// JobMeta is the read-only job identity/context surfaced to a handler and to
// lifecycle hooks.
type JobMeta struct {
	ID           string
	Name         string
	AttemptsMade int
	CreatedAt    time.Time
	Metadata     map[string]any
}

// ExecutionContext is passed to a Handler on each invocation.
type ExecutionContext struct {
	Input   any
	Context any // produced by the definition's ContextFactory, if any
	Job     JobMeta
}

// Handler runs a job's business logic and returns its result.
type Handler func(ctx context.Context, execCtx ExecutionContext) (any, error)

// ContextFactory produces the per-invocation "context" value threaded into
// ExecutionContext.Context as an injected callable. A factory returning an
// error counts as INVALID_CONTEXT.
type ContextFactory func(ctx context.Context, meta JobMeta) (any, error)

// Result summarizes one handler invocation outcome, passed to OnComplete.
type Result struct {
	Success       bool
	Skipped       bool
	SkipReason    string
	Output        any
	Err           error
	ExecutionTime time.Duration
}

// Hooks are the fire-and-forget lifecycle callbacks a worker invokes around
// a job execution. Every hook is optional; errors are logged, never fatal.
type Hooks struct {
	OnStart    func(JobMeta)
	OnSuccess  func(JobMeta, any, time.Duration)
	OnFailure  func(JobMeta, error, time.Duration, bool /* isFinalAttempt */)
	OnComplete func(JobMeta, Result)
}

// AdvancedScheduling carries the dispatch-time gating rules translated from
// a schedule's advanced repeat fields.
type AdvancedScheduling struct {
	OnlyBusinessHours bool
	SkipWeekends      bool
	BusinessHours     *BusinessHours
	SkipDates         []time.Time
	OnlyWeekdays      []time.Weekday
	Between           *TimeWindow
}

// BusinessHours bounds OnlyBusinessHours evaluation.
type BusinessHours struct {
	Start, End int // hour-of-day, 0-23
	Timezone   string
}

// TimeWindow bounds the Between advanced-scheduling rule.
type TimeWindow struct {
	Start, End time.Time
}

// Definition is a registered job: its handler, default options, hooks and
// optional payload schema.
type Definition struct {
	ID             string // flattened "<namespace>.<jobId>" registry key
	Name           string
	Queue          string // defaults to "default"
	Handler        Handler
	InputSchema    events.Validator
	DefaultOptions *EnqueueOptions
	Hooks          Hooks
	ContextFactory ContextFactory

	// Repeat is populated for definitions created via Cron (C13); bulkRegister
	// auto-enqueues these with jobId = ID + "__cron".
	Repeat *RepeatOptions
}
