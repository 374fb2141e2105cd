package jobs

import (
	"context"
	"time"

	"github.com/kocoro-labs/igniter/internal/ignerr"
)

// Router is a named bundle of job definitions, produced by the Router()
// constructor and combined into a global proxy via Merge (C12).
type Router struct {
	Namespace      string
	Jobs           map[string]*Definition
	DefaultOptions *EnqueueOptions
}

// NewRouter constructs a Router over jobs, keyed by their bare job id
// (unqualified by namespace; Merge applies the namespace prefix).
func NewRouter(namespace string, jobs map[string]*Definition, defaultOptions *EnqueueOptions) *Router {
	return &Router{Namespace: namespace, Jobs: jobs, DefaultOptions: defaultOptions}
}

// AutoStartWorkerConfig requests Merge to start a worker across every queue
// referenced by the merged routers' jobs.
type AutoStartWorkerConfig struct {
	Concurrency int
	JobFilter   []string
}

// Proxy is the global dispatch surface returned by Merge: one executor per
// top-level namespace, realized as a runtime Invoke lookup rather than
// generated per-namespace structs.
type Proxy struct {
	registry *Registry
	queueMgr *QueueManager
	workers  *WorkerPool
	translator *Translator
}

// Merge flattens namedRouters into a single registry under "<namespace>.<jobId>"
// ids, registers them, optionally starts a worker pool, and returns the
// resulting Proxy. Namespace collisions across the input map raise
// INVALID_NAMESPACE.
func Merge(ctx context.Context, registry *Registry, queueMgr *QueueManager, workers *WorkerPool, translator *Translator,
	namedRouters map[string]*Router, autoStart *AutoStartWorkerConfig) (*Proxy, error) {

	for ns, router := range namedRouters {
		namespace := ns
		if namespace == "" {
			namespace = router.Namespace
		}
		for jobID, def := range router.Jobs {
			flatID := namespace + "." + jobID
			if _, exists := registry.Lookup(flatID); exists {
				return nil, ignerr.Newf(ignerr.CodeInvalidJobNamespace, "duplicate job id %q across merged routers", flatID)
			}
			defCopy := *def
			if defCopy.DefaultOptions == nil {
				defCopy.DefaultOptions = router.DefaultOptions
			}
			if err := registry.Register(flatID, &defCopy); err != nil {
				return nil, err
			}
		}
	}

	proxy := &Proxy{registry: registry, queueMgr: queueMgr, workers: workers, translator: translator}

	if err := bulkRegisterCronJobs(ctx, registry, queueMgr, translator); err != nil {
		return nil, err
	}

	if autoStart != nil {
		queues := registry.Queues()
		if len(queues) == 0 {
			queues = []string{"default"}
		}
		var limiter *RateLimiter
		for _, def := range registry.All() {
			if def.DefaultOptions != nil {
				// Rate limiting is a worker-level concept; definitions don't
				// carry one directly, and AutoStartWorkerConfig has no limiter
				// field, so the auto-started worker runs without a limiter.
				break
			}
		}
		workers.Worker(WorkerConfig{
			Queues:      queues,
			Concurrency: autoStart.Concurrency,
			JobFilter:   autoStart.JobFilter,
			Limiter:     limiter,
		})
	}
	return proxy, nil
}

// Enqueue validates input against the definition's schema (if any), applies
// any default options merged with spec, translates spec, and enqueues.
func (p *Proxy) Enqueue(ctx context.Context, jobID string, input any, spec ScheduleSpec) (string, error) {
	def, ok := p.registry.Lookup(jobID)
	if !ok {
		return "", ignerr.Newf(ignerr.CodeJobNotRegistered, "job %q is not registered", jobID)
	}
	if def.InputSchema != nil {
		if issues := def.InputSchema.Validate(input); len(issues) > 0 {
			return "", ignerr.Newf(ignerr.CodeInvalidPayload, "invalid payload for job %q", jobID).
				WithDetails(map[string]any{"issues": issues})
		}
	}
	opts, err := p.translator.Translate(spec, time.Now())
	if err != nil {
		return "", err
	}
	return p.queueMgr.Enqueue(ctx, def.Queue, jobID, input, opts)
}

// Schedule is Enqueue with an explicit repeat/at/delay-carrying spec; it is
// the same operation, named separately for callers that want to express
// intent.
func (p *Proxy) Schedule(ctx context.Context, jobID string, input any, spec ScheduleSpec) (string, error) {
	return p.Enqueue(ctx, jobID, input, spec)
}

// Bulk enqueues several (input, spec) pairs for jobID, returning their ids
// in order. Stops at the first validation/enqueue error.
func (p *Proxy) Bulk(ctx context.Context, jobID string, items []BulkItem) ([]string, error) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, err := p.Enqueue(ctx, jobID, item.Input, item.Spec)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// BulkItem is one (input, schedule) pair passed to Proxy.Bulk.
type BulkItem struct {
	Input any
	Spec  ScheduleSpec
}

// Invoke dispatches by a fully-qualified "<namespace>.<jobId>" name and an
// operation kind; callers preferring compile-time safety should call
// Enqueue/Schedule/Bulk directly instead.
func (p *Proxy) Invoke(ctx context.Context, namespacedID string, op string, input any, spec ScheduleSpec) (any, error) {
	switch op {
	case "enqueue":
		return p.Enqueue(ctx, namespacedID, input, spec)
	case "schedule":
		return p.Schedule(ctx, namespacedID, input, spec)
	default:
		return nil, ignerr.Newf(ignerr.CodeInvalidJob, "unknown proxy operation %q", op)
	}
}

// Queues returns the set of queue names the merged registry references
// ("$queues" in the proxy shape).
func (p *Proxy) Queues() []string { return p.registry.Queues() }

// Job looks up a registered definition by its flattened id ("$job").
func (p *Proxy) Job(id string) (*Definition, bool) { return p.registry.Lookup(id) }

// Workers returns the live worker handles started under this proxy ("$workers").
func (p *Proxy) Workers() []*WorkerHandle { return p.workers.Workers() }

// bulkRegisterCronJobs enqueues one job for every registered definition
// carrying Repeat.Cron, at merge time, using jobId = "<defId>__cron" so a
// repeated merge is a no-op while that job is still waiting, delayed or
// active. The repeat options travel on the job record; no later run is
// scheduled from them.
func bulkRegisterCronJobs(ctx context.Context, registry *Registry, queueMgr *QueueManager, translator *Translator) error {
	for _, def := range registry.All() {
		if def.Repeat == nil || def.Repeat.Cron == "" {
			continue
		}
		spec := ScheduleSpec{
			Repeat: &RepeatInput{
				Cron:  def.Repeat.Cron,
				Limit: def.Repeat.Limit,
				Until: def.Repeat.Until,
				TZ:    def.Repeat.TZ,
			},
			SkipIfRunning: def.ID + "__cron",
		}
		opts, err := translator.Translate(spec, time.Now())
		if err != nil {
			return err
		}
		if def.DefaultOptions != nil {
			for k, v := range def.DefaultOptions.Metadata {
				opts.Metadata[k] = v
			}
		}
		if _, err := queueMgr.Enqueue(ctx, def.Queue, def.ID, nil, opts); err != nil {
			return err
		}
	}
	return nil
}
