// Package telemetry holds the Prometheus metrics and OpenTelemetry tracer
// handle shared by the store and job-queue packages (C16).
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreCommandsTotal counts every adapter command by outcome.
	StoreCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "igniter_store_commands_total",
			Help: "Total number of store adapter commands issued, by command and status.",
		},
		[]string{"command", "status"},
	)

	// StoreCommandDuration tracks adapter round-trip latency.
	StoreCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "igniter_store_command_duration_seconds",
			Help:    "Store adapter command duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	// CircuitBreakerState reports the current breaker state as a gauge
	// (0 closed, 1 half-open, 2 open) so it can be graphed directly.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "igniter_circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open.",
		},
		[]string{"name"},
	)

	// QueueJobCounts mirrors QueueManager.GetJobCounts per queue/state.
	QueueJobCounts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "igniter_queue_job_counts",
			Help: "Job counts per queue and state, refreshed whenever job counts are read.",
		},
		[]string{"queue", "state"},
	)

	// WorkerJobsProcessedTotal counts completed job executions, including
	// skipped ones (see DESIGN.md open-question decision).
	WorkerJobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "igniter_worker_jobs_processed_total",
			Help: "Total number of jobs a worker finished processing, by queue.",
		},
		[]string{"queue"},
	)

	// WorkerJobsFailedTotal counts handler failures (excludes skipped jobs).
	WorkerJobsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "igniter_worker_jobs_failed_total",
			Help: "Total number of job executions that ended in failure, by queue.",
		},
		[]string{"queue"},
	)

	// WorkerActiveSlots gauges in-flight handler invocations per queue.
	WorkerActiveSlots = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "igniter_worker_active_slots",
			Help: "Number of concurrency slots currently occupied, by queue.",
		},
		[]string{"queue"},
	)
)
