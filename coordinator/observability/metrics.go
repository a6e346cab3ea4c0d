package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksLaunched counts async tasks successfully launched.
	TasksLaunched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pcrud_tasks_launched_total",
		Help: "Total number of async tasks successfully launched",
	})

	// LaunchFailures counts launches that failed before the job was enqueued.
	LaunchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcrud_launch_failures_total",
		Help: "Launch attempts that failed, by reason",
	}, []string{"reason"}) // conflict, enqueue

	// TasksCompleted counts terminal task outcomes seen by the completion hook.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcrud_tasks_completed_total",
		Help: "Tasks that reached a terminal state, by status",
	}, []string{"status"}) // success, failed, unknown

	// ConflictLocksAcquired counts per-object locks successfully reserved.
	ConflictLocksAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pcrud_conflict_locks_acquired_total",
		Help: "Per-object conflict locks successfully reserved",
	})

	// ConflictsDetected counts reservations rejected because an object was held.
	ConflictsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pcrud_conflicts_detected_total",
		Help: "Reservation attempts rejected due to an existing lock",
	})

	// ActiveTasks tracks the size of the active task registry.
	ActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pcrud_active_tasks",
		Help: "Current number of outstanding async tasks",
	})

	// SweepCleaned counts tasks reconciled away by the cleanup sweeper.
	SweepCleaned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcrud_sweep_cleaned_total",
		Help: "Tasks cleaned by the sweeper, by reason",
	}, []string{"reason"}) // task_finished, queue_record_missing, max_duration_exceeded

	// SweepSkipped counts tasks the sweeper left untouched.
	SweepSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pcrud_sweep_skipped_total",
		Help: "Tasks skipped by the sweeper (still running)",
	})

	// ProgressPolls counts progress endpoint responses by outcome.
	ProgressPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcrud_progress_polls_total",
		Help: "Progress polling responses, by outcome",
	}, []string{"outcome"}) // in_progress, terminal, unknown, error

	// APIRateLimited counts API requests rejected by the rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcrud_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// CacheLatency tracks cache operation roundtrip latency.
	CacheLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pcrud_cache_roundtrip_latency_seconds",
		Help:    "Cache operation latency (coordination spine health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// QueueDepth tracks the number of jobs waiting in the worker pool.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pcrud_queue_depth",
		Help: "Current number of jobs waiting in the worker pool",
	})

	// TaskRuntimeSeconds tracks job execution time.
	TaskRuntimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pcrud_task_runtime_seconds",
		Help:    "Job execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~2.7min
	})

	// EmitterFailures counts lifecycle emitter errors (best-effort path).
	EmitterFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcrud_emitter_failures_total",
		Help: "Lifecycle emitter errors (non-blocking, best-effort)",
	}, []string{"emitter", "event"})
)
