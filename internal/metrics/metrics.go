// Package metrics holds the Prometheus collectors shared by the
// knowledge-graph services. Everything registers on the default
// registry; the ops listener serves it at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ── Ingestion pipeline ───────────────────────────────────

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "memento_queue_depth",
		Help: "Tasks waiting per partition.",
	}, []string{"partition"})

	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memento_tasks_enqueued_total",
		Help: "Tasks accepted by the queue manager.",
	}, []string{"type"})

	QueueOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memento_queue_overflow_total",
		Help: "Enqueues rejected by backpressure.",
	})

	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memento_tasks_processed_total",
		Help: "Tasks completed by workers.",
	}, []string{"type", "outcome"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "memento_task_duration_seconds",
		Help:    "Wall time spent executing one task.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	TasksRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memento_tasks_requeued_total",
		Help: "Tasks sent back for retry.",
	})

	TasksDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memento_tasks_dead_lettered_total",
		Help: "Tasks dropped after exhausting retries.",
	})

	WorkerCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memento_workers",
		Help: "Workers currently running.",
	})

	// ── Storage ──────────────────────────────────────────────

	StoreQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "memento_store_query_seconds",
		Help:    "Latency of storage adapter calls.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"store", "op"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memento_store_errors_total",
		Help: "Failed storage adapter calls.",
	}, []string{"store", "op"})

	StoreUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "memento_store_up",
		Help: "1 when the adapter's last health check passed.",
	}, []string{"store"})

	// ── Search & embeddings ──────────────────────────────────

	SearchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memento_search_requests_total",
		Help: "Search requests by strategy.",
	}, []string{"strategy"})

	SearchCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memento_search_cache_hits_total",
		Help: "Search responses served from the LRU cache.",
	})

	SearchCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memento_search_cache_misses_total",
		Help: "Search requests that went to the stores.",
	})

	EmbeddingCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memento_embedding_calls_total",
		Help: "Embedding provider round trips.",
	}, []string{"provider", "outcome"})

	EmbeddingCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memento_embedding_cache_hits_total",
		Help: "Embeddings served from the content-hash cache.",
	})

	EmbeddingTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memento_embedding_tokens_total",
		Help: "Tokens billed by the embedding provider.",
	})

	EmbeddingCostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memento_embedding_cost_usd_total",
		Help: "Estimated embedding spend in USD.",
	})

	// ── History & sessions ───────────────────────────────────

	VersionsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memento_versions_appended_total",
		Help: "Version nodes written to the graph.",
	})

	VersionsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memento_versions_pruned_total",
		Help: "Version nodes removed by retention pruning.",
	})

	CheckpointsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memento_checkpoints_created_total",
		Help: "Checkpoints created by reason.",
	}, []string{"reason"})

	SessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memento_session_events_total",
		Help: "Session events appended by type.",
	}, []string{"type"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memento_sessions_active",
		Help: "Sessions with unexpired keys.",
	})

	CheckpointJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memento_checkpoint_jobs_total",
		Help: "Session checkpoint job transitions by status.",
	}, []string{"status"})

	// ── Mutation events ──────────────────────────────────────

	MutationEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memento_mutation_events_total",
		Help: "Entity and relationship mutation events published.",
	}, []string{"kind"})

	MutationEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memento_mutation_events_dropped_total",
		Help: "Mutation events dropped on slow subscribers.",
	})
)
