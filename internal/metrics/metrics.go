package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_tasks_started_total",
			Help: "Total number of research tasks started",
		},
		[]string{"scope"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_tasks_completed_total",
			Help: "Total number of research tasks reaching a terminal status",
		},
		[]string{"scope", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_task_duration_seconds",
			Help:    "Research task duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"scope"},
	)

	TaskBudgetUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepresearch_task_budget_used",
			Help:    "Budget units consumed per task",
			Buckets: []float64{1, 5, 10, 20, 50, 100},
		},
	)

	TaskIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepresearch_task_iterations",
			Help:    "Planner iterations completed per task",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10},
		},
	)

	// Adapter metrics
	AdapterCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_adapter_calls_total",
			Help: "Total adapter calls by provider and outcome",
		},
		[]string{"adapter", "outcome"},
	)

	AdapterCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_adapter_call_duration_ms",
			Help:    "Adapter call duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 15000},
		},
		[]string{"adapter"},
	)

	AdapterRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_adapter_retries_total",
			Help: "Retry attempts performed by the resilience wrapper",
		},
		[]string{"adapter"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deepresearch_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_circuit_breaker_trips_total",
			Help: "Total circuit breaker transitions to open",
		},
		[]string{"name"},
	)

	// Streaming metrics
	StreamEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_stream_events_published_total",
			Help: "Stream events published per type",
		},
		[]string{"type"},
	)

	StreamEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_stream_events_dropped_total",
			Help: "Stream events dropped under backpressure (heartbeats only)",
		},
		[]string{"type"},
	)

	// Aggregator metrics
	SourcesDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_sources_deduplicated_total",
			Help: "Duplicate sources collapsed by the aggregator",
		},
	)

	GuardRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_guard_rejections_total",
			Help: "Sources or evidence rejected by the content guard",
		},
		[]string{"kind"},
	)

	// Recall metrics
	RecallHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_recall_hits_total",
			Help: "Evidence items reused from vector recall",
		},
	)
)
