package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the odds ingestion worker

var (
	// Odds API metrics
	APICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oddsfeed_api_calls_total",
			Help: "Total number of odds API calls",
		},
		[]string{"endpoint", "status"},
	)

	APICallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oddsfeed_api_call_duration_seconds",
			Help:    "Duration of odds API calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Database metrics
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oddsfeed_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "table", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oddsfeed_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oddsfeed_db_connections_active",
			Help: "Number of active database connections",
		},
	)

	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oddsfeed_db_connections_idle",
			Help: "Number of idle database connections",
		},
	)

	// Cache metrics
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oddsfeed_cache_hits_total",
			Help: "Total number of cache hits",
		},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oddsfeed_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	CacheOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oddsfeed_cache_operation_duration_seconds",
			Help:    "Duration of cache operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	CacheFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oddsfeed_cache_failures_total",
			Help: "Cache operations that failed and were treated as soft errors",
		},
		[]string{"operation"},
	)

	// Pipeline metrics
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oddsfeed_pipeline_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"kind", "status"},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oddsfeed_pipeline_duration_seconds",
			Help:    "Duration of pipeline runs in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)

	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oddsfeed_reconcile_total",
			Help: "Reconciliation outcomes by record type and action",
		},
		[]string{"record", "action"},
	)

	ReconcileConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oddsfeed_reconcile_conflicts_total",
			Help: "Inserts that lost a unique key race and were retried as updates",
		},
		[]string{"record"},
	)

	// Retry queue metrics
	QueueEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oddsfeed_queue_enqueued_total",
			Help: "Writes deferred to the retry queue",
		},
		[]string{"data_type"},
	)

	QueueProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oddsfeed_queue_processed_total",
			Help: "Retry queue items by outcome",
		},
		[]string{"outcome"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oddsfeed_queue_depth",
			Help: "Items waiting in the retry queue",
		},
	)

	// Scheduler metrics
	TrackedKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oddsfeed_tracked_keys",
			Help: "Event/market keys tracked by the poll scheduler",
		},
	)

	MatchesRegistered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oddsfeed_matches_registered_total",
			Help: "Matches written by the registration job",
		},
		[]string{"action"},
	)

	SchedulerLoopDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "oddsfeed_scheduler_loop_duration_seconds",
			Help:    "Duration of scheduler poll rounds in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60},
		},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oddsfeed_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// System metrics
	SystemUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oddsfeed_system_uptime_seconds",
			Help: "System uptime in seconds",
		},
	)

	LastSuccessfulSync = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oddsfeed_last_successful_sync_timestamp",
			Help: "Timestamp of last successful pipeline run",
		},
	)
)

// RecordAPICall records an API call metric
func RecordAPICall(endpoint, status string, duration float64) {
	APICallsTotal.WithLabelValues(endpoint, status).Inc()
	APICallDuration.WithLabelValues(endpoint).Observe(duration)
}

// RecordDBQuery records a database query metric
func RecordDBQuery(operation, table, status string, duration float64) {
	DBQueriesTotal.WithLabelValues(operation, table, status).Inc()
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration)
}

// RecordCacheHit records a cache hit
func RecordCacheHit() {
	CacheHitsTotal.Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss() {
	CacheMissesTotal.Inc()
}

// RecordCacheOperation records a cache operation duration
func RecordCacheOperation(operation string, duration float64) {
	CacheOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordCacheFailure records a cache error that was swallowed
func RecordCacheFailure(operation string) {
	CacheFailuresTotal.WithLabelValues(operation).Inc()
}

// RecordPipelineRun records one pipeline run
func RecordPipelineRun(kind, status string, duration float64) {
	PipelineRunsTotal.WithLabelValues(kind, status).Inc()
	PipelineDuration.WithLabelValues(kind).Observe(duration)

	if status == "success" {
		LastSuccessfulSync.SetToCurrentTime()
	}
}

// RecordReconcile records a reconciliation outcome
func RecordReconcile(record, action string) {
	ReconcileTotal.WithLabelValues(record, action).Inc()
}

// RecordReconcileConflict records an insert that was retried as an update
func RecordReconcileConflict(record string) {
	ReconcileConflictsTotal.WithLabelValues(record).Inc()
}

// RecordEnqueue records a deferred write
func RecordEnqueue(dataType string) {
	QueueEnqueuedTotal.WithLabelValues(dataType).Inc()
}

// RecordQueueOutcome records how a drained item ended: processed, requeued, abandoned
func RecordQueueOutcome(outcome string) {
	QueueProcessedTotal.WithLabelValues(outcome).Inc()
}

// UpdateQueueDepth sets the retry queue depth gauge
func UpdateQueueDepth(depth int64) {
	QueueDepth.Set(float64(depth))
}

// UpdateTrackedKeys sets the tracked key gauge
func UpdateTrackedKeys(n int) {
	TrackedKeys.Set(float64(n))
}

// RecordMatchRegistered records a match registration outcome
func RecordMatchRegistered(action string) {
	MatchesRegistered.WithLabelValues(action).Inc()
}

// RecordSchedulerLoop records a scheduler poll round
func RecordSchedulerLoop(duration float64) {
	SchedulerLoopDuration.Observe(duration)
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// UpdateDBConnectionStats updates database connection pool statistics
func UpdateDBConnectionStats(active, idle int32) {
	DBConnectionsActive.Set(float64(active))
	DBConnectionsIdle.Set(float64(idle))
}
