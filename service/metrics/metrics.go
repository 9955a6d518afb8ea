package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the ingestion pipeline.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// RPC gateway metrics
	rpcCallsTotal     *prometheus.CounterVec
	rpcCallDuration   *prometheus.HistogramVec
	rpcRetriesTotal   *prometheus.CounterVec
	rpcRateLimitHits  *prometheus.CounterVec
	rpcFailoversTotal *prometheus.CounterVec

	// Signature discovery metrics
	signaturesInsertedTotal *prometheus.CounterVec
	discoveryPagesTotal     *prometheus.CounterVec

	// Normalization metrics
	transactionsNormalizedTotal *prometheus.CounterVec
	normalizeDuration           *prometheus.HistogramVec

	// Watcher metrics
	watcherPassesTotal         *prometheus.CounterVec
	watchersRunning            prometheus.Gauge
	watcherInvariantViolations *prometheus.CounterVec

	// Event publishing metrics
	eventsPublishedTotal *prometheus.CounterVec

	// Database metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solsink_rpc_calls_total",
				Help: "Total number of RPC calls by method, status, and endpoint",
			},
			[]string{"method", "status", "endpoint"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solsink_rpc_call_duration_seconds",
				Help:    "RPC call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		rpcRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solsink_rpc_retries_total",
				Help: "Total number of RPC retry attempts by method and error category",
			},
			[]string{"method", "category"},
		),
		rpcRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solsink_rpc_rate_limit_hits_total",
				Help: "Total number of rate limit responses by endpoint",
			},
			[]string{"endpoint"},
		),
		rpcFailoversTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solsink_rpc_failovers_total",
				Help: "Total number of primary/backup endpoint flips by direction",
			},
			[]string{"direction"},
		),
		signaturesInsertedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solsink_signatures_inserted_total",
				Help: "Total number of signatures inserted by account and mode",
			},
			[]string{"account", "mode"},
		),
		discoveryPagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solsink_discovery_pages_total",
				Help: "Total number of signature pages fetched by account and mode",
			},
			[]string{"account", "mode"},
		),
		transactionsNormalizedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solsink_transactions_normalized_total",
				Help: "Total number of transaction normalization attempts by status",
			},
			[]string{"status"},
		),
		normalizeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solsink_normalize_duration_seconds",
				Help:    "Transaction normalization duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		watcherPassesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solsink_watcher_passes_total",
				Help: "Total number of watcher ingestion passes by account and status",
			},
			[]string{"account", "status"},
		),
		watchersRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "solsink_watchers_running",
				Help: "Number of account watchers currently running",
			},
		),
		watcherInvariantViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solsink_watcher_invariant_violations_total",
				Help: "Total number of fatal slot-monotonicity violations by account",
			},
			[]string{"account"},
		),
		eventsPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solsink_events_published_total",
				Help: "Total number of transaction events published by status",
			},
			[]string{"status"},
		),
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solsink_db_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solsink_db_operations_total",
				Help: "Total number of database operations by operation and status",
			},
			[]string{"operation", "status"},
		),
	}
}

// RPC gateway helpers

// RecordRPCCall records an RPC call with its duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.rpcCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.rpcCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, category string) {
	m.rpcRetriesTotal.WithLabelValues(method, category).Inc()
}

// RecordRateLimitHit records a rate limit response.
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.rpcRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordFailover records a primary/backup flip. Direction is
// "to_backup" or "to_primary".
func (m *Metrics) RecordFailover(direction string) {
	m.rpcFailoversTotal.WithLabelValues(direction).Inc()
}

// Discovery helpers

// RecordSignaturesInserted records signatures inserted during discovery.
// Mode is "backfill" or "frontfill".
func (m *Metrics) RecordSignaturesInserted(account, mode string, count int) {
	m.signaturesInsertedTotal.WithLabelValues(account, mode).Add(float64(count))
}

// RecordDiscoveryPage records a fetched signature page.
func (m *Metrics) RecordDiscoveryPage(account, mode string) {
	m.discoveryPagesTotal.WithLabelValues(account, mode).Inc()
}

// Normalization helpers

// RecordTransactionNormalized records a normalization attempt with duration.
func (m *Metrics) RecordTransactionNormalized(status string, duration float64) {
	m.transactionsNormalizedTotal.WithLabelValues(status).Inc()
	m.normalizeDuration.WithLabelValues(status).Observe(duration)
}

// Watcher helpers

// RecordWatcherPass records a completed watcher pass.
func (m *Metrics) RecordWatcherPass(account, status string) {
	m.watcherPassesTotal.WithLabelValues(account, status).Inc()
}

// SetWatchersRunning sets the running-watcher gauge.
func (m *Metrics) SetWatchersRunning(n int) {
	m.watchersRunning.Set(float64(n))
}

// RecordInvariantViolation records a fatal slot-monotonicity violation.
func (m *Metrics) RecordInvariantViolation(account string) {
	m.watcherInvariantViolations.WithLabelValues(account).Inc()
}

// Event publishing helpers

// RecordEventPublished records a transaction event publish attempt.
func (m *Metrics) RecordEventPublished(status string) {
	m.eventsPublishedTotal.WithLabelValues(status).Inc()
}

// Database helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}
