// Package metrics provides metrics collection capabilities for the application.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the metrics collectors for the application.
type Metrics struct {
	// Registry is the Prometheus registry for all metrics.
	Registry *prometheus.Registry

	// Common metrics
	RequestCount        *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	RequestInFlight     *prometheus.GaugeVec
	ErrorCount          *prometheus.CounterVec
	ServiceUptime       prometheus.Gauge
	ServiceLastStarted  prometheus.Gauge
	DependencyUp        *prometheus.GaugeVec
	DependencyLatency   *prometheus.HistogramVec
	DependencyErrorRate *prometheus.CounterVec

	// Ingest/batcher metrics
	EventsProcessed    *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec
	BatchesProcessed   *prometheus.CounterVec
	IdleTimeouts       prometheus.Counter
	BatchFlushDuration *prometheus.HistogramVec

	// Anchor metrics
	NFTsMinted         prometheus.Counter
	NFTFailures        prometheus.Counter
	AnchorMintDuration prometheus.Histogram

	// Verify metrics
	VerifyRequests *prometheus.CounterVec
}

// Config holds the configuration for metrics.
type Config struct {
	// Namespace is the Prometheus namespace for all metrics.
	Namespace string
	// Subsystem is the Prometheus subsystem for all metrics.
	Subsystem string
	// ServiceName is the name of the service that is collecting metrics.
	ServiceName string
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:   "etrap",
		Subsystem:   "",
		ServiceName: "etrap-agent",
	}
}

// New creates a new metrics collector with the given configuration.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		Registry: registry,

		// Common metrics
		RequestCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_total",
				Help:      "Total number of requests received",
			},
			[]string{"service", "method", "path", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "method", "path"},
		),

		RequestInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "requests_in_flight",
				Help:      "Current number of requests being processed",
			},
			[]string{"service"},
		),

		ErrorCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"service", "type", "code"},
		),

		ServiceUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "service_uptime_seconds",
				Help:      "Service uptime in seconds",
				ConstLabels: prometheus.Labels{
					"service": cfg.ServiceName,
				},
			},
		),

		ServiceLastStarted: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "service_last_started_timestamp",
				Help:      "Timestamp when the service was last started",
				ConstLabels: prometheus.Labels{
					"service": cfg.ServiceName,
				},
			},
		),

		DependencyUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "dependency_up",
				Help:      "Whether the dependency is up (1) or down (0)",
			},
			[]string{"service", "dependency"},
		),

		DependencyLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "dependency_latency_seconds",
				Help:      "Dependency request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "dependency", "operation"},
		),

		DependencyErrorRate: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "dependency_errors_total",
				Help:      "Total number of dependency errors",
			},
			[]string{"service", "dependency", "operation"},
		),

		// Ingest/batcher metrics
		EventsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "ingest",
				Name:      "events_processed_total",
				Help:      "Total number of change events parsed and appended to a pending batch",
			},
			[]string{"database", "table"},
		),

		EventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "ingest",
				Name:      "events_dropped_total",
				Help:      "Total number of change events dropped before batching",
			},
			[]string{"reason"},
		),

		BatchesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "batcher",
				Name:      "batches_processed_total",
				Help:      "Total number of batches flushed",
			},
			[]string{"database", "table"},
		),

		IdleTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "batcher",
				Name:      "idle_timeouts_total",
				Help:      "Total number of broker reads that returned with no messages",
			},
		),

		BatchFlushDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "batcher",
				Name:      "batch_flush_duration_seconds",
				Help:      "Time spent packaging, writing and anchoring one batch",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"database", "table"},
		),

		// Anchor metrics
		NFTsMinted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "anchor",
				Name:      "nfts_minted_total",
				Help:      "Total number of batches successfully anchored on chain",
			},
		),

		NFTFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "anchor",
				Name:      "nft_failures_total",
				Help:      "Total number of batches whose anchoring exhausted all retries",
			},
		),

		AnchorMintDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "anchor",
				Name:      "anchor_mint_duration_seconds",
				Help:      "Time spent in MintBatch, including retries",
				Buckets:   prometheus.DefBuckets,
			},
		),

		// Verify metrics
		VerifyRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "verify",
				Name:      "verify_requests_total",
				Help:      "Total number of verification requests by result",
			},
			[]string{"result"},
		),
	}

	// Set initial values
	m.ServiceLastStarted.Set(float64(time.Now().Unix()))

	return m
}

// Handler returns an HTTP handler for exposing metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordUptime starts a goroutine that updates the service uptime metric.
func (m *Metrics) RecordUptime(done <-chan struct{}) {
	startTime := time.Now()
	ticker := time.NewTicker(1 * time.Second)

	go func() {
		for {
			select {
			case <-ticker.C:
				m.ServiceUptime.Set(time.Since(startTime).Seconds())
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
}

// RecordRequest records metrics for an HTTP request.
func (m *Metrics) RecordRequest(service, method, path string, status int, duration time.Duration) {
	m.RequestCount.WithLabelValues(service, method, path, http.StatusText(status)).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error metric.
func (m *Metrics) RecordError(service, errorType, errorCode string) {
	m.ErrorCount.WithLabelValues(service, errorType, errorCode).Inc()
}

// RecordDependencyStatus records the status of a dependency.
func (m *Metrics) RecordDependencyStatus(service, dependency string, up bool) {
	var value float64
	if up {
		value = 1
	}
	m.DependencyUp.WithLabelValues(service, dependency).Set(value)
}

// RecordDependencyLatency records the latency of a dependency operation.
func (m *Metrics) RecordDependencyLatency(service, dependency, operation string, duration time.Duration) {
	m.DependencyLatency.WithLabelValues(service, dependency, operation).Observe(duration.Seconds())
}

// RecordDependencyError records an error with a dependency.
func (m *Metrics) RecordDependencyError(service, dependency, operation string) {
	m.DependencyErrorRate.WithLabelValues(service, dependency, operation).Inc()
}

// RecordEventsProcessed records change events appended to a pending batch.
func (m *Metrics) RecordEventsProcessed(database, table string, count int) {
	m.EventsProcessed.WithLabelValues(database, table).Add(float64(count))
}

// RecordEventDropped records a change event dropped before batching.
func (m *Metrics) RecordEventDropped(reason string) {
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// RecordBatchProcessed records one flushed batch and its end-to-end
// packaging/write/anchor duration.
func (m *Metrics) RecordBatchProcessed(database, table string, duration time.Duration) {
	m.BatchesProcessed.WithLabelValues(database, table).Inc()
	m.BatchFlushDuration.WithLabelValues(database, table).Observe(duration.Seconds())
}

// RecordIdleTimeout records a broker read that returned no messages.
func (m *Metrics) RecordIdleTimeout() {
	m.IdleTimeouts.Inc()
}

// RecordMint records the outcome and duration of an anchor mint attempt.
func (m *Metrics) RecordMint(success bool, duration time.Duration) {
	m.AnchorMintDuration.Observe(duration.Seconds())
	if success {
		m.NFTsMinted.Inc()
	} else {
		m.NFTFailures.Inc()
	}
}

// RecordVerify records the result of a verification request.
func (m *Metrics) RecordVerify(result string) {
	m.VerifyRequests.WithLabelValues(result).Inc()
}
