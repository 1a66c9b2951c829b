package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for stratactl runs. All record
// methods are safe on a disabled (no-op) instance.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Per-kind result metrics
	kindResults *prometheus.CounterVec
	kindsFailed *prometheus.CounterVec
	dataDropped *prometheus.CounterVec

	// Batch executor metrics
	batchRetries *prometheus.CounterVec
	batchSplits  *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
			[]string{"mode"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"mode", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"mode", "status"},
		),

		kindResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kind_results_total",
				Help:      "Resource instances per kind by outcome",
			},
			[]string{"mode", "kind", "outcome"},
		),
		kindsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kinds_failed_total",
				Help:      "Total number of kind-level failures",
			},
			[]string{"mode", "kind"},
		),
		dataDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "data_items_dropped_total",
				Help:      "Contained data items dropped from resource containers",
			},
			[]string{"kind"},
		),

		batchRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_retries_total",
				Help:      "Total number of batch retries",
			},
			[]string{"kind"},
		),
		batchSplits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_splits_total",
				Help:      "Total number of batch halvings",
			},
			[]string{"kind"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.kindResults,
		m.kindsFailed,
		m.dataDropped,
		m.batchRetries,
		m.batchSplits,
		m.errorsByClass,
	)

	return m, nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(mode string) {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(mode, status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(mode, status).Inc()
	m.runDuration.WithLabelValues(mode, status).Observe(duration.Seconds())
}

// RecordKindOutcome adds instance counts for one kind and outcome
// (created, changed, unchanged, deleted, duplicate, failed).
func (m *Metrics) RecordKindOutcome(mode, kind, outcome string, count int) {
	if m == nil || m.kindResults == nil || count == 0 {
		return
	}
	m.kindResults.WithLabelValues(mode, kind, outcome).Add(float64(count))
}

// RecordKindFailed records a kind-level failure.
func (m *Metrics) RecordKindFailed(mode, kind string) {
	if m == nil || m.kindsFailed == nil {
		return
	}
	m.kindsFailed.WithLabelValues(mode, kind).Inc()
}

// RecordDataDropped adds the number of contained data items dropped.
func (m *Metrics) RecordDataDropped(kind string, count int64) {
	if m == nil || m.dataDropped == nil || count == 0 {
		return
	}
	m.dataDropped.WithLabelValues(kind).Add(float64(count))
}

// RecordBatchActivity adds the retry and split counts one batch run
// accumulated.
func (m *Metrics) RecordBatchActivity(kind string, retries, splits int) {
	if m == nil || m.batchRetries == nil {
		return
	}
	if retries > 0 {
		m.batchRetries.WithLabelValues(kind).Add(float64(retries))
	}
	if splits > 0 {
		m.batchSplits.WithLabelValues(kind).Add(float64(splits))
	}
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
