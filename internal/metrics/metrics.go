// Package metrics provides Prometheus metrics for the metric transformer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// File outcome label values.
const (
	StatusCommitted = "committed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Metrics holds all Prometheus metrics for the transformer.
type Metrics struct {
	// File metrics
	FilesDiscovered prometheus.Counter
	FilesProcessed  *prometheus.CounterVec

	// Record metrics
	RecordsTransformed prometheus.Counter

	// Timing metrics
	FileDuration *prometheus.HistogramVec

	// Pool metrics
	InFlightFiles prometheus.Gauge

	LastRunSuccess prometheus.Gauge
}

var defaultMetrics *Metrics

// Init registers the metrics with the default registry.
// Call this once at startup.
func Init(namespace string) *Metrics {
	defaultMetrics = New(prometheus.DefaultRegisterer, namespace)
	return defaultMetrics
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// New creates metrics registered with reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "metric_transformer"
	}
	f := promauto.With(reg)

	return &Metrics{
		FilesDiscovered: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_discovered_total",
				Help:      "Total number of input files discovered",
			},
		),
		FilesProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_processed_total",
				Help:      "Total number of input files by outcome",
			},
			[]string{"status"},
		),
		RecordsTransformed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_transformed_total",
				Help:      "Total number of records written to committed outputs",
			},
		),
		FileDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "file_duration_seconds",
				Help:      "Time to transform one file",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"status"},
		),
		InFlightFiles: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_files",
				Help:      "Number of files currently being transformed",
			},
		),
		LastRunSuccess: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_success",
				Help:      "1 if the last run finished without aborting, 0 otherwise",
			},
		),
	}
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// AddDiscovered adds to the discovered files counter.
func (m *Metrics) AddDiscovered(n int) {
	m.FilesDiscovered.Add(float64(n))
}

// ObserveFile records the outcome of one file.
func (m *Metrics) ObserveFile(status string, seconds float64, records int64) {
	m.FilesProcessed.WithLabelValues(status).Inc()
	if status == StatusSkipped {
		return
	}
	m.FileDuration.WithLabelValues(status).Observe(seconds)
	if status == StatusCommitted {
		m.RecordsTransformed.Add(float64(records))
	}
}

// FileStarted increments the in-flight gauge.
func (m *Metrics) FileStarted() { m.InFlightFiles.Inc() }

// FileDone decrements the in-flight gauge.
func (m *Metrics) FileDone() { m.InFlightFiles.Dec() }

// SetLastRunSuccess records whether the last run completed.
func (m *Metrics) SetLastRunSuccess(ok bool) {
	if ok {
		m.LastRunSuccess.Set(1)
	} else {
		m.LastRunSuccess.Set(0)
	}
}
