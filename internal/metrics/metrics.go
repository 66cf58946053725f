// Package metrics exposes Prometheus collectors for the importer service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	importerCyclesTotal          *prometheus.CounterVec
	importerRecordsTotal         *prometheus.CounterVec
	importerCycleDurationSeconds *prometheus.HistogramVec
	importerBackoffDelaySeconds  prometheus.Histogram
	importerCursorVersion        prometheus.Gauge
	importerConsecutiveFailures  prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		importerCyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_cycles_total",
				Help: "Total number of ingestion cycles, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		importerRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_records_total",
				Help: "Total number of records handled, labeled by disposition.",
			},
			[]string{"disposition"},
		)

		importerCycleDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "importer_cycle_duration_seconds",
				Help:    "Histogram of ingestion cycle durations, labeled by outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"outcome"},
		)

		importerBackoffDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "importer_backoff_delay_seconds",
				Help:    "Histogram of backoff delays applied after transient failures.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
			},
		)

		importerCursorVersion = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "importer_cursor_version",
				Help: "Version of the last committed cursor.",
			},
		)

		importerConsecutiveFailures = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "importer_consecutive_failures",
				Help: "Current run of consecutive transient failures.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCycle records one cycle's outcome and duration.
func ObserveCycle(outcome string, duration time.Duration) {
	if importerCyclesTotal == nil {
		return
	}
	importerCyclesTotal.WithLabelValues(outcome).Inc()
	importerCycleDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// AddRecords adds n to the record counter for the given disposition
// (fetched, written, deduped, dropped).
func AddRecords(disposition string, n int) {
	if importerRecordsTotal == nil || n <= 0 {
		return
	}
	importerRecordsTotal.WithLabelValues(disposition).Add(float64(n))
}

// ObserveBackoffDelay records a backoff wait.
func ObserveBackoffDelay(d time.Duration) {
	if importerBackoffDelaySeconds == nil {
		return
	}
	importerBackoffDelaySeconds.Observe(d.Seconds())
}

// SetCursorVersion publishes the committed cursor version.
func SetCursorVersion(v uint64) {
	if importerCursorVersion == nil {
		return
	}
	importerCursorVersion.Set(float64(v))
}

// SetConsecutiveFailures publishes the transient failure streak.
func SetConsecutiveFailures(n int) {
	if importerConsecutiveFailures == nil {
		return
	}
	importerConsecutiveFailures.Set(float64(n))
}
