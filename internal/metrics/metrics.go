// Package metrics provides Prometheus metrics for the treekv engine
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Transaction metrics
	TransactionsStarted *prometheus.CounterVec
	CommitsTotal        prometheus.Counter
	RevertsTotal        prometheus.Counter
	WritePromotions     prometheus.Counter
	OpenTransactions    prometheus.Gauge

	// Engine metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	KeysTotal         prometheus.Gauge
	LiveVersions      prometheus.Gauge
	CurrentVersion    prometheus.Gauge

	// Log metrics
	LogBytesWritten  prometheus.Counter
	LogFilesTotal    prometheus.Gauge
	CompactionsTotal prometheus.Counter
}

// NewMetrics creates and registers all engine metrics with the given
// registerer. Tests pass a fresh registry; nil selects the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{}

	// Transaction metrics
	m.TransactionsStarted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treekv_transactions_started_total",
			Help: "Total number of transactions started",
		},
		[]string{"mode"},
	)

	m.CommitsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "treekv_commits_total",
			Help: "Total number of committed write transactions",
		},
	)

	m.RevertsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "treekv_reverts_total",
			Help: "Total number of reverted write transactions",
		},
	)

	m.WritePromotions = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "treekv_write_promotions_total",
			Help: "Total number of read transactions promoted to writable",
		},
	)

	m.OpenTransactions = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "treekv_open_transactions",
			Help: "Number of transactions currently open",
		},
	)

	// Engine metrics
	m.OperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treekv_operations_total",
			Help: "Total number of engine operations",
		},
		[]string{"operation"},
	)

	m.OperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "treekv_operation_duration_seconds",
			Help:    "Duration of engine operations in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	m.KeysTotal = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "treekv_keys_total",
			Help: "Total number of keys in the current version",
		},
	)

	m.LiveVersions = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "treekv_live_versions",
			Help: "Number of tree versions referenced by open transactions",
		},
	)

	m.CurrentVersion = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "treekv_current_version",
			Help: "Transaction id of the currently published version",
		},
	)

	// Log metrics
	m.LogBytesWritten = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "treekv_log_bytes_written_total",
			Help: "Total bytes appended to the value log",
		},
	)

	m.LogFilesTotal = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "treekv_log_files_total",
			Help: "Number of value log files",
		},
	)

	m.CompactionsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "treekv_compactions_total",
			Help: "Total number of log compactions",
		},
	)

	return m
}

// RecordOperation records an engine operation with its duration
func (m *Metrics) RecordOperation(operation string, duration time.Duration) {
	m.OperationsTotal.WithLabelValues(operation).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
