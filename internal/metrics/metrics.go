// Package metrics exposes Prometheus collectors for settlement activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fusemargin"

// Recorder owns a private registry so tests can create as many as they like.
type Recorder struct {
	registry *prometheus.Registry

	transactions  *prometheus.CounterVec
	txDuration    *prometheus.HistogramVec
	txCalls       prometheus.Histogram
	openPositions prometheus.Gauge
	flashVolume   *prometheus.CounterVec
	lockConflicts prometheus.Counter
	archived      prometheus.Counter
	blockHeight   prometheus.Gauge
}

// New creates a Recorder with every collector registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Settlement transactions by operation and status",
		}, []string{"operation", "status"}),

		txDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Wall time of settlement transactions, lock wait excluded",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"operation"}),

		txCalls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_calls",
			Help:      "Contract calls made by one settlement transaction",
			Buckets:   prometheus.ExponentialBuckets(4, 2, 8),
		}),

		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Positions currently registered",
		}),

		flashVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flash_borrowed_base_units_total",
			Help:      "Base units flash-borrowed from pairs, by asset",
		}, []string{"asset"}),

		lockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "position_lock_conflicts_total",
			Help:      "Requests rejected because the position was locked",
		}),

		archived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipts_archived_total",
			Help:      "Receipts moved to object storage",
		}),

		blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "block_height",
			Help:      "Number of the last settled transaction",
		}),
	}

	r.registry.MustRegister(
		r.transactions,
		r.txDuration,
		r.txCalls,
		r.openPositions,
		r.flashVolume,
		r.lockConflicts,
		r.archived,
		r.blockHeight,
		collectors.NewGoCollector(),
	)
	return r
}

// ObserveTx records one settled transaction.
func (r *Recorder) ObserveTx(operation, status string, calls int, block uint64, took time.Duration) {
	r.transactions.WithLabelValues(operation, status).Inc()
	r.txDuration.WithLabelValues(operation).Observe(took.Seconds())
	r.txCalls.Observe(float64(calls))
	r.blockHeight.Set(float64(block))
}

// PositionOpened and PositionClosed move the open-positions gauge.
func (r *Recorder) PositionOpened() { r.openPositions.Inc() }
func (r *Recorder) PositionClosed() { r.openPositions.Dec() }

// FlashBorrowed adds amount to the flash volume of asset. Amounts beyond
// float64 precision are approximate.
func (r *Recorder) FlashBorrowed(asset string, amount float64) {
	r.flashVolume.WithLabelValues(asset).Add(amount)
}

func (r *Recorder) LockConflict() { r.lockConflicts.Inc() }

func (r *Recorder) Archived(n int64) { r.archived.Add(float64(n)) }

// Gatherer exposes the registry for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
