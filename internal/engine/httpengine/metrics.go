package httpengine

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for transfer outcomes.
const (
	outcomeSuccessful = "successful"
	outcomeFailed     = "failed"
	outcomePaused     = "paused"
	outcomeCancelled  = "cancelled"
)

var (
	activeTransfers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "haul_engine_active_transfers",
			Help: "Number of transfers currently holding a concurrency slot.",
		},
	)

	transfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haul_engine_transfers_total",
			Help: "Total number of transfers that stopped, by outcome.",
		},
		[]string{"outcome"},
	)

	bytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "haul_engine_bytes_received_total",
			Help: "Total number of payload bytes written to disk.",
		},
	)

	transferDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "haul_engine_transfer_seconds",
			Help:    "Time a transfer spent holding a concurrency slot, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		},
	)
)

func init() {
	prometheus.MustRegister(activeTransfers)
	prometheus.MustRegister(transfersTotal)
	prometheus.MustRegister(bytesReceived)
	prometheus.MustRegister(transferDuration)

	// Pre-initialize outcome labels so they appear in /metrics with value 0
	// from startup, rather than only after first observation.
	for _, o := range []string{outcomeSuccessful, outcomeFailed, outcomePaused, outcomeCancelled} {
		transfersTotal.WithLabelValues(o)
	}
}
