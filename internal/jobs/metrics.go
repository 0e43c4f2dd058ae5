package jobs

import "github.com/prometheus/client_golang/prometheus"

// Job outcome label values.
const (
	outcomeSubmitted = "submitted"
	outcomeComplete  = "complete"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)

var (
	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "haul_jobs_total",
		Help: "Download jobs by outcome.",
	}, []string{"outcome"})

	jobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "haul_jobs_running",
		Help: "Number of job runners currently streaming status.",
	})
)

func init() {
	prometheus.MustRegister(jobsTotal, jobsRunning)

	// Pre-initialize label values so they appear in /metrics output before
	// the first job reaches them.
	for _, o := range []string{outcomeSubmitted, outcomeComplete, outcomeFailed, outcomeCancelled} {
		jobsTotal.WithLabelValues(o)
	}
}
