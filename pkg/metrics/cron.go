package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cron run outcomes.
const (
	CronOutcomeSuccess   = "success"
	CronOutcomeFailure   = "failure"
	CronOutcomeSkipped   = "skipped"
	CronOutcomeLockError = "lock_error"
)

// CronJobMetrics counts cron runs by outcome and times the ones that ran.
// A nil *CronJobMetrics records nothing.
type CronJobMetrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lastOK   *prometheus.GaugeVec
}

func NewCronJobMetrics(reg prometheus.Registerer) *CronJobMetrics {
	m := &CronJobMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mate_cron_job_runs_total",
			Help: "Cron job runs by outcome. Skipped means another replica held the lock.",
		}, []string{"job", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mate_cron_job_duration_seconds",
			Help:    "Wall time of cron jobs that ran.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300},
		}, []string{"job"}),
		lastOK: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mate_cron_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run.",
		}, []string{"job"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.duration, m.lastOK)
	}
	return m
}

// Record notes one attempt. took is ignored for runs that never started.
func (m *CronJobMetrics) Record(job, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	if job == "" {
		job = "unknown"
	}
	m.runs.WithLabelValues(job, outcome).Inc()
	switch outcome {
	case CronOutcomeSuccess:
		m.lastOK.WithLabelValues(job).SetToCurrentTime()
		fallthrough
	case CronOutcomeFailure:
		m.duration.WithLabelValues(job).Observe(took.Seconds())
	}
}
