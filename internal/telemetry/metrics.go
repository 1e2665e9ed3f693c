// Package telemetry defines the Prometheus collectors for the service.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the service collectors.
type Metrics struct {
	SubmissionsTotal   *prometheus.CounterVec
	QuotaRejections    prometheus.Counter
	QuotaUsed          *prometheus.GaugeVec
	BatchDuration      prometheus.Histogram
	SchedulerRunsTotal *prometheus.CounterVec
}

// New registers the collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SubmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_submissions_total",
			Help: "URL submission outcomes by final status.",
		}, []string{"status"}),
		QuotaRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "indexer_quota_rejections_total",
			Help: "Submissions rejected wholesale by the quota ledger.",
		}),
		QuotaUsed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "indexer_quota_used",
			Help: "Units used today per property.",
		}, []string{"property"}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "indexer_batch_duration_seconds",
			Help:    "Duration of complete batch submissions.",
			Buckets: prometheus.DefBuckets,
		}),
		SchedulerRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_scheduler_runs_total",
			Help: "Scheduler job executions by job and result.",
		}, []string{"job", "result"}),
	}
}
