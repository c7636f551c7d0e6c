package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_jobs_enqueued_total",
			Help: "Total email jobs enqueued",
		},
		[]string{"kind"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_jobs_completed_total",
			Help: "Total email jobs completed",
		},
		[]string{"kind"},
	)

	JobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_jobs_failed_total",
			Help: "Total email jobs terminally failed",
		},
		[]string{"kind"},
	)

	JobsStalled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_jobs_stalled_total",
			Help: "Total email jobs detected as stalled",
		},
	)

	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails delivered to the transport",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_send_failures_total",
			Help: "Total transport send failures",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "email_queue_depth",
			Help: "Jobs currently held per lifecycle state",
		},
		[]string{"state"},
	)
)

func Init() {
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsFailed)
	prometheus.MustRegister(JobsStalled)
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(QueueDepth)
}
