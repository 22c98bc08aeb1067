package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(sessionsCreatedTotal, sessionsFinishedTotal, stageDuration, queueRejectionsTotal)
}

var (
	sessionsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_sessions_created_total",
			Help: "Analysis sessions accepted by the creation API, labeled by model.",
		},
		[]string{"model"},
	)

	sessionsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_sessions_finished_total",
			Help: "Analysis runs that reached a terminal state.",
		},
		[]string{"status"}, // 'completed', 'failed', 'abandoned'
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analysis_stage_duration_seconds",
			Help:    "Wall time spent per analysis stage.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"stage", "outcome"},
	)

	queueRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_queue_rejections_total",
			Help: "Tasks rejected because the worker queue was full.",
		},
	)
)

func IncSessionCreated(model string) {
	sessionsCreatedTotal.WithLabelValues(norm(model)).Inc()
}

func IncSessionFinished(status string) {
	sessionsFinishedTotal.WithLabelValues(norm(status)).Inc()
}

func ObserveStage(stage, outcome string, d time.Duration) {
	stageDuration.WithLabelValues(norm(stage), norm(outcome)).Observe(d.Seconds())
}

func IncQueueRejection() {
	queueRejectionsTotal.Inc()
}
