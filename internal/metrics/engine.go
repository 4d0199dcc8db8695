package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageAdvancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_stage_advances_total",
			Help: "Total number of completed stage transitions",
		},
		[]string{"stage"},
	)

	retryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_retry_attempts_total",
			Help: "Total number of retried external calls",
		},
		[]string{"service"},
	)

	escalationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflow_escalations_total",
			Help: "Total number of management escalations raised",
		},
	)

	terminationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflow_terminations_total",
			Help: "Total number of kill switch executions",
		},
	)

	notificationsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflow_notifications_dropped_total",
			Help: "Total number of notifications that failed to persist",
		},
	)

	gatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "External capability service request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)
)

// CountStageAdvance records a completed transition out of a stage.
func CountStageAdvance(stage string) {
	stageAdvancesTotal.WithLabelValues(stage).Inc()
}

// CountRetryAttempt records a retried call against a capability service.
func CountRetryAttempt(service string) {
	retryAttemptsTotal.WithLabelValues(service).Inc()
}

// CountEscalation records a management escalation.
func CountEscalation() {
	escalationsTotal.Inc()
}

// CountTermination records a kill switch execution.
func CountTermination() {
	terminationsTotal.Inc()
}

// CountDroppedNotification records a notification write that failed.
func CountDroppedNotification() {
	notificationsDroppedTotal.Inc()
}

// ObserveGatewayRequest records the duration of an external service call.
func ObserveGatewayRequest(service string, d time.Duration) {
	gatewayRequestDuration.WithLabelValues(service).Observe(d.Seconds())
}
