package notifications

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failure outcomes.
const (
	OutcomeTransient = "transient"
	OutcomeTerminal  = "terminal"
)

// Replay modes.
const (
	ReplayModeSingle = "single"
	ReplayModeBulk   = "bulk"
)

var (
	jobsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_enqueued_total",
			Help: "Total notification jobs accepted by the queue",
		},
	)

	jobsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_job_completed_total",
			Help: "Total notification jobs marked completed",
		},
	)

	sendSuccess = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_send_success_total",
			Help: "Total notification handler executions that succeeded",
		},
	)

	sendFailure = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_send_failure_total",
			Help: "Total notification handler executions that failed, by outcome",
		},
		[]string{"outcome"},
	)

	retryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_retry_attempt_total",
			Help: "Total notification jobs rescheduled with backoff",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_queue_depth",
			Help: "Jobs waiting, active or delayed",
		},
	)

	dlqDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_dlq_depth",
			Help: "Failed jobs that exhausted their attempts",
		},
	)

	dlqReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_dlq_replay_total",
			Help: "Total dead-letter jobs replayed, by mode",
		},
		[]string{"mode"},
	)

	dedupeSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_dedupe_suppressed_total",
			Help: "Total enqueue requests dropped because the dedupe key was held",
		},
		[]string{"queue"},
	)
)

func init() {
	for _, outcome := range []string{OutcomeTransient, OutcomeTerminal} {
		sendFailure.WithLabelValues(outcome)
	}
	for _, mode := range []string{ReplayModeSingle, ReplayModeBulk} {
		dlqReplays.WithLabelValues(mode)
	}
}

// MetricDefinition describes an emitted metric.
type MetricDefinition struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Help   string   `json:"help"`
	Labels []string `json:"labels"`
}

// MetricDefinitions is the closed set of metrics emitted by the pipeline.
var MetricDefinitions = []MetricDefinition{
	{Name: "notification_enqueued_total", Type: "counter", Help: "Total notification jobs accepted by the queue", Labels: []string{}},
	{Name: "notification_job_completed_total", Type: "counter", Help: "Total notification jobs marked completed", Labels: []string{}},
	{Name: "notification_send_success_total", Type: "counter", Help: "Total notification handler executions that succeeded", Labels: []string{}},
	{Name: "notification_send_failure_total", Type: "counter", Help: "Total notification handler executions that failed, by outcome", Labels: []string{"outcome"}},
	{Name: "notification_retry_attempt_total", Type: "counter", Help: "Total notification jobs rescheduled with backoff", Labels: []string{}},
	{Name: "notification_queue_depth", Type: "gauge", Help: "Jobs waiting, active or delayed", Labels: []string{}},
	{Name: "notification_dlq_depth", Type: "gauge", Help: "Failed jobs that exhausted their attempts", Labels: []string{}},
	{Name: "notification_dlq_replay_total", Type: "counter", Help: "Total dead-letter jobs replayed, by mode", Labels: []string{"mode"}},
	{Name: "notification_dedupe_suppressed_total", Type: "counter", Help: "Total enqueue requests dropped because the dedupe key was held", Labels: []string{"queue"}},
	{Name: "outbox_events_dispatched_total", Type: "counter", Help: "Total outbox events processed by the dispatcher, by resulting status", Labels: []string{"status"}},
}

// metricLabelValues lists the allowed values of each bounded label.
func metricLabelValues(queue string) map[string][]string {
	return map[string][]string{
		"outcome": {OutcomeTransient, OutcomeTerminal},
		"mode":    {ReplayModeSingle, ReplayModeBulk},
		"queue":   {queue},
		"status":  {"completed", "failed", "skipped"},
	}
}

func recordEnqueued() {
	jobsEnqueued.Inc()
}

func recordSuccess() {
	jobsCompleted.Inc()
	sendSuccess.Inc()
}

func recordFailure(outcome string) {
	sendFailure.WithLabelValues(outcome).Inc()
	if outcome == OutcomeTransient {
		retryAttempts.Inc()
	}
}

func recordReplays(mode string, count int) {
	dlqReplays.WithLabelValues(mode).Add(float64(count))
}

func recordDedupeSuppressed(queue string) {
	dedupeSuppressed.WithLabelValues(queue).Inc()
}

func recordDepth(queue, dlq int) {
	queueDepth.Set(float64(queue))
	dlqDepth.Set(float64(dlq))
}
