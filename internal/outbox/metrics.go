package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

var dispatched = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "outbox_events_dispatched_total",
		Help: "Total outbox events processed by the dispatcher, by resulting status",
	},
	[]string{"status"},
)

func init() {
	for _, s := range []string{StatusCompleted, StatusFailed, StatusSkipped} {
		dispatched.WithLabelValues(s)
	}
}
