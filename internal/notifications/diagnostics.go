package notifications

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// MetricSample is the current value of one metric series.
type MetricSample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// DiagnosticsSnapshot describes pipeline health at one point in time.
type DiagnosticsSnapshot struct {
	Queue             string                    `json:"queue"`
	QueueDepth        int                       `json:"queueDepth"`
	DLQDepth          int                       `json:"dlqDepth"`
	Counts            map[JobState]int          `json:"counts"`
	MetricDefinitions []MetricDefinition        `json:"metricDefinitions"`
	Labels            map[string][]string       `json:"labels"`
	Metrics           map[string][]MetricSample `json:"metrics"`
}

// Diagnostics answers whether the pipeline is healthy.
type Diagnostics struct {
	queue    *Queue
	gatherer prometheus.Gatherer
}

// NewDiagnostics creates diagnostics for a queue. A nil gatherer uses the
// default Prometheus registry.
func NewDiagnostics(queue *Queue, gatherer prometheus.Gatherer) *Diagnostics {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Diagnostics{queue: queue, gatherer: gatherer}
}

// Snapshot recounts the queue, refreshes depth gauges and reads current
// values of the pipeline metrics.
func (d *Diagnostics) Snapshot(ctx context.Context) (*DiagnosticsSnapshot, error) {
	counts, dlq, err := d.queue.RefreshDepth(ctx)
	if err != nil {
		return nil, err
	}

	metrics, err := d.gatherMetrics()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	return &DiagnosticsSnapshot{
		Queue:             d.queue.Name(),
		QueueDepth:        queueDepthOf(counts),
		DLQDepth:          dlq,
		Counts:            counts,
		MetricDefinitions: MetricDefinitions,
		Labels:            metricLabelValues(d.queue.Name()),
		Metrics:           metrics,
	}, nil
}

func (d *Diagnostics) gatherMetrics() (map[string][]MetricSample, error) {
	families, err := d.gatherer.Gather()
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(MetricDefinitions))
	result := make(map[string][]MetricSample, len(MetricDefinitions))
	for _, def := range MetricDefinitions {
		known[def.Name] = struct{}{}
		result[def.Name] = []MetricSample{}
	}

	for _, mf := range families {
		if _, ok := known[mf.GetName()]; !ok {
			continue
		}
		for _, m := range mf.GetMetric() {
			result[mf.GetName()] = append(result[mf.GetName()], sampleOf(mf.GetType(), m))
		}
	}
	return result, nil
}

func sampleOf(t dto.MetricType, m *dto.Metric) MetricSample {
	s := MetricSample{}
	if pairs := m.GetLabel(); len(pairs) > 0 {
		s.Labels = make(map[string]string, len(pairs))
		for _, lp := range pairs {
			s.Labels[lp.GetName()] = lp.GetValue()
		}
	}

	switch t {
	case dto.MetricType_COUNTER:
		s.Value = m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		s.Value = m.GetGauge().GetValue()
	default:
		s.Value = m.GetUntyped().GetValue()
	}
	return s
}
