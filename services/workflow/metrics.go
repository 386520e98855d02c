package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "automation"

// Metrics records execution and step outcomes. A nil *Metrics is valid and records nothing.
type Metrics struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration prometheus.Histogram
	executionsRunning prometheus.Gauge
	stepsTotal        *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		executionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "workflow_executions_total",
				Help:      "Total number of finished workflow executions",
			},
			[]string{"status"},
		),
		executionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "workflow_execution_duration_seconds",
				Help:      "Workflow execution duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		executionsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "workflow_executions_inflight",
				Help:      "Number of workflow executions currently running",
			},
		),
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "workflow_steps_total",
				Help:      "Total number of executed workflow steps",
			},
			[]string{"node_type", "status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "workflow_step_duration_seconds",
				Help:      "Workflow step duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"node_type"},
		),
	}
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.executionsRunning.Inc()
}

func (m *Metrics) runFinished(status ExecutionStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.executionsRunning.Dec()
	m.executionsTotal.WithLabelValues(string(status)).Inc()
	m.executionDuration.Observe(d.Seconds())
}

func (m *Metrics) stepFinished(nodeType NodeType, status StepStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(string(nodeType), string(status)).Inc()
	m.stepDuration.WithLabelValues(string(nodeType)).Observe(d.Seconds())
}
