package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_EngineRecordsSteps(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	engine := NewEngine(NewRegistry(Collaborators{LLM: &stubLLM{reply: "ok"}}),
		WithMetrics(metrics), WithLogger(discardLogger()))

	_, err := engine.Execute(context.Background(), assistantWorkflow(), map[string]any{"message": "hi"})
	require.NoError(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.stepsTotal.WithLabelValues("trigger", "completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.stepsTotal.WithLabelValues("llm", "completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.stepsTotal.WithLabelValues("response", "completed")), 0)
}

func TestMetrics_RunLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	metrics.runStarted()
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.executionsRunning), 0)

	metrics.runFinished(ExecutionTimeout, 2*time.Second)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.executionsRunning), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.executionsTotal.WithLabelValues("timeout")), 0)

	count, err := testutil.GatherAndCount(reg, "automation_workflow_execution_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var metrics *Metrics

	assert.NotPanics(t, func() {
		metrics.runStarted()
		metrics.runFinished(ExecutionCompleted, time.Second)
		metrics.stepFinished(NodeLLM, StepCompleted, time.Second)
	})
}
