package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"automation-engine/pkg/telemetry"
)

const (
	instrumentationName = "automation-engine/services/workflow"
	stepOutputLimit     = 500
)

// Engine traverses a workflow graph and executes each node in sequence.
type Engine struct {
	registry Registry
	metrics  *Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces the time source used for step timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine with the given executor registry.
func NewEngine(registry Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: registry,
		tracer:   otel.Tracer(instrumentationName),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Plan is a workflow checked and decoded for execution.
type Plan struct {
	WorkflowID string
	Entry      string
	Settings   Settings
	Variables  map[string]any

	nodes map[string]*PlannedNode
	edges map[string][]Edge
}

// RunResult is the outcome of traversing one plan.
type RunResult struct {
	Status   ExecutionStatus
	Output   map[string]any
	StepLogs []StepLog
	Error    string
}

// Plan locates the entry node and decodes every node config. Failures are
// returned as *DefinitionError.
func (e *Engine) Plan(wf *Workflow) (*Plan, error) {
	entry, err := findEntryNode(wf.Nodes)
	if err != nil {
		return nil, &DefinitionError{WorkflowID: wf.ID, Err: err}
	}

	nodes := make(map[string]*PlannedNode, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if _, dup := nodes[n.ID]; dup {
			continue
		}
		cfg, err := DecodeNodeConfig(n)
		if err != nil {
			return nil, &DefinitionError{WorkflowID: wf.ID, Err: err}
		}
		nodes[n.ID] = &PlannedNode{Node: n, Config: cfg}
	}

	return &Plan{
		WorkflowID: wf.ID,
		Entry:      entry.ID,
		Settings:   wf.Settings.WithDefaults(),
		Variables:  wf.Variables,
		nodes:      nodes,
		edges:      buildEdgeMap(wf.Edges),
	}, nil
}

// Execute plans wf and runs it to completion. Only definition errors are
// returned as errors; node failures are reported in the result.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, input map[string]any) (*RunResult, error) {
	plan, err := e.Plan(wf)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, plan, input, ""), nil
}

// Run walks the graph breadth-first from the entry node. Each node is
// executed at most once and at most Settings.MaxSteps nodes are visited.
// Outgoing edges of a condition node are followed only when their
// SourceHandle matches the node's boolean result.
func (e *Engine) Run(ctx context.Context, plan *Plan, input map[string]any, executionID string) *RunResult {
	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String(telemetry.WorkflowIDKey, plan.WorkflowID),
		attribute.String(telemetry.ExecutionIDKey, executionID),
	))
	defer span.End()

	logger := e.logger.With("workflow_id", plan.WorkflowID, "execution_id", executionID)
	stepLevel := slog.LevelDebug
	if plan.Settings.LogLevel == "debug" {
		stepLevel = slog.LevelInfo
	}

	rc := NewRuntimeContext(input, plan.Variables)
	result := &RunResult{StepLogs: []StepLog{}}

	visited := make(map[string]bool)
	queue := []string{plan.Entry}
	steps := 0

	for len(queue) > 0 && steps < plan.Settings.MaxSteps {
		if err := ctx.Err(); err != nil {
			return e.interrupted(result, plan, err, span)
		}

		nodeID := queue[0]
		queue = queue[1:]
		if visited[nodeID] {
			continue
		}
		visited[nodeID] = true
		steps++

		node, ok := plan.nodes[nodeID]
		if !ok {
			logger.Warn("Skipping edge to unknown node", "node_id", nodeID)
			continue
		}

		output, step, err := e.runStep(ctx, node, rc)
		result.StepLogs = append(result.StepLogs, step)
		logger.Log(ctx, stepLevel, "Step finished",
			"node_id", node.ID, "node_type", node.Type, "status", step.Status,
			"duration_ms", step.DurationMs, "error", step.Error)

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return e.interrupted(result, plan, ctxErr, span)
			}
			if !plan.Settings.ContinueOnStepFailure {
				result.Status = ExecutionFailed
				result.Error = step.Error
				telemetry.SetError(span, err, attribute.String(telemetry.NodeIDKey, node.ID))
				return result
			}
		}

		queue = append(queue, nextTargets(node, output, plan.edges[nodeID])...)
	}

	if len(queue) > 0 && steps >= plan.Settings.MaxSteps {
		logger.Warn("Step budget exhausted", "max_steps", plan.Settings.MaxSteps, "pending", len(queue))
	}

	result.Status = ExecutionCompleted
	result.Output = rc.Results()
	span.SetAttributes(attribute.String(telemetry.StatusKey, string(result.Status)))
	return result
}

// runStep executes one node and builds its step log.
func (e *Engine) runStep(ctx context.Context, node *PlannedNode, rc *RuntimeContext) (output any, step StepLog, err error) {
	ctx, span := e.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.String(telemetry.NodeIDKey, node.ID),
		attribute.String(telemetry.NodeTypeKey, string(node.Type)),
	))
	defer span.End()

	started := e.now()
	step = StepLog{
		NodeID:    node.ID,
		NodeType:  node.Type,
		NodeLabel: node.Label,
		Status:    StepRunning,
		StartedAt: started,
	}

	output, err = e.invoke(ctx, node, rc)

	completed := e.now()
	step.CompletedAt = &completed
	step.DurationMs = completed.Sub(started).Milliseconds()

	if err != nil {
		step.Status = StepFailed
		step.Error = err.Error()
		telemetry.SetError(span, err)
		e.metrics.stepFinished(node.Type, step.Status, completed.Sub(started))
		return nil, step, &NodeError{NodeID: node.ID, NodeType: node.Type, Err: err}
	}

	rc.setResult(node.ID, output)
	step.Status = StepCompleted
	step.Output = truncateOutput(output)
	e.metrics.stepFinished(node.Type, step.Status, completed.Sub(started))
	return output, step, nil
}

// invoke calls the executor, turning a panic into a step failure.
func (e *Engine) invoke(ctx context.Context, node *PlannedNode, rc *RuntimeContext) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return e.registry.Lookup(node.Type).Execute(ctx, node, rc)
}

func (e *Engine) interrupted(result *RunResult, plan *Plan, cause error, span trace.Span) *RunResult {
	if errors.Is(cause, context.DeadlineExceeded) {
		result.Status = ExecutionTimeout
		result.Error = fmt.Sprintf("execution exceeded timeout of %dms", plan.Settings.TimeoutMs)
	} else {
		result.Status = ExecutionCancelled
		result.Error = errExecutionCancelled.Error()
	}
	telemetry.SetError(span, cause, attribute.String(telemetry.StatusKey, string(result.Status)))
	return result
}

// nextTargets lists the nodes to enqueue after node produced output.
func nextTargets(node *PlannedNode, output any, edges []Edge) []string {
	targets := make([]string, 0, len(edges))

	if node.Type != NodeCondition {
		for _, edge := range edges {
			targets = append(targets, edge.Target)
		}
		return targets
	}

	taken, _ := output.(bool)
	branch := strconv.FormatBool(taken)
	for _, edge := range edges {
		if edge.SourceHandle == branch {
			targets = append(targets, edge.Target)
		}
	}
	return targets
}

// findEntryNode returns the first trigger node, or the first declared node.
func findEntryNode(nodes []Node) (*Node, error) {
	for i := range nodes {
		if nodes[i].Type == NodeTrigger {
			return &nodes[i], nil
		}
	}
	if len(nodes) > 0 {
		return &nodes[0], nil
	}
	return nil, ErrNoEntryNode
}

func buildEdgeMap(edges []Edge) map[string][]Edge {
	m := make(map[string][]Edge)
	for _, edge := range edges {
		m[edge.Source] = append(m[edge.Source], edge)
	}
	return m
}

func truncateOutput(output any) any {
	s, ok := output.(string)
	if !ok {
		return output
	}
	runes := []rune(s)
	if len(runes) <= stepOutputLimit {
		return s
	}
	return string(runes[:stepOutputLimit])
}
