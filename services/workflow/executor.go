package workflow

import (
	"context"
	"maps"
	"net/http"
	"time"
)

// RuntimeContext holds the working state of one run: the caller's input,
// a private copy of the workflow variables, and every node result so far.
type RuntimeContext struct {
	input     map[string]any
	variables map[string]any
	results   map[string]any
}

// NewRuntimeContext builds a context for a single run. variables is copied so
// runs never share mutable state.
func NewRuntimeContext(input, variables map[string]any) *RuntimeContext {
	if input == nil {
		input = map[string]any{}
	}
	vars := make(map[string]any, len(variables))
	maps.Copy(vars, variables)
	return &RuntimeContext{
		input:     input,
		variables: vars,
		results:   make(map[string]any),
	}
}

func (c *RuntimeContext) Input() map[string]any     { return c.input }
func (c *RuntimeContext) Variables() map[string]any { return c.variables }
func (c *RuntimeContext) Results() map[string]any   { return c.results }

// Result returns the recorded output of nodeID.
func (c *RuntimeContext) Result(nodeID string) (any, bool) {
	v, ok := c.results[nodeID]
	return v, ok
}

func (c *RuntimeContext) setResult(nodeID string, value any) {
	c.results[nodeID] = value
}

// Data returns the view used for interpolation: input, variables and results.
func (c *RuntimeContext) Data() map[string]any {
	return map[string]any{
		"input":     c.input,
		"variables": c.variables,
		"results":   c.results,
	}
}

// Interpolate resolves template placeholders against this context.
func (c *RuntimeContext) Interpolate(template string) string {
	return Interpolate(template, c.Data())
}

// PlannedNode is a node paired with its decoded config.
type PlannedNode struct {
	Node
	Config NodeConfig
}

// NodeExecutor defines the interface for executing a single node type.
// Returning an error marks the step failed.
type NodeExecutor interface {
	Execute(ctx context.Context, node *PlannedNode, rc *RuntimeContext) (any, error)
}

// Registry maps node types to their executor implementation.
type Registry map[NodeType]NodeExecutor

// Lookup returns the executor for t, falling back to the passthrough executor
// for types nothing is registered for.
func (r Registry) Lookup(t NodeType) NodeExecutor {
	if exec, ok := r[t]; ok {
		return exec
	}
	return passthroughExecutor{}
}

const (
	httpNodeTimeout = 10 * time.Second
	maxDelay        = 10 * time.Second
)

// Collaborators bundles the external services node executors call into.
type Collaborators struct {
	LLM              LLMClient
	LLMTimeout       time.Duration
	Knowledge        KnowledgeSearcher
	KnowledgeTimeout time.Duration
	HTTPClient       *http.Client
}

// NewRegistry creates a registry populated with all built-in executor types.
func NewRegistry(c Collaborators) Registry {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpNodeTimeout}
	}
	return Registry{
		NodeTrigger:   &TriggerExecutor{},
		NodeLLM:       &LLMExecutor{client: c.LLM, timeout: c.LLMTimeout},
		NodeCondition: &ConditionExecutor{},
		NodeKnowledge: &KnowledgeExecutor{client: c.Knowledge, timeout: c.KnowledgeTimeout},
		NodeHTTP:      &HTTPExecutor{client: httpClient},
		NodeTransform: &TransformExecutor{},
		NodeDelay:     &DelayExecutor{maxDelay: maxDelay},
		NodeResponse:  &ResponseExecutor{},
	}
}
