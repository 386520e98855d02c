package workflow

import (
	"encoding/json"
	"math"
	"time"
)

// WorkflowStatus is the authoring lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	StatusDraft    WorkflowStatus = "draft"
	StatusActive   WorkflowStatus = "active"
	StatusPaused   WorkflowStatus = "paused"
	StatusArchived WorkflowStatus = "archived"
)

// Runnable reports whether a workflow in this status accepts executions.
func (s WorkflowStatus) Runnable() bool {
	return s == StatusDraft || s == StatusActive
}

const (
	defaultMaxSteps  = 20
	defaultTimeoutMs = 30000
	defaultLogLevel  = "info"
)

// Workflow represents a persisted workflow definition with its graph of nodes and edges.
type Workflow struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"ownerId"`
	ApplicationID string         `json:"applicationId"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Status        WorkflowStatus `json:"status"`
	Version       int            `json:"version"`
	Nodes         []Node         `json:"nodes"`
	Edges         []Edge         `json:"edges"`
	Settings      Settings       `json:"settings"`
	Variables     map[string]any `json:"variables"`
	Stats         Stats          `json:"stats"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Settings control how a workflow is executed.
type Settings struct {
	MaxSteps  int `json:"maxSteps"`
	TimeoutMs int `json:"timeoutMs"`
	// ContinueOnStepFailure keeps traversing after a node fails. The failed
	// node is not re-invoked.
	ContinueOnStepFailure bool   `json:"continueOnStepFailure"`
	LogLevel              string `json:"logLevel"`
}

// WithDefaults fills zero values with the engine defaults.
func (s Settings) WithDefaults() Settings {
	if s.MaxSteps <= 0 {
		s.MaxSteps = defaultMaxSteps
	}
	if s.TimeoutMs <= 0 {
		s.TimeoutMs = defaultTimeoutMs
	}
	if s.LogLevel == "" {
		s.LogLevel = defaultLogLevel
	}
	return s
}

// Timeout returns the run deadline as a duration.
func (s Settings) Timeout() time.Duration {
	return millis(int64(s.WithDefaults().TimeoutMs))
}

// millis converts a millisecond count to a Duration, saturating at the
// largest Duration instead of wrapping negative.
func millis(ms int64) time.Duration {
	if ms > int64(math.MaxInt64/time.Millisecond) {
		return math.MaxInt64
	}
	return time.Duration(ms) * time.Millisecond
}

// Stats aggregate execution outcomes for a workflow.
type Stats struct {
	TotalExecutions      int64      `json:"totalExecutions"`
	SuccessfulExecutions int64      `json:"successfulExecutions"`
	LastExecutedAt       *time.Time `json:"lastExecutedAt,omitempty"`
}

// NodeType identifies the executor bound to a node.
type NodeType string

const (
	NodeTrigger   NodeType = "trigger"
	NodeLLM       NodeType = "llm"
	NodeCondition NodeType = "condition"
	NodeKnowledge NodeType = "knowledge"
	NodeHTTP      NodeType = "http"
	NodeTransform NodeType = "transform"
	NodeDelay     NodeType = "delay"
	NodeResponse  NodeType = "response"
)

// Node represents a single step in a workflow graph.
type Node struct {
	ID       string          `json:"id"`
	Type     NodeType        `json:"type"`
	Label    string          `json:"label"`
	Position Position        `json:"position"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// Position holds x/y coordinates for rendering the node on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge represents a directed connection between two nodes. SourceHandle
// selects the branch taken out of a condition node; Condition is an
// authoring hint and is never evaluated.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Label        string `json:"label,omitempty"`
	Condition    string `json:"condition,omitempty"`
}

// ExecutionStatus is the state of one workflow run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimeout   ExecutionStatus = "timeout"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s ExecutionStatus) Terminal() bool {
	return s != ExecutionRunning
}

// Execution is the auditable record of one workflow run.
type Execution struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflowId"`
	ApplicationID   string          `json:"applicationId"`
	Status          ExecutionStatus `json:"status"`
	TriggeredBy     string          `json:"triggeredBy,omitempty"`
	Input           map[string]any  `json:"input"`
	Output          map[string]any  `json:"output"`
	Error           string          `json:"error,omitempty"`
	StepLogs        []StepLog       `json:"stepLogs"`
	StartedAt       time.Time       `json:"startedAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	TotalDurationMs int64           `json:"totalDurationMs"`
}

// StepStatus is the state of a single node within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepLog records what happened to one visited node.
type StepLog struct {
	NodeID      string     `json:"nodeId"`
	NodeType    NodeType   `json:"nodeType"`
	NodeLabel   string     `json:"nodeLabel"`
	Status      StepStatus `json:"status"`
	Input       any        `json:"input,omitempty"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs"`
}

// ExecuteRequest is the JSON body accepted by the execute endpoint.
type ExecuteRequest struct {
	Input map[string]any `json:"input"`
}

// CreateWorkflowRequest is the JSON body accepted by the create endpoint.
type CreateWorkflowRequest struct {
	Name          string         `json:"name" validate:"required,max=200"`
	ApplicationID string         `json:"applicationId" validate:"required"`
	Description   string         `json:"description" validate:"max=500"`
	Nodes         []Node         `json:"nodes"`
	Edges         []Edge         `json:"edges"`
	Settings      *Settings      `json:"settings"`
	Variables     map[string]any `json:"variables"`
}

// UpdateStatusRequest is the JSON body accepted by the status endpoint.
type UpdateStatusRequest struct {
	Status WorkflowStatus `json:"status" validate:"required,oneof=draft active paused archived"`
}
