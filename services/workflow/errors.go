package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkflowNotFound indicates no workflow exists for the given id.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound indicates no execution record exists for the given id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionNotRunning is returned when cancelling an execution that already finished.
	ErrExecutionNotRunning = errors.New("execution is not running")

	ErrWorkflowNotRunnable = errors.New("workflow is not active")
	ErrNoEntryNode         = errors.New("workflow has no entry node")
	ErrInvalidNodeConfig   = errors.New("invalid node config")

	// ErrQueueFull is returned when the execution queue cannot accept another run.
	ErrQueueFull = errors.New("execution queue is full")

	// ErrManagerClosed is returned once the execution manager stopped accepting runs.
	ErrManagerClosed = errors.New("execution manager is closed")

	errExecutionCancelled = errors.New("execution cancelled")
)

// DefinitionError reports a workflow that cannot be run as defined. It is
// surfaced before any execution record is created.
type DefinitionError struct {
	WorkflowID string
	Err        error
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("workflow %s: %v", e.WorkflowID, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// NodeError wraps a failure raised by a node executor.
type NodeError struct {
	NodeID   string
	NodeType NodeType
	Err      error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.NodeID, e.NodeType, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// IsDefinitionError reports whether err is (or wraps) a DefinitionError.
func IsDefinitionError(err error) bool {
	var defErr *DefinitionError
	return errors.As(err, &defErr)
}
