package workflow

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// WorkflowStore abstracts workflow persistence.
type WorkflowStore interface {
	Get(ctx context.Context, id string) (*Workflow, error)
	Create(ctx context.Context, wf *Workflow) error
	Save(ctx context.Context, wf *Workflow) error
	List(ctx context.Context, applicationID string) ([]Workflow, error)
	// RecordExecution bumps the run counters and last-run time atomically.
	RecordExecution(ctx context.Context, id string, succeeded bool, at time.Time) error
}

// ExecutionStore abstracts execution record persistence.
type ExecutionStore interface {
	Create(ctx context.Context, exec *Execution) error
	Update(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	// ListByWorkflow returns at most limit records, newest StartedAt first.
	ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]Execution, error)
}

// MemoryWorkflowStore keeps workflows in process memory.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{workflows: make(map[string]*Workflow)}
}

func (s *MemoryWorkflowStore) Get(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return cloneWorkflow(wf), nil
}

func (s *MemoryWorkflowStore) Create(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (s *MemoryWorkflowStore) Save(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[wf.ID]; !ok {
		return ErrWorkflowNotFound
	}
	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (s *MemoryWorkflowStore) List(_ context.Context, applicationID string) ([]Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		if applicationID == "" || wf.ApplicationID == applicationID {
			out = append(out, *cloneWorkflow(wf))
		}
	}
	slices.SortFunc(out, func(a, b Workflow) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return out, nil
}

func (s *MemoryWorkflowStore) RecordExecution(_ context.Context, id string, succeeded bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	wf.Stats.TotalExecutions++
	if succeeded {
		wf.Stats.SuccessfulExecutions++
	}
	wf.Stats.LastExecutedAt = &at
	return nil
}

// MemoryExecutionStore keeps execution records in process memory.
type MemoryExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
}

func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{executions: make(map[string]*Execution)}
}

func (s *MemoryExecutionStore) Create(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *MemoryExecutionStore) Update(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; !ok {
		return ErrExecutionNotFound
	}
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *MemoryExecutionStore) Get(_ context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return cloneExecution(exec), nil
}

func (s *MemoryExecutionStore) ListByWorkflow(_ context.Context, workflowID string, limit int) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Execution
	for _, exec := range s.executions {
		if exec.WorkflowID == workflowID {
			out = append(out, *cloneExecution(exec))
		}
	}
	slices.SortFunc(out, func(a, b Execution) int {
		return cmp.Or(b.StartedAt.Compare(a.StartedAt), cmp.Compare(a.ID, b.ID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneWorkflow(wf *Workflow) *Workflow {
	c := *wf
	c.Nodes = slices.Clone(wf.Nodes)
	c.Edges = slices.Clone(wf.Edges)
	c.Variables = maps.Clone(wf.Variables)
	return &c
}

func cloneExecution(exec *Execution) *Execution {
	c := *exec
	c.StepLogs = slices.Clone(exec.StepLogs)
	return &c
}
