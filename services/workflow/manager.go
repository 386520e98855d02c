package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 64
	finalizeAttempts = 3
	finalizeTimeout  = 5 * time.Second
	defaultListLimit = 20
	maxListLimit     = 100
)

// ManagerConfig sizes the execution worker pool.
type ManagerConfig struct {
	Workers   int
	QueueSize int
}

// runTask is one queued execution.
type runTask struct {
	exec *Execution
	plan *Plan
}

// runHandle lets Cancel reach a queued or running execution.
type runHandle struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Manager owns the execution lifecycle: it persists a running record,
// queues the run for a worker, and finalizes the record and workflow stats
// when the run ends.
type Manager struct {
	workflows  WorkflowStore
	executions ExecutionStore
	engine     *Engine
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
	backoff    time.Duration

	queue chan runTask
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	handles map[string]*runHandle
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

func WithManagerMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithFinalizeBackoff sets the base delay between finalization retries.
func WithFinalizeBackoff(d time.Duration) ManagerOption {
	return func(m *Manager) { m.backoff = d }
}

// NewManager creates a Manager and starts its workers.
func NewManager(workflows WorkflowStore, executions ExecutionStore, engine *Engine, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	m := &Manager{
		workflows:  workflows,
		executions: executions,
		engine:     engine,
		logger:     slog.Default(),
		now:        time.Now,
		backoff:    100 * time.Millisecond,
		queue:      make(chan runTask, cfg.QueueSize),
		handles:    make(map[string]*runHandle),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("module", "execution_manager")

	for range cfg.Workers {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Execute validates and records a new run of workflowID and queues it. The
// returned record is in the running state; the run itself happens on a worker.
func (m *Manager) Execute(ctx context.Context, workflowID string, input map[string]any, triggeredBy string) (*Execution, error) {
	wf, err := m.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Status.Runnable() {
		return nil, &DefinitionError{
			WorkflowID: wf.ID,
			Err:        fmt.Errorf("%w: status is %s", ErrWorkflowNotRunnable, wf.Status),
		}
	}

	plan, err := m.engine.Plan(wf)
	if err != nil {
		return nil, err
	}

	if input == nil {
		input = map[string]any{}
	}
	exec := &Execution{
		ID:            uuid.New().String(),
		WorkflowID:    wf.ID,
		ApplicationID: wf.ApplicationID,
		Status:        ExecutionRunning,
		TriggeredBy:   triggeredBy,
		Input:         input,
		StepLogs:      []StepLog{},
		StartedAt:     m.now().UTC(),
	}
	if err := m.executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	if err := m.submit(runTask{exec: cloneExecution(exec), plan: plan}); err != nil {
		m.logger.Error("Failed to queue execution", "execution_id", exec.ID, "workflow_id", wf.ID, "error", err)
		m.finalize(exec.ID, cloneExecution(exec), &RunResult{
			Status:   ExecutionFailed,
			Error:    err.Error(),
			StepLogs: []StepLog{},
		})
		return nil, err
	}

	m.logger.Info("Execution queued", "execution_id", exec.ID, "workflow_id", wf.ID)
	return exec, nil
}

func (m *Manager) submit(task runTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	m.handles[task.exec.ID] = &runHandle{}
	select {
	case m.queue <- task:
		return nil
	default:
		delete(m.handles, task.exec.ID)
		return ErrQueueFull
	}
}

// Cancel stops a queued or running execution. The run ends with status
// cancelled at its next step boundary.
func (m *Manager) Cancel(ctx context.Context, executionID string) error {
	m.mu.Lock()
	h, ok := m.handles[executionID]
	if ok {
		h.cancelled = true
		if h.cancel != nil {
			h.cancel()
		}
	}
	m.mu.Unlock()

	if ok {
		m.logger.Info("Execution cancel requested", "execution_id", executionID)
		return nil
	}

	if _, err := m.executions.Get(ctx, executionID); err != nil {
		return err
	}
	return ErrExecutionNotRunning
}

// GetExecution returns a single execution record.
func (m *Manager) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	return m.executions.Get(ctx, executionID)
}

// ListExecutions returns the newest executions of workflowID. limit is
// clamped to [1, 100] and defaults to 20.
func (m *Manager) ListExecutions(ctx context.Context, workflowID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	return m.executions.ListByWorkflow(ctx, workflowID, limit)
}

// Close stops accepting runs and waits for queued and running ones to
// finish, or for ctx to expire.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for task := range m.queue {
		m.run(task)
	}
}

// run executes one task. The deadline counts from the record's StartedAt, so
// time spent queued is part of the run's timeout.
func (m *Manager) run(task runTask) {
	deadline := task.exec.StartedAt.Add(task.plan.Settings.Timeout())
	ctx, cancelTimeout := context.WithDeadline(context.Background(), deadline)
	defer cancelTimeout()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	h := m.handles[task.exec.ID]
	if h == nil {
		h = &runHandle{}
		m.handles[task.exec.ID] = h
	}
	h.cancel = cancel
	if h.cancelled {
		cancel()
	}
	m.mu.Unlock()

	m.metrics.runStarted()
	result := m.engine.Run(ctx, task.plan, task.exec.Input, task.exec.ID)

	m.mu.Lock()
	delete(m.handles, task.exec.ID)
	m.mu.Unlock()

	m.finalize(task.exec.ID, task.exec, result)
	m.metrics.runFinished(result.Status, time.Duration(task.exec.TotalDurationMs)*time.Millisecond)
}

// finalize writes the terminal state of exec and then updates the workflow
// stats. A stats failure is logged and never changes the execution outcome.
func (m *Manager) finalize(executionID string, exec *Execution, result *RunResult) {
	completed := m.now().UTC()
	duration := completed.Sub(exec.StartedAt)

	exec.Status = result.Status
	exec.Output = result.Output
	exec.Error = result.Error
	exec.StepLogs = result.StepLogs
	exec.CompletedAt = &completed
	exec.TotalDurationMs = duration.Milliseconds()

	logger := m.logger.With("execution_id", executionID, "workflow_id", exec.WorkflowID)

	if err := m.persistFinal(exec); err != nil {
		logger.Error("Failed to persist execution result, step logs may be lost",
			"status", exec.Status, "steps", len(exec.StepLogs), "error", err)
	} else {
		logger.Info("Execution finished",
			"status", exec.Status, "steps", len(exec.StepLogs), "duration_ms", exec.TotalDurationMs)
	}

	m.recordStats(logger, exec.WorkflowID, exec.Status == ExecutionCompleted, completed)
}

func (m *Manager) persistFinal(exec *Execution) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.backoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()
		err := m.executions.Update(ctx, exec)
		if errors.Is(err, ErrExecutionNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(finalizeAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn("Retrying execution update", "execution_id", exec.ID, "retry_in", next, "error", err)
		}),
	)
	return err
}

func (m *Manager) recordStats(logger *slog.Logger, workflowID string, succeeded bool, at time.Time) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Workflow stats update panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if err := m.workflows.RecordExecution(ctx, workflowID, succeeded, at); err != nil {
		logger.Error("Failed to update workflow stats", "error", err)
	}
}
