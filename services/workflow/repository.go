package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles workflow and execution persistence in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// Workflows returns the repository as a WorkflowStore.
func (r *Repository) Workflows() WorkflowStore { return (*pgWorkflowStore)(r) }

// Executions returns the repository as an ExecutionStore.
func (r *Repository) Executions() ExecutionStore { return (*pgExecutionStore)(r) }

// InitSchema creates the workflow tables if they do not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id                    UUID PRIMARY KEY,
			owner_id              TEXT NOT NULL DEFAULT '',
			application_id        TEXT NOT NULL DEFAULT '',
			name                  TEXT NOT NULL DEFAULT '',
			description           TEXT NOT NULL DEFAULT '',
			status                TEXT NOT NULL DEFAULT 'draft',
			version               INTEGER NOT NULL DEFAULT 1,
			nodes                 JSONB NOT NULL DEFAULT '[]',
			edges                 JSONB NOT NULL DEFAULT '[]',
			settings              JSONB NOT NULL DEFAULT '{}',
			variables             JSONB NOT NULL DEFAULT '{}',
			total_executions      BIGINT NOT NULL DEFAULT 0,
			successful_executions BIGINT NOT NULL DEFAULT 0,
			last_executed_at      TIMESTAMPTZ,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_workflows_application ON workflows (application_id, status);

		CREATE TABLE IF NOT EXISTS workflow_executions (
			id                UUID PRIMARY KEY,
			workflow_id       UUID NOT NULL,
			application_id    TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			triggered_by      TEXT NOT NULL DEFAULT '',
			input             JSONB NOT NULL DEFAULT '{}',
			output            JSONB,
			error             TEXT NOT NULL DEFAULT '',
			step_logs         JSONB NOT NULL DEFAULT '[]',
			started_at        TIMESTAMPTZ NOT NULL,
			completed_at      TIMESTAMPTZ,
			total_duration_ms BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_executions_workflow ON workflow_executions (workflow_id, started_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Seed inserts the default assistant workflow if it does not already exist.
func (r *Repository) Seed(ctx context.Context) error {
	wf := SampleWorkflow()
	if err := r.Workflows().Create(ctx, wf); err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	return nil
}

// InitDB creates the schema and seeds initial data. Called from main on startup.
func InitDB(ctx context.Context, pool *pgxpool.Pool, seed bool) error {
	repo := NewRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	if !seed {
		return nil
	}
	return repo.Seed(ctx)
}

type pgWorkflowStore Repository

const workflowColumns = `id, owner_id, application_id, name, description, status, version,
	nodes, edges, settings, variables, total_executions, successful_executions,
	last_executed_at, created_at, updated_at`

func (s *pgWorkflowStore) Get(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// Create inserts wf. An existing row with the same id is left untouched.
func (s *pgWorkflowStore) Create(ctx context.Context, wf *Workflow) error {
	doc, err := marshalWorkflowDoc(wf)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO workflows (id, owner_id, application_id, name, description, status, version,
			nodes, edges, settings, variables, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`, wf.ID, wf.OwnerID, wf.ApplicationID, wf.Name, wf.Description, wf.Status, wf.Version,
		doc.nodes, doc.edges, doc.settings, doc.variables, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

// Save overwrites the definition of wf. Stats are owned by RecordExecution.
func (s *pgWorkflowStore) Save(ctx context.Context, wf *Workflow) error {
	doc, err := marshalWorkflowDoc(wf)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE workflows SET owner_id = $2, application_id = $3, name = $4, description = $5,
			status = $6, version = $7, nodes = $8, edges = $9, settings = $10, variables = $11,
			updated_at = $12
		WHERE id = $1
	`, wf.ID, wf.OwnerID, wf.ApplicationID, wf.Name, wf.Description, wf.Status, wf.Version,
		doc.nodes, doc.edges, doc.settings, doc.variables, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

func (s *pgWorkflowStore) List(ctx context.Context, applicationID string) ([]Workflow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE $1 = '' OR application_id = $1
		ORDER BY updated_at DESC
	`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("list workflows: %w", err)
		}
		out = append(out, *wf)
	}
	return out, rows.Err()
}

func (s *pgWorkflowStore) RecordExecution(ctx context.Context, id string, succeeded bool, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE workflows SET
			total_executions = total_executions + 1,
			successful_executions = successful_executions + CASE WHEN $2 THEN 1 ELSE 0 END,
			last_executed_at = $3
		WHERE id = $1
	`, id, succeeded, at)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

type workflowDoc struct {
	nodes, edges, settings, variables []byte
}

func marshalWorkflowDoc(wf *Workflow) (*workflowDoc, error) {
	var doc workflowDoc
	var err error

	nodes := wf.Nodes
	if nodes == nil {
		nodes = []Node{}
	}
	if doc.nodes, err = json.Marshal(nodes); err != nil {
		return nil, fmt.Errorf("marshal nodes: %w", err)
	}
	edges := wf.Edges
	if edges == nil {
		edges = []Edge{}
	}
	if doc.edges, err = json.Marshal(edges); err != nil {
		return nil, fmt.Errorf("marshal edges: %w", err)
	}
	if doc.settings, err = json.Marshal(wf.Settings); err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	variables := wf.Variables
	if variables == nil {
		variables = map[string]any{}
	}
	if doc.variables, err = json.Marshal(variables); err != nil {
		return nil, fmt.Errorf("marshal variables: %w", err)
	}
	return &doc, nil
}

func scanWorkflow(row pgx.Row) (*Workflow, error) {
	var wf Workflow
	var doc workflowDoc

	err := row.Scan(&wf.ID, &wf.OwnerID, &wf.ApplicationID, &wf.Name, &wf.Description, &wf.Status,
		&wf.Version, &doc.nodes, &doc.edges, &doc.settings, &doc.variables,
		&wf.Stats.TotalExecutions, &wf.Stats.SuccessfulExecutions, &wf.Stats.LastExecutedAt,
		&wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(doc.nodes, &wf.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(doc.edges, &wf.Edges); err != nil {
		return nil, fmt.Errorf("unmarshal edges: %w", err)
	}
	if err := json.Unmarshal(doc.settings, &wf.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := json.Unmarshal(doc.variables, &wf.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	return &wf, nil
}

type pgExecutionStore Repository

const executionColumns = `id, workflow_id, application_id, status, triggered_by, input, output,
	error, step_logs, started_at, completed_at, total_duration_ms`

func (s *pgExecutionStore) Create(ctx context.Context, exec *Execution) error {
	input, output, stepLogs, err := marshalExecutionDoc(exec)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, exec.ID, exec.WorkflowID, exec.ApplicationID, exec.Status, exec.TriggeredBy, input, output,
		exec.Error, stepLogs, exec.StartedAt, exec.CompletedAt, exec.TotalDurationMs)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *pgExecutionStore) Update(ctx context.Context, exec *Execution) error {
	_, output, stepLogs, err := marshalExecutionDoc(exec)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_executions SET status = $2, output = $3, error = $4, step_logs = $5,
			completed_at = $6, total_duration_ms = $7
		WHERE id = $1
	`, exec.ID, exec.Status, output, exec.Error, stepLogs, exec.CompletedAt, exec.TotalDurationMs)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (s *pgExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRow(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

func (s *pgExecutionStore) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]Execution, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+executionColumns+` FROM workflow_executions
		WHERE workflow_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("list executions: %w", err)
		}
		out = append(out, *exec)
	}
	return out, rows.Err()
}

func marshalExecutionDoc(exec *Execution) (input, output, stepLogs []byte, err error) {
	in := exec.Input
	if in == nil {
		in = map[string]any{}
	}
	if input, err = json.Marshal(in); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal input: %w", err)
	}
	if exec.Output != nil {
		if output, err = json.Marshal(exec.Output); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal output: %w", err)
		}
	}
	logs := exec.StepLogs
	if logs == nil {
		logs = []StepLog{}
	}
	if stepLogs, err = json.Marshal(logs); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal step logs: %w", err)
	}
	return input, output, stepLogs, nil
}

func scanExecution(row pgx.Row) (*Execution, error) {
	var exec Execution
	var input, output, stepLogs []byte

	err := row.Scan(&exec.ID, &exec.WorkflowID, &exec.ApplicationID, &exec.Status, &exec.TriggeredBy,
		&input, &output, &exec.Error, &stepLogs, &exec.StartedAt, &exec.CompletedAt, &exec.TotalDurationMs)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(input, &exec.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &exec.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if err := json.Unmarshal(stepLogs, &exec.StepLogs); err != nil {
		return nil, fmt.Errorf("unmarshal step logs: %w", err)
	}
	return &exec, nil
}
