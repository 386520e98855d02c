package workflow

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// NodeTypeInfo describes a node type offered to workflow authors.
type NodeTypeInfo struct {
	Type        NodeType `json:"type"`
	Label       string   `json:"label"`
	Description string   `json:"description"`
}

var nodeTypeCatalog = []NodeTypeInfo{
	{Type: NodeTrigger, Label: "Trigger", Description: "Starts the workflow with the invocation input"},
	{Type: NodeLLM, Label: "Language Model", Description: "Generates text from an interpolated prompt"},
	{Type: NodeCondition, Label: "Condition", Description: "Follows the true or false branch of an expression"},
	{Type: NodeKnowledge, Label: "Knowledge Search", Description: "Retrieves passages from a knowledge base"},
	{Type: NodeHTTP, Label: "HTTP Request", Description: "Calls an external HTTP endpoint"},
	{Type: NodeTransform, Label: "Transform", Description: "Builds a string from a template"},
	{Type: NodeDelay, Label: "Delay", Description: "Waits before continuing, at most ten seconds"},
	{Type: NodeResponse, Label: "Response", Description: "Produces the reply returned to the caller"},
}

// HandleListNodeTypes returns the catalog of supported node types.
func (s *Service) HandleListNodeTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodeTypes": nodeTypeCatalog})
}

// HandleListWorkflows returns the workflows of an application, newest first.
func (s *Service) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	applicationID := r.URL.Query().Get("applicationId")

	workflows, err := s.workflows.List(r.Context(), applicationID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if workflows == nil {
		workflows = []Workflow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

// HandleCreateWorkflow stores a new draft workflow. A request without nodes
// gets the starter graph.
func (s *Service) HandleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, describeValidation(err))
		return
	}

	nodes, edges := req.Nodes, req.Edges
	if len(nodes) == 0 {
		nodes, edges = DefaultNodes()
	}
	if edges == nil {
		edges = []Edge{}
	}
	for _, n := range nodes {
		if _, err := DecodeNodeConfig(n); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	settings := Settings{}
	if req.Settings != nil {
		settings = *req.Settings
	}
	variables := req.Variables
	if variables == nil {
		variables = map[string]any{}
	}

	now := time.Now().UTC()
	wf := &Workflow{
		ID:            uuid.New().String(),
		OwnerID:       r.Header.Get("X-User-ID"),
		ApplicationID: req.ApplicationID,
		Name:          req.Name,
		Description:   req.Description,
		Status:        StatusDraft,
		Version:       1,
		Nodes:         nodes,
		Edges:         edges,
		Settings:      settings.WithDefaults(),
		Variables:     variables,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.workflows.Create(r.Context(), wf); err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.logger.Info("Workflow created", "workflow_id", wf.ID, "application_id", wf.ApplicationID)
	writeJSON(w, http.StatusCreated, wf)
}

// HandleGetWorkflow loads a workflow definition and returns it as JSON.
func (s *Service) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "invalid workflow id")
	if !ok {
		return
	}
	s.logger.Debug("Getting workflow", "id", id)

	wf, err := s.workflows.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// HandleUpdateStatus moves a workflow to another lifecycle status.
func (s *Service) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "invalid workflow id")
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, describeValidation(err))
		return
	}

	wf, err := s.workflows.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	wf.Status = req.Status
	wf.UpdatedAt = time.Now().UTC()
	if err := s.workflows.Save(r.Context(), wf); err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.logger.Info("Workflow status changed", "workflow_id", wf.ID, "status", wf.Status)
	writeJSON(w, http.StatusOK, wf)
}

// HandleExecuteWorkflow starts a run and returns its running record. The run
// itself completes in the background.
func (s *Service) HandleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "invalid workflow id")
	if !ok {
		return
	}
	s.logger.Debug("Executing workflow", "id", id)

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	exec, err := s.manager.Execute(r.Context(), id, req.Input, r.Header.Get("X-User-ID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

// HandleListExecutions returns the newest runs of a workflow.
func (s *Service) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "invalid workflow id")
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if _, err := s.workflows.Get(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	executions, err := s.manager.ListExecutions(r.Context(), id, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if executions == nil {
		executions = []Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": executions})
}

// HandleGetExecution returns one execution record with its step logs.
func (s *Service) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "execId", "invalid execution id")
	if !ok {
		return
	}

	exec, err := s.manager.GetExecution(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// HandleCancelExecution asks a running execution to stop.
func (s *Service) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "execId", "invalid execution id")
	if !ok {
		return
	}

	if err := s.manager.Cancel(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

// pathID reads a UUID path variable, writing a 400 when it is malformed.
func pathID(w http.ResponseWriter, r *http.Request, name, message string) (string, bool) {
	id := mux.Vars(r)[name]
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, message)
		return "", false
	}
	return id, true
}

func (s *Service) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, "workflow not found")
	case errors.Is(err, ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, ErrExecutionNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case IsDefinitionError(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrManagerClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

type validationError struct {
	field string
	kind  string
}

func (e *validationError) Error() string {
	if e.kind == "required" {
		return e.field + " is required"
	}
	return e.field + " is invalid"
}

// describeValidation turns the first validator failure into a client message.
func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err.Error()
	}
	fe := fieldErrs[0]
	return (&validationError{field: fe.Field(), kind: fe.Tag()}).Error()
}
