package workflow

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// Service wires the workflow store and the execution manager to HTTP.
type Service struct {
	workflows WorkflowStore
	manager   *Manager
	logger    *slog.Logger
}

// NewService creates a Service over the given store and manager.
func NewService(workflows WorkflowStore, manager *Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		workflows: workflows,
		manager:   manager,
		logger:    logger.With("module", "workflow_api"),
	}
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers workflow HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/workflows").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware)

	router.HandleFunc("", s.HandleListWorkflows).Methods("GET")
	router.HandleFunc("", s.HandleCreateWorkflow).Methods("POST")
	router.HandleFunc("/node-types", s.HandleListNodeTypes).Methods("GET")
	router.HandleFunc("/executions/{execId}", s.HandleGetExecution).Methods("GET")
	router.HandleFunc("/executions/{execId}/cancel", s.HandleCancelExecution).Methods("POST")
	router.HandleFunc("/{id}", s.HandleGetWorkflow).Methods("GET")
	router.HandleFunc("/{id}/status", s.HandleUpdateStatus).Methods("PUT")
	router.HandleFunc("/{id}/execute", s.HandleExecuteWorkflow).Methods("POST")
	router.HandleFunc("/{id}/executions", s.HandleListExecutions).Methods("GET")
}
