package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"automation-engine/pkg/config"
	"automation-engine/pkg/db"
	"automation-engine/pkg/logging"
	"automation-engine/pkg/telemetry"
	"automation-engine/services/workflow"
)

// stores bundles the persistence chosen by configuration.
type stores struct {
	workflows  workflow.WorkflowStore
	executions workflow.ExecutionStore
	closers    []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	s := &stores{}

	if cfg.Database.URL != "" {
		pool, err := db.Connect(ctx, db.Config{URL: cfg.Database.URL})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)

		if err := workflow.InitDB(ctx, pool, cfg.Seed); err != nil {
			s.close()
			return nil, fmt.Errorf("initialize database: %w", err)
		}
		repo := workflow.NewRepository(pool)
		s.workflows = repo.Workflows()
		s.executions = repo.Executions()
		slog.Info("Using PostgreSQL storage")
	} else {
		mem := workflow.NewMemoryWorkflowStore()
		if cfg.Seed {
			if err := mem.Create(ctx, workflow.SampleWorkflow()); err != nil {
				return nil, err
			}
		}
		s.workflows = mem
		s.executions = workflow.NewMemoryExecutionStore()
		slog.Warn("database.url is not set, workflows are kept in memory")
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			s.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		s.closers = append(s.closers, func() { client.Close() })
		s.executions = workflow.NewRedisExecutionStore(client, cfg.Redis.ExecutionTTL)
		slog.Info("Using Redis for execution records", "addr", cfg.Redis.Addr)
	}

	return s, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			slog.Error("Failed to flush traces", "error", err)
		}
	}()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := workflow.NewMetrics(reg)

	collaborators := workflow.Collaborators{
		LLMTimeout:       cfg.AIService.Timeout,
		KnowledgeTimeout: cfg.Knowledge.Timeout,
	}
	if cfg.AIService.URL != "" {
		collaborators.LLM = workflow.NewAIServiceClient(cfg.AIService.URL, cfg.AIService.Timeout)
	}
	if cfg.Knowledge.URL != "" {
		collaborators.Knowledge = workflow.NewKnowledgeServiceClient(cfg.Knowledge.URL, cfg.Knowledge.Timeout)
	}

	engine := workflow.NewEngine(workflow.NewRegistry(collaborators),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logging.WithModule("workflow_engine")),
	)
	manager := workflow.NewManager(st.workflows, st.executions, engine,
		workflow.ManagerConfig{Workers: cfg.Engine.Workers, QueueSize: cfg.Engine.QueueSize},
		workflow.WithManagerMetrics(metrics),
	)

	// setup router
	mainRouter := mux.NewRouter()
	mainRouter.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})).Methods("GET")

	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()
	workflowService := workflow.NewService(st.workflows, manager, slog.Default())
	workflowService.LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-User-ID"}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "addr", cfg.Server.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}

	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(sctx); err != nil {
		slog.Error("Could not stop server gracefully", "error", err)
		srv.Close()
	}
	if err := manager.Close(sctx); err != nil {
		slog.Error("Executions still running at shutdown", "error", err)
	}
	return serveErr
}
