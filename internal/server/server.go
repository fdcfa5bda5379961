// Package server exposes workflow execution over HTTP: starting runs,
// inspecting and cancelling executions, resuming suspended runs through
// webhook and form endpoints, and streaming progress events over
// WebSocket. A background scheduler re-enters duration waits whose
// deadline has passed.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/engine"
	"github.com/scottgl07/marktoflow-sub001/internal/parser"
	"github.com/scottgl07/marktoflow-sub001/internal/store"
)

// Config holds the server configuration
type Config struct {
	Host              string
	Port              int
	Concurrency       int
	StateDir          string
	WorkflowFiles     []string
	WorkflowDir       string
	EnableMetrics     bool
	EnableCORS        bool
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	SchedulerInterval time.Duration
}

// DefaultConfig returns a default server configuration. State is kept
// under .marktoflow in the working directory.
func DefaultConfig() *Config {
	return &Config{
		Host:              "localhost",
		Port:              8080,
		Concurrency:       10,
		StateDir:          ".",
		EnableMetrics:     true,
		EnableCORS:        true,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		SchedulerInterval: 15 * time.Second,
	}
}

// RegisteredWorkflow pairs a parsed workflow with the file it came from.
// Runs always reload from Path so edits between requests take effect.
type RegisteredWorkflow struct {
	Workflow *ast.Workflow
	Path     string
}

// WorkflowRegistry holds the workflows the server serves, keyed by the id
// from their frontmatter
type WorkflowRegistry struct {
	workflows map[string]*RegisteredWorkflow
	mu        sync.RWMutex
}

// NewWorkflowRegistry creates an empty workflow registry
func NewWorkflowRegistry() *WorkflowRegistry {
	return &WorkflowRegistry{
		workflows: make(map[string]*RegisteredWorkflow),
	}
}

// Register adds a workflow to the registry
func (r *WorkflowRegistry) Register(workflow *ast.Workflow, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[workflow.ID] = &RegisteredWorkflow{Workflow: workflow, Path: path}
}

// Get retrieves a workflow by ID
func (r *WorkflowRegistry) Get(id string) (*RegisteredWorkflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	workflow, exists := r.workflows[id]
	return workflow, exists
}

// List returns all workflow IDs, sorted
func (r *WorkflowRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workflows))
	for id := range r.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered workflows
func (r *WorkflowRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows)
}

// Server serves the workflow HTTP API
type Server struct {
	config   *Config
	store    store.Store
	parser   *parser.MarkdownParser
	manager  *engine.Manager
	registry *WorkflowRegistry
	hub      *streamHub
	server   *http.Server
	upgrader websocket.Upgrader

	stopScheduler chan struct{}
	schedulerDone chan struct{}
}

// New creates a server. With a StateDir the execution store is sqlite
// under it; without one runs are tracked in memory only.
func New(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}

	var st store.Store
	if config.StateDir != "" {
		sqliteStore, err := store.NewSQLiteStore(store.DefaultPath(config.StateDir))
		if err != nil {
			return nil, fmt.Errorf("opening state store: %w", err)
		}
		st = sqliteStore
	} else {
		st = store.NewMemoryStore()
	}

	workflowParser := parser.NewMarkdownParser()
	hub := newStreamHub()

	engineConfig := engine.DefaultConfig()
	if config.Concurrency > 0 {
		engineConfig.MaxConcurrentRuns = config.Concurrency
	}
	manager := engine.NewManager(engineConfig, st, workflowParser.Load,
		engine.WithListener(hub),
		engine.WithManagerScriptRunner(engine.DefaultScriptRunner()))

	return &Server{
		config:   config,
		store:    st,
		parser:   workflowParser,
		manager:  manager,
		registry: NewWorkflowRegistry(),
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return config.EnableCORS
			},
		},
	}, nil
}

// LoadWorkflows parses and registers the configured workflow documents.
// Parse warnings are logged; parse errors and duplicate workflow ids fail
// the load.
func (s *Server) LoadWorkflows() error {
	workflowFiles := append([]string{}, s.config.WorkflowFiles...)
	if s.config.WorkflowDir != "" {
		discovered, err := parser.DiscoverWorkflows(s.config.WorkflowDir)
		if err != nil {
			return fmt.Errorf("scanning workflow directory: %w", err)
		}
		workflowFiles = append(workflowFiles, discovered...)
	}

	if len(workflowFiles) == 0 {
		return fmt.Errorf("no workflow files specified")
	}

	log.Info().Int("files", len(workflowFiles)).Msg("Loading workflows")
	for _, file := range workflowFiles {
		result, err := s.parser.ParseFile(file)
		if err != nil {
			return fmt.Errorf("failed to parse workflow %s: %w", file, err)
		}
		for _, warning := range result.Warnings {
			log.Warn().
				Str("file", file).
				Msg(warning.String())
		}

		workflow := result.Workflow
		if existing, seen := s.registry.Get(workflow.ID); seen {
			return fmt.Errorf("duplicate workflow id %q: %s and %s", workflow.ID, existing.Path, file)
		}
		s.registry.Register(workflow, file)

		log.Info().
			Str("workflow_id", workflow.ID).
			Str("file", file).
			Str("version", workflow.Version).
			Int("steps", len(workflow.Steps)).
			Msg("Workflow loaded")
	}

	return nil
}

// routes assembles the HTTP handler tree
func (s *Server) routes() http.Handler {
	router := mux.NewRouter()
	router.Use(s.recoveryMiddleware)
	if s.config.EnableCORS {
		router.Use(s.corsMiddleware)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.loggingMiddleware)

	api.HandleFunc("/workflows", s.listWorkflows).Methods("GET")
	api.HandleFunc("/workflows/{id}/run", s.runWorkflow).Methods("POST")

	api.HandleFunc("/executions", s.listExecutions).Methods("GET")
	api.HandleFunc("/executions/{runId}", s.getExecution).Methods("GET")
	api.HandleFunc("/executions/{runId}", s.cancelExecution).Methods("DELETE")
	api.HandleFunc("/executions/{runId}/resume", s.resumeExecution).Methods("POST")
	api.HandleFunc("/executions/{runId}/events", s.streamEvents).Methods("GET")

	api.HandleFunc("/webhooks/{token}", s.webhookResume).Methods("POST")
	api.HandleFunc("/forms/{token}", s.formResume).Methods("POST")

	if s.config.EnableCORS {
		api.Methods("OPTIONS").HandlerFunc(s.handleOptions)
	}

	if s.config.EnableMetrics {
		router.Handle("/metrics", promhttp.HandlerFor(s.manager.Gatherer(), promhttp.HandlerOpts{}))
	}
	router.HandleFunc("/health", s.healthCheck)

	return router
}

// Start starts the HTTP server and the wait scheduler
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	if s.config.SchedulerInterval > 0 {
		s.stopScheduler = make(chan struct{})
		s.schedulerDone = make(chan struct{})
		go s.runScheduler(s.config.SchedulerInterval)
	}

	log.Info().
		Str("addr", addr).
		Int("workflows", s.registry.Count()).
		Int("concurrency", s.config.Concurrency).
		Bool("metrics", s.config.EnableMetrics).
		Msg("Starting server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	return nil
}

// Stop shuts the server down: no new requests, scheduler stopped, a
// bounded wait for in-flight runs, then the store is closed.
func (s *Server) Stop(ctx context.Context) error {
	if s.stopScheduler != nil {
		close(s.stopScheduler)
		<-s.schedulerDone
		s.stopScheduler = nil
	}

	var err error
	if s.server != nil {
		log.Info().Msg("Shutting down server")
		err = s.server.Shutdown(ctx)
	}

	if !s.manager.WaitForAll(s.config.ShutdownTimeout) {
		log.Warn().Msg("Shutdown timeout reached with runs still in flight")
	}

	if closeErr := s.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// StartWithGracefulShutdown starts the server and blocks until SIGINT or
// SIGTERM, then shuts down gracefully
func (s *Server) StartWithGracefulShutdown() error {
	if err := s.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Received shutdown signal")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer shutdownCancel()

		if err := s.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}

		cancel()
	}()

	<-ctx.Done()
	log.Info().Msg("Server shutdown complete")
	return nil
}

// GetAddr returns the server address
func (s *Server) GetAddr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// GetWorkflowCount returns the number of loaded workflows
func (s *Server) GetWorkflowCount() int {
	return s.registry.Count()
}

// handleOptions handles CORS preflight requests
func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
