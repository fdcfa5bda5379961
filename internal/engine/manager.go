package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/scottgl07/marktoflow-sub001/internal/adapter"
	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	"github.com/scottgl07/marktoflow-sub001/internal/expression"
	"github.com/scottgl07/marktoflow-sub001/internal/sandbox"
	"github.com/scottgl07/marktoflow-sub001/internal/store"
	pkgEvents "github.com/scottgl07/marktoflow-sub001/pkg/events"
)

// Execution record statuses as persisted by the manager. Waiting is a
// manager-level state: the run is parked at a wait step with nothing
// executing in-process.
const (
	StatusRunning   = "running"
	StatusWaiting   = "waiting"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// activeRetention keeps a finished run's in-memory entry around so status
// queries arriving just after completion skip the store.
const activeRetention = time.Minute

// ErrTooManyRuns is returned when starting a run would exceed the
// configured concurrency limit
var ErrTooManyRuns = errors.New("maximum concurrent runs reached")

// Manager owns run lifecycles: it assigns run ids, tracks active runs,
// drives execution on detached goroutines, and serves cancel, resume and
// status queries.
type Manager struct {
	config    *Config
	store     store.Store
	adapters  *adapter.Registry
	scripts   sandbox.Runner
	loader    WorkflowLoader
	failover  FailoverHook
	listener  pkgEvents.Listener
	registry  *prometheus.Registry
	metrics   *managerMetrics
	retention time.Duration

	mu     sync.Mutex
	active map[string]*activeRun
}

// activeRun is the in-memory view of one tracked run
type activeRun struct {
	runID       string
	execCtx     *execcontext.ExecutionContext
	done        chan struct{}
	cancelled   atomic.Bool
	finalStatus string // guarded by Manager.mu, set before done closes
}

type managerMetrics struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	activeRuns   prometheus.Gauge
	runDuration  prometheus.Histogram
}

func newManagerMetrics(registry *prometheus.Registry) *managerMetrics {
	factory := promauto.With(registry)
	return &managerMetrics{
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "marktoflow_runs_started_total",
			Help: "Number of workflow runs started.",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marktoflow_runs_finished_total",
			Help: "Number of workflow runs finished, by final status.",
		}, []string{"status"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marktoflow_active_runs",
			Help: "Number of runs currently executing in-process.",
		}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "marktoflow_run_duration_seconds",
			Help:    "Wall-clock duration of finished runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithManagerAdapters replaces the builtin adapter registry for all runs
func WithManagerAdapters(r *adapter.Registry) ManagerOption {
	return func(m *Manager) { m.adapters = r }
}

// WithManagerScriptRunner installs the sandbox for script steps
func WithManagerScriptRunner(r sandbox.Runner) ManagerOption {
	return func(m *Manager) { m.scripts = r }
}

// WithManagerFailover installs the failover hook handed to every run
func WithManagerFailover(h FailoverHook) ManagerOption {
	return func(m *Manager) { m.failover = h }
}

// WithListener installs the observer that receives each run's events
func WithListener(l pkgEvents.Listener) ManagerOption {
	return func(m *Manager) { m.listener = l }
}

// WithMetricsRegistry uses the given registry instead of a private one
func WithMetricsRegistry(r *prometheus.Registry) ManagerOption {
	return func(m *Manager) { m.registry = r }
}

// WithRetention overrides how long finished runs stay queryable in memory
func WithRetention(d time.Duration) ManagerOption {
	return func(m *Manager) { m.retention = d }
}

// NewManager creates an execution manager on top of the given store and
// workflow loader.
func NewManager(config *Config, st store.Store, loader WorkflowLoader, opts ...ManagerOption) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	m := &Manager{
		config:    config,
		store:     st,
		loader:    loader,
		listener:  &pkgEvents.NoopListener{},
		retention: activeRetention,
		active:    make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	m.metrics = newManagerMetrics(m.registry)
	return m
}

// Gatherer exposes the manager's metrics for an HTTP scrape handler
func (m *Manager) Gatherer() prometheus.Gatherer {
	return m.registry
}

// StartExecution parses the workflow, validates the inputs, persists the
// initial execution record and starts the run on a detached goroutine.
// Validation failures are returned to the caller with nothing persisted.
func (m *Manager) StartExecution(ctx context.Context, workflowPath string, inputs map[string]interface{}) (string, error) {
	if m.loader == nil {
		return "", errors.New("no workflow loader configured")
	}
	workflow, err := m.loader(workflowPath)
	if err != nil {
		return "", err
	}

	normalized, err := ValidateInputs(workflow, inputs)
	if err != nil {
		return "", err
	}

	if limit := m.config.MaxConcurrentRuns; limit > 0 && m.runningCount() >= limit {
		return "", fmt.Errorf("%w (%d)", ErrTooManyRuns, limit)
	}

	runID := uuid.New().String()
	record := &store.Execution{
		RunID:        runID,
		WorkflowID:   workflow.ID,
		WorkflowPath: workflowPath,
		Status:       StatusRunning,
		StartedAt:    time.Now(),
		TotalSteps:   len(workflow.Steps),
		Inputs:       normalized,
	}
	if workflow.SourceHash != 0 {
		record.Metadata = map[string]interface{}{
			"workflow_hash": strconv.FormatUint(workflow.SourceHash, 10),
		}
	}
	if err := m.store.CreateExecution(ctx, record); err != nil {
		return "", fmt.Errorf("creating execution record: %w", err)
	}

	execCtx := execcontext.New(context.Background(), workflow, runID, normalized)
	execCtx.WorkflowPath = workflowPath

	m.launch(execCtx, 0, nil)
	return runID, nil
}

// launch registers the run and drives it on its own goroutine. preamble
// events, if any, are emitted before the first step dispatch.
func (m *Manager) launch(execCtx *execcontext.ExecutionContext, from int, preamble []pkgEvents.ExecutionEvent) {
	handle := &activeRun{
		runID:   execCtx.RunID,
		execCtx: execCtx,
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	m.active[execCtx.RunID] = handle
	m.mu.Unlock()

	m.metrics.runsStarted.Inc()
	m.metrics.activeRuns.Inc()

	progressChan := make(chan pkgEvents.ExecutionEvent, 100)
	m.listener.StartListening(progressChan)
	for _, event := range preamble {
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now()
		}
		progressChan <- event
	}

	go m.drive(handle, progressChan, from)
}

func (m *Manager) drive(handle *activeRun, progressChan chan pkgEvents.ExecutionEvent, from int) {
	opts := []Option{
		WithStore(m.store),
		WithScriptRunner(m.scripts),
		WithFailover(m.failover),
		WithWorkflowLoader(m.loader),
	}
	if m.adapters != nil {
		opts = append(opts, WithAdapters(m.adapters))
	}
	executor := NewExecutor(m.config, opts...)

	err := executor.Run(handle.execCtx, progressChan, from)
	m.finishRun(handle, err)

	close(progressChan)
	m.listener.StopListening()
}

// finishRun records the run's terminal state (or its suspension) in the
// store and the in-memory handle, then schedules the handle's removal.
func (m *Manager) finishRun(handle *activeRun, runErr error) {
	execCtx := handle.execCtx
	now := time.Now()

	update := store.ExecutionUpdate{
		Outputs: execCtx.Variables(),
	}
	current := execCtx.CurrentStepIndex()
	update.CurrentStep = &current

	var status string
	var suspended *SuspendedError
	switch {
	case errors.As(runErr, &suspended):
		status = StatusWaiting
		update.Metadata = map[string]interface{}{
			"wait_step_id": suspended.StepID,
			"suspension":   suspensionMetadata(suspended.Suspension),
		}
		if execCtx.Workflow != nil && execCtx.Workflow.SourceHash != 0 {
			update.Metadata["workflow_hash"] = strconv.FormatUint(execCtx.Workflow.SourceHash, 10)
		}
	case execCtx.Status() == execcontext.StatusCancelled:
		status = StatusCancelled
		update.CompletedAt = &now
	case runErr != nil:
		status = StatusFailed
		message := execCtx.ErrorMessage()
		if message == "" {
			message = runErr.Error()
		}
		update.Error = &message
		update.CompletedAt = &now
	default:
		status = StatusCompleted
		update.CompletedAt = &now
	}
	update.Status = &status

	if err := m.store.UpdateExecution(context.Background(), handle.runID, update); err != nil {
		log.Warn().
			Err(err).
			Str("run_id", handle.runID).
			Str("status", status).
			Msg("Failed to update execution record")
	}

	m.metrics.activeRuns.Dec()
	m.metrics.runsFinished.WithLabelValues(status).Inc()
	m.metrics.runDuration.Observe(now.Sub(execCtx.StartedAt).Seconds())

	m.mu.Lock()
	handle.finalStatus = status
	m.mu.Unlock()
	close(handle.done)

	time.AfterFunc(m.retention, func() {
		m.mu.Lock()
		if current, ok := m.active[handle.runID]; ok && current == handle {
			delete(m.active, handle.runID)
		}
		m.mu.Unlock()
	})
}

// CancelExecution signals the run's cancellation token and reports
// whether this call delivered it. A second call, or a call on an already
// terminal run, returns false. Runs the store believes are active but the
// manager no longer tracks are marked cancelled directly.
func (m *Manager) CancelExecution(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	handle, tracked := m.active[runID]
	var finished bool
	var finalStatus string
	if tracked {
		select {
		case <-handle.done:
			finished = true
			finalStatus = handle.finalStatus
		default:
		}
	}
	m.mu.Unlock()

	if tracked {
		if finished && finalStatus != StatusWaiting {
			return false, nil
		}
		if handle.cancelled.Swap(true) {
			return false, nil
		}
		handle.execCtx.Cancel()

		if finished && finalStatus == StatusWaiting {
			// Suspended runs have no goroutine to observe the signal.
			return true, m.markCancelled(ctx, runID, handle)
		}
		return true, nil
	}

	exec, err := m.store.GetExecution(ctx, runID)
	if err != nil {
		return false, err
	}
	if exec.Status != StatusRunning && exec.Status != StatusWaiting {
		return false, nil
	}
	return true, m.markCancelled(ctx, runID, nil)
}

func (m *Manager) markCancelled(ctx context.Context, runID string, handle *activeRun) error {
	now := time.Now()
	status := StatusCancelled
	err := m.store.UpdateExecution(ctx, runID, store.ExecutionUpdate{
		Status:      &status,
		CompletedAt: &now,
	})
	if err != nil {
		return err
	}
	if handle != nil {
		handle.execCtx.SetStatus(execcontext.StatusCancelled)
		m.mu.Lock()
		handle.finalStatus = StatusCancelled
		m.mu.Unlock()
	}
	m.metrics.runsFinished.WithLabelValues(StatusCancelled).Inc()
	return nil
}

// ResumeExecution re-enters a run suspended at the given wait step. The
// context is rebuilt from the execution record's inputs and the variables
// accumulated in checkpoints; resumeData is merged according to the wait
// mode; dispatch continues at the step after the wait.
func (m *Manager) ResumeExecution(ctx context.Context, runID, stepID string, resumeData map[string]interface{}) error {
	exec, err := m.store.GetExecution(ctx, runID)
	if err != nil {
		return err
	}
	if exec.Status != StatusWaiting {
		return fmt.Errorf("execution %s is not waiting (status %s)", runID, exec.Status)
	}

	if stepID == "" {
		if id, ok := exec.Metadata["wait_step_id"].(string); ok {
			stepID = id
		}
	}
	if stepID == "" {
		return fmt.Errorf("execution %s: wait step id unknown", runID)
	}

	workflow, err := m.loader(exec.WorkflowPath)
	if err != nil {
		return fmt.Errorf("reloading workflow: %w", err)
	}

	// The document hash is advisory: an edited workflow still resumes,
	// but the drift is worth a warning in the log.
	if recorded, ok := exec.Metadata["workflow_hash"].(string); ok && workflow.SourceHash != 0 {
		if current := strconv.FormatUint(workflow.SourceHash, 10); current != recorded {
			log.Warn().
				Str("run_id", runID).
				Str("workflow_id", workflow.ID).
				Msg("Workflow document changed since the run was started")
		}
	}

	index, ok := workflow.TopLevelIndexOf(stepID)
	if !ok {
		return fmt.Errorf("wait step %q not found in workflow %s", stepID, workflow.ID)
	}

	checkpoints, err := m.store.GetCheckpoints(ctx, runID)
	if err != nil {
		return fmt.Errorf("reading checkpoints: %w", err)
	}

	execCtx := execcontext.New(context.Background(), workflow, runID, exec.Inputs)
	execCtx.WorkflowPath = exec.WorkflowPath

	var suspension map[string]interface{}
	nextIndex := 0
	for _, cp := range checkpoints {
		if cp.StepIndex >= nextIndex {
			nextIndex = cp.StepIndex + 1
		}
		if variables, ok := cp.Outputs["variables"].(map[string]interface{}); ok {
			for name, value := range variables {
				execCtx.SetVariable(name, value)
			}
		}
		if cp.StepName == stepID {
			suspension, _ = cp.Outputs["suspension"].(map[string]interface{})
		}
	}
	execCtx.SeedCheckpointIndex(nextIndex)

	if suspension == nil {
		suspension, _ = exec.Metadata["suspension"].(map[string]interface{})
	}

	mode := expression.ToString(suspension["mode"])
	if err := m.bindResumeData(execCtx, workflow, stepID, mode, resumeData); err != nil {
		return err
	}

	status := StatusRunning
	if err := m.store.UpdateExecution(ctx, runID, store.ExecutionUpdate{Status: &status}); err != nil {
		return fmt.Errorf("reopening execution record: %w", err)
	}

	log.Info().
		Str("run_id", runID).
		Str("step_id", stepID).
		Str("mode", mode).
		Msg("Resuming suspended execution")

	m.launch(execCtx, index+1, []pkgEvents.ExecutionEvent{{
		Type:   pkgEvents.EventWorkflowResumed,
		RunID:  runID,
		StepID: stepID,
	}})
	return nil
}

// bindResumeData merges the resume payload into variables. Form fields
// become top-level variables after their required fields are checked;
// webhook payloads bind to the wait step's output variable; duration
// resumes carry no payload.
func (m *Manager) bindResumeData(execCtx *execcontext.ExecutionContext, workflow *ast.Workflow, stepID, mode string, resumeData map[string]interface{}) error {
	switch mode {
	case "form":
		step, _ := workflow.FindStep(stepID)
		if step != nil && step.Wait != nil {
			for name, field := range step.Wait.Fields {
				if field.Required {
					if _, ok := resumeData[name]; !ok {
						return fmt.Errorf("required form field %q missing from resume data", name)
					}
				}
			}
		}
		for name, value := range resumeData {
			execCtx.SetVariable(name, value)
		}

	case "webhook":
		if len(resumeData) == 0 {
			return nil
		}
		step, _ := workflow.FindStep(stepID)
		if step != nil && step.Output != "" {
			execCtx.SetVariable(step.Output, resumeData)
		} else {
			execCtx.SetVariable("webhook", resumeData)
		}

	case "duration":
		// Timer-driven; any payload is ignored.
	}
	return nil
}

// GetExecutionStatus answers from the in-memory view when the run is
// tracked, falling back to the store
func (m *Manager) GetExecutionStatus(ctx context.Context, runID string) (string, error) {
	m.mu.Lock()
	handle, tracked := m.active[runID]
	var status string
	if tracked {
		select {
		case <-handle.done:
			status = handle.finalStatus
		default:
			status = StatusRunning
		}
	}
	m.mu.Unlock()

	if tracked {
		return status, nil
	}

	exec, err := m.store.GetExecution(ctx, runID)
	if err != nil {
		return "", err
	}
	return exec.Status, nil
}

// ListExecutions delegates to the store
func (m *Manager) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return m.store.ListExecutions(ctx, filter)
}

// ActiveRuns reports how many tracked runs are still executing in-process
func (m *Manager) ActiveRuns() int {
	return m.runningCount()
}

// WaitForAll blocks until no tracked run is still executing, or until the
// timeout, after which remaining entries are force-cleared. Returns true
// when everything finished in time.
func (m *Manager) WaitForAll(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if m.runningCount() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			m.mu.Lock()
			m.active = make(map[string]*activeRun)
			m.mu.Unlock()
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (m *Manager) runningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, handle := range m.active {
		select {
		case <-handle.done:
		default:
			count++
		}
	}
	return count
}
