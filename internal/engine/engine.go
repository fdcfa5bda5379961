// Package engine executes parsed workflows: a dispatcher that runs every
// step kind, control-flow executors, retry and timeout policies, and the
// execution manager that owns run lifecycles.
package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scottgl07/marktoflow-sub001/internal/adapter"
	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	"github.com/scottgl07/marktoflow-sub001/internal/expression"
	"github.com/scottgl07/marktoflow-sub001/internal/sandbox"
	"github.com/scottgl07/marktoflow-sub001/internal/store"
	pkgEvents "github.com/scottgl07/marktoflow-sub001/pkg/events"
)

// Config defines the runtime behavior and limits for workflow execution
type Config struct {
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay"`
	MaxInProcessWait   time.Duration `yaml:"max_in_process_wait"`
	WhileIterationCap  int           `yaml:"while_iteration_cap"`
	MaxConcurrentRuns  int           `yaml:"max_concurrent_runs"`
	CheckpointDisabled bool          `yaml:"checkpoint_disabled"`
}

// DefaultConfig returns production defaults. Waits above MaxInProcessWait
// suspend the run instead of sleeping.
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout:    30 * time.Minute,
		RetryBaseDelay:    100 * time.Millisecond,
		RetryMaxDelay:     30 * time.Second,
		MaxInProcessWait:  300 * time.Second,
		WhileIterationCap: 1000,
		MaxConcurrentRuns: 10,
	}
}

// FailoverHook is consulted after a step exhausts its retries. Returning
// ok=true substitutes the given output and completes the step.
type FailoverHook interface {
	OnStepFailure(execCtx *execcontext.ExecutionContext, step *ast.Step, stepErr error) (interface{}, bool)
}

// WorkflowLoader parses a referenced sub-workflow file
type WorkflowLoader func(path string) (*ast.Workflow, error)

// Executor runs a single workflow execution to completion, suspension,
// cancellation or failure. One Executor serves one run; shared plumbing
// (store, adapters) is injected by the Manager.
type Executor struct {
	config       *Config
	templates    *expression.Engine
	adapters     *adapter.Registry
	scripts      sandbox.Runner
	store        store.Store
	failover     FailoverHook
	loadWorkflow WorkflowLoader

	progressChan chan<- pkgEvents.ExecutionEvent
}

// Option configures an Executor
type Option func(*Executor)

// WithStore installs the checkpoint and execution record sink
func WithStore(s store.Store) Option {
	return func(e *Executor) { e.store = s }
}

// WithAdapters replaces the builtin adapter registry
func WithAdapters(r *adapter.Registry) Option {
	return func(e *Executor) { e.adapters = r }
}

// WithScriptRunner installs the sandbox used by script steps
func WithScriptRunner(r sandbox.Runner) Option {
	return func(e *Executor) { e.scripts = r }
}

// WithFailover installs a failover policy hook
func WithFailover(h FailoverHook) Option {
	return func(e *Executor) { e.failover = h }
}

// WithWorkflowLoader installs the parser used for workflow sub-invocations
func WithWorkflowLoader(l WorkflowLoader) Option {
	return func(e *Executor) { e.loadWorkflow = l }
}

// DefaultScriptRunner returns the node sandbox when a node binary is
// available, nil otherwise. Workflows without script steps run the same
// either way; script steps without a runner fail at dispatch.
func DefaultScriptRunner() sandbox.Runner {
	runner, err := sandbox.NewNodeRunner("")
	if err != nil {
		log.Debug().Err(err).Msg("Script runner unavailable")
		return nil
	}
	return runner
}

// NewExecutor creates a workflow executor. Without options it runs with the
// builtin adapters, no persistence and no script sandbox.
func NewExecutor(config *Config, opts ...Option) *Executor {
	if config == nil {
		config = DefaultConfig()
	}

	e := &Executor{
		config:    config,
		templates: expression.NewEngine(),
		adapters:  adapter.Builtin(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SuspendedError reports that the run parked at a wait step. The manager
// keeps the execution in state waiting until the matching resume arrives.
type SuspendedError struct {
	StepID     string
	Suspension *execcontext.Suspension
	Output     interface{}
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("execution suspended at step %s (%s)", e.StepID, e.Suspension.Mode)
}

// ExecuteWorkflow drives the run from its first step. Progress events are
// sent to progressChan; a nil channel disables them.
func (e *Executor) ExecuteWorkflow(execCtx *execcontext.ExecutionContext, progressChan chan<- pkgEvents.ExecutionEvent) error {
	return e.Run(execCtx, progressChan, 0)
}

// Run drives the workflow starting at step index from. Resume paths use a
// non-zero cursor to continue after a wait step.
func (e *Executor) Run(execCtx *execcontext.ExecutionContext, progressChan chan<- pkgEvents.ExecutionEvent, from int) error {
	e.progressChan = progressChan

	log.Info().
		Str("workflow", execCtx.Workflow.ID).
		Str("run_id", execCtx.RunID).
		Int("total_steps", len(execCtx.Workflow.Steps)).
		Msg("Starting workflow execution")

	if from == 0 {
		e.emit(pkgEvents.ExecutionEvent{
			Type:  pkgEvents.EventWorkflowStarted,
			RunID: execCtx.RunID,
		})
	}

	steps := execCtx.Workflow.Steps
	for i := from; i < len(steps); i++ {
		if execCtx.IsCancelled() {
			return e.finishCancelled(execCtx)
		}
		execCtx.SetCurrentStepIndex(i)

		result := e.Dispatch(execCtx, steps[i])
		switch result.Status {
		case execcontext.StepStatusFailed:
			execCtx.SetStatus(execcontext.StatusFailed)
			e.emit(pkgEvents.ExecutionEvent{
				Type:  pkgEvents.EventWorkflowFailed,
				RunID: execCtx.RunID,
				Error: execCtx.ErrorMessage(),
			})
			log.Error().
				Str("run_id", execCtx.RunID).
				Str("step_id", result.StepID).
				Str("error", result.Error).
				Msg("Workflow execution failed")
			return fmt.Errorf("step %s failed: %s", result.StepID, result.Error)

		case execcontext.StepStatusCancelled:
			return e.finishCancelled(execCtx)

		case execcontext.StepStatusCompleted:
			if result.Suspension != nil {
				e.emit(pkgEvents.ExecutionEvent{
					Type:     pkgEvents.EventWorkflowSuspended,
					RunID:    execCtx.RunID,
					StepID:   result.StepID,
					Metadata: suspensionMetadata(result.Suspension),
				})
				log.Info().
					Str("run_id", execCtx.RunID).
					Str("step_id", result.StepID).
					Str("mode", result.Suspension.Mode).
					Msg("Workflow execution suspended")
				return &SuspendedError{
					StepID:     result.StepID,
					Suspension: result.Suspension,
					Output:     result.Output,
				}
			}
		}
	}

	if execCtx.IsCancelled() {
		return e.finishCancelled(execCtx)
	}

	execCtx.SetStatus(execcontext.StatusCompleted)
	e.emit(pkgEvents.ExecutionEvent{
		Type:  pkgEvents.EventWorkflowCompleted,
		RunID: execCtx.RunID,
	})
	log.Info().
		Str("run_id", execCtx.RunID).
		Dur("duration", time.Since(execCtx.StartedAt)).
		Msg("Workflow execution completed")
	return nil
}

func (e *Executor) finishCancelled(execCtx *execcontext.ExecutionContext) error {
	execCtx.SetStatus(execcontext.StatusCancelled)
	e.emit(pkgEvents.ExecutionEvent{
		Type:  pkgEvents.EventWorkflowCancelled,
		RunID: execCtx.RunID,
	})
	log.Info().
		Str("run_id", execCtx.RunID).
		Msg("Workflow execution cancelled")
	return nil
}

// emit forwards an event without blocking; a saturated channel drops the
// event rather than stalling the run.
func (e *Executor) emit(event pkgEvents.ExecutionEvent) {
	if e.progressChan == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case e.progressChan <- event:
	default:
		log.Debug().
			Str("type", string(event.Type)).
			Str("run_id", event.RunID).
			Msg("Event channel full, dropping event")
	}
}
