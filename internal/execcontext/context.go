package execcontext

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
)

// ExecutionStatus represents the state of a run
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status is final
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus represents the state of a single step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// StepResult captures the outcome of one step dispatch
type StepResult struct {
	StepID      string        `json:"step_id"`
	Status      StepStatus    `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
	Output      interface{}   `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	RetryCount  int           `json:"retry_count,omitempty"`

	// Suspension is set when a wait step logically suspended the run.
	// It never leaves the process; the persisted form lives in the
	// step's checkpoint payload.
	Suspension *Suspension `json:"-"`
}

// Failed reports whether the step ended in failure
func (r *StepResult) Failed() bool {
	return r.Status == StepStatusFailed
}

// Suspension describes how a suspended run can be re-entered
type Suspension struct {
	Mode        string                    `json:"mode"`
	ResumeToken string                    `json:"resume_token,omitempty"`
	ResumeAt    *time.Time                `json:"resume_at,omitempty"`
	Path        string                    `json:"path,omitempty"`
	Fields      map[string]*ast.FormField `json:"fields,omitempty"`
}

// scope is one frame of the layered variable environment. Lookups walk
// toward the root; writes land in the frame they were addressed to, so
// unwinding a frame automatically discards its locals.
type scope struct {
	parent *scope
	values map[string]interface{}
}

func (s *scope) lookup(name string) (interface{}, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.values[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// flatten merges the frames root-first so inner frames shadow outer ones
func (s *scope) flatten(into map[string]interface{}) {
	if s == nil {
		return
	}
	s.parent.flatten(into)
	for k, v := range s.values {
		into[k] = v
	}
}

func (s *scope) root() *scope {
	cur := s
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur
}

// runCore is shared between a run's context and every branch clone:
// cancellation and the monotone checkpoint sequence must be run-global.
type runCore struct {
	ctx           context.Context
	cancel        context.CancelFunc
	checkpointSeq atomic.Int64
}

// ExecutionContext is the in-memory state of one run. The Execution
// Manager owns it exclusively; parallel branches receive clones that share
// only the run core and the immutable inputs.
type ExecutionContext struct {
	RunID        string
	Workflow     *ast.Workflow
	WorkflowPath string
	StartedAt    time.Time
	Inputs       map[string]interface{} // immutable after start
	BranchID     string                 // set on parallel branch clones
	Logger       zerolog.Logger

	core *runCore

	mu               sync.RWMutex
	scope            *scope
	stepResults      map[string]*StepResult
	currentStepIndex int
	status           ExecutionStatus
	errMsg           string
}

// New creates the context for a fresh run. The supplied parent context
// bounds the whole run; Cancel triggers the run's cancellation signal.
func New(parent context.Context, workflow *ast.Workflow, runID string, inputs map[string]interface{}) *ExecutionContext {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	if inputs == nil {
		inputs = make(map[string]interface{})
	}

	return &ExecutionContext{
		RunID:     runID,
		Workflow:  workflow,
		StartedAt: time.Now(),
		Inputs:    inputs,
		Logger:    log.With().Str("run_id", runID).Str("workflow", workflow.ID).Logger(),
		core:      &runCore{ctx: ctx, cancel: cancel},
		scope:     &scope{values: make(map[string]interface{})},

		stepResults: make(map[string]*StepResult),
		status:      StatusRunning,
	}
}

// Context returns the run's cancellation context
func (ec *ExecutionContext) Context() context.Context {
	return ec.core.ctx
}

// Cancel triggers the run's cancellation signal
func (ec *ExecutionContext) Cancel() {
	ec.core.cancel()
}

// IsCancelled reports whether cancellation has been requested
func (ec *ExecutionContext) IsCancelled() bool {
	select {
	case <-ec.core.ctx.Done():
		return true
	default:
		return false
	}
}

// PushScope opens a variable frame and returns the function that unwinds
// it. Executors defer the returned pop so locals disappear on every exit
// path.
func (ec *ExecutionContext) PushScope() func() {
	ec.mu.Lock()
	frame := &scope{parent: ec.scope, values: make(map[string]interface{})}
	ec.scope = frame
	ec.mu.Unlock()

	return func() {
		ec.mu.Lock()
		defer ec.mu.Unlock()
		if ec.scope == frame {
			ec.scope = frame.parent
		}
	}
}

// SetVariable binds a run-scoped variable (the root frame). Step output
// bindings use this; they survive loop frames.
func (ec *ExecutionContext) SetVariable(name string, value interface{}) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.scope.root().values[name] = value
}

// SetScoped binds a variable in the innermost frame (loop locals, the
// catch-block error binding)
func (ec *ExecutionContext) SetScoped(name string, value interface{}) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.scope.values[name] = value
}

// GetVariable resolves a variable through the frame stack
func (ec *ExecutionContext) GetVariable(name string) (interface{}, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.scope.lookup(name)
}

// Variables returns a flat copy of the visible variables, inner frames
// shadowing outer ones
func (ec *ExecutionContext) Variables() map[string]interface{} {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	flat := make(map[string]interface{})
	ec.scope.flatten(flat)
	return flat
}

// TemplateEnv builds the environment handed to the template resolver:
// {inputs, variables, stepMetadata} plus every variable spread at the top
// level for unqualified access.
func (ec *ExecutionContext) TemplateEnv() map[string]interface{} {
	variables := ec.Variables()
	metadata := ec.StepMetadata()

	env := make(map[string]interface{}, len(variables)+3)
	for k, v := range variables {
		env[k] = v
	}
	env["inputs"] = ec.Inputs
	env["variables"] = variables
	env["stepMetadata"] = metadata
	return env
}

// StepMetadata summarizes the last observed result per step id
func (ec *ExecutionContext) StepMetadata() map[string]interface{} {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	metadata := make(map[string]interface{}, len(ec.stepResults))
	for id, result := range ec.stepResults {
		metadata[id] = map[string]interface{}{
			"status":     string(result.Status),
			"duration":   result.Duration.Milliseconds(),
			"output":     result.Output,
			"error":      result.Error,
			"retryCount": result.RetryCount,
		}
	}
	return metadata
}

// RecordStepResult stores the last observed result for a step id
func (ec *ExecutionContext) RecordStepResult(result *StepResult) {
	if result == nil {
		return
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.stepResults[result.StepID] = result
}

// GetStepResult returns the last observed result for a step id
func (ec *ExecutionContext) GetStepResult(stepID string) (*StepResult, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	result, ok := ec.stepResults[stepID]
	return result, ok
}

// StepResults returns a copy of the per-step result map
func (ec *ExecutionContext) StepResults() map[string]*StepResult {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	results := make(map[string]*StepResult, len(ec.stepResults))
	for id, r := range ec.stepResults {
		results[id] = r
	}
	return results
}

// CurrentStepIndex returns the top-level cursor position
func (ec *ExecutionContext) CurrentStepIndex() int {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.currentStepIndex
}

// SetCurrentStepIndex moves the top-level cursor
func (ec *ExecutionContext) SetCurrentStepIndex(index int) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.currentStepIndex = index
}

// Status returns the run status
func (ec *ExecutionContext) Status() ExecutionStatus {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.status
}

// SetStatus updates the run status
func (ec *ExecutionContext) SetStatus(status ExecutionStatus) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.status = status
}

// SetError records the run's first unabsorbed failure message
func (ec *ExecutionContext) SetError(message string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.errMsg == "" {
		ec.errMsg = message
	}
}

// ErrorMessage returns the recorded failure message, if any
func (ec *ExecutionContext) ErrorMessage() string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.errMsg
}

// NextCheckpointIndex hands out the run-global dispatch sequence number.
// Branch clones share the counter, so every dispatched step gets a
// distinct checkpoint slot.
func (ec *ExecutionContext) NextCheckpointIndex() int {
	return int(ec.core.checkpointSeq.Add(1)) - 1
}

// SeedCheckpointIndex positions the sequence after existing checkpoints
// when a run is resumed
func (ec *ExecutionContext) SeedCheckpointIndex(next int) {
	ec.core.checkpointSeq.Store(int64(next))
}

// Clone creates a branch context: variables are deep-copied into a fresh
// root frame, inputs are shared (immutable), and the run core (cancel
// signal, checkpoint sequence) is shared with the parent.
func (ec *ExecutionContext) Clone(branchID string) *ExecutionContext {
	variables := ec.Variables()

	cloned := &ExecutionContext{
		RunID:        ec.RunID,
		Workflow:     ec.Workflow,
		WorkflowPath: ec.WorkflowPath,
		StartedAt:    ec.StartedAt,
		Inputs:       ec.Inputs,
		BranchID:     branchID,
		Logger:       ec.Logger.With().Str("branch", branchID).Logger(),
		core:         ec.core,
		scope:        &scope{values: make(map[string]interface{}, len(variables))},
		stepResults:  make(map[string]*StepResult),
		status:       StatusRunning,
	}
	for k, v := range variables {
		cloned.scope.values[k] = DeepCopyValue(v)
	}
	return cloned
}

// ChildWorkflow creates the context for a sub-workflow invocation. The
// child starts from a clean slate (fresh variables and step results,
// its own inputs) but shares the parent's run core so cancellation and
// the checkpoint sequence span the whole run.
func (ec *ExecutionContext) ChildWorkflow(workflow *ast.Workflow, path string, inputs map[string]interface{}) *ExecutionContext {
	if inputs == nil {
		inputs = make(map[string]interface{})
	}
	return &ExecutionContext{
		RunID:        ec.RunID,
		Workflow:     workflow,
		WorkflowPath: path,
		StartedAt:    time.Now(),
		Inputs:       inputs,
		BranchID:     ec.BranchID,
		Logger:       ec.Logger.With().Str("sub_workflow", workflow.ID).Logger(),
		core:         ec.core,
		scope:        &scope{values: make(map[string]interface{})},
		stepResults:  make(map[string]*StepResult),
		status:       StatusRunning,
	}
}

// MergeBranch folds a finished branch back into the parent: the branch's
// variables land under branches.<branchID>, and its step results join the
// parent's metadata view.
func (ec *ExecutionContext) MergeBranch(branch *ExecutionContext) {
	branchVars := branch.Variables()

	ec.mu.Lock()
	root := ec.scope.root()
	branches, ok := root.values["branches"].(map[string]interface{})
	if !ok {
		branches = make(map[string]interface{})
		root.values["branches"] = branches
	}
	branches[branch.BranchID] = branchVars
	ec.mu.Unlock()

	for _, result := range branch.StepResults() {
		ec.RecordStepResult(result)
	}
}

// DeepCopyValue copies nested maps and slices so branch clones cannot
// alias the parent's structures. Scalars pass through.
func DeepCopyValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		copied := make(map[string]interface{}, len(v))
		for k, val := range v {
			copied[k] = DeepCopyValue(val)
		}
		return copied
	case []interface{}:
		copied := make([]interface{}, len(v))
		for i, val := range v {
			copied[i] = DeepCopyValue(val)
		}
		return copied
	default:
		return value
	}
}
