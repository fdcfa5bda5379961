// Package engine provides a public API for executing workflows
// programmatically. It allows third-party applications to embed workflow
// execution directly, without going through the CLI.
//
// The main functionality includes:
//   - Running workflows from Markdown definition files
//   - Configuring execution through functional options
//   - Monitoring workflow progress through event listeners
//
// Example usage:
//
//	inputs := map[string]interface{}{
//		"message": "Hello, World!",
//	}
//
//	// Run a workflow to completion
//	result, err := engine.RunWorkflow(ctx, "workflow.flow.md", inputs)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(result.Status, result.Outputs)
//
//	// Run with progress monitoring
//	listener := events.NewChannelListener(64)
//	result, err = engine.RunWorkflow(ctx, "workflow.flow.md", inputs,
//		engine.WithProgressListener(listener))
package engine

import (
	"context"
	"time"

	"github.com/scottgl07/marktoflow-sub001/internal/adapter"
	"github.com/scottgl07/marktoflow-sub001/internal/engine"
	"github.com/scottgl07/marktoflow-sub001/internal/parser"
	"github.com/scottgl07/marktoflow-sub001/internal/store"
	"github.com/scottgl07/marktoflow-sub001/pkg/events"
)

// Run status values reported by Result.Status. A run that parks at a wait
// step finishes RunWorkflow with StatusWaiting; resuming it is the job of
// the server or the CLI, not this API.
const (
	StatusRunning   = engine.StatusRunning
	StatusWaiting   = engine.StatusWaiting
	StatusCompleted = engine.StatusCompleted
	StatusFailed    = engine.StatusFailed
	StatusCancelled = engine.StatusCancelled
)

// Result is the outcome of one workflow run.
type Result struct {
	// RunID is the unique identifier assigned to this run. It can be used
	// to look the run up in the state store afterwards.
	RunID string `json:"run_id"`

	// Status is the terminal status of the run: one of StatusCompleted,
	// StatusFailed, StatusCancelled or StatusWaiting.
	Status string `json:"status"`

	// Outputs holds the variables the run's steps published through their
	// output bindings, keyed by variable name.
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	// Steps holds one entry per dispatched step, in dispatch order.
	Steps []StepResult `json:"steps"`

	// Error is the failure message when Status is StatusFailed.
	Error string `json:"error,omitempty"`

	// Duration is the wall-clock time from start to terminal state.
	Duration time.Duration `json:"duration"`
}

// StepResult is the recorded outcome of a single step.
type StepResult struct {
	StepID   string        `json:"step_id"`
	Status   string        `json:"status"`
	Output   interface{}   `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Retries  int           `json:"retries"`
	Duration time.Duration `json:"duration"`
}

type runConfig struct {
	listener events.Listener
	stateDir string
	adapters *adapter.Registry
}

// Option configures a workflow run. Options follow the functional options
// pattern, allowing for flexible configuration of the execution engine.
type Option func(*runConfig)

// WithProgressListener configures a listener for monitoring workflow
// execution events in real time.
//
// The listener receives events throughout the run lifecycle: workflow
// start and completion, step progress, retries and failures. See
// pkg/events for the event types and the ChannelListener helper.
//
// Example:
//
//	listener := events.NewChannelListener(64)
//	go func() {
//		for event := range listener.Events {
//			fmt.Printf("%s %s\n", event.Type, event.StepID)
//		}
//	}()
//	result, err := engine.RunWorkflow(ctx, "workflow.flow.md", inputs,
//		engine.WithProgressListener(listener))
func WithProgressListener(listener events.Listener) Option {
	return func(c *runConfig) {
		c.listener = listener
	}
}

// WithStateDir persists the run's execution record and checkpoints under
// dir (in dir/.marktoflow/state.db), making the run visible to
// `marktoflow history` and resumable by the server. Without this option
// runs are recorded in memory only and vanish when RunWorkflow returns.
func WithStateDir(dir string) Option {
	return func(c *runConfig) {
		c.stateDir = dir
	}
}

// WithAdapters replaces the builtin adapter registry, letting embedders
// register custom `uses:` targets alongside or instead of the builtins.
//
// Example:
//
//	registry := adapter.Builtin()
//	registry.Register(myAdapter)
//	result, err := engine.RunWorkflow(ctx, "workflow.flow.md", inputs,
//		engine.WithAdapters(registry))
func WithAdapters(registry *adapter.Registry) Option {
	return func(c *runConfig) {
		c.adapters = registry
	}
}

// RunWorkflow executes a workflow definition file with the provided inputs
// and drives it to a terminal state.
//
// The file is parsed and validated first; validation failures are returned
// before anything is persisted. Inputs are checked against the workflow's
// declared inputs and defaults applied, and the run then executes step by
// step with the same engine the CLI uses: conditionals, loops, retries,
// sub-workflows and all other step kinds behave identically.
//
// Cancelling ctx cancels the run; in-flight steps are interrupted and the
// run finishes with StatusCancelled. A workflow that parks at a wait step
// returns with StatusWaiting rather than blocking forever.
//
// The returned Result carries the run's terminal status, the variables
// its steps published and one StepResult per dispatched step. A step
// failure makes the run StatusFailed but is not an error from this
// function; err is reserved for the run not being startable (parse
// failure, invalid inputs, state store unavailable).
func RunWorkflow(ctx context.Context, workflowFile string, inputs map[string]interface{}, options ...Option) (*Result, error) {
	cfg := &runConfig{}
	for _, option := range options {
		option(cfg)
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()

	var parserOpts []parser.Option
	if cfg.adapters != nil {
		// Tool warnings should reflect the adapters this run can reach
		parserOpts = append(parserOpts, parser.WithKnownAdapters(cfg.adapters.Names()...))
	}
	mdParser := parser.NewMarkdownParser(parserOpts...)

	managerOpts := []engine.ManagerOption{
		engine.WithManagerScriptRunner(engine.DefaultScriptRunner()),
	}
	if cfg.listener != nil {
		managerOpts = append(managerOpts, engine.WithListener(cfg.listener))
	}
	if cfg.adapters != nil {
		managerOpts = append(managerOpts, engine.WithManagerAdapters(cfg.adapters))
	}

	manager := engine.NewManager(engine.DefaultConfig(), st, mdParser.Load, managerOpts...)

	started := time.Now()
	runID, err := manager.StartExecution(ctx, workflowFile, inputs)
	if err != nil {
		return nil, err
	}

	// Cancellation arrives through the manager, same as the CLI's
	// signal handler
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_, _ = manager.CancelExecution(context.Background(), runID)
		case <-watchDone:
		}
	}()

	budget := 365 * 24 * time.Hour
	if deadline, ok := ctx.Deadline(); ok {
		budget = time.Until(deadline) + time.Second
	}
	if !manager.WaitForAll(budget) {
		_, _ = manager.CancelExecution(context.Background(), runID)
		manager.WaitForAll(30 * time.Second)
	}

	return collectResult(st, runID, started)
}

// openStore picks the history sink: sqlite under the configured state
// directory, or an in-memory store for throwaway runs.
func openStore(cfg *runConfig) (store.Store, error) {
	if cfg.stateDir == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(store.DefaultPath(cfg.stateDir))
}

// collectResult assembles the public result from the execution record and
// its checkpoints.
func collectResult(st store.Store, runID string, started time.Time) (*Result, error) {
	ctx := context.Background()

	record, err := st.GetExecution(ctx, runID)
	if err != nil {
		return nil, err
	}

	result := &Result{
		RunID:    runID,
		Status:   record.Status,
		Outputs:  record.Outputs,
		Error:    record.Error,
		Duration: time.Since(started),
	}
	if record.CompletedAt != nil {
		result.Duration = record.CompletedAt.Sub(record.StartedAt)
	}

	checkpoints, err := st.GetCheckpoints(ctx, runID)
	if err != nil {
		return result, nil
	}
	for _, cp := range checkpoints {
		step := StepResult{
			StepID:  cp.StepName,
			Status:  cp.Status,
			Error:   cp.Error,
			Retries: cp.RetryCount,
		}
		if output, ok := cp.Outputs["output"]; ok {
			step.Output = output
		}
		if cp.CompletedAt != nil {
			step.Duration = cp.CompletedAt.Sub(cp.StartedAt)
		}
		result.Steps = append(result.Steps, step)
	}
	return result, nil
}
