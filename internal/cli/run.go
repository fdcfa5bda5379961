package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scottgl07/marktoflow-sub001/internal/engine"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	"github.com/scottgl07/marktoflow-sub001/internal/parser"
	"github.com/scottgl07/marktoflow-sub001/internal/store"
	"github.com/scottgl07/marktoflow-sub001/internal/style"
	pkgEvents "github.com/scottgl07/marktoflow-sub001/pkg/events"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [workflow.flow.md]",
	Short: "Execute a workflow document",
	Long: `Execute a workflow document locally with real-time progress reporting.

This command:
- Parses and validates the workflow document
- Validates provided inputs against the declared input parameters
- Executes steps in document order with retries, timeouts and checkpoints
- Records the run in local history (.marktoflow/state.db)
- Supports graceful cancellation on interruption signals

A workflow that parks at a wait step prints its resume token and exits
successfully; resume it through the HTTP API or wait for the scheduler.

Examples:
  marktoflow run deploy.flow.md                     # Run with default settings
  marktoflow run deploy.flow.md -i env=staging      # Provide input parameters
  marktoflow run deploy.flow.md --output json       # JSON result for automation
  marktoflow run deploy.flow.md --detach            # Print the run id, no progress stream`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runCtx := execcontext.RunContext{
			Context: cmd.Context(),
			StdOut:  cmd.OutOrStdout(),
			StdErr:  cmd.ErrOrStderr(),
		}
		runWorkflow(runCtx, args[0])
	},
}

var (
	// Input parameters
	runInputs map[string]string

	// Execution options
	runDetach       bool
	runTimeout      time.Duration
	runNoCheckpoint bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringToStringVarP(&runInputs, "input", "i", map[string]string{}, "input parameters (key=value)")
	runCmd.Flags().BoolVar(&runDetach, "detach", false, "print the run id and wait without streaming progress")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "overall execution timeout (0 = none)")
	runCmd.Flags().BoolVar(&runNoCheckpoint, "no-checkpoint", false, "skip per-step checkpoint writes")
}

// ExecutionResult is the run summary printed when the workflow finishes
type ExecutionResult struct {
	WorkflowFile  string                 `json:"workflow_file" yaml:"workflow_file"`
	RunID         string                 `json:"run_id" yaml:"run_id"`
	Status        string                 `json:"status" yaml:"status"`
	StartTime     time.Time              `json:"start_time" yaml:"start_time"`
	EndTime       time.Time              `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	Duration      time.Duration          `json:"duration" yaml:"duration"`
	StepsExecuted int                    `json:"steps_executed" yaml:"steps_executed"`
	StepsTotal    int                    `json:"steps_total" yaml:"steps_total"`
	StepResults   []StepExecutionResult  `json:"step_results,omitempty" yaml:"step_results,omitempty"`
	Inputs        map[string]interface{} `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs       map[string]interface{} `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Error         string                 `json:"error,omitempty" yaml:"error,omitempty"`
	Suspension    map[string]interface{} `json:"suspension,omitempty" yaml:"suspension,omitempty"`
}

// StepExecutionResult is one checkpointed step dispatch in the summary
type StepExecutionResult struct {
	StepIndex int         `json:"step_index" yaml:"step_index"`
	StepID    string      `json:"step_id" yaml:"step_id"`
	Status    string      `json:"status" yaml:"status"`
	StartTime time.Time   `json:"start_time" yaml:"start_time"`
	EndTime   *time.Time  `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	Output    interface{} `json:"output,omitempty" yaml:"output,omitempty"`
	Error     string      `json:"error,omitempty" yaml:"error,omitempty"`
	Retries   int         `json:"retries" yaml:"retries"`
}

func runWorkflow(runCtx execcontext.RunContext, workflowFile string) {
	inputs := make(map[string]interface{}, len(runInputs))
	for k, v := range runInputs {
		inputs[k] = v
	}
	os.Exit(executeWorkflowRun(runCtx, workflowFile, inputs))
}

// executeWorkflowRun drives one run to a terminal state, prints the
// summary and returns the process exit code. replay shares this path
// with recorded inputs.
func executeWorkflowRun(runCtx execcontext.RunContext, workflowFile string, inputs map[string]interface{}) int {
	startTime := time.Now()

	// Parse up front so diagnostics come out before anything is persisted
	mdParser := parser.NewMarkdownParser()
	parsed, err := mdParser.ParseFile(workflowFile)
	if err != nil {
		printParseFailure(runCtx, workflowFile, err)
		return 1
	}
	workflow := parsed.Workflow

	showProgress := !runDetach && !viper.GetBool("quiet") && viper.GetString("output") == "text"
	if showProgress {
		for _, warning := range parsed.Warnings {
			style.Warning(runCtx.StdErr, warning.String())
		}
		fmt.Fprintf(runCtx, "\nRunning %s (%d steps)\n\n", style.InfoStyle.Render(workflow.DisplayName()), len(workflow.Steps))
	}

	log.Info().
		Str("workflow", workflowFile).
		Str("workflow_id", workflow.ID).
		Int("steps", len(workflow.Steps)).
		Msg("Workflow loaded and validated")

	st := openRunStore(runCtx)
	defer func() { _ = st.Close() }()

	config := engine.DefaultConfig()
	config.CheckpointDisabled = runNoCheckpoint

	listener := pkgEvents.NewChannelListener(256)
	manager := engine.NewManager(config, st, mdParser.Load,
		engine.WithListener(listener),
		engine.WithManagerScriptRunner(engine.DefaultScriptRunner()))

	tracker := newProgressTracker(runCtx.StdOut)
	trackerDone := make(chan struct{})
	if showProgress {
		go func() {
			defer close(trackerDone)
			tracker.consume(listener.Events)
		}()
	} else {
		close(trackerDone)
	}

	runID, err := manager.StartExecution(runCtx.Context, workflowFile, inputs)
	if err != nil {
		tracker.stop()
		var validationErr *engine.InputValidationError
		if errors.As(err, &validationErr) {
			printInputValidationError(runCtx, validationErr)
		} else {
			style.Error(runCtx.StdErr, fmt.Sprintf("Failed to start execution: %v", err))
		}
		return 1
	}

	if runDetach && !viper.GetBool("quiet") {
		fmt.Fprintln(runCtx, runID)
	}

	// Interrupts cancel the run; the second signal kills the process
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		log.Info().Str("run_id", runID).Msg("Received interrupt signal, cancelling run")
		_, _ = manager.CancelExecution(context.Background(), runID)
	}()

	waitBudget := runTimeout
	if waitBudget <= 0 {
		waitBudget = 365 * 24 * time.Hour
	}
	if !manager.WaitForAll(waitBudget) {
		style.Warning(runCtx.StdErr, fmt.Sprintf("Execution exceeded %s, cancelling", runTimeout))
		_, _ = manager.CancelExecution(context.Background(), runID)
		manager.WaitForAll(30 * time.Second)
	}

	// Let the event stream drain before the summary prints under it
	listener.Wait()
	close(listener.Events)
	<-trackerDone
	tracker.stop()

	result := collectRunResult(runCtx.Context, st, workflowFile, runID, startTime)
	if !runDetach {
		outputRunResult(runCtx, result)
	}

	if result.Status == engine.StatusFailed || result.Status == engine.StatusCancelled {
		return 1
	}
	return 0
}

// openRunStore opens the sqlite history store, falling back to memory
// when the state directory is unusable. The run still executes; only
// history is lost.
func openRunStore(runCtx execcontext.RunContext) store.Store {
	st, err := store.NewSQLiteStore(store.DefaultPath(viper.GetString("state-dir")))
	if err != nil {
		style.Warning(runCtx.StdErr, fmt.Sprintf("Run history unavailable: %v", err))
		return store.NewMemoryStore()
	}
	return st
}

// collectRunResult assembles the summary from the execution record and
// its checkpoints
func collectRunResult(ctx context.Context, st store.Store, workflowFile, runID string, startTime time.Time) ExecutionResult {
	result := ExecutionResult{
		WorkflowFile: workflowFile,
		RunID:        runID,
		Status:       engine.StatusFailed,
		StartTime:    startTime,
		EndTime:      time.Now(),
	}

	record, err := st.GetExecution(ctx, runID)
	if err != nil {
		result.Error = fmt.Sprintf("run record unavailable: %v", err)
		result.Duration = result.EndTime.Sub(result.StartTime)
		return result
	}

	result.Status = record.Status
	result.StartTime = record.StartedAt
	if record.CompletedAt != nil {
		result.EndTime = *record.CompletedAt
	}
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.StepsTotal = record.TotalSteps
	result.Inputs = record.Inputs
	result.Outputs = record.Outputs
	result.Error = record.Error
	if suspension, ok := record.Metadata["suspension"].(map[string]interface{}); ok {
		result.Suspension = suspension
	}

	checkpoints, err := st.GetCheckpoints(ctx, runID)
	if err != nil {
		return result
	}
	result.StepsExecuted = len(checkpoints)
	result.StepResults = make([]StepExecutionResult, 0, len(checkpoints))
	for _, cp := range checkpoints {
		step := StepExecutionResult{
			StepIndex: cp.StepIndex,
			StepID:    cp.StepName,
			Status:    cp.Status,
			StartTime: cp.StartedAt,
			EndTime:   cp.CompletedAt,
			Error:     cp.Error,
			Retries:   cp.RetryCount,
		}
		if cp.Outputs != nil {
			step.Output = cp.Outputs["output"]
		}
		result.StepResults = append(result.StepResults, step)
	}
	return result
}

func outputRunResult(runCtx execcontext.RunContext, result ExecutionResult) {
	switch viper.GetString("output") {
	case "json":
		style.PrintJSON(runCtx.StdOut, result)
	case "yaml":
		style.PrintYAML(runCtx.StdOut, result)
	default:
		printRunSummary(runCtx, result)
	}
}

func printRunSummary(runCtx execcontext.RunContext, result ExecutionResult) {
	if viper.GetBool("quiet") {
		return
	}

	fmt.Fprintf(runCtx, "\n")
	switch result.Status {
	case engine.StatusCompleted:
		fmt.Fprintf(runCtx, "%s Workflow completed %s (%s)\n",
			style.SuccessIcon(), style.SuccessStyle.Render("successfully"), formatDuration(result.Duration))
	case engine.StatusWaiting:
		fmt.Fprintf(runCtx, "%s Workflow suspended at a wait step (%s)\n",
			style.InfoIcon(), formatDuration(result.Duration))
		printSuspension(runCtx, result.Suspension)
	case engine.StatusCancelled:
		fmt.Fprintf(runCtx, "%s Workflow cancelled (%s)\n", style.WarningIcon(), formatDuration(result.Duration))
	default:
		fmt.Fprintf(runCtx, "%s Workflow failed\n", style.ErrorIcon())
		if result.Error != "" {
			fmt.Fprintf(runCtx, "\n%s\n", style.ErrorStyle.Render(result.Error))
		}
	}

	if len(result.Outputs) > 0 && result.Status == engine.StatusCompleted {
		fmt.Fprintf(runCtx, "\n%s\n\n", style.AccentStyle.Bold(true).Render("Outputs"))
		for _, key := range sortedKeys(result.Outputs) {
			fmt.Fprintf(runCtx, "  %s: %v\n", style.AccentStyle.Render(key), result.Outputs[key])
		}
	}
}

// printSuspension shows how to resume a parked run
func printSuspension(runCtx execcontext.RunContext, suspension map[string]interface{}) {
	if suspension == nil {
		return
	}
	if mode, ok := suspension["mode"].(string); ok {
		fmt.Fprintf(runCtx, "  mode:   %s\n", mode)
	}
	if token, ok := suspension["resume_token"].(string); ok {
		fmt.Fprintf(runCtx, "  token:  %s\n", token)
	}
	if path, ok := suspension["path"].(string); ok {
		fmt.Fprintf(runCtx, "  resume: POST %s\n", path)
	}
	if at, ok := suspension["resume_at"].(string); ok {
		fmt.Fprintf(runCtx, "  due:    %s\n", at)
	}
}

func printParseFailure(runCtx execcontext.RunContext, workflowFile string, err error) {
	result := newValidationResult(workflowFile)
	result.collectError(err)
	style.Error(runCtx.StdErr, fmt.Sprintf("%s failed validation", workflowFile))
	for _, msg := range result.Errors {
		fmt.Fprintf(runCtx.StdErr, "  %s\n", indentLines(msg, "  "))
	}
}

func printInputValidationError(runCtx execcontext.RunContext, err *engine.InputValidationError) {
	style.Error(runCtx.StdErr, "Input validation failed")
	fmt.Fprintf(runCtx.StdErr, "\n   Field: %s\n   Error: %s\n", err.Field, err.Message)
	fmt.Fprintf(runCtx.StdErr, "\nCheck the workflow's declared inputs with 'marktoflow workflow list'.\n")
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// progressTracker renders one spinner per in-flight step. Loop bodies
// re-dispatch the same step id; a fresh start replaces the finished
// spinner for that id.
type progressTracker struct {
	writer   io.Writer
	spinners *style.SpinnerManager
	mu       sync.Mutex
	active   map[string]style.Spinner
	labels   map[string]string
	started  int
}

func newProgressTracker(w io.Writer) *progressTracker {
	return &progressTracker{
		writer:   w,
		spinners: style.NewSpinnerManager(w),
		active:   make(map[string]style.Spinner),
		labels:   make(map[string]string),
	}
}

// consume renders events until the channel closes
func (pt *progressTracker) consume(events <-chan pkgEvents.ExecutionEvent) {
	for event := range events {
		switch event.Type {
		case pkgEvents.EventStepStarted:
			pt.startStep(event)
		case pkgEvents.EventStepCompleted:
			pt.finishStep(event, style.SuccessIcon(), "completed")
		case pkgEvents.EventStepFailed:
			pt.finishStep(event, style.ErrorIcon(), "failed")
		case pkgEvents.EventStepSkipped:
			pt.finishStep(event, style.MutedStyle.Render("-"), "skipped")
		case pkgEvents.EventStepRetrying:
			pt.retryStep(event)
		}
	}
}

func (pt *progressTracker) key(event pkgEvents.ExecutionEvent) string {
	if event.BranchID != "" {
		return event.BranchID + "/" + event.StepID
	}
	return event.StepID
}

func (pt *progressTracker) startStep(event pkgEvents.ExecutionEvent) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.started++
	label := style.AccentStyle.Render(event.StepID)
	if event.BranchID != "" {
		label += style.MutedStyle.Render(" [" + event.BranchID + "]")
	}

	key := pt.key(event)
	s := pt.spinners.Start()
	s.SetSuffix(fmt.Sprintf(" Step %d: %s", pt.started, label))
	pt.active[key] = s
	pt.labels[key] = label
	s.Start()
}

func (pt *progressTracker) finishStep(event pkgEvents.ExecutionEvent, icon, verb string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	key := pt.key(event)
	s, ok := pt.active[key]
	if !ok {
		// Skipped steps never start a spinner; they still get a line
		fmt.Fprintf(pt.writer, "%s Step %s %s\n", icon, style.AccentStyle.Render(event.StepID), verb)
		return
	}
	delete(pt.active, key)

	final := fmt.Sprintf("%s Step %s %s", icon, pt.labels[key], verb)
	if event.Duration > 0 {
		final += fmt.Sprintf(" (%s)", formatDuration(event.Duration))
	}
	if event.Error != "" {
		final += ": " + strings.SplitN(event.Error, "\n", 2)[0]
	}
	s.SetFinalMSG(final + "\n")
	s.Stop()
}

func (pt *progressTracker) retryStep(event pkgEvents.ExecutionEvent) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	key := pt.key(event)
	if s, ok := pt.active[key]; ok {
		s.SetSuffix(fmt.Sprintf(" Step %s (retry %d)", pt.labels[key], event.Attempt))
	}
}

// stop halts whatever is still animating
func (pt *progressTracker) stop() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.spinners.StopAll()
	pt.active = make(map[string]style.Spinner)
}
