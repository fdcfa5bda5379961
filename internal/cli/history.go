package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	"github.com/scottgl07/marktoflow-sub001/internal/store"
	"github.com/scottgl07/marktoflow-sub001/internal/style"
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history [runId]",
	Short: "Show run history",
	Long: `Show the run history recorded in the local state store.

Without arguments the most recent executions are listed. With a run id
(full or 8-character prefix) the run's details and its step checkpoints
are shown.

Examples:
  marktoflow history                        # List recent runs
  marktoflow history --status failed        # Only failed runs
  marktoflow history 3f2a9c1e               # One run with its checkpoints
  marktoflow history 3f2a9c1e --step build  # Only checkpoints of step "build"
  marktoflow history --stats                # Aggregate outcome statistics`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runCtx := execcontext.RunContext{
			Context: cmd.Context(),
			StdOut:  cmd.OutOrStdout(),
			StdErr:  cmd.ErrOrStderr(),
		}
		runID := ""
		if len(args) > 0 {
			runID = args[0]
		}
		showHistory(runCtx, runID)
	},
}

var (
	historyStep     string
	historyStatus   string
	historyWorkflow string
	historyLimit    int
	historyStats    bool
)

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringVar(&historyStep, "step", "", "show only checkpoints of this step id")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter runs by status (running, waiting, completed, failed, cancelled)")
	historyCmd.Flags().StringVar(&historyWorkflow, "workflow", "", "filter runs by workflow id")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs to list")
	historyCmd.Flags().BoolVar(&historyStats, "stats", false, "show aggregate outcome statistics")
}

// RunDetail is the single-run view: the execution record plus its
// checkpoints
type RunDetail struct {
	Execution   *store.Execution    `json:"execution" yaml:"execution"`
	Checkpoints []*store.Checkpoint `json:"checkpoints" yaml:"checkpoints"`
}

func showHistory(runCtx execcontext.RunContext, runID string) {
	st := openHistoryStore(runCtx)
	defer func() { _ = st.Close() }()

	switch {
	case historyStats:
		showRunStats(runCtx, st)
	case runID != "":
		showRunDetail(runCtx, st, runID)
	default:
		listRuns(runCtx, st)
	}
}

// openHistoryStore opens the state store read-mostly; a missing store is
// an error here because there is nothing to show
func openHistoryStore(runCtx execcontext.RunContext) store.Store {
	path := store.DefaultPath(viper.GetString("state-dir"))
	if _, err := os.Stat(path); err != nil {
		style.Error(runCtx.StdErr, fmt.Sprintf("No run history at %s", path))
		os.Exit(1)
	}
	st, err := store.NewSQLiteStore(path)
	if err != nil {
		style.Error(runCtx.StdErr, fmt.Sprintf("Failed to open run history: %v", err))
		os.Exit(1)
	}
	return st
}

func listRuns(runCtx execcontext.RunContext, st store.Store) {
	executions, err := st.ListExecutions(runCtx.Context, store.ExecutionFilter{
		Status:     historyStatus,
		WorkflowID: historyWorkflow,
		Limit:      historyLimit,
	})
	if err != nil {
		style.Error(runCtx.StdErr, fmt.Sprintf("Failed to list runs: %v", err))
		os.Exit(1)
	}

	switch viper.GetString("output") {
	case "json":
		style.PrintJSON(runCtx.StdOut, executions)
		return
	case "yaml":
		style.PrintYAML(runCtx.StdOut, executions)
		return
	}

	if len(executions) == 0 {
		style.Info(runCtx.StdOut, "No runs recorded")
		return
	}

	headers := []string{"Run", "Workflow", "Status", "Started", "Duration", "Steps"}
	rows := make([][]string, 0, len(executions))
	for _, exec := range executions {
		rows = append(rows, []string{
			shortRunID(exec.RunID),
			truncate(exec.WorkflowID, 30),
			exec.Status,
			exec.StartedAt.Format("2006-01-02 15:04:05"),
			formatRunDuration(exec),
			fmt.Sprintf("%d", exec.TotalSteps),
		})
	}
	printTable(runCtx.StdOut, headers, rows)
}

// lookupRun resolves a full or 8-character run id through the listing
// filter; an ambiguous prefix is reported rather than guessed at
func lookupRun(runCtx execcontext.RunContext, st store.Store, runID string) *store.Execution {
	matches, err := st.ListExecutions(runCtx.Context, store.ExecutionFilter{RunPrefix: runID, Limit: 2})
	if err != nil {
		style.Error(runCtx.StdErr, fmt.Sprintf("Failed to look up run: %v", err))
		os.Exit(1)
	}
	switch len(matches) {
	case 0:
		style.Error(runCtx.StdErr, fmt.Sprintf("No run matches %q", runID))
		os.Exit(1)
	case 1:
		return matches[0]
	}
	style.Error(runCtx.StdErr, fmt.Sprintf("Run id prefix %q is ambiguous, provide more characters", runID))
	os.Exit(1)
	return nil
}

func showRunDetail(runCtx execcontext.RunContext, st store.Store, runID string) {
	exec := lookupRun(runCtx, st, runID)

	checkpoints, err := st.GetCheckpoints(runCtx.Context, exec.RunID)
	if err != nil {
		style.Error(runCtx.StdErr, fmt.Sprintf("Failed to read checkpoints: %v", err))
		os.Exit(1)
	}
	if historyStep != "" {
		filtered := checkpoints[:0]
		for _, cp := range checkpoints {
			if cp.StepName == historyStep {
				filtered = append(filtered, cp)
			}
		}
		checkpoints = filtered
	}

	detail := RunDetail{Execution: exec, Checkpoints: checkpoints}
	switch viper.GetString("output") {
	case "json":
		style.PrintJSON(runCtx.StdOut, detail)
		return
	case "yaml":
		style.PrintYAML(runCtx.StdOut, detail)
		return
	}

	fmt.Fprintf(runCtx, "%s %s\n", style.AccentStyle.Bold(true).Render("Run"), exec.RunID)
	fmt.Fprintf(runCtx, "  workflow: %s\n", exec.WorkflowID)
	fmt.Fprintf(runCtx, "  status:   %s\n", exec.Status)
	fmt.Fprintf(runCtx, "  started:  %s\n", exec.StartedAt.Format(time.RFC3339))
	if exec.CompletedAt != nil {
		fmt.Fprintf(runCtx, "  finished: %s\n", exec.CompletedAt.Format(time.RFC3339))
	}
	if exec.Error != "" {
		fmt.Fprintf(runCtx, "  error:    %s\n", style.ErrorStyle.Render(exec.Error))
	}

	if len(checkpoints) == 0 {
		fmt.Fprintf(runCtx, "\nNo checkpoints recorded\n")
		return
	}

	fmt.Fprintf(runCtx, "\n")
	headers := []string{"#", "Step", "Status", "Duration", "Retries", "Error"}
	rows := make([][]string, 0, len(checkpoints))
	for _, cp := range checkpoints {
		duration := ""
		if cp.CompletedAt != nil {
			duration = formatDuration(cp.CompletedAt.Sub(cp.StartedAt))
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", cp.StepIndex),
			cp.StepName,
			cp.Status,
			duration,
			fmt.Sprintf("%d", cp.RetryCount),
			truncate(cp.Error, 50),
		})
	}
	printTable(runCtx.StdOut, headers, rows)
}

func showRunStats(runCtx execcontext.RunContext, st store.Store) {
	stats, err := st.GetStats(runCtx.Context, historyWorkflow)
	if err != nil {
		style.Error(runCtx.StdErr, fmt.Sprintf("Failed to aggregate stats: %v", err))
		os.Exit(1)
	}

	switch viper.GetString("output") {
	case "json":
		style.PrintJSON(runCtx.StdOut, stats)
	case "yaml":
		style.PrintYAML(runCtx.StdOut, stats)
	default:
		fmt.Fprintf(runCtx, "Runs:         %d\n", stats.Total)
		fmt.Fprintf(runCtx, "Completed:    %d\n", stats.Completed)
		fmt.Fprintf(runCtx, "Failed:       %d\n", stats.Failed)
		fmt.Fprintf(runCtx, "Running:      %d\n", stats.Running)
		fmt.Fprintf(runCtx, "Waiting:      %d\n", stats.Waiting)
		fmt.Fprintf(runCtx, "Cancelled:    %d\n", stats.Cancelled)
		fmt.Fprintf(runCtx, "Success rate: %.1f%%\n", stats.SuccessRate*100)
		fmt.Fprintf(runCtx, "Avg duration: %s\n", formatDuration(time.Duration(stats.AvgDurationMs)*time.Millisecond))
	}
}

func formatRunDuration(exec *store.Execution) string {
	if exec.CompletedAt == nil {
		return "-"
	}
	return formatDuration(exec.CompletedAt.Sub(exec.StartedAt))
}
