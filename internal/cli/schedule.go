package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scottgl07/marktoflow-sub001/internal/engine"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	"github.com/scottgl07/marktoflow-sub001/internal/store"
	"github.com/scottgl07/marktoflow-sub001/internal/style"
)

// scheduleCmd groups wait scheduling subcommands
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect pending wait resumptions",
}

// scheduleListCmd represents the schedule list command
var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs waiting to be resumed",
	Long: `List suspended runs and when or how each one resumes.

Duration waits resume automatically once their deadline passes and a
server is running; webhook and form waits resume when their endpoint is
called with the listed token.

Examples:
  marktoflow schedule list                # All suspended runs
  marktoflow schedule list --due          # Only duration waits already due`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runCtx := execcontext.RunContext{
			Context: cmd.Context(),
			StdOut:  cmd.OutOrStdout(),
			StdErr:  cmd.ErrOrStderr(),
		}
		listSchedule(runCtx)
	},
}

var scheduleDueOnly bool

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleListCmd)

	scheduleListCmd.Flags().BoolVar(&scheduleDueOnly, "due", false, "show only duration waits whose deadline has passed")
}

// PendingResumption is one suspended run in the schedule listing
type PendingResumption struct {
	RunID      string `json:"run_id" yaml:"run_id"`
	WorkflowID string `json:"workflow_id" yaml:"workflow_id"`
	StepID     string `json:"step_id" yaml:"step_id"`
	Mode       string `json:"mode" yaml:"mode"`
	ResumeAt   string `json:"resume_at,omitempty" yaml:"resume_at,omitempty"`
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	Due        bool   `json:"due" yaml:"due"`
}

func listSchedule(runCtx execcontext.RunContext) {
	st := openHistoryStore(runCtx)
	defer func() { _ = st.Close() }()

	waiting, err := st.ListExecutions(runCtx.Context, store.ExecutionFilter{Status: engine.StatusWaiting})
	if err != nil {
		style.Error(runCtx.StdErr, fmt.Sprintf("Failed to list waiting runs: %v", err))
		os.Exit(1)
	}

	now := time.Now()
	pending := make([]PendingResumption, 0, len(waiting))
	for _, exec := range waiting {
		suspension, _ := exec.Metadata["suspension"].(map[string]interface{})
		if suspension == nil {
			continue
		}

		entry := PendingResumption{
			RunID:      exec.RunID,
			WorkflowID: exec.WorkflowID,
		}
		entry.StepID, _ = exec.Metadata["wait_step_id"].(string)
		entry.Mode, _ = suspension["mode"].(string)
		entry.Path, _ = suspension["path"].(string)
		entry.ResumeAt, _ = suspension["resume_at"].(string)

		if entry.ResumeAt != "" {
			if resumeAt, err := time.Parse(time.RFC3339, entry.ResumeAt); err == nil {
				entry.Due = !now.Before(resumeAt)
			}
		}

		if scheduleDueOnly && !(entry.Mode == "duration" && entry.Due) {
			continue
		}
		pending = append(pending, entry)
	}

	switch viper.GetString("output") {
	case "json":
		style.PrintJSON(runCtx.StdOut, pending)
		return
	case "yaml":
		style.PrintYAML(runCtx.StdOut, pending)
		return
	}

	if len(pending) == 0 {
		style.Info(runCtx.StdOut, "No pending resumptions")
		return
	}

	headers := []string{"Run", "Workflow", "Step", "Mode", "Resumes"}
	rows := make([][]string, 0, len(pending))
	for _, entry := range pending {
		resumes := entry.Path
		switch {
		case entry.Mode == "duration" && entry.Due:
			resumes = "due now"
		case entry.Mode == "duration":
			resumes = entry.ResumeAt
		}
		rows = append(rows, []string{
			shortRunID(entry.RunID),
			truncate(entry.WorkflowID, 30),
			entry.StepID,
			entry.Mode,
			resumes,
		})
	}
	printTable(runCtx.StdOut, headers, rows)
}
