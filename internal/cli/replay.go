package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	"github.com/scottgl07/marktoflow-sub001/internal/style"
)

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:   "replay <runId>",
	Short: "Re-run a workflow with its recorded inputs",
	Long: `Re-run a recorded execution as a fresh run.

The workflow document is re-read from its recorded path and executed
with the inputs persisted for the original run; a new run id is
assigned. Inputs passed with -i override recorded values.

Examples:
  marktoflow replay 3f2a9c1e                # Replay with the recorded inputs
  marktoflow replay 3f2a9c1e -i env=prod    # Override one recorded input`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runCtx := execcontext.RunContext{
			Context: cmd.Context(),
			StdOut:  cmd.OutOrStdout(),
			StdErr:  cmd.ErrOrStderr(),
		}
		replayRun(runCtx, args[0])
	},
}

var replayInputs map[string]string

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringToStringVarP(&replayInputs, "input", "i", map[string]string{}, "input overrides (key=value)")
}

func replayRun(runCtx execcontext.RunContext, runID string) {
	st := openHistoryStore(runCtx)
	original := lookupRun(runCtx, st, runID)
	_ = st.Close()

	if original.WorkflowPath == "" {
		style.Error(runCtx.StdErr, fmt.Sprintf("Run %s has no recorded workflow path, cannot replay", shortRunID(original.RunID)))
		os.Exit(1)
	}
	if _, err := os.Stat(original.WorkflowPath); err != nil {
		style.Error(runCtx.StdErr, fmt.Sprintf("Workflow document %s is gone: %v", original.WorkflowPath, err))
		os.Exit(1)
	}

	inputs := make(map[string]interface{}, len(original.Inputs)+len(replayInputs))
	for k, v := range original.Inputs {
		inputs[k] = v
	}
	for k, v := range replayInputs {
		inputs[k] = v
	}

	if !viper.GetBool("quiet") && viper.GetString("output") == "text" {
		style.Info(runCtx.StdOut, fmt.Sprintf("Replaying run %s (%s)", shortRunID(original.RunID), original.WorkflowPath))
	}

	os.Exit(executeWorkflowRun(runCtx, original.WorkflowPath, inputs))
}
