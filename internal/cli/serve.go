package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	"github.com/scottgl07/marktoflow-sub001/internal/server"
	"github.com/scottgl07/marktoflow-sub001/internal/style"
)

var (
	// Serve command flags
	servePort        int
	serveHost        string
	serveConcurrency int
	serveWorkflowDir string
	serveMetrics     bool
	serveCORS        bool
	serveScheduler   time.Duration
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve [workflow files...]",
	Short: "Start the HTTP server",
	Long: `Start an HTTP server that executes workflows over a REST API.

The server provides:
- REST API for starting, cancelling and resuming executions
- Webhook and form endpoints that resume suspended runs
- WebSocket streaming of run progress events
- A scheduler that resumes duration waits when they come due
- Prometheus metrics endpoint

Examples:
  marktoflow serve deploy.flow.md                 # Serve one workflow
  marktoflow serve --workflow-dir ./workflows     # Serve a directory tree
  marktoflow serve --port 9090 --host 0.0.0.0     # Custom bind address`,
	Run: func(cmd *cobra.Command, args []string) {
		runCtx := execcontext.RunContext{
			Context: cmd.Context(),
			StdOut:  cmd.OutOrStdout(),
			StdErr:  cmd.ErrOrStderr(),
		}
		startServer(runCtx, args)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "server port")
	serveCmd.Flags().StringVar(&serveHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVar(&serveConcurrency, "concurrency", 10, "maximum concurrent executions")
	serveCmd.Flags().StringVar(&serveWorkflowDir, "workflow-dir", "", "directory searched for *.flow.md documents")
	serveCmd.Flags().BoolVar(&serveMetrics, "metrics", true, "enable the Prometheus metrics endpoint")
	serveCmd.Flags().BoolVar(&serveCORS, "cors", true, "enable CORS headers")
	serveCmd.Flags().DurationVar(&serveScheduler, "scheduler-interval", 15*time.Second, "how often due duration waits are resumed")
}

func startServer(runCtx execcontext.RunContext, workflowFiles []string) {
	if len(workflowFiles) == 0 && serveWorkflowDir == "" {
		serveWorkflowDir = "."
	}

	config := &server.Config{
		Host:              serveHost,
		Port:              servePort,
		Concurrency:       serveConcurrency,
		StateDir:          viper.GetString("state-dir"),
		WorkflowFiles:     workflowFiles,
		WorkflowDir:       serveWorkflowDir,
		EnableMetrics:     serveMetrics,
		EnableCORS:        serveCORS,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		SchedulerInterval: serveScheduler,
	}

	srv, err := server.New(config)
	if err != nil {
		style.Error(runCtx.StdErr, fmt.Sprintf("Failed to create server: %v", err))
		os.Exit(1)
	}

	if err := srv.LoadWorkflows(); err != nil {
		style.Error(runCtx.StdErr, fmt.Sprintf("Failed to load workflows: %v", err))
		os.Exit(1)
	}

	if !viper.GetBool("quiet") {
		style.Success(runCtx.StdOut, fmt.Sprintf("marktoflow server starting at http://%s", srv.GetAddr()))
		fmt.Fprintf(runCtx, "Loaded workflows: %d\n", srv.GetWorkflowCount())
		fmt.Fprintf(runCtx, "API: http://%s/api/v1/workflows\n", srv.GetAddr())
		if serveMetrics {
			fmt.Fprintf(runCtx, "Metrics: http://%s/metrics\n", srv.GetAddr())
		}
	}

	if err := srv.StartWithGracefulShutdown(); err != nil {
		style.Error(runCtx.StdErr, fmt.Sprintf("Server error: %v", err))
		os.Exit(1)
	}
}
