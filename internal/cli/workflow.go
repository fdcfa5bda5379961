package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	"github.com/scottgl07/marktoflow-sub001/internal/parser"
	"github.com/scottgl07/marktoflow-sub001/internal/style"
)

// workflowCmd groups workflow inspection subcommands
var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Inspect workflow documents",
}

// workflowListCmd represents the workflow list command
var workflowListCmd = &cobra.Command{
	Use:   "list [dir]",
	Short: "List workflow documents",
	Long: `List the workflow documents found under a directory.

The directory tree is searched for *.flow.md files; each document is
parsed so the listing can show its id, name, version and step count.
Documents that fail to parse are listed with their first error.

Examples:
  marktoflow workflow list                # Search the current directory
  marktoflow workflow list ./workflows    # Search a specific tree
  marktoflow workflow list --output json  # Machine-readable listing`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runCtx := execcontext.RunContext{
			Context: cmd.Context(),
			StdOut:  cmd.OutOrStdout(),
			StdErr:  cmd.ErrOrStderr(),
		}
		root := "."
		if len(args) > 0 {
			root = args[0]
		}
		listWorkflows(runCtx, root)
	},
}

func init() {
	rootCmd.AddCommand(workflowCmd)
	workflowCmd.AddCommand(workflowListCmd)
}

// WorkflowListing is one discovered document in the listing
type WorkflowListing struct {
	Path    string `json:"path" yaml:"path"`
	ID      string `json:"id,omitempty" yaml:"id,omitempty"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Steps   int    `json:"steps" yaml:"steps"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

func listWorkflows(runCtx execcontext.RunContext, root string) {
	paths, err := parser.DiscoverWorkflows(root)
	if err != nil {
		style.Error(runCtx.StdErr, fmt.Sprintf("Failed to search %s: %v", root, err))
		os.Exit(1)
	}

	mdParser := parser.NewMarkdownParser()
	listings := make([]WorkflowListing, 0, len(paths))
	for _, path := range paths {
		listing := WorkflowListing{Path: path}
		parsed, err := mdParser.ParseFile(path)
		if err != nil {
			listing.Error = firstLine(err.Error())
		} else {
			listing.ID = parsed.Workflow.ID
			listing.Name = parsed.Workflow.Name
			listing.Version = parsed.Workflow.Version
			listing.Steps = len(parsed.Workflow.Steps)
		}
		listings = append(listings, listing)
	}

	switch viper.GetString("output") {
	case "json":
		style.PrintJSON(runCtx.StdOut, listings)
		return
	case "yaml":
		style.PrintYAML(runCtx.StdOut, listings)
		return
	}

	if len(listings) == 0 {
		style.Info(runCtx.StdOut, fmt.Sprintf("No workflow documents under %s", root))
		return
	}

	headers := []string{"ID", "Name", "Version", "Steps", "Path"}
	rows := make([][]string, 0, len(listings))
	for _, listing := range listings {
		if listing.Error != "" {
			rows = append(rows, []string{
				style.ErrorStyle.Render("invalid"), truncate(listing.Error, 40), "", "", listing.Path,
			})
			continue
		}
		rows = append(rows, []string{
			listing.ID,
			truncate(listing.Name, 30),
			listing.Version,
			fmt.Sprintf("%d", listing.Steps),
			listing.Path,
		})
	}
	printTable(runCtx.StdOut, headers, rows)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
