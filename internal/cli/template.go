package cli

import (
	"embed"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	"github.com/scottgl07/marktoflow-sub001/internal/style"
)

//go:embed templates/*.flow.md
var templateFS embed.FS

// ProjectTemplate is one scaffolding template shipped with the binary
type ProjectTemplate struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Workflow    string `json:"workflow" yaml:"workflow"`

	file string
}

var projectTemplates = map[string]ProjectTemplate{
	"basic": {
		Name:        "basic",
		Description: "Minimal two-step workflow (log + transform)",
		Workflow:    "hello.flow.md",
		file:        "templates/basic.flow.md",
	},
	"approval": {
		Name:        "approval",
		Description: "Human-in-the-loop release gate with a form wait",
		Workflow:    "release-approval.flow.md",
		file:        "templates/approval.flow.md",
	},
	"pipeline": {
		Name:        "pipeline",
		Description: "Fan-out health probes with batching, map and reduce",
		Workflow:    "service-health.flow.md",
		file:        "templates/pipeline.flow.md",
	},
}

// templateContent reads the embedded workflow document for a template
func templateContent(name string) ([]byte, error) {
	tmpl, ok := projectTemplates[name]
	if !ok {
		return nil, fmt.Errorf("unknown template %q", name)
	}
	return templateFS.ReadFile(tmpl.file)
}

// templateNames returns the template names in stable order
func templateNames() []string {
	names := make([]string, 0, len(projectTemplates))
	for name := range projectTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// templateCmd groups template subcommands
var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Inspect project templates",
}

// templateListCmd represents the template list command
var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available project templates",
	Long: `List the project templates available to marktoflow init.

Examples:
  marktoflow template list
  marktoflow init --template approval my-gate`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runCtx := execcontext.RunContext{
			Context: cmd.Context(),
			StdOut:  cmd.OutOrStdout(),
			StdErr:  cmd.ErrOrStderr(),
		}
		listTemplates(runCtx)
	},
}

func init() {
	rootCmd.AddCommand(templateCmd)
	templateCmd.AddCommand(templateListCmd)
}

func listTemplates(runCtx execcontext.RunContext) {
	templates := make([]ProjectTemplate, 0, len(projectTemplates))
	for _, name := range templateNames() {
		templates = append(templates, projectTemplates[name])
	}

	switch viper.GetString("output") {
	case "json":
		style.PrintJSON(runCtx.StdOut, templates)
		return
	case "yaml":
		style.PrintYAML(runCtx.StdOut, templates)
		return
	}

	headers := []string{"Template", "Workflow", "Description"}
	rows := make([][]string, 0, len(templates))
	for _, tmpl := range templates {
		rows = append(rows, []string{tmpl.Name, tmpl.Workflow, tmpl.Description})
	}
	printTable(runCtx.StdOut, headers, rows)
}
