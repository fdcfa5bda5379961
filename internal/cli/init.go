package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	"github.com/scottgl07/marktoflow-sub001/internal/style"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init [project-name]",
	Short: "Initialize a new marktoflow project",
	Long: `Initialize a new marktoflow project directory.

This command creates:
- The project directory with an example workflow document
- The .marktoflow state directory and configuration file
- A README with getting started instructions

Run 'marktoflow template list' to see the available templates.

Examples:
  marktoflow init my-project                     # Basic template
  marktoflow init --template approval my-gate    # Form-wait template
  marktoflow init --force my-project             # Overwrite existing files`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runCtx := execcontext.RunContext{
			Context: cmd.Context(),
			StdOut:  cmd.OutOrStdout(),
			StdErr:  cmd.ErrOrStderr(),
		}
		projectName := "marktoflow-project"
		if len(args) > 0 {
			projectName = args[0]
		}
		initializeProject(runCtx, projectName)
	},
}

var (
	initTemplate string
	initForce    bool
)

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVarP(&initTemplate, "template", "t", "basic", "project template (see 'marktoflow template list')")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing project directory")
}

func initializeProject(runCtx execcontext.RunContext, projectName string) {
	if !isValidProjectName(projectName) {
		style.Error(runCtx.StdErr, "Project name must contain only letters, numbers, hyphens, and underscores")
		os.Exit(1)
	}

	tmpl, exists := projectTemplates[initTemplate]
	if !exists {
		style.Error(runCtx.StdErr, fmt.Sprintf("Unknown template: %s", initTemplate))
		fmt.Fprintln(runCtx, "Available templates:")
		for _, name := range templateNames() {
			fmt.Fprintf(runCtx, "  %s: %s\n", name, projectTemplates[name].Description)
		}
		os.Exit(1)
	}

	if _, err := os.Stat(projectName); err == nil && !initForce {
		style.Error(runCtx.StdErr, fmt.Sprintf("Directory %s already exists, use --force to overwrite", projectName))
		os.Exit(1)
	}

	style.Info(runCtx.StdOut, fmt.Sprintf("Creating project %s from template %s", projectName, tmpl.Name))

	stateDirPath := filepath.Join(projectName, ".marktoflow")
	if err := os.MkdirAll(stateDirPath, 0o755); err != nil {
		style.Error(runCtx.StdErr, fmt.Sprintf("Failed to create project directory: %v", err))
		os.Exit(1)
	}

	workflow, err := templateContent(initTemplate)
	if err != nil {
		style.Error(runCtx.StdErr, fmt.Sprintf("Failed to load template: %v", err))
		os.Exit(1)
	}

	files := map[string][]byte{
		filepath.Join(projectName, tmpl.Workflow):  workflow,
		filepath.Join(stateDirPath, "config.yaml"): []byte(defaultProjectConfig),
		filepath.Join(projectName, "README.md"):    []byte(projectReadme(projectName, tmpl)),
		filepath.Join(projectName, ".gitignore"):   []byte(projectGitignore),
	}
	for path, content := range files {
		if err := os.WriteFile(path, content, 0o644); err != nil {
			style.Error(runCtx.StdErr, fmt.Sprintf("Failed to create %s: %v", path, err))
			os.Exit(1)
		}
	}

	style.Success(runCtx.StdOut, fmt.Sprintf("Project %s created", projectName))
	fmt.Fprintf(runCtx, "\nNext steps:\n")
	fmt.Fprintf(runCtx, "  cd %s\n", projectName)
	fmt.Fprintf(runCtx, "  marktoflow validate %s\n", tmpl.Workflow)
	fmt.Fprintf(runCtx, "  marktoflow run %s\n", tmpl.Workflow)
}

func isValidProjectName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

func projectReadme(projectName string, tmpl ProjectTemplate) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", projectName)
	fmt.Fprintf(&sb, "%s.\n\n", tmpl.Description)
	sb.WriteString("## Getting started\n\n")
	fmt.Fprintf(&sb, "Validate the workflow document:\n\n    marktoflow validate %s\n\n", tmpl.Workflow)
	fmt.Fprintf(&sb, "Run it:\n\n    marktoflow run %s\n\n", tmpl.Workflow)
	sb.WriteString("Inspect past runs:\n\n    marktoflow history\n\n")
	sb.WriteString("## Configuration\n\n")
	sb.WriteString("Project settings live in `.marktoflow/config.yaml`; run history\n")
	sb.WriteString("is kept in `.marktoflow/state.db`. Environment variables prefixed\n")
	sb.WriteString("with `MARKTOFLOW_` override configuration keys.\n")
	return sb.String()
}

const defaultProjectConfig = `# marktoflow project configuration

# Logging: disabled, debug, info, warn, error
log-level: disabled

# Output format for commands: text, json, yaml
output: text

# Where run history is kept, relative to the working directory
state-dir: .
`

const projectGitignore = `# marktoflow state
.marktoflow/state.db
.marktoflow/state.db-*
*.log

# Environment
.env
.env.local

# OS
.DS_Store
`
