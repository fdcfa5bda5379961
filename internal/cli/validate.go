package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	"github.com/scottgl07/marktoflow-sub001/internal/parser"
	"github.com/scottgl07/marktoflow-sub001/internal/style"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate [files or directories...]",
	Short: "Validate workflow documents",
	Long: `Validate workflow documents for syntax errors and semantic problems.

This command checks:
- Frontmatter and step block YAML syntax
- Step kinds and their payloads
- Step id uniqueness and tool references
- Template and condition expression syntax

Directories are searched recursively for *.flow.md files; with no
arguments the current directory is searched.

Examples:
  marktoflow validate deploy.flow.md        # Validate a single document
  marktoflow validate ./workflows           # Validate a directory tree
  marktoflow validate --output json .       # JSON output for CI`,
	Args: cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runCtx := execcontext.RunContext{
			Context: cmd.Context(),
			StdOut:  cmd.OutOrStdout(),
			StdErr:  cmd.ErrOrStderr(),
		}
		if code := validateWorkflows(runCtx, args); code != 0 {
			os.Exit(code)
		}
	},
}

var validateShowAll bool

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateShowAll, "show-all", false, "show valid documents as well as failures")
}

// ValidationResult is the outcome of validating one document
type ValidationResult struct {
	File     string        `json:"file" yaml:"file"`
	Valid    bool          `json:"valid" yaml:"valid"`
	Duration time.Duration `json:"duration_ms" yaml:"duration_ms"`
	Errors   []string      `json:"errors,omitempty" yaml:"errors,omitempty"`
	Warnings []string      `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// ValidationSummary aggregates the results of one validate invocation
type ValidationSummary struct {
	Total    int                `json:"total" yaml:"total"`
	Valid    int                `json:"valid" yaml:"valid"`
	Invalid  int                `json:"invalid" yaml:"invalid"`
	Duration time.Duration      `json:"total_duration_ms" yaml:"total_duration_ms"`
	Results  []ValidationResult `json:"results" yaml:"results"`
}

func newValidationResult(file string) *ValidationResult {
	return &ValidationResult{File: file, Valid: true}
}

// collectError flattens parser errors into display lines, one per
// finding
func (r *ValidationResult) collectError(err error) {
	r.Valid = false

	var multi *parser.MultiError
	if errors.As(err, &multi) {
		for _, parseErr := range multi.Errors {
			r.Errors = append(r.Errors, parseErr.Error())
		}
		return
	}
	r.Errors = append(r.Errors, err.Error())
}

// validateWorkflows checks every document the arguments name and returns
// the process exit code
func validateWorkflows(runCtx execcontext.RunContext, args []string) int {
	start := time.Now()

	files, err := collectWorkflowFiles(args)
	if err != nil {
		style.Error(runCtx.StdErr, fmt.Sprintf("Failed to collect files: %v", err))
		return 1
	}

	if len(files) == 0 {
		style.Warning(runCtx.StdErr, "No workflow documents found to validate")
		return 0
	}

	mdParser := parser.NewMarkdownParser()

	results := make([]ValidationResult, 0, len(files))
	for _, file := range files {
		result := validateSingleFile(mdParser, file)
		results = append(results, result)

		if !viper.GetBool("quiet") && viper.GetString("output") == "text" {
			if result.Valid {
				if validateShowAll {
					style.Success(runCtx.StdOut, fmt.Sprintf("%s (%s)", file, formatDuration(result.Duration)))
				}
			} else {
				style.Error(runCtx.StdOut, fmt.Sprintf("%s (%s)", file, formatDuration(result.Duration)))
				for _, errMsg := range result.Errors {
					fmt.Fprintf(runCtx, "  %s\n", indentLines(errMsg, "  "))
				}
			}
			for _, warning := range result.Warnings {
				style.Warning(runCtx.StdOut, fmt.Sprintf("%s: %s", file, warning))
			}
		}
	}

	summary := ValidationSummary{
		Total:    len(results),
		Duration: time.Since(start),
		Results:  results,
	}
	for _, result := range results {
		if result.Valid {
			summary.Valid++
		} else {
			summary.Invalid++
		}
	}

	switch viper.GetString("output") {
	case "json":
		style.PrintJSON(runCtx.StdOut, summary)
	case "yaml":
		style.PrintYAML(runCtx.StdOut, summary)
	default:
		printValidationSummary(runCtx, summary)
	}

	if summary.Invalid > 0 {
		return 1
	}
	return 0
}

func validateSingleFile(p *parser.MarkdownParser, filename string) ValidationResult {
	start := time.Now()
	result := newValidationResult(filename)

	parsed, err := p.ParseFile(filename)
	result.Duration = time.Since(start)

	if err != nil {
		result.collectError(err)
		return *result
	}

	for _, warning := range parsed.Warnings {
		result.Warnings = append(result.Warnings, warning.String())
	}

	log.Debug().
		Str("file", filename).
		Bool("valid", result.Valid).
		Dur("duration", result.Duration).
		Msg("Validated workflow document")

	return *result
}

// collectWorkflowFiles expands the arguments into the list of documents
// to validate. Directories are searched recursively; no arguments means
// the current directory.
func collectWorkflowFiles(args []string) ([]string, error) {
	if len(args) == 0 {
		args = []string{"."}
	}

	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", arg, err)
		}

		if info.IsDir() {
			discovered, err := parser.DiscoverWorkflows(arg)
			if err != nil {
				return nil, fmt.Errorf("searching %s: %w", arg, err)
			}
			files = append(files, discovered...)
			continue
		}

		if !isWorkflowFile(arg) {
			return nil, fmt.Errorf("%s is not a workflow document (want *.flow.md)", arg)
		}
		files = append(files, arg)
	}

	return files, nil
}

func isWorkflowFile(filename string) bool {
	return strings.HasSuffix(filepath.Base(filename), ".flow.md")
}

func indentLines(s, prefix string) string {
	return strings.ReplaceAll(s, "\n", "\n"+prefix)
}

func printValidationSummary(runCtx execcontext.RunContext, summary ValidationSummary) {
	if viper.GetBool("quiet") {
		return
	}

	fmt.Fprintf(runCtx, "\n")
	if summary.Invalid == 0 {
		style.Success(runCtx.StdOut, fmt.Sprintf("All %d workflow(s) are valid (%s)", summary.Total, formatDuration(summary.Duration)))
	} else {
		style.Error(runCtx.StdOut, fmt.Sprintf("%d of %d workflow(s) failed validation (%s)", summary.Invalid, summary.Total, formatDuration(summary.Duration)))
	}

	if viper.GetBool("verbose") {
		fmt.Fprintf(runCtx, "\n")
		headers := []string{"File", "Status", "Duration"}
		rows := make([][]string, len(summary.Results))
		for i, result := range summary.Results {
			status := "valid"
			if !result.Valid {
				status = "invalid"
			}
			rows[i] = []string{result.File, status, formatDuration(result.Duration)}
		}
		printTable(runCtx.StdOut, headers, rows)
	}
}
