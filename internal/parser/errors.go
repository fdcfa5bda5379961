package parser

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
)

// ParseError describes one problem in a workflow document. Position points
// into the original file (frontmatter and step block lines are already
// offset to document coordinates); Source, when set, lets Error render the
// surrounding lines.
type ParseError struct {
	Message    string       `json:"message"`
	Position   ast.Position `json:"position"`
	Suggestion string       `json:"suggestion,omitempty"`
	Source     []byte       `json:"-"`
}

// Error implements the error interface with position, suggestion and
// source context
func (e *ParseError) Error() string {
	var sb strings.Builder
	if e.Position.Line > 0 {
		fmt.Fprintf(&sb, "Parse error at %s: %s", e.Position, e.Message)
	} else {
		fmt.Fprintf(&sb, "Parse error: %s", e.Message)
	}

	if e.Suggestion != "" {
		fmt.Fprintf(&sb, "\nSuggestion: %s", e.Suggestion)
	}

	if len(e.Source) > 0 && e.Position.Line > 0 {
		if context := ExtractContext(e.Source, e.Position, 2); context != "" {
			fmt.Fprintf(&sb, "\n\n%s", context)
		}
	}

	return sb.String()
}

// Warning is a non-fatal finding reported alongside a successful parse
type Warning struct {
	Message  string       `json:"message"`
	Position ast.Position `json:"position"`
}

// String formats the warning with its position when one is known
func (w Warning) String() string {
	if w.Position.Line > 0 {
		return fmt.Sprintf("%s: %s", w.Position, w.Message)
	}
	return w.Message
}

// MultiError aggregates every error found in one document so a single
// parse reports all problems at once
type MultiError struct {
	Errors []*ParseError `json:"errors"`
}

// Error implements the error interface
func (m *MultiError) Error() string {
	switch len(m.Errors) {
	case 0:
		return "no errors"
	case 1:
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Multiple errors (%d):\n", len(m.Errors))
	for i, err := range m.Errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Add appends an error
func (m *MultiError) Add(err *ParseError) {
	m.Errors = append(m.Errors, err)
}

// HasErrors reports whether any error was recorded
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// ToError sorts the collected errors by position and returns the
// aggregate, or nil when the document was clean
func (m *MultiError) ToError() error {
	if !m.HasErrors() {
		return nil
	}
	sort.SliceStable(m.Errors, func(i, j int) bool {
		a, b := m.Errors[i].Position, m.Errors[j].Position
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Column < b.Column
	})
	if len(m.Errors) == 1 {
		return m.Errors[0]
	}
	return m
}

// yamlLinePattern matches the "line N" fragment yaml.v3 embeds in its
// error messages
var yamlLinePattern = regexp.MustCompile(`line (\d+)`)

// yamlErrorPosition recovers a document position from a yaml.v3 error.
// The library reports lines relative to the decoded fragment; delta shifts
// them to document coordinates.
func yamlErrorPosition(err error, delta int) ast.Position {
	match := yamlLinePattern.FindStringSubmatch(err.Error())
	if match == nil {
		return ast.Position{Line: delta + 1, Column: 1}
	}
	line := 0
	fmt.Sscanf(match[1], "%d", &line)
	return ast.Position{Line: line + delta, Column: 1}
}

// cleanYAMLError strips the "yaml: " prefix and collapses multi-line
// unmarshal reports to a single line per problem
func cleanYAMLError(err error) string {
	msg := strings.TrimPrefix(err.Error(), "yaml: ")
	msg = strings.TrimPrefix(msg, "unmarshal errors:\n")
	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.Join(lines, "; ")
}

// generateSuggestion maps recurring error patterns to actionable fixes.
// Unrecognized messages get no suggestion rather than a generic one.
func generateSuggestion(message string) string {
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "tab"), strings.Contains(lower, "indent"):
		return "YAML uses spaces for indentation, never tabs; nested keys indent two spaces"
	case strings.Contains(lower, "cannot unmarshal"):
		return "the value's type does not match the field; quote strings and leave numbers and booleans bare"
	case strings.Contains(lower, "already defined"), strings.Contains(lower, "duplicate"):
		return "every key in a YAML mapping and every step id in a workflow must be unique"
	case strings.Contains(lower, "not found in type"):
		return fmt.Sprintf("frontmatter accepts %s; steps belong in ```yaml blocks in the document body", strings.Join(frontmatterKeys, ", "))
	case strings.Contains(lower, "unknown kind"):
		return fmt.Sprintf("kind must be one of %s", strings.Join(stepKindNames, ", "))
	case strings.Contains(lower, "missing kind"):
		return "add an explicit kind (e.g. kind: action) when the step's keys do not identify one"
	case strings.Contains(lower, "version"):
		return `version follows semantic versioning, e.g. version: "1.0.0"`
	case strings.Contains(lower, "frontmatter"):
		return documentSkeleton
	}
	return ""
}

// frontmatterKeys lists the accepted top-level frontmatter fields, used in
// strict-mode unknown-field suggestions
var frontmatterKeys = []string{"id", "name", "version", "description", "inputs", "tools"}

// stepKindNames lists the step kinds for unknown-kind suggestions
var stepKindNames = []string{
	string(ast.StepKindAction), string(ast.StepKindWorkflow), string(ast.StepKindIf),
	string(ast.StepKindSwitch), string(ast.StepKindForEach), string(ast.StepKindWhile),
	string(ast.StepKindMap), string(ast.StepKindFilter), string(ast.StepKindReduce),
	string(ast.StepKindParallel), string(ast.StepKindTry), string(ast.StepKindScript),
	string(ast.StepKindWait), string(ast.StepKindMerge),
}

// documentSkeleton shows the minimal shape of a workflow document
const documentSkeleton = `a workflow document starts with a frontmatter header and defines steps in yaml blocks:

  ---
  id: my-workflow
  ---

  ` + "```yaml" + `
  steps:
    - id: greet
      uses: log.info
      with:
        message: hello
  ` + "```"
