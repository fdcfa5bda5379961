package expression

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

// CheckTemplate statically checks a template string without evaluating it.
// Every {{ expression }} segment must compile; dotted paths are resolved
// dynamically at run time and are not compiled. Text without interpolation
// markers always passes.
func CheckTemplate(template string) error {
	if strings.Contains(template, "{%") {
		tokens := tokenizeBlocks(template)
		if _, rest, ok := parseNodes(tokens, nil); !ok || len(rest) != 0 {
			return fmt.Errorf("unbalanced {%% %%} blocks")
		}
	}

	stripped := interpPattern.ReplaceAllString(template, "")
	if strings.Contains(stripped, "{{") || strings.Contains(stripped, "}}") {
		return fmt.Errorf("unbalanced {{ }} delimiters")
	}

	for _, match := range interpPattern.FindAllStringSubmatch(template, -1) {
		inner := strings.TrimSpace(match[1])
		if inner == "" || IsPath(inner) {
			continue
		}
		if _, err := expr.Compile(inner, expr.AllowUndefinedVariables()); err != nil {
			return fmt.Errorf("invalid expression %q: %w", inner, compileError(err))
		}
	}
	return nil
}

// CheckExpression statically checks a condition or expression field, which
// may be a template, a bare expression, or a dotted path.
func CheckExpression(expression string) error {
	if expression == "" {
		return nil
	}
	if strings.Contains(expression, "{{") || strings.Contains(expression, "{%") {
		return CheckTemplate(expression)
	}
	if IsPath(expression) {
		return nil
	}
	if _, err := expr.Compile(expression, expr.AllowUndefinedVariables()); err != nil {
		return fmt.Errorf("invalid expression %q: %w", expression, compileError(err))
	}
	return nil
}

// compileError reduces expr's multi-line compile diagnostics to their first
// line so positions in the workflow document stay readable
func compileError(err error) error {
	msg := err.Error()
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	return fmt.Errorf("%s", msg)
}
