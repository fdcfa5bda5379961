package parser

import (
	"fmt"
	"strings"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
)

// ExtractContext renders the source lines around a position for error
// reporting, marking the error line and pointing at the column
func ExtractContext(source []byte, position ast.Position, contextLines int) string {
	lines := strings.Split(string(source), "\n")

	if position.Line <= 0 || position.Line > len(lines) {
		return ""
	}

	start := max(0, position.Line-contextLines-1)
	end := min(len(lines), position.Line+contextLines)

	var context strings.Builder
	for i := start; i < end; i++ {
		lineNum := i + 1
		prefix := "   "
		if lineNum == position.Line {
			prefix = ">> "
		}

		fmt.Fprintf(&context, "%s%4d | %s\n", prefix, lineNum, lines[i])

		if lineNum == position.Line && position.Column > 0 {
			pointer := strings.Repeat(" ", 10+min(position.Column-1, len(lines[i]))) + "^"
			context.WriteString(pointer + "\n")
		}
	}

	return context.String()
}

// offsetSteps shifts step positions from block-relative to document
// coordinates and stamps the source file, recursing through control-flow
// children
func offsetSteps(steps []*ast.Step, delta int, file string) {
	for _, step := range steps {
		if step == nil {
			continue
		}
		if step.Position.Line > 0 {
			step.Position.Line += delta
		}
		step.Position.File = file
		for _, children := range step.ChildLists() {
			offsetSteps(children, delta, file)
		}
	}
}
