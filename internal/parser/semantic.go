package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/scottgl07/marktoflow-sub001/internal/adapter"
	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/expression"
)

var (
	workflowIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
	variablePattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// inputTypes are the declared-input types the execution engine coerces
var inputTypes = map[string]bool{
	"string": true, "number": true, "integer": true,
	"boolean": true, "bool": true,
	"array": true, "list": true,
	"object": true, "map": true,
}

var knownKinds = map[ast.StepKind]bool{
	ast.StepKindAction: true, ast.StepKindWorkflow: true, ast.StepKindIf: true,
	ast.StepKindSwitch: true, ast.StepKindForEach: true, ast.StepKindWhile: true,
	ast.StepKindMap: true, ast.StepKindFilter: true, ast.StepKindReduce: true,
	ast.StepKindParallel: true, ast.StepKindTry: true, ast.StepKindScript: true,
	ast.StepKindWait: true, ast.StepKindMerge: true,
}

// SemanticValidator checks an assembled workflow for the problems the YAML
// layer cannot see: duplicate step ids, incomplete step payloads, invalid
// expressions, dangling tool references.
type SemanticValidator struct {
	adapters map[string]bool
}

// NewSemanticValidator creates a validator. knownAdapters names the
// adapters that resolve without a tool declaration; references to anything
// else produce a warning, not an error, since embedders can register
// adapters the parser never sees.
func NewSemanticValidator(knownAdapters ...string) *SemanticValidator {
	adapters := make(map[string]bool, len(knownAdapters))
	for _, name := range knownAdapters {
		adapters[name] = true
	}
	return &SemanticValidator{adapters: adapters}
}

// Validate checks the workflow and returns warnings plus any errors found.
// All problems are collected; the first error does not stop the pass.
func (sv *SemanticValidator) Validate(workflow *ast.Workflow) ([]Warning, []*ParseError) {
	v := &validation{
		sv:        sv,
		workflow:  workflow,
		stepIDs:   make(map[string]ast.Position),
		usedTools: make(map[string]bool),
	}

	v.validateHeader()
	v.validateSteps(workflow.Steps, false)
	v.validateToolUsage()

	return v.warnings, v.errs
}

// validation accumulates findings for one workflow
type validation struct {
	sv        *SemanticValidator
	workflow  *ast.Workflow
	stepIDs   map[string]ast.Position
	usedTools map[string]bool
	warnings  []Warning
	errs      []*ParseError
}

func (v *validation) errorf(pos ast.Position, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	v.errs = append(v.errs, &ParseError{
		Message:    message,
		Position:   pos,
		Suggestion: generateSuggestion(message),
	})
}

func (v *validation) warnf(pos ast.Position, format string, args ...interface{}) {
	v.warnings = append(v.warnings, Warning{
		Message:  fmt.Sprintf(format, args...),
		Position: pos,
	})
}

func (v *validation) validateHeader() {
	w := v.workflow

	if w.ID == "" {
		v.errorf(w.Position, "workflow frontmatter requires an id")
	} else if !workflowIDPattern.MatchString(w.ID) {
		v.errorf(w.Position, "invalid workflow id %q: use letters, digits, hyphens and underscores", w.ID)
	}

	if w.Version != "" {
		if _, err := semver.NewVersion(w.Version); err != nil {
			v.errorf(w.Position, "invalid version %q: not a semantic version", w.Version)
		}
	}

	for name, input := range w.Inputs {
		if input == nil {
			continue
		}
		if !variablePattern.MatchString(name) {
			v.errorf(input.Position, "invalid input name %q", name)
		}
		if input.Type != "" && !inputTypes[input.Type] {
			v.warnf(input.Position, "input %q has unrecognized type %q, values will pass through unchecked", name, input.Type)
		}
		if input.Pattern != "" {
			if _, err := regexp.Compile(input.Pattern); err != nil {
				v.errorf(input.Position, "input %q has an invalid pattern: %v", name, err)
			}
		}
		if input.Required && input.HasDefault() {
			v.warnf(input.Position, "input %q is required but has a default, the default makes it optional in practice", name)
		}
	}

	for name, tool := range w.Tools {
		if tool == nil {
			continue
		}
		if tool.Uses == "" {
			v.errorf(tool.Position, "tool %q requires uses naming its adapter", name)
		}
	}

	if len(w.Steps) == 0 {
		v.errorf(w.Position, "workflow has no steps: add at least one ```yaml block with a steps list")
	}
}

// validateSteps walks a step list, recursing through control-flow
// children. inParallel tracks whether the walk is inside a parallel
// branch, where wait steps cannot suspend.
func (v *validation) validateSteps(steps []*ast.Step, inParallel bool) {
	for _, step := range steps {
		if step == nil {
			continue
		}
		v.validateStep(step, inParallel)
	}
}

func (v *validation) validateStep(step *ast.Step, inParallel bool) {
	if step.ID == "" {
		v.errorf(step.Position, "step is missing an id")
	} else if !workflowIDPattern.MatchString(step.ID) {
		v.errorf(step.Position, "invalid step id %q: use letters, digits, hyphens and underscores", step.ID)
	} else if first, seen := v.stepIDs[step.ID]; seen {
		v.errorf(step.Position, "duplicate step id %q, first defined at line %d", step.ID, first.Line)
	} else {
		v.stepIDs[step.ID] = step.Position
	}

	if step.Output != "" && !variablePattern.MatchString(step.Output) {
		v.errorf(step.Position, "step %q output %q is not a valid variable name", step.ID, step.Output)
	}

	for _, condition := range step.Conditions {
		if err := expression.CheckExpression(condition); err != nil {
			v.errorf(step.Position, "step %q condition: %v", step.ID, err)
		}
	}

	if step.Retry != nil {
		if step.Retry.MaxRetries < 0 {
			v.errorf(step.Position, "step %q retry max_retries cannot be negative", step.ID)
		} else if step.Retry.MaxRetries > 10 {
			v.warnf(step.Position, "step %q retries up to %d times, long retry chains delay failure reporting", step.ID, step.Retry.MaxRetries)
		}
	}
	if step.Timeout != nil && step.Timeout.Duration <= 0 {
		v.errorf(step.Position, "step %q timeout must be positive", step.ID)
	}

	if !knownKinds[step.Kind] {
		v.errorf(step.Position, "step %q has unknown kind %q", step.ID, step.Kind)
		return
	}
	if !hasPayload(step) {
		v.errorf(step.Position, "step %q is missing its %s payload", step.ID, step.Kind)
		return
	}

	switch step.Kind {
	case ast.StepKindAction:
		v.validateAction(step)
	case ast.StepKindWorkflow:
		v.validateWorkflowStep(step)
	case ast.StepKindIf:
		v.validateIf(step, inParallel)
	case ast.StepKindSwitch:
		v.validateSwitch(step, inParallel)
	case ast.StepKindForEach:
		v.validateForEach(step, inParallel)
	case ast.StepKindWhile:
		v.validateWhile(step, inParallel)
	case ast.StepKindMap:
		v.validateMap(step)
	case ast.StepKindFilter:
		v.validateFilter(step)
	case ast.StepKindReduce:
		v.validateReduce(step)
	case ast.StepKindParallel:
		v.validateParallel(step)
	case ast.StepKindTry:
		v.validateTry(step, inParallel)
	case ast.StepKindScript:
		if step.Script.Code == "" {
			v.errorf(step.Position, "script step %q requires code", step.ID)
		}
	case ast.StepKindWait:
		v.validateWait(step, inParallel)
	case ast.StepKindMerge:
		v.validateMerge(step)
	}
}

// hasPayload reports whether the payload matching the step's kind is
// populated. Parsed steps always carry one; hand-built ASTs may not.
func hasPayload(step *ast.Step) bool {
	switch step.Kind {
	case ast.StepKindAction:
		return step.Action != nil
	case ast.StepKindWorkflow:
		return step.Workflow != nil
	case ast.StepKindIf:
		return step.If != nil
	case ast.StepKindSwitch:
		return step.Switch != nil
	case ast.StepKindForEach:
		return step.ForEach != nil
	case ast.StepKindWhile:
		return step.While != nil
	case ast.StepKindMap:
		return step.Map != nil
	case ast.StepKindFilter:
		return step.Filter != nil
	case ast.StepKindReduce:
		return step.Reduce != nil
	case ast.StepKindParallel:
		return step.Parallel != nil
	case ast.StepKindTry:
		return step.Try != nil
	case ast.StepKindScript:
		return step.Script != nil
	case ast.StepKindWait:
		return step.Wait != nil
	case ast.StepKindMerge:
		return step.Merge != nil
	default:
		return false
	}
}

func (v *validation) validateAction(step *ast.Step) {
	action := step.Action
	if action.Uses == "" {
		v.errorf(step.Position, "action step %q requires uses", step.ID)
		return
	}

	name, _ := adapter.SplitUses(action.Uses)
	v.usedTools[name] = true
	if _, declared := v.workflow.GetTool(name); !declared && !v.sv.adapters[name] {
		v.warnf(step.Position, "step %q uses %q which is neither a declared tool nor a builtin adapter", step.ID, name)
	}

	v.checkTemplates(step, action.With)
}

func (v *validation) validateWorkflowStep(step *ast.Step) {
	if step.Workflow.Path == "" {
		v.errorf(step.Position, "workflow step %q requires a workflow path", step.ID)
	}
	v.checkTemplates(step, step.Workflow.Inputs)
}

func (v *validation) validateIf(step *ast.Step, inParallel bool) {
	cond := step.If
	if cond.Condition == "" {
		v.errorf(step.Position, "if step %q requires a condition", step.ID)
	} else if err := expression.CheckExpression(cond.Condition); err != nil {
		v.errorf(step.Position, "if step %q: %v", step.ID, err)
	}
	if len(cond.Then) == 0 && len(cond.Else) == 0 {
		v.errorf(step.Position, "if step %q requires a then or else block", step.ID)
	}
	v.validateSteps(cond.Then, inParallel)
	v.validateSteps(cond.Else, inParallel)
}

func (v *validation) validateSwitch(step *ast.Step, inParallel bool) {
	sw := step.Switch
	if sw.Expression == "" {
		v.errorf(step.Position, "switch step %q requires an expression", step.ID)
	} else if err := expression.CheckExpression(sw.Expression); err != nil {
		v.errorf(step.Position, "switch step %q: %v", step.ID, err)
	}
	if len(sw.Cases) == 0 && len(sw.Default) == 0 {
		v.errorf(step.Position, "switch step %q requires cases or a default block", step.ID)
	}
	for _, caseSteps := range sw.Cases {
		v.validateSteps(caseSteps, inParallel)
	}
	v.validateSteps(sw.Default, inParallel)
}

func (v *validation) validateForEach(step *ast.Step, inParallel bool) {
	loop := step.ForEach
	if loop.Items == nil {
		v.errorf(step.Position, "for_each step %q requires items", step.ID)
	}
	v.checkItems(step, loop.Items)
	if len(loop.Steps) == 0 {
		v.errorf(step.Position, "for_each step %q requires steps", step.ID)
	}
	if loop.BatchSize < 0 {
		v.errorf(step.Position, "for_each step %q batch_size cannot be negative", step.ID)
	}
	if loop.PauseBetweenBatches < 0 {
		v.errorf(step.Position, "for_each step %q pause_between_batches cannot be negative", step.ID)
	}
	v.checkErrorHandling(step, loop.ErrorHandling)
	v.validateSteps(loop.Steps, inParallel)
}

func (v *validation) validateWhile(step *ast.Step, inParallel bool) {
	loop := step.While
	if loop.Condition == "" {
		v.errorf(step.Position, "while step %q requires a condition", step.ID)
	} else if err := expression.CheckExpression(loop.Condition); err != nil {
		v.errorf(step.Position, "while step %q: %v", step.ID, err)
	}
	if len(loop.Steps) == 0 {
		v.errorf(step.Position, "while step %q requires steps", step.ID)
	}
	if loop.MaxIterations != nil && *loop.MaxIterations <= 0 {
		v.errorf(step.Position, "while step %q max_iterations must be positive", step.ID)
	}
	v.checkErrorHandling(step, loop.ErrorHandling)
	v.validateSteps(loop.Steps, inParallel)
}

func (v *validation) validateMap(step *ast.Step) {
	m := step.Map
	if m.Items == nil {
		v.errorf(step.Position, "map step %q requires items", step.ID)
	}
	v.checkItems(step, m.Items)
	if m.Expression == "" {
		v.errorf(step.Position, "map step %q requires an expression", step.ID)
	} else if err := expression.CheckExpression(m.Expression); err != nil {
		v.errorf(step.Position, "map step %q: %v", step.ID, err)
	}
}

func (v *validation) validateFilter(step *ast.Step) {
	f := step.Filter
	if f.Items == nil {
		v.errorf(step.Position, "filter step %q requires items", step.ID)
	}
	v.checkItems(step, f.Items)
	if f.Condition == "" {
		v.errorf(step.Position, "filter step %q requires a condition", step.ID)
	} else if err := expression.CheckExpression(f.Condition); err != nil {
		v.errorf(step.Position, "filter step %q: %v", step.ID, err)
	}
}

func (v *validation) validateReduce(step *ast.Step) {
	r := step.Reduce
	if r.Items == nil {
		v.errorf(step.Position, "reduce step %q requires items", step.ID)
	}
	v.checkItems(step, r.Items)
	if r.Expression == "" {
		v.errorf(step.Position, "reduce step %q requires an expression", step.ID)
	} else if err := expression.CheckExpression(r.Expression); err != nil {
		v.errorf(step.Position, "reduce step %q: %v", step.ID, err)
	}
}

func (v *validation) validateParallel(step *ast.Step) {
	par := step.Parallel
	if len(par.Branches) == 0 {
		v.errorf(step.Position, "parallel step %q requires branches", step.ID)
	}
	if par.MaxConcurrent < 0 {
		v.errorf(step.Position, "parallel step %q max_concurrent cannot be negative", step.ID)
	}
	if par.OnError != "" && par.OnError != "stop" && par.OnError != "continue" {
		v.errorf(step.Position, `parallel step %q on_error must be "stop" or "continue"`, step.ID)
	}
	for _, branch := range par.Branches {
		if branch == nil {
			continue
		}
		if len(branch.Steps) == 0 {
			v.errorf(step.Position, "parallel step %q branch %q has no steps", step.ID, branch.ID)
		}
		v.validateSteps(branch.Steps, true)
	}
}

func (v *validation) validateTry(step *ast.Step, inParallel bool) {
	try := step.Try
	if len(try.Try) == 0 {
		v.errorf(step.Position, "try step %q requires try steps", step.ID)
	}
	v.validateSteps(try.Try, inParallel)
	v.validateSteps(try.Catch, inParallel)
	v.validateSteps(try.Finally, inParallel)
}

func (v *validation) validateWait(step *ast.Step, inParallel bool) {
	wait := step.Wait
	switch wait.Mode {
	case "duration":
		if wait.Duration == "" {
			v.errorf(step.Position, "wait step %q duration mode requires a duration", step.ID)
		} else {
			v.checkWaitDuration(step, wait.Duration)
		}
	case "webhook":
		if wait.Path != "" {
			if err := expression.CheckTemplate(wait.Path); err != nil {
				v.errorf(step.Position, "wait step %q path: %v", step.ID, err)
			}
		}
	case "form":
		if len(wait.Fields) == 0 {
			v.errorf(step.Position, "wait step %q form mode requires fields", step.ID)
		}
	case "":
		v.errorf(step.Position, "wait step %q requires a mode", step.ID)
	default:
		v.errorf(step.Position, `wait step %q has unknown mode %q: use "duration", "webhook" or "form"`, step.ID, wait.Mode)
	}

	if inParallel {
		v.warnf(step.Position, "wait step %q sits inside a parallel branch, where suspension is not supported", step.ID)
	}
}

func (v *validation) validateMerge(step *ast.Step) {
	merge := step.Merge
	if len(merge.Sources) == 0 {
		v.errorf(step.Position, "merge step %q requires sources", step.ID)
	}
	for _, source := range merge.Sources {
		if err := expression.CheckExpression(source); err != nil {
			v.errorf(step.Position, "merge step %q source: %v", step.ID, err)
		}
	}

	mode := merge.Mode
	switch mode {
	case "", "append":
	case "match", "diff", "combine_by_field":
		if merge.MatchField == "" {
			v.errorf(step.Position, "merge step %q mode %q requires match_field", step.ID, mode)
		}
	default:
		v.errorf(step.Position, `merge step %q has unknown mode %q: use "append", "match", "diff" or "combine_by_field"`, step.ID, mode)
	}

	if merge.OnConflict != "" && merge.OnConflict != "keep_first" && merge.OnConflict != "overwrite" {
		v.errorf(step.Position, `merge step %q on_conflict must be "keep_first" or "overwrite"`, step.ID)
	}
}

// checkItems statically checks an items reference when it is an expression
// string; literal sequences pass through
func (v *validation) checkItems(step *ast.Step, items interface{}) {
	if text, ok := items.(string); ok {
		if err := expression.CheckExpression(text); err != nil {
			v.errorf(step.Position, "step %q items: %v", step.ID, err)
		}
	}
}

func (v *validation) checkErrorHandling(step *ast.Step, handling *ast.ErrorHandling) {
	if handling == nil {
		return
	}
	if handling.Action != "stop" && handling.Action != "continue" {
		v.errorf(step.Position, `step %q error_handling action must be "stop" or "continue"`, step.ID)
	}
}

// checkTemplates walks a parameter value and statically checks every
// template string it contains
func (v *validation) checkTemplates(step *ast.Step, value interface{}) {
	switch val := value.(type) {
	case string:
		if err := expression.CheckTemplate(val); err != nil {
			v.errorf(step.Position, "step %q: %v", step.ID, err)
		}
	case map[string]interface{}:
		for _, item := range val {
			v.checkTemplates(step, item)
		}
	case []interface{}:
		for _, item := range val {
			v.checkTemplates(step, item)
		}
	}
}

// checkWaitDuration accepts a bare number of milliseconds, a Go duration
// string or a template resolved at run time
func (v *validation) checkWaitDuration(step *ast.Step, duration string) {
	if strings.Contains(duration, "{{") || strings.Contains(duration, "{%") {
		if err := expression.CheckTemplate(duration); err != nil {
			v.errorf(step.Position, "wait step %q duration: %v", step.ID, err)
		}
		return
	}
	if _, err := strconv.ParseFloat(duration, 64); err == nil {
		return
	}
	if _, err := time.ParseDuration(duration); err != nil {
		v.errorf(step.Position, `wait step %q has invalid duration %q: use milliseconds ("600000") or a duration ("10m")`, step.ID, duration)
	}
}

// validateToolUsage reports declared tools nothing references
func (v *validation) validateToolUsage() {
	for name, tool := range v.workflow.Tools {
		if tool == nil {
			continue
		}
		if !v.usedTools[name] {
			v.warnf(tool.Position, "tool %q is declared but never used", name)
		}
	}
}
