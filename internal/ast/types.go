package ast

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Position tracks where an element was defined in the source document
type Position struct {
	File   string `yaml:"-" json:"-"`
	Line   int    `yaml:"-" json:"-"`
	Column int    `yaml:"-" json:"-"`
}

// ExtractPosition creates a Position from a YAML node
func ExtractPosition(node *yaml.Node) Position {
	if node == nil {
		return Position{}
	}
	return Position{Line: node.Line, Column: node.Column}
}

// String returns a human-readable position reference
func (p Position) String() string {
	if p.File != "" {
		return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
	}
	return fmt.Sprintf("line %d, column %d", p.Line, p.Column)
}

// Workflow is the parsed representation of a .flow.md document: frontmatter
// metadata plus the ordered top-level step sequence collected from the
// document's yaml blocks.
type Workflow struct {
	ID          string                  `yaml:"id" json:"id"`
	Name        string                  `yaml:"name,omitempty" json:"name,omitempty"`
	Version     string                  `yaml:"version,omitempty" json:"version,omitempty"`
	Description string                  `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs      map[string]*InputParam  `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Tools       map[string]*ToolBinding `yaml:"tools,omitempty" json:"tools,omitempty"`
	Steps       []*Step                 `yaml:"steps,omitempty" json:"steps,omitempty"`

	SourceFile string   `yaml:"-" json:"-"`
	SourceHash uint64   `yaml:"-" json:"-"`
	Position   Position `yaml:"-" json:"-"`
}

// InputParam describes a declared workflow input
type InputParam struct {
	Type        string      `yaml:"type,omitempty" json:"type,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Default     interface{} `yaml:"default,omitempty" json:"default,omitempty"`
	Required    bool        `yaml:"required,omitempty" json:"required,omitempty"`
	Pattern     string      `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Enum        []string    `yaml:"enum,omitempty" json:"enum,omitempty"`

	Position Position `yaml:"-" json:"-"`
}

// UnmarshalYAML implements custom unmarshaling for InputParam to handle
// shorthand syntax like "topic: string"
func (ip *InputParam) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		ip.Type = value.Value
		ip.Required = true
		ip.Position = ExtractPosition(value)
		return nil
	}

	type inputParamAlias InputParam
	var temp inputParamAlias
	if err := value.Decode(&temp); err != nil {
		return err
	}

	*ip = InputParam(temp)
	ip.Position = ExtractPosition(value)
	return nil
}

// GetTypeString returns the declared type, defaulting to "string"
func (ip *InputParam) GetTypeString() string {
	if ip.Type == "" {
		return "string"
	}
	return ip.Type
}

// HasDefault returns true if the input declares a default value
func (ip *InputParam) HasDefault() bool {
	return ip.Default != nil
}

// ToolBinding maps a workflow-local tool name to an adapter plus its
// configuration. Arbitrary config keys are kept verbatim for the adapter.
type ToolBinding struct {
	Uses   string                 `yaml:"uses" json:"uses"`
	Config map[string]interface{} `yaml:"-" json:"config,omitempty"`

	Position Position `yaml:"-" json:"-"`
}

// UnmarshalYAML captures the adapter name and passes every other key
// through untouched
func (tb *ToolBinding) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		tb.Uses = value.Value
		tb.Position = ExtractPosition(value)
		return nil
	}

	var raw map[string]interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if uses, ok := raw["uses"].(string); ok {
		tb.Uses = uses
		delete(raw, "uses")
	}
	tb.Config = raw
	tb.Position = ExtractPosition(value)
	return nil
}

// StepKind discriminates the step variants
type StepKind string

const (
	StepKindAction   StepKind = "action"
	StepKindWorkflow StepKind = "workflow"
	StepKindIf       StepKind = "if"
	StepKindSwitch   StepKind = "switch"
	StepKindForEach  StepKind = "for_each"
	StepKindWhile    StepKind = "while"
	StepKindMap      StepKind = "map"
	StepKindFilter   StepKind = "filter"
	StepKindReduce   StepKind = "reduce"
	StepKindParallel StepKind = "parallel"
	StepKindTry      StepKind = "try"
	StepKindScript   StepKind = "script"
	StepKindWait     StepKind = "wait"
	StepKindMerge    StepKind = "merge"
)

// Step is a tagged variant: Kind selects exactly one of the payload
// pointers below. Common attributes apply to every kind.
type Step struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name,omitempty" json:"name,omitempty"`
	Kind        StepKind     `yaml:"kind,omitempty" json:"kind"`
	Output      string       `yaml:"output,omitempty" json:"output,omitempty"`
	Conditions  []string     `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Retry       *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout     *Duration    `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Permissions []string     `yaml:"permissions,omitempty" json:"permissions,omitempty"`

	Action   *ActionStep   `yaml:"-" json:"action,omitempty"`
	Workflow *WorkflowStep `yaml:"-" json:"workflow,omitempty"`
	If       *IfStep       `yaml:"-" json:"if,omitempty"`
	Switch   *SwitchStep   `yaml:"-" json:"switch,omitempty"`
	ForEach  *ForEachStep  `yaml:"-" json:"for_each,omitempty"`
	While    *WhileStep    `yaml:"-" json:"while,omitempty"`
	Map      *MapStep      `yaml:"-" json:"map,omitempty"`
	Filter   *FilterStep   `yaml:"-" json:"filter,omitempty"`
	Reduce   *ReduceStep   `yaml:"-" json:"reduce,omitempty"`
	Parallel *ParallelStep `yaml:"-" json:"parallel,omitempty"`
	Try      *TryStep      `yaml:"-" json:"try,omitempty"`
	Script   *ScriptStep   `yaml:"-" json:"script,omitempty"`
	Wait     *WaitStep     `yaml:"-" json:"wait,omitempty"`
	Merge    *MergeStep    `yaml:"-" json:"merge,omitempty"`

	Position Position `yaml:"-" json:"-"`
}

// ActionStep invokes an adapter operation ("tool.operation") with resolved
// parameters
type ActionStep struct {
	Uses  string                 `yaml:"uses" json:"uses"`
	With  map[string]interface{} `yaml:"with,omitempty" json:"with,omitempty"`
	Agent string                 `yaml:"agent,omitempty" json:"agent,omitempty"`
}

// WorkflowStep runs a sub-workflow with its own context; the sub-run's
// outputs become this step's output
type WorkflowStep struct {
	Path   string                 `yaml:"workflow" json:"workflow"`
	Inputs map[string]interface{} `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// IfStep branches on a condition
type IfStep struct {
	Condition string  `yaml:"condition" json:"condition"`
	Then      []*Step `yaml:"then,omitempty" json:"then,omitempty"`
	Else      []*Step `yaml:"else,omitempty" json:"else,omitempty"`
}

// SwitchStep selects a case by the string value of an expression
type SwitchStep struct {
	Expression string             `yaml:"expression" json:"expression"`
	Cases      map[string][]*Step `yaml:"cases,omitempty" json:"cases,omitempty"`
	Default    []*Step            `yaml:"default,omitempty" json:"default,omitempty"`
}

// ForEachStep iterates a step list over each element of a resolved
// sequence, optionally in batches
type ForEachStep struct {
	Items               interface{}    `yaml:"items" json:"items"`
	ItemVariable        string         `yaml:"item_variable,omitempty" json:"item_variable,omitempty"`
	IndexVariable       string         `yaml:"index_variable,omitempty" json:"index_variable,omitempty"`
	BatchSize           int            `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	PauseBetweenBatches int            `yaml:"pause_between_batches,omitempty" json:"pause_between_batches,omitempty"`
	ErrorHandling       *ErrorHandling `yaml:"error_handling,omitempty" json:"error_handling,omitempty"`
	Steps               []*Step        `yaml:"steps" json:"steps"`
}

// WhileStep repeats a step list while a condition holds
type WhileStep struct {
	Condition     string         `yaml:"condition" json:"condition"`
	MaxIterations *int           `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	ErrorHandling *ErrorHandling `yaml:"error_handling,omitempty" json:"error_handling,omitempty"`
	Steps         []*Step        `yaml:"steps" json:"steps"`
}

// MapStep evaluates an expression for every item of a sequence
type MapStep struct {
	Items        interface{} `yaml:"items" json:"items"`
	Expression   string      `yaml:"expression" json:"expression"`
	ItemVariable string      `yaml:"item_variable,omitempty" json:"item_variable,omitempty"`
}

// FilterStep keeps the items for which a condition holds
type FilterStep struct {
	Items        interface{} `yaml:"items" json:"items"`
	Condition    string      `yaml:"condition" json:"condition"`
	ItemVariable string      `yaml:"item_variable,omitempty" json:"item_variable,omitempty"`
}

// ReduceStep folds a sequence into a single value
type ReduceStep struct {
	Items               interface{} `yaml:"items" json:"items"`
	Expression          string      `yaml:"expression" json:"expression"`
	ItemVariable        string      `yaml:"item_variable,omitempty" json:"item_variable,omitempty"`
	AccumulatorVariable string      `yaml:"accumulator_variable,omitempty" json:"accumulator_variable,omitempty"`
	InitialValue        interface{} `yaml:"initial_value,omitempty" json:"initial_value,omitempty"`
}

// ParallelStep runs branches concurrently with isolated variable scopes
type ParallelStep struct {
	Branches      []*Branch `yaml:"branches" json:"branches"`
	MaxConcurrent int       `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`
	OnError       string    `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// Branch is one child of a parallel step. Unnamed branches are assigned
// "branch<index>" at parse time.
type Branch struct {
	ID    string  `yaml:"id,omitempty" json:"id,omitempty"`
	Steps []*Step `yaml:"steps" json:"steps"`
}

// UnmarshalYAML accepts either {id, steps: [...]} or a bare step list
func (b *Branch) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		var steps []*Step
		if err := value.Decode(&steps); err != nil {
			return err
		}
		b.Steps = steps
		return nil
	}

	type branchAlias Branch
	var temp branchAlias
	if err := value.Decode(&temp); err != nil {
		return err
	}
	*b = Branch(temp)
	return nil
}

// TryStep runs try children with optional catch and finally blocks
type TryStep struct {
	Try     []*Step `yaml:"try" json:"try"`
	Catch   []*Step `yaml:"catch,omitempty" json:"catch,omitempty"`
	Finally []*Step `yaml:"finally,omitempty" json:"finally,omitempty"`
}

// ScriptStep hands code to the sandboxed script runner
type ScriptStep struct {
	Code    string `yaml:"code" json:"code"`
	Runtime string `yaml:"runtime,omitempty" json:"runtime,omitempty"`
}

// WaitStep suspends the run: in-process for short durations, via a
// persisted resume token otherwise
type WaitStep struct {
	Mode     string                `yaml:"mode" json:"mode"`
	Duration string                `yaml:"duration,omitempty" json:"duration,omitempty"`
	Path     string                `yaml:"path,omitempty" json:"path,omitempty"`
	Fields   map[string]*FormField `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// FormField describes one field of a form-mode wait
type FormField struct {
	Type        string   `yaml:"type,omitempty" json:"type,omitempty"`
	Label       string   `yaml:"label,omitempty" json:"label,omitempty"`
	Required    bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Options     []string `yaml:"options,omitempty" json:"options,omitempty"`
	Placeholder string   `yaml:"placeholder,omitempty" json:"placeholder,omitempty"`
}

// MergeStep combines previously resolved sequences
type MergeStep struct {
	Sources    []string `yaml:"sources" json:"sources"`
	Mode       string   `yaml:"mode,omitempty" json:"mode,omitempty"`
	MatchField string   `yaml:"match_field,omitempty" json:"match_field,omitempty"`
	OnConflict string   `yaml:"on_conflict,omitempty" json:"on_conflict,omitempty"`
}

// ErrorHandling selects the loop policy applied when a child step fails
type ErrorHandling struct {
	Action string `yaml:"action" json:"action"`
}

// RetryConfig defines per-step retry behavior
type RetryConfig struct {
	MaxRetries int       `yaml:"max_retries" json:"max_retries"`
	BaseDelay  *Duration `yaml:"base_delay,omitempty" json:"base_delay,omitempty"`
	MaxDelay   *Duration `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`

	Position Position `yaml:"-" json:"-"`
}

// Duration wraps time.Duration with custom YAML/JSON marshaling
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements custom unmarshaling for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration format '%s': %w", s, err)
	}

	d.Duration = dur
	return nil
}

// MarshalYAML implements custom marshaling for Duration
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// UnmarshalJSON implements custom unmarshaling for Duration from JSON
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration format '%s': %w", s, err)
	}

	d.Duration = dur
	return nil
}

// MarshalJSON implements custom marshaling for Duration to JSON
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// String returns the string representation of the Duration
func (d Duration) String() string {
	return d.Duration.String()
}
