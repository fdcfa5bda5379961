package ast

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// stepRaw mirrors the flat YAML surface of a step. Kind-specific keys live
// at the same level as the common ones; UnmarshalYAML routes them into the
// tagged payload selected by kind.
type stepRaw struct {
	ID          string       `yaml:"id"`
	Name        string       `yaml:"name"`
	Kind        StepKind     `yaml:"kind"`
	Output      string       `yaml:"output"`
	Conditions  yamlStrings  `yaml:"conditions"`
	Retry       *RetryConfig `yaml:"retry"`
	Timeout     *Duration    `yaml:"timeout"`
	Permissions []string     `yaml:"permissions"`

	// action / workflow
	Uses   string                 `yaml:"uses"`
	With   map[string]interface{} `yaml:"with"`
	Agent  string                 `yaml:"agent"`
	WfPath string                 `yaml:"workflow"`
	Inputs map[string]interface{} `yaml:"inputs"`

	// if / switch / while / filter
	Condition  string             `yaml:"condition"`
	Then       []*Step            `yaml:"then"`
	Else       []*Step            `yaml:"else"`
	Expression string             `yaml:"expression"`
	Cases      map[string][]*Step `yaml:"cases"`
	Default    []*Step            `yaml:"default"`

	// loops and transforms
	Items               interface{}    `yaml:"items"`
	ItemVariable        string         `yaml:"item_variable"`
	IndexVariable       string         `yaml:"index_variable"`
	BatchSize           int            `yaml:"batch_size"`
	PauseBetweenBatches int            `yaml:"pause_between_batches"`
	ErrorHandling       *ErrorHandling `yaml:"error_handling"`
	MaxIterations       *int           `yaml:"max_iterations"`
	AccumulatorVariable string         `yaml:"accumulator_variable"`
	InitialValue        interface{}    `yaml:"initial_value"`
	Steps               []*Step        `yaml:"steps"`

	// parallel
	Branches      []*Branch `yaml:"branches"`
	MaxConcurrent int       `yaml:"max_concurrent"`
	OnError       string    `yaml:"on_error"`

	// try
	Try     []*Step `yaml:"try"`
	Catch   []*Step `yaml:"catch"`
	Finally []*Step `yaml:"finally"`

	// script
	Code    string `yaml:"code"`
	Runtime string `yaml:"runtime"`

	// wait / merge
	Mode       string                `yaml:"mode"`
	Duration   string                `yaml:"duration"`
	Path       string                `yaml:"path"`
	Fields     map[string]*FormField `yaml:"fields"`
	Sources    []string              `yaml:"sources"`
	MatchField string                `yaml:"match_field"`
	OnConflict string                `yaml:"on_conflict"`
}

// yamlStrings accepts either a single string or a list of strings
type yamlStrings []string

func (ys *yamlStrings) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*ys = yamlStrings{value.Value}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*ys = yamlStrings(list)
	return nil
}

// UnmarshalYAML decodes the flat step document and assembles the tagged
// variant. An omitted kind is inferred from which payload keys are present
// when the inference is unambiguous.
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	var raw stepRaw
	if err := value.Decode(&raw); err != nil {
		return err
	}

	kind := raw.Kind
	if kind == "" {
		inferred, err := inferKind(&raw)
		if err != nil {
			return fmt.Errorf("step %q: %w", raw.ID, err)
		}
		kind = inferred
	}

	s.ID = raw.ID
	s.Name = raw.Name
	s.Kind = kind
	s.Output = raw.Output
	s.Conditions = []string(raw.Conditions)
	s.Retry = raw.Retry
	s.Timeout = raw.Timeout
	s.Permissions = raw.Permissions
	s.Position = ExtractPosition(value)

	switch kind {
	case StepKindAction:
		s.Action = &ActionStep{Uses: raw.Uses, With: raw.With, Agent: raw.Agent}
	case StepKindWorkflow:
		s.Workflow = &WorkflowStep{Path: raw.WfPath, Inputs: raw.Inputs}
	case StepKindIf:
		then := raw.Then
		if then == nil {
			then = raw.Steps // accepted alias
		}
		s.If = &IfStep{Condition: raw.Condition, Then: then, Else: raw.Else}
	case StepKindSwitch:
		s.Switch = &SwitchStep{Expression: raw.Expression, Cases: raw.Cases, Default: raw.Default}
	case StepKindForEach:
		s.ForEach = &ForEachStep{
			Items:               raw.Items,
			ItemVariable:        raw.ItemVariable,
			IndexVariable:       raw.IndexVariable,
			BatchSize:           raw.BatchSize,
			PauseBetweenBatches: raw.PauseBetweenBatches,
			ErrorHandling:       raw.ErrorHandling,
			Steps:               raw.Steps,
		}
	case StepKindWhile:
		s.While = &WhileStep{
			Condition:     raw.Condition,
			MaxIterations: raw.MaxIterations,
			ErrorHandling: raw.ErrorHandling,
			Steps:         raw.Steps,
		}
	case StepKindMap:
		s.Map = &MapStep{Items: raw.Items, Expression: raw.Expression, ItemVariable: raw.ItemVariable}
	case StepKindFilter:
		s.Filter = &FilterStep{Items: raw.Items, Condition: raw.Condition, ItemVariable: raw.ItemVariable}
	case StepKindReduce:
		s.Reduce = &ReduceStep{
			Items:               raw.Items,
			Expression:          raw.Expression,
			ItemVariable:        raw.ItemVariable,
			AccumulatorVariable: raw.AccumulatorVariable,
			InitialValue:        raw.InitialValue,
		}
	case StepKindParallel:
		branches := raw.Branches
		for i, b := range branches {
			if b.ID == "" {
				b.ID = fmt.Sprintf("branch%d", i)
			}
		}
		s.Parallel = &ParallelStep{Branches: branches, MaxConcurrent: raw.MaxConcurrent, OnError: raw.OnError}
	case StepKindTry:
		s.Try = &TryStep{Try: raw.Try, Catch: raw.Catch, Finally: raw.Finally}
	case StepKindScript:
		s.Script = &ScriptStep{Code: raw.Code, Runtime: raw.Runtime}
	case StepKindWait:
		s.Wait = &WaitStep{Mode: raw.Mode, Duration: raw.Duration, Path: raw.Path, Fields: raw.Fields}
	case StepKindMerge:
		s.Merge = &MergeStep{Sources: raw.Sources, Mode: raw.Mode, MatchField: raw.MatchField, OnConflict: raw.OnConflict}
	default:
		return fmt.Errorf("step %q: unknown kind %q", raw.ID, kind)
	}

	return nil
}

// inferKind resolves an omitted kind from payload keys. Only unambiguous
// shapes are inferred; everything else must state its kind.
func inferKind(raw *stepRaw) (StepKind, error) {
	switch {
	case raw.Uses != "":
		return StepKindAction, nil
	case raw.WfPath != "":
		return StepKindWorkflow, nil
	case raw.Code != "":
		return StepKindScript, nil
	case len(raw.Try) > 0:
		return StepKindTry, nil
	case len(raw.Branches) > 0:
		return StepKindParallel, nil
	case len(raw.Sources) > 0:
		return StepKindMerge, nil
	case raw.Condition != "" && (len(raw.Then) > 0 || len(raw.Else) > 0):
		return StepKindIf, nil
	case raw.Expression != "" && len(raw.Cases) > 0:
		return StepKindSwitch, nil
	default:
		return "", fmt.Errorf("missing kind and no payload to infer it from")
	}
}
