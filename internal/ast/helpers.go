package ast

// Workflow helper methods

// GetStep retrieves a top-level step by ID
func (w *Workflow) GetStep(id string) (*Step, bool) {
	for _, step := range w.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return nil, false
}

// FindStep searches the whole step tree for an ID
func (w *Workflow) FindStep(id string) (*Step, bool) {
	return findStep(w.Steps, id)
}

func findStep(steps []*Step, id string) (*Step, bool) {
	for _, step := range steps {
		if step.ID == id {
			return step, true
		}
		for _, children := range step.ChildLists() {
			if found, ok := findStep(children, id); ok {
				return found, true
			}
		}
	}
	return nil, false
}

// TopLevelIndexOf returns the index of the top-level step that is, or
// contains, the given step ID. Used to position the resume cursor.
func (w *Workflow) TopLevelIndexOf(id string) (int, bool) {
	for i, step := range w.Steps {
		if step.ID == id {
			return i, true
		}
		for _, children := range step.ChildLists() {
			if _, ok := findStep(children, id); ok {
				return i, true
			}
		}
	}
	return -1, false
}

// GetInputParam retrieves an input parameter by name
func (w *Workflow) GetInputParam(name string) (*InputParam, bool) {
	if w.Inputs == nil {
		return nil, false
	}
	param, exists := w.Inputs[name]
	return param, exists
}

// GetTool retrieves a tool binding by name
func (w *Workflow) GetTool(name string) (*ToolBinding, bool) {
	if w.Tools == nil {
		return nil, false
	}
	tool, exists := w.Tools[name]
	return tool, exists
}

// ListStepIDs returns the IDs of all top-level steps
func (w *Workflow) ListStepIDs() []string {
	ids := make([]string, len(w.Steps))
	for i, step := range w.Steps {
		ids[i] = step.ID
	}
	return ids
}

// DisplayName returns the human name, falling back to the ID
func (w *Workflow) DisplayName() string {
	if w.Name != "" {
		return w.Name
	}
	return w.ID
}

// Step helper methods

// IsLeaf reports whether the step invokes an external action rather than
// driving child steps
func (s *Step) IsLeaf() bool {
	switch s.Kind {
	case StepKindAction, StepKindWorkflow, StepKindScript, StepKindWait,
		StepKindMap, StepKindFilter, StepKindReduce, StepKindMerge:
		return true
	default:
		return false
	}
}

// ChildLists returns every child step list of a control-flow step, in
// declaration order. Leaf steps return nil.
func (s *Step) ChildLists() [][]*Step {
	switch s.Kind {
	case StepKindIf:
		return [][]*Step{s.If.Then, s.If.Else}
	case StepKindSwitch:
		lists := make([][]*Step, 0, len(s.Switch.Cases)+1)
		for _, caseSteps := range s.Switch.Cases {
			lists = append(lists, caseSteps)
		}
		return append(lists, s.Switch.Default)
	case StepKindForEach:
		return [][]*Step{s.ForEach.Steps}
	case StepKindWhile:
		return [][]*Step{s.While.Steps}
	case StepKindParallel:
		lists := make([][]*Step, 0, len(s.Parallel.Branches))
		for _, branch := range s.Parallel.Branches {
			lists = append(lists, branch.Steps)
		}
		return lists
	case StepKindTry:
		return [][]*Step{s.Try.Try, s.Try.Catch, s.Try.Finally}
	default:
		return nil
	}
}

// DisplayName returns the human name, falling back to the ID
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// loop defaults

// EffectiveItemVariable returns the iteration variable name for a for_each
func (fe *ForEachStep) EffectiveItemVariable() string {
	if fe.ItemVariable != "" {
		return fe.ItemVariable
	}
	return "item"
}

// EffectiveItemVariable returns the per-item variable name for a map
func (m *MapStep) EffectiveItemVariable() string {
	if m.ItemVariable != "" {
		return m.ItemVariable
	}
	return "item"
}

// EffectiveItemVariable returns the per-item variable name for a filter
func (f *FilterStep) EffectiveItemVariable() string {
	if f.ItemVariable != "" {
		return f.ItemVariable
	}
	return "item"
}

// EffectiveItemVariable returns the per-item variable name for a reduce
func (r *ReduceStep) EffectiveItemVariable() string {
	if r.ItemVariable != "" {
		return r.ItemVariable
	}
	return "item"
}

// EffectiveAccumulator returns the accumulator variable name for a reduce
func (r *ReduceStep) EffectiveAccumulator() string {
	if r.AccumulatorVariable != "" {
		return r.AccumulatorVariable
	}
	return "accumulator"
}
