package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/scottgl07/marktoflow-sub001/internal/adapter"
	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
)

// executeAction resolves the step's uses reference and parameters, then
// hands the invocation to the adapter registry. A tool binding declared in
// the workflow rewrites the reference to its underlying adapter and
// contributes its configuration.
func (e *Executor) executeAction(ctx context.Context, execCtx *execcontext.ExecutionContext, step *ast.Step) (interface{}, error) {
	action := step.Action
	if action == nil || action.Uses == "" {
		return nil, fmt.Errorf("step %s: action requires a uses reference", step.ID)
	}

	uses := action.Uses
	var tool *ast.ToolBinding
	if head, rest := adapter.SplitUses(uses); execCtx.Workflow != nil {
		if binding, ok := execCtx.Workflow.GetTool(head); ok {
			tool = binding
			uses = binding.Uses
			if rest != "" {
				uses = binding.Uses + "." + rest
			}
		}
	}

	env := execCtx.TemplateEnv()
	params := make(map[string]interface{}, len(action.With))
	for key, value := range action.With {
		params[key] = e.templates.ResolveValue(value, env)
	}

	req := &adapter.Request{
		RunID:    execCtx.RunID,
		StepID:   step.ID,
		Uses:     uses,
		With:     params,
		Tool:     tool,
		BasePath: e.basePath(execCtx),
	}
	return e.adapters.Execute(ctx, req)
}

// executeSubWorkflow loads the referenced workflow and runs its steps in a
// fresh context that shares this run's cancellation and checkpoint
// sequence. The sub-run's final variables become the step output.
func (e *Executor) executeSubWorkflow(ctx context.Context, execCtx *execcontext.ExecutionContext, step *ast.Step) (interface{}, error) {
	if e.loadWorkflow == nil {
		return nil, fmt.Errorf("step %s: no workflow loader configured", step.ID)
	}

	path := step.Workflow.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.basePath(execCtx), path)
	}

	workflow, err := e.loadWorkflow(path)
	if err != nil {
		return nil, fmt.Errorf("loading sub-workflow %s: %w", step.Workflow.Path, err)
	}

	env := execCtx.TemplateEnv()
	rendered := make(map[string]interface{}, len(step.Workflow.Inputs))
	for key, value := range step.Workflow.Inputs {
		rendered[key] = e.templates.ResolveValue(value, env)
	}

	inputs, err := ValidateInputs(workflow, rendered)
	if err != nil {
		return nil, fmt.Errorf("sub-workflow %s: %w", workflow.ID, err)
	}

	childCtx := execCtx.ChildWorkflow(workflow, path, inputs)
	_, suspension, err := e.runChildren(ctx, childCtx, workflow.Steps)
	if err != nil {
		return nil, fmt.Errorf("sub-workflow %s: %w", workflow.ID, err)
	}
	if suspension != nil {
		return nil, fmt.Errorf("sub-workflow %s: wait suspension inside sub-workflows is not supported", workflow.ID)
	}

	return childCtx.Variables(), nil
}

// basePath is the directory relative paths resolve against: the workflow
// file's directory, or the working directory when the source is unknown.
func (e *Executor) basePath(execCtx *execcontext.ExecutionContext) string {
	if execCtx.WorkflowPath != "" {
		return filepath.Dir(execCtx.WorkflowPath)
	}
	return "."
}
