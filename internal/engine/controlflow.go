package engine

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	"github.com/scottgl07/marktoflow-sub001/internal/expression"
)

// executeIf evaluates the condition and runs the chosen branch. An empty
// chosen branch skips the step; the output is the list of child outputs.
func (e *Executor) executeIf(ctx context.Context, execCtx *execcontext.ExecutionContext, step *ast.Step) (interface{}, *execcontext.Suspension, error) {
	condition, err := e.templates.EvaluateCondition(step.If.Condition, execCtx.TemplateEnv())
	if err != nil {
		log.Warn().
			Str("run_id", execCtx.RunID).
			Str("step_id", step.ID).
			Str("condition", step.If.Condition).
			Err(err).
			Msg("If condition evaluation failed, treating as false")
		condition = false
	}

	chosen := step.If.Then
	if !condition {
		chosen = step.If.Else
	}
	if len(chosen) == 0 {
		return nil, nil, errSkipStep
	}

	outputs, suspension, err := e.runChildren(ctx, execCtx, chosen)
	if err != nil {
		return nil, nil, err
	}
	return outputs, suspension, nil
}

// executeSwitch matches the expression's string value against the cases,
// falling back to the default branch
func (e *Executor) executeSwitch(ctx context.Context, execCtx *execcontext.ExecutionContext, step *ast.Step) (interface{}, *execcontext.Suspension, error) {
	value, err := e.templates.EvaluateExpression(step.Switch.Expression, execCtx.TemplateEnv())
	if err != nil {
		log.Warn().
			Str("run_id", execCtx.RunID).
			Str("step_id", step.ID).
			Str("expression", step.Switch.Expression).
			Err(err).
			Msg("Switch expression evaluation failed, using default case")
		value = nil
	}

	chosen, matched := step.Switch.Cases[expression.ToString(value)]
	if !matched {
		chosen = step.Switch.Default
	}
	if len(chosen) == 0 {
		return nil, nil, errSkipStep
	}

	outputs, suspension, err := e.runChildren(ctx, execCtx, chosen)
	if err != nil {
		return nil, nil, err
	}
	return outputs, suspension, nil
}
