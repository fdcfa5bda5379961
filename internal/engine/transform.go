package engine

import (
	"fmt"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
)

// The collection transforms evaluate expressions against a copy of the
// template environment. They bind nothing in the run context and dispatch
// no child steps; an expression error fails the whole step.

func (e *Executor) executeMap(execCtx *execcontext.ExecutionContext, step *ast.Step) (interface{}, error) {
	m := step.Map

	items, err := e.resolveItems(execCtx, m.Items)
	if err != nil {
		return nil, err
	}
	itemVar := m.EffectiveItemVariable()

	results := make([]interface{}, 0, len(items))
	for i, item := range items {
		env := execCtx.TemplateEnv()
		env[itemVar] = item
		env["index"] = i

		value, err := e.templates.EvaluateExpression(m.Expression, env)
		if err != nil {
			return nil, fmt.Errorf("map expression failed at index %d: %w", i, err)
		}
		results = append(results, value)
	}
	return results, nil
}

func (e *Executor) executeFilter(execCtx *execcontext.ExecutionContext, step *ast.Step) (interface{}, error) {
	f := step.Filter

	items, err := e.resolveItems(execCtx, f.Items)
	if err != nil {
		return nil, err
	}
	itemVar := f.EffectiveItemVariable()

	kept := make([]interface{}, 0, len(items))
	for i, item := range items {
		env := execCtx.TemplateEnv()
		env[itemVar] = item
		env["index"] = i

		keep, err := e.templates.EvaluateCondition(f.Condition, env)
		if err != nil {
			return nil, fmt.Errorf("filter condition failed at index %d: %w", i, err)
		}
		if keep {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

func (e *Executor) executeReduce(execCtx *execcontext.ExecutionContext, step *ast.Step) (interface{}, error) {
	r := step.Reduce

	items, err := e.resolveItems(execCtx, r.Items)
	if err != nil {
		return nil, err
	}
	itemVar := r.EffectiveItemVariable()
	accVar := r.EffectiveAccumulator()

	accumulator := e.templates.ResolveValue(r.InitialValue, execCtx.TemplateEnv())
	for i, item := range items {
		env := execCtx.TemplateEnv()
		env[itemVar] = item
		env[accVar] = accumulator
		env["index"] = i

		value, err := e.templates.EvaluateExpression(r.Expression, env)
		if err != nil {
			return nil, fmt.Errorf("reduce expression failed at index %d: %w", i, err)
		}
		accumulator = value
	}
	return accumulator, nil
}
