package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	"github.com/scottgl07/marktoflow-sub001/internal/expression"
)

// resolveItems turns a step's items declaration into a concrete slice.
// A string declaration is evaluated as an expression; anything else is
// template-resolved in place.
func (e *Executor) resolveItems(execCtx *execcontext.ExecutionContext, items interface{}) ([]interface{}, error) {
	env := execCtx.TemplateEnv()

	var resolved interface{}
	if text, ok := items.(string); ok {
		value, err := e.templates.EvaluateExpression(text, env)
		if err != nil {
			return nil, err
		}
		resolved = value
	} else {
		resolved = e.templates.ResolveValue(items, env)
	}

	slice, ok := expression.ToSlice(resolved)
	if !ok {
		return nil, errors.New("items must be an array")
	}
	return slice, nil
}

// loopPolicy resolves the failure policy of a loop body; stop is the
// default.
func loopPolicy(eh *ast.ErrorHandling) string {
	if eh == nil || eh.Action == "" {
		return "stop"
	}
	return eh.Action
}

// batchInfo carries the batch-mode loop bindings for one slice of items
type batchInfo struct {
	batch      []interface{}
	batchStart int
	batchSize  int
	totalItems int
}

// executeForEach iterates the body over each resolved item. An empty item
// list skips the step. With a batch size the items are processed in
// slices with a pause between them; per-item bindings are identical in
// both forms.
func (e *Executor) executeForEach(ctx context.Context, execCtx *execcontext.ExecutionContext, step *ast.Step) (interface{}, *execcontext.Suspension, error) {
	fe := step.ForEach

	items, err := e.resolveItems(execCtx, fe.Items)
	if err != nil {
		return nil, nil, err
	}
	if len(items) == 0 {
		return nil, nil, errSkipStep
	}

	if fe.BatchSize > 0 {
		return e.runForEachBatched(ctx, execCtx, step, items)
	}

	outputs, suspension, err := e.runForEachItems(ctx, execCtx, step, items, nil)
	if err != nil {
		return nil, nil, err
	}
	return outputs, suspension, nil
}

func (e *Executor) runForEachBatched(ctx context.Context, execCtx *execcontext.ExecutionContext, step *ast.Step, items []interface{}) (interface{}, *execcontext.Suspension, error) {
	fe := step.ForEach
	pause := time.Duration(fe.PauseBetweenBatches) * time.Millisecond

	outputs := make([]interface{}, 0, len(items))
	for start := 0; start < len(items); start += fe.BatchSize {
		if start > 0 && pause > 0 {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(pause):
			}
		}

		end := min(start+fe.BatchSize, len(items))
		info := &batchInfo{
			batch:      items[start:end],
			batchStart: start,
			batchSize:  fe.BatchSize,
			totalItems: len(items),
		}

		batchOutputs, suspension, err := e.runForEachItems(ctx, execCtx, step, info.batch, info)
		outputs = append(outputs, batchOutputs...)
		if err != nil {
			return nil, nil, err
		}
		if suspension != nil {
			return outputs, suspension, nil
		}
	}
	return outputs, nil, nil
}

// runForEachItems runs the loop body once per item inside a dedicated
// variable frame, so item, index and loop bindings vanish when the loop
// finishes. The frame is unwound before the failure policy is applied.
func (e *Executor) runForEachItems(ctx context.Context, execCtx *execcontext.ExecutionContext, step *ast.Step, items []interface{}, info *batchInfo) ([]interface{}, *execcontext.Suspension, error) {
	fe := step.ForEach
	itemVar := fe.EffectiveItemVariable()

	total := len(items)
	if info != nil {
		total = info.totalItems
	}

	outputs := make([]interface{}, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return outputs, nil, err
		}
		if execCtx.IsCancelled() {
			return outputs, nil, context.Canceled
		}

		index := i
		if info != nil {
			index = info.batchStart + i
		}

		loop := map[string]interface{}{
			"index":  index,
			"first":  index == 0,
			"last":   index == total-1,
			"length": total,
		}
		if info != nil {
			loop["batchSize"] = info.batchSize
			loop["batchStart"] = info.batchStart
			loop["totalItems"] = info.totalItems
		}

		pop := execCtx.PushScope()
		execCtx.SetScoped(itemVar, item)
		execCtx.SetScoped("loop", loop)
		if info != nil {
			execCtx.SetScoped("batch", info.batch)
		}
		if fe.IndexVariable != "" {
			execCtx.SetScoped(fe.IndexVariable, index)
		}

		childOutputs, suspension, err := e.runChildren(ctx, execCtx, fe.Steps)
		pop()
		outputs = append(outputs, childOutputs...)

		if suspension != nil {
			return outputs, suspension, nil
		}
		if err != nil {
			if isCancellation(err) {
				return outputs, nil, err
			}
			if loopPolicy(fe.ErrorHandling) == "continue" {
				log.Warn().
					Str("run_id", execCtx.RunID).
					Str("step_id", step.ID).
					Int("index", index).
					Str("error", err.Error()).
					Msg("Loop iteration failed, continuing with next item")
				continue
			}
			return outputs, nil, err
		}
	}
	return outputs, nil, nil
}

// executeWhile re-evaluates the condition before every iteration and runs
// the body until it turns false. The iteration cap converts a runaway
// loop into a step failure.
func (e *Executor) executeWhile(ctx context.Context, execCtx *execcontext.ExecutionContext, step *ast.Step) (interface{}, *execcontext.Suspension, error) {
	w := step.While

	limit := e.config.WhileIterationCap
	if limit <= 0 {
		limit = 1000
	}
	if w.MaxIterations != nil {
		limit = *w.MaxIterations
	}

	outputs := make([]interface{}, 0)
	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if execCtx.IsCancelled() {
			return nil, nil, context.Canceled
		}

		holds, err := e.templates.EvaluateCondition(w.Condition, execCtx.TemplateEnv())
		if err != nil {
			log.Warn().
				Str("run_id", execCtx.RunID).
				Str("step_id", step.ID).
				Str("condition", w.Condition).
				Err(err).
				Msg("While condition evaluation failed, treating as false")
			holds = false
		}
		if !holds {
			break
		}
		if iteration >= limit {
			return nil, nil, fmt.Errorf("while loop exceeded %d iterations", limit)
		}

		pop := execCtx.PushScope()
		execCtx.SetScoped("loop", map[string]interface{}{"iteration": iteration})

		childOutputs, suspension, err := e.runChildren(ctx, execCtx, w.Steps)
		pop()
		outputs = append(outputs, childOutputs...)

		if suspension != nil {
			return outputs, suspension, nil
		}
		if err != nil {
			if isCancellation(err) {
				return nil, nil, err
			}
			if loopPolicy(w.ErrorHandling) == "continue" {
				log.Warn().
					Str("run_id", execCtx.RunID).
					Str("step_id", step.ID).
					Int("iteration", iteration).
					Str("error", err.Error()).
					Msg("Loop iteration failed, continuing")
				continue
			}
			return nil, nil, err
		}
	}
	return outputs, nil, nil
}
