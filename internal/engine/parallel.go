package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
)

// executeParallel runs each branch in its own context clone, rejoined
// into the parent under branches.<branchID> once every branch finished.
// A branch failure never interrupts its siblings; failures are examined
// in declared order afterwards. The step output is the list of per-branch
// output lists.
func (e *Executor) executeParallel(ctx context.Context, execCtx *execcontext.ExecutionContext, step *ast.Step) (interface{}, error) {
	p := step.Parallel
	if len(p.Branches) == 0 {
		return nil, errSkipStep
	}

	type branchResult struct {
		id         string
		ctx        *execcontext.ExecutionContext
		outputs    []interface{}
		suspension *execcontext.Suspension
		err        error
	}
	results := make([]branchResult, len(p.Branches))

	var g errgroup.Group
	if p.MaxConcurrent > 0 {
		g.SetLimit(p.MaxConcurrent)
	}

	for i, branch := range p.Branches {
		branchID := branch.ID
		if branchID == "" {
			branchID = fmt.Sprintf("branch%d", i)
		}
		branchCtx := execCtx.Clone(branchID)
		steps := branch.Steps

		g.Go(func() error {
			outputs, suspension, err := e.runChildren(ctx, branchCtx, steps)
			results[i] = branchResult{
				id:         branchID,
				ctx:        branchCtx,
				outputs:    outputs,
				suspension: suspension,
				err:        err,
			}
			return nil
		})
	}
	_ = g.Wait()

	for i := range results {
		if results[i].ctx != nil {
			execCtx.MergeBranch(results[i].ctx)
		}
	}

	outputs := make([]interface{}, len(results))
	for i, res := range results {
		outputs[i] = res.outputs

		if res.suspension != nil {
			return nil, fmt.Errorf("branch %s: wait suspension inside parallel branches is not supported", res.id)
		}
		if res.err != nil {
			if isCancellation(res.err) {
				return nil, res.err
			}
			if p.OnError == "continue" {
				log.Warn().
					Str("run_id", execCtx.RunID).
					Str("step_id", step.ID).
					Str("branch", res.id).
					Str("error", res.err.Error()).
					Msg("Parallel branch failed, continuing")
				continue
			}
			return nil, fmt.Errorf("branch %s: %w", res.id, res.err)
		}
	}
	return outputs, nil
}
