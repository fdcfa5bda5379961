package engine

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
)

// executeTry runs the try block and, on failure, the catch block with an
// error binding holding the failed step and its message. The binding
// lives in a frame that is unwound when catch finishes. Finally always
// runs; its failures are reported through step events but never change
// the block's outcome. Outputs accumulate across the blocks in execution
// order.
func (e *Executor) executeTry(ctx context.Context, execCtx *execcontext.ExecutionContext, step *ast.Step) (interface{}, *execcontext.Suspension, error) {
	t := step.Try
	outputs := make([]interface{}, 0)

	tryOutputs, suspension, tryErr := e.runChildren(ctx, execCtx, t.Try)
	outputs = append(outputs, tryOutputs...)
	if suspension != nil {
		return outputs, suspension, nil
	}
	if tryErr != nil && isCancellation(tryErr) {
		return nil, nil, tryErr
	}

	var blockErr error
	if tryErr != nil {
		if len(t.Catch) == 0 {
			blockErr = tryErr
		} else {
			failure := asChildFailure(tryErr)
			log.Debug().
				Str("run_id", execCtx.RunID).
				Str("step_id", step.ID).
				Str("failed_step", failure.stepID).
				Msg("Try block failed, running catch")

			pop := execCtx.PushScope()
			execCtx.SetScoped("error", map[string]interface{}{
				"message": failure.message,
				"step":    failure.stepID,
			})
			catchOutputs, catchSuspension, catchErr := e.runChildren(ctx, execCtx, t.Catch)
			pop()

			outputs = append(outputs, catchOutputs...)
			if catchSuspension != nil {
				return outputs, catchSuspension, nil
			}
			if catchErr != nil {
				if isCancellation(catchErr) {
					return nil, nil, catchErr
				}
				blockErr = catchErr
			}
		}
	}

	if len(t.Finally) > 0 {
		finallyOutputs, finallySuspension, finallyErr := e.runChildren(ctx, execCtx, t.Finally)
		outputs = append(outputs, finallyOutputs...)
		if finallySuspension != nil && blockErr == nil {
			return outputs, finallySuspension, nil
		}
		if finallyErr != nil {
			if isCancellation(finallyErr) {
				return nil, nil, finallyErr
			}
			log.Warn().
				Str("run_id", execCtx.RunID).
				Str("step_id", step.ID).
				Str("error", finallyErr.Error()).
				Msg("Finally block failed, outcome unchanged")
		}
	}

	if blockErr != nil {
		return nil, nil, blockErr
	}
	return outputs, nil, nil
}
