package engine

import (
	"context"
	"fmt"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	"github.com/scottgl07/marktoflow-sub001/internal/sandbox"
)

// executeScript hands the step's code to the sandbox with a snapshot of
// the current state. The code is passed verbatim; scripts read their data
// from the snapshot, not from template interpolation.
func (e *Executor) executeScript(ctx context.Context, execCtx *execcontext.ExecutionContext, step *ast.Step) (interface{}, error) {
	if e.scripts == nil {
		return nil, fmt.Errorf("step %s: no script runner configured", step.ID)
	}

	snapshot := &sandbox.Snapshot{
		Variables: execCtx.Variables(),
		Inputs:    execCtx.Inputs,
		Steps:     execCtx.StepMetadata(),
	}
	return e.scripts.Run(ctx, step.Script.Code, snapshot)
}
