package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	"github.com/scottgl07/marktoflow-sub001/internal/sandbox"
)

func scriptStep(id, code string) *ast.Step {
	return &ast.Step{ID: id, Kind: ast.StepKindScript, Script: &ast.ScriptStep{Code: code}}
}

func TestScriptReceivesSnapshot(t *testing.T) {
	var gotCode string
	var gotSnapshot *sandbox.Snapshot
	runner := sandbox.RunnerFunc(func(ctx context.Context, code string, snapshot *sandbox.Snapshot) (interface{}, error) {
		gotCode = code
		gotSnapshot = snapshot
		return snapshot.Variables["n"], nil
	})
	e, _ := newTestExecutor(t, WithScriptRunner(runner))

	step := scriptStep("calc", "return state.n")
	step.Output = "result"
	execCtx := newTestContext(testWorkflow("wf", step))
	execCtx.SetVariable("n", 41)

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	assert.Equal(t, 41, result.Output)
	assert.Equal(t, "return state.n", gotCode, "code reaches the sandbox verbatim")
	require.NotNil(t, gotSnapshot)
	assert.Equal(t, 41, gotSnapshot.Variables["n"])

	bound, _ := execCtx.GetVariable("result")
	assert.Equal(t, 41, bound)
}

func TestScriptTemplateBracesNotInterpolated(t *testing.T) {
	var gotCode string
	runner := sandbox.RunnerFunc(func(ctx context.Context, code string, snapshot *sandbox.Snapshot) (interface{}, error) {
		gotCode = code
		return nil, nil
	})
	e, _ := newTestExecutor(t, WithScriptRunner(runner))

	step := scriptStep("calc", "x = {{ n }}")
	execCtx := newTestContext(testWorkflow("wf", step))
	execCtx.SetVariable("n", 7)

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	assert.Equal(t, "x = {{ n }}", gotCode)
}

func TestScriptWithoutRunnerFails(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := scriptStep("calc", "1 + 1")
	execCtx := newTestContext(testWorkflow("wf", step))

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusFailed, result.Status)
	assert.Contains(t, result.Error, "no script runner configured")
}
