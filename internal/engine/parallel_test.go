package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgl07/marktoflow-sub001/internal/adapter"
	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
)

func parallelStep(id string, branches ...*ast.Branch) *ast.Step {
	return &ast.Step{
		ID:       id,
		Kind:     ast.StepKindParallel,
		Parallel: &ast.ParallelStep{Branches: branches},
	}
}

func branchOf(id string, steps ...*ast.Step) *ast.Branch {
	return &ast.Branch{ID: id, Steps: steps}
}

func branchVars(t *testing.T, execCtx *execcontext.ExecutionContext, branchID string) map[string]interface{} {
	t.Helper()
	raw, found := execCtx.GetVariable("branches")
	require.True(t, found, "branches variable missing")
	branches, ok := raw.(map[string]interface{})
	require.True(t, ok)
	vars, ok := branches[branchID].(map[string]interface{})
	require.True(t, ok, "branch %s missing", branchID)
	return vars
}

func TestParallelMergesBranchesInDeclaredOrder(t *testing.T) {
	slow := &fakeExecutor{name: "slow", fn: func(ctx context.Context, req *adapter.Request) (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(30 * time.Millisecond):
		}
		return req.With["value"], nil
	}}
	e, _ := newTestExecutor(t, WithAdapters(testRegistry(slow)))

	first := actionStep("a", "slow.echo", map[string]interface{}{"value": "A"})
	first.Output = "x"
	step := parallelStep("par",
		branchOf("", first),
		branchOf("", echoStep("b", "B", "x")),
	)
	execCtx := newTestContext(testWorkflow("wf", step))

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	assert.Equal(t, []interface{}{
		[]interface{}{"A"},
		[]interface{}{"B"},
	}, result.Output, "slow first branch must still come first")

	assert.Equal(t, "A", branchVars(t, execCtx, "branch0")["x"])
	assert.Equal(t, "B", branchVars(t, execCtx, "branch1")["x"])

	_, found := execCtx.GetVariable("x")
	assert.False(t, found, "branch writes must not leak into the parent scope")
}

func TestParallelBranchesSeeParentSnapshot(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := parallelStep("par",
		branchOf("eu", echoStep("a", "{{ region }}-eu", "zone")),
		branchOf("us", echoStep("b", "{{ region }}-us", "zone")),
	)
	execCtx := newTestContext(testWorkflow("wf", step))
	execCtx.SetVariable("region", "prod")

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	assert.Equal(t, "prod-eu", branchVars(t, execCtx, "eu")["zone"])
	assert.Equal(t, "prod-us", branchVars(t, execCtx, "us")["zone"])
}

func TestParallelBranchFailureFailsStep(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := parallelStep("par",
		branchOf("", echoStep("a", "A", "x")),
		branchOf("", failStep("f", "branch boom")),
	)
	execCtx := newTestContext(testWorkflow("wf", step))

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusFailed, result.Status)
	assert.Contains(t, result.Error, "branch branch1")
	assert.Contains(t, result.Error, "branch boom")

	// surviving branches are merged even when the step fails
	assert.Equal(t, "A", branchVars(t, execCtx, "branch0")["x"])
}

func TestParallelContinuePolicyKeepsSurvivors(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := parallelStep("par",
		branchOf("", echoStep("a", "A", "x")),
		branchOf("", failStep("f", "branch boom")),
	)
	step.Parallel.OnError = "continue"
	execCtx := newTestContext(testWorkflow("wf", step))

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	assert.Equal(t, []interface{}{
		[]interface{}{"A"},
		[]interface{}{},
	}, result.Output)
}

func TestParallelMaxConcurrentLimitsParallelism(t *testing.T) {
	var current, peak int32
	probe := &fakeExecutor{name: "probe", fn: func(ctx context.Context, req *adapter.Request) (interface{}, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			m := atomic.LoadInt32(&peak)
			if n <= m || atomic.CompareAndSwapInt32(&peak, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return nil, nil
	}}
	e, _ := newTestExecutor(t, WithAdapters(testRegistry(probe)))

	step := parallelStep("par",
		branchOf("", actionStep("a", "probe.run", nil)),
		branchOf("", actionStep("b", "probe.run", nil)),
		branchOf("", actionStep("c", "probe.run", nil)),
	)
	step.Parallel.MaxConcurrent = 1
	execCtx := newTestContext(testWorkflow("wf", step))

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestParallelNoBranchesSkips(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := parallelStep("par")
	execCtx := newTestContext(testWorkflow("wf", step))

	result := e.Dispatch(execCtx, step)
	assert.Equal(t, execcontext.StepStatusSkipped, result.Status)
}
