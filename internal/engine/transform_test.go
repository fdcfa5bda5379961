package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
)

func TestMapTransformsEachItem(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := &ast.Step{
		ID:     "double",
		Kind:   ast.StepKindMap,
		Map:    &ast.MapStep{Items: []interface{}{1, 2, 3}, Expression: "item * 2"},
		Output: "doubled",
	}
	execCtx := newTestContext(testWorkflow("wf", step))

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	assert.Equal(t, []interface{}{2, 4, 6}, result.Output)
	doubled, _ := execCtx.GetVariable("doubled")
	assert.Equal(t, []interface{}{2, 4, 6}, doubled)
}

func TestMapCustomItemVariableAndIndex(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := &ast.Step{
		ID:   "label",
		Kind: ast.StepKindMap,
		Map: &ast.MapStep{
			Items:        "{{ names }}",
			Expression:   `name + "#" + string(index)`,
			ItemVariable: "name",
		},
	}
	execCtx := newTestContext(testWorkflow("wf", step))
	execCtx.SetVariable("names", []interface{}{"ada", "grace"})

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	assert.Equal(t, []interface{}{"ada#0", "grace#1"}, result.Output)
}

func TestMapExpressionErrorFailsStep(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := &ast.Step{
		ID:   "broken",
		Kind: ast.StepKindMap,
		Map:  &ast.MapStep{Items: []interface{}{1}, Expression: "item ++ 2"},
	}
	execCtx := newTestContext(testWorkflow("wf", step))

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusFailed, result.Status)
	assert.Contains(t, result.Error, "map expression failed at index 0")
}

func TestFilterKeepsMatchingItems(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := &ast.Step{
		ID:   "active",
		Kind: ast.StepKindFilter,
		Filter: &ast.FilterStep{
			Items:     "{{ users }}",
			Condition: "item.active",
		},
	}
	execCtx := newTestContext(testWorkflow("wf", step))
	execCtx.SetVariable("users", []interface{}{
		map[string]interface{}{"name": "ada", "active": true},
		map[string]interface{}{"name": "bob", "active": false},
		map[string]interface{}{"name": "eve", "active": true},
	})

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	kept, ok := result.Output.([]interface{})
	require.True(t, ok)
	require.Len(t, kept, 2)
	assert.Equal(t, "ada", kept[0].(map[string]interface{})["name"])
	assert.Equal(t, "eve", kept[1].(map[string]interface{})["name"])
}

func TestReduceFoldsItems(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := &ast.Step{
		ID:   "sum",
		Kind: ast.StepKindReduce,
		Reduce: &ast.ReduceStep{
			Items:        []interface{}{1, 2, 3},
			Expression:   "accumulator + item",
			InitialValue: 0,
		},
	}
	execCtx := newTestContext(testWorkflow("wf", step))

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	assert.Equal(t, 6, result.Output)
}

func TestReduceCustomAccumulatorAndInitialTemplate(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := &ast.Step{
		ID:   "concat",
		Kind: ast.StepKindReduce,
		Reduce: &ast.ReduceStep{
			Items:               []interface{}{"b", "c"},
			Expression:          `total + item`,
			AccumulatorVariable: "total",
			InitialValue:        "{{ seed }}",
		},
	}
	execCtx := newTestContext(testWorkflow("wf", step))
	execCtx.SetVariable("seed", "a")

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	assert.Equal(t, "abc", result.Output)
}

func TestTransformsRejectNonArrayItems(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := &ast.Step{
		ID:     "bad",
		Kind:   ast.StepKindFilter,
		Filter: &ast.FilterStep{Items: "{{ n }}", Condition: "true"},
	}
	execCtx := newTestContext(testWorkflow("wf", step))
	execCtx.SetVariable("n", 42)

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusFailed, result.Status)
	assert.Contains(t, result.Error, "items must be an array")
}
