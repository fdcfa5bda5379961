package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
)

func mergeStep(id string, sources []string, mode, matchField string) *ast.Step {
	return &ast.Step{
		ID:    id,
		Kind:  ast.StepKindMerge,
		Merge: &ast.MergeStep{Sources: sources, Mode: mode, MatchField: matchField},
	}
}

func user(id int, fields map[string]interface{}) map[string]interface{} {
	m := map[string]interface{}{"id": id}
	for k, v := range fields {
		m[k] = v
	}
	return m
}

func TestMergeAppendConcatenates(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := mergeStep("join", []string{"{{ a }}", "{{ b }}"}, "", "")
	execCtx := newTestContext(testWorkflow("wf", step))
	execCtx.SetVariable("a", []interface{}{1, 2})
	execCtx.SetVariable("b", []interface{}{3})

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	assert.Equal(t, []interface{}{1, 2, 3}, result.Output)
}

func TestMergeMatchKeepsCommonItems(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := mergeStep("overlap", []string{"{{ a }}", "{{ b }}"}, "match", "id")
	execCtx := newTestContext(testWorkflow("wf", step))
	execCtx.SetVariable("a", []interface{}{
		user(1, map[string]interface{}{"name": "ada"}),
		user(2, map[string]interface{}{"name": "bob"}),
		user(1, map[string]interface{}{"name": "dup"}),
	})
	execCtx.SetVariable("b", []interface{}{
		user(1, nil),
		user(3, nil),
	})

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	merged, ok := result.Output.([]interface{})
	require.True(t, ok)
	require.Len(t, merged, 1, "only id 1 appears in both sources, once")
	assert.Equal(t, "ada", merged[0].(map[string]interface{})["name"])
}

func TestMergeDiffKeepsFirstSourceOnly(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := mergeStep("gone", []string{"{{ a }}", "{{ b }}"}, "diff", "id")
	execCtx := newTestContext(testWorkflow("wf", step))
	execCtx.SetVariable("a", []interface{}{
		user(1, map[string]interface{}{"name": "ada"}),
		user(2, map[string]interface{}{"name": "bob"}),
	})
	execCtx.SetVariable("b", []interface{}{user(1, nil)})

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	merged, ok := result.Output.([]interface{})
	require.True(t, ok)
	require.Len(t, merged, 1)
	assert.Equal(t, "bob", merged[0].(map[string]interface{})["name"])
}

func TestMergeCombineByFieldFoldsGroups(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := mergeStep("enrich", []string{"{{ a }}", "{{ b }}"}, "combine_by_field", "id")
	execCtx := newTestContext(testWorkflow("wf", step))
	execCtx.SetVariable("a", []interface{}{
		user(1, map[string]interface{}{"name": "ada"}),
		user(2, map[string]interface{}{"name": "bob"}),
	})
	execCtx.SetVariable("b", []interface{}{
		user(1, map[string]interface{}{"email": "ada@example.com", "name": "adjusted"}),
	})

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	merged, ok := result.Output.([]interface{})
	require.True(t, ok)
	require.Len(t, merged, 2)

	first := merged[0].(map[string]interface{})
	assert.Equal(t, "adjusted", first["name"], "later source wins by default")
	assert.Equal(t, "ada@example.com", first["email"])
	assert.Equal(t, "bob", merged[1].(map[string]interface{})["name"])
}

func TestMergeCombineKeepFirstPreservesEarlierValues(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := mergeStep("enrich", []string{"{{ a }}", "{{ b }}"}, "combine_by_field", "id")
	step.Merge.OnConflict = "keep_first"
	execCtx := newTestContext(testWorkflow("wf", step))
	execCtx.SetVariable("a", []interface{}{user(1, map[string]interface{}{"name": "ada"})})
	execCtx.SetVariable("b", []interface{}{user(1, map[string]interface{}{"name": "adjusted", "email": "a@b.c"})})

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	merged := result.Output.([]interface{})
	first := merged[0].(map[string]interface{})
	assert.Equal(t, "ada", first["name"])
	assert.Equal(t, "a@b.c", first["email"], "new fields still merge in")
}

func TestMergeFieldModeRequiresMatchField(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := mergeStep("bad", []string{"{{ a }}"}, "match", "")
	execCtx := newTestContext(testWorkflow("wf", step))
	execCtx.SetVariable("a", []interface{}{})

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusFailed, result.Status)
	assert.Contains(t, result.Error, `merge mode "match" requires match_field`)
}

func TestMergeNonListSourceFails(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := mergeStep("bad", []string{"{{ a }}"}, "", "")
	execCtx := newTestContext(testWorkflow("wf", step))
	execCtx.SetVariable("a", "scalar")

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusFailed, result.Status)
	assert.Contains(t, result.Error, "is not a list")
}
