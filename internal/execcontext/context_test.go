package execcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
)

func newTestContext(t *testing.T) *ExecutionContext {
	t.Helper()
	wf := &ast.Workflow{ID: "test-wf"}
	return New(context.Background(), wf, "run-1", map[string]interface{}{"topic": "go"})
}

func TestScopedVariablesUnwind(t *testing.T) {
	ec := newTestContext(t)

	ec.SetVariable("persistent", "yes")

	pop := ec.PushScope()
	ec.SetScoped("item", 42)
	ec.SetScoped("loop", map[string]interface{}{"index": 0})

	v, ok := ec.GetVariable("item")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	// run-scoped writes inside a frame land in the root
	ec.SetVariable("bound", "output")
	pop()

	_, ok = ec.GetVariable("item")
	assert.False(t, ok)
	_, ok = ec.GetVariable("loop")
	assert.False(t, ok)

	v, _ = ec.GetVariable("bound")
	assert.Equal(t, "output", v)
	v, _ = ec.GetVariable("persistent")
	assert.Equal(t, "yes", v)
}

func TestInnerFrameShadowsOuter(t *testing.T) {
	ec := newTestContext(t)
	ec.SetVariable("x", "outer")

	pop := ec.PushScope()
	ec.SetScoped("x", "inner")

	v, _ := ec.GetVariable("x")
	assert.Equal(t, "inner", v)
	assert.Equal(t, "inner", ec.Variables()["x"])

	pop()
	v, _ = ec.GetVariable("x")
	assert.Equal(t, "outer", v)
}

func TestTemplateEnvShape(t *testing.T) {
	ec := newTestContext(t)
	ec.SetVariable("greeting", "hello")
	ec.RecordStepResult(&StepResult{StepID: "s1", Status: StepStatusCompleted, Output: "done"})

	env := ec.TemplateEnv()

	assert.Equal(t, map[string]interface{}{"topic": "go"}, env["inputs"])
	assert.Equal(t, "hello", env["greeting"]) // spread access
	vars := env["variables"].(map[string]interface{})
	assert.Equal(t, "hello", vars["greeting"])
	meta := env["stepMetadata"].(map[string]interface{})
	s1 := meta["s1"].(map[string]interface{})
	assert.Equal(t, "completed", s1["status"])
	assert.Equal(t, "done", s1["output"])
}

func TestCloneIsolatesVariables(t *testing.T) {
	ec := newTestContext(t)
	ec.SetVariable("shared", map[string]interface{}{"count": 1})

	branch := ec.Clone("branch0")
	branch.SetVariable("x", "A")

	// mutate the clone's copy of a nested structure
	v, _ := branch.GetVariable("shared")
	v.(map[string]interface{})["count"] = 99

	_, ok := ec.GetVariable("x")
	assert.False(t, ok, "branch writes must not reach the parent")

	parentShared, _ := ec.GetVariable("shared")
	assert.Equal(t, 1, parentShared.(map[string]interface{})["count"])

	// inputs are shared, not copied
	assert.Equal(t, "go", branch.Inputs["topic"])
}

func TestMergeBranch(t *testing.T) {
	ec := newTestContext(t)
	ec.SetVariable("x", "parent")

	b0 := ec.Clone("branch0")
	b0.SetVariable("x", "A")
	b1 := ec.Clone("branch1")
	b1.SetVariable("x", "B")

	ec.MergeBranch(b0)
	ec.MergeBranch(b1)

	v, _ := ec.GetVariable("x")
	assert.Equal(t, "parent", v, "pre-fork variables stay untouched")

	branches, _ := ec.GetVariable("branches")
	bm := branches.(map[string]interface{})
	assert.Equal(t, "A", bm["branch0"].(map[string]interface{})["x"])
	assert.Equal(t, "B", bm["branch1"].(map[string]interface{})["x"])
}

func TestCancellationSignal(t *testing.T) {
	ec := newTestContext(t)
	assert.False(t, ec.IsCancelled())

	ec.Cancel()
	assert.True(t, ec.IsCancelled())

	// clones share the signal
	branch := ec.Clone("b")
	assert.True(t, branch.IsCancelled())
}

func TestCheckpointSequenceSharedWithClones(t *testing.T) {
	ec := newTestContext(t)

	assert.Equal(t, 0, ec.NextCheckpointIndex())
	branch := ec.Clone("b")
	assert.Equal(t, 1, branch.NextCheckpointIndex())
	assert.Equal(t, 2, ec.NextCheckpointIndex())

	ec.SeedCheckpointIndex(10)
	assert.Equal(t, 10, ec.NextCheckpointIndex())
}

func TestSetErrorKeepsFirstMessage(t *testing.T) {
	ec := newTestContext(t)
	ec.SetError("first failure")
	ec.SetError("second failure")
	assert.Equal(t, "first failure", ec.ErrorMessage())
}
