package sandbox

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireNode(t *testing.T) *NodeRunner {
	t.Helper()
	if _, err := exec.LookPath("node"); err != nil {
		t.Skip("node not available")
	}
	runner, err := NewNodeRunner(t.TempDir())
	require.NoError(t, err)
	return runner
}

func TestNodeRunnerEvaluatesExpression(t *testing.T) {
	runner := requireNode(t)

	result, err := runner.Run(context.Background(), "1 + 2", &Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, float64(3), result)
}

func TestNodeRunnerSeesSnapshot(t *testing.T) {
	runner := requireNode(t)

	result, err := runner.Run(context.Background(),
		`variables.greeting + " " + inputs.name + " (" + steps.prev.status + ")"`,
		&Snapshot{
			Variables: map[string]interface{}{"greeting": "hello"},
			Inputs:    map[string]interface{}{"name": "ada"},
			Steps: map[string]interface{}{
				"prev": map[string]interface{}{"status": "completed"},
			},
		})
	require.NoError(t, err)
	assert.Equal(t, "hello ada (completed)", result)
}

func TestNodeRunnerReturnsObjects(t *testing.T) {
	runner := requireNode(t)

	result, err := runner.Run(context.Background(),
		`({total: inputs.items.reduce((acc, n) => acc + n, 0)})`,
		&Snapshot{
			Inputs: map[string]interface{}{"items": []interface{}{1, 2, 3}},
		})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"total": float64(6)}, result)
}

func TestNodeRunnerSurfacesErrors(t *testing.T) {
	runner := requireNode(t)

	_, err := runner.Run(context.Background(), `(() => { throw new Error("boom") })()`, &Snapshot{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestNodeRunnerHonorsCancellation(t *testing.T) {
	runner := requireNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := runner.Run(ctx, `while (true) {}`, &Snapshot{})
	require.Error(t, err)
}

func TestRunnerFunc(t *testing.T) {
	runner := RunnerFunc(func(_ context.Context, code string, snapshot *Snapshot) (interface{}, error) {
		return code + "!", nil
	})

	result, err := runner.Run(context.Background(), "ok", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok!", result)
}
