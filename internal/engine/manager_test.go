package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgl07/marktoflow-sub001/internal/adapter"
	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/store"
	pkgEvents "github.com/scottgl07/marktoflow-sub001/pkg/events"
)

func newTestManagerWithConfig(t *testing.T, config *Config, workflows map[string]*ast.Workflow, opts ...ManagerOption) (*Manager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	loader := func(path string) (*ast.Workflow, error) {
		wf, ok := workflows[path]
		if !ok {
			return nil, fmt.Errorf("workflow %s not found", path)
		}
		return wf, nil
	}
	base := []ManagerOption{WithManagerAdapters(testRegistry())}
	return NewManager(config, st, loader, append(base, opts...)...), st
}

func newTestManager(t *testing.T, workflows map[string]*ast.Workflow, opts ...ManagerOption) (*Manager, *store.MemoryStore) {
	t.Helper()
	return newTestManagerWithConfig(t, DefaultConfig(), workflows, opts...)
}

func awaitStatus(t *testing.T, m *Manager, runID, status string) {
	t.Helper()
	require.Eventually(t, func() bool {
		current, err := m.GetExecutionStatus(context.Background(), runID)
		return err == nil && current == status
	}, 3*time.Second, 10*time.Millisecond, "run never reached status %s", status)
}

func twoStepWorkflow() *ast.Workflow {
	return testWorkflow("wf-two",
		echoStep("greet", "hello", "greeting"),
		echoStep("shout", "{{ greeting }}!", "loud"),
	)
}

func formWorkflow() *ast.Workflow {
	ask := waitStep("ask", "form")
	ask.Wait.Fields = map[string]*ast.FormField{
		"name": {Type: "string", Required: true},
	}
	return testWorkflow("wf-form",
		echoStep("first", "one", "v1"),
		ask,
		echoStep("last", "Hello {{ name }}", "greetingOut"),
	)
}

func suspendingWorkflow() *ast.Workflow {
	pause := waitStep("long", "duration")
	pause.Wait.Duration = "600000"
	return testWorkflow("wf-wait", pause)
}

func sleepingWorkflow(duration string) *ast.Workflow {
	pause := waitStep("nap", "duration")
	pause.Wait.Duration = duration
	return testWorkflow("wf-sleep", pause, echoStep("after", "done", "cleanup"))
}

func TestManagerRunsWorkflowToCompletion(t *testing.T) {
	listener := pkgEvents.NewChannelListener(100)
	m, st := newTestManager(t, map[string]*ast.Workflow{
		"two.flow.md": twoStepWorkflow(),
	}, WithListener(listener))

	runID, err := m.StartExecution(context.Background(), "two.flow.md", nil)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	awaitStatus(t, m, runID, StatusCompleted)
	assert.True(t, m.WaitForAll(time.Second))
	listener.Wait()

	exec, err := st.GetExecution(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, "hello", exec.Outputs["greeting"])
	assert.Equal(t, "hello!", exec.Outputs["loud"])
	require.NotNil(t, exec.CompletedAt)
	assert.Equal(t, 2, exec.TotalSteps)

	checkpoints, err := st.GetCheckpoints(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)
	assert.Equal(t, "greet", checkpoints[0].StepName)
	assert.Equal(t, "shout", checkpoints[1].StepName)
	for _, cp := range checkpoints {
		assert.Equal(t, "completed", cp.Status)
	}

	events := drainEvents(listener.Events)
	assert.Equal(t, []pkgEvents.ExecutionEventType{
		pkgEvents.EventWorkflowStarted,
		pkgEvents.EventStepStarted,
		pkgEvents.EventStepCompleted,
		pkgEvents.EventStepStarted,
		pkgEvents.EventStepCompleted,
		pkgEvents.EventWorkflowCompleted,
	}, eventTypes(events))
}

func TestManagerStartValidatesInputsBeforePersisting(t *testing.T) {
	wf := testWorkflow("wf-in", echoStep("greet", "hi", ""))
	wf.Inputs = map[string]*ast.InputParam{
		"topic": {Type: "string", Required: true},
	}
	m, st := newTestManager(t, map[string]*ast.Workflow{"in.flow.md": wf})

	_, err := m.StartExecution(context.Background(), "in.flow.md", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required input is missing")

	execs, err := st.ListExecutions(context.Background(), store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs, "failed validation must not create a record")
}

func TestManagerStartUnknownWorkflowFails(t *testing.T) {
	m, _ := newTestManager(t, nil)

	_, err := m.StartExecution(context.Background(), "missing.flow.md", nil)
	require.Error(t, err)
}

func TestManagerEnforcesConcurrencyLimit(t *testing.T) {
	config := DefaultConfig()
	config.MaxConcurrentRuns = 1
	m, _ := newTestManagerWithConfig(t, config, map[string]*ast.Workflow{
		"slow.flow.md": sleepingWorkflow("10s"),
	})

	runID, err := m.StartExecution(context.Background(), "slow.flow.md", nil)
	require.NoError(t, err)

	_, err = m.StartExecution(context.Background(), "slow.flow.md", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooManyRuns))

	delivered, err := m.CancelExecution(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, delivered)
	awaitStatus(t, m, runID, StatusCancelled)
}

func TestManagerFormWaitSuspendsAndResumes(t *testing.T) {
	wf := formWorkflow()
	wf.SourceHash = 777
	m, st := newTestManager(t, map[string]*ast.Workflow{
		"form.flow.md": wf,
	})
	ctx := context.Background()

	runID, err := m.StartExecution(ctx, "form.flow.md", nil)
	require.NoError(t, err)
	awaitStatus(t, m, runID, StatusWaiting)

	exec, err := st.GetExecution(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, exec.Status)
	assert.Equal(t, "ask", exec.Metadata["wait_step_id"])
	assert.Equal(t, "777", exec.Metadata["workflow_hash"], "document hash rides along for resume drift checks")
	suspension, ok := exec.Metadata["suspension"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "form", suspension["mode"])
	assert.NotEmpty(t, suspension["resume_token"])

	checkpoints, err := st.GetCheckpoints(ctx, runID)
	require.NoError(t, err)
	require.Len(t, checkpoints, 2, "first step and the wait step")

	// Required form fields are validated before the run is reopened.
	err = m.ResumeExecution(ctx, runID, "", map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required form field "name" missing`)
	status, err := m.GetExecutionStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, status)

	err = m.ResumeExecution(ctx, runID, "", map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)
	awaitStatus(t, m, runID, StatusCompleted)

	exec, err = st.GetExecution(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "one", exec.Outputs["v1"], "variables survive the suspension")
	assert.Equal(t, "Ada", exec.Outputs["name"])
	assert.Equal(t, "Hello Ada", exec.Outputs["greetingOut"])

	checkpoints, err = st.GetCheckpoints(ctx, runID)
	require.NoError(t, err)
	require.Len(t, checkpoints, 3)
	assert.Equal(t, "last", checkpoints[2].StepName)
}

func TestManagerCancelSuspendedRun(t *testing.T) {
	m, st := newTestManager(t, map[string]*ast.Workflow{
		"wait.flow.md": suspendingWorkflow(),
	})
	ctx := context.Background()

	runID, err := m.StartExecution(ctx, "wait.flow.md", nil)
	require.NoError(t, err)
	awaitStatus(t, m, runID, StatusWaiting)

	checkpoints, err := st.GetCheckpoints(ctx, runID)
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)

	delivered, err := m.CancelExecution(ctx, runID)
	require.NoError(t, err)
	assert.True(t, delivered)

	status, err := m.GetExecutionStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, status)

	exec, err := st.GetExecution(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, exec.Status)
	require.NotNil(t, exec.CompletedAt)

	delivered, err = m.CancelExecution(ctx, runID)
	require.NoError(t, err)
	assert.False(t, delivered, "second cancel reports nothing to deliver")

	checkpoints, err = st.GetCheckpoints(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, checkpoints, 1, "no step runs after cancellation")
}

func TestManagerCancelInterruptsInProcessWait(t *testing.T) {
	m, st := newTestManager(t, map[string]*ast.Workflow{
		"sleep.flow.md": sleepingWorkflow("10s"),
	})
	ctx := context.Background()

	runID, err := m.StartExecution(ctx, "sleep.flow.md", nil)
	require.NoError(t, err)

	delivered, err := m.CancelExecution(ctx, runID)
	require.NoError(t, err)
	assert.True(t, delivered)
	awaitStatus(t, m, runID, StatusCancelled)

	checkpoints, err := st.GetCheckpoints(ctx, runID)
	require.NoError(t, err)
	for _, cp := range checkpoints {
		assert.NotEqual(t, "after", cp.StepName, "steps after the cancel point must not run")
	}
}

func TestManagerCancelOrphanRecord(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, st.CreateExecution(ctx, &store.Execution{
		RunID:      "orphan-1",
		WorkflowID: "wf-lost",
		Status:     StatusRunning,
		StartedAt:  time.Now(),
	}))

	delivered, err := m.CancelExecution(ctx, "orphan-1")
	require.NoError(t, err)
	assert.True(t, delivered, "store-only running records are still cancellable")

	exec, err := st.GetExecution(ctx, "orphan-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, exec.Status)
	require.NotNil(t, exec.CompletedAt)

	delivered, err = m.CancelExecution(ctx, "orphan-1")
	require.NoError(t, err)
	assert.False(t, delivered)

	_, err = m.CancelExecution(ctx, "no-such-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestManagerResumeErrors(t *testing.T) {
	m, st := newTestManager(t, map[string]*ast.Workflow{
		"two.flow.md": twoStepWorkflow(),
	})
	ctx := context.Background()

	err := m.ResumeExecution(ctx, "no-such-run", "", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, st.CreateExecution(ctx, &store.Execution{
		RunID:      "done-1",
		WorkflowID: "wf-two",
		Status:     StatusCompleted,
		StartedAt:  time.Now(),
	}))
	err = m.ResumeExecution(ctx, "done-1", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not waiting")

	require.NoError(t, st.CreateExecution(ctx, &store.Execution{
		RunID:        "lost-step",
		WorkflowID:   "wf-two",
		WorkflowPath: "two.flow.md",
		Status:       StatusWaiting,
		StartedAt:    time.Now(),
		Metadata:     map[string]interface{}{"wait_step_id": "ghost"},
	}))
	err = m.ResumeExecution(ctx, "lost-step", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `wait step "ghost" not found`)

	require.NoError(t, st.CreateExecution(ctx, &store.Execution{
		RunID:        "no-step-id",
		WorkflowID:   "wf-two",
		WorkflowPath: "two.flow.md",
		Status:       StatusWaiting,
		StartedAt:    time.Now(),
	}))
	err = m.ResumeExecution(ctx, "no-step-id", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wait step id unknown")
}

func TestManagerStatusFallsBackToStore(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, st.CreateExecution(ctx, &store.Execution{
		RunID:      "old-1",
		WorkflowID: "wf-old",
		Status:     StatusCompleted,
		StartedAt:  time.Now(),
	}))

	status, err := m.GetExecutionStatus(ctx, "old-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)

	_, err = m.GetExecutionStatus(ctx, "no-such-run")
	require.Error(t, err)
}

func TestManagerListExecutionsDelegates(t *testing.T) {
	m, _ := newTestManager(t, map[string]*ast.Workflow{
		"two.flow.md": twoStepWorkflow(),
	})
	ctx := context.Background()

	first, err := m.StartExecution(ctx, "two.flow.md", nil)
	require.NoError(t, err)
	second, err := m.StartExecution(ctx, "two.flow.md", nil)
	require.NoError(t, err)
	awaitStatus(t, m, first, StatusCompleted)
	awaitStatus(t, m, second, StatusCompleted)

	execs, err := m.ListExecutions(ctx, store.ExecutionFilter{Status: StatusCompleted})
	require.NoError(t, err)
	assert.Len(t, execs, 2)

	execs, err = m.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: "other"})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestManagerWaitForAllTimesOut(t *testing.T) {
	m, _ := newTestManager(t, map[string]*ast.Workflow{
		"sleep.flow.md": sleepingWorkflow("2s"),
	})

	_, err := m.StartExecution(context.Background(), "sleep.flow.md", nil)
	require.NoError(t, err)

	assert.False(t, m.WaitForAll(50*time.Millisecond))
}

func TestManagerPersistsRetryCount(t *testing.T) {
	attempts := 0
	transient := &fakeExecutor{name: "transient", fn: func(ctx context.Context, req *adapter.Request) (interface{}, error) {
		attempts++
		if attempts <= 2 {
			return nil, adapter.NewRetryableError(errors.New("transient glitch"), true)
		}
		return "ok", nil
	}}
	step := actionStep("fetch", "transient.get", nil)
	step.Retry = &ast.RetryConfig{MaxRetries: 3, BaseDelay: durationPtr(100 * time.Millisecond)}
	m, st := newTestManager(t, map[string]*ast.Workflow{
		"retry.flow.md": testWorkflow("wf-retry", step),
	}, WithManagerAdapters(testRegistry(transient)))
	ctx := context.Background()

	start := time.Now()
	runID, err := m.StartExecution(ctx, "retry.flow.md", nil)
	require.NoError(t, err)
	awaitStatus(t, m, runID, StatusCompleted)
	elapsed := time.Since(start)

	assert.Equal(t, 3, attempts)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond, "two backoff delays at 100ms base")

	checkpoints, err := st.GetCheckpoints(ctx, runID)
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	assert.Equal(t, 2, checkpoints[0].RetryCount)
	assert.Equal(t, "completed", checkpoints[0].Status)
}

func TestManagerFailoverHookCompletesFailedSteps(t *testing.T) {
	step := failStep("doomed", "dead backend")
	step.Output = "result"
	m, st := newTestManager(t, map[string]*ast.Workflow{
		"fail.flow.md": testWorkflow("wf-failover", step),
	}, WithManagerFailover(&substituteFailover{output: "fallback"}))

	runID, err := m.StartExecution(context.Background(), "fail.flow.md", nil)
	require.NoError(t, err)
	awaitStatus(t, m, runID, StatusCompleted)

	exec, err := st.GetExecution(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, "fallback", exec.Outputs["result"])
}

func TestManagerMetricsUseInjectedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, _ := newTestManager(t, map[string]*ast.Workflow{
		"two.flow.md": twoStepWorkflow(),
	}, WithMetricsRegistry(registry))

	runID, err := m.StartExecution(context.Background(), "two.flow.md", nil)
	require.NoError(t, err)
	awaitStatus(t, m, runID, StatusCompleted)
	require.True(t, m.WaitForAll(time.Second))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.runsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.runsFinished.WithLabelValues(StatusCompleted)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.metrics.activeRuns))

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, family := range families {
		names = append(names, family.GetName())
	}
	assert.Contains(t, names, "marktoflow_runs_started_total")
	assert.Contains(t, names, "marktoflow_run_duration_seconds")
}

func TestManagerRetentionPrunesFinishedRuns(t *testing.T) {
	m, _ := newTestManager(t, map[string]*ast.Workflow{
		"two.flow.md": twoStepWorkflow(),
	}, WithRetention(50*time.Millisecond))

	runID, err := m.StartExecution(context.Background(), "two.flow.md", nil)
	require.NoError(t, err)
	awaitStatus(t, m, runID, StatusCompleted)

	require.Eventually(t, func() bool {
		m.mu.Lock()
		_, tracked := m.active[runID]
		m.mu.Unlock()
		return !tracked
	}, 2*time.Second, 20*time.Millisecond, "finished run never left the in-memory view")

	// The store keeps answering once the handle is gone
	status, err := m.GetExecutionStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
}
