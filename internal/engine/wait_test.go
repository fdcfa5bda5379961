package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
)

func TestWaitShortDurationSleepsInProcess(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := waitStep("pause", "duration")
	step.Wait.Duration = "40"
	execCtx := newTestContext(testWorkflow("wf", step))

	start := time.Now()
	result := e.Dispatch(execCtx, step)
	elapsed := time.Since(start)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	require.Nil(t, result.Suspension)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)

	output := result.Output.(map[string]interface{})
	assert.Equal(t, false, output["waiting"])
	assert.Equal(t, int64(40), output["durationMs"])
}

func TestWaitDurationAcceptsDurationStrings(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := waitStep("pause", "duration")
	step.Wait.Duration = "{{ pause }}"
	execCtx := newTestContext(testWorkflow("wf", step))
	execCtx.SetVariable("pause", "30ms")

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	output := result.Output.(map[string]interface{})
	assert.Equal(t, int64(30), output["durationMs"])
}

func TestWaitLongDurationSuspends(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := waitStep("pause", "duration")
	step.Wait.Duration = "600000"
	execCtx := newTestContext(testWorkflow("wf", step))

	start := time.Now()
	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	require.NotNil(t, result.Suspension)
	assert.Equal(t, "duration", result.Suspension.Mode)
	require.NotNil(t, result.Suspension.ResumeAt)
	assert.WithinDuration(t, start.Add(10*time.Minute), *result.Suspension.ResumeAt, 5*time.Second)

	output := result.Output.(map[string]interface{})
	assert.Equal(t, true, output["waiting"])
	resumeAt, err := time.Parse(time.RFC3339, output["resumeAt"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, *result.Suspension.ResumeAt, resumeAt, time.Second)
}

func TestWaitWebhookSuspendsWithToken(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := waitStep("approval", "webhook")
	execCtx := newTestContext(testWorkflow("wf", step))

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	require.NotNil(t, result.Suspension)
	assert.Equal(t, "webhook", result.Suspension.Mode)
	assert.NotEmpty(t, result.Suspension.ResumeToken)
	assert.Equal(t, "/api/v1/webhooks/"+result.Suspension.ResumeToken, result.Suspension.Path)

	output := result.Output.(map[string]interface{})
	assert.Equal(t, result.Suspension.ResumeToken, output["resumeToken"])
}

func TestWaitWebhookCustomPathRendered(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := waitStep("approval", "webhook")
	step.Wait.Path = "/hooks/{{ env }}/approve"
	execCtx := newTestContext(testWorkflow("wf", step))
	execCtx.SetVariable("env", "prod")

	result := e.Dispatch(execCtx, step)

	require.NotNil(t, result.Suspension)
	assert.Equal(t, "/hooks/prod/approve", result.Suspension.Path)
}

func TestWaitFormSuspendsWithFields(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := waitStep("ask", "form")
	step.Wait.Fields = map[string]*ast.FormField{
		"name": {Type: "string", Required: true},
	}
	execCtx := newTestContext(testWorkflow("wf", step))

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusCompleted, result.Status)
	require.NotNil(t, result.Suspension)
	assert.Equal(t, "form", result.Suspension.Mode)
	require.Contains(t, result.Suspension.Fields, "name")
	assert.True(t, result.Suspension.Fields["name"].Required)
}

func TestWaitFormRequiresFields(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := waitStep("ask", "form")
	execCtx := newTestContext(testWorkflow("wf", step))

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusFailed, result.Status)
	assert.Contains(t, result.Error, "form wait requires at least one field")
}

func TestWaitUnknownModeFails(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := waitStep("odd", "lunar")
	execCtx := newTestContext(testWorkflow("wf", step))

	result := e.Dispatch(execCtx, step)

	require.Equal(t, execcontext.StepStatusFailed, result.Status)
	assert.Contains(t, result.Error, `unknown wait mode "lunar"`)
}

func TestWaitInProcessSleepHonorsCancellation(t *testing.T) {
	e, _ := newTestExecutor(t)
	step := waitStep("pause", "duration")
	step.Wait.Duration = "30s"
	execCtx := newTestContext(testWorkflow("wf", step))

	go func() {
		time.Sleep(30 * time.Millisecond)
		execCtx.Cancel()
	}()

	start := time.Now()
	result := e.Dispatch(execCtx, step)
	elapsed := time.Since(start)

	assert.Equal(t, execcontext.StepStatusCancelled, result.Status)
	assert.Less(t, elapsed, 5*time.Second, "cancel must interrupt the sleep")
}
