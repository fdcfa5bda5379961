package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	pkgEvents "github.com/scottgl07/marktoflow-sub001/pkg/events"
)

func TestRunCompletesWorkflow(t *testing.T) {
	e, _ := newTestExecutor(t)
	wf := testWorkflow("wf",
		echoStep("one", "first", "v1"),
		echoStep("two", "{{ v1 }}!", "v2"),
	)
	execCtx := newTestContext(wf)
	progress := make(chan pkgEvents.ExecutionEvent, 100)

	err := e.ExecuteWorkflow(execCtx, progress)
	require.NoError(t, err)

	assert.Equal(t, execcontext.StatusCompleted, execCtx.Status())
	v2, ok := execCtx.GetVariable("v2")
	require.True(t, ok)
	assert.Equal(t, "first!", v2)

	types := eventTypes(drainEvents(progress))
	assert.Equal(t, []pkgEvents.ExecutionEventType{
		pkgEvents.EventWorkflowStarted,
		pkgEvents.EventStepStarted,
		pkgEvents.EventStepCompleted,
		pkgEvents.EventStepStarted,
		pkgEvents.EventStepCompleted,
		pkgEvents.EventWorkflowCompleted,
	}, types)
}

func TestRunStopsOnFirstFailure(t *testing.T) {
	e, _ := newTestExecutor(t)
	wf := testWorkflow("wf",
		failStep("explode", "boom"),
		echoStep("after", "unreachable", "v"),
	)
	execCtx := newTestContext(wf)
	progress := make(chan pkgEvents.ExecutionEvent, 100)

	err := e.ExecuteWorkflow(execCtx, progress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step explode failed")

	assert.Equal(t, execcontext.StatusFailed, execCtx.Status())
	assert.Equal(t, "boom", execCtx.ErrorMessage())

	_, ran := execCtx.GetStepResult("after")
	assert.False(t, ran)

	events := drainEvents(progress)
	last := events[len(events)-1]
	assert.Equal(t, pkgEvents.EventWorkflowFailed, last.Type)
	assert.Equal(t, "boom", last.Error)
}

func TestRunSuspendsAtWaitStep(t *testing.T) {
	e, _ := newTestExecutor(t)
	wf := testWorkflow("wf", waitStep("gate", "webhook"), echoStep("after", "x", "v"))
	execCtx := newTestContext(wf)
	progress := make(chan pkgEvents.ExecutionEvent, 100)

	err := e.ExecuteWorkflow(execCtx, progress)

	var suspended *SuspendedError
	require.ErrorAs(t, err, &suspended)
	assert.Equal(t, "gate", suspended.StepID)
	require.NotNil(t, suspended.Suspension)
	assert.Equal(t, "webhook", suspended.Suspension.Mode)
	assert.NotEmpty(t, suspended.Suspension.ResumeToken)

	_, ran := execCtx.GetStepResult("after")
	assert.False(t, ran)

	events := drainEvents(progress)
	last := events[len(events)-1]
	assert.Equal(t, pkgEvents.EventWorkflowSuspended, last.Type)
	assert.Equal(t, "webhook", last.Metadata["mode"])
}

func TestRunResumesFromCursor(t *testing.T) {
	e, _ := newTestExecutor(t)
	wf := testWorkflow("wf",
		echoStep("one", "skipme", "v1"),
		echoStep("two", "ran", "v2"),
	)
	execCtx := newTestContext(wf)
	progress := make(chan pkgEvents.ExecutionEvent, 100)

	err := e.Run(execCtx, progress, 1)
	require.NoError(t, err)

	_, ranFirst := execCtx.GetStepResult("one")
	assert.False(t, ranFirst)
	v2, ok := execCtx.GetVariable("v2")
	require.True(t, ok)
	assert.Equal(t, "ran", v2)

	types := eventTypes(drainEvents(progress))
	assert.NotContains(t, types, pkgEvents.EventWorkflowStarted)
}
