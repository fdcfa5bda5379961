// Package events provides types and interfaces for observing workflow
// execution progress. The engine emits one event stream per run, covering
// the workflow lifecycle and every step dispatch, including retries,
// skips, and wait-step suspensions.
//
// Emission is fire-and-forget: a slow or absent consumer never blocks
// step execution, and observers must not assume delivery of every event
// under backpressure.
package events

import (
	"sync"
	"time"
)

// ExecutionEventType represents the type of execution event that occurred
// during workflow processing.
type ExecutionEventType string

const (
	// EventWorkflowStarted is emitted when a run begins execution.
	EventWorkflowStarted ExecutionEventType = "workflow_started"

	// EventWorkflowCompleted is emitted when a run completes successfully.
	EventWorkflowCompleted ExecutionEventType = "workflow_completed"

	// EventWorkflowFailed is emitted when a run fails and cannot continue.
	EventWorkflowFailed ExecutionEventType = "workflow_failed"

	// EventWorkflowCancelled is emitted when a run is cancelled by the user.
	EventWorkflowCancelled ExecutionEventType = "workflow_cancelled"

	// EventWorkflowSuspended is emitted when a run suspends at a wait step.
	EventWorkflowSuspended ExecutionEventType = "workflow_suspended"

	// EventWorkflowResumed is emitted when a suspended run is re-entered.
	EventWorkflowResumed ExecutionEventType = "workflow_resumed"

	// EventStepStarted is emitted when an individual step begins execution.
	EventStepStarted ExecutionEventType = "step_started"

	// EventStepCompleted is emitted when a step completes.
	EventStepCompleted ExecutionEventType = "step_completed"

	// EventStepFailed is emitted when a step fails.
	EventStepFailed ExecutionEventType = "step_failed"

	// EventStepSkipped is emitted when a step's guard conditions held it back.
	EventStepSkipped ExecutionEventType = "step_skipped"

	// EventStepRetrying is emitted before a retry attempt of a failed step.
	EventStepRetrying ExecutionEventType = "step_retrying"
)

// ExecutionEvent represents a single event that occurred during workflow
// execution.
type ExecutionEvent struct {
	// Type specifies the kind of execution event that occurred.
	Type ExecutionEventType `json:"type"`
	// Timestamp indicates when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// RunID is the unique identifier for the workflow execution run.
	RunID string `json:"run_id"`
	// StepID is the identifier of the step associated with this event.
	StepID string `json:"step_id,omitempty"`
	// BranchID identifies the parallel branch the step ran in, if any.
	BranchID string `json:"branch_id,omitempty"`
	// StepIndex is the dispatch sequence number of the step within the run.
	StepIndex int `json:"step_index,omitempty"`
	// Duration represents how long the operation took (completion events).
	Duration time.Duration `json:"duration,omitempty"`
	// Error contains the error message if the event represents a failure.
	Error string `json:"error,omitempty"`
	// Attempt indicates which retry attempt this event represents (1-based).
	Attempt int `json:"attempt,omitempty"`
	// Metadata contains additional structured data specific to the event
	// type, e.g. the wait payload of a suspension.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Listener is the observer interface for run progress. Implementations
// receive the run's event channel when execution begins and are told when
// the stream ends.
type Listener interface {
	// StartListening begins consuming the provided event channel. It is
	// called once per observed run, before the first event is emitted.
	StartListening(progressChan <-chan ExecutionEvent)

	// StopListening signals that the event stream has ended.
	StopListening()
}

// NoopListener is a Listener that ignores every event. It is the default
// when no observer is installed.
type NoopListener struct{}

// StartListening implements Listener.
func (n *NoopListener) StartListening(progressChan <-chan ExecutionEvent) {}

// StopListening implements Listener.
func (n *NoopListener) StopListening() {}

// ChannelListener forwards events to a caller-owned channel, dropping
// events the caller is too slow to take. Useful for tests and embedders
// that want a plain channel. A single listener may observe several
// streams in sequence, as happens when a suspended run resumes.
type ChannelListener struct {
	Events  chan ExecutionEvent
	streams sync.WaitGroup
}

// NewChannelListener creates a listener buffering up to size events
func NewChannelListener(size int) *ChannelListener {
	return &ChannelListener{
		Events: make(chan ExecutionEvent, size),
	}
}

// StartListening implements Listener.
func (c *ChannelListener) StartListening(progressChan <-chan ExecutionEvent) {
	c.streams.Add(1)
	go func() {
		defer c.streams.Done()
		for event := range progressChan {
			select {
			case c.Events <- event:
			default:
			}
		}
	}()
}

// StopListening implements Listener.
func (c *ChannelListener) StopListening() {}

// Wait blocks until every observed event stream has been fully drained
func (c *ChannelListener) Wait() {
	c.streams.Wait()
}
