package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scottgl07/marktoflow-sub001/internal/adapter"
	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	"github.com/scottgl07/marktoflow-sub001/internal/store"
	pkgEvents "github.com/scottgl07/marktoflow-sub001/pkg/events"
)

// errSkipStep signals that a step resolved to nothing to run (empty
// branch, no items). The dispatcher records the step as skipped.
var errSkipStep = errors.New("step skipped")

// errStepTimeout marks a step-level timeout. A timed-out step fails
// immediately and is not retried.
var errStepTimeout = errors.New("step timed out")

// isCancellation distinguishes run cancellation and deadline expiry from
// ordinary step failures; loop error policies never absorb these.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Dispatch runs one step to a terminal status. It never returns an error:
// every failure mode, including panics inside executors, is absorbed into
// the step result. Control-flow executors call back into Dispatch for
// their children.
func (e *Executor) Dispatch(execCtx *execcontext.ExecutionContext, step *ast.Step) *execcontext.StepResult {
	result := &execcontext.StepResult{
		StepID:    step.ID,
		Status:    execcontext.StepStatusRunning,
		StartedAt: time.Now(),
	}

	if execCtx.IsCancelled() {
		result.Status = execcontext.StepStatusCancelled
		result.CompletedAt = time.Now()
		execCtx.RecordStepResult(result)
		return result
	}

	if !e.conditionsHold(execCtx, step) {
		result.Status = execcontext.StepStatusSkipped
		return e.finish(execCtx, step, result)
	}

	execCtx.RecordStepResult(result)
	e.emit(pkgEvents.ExecutionEvent{
		Type:     pkgEvents.EventStepStarted,
		RunID:    execCtx.RunID,
		StepID:   step.ID,
		BranchID: execCtx.BranchID,
	})
	log.Debug().
		Str("run_id", execCtx.RunID).
		Str("step_id", step.ID).
		Str("kind", string(step.Kind)).
		Msg("Dispatching step")

	output, suspension, err := e.runWithRetry(execCtx, step, result)

	if err != nil && e.failover != nil && !execCtx.IsCancelled() && !errors.Is(err, errSkipStep) {
		if substitute, ok := e.failover.OnStepFailure(execCtx, step, err); ok {
			log.Warn().
				Str("run_id", execCtx.RunID).
				Str("step_id", step.ID).
				Str("error", err.Error()).
				Msg("Failover hook substituted step output")
			output, err = substitute, nil
		}
	}

	switch {
	case err == nil:
		result.Status = execcontext.StepStatusCompleted
		result.Output = output
		result.Suspension = suspension
		if step.Output != "" {
			execCtx.SetVariable(step.Output, output)
		}

	case errors.Is(err, errSkipStep):
		result.Status = execcontext.StepStatusSkipped

	case execCtx.IsCancelled():
		result.Status = execcontext.StepStatusCancelled

	default:
		result.Status = execcontext.StepStatusFailed
		result.Error = err.Error()
		execCtx.SetError(err.Error())
	}

	return e.finish(execCtx, step, result)
}

// conditionsHold evaluates the step's guard conditions. All must be true;
// an expression error counts as false.
func (e *Executor) conditionsHold(execCtx *execcontext.ExecutionContext, step *ast.Step) bool {
	for _, condition := range step.Conditions {
		ok, err := e.templates.EvaluateCondition(condition, execCtx.TemplateEnv())
		if err != nil {
			log.Warn().
				Str("run_id", execCtx.RunID).
				Str("step_id", step.ID).
				Str("condition", condition).
				Err(err).
				Msg("Condition evaluation failed, treating as false")
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// runWithRetry drives executor attempts under the step's retry policy.
// Delays grow exponentially from the base, capped at the max, with up to
// 10% jitter; a RetryAfter hint from the failed attempt overrides the
// computed delay.
func (e *Executor) runWithRetry(execCtx *execcontext.ExecutionContext, step *ast.Step, result *execcontext.StepResult) (interface{}, *execcontext.Suspension, error) {
	policy := e.retryPolicy(step)

	var lastErr error
	for attempt := 0; ; attempt++ {
		output, suspension, err := e.runExecutor(execCtx, step)
		if err == nil {
			return output, suspension, nil
		}
		if errors.Is(err, errSkipStep) || execCtx.IsCancelled() {
			return nil, nil, err
		}
		lastErr = err

		if attempt >= policy.maxRetries || !retryable(err) {
			break
		}

		delay := policy.delay(attempt)
		if after := adapter.RetryAfter(err); after > 0 {
			delay = after
		}

		result.RetryCount++
		e.emit(pkgEvents.ExecutionEvent{
			Type:     pkgEvents.EventStepRetrying,
			RunID:    execCtx.RunID,
			StepID:   step.ID,
			BranchID: execCtx.BranchID,
			Attempt:  result.RetryCount,
			Error:    err.Error(),
		})
		log.Warn().
			Str("run_id", execCtx.RunID).
			Str("step_id", step.ID).
			Int("attempt", result.RetryCount).
			Dur("delay", delay).
			Str("error", err.Error()).
			Msg("Step failed, retrying")

		select {
		case <-execCtx.Context().Done():
			return nil, nil, execCtx.Context().Err()
		case <-time.After(delay):
		}
	}
	return nil, nil, lastErr
}

type kindResult struct {
	output     interface{}
	suspension *execcontext.Suspension
	err        error
}

// runExecutor races one executor invocation against the step timeout.
// The executor receives a context carrying the deadline, so well-behaved
// kinds unwind on their own; the race guarantees the dispatcher itself
// never blocks past the deadline.
func (e *Executor) runExecutor(execCtx *execcontext.ExecutionContext, step *ast.Step) (interface{}, *execcontext.Suspension, error) {
	parent := execCtx.Context()

	timeout := e.config.DefaultTimeout
	if step.Timeout != nil {
		timeout = step.Timeout.Duration
	}

	ctx := parent
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	resultCh := make(chan kindResult, 1)
	go func() {
		output, suspension, err := e.executeKindSafe(ctx, execCtx, step)
		resultCh <- kindResult{output, suspension, err}
	}()

	select {
	case res := <-resultCh:
		return res.output, res.suspension, res.err
	case <-ctx.Done():
		if parent.Err() != nil {
			return nil, nil, parent.Err()
		}
		return nil, nil, fmt.Errorf("%w after %s", errStepTimeout, timeout)
	}
}

// executeKindSafe converts executor panics into step failures
func (e *Executor) executeKindSafe(ctx context.Context, execCtx *execcontext.ExecutionContext, step *ast.Step) (output interface{}, suspension *execcontext.Suspension, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("run_id", execCtx.RunID).
				Str("step_id", step.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Step execution panicked")
			err = fmt.Errorf("step %s panicked: %v", step.ID, r)
		}
	}()
	return e.executeKind(ctx, execCtx, step)
}

// executeKind selects the executor for the step's kind
func (e *Executor) executeKind(ctx context.Context, execCtx *execcontext.ExecutionContext, step *ast.Step) (interface{}, *execcontext.Suspension, error) {
	switch step.Kind {
	case ast.StepKindAction:
		output, err := e.executeAction(ctx, execCtx, step)
		return output, nil, err
	case ast.StepKindWorkflow:
		output, err := e.executeSubWorkflow(ctx, execCtx, step)
		return output, nil, err
	case ast.StepKindIf:
		return e.executeIf(ctx, execCtx, step)
	case ast.StepKindSwitch:
		return e.executeSwitch(ctx, execCtx, step)
	case ast.StepKindForEach:
		return e.executeForEach(ctx, execCtx, step)
	case ast.StepKindWhile:
		return e.executeWhile(ctx, execCtx, step)
	case ast.StepKindMap:
		output, err := e.executeMap(execCtx, step)
		return output, nil, err
	case ast.StepKindFilter:
		output, err := e.executeFilter(execCtx, step)
		return output, nil, err
	case ast.StepKindReduce:
		output, err := e.executeReduce(execCtx, step)
		return output, nil, err
	case ast.StepKindParallel:
		output, err := e.executeParallel(ctx, execCtx, step)
		return output, nil, err
	case ast.StepKindTry:
		return e.executeTry(ctx, execCtx, step)
	case ast.StepKindScript:
		output, err := e.executeScript(ctx, execCtx, step)
		return output, nil, err
	case ast.StepKindWait:
		return e.executeWait(ctx, execCtx, step)
	case ast.StepKindMerge:
		output, err := e.executeMerge(execCtx, step)
		return output, nil, err
	default:
		return nil, nil, fmt.Errorf("unsupported step kind %q", step.Kind)
	}
}

// childFailure reports which child of a block failed and why. Try blocks
// unpack it into the error binding visible to catch steps.
type childFailure struct {
	stepID  string
	message string
}

func (f *childFailure) Error() string {
	return fmt.Sprintf("step %s failed: %s", f.stepID, f.message)
}

// asChildFailure recovers the structured failure, synthesizing one from
// the bare message when a block produced a plain error.
func asChildFailure(err error) *childFailure {
	var failure *childFailure
	if errors.As(err, &failure) {
		return failure
	}
	return &childFailure{message: err.Error()}
}

// runChildren dispatches a child step list in order. Completed children
// contribute their output; a failed child halts the list with its error,
// and a suspension halts it with the suspension to bubble up.
func (e *Executor) runChildren(ctx context.Context, execCtx *execcontext.ExecutionContext, steps []*ast.Step) ([]interface{}, *execcontext.Suspension, error) {
	outputs := make([]interface{}, 0, len(steps))
	for _, child := range steps {
		if err := ctx.Err(); err != nil {
			return outputs, nil, err
		}
		if execCtx.IsCancelled() {
			return outputs, nil, context.Canceled
		}

		result := e.Dispatch(execCtx, child)
		switch result.Status {
		case execcontext.StepStatusFailed:
			return outputs, nil, &childFailure{stepID: child.ID, message: result.Error}
		case execcontext.StepStatusCancelled:
			return outputs, nil, context.Canceled
		case execcontext.StepStatusCompleted:
			outputs = append(outputs, result.Output)
			if result.Suspension != nil {
				return outputs, result.Suspension, nil
			}
		}
	}
	return outputs, nil, nil
}

// finish closes out a step result: it is recorded, checkpointed, and only
// then announced. Observers never see a completion that is not yet
// durable.
func (e *Executor) finish(execCtx *execcontext.ExecutionContext, step *ast.Step, result *execcontext.StepResult) *execcontext.StepResult {
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	execCtx.RecordStepResult(result)

	index := e.checkpoint(execCtx, step, result)

	event := pkgEvents.ExecutionEvent{
		RunID:     execCtx.RunID,
		StepID:    step.ID,
		BranchID:  execCtx.BranchID,
		StepIndex: index,
		Duration:  result.Duration,
	}
	switch result.Status {
	case execcontext.StepStatusCompleted:
		event.Type = pkgEvents.EventStepCompleted
		e.emit(event)
	case execcontext.StepStatusFailed:
		event.Type = pkgEvents.EventStepFailed
		event.Error = result.Error
		e.emit(event)
		log.Error().
			Str("run_id", execCtx.RunID).
			Str("step_id", step.ID).
			Str("error", result.Error).
			Int("retries", result.RetryCount).
			Msg("Step failed")
	case execcontext.StepStatusSkipped:
		event.Type = pkgEvents.EventStepSkipped
		e.emit(event)
		log.Debug().
			Str("run_id", execCtx.RunID).
			Str("step_id", step.ID).
			Msg("Step skipped")
	}
	return result
}

// checkpoint assigns the step its run-global dispatch index and persists
// the outcome. The write uses a background context so the final
// checkpoints of a cancelled run still land.
func (e *Executor) checkpoint(execCtx *execcontext.ExecutionContext, step *ast.Step, result *execcontext.StepResult) int {
	index := execCtx.NextCheckpointIndex()
	if e.store == nil || e.config.CheckpointDisabled {
		return index
	}

	outputs := map[string]interface{}{
		"output":    result.Output,
		"variables": execCtx.Variables(),
	}
	if result.Suspension != nil {
		outputs["suspension"] = result.Suspension
	}

	cp := &store.Checkpoint{
		RunID:       execCtx.RunID,
		StepIndex:   index,
		StepName:    step.ID,
		Status:      string(result.Status),
		StartedAt:   result.StartedAt,
		CompletedAt: &result.CompletedAt,
		Inputs:      execCtx.Inputs,
		Outputs:     outputs,
		Error:       result.Error,
		RetryCount:  result.RetryCount,
	}
	if err := e.store.SaveCheckpoint(context.Background(), cp); err != nil {
		log.Warn().
			Err(err).
			Str("run_id", execCtx.RunID).
			Str("step_id", step.ID).
			Msg("Failed to save checkpoint")
	}
	return index
}
