package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
)

// executeWait pauses the run. Short duration waits sleep in-process;
// anything longer, and every webhook or form wait, suspends the run with
// a persisted resume handle. The step itself completes either way, with
// the wait payload as its output.
func (e *Executor) executeWait(ctx context.Context, execCtx *execcontext.ExecutionContext, step *ast.Step) (interface{}, *execcontext.Suspension, error) {
	w := step.Wait
	env := execCtx.TemplateEnv()

	switch w.Mode {
	case "duration":
		duration, err := parseWaitDuration(e.templates.RenderString(w.Duration, env))
		if err != nil {
			return nil, nil, fmt.Errorf("step %s: %w", step.ID, err)
		}

		if duration <= e.config.MaxInProcessWait {
			log.Debug().
				Str("run_id", execCtx.RunID).
				Str("step_id", step.ID).
				Dur("duration", duration).
				Msg("Waiting in process")
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(duration):
			}
			return map[string]interface{}{
				"waiting":    false,
				"mode":       "duration",
				"durationMs": duration.Milliseconds(),
			}, nil, nil
		}

		resumeAt := time.Now().Add(duration)
		suspension := &execcontext.Suspension{
			Mode:     "duration",
			ResumeAt: &resumeAt,
		}
		output := map[string]interface{}{
			"waiting":    true,
			"mode":       "duration",
			"resumeAt":   resumeAt.Format(time.RFC3339),
			"durationMs": duration.Milliseconds(),
		}
		return output, suspension, nil

	case "webhook":
		token := uuid.New().String()
		path := "/api/v1/webhooks/" + token
		if w.Path != "" {
			path = e.templates.RenderString(w.Path, env)
		}

		suspension := &execcontext.Suspension{
			Mode:        "webhook",
			ResumeToken: token,
			Path:        path,
		}
		output := map[string]interface{}{
			"waiting":     true,
			"mode":        "webhook",
			"resumeToken": token,
			"webhookPath": path,
		}
		return output, suspension, nil

	case "form":
		if len(w.Fields) == 0 {
			return nil, nil, fmt.Errorf("step %s: form wait requires at least one field", step.ID)
		}

		token := uuid.New().String()
		path := "/api/v1/forms/" + token
		if w.Path != "" {
			path = e.templates.RenderString(w.Path, env)
		}

		suspension := &execcontext.Suspension{
			Mode:        "form",
			ResumeToken: token,
			Path:        path,
			Fields:      w.Fields,
		}
		output := map[string]interface{}{
			"waiting":     true,
			"mode":        "form",
			"resumeToken": token,
			"fields":      w.Fields,
			"formPath":    path,
		}
		return output, suspension, nil

	default:
		return nil, nil, fmt.Errorf("step %s: unknown wait mode %q", step.ID, w.Mode)
	}
}

// parseWaitDuration accepts a bare number of milliseconds or a duration
// string like "90s"
func parseWaitDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, errors.New("duration wait requires a duration")
	}
	if ms, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(ms * float64(time.Millisecond)), nil
	}
	duration, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid wait duration %q", raw)
	}
	return duration, nil
}

// suspensionMetadata shapes a suspension for event consumers
func suspensionMetadata(s *execcontext.Suspension) map[string]interface{} {
	if s == nil {
		return nil
	}
	meta := map[string]interface{}{"mode": s.Mode}
	if s.ResumeToken != "" {
		meta["resume_token"] = s.ResumeToken
	}
	if s.Path != "" {
		meta["path"] = s.Path
	}
	if s.ResumeAt != nil {
		meta["resume_at"] = s.ResumeAt.Format(time.RFC3339)
	}
	return meta
}
