package server

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scottgl07/marktoflow-sub001/internal/engine"
	"github.com/scottgl07/marktoflow-sub001/internal/store"
)

// runScheduler periodically re-enters duration waits whose deadline has
// passed. Webhook and form waits resume only through their endpoints.
func (s *Server) runScheduler(interval time.Duration) {
	defer close(s.schedulerDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopScheduler:
			return
		case <-ticker.C:
			s.resumeDueWaits()
		}
	}
}

// resumeDueWaits scans waiting executions and resumes those whose
// resume_at lies in the past. ResumeExecution rejects anything no longer
// waiting, so a resume racing a cancel loses cleanly.
func (s *Server) resumeDueWaits() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	waiting, err := s.store.ListExecutions(ctx, store.ExecutionFilter{Status: engine.StatusWaiting})
	if err != nil {
		log.Warn().Err(err).Msg("Scheduler failed to list waiting executions")
		return
	}

	now := time.Now()
	for _, exec := range waiting {
		suspension, _ := exec.Metadata["suspension"].(map[string]interface{})
		if suspension == nil {
			continue
		}
		if mode, _ := suspension["mode"].(string); mode != "duration" {
			continue
		}

		raw, _ := suspension["resume_at"].(string)
		resumeAt, err := time.Parse(time.RFC3339, raw)
		if err != nil || now.Before(resumeAt) {
			continue
		}

		stepID, _ := exec.Metadata["wait_step_id"].(string)
		if err := s.manager.ResumeExecution(ctx, exec.RunID, stepID, nil); err != nil {
			log.Warn().
				Err(err).
				Str("run_id", exec.RunID).
				Msg("Failed to resume due wait")
			continue
		}

		log.Info().
			Str("run_id", exec.RunID).
			Str("step_id", stepID).
			Msg("Resumed duration wait")
	}
}

// findSuspendedByToken scans waiting executions for one suspended with
// the given resume token in the given mode. A nil execution with nil
// error means no match.
func (s *Server) findSuspendedByToken(ctx context.Context, token, mode string) (*store.Execution, string, error) {
	waiting, err := s.store.ListExecutions(ctx, store.ExecutionFilter{Status: engine.StatusWaiting})
	if err != nil {
		return nil, "", err
	}

	for _, exec := range waiting {
		suspension, _ := exec.Metadata["suspension"].(map[string]interface{})
		if suspension == nil {
			continue
		}
		if m, _ := suspension["mode"].(string); m != mode {
			continue
		}
		if t, _ := suspension["resume_token"].(string); t == token {
			stepID, _ := exec.Metadata["wait_step_id"].(string)
			return exec, stepID, nil
		}
	}
	return nil, "", nil
}
