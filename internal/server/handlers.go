package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/scottgl07/marktoflow-sub001/internal/engine"
	"github.com/scottgl07/marktoflow-sub001/internal/store"
)

// listWorkflows returns all registered workflows
func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows := make(map[string]any)

	for _, id := range s.registry.List() {
		registered, _ := s.registry.Get(id)
		workflow := registered.Workflow
		workflows[id] = map[string]any{
			"name":        workflow.Name,
			"version":     workflow.Version,
			"description": workflow.Description,
			"steps":       len(workflow.Steps),
			"source":      registered.Path,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": workflows,
	})
}

// runWorkflow starts a workflow execution and returns immediately; the
// run proceeds on its own goroutine inside the manager
func (s *Server) runWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := mux.Vars(r)["id"]

	registered, exists := s.registry.Get(workflowID)
	if !exists {
		http.Error(w, fmt.Sprintf("Workflow '%s' not found", workflowID), http.StatusNotFound)
		return
	}

	var req struct {
		Inputs map[string]any `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.Inputs == nil {
		req.Inputs = make(map[string]any)
	}

	runID, err := s.manager.StartExecution(r.Context(), registered.Path, req.Inputs)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrTooManyRuns):
			http.Error(w, "Server at capacity, try again later", http.StatusServiceUnavailable)
		case len(inputErrorDetails(err)) > 0:
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":   "Input validation failed",
				"details": inputErrorDetails(err),
			})
		default:
			log.Error().Err(err).Str("workflow_id", workflowID).Msg("Failed to start execution")
			http.Error(w, fmt.Sprintf("Failed to start execution: %v", err), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":      runID,
		"workflow_id": workflowID,
		"status":      engine.StatusRunning,
		"started_at":  time.Now(),
	})
}

// listExecutions returns execution records, most recent first
func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.ExecutionFilter{
		Status:     query.Get("status"),
		WorkflowID: query.Get("workflow"),
		Limit:      queryInt(query.Get("limit"), 50),
		Offset:     queryInt(query.Get("offset"), 0),
	}

	executions, err := s.manager.ListExecutions(r.Context(), filter)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list executions: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"executions": executions,
		"count":      len(executions),
	})
}

// getExecution returns one execution record; short run-id prefixes are
// accepted when unambiguous
func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.resolveExecution(w, r, mux.Vars(r)["runId"])
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// cancelExecution delivers a cancellation signal to a running or waiting
// execution
func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.resolveExecution(w, r, mux.Vars(r)["runId"])
	if !ok {
		return
	}

	delivered, err := s.manager.CancelExecution(r.Context(), exec.RunID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to cancel execution: %v", err), http.StatusInternalServerError)
		return
	}
	if !delivered {
		http.Error(w, fmt.Sprintf("Execution '%s' already finished", exec.RunID), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":    exec.RunID,
		"cancelled": true,
	})
}

// resumeExecution re-enters a suspended execution with caller-provided
// resume data
func (s *Server) resumeExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.resolveExecution(w, r, mux.Vars(r)["runId"])
	if !ok {
		return
	}
	if exec.Status != engine.StatusWaiting {
		http.Error(w, fmt.Sprintf("Execution '%s' is not waiting (status %s)", exec.RunID, exec.Status), http.StatusConflict)
		return
	}

	var req struct {
		StepID string         `json:"step_id"`
		Data   map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.manager.ResumeExecution(r.Context(), exec.RunID, req.StepID, req.Data); err != nil {
		http.Error(w, fmt.Sprintf("Failed to resume execution: %v", err), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":  exec.RunID,
		"status":  engine.StatusRunning,
		"resumed": true,
	})
}

// webhookResume resumes the execution waiting on this webhook token. The
// request body, if any, becomes the wait step's output.
func (s *Server) webhookResume(w http.ResponseWriter, r *http.Request) {
	s.tokenResume(w, r, "webhook")
}

// formResume resumes the execution waiting on this form token. The
// request body carries the submitted field values.
func (s *Server) formResume(w http.ResponseWriter, r *http.Request) {
	s.tokenResume(w, r, "form")
}

func (s *Server) tokenResume(w http.ResponseWriter, r *http.Request, mode string) {
	token := mux.Vars(r)["token"]

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	exec, stepID, err := s.findSuspendedByToken(r.Context(), token, mode)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to look up token: %v", err), http.StatusInternalServerError)
		return
	}
	if exec == nil {
		http.Error(w, fmt.Sprintf("No waiting execution for %s token '%s'", mode, token), http.StatusNotFound)
		return
	}

	if err := s.manager.ResumeExecution(r.Context(), exec.RunID, stepID, payload); err != nil {
		http.Error(w, fmt.Sprintf("Failed to resume execution: %v", err), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":  exec.RunID,
		"step_id": stepID,
		"resumed": true,
	})
}

// streamEvents serves a run's progress events. WebSocket requests get a
// live stream starting with the buffered history; plain requests get the
// history as JSON.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.resolveExecution(w, r, mux.Vars(r)["runId"])
	if !ok {
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusOK, map[string]any{
			"run_id": exec.RunID,
			"status": exec.Status,
			"events": s.hub.History(exec.RunID),
		})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	if err := s.hub.Subscribe(exec.RunID, conn); err != nil {
		return
	}
	defer s.hub.Unsubscribe(exec.RunID, conn)

	// Keep reading until the client goes away or the hub closes the
	// connection on the run's terminal event.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// healthCheck returns server health status
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"workflows_loaded": s.registry.Count(),
		"active_runs":      s.manager.ActiveRuns(),
		"timestamp":        time.Now(),
	})
}

// resolveExecution finds an execution by exact run id or by an
// unambiguous prefix, writing the error response itself on failure
func (s *Server) resolveExecution(w http.ResponseWriter, r *http.Request, runID string) (*store.Execution, bool) {
	exec, err := s.lookupExecution(r.Context(), runID)
	switch {
	case err == nil:
		return exec, true
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, fmt.Sprintf("Execution '%s' not found", runID), http.StatusNotFound)
	case errors.Is(err, errAmbiguousRunID):
		http.Error(w, fmt.Sprintf("Run id prefix '%s' is ambiguous", runID), http.StatusConflict)
	default:
		http.Error(w, fmt.Sprintf("Failed to load execution: %v", err), http.StatusInternalServerError)
	}
	return nil, false
}

// errAmbiguousRunID reports a short run-id prefix matching several runs
var errAmbiguousRunID = errors.New("run id prefix is ambiguous")

func (s *Server) lookupExecution(ctx context.Context, runID string) (*store.Execution, error) {
	exec, err := s.store.GetExecution(ctx, runID)
	if err == nil {
		return exec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	matches, err := s.store.ListExecutions(ctx, store.ExecutionFilter{RunPrefix: runID, Limit: 2})
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return nil, store.ErrNotFound
	default:
		return nil, errAmbiguousRunID
	}
}

// inputErrorDetails flattens joined input validation errors for the
// response body. Non-validation errors produce an empty slice.
func inputErrorDetails(err error) []map[string]any {
	var details []map[string]any
	collect := func(e error) {
		var inputErr *engine.InputValidationError
		if errors.As(e, &inputErr) {
			details = append(details, map[string]any{
				"field":   inputErr.Field,
				"message": inputErr.Message,
			})
		}
	}

	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			collect(e)
		}
	} else {
		collect(err)
	}
	return details
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	var value int
	if _, err := fmt.Sscanf(raw, "%d", &value); err != nil || value < 0 {
		return fallback
	}
	return value
}
