// Package store persists execution records and step checkpoints. The
// execution record is the source of truth for a run's outcome after the
// process exits; checkpoints are what resume and replay read.
package store

import (
	"context"
	"errors"
	"path/filepath"
	"time"
)

// ErrNotFound is returned when a requested run does not exist
var ErrNotFound = errors.New("execution not found")

// Execution is the persisted record of one run
type Execution struct {
	RunID        string                 `json:"run_id"`
	WorkflowID   string                 `json:"workflow_id"`
	WorkflowPath string                 `json:"workflow_path,omitempty"`
	Status       string                 `json:"status"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	CurrentStep  int                    `json:"current_step"`
	TotalSteps   int                    `json:"total_steps"`
	Inputs       map[string]interface{} `json:"inputs,omitempty"`
	Outputs      map[string]interface{} `json:"outputs,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Checkpoint is the persisted outcome (or suspension) of one dispatched
// step. StepIndex is the run's dispatch sequence number; a given
// (RunID, StepIndex) holds at most one checkpoint, later writes replacing
// earlier ones.
type Checkpoint struct {
	RunID       string                 `json:"run_id"`
	StepIndex   int                    `json:"step_index"`
	StepName    string                 `json:"step_name"`
	Status      string                 `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Inputs      map[string]interface{} `json:"inputs,omitempty"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	Error       string                 `json:"error,omitempty"`
	RetryCount  int                    `json:"retry_count,omitempty"`
}

// ExecutionUpdate carries a partial update; nil fields are left unchanged
type ExecutionUpdate struct {
	Status      *string
	CurrentStep *int
	Outputs     map[string]interface{}
	Error       *string
	CompletedAt *time.Time
	Metadata    map[string]interface{}
}

// ExecutionFilter narrows a listing. RunPrefix supports short-id lookup
// from external interfaces; GetExecution stays exact-match.
type ExecutionFilter struct {
	Status     string
	WorkflowID string
	RunPrefix  string
	Limit      int
	Offset     int
}

// Stats aggregates execution outcomes
type Stats struct {
	Total         int     `json:"total"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	Running       int     `json:"running"`
	Waiting       int     `json:"waiting"`
	Cancelled     int     `json:"cancelled"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Store is the durable record of executions and step checkpoints.
// Implementations serialize their own writes; operations are atomic
// per record.
type Store interface {
	// CreateExecution inserts a new execution record
	CreateExecution(ctx context.Context, exec *Execution) error

	// UpdateExecution applies a partial update to an execution record
	UpdateExecution(ctx context.Context, runID string, update ExecutionUpdate) error

	// GetExecution returns the record with exactly this run id
	GetExecution(ctx context.Context, runID string) (*Execution, error)

	// ListExecutions returns records most-recent-first; ties on start
	// time break by run id
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// SaveCheckpoint upserts the checkpoint for (runID, stepIndex)
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// GetCheckpoints returns a run's checkpoints ordered by step index
	GetCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error)

	// GetStats aggregates outcomes, optionally for one workflow
	GetStats(ctx context.Context, workflowID string) (*Stats, error)

	// Close releases resources. Writes arriving afterwards return an
	// error; callers racing teardown are expected to swallow it.
	Close() error
}

// DefaultPath returns the conventional state location under a project root
func DefaultPath(root string) string {
	return filepath.Join(root, ".marktoflow", "state.db")
}
