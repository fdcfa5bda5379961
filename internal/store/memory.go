package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps execution state in process memory. It backs tests and
// ephemeral runs where no state directory is wanted.
type MemoryStore struct {
	mu          sync.RWMutex
	executions  map[string]*Execution
	checkpoints map[string]map[int]*Checkpoint
	closed      bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:  make(map[string]*Execution),
		checkpoints: make(map[string]map[int]*Checkpoint),
	}
}

func (s *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	if exec.RunID == "" {
		return fmt.Errorf("execution requires a run id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	if _, ok := s.executions[exec.RunID]; ok {
		return fmt.Errorf("execution %s already exists", exec.RunID)
	}

	clone := *exec
	s.executions[exec.RunID] = &clone
	return nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, runID string, update ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	exec, ok := s.executions[runID]
	if !ok {
		return ErrNotFound
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.CurrentStep != nil {
		exec.CurrentStep = *update.CurrentStep
	}
	if update.Outputs != nil {
		exec.Outputs = update.Outputs
	}
	if update.Error != nil {
		exec.Error = *update.Error
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		exec.CompletedAt = &t
	}
	if update.Metadata != nil {
		exec.Metadata = update.Metadata
	}
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, runID string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	exec, ok := s.executions[runID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *exec
	return &clone, nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	matched := make([]*Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		if exec.RunID == "" || exec.WorkflowID == "" || exec.Status == "" {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.RunPrefix != "" && !strings.HasPrefix(exec.RunID, filter.RunPrefix) {
			continue
		}
		clone := *exec
		matched = append(matched, &clone)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].StartedAt.After(matched[j].StartedAt)
		}
		return matched[i].RunID > matched[j].RunID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*Execution{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, checkpoint *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	byIndex, ok := s.checkpoints[checkpoint.RunID]
	if !ok {
		byIndex = make(map[int]*Checkpoint)
		s.checkpoints[checkpoint.RunID] = byIndex
	}
	clone := *checkpoint
	byIndex[checkpoint.StepIndex] = &clone
	return nil
}

func (s *MemoryStore) GetCheckpoints(_ context.Context, runID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	byIndex := s.checkpoints[runID]
	checkpoints := make([]*Checkpoint, 0, len(byIndex))
	for _, cp := range byIndex {
		clone := *cp
		checkpoints = append(checkpoints, &clone)
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].StepIndex < checkpoints[j].StepIndex
	})
	return checkpoints, nil
}

func (s *MemoryStore) GetStats(_ context.Context, workflowID string) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	stats := &Stats{}
	var totalDuration time.Duration
	for _, exec := range s.executions {
		if workflowID != "" && exec.WorkflowID != workflowID {
			continue
		}
		stats.Total++
		switch exec.Status {
		case "completed":
			stats.Completed++
			if exec.CompletedAt != nil {
				totalDuration += exec.CompletedAt.Sub(exec.StartedAt)
			}
		case "failed":
			stats.Failed++
		case "running":
			stats.Running++
		case "waiting":
			stats.Waiting++
		case "cancelled":
			stats.Cancelled++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total)
	}
	if stats.Completed > 0 {
		stats.AvgDurationMs = float64(totalDuration.Milliseconds()) / float64(stats.Completed)
	}
	return stats, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
