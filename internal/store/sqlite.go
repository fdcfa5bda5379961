package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// timeLayout keeps a fixed-width fraction so stored timestamps sort
// lexicographically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore backs the state store with a single local sqlite database,
// conventionally .marktoflow/state.db under the project root.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and runs
// migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc sqlite serializes through a single connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		run_id        TEXT PRIMARY KEY,
		workflow_id   TEXT NOT NULL,
		workflow_path TEXT,
		status        TEXT NOT NULL,
		started_at    TEXT NOT NULL,
		completed_at  TEXT,
		current_step  INTEGER NOT NULL DEFAULT 0,
		total_steps   INTEGER NOT NULL DEFAULT 0,
		inputs        TEXT,
		outputs       TEXT,
		error         TEXT,
		metadata      TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	CREATE INDEX IF NOT EXISTS idx_executions_workflow_id ON executions(workflow_id);

	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id       TEXT NOT NULL,
		step_index   INTEGER NOT NULL,
		step_name    TEXT NOT NULL,
		status       TEXT NOT NULL,
		started_at   TEXT NOT NULL,
		completed_at TEXT,
		inputs       TEXT,
		outputs      TEXT,
		error        TEXT,
		retry_count  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, step_index),
		FOREIGN KEY (run_id) REFERENCES executions(run_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateExecution inserts a new execution record
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.RunID == "" {
		return fmt.Errorf("execution requires a run id")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (run_id, workflow_id, workflow_path, status, started_at,
			completed_at, current_step, total_steps, inputs, outputs, error, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.RunID,
		exec.WorkflowID,
		nullString(exec.WorkflowPath),
		exec.Status,
		formatTime(exec.StartedAt),
		nullTime(exec.CompletedAt),
		exec.CurrentStep,
		exec.TotalSteps,
		marshalJSON(exec.Inputs),
		marshalJSON(exec.Outputs),
		nullString(exec.Error),
		marshalJSON(exec.Metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to create execution %s: %w", exec.RunID, err)
	}
	return nil
}

// UpdateExecution applies a partial update to an execution record
func (s *SQLiteStore) UpdateExecution(ctx context.Context, runID string, update ExecutionUpdate) error {
	sets := make([]string, 0, 6)
	args := make([]interface{}, 0, 7)

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, *update.CurrentStep)
	}
	if update.Outputs != nil {
		sets = append(sets, "outputs = ?")
		args = append(args, marshalJSON(update.Outputs))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullString(*update.Error))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, formatTime(*update.CompletedAt))
	}
	if update.Metadata != nil {
		sets = append(sets, "metadata = ?")
		args = append(args, marshalJSON(update.Metadata))
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, runID)
	result, err := s.db.ExecContext(ctx,
		"UPDATE executions SET "+strings.Join(sets, ", ")+" WHERE run_id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", runID, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetExecution returns the record with exactly this run id
func (s *SQLiteStore) GetExecution(ctx context.Context, runID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, workflow_id, workflow_path, status, started_at, completed_at,
			current_step, total_steps, inputs, outputs, error, metadata
		FROM executions WHERE run_id = ?`, runID)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", runID, err)
	}
	return exec, nil
}

// ListExecutions returns records most-recent-first, ties broken by run id.
// Rows that fail to decode are skipped rather than failing the listing.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	where := make([]string, 0, 3)
	args := make([]interface{}, 0, 5)

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.RunPrefix != "" {
		where = append(where, "run_id LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(filter.RunPrefix)+"%")
	}

	query := `
		SELECT run_id, workflow_id, workflow_path, status, started_at, completed_at,
			current_step, total_steps, inputs, outputs, error, metadata
		FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, run_id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	executions := make([]*Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			log.Warn().Err(err).Msg("skipping invalid execution record")
			continue
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// SaveCheckpoint upserts the checkpoint for (runID, stepIndex)
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, step_index, step_name, status, started_at,
			completed_at, inputs, outputs, error, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_index) DO UPDATE SET
			step_name = excluded.step_name,
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			inputs = excluded.inputs,
			outputs = excluded.outputs,
			error = excluded.error,
			retry_count = excluded.retry_count`,
		checkpoint.RunID,
		checkpoint.StepIndex,
		checkpoint.StepName,
		checkpoint.Status,
		formatTime(checkpoint.StartedAt),
		nullTime(checkpoint.CompletedAt),
		marshalJSON(checkpoint.Inputs),
		marshalJSON(checkpoint.Outputs),
		nullString(checkpoint.Error),
		checkpoint.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s/%d: %w", checkpoint.RunID, checkpoint.StepIndex, err)
	}
	return nil
}

// GetCheckpoints returns a run's checkpoints ordered by step index
func (s *SQLiteStore) GetCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_index, step_name, status, started_at, completed_at,
			inputs, outputs, error, retry_count
		FROM checkpoints WHERE run_id = ? ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoints for %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	checkpoints := make([]*Checkpoint, 0)
	for rows.Next() {
		var (
			cp          Checkpoint
			startedAt   string
			completedAt sql.NullString
			inputs      sql.NullString
			outputs     sql.NullString
			errMsg      sql.NullString
		)
		if err := rows.Scan(&cp.RunID, &cp.StepIndex, &cp.StepName, &cp.Status,
			&startedAt, &completedAt, &inputs, &outputs, &errMsg, &cp.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.StartedAt = parseTime(startedAt)
		cp.CompletedAt = parseNullTime(completedAt)
		cp.Inputs = unmarshalJSON(inputs)
		cp.Outputs = unmarshalJSON(outputs)
		cp.Error = errMsg.String
		checkpoints = append(checkpoints, &cp)
	}
	return checkpoints, rows.Err()
}

// GetStats aggregates outcomes, optionally scoped to one workflow
func (s *SQLiteStore) GetStats(ctx context.Context, workflowID string) (*Stats, error) {
	query := "SELECT status, started_at, completed_at FROM executions"
	args := []interface{}{}
	if workflowID != "" {
		query += " WHERE workflow_id = ?"
		args = append(args, workflowID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &Stats{}
	var totalDuration time.Duration
	for rows.Next() {
		var status, startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&status, &startedAt, &completedAt); err != nil {
			continue
		}
		stats.Total++
		switch status {
		case "completed":
			stats.Completed++
			if completedAt.Valid {
				totalDuration += parseTime(completedAt.String).Sub(parseTime(startedAt))
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total)
	}
	if stats.Completed > 0 {
		stats.AvgDurationMs = float64(totalDuration.Milliseconds()) / float64(stats.Completed)
	}
	return stats, nil
}

// Close releases the database. Later writes return an error the caller is
// expected to swallow when racing teardown.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row scanner) (*Execution, error) {
	var (
		exec         Execution
		workflowPath sql.NullString
		startedAt    string
		completedAt  sql.NullString
		inputs       sql.NullString
		outputs      sql.NullString
		errMsg       sql.NullString
		metadata     sql.NullString
	)
	if err := row.Scan(&exec.RunID, &exec.WorkflowID, &workflowPath, &exec.Status,
		&startedAt, &completedAt, &exec.CurrentStep, &exec.TotalSteps,
		&inputs, &outputs, &errMsg, &metadata); err != nil {
		return nil, err
	}

	if exec.RunID == "" || exec.WorkflowID == "" || exec.Status == "" {
		return nil, fmt.Errorf("incomplete execution record")
	}

	exec.WorkflowPath = workflowPath.String
	exec.StartedAt = parseTime(startedAt)
	exec.CompletedAt = parseNullTime(completedAt)
	exec.Inputs = unmarshalJSON(inputs)
	exec.Outputs = unmarshalJSON(outputs)
	exec.Error = errMsg.String
	exec.Metadata = unmarshalJSON(metadata)
	return &exec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// tolerate records written with plain RFC3339
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func marshalJSON(m map[string]interface{}) interface{} {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal record payload")
		return nil
	}
	return string(data)
}

func unmarshalJSON(s sql.NullString) map[string]interface{} {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}
