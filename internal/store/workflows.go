package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"attacklens/internal/workflow"
)

// Metadata keys the engine attaches to analysis runs; promoted to columns so
// list queries can filter without unpacking the state blob.
const (
	MetaSourceURL  = "sourceUrl"
	MetaDocumentID = "documentId"
)

// runState is the serialized blob carrying everything not promoted to a
// column.
type runState struct {
	Input    any               `json:"input,omitempty"`
	Results  map[string]any    `json:"results"`
	Errors   map[string]string `json:"errors,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// SaveRun upserts a workflow run row.
func (s *Store) SaveRun(ctx context.Context, run *workflow.Run) error {
	state, err := json.Marshal(runState{
		Input:    run.Input,
		Results:  run.Results,
		Errors:   run.Errors,
		Metadata: run.Metadata,
	})
	if err != nil {
		return fmt.Errorf("serialize run state: %w", err)
	}

	var completed any
	if !run.CompletedAt.IsZero() {
		completed = run.CompletedAt
	}
	sourceURL, _ := run.Metadata[MetaSourceURL].(string)
	documentID, _ := run.Metadata[MetaDocumentID].(string)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, type, status, created_at, updated_at, completion_time,
			source_url, document_id, current_step, error, state_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			completion_time = excluded.completion_time,
			source_url = excluded.source_url,
			document_id = excluded.document_id,
			current_step = excluded.current_step,
			error = excluded.error,
			state_data = excluded.state_data`,
		run.ID, run.Type, run.Status, run.CreatedAt, run.UpdatedAt, completed,
		nullable(sourceURL), nullable(documentID), nullable(run.CurrentTask),
		nullable(run.Error), string(state))
	return err
}

// SaveTaskResult upserts one task's result row for a run.
func (s *Store) SaveTaskResult(ctx context.Context, runID string, result *workflow.TaskResult) error {
	var output any
	if result.Output != nil {
		data, err := json.Marshal(result.Output)
		if err != nil {
			return fmt.Errorf("serialize task output: %w", err)
		}
		output = string(data)
	}
	var completed any
	if !result.CompletedAt.IsZero() {
		completed = result.CompletedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_results (workflow_id, task_name, status, started_at, completed_at, attempts, result_data, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, task_name) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			attempts = excluded.attempts,
			result_data = excluded.result_data,
			error = excluded.error`,
		runID, result.TaskName, result.Status, result.StartedAt, completed,
		result.Attempts, output, nullable(result.Error))
	return err
}

// GetRun loads a run by id, or nil when unknown.
func (s *Store) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, status, created_at, updated_at, completion_time,
			current_step, error, state_data
		FROM workflows WHERE id = ?`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns runs most recent first; empty status means all.
func (s *Store) ListRuns(ctx context.Context, status workflow.Status) ([]*workflow.Run, error) {
	query := `
		SELECT id, type, status, created_at, updated_at, completion_time,
			current_step, error, state_data
		FROM workflows`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*workflow.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// TaskResults returns a run's task rows, in start order.
func (s *Store) TaskResults(ctx context.Context, runID string) ([]*workflow.TaskResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_name, status, started_at, completed_at, attempts, result_data, error
		FROM task_results WHERE workflow_id = ? ORDER BY started_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*workflow.TaskResult
	for rows.Next() {
		var (
			tr        workflow.TaskResult
			completed sql.NullTime
			output    sql.NullString
			taskErr   sql.NullString
		)
		if err := rows.Scan(&tr.TaskName, &tr.Status, &tr.StartedAt, &completed,
			&tr.Attempts, &output, &taskErr); err != nil {
			return nil, err
		}
		if completed.Valid {
			tr.CompletedAt = completed.Time
		}
		if output.Valid && output.String != "" {
			var v any
			if err := json.Unmarshal([]byte(output.String), &v); err == nil {
				tr.Output = v
			}
		}
		tr.Error = taskErr.String
		out = append(out, &tr)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*workflow.Run, error) {
	var (
		run       workflow.Run
		completed sql.NullTime
		current   sql.NullString
		runErr    sql.NullString
		state     string
	)
	if err := row.Scan(&run.ID, &run.Type, &run.Status, &run.CreatedAt, &run.UpdatedAt,
		&completed, &current, &runErr, &state); err != nil {
		return nil, err
	}
	if completed.Valid {
		run.CompletedAt = completed.Time
	}
	run.CurrentTask = current.String
	run.Error = runErr.String

	var st runState
	if err := json.Unmarshal([]byte(state), &st); err != nil {
		return nil, fmt.Errorf("run %s has corrupt state data: %w", run.ID, err)
	}
	run.Input = st.Input
	run.Results = st.Results
	if run.Results == nil {
		run.Results = make(map[string]any)
	}
	run.Errors = st.Errors
	run.Metadata = st.Metadata
	return &run, nil
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
