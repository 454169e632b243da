package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const executionColumns = `id, job_name, started_at, completed_at, status,
	result_data, error_message, triggered_by, duration_seconds`

// ErrJobRunning is returned when a job already has a RUNNING execution.
var ErrJobRunning = errors.New("job is already running")

// StartExecution claims the single running slot for a job with one atomic
// conditional insert. Two concurrent callers see exactly one winner; the
// loser gets ErrJobRunning.
func (s *Store) StartExecution(ctx context.Context, jobName string, triggeredBy TriggerSource) (*JobExecution, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (job_name, started_at, status, triggered_by)
		SELECT ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM job_executions WHERE job_name = ? AND status = ?
		)`,
		jobName, now, JobRunning, triggeredBy, jobName, JobRunning)
	if err != nil {
		return nil, fmt.Errorf("claim execution for %s: %w", jobName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrJobRunning
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetExecution(ctx, id)
}

// CompleteExecution closes a running execution as success with an optional
// result payload.
func (s *Store) CompleteExecution(ctx context.Context, id int64, result map[string]any) error {
	return s.finishExecution(ctx, id, JobSuccess, result, nil)
}

// FailExecution closes a running execution as failed with the error message.
func (s *Store) FailExecution(ctx context.Context, id int64, message string) error {
	return s.finishExecution(ctx, id, JobFailed, nil, &message)
}

func (s *Store) finishExecution(ctx context.Context, id int64, status JobStatus, result map[string]any, message *string) error {
	var resultJSON sql.NullString
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return err
		}
		resultJSON = sql.NullString{String: string(b), Valid: true}
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_executions
		SET completed_at = ?, status = ?, result_data = ?, error_message = ?,
			duration_seconds = (julianday(?) - julianday(started_at)) * 86400.0
		WHERE id = ? AND status = ?`,
		now, status, resultJSON, nullString(message), now, id, JobRunning)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetExecution loads one execution by id.
func (s *Store) GetExecution(ctx context.Context, id int64) (*JobExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM job_executions WHERE id = ?`, id)
	return scanExecution(row)
}

// ListExecutions returns the most recent executions, optionally filtered to
// one job name.
func (s *Store) ListExecutions(ctx context.Context, jobName string, limit, offset int) ([]*JobExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + executionColumns + ` FROM job_executions`
	var args []any
	if jobName != "" {
		query += ` WHERE job_name = ?`
		args = append(args, jobName)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*JobExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// LastCompletedExecution returns the newest successful run of a job, or
// ErrNotFound when it never succeeded. The scheduler uses it for catch-up
// decisions after downtime.
func (s *Store) LastCompletedExecution(ctx context.Context, jobName string) (*JobExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM job_executions
		WHERE job_name = ? AND status = ?
		ORDER BY started_at DESC LIMIT 1`,
		jobName, JobSuccess)
	return scanExecution(row)
}

// IsJobRunning reports whether a job currently holds the running slot.
func (s *Store) IsJobRunning(ctx context.Context, jobName string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_executions WHERE job_name = ? AND status = ?`,
		jobName, JobRunning).Scan(&n)
	return n > 0, err
}

// FailStaleRunning marks RUNNING rows older than the cutoff as failed. Run at
// startup: a crash can strand the single-flight slot and block the job
// forever otherwise.
func (s *Store) FailStaleRunning(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_executions
		SET status = ?, completed_at = ?, error_message = 'execution abandoned: process restarted'
		WHERE status = ? AND started_at < ?`,
		JobFailed, now, JobRunning, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneExecutionsBefore removes finished execution history older than the
// cutoff.
func (s *Store) PruneExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM job_executions WHERE status != ? AND started_at < ?`,
		JobRunning, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanExecution(row rowScanner) (*JobExecution, error) {
	var e JobExecution
	var status, triggeredBy string
	var completedAt sql.NullTime
	var resultJSON, message sql.NullString
	var duration sql.NullFloat64
	err := row.Scan(&e.ID, &e.JobName, &e.StartedAt, &completedAt, &status,
		&resultJSON, &message, &triggeredBy, &duration)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st, err := ParseJobStatus(status)
	if err != nil {
		return nil, fmt.Errorf("execution %d: %w", e.ID, err)
	}
	e.Status = st
	e.TriggeredBy = TriggerSource(triggeredBy)
	e.StartedAt = e.StartedAt.UTC()
	e.CompletedAt = timePtr(completedAt)
	e.ErrorMessage = stringPtr(message)
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &e.ResultData); err != nil {
			return nil, fmt.Errorf("execution %d has malformed result data: %w", e.ID, err)
		}
	}
	if duration.Valid {
		d := duration.Float64
		e.DurationSeconds = &d
	}
	return &e, nil
}
