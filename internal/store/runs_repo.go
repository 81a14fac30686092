package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hourwatch/internal/core"
)

var ErrRunNotFound = errors.New("run not found")

func (s *Store) InsertRun(ctx context.Context, run *core.JobRun) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO job_runs (id, job, status, scheduled_at, started_at, ended_at, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Job, run.Status, run.ScheduledAt.UTC().Format(timeLayout),
		nullableTime(run.StartedAt), nullableTime(run.EndedAt), nullableString(run.Error),
		run.CreatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) MarkRunStarted(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE job_runs
		SET status = ?, started_at = ?
		WHERE id = ?
	`, core.RunStatusRunning, startedAt.UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}
	return expectRow(res)
}

func (s *Store) MarkRunCompleted(ctx context.Context, id string, status core.RunStatus, endedAt time.Time, errMsg *string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE job_runs
		SET status = ?, ended_at = ?, error = ?
		WHERE id = ?
	`, status, endedAt.UTC().Format(timeLayout), nullableString(errMsg), id)
	if err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}
	return expectRow(res)
}

func (s *Store) GetRun(ctx context.Context, id string) (*core.JobRun, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, job, status, scheduled_at, started_at, ended_at, error, created_at
		FROM job_runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, job string, limit, offset int) ([]*core.JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, job, status, scheduled_at, started_at, ended_at, error, created_at
		FROM job_runs
		WHERE job = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, job, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []*core.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// PruneRuns deletes run records beyond the retention limit for a job.
func (s *Store) PruneRuns(ctx context.Context, job string) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM job_runs
		WHERE id IN (
			SELECT id FROM job_runs
			WHERE job = ?
			ORDER BY created_at DESC
			LIMIT -1 OFFSET ?
		)
	`, job, s.RunRetention)
	if err != nil {
		return fmt.Errorf("prune runs: %w", err)
	}
	return nil
}

func expectRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*core.JobRun, error) {
	var (
		id          string
		job         string
		status      string
		scheduledAt string
		startedAt   sql.NullString
		endedAt     sql.NullString
		errMsg      sql.NullString
		createdAt   string
	)
	if err := scanner.Scan(&id, &job, &status, &scheduledAt, &startedAt, &endedAt, &errMsg, &createdAt); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run := &core.JobRun{
		ID:          id,
		Job:         job,
		Status:      core.RunStatus(status),
		ScheduledAt: mustParseTime(scheduledAt),
		StartedAt:   parseNullTime(startedAt),
		EndedAt:     parseNullTime(endedAt),
		CreatedAt:   mustParseTime(createdAt),
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return run, nil
}

func mustParseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		panic(fmt.Sprintf("invalid stored time %q: %v", value, err))
	}
	return t
}
