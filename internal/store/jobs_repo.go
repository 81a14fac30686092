package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hourwatch/internal/core"
)

var ErrJobNotFound = errors.New("job not found")

// EnsureJob stores cronExpr for the named job. A new job starts active; an
// existing one keeps its status.
func (s *Store) EnsureJob(ctx context.Context, name, cronExpr string) (*core.Job, error) {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO jobs (name, cron, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET cron = excluded.cron, updated_at = excluded.updated_at
	`, name, cronExpr, core.JobStatusActive, now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure job: %w", err)
	}
	return s.GetJob(ctx, name)
}

func (s *Store) UpdateJob(ctx context.Context, job *core.Job) error {
	job.UpdatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET cron = ?, status = ?, last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE name = ?
	`, job.Cron, job.Status, nullableTime(job.LastRunAt), nullableTime(job.NextRunAt),
		job.UpdatedAt.Format(timeLayout), job.Name)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job rows: %w", err)
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, name string) (*core.Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT name, cron, status, last_run_at, next_run_at, created_at, updated_at
		FROM jobs WHERE name = ?
	`, name)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context) ([]*core.Job, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT name, cron, status, last_run_at, next_run_at, created_at, updated_at
		FROM jobs
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) UpdateJobScheduleInfo(ctx context.Context, name string, lastRunAt, nextRunAt *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE name = ?
	`, nullableTime(lastRunAt), nullableTime(nextRunAt), time.Now().UTC().Format(timeLayout), name)
	if err != nil {
		return fmt.Errorf("update job schedule info: %w", err)
	}
	return nil
}

func (s *Store) UpdateJobNextRun(ctx context.Context, name string, nextRunAt *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET next_run_at = ?, updated_at = ?
		WHERE name = ?
	`, nullableTime(nextRunAt), time.Now().UTC().Format(timeLayout), name)
	if err != nil {
		return fmt.Errorf("update next_run_at: %w", err)
	}
	return nil
}

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*core.Job, error) {
	var (
		name      string
		cronExpr  string
		status    string
		lastRun   sql.NullString
		nextRun   sql.NullString
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&name, &cronExpr, &status, &lastRun, &nextRun, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job := &core.Job{
		Name:      name,
		Cron:      cronExpr,
		Status:    core.JobStatus(status),
		LastRunAt: parseNullTime(lastRun),
		NextRunAt: parseNullTime(nextRun),
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		job.UpdatedAt = t
	}
	return job, nil
}
