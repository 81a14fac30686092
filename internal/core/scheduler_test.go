package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	runs map[string]*JobRun
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: map[string]*Job{}, runs: map[string]*JobRun{}}
}

func (m *memJobStore) GetJob(_ context.Context, name string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[name]
	if !ok {
		return nil, errors.New("job not found")
	}
	cp := *job
	return &cp, nil
}

func (m *memJobStore) ListJobs(context.Context) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memJobStore) EnsureJob(_ context.Context, name, cronExpr string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[name]
	if !ok {
		job = &Job{Name: name, Status: JobStatusActive}
		m.jobs[name] = job
	}
	job.Cron = cronExpr
	cp := *job
	return &cp, nil
}

func (m *memJobStore) UpdateJobScheduleInfo(_ context.Context, name string, lastRunAt, nextRunAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[name]; ok {
		job.LastRunAt, job.NextRunAt = lastRunAt, nextRunAt
	}
	return nil
}

func (m *memJobStore) UpdateJobNextRun(_ context.Context, name string, nextRunAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[name]; ok {
		job.NextRunAt = nextRunAt
	}
	return nil
}

func (m *memJobStore) InsertRun(_ context.Context, run *JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memJobStore) MarkRunStarted(_ context.Context, id string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id].Status = RunStatusRunning
	m.runs[id].StartedAt = &startedAt
	return nil
}

func (m *memJobStore) MarkRunCompleted(_ context.Context, id string, status RunStatus, endedAt time.Time, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id].Status = status
	m.runs[id].EndedAt = &endedAt
	m.runs[id].Error = errMsg
	return nil
}

func (m *memJobStore) PruneRuns(context.Context, string) error { return nil }

func (m *memJobStore) run(id string) JobRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.runs[id]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerRegisterKeepsPausedJobs(t *testing.T) {
	ctx := context.Background()
	store := newMemJobStore()
	store.jobs[JobSummaryReport] = &Job{Name: JobSummaryReport, Cron: "0 0 * * *", Status: JobStatusPaused}

	exec := NewJobExecutor(store, map[string]JobFunc{}, 0, discardLogger())
	s := NewScheduler(store, exec, discardLogger(), time.UTC)

	err := s.Register(ctx, map[string]string{
		JobDueReport:     "15 14 * * 1-5",
		JobSummaryReport: "17 14 * * 1-5",
	})
	require.NoError(t, err)

	assert.True(t, s.IsScheduled(JobDueReport))
	assert.False(t, s.IsScheduled(JobSummaryReport))
	summary, err := store.GetJob(ctx, JobSummaryReport)
	require.NoError(t, err)
	assert.Equal(t, "17 14 * * 1-5", summary.Cron)
	assert.Equal(t, JobStatusPaused, summary.Status)

	due, err := store.GetJob(ctx, JobDueReport)
	require.NoError(t, err)
	require.NotNil(t, due.NextRunAt)
	assert.Equal(t, 14, due.NextRunAt.Hour())
	assert.Equal(t, 15, due.NextRunAt.Minute())
}

func TestSchedulerRegisterRejectsBadCron(t *testing.T) {
	store := newMemJobStore()
	s := NewScheduler(store, NewJobExecutor(store, nil, 0, discardLogger()), discardLogger(), time.UTC)
	err := s.Register(context.Background(), map[string]string{JobAckPoll: "@every 5m"})
	require.Error(t, err)
	assert.False(t, s.IsScheduled(JobAckPoll))
}

func TestRunJobNowRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	store := newMemJobStore()
	calls := 0
	exec := NewJobExecutor(store, map[string]JobFunc{
		JobDueReport: func(context.Context) error { calls++; return nil },
		JobAckPoll:   func(context.Context) error { return errors.New("imap login failed") },
	}, time.Second, discardLogger())
	s := NewScheduler(store, exec, discardLogger(), time.UTC)

	due, err := store.EnsureJob(ctx, JobDueReport, "* * * * *")
	require.NoError(t, err)
	ack, err := store.EnsureJob(ctx, JobAckPoll, "* * * * *")
	require.NoError(t, err)

	okRun, err := s.RunJobNow(ctx, due)
	require.NoError(t, err)
	failRun, err := s.RunJobNow(ctx, ack)
	require.NoError(t, err)
	s.Wait()

	assert.Equal(t, 1, calls)
	assert.Equal(t, RunStatusSucceeded, store.run(okRun.ID).Status)
	failed := store.run(failRun.ID)
	assert.Equal(t, RunStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "imap login failed", *failed.Error)

	job, err := store.GetJob(ctx, JobDueReport)
	require.NoError(t, err)
	assert.NotNil(t, job.LastRunAt)
}

func TestRunJobNowRefusesOverlap(t *testing.T) {
	ctx := context.Background()
	store := newMemJobStore()
	release := make(chan struct{})
	started := make(chan struct{})
	exec := NewJobExecutor(store, map[string]JobFunc{
		JobAckPoll: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}, 0, discardLogger())
	s := NewScheduler(store, exec, discardLogger(), time.UTC)
	job, err := store.EnsureJob(ctx, JobAckPoll, "*/5 * * * *")
	require.NoError(t, err)

	_, err = s.RunJobNow(ctx, job)
	require.NoError(t, err)
	<-started

	_, err = s.RunJobNow(ctx, job)
	assert.ErrorIs(t, err, ErrJobRunning)

	close(release)
	s.Wait()
	_, err = s.RunJobNow(ctx, job)
	assert.NoError(t, err)
	s.Wait()
}

func TestExecutorUnboundJobFails(t *testing.T) {
	ctx := context.Background()
	store := newMemJobStore()
	exec := NewJobExecutor(store, nil, 0, discardLogger())
	run := &JobRun{ID: "r1", Job: "mystery", Status: RunStatusQueued}
	require.NoError(t, store.InsertRun(ctx, run))

	err := exec.Execute(ctx, &Job{Name: "mystery"}, run)
	require.Error(t, err)
	assert.Equal(t, RunStatusFailed, store.run("r1").Status)
	assert.False(t, exec.Has("mystery"))
}

func TestParseCronAndPreview(t *testing.T) {
	_, err := ParseCron("@daily")
	assert.Error(t, err)
	_, err = ParseCron("")
	assert.Error(t, err)
	_, err = ParseCron("61 * * * *")
	assert.Error(t, err)

	schedule, err := ParseCron("15 14 * * 1-5")
	require.NoError(t, err)
	// Friday 2024-05-10 15:00 UTC: next fires are Monday and Tuesday.
	base := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
	times := NextOccurrences(schedule, base, 2)
	require.Len(t, times, 2)
	assert.Equal(t, time.Date(2024, 5, 13, 14, 15, 0, 0, time.UTC), times[0])
	assert.Equal(t, time.Date(2024, 5, 14, 14, 15, 0, 0, time.UTC), times[1])

	next := NextRun("*/5 * * * *", base)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2024, 5, 10, 15, 5, 0, 0, time.UTC), *next)
	assert.Nil(t, NextRun("bogus", base))
}
