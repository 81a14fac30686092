package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hourwatch/internal/core"
)

func openTestStore(t *testing.T, retention int) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir(), retention)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(ctx, dir, 5)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, dir, 5)
	require.NoError(t, err)
	defer s.Close()

	var count int
	require.NoError(t, s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestEnsureJobKeepsStatus(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 5)

	job, err := s.EnsureJob(ctx, core.JobDueReport, "15 14 * * 1-5")
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusActive, job.Status)

	job.Status = core.JobStatusPaused
	require.NoError(t, s.UpdateJob(ctx, job))

	job, err = s.EnsureJob(ctx, core.JobDueReport, "0 8 * * *")
	require.NoError(t, err)
	assert.Equal(t, "0 8 * * *", job.Cron)
	assert.Equal(t, core.JobStatusPaused, job.Status)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, s.UpdateJob(ctx, &core.Job{Name: "missing", Cron: "* * * * *"}), ErrJobNotFound)
}

func TestListJobsOrderedByName(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 5)
	for _, name := range []string{core.JobSummaryReport, core.JobAckPoll, core.JobDueReport} {
		_, err := s.EnsureJob(ctx, name, "* * * * *")
		require.NoError(t, err)
	}
	jobs, err := s.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, core.JobAckPoll, jobs[0].Name)
	assert.Equal(t, core.JobDueReport, jobs[1].Name)
	assert.Equal(t, core.JobSummaryReport, jobs[2].Name)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 5)
	_, err := s.EnsureJob(ctx, core.JobAckPoll, "*/5 * * * *")
	require.NoError(t, err)

	run := &core.JobRun{ID: core.NewID(), Job: core.JobAckPoll, Status: core.RunStatusQueued, ScheduledAt: time.Now()}
	require.NoError(t, s.InsertRun(ctx, run))
	require.NoError(t, s.MarkRunStarted(ctx, run.ID, time.Now()))
	msg := "imap: connection refused"
	require.NoError(t, s.MarkRunCompleted(ctx, run.ID, core.RunStatusFailed, time.Now(), &msg))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.EndedAt)
	require.NotNil(t, got.Error)
	assert.Equal(t, msg, *got.Error)

	_, err = s.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, s.MarkRunStarted(ctx, "nope", time.Now()), ErrRunNotFound)
}

func TestPruneRunsKeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 2)
	_, err := s.EnsureJob(ctx, core.JobDueReport, "* * * * *")
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 4; i++ {
		run := &core.JobRun{ID: core.NewID(), Job: core.JobDueReport, Status: core.RunStatusSucceeded, ScheduledAt: time.Now()}
		require.NoError(t, s.InsertRun(ctx, run))
		ids = append(ids, run.ID)
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, s.PruneRuns(ctx, core.JobDueReport))

	runs, err := s.ListRuns(ctx, core.JobDueReport, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[3], runs[0].ID)
	assert.Equal(t, ids[2], runs[1].ID)
}

func TestSQLiteLogRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 5)
	log := NewSQLiteLog(s, nil)

	empty, err := log.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	base := time.Date(2024, 5, 6, 14, 30, 0, 0, time.UTC)
	unknown := sampleRecord("clean", base.Add(time.Minute), 80)
	unknown.RuntimeAtCompletion = core.UnknownRuntime
	require.NoError(t, log.Update(ctx, appendRecords(sampleRecord("lubricate", base, 40), unknown)))
	require.NoError(t, log.Update(ctx, appendRecords(sampleRecord("inspect", base.Add(2*time.Minute), 120))))

	records, err := log.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "lubricate", records[0].Task)
	assert.Equal(t, "clean", records[1].Task)
	assert.Equal(t, "inspect", records[2].Task)
	assert.True(t, base.Equal(records[0].Timestamp))
	assert.Equal(t, core.KnownRuntime(40.5), records[0].RuntimeAtCompletion)
	assert.False(t, records[1].RuntimeAtCompletion.Known)
}

func TestSQLiteLogFailedUpdateCommitsNothing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 5)
	log := NewSQLiteLog(s, nil)

	err := log.Update(ctx, func([]core.CompletionRecord) ([]core.CompletionRecord, error) {
		return nil, assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	records, err := log.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}
