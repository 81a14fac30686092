package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrJobRunning is returned when a job is triggered while a previous run of
// it has not finished.
var ErrJobRunning = errors.New("job is already running")

// JobStore abstracts the persistence layer used by the scheduler and executor.
type JobStore interface {
	// Job operations
	GetJob(ctx context.Context, name string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	EnsureJob(ctx context.Context, name, cronExpr string) (*Job, error)
	UpdateJobScheduleInfo(ctx context.Context, name string, lastRunAt, nextRunAt *time.Time) error
	UpdateJobNextRun(ctx context.Context, name string, nextRunAt *time.Time) error

	// Run operations
	InsertRun(ctx context.Context, run *JobRun) error
	MarkRunStarted(ctx context.Context, id string, startedAt time.Time) error
	MarkRunCompleted(ctx context.Context, id string, status RunStatus, endedAt time.Time, errMsg *string) error
	PruneRuns(ctx context.Context, job string) error
}

// Executor runs the operation associated with a job.
type Executor interface {
	Execute(ctx context.Context, job *Job, run *JobRun) error
}

// Scheduler manages cron-based scheduling and dispatching of jobs.
type Scheduler struct {
	store    JobStore
	executor Executor
	logger   *slog.Logger
	location *time.Location

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[string]cron.EntryID

	running  sync.Map // job name -> struct{}{}
	inflight sync.WaitGroup

	ctx context.Context
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(store JobStore, executor Executor, logger *slog.Logger, location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	return &Scheduler{
		store:    store,
		executor: executor,
		logger:   logger,
		location: location,
		cron:     c,
		entries:  make(map[string]cron.EntryID),
	}
}

// Location returns the time zone cron expressions are evaluated in.
func (s *Scheduler) Location() *time.Location { return s.location }

// Start begins the scheduling loop. ctx is used for background operations (DB updates, job runs).
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop stops the scheduler. The returned context is done once running cron
// callbacks have returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Wait blocks until every launched job run has finished.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Register stores the configured cron expression of each job, keeping any
// paused flag already on record, and schedules the active ones.
func (s *Scheduler) Register(ctx context.Context, crons map[string]string) error {
	names := make([]string, 0, len(crons))
	for name := range crons {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		expr := crons[name]
		if _, err := ParseCron(expr); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", name, err))
			continue
		}
		job, err := s.store.EnsureJob(ctx, name, expr)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", name, err))
			continue
		}
		if err := s.AddOrUpdateJob(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", name, err))
			continue
		}
		s.logger.Info("job registered", "job", name, "cron", expr, "status", job.Status)
	}
	return errors.Join(errs...)
}

// Sync loads all jobs from the store and ensures they are scheduled appropriately.
func (s *Scheduler) Sync(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range jobs {
		if job.Status == JobStatusActive {
			if err := s.scheduleJob(ctx, job); err != nil {
				s.logger.Error("schedule job", "job", job.Name, "err", err)
			}
		} else {
			s.unscheduleJob(job.Name)
		}
	}
	return nil
}

// AddOrUpdateJob updates the scheduler entry for a job whose cron or status changed.
func (s *Scheduler) AddOrUpdateJob(ctx context.Context, job *Job) error {
	s.unscheduleJob(job.Name)
	if job.Status == JobStatusActive {
		if err := s.scheduleJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// RemoveJob stops scheduling the named job.
func (s *Scheduler) RemoveJob(name string) {
	s.unscheduleJob(name)
}

// IsScheduled reports whether the job currently has a cron entry.
func (s *Scheduler) IsScheduled(name string) bool {
	_, ok := s.getEntryID(name)
	return ok
}

// RunJobNow enqueues an immediate run of the job if it is not already running.
// Paused jobs can still be run on demand.
func (s *Scheduler) RunJobNow(ctx context.Context, job *Job) (*JobRun, error) {
	if s.isJobRunning(job.Name) {
		return nil, ErrJobRunning
	}
	run := &JobRun{
		ID:          NewID(),
		Job:         job.Name,
		Status:      RunStatusQueued,
		ScheduledAt: time.Now().UTC(),
	}
	if err := s.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	s.launchExecution(job, run)
	return run, nil
}

func (s *Scheduler) scheduleJob(ctx context.Context, job *Job) error {
	schedule, err := ParseCron(job.Cron)
	if err != nil {
		return err
	}
	now := time.Now().In(s.location)
	nextTimes := NextOccurrences(schedule, now, 1)
	if len(nextTimes) == 1 {
		nextUTC := nextTimes[0].UTC()
		job.NextRunAt = &nextUTC
		if err := s.store.UpdateJobNextRun(ctx, job.Name, &nextUTC); err != nil {
			s.logger.Warn("update next_run_at failed", "job", job.Name, "err", err)
		}
	}
	name := job.Name
	fire := func() {
		entryID, ok := s.getEntryID(name)
		if !ok {
			return
		}
		entry := s.cron.Entry(entryID)
		scheduledAt := entry.Prev
		if scheduledAt.IsZero() {
			scheduledAt = time.Now().In(s.location)
		}
		next := entry.Next
		if !next.IsZero() {
			nextUTC := next.UTC()
			if err := s.store.UpdateJobNextRun(s.ctxOrBackground(), name, &nextUTC); err != nil {
				s.logger.Error("update next_run_at", "job", name, "err", err)
			}
		}
		s.handleScheduledTrigger(name, scheduledAt.In(time.UTC))
	}
	entryID := s.cron.Schedule(schedule, cron.FuncJob(fire))
	s.setEntryID(name, entryID)
	return nil
}

func (s *Scheduler) handleScheduledTrigger(name string, scheduledAt time.Time) {
	ctx := s.ctxOrBackground()
	job, err := s.store.GetJob(ctx, name)
	if err != nil {
		s.logger.Error("fetch job for scheduled run", "job", name, "err", err)
		return
	}
	if job.Status != JobStatusActive {
		return
	}
	if s.isJobRunning(job.Name) {
		s.logger.Info("skipping run because job is already running", "job", job.Name)
		run := &JobRun{
			ID:          NewID(),
			Job:         job.Name,
			Status:      RunStatusSkipped,
			ScheduledAt: scheduledAt,
		}
		if err := s.store.InsertRun(ctx, run); err != nil {
			s.logger.Error("record skipped run", "job", job.Name, "err", err)
		}
		jobRuns.WithLabelValues(job.Name, string(RunStatusSkipped)).Inc()
		return
	}
	run := &JobRun{
		ID:          NewID(),
		Job:         job.Name,
		Status:      RunStatusQueued,
		ScheduledAt: scheduledAt,
	}
	if err := s.store.InsertRun(ctx, run); err != nil {
		s.logger.Error("insert run", "job", job.Name, "err", err)
		return
	}
	s.launchExecution(job, run)
}

func (s *Scheduler) launchExecution(job *Job, run *JobRun) {
	s.markJobRunning(job.Name, true)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.markJobRunning(job.Name, false)
		ctx := s.ctxOrBackground()
		if err := s.executor.Execute(ctx, job, run); err != nil {
			s.logger.Error("execute job", "job", job.Name, "run_id", run.ID, "err", err)
		}
		if err := s.store.PruneRuns(ctx, job.Name); err != nil {
			s.logger.Warn("prune job runs", "job", job.Name, "err", err)
		}
	}()
}

func (s *Scheduler) setEntryID(name string, entryID cron.EntryID) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	s.entries[name] = entryID
}

func (s *Scheduler) getEntryID(name string) (cron.EntryID, bool) {
	s.entryMu.RLock()
	defer s.entryMu.RUnlock()
	id, ok := s.entries[name]
	return id, ok
}

func (s *Scheduler) unscheduleJob(name string) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	if entryID, ok := s.entries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}
}

func (s *Scheduler) isJobRunning(name string) bool {
	_, ok := s.running.Load(name)
	return ok
}

func (s *Scheduler) markJobRunning(name string, running bool) {
	if running {
		s.running.Store(name, struct{}{})
	} else {
		s.running.Delete(name)
	}
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
