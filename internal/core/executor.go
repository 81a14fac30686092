package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// JobFunc is the engine operation a job triggers.
type JobFunc func(ctx context.Context) error

// JobExecutor runs the operation bound to a job and records the run.
type JobExecutor struct {
	store   JobStore
	funcs   map[string]JobFunc
	logger  *slog.Logger
	timeout time.Duration
}

// NewJobExecutor creates an executor for the given job operations. A
// positive timeout bounds each run.
func NewJobExecutor(store JobStore, funcs map[string]JobFunc, timeout time.Duration, logger *slog.Logger) *JobExecutor {
	return &JobExecutor{
		store:   store,
		funcs:   funcs,
		logger:  logger,
		timeout: timeout,
	}
}

// Has reports whether an operation is bound to name.
func (e *JobExecutor) Has(name string) bool {
	_, ok := e.funcs[name]
	return ok
}

// Execute runs the job's operation and records its final status.
func (e *JobExecutor) Execute(ctx context.Context, job *Job, run *JobRun) error {
	fn, ok := e.funcs[job.Name]
	if !ok {
		msg := fmt.Sprintf("no operation bound to job %q", job.Name)
		if err := e.store.MarkRunCompleted(ctx, run.ID, RunStatusFailed, time.Now().UTC(), &msg); err != nil {
			return fmt.Errorf("mark run completed: %w", err)
		}
		jobRuns.WithLabelValues(job.Name, string(RunStatusFailed)).Inc()
		return fmt.Errorf("%s", msg)
	}

	startedAt := time.Now().UTC()
	if err := e.store.MarkRunStarted(ctx, run.ID, startedAt); err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}
	if err := e.store.UpdateJobScheduleInfo(ctx, job.Name, &startedAt, job.NextRunAt); err != nil {
		e.logger.Warn("update job schedule info", "job", job.Name, "err", err)
	}

	runCtx := ctx
	cancel := func() {}
	if e.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
	}
	defer cancel()

	e.logger.Debug("job started", "job", job.Name, "run_id", run.ID)
	runErr := fn(runCtx)

	status := RunStatusSucceeded
	var errMsg *string
	if runErr != nil {
		status = RunStatusFailed
		errMsg = ptrString(runErr.Error())
		e.logger.Error("job failed", "job", job.Name, "run_id", run.ID, "err", runErr)
	} else {
		e.logger.Info("job finished", "job", job.Name, "run_id", run.ID, "elapsed", time.Since(startedAt).Round(time.Millisecond))
	}
	jobRuns.WithLabelValues(job.Name, string(status)).Inc()

	if err := e.store.MarkRunCompleted(ctx, run.ID, status, time.Now().UTC(), errMsg); err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}
	return nil
}

func ptrString(v string) *string {
	return &v
}
