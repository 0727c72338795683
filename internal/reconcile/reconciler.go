// Package reconcile keeps job counters and terminal statuses consistent
// with the task ledger. It is the only writer of job counters.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/store"
)

// Reconciler recomputes job statistics from task rows.
type Reconciler struct {
	jobs   store.JobStore
	tasks  store.TaskStore
	now    func() time.Time
	logger *slog.Logger
}

// NewReconciler creates a Reconciler. now defaults to time.Now.
func NewReconciler(jobs store.JobStore, tasks store.TaskStore, now func() time.Time, logger *slog.Logger) *Reconciler {
	if jobs == nil || tasks == nil {
		panic("reconcile: stores cannot be nil")
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		jobs:   jobs,
		tasks:  tasks,
		now:    now,
		logger: logger.With("component", "reconciler"),
	}
}

// ReconcileJob recounts the tasks of job, rewrites the job counters when
// they drifted and resolves a running job whose tasks are all terminal.
// job is updated in place. Drift is logged, never returned as an error.
func (r *Reconciler) ReconcileJob(ctx context.Context, job *domain.Job) error {
	counts, err := r.tasks.CountByJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to count tasks for job %s: %w", job.ID, err)
	}

	if drifted(job, counts) {
		if err := r.jobs.UpdateCounters(ctx, job.ID, counts); err != nil {
			return fmt.Errorf("failed to update counters for job %s: %w", job.ID, err)
		}
		r.logger.Info("job counters corrected",
			slog.String("job_id", job.ID.String()),
			slog.Int("total", counts.Total),
			slog.Int("completed", counts.Completed),
			slog.Int("failed", counts.Failed),
			slog.Int("results", counts.Results),
			slog.Int("was_completed", job.CompletedTasks),
			slog.Int("was_failed", job.FailedTasks))
		job.TotalTasks = counts.Total
		job.CompletedTasks = counts.Completed
		job.FailedTasks = counts.Failed
		job.TotalResults = counts.Results
	}

	next := domain.ResolveJobStatus(job.Status, counts)
	if next == job.Status {
		return nil
	}

	now := r.now().UTC()
	ok, err := r.jobs.TransitionStatus(ctx, job.ID, job.Status, next, now)
	if err != nil {
		return fmt.Errorf("failed to resolve job %s: %w", job.ID, err)
	}
	if !ok {
		// Someone else (cancel, delete) moved the job first.
		r.logger.Debug("job status changed before resolution",
			slog.String("job_id", job.ID.String()),
			slog.String("expected", string(job.Status)))
		return nil
	}

	r.logger.Info("job finished",
		slog.String("job_id", job.ID.String()),
		slog.String("status", string(next)),
		slog.Int("completed", counts.Completed),
		slog.Int("failed", counts.Failed),
		slog.Int("results", counts.Results))
	job.Status = next
	job.CompletedAt = &now
	return nil
}

// ReconcileActive reconciles every queued or running job. A failure on one
// job does not stop the others; all failures are joined.
func (r *Reconciler) ReconcileActive(ctx context.Context) error {
	jobs, err := r.jobs.ListByStatus(ctx, domain.JobStatusQueued, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to list active jobs: %w", err)
	}

	var errs []error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.ReconcileJob(ctx, job); err != nil {
			r.logger.Error("failed to reconcile job",
				slog.String("job_id", job.ID.String()),
				slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func drifted(job *domain.Job, c domain.TaskCounts) bool {
	return job.TotalTasks != c.Total ||
		job.CompletedTasks != c.Completed ||
		job.FailedTasks != c.Failed ||
		job.TotalResults != c.Results
}
