package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/events"
	"github.com/phrazzld/harvest-api/internal/harvest"
	"github.com/phrazzld/harvest-api/internal/platform/lock"
	"github.com/phrazzld/harvest-api/internal/provider"
	"github.com/phrazzld/harvest-api/internal/redact"
	"github.com/phrazzld/harvest-api/internal/store"
)

// handleWriteTimeout bounds a call handle write made after the tick
// context ended.
const handleWriteTimeout = 5 * time.Second

// Tick runs one pass of the loop:
//
//  1. reconcile every active job
//  2. recover wedged tasks
//  3. pick the oldest running job, else promote the oldest queued one
//  4. process its pending tasks in position order
//  5. reconcile that job
//  6. enqueue due monitored entities
//
// A failing step is logged and the remaining steps still run; the step
// errors are joined into the result. The instance lock is refreshed in the
// background for as long as the tick runs, and losing it cancels the tick.
func (w *Worker) Tick(ctx context.Context) error {
	start := w.Clock.Now()
	err := w.tick(ctx)
	if w.Metrics != nil {
		w.Metrics.RecordTick(w.Clock.Now().Sub(start), err)
	}
	return err
}

func (w *Worker) tick(ctx context.Context) error {
	if err := w.ensureLock(ctx); err != nil {
		return err
	}
	ctx, release := w.holdLock(ctx)
	defer release()

	var errs []error

	if err := w.Reconciler.ReconcileActive(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reconcile: %w", err))
	}

	recovered, err := w.Recoverer.Recover(ctx, w.Clock.Now())
	if err != nil {
		errs = append(errs, fmt.Errorf("recover: %w", err))
	}
	if w.Metrics != nil {
		w.Metrics.RecordRecovered(recovered)
	}

	job, err := w.selectJob(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("select job: %w", err))
	}
	if job != nil {
		w.processJob(ctx, job)
		if err := w.reconcileJob(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("reconcile job: %w", err))
		}
	}

	if ctx.Err() != nil {
		return errors.Join(append(errs, context.Cause(ctx))...)
	}

	if w.Scheduler != nil {
		created, err := w.Scheduler.EnqueueDue(ctx, w.Clock.Now())
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule: %w", err))
		}
		if w.Metrics != nil {
			w.Metrics.RecordScheduled(len(created))
		}
	}

	w.publishJobCounts(ctx)
	return errors.Join(errs...)
}

// ensureLock refreshes the instance lock, trying to take it back once when
// it was lost.
func (w *Worker) ensureLock(ctx context.Context) error {
	err := w.Lock.Refresh(ctx)
	if err == nil {
		return nil
	}
	w.logger.Warn("instance lock refresh failed", slog.String("error", err.Error()))
	if err := w.Lock.Acquire(ctx); err != nil {
		w.setLockHeld(false)
		return fmt.Errorf("instance lock unavailable: %w", err)
	}
	w.setLockHeld(true)
	return nil
}

// holdLock keeps the instance lock alive while a tick runs. The returned
// context is cancelled with lock.ErrLockLost as its cause when a refresh
// fails; release stops the refresher and waits for it.
func (w *Worker) holdLock(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.config.LockRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.Lock.Refresh(ctx)
				if err == nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				w.logger.Error("instance lock lost during tick, abandoning work",
					slog.String("error", err.Error()))
				w.setLockHeld(false)
				cancel(fmt.Errorf("%w: %w", lock.ErrLockLost, err))
				return
			}
		}
	}()

	return ctx, func() {
		cancel(nil)
		<-done
	}
}

// selectJob returns the job to work on this tick, promoting a queued job
// when nothing is running. It returns nil when there is no work.
func (w *Worker) selectJob(ctx context.Context) (*domain.Job, error) {
	running, err := w.Jobs.ListByStatus(ctx, domain.JobStatusRunning)
	if err != nil {
		return nil, err
	}
	if len(running) > 0 {
		return running[0], nil
	}

	queued, err := w.Jobs.ListByStatus(ctx, domain.JobStatusQueued)
	if err != nil {
		return nil, err
	}
	for _, job := range queued {
		ok, err := w.Jobs.TransitionStatus(ctx, job.ID, domain.JobStatusQueued, domain.JobStatusRunning, w.Clock.Now())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		job.Status = domain.JobStatusRunning
		w.logger.Info("job started",
			slog.String("job_id", job.ID.String()),
			slog.String("kind", string(job.Kind)),
			slog.Int("tasks", job.TotalTasks))
		return job, nil
	}
	return nil, nil
}

// processJob runs the pending tasks of job in position order. It checks
// the job status before every claim and stops as soon as the job is no
// longer running, leaving the remaining tasks pending.
func (w *Worker) processJob(ctx context.Context, job *domain.Job) {
	log := w.logger.With(slog.String("job_id", job.ID.String()))

	pending, err := w.Tasks.ListPending(ctx, job.ID)
	if err != nil {
		log.Error("failed to list pending tasks", slog.String("error", err.Error()))
		return
	}

	for _, task := range pending {
		if ctx.Err() != nil {
			return
		}
		current, err := w.Jobs.GetByID(ctx, job.ID)
		if err != nil {
			log.Error("failed to check job status", slog.String("error", err.Error()))
			return
		}
		if current.Status != domain.JobStatusRunning {
			log.Info("job no longer running, leaving remaining tasks pending",
				slog.String("status", string(current.Status)))
			return
		}
		w.runTaskSafely(ctx, job, task)
	}
}

func (w *Worker) runTaskSafely(ctx context.Context, job *domain.Job, task *domain.Task) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("task panicked",
				slog.String("job_id", job.ID.String()),
				slog.String("task_id", task.ID.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			w.finish(ctx, job, task, store.TaskOutcome{
				Status:       domain.TaskStatusFailed,
				ErrorMessage: redact.LedgerMessage(fmt.Errorf("task panicked: %v", r)),
				At:           w.Clock.Now(),
			}, nil)
		}
	}()
	w.runTask(ctx, job, task)
}

func (w *Worker) runTask(ctx context.Context, job *domain.Job, task *domain.Task) {
	log := w.logger.With(
		slog.String("job_id", job.ID.String()),
		slog.String("task_id", task.ID.String()),
		slog.String("work_unit", task.WorkUnit))

	ok, err := w.Tasks.Claim(ctx, task.ID, w.Clock.Now())
	if err != nil {
		log.Error("failed to claim task", slog.String("error", err.Error()))
		return
	}
	if !ok {
		log.Debug("task already claimed")
		return
	}

	timeout := job.Config.TaskTimeout
	if timeout <= 0 {
		timeout = w.config.TaskTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hooks := harvest.Hooks{
		OnStart: func(_ context.Context, handle string) {
			if err := w.setCallHandle(ctx, task.ID, &handle); err != nil {
				log.Warn("failed to record call handle", slog.String("error", err.Error()))
			}
		},
		OnDone: func(context.Context) {
			if err := w.setCallHandle(ctx, task.ID, nil); err != nil {
				log.Warn("failed to clear call handle", slog.String("error", err.Error()))
			}
		},
	}

	log.Info("task started", slog.Int("variants", len(job.Config.Variants())))
	result, err := w.Harvester.Harvest(taskCtx, task, job.Config, hooks)

	if ctx.Err() != nil {
		log.Warn("tick cancelled, task left for recovery",
			slog.String("cause", context.Cause(ctx).Error()))
		return
	}
	now := w.Clock.Now()

	if taskCtx.Err() != nil {
		w.finish(ctx, job, task, store.TaskOutcome{
			Status:       domain.TaskStatusFailed,
			ErrorMessage: fmt.Sprintf("task timed out after %s", timeout),
			At:           now,
		}, result)
		return
	}
	if err != nil {
		w.finish(ctx, job, task, store.TaskOutcome{
			Status:       domain.TaskStatusFailed,
			ErrorMessage: redact.LedgerMessage(err),
			At:           now,
		}, result)
		return
	}
	if result.Failed() {
		w.finish(ctx, job, task, store.TaskOutcome{
			Status:       domain.TaskStatusFailed,
			ProductTitle: result.ProductTitle,
			ErrorMessage: redact.LedgerMessage(result.LastError()),
			At:           now,
		}, result)
		return
	}

	current, err := w.Tasks.GetByID(ctx, task.ID)
	if err != nil {
		log.Error("failed to re-read task", slog.String("error", err.Error()))
		return
	}
	if current.Status != domain.TaskStatusRunning {
		log.Info("task no longer running, discarding results",
			slog.String("status", string(current.Status)),
			slog.Int("items", len(result.Items)))
		return
	}

	stored, err := w.Reviews.SaveBatch(ctx, harvest.Reviews(task, job.Config.Marketplace, result, now))
	if err != nil {
		w.finish(ctx, job, task, store.TaskOutcome{
			Status:       domain.TaskStatusFailed,
			ProductTitle: result.ProductTitle,
			ErrorMessage: redact.LedgerMessage(fmt.Errorf("failed to store results: %w", err)),
			At:           now,
		}, result)
		return
	}

	w.finish(ctx, job, task, store.TaskOutcome{
		Status:       domain.TaskStatusCompleted,
		ResultCount:  stored,
		ProductTitle: result.ProductTitle,
		At:           now,
	}, result)
}

// setCallHandle writes the handle on a context detached from ctx's
// cancellation, so a stopping worker still clears the handle of the call it
// abandons and recovery can reset the task after the grace period.
func (w *Worker) setCallHandle(ctx context.Context, id uuid.UUID, handle *string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handleWriteTimeout)
	defer cancel()
	return w.Tasks.SetCallHandle(ctx, id, handle)
}

// finish records the terminal outcome of a task, then its history and
// event. Nothing after the status write happens when the task was no
// longer running.
func (w *Worker) finish(
	ctx context.Context,
	job *domain.Job,
	task *domain.Task,
	outcome store.TaskOutcome,
	result *harvest.MergeResult,
) {
	log := w.logger.With(
		slog.String("job_id", job.ID.String()),
		slog.String("task_id", task.ID.String()),
		slog.String("work_unit", task.WorkUnit))

	ok, err := w.Tasks.Finish(ctx, task.ID, outcome)
	if err != nil {
		log.Error("failed to finish task", slog.String("error", err.Error()))
		return
	}
	if !ok {
		log.Info("task no longer running, outcome discarded",
			slog.String("status", string(outcome.Status)))
		return
	}

	if outcome.Status == domain.TaskStatusCompleted {
		key := domain.EntityKey{WorkUnit: task.WorkUnit, Marketplace: job.Config.Marketplace}
		if err := w.History.Record(ctx, key, job.ID, outcome.At); err != nil {
			log.Warn("failed to record history", slog.String("error", err.Error()))
		}
		log.Info("task completed",
			slog.Int("results", outcome.ResultCount),
			slog.Int("variants", variantCount(result)))
	} else {
		attrs := []any{slog.String("error", outcome.ErrorMessage)}
		if result != nil && result.LastError() != nil {
			attrs = append(attrs, slog.String("kind", string(provider.KindOf(result.LastError()))))
		}
		log.Warn("task failed", attrs...)
	}

	if w.Metrics != nil {
		w.Metrics.RecordTaskFinished(outcome.Status, outcome.ResultCount)
	}
	w.emitFinished(ctx, job, task, outcome)
}

func (w *Worker) emitFinished(ctx context.Context, job *domain.Job, task *domain.Task, outcome store.TaskOutcome) {
	if w.Emitter == nil {
		return
	}
	event, err := events.NewTaskFinishedEvent(events.TaskFinished{
		JobID:       job.ID,
		TaskID:      task.ID,
		EntityID:    task.EntityID,
		WorkUnit:    task.WorkUnit,
		Marketplace: job.Config.Marketplace,
		Status:      outcome.Status,
		ResultCount: outcome.ResultCount,
		FinishedAt:  outcome.At,
	})
	if err != nil {
		w.logger.Error("failed to build task finished event", slog.String("error", err.Error()))
		return
	}
	if err := w.Emitter.EmitEvent(ctx, event); err != nil {
		w.logger.Error("failed to emit task finished event",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()))
	}
}

// reconcileJob re-reads job and resolves its counters and status.
func (w *Worker) reconcileJob(ctx context.Context, job *domain.Job) error {
	current, err := w.Jobs.GetByID(ctx, job.ID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return nil
		}
		return err
	}
	return w.Reconciler.ReconcileJob(ctx, current)
}

func (w *Worker) publishJobCounts(ctx context.Context) {
	if w.Metrics == nil {
		return
	}
	jobs, err := w.Jobs.ListByStatus(ctx, domain.JobStatusQueued, domain.JobStatusRunning)
	if err != nil {
		return
	}
	counts := make(map[domain.JobStatus]int, 2)
	for _, j := range jobs {
		counts[j.Status]++
	}
	w.Metrics.SetJobCounts(counts)
}

func variantCount(r *harvest.MergeResult) int {
	if r == nil {
		return 0
	}
	return len(r.Variants)
}
