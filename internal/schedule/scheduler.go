// Package schedule turns monitored entities into scheduled jobs when their
// recurrence policy says an observation is due, and advances the schedule
// as observations finish.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/events"
	"github.com/phrazzld/harvest-api/internal/store"
)

// Scheduler enqueues due monitored entities.
type Scheduler struct {
	entities store.EntityStore
	jobs     store.JobStore
	tasks    store.TaskStore
	defaults domain.JobConfig
	logger   *slog.Logger
}

var _ events.EventHandler = (*Scheduler)(nil)

// NewScheduler creates a Scheduler. Scheduled jobs use defaults, with the
// marketplace replaced per job.
func NewScheduler(
	entities store.EntityStore,
	jobs store.JobStore,
	tasks store.TaskStore,
	defaults domain.JobConfig,
	logger *slog.Logger,
) *Scheduler {
	if entities == nil || jobs == nil || tasks == nil {
		panic("schedule: stores cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		entities: entities,
		jobs:     jobs,
		tasks:    tasks,
		defaults: defaults.WithDefaults(),
		logger:   logger.With("component", "scheduler"),
	}
}

// NextDue returns the next observation time for policy after now, or false
// when the policy never recurs.
func NextDue(policy domain.RecurrencePolicy, now time.Time) (time.Time, bool, error) {
	return policy.NextDue(now)
}

// EnqueueDue creates one scheduled job per marketplace holding every due
// entity that has no pending or running task yet. It returns the jobs
// created.
func (s *Scheduler) EnqueueDue(ctx context.Context, now time.Time) ([]*domain.Job, error) {
	due, err := s.entities.ListDue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due entities: %w", err)
	}
	if len(due) == 0 {
		return nil, nil
	}

	var markets []string
	byMarket := make(map[string][]*domain.MonitoredEntity)
	for _, e := range due {
		busy, err := s.tasks.HasUnfinishedForEntity(ctx, e.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check entity %s: %w", e.ID, err)
		}
		if busy {
			s.logger.Debug("entity already has an unfinished task",
				slog.String("entity_id", e.ID.String()),
				slog.String("work_unit", e.WorkUnit))
			continue
		}
		if _, ok := byMarket[e.Marketplace]; !ok {
			markets = append(markets, e.Marketplace)
		}
		byMarket[e.Marketplace] = append(byMarket[e.Marketplace], e)
	}

	var created []*domain.Job
	var errs []error
	for _, market := range markets {
		job, err := s.enqueue(ctx, market, byMarket[market], now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		created = append(created, job)
	}
	return created, errors.Join(errs...)
}

func (s *Scheduler) enqueue(
	ctx context.Context,
	market string,
	entities []*domain.MonitoredEntity,
	now time.Time,
) (*domain.Job, error) {
	cfg := s.defaults
	cfg.Marketplace = market
	cfg.StarFilters = append([]domain.StarFilter(nil), s.defaults.StarFilters...)

	name := fmt.Sprintf("scheduled %s %s", market, now.UTC().Format("2006-01-02 15:04"))
	job, err := domain.NewJob(name, domain.JobKindScheduled, cfg, now)
	if err != nil {
		return nil, fmt.Errorf("failed to build scheduled job for %s: %w", market, err)
	}

	tasks := make([]*domain.Task, 0, len(entities))
	for i, e := range entities {
		task, err := domain.NewTask(job.ID, i, e.WorkUnit, now)
		if err != nil {
			return nil, fmt.Errorf("failed to build task for entity %s: %w", e.ID, err)
		}
		entityID := e.ID
		task.EntityID = &entityID
		tasks = append(tasks, task)
	}

	if err := s.jobs.CreateWithTasks(ctx, job, tasks); err != nil {
		return nil, fmt.Errorf("failed to enqueue scheduled job for %s: %w", market, err)
	}
	s.logger.Info("scheduled job enqueued",
		slog.String("job_id", job.ID.String()),
		slog.String("marketplace", market),
		slog.Int("entities", len(tasks)))
	return job, nil
}

// HandleEvent advances the schedule of the entity behind a finished task,
// whatever the task's outcome. Other events are ignored.
func (s *Scheduler) HandleEvent(ctx context.Context, event *events.Event) error {
	if event.Type != events.TypeTaskFinished {
		return nil
	}
	var p events.TaskFinished
	if err := event.UnmarshalPayload(&p); err != nil {
		return fmt.Errorf("failed to decode task finished event: %w", err)
	}
	if p.EntityID == nil || !p.Status.IsTerminal() {
		return nil
	}

	entity, err := s.entities.GetByID(ctx, *p.EntityID)
	if err != nil {
		if errors.Is(err, store.ErrEntityNotFound) {
			s.logger.Debug("finished task refers to a removed entity",
				slog.String("entity_id", p.EntityID.String()))
			return nil
		}
		return fmt.Errorf("failed to load entity %s: %w", *p.EntityID, err)
	}

	if err := entity.MarkObserved(p.FinishedAt); err != nil {
		return fmt.Errorf("failed to advance entity %s: %w", entity.ID, err)
	}
	if err := s.entities.Update(ctx, entity); err != nil {
		return fmt.Errorf("failed to save entity %s: %w", entity.ID, err)
	}

	attrs := []any{
		slog.String("entity_id", entity.ID.String()),
		slog.String("work_unit", entity.WorkUnit),
		slog.String("task_status", string(p.Status)),
	}
	if entity.NextDueAt != nil {
		attrs = append(attrs, slog.Time("next_due_at", *entity.NextDueAt))
	}
	s.logger.Info("entity observed", attrs...)
	return nil
}
