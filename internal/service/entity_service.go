package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/platform/logger"
	"github.com/phrazzld/harvest-api/internal/store"
)

// WatchRequest opts a product into recurring observation.
type WatchRequest struct {
	WorkUnit    string                  `json:"asin"`
	Marketplace string                  `json:"marketplace"`
	DisplayName string                  `json:"display_name"`
	Policy      domain.RecurrencePolicy `json:"policy"`
}

// EntityService manages monitored products. The recurrence scheduler turns
// due entities into scheduled jobs.
type EntityService interface {
	// Watch starts monitoring a product. The first observation is due
	// immediately unless the policy is none.
	Watch(ctx context.Context, req WatchRequest) (*domain.MonitoredEntity, error)

	// SetPolicy replaces the recurrence policy and recomputes the next due
	// time from the last observation.
	SetPolicy(ctx context.Context, id uuid.UUID, policy domain.RecurrencePolicy) (*domain.MonitoredEntity, error)

	// Unwatch stops monitoring. The entity row and its history are kept.
	Unwatch(ctx context.Context, id uuid.UUID) (*domain.MonitoredEntity, error)

	// List returns every monitored entity.
	List(ctx context.Context) ([]*domain.MonitoredEntity, error)
}

type entityServiceImpl struct {
	entities store.EntityStore
	now      func() time.Time
	logger   *slog.Logger
}

// NewEntityService creates a new EntityService.
func NewEntityService(entities store.EntityStore, logger *slog.Logger, opts ...Option) (EntityService, error) {
	if entities == nil {
		return nil, &EntityServiceError{
			Operation: "create_service",
			Message:   "entity store is required",
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := buildOptions(opts)

	return &entityServiceImpl{
		entities: entities,
		now:      o.now,
		logger:   logger.With("component", "entity_service"),
	}, nil
}

// Watch implements EntityService.Watch
func (s *entityServiceImpl) Watch(ctx context.Context, req WatchRequest) (*domain.MonitoredEntity, error) {
	entity, err := domain.NewMonitoredEntity(req.WorkUnit, req.Marketplace, req.DisplayName, req.Policy, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.entities.Create(ctx, entity); err != nil {
		return nil, NewEntityServiceError("watch", "failed to save monitored entity", err)
	}

	logger.FromContextOrDefault(ctx, s.logger).Info("product monitored",
		slog.String("entity_id", entity.ID.String()),
		slog.String("work_unit", entity.WorkUnit),
		slog.String("marketplace", entity.Marketplace),
		slog.String("policy", string(entity.Policy.Kind)))
	return entity, nil
}

// SetPolicy implements EntityService.SetPolicy
func (s *entityServiceImpl) SetPolicy(
	ctx context.Context,
	id uuid.UUID,
	policy domain.RecurrencePolicy,
) (*domain.MonitoredEntity, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	entity, err := s.entities.GetByID(ctx, id)
	if err != nil {
		return nil, NewEntityServiceError("set_policy", "failed to retrieve monitored entity", err)
	}

	now := s.now()
	entity.Policy = policy
	entity.Active = true
	entity.UpdatedAt = now
	if entity.LastObservedAt == nil {
		entity.NextDueAt = nil
		if policy.Kind != domain.PolicyNone {
			entity.NextDueAt = &now
		}
	} else {
		next, ok, err := policy.NextDue(*entity.LastObservedAt)
		if err != nil {
			return nil, err
		}
		entity.NextDueAt = nil
		if ok {
			entity.NextDueAt = &next
		}
	}

	if err := s.entities.Update(ctx, entity); err != nil {
		return nil, NewEntityServiceError("set_policy", "failed to update monitored entity", err)
	}
	logger.FromContextOrDefault(ctx, s.logger).Info("monitoring policy changed",
		slog.String("entity_id", id.String()),
		slog.String("policy", string(policy.Kind)))
	return entity, nil
}

// Unwatch implements EntityService.Unwatch
func (s *entityServiceImpl) Unwatch(ctx context.Context, id uuid.UUID) (*domain.MonitoredEntity, error) {
	entity, err := s.entities.GetByID(ctx, id)
	if err != nil {
		return nil, NewEntityServiceError("unwatch", "failed to retrieve monitored entity", err)
	}
	entity.Active = false
	entity.NextDueAt = nil
	entity.UpdatedAt = s.now()
	if err := s.entities.Update(ctx, entity); err != nil {
		return nil, NewEntityServiceError("unwatch", "failed to update monitored entity", err)
	}
	logger.FromContextOrDefault(ctx, s.logger).Info("product no longer monitored",
		slog.String("entity_id", id.String()))
	return entity, nil
}

// List implements EntityService.List
func (s *entityServiceImpl) List(ctx context.Context) ([]*domain.MonitoredEntity, error) {
	entities, err := s.entities.List(ctx)
	if err != nil {
		return nil, NewEntityServiceError("list", "failed to list monitored entities", err)
	}
	return entities, nil
}
