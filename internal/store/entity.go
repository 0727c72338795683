package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
)

// EntityStore defines the interface for the monitored entity schedule.
// Version: 1.0
type EntityStore interface {
	// Create opts a product into monitoring.
	// Returns ErrEntityExists if it is already monitored in that marketplace.
	Create(ctx context.Context, entity *domain.MonitoredEntity) error

	// GetByID retrieves a monitored entity.
	// Returns ErrEntityNotFound if it does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.MonitoredEntity, error)

	// List returns all monitored entities ordered by creation time.
	List(ctx context.Context) ([]*domain.MonitoredEntity, error)

	// ListDue returns active entities with a non-none policy whose next due
	// time is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]*domain.MonitoredEntity, error)

	// Update saves policy, schedule and activity changes.
	// Returns ErrEntityNotFound if it does not exist.
	Update(ctx context.Context, entity *domain.MonitoredEntity) error
}
