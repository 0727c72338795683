package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
)

// ReviewStore defines the interface for the result store.
// Version: 1.0
type ReviewStore interface {
	// SaveBatch inserts reviews, silently skipping any whose natural key is
	// already stored for the same product and marketplace. It returns the
	// number of rows actually inserted.
	SaveBatch(ctx context.Context, reviews []*domain.Review) (int, error)

	// SeenKeys returns every natural key already stored for the product.
	SeenKeys(ctx context.Context, key domain.EntityKey) (map[string]struct{}, error)

	// ListByTask returns the reviews harvested by one task.
	ListByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.Review, error)
}

// HistoryStore records previous harvests per product and marketplace.
// Version: 1.0
type HistoryStore interface {
	// Record upserts the history row after a task completes.
	Record(ctx context.Context, key domain.EntityKey, jobID uuid.UUID, at time.Time) error

	// Lookup returns history rows for the given products. Products never
	// harvested are absent from the map.
	Lookup(ctx context.Context, marketplace string, workUnits []string) (map[string]*domain.History, error)
}
