package mocks

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/store"
)

// MockEntityStore implements store.EntityStore on top of a Ledger.
type MockEntityStore struct {
	l *Ledger

	ListDueFn func(ctx context.Context, now time.Time) ([]*domain.MonitoredEntity, error)
	UpdateFn  func(ctx context.Context, entity *domain.MonitoredEntity) error
}

var _ store.EntityStore = (*MockEntityStore)(nil)

// Create implements store.EntityStore.
func (m *MockEntityStore) Create(_ context.Context, e *domain.MonitoredEntity) error {
	if err := e.Policy.Validate(); err != nil {
		return err
	}
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	for _, existing := range m.l.entities {
		if existing.WorkUnit == e.WorkUnit && existing.Marketplace == e.Marketplace {
			return store.ErrEntityExists
		}
	}
	m.l.putLocked(e.ID)
	c := *e
	m.l.entities[e.ID] = &c
	return nil
}

// GetByID implements store.EntityStore.
func (m *MockEntityStore) GetByID(_ context.Context, id uuid.UUID) (*domain.MonitoredEntity, error) {
	if e := m.l.Entity(id); e != nil {
		return e, nil
	}
	return nil, store.ErrEntityNotFound
}

// List implements store.EntityStore.
func (m *MockEntityStore) List(_ context.Context) ([]*domain.MonitoredEntity, error) {
	return m.filter(nil), nil
}

// ListDue implements store.EntityStore.
func (m *MockEntityStore) ListDue(ctx context.Context, now time.Time) ([]*domain.MonitoredEntity, error) {
	if m.ListDueFn != nil {
		return m.ListDueFn(ctx, now)
	}
	return m.filter(func(e *domain.MonitoredEntity) bool { return e.IsDue(now) }), nil
}

func (m *MockEntityStore) filter(keep func(*domain.MonitoredEntity) bool) []*domain.MonitoredEntity {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	out := []*domain.MonitoredEntity{}
	for _, e := range m.l.entities {
		if keep == nil || keep(e) {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.l.order[out[i].ID] < m.l.order[out[j].ID] })
	return out
}

// Update implements store.EntityStore.
func (m *MockEntityStore) Update(ctx context.Context, e *domain.MonitoredEntity) error {
	if m.UpdateFn != nil {
		return m.UpdateFn(ctx, e)
	}
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	if _, ok := m.l.entities[e.ID]; !ok {
		return store.ErrEntityNotFound
	}
	c := *e
	m.l.entities[e.ID] = &c
	return nil
}
