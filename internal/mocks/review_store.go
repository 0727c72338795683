package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/store"
)

// MockReviewStore implements store.ReviewStore and store.HistoryStore on
// top of a Ledger.
type MockReviewStore struct {
	l *Ledger

	SaveBatchFn func(ctx context.Context, reviews []*domain.Review) (int, error)
	SeenKeysFn  func(ctx context.Context, key domain.EntityKey) (map[string]struct{}, error)
	RecordFn    func(ctx context.Context, key domain.EntityKey, jobID uuid.UUID, at time.Time) error
}

var (
	_ store.ReviewStore  = (*MockReviewStore)(nil)
	_ store.HistoryStore = (*MockReviewStore)(nil)
)

// SaveBatch implements store.ReviewStore. Rows whose natural key already
// exists for the product are skipped.
func (m *MockReviewStore) SaveBatch(ctx context.Context, reviews []*domain.Review) (int, error) {
	if m.SaveBatchFn != nil {
		return m.SaveBatchFn(ctx, reviews)
	}
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	inserted := 0
	for _, r := range reviews {
		if r.NaturalKey != "" && m.hasKeyLocked(r) {
			continue
		}
		c := *r
		m.l.reviews = append(m.l.reviews, &c)
		inserted++
	}
	return inserted, nil
}

func (m *MockReviewStore) hasKeyLocked(r *domain.Review) bool {
	for _, existing := range m.l.reviews {
		if existing.NaturalKey == r.NaturalKey &&
			existing.Marketplace == r.Marketplace &&
			existing.WorkUnit == r.WorkUnit {
			return true
		}
	}
	return false
}

// SeenKeys implements store.ReviewStore.
func (m *MockReviewStore) SeenKeys(ctx context.Context, key domain.EntityKey) (map[string]struct{}, error) {
	if m.SeenKeysFn != nil {
		return m.SeenKeysFn(ctx, key)
	}
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	seen := make(map[string]struct{})
	for _, r := range m.l.reviews {
		if r.NaturalKey != "" && r.WorkUnit == key.WorkUnit && r.Marketplace == key.Marketplace {
			seen[r.NaturalKey] = struct{}{}
		}
	}
	return seen, nil
}

// ListByTask implements store.ReviewStore.
func (m *MockReviewStore) ListByTask(_ context.Context, taskID uuid.UUID) ([]*domain.Review, error) {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	out := []*domain.Review{}
	for _, r := range m.l.reviews {
		if r.TaskID == taskID {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

// Record implements store.HistoryStore.
func (m *MockReviewStore) Record(ctx context.Context, key domain.EntityKey, jobID uuid.UUID, at time.Time) error {
	if m.RecordFn != nil {
		return m.RecordFn(ctx, key, jobID, at)
	}
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	h, ok := m.l.history[key]
	if !ok {
		h = &domain.History{WorkUnit: key.WorkUnit, Marketplace: key.Marketplace}
		m.l.history[key] = h
	}
	h.LastJobID = jobID
	h.LastScrapedAt = at.UTC()
	h.TotalScrapes++
	return nil
}

// Lookup implements store.HistoryStore.
func (m *MockReviewStore) Lookup(_ context.Context, marketplace string, workUnits []string) (map[string]*domain.History, error) {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	out := make(map[string]*domain.History)
	for _, wu := range workUnits {
		if h, ok := m.l.history[domain.EntityKey{WorkUnit: wu, Marketplace: marketplace}]; ok {
			c := *h
			out[wu] = &c
		}
	}
	return out, nil
}
