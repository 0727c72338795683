package mocks

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/store"
)

// MockJobStore implements store.JobStore on top of a Ledger. Fn fields,
// when set, replace the in-memory behavior of a method.
type MockJobStore struct {
	l *Ledger

	GetByIDFn          func(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	TransitionStatusFn func(ctx context.Context, id uuid.UUID, from, to domain.JobStatus, at time.Time) (bool, error)
	UpdateCountersFn   func(ctx context.Context, id uuid.UUID, counts domain.TaskCounts) error
	ListByStatusFn     func(ctx context.Context, statuses ...domain.JobStatus) ([]*domain.Job, error)

	// UpdateCountersCalls counts counter writes, successful or not.
	UpdateCountersCalls int
}

var _ store.JobStore = (*MockJobStore)(nil)

// CreateWithTasks implements store.JobStore.
func (m *MockJobStore) CreateWithTasks(_ context.Context, job *domain.Job, tasks []*domain.Task) error {
	if err := job.Validate(); err != nil {
		return err
	}
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	if _, ok := m.l.jobs[job.ID]; ok {
		return store.ErrDuplicate
	}
	job.TotalTasks = len(tasks)
	m.l.putLocked(job.ID)
	m.l.jobs[job.ID] = copyJob(job)
	for _, t := range tasks {
		m.l.putLocked(t.ID)
		m.l.tasks[t.ID] = copyTask(t)
	}
	return nil
}

// GetByID implements store.JobStore.
func (m *MockJobStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	if j := m.l.Job(id); j != nil {
		return j, nil
	}
	return nil, store.ErrJobNotFound
}

// List implements store.JobStore.
func (m *MockJobStore) List(_ context.Context, status *domain.JobStatus, limit, offset int) ([]*domain.Job, error) {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	var out []*domain.Job
	for _, j := range m.l.jobs {
		if status == nil || j.Status == *status {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.l.order[out[i].ID] > m.l.order[out[j].ID] })
	if offset >= len(out) {
		return []*domain.Job{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ListByStatus implements store.JobStore.
func (m *MockJobStore) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]*domain.Job, error) {
	if m.ListByStatusFn != nil {
		return m.ListByStatusFn(ctx, statuses...)
	}
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	var out []*domain.Job
	for _, j := range m.l.jobs {
		for _, s := range statuses {
			if j.Status == s {
				out = append(out, copyJob(j))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return m.l.order[out[i].ID] < m.l.order[out[j].ID]
	})
	return out, nil
}

// TransitionStatus implements store.JobStore.
func (m *MockJobStore) TransitionStatus(
	ctx context.Context,
	id uuid.UUID,
	from, to domain.JobStatus,
	at time.Time,
) (bool, error) {
	if m.TransitionStatusFn != nil {
		return m.TransitionStatusFn(ctx, id, from, to, at)
	}
	if err := domain.ValidateJobTransition(from, to); err != nil {
		return false, err
	}
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	j, ok := m.l.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	at = at.UTC()
	j.Status = to
	if to == domain.JobStatusRunning {
		if j.StartedAt == nil {
			j.StartedAt = &at
		}
		j.CompletedAt = nil
	}
	if to.IsTerminal() {
		j.CompletedAt = &at
	}
	return true, nil
}

// UpdateCounters implements store.JobStore.
func (m *MockJobStore) UpdateCounters(ctx context.Context, id uuid.UUID, counts domain.TaskCounts) error {
	m.UpdateCountersCalls++
	if m.UpdateCountersFn != nil {
		return m.UpdateCountersFn(ctx, id, counts)
	}
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	j, ok := m.l.jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}
	j.TotalTasks = counts.Total
	j.CompletedTasks = counts.Completed
	j.FailedTasks = counts.Failed
	j.TotalResults = counts.Results
	return nil
}

// RetryFailed implements store.JobStore.
func (m *MockJobStore) RetryFailed(_ context.Context, id uuid.UUID, from domain.JobStatus, at time.Time) (int, error) {
	if err := domain.ValidateJobTransition(from, domain.JobStatusRunning); err != nil {
		return 0, err
	}
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	var failed []*domain.Task
	for _, t := range m.l.tasks {
		if t.JobID == id && t.Status == domain.TaskStatusFailed {
			failed = append(failed, t)
		}
	}
	if len(failed) == 0 {
		return 0, nil
	}
	j, ok := m.l.jobs[id]
	if !ok || j.Status != from {
		return 0, fmt.Errorf("%w: job %s is no longer %s", store.ErrStatusConflict, id, from)
	}
	for _, t := range failed {
		t.Status = domain.TaskStatusPending
		t.StartedAt = nil
		t.CompletedAt = nil
		t.CallHandle = nil
		t.ErrorMessage = ""
	}
	at = at.UTC()
	j.Status = domain.JobStatusRunning
	j.CompletedAt = nil
	j.ErrorMessage = ""
	if j.StartedAt == nil {
		j.StartedAt = &at
	}
	return len(failed), nil
}

// Delete implements store.JobStore.
func (m *MockJobStore) Delete(_ context.Context, id uuid.UUID) error {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	if _, ok := m.l.jobs[id]; !ok {
		return store.ErrJobNotFound
	}
	delete(m.l.jobs, id)
	removed := make(map[uuid.UUID]struct{})
	for tid, t := range m.l.tasks {
		if t.JobID == id {
			removed[tid] = struct{}{}
			delete(m.l.tasks, tid)
		}
	}
	kept := m.l.reviews[:0]
	for _, r := range m.l.reviews {
		if _, gone := removed[r.TaskID]; !gone {
			kept = append(kept, r)
		}
	}
	m.l.reviews = kept
	return nil
}
