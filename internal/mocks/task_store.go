package mocks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/store"
)

// MockTaskStore implements store.TaskStore on top of a Ledger.
type MockTaskStore struct {
	l *Ledger

	ClaimFn         func(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	FinishFn        func(ctx context.Context, id uuid.UUID, outcome store.TaskOutcome) (bool, error)
	CountByJobFn    func(ctx context.Context, jobID uuid.UUID) (domain.TaskCounts, error)
	ListWedgedFn    func(ctx context.Context, cutoffs domain.WedgeCutoffs) ([]*domain.Task, error)
	ResetWedgedFn   func(ctx context.Context, id uuid.UUID, cutoffs domain.WedgeCutoffs, note string) (bool, error)
	SetCallHandleFn func(ctx context.Context, id uuid.UUID, handle *string) error

	// Handles records every SetCallHandle call in order; nil entries are clears.
	Handles []*string
}

var _ store.TaskStore = (*MockTaskStore)(nil)

// GetByID implements store.TaskStore.
func (m *MockTaskStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	if t := m.l.Task(id); t != nil {
		return t, nil
	}
	return nil, store.ErrTaskNotFound
}

// ListByJob implements store.TaskStore.
func (m *MockTaskStore) ListByJob(_ context.Context, jobID uuid.UUID) ([]*domain.Task, error) {
	return m.l.TasksOf(jobID), nil
}

// ListPending implements store.TaskStore.
func (m *MockTaskStore) ListPending(_ context.Context, jobID uuid.UUID) ([]*domain.Task, error) {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	return m.l.tasksOfLocked(jobID, func(t *domain.Task) bool {
		return t.Status == domain.TaskStatusPending
	}), nil
}

// Claim implements store.TaskStore.
func (m *MockTaskStore) Claim(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	if m.ClaimFn != nil {
		return m.ClaimFn(ctx, id, at)
	}
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	t, ok := m.l.tasks[id]
	if !ok || t.Status != domain.TaskStatusPending {
		return false, nil
	}
	at = at.UTC()
	t.Status = domain.TaskStatusRunning
	t.StartedAt = &at
	t.CompletedAt = nil
	t.CallHandle = nil
	t.Attempts++
	return true, nil
}

// SetCallHandle implements store.TaskStore. Like database/sql it refuses
// to write on a finished context.
func (m *MockTaskStore) SetCallHandle(ctx context.Context, id uuid.UUID, handle *string) error {
	m.l.mu.Lock()
	m.Handles = append(m.Handles, handle)
	m.l.mu.Unlock()
	if m.SetCallHandleFn != nil {
		return m.SetCallHandleFn(ctx, id, handle)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	if t, ok := m.l.tasks[id]; ok && t.Status == domain.TaskStatusRunning {
		t.CallHandle = handle
	}
	return nil
}

// Finish implements store.TaskStore.
func (m *MockTaskStore) Finish(ctx context.Context, id uuid.UUID, outcome store.TaskOutcome) (bool, error) {
	if m.FinishFn != nil {
		return m.FinishFn(ctx, id, outcome)
	}
	if !outcome.Status.IsTerminal() {
		return false, fmt.Errorf("%w: task running -> %s", domain.ErrInvalidTransition, outcome.Status)
	}
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	t, ok := m.l.tasks[id]
	if !ok || t.Status != domain.TaskStatusRunning {
		return false, nil
	}
	at := outcome.At.UTC()
	t.Status = outcome.Status
	t.ResultCount = outcome.ResultCount
	if outcome.ProductTitle != "" {
		t.ProductTitle = outcome.ProductTitle
	}
	t.ErrorMessage = outcome.ErrorMessage
	t.CompletedAt = &at
	t.CallHandle = nil
	return true, nil
}

// ListWedged implements store.TaskStore.
func (m *MockTaskStore) ListWedged(ctx context.Context, cutoffs domain.WedgeCutoffs) ([]*domain.Task, error) {
	if m.ListWedgedFn != nil {
		return m.ListWedgedFn(ctx, cutoffs)
	}
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	var out []*domain.Task
	for _, t := range m.l.tasks {
		if t.IsWedged(cutoffs) {
			out = append(out, copyTask(t))
		}
	}
	return out, nil
}

// ResetWedged implements store.TaskStore.
func (m *MockTaskStore) ResetWedged(ctx context.Context, id uuid.UUID, cutoffs domain.WedgeCutoffs, note string) (bool, error) {
	if m.ResetWedgedFn != nil {
		return m.ResetWedgedFn(ctx, id, cutoffs, note)
	}
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	t, ok := m.l.tasks[id]
	if !ok || !t.IsWedged(cutoffs) {
		return false, nil
	}
	t.Status = domain.TaskStatusPending
	t.StartedAt = nil
	t.CallHandle = nil
	if t.ErrorMessage == "" {
		t.ErrorMessage = note
	} else {
		t.ErrorMessage += "; " + note
	}
	return true, nil
}

// CountByJob implements store.TaskStore.
func (m *MockTaskStore) CountByJob(ctx context.Context, jobID uuid.UUID) (domain.TaskCounts, error) {
	if m.CountByJobFn != nil {
		return m.CountByJobFn(ctx, jobID)
	}
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	var c domain.TaskCounts
	for _, t := range m.l.tasks {
		if t.JobID != jobID {
			continue
		}
		c.Total++
		c.Results += t.ResultCount
		switch t.Status {
		case domain.TaskStatusPending:
			c.Pending++
		case domain.TaskStatusRunning:
			c.Running++
		case domain.TaskStatusCompleted:
			c.Completed++
		case domain.TaskStatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

// HasUnfinishedForEntity implements store.TaskStore.
func (m *MockTaskStore) HasUnfinishedForEntity(_ context.Context, entityID uuid.UUID) (bool, error) {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	for _, t := range m.l.tasks {
		if t.EntityID == nil || *t.EntityID != entityID {
			continue
		}
		if t.Status != domain.TaskStatusPending && t.Status != domain.TaskStatusRunning {
			continue
		}
		if j, ok := m.l.jobs[t.JobID]; ok && j.Status == domain.JobStatusCancelled {
			continue
		}
		return true, nil
	}
	return false, nil
}
