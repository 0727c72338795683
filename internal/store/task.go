package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
)

// TaskOutcome is the terminal result the worker records for a task.
type TaskOutcome struct {
	Status       domain.TaskStatus
	ResultCount  int
	ProductTitle string
	ErrorMessage string
	At           time.Time
}

// TaskStore defines the interface for the task ledger.
// Version: 1.0
type TaskStore interface {
	// GetByID retrieves a task by its unique ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// ListByJob returns all tasks of a job in creation order.
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]*domain.Task, error)

	// ListPending returns the pending tasks of a job in creation order.
	ListPending(ctx context.Context, jobID uuid.UUID) ([]*domain.Task, error)

	// Claim atomically moves a task from pending to running, stamping
	// started_at and incrementing the attempt count. Losing the race is
	// reported as false with a nil error.
	Claim(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// SetCallHandle records (or clears, with nil) the handle of the
	// provider call currently in flight for a running task.
	SetCallHandle(ctx context.Context, id uuid.UUID, handle *string) error

	// Finish moves a running task to its terminal status. It returns false
	// when the task is no longer running, in which case nothing is written.
	Finish(ctx context.Context, id uuid.UUID, outcome TaskOutcome) (bool, error)

	// ListWedged returns the running tasks past the cutoffs, oldest first.
	ListWedged(ctx context.Context, cutoffs domain.WedgeCutoffs) ([]*domain.Task, error)

	// ResetWedged moves a wedged task back to pending, clears started_at and
	// the call handle, and appends note to its error text. The same wedged
	// conditions are re-checked in the update, so a task that moved on is
	// left alone.
	ResetWedged(ctx context.Context, id uuid.UUID, cutoffs domain.WedgeCutoffs, note string) (bool, error)

	// CountByJob tallies the tasks of a job by status, plus the sum of
	// their result counts.
	CountByJob(ctx context.Context, jobID uuid.UUID) (domain.TaskCounts, error)

	// HasUnfinishedForEntity reports whether a pending or running task
	// already exists for the monitored entity.
	HasUnfinishedForEntity(ctx context.Context, entityID uuid.UUID) (bool, error)
}
