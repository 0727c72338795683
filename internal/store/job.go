package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
)

// JobStore defines the interface for the job ledger.
// Version: 1.0
type JobStore interface {
	// CreateWithTasks saves a new job together with its tasks atomically.
	CreateWithTasks(ctx context.Context, job *domain.Job, tasks []*domain.Task) error

	// GetByID retrieves a job by its unique ID.
	// Returns ErrJobNotFound if the job does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// List returns jobs newest first. A nil status lists every job.
	List(ctx context.Context, status *domain.JobStatus, limit, offset int) ([]*domain.Job, error)

	// ListByStatus returns every job in one of the given statuses, oldest first.
	ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]*domain.Job, error)

	// TransitionStatus moves a job from one status to another only if it is
	// currently in from. It returns false without error when the job was not
	// in from. started_at is stamped on the first move to running and
	// completed_at on any move to a terminal status.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.JobStatus, at time.Time) (bool, error)

	// UpdateCounters overwrites the derived counters of a job.
	// Only the statistics reconciler calls this.
	UpdateCounters(ctx context.Context, id uuid.UUID, counts domain.TaskCounts) error

	// RetryFailed resets every failed task of the job to pending and moves
	// the job from its terminal status back to running, atomically.
	// It returns the number of tasks reset.
	RetryFailed(ctx context.Context, id uuid.UUID, from domain.JobStatus, at time.Time) (int, error)

	// Delete removes a job with its tasks and results.
	// Returns ErrJobNotFound if the job does not exist.
	Delete(ctx context.Context, id uuid.UUID) error
}
