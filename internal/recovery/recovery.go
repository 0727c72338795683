// Package recovery returns tasks orphaned in running by a crashed or killed
// worker to pending so a later tick can pick them up again.
//
// A task without a call handle is orphaned once it has been running longer
// than the grace period. A task still holding a handle is orphaned once it
// has outlived the longest task deadline plus grace: a live worker always
// clears the handle when its deadline fires, so only a dead one leaves it.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/store"
)

// DefaultGrace is how long a running task may go without a call handle
// before it is considered wedged.
const DefaultGrace = 10 * time.Minute

// Recoverer resets wedged tasks.
type Recoverer struct {
	tasks  store.TaskStore
	grace  time.Duration
	logger *slog.Logger
}

// NewRecoverer creates a Recoverer. A non-positive grace uses DefaultGrace.
func NewRecoverer(tasks store.TaskStore, grace time.Duration, logger *slog.Logger) *Recoverer {
	if tasks == nil {
		panic("recovery: task store cannot be nil")
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recoverer{
		tasks:  tasks,
		grace:  grace,
		logger: logger.With("component", "recovery"),
	}
}

// Note is the text appended to a recovered task's error message.
func Note(startedAt time.Time) string {
	return fmt.Sprintf("[auto-recovered: stuck in running since %s]", startedAt.UTC().Format(time.RFC3339))
}

// Recover resets every wedged task to pending and returns how many were
// reset. A task that moved on between the listing and the reset is
// skipped. Errors on individual tasks are joined and do not stop the rest.
func (r *Recoverer) Recover(ctx context.Context, now time.Time) (int, error) {
	cutoffs := domain.NewWedgeCutoffs(now, r.grace, domain.MaxTaskTimeout)
	wedged, err := r.tasks.ListWedged(ctx, cutoffs)
	if err != nil {
		return 0, fmt.Errorf("failed to list wedged tasks: %w", err)
	}

	recovered := 0
	var errs []error
	for _, t := range wedged {
		var since time.Time
		if t.StartedAt != nil {
			since = *t.StartedAt
		}
		ok, err := r.tasks.ResetWedged(ctx, t.ID, cutoffs, Note(since))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to reset task %s: %w", t.ID, err))
			continue
		}
		if !ok {
			continue
		}
		recovered++
		r.logger.Warn("recovered wedged task",
			slog.Bool("recovery", true),
			slog.String("task_id", t.ID.String()),
			slog.String("job_id", t.JobID.String()),
			slog.String("work_unit", t.WorkUnit),
			slog.Time("started_at", since),
			slog.Bool("had_call_handle", t.CallHandle != nil),
			slog.Int("attempts", t.Attempts))
	}
	return recovered, errors.Join(errs...)
}
