package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/platform/logger"
	"github.com/phrazzld/harvest-api/internal/store"
)

const jobColumns = `id, name, kind, status, config, total_tasks, completed_tasks, failed_tasks,
	total_results, error_message, created_at, started_at, completed_at`

// PostgresJobStore implements the store.JobStore interface
// using a PostgreSQL database as the storage backend.
type PostgresJobStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresJobStore creates a new PostgreSQL implementation of the JobStore interface.
// It accepts a database connection or transaction that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresJobStore(db store.DBTX, logger *slog.Logger) *PostgresJobStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresJobStore{
		db:     db,
		logger: logger.With(slog.String("component", "job_store")),
	}
}

// Ensure PostgresJobStore implements store.JobStore interface
var _ store.JobStore = (*PostgresJobStore)(nil)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// withTx runs fn inside a transaction when the store holds a *sql.DB. When
// the store was built on a transaction already, fn runs on it directly.
func withTx(ctx context.Context, db store.DBTX, fn func(tx store.DBTX) error) error {
	if sqlDB, ok := db.(*sql.DB); ok {
		return store.RunInTransaction(ctx, sqlDB, func(ctx context.Context, tx *sql.Tx) error {
			return fn(tx)
		})
	}
	return fn(db)
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job         domain.Job
		kind        string
		status      string
		config      []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.Name,
		&kind,
		&status,
		&config,
		&job.TotalTasks,
		&job.CompletedTasks,
		&job.FailedTasks,
		&job.TotalResults,
		&job.ErrorMessage,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Kind = domain.JobKind(kind)
	job.Status = domain.JobStatus(status)
	if err := json.Unmarshal(config, &job.Config); err != nil {
		return nil, fmt.Errorf("failed to decode job config: %w", err)
	}
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return &job, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// CreateWithTasks implements store.JobStore.CreateWithTasks.
// The job row and every task row are written in one transaction.
func (s *PostgresJobStore) CreateWithTasks(ctx context.Context, job *domain.Job, tasks []*domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := job.Validate(); err != nil {
		log.Warn("job validation failed during create",
			slog.String("error", err.Error()),
			slog.String("job_id", job.ID.String()))
		return err
	}
	config, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("failed to encode job config: %w", err)
	}
	job.TotalTasks = len(tasks)

	err = withTx(ctx, s.db, func(tx store.DBTX) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, name, kind, status, config, total_tasks, completed_tasks,
				failed_tasks, total_results, error_message, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, 0, 0, '', $7)
		`, job.ID, job.Name, job.Kind, job.Status, string(config), job.TotalTasks, job.CreatedAt)
		if err != nil {
			return MapError(err)
		}

		for _, t := range tasks {
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Error("failed to create job",
			slog.String("error", err.Error()),
			slog.String("job_id", job.ID.String()))
		return fmt.Errorf("failed to create job: %w", err)
	}

	log.Info("job created",
		slog.String("job_id", job.ID.String()),
		slog.String("kind", string(job.Kind)),
		slog.Int("tasks", len(tasks)))
	return nil
}

// GetByID implements store.JobStore.GetByID
// Returns store.ErrJobNotFound if the job does not exist.
func (s *PostgresJobStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrJobNotFound
		}
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to get job",
			slog.String("error", err.Error()),
			slog.String("job_id", id.String()))
		return nil, fmt.Errorf("failed to get job: %w", MapError(err))
	}
	return job, nil
}

// List implements store.JobStore.List
func (s *PostgresJobStore) List(
	ctx context.Context,
	status *domain.JobStatus,
	limit, offset int,
) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, string(*status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	return s.queryJobs(ctx, query, args...)
}

// ListByStatus implements store.JobStore.ListByStatus
func (s *PostgresJobStore) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]*domain.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ANY($1) ORDER BY created_at ASC, id ASC`,
		names)
}

func (s *PostgresJobStore) queryJobs(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to query jobs",
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to query jobs: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}

// TransitionStatus implements store.JobStore.TransitionStatus
func (s *PostgresJobStore) TransitionStatus(
	ctx context.Context,
	id uuid.UUID,
	from, to domain.JobStatus,
	at time.Time,
) (bool, error) {
	if err := domain.ValidateJobTransition(from, to); err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $3,
			started_at = CASE WHEN $5 AND started_at IS NULL THEN $4 ELSE started_at END,
			completed_at = CASE WHEN $6 THEN $4 WHEN $5 THEN NULL ELSE completed_at END
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at.UTC(), to == domain.JobStatusRunning, to.IsTerminal())
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to transition job",
			slog.String("error", err.Error()),
			slog.String("job_id", id.String()),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
		return false, fmt.Errorf("failed to transition job: %w", MapError(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateCounters implements store.JobStore.UpdateCounters
func (s *PostgresJobStore) UpdateCounters(ctx context.Context, id uuid.UUID, counts domain.TaskCounts) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET total_tasks = $2, completed_tasks = $3, failed_tasks = $4, total_results = $5
		WHERE id = $1
	`, id, counts.Total, counts.Completed, counts.Failed, counts.Results)
	if err != nil {
		return fmt.Errorf("failed to update job counters: %w", MapError(err))
	}
	if err := CheckRowsAffected(result, "job"); err != nil {
		if store.IsNotFoundError(err) {
			return store.ErrJobNotFound
		}
		return err
	}
	return nil
}

// RetryFailed implements store.JobStore.RetryFailed
// Returns store.ErrStatusConflict if the job left from before the update.
func (s *PostgresJobStore) RetryFailed(
	ctx context.Context,
	id uuid.UUID,
	from domain.JobStatus,
	at time.Time,
) (int, error) {
	if err := domain.ValidateJobTransition(from, domain.JobStatusRunning); err != nil {
		return 0, err
	}

	var reset int
	err := withTx(ctx, s.db, func(tx store.DBTX) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'pending', started_at = NULL, completed_at = NULL,
				call_handle = NULL, error_message = ''
			WHERE job_id = $1 AND status = 'failed'
		`, id)
		if err != nil {
			return MapError(err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		reset = int(n)

		result, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'running', completed_at = NULL, error_message = '',
				started_at = COALESCE(started_at, $3)
			WHERE id = $1 AND status = $2
		`, id, string(from), at.UTC())
		if err != nil {
			return MapError(err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: job %s is no longer %s", store.ErrStatusConflict, id, from)
		}
		return nil
	})
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to retry failed tasks",
			slog.String("error", err.Error()),
			slog.String("job_id", id.String()))
		return 0, fmt.Errorf("failed to retry job: %w", err)
	}
	return reset, nil
}

// Delete implements store.JobStore.Delete
// Tasks and reviews are removed by ON DELETE CASCADE.
func (s *PostgresJobStore) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", MapError(err))
	}
	if err := CheckRowsAffected(result, "job"); err != nil {
		if store.IsNotFoundError(err) {
			return store.ErrJobNotFound
		}
		return err
	}
	logger.FromContextOrDefault(ctx, s.logger).Info("job deleted", slog.String("job_id", id.String()))
	return nil
}
