package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/platform/logger"
	"github.com/phrazzld/harvest-api/internal/store"
)

const taskColumns = `id, job_id, position, work_unit, entity_id, status, attempts, call_handle,
	product_title, error_message, result_count, created_at, started_at, completed_at`

// PostgresTaskStore implements the store.TaskStore interface using PostgreSQL.
// Every status change is a guarded UPDATE so that concurrent writers cannot
// move a task out of a status they did not observe.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskStore creates a new PostgresTaskStore
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
	}
}

var _ store.TaskStore = (*PostgresTaskStore)(nil)

func insertTask(ctx context.Context, db store.DBTX, t *domain.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	var entityID uuid.NullUUID
	if t.EntityID != nil {
		entityID = uuid.NullUUID{UUID: *t.EntityID, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO tasks (id, job_id, position, work_unit, entity_id, status, attempts,
			product_title, error_message, result_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		t.ID,
		t.JobID,
		t.Position,
		t.WorkUnit,
		entityID,
		string(t.Status),
		t.Attempts,
		t.ProductTitle,
		t.ErrorMessage,
		t.ResultCount,
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, MapError(err))
	}
	return nil
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t           domain.Task
		entityID    uuid.NullUUID
		status      string
		callHandle  sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&t.ID,
		&t.JobID,
		&t.Position,
		&t.WorkUnit,
		&entityID,
		&status,
		&t.Attempts,
		&callHandle,
		&t.ProductTitle,
		&t.ErrorMessage,
		&t.ResultCount,
		&t.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	if entityID.Valid {
		id := entityID.UUID
		t.EntityID = &id
	}
	if callHandle.Valid {
		h := callHandle.String
		t.CallHandle = &h
	}
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

// GetByID implements store.TaskStore.GetByID
func (s *PostgresTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}
	return t, nil
}

// ListByJob implements store.TaskStore.ListByJob
func (s *PostgresTaskStore) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*domain.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 ORDER BY position ASC`, jobID)
}

// ListPending implements store.TaskStore.ListPending
func (s *PostgresTaskStore) ListPending(ctx context.Context, jobID uuid.UUID) ([]*domain.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 AND status = 'pending' ORDER BY position ASC`,
		jobID)
}

// ListWedged implements store.TaskStore.ListWedged
func (s *PostgresTaskStore) ListWedged(ctx context.Context, cutoffs domain.WedgeCutoffs) ([]*domain.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'running'
			AND ((call_handle IS NULL AND started_at < $1) OR started_at < $2)
		ORDER BY started_at ASC
	`, cutoffs.Idle.UTC(), cutoffs.Call.UTC())
}

func (s *PostgresTaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to query tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			log.Error("failed to scan task row", slog.String("error", err.Error()))
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

// Claim implements store.TaskStore.Claim
func (s *PostgresTaskStore) Claim(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'running', started_at = $2, completed_at = NULL,
			call_handle = NULL, attempts = attempts + 1
		WHERE id = $1 AND status = 'pending'
	`, id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", MapError(err))
	}
	return affectedOne(result)
}

// SetCallHandle implements store.TaskStore.SetCallHandle
// Tasks that are no longer running are left untouched.
func (s *PostgresTaskStore) SetCallHandle(ctx context.Context, id uuid.UUID, handle *string) error {
	var h sql.NullString
	if handle != nil {
		h = sql.NullString{String: *handle, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET call_handle = $2 WHERE id = $1 AND status = 'running'`, id, h)
	if err != nil {
		return fmt.Errorf("failed to set call handle: %w", MapError(err))
	}
	return nil
}

// Finish implements store.TaskStore.Finish
func (s *PostgresTaskStore) Finish(ctx context.Context, id uuid.UUID, outcome store.TaskOutcome) (bool, error) {
	if !outcome.Status.IsTerminal() {
		return false, fmt.Errorf("%w: task running -> %s", domain.ErrInvalidTransition, outcome.Status)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, result_count = $3,
			product_title = COALESCE(NULLIF($4, ''), product_title),
			error_message = $5, completed_at = $6, call_handle = NULL
		WHERE id = $1 AND status = 'running'
	`,
		id,
		string(outcome.Status),
		outcome.ResultCount,
		outcome.ProductTitle,
		outcome.ErrorMessage,
		outcome.At.UTC(),
	)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to finish task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()),
			slog.String("status", string(outcome.Status)))
		return false, fmt.Errorf("failed to finish task: %w", MapError(err))
	}
	return affectedOne(result)
}

// ResetWedged implements store.TaskStore.ResetWedged
func (s *PostgresTaskStore) ResetWedged(
	ctx context.Context,
	id uuid.UUID,
	cutoffs domain.WedgeCutoffs,
	note string,
) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', started_at = NULL, call_handle = NULL,
			error_message = CASE WHEN error_message = '' THEN $4 ELSE error_message || '; ' || $4 END
		WHERE id = $1 AND status = 'running'
			AND ((call_handle IS NULL AND started_at < $2) OR started_at < $3)
	`, id, cutoffs.Idle.UTC(), cutoffs.Call.UTC(), note)
	if err != nil {
		return false, fmt.Errorf("failed to reset wedged task: %w", MapError(err))
	}
	return affectedOne(result)
}

// CountByJob implements store.TaskStore.CountByJob
func (s *PostgresTaskStore) CountByJob(ctx context.Context, jobID uuid.UUID) (domain.TaskCounts, error) {
	var c domain.TaskCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(SUM(result_count), 0)
		FROM tasks
		WHERE job_id = $1
	`, jobID).Scan(&c.Total, &c.Pending, &c.Running, &c.Completed, &c.Failed, &c.Results)
	if err != nil {
		return domain.TaskCounts{}, fmt.Errorf("failed to count tasks: %w", MapError(err))
	}
	return c, nil
}

// HasUnfinishedForEntity implements store.TaskStore.HasUnfinishedForEntity
// Pending tasks left behind in cancelled jobs do not count.
func (s *PostgresTaskStore) HasUnfinishedForEntity(ctx context.Context, entityID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tasks t
			JOIN jobs j ON j.id = t.job_id
			WHERE t.entity_id = $1
				AND t.status IN ('pending', 'running')
				AND j.status <> 'cancelled'
		)
	`, entityID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check unfinished tasks: %w", MapError(err))
	}
	return exists, nil
}

func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}
