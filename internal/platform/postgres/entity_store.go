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

const entityColumns = `id, work_unit, marketplace, display_name, policy_kind, policy_days, policy_expr,
	next_due_at, last_observed_at, active, created_at, updated_at`

// PostgresEntityStore implements the store.EntityStore interface.
type PostgresEntityStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresEntityStore creates a new PostgresEntityStore.
func NewPostgresEntityStore(db store.DBTX, logger *slog.Logger) *PostgresEntityStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresEntityStore{
		db:     db,
		logger: logger.With(slog.String("component", "entity_store")),
	}
}

var _ store.EntityStore = (*PostgresEntityStore)(nil)

func scanEntity(row rowScanner) (*domain.MonitoredEntity, error) {
	var (
		e          domain.MonitoredEntity
		kind       string
		nextDue    sql.NullTime
		lastObserv sql.NullTime
	)
	err := row.Scan(
		&e.ID,
		&e.WorkUnit,
		&e.Marketplace,
		&e.DisplayName,
		&kind,
		&e.Policy.Days,
		&e.Policy.Expr,
		&nextDue,
		&lastObserv,
		&e.Active,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Policy.Kind = domain.PolicyKind(kind)
	e.NextDueAt = timePtr(nextDue)
	e.LastObservedAt = timePtr(lastObserv)
	return &e, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// Create implements store.EntityStore.Create
// Returns store.ErrEntityExists if the product is already monitored in the marketplace.
func (s *PostgresEntityStore) Create(ctx context.Context, e *domain.MonitoredEntity) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := e.Policy.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitored_entities (`+entityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		e.ID,
		e.WorkUnit,
		e.Marketplace,
		e.DisplayName,
		string(e.Policy.Kind),
		e.Policy.Days,
		e.Policy.Expr,
		nullTime(e.NextDueAt),
		nullTime(e.LastObservedAt),
		e.Active,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return MapUniqueViolation(err, "monitored entity", "", store.ErrEntityExists)
		}
		log.Error("failed to create monitored entity",
			slog.String("error", err.Error()),
			slog.String("work_unit", e.WorkUnit))
		return fmt.Errorf("failed to create monitored entity: %w", MapError(err))
	}

	log.Info("monitored entity created",
		slog.String("entity_id", e.ID.String()),
		slog.String("work_unit", e.WorkUnit),
		slog.String("policy", string(e.Policy.Kind)))
	return nil
}

// GetByID implements store.EntityStore.GetByID
func (s *PostgresEntityStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.MonitoredEntity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM monitored_entities WHERE id = $1`, id)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to get monitored entity: %w", MapError(err))
	}
	return e, nil
}

// List implements store.EntityStore.List
func (s *PostgresEntityStore) List(ctx context.Context) ([]*domain.MonitoredEntity, error) {
	return s.queryEntities(ctx,
		`SELECT `+entityColumns+` FROM monitored_entities ORDER BY created_at ASC, id ASC`)
}

// ListDue implements store.EntityStore.ListDue
func (s *PostgresEntityStore) ListDue(ctx context.Context, now time.Time) ([]*domain.MonitoredEntity, error) {
	return s.queryEntities(ctx, `
		SELECT `+entityColumns+` FROM monitored_entities
		WHERE active AND policy_kind <> 'none' AND next_due_at IS NOT NULL AND next_due_at <= $1
		ORDER BY next_due_at ASC, id ASC
	`, now.UTC())
}

func (s *PostgresEntityStore) queryEntities(
	ctx context.Context,
	query string,
	args ...any,
) ([]*domain.MonitoredEntity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to query monitored entities",
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to query monitored entities: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.MonitoredEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan monitored entity row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating monitored entity rows: %w", err)
	}
	return out, nil
}

// Update implements store.EntityStore.Update
func (s *PostgresEntityStore) Update(ctx context.Context, e *domain.MonitoredEntity) error {
	if err := e.Policy.Validate(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE monitored_entities
		SET display_name = $2, policy_kind = $3, policy_days = $4, policy_expr = $5,
			next_due_at = $6, last_observed_at = $7, active = $8, updated_at = $9
		WHERE id = $1
	`,
		e.ID,
		e.DisplayName,
		string(e.Policy.Kind),
		e.Policy.Days,
		e.Policy.Expr,
		nullTime(e.NextDueAt),
		nullTime(e.LastObservedAt),
		e.Active,
		e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update monitored entity: %w", MapError(err))
	}
	if err := CheckRowsAffected(result, "monitored entity"); err != nil {
		if store.IsNotFoundError(err) {
			return store.ErrEntityNotFound
		}
		return err
	}
	return nil
}
