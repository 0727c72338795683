package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/platform/logger"
	"github.com/phrazzld/harvest-api/internal/store"
)

// PostgresReviewStore implements store.ReviewStore and store.HistoryStore.
type PostgresReviewStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresReviewStore creates a new PostgresReviewStore.
func NewPostgresReviewStore(db store.DBTX, logger *slog.Logger) *PostgresReviewStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresReviewStore{
		db:     db,
		logger: logger.With(slog.String("component", "review_store")),
	}
}

var (
	_ store.ReviewStore  = (*PostgresReviewStore)(nil)
	_ store.HistoryStore = (*PostgresReviewStore)(nil)
)

// SaveBatch implements store.ReviewStore.SaveBatch
// Reviews without a natural key are stored with a NULL key and never conflict.
func (s *PostgresReviewStore) SaveBatch(ctx context.Context, reviews []*domain.Review) (int, error) {
	if len(reviews) == 0 {
		return 0, nil
	}

	inserted := 0
	err := withTx(ctx, s.db, func(tx store.DBTX) error {
		for _, r := range reviews {
			result, err := tx.ExecContext(ctx, `
				INSERT INTO reviews (id, natural_key, task_id, work_unit, marketplace, variant,
					title, body, rating, review_date, user_name, verified, helpful_count, raw, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
				ON CONFLICT (marketplace, work_unit, natural_key) DO NOTHING
			`,
				r.ID,
				nullString(r.NaturalKey),
				r.TaskID,
				r.WorkUnit,
				r.Marketplace,
				string(r.Variant),
				r.Title,
				r.Text,
				nullFloat(r.Rating),
				r.Date,
				r.UserName,
				r.Verified,
				r.HelpfulCount,
				nullString(string(r.Raw)),
				r.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert review: %w", MapError(err))
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to save reviews",
			slog.String("error", err.Error()),
			slog.Int("count", len(reviews)))
		return 0, err
	}
	return inserted, nil
}

// SeenKeys implements store.ReviewStore.SeenKeys
func (s *PostgresReviewStore) SeenKeys(ctx context.Context, key domain.EntityKey) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT natural_key FROM reviews
		WHERE marketplace = $1 AND work_unit = $2 AND natural_key IS NOT NULL
	`, key.Marketplace, key.WorkUnit)
	if err != nil {
		return nil, fmt.Errorf("failed to query seen keys: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	seen := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan natural key: %w", err)
		}
		seen[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating natural keys: %w", err)
	}
	return seen, nil
}

// ListByTask implements store.ReviewStore.ListByTask
func (s *PostgresReviewStore) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, natural_key, task_id, work_unit, marketplace, variant, title, body, rating,
			review_date, user_name, verified, helpful_count, raw, created_at
		FROM reviews
		WHERE task_id = $1
		ORDER BY created_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reviews: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var reviews []*domain.Review
	for rows.Next() {
		var (
			r          domain.Review
			naturalKey sql.NullString
			variant    string
			rating     sql.NullFloat64
			raw        []byte
		)
		if err := rows.Scan(
			&r.ID,
			&naturalKey,
			&r.TaskID,
			&r.WorkUnit,
			&r.Marketplace,
			&variant,
			&r.Title,
			&r.Text,
			&rating,
			&r.Date,
			&r.UserName,
			&r.Verified,
			&r.HelpfulCount,
			&raw,
			&r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan review row: %w", err)
		}
		r.NaturalKey = naturalKey.String
		r.Variant = domain.StarFilter(variant)
		if rating.Valid {
			v := rating.Float64
			r.Rating = &v
		}
		r.Raw = raw
		reviews = append(reviews, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating review rows: %w", err)
	}
	return reviews, nil
}

// Record implements store.HistoryStore.Record
func (s *PostgresReviewStore) Record(ctx context.Context, key domain.EntityKey, jobID uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_history (work_unit, marketplace, last_job_id, last_scraped_at, total_scrapes)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (work_unit, marketplace) DO UPDATE
		SET last_job_id = EXCLUDED.last_job_id,
			last_scraped_at = EXCLUDED.last_scraped_at,
			total_scrapes = review_history.total_scrapes + 1
	`, key.WorkUnit, key.Marketplace, jobID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record history: %w", MapError(err))
	}
	return nil
}

// Lookup implements store.HistoryStore.Lookup
func (s *PostgresReviewStore) Lookup(
	ctx context.Context,
	marketplace string,
	workUnits []string,
) (map[string]*domain.History, error) {
	out := make(map[string]*domain.History, len(workUnits))
	if len(workUnits) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT work_unit, marketplace, last_job_id, last_scraped_at, total_scrapes
		FROM review_history
		WHERE marketplace = $1 AND work_unit = ANY($2)
	`, marketplace, workUnits)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var h domain.History
		if err := rows.Scan(&h.WorkUnit, &h.Marketplace, &h.LastJobID, &h.LastScrapedAt, &h.TotalScrapes); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		out[h.WorkUnit] = &h
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history rows: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
