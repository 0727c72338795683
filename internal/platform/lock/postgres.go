package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
)

// PostgresLock is an InstanceLock backed by a session-level advisory lock.
// The lock lives as long as the dedicated connection that took it, so a
// crashed worker releases it automatically.
type PostgresLock struct {
	db     *sql.DB
	key    int64
	name   string
	logger *slog.Logger

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPostgresLock creates an advisory lock identified by name.
func NewPostgresLock(db *sql.DB, name string, logger *slog.Logger) *PostgresLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresLock{
		db:     db,
		key:    advisoryKey(name),
		name:   name,
		logger: logger.With("component", "instance_lock", "backend", "postgres"),
	}
}

func advisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// Acquire implements InstanceLock.
func (l *PostgresLock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to reserve lock connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return ErrLockNotAcquired
	}

	l.conn = conn
	l.logger.Info("instance lock acquired", slog.String("lock", l.name))
	return nil
}

// Refresh implements InstanceLock by checking the holding connection is
// still alive.
func (l *PostgresLock) Refresh(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrLockLost
	}
	if err := l.conn.PingContext(ctx); err != nil {
		_ = l.conn.Close()
		l.conn = nil
		return fmt.Errorf("%w: %v", ErrLockLost, err)
	}
	return nil
}

// Release implements InstanceLock.
func (l *PostgresLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil
	defer func() { _ = conn.Close() }()

	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.key).Scan(&released); err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	l.logger.Info("instance lock released", slog.String("lock", l.name), slog.Bool("held", released))
	return nil
}
