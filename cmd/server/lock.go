package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/phrazzld/harvest-api/internal/config"
	"github.com/phrazzld/harvest-api/internal/platform/lock"
	"github.com/redis/go-redis/v9"
)

// newInstanceLock builds the worker lock for the configured backend. The
// returned redis client is nil unless the redis backend is selected and
// must be closed by the caller.
func newInstanceLock(cfg *config.Config, db *sql.DB, logger *slog.Logger) (lock.InstanceLock, *redis.Client, error) {
	switch cfg.Worker.LockBackend {
	case "postgres":
		if db == nil {
			return nil, nil, fmt.Errorf("postgres lock backend requires a database")
		}
		return lock.NewPostgresLock(db, cfg.Worker.LockKey, logger), nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return lock.NewRedisLock(client, cfg.Worker.LockKey, cfg.Worker.LockTTL, logger), client, nil
	case "none", "":
		return lock.Noop{}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend: %s", cfg.Worker.LockBackend)
	}
}
