package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a Redis lock survives without a refresh.
const DefaultTTL = 2 * time.Minute

var (
	refreshScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

// RedisLock is an InstanceLock stored under a Redis key holding a random
// token. It expires after its TTL unless refreshed, so the worker must
// refresh it more often than the TTL.
type RedisLock struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
	token  string
	logger *slog.Logger

	mu   sync.Mutex
	held bool
}

// NewRedisLock creates a Redis-backed lock. A non-positive ttl uses DefaultTTL.
func NewRedisLock(client redis.Cmdable, key string, ttl time.Duration, logger *slog.Logger) *RedisLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLock{
		client: client,
		key:    key,
		ttl:    ttl,
		token:  uuid.New().String(),
		logger: logger.With("component", "instance_lock", "backend", "redis"),
	}
}

// Token identifies this holder.
func (l *RedisLock) Token() string {
	return l.token
}

// Acquire implements InstanceLock.
func (l *RedisLock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to take redis lock: %w", err)
	}
	if !ok {
		holder, err := l.client.Get(ctx, l.key).Result()
		if err == nil && holder == l.token {
			l.held = true
			return nil
		}
		return ErrLockNotAcquired
	}
	l.held = true
	l.logger.Info("instance lock acquired", slog.String("lock", l.key), slog.String("token", l.token))
	return nil
}

// Refresh implements InstanceLock.
func (l *RedisLock) Refresh(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return ErrLockLost
	}
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh redis lock: %w", err)
	}
	if n == 0 {
		l.held = false
		l.logger.Warn("instance lock lost", slog.String("lock", l.key))
		return ErrLockLost
	}
	return nil
}

// Release implements InstanceLock.
func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	l.held = false
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release redis lock: %w", err)
	}
	l.logger.Info("instance lock released", slog.String("lock", l.key))
	return nil
}
