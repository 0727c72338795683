package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/phrazzld/harvest-api/internal/platform/logger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoop(t *testing.T) {
	var l InstanceLock = Noop{}
	ctx := context.Background()
	assert.NoError(t, l.Acquire(ctx))
	assert.NoError(t, l.Refresh(ctx))
	assert.NoError(t, l.Release(ctx))
}

func TestAdvisoryKey_Stable(t *testing.T) {
	assert.Equal(t, advisoryKey("harvest-worker"), advisoryKey("harvest-worker"))
	assert.NotEqual(t, advisoryKey("harvest-worker"), advisoryKey("other"))
}

func newSQLMock(t *testing.T) (*PostgresLock, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	log, _ := logger.GetTestLogger(t)
	return NewPostgresLock(db, "harvest-worker", log), mock
}

func TestPostgresLock_AcquireAndRelease(t *testing.T) {
	l, mock := newSQLMock(t)
	key := advisoryKey("harvest-worker")
	ctx := context.Background()

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx), "re-acquiring a held lock is a no-op")
	require.NoError(t, l.Refresh(ctx))

	mock.ExpectQuery("SELECT pg_advisory_unlock").
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))
	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))

	assert.ErrorIs(t, l.Refresh(ctx), ErrLockLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLock_HeldElsewhere(t *testing.T) {
	l, mock := newSQLMock(t)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	assert.ErrorIs(t, l.Acquire(context.Background()), ErrLockNotAcquired)
}

func TestPostgresLock_QueryError(t *testing.T) {
	l, mock := newSQLMock(t)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnError(errors.New("connection refused"))

	err := l.Acquire(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockNotAcquired)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLock_SingleHolder(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	first := NewRedisLock(client, "harvest-worker", time.Minute, nil)
	second := NewRedisLock(client, "harvest-worker", time.Minute, nil)

	require.NoError(t, first.Acquire(ctx))
	assert.ErrorIs(t, second.Acquire(ctx), ErrLockNotAcquired)

	got, err := mr.Get("harvest-worker")
	require.NoError(t, err)
	assert.Equal(t, first.Token(), got)

	require.NoError(t, first.Release(ctx))
	assert.False(t, mr.Exists("harvest-worker"))
	require.NoError(t, second.Acquire(ctx))
}

func TestRedisLock_RefreshExtendsTTL(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	l := NewRedisLock(client, "harvest-worker", time.Minute, nil)

	require.NoError(t, l.Acquire(ctx))
	mr.FastForward(50 * time.Second)
	require.NoError(t, l.Refresh(ctx))
	mr.FastForward(50 * time.Second)
	assert.True(t, mr.Exists("harvest-worker"), "refresh pushed expiry out")
}

func TestRedisLock_Expired(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	l := NewRedisLock(client, "harvest-worker", time.Minute, nil)
	other := NewRedisLock(client, "harvest-worker", time.Minute, nil)

	require.NoError(t, l.Acquire(ctx))
	mr.FastForward(2 * time.Minute)
	require.NoError(t, other.Acquire(ctx))

	assert.ErrorIs(t, l.Refresh(ctx), ErrLockLost)
	require.NoError(t, l.Release(ctx))
	got, err := mr.Get("harvest-worker")
	require.NoError(t, err)
	assert.Equal(t, other.Token(), got, "a stale holder never deletes the new holder's key")
}
