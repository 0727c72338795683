// Package lock provides the single-instance guard for the worker: at most
// one process may run the tick loop against a database at a time.
package lock

import (
	"context"
	"errors"
)

var (
	// ErrLockNotAcquired is returned by Acquire when another instance holds
	// the lock.
	ErrLockNotAcquired = errors.New("instance lock held by another worker")

	// ErrLockLost is returned by Refresh when the lock is no longer held.
	ErrLockLost = errors.New("instance lock lost")
)

// InstanceLock is a process-wide mutual exclusion lock.
type InstanceLock interface {
	// Acquire takes the lock or fails with ErrLockNotAcquired.
	Acquire(ctx context.Context) error

	// Refresh confirms the lock is still held, extending it where the
	// backend expires locks.
	Refresh(ctx context.Context) error

	// Release gives the lock up. Releasing a lock that is not held is a
	// no-op.
	Release(ctx context.Context) error
}

// Noop is an InstanceLock that always succeeds. It is meant for
// single-process deployments and tests.
type Noop struct{}

// Acquire implements InstanceLock.
func (Noop) Acquire(context.Context) error { return nil }

// Refresh implements InstanceLock.
func (Noop) Refresh(context.Context) error { return nil }

// Release implements InstanceLock.
func (Noop) Release(context.Context) error { return nil }
