package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/events"
	"github.com/phrazzld/harvest-api/internal/harvest"
	"github.com/phrazzld/harvest-api/internal/platform/lock"
	"github.com/phrazzld/harvest-api/internal/platform/metrics"
	"github.com/phrazzld/harvest-api/internal/reconcile"
	"github.com/phrazzld/harvest-api/internal/recovery"
	"github.com/phrazzld/harvest-api/internal/schedule"
	"github.com/phrazzld/harvest-api/internal/store"
)

// Common errors
var (
	ErrAlreadyStarted = errors.New("worker already started")
	ErrMissingDeps    = errors.New("worker dependencies incomplete")
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Harvester runs the provider fan-out of one task.
type Harvester interface {
	Harvest(ctx context.Context, task *domain.Task, cfg domain.JobConfig, hooks harvest.Hooks) (*harvest.MergeResult, error)
}

// Config holds configuration for the worker.
type Config struct {
	// TickInterval is the pause between the end of one tick and the start
	// of the next.
	TickInterval time.Duration

	// StuckGrace is how long a running task without a live call may stay
	// running before recovery resets it.
	StuckGrace time.Duration

	// TaskTimeout applies to jobs whose configuration carries none.
	TaskTimeout time.Duration

	// LockRefresh is how often the instance lock is refreshed while a tick
	// runs. It must be well below the lock's expiry.
	LockRefresh time.Duration
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: 30 * time.Second,
		StuckGrace:   recovery.DefaultGrace,
		TaskTimeout:  domain.DefaultTaskTimeout,
		LockRefresh:  30 * time.Second,
	}
}

// Deps are the collaborators of a Worker. Scheduler, Emitter, Metrics,
// Lock and Clock are optional.
type Deps struct {
	Jobs       store.JobStore
	Tasks      store.TaskStore
	Reviews    store.ReviewStore
	History    store.HistoryStore
	Harvester  Harvester
	Reconciler *reconcile.Reconciler
	Recoverer  *recovery.Recoverer
	Scheduler  *schedule.Scheduler
	Emitter    events.EventEmitter
	Metrics    *metrics.Metrics
	Lock       lock.InstanceLock
	Clock      Clock
}

// Worker is the single background loop that advances jobs. Tasks are
// processed one at a time and provider calls are strictly sequential.
type Worker struct {
	Deps
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a Worker.
func New(deps Deps, config Config, logger *slog.Logger) (*Worker, error) {
	if deps.Jobs == nil || deps.Tasks == nil || deps.Reviews == nil || deps.History == nil ||
		deps.Harvester == nil || deps.Reconciler == nil || deps.Recoverer == nil {
		return nil, ErrMissingDeps
	}
	if deps.Lock == nil {
		deps.Lock = lock.Noop{}
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}

	defaults := DefaultConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.StuckGrace <= 0 {
		config.StuckGrace = defaults.StuckGrace
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = defaults.TaskTimeout
	}
	if config.LockRefresh <= 0 {
		config.LockRefresh = defaults.LockRefresh
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		Deps:   deps,
		config: config,
		logger: logger.With("component", "worker"),
	}, nil
}

// Start takes the instance lock, runs one tick immediately and then one
// tick every TickInterval until Stop is called or ctx ends. It returns
// lock.ErrLockNotAcquired when another worker is running.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrAlreadyStarted
	}

	if err := w.Lock.Acquire(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	w.setLockHeld(true)

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.loop(loopCtx, w.done)

	w.logger.Info("worker started", slog.Duration("tick_interval", w.config.TickInterval))
	return nil
}

// Stop cancels the loop, waits for the current tick to return and releases
// the instance lock. An in-flight task is abandoned in running; its call
// handle is cleared on a detached context, so recovery picks it up after
// the grace period.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancel()
	done := w.done
	w.running = false
	w.mu.Unlock()

	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Lock.Release(ctx); err != nil {
		w.logger.Error("failed to release instance lock", slog.String("error", err.Error()))
	}
	w.setLockHeld(false)
	w.logger.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := w.Tick(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("tick failed", slog.String("error", err.Error()))
			}
			timer.Reset(w.config.TickInterval)
		}
	}
}

func (w *Worker) setLockHeld(held bool) {
	if w.Metrics != nil {
		w.Metrics.SetLockHeld(held)
	}
}
