package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/events"
	"github.com/phrazzld/harvest-api/internal/harvest"
	"github.com/phrazzld/harvest-api/internal/mocks"
	"github.com/phrazzld/harvest-api/internal/platform/lock"
	"github.com/phrazzld/harvest-api/internal/platform/logger"
	"github.com/phrazzld/harvest-api/internal/platform/metrics"
	"github.com/phrazzld/harvest-api/internal/provider"
	"github.com/phrazzld/harvest-api/internal/reconcile"
	"github.com/phrazzld/harvest-api/internal/recovery"
	"github.com/phrazzld/harvest-api/internal/schedule"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	asinA = "B08N5WRWNW"
	asinB = "B09B8V1LZ3"
)

var testStart = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// script maps work unit and variant to the natural keys the provider
// returns. Missing entries return an empty page.
type script map[string]map[domain.StarFilter][]string

func (s script) client() provider.Client {
	return mocks.ProviderFunc(func(ctx context.Context, req provider.Request, onStart provider.StartFunc) (*provider.Page, error) {
		handle := "run-" + req.WorkUnit + "-" + string(req.Variant)
		onStart(ctx, handle)
		page := &provider.Page{Handle: handle}
		for _, k := range s[req.WorkUnit][req.Variant] {
			page.Items = append(page.Items, provider.Item{NaturalKey: k, Title: k, ProductTitle: "Product " + req.WorkUnit})
		}
		return page, nil
	})
}

type fakeLock struct {
	acquireErr error
	refreshErr error
}

func (l *fakeLock) Acquire(context.Context) error { return l.acquireErr }
func (l *fakeLock) Refresh(context.Context) error { return l.refreshErr }
func (l *fakeLock) Release(context.Context) error { return nil }

// expiringLock refreshes successfully until expire is called.
type expiringLock struct {
	expired atomic.Bool
}

func (l *expiringLock) Acquire(context.Context) error { return nil }
func (l *expiringLock) Release(context.Context) error { return nil }
func (l *expiringLock) Refresh(context.Context) error {
	if l.expired.Load() {
		return lock.ErrLockLost
	}
	return nil
}

func (l *expiringLock) expire() { l.expired.Store(true) }

// blockingClient records the call handle, runs onCall and then waits for
// ctx or release before returning.
func blockingClient(onCall func(), release <-chan struct{}) provider.Client {
	return mocks.ProviderFunc(func(ctx context.Context, req provider.Request, onStart provider.StartFunc) (*provider.Page, error) {
		onStart(ctx, "run-1")
		onCall()
		select {
		case <-ctx.Done():
			return nil, provider.NewError(provider.KindTransient, "poll run", ctx.Err())
		case <-release:
			return &provider.Page{Handle: "run-1", Items: []provider.Item{{NaturalKey: "k1"}}}, nil
		}
	})
}

func allStars(c *domain.JobConfig) { c.StarFilters = []domain.StarFilter{domain.StarFilterAll} }

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the provider call")
	}
}

type harness struct {
	ledger  *mocks.Ledger
	clock   *fakeClock
	worker  *Worker
	metrics *metrics.Metrics
	logs    *logger.TestLogBuffer

	mu     sync.Mutex
	events []events.TaskFinished
}

func newHarness(t *testing.T, client provider.Client, opts ...func(*Deps)) *harness {
	t.Helper()
	log, buf := logger.GetTestLogger(t)
	l := mocks.NewLedger()
	clock := &fakeClock{now: testStart}
	h := &harness{ledger: l, clock: clock, logs: buf, metrics: metrics.New(prometheus.NewRegistry())}

	hv, err := harvest.NewHarvester(client, l.Reviews(), log,
		harvest.WithSleep(func(context.Context, time.Duration) error { return nil }),
		harvest.WithObserver(h.metrics))
	require.NoError(t, err)

	scheduler := schedule.NewScheduler(l.Entities(), l.Jobs(), l.Tasks(), domain.DefaultJobConfig(), log)
	emitter := events.NewDispatcher(log)
	emitter.Subscribe(events.TypeTaskFinished, scheduler)
	emitter.Subscribe(events.TypeTaskFinished, events.HandlerFunc(func(_ context.Context, e *events.Event) error {
		var p events.TaskFinished
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, p)
		return nil
	}))

	deps := Deps{
		Jobs:       l.Jobs(),
		Tasks:      l.Tasks(),
		Reviews:    l.Reviews(),
		History:    l.Reviews(),
		Harvester:  hv,
		Reconciler: reconcile.NewReconciler(l.Jobs(), l.Tasks(), clock.Now, log),
		Recoverer:  recovery.NewRecoverer(l.Tasks(), 10*time.Minute, log),
		Scheduler:  scheduler,
		Emitter:    emitter,
		Metrics:    h.metrics,
		Clock:      clock,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	w, err := New(deps, Config{TickInterval: 10 * time.Millisecond}, log)
	require.NoError(t, err)
	h.worker = w
	return h
}

func (h *harness) createJob(t *testing.T, mutate func(*domain.JobConfig), asins ...string) *domain.Job {
	t.Helper()
	cfg := domain.DefaultJobConfig()
	cfg.StarFilters = []domain.StarFilter{domain.StarFilterFive, domain.StarFilterFour}
	if mutate != nil {
		mutate(&cfg)
	}
	job, err := domain.NewJob("test", domain.JobKindManual, cfg, h.clock.Now())
	require.NoError(t, err)
	tasks := make([]*domain.Task, 0, len(asins))
	for i, a := range asins {
		task, err := domain.NewTask(job.ID, i, a, h.clock.Now())
		require.NoError(t, err)
		tasks = append(tasks, task)
	}
	require.NoError(t, h.ledger.Jobs().CreateWithTasks(context.Background(), job, tasks))
	// Keep creation order distinct for the oldest-first pick.
	h.clock.Advance(time.Second)
	return job
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, h.worker.Tick(context.Background()))
}

func (h *harness) finishedEvents() []events.TaskFinished {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.TaskFinished(nil), h.events...)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig(), nil)
	assert.ErrorIs(t, err, ErrMissingDeps)
}

func TestTick_CompletesJob(t *testing.T) {
	h := newHarness(t, script{
		asinA: {domain.StarFilterFive: {"k1", "k2", "k3"}, domain.StarFilterFour: {"k3", "k4"}},
		asinB: {domain.StarFilterFive: {"b1"}, domain.StarFilterFour: {"b2"}},
	}.client())
	job := h.createJob(t, nil, asinA, asinB)

	h.tick(t)

	got := h.ledger.Job(job.ID)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.TotalTasks)
	assert.Equal(t, 2, got.CompletedTasks)
	assert.Zero(t, got.FailedTasks)
	assert.Equal(t, 6, got.TotalResults)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	tasks := h.ledger.TasksOf(job.ID)
	assert.Equal(t, 4, tasks[0].ResultCount, "overlapping variants are deduplicated")
	assert.Equal(t, "Product "+asinA, tasks[0].ProductTitle)
	assert.Equal(t, 2, tasks[1].ResultCount)
	for _, task := range tasks {
		assert.Equal(t, domain.TaskStatusCompleted, task.Status)
		assert.Nil(t, task.CallHandle)
		assert.Equal(t, 1, task.Attempts)
	}
	assert.Len(t, h.ledger.AllReviews(), 6)

	history, err := h.ledger.Reviews().Lookup(context.Background(), "com", []string{asinA, asinB})
	require.NoError(t, err)
	assert.Equal(t, 1, history[asinA].TotalScrapes)
	assert.Equal(t, job.ID, history[asinB].LastJobID)

	handles := h.ledger.Tasks().Handles
	require.Len(t, handles, 8, "one set and one clear per provider call")
	for i, hd := range handles {
		if i%2 == 0 {
			assert.NotNil(t, hd)
		} else {
			assert.Nil(t, hd)
		}
	}

	evs := h.finishedEvents()
	require.Len(t, evs, 2)
	assert.Equal(t, tasks[0].ID, evs[0].TaskID)
	assert.Equal(t, domain.TaskStatusCompleted, evs[0].Status)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.TasksFinished.WithLabelValues("completed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(h.metrics.ProviderCalls.WithLabelValues("five_star", "ok"))+
		testutil.ToFloat64(h.metrics.ProviderCalls.WithLabelValues("four_star", "ok")))
}

func TestTick_NoWork(t *testing.T) {
	h := newHarness(t, script{}.client())
	h.tick(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TicksTotal.WithLabelValues("ok")))
}

func TestTick_OneJobPerTick(t *testing.T) {
	h := newHarness(t, script{asinA: {domain.StarFilterFive: {"k1"}}}.client())
	first := h.createJob(t, nil, asinA)
	second := h.createJob(t, nil, asinB)

	h.tick(t)
	assert.Equal(t, domain.JobStatusCompleted, h.ledger.Job(first.ID).Status)
	assert.Equal(t, domain.JobStatusQueued, h.ledger.Job(second.ID).Status)

	h.tick(t)
	assert.Equal(t, domain.JobStatusCompleted, h.ledger.Job(second.ID).Status)
}

func TestTick_CancellationLeavesPendingTasks(t *testing.T) {
	var job *domain.Job
	var h *harness
	client := mocks.ProviderFunc(func(ctx context.Context, req provider.Request, onStart provider.StartFunc) (*provider.Page, error) {
		onStart(ctx, "run-1")
		// The user cancels while the first task is in flight.
		_, err := h.ledger.Jobs().TransitionStatus(ctx, job.ID, domain.JobStatusRunning, domain.JobStatusCancelled, testStart)
		require.NoError(t, err)
		return &provider.Page{Handle: "run-1", Items: []provider.Item{{NaturalKey: req.WorkUnit + string(req.Variant)}}}, nil
	})
	h = newHarness(t, client)
	job = h.createJob(t, func(c *domain.JobConfig) {
		c.StarFilters = []domain.StarFilter{domain.StarFilterFive}
	}, asinA, asinB)

	h.tick(t)

	assert.Equal(t, domain.JobStatusCancelled, h.ledger.Job(job.ID).Status)
	tasks := h.ledger.TasksOf(job.ID)
	assert.Equal(t, domain.TaskStatusCompleted, tasks[0].Status, "the in-flight task finishes")
	assert.Equal(t, domain.TaskStatusPending, tasks[1].Status, "no task is claimed after cancellation")
	assert.Zero(t, tasks[1].Attempts)

	// Later ticks never touch the cancelled job.
	h.tick(t)
	assert.Equal(t, domain.TaskStatusPending, h.ledger.TasksOf(job.ID)[1].Status)
}

func TestTick_LostClaimSkipsTask(t *testing.T) {
	called := false
	client := mocks.ProviderFunc(func(context.Context, provider.Request, provider.StartFunc) (*provider.Page, error) {
		called = true
		return &provider.Page{}, nil
	})
	h := newHarness(t, client)
	job := h.createJob(t, nil, asinA)
	h.ledger.Tasks().ClaimFn = func(context.Context, uuid.UUID, time.Time) (bool, error) {
		return false, nil
	}

	h.tick(t)

	assert.False(t, called)
	assert.Equal(t, domain.TaskStatusPending, h.ledger.TasksOf(job.ID)[0].Status)
	assert.Equal(t, domain.JobStatusRunning, h.ledger.Job(job.ID).Status)
}

func TestTick_AllVariantsFail(t *testing.T) {
	client := mocks.ProviderFunc(func(ctx context.Context, req provider.Request, onStart provider.StartFunc) (*provider.Page, error) {
		onStart(ctx, "run-"+string(req.Variant))
		return nil, provider.NewError(provider.KindTransient, "fetch",
			errors.New(string(req.Variant)+" failed: token=apify_api_abcdefgh12345"))
	})
	h := newHarness(t, client)
	job := h.createJob(t, nil, asinA)

	h.tick(t)

	got := h.ledger.Job(job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.FailedTasks)

	task := h.ledger.TasksOf(job.ID)[0]
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "four_star failed", "the most recent failure is recorded")
	assert.NotContains(t, task.ErrorMessage, "apify_api_abcdefgh12345")
	assert.Empty(t, h.ledger.AllReviews())

	evs := h.finishedEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.TaskStatusFailed, evs[0].Status)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ProviderCalls.WithLabelValues("five_star", "transient"))+
		testutil.ToFloat64(h.metrics.ProviderCalls.WithLabelValues("four_star", "transient")))
}

func TestTick_PartialThenRetry(t *testing.T) {
	missing := true
	client := mocks.ProviderFunc(func(ctx context.Context, req provider.Request, onStart provider.StartFunc) (*provider.Page, error) {
		onStart(ctx, "run")
		if req.WorkUnit == asinB && missing {
			return nil, provider.NewError(provider.KindNotFound, "fetch", errors.New("product not found"))
		}
		return &provider.Page{Items: []provider.Item{{NaturalKey: req.WorkUnit + string(req.Variant)}}}, nil
	})
	h := newHarness(t, client)
	job := h.createJob(t, nil, asinA, asinB)

	h.tick(t)
	got := h.ledger.Job(job.ID)
	assert.Equal(t, domain.JobStatusPartial, got.Status)
	assert.Equal(t, 1, got.CompletedTasks)
	assert.Equal(t, 1, got.FailedTasks)

	missing = false
	n, err := h.ledger.Jobs().RetryFailed(context.Background(), job.ID, domain.JobStatusPartial, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	h.tick(t)
	got = h.ledger.Job(job.ID)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedTasks)
	assert.Zero(t, got.FailedTasks)
	assert.Equal(t, 2, h.ledger.TasksOf(job.ID)[1].Attempts)
}

func TestTick_TaskTimeout(t *testing.T) {
	client := mocks.ProviderFunc(func(ctx context.Context, req provider.Request, onStart provider.StartFunc) (*provider.Page, error) {
		onStart(ctx, "run-slow")
		<-ctx.Done()
		return nil, provider.NewError(provider.KindTransient, "fetch", ctx.Err())
	})
	h := newHarness(t, client)
	job := h.createJob(t, func(c *domain.JobConfig) { c.TaskTimeout = 20 * time.Millisecond }, asinA)

	h.tick(t)

	task := h.ledger.TasksOf(job.ID)[0]
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Equal(t, "task timed out after 20ms", task.ErrorMessage)
	assert.Nil(t, task.CallHandle)
	assert.Equal(t, domain.JobStatusFailed, h.ledger.Job(job.ID).Status)
}

func TestTick_DiscardsResultsWhenTaskMovedOn(t *testing.T) {
	var job *domain.Job
	var h *harness
	client := mocks.ProviderFunc(func(ctx context.Context, req provider.Request, onStart provider.StartFunc) (*provider.Page, error) {
		onStart(ctx, "run")
		// Another actor resets the task while the call is in flight.
		task := h.ledger.TasksOf(job.ID)[0]
		task.Status = domain.TaskStatusPending
		task.StartedAt = nil
		h.ledger.PutTask(task)
		return &provider.Page{Items: []provider.Item{{NaturalKey: "late"}}}, nil
	})
	h = newHarness(t, client)
	job = h.createJob(t, func(c *domain.JobConfig) {
		c.StarFilters = []domain.StarFilter{domain.StarFilterFive}
	}, asinA)

	h.tick(t)

	assert.Empty(t, h.ledger.AllReviews())
	assert.Equal(t, domain.TaskStatusPending, h.ledger.TasksOf(job.ID)[0].Status)
	assert.Empty(t, h.finishedEvents())
}

func TestTick_PanicFailsOnlyThatTask(t *testing.T) {
	client := mocks.ProviderFunc(func(ctx context.Context, req provider.Request, onStart provider.StartFunc) (*provider.Page, error) {
		if req.WorkUnit == asinA {
			panic("boom")
		}
		onStart(ctx, "run")
		return &provider.Page{Items: []provider.Item{{NaturalKey: string(req.Variant)}}}, nil
	})
	h := newHarness(t, client)
	job := h.createJob(t, nil, asinA, asinB)

	h.tick(t)

	tasks := h.ledger.TasksOf(job.ID)
	assert.Equal(t, domain.TaskStatusFailed, tasks[0].Status)
	assert.True(t, strings.HasPrefix(tasks[0].ErrorMessage, "task panicked: boom"))
	assert.Equal(t, domain.TaskStatusCompleted, tasks[1].Status)
	assert.Equal(t, domain.JobStatusPartial, h.ledger.Job(job.ID).Status)
}

func TestTick_RecoversWedgedTask(t *testing.T) {
	h := newHarness(t, script{asinA: {domain.StarFilterFive: {"k1"}}}.client())
	job := h.createJob(t, nil, asinA)
	_, err := h.ledger.Jobs().TransitionStatus(context.Background(), job.ID,
		domain.JobStatusQueued, domain.JobStatusRunning, h.clock.Now())
	require.NoError(t, err)

	// A previous process died mid-task, before any provider call started.
	ok, err := h.ledger.Tasks().Claim(context.Background(), h.ledger.TasksOf(job.ID)[0].ID, h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	h.clock.Advance(time.Hour)

	h.tick(t)

	task := h.ledger.TasksOf(job.ID)[0]
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.Equal(t, 2, task.Attempts)
	assert.Equal(t, domain.JobStatusCompleted, h.ledger.Job(job.ID).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TasksRecovered))
}

func TestTick_DeduplicatesAcrossJobs(t *testing.T) {
	keys := []string{"k1", "k2"}
	client := mocks.ProviderFunc(func(ctx context.Context, req provider.Request, onStart provider.StartFunc) (*provider.Page, error) {
		onStart(ctx, "run")
		page := &provider.Page{}
		for _, k := range keys {
			page.Items = append(page.Items, provider.Item{NaturalKey: k})
		}
		return page, nil
	})
	h := newHarness(t, client)
	onlyFive := func(c *domain.JobConfig) { c.StarFilters = []domain.StarFilter{domain.StarFilterFive} }

	first := h.createJob(t, onlyFive, asinA)
	h.tick(t)
	assert.Equal(t, 2, h.ledger.TasksOf(first.ID)[0].ResultCount)

	keys = []string{"k1", "k2", "k3"}
	second := h.createJob(t, onlyFive, asinA)
	h.tick(t)
	assert.Equal(t, 1, h.ledger.TasksOf(second.ID)[0].ResultCount)
	assert.Len(t, h.ledger.AllReviews(), 3)

	history, err := h.ledger.Reviews().Lookup(context.Background(), "com", []string{asinA})
	require.NoError(t, err)
	assert.Equal(t, 2, history[asinA].TotalScrapes)
}

func TestTick_SchedulesMonitoredEntities(t *testing.T) {
	h := newHarness(t, script{asinA: {domain.StarFilterFive: {"k1"}}}.client())
	ctx := context.Background()
	entity, err := domain.NewMonitoredEntity(asinA, "com", "", domain.RecurrencePolicy{Kind: domain.PolicyDaily}, h.clock.Now())
	require.NoError(t, err)
	require.NoError(t, h.ledger.Entities().Create(ctx, entity))

	h.tick(t) // enqueues the scheduled job at the end of the tick
	jobs, err := h.ledger.Jobs().List(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobKindScheduled, jobs[0].Kind)

	h.clock.Advance(time.Minute)
	h.tick(t) // runs it
	assert.Equal(t, domain.JobStatusCompleted, h.ledger.Job(jobs[0].ID).Status)
	got := h.ledger.Entity(entity.ID)
	require.NotNil(t, got.LastObservedAt)
	require.NotNil(t, got.NextDueAt)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), *got.NextDueAt)

	h.clock.Advance(time.Hour)
	h.tick(t)
	jobs, err = h.ledger.Jobs().List(ctx, nil, 10, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "not due again yet")

	evs := h.finishedEvents()
	require.Len(t, evs, 1)
	require.NotNil(t, evs[0].EntityID)
	assert.Equal(t, entity.ID, *evs[0].EntityID)
}

func TestTick_LockUnavailable(t *testing.T) {
	l := &fakeLock{refreshErr: lock.ErrLockLost, acquireErr: lock.ErrLockNotAcquired}
	h := newHarness(t, script{}.client(), func(d *Deps) { d.Lock = l })
	job := h.createJob(t, nil, asinA)

	err := h.worker.Tick(context.Background())
	assert.ErrorIs(t, err, lock.ErrLockNotAcquired)
	assert.Equal(t, domain.JobStatusQueued, h.ledger.Job(job.ID).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TicksTotal.WithLabelValues("error")))
}

func TestTick_LockReacquired(t *testing.T) {
	l := &fakeLock{refreshErr: lock.ErrLockLost}
	h := newHarness(t, script{}.client(), func(d *Deps) { d.Lock = l })
	job := h.createJob(t, nil, asinA)

	h.tick(t)
	assert.Equal(t, domain.JobStatusCompleted, h.ledger.Job(job.ID).Status)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, script{asinA: {domain.StarFilterFive: {"k1"}}}.client())
	job := h.createJob(t, nil, asinA)

	require.NoError(t, h.worker.Start(context.Background()))
	assert.ErrorIs(t, h.worker.Start(context.Background()), ErrAlreadyStarted)

	assert.Eventually(t, func() bool {
		return h.ledger.Job(job.ID).Status == domain.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.LockHeld))

	h.worker.Stop()
	h.worker.Stop()
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.LockHeld))
}

func TestStart_LockHeldElsewhere(t *testing.T) {
	h := newHarness(t, script{}.client(), func(d *Deps) {
		d.Lock = &fakeLock{acquireErr: lock.ErrLockNotAcquired}
	})

	err := h.worker.Start(context.Background())
	assert.ErrorIs(t, err, lock.ErrLockNotAcquired)
}

func TestStop_ClearsHandleOfAbandonedCall(t *testing.T) {
	inCall := make(chan struct{})
	h := newHarness(t, blockingClient(func() { close(inCall) }, nil))
	job := h.createJob(t, allStars, asinA)
	taskID := h.ledger.TasksOf(job.ID)[0].ID

	require.NoError(t, h.worker.Start(context.Background()))
	waitFor(t, inCall)
	require.NotNil(t, h.ledger.Task(taskID).CallHandle)

	h.worker.Stop()

	task := h.ledger.Task(taskID)
	assert.Equal(t, domain.TaskStatusRunning, task.Status)
	assert.Nil(t, task.CallHandle, "handle cleared although the tick context was cancelled")

	h.clock.Advance(11 * time.Minute)
	n, err := h.worker.Recoverer.Recover(context.Background(), h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.TaskStatusPending, h.ledger.Task(taskID).Status)
}

func TestTick_LostLockAbandonsTask(t *testing.T) {
	l := &expiringLock{}
	h := newHarness(t, blockingClient(l.expire, nil), func(d *Deps) { d.Lock = l })
	log, buf := logger.GetTestLogger(t)
	w, err := New(h.worker.Deps, Config{LockRefresh: 5 * time.Millisecond}, log)
	require.NoError(t, err)
	job := h.createJob(t, allStars, asinA)

	err = w.Tick(context.Background())
	require.ErrorIs(t, err, lock.ErrLockLost)

	task := h.ledger.TasksOf(job.ID)[0]
	assert.Equal(t, domain.TaskStatusRunning, task.Status, "left for recovery")
	assert.Nil(t, task.CallHandle)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.LockHeld))
	logger.AssertLogField(t, buf, "level", "ERROR")
}

func TestTick_KeepsRedisLockDuringLongTask(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	const key = "harvest-worker"
	log, _ := logger.GetTestLogger(t)
	held := lock.NewRedisLock(rdb, key, 2*time.Minute, log)
	require.NoError(t, held.Acquire(context.Background()))

	inCall, release := make(chan struct{}), make(chan struct{})
	h := newHarness(t, blockingClient(func() { close(inCall) }, release), func(d *Deps) { d.Lock = held })
	w, err := New(h.worker.Deps, Config{LockRefresh: 5 * time.Millisecond}, log)
	require.NoError(t, err)
	job := h.createJob(t, allStars, asinA)

	errc := make(chan error, 1)
	go func() { errc <- w.Tick(context.Background()) }()
	waitFor(t, inCall)

	// Each jump stays inside the TTL, together they pass it.
	for i := 0; i < 2; i++ {
		mr.FastForward(90 * time.Second)
		require.Eventually(t, func() bool { return mr.TTL(key) > time.Minute },
			time.Second, 5*time.Millisecond, "lock refreshed mid-task")
	}

	rival := lock.NewRedisLock(rdb, key, 2*time.Minute, log)
	assert.ErrorIs(t, rival.Acquire(context.Background()), lock.ErrLockNotAcquired)

	close(release)
	require.NoError(t, <-errc)
	assert.Equal(t, domain.JobStatusCompleted, h.ledger.Job(job.ID).Status)
	assert.True(t, mr.Exists(key))
}
