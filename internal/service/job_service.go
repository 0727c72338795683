package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/platform/logger"
	"github.com/phrazzld/harvest-api/internal/store"
)

// Listing limits
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// CreateJobRequest describes a manual harvest of one or more products.
type CreateJobRequest struct {
	Name      string           `json:"name"       validate:"max=200"`
	WorkUnits []string         `json:"asins"      validate:"required,min=1,max=500,dive,required"`
	Config    domain.JobConfig `json:"config"`
}

// JobWithTasks is a job together with its tasks in position order.
type JobWithTasks struct {
	*domain.Job
	Tasks []*domain.Task `json:"tasks"`
}

// HistoryCheck reports whether a product was harvested before.
type HistoryCheck struct {
	WorkUnit          string     `json:"asin"`
	PreviouslyScraped bool       `json:"previously_scraped"`
	LastScrapedAt     *time.Time `json:"last_scraped_at,omitempty"`
	LastJobID         *uuid.UUID `json:"last_job_id,omitempty"`
	TotalScrapes      int        `json:"total_scrapes"`
}

// JobService provides the job lifecycle operations. None of them calls the
// provider; they only touch the ledgers.
type JobService interface {
	// Create validates the request and persists a queued job with one
	// pending task per distinct product.
	Create(ctx context.Context, req CreateJobRequest) (*domain.Job, error)

	// Get returns a job with its tasks.
	Get(ctx context.Context, id uuid.UUID) (*JobWithTasks, error)

	// List returns jobs newest first, optionally filtered by status.
	List(ctx context.Context, status *domain.JobStatus, limit, offset int) ([]*domain.Job, error)

	// Cancel stops a queued or running job. Tasks not yet claimed stay pending.
	Cancel(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// RetryFailed resets the failed tasks of a failed or partial job to
	// pending and moves the job back to running. It returns the number of
	// tasks reset.
	RetryFailed(ctx context.Context, id uuid.UUID) (int, error)

	// Delete removes a job with its tasks and results.
	Delete(ctx context.Context, id uuid.UUID) error

	// CheckHistory reports which products were harvested before in the
	// marketplace, so callers can warn before scraping them again.
	CheckHistory(ctx context.Context, workUnits []string, marketplace string) ([]HistoryCheck, error)
}

// Option configures a service.
type Option func(*options)

type options struct {
	now         func() time.Time
	callDelay   time.Duration
	taskTimeout time.Duration
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithJobDefaults sets the call delay and task timeout given to jobs whose
// request leaves them blank. A negative delay or non-positive timeout keeps
// the built-in default.
func WithJobDefaults(callDelay, taskTimeout time.Duration) Option {
	return func(o *options) {
		if callDelay >= 0 {
			o.callDelay = callDelay
		}
		if taskTimeout > 0 {
			o.taskTimeout = taskTimeout
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:         func() time.Time { return time.Now().UTC() },
		callDelay:   domain.DefaultCallDelay,
		taskTimeout: domain.DefaultTaskTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// jobServiceImpl implements the JobService interface
type jobServiceImpl struct {
	jobs     store.JobStore
	tasks    store.TaskStore
	history  store.HistoryStore
	validate *validator.Validate
	now      func() time.Time
	defaults domain.JobConfig
	logger   *slog.Logger
}

// NewJobService creates a new JobService.
// It returns an error if any of the required dependencies are nil.
func NewJobService(
	jobs store.JobStore,
	tasks store.TaskStore,
	history store.HistoryStore,
	logger *slog.Logger,
	opts ...Option,
) (JobService, error) {
	if jobs == nil || tasks == nil || history == nil {
		return nil, &JobServiceError{
			Operation: "create_service",
			Message:   "job, task and history stores are required",
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := buildOptions(opts)

	// Report validation failures by their JSON field names.
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &jobServiceImpl{
		jobs:     jobs,
		tasks:    tasks,
		history:  history,
		validate: validate,
		now:      o.now,
		defaults: domain.JobConfig{CallDelay: o.callDelay, TaskTimeout: o.taskTimeout},
		logger:   logger.With("component", "job_service"),
	}, nil
}

// Create implements JobService.Create
func (s *jobServiceImpl) Create(ctx context.Context, req CreateJobRequest) (*domain.Job, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	workUnits, err := NormalizeWorkUnits(req.WorkUnits)
	if err != nil {
		return nil, err
	}

	cfg := req.Config
	if cfg.CallDelay == 0 {
		cfg.CallDelay = s.defaults.CallDelay
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = s.defaults.TaskTimeout
	}

	now := s.now()
	job, err := domain.NewJob(req.Name, domain.JobKindManual, cfg, now)
	if err != nil {
		return nil, err
	}

	tasks := make([]*domain.Task, 0, len(workUnits))
	for i, wu := range workUnits {
		task, err := domain.NewTask(job.ID, i, wu, now)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	if err := s.jobs.CreateWithTasks(ctx, job, tasks); err != nil {
		log.Error("failed to create job",
			slog.String("error", err.Error()),
			slog.Int("tasks", len(tasks)))
		return nil, NewJobServiceError("create_job", "failed to save job", err)
	}

	log.Info("job created",
		slog.String("job_id", job.ID.String()),
		slog.Int("tasks", len(tasks)),
		slog.String("marketplace", job.Config.Marketplace))
	return job, nil
}

// NormalizeWorkUnits normalizes every product identifier and drops repeats,
// keeping the first occurrence.
func NormalizeWorkUnits(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		wu, err := domain.NormalizeWorkUnit(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[wu]; dup {
			continue
		}
		seen[wu] = struct{}{}
		out = append(out, wu)
	}
	return out, nil
}

// Get implements JobService.Get
func (s *jobServiceImpl) Get(ctx context.Context, id uuid.UUID) (*JobWithTasks, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, NewJobServiceError("get_job", "failed to retrieve job", err)
	}
	tasks, err := s.tasks.ListByJob(ctx, id)
	if err != nil {
		return nil, NewJobServiceError("get_job", "failed to retrieve tasks", err)
	}
	return &JobWithTasks{Job: job, Tasks: tasks}, nil
}

// List implements JobService.List
func (s *jobServiceImpl) List(
	ctx context.Context,
	status *domain.JobStatus,
	limit, offset int,
) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	jobs, err := s.jobs.List(ctx, status, limit, offset)
	if err != nil {
		return nil, NewJobServiceError("list_jobs", "failed to list jobs", err)
	}
	return jobs, nil
}

// Cancel implements JobService.Cancel
func (s *jobServiceImpl) Cancel(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	// The worker may promote a queued job between our read and our write;
	// one re-read covers that race.
	for attempt := 0; attempt < 2; attempt++ {
		job, err := s.jobs.GetByID(ctx, id)
		if err != nil {
			return nil, NewJobServiceError("cancel_job", "failed to retrieve job", err)
		}
		if job.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: job is %s", domain.ErrJobNotCancellable, job.Status)
		}

		ok, err := s.jobs.TransitionStatus(ctx, id, job.Status, domain.JobStatusCancelled, s.now())
		if err != nil {
			return nil, NewJobServiceError("cancel_job", "failed to cancel job", err)
		}
		if ok {
			log.Info("job cancelled",
				slog.String("job_id", id.String()),
				slog.String("previous_status", string(job.Status)))
			return s.jobs.GetByID(ctx, id)
		}
	}
	return nil, NewJobServiceError("cancel_job", "job status changed concurrently", store.ErrStatusConflict)
}

// RetryFailed implements JobService.RetryFailed
func (s *jobServiceImpl) RetryFailed(ctx context.Context, id uuid.UUID) (int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return 0, NewJobServiceError("retry_failed", "failed to retrieve job", err)
	}
	if job.Status != domain.JobStatusFailed && job.Status != domain.JobStatusPartial {
		return 0, fmt.Errorf("%w: job is %s", domain.ErrJobNotRetryable, job.Status)
	}

	n, err := s.jobs.RetryFailed(ctx, id, job.Status, s.now())
	if err != nil {
		return 0, NewJobServiceError("retry_failed", "failed to reset failed tasks", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: no failed tasks", domain.ErrJobNotRetryable)
	}

	log.Info("failed tasks reset for retry",
		slog.String("job_id", id.String()),
		slog.Int("tasks", n))
	return n, nil
}

// Delete implements JobService.Delete
func (s *jobServiceImpl) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.jobs.Delete(ctx, id); err != nil {
		return NewJobServiceError("delete_job", "failed to delete job", err)
	}
	logger.FromContextOrDefault(ctx, s.logger).Info("job deleted", slog.String("job_id", id.String()))
	return nil
}

// CheckHistory implements JobService.CheckHistory
func (s *jobServiceImpl) CheckHistory(
	ctx context.Context,
	workUnits []string,
	marketplace string,
) ([]HistoryCheck, error) {
	if marketplace == "" {
		marketplace = domain.DefaultMarketplace
	}
	if _, ok := domain.MarketplaceDomain(marketplace); !ok {
		return nil, fmt.Errorf("%w: unknown marketplace %q", domain.ErrValidation, marketplace)
	}
	normalized, err := NormalizeWorkUnits(workUnits)
	if err != nil {
		return nil, err
	}

	found, err := s.history.Lookup(ctx, marketplace, normalized)
	if err != nil {
		return nil, NewJobServiceError("check_history", "failed to look up history", err)
	}

	checks := make([]HistoryCheck, 0, len(normalized))
	for _, wu := range normalized {
		c := HistoryCheck{WorkUnit: wu}
		if h, ok := found[wu]; ok && h != nil {
			at, jobID := h.LastScrapedAt, h.LastJobID
			c.PreviouslyScraped = true
			c.LastScrapedAt = &at
			c.LastJobID = &jobID
			c.TotalScrapes = h.TotalScrapes
		}
		checks = append(checks, c)
	}
	return checks, nil
}

// IsUserError reports whether err is caused by the request rather than the
// system.
func IsUserError(err error) bool {
	for _, target := range []error{
		domain.ErrValidation,
		domain.ErrInvalidWorkUnit,
		domain.ErrInvalidPolicy,
		domain.ErrInvalidJobConfig,
		domain.ErrNoFilterVariants,
		domain.ErrUnknownStarFilter,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
