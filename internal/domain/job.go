package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

// Possible job status values
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusPartial   JobStatus = "partial"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobKind distinguishes jobs requested by a user from jobs produced by the
// recurrence scheduler.
type JobKind string

// Possible job kinds
const (
	JobKindManual    JobKind = "manual"
	JobKindScheduled JobKind = "scheduled"
)

// StarFilter is one rating-tier filter variant understood by the provider.
type StarFilter string

// Supported star filter variants
const (
	StarFilterAll      StarFilter = "all_stars"
	StarFilterFive     StarFilter = "five_star"
	StarFilterFour     StarFilter = "four_star"
	StarFilterThree    StarFilter = "three_star"
	StarFilterTwo      StarFilter = "two_star"
	StarFilterOne      StarFilter = "one_star"
	StarFilterPositive StarFilter = "positive"
	StarFilterCritical StarFilter = "critical"
)

// Job configuration defaults and limits
const (
	DefaultMarketplace  = "com"
	DefaultSortBy       = "recent"
	DefaultReviewerType = "all_reviews"
	DefaultMaxPages     = 10
	MinMaxPages         = 1
	MaxMaxPages         = 20
	DefaultCallDelay    = 10 * time.Second
	MaxCallDelay        = 60 * time.Second
	DefaultTaskTimeout  = 30 * time.Minute
	MaxTaskTimeout      = 2 * time.Hour
)

// Common validation errors for Job
var (
	ErrEmptyJobID        = errors.New("job ID cannot be empty")
	ErrInvalidJobStatus  = errors.New("invalid job status")
	ErrInvalidJobConfig  = errors.New("invalid job configuration")
	ErrCounterInvariant  = errors.New("completed + failed exceeds total")
	ErrNoFilterVariants  = errors.New("at least one star filter is required")
	ErrUnknownStarFilter = errors.New("unknown star filter")
)

// marketplaceDomains maps marketplace codes to the storefront host the
// provider scrapes.
var marketplaceDomains = map[string]string{
	"com":    "amazon.com",
	"co.uk":  "amazon.co.uk",
	"de":     "amazon.de",
	"fr":     "amazon.fr",
	"it":     "amazon.it",
	"es":     "amazon.es",
	"ca":     "amazon.ca",
	"com.au": "amazon.com.au",
	"co.jp":  "amazon.co.jp",
	"in":     "amazon.in",
	"com.mx": "amazon.com.mx",
	"com.br": "amazon.com.br",
	"nl":     "amazon.nl",
	"se":     "amazon.se",
	"pl":     "amazon.pl",
	"sg":     "amazon.sg",
	"ae":     "amazon.ae",
	"sa":     "amazon.sa",
	"com.tr": "amazon.com.tr",
}

// MarketplaceDomain returns the storefront host for a marketplace code.
func MarketplaceDomain(marketplace string) (string, bool) {
	d, ok := marketplaceDomains[marketplace]
	return d, ok
}

// JobConfig is the configuration snapshot taken when a job is created.
// Tasks are always processed with the snapshot, never with live settings.
// On the wire CallDelay and TaskTimeout are carried as call_delay_seconds
// and task_timeout_seconds.
type JobConfig struct {
	Marketplace   string        `json:"marketplace"`
	SortBy        string        `json:"sort_by"`
	MaxPages      int           `json:"max_pages"`
	StarFilters   []StarFilter  `json:"star_filters"`
	KeywordFilter string        `json:"keyword_filter,omitempty"`
	ReviewerType  string        `json:"reviewer_type"`
	CallDelay     time.Duration `json:"-"`
	TaskTimeout   time.Duration `json:"-"`
}

type jobConfigFields JobConfig

type jobConfigJSON struct {
	jobConfigFields
	CallDelaySeconds   float64 `json:"call_delay_seconds"`
	TaskTimeoutSeconds float64 `json:"task_timeout_seconds"`
}

// MarshalJSON implements json.Marshaler.
func (c JobConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(jobConfigJSON{
		jobConfigFields:    jobConfigFields(c),
		CallDelaySeconds:   c.CallDelay.Seconds(),
		TaskTimeoutSeconds: c.TaskTimeout.Seconds(),
	})
}

// UnmarshalJSON implements json.Unmarshaler. Unknown keys are rejected so a
// misspelled duration is not silently dropped.
func (c *JobConfig) UnmarshalJSON(data []byte) error {
	var w jobConfigJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return err
	}
	*c = JobConfig(w.jobConfigFields)
	c.CallDelay = seconds(w.CallDelaySeconds)
	c.TaskTimeout = seconds(w.TaskTimeoutSeconds)
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// DefaultJobConfig returns a JobConfig populated with the defaults used
// for scheduled observations and for fields left blank on create.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		Marketplace:  DefaultMarketplace,
		SortBy:       DefaultSortBy,
		MaxPages:     DefaultMaxPages,
		StarFilters:  []StarFilter{StarFilterFive, StarFilterFour},
		ReviewerType: DefaultReviewerType,
		CallDelay:    DefaultCallDelay,
		TaskTimeout:  DefaultTaskTimeout,
	}
}

// WithDefaults fills zero-valued fields from DefaultJobConfig. CallDelay is
// left alone because zero is a valid pause; callers that want the
// process-wide pacing apply it first.
func (c JobConfig) WithDefaults() JobConfig {
	d := DefaultJobConfig()
	if c.Marketplace == "" {
		c.Marketplace = d.Marketplace
	}
	if c.SortBy == "" {
		c.SortBy = d.SortBy
	}
	if c.MaxPages == 0 {
		c.MaxPages = d.MaxPages
	}
	if len(c.StarFilters) == 0 {
		c.StarFilters = d.StarFilters
	}
	if c.ReviewerType == "" {
		c.ReviewerType = d.ReviewerType
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	return c
}

// Validate checks the configuration snapshot.
func (c JobConfig) Validate() error {
	if _, ok := MarketplaceDomain(c.Marketplace); !ok {
		return fmt.Errorf("%w: unknown marketplace %q", ErrInvalidJobConfig, c.Marketplace)
	}
	if c.SortBy != "recent" && c.SortBy != "helpful" {
		return fmt.Errorf("%w: sort_by must be recent or helpful", ErrInvalidJobConfig)
	}
	if c.MaxPages < MinMaxPages || c.MaxPages > MaxMaxPages {
		return fmt.Errorf("%w: max_pages must be between %d and %d",
			ErrInvalidJobConfig, MinMaxPages, MaxMaxPages)
	}
	if c.ReviewerType != "all_reviews" && c.ReviewerType != "avp_only_reviews" {
		return fmt.Errorf("%w: reviewer_type must be all_reviews or avp_only_reviews", ErrInvalidJobConfig)
	}
	if c.CallDelay < 0 || c.CallDelay > MaxCallDelay {
		return fmt.Errorf("%w: call_delay_seconds must be between 0 and %s", ErrInvalidJobConfig, MaxCallDelay)
	}
	if c.TaskTimeout <= 0 || c.TaskTimeout > MaxTaskTimeout {
		return fmt.Errorf("%w: task_timeout_seconds must be positive and at most %s", ErrInvalidJobConfig, MaxTaskTimeout)
	}
	if len(c.StarFilters) == 0 {
		return ErrNoFilterVariants
	}
	for _, f := range c.StarFilters {
		if !isValidStarFilter(f) {
			return fmt.Errorf("%w: %q", ErrUnknownStarFilter, f)
		}
	}
	return nil
}

// Variants returns the filter variants in call order with duplicates removed.
func (c JobConfig) Variants() []StarFilter {
	seen := make(map[StarFilter]struct{}, len(c.StarFilters))
	out := make([]StarFilter, 0, len(c.StarFilters))
	for _, f := range c.StarFilters {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func isValidStarFilter(f StarFilter) bool {
	switch f {
	case StarFilterAll, StarFilterFive, StarFilterFour, StarFilterThree,
		StarFilterTwo, StarFilterOne, StarFilterPositive, StarFilterCritical:
		return true
	default:
		return false
	}
}

// Job is one orchestrated batch of tasks. Its counters are derived from the
// task ledger and written only by the statistics reconciler.
type Job struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	Kind           JobKind    `json:"kind"`
	Status         JobStatus  `json:"status"`
	Config         JobConfig  `json:"config"`
	TotalTasks     int        `json:"total_tasks"`
	CompletedTasks int        `json:"completed_tasks"`
	FailedTasks    int        `json:"failed_tasks"`
	TotalResults   int        `json:"total_results"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a queued job with a fresh ID.
func NewJob(name string, kind JobKind, cfg JobConfig, now time.Time) (*Job, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("%s job %s", kind, now.UTC().Format(time.RFC3339))
	}
	job := &Job{
		ID:        uuid.New(),
		Name:      name,
		Kind:      kind,
		Status:    JobStatusQueued,
		Config:    cfg,
		CreatedAt: now.UTC(),
	}
	return job, job.Validate()
}

// Validate checks if the Job has valid data.
func (j *Job) Validate() error {
	if j.ID == uuid.Nil {
		return ErrEmptyJobID
	}
	if !isValidJobStatus(j.Status) {
		return ErrInvalidJobStatus
	}
	if j.CompletedTasks+j.FailedTasks > j.TotalTasks {
		return ErrCounterInvariant
	}
	return nil
}

// IsTerminal reports whether the job will make no further progress on its own.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusPartial, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

func isValidJobStatus(status JobStatus) bool {
	switch status {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted,
		JobStatusPartial, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// jobTransitions lists the statuses reachable from each job status.
// Leaving failed or partial is only possible through an explicit retry.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:    {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning:   {JobStatusRunning, JobStatusCompleted, JobStatusPartial, JobStatusFailed, JobStatusCancelled},
	JobStatusFailed:    {JobStatusRunning},
	JobStatusPartial:   {JobStatusRunning},
	JobStatusCompleted: {},
	JobStatusCancelled: {},
}

// ValidateJobTransition returns ErrInvalidTransition if from → to is not allowed.
func ValidateJobTransition(from, to JobStatus) error {
	for _, allowed := range jobTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, from, to)
}

// TaskCounts is the tally of a job's tasks by status, as read from the task ledger.
type TaskCounts struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Results   int
}

// AllTerminal reports whether every task reached completed or failed.
func (c TaskCounts) AllTerminal() bool {
	return c.Total > 0 && c.Completed+c.Failed == c.Total
}

// ResolveJobStatus derives the terminal status of a job from its task counts.
// It returns the current status unchanged while any task is still pending or running.
func ResolveJobStatus(current JobStatus, c TaskCounts) JobStatus {
	if current != JobStatusRunning || !c.AllTerminal() {
		return current
	}
	switch {
	case c.Failed == 0:
		return JobStatusCompleted
	case c.Completed == 0:
		return JobStatusFailed
	default:
		return JobStatusPartial
	}
}
