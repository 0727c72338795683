package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// PolicyKind names a recurrence policy.
type PolicyKind string

// Supported recurrence policies
const (
	PolicyNone       PolicyKind = "none"
	PolicyDaily      PolicyKind = "daily"
	PolicyEvery2Days PolicyKind = "every_2_days"
	PolicyEvery3Days PolicyKind = "every_3_days"
	PolicyWeekly     PolicyKind = "weekly"
	PolicyMonthly    PolicyKind = "monthly"
	PolicyCustomDays PolicyKind = "custom_days"
	PolicyCron       PolicyKind = "cron"
)

const (
	maxCustomDays = 365
	day           = 24 * time.Hour
)

// Common validation errors for MonitoredEntity
var (
	ErrEmptyEntityID = errors.New("entity ID cannot be empty")
)

// RecurrencePolicy describes how often a monitored entity is re-observed.
// Days is used only by PolicyCustomDays and Expr only by PolicyCron.
type RecurrencePolicy struct {
	Kind PolicyKind `json:"kind"`
	Days int        `json:"days,omitempty"`
	Expr string     `json:"expr,omitempty"`
}

// Validate checks that the policy can compute a due time.
func (p RecurrencePolicy) Validate() error {
	switch p.Kind {
	case PolicyNone, PolicyDaily, PolicyEvery2Days, PolicyEvery3Days, PolicyWeekly, PolicyMonthly:
		return nil
	case PolicyCustomDays:
		if p.Days < 1 || p.Days > maxCustomDays {
			return fmt.Errorf("%w: custom days must be between 1 and %d", ErrInvalidPolicy, maxCustomDays)
		}
		return nil
	case PolicyCron:
		if _, err := cron.ParseStandard(p.Expr); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPolicy, p.Kind)
	}
}

// Interval returns the fixed interval of the policy. Cron and none
// policies have no fixed interval and return false.
func (p RecurrencePolicy) Interval() (time.Duration, bool) {
	switch p.Kind {
	case PolicyDaily:
		return day, true
	case PolicyEvery2Days:
		return 2 * day, true
	case PolicyEvery3Days:
		return 3 * day, true
	case PolicyWeekly:
		return 7 * day, true
	case PolicyMonthly:
		return 30 * day, true
	case PolicyCustomDays:
		if p.Days < 1 {
			return 0, false
		}
		return time.Duration(p.Days) * day, true
	default:
		return 0, false
	}
}

// NextDue computes the next observation time after now. The second return
// value is false for PolicyNone, meaning the entity is never due.
func (p RecurrencePolicy) NextDue(now time.Time) (time.Time, bool, error) {
	if p.Kind == PolicyNone {
		return time.Time{}, false, nil
	}
	if p.Kind == PolicyCron {
		sched, err := cron.ParseStandard(p.Expr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		return sched.Next(now).UTC(), true, nil
	}
	interval, ok := p.Interval()
	if !ok {
		return time.Time{}, false, fmt.Errorf("%w: %q", ErrInvalidPolicy, p.Kind)
	}
	return now.Add(interval).UTC(), true, nil
}

// MonitoredEntity is a product under recurring observation.
type MonitoredEntity struct {
	ID             uuid.UUID        `json:"id"`
	WorkUnit       string           `json:"work_unit"`
	Marketplace    string           `json:"marketplace"`
	DisplayName    string           `json:"display_name,omitempty"`
	Policy         RecurrencePolicy `json:"policy"`
	NextDueAt      *time.Time       `json:"next_due_at,omitempty"`
	LastObservedAt *time.Time       `json:"last_observed_at,omitempty"`
	Active         bool             `json:"active"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// NewMonitoredEntity opts a product into monitoring. The first observation
// is due immediately unless the policy is none.
func NewMonitoredEntity(
	workUnit, marketplace, displayName string,
	policy RecurrencePolicy,
	now time.Time,
) (*MonitoredEntity, error) {
	wu, err := NormalizeWorkUnit(workUnit)
	if err != nil {
		return nil, err
	}
	if marketplace == "" {
		marketplace = DefaultMarketplace
	}
	if _, ok := MarketplaceDomain(marketplace); !ok {
		return nil, fmt.Errorf("%w: unknown marketplace %q", ErrValidation, marketplace)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	now = now.UTC()
	e := &MonitoredEntity{
		ID:          uuid.New(),
		WorkUnit:    wu,
		Marketplace: marketplace,
		DisplayName: displayName,
		Policy:      policy,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if policy.Kind != PolicyNone {
		e.NextDueAt = &now
	}
	return e, nil
}

// IsDue reports whether the entity should be observed at now.
func (e *MonitoredEntity) IsDue(now time.Time) bool {
	if !e.Active || e.Policy.Kind == PolicyNone || e.NextDueAt == nil {
		return false
	}
	return !e.NextDueAt.After(now)
}

// MarkObserved records an observation at now and advances NextDueAt,
// whatever the outcome of the observation was.
func (e *MonitoredEntity) MarkObserved(now time.Time) error {
	next, ok, err := e.Policy.NextDue(now)
	if err != nil {
		return err
	}
	now = now.UTC()
	e.LastObservedAt = &now
	e.UpdatedAt = now
	if ok {
		e.NextDueAt = &next
	} else {
		e.NextDueAt = nil
	}
	return nil
}
