package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the processing state of a task
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Common validation errors for Task
var (
	ErrEmptyTaskID       = errors.New("task ID cannot be empty")
	ErrEmptyTaskJobID    = errors.New("task job ID cannot be empty")
	ErrInvalidTaskStatus = errors.New("invalid task status")
)

var asinPattern = regexp.MustCompile(`^[A-Z0-9]{10}$`)

// NormalizeWorkUnit trims and upper-cases a product identifier and checks
// that it looks like an ASIN.
func NormalizeWorkUnit(raw string) (string, error) {
	wu := strings.ToUpper(strings.TrimSpace(raw))
	if !asinPattern.MatchString(wu) {
		return "", fmt.Errorf("%w: %q", ErrInvalidWorkUnit, raw)
	}
	return wu, nil
}

// Task is one work unit within a job. CallHandle is set only while a
// provider call is in flight.
type Task struct {
	ID           uuid.UUID  `json:"id"`
	JobID        uuid.UUID  `json:"job_id"`
	Position     int        `json:"position"`
	WorkUnit     string     `json:"work_unit"`
	EntityID     *uuid.UUID `json:"entity_id,omitempty"`
	Status       TaskStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	CallHandle   *string    `json:"call_handle,omitempty"`
	ProductTitle string     `json:"product_title,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ResultCount  int        `json:"result_count"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// NewTask creates a pending task for the given job and work unit.
func NewTask(jobID uuid.UUID, position int, workUnit string, now time.Time) (*Task, error) {
	wu, err := NormalizeWorkUnit(workUnit)
	if err != nil {
		return nil, err
	}
	t := &Task{
		ID:        uuid.New(),
		JobID:     jobID,
		Position:  position,
		WorkUnit:  wu,
		Status:    TaskStatusPending,
		CreatedAt: now.UTC(),
	}
	return t, t.Validate()
}

// Validate checks if the Task has valid data.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if t.JobID == uuid.Nil {
		return ErrEmptyTaskJobID
	}
	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}
	return nil
}

// IsTerminal reports whether the task reached completed or failed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// WedgeCutoffs selects the running tasks recovery resets: tasks without a
// call handle started before Idle, and tasks still holding a handle that
// were started before Call. A live worker clears the handle once the task
// deadline passes, so a handle older than that belongs to a dead worker.
type WedgeCutoffs struct {
	Idle time.Time
	Call time.Time
}

// NewWedgeCutoffs derives the cutoffs from the grace period and the longest
// task deadline a worker may run with.
func NewWedgeCutoffs(now time.Time, grace, taskTimeout time.Duration) WedgeCutoffs {
	return WedgeCutoffs{
		Idle: now.Add(-grace),
		Call: now.Add(-(taskTimeout + grace)),
	}
}

// IsWedged reports whether the running task is past the cutoffs.
func (t *Task) IsWedged(c WedgeCutoffs) bool {
	if t.Status != TaskStatusRunning || t.StartedAt == nil {
		return false
	}
	if t.CallHandle == nil {
		return t.StartedAt.Before(c.Idle)
	}
	return t.StartedAt.Before(c.Call)
}

func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// taskTransitions lists the statuses reachable from each task status.
// running -> pending is stuck-task recovery; failed -> pending is an explicit retry.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:   {TaskStatusRunning},
	TaskStatusRunning:   {TaskStatusCompleted, TaskStatusFailed, TaskStatusPending},
	TaskStatusFailed:    {TaskStatusPending},
	TaskStatusCompleted: {},
}

// ValidateTaskTransition returns ErrInvalidTransition if from → to is not allowed.
func ValidateTaskTransition(from, to TaskStatus) error {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: task %s -> %s", ErrInvalidTransition, from, to)
}
