package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
)

// Event types emitted by the worker.
const (
	// TypeTaskFinished is emitted after a task reached a terminal status and
	// its results, ledger row and history were persisted.
	TypeTaskFinished = "task.finished"
)

// Event is one lifecycle notification. Payload holds the type-specific
// data serialized as JSON so handlers need no compile-time dependency on
// the emitter.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *Event) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// NewEvent creates a new Event with the specified type and payload.
func NewEvent(eventType string, payload interface{}, now time.Time) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Payload:   payloadBytes,
		CreatedAt: now.UTC(),
	}, nil
}

// TaskFinished is the payload of a TypeTaskFinished event.
type TaskFinished struct {
	JobID       uuid.UUID         `json:"job_id"`
	TaskID      uuid.UUID         `json:"task_id"`
	EntityID    *uuid.UUID        `json:"entity_id,omitempty"`
	WorkUnit    string            `json:"work_unit"`
	Marketplace string            `json:"marketplace"`
	Status      domain.TaskStatus `json:"status"`
	ResultCount int               `json:"result_count"`
	FinishedAt  time.Time         `json:"finished_at"`
}

// NewTaskFinishedEvent wraps p in a TypeTaskFinished event.
func NewTaskFinishedEvent(p TaskFinished) (*Event, error) {
	return NewEvent(TypeTaskFinished, p, p.FinishedAt)
}

// EventHandler defines an interface for components that react to events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	HandleEvent(ctx context.Context, event *Event) error
}

// EventEmitter defines an interface for components that can emit events.
// This allows the worker to publish events without knowing the handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *Event) error
}

// HandlerFunc adapts an ordinary function to the EventHandler interface.
type HandlerFunc func(ctx context.Context, event *Event) error

// HandleEvent calls f(ctx, event).
func (f HandlerFunc) HandleEvent(ctx context.Context, event *Event) error {
	return f(ctx, event)
}
