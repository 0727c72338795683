package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Dispatcher is the in-process EventEmitter. Handlers subscribe to one
// event type, so the scheduler only sees task.finished and never the
// events added later.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string][]EventHandler
	logger      *slog.Logger
}

var _ EventEmitter = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher with no subscribers.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		subscribers: make(map[string][]EventHandler),
		logger:      logger.With("component", "event_dispatcher"),
	}
}

// Subscribe registers h for events of eventType.
func (d *Dispatcher) Subscribe(eventType string, h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[eventType] = append(d.subscribers[eventType], h)
}

// EmitEvent runs every subscriber of the event's type in subscription
// order. A subscriber that fails or panics does not keep the event from
// the rest; all failures are joined into the result.
func (d *Dispatcher) EmitEvent(ctx context.Context, event *Event) error {
	d.mu.RLock()
	subs := append([]EventHandler(nil), d.subscribers[event.Type]...)
	d.mu.RUnlock()

	var errs []error
	for i, h := range subs {
		if err := deliver(ctx, h, event); err != nil {
			d.logger.Error("event subscriber failed",
				slog.String("event_type", event.Type),
				slog.String("event_id", event.ID.String()),
				slog.Int("subscriber", i),
				slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	d.logger.Debug("event dispatched",
		slog.String("event_type", event.Type),
		slog.Int("subscribers", len(subs)),
		slog.Int("failed", len(errs)))
	return errors.Join(errs...)
}

func deliver(ctx context.Context, h EventHandler, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked on %s: %v", event.Type, r)
		}
	}()
	return h.HandleEvent(ctx, event)
}
