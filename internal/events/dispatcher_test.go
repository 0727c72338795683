package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFinishedEvent(t *testing.T) *Event {
	t.Helper()
	event, err := NewTaskFinishedEvent(TaskFinished{
		JobID:       uuid.New(),
		TaskID:      uuid.New(),
		WorkUnit:    "B08N5WRWNW",
		Marketplace: "com",
		Status:      domain.TaskStatusCompleted,
		ResultCount: 3,
		FinishedAt:  time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return event
}

func TestDispatcher(t *testing.T) {
	t.Parallel()

	t.Run("no subscribers", func(t *testing.T) {
		t.Parallel()
		d := NewDispatcher(nil)
		assert.NoError(t, d.EmitEvent(context.Background(), newFinishedEvent(t)))
	})

	t.Run("delivers only to subscribers of the type", func(t *testing.T) {
		t.Parallel()
		d := NewDispatcher(nil)
		finished, first, other := &MockEventHandler{}, &MockEventHandler{}, &MockEventHandler{}
		d.Subscribe(TypeTaskFinished, finished)
		d.Subscribe(TypeTaskFinished, first)
		d.Subscribe("job.deleted", other)

		event := newFinishedEvent(t)
		require.NoError(t, d.EmitEvent(context.Background(), event))

		assert.Equal(t, 1, finished.HandledCount)
		assert.Equal(t, 1, first.HandledCount)
		assert.Equal(t, event, finished.LastEvent)
		assert.Zero(t, other.HandledCount)
	})

	t.Run("failing and panicking subscribers do not stop delivery", func(t *testing.T) {
		t.Parallel()
		log, buf := logger.GetTestLogger(t)
		d := NewDispatcher(log)
		failing := &MockEventHandler{HandlerError: errors.New("entity store unavailable")}
		healthy := &MockEventHandler{}
		d.Subscribe(TypeTaskFinished, failing)
		d.Subscribe(TypeTaskFinished, HandlerFunc(func(context.Context, *Event) error { panic("boom") }))
		d.Subscribe(TypeTaskFinished, healthy)

		err := d.EmitEvent(context.Background(), newFinishedEvent(t))
		require.Error(t, err)
		assert.ErrorIs(t, err, failing.HandlerError)
		assert.Contains(t, err.Error(), "subscriber panicked on task.finished: boom")
		assert.Equal(t, 1, failing.HandledCount)
		assert.Equal(t, 1, healthy.HandledCount)
		logger.AssertLogField(t, buf, "event_type", TypeTaskFinished)
	})
}
