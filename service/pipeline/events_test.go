package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_DeliversInOrder(t *testing.T) {
	bus, err := NewEventBus(8, testLogger())
	require.NoError(t, err)

	obs := &recordingObserver{}
	bus.Subscribe(obs)
	bus.Run(context.Background())

	req := transferRequest(t, "ev", PriorityNormal, 0).Snapshot()
	for _, typ := range []EventType{EventEnqueued, EventSubmitted, EventConfirmed} {
		require.True(t, bus.Publish(Event{Type: typ, Request: req, At: time.Now()}))
	}

	require.NoError(t, bus.Close(context.Background()))
	assert.Equal(t, []EventType{EventEnqueued, EventSubmitted, EventConfirmed}, obs.Types("ev"))
}

func TestEventBus_DropsWhenFull(t *testing.T) {
	bus, err := NewEventBus(1, testLogger())
	require.NoError(t, err)

	// Not running, so nothing drains the buffer.
	req := transferRequest(t, "full", PriorityNormal, 0).Snapshot()
	assert.True(t, bus.Publish(Event{Type: EventEnqueued, Request: req}))
	assert.False(t, bus.Publish(Event{Type: EventSubmitted, Request: req}))
	assert.Equal(t, int64(1), bus.Dropped())

	require.NoError(t, bus.Close(context.Background()))
	assert.False(t, bus.Publish(Event{Type: EventFailed, Request: req}))
	assert.Equal(t, int64(2), bus.Dropped())
}

func TestEventBus_PanickingObserverIsIsolated(t *testing.T) {
	bus, err := NewEventBus(4, testLogger())
	require.NoError(t, err)

	var calls atomic.Int32
	bus.Subscribe(ObserverFunc(func(ctx context.Context, e Event) {
		panic("observer bug")
	}))
	bus.Subscribe(ObserverFunc(func(ctx context.Context, e Event) {
		calls.Add(1)
	}))
	bus.Run(context.Background())

	req := transferRequest(t, "p", PriorityNormal, 0).Snapshot()
	bus.Publish(Event{Type: EventEnqueued, Request: req})
	bus.Publish(Event{Type: EventSubmitted, Request: req})

	require.NoError(t, bus.Close(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestEventBus_InvalidCapacity(t *testing.T) {
	_, err := NewEventBus(0, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEventTerminal(t *testing.T) {
	assert.True(t, Event{Type: EventConfirmed}.Terminal())
	assert.True(t, Event{Type: EventFailed}.Terminal())
	assert.False(t, Event{Type: EventRetried}.Terminal())
	assert.False(t, Event{Type: EventEvicted}.Terminal())
}
