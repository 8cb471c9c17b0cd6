package nats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/txpipe/service/pipeline"
)

func testEvent(t pipeline.EventType) pipeline.Event {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return pipeline.Event{
		Type: t,
		Request: pipeline.TransactionRequest{
			ID:         "req-7",
			Kind:       pipeline.KindSwap,
			Priority:   pipeline.PriorityHigh,
			Status:     pipeline.StatusConfirmed,
			RetryCount: 1,
			MaxRetries: 3,
			Result:     "5sig",
			Source:     "arbitrage",
		},
		Reason: "",
		At:     at,
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "txpipe.events.confirmed", Subject(pipeline.EventConfirmed))
	assert.Equal(t, "txpipe.events.*", SubjectAll)
}

func TestFromPipelineEvent(t *testing.T) {
	e := FromPipelineEvent(testEvent(pipeline.EventConfirmed))

	assert.Equal(t, pipeline.EventConfirmed, e.Type)
	assert.Equal(t, "req-7", e.RequestID)
	assert.Equal(t, pipeline.KindSwap, e.Kind)
	assert.Equal(t, "high", e.Priority)
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, "5sig", e.Signature)
	assert.Equal(t, "arbitrage", e.Source)
	assert.False(t, e.PublishedAt.IsZero())
	assert.True(t, e.Terminal())

	assert.False(t, FromPipelineEvent(testEvent(pipeline.EventRetried)).Terminal())
}

func TestObserverPublishes(t *testing.T) {
	mock := NewMockPublisher()
	obs := NewObserver(mock, slog.New(slog.NewTextHandler(io.Discard, nil)))

	obs.ObserveEvent(context.Background(), testEvent(pipeline.EventSubmitted))
	obs.ObserveEvent(context.Background(), testEvent(pipeline.EventConfirmed))

	events := mock.Events()
	require.Len(t, events, 2)
	assert.Equal(t, pipeline.EventSubmitted, events[0].Type)
	assert.Equal(t, pipeline.EventConfirmed, events[1].Type)
}

func TestObserverSwallowsPublishErrors(t *testing.T) {
	mock := NewMockPublisher()
	mock.SetPublishError(errors.New("nats: no responders available"))
	obs := NewObserver(mock, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.NotPanics(t, func() {
		obs.ObserveEvent(context.Background(), testEvent(pipeline.EventFailed))
	})
	assert.Empty(t, mock.Events())
}

func TestMockPublisherFanOut(t *testing.T) {
	mock := NewMockPublisher()
	ctx, cancel := context.WithCancel(context.Background())

	all, err := mock.Subscribe(ctx, SubjectAll)
	require.NoError(t, err)
	confirmed, err := mock.Subscribe(ctx, Subject(pipeline.EventConfirmed))
	require.NoError(t, err)
	assert.Equal(t, 2, mock.SubscriberCount())

	require.NoError(t, mock.PublishEvent(ctx, FromPipelineEvent(testEvent(pipeline.EventSubmitted))))
	require.NoError(t, mock.PublishEvent(ctx, FromPipelineEvent(testEvent(pipeline.EventConfirmed))))

	assert.Equal(t, pipeline.EventSubmitted, (<-all).Type)
	assert.Equal(t, pipeline.EventConfirmed, (<-all).Type)
	assert.Equal(t, pipeline.EventConfirmed, (<-confirmed).Type)

	cancel()
	require.Eventually(t, func() bool { return mock.SubscriberCount() == 0 }, time.Second, time.Millisecond)
	_, open := <-all
	assert.False(t, open)
}
