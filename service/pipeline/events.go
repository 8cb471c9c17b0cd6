package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies a request lifecycle transition.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventSubmitted EventType = "submitted"
	EventRetried   EventType = "retried"
	EventConfirmed EventType = "confirmed"
	EventFailed    EventType = "failed"
	// EventEvicted is emitted when a terminal request ages out of the completion log.
	EventEvicted EventType = "evicted"
)

// Event is delivered to observers after the pipeline state has changed.
type Event struct {
	Type    EventType          `json:"type"`
	Request TransactionRequest `json:"request"`
	Reason  string             `json:"reason,omitempty"`
	At      time.Time          `json:"at"`
}

// Terminal reports whether the event ends a request's lifecycle.
func (e Event) Terminal() bool {
	return e.Type == EventConfirmed || e.Type == EventFailed
}

// Observer receives lifecycle events. Implementations run on the event bus
// goroutine and should not block for long; they never block the dispatcher.
type Observer interface {
	ObserveEvent(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, event Event)

func (f ObserverFunc) ObserveEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

// EventBus is a bounded queue feeding a single observer goroutine.
// Publish never blocks: when the buffer is full the event is dropped and counted.
type EventBus struct {
	events    chan Event
	mu        sync.RWMutex
	observers []Observer
	dropped   atomic.Int64
	logger    *slog.Logger

	// sendMu orders Publish against Close so nothing is sent on a closed channel.
	sendMu    sync.RWMutex
	closed    bool
	startOnce sync.Once
	done      chan struct{}
}

// NewEventBus creates a bus buffering up to capacity undelivered events.
func NewEventBus(capacity int, logger *slog.Logger) (*EventBus, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: event buffer size must be positive, got %d", ErrInvalidConfig, capacity)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		events: make(chan Event, capacity),
		logger: logger.With("component", "event_bus"),
		done:   make(chan struct{}),
	}, nil
}

// Subscribe registers an observer. Observers added after Run still receive
// subsequent events.
func (b *EventBus) Subscribe(o Observer) {
	if o == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Publish enqueues an event for delivery. Returns false if it was dropped.
func (b *EventBus) Publish(event Event) bool {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()

	if b.closed {
		b.dropped.Add(1)
		return false
	}
	select {
	case b.events <- event:
		return true
	default:
		b.dropped.Add(1)
		b.logger.Warn("event buffer full, dropping event",
			"event_type", event.Type,
			"request_id", event.Request.ID,
		)
		return false
	}
}

// Dropped returns the number of events discarded so far.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Run starts the delivery goroutine. Calling it more than once has no effect.
// Delivery continues until Close; ctx is passed to observers.
func (b *EventBus) Run(ctx context.Context) {
	b.startOnce.Do(func() {
		go b.loop(ctx)
	})
}

func (b *EventBus) loop(ctx context.Context) {
	defer close(b.done)
	for event := range b.events {
		b.deliver(ctx, event)
	}
}

func (b *EventBus) deliver(ctx context.Context, event Event) {
	b.mu.RLock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("observer panicked",
						"event_type", event.Type,
						"request_id", event.Request.ID,
						"panic", r,
					)
				}
			}()
			o.ObserveEvent(ctx, event)
		}()
	}
}

// Close stops accepting events, delivers what is buffered and waits for the
// delivery goroutine, bounded by ctx. If Run was never called, buffered events
// are discarded.
func (b *EventBus) Close(ctx context.Context) error {
	b.sendMu.Lock()
	if !b.closed {
		b.closed = true
		b.startOnce.Do(func() {
			// Never started: nothing will drain the channel.
			close(b.done)
		})
		close(b.events)
	}
	b.sendMu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus did not drain: %w", ctx.Err())
	}
}

// LoggingObserver logs every event at debug level and terminal failures at warn.
func LoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return ObserverFunc(func(ctx context.Context, event Event) {
		attrs := []any{
			"event_type", event.Type,
			"request_id", event.Request.ID,
			"kind", event.Request.Kind,
			"priority", event.Request.Priority.String(),
			"retry_count", event.Request.RetryCount,
		}
		if event.Reason != "" {
			attrs = append(attrs, "reason", event.Reason)
		}
		if event.Type == EventFailed {
			logger.WarnContext(ctx, "transaction request failed", attrs...)
			return
		}
		logger.DebugContext(ctx, "transaction request event", attrs...)
	})
}
