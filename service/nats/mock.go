package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher and Subscriber for
// testing. Published events are recorded and fanned out to live subscribers.
type MockPublisher struct {
	mu              sync.RWMutex
	publishedEvents []*RequestEvent
	publishError    error
	subscribers     map[chan *RequestEvent]string
	closed          bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		publishedEvents: make([]*RequestEvent, 0),
		subscribers:     make(map[chan *RequestEvent]string),
	}
}

// PublishEvent records the event and returns any configured error.
func (m *MockPublisher) PublishEvent(ctx context.Context, event *RequestEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.publishedEvents = append(m.publishedEvents, event)
	for ch, subject := range m.subscribers {
		if subject != SubjectAll && subject != Subject(event.Type) {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber that receives events published from now on.
func (m *MockPublisher) Subscribe(ctx context.Context, subject string) (<-chan *RequestEvent, error) {
	ch := make(chan *RequestEvent, 64)

	m.mu.Lock()
	m.subscribers[ch] = subject
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subscribers, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// SetPublishError makes subsequent publishes fail with err.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Events returns a copy of everything published so far.
func (m *MockPublisher) Events() []*RequestEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RequestEvent, len(m.publishedEvents))
	copy(out, m.publishedEvents)
	return out
}

// SubscriberCount reports how many subscriptions are open.
func (m *MockPublisher) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockPublisher) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
