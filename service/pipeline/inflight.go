package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// InFlightTracker is the set of requests submitted to the chain client whose
// outcome has not been routed yet. Its size caps dispatcher concurrency.
type InFlightTracker struct {
	mu       sync.RWMutex
	requests map[string]*TransactionRequest
}

// NewInFlightTracker creates an empty tracker.
func NewInFlightTracker() *InFlightTracker {
	return &InFlightTracker{
		requests: make(map[string]*TransactionRequest),
	}
}

// Add starts tracking req. Returns ErrAlreadyInFlight if the id is tracked.
func (t *InFlightTracker) Add(req *TransactionRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.requests[req.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyInFlight, req.ID)
	}
	t.requests[req.ID] = req
	return nil
}

// Remove stops tracking id and hands the request back to the caller.
func (t *InFlightTracker) Remove(id string) (*TransactionRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.requests[id]
	if !ok {
		return nil, false
	}
	delete(t.requests, id)
	return req, true
}

// Count returns the number of requests in flight.
func (t *InFlightTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.requests)
}

// Lookup returns a copy of the in-flight request with the given id.
func (t *InFlightTracker) Lookup(id string) (TransactionRequest, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	req, ok := t.requests[id]
	if !ok {
		return TransactionRequest{}, false
	}
	return req.Snapshot(), true
}

// List returns copies of every in-flight request, oldest attempt first.
func (t *InFlightTracker) List() []TransactionRequest {
	t.mu.RLock()
	out := make([]TransactionRequest, 0, len(t.requests))
	for _, req := range t.requests {
		out = append(out, req.Snapshot())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastAttemptAt, out[j].LastAttemptAt
		if a == nil || b == nil {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return a.Before(*b)
	})
	return out
}
