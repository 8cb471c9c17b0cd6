package pipeline

import (
	"fmt"
	"sync"
)

// RequestQueue holds pending requests partitioned into priority tiers.
// Dequeue is strict priority across tiers and FIFO within a tier.
//
// Ready returns a coalescing signal channel so the dispatcher can wait for work
// without polling.
type RequestQueue struct {
	mu       sync.RWMutex
	tiers    [numPriorities][]*TransactionRequest
	size     int
	capacity int
	signal   chan struct{}
}

// NewRequestQueue creates an empty queue holding at most capacity requests.
func NewRequestQueue(capacity int) (*RequestQueue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: queue capacity must be positive, got %d", ErrInvalidConfig, capacity)
	}
	q := &RequestQueue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
	for i := range q.tiers {
		q.tiers[i] = make([]*TransactionRequest, 0, 16)
	}
	return q, nil
}

// Enqueue appends req to the tail of its tier.
// Returns ErrInvalidPriority for an unknown tier and ErrQueueFull at capacity;
// in both cases the queue is left unchanged.
func (q *RequestQueue) Enqueue(req *TransactionRequest) error {
	return q.enqueue(req, nil)
}

// enqueue runs onAdmit after req is appended but before the lock is released,
// so nothing can dequeue req until onAdmit returns. onAdmit must not block or
// touch the queue.
func (q *RequestQueue) enqueue(req *TransactionRequest, onAdmit func()) error {
	if !req.Priority.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, int(req.Priority))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size >= q.capacity {
		return fmt.Errorf("%w: %d/%d pending", ErrQueueFull, q.size, q.capacity)
	}

	q.tiers[req.Priority] = append(q.tiers[req.Priority], req)
	q.size++
	if onAdmit != nil {
		onAdmit()
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes and returns the oldest request of the most urgent non-empty tier.
func (q *RequestQueue) Dequeue() (*TransactionRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.tiers {
		tier := q.tiers[i]
		if len(tier) == 0 {
			continue
		}
		req := tier[0]
		// Release the slot so the backing array doesn't pin the request.
		tier[0] = nil
		if len(tier) == 1 {
			q.tiers[i] = tier[:0]
		} else {
			q.tiers[i] = tier[1:]
		}
		q.size--
		return req, true
	}
	return nil, false
}

// Size returns the total number of pending requests.
func (q *RequestQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.size
}

// SizeByPriority returns the number of pending requests in tier p.
func (q *RequestQueue) SizeByPriority(p Priority) int {
	if !p.Valid() {
		return 0
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tiers[p])
}

// Capacity returns the configured maximum.
func (q *RequestQueue) Capacity() int {
	return q.capacity
}

// Lookup returns a copy of the queued request with the given id.
func (q *RequestQueue) Lookup(id string) (TransactionRequest, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, tier := range q.tiers {
		for _, req := range tier {
			if req.ID == id {
				return req.Snapshot(), true
			}
		}
	}
	return TransactionRequest{}, false
}

// Contains reports whether a request with the given id is queued.
func (q *RequestQueue) Contains(id string) bool {
	_, ok := q.Lookup(id)
	return ok
}

// List returns copies of every queued request in dequeue order.
func (q *RequestQueue) List() []TransactionRequest {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]TransactionRequest, 0, q.size)
	for _, tier := range q.tiers {
		for _, req := range tier {
			out = append(out, req.Snapshot())
		}
	}
	return out
}

// Ready signals that at least one enqueue happened since the last receive.
func (q *RequestQueue) Ready() <-chan struct{} {
	return q.signal
}
