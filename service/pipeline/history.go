package pipeline

import (
	"fmt"
	"sync"
)

// CompletionLog is a bounded history of terminal requests. Once historyLimit
// entries are held, each append evicts the oldest.
type CompletionLog struct {
	mu      sync.RWMutex
	entries []*TransactionRequest
	head    int // index of the oldest entry
	count   int
	limit   int
}

// NewCompletionLog creates a log retaining at most historyLimit requests.
func NewCompletionLog(historyLimit int) (*CompletionLog, error) {
	if historyLimit <= 0 {
		return nil, fmt.Errorf("%w: history limit must be positive, got %d", ErrInvalidConfig, historyLimit)
	}
	return &CompletionLog{
		entries: make([]*TransactionRequest, historyLimit),
		limit:   historyLimit,
	}, nil
}

// Append records req and returns the entry it evicted, if any.
func (l *CompletionLog) Append(req *TransactionRequest) *TransactionRequest {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count < l.limit {
		l.entries[(l.head+l.count)%l.limit] = req
		l.count++
		return nil
	}

	evicted := l.entries[l.head]
	l.entries[l.head] = req
	l.head = (l.head + 1) % l.limit
	return evicted
}

// Recent returns up to limit entries, most recent last. A limit of zero or less
// returns everything retained.
func (l *CompletionLog) Recent(limit int) []TransactionRequest {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]TransactionRequest, 0, n)
	for i := l.count - n; i < l.count; i++ {
		out = append(out, l.entries[(l.head+i)%l.limit].Snapshot())
	}
	return out
}

// Lookup returns a copy of the logged request with the given id.
func (l *CompletionLog) Lookup(id string) (TransactionRequest, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	// Newest first: an id can only appear once, but recent lookups are the common case.
	for i := l.count - 1; i >= 0; i-- {
		req := l.entries[(l.head+i)%l.limit]
		if req.ID == id {
			return req.Snapshot(), true
		}
	}
	return TransactionRequest{}, false
}

// Len returns the number of retained entries.
func (l *CompletionLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Limit returns the configured history limit.
func (l *CompletionLog) Limit() int {
	return l.limit
}

// CountByStatus tallies retained entries per status.
func (l *CompletionLog) CountByStatus() map[Status]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := make(map[Status]int)
	for i := 0; i < l.count; i++ {
		counts[l.entries[(l.head+i)%l.limit].Status]++
	}
	return counts
}

// CountByPriority tallies retained entries per final priority tier.
func (l *CompletionLog) CountByPriority() map[Priority]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := make(map[Priority]int)
	for i := 0; i < l.count; i++ {
		counts[l.entries[(l.head+i)%l.limit].Priority]++
	}
	return counts
}
