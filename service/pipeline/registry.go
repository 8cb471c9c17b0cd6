package pipeline

import (
	"fmt"
	"sync"
)

// Owner names the store that currently holds a request.
type Owner int

const (
	OwnerNone Owner = iota
	OwnerQueue
	OwnerInFlight
	OwnerLog
)

func (o Owner) String() string {
	switch o {
	case OwnerQueue:
		return "queue"
	case OwnerInFlight:
		return "in_flight"
	case OwnerLog:
		return "log"
	default:
		return "none"
	}
}

// Registry records, for every id the pipeline knows, which store owns it and
// a copy of the request as of its last move.
//
// An id is reserved when it is admitted and released only when the completion
// log evicts it. Every move is recorded before the request is handed to its
// next store, so a lookup never falls between two stores and a reserved id
// cannot be admitted a second time.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

type registryEntry struct {
	owner Owner
	req   TransactionRequest
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Reserve claims req.ID for the queue. It returns ErrDuplicateRequest if the
// id is already known.
func (r *Registry) Reserve(req TransactionRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[req.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	r.entries[req.ID] = registryEntry{owner: OwnerQueue, req: req}
	return nil
}

// Move records that req is now owned by owner.
func (r *Registry) Move(owner Owner, req TransactionRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[req.ID] = registryEntry{owner: owner, req: req}
}

// Release forgets id so it may be admitted again.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Lookup returns the latest copy of the request and its owner.
func (r *Registry) Lookup(id string) (TransactionRequest, Owner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return TransactionRequest{}, OwnerNone, false
	}
	return e.req, e.owner, true
}

// Len returns the number of known ids.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
