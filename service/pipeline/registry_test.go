package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	req := transferRequest(t, "r1", PriorityNormal, 0)

	require.NoError(t, r.Reserve(req.Snapshot()))
	assert.ErrorIs(t, r.Reserve(req.Snapshot()), ErrDuplicateRequest)

	got, owner, ok := r.Lookup("r1")
	require.True(t, ok)
	assert.Equal(t, OwnerQueue, owner)
	assert.Equal(t, StatusPending, got.Status)

	req.Status = StatusInFlight
	r.Move(OwnerInFlight, req.Snapshot())
	got, owner, _ = r.Lookup("r1")
	assert.Equal(t, OwnerInFlight, owner)
	assert.Equal(t, StatusInFlight, got.Status)
	assert.Equal(t, 1, r.Len())

	r.Release("r1")
	_, owner, ok = r.Lookup("r1")
	assert.False(t, ok)
	assert.Equal(t, OwnerNone, owner)
	assert.NoError(t, r.Reserve(req.Snapshot()), "released ids can be admitted again")
}

func TestOwnerString(t *testing.T) {
	assert.Equal(t, "queue", OwnerQueue.String())
	assert.Equal(t, "in_flight", OwnerInFlight.String())
	assert.Equal(t, "log", OwnerLog.String())
	assert.Equal(t, "none", OwnerNone.String())
}

// ownershipViolations collects broken ownership observations from any goroutine.
type ownershipViolations struct {
	mu   sync.Mutex
	msgs []string
}

func (v *ownershipViolations) add(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.msgs) < 20 {
		v.msgs = append(v.msgs, fmt.Sprintf(format, args...))
	}
}

func (v *ownershipViolations) list() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.msgs...)
}

func statusMatchesOwner(owner Owner, status Status) bool {
	switch owner {
	case OwnerQueue:
		return status == StatusPending
	case OwnerInFlight:
		return status == StatusInFlight
	case OwnerLog:
		return status.Terminal()
	default:
		return false
	}
}

func TestPipeline_EachRequestHasExactlyOneOwner(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		timeout    time.Duration
		handler    func(ctx context.Context, req TransactionRequest, attempt int) (*Confirmation, error)
		want       Status
		attempts   int
	}{
		{
			name:     "confirm",
			handler:  confirmAll,
			want:     StatusConfirmed,
			attempts: 1,
		},
		{
			name:       "retry then confirm",
			maxRetries: 1,
			handler: func(ctx context.Context, req TransactionRequest, attempt int) (*Confirmation, error) {
				if attempt == 1 {
					return nil, NewSubmissionError("send", errors.New("blockhash not found"))
				}
				return confirmAll(ctx, req, attempt)
			},
			want:     StatusConfirmed,
			attempts: 2,
		},
		{
			name:       "retries exhausted",
			maxRetries: 2,
			handler: func(ctx context.Context, req TransactionRequest, attempt int) (*Confirmation, error) {
				return nil, NewSubmissionError("send", errors.New("insufficient funds"))
			},
			want:     StatusFailed,
			attempts: 3,
		},
		{
			name:       "timeout",
			maxRetries: 1,
			timeout:    50 * time.Millisecond,
			handler: func(ctx context.Context, req TransactionRequest, attempt int) (*Confirmation, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			want:     StatusFailed,
			attempts: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var violations ownershipViolations
			var p *Pipeline

			chain := newStubChain(func(ctx context.Context, req TransactionRequest, attempt int) (*Confirmation, error) {
				if ctx.Err() != nil {
					return tt.handler(ctx, req, attempt)
				}
				// While the chain holds it, the request lives only in the in-flight set.
				if p.queue.Contains(req.ID) {
					violations.add("%s is queued while being submitted", req.ID)
				}
				if _, ok := p.history.Lookup(req.ID); ok {
					violations.add("%s is logged while being submitted", req.ID)
				}
				if _, ok := p.inflight.Lookup(req.ID); !ok {
					violations.add("%s is being submitted but not in flight", req.ID)
				}
				if owner := p.Owner(req.ID); owner != OwnerInFlight {
					violations.add("%s is being submitted but owned by %s", req.ID, owner)
				}
				return tt.handler(ctx, req, attempt)
			})

			cfg := testConfig()
			cfg.MaxConcurrentTransactions = 3
			cfg.HistoryLimit = 1000
			if tt.timeout > 0 {
				cfg.ExecutionTimeout = tt.timeout
			}
			p = newTestPipeline(t, cfg, chain)

			ids := make([]string, 30)
			for i := range ids {
				ids[i] = fmt.Sprintf("%s-%d", tt.name, i)
				require.NoError(t, p.Enqueue(transferRequest(t, ids[i], Priorities[i%len(Priorities)], tt.maxRetries)))
			}

			stop := make(chan struct{})
			sampled := make(chan struct{})
			go func() {
				defer close(sampled)
				for {
					select {
					case <-stop:
						return
					default:
					}
					for _, id := range ids {
						req, owner, ok := p.registry.Lookup(id)
						if !ok {
							violations.add("%s has no owner", id)
							continue
						}
						if !statusMatchesOwner(owner, req.Status) {
							violations.add("%s is %s but owned by %s", id, req.Status, owner)
						}
						if _, found := p.GetStatus(id); !found {
							violations.add("GetStatus lost live request %s", id)
						}
					}
				}
			}()

			require.NoError(t, p.Start(context.Background()))
			for _, id := range ids {
				assert.Equal(t, tt.want, waitTerminal(t, p, id).Status)
			}
			close(stop)
			<-sampled

			assert.Empty(t, violations.list())
			for _, id := range ids {
				assert.False(t, p.queue.Contains(id))
				_, inFlight := p.inflight.Lookup(id)
				assert.False(t, inFlight)
				assert.Equal(t, OwnerLog, p.Owner(id))
				assert.Equal(t, tt.attempts, chain.Attempts(id), id)
			}
			assert.Equal(t, len(ids), p.history.Len())
		})
	}
}

func TestPipeline_ConcurrentEnqueueOfSameIDAdmitsOnce(t *testing.T) {
	chain := newStubChain(func(ctx context.Context, req TransactionRequest, attempt int) (*Confirmation, error) {
		if attempt == 1 {
			return nil, NewSubmissionError("send", errors.New("node is behind"))
		}
		return confirmAll(ctx, req, attempt)
	})
	cfg := testConfig()
	cfg.MaxConcurrentTransactions = 4
	cfg.MaxQueueSize = 1000
	cfg.HistoryLimit = 1000
	p := newTestPipeline(t, cfg, chain)

	ids := make([]string, 200)
	for i := range ids {
		ids[i] = fmt.Sprintf("dup-%d", i)
		require.NoError(t, p.Enqueue(transferRequest(t, ids[i], PriorityNormal, 1)))
	}

	var extra atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				for _, id := range ids {
					select {
					case <-stop:
						return
					default:
					}
					req, err := NewTransactionRequest(RequestOptions{
						ID:         id,
						Kind:       KindTransfer,
						Transfer:   &TransferPayload{To: "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM", Lamports: 1},
						Priority:   PriorityNormal,
						MaxRetries: intPtr(1),
					}, 3, time.Now())
					if !assert.NoError(t, err) {
						return
					}
					if err := p.Enqueue(req); err == nil {
						extra.Add(1)
					} else {
						assert.ErrorIs(t, err, ErrDuplicateRequest)
					}
				}
			}
		}()
	}

	require.NoError(t, p.Start(context.Background()))
	for _, id := range ids {
		waitTerminal(t, p, id)
	}
	close(stop)
	wg.Wait()

	assert.Zero(t, extra.Load(), "an id was admitted while the pipeline still owned it")
	assert.Len(t, chain.Calls(), 2*len(ids))
	assert.Equal(t, len(ids), p.history.Len())
	for _, id := range ids {
		assert.Equal(t, 2, chain.Attempts(id), id)
	}
}

func TestPipeline_RejectedAdmissionReleasesID(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 1
	p := newTestPipeline(t, cfg, newStubChain(confirmAll))

	require.NoError(t, p.Enqueue(transferRequest(t, "first", PriorityNormal, 0)))
	assert.ErrorIs(t, p.Enqueue(transferRequest(t, "overflow", PriorityNormal, 0)), ErrQueueFull)

	_, ok := p.GetStatus("overflow")
	assert.False(t, ok)

	require.NoError(t, p.Start(context.Background()))
	waitTerminal(t, p, "first")
	assert.NoError(t, p.Enqueue(transferRequest(t, "overflow", PriorityNormal, 0)), "a rejected id is free to retry")
}

func TestPipeline_EvictedIDCanBeAdmittedAgain(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryLimit = 1
	p := newTestPipeline(t, cfg, newStubChain(confirmAll))

	require.NoError(t, p.Enqueue(transferRequest(t, "a", PriorityNormal, 0)))
	require.NoError(t, p.Start(context.Background()))
	waitTerminal(t, p, "a")
	assert.ErrorIs(t, p.Enqueue(transferRequest(t, "a", PriorityNormal, 0)), ErrDuplicateRequest)

	require.NoError(t, p.Enqueue(transferRequest(t, "b", PriorityNormal, 0)))
	waitTerminal(t, p, "b")

	require.Eventually(t, func() bool {
		return p.Owner("a") == OwnerNone
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, p.Enqueue(transferRequest(t, "a", PriorityNormal, 0)))
}
