package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(i int) *int {
	return &i
}

// transferRequest builds a valid pending transfer.
func transferRequest(t *testing.T, id string, p Priority, maxRetries int) *TransactionRequest {
	t.Helper()
	req, err := NewTransactionRequest(RequestOptions{
		ID:         id,
		Kind:       KindTransfer,
		Transfer:   &TransferPayload{To: "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM", Lamports: 1_000_000},
		Priority:   p,
		MaxRetries: intPtr(maxRetries),
	}, 3, time.Now())
	require.NoError(t, err)
	return req
}

func swapRequest(t *testing.T, id string, p Priority, maxRetries int) *TransactionRequest {
	t.Helper()
	req, err := NewTransactionRequest(RequestOptions{
		ID:   id,
		Kind: KindSwap,
		Swap: &SwapPayload{
			Transaction:  "AQABAg==",
			InputMint:    "So11111111111111111111111111111111111111112",
			OutputMint:   "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			AmountIn:     500_000_000,
			MinAmountOut: 75_000_000,
		},
		Priority:   p,
		MaxRetries: intPtr(maxRetries),
	}, 3, time.Now())
	require.NoError(t, err)
	return req
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stubChain records every submission and answers with handler.
// attempt is 1 for the first call with a given id.
type stubChain struct {
	handler func(ctx context.Context, req TransactionRequest, attempt int) (*Confirmation, error)

	mu        sync.Mutex
	calls     []TransactionRequest
	callTimes []time.Time
	attempts  map[string]int

	active    atomic.Int32
	maxActive atomic.Int32
}

func newStubChain(handler func(ctx context.Context, req TransactionRequest, attempt int) (*Confirmation, error)) *stubChain {
	return &stubChain{handler: handler, attempts: make(map[string]int)}
}

func (s *stubChain) Submit(ctx context.Context, req TransactionRequest, payload *SignedPayload) (*Confirmation, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.callTimes = append(s.callTimes, time.Now())
	s.attempts[req.ID]++
	attempt := s.attempts[req.ID]
	s.mu.Unlock()

	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		prev := s.maxActive.Load()
		if n <= prev || s.maxActive.CompareAndSwap(prev, n) {
			break
		}
	}

	return s.handler(ctx, req, attempt)
}

func (s *stubChain) Calls() []TransactionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransactionRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *stubChain) CallTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.callTimes))
	copy(out, s.callTimes)
	return out
}

func (s *stubChain) Attempts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id]
}

func confirmAll(ctx context.Context, req TransactionRequest, attempt int) (*Confirmation, error) {
	return &Confirmation{Signature: "sig-" + req.ID, Slot: 42, ConfirmedAt: time.Now()}, nil
}

// recordingObserver keeps every event it sees.
type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *recordingObserver) ObserveEvent(ctx context.Context, e Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *recordingObserver) Types(id string) []EventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []EventType
	for _, e := range o.events {
		if e.Request.ID == id {
			out = append(out, e.Type)
		}
	}
	return out
}

func (o *recordingObserver) Count(t EventType) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinSubmitInterval = 0
	cfg.ExecutionTimeout = 2 * time.Second
	cfg.IdleInterval = 5 * time.Millisecond
	cfg.MaxConcurrentTransactions = 1
	cfg.MaxQueueSize = 100
	cfg.HistoryLimit = 100
	cfg.RateLimitBackoff = 50 * time.Millisecond
	return cfg
}

func newTestPipeline(t *testing.T, cfg Config, chain ChainClient, observers ...Observer) *Pipeline {
	t.Helper()
	p, err := New(cfg, Dependencies{
		Chain:     chain,
		Observers: observers,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

// waitTerminal blocks until id reaches a terminal status and has landed in the
// completion log, then returns it.
func waitTerminal(t *testing.T, p *Pipeline, id string) TransactionRequest {
	t.Helper()
	var final TransactionRequest
	require.Eventually(t, func() bool {
		req, ok := p.GetStatus(id)
		if !ok || !req.Status.Terminal() {
			return false
		}
		if _, logged := p.history.Lookup(id); !logged {
			return false
		}
		final = req
		return true
	}, 5*time.Second, 5*time.Millisecond, "request %s never finished", id)
	return final
}
