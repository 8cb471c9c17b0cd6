package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/txpipe/service/metrics"
)

// Dispatcher moves requests from the queue through the chain client and routes
// each outcome to the completion log or back to the queue.
//
// A cycle does at most one dequeue. Between cycles the loop sleeps until the
// queue signals new work, a slot frees up, the rate gate reopens, or the idle
// interval elapses.
type Dispatcher struct {
	queue    *RequestQueue
	gate     *RateGate
	inflight *InFlightTracker
	retry    *RetryPolicy
	history  *CompletionLog
	registry *Registry
	chain    ChainClient
	wallet   WalletProvider
	events   *EventBus
	metrics  *metrics.Metrics
	logger   *slog.Logger

	maxConcurrent    int
	executionTimeout time.Duration
	idleInterval     time.Duration
	rateLimitBackoff time.Duration
	now              func() time.Time

	slotFreed chan struct{}

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	loopDone chan struct{}
	attempts sync.WaitGroup
}

// DispatcherDeps groups what a Dispatcher operates on.
type DispatcherDeps struct {
	Queue    *RequestQueue
	Gate     *RateGate
	InFlight *InFlightTracker
	Retry    *RetryPolicy
	History  *CompletionLog
	Registry *Registry
	Chain    ChainClient
	Wallet   WalletProvider
	Events   *EventBus
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// NewDispatcher wires a dispatcher. Queue, Gate, InFlight, Retry, History and
// Chain are required; Wallet, Events and Metrics may be nil. A nil Registry
// gets a private one.
func NewDispatcher(cfg Config, deps DispatcherDeps) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Queue == nil || deps.Gate == nil || deps.InFlight == nil || deps.Retry == nil || deps.History == nil {
		return nil, fmt.Errorf("%w: dispatcher requires queue, gate, in-flight tracker, retry policy and history", ErrInvalidConfig)
	}
	if deps.Chain == nil {
		return nil, fmt.Errorf("%w: chain client is required", ErrInvalidConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := deps.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	return &Dispatcher{
		queue:            deps.Queue,
		gate:             deps.Gate,
		inflight:         deps.InFlight,
		retry:            deps.Retry,
		history:          deps.History,
		registry:         registry,
		chain:            deps.Chain,
		wallet:           deps.Wallet,
		events:           deps.Events,
		metrics:          deps.Metrics,
		logger:           logger.With("component", "dispatcher"),
		maxConcurrent:    cfg.MaxConcurrentTransactions,
		executionTimeout: cfg.ExecutionTimeout,
		idleInterval:     cfg.IdleInterval,
		rateLimitBackoff: cfg.RateLimitBackoff,
		now:              time.Now,
		slotFreed:        make(chan struct{}, 1),
	}, nil
}

// Start launches the dispatch loop. It returns immediately; calling it while
// running is a no-op. The loop also exits if ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running && !d.loopExited() {
		return nil
	}

	d.stop = make(chan struct{})
	d.loopDone = make(chan struct{})
	d.running = true

	go d.run(ctx, d.stop, d.loopDone)

	d.logger.InfoContext(ctx, "dispatcher started",
		"max_concurrent", d.maxConcurrent,
		"execution_timeout", d.executionTimeout,
		"min_submit_interval", d.gate.MinInterval(),
	)
	return nil
}

// Stop halts dequeuing and waits for submissions already in flight to finish
// and route their outcome. Waiting is bounded by ctx; the submissions keep
// running if ctx expires first. Calling Stop when not running is a no-op.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stop)
	loopDone := d.loopDone
	d.mu.Unlock()

	select {
	case <-loopDone:
	case <-ctx.Done():
		return fmt.Errorf("dispatch loop did not exit: %w", ctx.Err())
	}

	drained := make(chan struct{})
	go func() {
		d.attempts.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		d.logger.InfoContext(ctx, "dispatcher stopped", "queue_size", d.queue.Size())
		return nil
	case <-ctx.Done():
		return fmt.Errorf("in-flight submissions did not finish: %w", ctx.Err())
	}
}

// Running reports whether the dispatch loop is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running && !d.loopExited()
}

// loopExited must be called with d.mu held.
func (d *Dispatcher) loopExited() bool {
	if d.loopDone == nil {
		return true
	}
	select {
	case <-d.loopDone:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		wait := d.cycle(ctx)
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-d.queue.Ready():
			timer.Stop()
		case <-d.slotFreed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// cycle performs one dispatch step and returns how long to wait before the
// next one. Zero means run again immediately.
func (d *Dispatcher) cycle(ctx context.Context) time.Duration {
	if d.inflight.Count() >= d.maxConcurrent {
		return d.idleInterval
	}
	// Idle: no work, so leave the gate untouched.
	if d.queue.Size() == 0 {
		return d.idleInterval
	}

	if err := d.gate.TryAcquire(); err != nil {
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			if d.metrics != nil {
				d.metrics.RecordGateDeferral(rl.Reason)
			}
			return rl.Wait
		}
		d.logger.ErrorContext(ctx, "rate gate returned unexpected error", "error", err)
		return d.idleInterval
	}

	req, ok := d.queue.Dequeue()
	if !ok {
		return d.idleInterval
	}
	d.submit(ctx, req)
	return 0
}

// submit moves req into the in-flight set and starts its attempt.
func (d *Dispatcher) submit(ctx context.Context, req *TransactionRequest) {
	if err := req.transition(StatusInFlight); err != nil {
		d.logger.ErrorContext(ctx, "dequeued request in unexpected state", "request_id", req.ID, "error", err)
		d.fail(ctx, req, err.Error())
		return
	}
	req.LastAttemptAt = timePtr(d.now().UTC())

	snapshot := req.Snapshot()
	d.registry.Move(OwnerInFlight, snapshot)
	if err := d.inflight.Add(req); err != nil {
		d.logger.ErrorContext(ctx, "request already in flight", "request_id", req.ID, "error", err)
		d.fail(ctx, req, err.Error())
		return
	}

	d.publish(EventSubmitted, snapshot, "")
	d.updateGauges()

	d.logger.DebugContext(ctx, "submitting transaction request",
		"request_id", snapshot.ID,
		"kind", snapshot.Kind,
		"priority", snapshot.Priority.String(),
		"attempt", snapshot.RetryCount+1,
	)

	d.attempts.Add(1)
	go func() {
		defer d.attempts.Done()

		start := time.Now()
		conf, err := d.attempt(ctx, snapshot)
		d.route(ctx, snapshot, conf, err, time.Since(start))
	}()
}

type attemptResult struct {
	conf *Confirmation
	err  error
}

// attempt runs one sign-and-submit bounded by the execution timeout. Stopping
// the dispatcher does not cancel it.
func (d *Dispatcher) attempt(parent context.Context, req TransactionRequest) (*Confirmation, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.executionTimeout)
	defer cancel()

	results := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- attemptResult{err: fmt.Errorf("submission panicked: %v", r)}
			}
		}()

		var payload *SignedPayload
		if d.wallet != nil {
			p, err := d.wallet.SignAndResolve(ctx, req)
			if err != nil {
				results <- attemptResult{err: err}
				return
			}
			payload = p
		}

		conf, err := d.chain.Submit(ctx, req, payload)
		results <- attemptResult{conf: conf, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s: %v", ErrSubmissionTimeout, d.executionTimeout, res.err)
			}
			return nil, res.err
		}
		if res.conf == nil {
			return nil, errors.New("chain client returned no confirmation")
		}
		return res.conf, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s", ErrSubmissionTimeout, d.executionTimeout)
	}
}

// route hands the outcome of an attempt to the completion log or the queue.
func (d *Dispatcher) route(ctx context.Context, attempted TransactionRequest, conf *Confirmation, err error, elapsed time.Duration) {
	defer d.notifySlotFreed()

	req, ok := d.inflight.Remove(attempted.ID)
	if !ok {
		d.logger.ErrorContext(ctx, "in-flight request vanished before routing", "request_id", attempted.ID)
		return
	}

	outcome := "confirmed"
	defer func() {
		if d.metrics != nil {
			d.metrics.RecordSubmission(string(req.Kind), outcome, elapsed.Seconds())
		}
		d.updateGauges()
	}()

	if err == nil {
		if terr := req.transition(StatusConfirmed); terr != nil {
			outcome = "failed"
			d.logger.ErrorContext(ctx, "confirmed request in unexpected state", "request_id", req.ID, "error", terr)
			d.fail(ctx, req, terr.Error())
			return
		}
		req.Result = conf.Signature
		req.Error = ""
		req.CompletedAt = timePtr(d.now().UTC())
		d.record(req)
		d.publish(EventConfirmed, req.Snapshot(), "")

		d.logger.InfoContext(ctx, "transaction confirmed",
			"request_id", req.ID,
			"signature", conf.Signature,
			"slot", conf.Slot,
			"attempts", req.RetryCount+1,
		)
		return
	}

	reason := err.Error()
	outcome = "failed"
	if errors.Is(err, ErrSubmissionTimeout) {
		outcome = "timeout"
	}
	if retryAfter, limited := IsRateLimited(err); limited {
		outcome = "rate_limited"
		if retryAfter <= 0 {
			retryAfter = d.rateLimitBackoff
		}
		d.gate.SignalBackoff(retryAfter)
		if d.metrics != nil {
			d.metrics.RecordBackoffSignal()
		}
		d.logger.WarnContext(ctx, "chain rate limited submission, backing off",
			"request_id", req.ID,
			"backoff", retryAfter,
		)
	}

	decision := d.retry.Decide(req, reason)
	if decision.Action == RetryActionTerminal {
		d.record(req)
		d.publish(EventFailed, req.Snapshot(), reason)
		d.logger.WarnContext(ctx, "transaction failed",
			"request_id", req.ID,
			"attempts", req.RetryCount+1,
			"error", req.Error,
		)
		return
	}

	retried := req.Snapshot()
	d.registry.Move(OwnerQueue, retried)
	qerr := d.queue.enqueue(req, func() {
		d.publish(EventRetried, retried, reason)
	})
	if qerr != nil {
		d.fail(ctx, req, fmt.Sprintf("%s; re-enqueue failed: %v", reason, qerr))
		return
	}

	if d.metrics != nil {
		d.metrics.RecordRetry(retried.Priority.String())
	}
	d.logger.InfoContext(ctx, "transaction scheduled for retry",
		"request_id", retried.ID,
		"retry_count", retried.RetryCount,
		"max_retries", retried.MaxRetries,
		"priority", retried.Priority.String(),
		"error", reason,
	)
}

// fail finalizes a request that is owned by no store.
func (d *Dispatcher) fail(ctx context.Context, req *TransactionRequest, reason string) {
	req.Status = StatusFailed
	req.Error = reason
	req.CompletedAt = timePtr(d.now().UTC())
	d.record(req)
	d.publish(EventFailed, req.Snapshot(), reason)
	d.logger.WarnContext(ctx, "transaction failed", "request_id", req.ID, "error", reason)
}

func (d *Dispatcher) record(req *TransactionRequest) {
	d.registry.Move(OwnerLog, req.Snapshot())
	if evicted := d.history.Append(req); evicted != nil {
		d.registry.Release(evicted.ID)
		d.publish(EventEvicted, evicted.Snapshot(), "")
	}
}

func (d *Dispatcher) publish(t EventType, req TransactionRequest, reason string) {
	if d.events == nil {
		return
	}
	ok := d.events.Publish(Event{Type: t, Request: req, Reason: reason, At: d.now().UTC()})
	if !ok && d.metrics != nil {
		d.metrics.RecordEventDropped()
	}
}

func (d *Dispatcher) notifySlotFreed() {
	select {
	case d.slotFreed <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) updateGauges() {
	if d.metrics == nil {
		return
	}
	for _, p := range Priorities {
		d.metrics.SetQueueDepth(p.String(), d.queue.SizeByPriority(p))
	}
	d.metrics.SetInFlight(d.inflight.Count())
	d.metrics.SetHistorySize(d.history.Len())
}
