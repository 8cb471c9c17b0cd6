package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/txpipe/service/metrics"
)

// Dependencies are the collaborators a Pipeline is built around.
type Dependencies struct {
	// Chain is required.
	Chain ChainClient
	// Wallet signs requests before submission. Optional: without it the chain
	// client receives a nil payload.
	Wallet WalletProvider
	// Observers receive lifecycle events on the event bus goroutine.
	Observers []Observer
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Pipeline is the public surface for submitting transaction requests and
// inspecting their progress.
type Pipeline struct {
	cfg        Config
	queue      *RequestQueue
	gate       *RateGate
	inflight   *InFlightTracker
	retry      *RetryPolicy
	history    *CompletionLog
	registry   *Registry
	events     *EventBus
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// New builds a stopped pipeline. Call Start to begin dispatching.
func New(cfg Config, deps Dependencies) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	queue, err := NewRequestQueue(cfg.MaxQueueSize)
	if err != nil {
		return nil, err
	}
	history, err := NewCompletionLog(cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	events, err := NewEventBus(cfg.EventBufferSize, logger)
	if err != nil {
		return nil, err
	}
	for _, o := range deps.Observers {
		events.Subscribe(o)
	}

	p := &Pipeline{
		cfg:      cfg,
		queue:    queue,
		gate:     NewRateGate(cfg.MinSubmitInterval),
		inflight: NewInFlightTracker(),
		retry:    NewRetryPolicy(cfg.AutoRetry),
		history:  history,
		registry: NewRegistry(),
		events:   events,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "pipeline"),
		now:      time.Now,
	}

	p.dispatcher, err = NewDispatcher(cfg, DispatcherDeps{
		Queue:    p.queue,
		Gate:     p.gate,
		InFlight: p.inflight,
		Retry:    p.retry,
		History:  p.history,
		Registry: p.registry,
		Chain:    deps.Chain,
		Wallet:   deps.Wallet,
		Events:   p.events,
		Metrics:  deps.Metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Subscribe adds an observer after construction.
func (p *Pipeline) Subscribe(o Observer) {
	p.events.Subscribe(o)
}

// Enqueue admits a request built by the caller. The request must be Pending
// and its id must not be queued, in flight or in the completion log.
func (p *Pipeline) Enqueue(req *TransactionRequest) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		p.recordRejected(err)
		return err
	}
	if req.Status != StatusPending {
		err := fmt.Errorf("%w: status must be %s, got %s", ErrInvalidRequest, StatusPending, req.Status)
		p.recordRejected(err)
		return err
	}

	// Once enqueued the dispatcher may take req at any moment.
	snapshot := req.Snapshot()
	if err := p.registry.Reserve(snapshot); err != nil {
		p.recordRejected(err)
		return err
	}
	err := p.queue.enqueue(req, func() {
		if ok := p.events.Publish(Event{Type: EventEnqueued, Request: snapshot, At: p.now().UTC()}); !ok && p.metrics != nil {
			p.metrics.RecordEventDropped()
		}
	})
	if err != nil {
		p.registry.Release(snapshot.ID)
		p.recordRejected(err)
		return err
	}

	if p.metrics != nil {
		p.metrics.RecordRequestEnqueued(string(snapshot.Kind), snapshot.Priority.String())
		p.metrics.SetQueueDepth(snapshot.Priority.String(), p.queue.SizeByPriority(snapshot.Priority))
	}

	p.logger.Debug("transaction request enqueued",
		"request_id", snapshot.ID,
		"kind", snapshot.Kind,
		"priority", snapshot.Priority.String(),
		"queue_size", p.queue.Size(),
	)
	return nil
}

// Submit builds a request from opts with the configured defaults and enqueues it.
// The returned copy reflects the request as admitted.
func (p *Pipeline) Submit(ctx context.Context, opts RequestOptions) (TransactionRequest, error) {
	if err := ctx.Err(); err != nil {
		return TransactionRequest{}, err
	}
	req, err := NewTransactionRequest(opts, p.cfg.DefaultMaxRetries, p.now())
	if err != nil {
		p.recordRejected(err)
		return TransactionRequest{}, err
	}
	admitted := req.Snapshot()
	if err := p.Enqueue(req); err != nil {
		return TransactionRequest{}, err
	}
	return admitted, nil
}

// GetStatus returns a copy of the request with the given id whether it is
// queued, in flight or in the completion log. Evicted requests are not found.
func (p *Pipeline) GetStatus(id string) (TransactionRequest, bool) {
	req, _, ok := p.registry.Lookup(id)
	return req, ok
}

// Owner reports which store holds id.
func (p *Pipeline) Owner(id string) Owner {
	_, owner, _ := p.registry.Lookup(id)
	return owner
}

// Start begins dispatching and event delivery.
func (p *Pipeline) Start(ctx context.Context) error {
	p.events.Run(context.WithoutCancel(ctx))
	return p.dispatcher.Start(ctx)
}

// Stop halts dispatching after in-flight submissions finish. Queued requests
// stay queued and Start may be called again.
func (p *Pipeline) Stop(ctx context.Context) error {
	return p.dispatcher.Stop(ctx)
}

// Close stops the pipeline and flushes pending events to observers. The
// pipeline cannot be restarted afterwards.
func (p *Pipeline) Close(ctx context.Context) error {
	return errors.Join(p.dispatcher.Stop(ctx), p.events.Close(ctx))
}

// Running reports whether the dispatcher is active.
func (p *Pipeline) Running() bool {
	return p.dispatcher.Running()
}

// QueueSize returns the number of pending requests.
func (p *Pipeline) QueueSize() int {
	return p.queue.Size()
}

// QueueSizeByPriority returns the number of pending requests in tier pr.
func (p *Pipeline) QueueSizeByPriority(pr Priority) int {
	return p.queue.SizeByPriority(pr)
}

func (p *Pipeline) queueSizes() map[Priority]int {
	out := make(map[Priority]int, numPriorities)
	for _, pr := range Priorities {
		out[pr] = p.queue.SizeByPriority(pr)
	}
	return out
}

// InFlightCount returns the number of requests being submitted.
func (p *Pipeline) InFlightCount() int {
	return p.inflight.Count()
}

// Pending returns copies of queued requests in dequeue order.
func (p *Pipeline) Pending() []TransactionRequest {
	return p.queue.List()
}

// InFlight returns copies of requests being submitted.
func (p *Pipeline) InFlight() []TransactionRequest {
	return p.inflight.List()
}

// Recent returns up to limit terminal requests, most recent last.
func (p *Pipeline) Recent(limit int) []TransactionRequest {
	return p.history.Recent(limit)
}

// Config returns the configuration the pipeline was built with.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Stats is a point-in-time summary of the pipeline.
type Stats struct {
	Running         bool           `json:"running"`
	QueueSize       int            `json:"queue_size"`
	QueueCapacity   int            `json:"queue_capacity"`
	QueueByPriority map[string]int `json:"queue_by_priority"`
	InFlight        int            `json:"in_flight"`
	MaxConcurrent   int            `json:"max_concurrent"`
	HistorySize     int            `json:"history_size"`
	HistoryLimit    int            `json:"history_limit"`
	HistoryByStatus map[string]int `json:"history_by_status"`
	BackoffUntil    *time.Time     `json:"backoff_until,omitempty"`
	EventsDropped   int64          `json:"events_dropped"`
}

// Stats gathers counters from every component. Each is read under its own
// lock, so the numbers need not add up at a single instant.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Running:         p.Running(),
		QueueSize:       p.queue.Size(),
		QueueCapacity:   p.queue.Capacity(),
		QueueByPriority: make(map[string]int, numPriorities),
		InFlight:        p.inflight.Count(),
		MaxConcurrent:   p.cfg.MaxConcurrentTransactions,
		HistorySize:     p.history.Len(),
		HistoryLimit:    p.history.Limit(),
		HistoryByStatus: make(map[string]int),
		EventsDropped:   p.events.Dropped(),
	}
	for pr, n := range p.queueSizes() {
		s.QueueByPriority[pr.String()] = n
	}
	for st, n := range p.history.CountByStatus() {
		s.HistoryByStatus[string(st)] = n
	}
	if until := p.gate.BackoffUntil(); until.After(p.now()) {
		u := until.UTC()
		s.BackoffUntil = &u
	}
	return s
}

func (p *Pipeline) recordRejected(err error) {
	if p.metrics == nil {
		return
	}
	reason := "invalid"
	switch {
	case errors.Is(err, ErrQueueFull):
		reason = "queue_full"
	case errors.Is(err, ErrDuplicateRequest):
		reason = "duplicate"
	case errors.Is(err, ErrInvalidPriority):
		reason = "invalid_priority"
	}
	p.metrics.RecordRequestRejected(reason)
}
