package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Components receive it explicitly and skip recording when it is nil.
type Metrics struct {
	// Pipeline Metrics
	requestsEnqueuedTotal *prometheus.CounterVec
	requestsRejectedTotal *prometheus.CounterVec
	submissionsTotal      *prometheus.CounterVec
	submissionDuration    *prometheus.HistogramVec
	retriesTotal          *prometheus.CounterVec
	gateDeferralsTotal    *prometheus.CounterVec
	backoffSignalsTotal   prometheus.Counter
	queueDepth            *prometheus.GaugeVec
	inFlightRequests      prometheus.Gauge
	historySize           prometheus.Gauge
	eventsDroppedTotal    prometheus.Counter

	// Solana RPC Metrics
	solanaRPCCallsTotal    *prometheus.CounterVec
	solanaRPCCallDuration  *prometheus.HistogramVec
	solanaRPCRateLimitHits *prometheus.CounterVec

	// Workflow Metrics
	submitWorkflowDuration *prometheus.HistogramVec
	activityDuration       *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Pipeline Metrics
		requestsEnqueuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txpipe_requests_enqueued_total",
				Help: "Total number of transaction requests accepted into the queue",
			},
			[]string{"kind", "priority"},
		),
		requestsRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txpipe_requests_rejected_total",
				Help: "Total number of transaction requests rejected at enqueue",
			},
			[]string{"reason"},
		),
		submissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txpipe_submissions_total",
				Help: "Total number of submission attempts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		submissionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "txpipe_submission_duration_seconds",
				Help:    "Duration of submission attempts in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind", "outcome"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txpipe_retries_total",
				Help: "Total number of retries by priority after escalation",
			},
			[]string{"priority"},
		),
		gateDeferralsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txpipe_rate_gate_deferrals_total",
				Help: "Total number of dispatch cycles deferred by the rate gate",
			},
			[]string{"reason"},
		),
		backoffSignalsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "txpipe_backoff_signals_total",
				Help: "Total number of rate-limit backoffs applied to the rate gate",
			},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "txpipe_queue_depth",
				Help: "Number of pending requests per priority tier",
			},
			[]string{"priority"},
		),
		inFlightRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "txpipe_in_flight_requests",
				Help: "Number of requests currently being submitted",
			},
		),
		historySize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "txpipe_history_size",
				Help: "Number of terminal requests retained in the completion log",
			},
		),
		eventsDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "txpipe_events_dropped_total",
				Help: "Total number of lifecycle events dropped because the observer buffer was full",
			},
		),

		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),

		// Workflow Metrics
		submitWorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "submit_workflow_duration_seconds",
				Help:    "Duration of submit-and-await workflow executions in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_activity_duration_seconds",
				Help:    "Duration of workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity", "status"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Pipeline metric helpers

// RecordRequestEnqueued records a request accepted into the queue.
func (m *Metrics) RecordRequestEnqueued(kind, priority string) {
	m.requestsEnqueuedTotal.WithLabelValues(kind, priority).Inc()
}

// RecordRequestRejected records an enqueue rejection (queue_full, duplicate, invalid).
func (m *Metrics) RecordRequestRejected(reason string) {
	m.requestsRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordSubmission records one submission attempt and its duration.
func (m *Metrics) RecordSubmission(kind, outcome string, duration float64) {
	m.submissionsTotal.WithLabelValues(kind, outcome).Inc()
	m.submissionDuration.WithLabelValues(kind, outcome).Observe(duration)
}

// RecordRetry records a request re-enqueued at the given (escalated) priority.
func (m *Metrics) RecordRetry(priority string) {
	m.retriesTotal.WithLabelValues(priority).Inc()
}

// RecordGateDeferral records a dispatch cycle that the rate gate held back.
func (m *Metrics) RecordGateDeferral(reason string) {
	m.gateDeferralsTotal.WithLabelValues(reason).Inc()
}

// RecordBackoffSignal records a backoff applied after a rate-limited failure.
func (m *Metrics) RecordBackoffSignal() {
	m.backoffSignalsTotal.Inc()
}

// SetQueueDepth sets the pending count for one priority tier.
func (m *Metrics) SetQueueDepth(priority string, depth int) {
	m.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// SetInFlight sets the number of in-flight requests.
func (m *Metrics) SetInFlight(count int) {
	m.inFlightRequests.Set(float64(count))
}

// SetHistorySize sets the number of retained terminal requests.
func (m *Metrics) SetHistorySize(size int) {
	m.historySize.Set(float64(size))
}

// RecordEventDropped records a lifecycle event that no observer received.
func (m *Metrics) RecordEventDropped() {
	m.eventsDroppedTotal.Inc()
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// Workflow metric helpers

// RecordWorkflowDuration records a submit workflow execution.
func (m *Metrics) RecordWorkflowDuration(status string, duration float64) {
	m.submitWorkflowDuration.WithLabelValues(status).Observe(duration)
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, status string, duration float64) {
	m.activityDuration.WithLabelValues(activity, status).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(eventType string) {
	m.sseEventsSent.WithLabelValues(eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
