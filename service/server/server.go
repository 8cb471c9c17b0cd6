package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/txpipe/service/db"
	"github.com/brojonat/txpipe/service/metrics"
	natspkg "github.com/brojonat/txpipe/service/nats"
	"github.com/brojonat/txpipe/service/pipeline"
)

// Pipeline is the part of *pipeline.Pipeline the API drives.
type Pipeline interface {
	Submit(ctx context.Context, opts pipeline.RequestOptions) (pipeline.TransactionRequest, error)
	GetStatus(id string) (pipeline.TransactionRequest, bool)
	Pending() []pipeline.TransactionRequest
	InFlight() []pipeline.TransactionRequest
	Recent(limit int) []pipeline.TransactionRequest
	Stats() pipeline.Stats
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Archive is the read side of the Postgres archive.
type Archive interface {
	GetRequest(ctx context.Context, id string) (*pipeline.TransactionRequest, error)
	ListRequests(ctx context.Context, params db.ListRequestsParams) ([]*pipeline.TransactionRequest, error)
}

// Server represents the HTTP API of the submission pipeline.
type Server struct {
	addr       string
	pipeline   Pipeline
	archive    Archive
	subscriber natspkg.Subscriber
	metrics    *metrics.Metrics
	logger     *slog.Logger
	server     *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The archive is optional - if nil, lookups only see in-memory state.
// The subscriber is optional - if nil, the SSE endpoint won't be available.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, p Pipeline, archive Archive, subscriber natspkg.Subscriber, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:       addr,
		pipeline:   p,
		archive:    archive,
		subscriber: subscriber,
		metrics:    m,
		logger:     logger.With("component", "http_server"),
	}
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "POST /api/v1/transactions", "submit_transaction", handleSubmitTransaction(s.pipeline, s.logger))
	s.route(mux, "GET /api/v1/transactions/{id}", "get_transaction", handleGetTransaction(s.pipeline, s.archive, s.logger))
	s.route(mux, "GET /api/v1/transactions", "list_transactions", handleListTransactions(s.pipeline, s.archive, s.logger))
	s.route(mux, "GET /api/v1/queue", "queue_stats", handleQueueStats(s.pipeline))
	s.route(mux, "POST /api/v1/dispatcher/start", "dispatcher_start", handleStartDispatcher(s.pipeline, s.logger))
	s.route(mux, "POST /api/v1/dispatcher/stop", "dispatcher_stop", handleStopDispatcher(s.pipeline, s.logger))

	if s.subscriber != nil {
		s.route(mux, "GET /api/v1/stream/events", "stream_events", handleStreamEvents(s.subscriber, s.metrics, s.logger))
		s.logger.Info("SSE streaming endpoint enabled")
	} else {
		s.logger.Warn("NATS subscriber not configured, streaming endpoint disabled")
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.Handler) {
	if s.metrics != nil {
		h = metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
	}
	mux.Handle(pattern, h)
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE responses stay open indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close the subscriber first so SSE handlers return.
	if s.subscriber != nil {
		s.subscriber.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
