package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/txpipe/service/metrics"
	natspkg "github.com/brojonat/txpipe/service/nats"
	"github.com/brojonat/txpipe/service/pipeline"
)

const sseKeepalive = 10 * time.Second

// handleStreamEvents streams request lifecycle events as Server-Sent Events.
// GET /api/v1/stream/events?type=confirmed&request_id=ID
// Both filters are optional.
func handleStreamEvents(sub natspkg.Subscriber, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := r.URL.Query().Get("request_id")

		subject := natspkg.SubjectAll
		if t := r.URL.Query().Get("type"); t != "" {
			subject = natspkg.Subject(pipeline.EventType(t))
		}

		flusher, _ := w.(http.Flusher)
		flush := func() {
			if flusher != nil {
				flusher.Flush()
			}
		}

		events, err := sub.Subscribe(ctx, subject)
		if err != nil {
			logger.ErrorContext(ctx, "failed to subscribe", "subject", subject, "error", err)
			writeError(w, "failed to subscribe", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if m != nil {
			m.RecordSSEConnectionChange(1)
			defer m.RecordSSEConnectionChange(-1)
		}

		logger.DebugContext(ctx, "SSE client connected",
			"subject", subject,
			"request_id", requestID,
			"remote_addr", r.RemoteAddr,
		)

		fmt.Fprintf(w, "event: connected\ndata: {\"subject\":%q}\n\n", subject)
		flush()

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flush()

			case event, ok := <-events:
				if !ok {
					return
				}
				if requestID != "" && event.RequestID != requestID {
					continue
				}
				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(ctx, "failed to marshal event", "error", err)
					continue
				}

				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
				flush()
				if m != nil {
					m.RecordSSEEventSent(string(event.Type))
				}

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected",
					"subject", subject,
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}
