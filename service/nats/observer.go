package nats

import (
	"context"
	"log/slog"
	"time"

	"github.com/brojonat/txpipe/service/pipeline"
)

// publishTimeout bounds each publish so a slow broker cannot stall the event bus.
const publishTimeout = 5 * time.Second

// NewObserver returns a pipeline observer that forwards every lifecycle event
// to pub. Publish failures are logged and otherwise ignored.
func NewObserver(pub Publisher, logger *slog.Logger) pipeline.Observer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats_observer")

	return pipeline.ObserverFunc(func(ctx context.Context, event pipeline.Event) {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()

		if err := pub.PublishEvent(ctx, FromPipelineEvent(event)); err != nil {
			logger.WarnContext(ctx, "failed to publish request event",
				"request_id", event.Request.ID,
				"type", event.Type,
				"error", err,
			)
		}
	})
}
