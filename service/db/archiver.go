package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/brojonat/txpipe/service/pipeline"
)

// Archiver persists terminal requests. *Store implements it.
type Archiver interface {
	ArchiveRequest(ctx context.Context, req pipeline.TransactionRequest) error
}

const archiveTimeout = 5 * time.Second

// NewArchiveObserver returns a pipeline observer that archives every request
// reaching Confirmed or Failed. Errors are logged; the pipeline is unaffected.
func NewArchiveObserver(a Archiver, logger *slog.Logger) pipeline.Observer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "archive_observer")

	return pipeline.ObserverFunc(func(ctx context.Context, event pipeline.Event) {
		if !event.Terminal() {
			return
		}
		ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
		defer cancel()

		if err := a.ArchiveRequest(ctx, event.Request); err != nil {
			logger.ErrorContext(ctx, "failed to archive request",
				"request_id", event.Request.ID,
				"status", event.Request.Status,
				"error", err,
			)
			return
		}
		logger.DebugContext(ctx, "archived request",
			"request_id", event.Request.ID,
			"status", event.Request.Status,
		)
	})
}
