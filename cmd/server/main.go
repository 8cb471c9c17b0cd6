package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/txpipe/service/config"
	"github.com/brojonat/txpipe/service/db"
	"github.com/brojonat/txpipe/service/metrics"
	natspkg "github.com/brojonat/txpipe/service/nats"
	"github.com/brojonat/txpipe/service/pipeline"
	"github.com/brojonat/txpipe/service/server"
	"github.com/brojonat/txpipe/service/solana"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"network", cfg.SolanaNetwork,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Several comma separated RPC URLs spread load across processes.
	rpcURL, err := solana.SelectRandomEndpoint(solana.SplitEndpoints(cfg.SolanaRPCURL))
	if err != nil {
		logger.Error("invalid solana rpc configuration", "error", err)
		os.Exit(1)
	}
	endpoint := solana.EndpointLabel(rpcURL)
	rpcClient := solana.NewRPCClient(rpcURL)

	key, err := solana.ParsePrivateKey(cfg.WalletPrivateKey)
	if err != nil {
		logger.Error("failed to load wallet", "error", err)
		os.Exit(1)
	}
	wallet := solana.NewWallet(rpcClient, key, endpoint, cfg.RateLimitBackoff, metricsCollector, logger)
	chain := solana.NewChainClient(rpcClient, endpoint, solana.ChainClientOptions{
		SkipPreflight:    cfg.SkipPreflight,
		PollInterval:     cfg.ConfirmationPollInterval,
		RateLimitBackoff: cfg.RateLimitBackoff,
	}, metricsCollector, logger)
	logger.Info("initialized solana client", "endpoint", endpoint, "wallet", wallet.PublicKey().String())

	var observers []pipeline.Observer

	// The archive is optional; without it evicted requests are forgotten.
	var archive server.Archive
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		store := db.NewStore(pool, metricsCollector)
		if err := store.Migrate(ctx); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		archive = store
		observers = append(observers, db.NewArchiveObserver(store, logger))
		logger.Info("connected to database, archiving terminal requests")
	} else {
		logger.Warn("DATABASE_URL not set, terminal requests will not be archived")
	}

	var subscriber natspkg.Subscriber
	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		observers = append(observers, natspkg.NewObserver(publisher, logger))

		sub, err := natspkg.NewSubscriber(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create NATS subscriber", "error", err)
			os.Exit(1)
		}
		subscriber = sub
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	} else {
		logger.Warn("NATS_URL not set, lifecycle events will not be published")
	}

	p, err := pipeline.New(cfg.PipelineConfig(), pipeline.Dependencies{
		Chain:     chain,
		Wallet:    wallet,
		Observers: observers,
		Metrics:   metricsCollector,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	if cfg.AutoStart {
		if err := p.Start(ctx); err != nil {
			logger.Error("failed to start dispatcher", "error", err)
			os.Exit(1)
		}
	}

	httpServer := server.New(cfg.ServerAddr, p, archive, subscriber, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"auto_start", cfg.AutoStart,
		"max_queue_size", cfg.MaxQueueSize,
		"max_concurrent", cfg.MaxConcurrentTransactions,
		"archive", archive != nil,
		"events", subscriber != nil,
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
		}
		// Close waits for in-flight submissions and flushes pending events to
		// the archive and NATS before their connections close.
		if err := p.Close(shutdownCtx); err != nil {
			logger.Error("failed to close pipeline", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
