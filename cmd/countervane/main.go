package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/vjranagit/countervane/internal/config"
	"github.com/vjranagit/countervane/pkg/api"
	"github.com/vjranagit/countervane/pkg/export"
	"github.com/vjranagit/countervane/pkg/ingest"
	"github.com/vjranagit/countervane/pkg/query"
	"github.com/vjranagit/countervane/pkg/store"
)

const version = "0.1.0"

func main() {
	// .env is optional; environment variables win either way.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("COUNTERVANE_CONFIG"))
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log.Level)
	logger.Info("countervane starting",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"store_path", cfg.Store.Path,
		"expire_after", time.Duration(cfg.Store.ExpireAfter),
		"sweep_interval", time.Duration(cfg.Store.SweepInterval),
	)

	st := store.New()
	storeCfg := cfg.ToStoreConfig()

	checkpoint, err := store.NewCheckpoint(storeCfg.Path, storeCfg.CompressionLevel)
	if err != nil {
		logger.Error("failed to open checkpoint store", "err", err)
		os.Exit(1)
	}
	defer checkpoint.Close()

	restored, err := checkpoint.Load(st)
	if err != nil {
		logger.Error("checkpoint restore failed", "err", err)
		os.Exit(1)
	}
	if restored > 0 {
		logger.Info("restored series from checkpoint", "series", restored)
	}

	var journal *store.Journal
	if storeCfg.EnableJournal {
		// Replay increments that arrived after the last checkpoint.
		recovery := ingest.New(st, nil, logger)
		if err := store.ReplayJournal(storeCfg.Path, recovery.Replay); err != nil {
			logger.Error("journal replay failed", "err", err)
			os.Exit(1)
		}

		journal, err = store.NewJournal(storeCfg.Path)
		if err != nil {
			logger.Error("failed to open journal", "err", err)
			os.Exit(1)
		}
		defer journal.Close()
	}

	ingestor := ingest.New(st, journal, logger)
	engine := query.NewEngine(st)

	exportOpts := []export.Option{}
	if cfg.Server.ExpositionTimestamps {
		exportOpts = append(exportOpts, export.WithTimestamps())
	}
	exporter := export.NewWriter(st, exportOpts...)

	sweeper := store.NewSweeper(st, storeCfg.ExpireAfter, storeCfg.SweepInterval, logger)
	sweeper.Start()

	checkpoint.Start(st, journal, storeCfg.CheckpointInterval, logger)

	server := api.NewServer(cfg.Server.ListenAddr, time.Duration(cfg.Server.Timeout), logger,
		ingestor, engine, exporter, cfg.ToPricing())

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", "err", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		logger.Error("server shutdown error", "err", err)
	}

	// Quiesce the background loops before the final checkpoint so a
	// ticker-fired save cannot run concurrently with it.
	checkpoint.Stop()
	sweeper.Stop()

	// Final checkpoint so a clean restart does not need the journal.
	if err := checkpoint.SaveAndRotate(st, journal); err != nil {
		logger.Error("final checkpoint failed", "err", err)
	}

	logger.Info("stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: lvl,
	}))
}
