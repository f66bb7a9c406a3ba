package main

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"genspese/internal/amqp"
	"genspese/internal/backend"
	"genspese/internal/cache"
	"genspese/internal/cli"
	applog "genspese/internal/log"
	gsheet "genspese/internal/sheets/google"
	"genspese/internal/worker"
)

func main() {
	cli.LoadEnvFile()

	logger := cli.SetupLogger(applog.DefaultConfig().Level, applog.ComponentWorker)
	cfg := cli.LoadAndValidateConfig(logger.Slog())
	logger = cli.SetupLogger(cfg.SlogLevel(), applog.ComponentWorker)

	if err := cfg.ValidateWorker(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting genspese-worker")

	ctx, stop := cli.SignalContext(logger.Slog())
	defer stop()

	sheetsClient, err := gsheet.New(ctx, gsheet.Config{
		SpreadsheetID:      cfg.GoogleSpreadsheetID,
		SheetName:          cfg.GoogleSheetName,
		ServiceAccountJSON: cfg.GoogleServiceAccountJSON,
		ServiceAccountFile: cfg.GoogleServiceAccountFile,
	}, logger.WithComponent(applog.ComponentSheets).Slog())
	if err != nil {
		logger.Error("Failed to initialize Google Sheets client", "error", err)
		os.Exit(1)
	}
	logger.Info("Google Sheets client initialized",
		"spreadsheet_id", cfg.GoogleSpreadsheetID,
		"sheet", cfg.GoogleSheetName)

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue,
		logger.WithComponent(applog.ComponentAMQP).Slog())
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	syncWorker := worker.NewSyncWorker(sheetsClient, logger.Slog())

	// With a persisted ledger the sheet can be reconciled before consuming,
	// covering events published while the worker was down.
	if backend.BackendType(cfg.DataBackend) == backend.SQLiteBackend {
		repo := cli.InitSQLite(logger.Slog(), cfg.SQLiteDBPath)
		logger.Info("Performing startup sync check...", applog.FieldOperation, applog.OpStartup)
		if err := syncWorker.StartupSyncCheck(ctx, repo); err != nil {
			logger.Error("Failed startup sync check", "error", err)
			// Don't exit - continue with normal operation
		}
		if err := repo.Close(); err != nil {
			logger.Warn("Failed to close SQLite repository", "error", err)
		}
	} else {
		logger.Info("Skipping startup sync check - no persisted ledger")
	}

	caches := cache.NewManager(logger.WithComponent(applog.ComponentCache).Slog())
	caches.Register(sheetsClient.RowCache())
	caches.StartCleanup(5 * time.Minute)
	defer caches.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return amqpClient.Consume(gctx, syncWorker.HandleLedgerEvent)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Message consumption failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker shutdown complete", applog.FieldOperation, applog.OpShutdown)
}
