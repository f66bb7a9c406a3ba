package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"genspese/internal/backend"
	"genspese/internal/cache"
	"genspese/internal/cli"
	apphttp "genspese/internal/http"
	"genspese/internal/imagegen"
	"genspese/internal/ledger"
	applog "genspese/internal/log"
	"genspese/internal/surface"
	"genspese/internal/tools"
)

func main() {
	cli.LoadEnvFile()

	logger := cli.SetupLogger(applog.DefaultConfig().Level, applog.ComponentApp)
	cfg := cli.LoadAndValidateConfig(logger.Slog())
	logger = cli.SetupLogger(cfg.SlogLevel(), applog.ComponentApp)

	ctx, stop := cli.SignalContext(logger.Slog())
	defer stop()

	l := ledger.New(
		ledger.WithDedupeWindow(cfg.DedupeWindow),
		ledger.WithLogger(logger.WithComponent(applog.ComponentLedger).Slog()),
	)

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", "error", err)
		os.Exit(1)
	}
	be, err := backend.NewFactory(logger.Slog()).CreateBackend(ctx, backendCfg, l)
	if err != nil {
		logger.Error("Failed to initialize backend", "error", err, "backend", cfg.DataBackend)
		os.Exit(1)
	}
	defer func() {
		if err := be.Close(); err != nil {
			logger.Error("Backend close error", "error", err)
		}
	}()

	registry := surface.NewRegistry(
		surface.WithDialogDebounce(cfg.DialogDebounce),
		surface.WithLogger(logger.WithComponent(applog.ComponentSurface).Slog()),
	)
	images := imagegen.New(cfg.ImageServiceURL, logger.Slog())
	adapter := tools.NewAdapter(l, images,
		tools.WithSurfaces(registry),
		tools.WithLogger(logger.Slog()),
	)

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Dependencies{
		Ledger:             l,
		Registry:           registry,
		Tools:              adapter,
		Backend:            be,
		Metrics:            backendMetrics(be),
		CaptureSampleRate:  cfg.AudioInputSampleRate,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Logger:             logger,
	})

	// Configure server timeouts and limits. No WriteTimeout: the surface
	// stream is long lived.
	srv.ReadTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	caches := cache.NewManager(logger.WithComponent(applog.ComponentCache).Slog())
	caches.Register(l)
	for _, c := range srv.Caches() {
		caches.Register(c)
	}
	caches.StartCleanup(time.Minute)
	defer caches.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return be.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("Starting genspese server",
			"port", cfg.Port,
			"backend", cfg.DataBackend,
			"publishing", be.Publisher != nil,
			"tools", len(adapter.Names()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", applog.FieldOperation, applog.OpShutdown, "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully", applog.FieldOperation, applog.OpShutdown)
}

func backendMetrics(be *backend.BackendResult) func(ctx context.Context) map[string]int64 {
	return func(ctx context.Context) map[string]int64 {
		st := be.Stats(ctx)
		publishing := int64(0)
		if st.Publishing {
			publishing = 1
		}
		return map[string]int64{
			"backend_publishing": publishing,
			"backend_restored":   int64(st.Restored),
			"outbox_pending":     st.OutboxPending,
			"outbox_failed":      st.OutboxFailed,
		}
	}
}
