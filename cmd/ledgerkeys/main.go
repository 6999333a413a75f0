package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	httphandler "github.com/ericfisherdev/ledgerkeys/internal/adapter/driving/http"
	"github.com/ericfisherdev/ledgerkeys/internal/bootstrap"
	"github.com/ericfisherdev/ledgerkeys/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"network_id", cfg.NetworkID,
		"contract", cfg.ContractAddress,
		"rpc_endpoints", len(cfg.RPCURLs),
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"sweep_enabled", cfg.SweepEnabled,
		"feed_enabled", cfg.FeedEnabled,
		"lock_backend", cfg.LockBackend,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database, run migrations, connect and verify the ledger.
	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			slog.Error("error closing app", "error", closeErr)
		}
	}()

	// 4. Create HTTP handler.
	var sweeper httphandler.Sweeper
	if cfg.SweepEnabled {
		sweeper = app.Sweep
	}
	apiHandler := httphandler.NewHandler(
		cfg.NetworkID,
		app.Records,
		app.Profiles,
		app.Ledger,
		app.Cipher,
		app.Coordinator,
		sweeper,
		app.Registry,
		slog.Default(),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * time.Minute, // POST /api/v1/sweep waits for a full sweep.
		IdleTimeout:       120 * time.Second,
	}

	// 5. Start background loops and the HTTP server.
	g, gctx := errgroup.WithContext(ctx)

	if cfg.SweepEnabled {
		g.Go(func() error {
			app.Sweep.Start(gctx)
			return nil
		})
	}
	if cfg.FeedEnabled {
		g.Go(func() error {
			app.Feed.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
		return nil
	})

	slog.Info("ledgerkeys started",
		"listen_addr", cfg.ListenAddr,
		"sweep_interval", cfg.SweepInterval,
		"feed_poll_interval", cfg.FeedPollInterval,
	)

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("shutdown complete")
	return nil
}
