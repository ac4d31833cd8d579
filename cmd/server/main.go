package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/p-n-ai/pai-cat/internal/app"
	"github.com/p-n-ai/pai-cat/internal/attempt"
	"github.com/p-n-ai/pai-cat/internal/platform/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred closers finish first.
func run() int {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}
	slog.SetDefault(app.NewLogger(cfg.Log))

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	storage, err := app.OpenStorage(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to open storage", "driver", cfg.Database.Driver, "error", err)
		return 1
	}
	defer storage.Close()

	bank, err := app.OpenBank(ctx, cfg)
	if err != nil {
		slog.Error("failed to open item bank", "path", cfg.ItemBank.Path, "error", err)
		return 1
	}
	defer bank.Close()

	engine := app.NewEngine(cfg, storage, bank)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      newMux(engine, readinessChecks(storage, bank)...),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("failed to listen", "addr", addr, "error", err)
		return 1
	}

	go runExpirySweep(ctx, engine, cfg.Server.ExpirySweep)

	slog.Info("server starting",
		"addr", ln.Addr().String(),
		"driver", cfg.Database.Driver,
		"pools", len(bank.Loader.PoolIDs()),
		"cache", cfg.Cache.Enabled,
	)
	if err := serve(ctx, srv, ln); err != nil {
		slog.Error("server error", "error", err)
		return 1
	}
	return 0
}

// readinessChecks returns the storage and bank checks in a fresh slice.
func readinessChecks(storage *app.Storage, bank *app.Bank) []app.Check {
	checks := make([]app.Check, 0, len(storage.Checks)+len(bank.Checks))
	checks = append(checks, storage.Checks...)
	return append(checks, bank.Checks...)
}

// serve runs srv on ln until ctx is done or the server fails, then shuts it
// down. A clean shutdown returns nil.
func serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// runExpirySweep closes overdue attempts every interval until ctx is done.
func runExpirySweep(ctx context.Context, engine *attempt.Engine, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.ExpireOverdue(ctx)
			if err != nil {
				slog.Error("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("expired overdue attempts", "count", n)
			}
		}
	}
}
