// Package app wires configuration into the stores, item bank and engine
// shared by the server and the catctl tool.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/p-n-ai/pai-cat/internal/attempt"
	"github.com/p-n-ai/pai-cat/internal/itembank"
	"github.com/p-n-ai/pai-cat/internal/platform/cache"
	"github.com/p-n-ai/pai-cat/internal/platform/config"
	"github.com/p-n-ai/pai-cat/internal/platform/database"
	"github.com/p-n-ai/pai-cat/internal/scoring"
)

// Check is a named readiness check.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Storage is an opened attempt store with its event log.
type Storage struct {
	Store  attempt.Store
	Events attempt.EventLogger
	Checks []Check

	closers []func()
}

// Close releases the underlying connections.
func (s *Storage) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// OpenStorage opens the store selected by cfg.Driver and migrates it.
func OpenStorage(ctx context.Context, cfg config.DatabaseConfig) (*Storage, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := database.New(ctx, cfg.URL, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		store, err := attempt.NewPostgresStore(db.Pool)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := database.Migrate(ctx, store); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating database: %w", err)
		}
		return &Storage{
			Store:   store,
			Events:  attempt.NewPostgresEventLogger(db.Pool),
			Checks:  []Check{{Name: "database", Fn: db.HealthCheck}},
			closers: []func(){db.Close},
		}, nil

	case config.DriverSQLite:
		store, err := attempt.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &Storage{
			Store:  store,
			Events: attempt.NopEventLogger{},
			Checks: []Check{{Name: "database", Fn: store.Ping}},
			closers: []func(){func() {
				if err := store.Close(); err != nil {
					slog.Warn("closing sqlite store", "error", err)
				}
			}},
		}, nil

	case config.DriverMemory:
		return &Storage{
			Store:  attempt.NewMemoryStore(),
			Events: attempt.NewMemoryEventLogger(),
		}, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

// Bank is an opened item bank.
type Bank struct {
	itembank.Bank
	Loader *itembank.Loader
	Checks []Check

	closers []func()
}

// Close releases the cache connection, if any.
func (b *Bank) Close() {
	for _, c := range b.closers {
		c()
	}
}

// OpenBank loads pools from disk and, when enabled, fronts them with Redis.
func OpenBank(ctx context.Context, cfg *config.Config) (*Bank, error) {
	loader, err := itembank.NewLoader(cfg.ItemBank.Path, itembank.DefaultParams())
	if err != nil {
		return nil, err
	}
	b := &Bank{Bank: loader, Loader: loader}
	if !cfg.Cache.Enabled {
		return b, nil
	}

	c, err := cache.New(ctx, cfg.Cache.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to cache: %w", err)
	}
	b.Bank = itembank.NewCachedBank(loader, c, cfg.Cache.PoolTTL)
	b.Checks = append(b.Checks, Check{Name: "cache", Fn: c.HealthCheck})
	b.closers = append(b.closers, func() {
		if err := c.Close(); err != nil {
			slog.Warn("closing cache", "error", err)
		}
	})
	return b, nil
}

// NewEngine builds the attempt engine over storage and bank.
func NewEngine(cfg *config.Config, s *Storage, b itembank.Bank) *attempt.Engine {
	return attempt.NewEngine(attempt.EngineConfig{
		Store:    s.Store,
		Bank:     b,
		Scorer:   scoring.NewRegistry(),
		Events:   s.Events,
		Defaults: cfg.CATDefaults(),
	})
}

// NewLogger builds the process logger from the log settings.
func NewLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Ready runs every check and joins their failures.
func Ready(ctx context.Context, checks []Check) error {
	var errs []error
	for _, c := range checks {
		if err := c.Fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}
