// Package app provides the top-level application lifecycle for the updown
// bot. It wires the stores, feeds, venue clients, and the session
// coordinator, starts them, and tears everything down in reverse order on
// shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/updownbot/internal/config"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the price feed and the coordinator, and
// blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("log_level", a.cfg.LogLevel),
		slog.Bool("dry_run", a.cfg.Trading.DryRun),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	symbols := make([]string, 0, len(a.cfg.Trading.Coins))
	for _, coin := range a.cfg.Trading.Coins {
		symbols = append(symbols, coin.Symbol)
	}

	if err := deps.PriceFeed.Start(ctx, symbols); err != nil {
		return fmt.Errorf("app: start price feed: %w", err)
	}
	a.closers = append(a.closers, func() { _ = deps.PriceFeed.Stop() })

	if err := deps.PriceFeed.WaitReady(30 * time.Second); err != nil {
		return fmt.Errorf("app: price feed: %w", err)
	}
	a.seedHistories(ctx, deps, symbols)

	a.closers = append(a.closers, func() { _ = deps.BookFeed.Close() })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Coordinator.Run(gctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// seedHistories preloads each symbol's rolling history over REST so momentum
// figures are meaningful from the first tick. Best effort: a failed backfill
// just means a slower warmup.
func (a *App) seedHistories(ctx context.Context, deps *Dependencies, symbols []string) {
	limit := a.cfg.Binance.BackfillLimit
	if limit <= 0 || deps.Backfiller == nil {
		return
	}
	for _, symbol := range symbols {
		points, err := deps.Backfiller.Fetch(ctx, symbol, a.cfg.Binance.Interval, limit)
		if err != nil {
			a.logger.Warn("history backfill failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		deps.PriceFeed.Seed(symbol, points)
		a.logger.Info("history seeded",
			slog.String("symbol", symbol),
			slog.Int("points", len(points)),
		)
	}
}

// Close tears down all resources in reverse registration order. Safe to call
// multiple times.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
