// gridbot — a multi-symbol grid market-making engine for perpetual
// futures DEXes.
//
// Architecture:
//
//	main.go                — entry point: loads config, builds the trader, starts the supervisor
//	engine/loop.go         — per-symbol control loop: reconcile desired grid vs resting orders
//	engine/supervisor.go   — task lifecycle, status, auto-restart budget, history capture
//	grid/                  — pure grid math: targets, cancel/keep split, placement plan, sizing
//	indicator/             — mid-price volatility, Avellaneda-Stoikov quoting, ATR/ADX regime filter
//	sim/                   — dry-run fill simulation with exact decimal P&L
//	exchange/lighter/      — venue adapter: REST client, WS book feed, secp256k1 auth tokens
//	config/                — viper bootstrap + JSON trading config store re-read every tick
//	history/               — JSONL run-history records
//
// How it makes money:
//
//	The engine rests a ladder of post-only limit orders around a center
//	snapped to the configured grid step. Price oscillation fills both
//	sides of the ladder, capturing one grid step per round trip, while
//	reduce-mode and the regime filter keep inventory from running away.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gridmm/internal/config"
	"gridmm/internal/engine"
	"gridmm/internal/exchange/lighter"
	"gridmm/internal/history"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GRID_CONFIG"); p != "" {
		cfgPath = p
	}

	app, err := config.LoadApp(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(app.Logging.Level)}
	if app.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	store, err := config.OpenStore(app.DataDir)
	if err != nil {
		logger.Error("failed to open config store", "error", err)
		os.Exit(1)
	}
	file, err := store.Load()
	if err != nil {
		logger.Error("failed to load trading config", "error", err)
		os.Exit(1)
	}
	if err := file.Validate(); err != nil {
		logger.Error("invalid trading config", "error", err)
		os.Exit(1)
	}

	hist, err := history.Open(app.DataDir)
	if err != nil {
		logger.Error("failed to open history store", "error", err)
		os.Exit(1)
	}

	var accountIndex, apiKeyIndex int64
	if file.Exchange.AccountIndex != nil {
		accountIndex = *file.Exchange.AccountIndex
	}
	if file.Exchange.APIKeyIndex != nil {
		apiKeyIndex = *file.Exchange.APIKeyIndex
	}
	signer, err := lighter.NewSigner(app.Signer.PrivateKey, accountIndex, apiKeyIndex)
	if err != nil {
		logger.Error("failed to build signer", "error", err)
		os.Exit(1)
	}

	client := lighter.NewClient(app.Venue.BaseURL, app.Venue.RequestTimeout, app.Venue.MinRequestGap, logger)
	feed := lighter.NewBBOFeed(app.Venue.WSURL, logger)
	trader := lighter.NewTrader(client, feed, signer, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("book feed error", "error", err)
		}
	}()

	if !file.Runtime.DryRun {
		if err := trader.CheckClient(ctx); err != nil {
			logger.Error("venue self-test failed", "error", err)
			os.Exit(1)
		}
	}

	sup := engine.NewSupervisor(store, hist, trader, logger)
	if err := sup.StartEnabled(ctx); err != nil {
		logger.Error("failed to start bots", "error", err)
		os.Exit(1)
	}

	if file.Runtime.DryRun {
		logger.Warn("DRY-RUN MODE — orders go to the fill simulator")
	}
	logger.Info("gridbot started",
		"exchange", file.Exchange.Name,
		"symbols", len(file.Strategies),
		"dry_run", file.Runtime.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	sup.EmergencyStop(ctx)
	sup.Wait()
	cancel()

	if err := trader.Close(); err != nil {
		logger.Error("trader close failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
