// Prediction-market maker — an automated market-making agent that pairs
// complementary binary outcome tokens against a stablecoin, maintaining
// resting quotes, accumulating inventory up to a cap, hedging with
// take-profit sells, and pausing trading on adverse moves.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires every component, manages market lifecycle
//	reconcile/reconcile.go — the active controller: consults quote+risk, issues cancel/place
//	quote/quote.go        — deterministic desired-quote computation and replace-decision rules
//	risk/evaluator.go     — pure stop-loss/volatility trip evaluation
//	book/book.go          — local order book mirror fed by WebSocket snapshots + deltas
//	position/store.go     — position and open-order state, pending-aware authoritative merge
//	stream/stream.go      — routes public book and private user WS events into store mutations
//	control/control.go    — periodic position/order pull, registry refresh, sink snapshot
//	registry/registry.go — polls the market universe and strategy parameter tables
//	riskoff/registry.go   — persists risk-off pauses and a position warm cache
//	exchange/client.go    — REST client for the exchange CLOB API
//	exchange/auth.go      — L1 (EIP-712) and L2 (HMAC) authentication
//	exchange/ws.go        — WebSocket feeds with auto-reconnect
//	sinks/sinks.go        — trade log, reward snapshot, and position snapshot record streams
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"predictionmm/internal/config"
	"predictionmm/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- eng.Run(ctx) }()

	logger.Info("prediction market maker started", "dry_run", cfg.DryRun)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-runErrCh:
		if err != nil && err != context.Canceled {
			logger.Error("engine stopped unexpectedly", "error", err)
		}
	}

	cancel()
	eng.Stop()
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
