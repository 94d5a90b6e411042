// Polywatch — real-time microstructure surveillance for Polymarket binary
// prediction markets.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires discovery → feed → detectors → alerts
//	discovery/           — polls the Gamma API, categorizes markets, assigns tiers
//	ws/feed.go           — market-channel WebSocket with reconnect and chunked subscribe
//	state/               — per-market rolling books, rings, and running statistics
//	detect/detectors.go  — the microstructure detector family over state snapshots
//	correlate/           — cross-market correlation scans for coordinated moves
//	perf/tracker.go      — samples signal outcomes at fixed horizons, keeps posteriors
//	notify/notifier.go   — scores, rate-limits, and delivers Discord webhook alerts
//	store/               — sqlite persistence for markets, prices, signals, outcomes
//	health/              — /healthz, /status, and Prometheus /metrics
//
// What it watches for:
//
//	Informed participants leave footprints before prices move: lopsided
//	books, vanishing depth, one-sided aggressive flow, and clusters of
//	correlated markets moving together. Each detector scores one footprint;
//	signals are validated against what prices actually did afterwards, and
//	only types with a proven track record keep alerting loudly.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polywatch/internal/config"
	"polywatch/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLYWATCH_CONFIG"); p != "" {
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

	if err := eng.Start(context.Background()); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Notifier.WebhookURL == "" {
		logger.Warn("no webhook configured — signals will be detected but not delivered")
	}

	logger.Info("polywatch started",
		"markets_max", cfg.Discovery.MaxMarketsToTrack,
		"refresh", cfg.Discovery.CheckInterval.String(),
		"store", cfg.Store.Path,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

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
