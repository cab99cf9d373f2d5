// Polymarket bookwatch keeps a live, consistent mirror of the CLOB order
// book for one market and serves it to a local dashboard.
//
// Architecture:
//
//	main.go               entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      orchestrator: resolves the watched market, owns its book
//	engine/supervisor.go  connection state machine: snapshots, session, backoff, generations
//	engine/dispatch.go    routes decoded channel events to book mutations
//	market/book.go        per-outcome price ladders with snapshot/delta application
//	market/depth.go       cumulative depth, spread, midpoint and reward eligibility
//	market/gamma.go       Gamma metadata lookup by slug
//	exchange/client.go    REST client for CLOB snapshots and API key derivation
//	exchange/auth.go      L1 (EIP-712) auth for key derivation
//	exchange/ws.go        market channel session: subscribe, ping, read loop
//	publish/redis.go      optional top-of-book mirror in Redis
//	api/                  dashboard HTTP + WebSocket server
//	metrics/metrics.go    Prometheus collectors
package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"polymarket-bookwatch/internal/api"
	"polymarket-bookwatch/internal/config"
	"polymarket-bookwatch/internal/engine"
)

func main() {
	// Secrets usually live in .env next to the binary.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}

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

	logger, closeLog := newLogger(cfg.Logging)
	defer closeLog()

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, eng.Metrics().Handler(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("polymarket bookwatch started",
		"market", cfg.Watch.MarketSlug,
		"redis", cfg.Redis.Enabled,
		"stale_after", cfg.Stream.StaleAfter,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Dashboard first so clients see the close before the stream goes idle.
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	eng.Stop()
}

// newLogger builds the process logger. When a log file is configured,
// output goes to stdout and to a size-rotated file.
func newLogger(cfg config.LoggingConfig) (*slog.Logger, func()) {
	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.File != "" {
		rot := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rot)
		closeFn = func() { rot.Close() }
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closeFn
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
