// targetposd is the demo/CLI harness for the target-position
// reconciliation engine — the Go analogue of tqsdk's demo/demo.py and of
// the teacher's cmd/bot/main.go.
//
// Architecture:
//
//	main.go                  — entry point: loads config, builds the simulated
//	                           broker, constructs one TargetPosTask per
//	                           configured target, waits for SIGINT/SIGTERM
//	internal/config          — viper-based Config, Load, Validate
//	internal/targetpos       — the reconciliation core: controller, registry,
//	                           offset decomposition, repricing/insert/
//	                           price-monitor/clock tasks, price policy
//	internal/sim             — in-memory (or WS/HTTP-backed) simulated broker
//	internal/trace           — await/resume trace emitter + Chrome converter
//
// What it does: for every configured symbol, it drives live position
// toward the configured target volume, decomposing the delta across the
// symbol's offset-priority string and repricing resting orders against
// the simulated quote feed until fully filled.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/comicfans/targetpos-go/internal/config"
	"github.com/comicfans/targetpos-go/internal/sim"
	"github.com/comicfans/targetpos-go/internal/targetpos"
	"github.com/comicfans/targetpos-go/internal/trace"
	"github.com/comicfans/targetpos-go/pkg/broker"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TQGO_CONFIG"); p != "" {
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

	logger := buildLogger(cfg.Logging)
	tracer := buildTracer(cfg.Trace)

	rl := sim.NewRateLimiter(cfg.Broker.OrderRPS, cfg.Broker.CancelRPS, cfg.Broker.QueryRPS)
	memBroker := sim.New(logger, rl)
	seedDemoQuotes(memBroker, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var api broker.API = memBroker
	switch cfg.Broker.Mode {
	case "ws":
		feed := sim.NewQuoteFeed(cfg.Broker.WSURL, memBroker, logger)
		go func() {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("quote feed stopped", "error", err)
			}
		}()
	case "http":
		api = sim.NewHTTPClient(cfg.Broker.HTTPURL, cfg.Broker.RequestTimeout, rl)
		logger.Info("broker.mode=http: driving the reconciliation engine against a remote order simulator", "url", cfg.Broker.HTTPURL)
	}

	tasks := make([]*targetpos.TargetPosTask, 0, len(cfg.Targets))
	for _, tc := range cfg.Targets {
		task, err := targetpos.New(api, targetpos.Config{
			Account:        cfg.Account.Key,
			Symbol:         tc.Symbol,
			PriceMode:      tc.PriceMode,
			OffsetPriority: tc.OffsetPriority,
			MinVolume:      tc.MinVolume,
			MaxVolume:      tc.MaxVolume,
			Tracer:         tracer,
		}, logger)
		if err != nil {
			logger.Error("failed to construct target pos task", "symbol", tc.Symbol, "error", err)
			os.Exit(1)
		}
		if err := task.SetTargetVolume(tc.TargetVolume); err != nil {
			logger.Error("failed to set initial target", "symbol", tc.Symbol, "error", err)
			os.Exit(1)
		}
		tasks = append(tasks, task)
		logger.Info("target pos task started", "symbol", tc.Symbol, "target_volume", tc.TargetVolume)
	}

	logger.Info("targetposd started", "targets", len(tasks), "dry_run", cfg.DryRun)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	for _, task := range tasks {
		task.Cancel()
	}
	for _, task := range tasks {
		waitFinished(task)
	}
	logger.Info("targetposd stopped")
}

func waitFinished(task *targetpos.TargetPosTask) {
	deadline := time.Now().Add(35 * time.Second)
	for !task.IsFinished() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func buildTracer(cfg config.TraceConfig) *trace.Emitter {
	if !cfg.Enabled {
		return trace.NewNopEmitter()
	}
	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("failed to open trace file, tracing disabled", "path", cfg.Path, "error", err)
		return trace.NewNopEmitter()
	}
	return trace.NewEmitter(f)
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

// seedDemoQuotes gives every configured symbol an initial two-sided quote.
// A memory-mode broker never produces ticks on its own, and its GetQuote
// returns an empty quote instead of waiting for one, so without this seed
// the first limit-price computation finds no price and fails with BadPrice.
func seedDemoQuotes(b *sim.Broker, cfg *config.Config) {
	if cfg.Broker.Mode != "memory" {
		return
	}
	for _, tc := range cfg.Targets {
		b.SetQuote(tc.Symbol, broker.Quote{
			AskPrice1: decimal.NewFromInt(100), HasAsk: true,
			BidPrice1: decimal.NewFromInt(99), HasBid: true,
			LastPrice: decimal.NewFromInt(100), HasLast: true,
			PreClose: decimal.NewFromInt(99), HasPreClose: true,
			DateTime: time.Now(),
		})
	}
}
