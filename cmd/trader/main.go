// Coincall options trader — an automated multi-leg options trading daemon
// for the Coincall derivatives exchange.
//
// Architecture:
//
//	main.go               — entry point: .env + config, logger, strategies, signals
//	engine/engine.go      — orchestrator: wires venue → market data → poller → lifecycle → strategies
//	lifecycle/manager.go  — trade state machine: PENDING_OPEN → OPENING → OPEN → … → CLOSED/FAILED
//	exec/limit.go         — per-leg aggressive limit orders with timed requotes
//	exec/smart.go         — chunked two-phase execution for large multi-leg structures
//	exec/rfq.go           — block quotes from the dealer network with an orderbook baseline
//	strategy/runner.go    — entry gates + leg templates, piggybacks on the account poller
//	chain/selector.go     — resolves expiry/strike criteria to concrete contracts
//	venue/client.go       — signed REST client (orders, RFQ, account, market data)
//	venue/ws.go           — orderbook WebSocket feed with auto-reconnect
//	store/store.go        — throttled atomic JSON snapshot of the trade book
//
// The daemon evaluates each configured strategy on every account snapshot.
// When all entry gates pass it resolves the strategy's leg templates
// against the live option chain, opens the structure through the routed
// execution path, and manages it until an exit condition closes it.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"coincall-trader/internal/chain"
	"coincall-trader/internal/config"
	"coincall-trader/internal/engine"
	"coincall-trader/internal/lifecycle"
	"coincall-trader/internal/strategy"
	"coincall-trader/pkg/types"
)

func main() {
	// .env first so TRADER_* secrets are visible to config loading.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env", "error", err)
	}

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADER_CONFIG"); p != "" {
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

	eng, err := engine.New(*cfg, strategies(), logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("coincall trader started",
		"environment", cfg.Venue.Environment,
		"underlying", cfg.Venue.Underlying,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		eng.Stop()
	case err := <-eng.Fatal():
		logger.Error("account polling failed repeatedly, shutting down", "error", err)
		eng.Stop()
		os.Exit(1)
	}
}

// strategies returns the strategy book to run. Strategies are code, not
// YAML: predicates are closures and leg templates reference chain
// criteria directly.
func strategies() []strategy.Config {
	qty := decimal.RequireFromString("0.01")
	monthlies := chain.ExpiryCriteria{MinDays: 20, MaxDays: 40}

	// Short strangle: sell a 0.15-delta call and put roughly a month out,
	// take profit at half the premium, cut at the full premium.
	return []strategy.Config{{
		Name: "short-strangle-15d",
		Legs: []strategy.LegTemplate{
			{
				Expiry:     monthlies,
				Strike:     chain.StrikeCriteria{Kind: chain.StrikeDelta, Value: 0.15},
				OptionType: "C",
				Side:       types.SELL,
				Qty:        qty,
			},
			{
				Expiry:     monthlies,
				Strike:     chain.StrikeCriteria{Kind: chain.StrikeDelta, Value: -0.15},
				OptionType: "P",
				Side:       types.SELL,
				Qty:        qty,
			},
		},
		EntryConditions: []strategy.EntryCondition{
			strategy.MinAvailableMarginPct(30),
			strategy.TimeWindow(8, 20),
			strategy.WeekdayFilter([]string{"mon", "tue", "wed", "thu"}),
			strategy.MaxMarginUtilization(60),
		},
		ExitConditions: []lifecycle.ExitCondition{
			strategy.ProfitTarget(50),
			strategy.MaxLoss(100),
			strategy.MaxHoldHours(72),
		},
		RFQAction: types.SELL,
		Metadata:  map[string]string{"rfq_fallback": "limit"},

		MaxConcurrentTrades: 1,
		MaxTradesPerDay:     2,
		Cooldown:            time.Hour,
		CheckInterval:       time.Minute,
	}}
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
