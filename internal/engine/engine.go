// Package engine is the central orchestrator of the trading daemon.
//
// It wires together all subsystems:
//
//  1. The venue client signs and sends every REST call.
//  2. The market-data service caches books, option details, and the
//     futures index, with the WS feed mirroring books live.
//  3. The account poller fetches snapshots on a fixed interval and fans
//     them out to registered callbacks.
//  4. The lifecycle manager advances every trade one step per snapshot.
//  5. Strategy runners evaluate entry gates on the same snapshot and hand
//     new trades to the manager. The manager's tick is registered first,
//     so existing trades advance before new ones are created.
//  6. Health reporter, Prometheus endpoint, and the status API observe.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"coincall-trader/internal/account"
	"coincall-trader/internal/api"
	"coincall-trader/internal/chain"
	"coincall-trader/internal/config"
	"coincall-trader/internal/exec"
	"coincall-trader/internal/health"
	"coincall-trader/internal/lifecycle"
	"coincall-trader/internal/marketdata"
	"coincall-trader/internal/metrics"
	"coincall-trader/internal/store"
	"coincall-trader/internal/strategy"
	"coincall-trader/internal/venue"
	"coincall-trader/pkg/types"
)

// Engine owns every component and the goroutines that run them.
type Engine struct {
	cfg     config.Config
	client  *venue.Client
	feed    *venue.WSFeed
	data    *marketdata.Service
	poller  *account.Poller
	manager *lifecycle.Manager
	runners []*strategy.Runner
	health  *health.Reporter
	metrics *metrics.Server
	api     *api.Server
	logger  *slog.Logger

	// subscribed tracks which symbols the WS feed follows. Touched only
	// from poller callbacks, which run sequentially.
	subscribed map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. Strategies are evaluated
// in the order given.
func New(cfg config.Config, strategies []strategy.Config, logger *slog.Logger) (*Engine, error) {
	client := venue.NewClient(cfg, logger)
	data := marketdata.New(client, logger)
	feed := venue.NewWSFeed(cfg.Venue.WSOptionsURL, logger)

	st, err := store.Open(cfg.Store.Path, cfg.Store.SaveInterval)
	if err != nil {
		return nil, fmt.Errorf("open trade store: %w", err)
	}

	manager := lifecycle.NewManager(client, data, st, lifecycleParams(cfg), logger)
	poller := account.NewPoller(client, cfg.Poller.Interval, logger)
	selector := chain.New(data, logger)

	runners := make([]*strategy.Runner, 0, len(strategies))
	for _, sc := range strategies {
		runners = append(runners, strategy.NewRunner(sc, manager, selector, cfg.Venue.Underlying, logger))
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:        cfg,
		client:     client,
		feed:       feed,
		data:       data,
		poller:     poller,
		manager:    manager,
		runners:    runners,
		health:     health.NewReporter(poller, cfg.Health.Interval, logger),
		logger:     logger.With("component", "engine"),
		subscribed: make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
	if cfg.Metrics.Enabled {
		e.metrics = metrics.NewServer(cfg.Metrics.Addr, logger)
	}
	if cfg.API.Enabled {
		e.api = api.NewServer(cfg.API.Port, api.NewHandlers(manager, poller, logger), logger)
	}
	return e, nil
}

// lifecycleParams maps configuration onto the manager's tuning.
func lifecycleParams(cfg config.Config) lifecycle.Params {
	return lifecycle.Params{
		RFQThresholdUSD:   cfg.Lifecycle.RFQThresholdUSD,
		SmartThresholdUSD: cfg.Lifecycle.SmartThresholdUSD,
		MaxCloseRetries:   cfg.Lifecycle.MaxCloseRetries,
		Limit: exec.LimitParams{
			FillTimeout:         cfg.Execution.FillTimeout,
			AggressiveBufferPct: cfg.Execution.AggressiveBufferPct,
			MaxRequoteRounds:    cfg.Execution.MaxRequoteRounds,
		},
		Smart: exec.SmartParams{
			ChunkCount:           cfg.Smart.ChunkCount,
			TimePerChunk:         cfg.Smart.TimePerChunk,
			QuoteStrategy:        cfg.Smart.QuoteStrategy,
			SpreadOffsetPct:      cfg.Smart.SpreadOffsetPct,
			RepriceInterval:      cfg.Smart.RepriceInterval,
			RepriceThreshold:     cfg.Smart.RepriceThreshold,
			MinOrderQty:          decimal.NewFromFloat(cfg.Smart.MinOrderQty),
			AggressiveAttempts:   cfg.Smart.AggressiveAttempts,
			AggressiveWait:       cfg.Smart.AggressiveWait,
			AggressiveRetryPause: cfg.Smart.AggressiveRetryPause,
		},
		RFQ: exec.RFQParams{
			Timeout:           cfg.RFQ.Timeout,
			PollInterval:      cfg.RFQ.PollInterval,
			MinImprovementPct: cfg.RFQ.MinImprovementPct,
		},
	}
}

// Start launches the background goroutines: WS feed, book pump, account
// poller, health reporter, and the observation servers.
func (e *Engine) Start() error {
	// Surface whatever the previous session left behind before anything
	// new is created.
	e.manager.ReportRecovered()

	// Manager first so existing trades advance before runners create new
	// ones on the same snapshot.
	e.poller.OnSnapshot(func(snap *types.AccountSnapshot) {
		e.manager.Tick(e.ctx, snap)
		e.syncSubscriptions()
	})
	for _, r := range e.runners {
		r := r
		e.poller.OnSnapshot(func(snap *types.AccountSnapshot) {
			r.Tick(e.ctx, snap)
		})
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("orderbook feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pumpBooks()
	}()

	e.poller.Start(e.ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.health.Run(e.ctx)
	}()

	if e.metrics != nil {
		e.metrics.Start()
	}
	if e.api != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.api.Start(); err != nil {
				e.logger.Error("status server error", "error", err)
			}
		}()
	}

	e.logger.Info("engine started",
		"strategies", len(e.runners), "underlying", e.cfg.Venue.Underlying, "dry_run", e.cfg.DryRun)
	return nil
}

// pumpBooks mirrors WS orderbook snapshots into the market-data cache.
func (e *Engine) pumpBooks() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case book, ok := <-e.feed.Books():
			if !ok {
				return
			}
			e.data.ApplyBook(book)
		}
	}
}

// syncSubscriptions keeps the WS feed following exactly the symbols that
// active trades hold, so their books stay warm without REST round trips.
func (e *Engine) syncSubscriptions() {
	want := make(map[string]bool)
	for _, tr := range e.manager.Trades() {
		if !tr.Active() {
			continue
		}
		for _, leg := range tr.OpenLegs {
			want[leg.Symbol] = true
		}
	}

	var add, drop []string
	for sym := range want {
		if !e.subscribed[sym] {
			add = append(add, sym)
		}
	}
	for sym := range e.subscribed {
		if !want[sym] {
			drop = append(drop, sym)
		}
	}
	if len(add) > 0 {
		if err := e.feed.Subscribe(add); err != nil {
			e.logger.Warn("book subscribe failed", "symbols", add, "error", err)
		} else {
			for _, sym := range add {
				e.subscribed[sym] = true
			}
		}
	}
	if len(drop) > 0 {
		if err := e.feed.Unsubscribe(drop); err != nil {
			e.logger.Warn("book unsubscribe failed", "symbols", drop, "error", err)
		} else {
			for _, sym := range drop {
				delete(e.subscribed, sym)
			}
		}
	}
}

// Stop shuts everything down in reverse order and flushes trade state.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.poller.Stop()
	if e.api != nil {
		if err := e.api.Stop(); err != nil {
			e.logger.Error("status server stop failed", "error", err)
		}
	}
	if e.metrics != nil {
		e.metrics.Stop()
	}
	if err := e.feed.Close(); err != nil {
		e.logger.Warn("feed close failed", "error", err)
	}
	e.wg.Wait()

	// Final synchronous write so a restart sees the true book.
	e.manager.FlushState()
	e.logger.Info("shutdown complete")
}

// Fatal surfaces an unrecoverable subsystem failure. The caller should
// Stop and exit with a fatal status.
func (e *Engine) Fatal() <-chan error { return e.poller.Fatal() }

// Manager exposes the lifecycle manager for operational tooling.
func (e *Engine) Manager() *lifecycle.Manager { return e.manager }

// Poller exposes the account poller.
func (e *Engine) Poller() *account.Poller { return e.poller }
