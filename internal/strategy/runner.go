package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/internal/chain"
	"coincall-trader/internal/exec"
	"coincall-trader/internal/lifecycle"
	"coincall-trader/pkg/types"
)

// LegTemplate describes one leg by selection criteria rather than a
// concrete symbol. Templates are resolved against the live option chain
// just before the trade is created.
type LegTemplate struct {
	Expiry     chain.ExpiryCriteria
	Strike     chain.StrikeCriteria
	OptionType string // "C" or "P"
	Side       types.Side
	Qty        decimal.Decimal
}

// Config is a declarative strategy: what to trade, when to enter, when to
// exit, how to execute, and the operational limits.
type Config struct {
	Name string
	Legs []LegTemplate

	EntryConditions []EntryCondition
	ExitConditions  []lifecycle.ExitCondition

	Mode        types.ExecutionMode // ModeAuto lets the router decide
	RFQAction   types.Side
	SmartParams *exec.SmartParams
	Metadata    map[string]string

	MaxConcurrentTrades int
	MaxTradesPerDay     int // 0 = unlimited
	Cooldown            time.Duration
	CheckInterval       time.Duration

	// OnTradeClosed fires exactly once per trade that reaches CLOSED or
	// FAILED, on the poller goroutine.
	OnTradeClosed func(tr *lifecycle.Trade, snap *types.AccountSnapshot)
}

// SymbolSelector resolves selection criteria to a concrete option symbol.
// *chain.Selector satisfies it.
type SymbolSelector interface {
	Select(ctx context.Context, expiry chain.ExpiryCriteria, strike chain.StrikeCriteria, optionType, underlying string) (string, error)
}

// TradeManager is the slice of the lifecycle manager the runner drives.
type TradeManager interface {
	Create(spec lifecycle.TradeSpec) (*lifecycle.Trade, error)
	Open(ctx context.Context, id string) error
	ForceClose(ctx context.Context, id string) error
	ForStrategy(strategyID string) []*lifecycle.Trade
}

// Runner executes one strategy. It owns no goroutine: register Tick with
// the account poller and it piggybacks on the polling cadence.
type Runner struct {
	cfg        Config
	manager    TradeManager
	selector   SymbolSelector
	underlying string
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.Mutex
	enabled     bool
	lastCheck   time.Time
	knownClosed map[string]struct{}
}

// NewRunner creates a runner for one strategy configuration.
func NewRunner(cfg Config, manager TradeManager, selector SymbolSelector, underlying string, logger *slog.Logger) *Runner {
	if cfg.MaxConcurrentTrades <= 0 {
		cfg.MaxConcurrentTrades = 1
	}
	r := &Runner{
		cfg:         cfg,
		manager:     manager,
		selector:    selector,
		underlying:  underlying,
		logger:      logger.With("component", "strategy", "strategy", cfg.Name),
		now:         time.Now,
		enabled:     true,
		knownClosed: make(map[string]struct{}),
	}
	r.logger.Info("strategy runner initialised",
		"max_concurrent", cfg.MaxConcurrentTrades, "max_per_day", cfg.MaxTradesPerDay,
		"cooldown", cfg.Cooldown, "check_interval", cfg.CheckInterval)
	return r
}

// Name returns the strategy identifier.
func (r *Runner) Name() string { return r.cfg.Name }

// Enable resumes entry evaluation.
func (r *Runner) Enable() {
	r.mu.Lock()
	r.enabled = true
	r.mu.Unlock()
	r.logger.Info("strategy enabled")
}

// Disable pauses entry evaluation. Existing trades stay managed by the
// lifecycle manager.
func (r *Runner) Disable() {
	r.mu.Lock()
	r.enabled = false
	r.mu.Unlock()
	r.logger.Info("strategy disabled")
}

// Stop disables the runner and force-closes its active trades.
func (r *Runner) Stop(ctx context.Context) {
	r.Disable()
	closed := 0
	for _, tr := range r.manager.ForStrategy(r.cfg.Name) {
		if !tr.Active() {
			continue
		}
		if err := r.manager.ForceClose(ctx, tr.ID); err != nil {
			r.logger.Warn("force close failed", "trade_id", tr.ID, "error", err)
			continue
		}
		closed++
	}
	r.logger.Info("strategy stopped", "force_closed", closed)
}

// Tick evaluates the strategy against a fresh account snapshot. Called on
// the poller goroutine; throttled internally by CheckInterval.
func (r *Runner) Tick(ctx context.Context, snap *types.AccountSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}
	r.fireClosedCallbacks(snap)

	now := r.now()
	if now.Sub(r.lastCheck) < r.cfg.CheckInterval {
		return
	}
	r.lastCheck = now

	if r.shouldOpen(now, snap) {
		r.openTrade(ctx)
	}
}

// fireClosedCallbacks detects trades that reached CLOSED or FAILED since
// the previous tick and invokes OnTradeClosed once per trade.
func (r *Runner) fireClosedCallbacks(snap *types.AccountSnapshot) {
	for _, tr := range r.manager.ForStrategy(r.cfg.Name) {
		if tr.Active() {
			continue
		}
		if _, seen := r.knownClosed[tr.ID]; seen {
			continue
		}
		r.knownClosed[tr.ID] = struct{}{}
		r.logger.Info("trade finished", "trade_id", tr.ID, "state", tr.State, "error", tr.Error)
		if r.cfg.OnTradeClosed == nil {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("on_trade_closed panicked", "trade_id", tr.ID, "panic", rec)
				}
			}()
			r.cfg.OnTradeClosed(tr, snap)
		}()
	}
}

// shouldOpen runs the entry gates in order, short-circuiting on the first
// failure. Called with mu held.
func (r *Runner) shouldOpen(now time.Time, snap *types.AccountSnapshot) bool {
	trades := r.manager.ForStrategy(r.cfg.Name)

	active := 0
	var lastCreated time.Time
	for _, tr := range trades {
		if tr.Active() {
			active++
		}
		if tr.CreatedAt.After(lastCreated) {
			lastCreated = tr.CreatedAt
		}
	}

	if active >= r.cfg.MaxConcurrentTrades {
		return false
	}

	if r.cfg.Cooldown > 0 && !lastCreated.IsZero() && now.Sub(lastCreated) < r.cfg.Cooldown {
		return false
	}

	if r.cfg.MaxTradesPerDay > 0 {
		today := now.UTC().Truncate(24 * time.Hour)
		count := 0
		for _, tr := range trades {
			if tr.CreatedAt.UTC().Truncate(24 * time.Hour).Equal(today) {
				count++
			}
		}
		if count >= r.cfg.MaxTradesPerDay {
			if active == 0 {
				r.logger.Info("daily trade budget spent with no active trades, auto-disabling",
					"today", count, "max_per_day", r.cfg.MaxTradesPerDay)
				r.enabled = false
			}
			return false
		}
	}

	for _, cond := range r.cfg.EntryConditions {
		if !r.evalEntry(cond, snap) {
			r.logger.Debug("entry blocked", "condition", cond.Name)
			return false
		}
	}

	r.logger.Info("all entry gates passed, opening trade")
	return true
}

// evalEntry runs one entry predicate. A panicking predicate counts as
// false so internal errors never open a trade.
func (r *Runner) evalEntry(cond EntryCondition, snap *types.AccountSnapshot) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("entry condition panicked", "condition", cond.Name, "panic", rec)
			ok = false
		}
	}()
	return cond.Check(snap)
}

// openTrade resolves the leg templates and creates + opens the trade.
func (r *Runner) openTrade(ctx context.Context) {
	legs, err := r.resolveLegs(ctx)
	if err != nil {
		r.logger.Error("leg resolution failed", "error", err)
		return
	}

	meta := map[string]string{"strategy": r.cfg.Name}
	for k, v := range r.cfg.Metadata {
		meta[k] = v
	}

	tr, err := r.manager.Create(lifecycle.TradeSpec{
		StrategyID:     r.cfg.Name,
		Legs:           legs,
		ExitConditions: r.cfg.ExitConditions,
		Mode:           r.cfg.Mode,
		RFQAction:      r.cfg.RFQAction,
		SmartParams:    r.cfg.SmartParams,
		Metadata:       meta,
	})
	if err != nil {
		r.logger.Error("trade creation failed", "error", err)
		return
	}

	if err := r.manager.Open(ctx, tr.ID); err != nil {
		r.logger.Error("trade open failed", "trade_id", tr.ID, "error", err)
	}
}

func (r *Runner) resolveLegs(ctx context.Context) ([]types.Leg, error) {
	legs := make([]types.Leg, 0, len(r.cfg.Legs))
	for i, tmpl := range r.cfg.Legs {
		symbol, err := r.selector.Select(ctx, tmpl.Expiry, tmpl.Strike, tmpl.OptionType, r.underlying)
		if err != nil {
			return nil, fmt.Errorf("leg %d: %w", i, err)
		}
		legs = append(legs, types.Leg{Symbol: symbol, Qty: tmpl.Qty, Side: tmpl.Side})
	}
	r.logger.Info("legs resolved", "count", len(legs))
	return legs, nil
}

// Stats is a read-only summary of the strategy's closed trades.
type Stats struct {
	TotalClosed int
	TodayTrades int
	TodayPnL    decimal.Decimal
	AvgHold     time.Duration
}

// Stats aggregates over the strategy's trade history. TodayPnL covers
// trades closed today with recorded fills; per-trade win/loss tracking is
// the OnTradeClosed callback's job.
func (r *Runner) Stats() Stats {
	now := r.now().UTC()
	today := now.Truncate(24 * time.Hour)

	var s Stats
	var totalHold time.Duration
	for _, tr := range r.manager.ForStrategy(r.cfg.Name) {
		if tr.CreatedAt.UTC().Truncate(24 * time.Hour).Equal(today) {
			s.TodayTrades++
		}
		if tr.State != types.StateClosed {
			continue
		}
		s.TotalClosed++
		totalHold += tr.ClosedAt.Sub(tr.OpenedAt)
		if tr.ClosedAt.UTC().Truncate(24 * time.Hour).Equal(today) {
			s.TodayPnL = s.TodayPnL.Add(closedPnL(tr))
		}
	}
	if s.TotalClosed > 0 {
		s.AvgHold = totalHold / time.Duration(s.TotalClosed)
	}
	return s
}

// closedPnL is the realised result reconstructed from fills: close
// proceeds minus entry cost, using the same sign convention as EntryCost.
func closedPnL(tr *lifecycle.Trade) decimal.Decimal {
	proceeds := decimal.Zero
	for _, leg := range tr.CloseLegs {
		amount := leg.AvgFillPrice.Mul(leg.FilledQty)
		if leg.Side == types.SELL {
			proceeds = proceeds.Add(amount)
		} else {
			proceeds = proceeds.Sub(amount)
		}
	}
	return proceeds.Sub(tr.EntryCost())
}
