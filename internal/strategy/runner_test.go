package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/internal/chain"
	"coincall-trader/internal/lifecycle"
	"coincall-trader/pkg/types"
)

type fakeManager struct {
	trades      []*lifecycle.Trade
	created     []lifecycle.TradeSpec
	opened      []string
	forceClosed []string
	createErr   error
}

func (f *fakeManager) Create(spec lifecycle.TradeSpec) (*lifecycle.Trade, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, spec)
	tr := &lifecycle.Trade{
		ID:         fmt.Sprintf("t%d", len(f.created)),
		StrategyID: spec.StrategyID,
		State:      types.StatePendingOpen,
		CreatedAt:  time.Now(),
	}
	f.trades = append(f.trades, tr)
	return tr, nil
}

func (f *fakeManager) Open(ctx context.Context, id string) error {
	f.opened = append(f.opened, id)
	return nil
}

func (f *fakeManager) ForceClose(ctx context.Context, id string) error {
	f.forceClosed = append(f.forceClosed, id)
	return nil
}

func (f *fakeManager) ForStrategy(strategyID string) []*lifecycle.Trade {
	var out []*lifecycle.Trade
	for _, tr := range f.trades {
		if tr.StrategyID == strategyID {
			out = append(out, tr)
		}
	}
	return out
}

type fakeSelector struct {
	calls int
	err   error
}

func (f *fakeSelector) Select(ctx context.Context, expiry chain.ExpiryCriteria, strike chain.StrikeCriteria, optionType, underlying string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("%sUSD-26JUN26-80000-%s", underlying, optionType), nil
}

func runnerLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func strangleConfig() Config {
	qty := decimal.RequireFromString("0.1")
	return Config{
		Name: "strangle-1",
		Legs: []LegTemplate{
			{Expiry: chain.ExpiryCriteria{MinDays: 20, MaxDays: 40}, Strike: chain.StrikeCriteria{Kind: chain.StrikeDelta, Value: 0.2}, OptionType: "C", Side: types.SELL, Qty: qty},
			{Expiry: chain.ExpiryCriteria{MinDays: 20, MaxDays: 40}, Strike: chain.StrikeCriteria{Kind: chain.StrikeDelta, Value: -0.2}, OptionType: "P", Side: types.SELL, Qty: qty},
		},
		MaxConcurrentTrades: 1,
	}
}

func TestRunnerOpensWhenGatesPass(t *testing.T) {
	t.Parallel()
	mgr := &fakeManager{}
	sel := &fakeSelector{}
	r := NewRunner(strangleConfig(), mgr, sel, "BTC", runnerLogger())

	r.Tick(context.Background(), snapshot("1000", "800", 10, 0))

	if len(mgr.created) != 1 {
		t.Fatalf("created %d trades, want 1", len(mgr.created))
	}
	spec := mgr.created[0]
	if spec.StrategyID != "strangle-1" {
		t.Errorf("strategy id = %q", spec.StrategyID)
	}
	if len(spec.Legs) != 2 || spec.Legs[0].Symbol != "BTCUSD-26JUN26-80000-C" || spec.Legs[1].Symbol != "BTCUSD-26JUN26-80000-P" {
		t.Errorf("legs = %+v", spec.Legs)
	}
	if spec.Metadata["strategy"] != "strangle-1" {
		t.Errorf("metadata = %v", spec.Metadata)
	}
	if len(mgr.opened) != 1 || mgr.opened[0] != mgr.trades[0].ID {
		t.Errorf("opened = %v", mgr.opened)
	}
}

func TestRunnerMaxConcurrentGate(t *testing.T) {
	t.Parallel()
	mgr := &fakeManager{trades: []*lifecycle.Trade{{
		ID: "live", StrategyID: "strangle-1", State: types.StateOpen, CreatedAt: time.Now().Add(-time.Hour),
	}}}
	r := NewRunner(strangleConfig(), mgr, &fakeSelector{}, "BTC", runnerLogger())

	r.Tick(context.Background(), snapshot("1000", "800", 10, 0))

	if len(mgr.created) != 0 {
		t.Errorf("created %d trades with max concurrency reached", len(mgr.created))
	}
}

func TestRunnerCooldownGate(t *testing.T) {
	t.Parallel()
	cfg := strangleConfig()
	cfg.MaxConcurrentTrades = 5
	cfg.Cooldown = time.Hour
	mgr := &fakeManager{trades: []*lifecycle.Trade{{
		ID: "old", StrategyID: "strangle-1", State: types.StateClosed, CreatedAt: time.Now().Add(-10 * time.Minute),
	}}}
	r := NewRunner(cfg, mgr, &fakeSelector{}, "BTC", runnerLogger())

	r.Tick(context.Background(), snapshot("1000", "800", 10, 0))
	if len(mgr.created) != 0 {
		t.Fatal("opened inside the cooldown window")
	}

	// Push the last creation outside the cooldown.
	mgr.trades[0].CreatedAt = time.Now().Add(-2 * time.Hour)
	r.lastCheck = time.Time{}
	r.Tick(context.Background(), snapshot("1000", "800", 10, 0))
	if len(mgr.created) != 1 {
		t.Error("cooldown elapsed but no trade opened")
	}
}

func TestRunnerDailyBudgetAutoDisables(t *testing.T) {
	t.Parallel()
	cfg := strangleConfig()
	cfg.MaxConcurrentTrades = 5
	cfg.MaxTradesPerDay = 2
	mgr := &fakeManager{trades: []*lifecycle.Trade{
		{ID: "a", StrategyID: "strangle-1", State: types.StateClosed, CreatedAt: time.Now()},
		{ID: "b", StrategyID: "strangle-1", State: types.StateFailed, CreatedAt: time.Now()},
	}}
	r := NewRunner(cfg, mgr, &fakeSelector{}, "BTC", runnerLogger())

	r.Tick(context.Background(), snapshot("1000", "800", 10, 0))

	if len(mgr.created) != 0 {
		t.Error("opened past the daily budget")
	}
	if r.enabled {
		t.Error("runner should auto-disable: budget spent, nothing active")
	}

	// A disabled runner ignores further ticks entirely.
	r.lastCheck = time.Time{}
	r.Tick(context.Background(), snapshot("1000", "800", 10, 0))
	if len(mgr.created) != 0 {
		t.Error("disabled runner opened a trade")
	}
}

func TestRunnerDailyBudgetKeepsRunningWithActiveTrades(t *testing.T) {
	t.Parallel()
	cfg := strangleConfig()
	cfg.MaxConcurrentTrades = 5
	cfg.MaxTradesPerDay = 1
	mgr := &fakeManager{trades: []*lifecycle.Trade{
		{ID: "a", StrategyID: "strangle-1", State: types.StateOpen, CreatedAt: time.Now()},
	}}
	r := NewRunner(cfg, mgr, &fakeSelector{}, "BTC", runnerLogger())

	r.Tick(context.Background(), snapshot("1000", "800", 10, 0))

	if !r.enabled {
		t.Error("runner must stay enabled while a trade is still active")
	}
}

func TestRunnerPredicatePanicBlocksEntry(t *testing.T) {
	t.Parallel()
	cfg := strangleConfig()
	cfg.EntryConditions = []EntryCondition{{
		Name:  "explodes",
		Check: func(snap *types.AccountSnapshot) bool { panic("boom") },
	}}
	mgr := &fakeManager{}
	r := NewRunner(cfg, mgr, &fakeSelector{}, "BTC", runnerLogger())

	r.Tick(context.Background(), snapshot("1000", "800", 10, 0))

	if len(mgr.created) != 0 {
		t.Error("panicking predicate must fail safe and block entry")
	}
}

func TestRunnerCheckIntervalThrottle(t *testing.T) {
	t.Parallel()
	cfg := strangleConfig()
	cfg.MaxConcurrentTrades = 5
	cfg.CheckInterval = time.Minute
	mgr := &fakeManager{}
	r := NewRunner(cfg, mgr, &fakeSelector{}, "BTC", runnerLogger())

	base := time.Now()
	r.now = func() time.Time { return base }
	r.Tick(context.Background(), snapshot("1000", "800", 10, 0))
	if len(mgr.created) != 1 {
		t.Fatalf("first tick created %d trades", len(mgr.created))
	}

	// 30s later: throttled even though gates would pass again.
	mgr.trades = nil
	r.now = func() time.Time { return base.Add(30 * time.Second) }
	r.Tick(context.Background(), snapshot("1000", "800", 10, 0))
	if len(mgr.created) != 1 {
		t.Error("tick inside check interval was not throttled")
	}

	r.now = func() time.Time { return base.Add(2 * time.Minute) }
	r.Tick(context.Background(), snapshot("1000", "800", 10, 0))
	if len(mgr.created) != 2 {
		t.Error("tick past check interval did not evaluate")
	}
}

func TestRunnerClosedCallbackFiresOnce(t *testing.T) {
	t.Parallel()
	var fired []string
	cfg := strangleConfig()
	cfg.OnTradeClosed = func(tr *lifecycle.Trade, snap *types.AccountSnapshot) {
		fired = append(fired, tr.ID)
	}
	mgr := &fakeManager{trades: []*lifecycle.Trade{
		{ID: "done", StrategyID: "strangle-1", State: types.StateClosed, CreatedAt: time.Now()},
		{ID: "live", StrategyID: "strangle-1", State: types.StateOpen, CreatedAt: time.Now()},
	}}
	r := NewRunner(cfg, mgr, &fakeSelector{}, "BTC", runnerLogger())

	snap := snapshot("1000", "800", 10, 0)
	r.Tick(context.Background(), snap)
	r.Tick(context.Background(), snap)

	if len(fired) != 1 || fired[0] != "done" {
		t.Fatalf("callback fired for %v, want exactly [done]", fired)
	}

	// The live trade failing later fires exactly once more.
	mgr.trades[1].State = types.StateFailed
	r.Tick(context.Background(), snap)
	r.Tick(context.Background(), snap)
	if len(fired) != 2 || fired[1] != "live" {
		t.Errorf("callback fired for %v, want [done live]", fired)
	}
}

func TestRunnerSelectorFailureSkipsCycle(t *testing.T) {
	t.Parallel()
	mgr := &fakeManager{}
	sel := &fakeSelector{err: errors.New("no matching expiry")}
	r := NewRunner(strangleConfig(), mgr, sel, "BTC", runnerLogger())

	r.Tick(context.Background(), snapshot("1000", "800", 10, 0))

	if len(mgr.created) != 0 {
		t.Error("trade created despite unresolvable legs")
	}
	if !r.enabled {
		t.Error("a failed resolution must not disable the runner")
	}
}

func TestRunnerStopForceClosesActive(t *testing.T) {
	t.Parallel()
	mgr := &fakeManager{trades: []*lifecycle.Trade{
		{ID: "a", StrategyID: "strangle-1", State: types.StateOpen, CreatedAt: time.Now()},
		{ID: "b", StrategyID: "strangle-1", State: types.StateClosed, CreatedAt: time.Now()},
	}}
	r := NewRunner(strangleConfig(), mgr, &fakeSelector{}, "BTC", runnerLogger())

	r.Stop(context.Background())

	if len(mgr.forceClosed) != 1 || mgr.forceClosed[0] != "a" {
		t.Errorf("force closed %v, want only the active trade", mgr.forceClosed)
	}
	if r.enabled {
		t.Error("Stop must disable the runner")
	}
}

func TestRunnerStats(t *testing.T) {
	t.Parallel()
	// Midday fixed clock so "-3h" stays inside the same UTC day.
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	closedLeg := func(price string) []*types.Leg {
		return []*types.Leg{{
			Symbol: "S", Qty: decimal.NewFromInt(1), Side: types.SELL,
			FilledQty: decimal.NewFromInt(1), AvgFillPrice: decimal.RequireFromString(price),
		}}
	}
	openLeg := func(price string) []*types.Leg {
		return []*types.Leg{{
			Symbol: "S", Qty: decimal.NewFromInt(1), Side: types.BUY,
			FilledQty: decimal.NewFromInt(1), AvgFillPrice: decimal.RequireFromString(price),
		}}
	}

	mgr := &fakeManager{trades: []*lifecycle.Trade{
		{ // bought 100, sold 130 today, held 2h
			ID: "w", StrategyID: "strangle-1", State: types.StateClosed,
			CreatedAt: now.Add(-3 * time.Hour), OpenedAt: now.Add(-3 * time.Hour), ClosedAt: now.Add(-time.Hour),
			OpenLegs: openLeg("100"), CloseLegs: closedLeg("130"),
		},
		{ // still running
			ID: "live", StrategyID: "strangle-1", State: types.StateOpen, CreatedAt: now,
		},
	}}
	r := NewRunner(strangleConfig(), mgr, &fakeSelector{}, "BTC", runnerLogger())
	r.now = func() time.Time { return now }

	s := r.Stats()
	if s.TotalClosed != 1 {
		t.Errorf("TotalClosed = %d", s.TotalClosed)
	}
	if s.TodayTrades != 2 {
		t.Errorf("TodayTrades = %d, want both created today", s.TodayTrades)
	}
	if !s.TodayPnL.Equal(decimal.NewFromInt(30)) {
		t.Errorf("TodayPnL = %v, want 30", s.TodayPnL)
	}
	if s.AvgHold != 2*time.Hour {
		t.Errorf("AvgHold = %v, want 2h", s.AvgHold)
	}
}
