package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/internal/lifecycle"
	"coincall-trader/pkg/types"
)

func snapshot(equity, available string, util, netDelta float64) *types.AccountSnapshot {
	return &types.AccountSnapshot{
		Equity:            decimal.RequireFromString(equity),
		AvailableMargin:   decimal.RequireFromString(available),
		MarginUtilization: util,
		NetDelta:          netDelta,
	}
}

func TestHourInWindow(t *testing.T) {
	t.Parallel()
	cases := []struct {
		hour, start, end int
		want             bool
	}{
		{10, 8, 20, true},
		{8, 8, 20, true},   // inclusive start
		{20, 8, 20, false}, // exclusive end
		{3, 8, 20, false},
		{23, 22, 6, true}, // wraps midnight
		{2, 22, 6, true},
		{12, 22, 6, false},
	}
	for _, c := range cases {
		if got := hourInWindow(c.hour, c.start, c.end); got != c.want {
			t.Errorf("hourInWindow(%d, %d, %d) = %v, want %v", c.hour, c.start, c.end, got, c.want)
		}
	}
}

func TestParseWeekdays(t *testing.T) {
	t.Parallel()
	allowed := parseWeekdays([]string{"Mon", "tuesday", "FRI", "bogus"})
	for wd, want := range map[time.Weekday]bool{
		time.Monday:    true,
		time.Tuesday:   true,
		time.Friday:    true,
		time.Wednesday: false,
		time.Sunday:    false,
	} {
		if allowed[wd] != want {
			t.Errorf("allowed[%v] = %v, want %v", wd, allowed[wd], want)
		}
	}
}

func TestMinAvailableMarginPct(t *testing.T) {
	t.Parallel()
	cond := MinAvailableMarginPct(25)

	if !cond.Check(snapshot("1000", "300", 0, 0)) {
		t.Error("30% available should pass a 25% floor")
	}
	if cond.Check(snapshot("1000", "200", 0, 0)) {
		t.Error("20% available should block")
	}
	if cond.Check(snapshot("0", "100", 0, 0)) {
		t.Error("zero equity should block")
	}
}

func TestAccountGates(t *testing.T) {
	t.Parallel()

	if !MinEquity(500).Check(snapshot("500", "0", 0, 0)) {
		t.Error("equity at the floor should pass")
	}
	if MinEquity(500).Check(snapshot("499.99", "0", 0, 0)) {
		t.Error("equity below the floor should block")
	}

	if !MaxAccountDelta(1).Check(snapshot("1", "0", 0, -0.8)) {
		t.Error("|delta| 0.8 should pass a limit of 1")
	}
	if MaxAccountDelta(1).Check(snapshot("1", "0", 0, -1.5)) {
		t.Error("|delta| 1.5 should block")
	}

	if !MaxMarginUtilization(60).Check(snapshot("1", "0", 55, 0)) {
		t.Error("55% utilisation should pass a 60% cap")
	}
	if MaxMarginUtilization(60).Check(snapshot("1", "0", 61, 0)) {
		t.Error("61% utilisation should block")
	}
}

func TestNoExistingPositionIn(t *testing.T) {
	t.Parallel()
	snap := snapshot("1", "0", 0, 0)
	snap.Positions = []types.PositionSnapshot{{Symbol: "BTCUSD-26JUN26-80000-C"}}

	cond := NoExistingPositionIn([]string{"BTCUSD-26JUN26-80000-C", "BTCUSD-26JUN26-60000-P"})
	if cond.Check(snap) {
		t.Error("held symbol should block")
	}
	if !NoExistingPositionIn([]string{"BTCUSD-26JUN26-60000-P"}).Check(snap) {
		t.Error("unheld symbols should pass")
	}
}

// openTrade builds a trade holding 1 contract bought at 200, with the
// venue position carrying the given unrealized PnL.
func openTrade(pnl string) (*lifecycle.Trade, *types.AccountSnapshot) {
	tr := &lifecycle.Trade{
		State: types.StateOpen,
		OpenLegs: []*types.Leg{{
			Symbol:       "S",
			Qty:          decimal.NewFromInt(1),
			Side:         types.BUY,
			FilledQty:    decimal.NewFromInt(1),
			AvgFillPrice: decimal.NewFromInt(200),
		}},
	}
	snap := &types.AccountSnapshot{
		Positions: []types.PositionSnapshot{{
			Symbol:        "S",
			Qty:           decimal.NewFromInt(1),
			SideLabel:     "long",
			UnrealizedPnL: decimal.RequireFromString(pnl),
			Delta:         0.6,
			Theta:         -7,
		}},
	}
	return tr, snap
}

func TestProfitTargetAndMaxLoss(t *testing.T) {
	t.Parallel()

	// Entry cost 200; +110 PnL is a 55% gain.
	tr, snap := openTrade("110")
	if !ProfitTarget(50).Check(snap, tr) {
		t.Error("55% gain should trigger a 50% target")
	}
	if ProfitTarget(60).Check(snap, tr) {
		t.Error("55% gain should not trigger a 60% target")
	}
	if MaxLoss(50).Check(snap, tr) {
		t.Error("a gain should never trigger max loss")
	}

	tr, snap = openTrade("-110")
	if !MaxLoss(50).Check(snap, tr) {
		t.Error("55% loss should trigger a 50% max loss")
	}
	if ProfitTarget(10).Check(snap, tr) {
		t.Error("a loss should never trigger profit target")
	}

	// Nothing filled yet: entry cost zero, both stay quiet.
	unfilled := &lifecycle.Trade{OpenLegs: []*types.Leg{{Symbol: "S", Qty: decimal.NewFromInt(1), Side: types.BUY}}}
	if ProfitTarget(0).Check(snap, unfilled) || MaxLoss(0).Check(snap, unfilled) {
		t.Error("zero entry cost must not trigger PnL predicates")
	}
}

func TestMaxHoldHours(t *testing.T) {
	t.Parallel()
	tr := &lifecycle.Trade{OpenedAt: time.Now().Add(-3 * time.Hour)}

	if !MaxHoldHours(2).Check(nil, tr) {
		t.Error("3h held should trigger a 2h limit")
	}
	if MaxHoldHours(4).Check(nil, tr) {
		t.Error("3h held should not trigger a 4h limit")
	}
	if MaxHoldHours(0.1).Check(nil, &lifecycle.Trade{}) {
		t.Error("a trade that never opened must not trigger")
	}
}

func TestDeltaLimits(t *testing.T) {
	t.Parallel()
	tr, snap := openTrade("0")

	// The trade owns the whole 1-lot position with delta 0.6.
	if !StructureDeltaLimit(0.5).Check(snap, tr) {
		t.Error("structure delta 0.6 should breach a 0.5 limit")
	}
	if StructureDeltaLimit(0.7).Check(snap, tr) {
		t.Error("structure delta 0.6 within a 0.7 limit")
	}

	snap.NetDelta = -2.5
	if !AccountDeltaLimit(2).Check(snap, tr) {
		t.Error("|account delta| 2.5 should breach a limit of 2")
	}
	if AccountDeltaLimit(3).Check(snap, tr) {
		t.Error("|account delta| 2.5 within a limit of 3")
	}
}

func TestLegGreekLimit(t *testing.T) {
	t.Parallel()
	tr, snap := openTrade("0")

	if !LegGreekLimit(0, "theta", "<", -5).Check(snap, tr) {
		t.Error("theta -7 should trigger < -5")
	}
	if LegGreekLimit(0, "theta", ">", -5).Check(snap, tr) {
		t.Error("theta -7 should not trigger > -5")
	}
	if LegGreekLimit(3, "theta", "<", -5).Check(snap, tr) {
		t.Error("out-of-range leg index must not trigger")
	}
	if LegGreekLimit(0, "rho", "<", 0).Check(snap, tr) {
		t.Error("unknown greek must not trigger")
	}
	if LegGreekLimit(0, "theta", ">=", -5).Check(snap, tr) {
		t.Error("unknown operator must not trigger")
	}
}
