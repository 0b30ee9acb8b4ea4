package exec

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/pkg/types"
)

// setPosition scripts the venue's position view for a symbol.
func (f *fakeVenue) setPosition(symbol, qty, side string) {
	for i := range f.positions {
		if f.positions[i].Symbol == symbol {
			f.positions[i].Qty = decimal.RequireFromString(qty)
			f.positions[i].SideLabel = side
			return
		}
	}
	f.positions = append(f.positions, types.PositionSnapshot{
		Symbol: symbol, Qty: decimal.RequireFromString(qty), SideLabel: side,
	})
}

func newSmartExecutor(v *fakeVenue, params SmartParams) *SmartExecutor {
	e := NewSmartExecutor(v, v, params, execLogger())
	e.sleep = func(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil }
	return e
}

func fastParams() SmartParams {
	return SmartParams{
		ChunkCount:           2,
		TimePerChunk:         50 * time.Millisecond,
		QuoteStrategy:        StrategyTopOfBook,
		RepriceInterval:      10 * time.Second,
		AggressiveAttempts:   1,
		AggressiveWait:       time.Millisecond,
		AggressiveRetryPause: time.Millisecond,
		PollInterval:         time.Millisecond,
	}
}

func TestSmartNormalizeClampsAndFallsBack(t *testing.T) {
	t.Parallel()
	v := newFakeVenue()
	e := newSmartExecutor(v, SmartParams{QuoteStrategy: "vwap", RepriceInterval: time.Second})

	if e.params.QuoteStrategy != StrategyTopOfBook {
		t.Errorf("strategy = %q, want fallback to top_of_book", e.params.QuoteStrategy)
	}
	if e.params.RepriceInterval != minRepriceInterval {
		t.Errorf("reprice interval = %v, want clamped to %v", e.params.RepriceInterval, minRepriceInterval)
	}
	if e.params.ChunkCount != 5 {
		t.Errorf("chunk count = %d, want default 5", e.params.ChunkCount)
	}
	if !e.params.MinOrderQty.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("min order qty = %v", e.params.MinOrderQty)
	}
}

func TestSmartStopsEarlyWhenAlreadyFilled(t *testing.T) {
	t.Parallel()
	v := newFakeVenue()
	// Position already covers the target before any chunk runs.
	leg := buyLeg("A", "1")
	v.setPosition("A", "0", "long")

	e := newSmartExecutor(v, fastParams())
	// Flip the position right after starting measurement by pre-filling:
	// starting=0 then first chunk sees current=1 → leg filled.
	starting, _ := e.signedPositions(context.Background(), []*types.Leg{leg})
	v.setPosition("A", "1", "long")
	current, _ := e.signedPositions(context.Background(), []*types.Leg{leg})
	e.applyFills([]*types.Leg{leg}, starting, current)

	if !leg.IsFilled() {
		t.Fatalf("FilledQty = %v, want 1", leg.FilledQty)
	}
	if w := e.allocateChunk([]*types.Leg{leg}, current, 2); len(w) != 0 {
		t.Errorf("allocated %d working legs for a filled structure", len(w))
	}
}

func TestSmartFillMeasurementUsesAbsDelta(t *testing.T) {
	t.Parallel()
	v := newFakeVenue()
	// Closing a long: position shrinks from 2 to 1.4, sell leg target 1.
	leg := sellLeg("A", "1")
	v.setPosition("A", "2", "long")

	e := newSmartExecutor(v, fastParams())
	starting, _ := e.signedPositions(context.Background(), []*types.Leg{leg})
	v.setPosition("A", "1.4", "long")
	current, _ := e.signedPositions(context.Background(), []*types.Leg{leg})
	e.applyFills([]*types.Leg{leg}, starting, current)

	if !leg.FilledQty.Equal(decimal.RequireFromString("0.6")) {
		t.Errorf("FilledQty = %v, want 0.6 (|1.4 − 2|)", leg.FilledQty)
	}
}

func TestSmartShortPositionsAreSigned(t *testing.T) {
	t.Parallel()
	v := newFakeVenue()
	leg := sellLeg("A", "1")
	v.setPosition("A", "0.5", "short")

	e := newSmartExecutor(v, fastParams())
	pos, err := e.signedPositions(context.Background(), []*types.Leg{leg})
	if err != nil {
		t.Fatal(err)
	}
	if !pos["A"].Equal(decimal.RequireFromString("-0.5")) {
		t.Errorf("signed position = %v, want -0.5", pos["A"])
	}
}

func TestSmartChunkAllocation(t *testing.T) {
	t.Parallel()
	v := newFakeVenue()
	e := newSmartExecutor(v, fastParams())
	e.params.MinOrderQty = decimal.RequireFromString("0.01")

	leg := buyLeg("A", "1")
	current := map[string]decimal.Decimal{"A": decimal.Zero}

	// 1 remaining over 2 chunks → 0.5 this chunk.
	w := e.allocateChunk([]*types.Leg{leg}, current, 2)
	if len(w) != 1 || !w[0].chunkQty.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("chunkQty = %v, want 0.5", w[0].chunkQty)
	}

	// Remainder below min gets folded in: 0.015 remaining over 2 chunks
	// would leave 0.0075 < min, so the whole remainder goes now.
	leg2 := buyLeg("B", "0.015")
	current["B"] = decimal.Zero
	w2 := e.allocateChunk([]*types.Leg{leg2}, current, 2)
	if len(w2) != 1 || !w2[0].chunkQty.Equal(decimal.RequireFromString("0.015")) {
		t.Fatalf("chunkQty = %v, want full 0.015", w2[0].chunkQty)
	}
}

func TestSmartQuotePrices(t *testing.T) {
	t.Parallel()
	v := newFakeVenue()
	v.setBook("A", "100", "102")

	cases := []struct {
		strategy string
		offset   float64
		side     types.Side
		want     string
	}{
		{StrategyTopOfBook, 0, types.BUY, "100"},
		{StrategyTopOfBook, 0, types.SELL, "102"},
		{StrategyTopOfBookOffset, 0.5, types.BUY, "100.5"},
		{StrategyTopOfBookOffset, 0.5, types.SELL, "101.49"},
		{StrategyMid, 0, types.BUY, "101"},
		{StrategyMark, 0, types.SELL, "101"},
	}
	for _, tc := range cases {
		e := newSmartExecutor(v, SmartParams{QuoteStrategy: tc.strategy, SpreadOffsetPct: tc.offset})
		leg := &types.Leg{Symbol: "A", Qty: decimal.NewFromInt(1), Side: tc.side}
		got, err := e.quotePrice(context.Background(), leg)
		if err != nil {
			t.Fatalf("%s/%s: %v", tc.strategy, tc.side, err)
		}
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Errorf("%s/%s: price = %v, want %s", tc.strategy, tc.side, got, tc.want)
		}
	}
}

func TestSmartExecutePlacesQuotesAndAggressives(t *testing.T) {
	t.Parallel()
	v := newFakeVenue()
	v.setBook("A", "100", "102")
	v.setPosition("A", "0", "long")

	params := fastParams()
	params.ChunkCount = 1
	e := newSmartExecutor(v, params)
	e.params.TimePerChunk = 0 // skip straight to the aggressive phase

	leg := buyLeg("A", "0.5")
	if err := e.Execute(context.Background(), []*types.Leg{leg}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(v.placed) == 0 {
		t.Fatal("no orders placed")
	}
	// Aggressive buy lifts the ask with no buffer.
	last := v.placed[len(v.placed)-1]
	if !last.Price.Equal(decimal.RequireFromString("102")) {
		t.Errorf("aggressive price = %v, want 102", last.Price)
	}
	if !last.Qty.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("aggressive qty = %v, want 0.5", last.Qty)
	}
}

func TestSmartExecuteFillsViaQuoting(t *testing.T) {
	t.Parallel()
	v := newFakeVenue()
	v.setBook("A", "100", "102")
	v.setPosition("A", "0", "long")

	params := fastParams()
	params.ChunkCount = 1
	params.TimePerChunk = time.Hour
	e := newSmartExecutor(v, params)

	// After the first quote goes out, the position jumps to target.
	polls := 0
	e.sleep = func(ctx context.Context, d time.Duration) bool {
		polls++
		if polls == 1 {
			v.setPosition("A", "0.5", "long")
		}
		return polls < 50
	}

	leg := buyLeg("A", "0.5")
	if err := e.Execute(context.Background(), []*types.Leg{leg}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !leg.IsFilled() {
		t.Errorf("FilledQty = %v, want 0.5", leg.FilledQty)
	}
	// The quoting order was cancelled on chunk completion.
	if len(v.canceled) == 0 {
		t.Error("no residual cancel after chunk fill")
	}
}
