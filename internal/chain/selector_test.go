package chain

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/pkg/types"
)

type fakeData struct {
	instruments []types.Instrument
	details     map[string]*types.OptionDetails
	futures     decimal.Decimal
	detailCalls int
}

func (f *fakeData) Instruments(ctx context.Context, underlying string) ([]types.Instrument, error) {
	return f.instruments, nil
}

func (f *fakeData) OptionDetails(ctx context.Context, symbol string) (*types.OptionDetails, error) {
	f.detailCalls++
	if d, ok := f.details[symbol]; ok {
		return d, nil
	}
	return nil, context.Canceled
}

func (f *fakeData) FuturesPrice(ctx context.Context, underlying string, useCache bool) decimal.Decimal {
	return f.futures
}

func newTestSelector(data *fakeData) *Selector {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(data, logger)
}

func dayMS(t time.Time, days int) int64 {
	return t.Add(time.Duration(days) * 24 * time.Hour).UnixMilli()
}

func TestSelectBySymbolTokenAndExactStrike(t *testing.T) {
	t.Parallel()
	data := &fakeData{instruments: []types.Instrument{
		{SymbolName: "BTCUSD-26JUN26-80000-C", Strike: 80000},
		{SymbolName: "BTCUSD-26JUN26-90000-C", Strike: 90000},
		{SymbolName: "BTCUSD-26JUN26-80000-P", Strike: 80000},
		{SymbolName: "BTCUSD-25SEP26-80000-C", Strike: 80000},
	}}
	sel := newTestSelector(data)

	sym, err := sel.Select(context.Background(),
		ExpiryCriteria{Symbol: "26JUN26"},
		StrikeCriteria{Kind: StrikeExact, Value: 90000},
		"C", "BTC")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sym != "BTCUSD-26JUN26-90000-C" {
		t.Errorf("symbol = %q", sym)
	}
}

func TestSelectExactStrikeMissing(t *testing.T) {
	t.Parallel()
	data := &fakeData{instruments: []types.Instrument{
		{SymbolName: "BTCUSD-26JUN26-80000-C", Strike: 80000},
	}}
	sel := newTestSelector(data)

	_, err := sel.Select(context.Background(),
		ExpiryCriteria{Symbol: "26JUN26"},
		StrikeCriteria{Kind: StrikeExact, Value: 85000},
		"C", "BTC")
	if err == nil {
		t.Error("expected error for missing exact strike")
	}
}

func TestSelectDayWindowPicksMidpointExpiry(t *testing.T) {
	t.Parallel()
	now := time.Now()
	data := &fakeData{instruments: []types.Instrument{
		// ~8 days out: inside window but far from the 7..30 midpoint (18.5d)
		{SymbolName: "BTCUSD-NEAR-80000-C", Strike: 80000, ExpirationTimestamp: dayMS(now, 8)},
		// ~18 days out: closest to midpoint
		{SymbolName: "BTCUSD-MID-80000-C", Strike: 80000, ExpirationTimestamp: dayMS(now, 18)},
		{SymbolName: "BTCUSD-MID-85000-C", Strike: 85000, ExpirationTimestamp: dayMS(now, 18)},
		// outside window
		{SymbolName: "BTCUSD-FAR-80000-C", Strike: 80000, ExpirationTimestamp: dayMS(now, 60)},
	}}
	sel := newTestSelector(data)

	sym, err := sel.Select(context.Background(),
		ExpiryCriteria{MinDays: 7, MaxDays: 30},
		StrikeCriteria{Kind: StrikeClosest, Value: 84000},
		"C", "BTC")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sym != "BTCUSD-MID-85000-C" {
		t.Errorf("symbol = %q", sym)
	}
}

func TestSelectBySpotDistance(t *testing.T) {
	t.Parallel()
	data := &fakeData{
		futures: decimal.NewFromInt(70000),
		instruments: []types.Instrument{
			{SymbolName: "BTCUSD-26JUN26-70000-C", Strike: 70000},
			{SymbolName: "BTCUSD-26JUN26-73500-C", Strike: 73500},
			{SymbolName: "BTCUSD-26JUN26-80000-C", Strike: 80000},
		},
	}
	sel := newTestSelector(data)

	// +5% of 70000 = 73500
	sym, err := sel.Select(context.Background(),
		ExpiryCriteria{Symbol: "26JUN26"},
		StrikeCriteria{Kind: StrikeSpotDistPct, Value: 5},
		"C", "BTC")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sym != "BTCUSD-26JUN26-73500-C" {
		t.Errorf("symbol = %q", sym)
	}
}

func TestSelectByDeltaSkipsMissingDetails(t *testing.T) {
	t.Parallel()
	data := &fakeData{
		instruments: []types.Instrument{
			{SymbolName: "A", Strike: 70000},
			{SymbolName: "B", Strike: 75000},
			{SymbolName: "C-80000", Strike: 80000},
		},
		details: map[string]*types.OptionDetails{
			// A has no details and is skipped
			"B":       {Symbol: "B", Delta: 0.55},
			"C-80000": {Symbol: "C-80000", Delta: 0.28},
		},
	}
	sel := newTestSelector(data)

	chosen, err := sel.pickStrike(context.Background(), data.instruments,
		StrikeCriteria{Kind: StrikeDelta, Value: 0.3}, "BTC")
	if err != nil {
		t.Fatalf("pickStrike: %v", err)
	}
	if chosen.SymbolName != "C-80000" {
		t.Errorf("symbol = %q", chosen.SymbolName)
	}
}

func TestSelectByDeltaBoundsDetailFetches(t *testing.T) {
	t.Parallel()
	var instruments []types.Instrument
	details := make(map[string]*types.OptionDetails)
	for i := 0; i < 25; i++ {
		name := "SYM" + string(rune('A'+i))
		instruments = append(instruments, types.Instrument{SymbolName: name, Strike: float64(i)})
		details[name] = &types.OptionDetails{Symbol: name, Delta: float64(i) / 100}
	}
	data := &fakeData{instruments: instruments, details: details}
	sel := newTestSelector(data)

	if _, err := sel.pickStrike(context.Background(), instruments,
		StrikeCriteria{Kind: StrikeDelta, Value: 0.05}, "BTC"); err != nil {
		t.Fatalf("pickStrike: %v", err)
	}
	if data.detailCalls > deltaCandidateLimit {
		t.Errorf("detailCalls = %d, want <= %d", data.detailCalls, deltaCandidateLimit)
	}
}

func TestSelectUnknownCriteria(t *testing.T) {
	t.Parallel()
	data := &fakeData{instruments: []types.Instrument{
		{SymbolName: "BTCUSD-26JUN26-80000-C", Strike: 80000},
	}}
	sel := newTestSelector(data)

	_, err := sel.Select(context.Background(),
		ExpiryCriteria{Symbol: "26JUN26"},
		StrikeCriteria{Kind: "percentile"},
		"C", "BTC")
	if err == nil {
		t.Error("expected error for unknown strike criteria")
	}
}
