package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/internal/lifecycle"
	"coincall-trader/pkg/types"
)

type fakeTrades struct{ trades []*lifecycle.Trade }

func (f *fakeTrades) Trades() []*lifecycle.Trade { return f.trades }

type fakeAccount struct{ snap *types.AccountSnapshot }

func (f *fakeAccount) Latest() *types.AccountSnapshot { return f.snap }

func apiLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	h := NewHandlers(&fakeTrades{}, &fakeAccount{}, apiLogger())

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()
	opened := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	trades := &fakeTrades{trades: []*lifecycle.Trade{{
		ID:         "abc123",
		StrategyID: "strangle-1",
		State:      types.StateOpen,
		Mode:       types.ModeLimit,
		CreatedAt:  opened.Add(-time.Minute),
		OpenedAt:   opened,
		OpenLegs: []*types.Leg{{
			Symbol:       "BTCUSD-26JUN26-80000-C",
			Qty:          decimal.RequireFromString("0.5"),
			Side:         types.SELL,
			FilledQty:    decimal.RequireFromString("0.5"),
			AvgFillPrice: decimal.RequireFromString("1250.25"),
		}},
	}}}
	account := &fakeAccount{snap: &types.AccountSnapshot{
		Equity:            decimal.NewFromInt(10000),
		AvailableMargin:   decimal.NewFromInt(7500),
		MarginUtilization: 25,
		NetDelta:          -0.4,
		Positions:         []types.PositionSnapshot{{Symbol: "S"}},
	}}

	h := NewHandlers(trades, account, apiLogger())
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.Account == nil || !resp.Account.Equity.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("account = %+v", resp.Account)
	}
	if len(resp.Trades) != 1 {
		t.Fatalf("trades = %+v", resp.Trades)
	}
	tr := resp.Trades[0]
	if tr.ID != "abc123" || tr.State != types.StateOpen {
		t.Errorf("trade = %+v", tr)
	}
	if tr.OpenedAt == nil || !tr.OpenedAt.Equal(opened) {
		t.Errorf("opened_at = %v", tr.OpenedAt)
	}
	if tr.ClosedAt != nil {
		t.Error("closed_at set on an open trade")
	}
	if len(tr.Legs) != 1 || !tr.Legs[0].AvgFillPrice.Equal(decimal.RequireFromString("1250.25")) {
		t.Errorf("legs = %+v", tr.Legs)
	}
}

func TestHandleStatusWithoutSnapshot(t *testing.T) {
	t.Parallel()
	h := NewHandlers(&fakeTrades{}, &fakeAccount{}, apiLogger())

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.Account != nil {
		t.Error("account reported before the first poll")
	}
	if resp.Trades == nil || len(resp.Trades) != 0 {
		t.Errorf("trades = %#v, want empty array", resp.Trades)
	}
}
