package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/internal/lifecycle"
	"coincall-trader/pkg/types"
)

// TradeSource yields the current trade book.
type TradeSource interface {
	Trades() []*lifecycle.Trade
}

// SnapshotSource yields the latest account snapshot, nil before the first
// successful poll.
type SnapshotSource interface {
	Latest() *types.AccountSnapshot
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	Uptime  string         `json:"uptime"`
	Account *AccountStatus `json:"account,omitempty"`
	Trades  []TradeStatus  `json:"trades"`
}

// AccountStatus summarises the latest account snapshot.
type AccountStatus struct {
	Equity            decimal.Decimal `json:"equity"`
	AvailableMargin   decimal.Decimal `json:"available_margin"`
	MarginUtilization float64         `json:"margin_utilization_pct"`
	NetDelta          float64         `json:"net_delta"`
	Positions         int             `json:"positions"`
	AsOf              time.Time       `json:"as_of"`
}

// TradeStatus is one trade's externally visible state. Leg fills come
// from the manager's last tick; readers treat them as approximate.
type TradeStatus struct {
	ID         string              `json:"id"`
	StrategyID string              `json:"strategy_id"`
	State      types.TradeState    `json:"state"`
	Mode       types.ExecutionMode `json:"mode"`
	Legs       []LegStatus         `json:"legs"`
	CreatedAt  time.Time           `json:"created_at"`
	OpenedAt   *time.Time          `json:"opened_at,omitempty"`
	ClosedAt   *time.Time          `json:"closed_at,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// LegStatus is one leg's fill progress.
type LegStatus struct {
	Symbol       string          `json:"symbol"`
	Side         types.Side      `json:"side"`
	Qty          decimal.Decimal `json:"qty"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
}

// Handlers serves the status endpoints.
type Handlers struct {
	trades  TradeSource
	account SnapshotSource
	started time.Time
	logger  *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(trades TradeSource, account SnapshotSource, logger *slog.Logger) *Handlers {
	return &Handlers{
		trades:  trades,
		account: account,
		started: time.Now(),
		logger:  logger.With("component", "api-handlers"),
	}
}

// HandleHealth answers liveness probes.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleStatus returns the trade book and account summary.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Uptime: time.Since(h.started).Round(time.Second).String(),
		Trades: make([]TradeStatus, 0),
	}

	if snap := h.account.Latest(); snap != nil {
		resp.Account = &AccountStatus{
			Equity:            snap.Equity,
			AvailableMargin:   snap.AvailableMargin,
			MarginUtilization: snap.MarginUtilization,
			NetDelta:          snap.NetDelta,
			Positions:         len(snap.Positions),
			AsOf:              snap.Timestamp,
		}
	}

	for _, tr := range h.trades.Trades() {
		resp.Trades = append(resp.Trades, tradeStatus(tr))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode status", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func tradeStatus(tr *lifecycle.Trade) TradeStatus {
	st := TradeStatus{
		ID:         tr.ID,
		StrategyID: tr.StrategyID,
		State:      tr.State,
		Mode:       tr.Mode,
		CreatedAt:  tr.CreatedAt,
		Error:      tr.Error,
	}
	if !tr.OpenedAt.IsZero() {
		t := tr.OpenedAt
		st.OpenedAt = &t
	}
	if !tr.ClosedAt.IsZero() {
		t := tr.ClosedAt
		st.ClosedAt = &t
	}
	for _, leg := range tr.OpenLegs {
		st.Legs = append(st.Legs, LegStatus{
			Symbol:       leg.Symbol,
			Side:         leg.Side,
			Qty:          leg.Qty,
			FilledQty:    leg.FilledQty,
			AvgFillPrice: leg.AvgFillPrice,
		})
	}
	return st
}
