package exec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/pkg/types"
)

// Outcome is the result of one LimitFillManager check.
type Outcome string

const (
	OutcomeFilled   Outcome = "filled"   // every leg fully filled
	OutcomeRequoted Outcome = "requoted" // timed out, unfilled orders re-placed
	OutcomeFailed   Outcome = "failed"   // requote rounds exhausted on some leg
	OutcomePending  Outcome = "pending"  // still working, no change
)

// LimitParams tunes a LimitFillManager round.
type LimitParams struct {
	FillTimeout         time.Duration // per-round wait before requoting
	AggressiveBufferPct float64       // how far to cross the top of book
	MaxRequoteRounds    int           // rounds before declaring failure
}

// LimitFillManager drives a set of per-leg limit orders from first
// placement to all-filled or exhausted retries. Fills are written directly
// into the legs handed to Start, which the caller owns.
type LimitFillManager struct {
	api    OrderAPI
	data   MarketData
	params LimitParams
	logger *slog.Logger
	now    func() time.Time

	legs         []*types.Leg
	requotes     []int
	baseFills    []decimal.Decimal // fills accumulated on orders prior to the current one
	roundStarted time.Time
}

// NewLimitFillManager creates a fill manager. It is single-use: one Start,
// then Check until a terminal outcome.
func NewLimitFillManager(api OrderAPI, data MarketData, params LimitParams, logger *slog.Logger) *LimitFillManager {
	return &LimitFillManager{
		api:    api,
		data:   data,
		params: params,
		logger: logger.With("component", "limit_fill"),
		now:    time.Now,
	}
}

// Start places the initial aggressive limit order for every leg. If any leg
// cannot be priced or placed, every already-placed order is cancelled and
// an error returned.
func (m *LimitFillManager) Start(ctx context.Context, legs []*types.Leg) error {
	m.legs = legs
	m.requotes = make([]int, len(legs))
	m.baseFills = make([]decimal.Decimal, len(legs))
	for i, leg := range legs {
		m.baseFills[i] = leg.FilledQty
	}

	for _, leg := range legs {
		if err := m.placeLeg(ctx, leg); err != nil {
			m.CancelAll(ctx)
			return fmt.Errorf("initial placement %s: %w", leg.Symbol, err)
		}
	}

	m.roundStarted = m.now()
	m.logger.Info("limit orders placed", "legs", len(legs))
	return nil
}

// Check advances the round: refresh fills, then report one of the four
// outcomes. Call repeatedly from the lifecycle tick.
func (m *LimitFillManager) Check(ctx context.Context) (Outcome, error) {
	m.updateFills(ctx)

	if m.allFilled() {
		return OutcomeFilled, nil
	}

	for i, leg := range m.legs {
		if !leg.IsFilled() && m.requotes[i] >= m.params.MaxRequoteRounds {
			m.logger.Warn("requote rounds exhausted",
				"symbol", leg.Symbol, "rounds", m.requotes[i], "filled", leg.FilledQty)
			return OutcomeFailed, nil
		}
	}

	if m.now().Sub(m.roundStarted) >= m.params.FillTimeout {
		m.requote(ctx)
		return OutcomeRequoted, nil
	}

	return OutcomePending, nil
}

// CancelAll best-effort cancels every unfilled leg's current order.
func (m *LimitFillManager) CancelAll(ctx context.Context) {
	for _, leg := range m.legs {
		if leg.OrderID == "" || leg.IsFilled() {
			continue
		}
		if err := m.api.CancelOrder(ctx, leg.OrderID); err != nil {
			m.logger.Warn("cancel failed", "symbol", leg.Symbol, "order_id", leg.OrderID, "error", err)
		}
	}
}

func (m *LimitFillManager) allFilled() bool {
	for _, leg := range m.legs {
		if !leg.IsFilled() {
			return false
		}
	}
	return true
}

// updateFills pulls order status for every unfilled leg and applies any
// growth in the venue's reported fill quantity.
func (m *LimitFillManager) updateFills(ctx context.Context) {
	for i, leg := range m.legs {
		if leg.IsFilled() || leg.OrderID == "" {
			continue
		}
		status, err := m.api.GetOrder(ctx, leg.OrderID)
		if err != nil {
			m.logger.Warn("order status fetch failed", "symbol", leg.Symbol, "order_id", leg.OrderID, "error", err)
			continue
		}
		// Cumulative across requotes: the current order only covers what
		// prior orders left unfilled.
		total := m.baseFills[i].Add(status.FillQty)
		if total.GreaterThan(leg.FilledQty) {
			leg.FilledQty = total
			leg.AvgFillPrice = status.AvgPrice
			m.logger.Info("fill progress",
				"symbol", leg.Symbol, "filled", leg.FilledQty, "qty", leg.Qty, "avg_price", leg.AvgFillPrice)
		}
		if status.State.Cancelled() && !leg.IsFilled() {
			// Open gap until the next timeout requotes the remainder.
			m.logger.Warn("venue cancelled unfilled order",
				"symbol", leg.Symbol, "order_id", leg.OrderID, "state", status.State.String())
		}
	}
}

// requote cancels and re-places every unfilled leg at fresh prices and
// starts a new round.
func (m *LimitFillManager) requote(ctx context.Context) {
	m.roundStarted = m.now()

	for i, leg := range m.legs {
		if leg.IsFilled() {
			continue
		}
		if leg.OrderID != "" {
			if err := m.api.CancelOrder(ctx, leg.OrderID); err != nil {
				m.logger.Warn("requote cancel failed", "symbol", leg.Symbol, "order_id", leg.OrderID, "error", err)
			}
		}
		m.requotes[i]++
		m.baseFills[i] = leg.FilledQty
		if err := m.placeLeg(ctx, leg); err != nil {
			// Clear the stale ID so the old cancelled order's fills are
			// not counted on top of the base.
			leg.OrderID = ""
			m.logger.Warn("requote placement failed", "symbol", leg.Symbol, "round", m.requotes[i], "error", err)
			continue
		}
		m.logger.Warn("leg requoted", "symbol", leg.Symbol, "round", m.requotes[i], "remaining", leg.Remaining())
	}
}

// placeLeg prices one leg aggressively against the current book and submits
// a limit order, recording the returned identifier on the leg.
func (m *LimitFillManager) placeLeg(ctx context.Context, leg *types.Leg) error {
	book, err := m.data.Orderbook(ctx, leg.Symbol)
	if err != nil {
		return fmt.Errorf("orderbook: %w", err)
	}
	price, err := aggressivePrice(book, leg.Side, m.params.AggressiveBufferPct)
	if err != nil {
		return err
	}

	orderID, err := m.api.PlaceOrder(ctx, types.OrderRequest{
		Symbol: leg.Symbol,
		Qty:    leg.Remaining(),
		Side:   leg.Side,
		Price:  price,
	})
	if err != nil {
		return fmt.Errorf("place order: %w", err)
	}
	leg.OrderID = orderID
	return nil
}
