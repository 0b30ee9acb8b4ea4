// Package exec contains the three order execution engines:
//
//   - LimitFillManager — per-leg limit orders with timeout-driven requoting
//   - SmartExecutor    — chunked multi-leg execution with quoting and
//     aggressive fallback phases
//   - RFQExecutor      — block quotes from the venue's dealer network
//
// The lifecycle manager picks an engine per trade and drives it; every
// engine writes fills back into the trade's legs.
package exec

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"coincall-trader/pkg/types"
)

// OrderAPI is the slice of the venue client the executors need for order
// management.
type OrderAPI interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*types.OrderStatus, error)
	GetPositions(ctx context.Context) ([]types.PositionSnapshot, error)
}

// RFQAPI is the slice of the venue client covering block trades.
type RFQAPI interface {
	CreateRFQ(ctx context.Context, legs []types.Leg) (*types.RFQRequest, error)
	GetRFQQuotes(ctx context.Context, requestID string) ([]types.Quote, error)
	AcceptQuote(ctx context.Context, requestID, quoteID string) error
	CancelRFQ(ctx context.Context, requestID string) error
}

// MarketData is the slice of the market-data service the executors need.
type MarketData interface {
	Orderbook(ctx context.Context, symbol string) (*types.Orderbook, error)
}

// minPrice is the positive floor all computed limit prices are clamped to.
var minPrice = decimal.RequireFromString("0.01")

// aggressivePrice computes a spread-crossing limit price: buyers lift the
// ask with a buffer on top, sellers hit the bid with a buffer below.
// bufferPct is a percentage (1.0 = 1%). Rounded to two decimals.
func aggressivePrice(book *types.Orderbook, side types.Side, bufferPct float64) (decimal.Decimal, error) {
	buf := decimal.NewFromFloat(1 + bufferPct/100)
	if side == types.BUY {
		ask, ok := book.BestAsk()
		if !ok {
			return decimal.Zero, fmt.Errorf("no ask for %s", book.Symbol)
		}
		return clampPrice(ask.Mul(buf).Round(2)), nil
	}
	bid, ok := book.BestBid()
	if !ok {
		return decimal.Zero, fmt.Errorf("no bid for %s", book.Symbol)
	}
	return clampPrice(bid.Div(buf).Round(2)), nil
}

// clampPrice keeps computed prices at or above the venue's minimum tick.
func clampPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(minPrice) {
		return minPrice
	}
	return p
}
