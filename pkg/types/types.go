// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the daemon — order sides, trade
// lifecycle states, legs, order books, account snapshots, and block-quote
// payloads. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the reversed side. Used when building close legs.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// TradeSideCode converts a Side to the venue's numeric tradeSide field.
func (s Side) TradeSideCode() int {
	if s == BUY {
		return TradeSideBuy
	}
	return TradeSideSell
}

// Venue numeric codes for order placement.
const (
	TradeSideBuy  = 1
	TradeSideSell = 2

	TradeTypeLimit  = 1
	TradeTypeMarket = 2
)

// ExecutionMode selects how a trade's legs are filled.
// An empty mode means "not yet routed" — the lifecycle manager picks one
// on the first open attempt based on leg count and notional.
type ExecutionMode string

const (
	ModeAuto  ExecutionMode = ""
	ModeLimit ExecutionMode = "limit"
	ModeRFQ   ExecutionMode = "rfq"
	ModeSmart ExecutionMode = "smart"
)

// TradeState is the lifecycle state of a trade.
type TradeState string

const (
	StatePendingOpen  TradeState = "PENDING_OPEN"
	StateOpening      TradeState = "OPENING"
	StateOpen         TradeState = "OPEN"
	StatePendingClose TradeState = "PENDING_CLOSE"
	StateClosing      TradeState = "CLOSING"
	StateClosed       TradeState = "CLOSED"
	StateFailed       TradeState = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
func (s TradeState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// OrderState is the venue's numeric order state code.
type OrderState int

const (
	OrderNew              OrderState = 0
	OrderFilled           OrderState = 1
	OrderPartiallyFilled  OrderState = 2
	OrderCanceled         OrderState = 3
	OrderPreCancel        OrderState = 4
	OrderCanceling        OrderState = 5
	OrderInvalid          OrderState = 6
	OrderCancelByExercise OrderState = 10
)

func (s OrderState) String() string {
	switch s {
	case OrderNew:
		return "NEW"
	case OrderFilled:
		return "FILLED"
	case OrderPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderCanceled:
		return "CANCELED"
	case OrderPreCancel:
		return "PRE_CANCEL"
	case OrderCanceling:
		return "CANCELING"
	case OrderInvalid:
		return "INVALID"
	case OrderCancelByExercise:
		return "CANCEL_BY_EXERCISE"
	default:
		return "UNKNOWN"
	}
}

// Cancelled reports whether the state is any of the cancelled/cancelling variants.
func (s OrderState) Cancelled() bool {
	switch s {
	case OrderCanceled, OrderPreCancel, OrderCanceling, OrderCancelByExercise:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Legs and orders
// ————————————————————————————————————————————————————————————————————————

// Leg is a single order intent within a trade. Symbol, Qty, and Side are
// fixed once the leg is placed; OrderID, FilledQty, and AvgFillPrice are
// written progressively by the executors as fills occur.
type Leg struct {
	Symbol       string          `json:"symbol"`
	Qty          decimal.Decimal `json:"qty"`
	Side         Side            `json:"side"`
	OrderID      string          `json:"order_id,omitempty"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
}

// IsFilled reports whether the leg's cumulative fills cover its quantity.
func (l *Leg) IsFilled() bool {
	return l.FilledQty.GreaterThanOrEqual(l.Qty)
}

// Remaining returns the unfilled quantity, never negative.
func (l *Leg) Remaining() decimal.Decimal {
	r := l.Qty.Sub(l.FilledQty)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// OrderStatus is a transient view of a single venue order.
type OrderStatus struct {
	OrderID   string
	Symbol    string
	Qty       decimal.Decimal
	FillQty   decimal.Decimal
	RemainQty decimal.Decimal
	Price     decimal.Decimal
	AvgPrice  decimal.Decimal
	State     OrderState
	Side      Side
}

// OrderRequest is the payload for placing a new order.
type OrderRequest struct {
	Symbol        string
	Qty           decimal.Decimal
	Side          Side
	Price         decimal.Decimal // ignored for market orders
	Market        bool
	ClientOrderID string
}

// ————————————————————————————————————————————————————————————————————————
// Order book and option data
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level. Price and Size are strings
// because the venue returns them as stringified decimals.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Orderbook is a point-in-time depth snapshot for one symbol.
// Bids are sorted descending, asks ascending. Neither side is guaranteed
// non-empty.
type Orderbook struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// BestBid returns the top bid price, or ok=false if the side is empty or
// unparseable.
func (b *Orderbook) BestBid() (decimal.Decimal, bool) {
	return topLevel(b.Bids)
}

// BestAsk returns the top ask price, or ok=false if the side is empty or
// unparseable.
func (b *Orderbook) BestAsk() (decimal.Decimal, bool) {
	return topLevel(b.Asks)
}

// Mid returns the midpoint of the top of book. Requires both sides.
func (b *Orderbook) Mid() (decimal.Decimal, bool) {
	bid, ok1 := b.BestBid()
	ask, ok2 := b.BestAsk()
	if !ok1 || !ok2 {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

func topLevel(levels []PriceLevel) (decimal.Decimal, bool) {
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	p, err := decimal.NewFromString(levels[0].Price)
	if err != nil || !p.IsPositive() {
		return decimal.Zero, false
	}
	return p, true
}

// OptionDetails carries per-contract Greeks and pricing for one option.
type OptionDetails struct {
	Symbol            string
	Delta             float64
	Gamma             float64
	Theta             float64
	Vega              float64
	Bid               decimal.Decimal
	Ask               decimal.Decimal
	MarkPrice         decimal.Decimal
	ImpliedVolatility float64
}

// Instrument is one entry from the venue's option chain listing.
type Instrument struct {
	SymbolName          string  `json:"symbolName"`
	Strike              float64 `json:"strike"`
	ExpirationTimestamp int64   `json:"expirationTimestamp"` // ms
}

// ————————————————————————————————————————————————————————————————————————
// Account and position snapshots
// ————————————————————————————————————————————————————————————————————————

// PositionSnapshot is an immutable view of a single venue position.
// Qty is always positive; SideLabel distinguishes long from short.
type PositionSnapshot struct {
	ID            string
	Symbol        string
	Qty           decimal.Decimal
	SideLabel     string // "long" or "short"
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	ROI           float64
	Delta         float64
	Gamma         float64
	Theta         float64
	Vega          float64
	Timestamp     time.Time
}

// AccountSnapshot is an immutable point-in-time view of the account.
// Snapshots are shared freely across goroutines; nothing mutates one after
// it is published.
type AccountSnapshot struct {
	Equity            decimal.Decimal
	AvailableMargin   decimal.Decimal
	InitialMargin     decimal.Decimal
	MaintenanceMargin decimal.Decimal
	UnrealizedPnL     decimal.Decimal
	MarginUtilization float64 // initial margin / equity × 100
	Positions         []PositionSnapshot
	NetDelta          float64
	NetGamma          float64
	NetTheta          float64
	NetVega           float64
	Timestamp         time.Time
}

// Position finds a position by symbol.
func (a *AccountSnapshot) Position(symbol string) (*PositionSnapshot, bool) {
	for i := range a.Positions {
		if a.Positions[i].Symbol == symbol {
			return &a.Positions[i], true
		}
	}
	return nil, false
}

// ————————————————————————————————————————————————————————————————————————
// Block quotes (RFQ)
// ————————————————————————————————————————————————————————————————————————

// QuoteLeg is one leg of a market maker's block quote. Side is from the
// maker's perspective: a maker SELL means the taker buys that leg.
type QuoteLeg struct {
	Symbol string
	Side   Side
	Qty    decimal.Decimal
	Price  decimal.Decimal
}

// Quote is a block-quote response from a market maker.
type Quote struct {
	QuoteID    string
	RequestID  string
	State      string // OPEN, CANCELLED, FILLED
	Legs       []QuoteLeg
	CreateTime int64 // ms
	ExpiryTime int64 // ms
}

// TotalCost is the signed cost to the taker of executing this quote:
// positive means the taker pays (net debit), negative means the taker
// receives (net credit). A maker SELL leg is a taker buy and adds cost; a
// maker BUY leg is a taker sell and subtracts.
func (q *Quote) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range q.Legs {
		cost := leg.Price.Mul(leg.Qty)
		if leg.Side == SELL {
			total = total.Add(cost)
		} else {
			total = total.Sub(cost)
		}
	}
	return total
}

// RFQRequest identifies an open block-quote request at the venue.
type RFQRequest struct {
	RequestID  string
	State      string
	ExpiryTime int64 // ms
}
