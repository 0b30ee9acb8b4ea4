package exec

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/pkg/types"
)

// RFQParams tunes one block-quote round.
type RFQParams struct {
	Timeout           time.Duration // total wait, capped by the venue's RFQ expiry
	PollInterval      time.Duration
	MinImprovementPct float64 // gate vs the orderbook baseline
}

func (p *RFQParams) normalize() {
	if p.Timeout <= 0 {
		p.Timeout = 60 * time.Second
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 3 * time.Second
	}
}

// RFQResult reports an accepted block quote.
type RFQResult struct {
	QuoteID        string
	TotalCost      decimal.Decimal
	ImprovementPct float64
	HasImprovement bool // false when no orderbook baseline existed
}

// RFQExecutor requests block quotes from the venue's dealer network and
// accepts the best one matching the taker's direction.
type RFQExecutor struct {
	api    RFQAPI
	data   MarketData
	params RFQParams
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool
}

// NewRFQExecutor creates a block-quote executor.
func NewRFQExecutor(api RFQAPI, data MarketData, params RFQParams, logger *slog.Logger) *RFQExecutor {
	params.normalize()
	return &RFQExecutor{
		api:    api,
		data:   data,
		params: params,
		logger: logger.With("component", "rfq_exec"),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Execute submits the structure for quotes and polls until one is accepted
// or the request times out. action is the taker's intent for the whole
// structure: BUY opens/buys it, SELL closes/sells it. On acceptance the
// legs' fills are written from the quote.
func (e *RFQExecutor) Execute(ctx context.Context, action types.Side, legs []*types.Leg) (*RFQResult, error) {
	baseline, hasBaseline := e.orderbookBaseline(ctx, action, legs)
	if hasBaseline {
		e.logger.Info("orderbook baseline", "cost", baseline)
	} else {
		e.logger.Warn("no orderbook baseline, improvement gate disabled")
	}

	legVals := make([]types.Leg, len(legs))
	for i, l := range legs {
		legVals[i] = *l
	}
	req, err := e.api.CreateRFQ(ctx, legVals)
	if err != nil {
		return nil, fmt.Errorf("create rfq: %w", err)
	}
	e.logger.Info("rfq created", "request_id", req.RequestID, "expiry", req.ExpiryTime)

	// The request must be withdrawn even when ctx dies mid-poll.
	cleanup := context.WithoutCancel(ctx)

	deadline := e.now().Add(e.params.Timeout)
	if req.ExpiryTime > 0 {
		venueExpiry := time.UnixMilli(req.ExpiryTime)
		if venueExpiry.Before(deadline) {
			deadline = venueExpiry
		}
	}

	for e.now().Before(deadline) {
		if ctx.Err() != nil {
			e.cancel(cleanup, req.RequestID)
			return nil, ctx.Err()
		}

		result := e.pollOnce(ctx, action, req.RequestID, baseline, hasBaseline, legs)
		if result != nil {
			return result, nil
		}

		if !e.sleep(ctx, e.params.PollInterval) {
			e.cancel(cleanup, req.RequestID)
			return nil, ctx.Err()
		}
	}

	e.cancel(cleanup, req.RequestID)
	return nil, fmt.Errorf("rfq %s: no acceptable quote within timeout", req.RequestID)
}

// pollOnce fetches quotes, filters and ranks them, and tries to accept the
// best. Returns nil when nothing was accepted this round.
func (e *RFQExecutor) pollOnce(ctx context.Context, action types.Side, requestID string, baseline decimal.Decimal, hasBaseline bool, legs []*types.Leg) *RFQResult {
	quotes, err := e.api.GetRFQQuotes(ctx, requestID)
	if err != nil {
		e.logger.Warn("quote fetch failed", "request_id", requestID, "error", err)
		return nil
	}

	valid := e.filterQuotes(action, quotes)
	if len(valid) == 0 {
		return nil
	}

	sort.Slice(valid, func(i, j int) bool {
		return valid[i].TotalCost().LessThan(valid[j].TotalCost())
	})

	for i := range valid {
		improvement := 0.0
		if hasBaseline {
			improvement = improvementPct(baseline, valid[i].TotalCost())
		}
		e.logger.Info("quote received",
			"rank", i+1, "quote_id", valid[i].QuoteID,
			"cost", valid[i].TotalCost(), "improvement_pct", improvement)
	}

	if hasBaseline {
		best := improvementPct(baseline, valid[0].TotalCost())
		if best < e.params.MinImprovementPct {
			e.logger.Info("best quote below improvement gate, waiting",
				"improvement_pct", best, "required_pct", e.params.MinImprovementPct)
			return nil
		}
	}

	// Fall through to the next-best quote on acceptance failure.
	for i := range valid {
		q := &valid[i]
		if err := e.api.AcceptQuote(ctx, requestID, q.QuoteID); err != nil {
			e.logger.Warn("accept failed, trying next", "quote_id", q.QuoteID, "error", err)
			continue
		}

		e.applyQuoteFills(legs, q)
		result := &RFQResult{
			QuoteID:        q.QuoteID,
			TotalCost:      q.TotalCost(),
			HasImprovement: hasBaseline,
		}
		if hasBaseline {
			result.ImprovementPct = improvementPct(baseline, q.TotalCost())
		}
		e.logger.Info("quote accepted",
			"quote_id", q.QuoteID, "cost", result.TotalCost, "improvement_pct", result.ImprovementPct)
		return result
	}
	return nil
}

// filterQuotes keeps OPEN quotes matching the taker's direction with at
// least one second of life left. The maker's side on the first leg is the
// quote's direction: a maker SELL means the taker buys.
func (e *RFQExecutor) filterQuotes(action types.Side, quotes []types.Quote) []types.Quote {
	nowMS := e.now().UnixMilli()
	var valid []types.Quote
	for _, q := range quotes {
		if q.State != "OPEN" || len(q.Legs) == 0 {
			continue
		}
		makerSide := q.Legs[0].Side
		if action == types.BUY && makerSide != types.SELL {
			continue
		}
		if action == types.SELL && makerSide != types.BUY {
			continue
		}
		if q.ExpiryTime > 0 && q.ExpiryTime < nowMS+1000 {
			continue
		}
		valid = append(valid, q)
	}
	return valid
}

// orderbookBaseline computes the signed cost of executing the structure
// against the book: effectively-bought legs pay the ask, the rest credit
// the bid. ok=false when any leg's book is unavailable.
func (e *RFQExecutor) orderbookBaseline(ctx context.Context, action types.Side, legs []*types.Leg) (decimal.Decimal, bool) {
	total := decimal.Zero
	for _, leg := range legs {
		book, err := e.data.Orderbook(ctx, leg.Symbol)
		if err != nil {
			e.logger.Warn("baseline book unavailable", "symbol", leg.Symbol, "error", err)
			return decimal.Zero, false
		}

		effectivelyBuying := (leg.Side == types.BUY) == (action == types.BUY)
		if effectivelyBuying {
			ask, ok := book.BestAsk()
			if !ok {
				return decimal.Zero, false
			}
			total = total.Add(ask.Mul(leg.Qty))
		} else {
			bid, ok := book.BestBid()
			if !ok {
				return decimal.Zero, false
			}
			total = total.Sub(bid.Mul(leg.Qty))
		}
	}
	return total, true
}

// applyQuoteFills writes the accepted quote's prices into the legs.
func (e *RFQExecutor) applyQuoteFills(legs []*types.Leg, q *types.Quote) {
	bySymbol := make(map[string]types.QuoteLeg, len(q.Legs))
	for _, ql := range q.Legs {
		bySymbol[ql.Symbol] = ql
	}
	for _, leg := range legs {
		leg.FilledQty = leg.Qty
		if ql, ok := bySymbol[leg.Symbol]; ok {
			leg.AvgFillPrice = ql.Price
		}
	}
}

func (e *RFQExecutor) cancel(ctx context.Context, requestID string) {
	if err := e.api.CancelRFQ(ctx, requestID); err != nil {
		e.logger.Warn("rfq cancel failed", "request_id", requestID, "error", err)
	}
}

// improvementPct is the single signed formula for both directions:
// positive means the quote beats the book (paying less or receiving more).
func improvementPct(baseline, quoteCost decimal.Decimal) float64 {
	if baseline.IsZero() {
		return 0
	}
	pct, _ := baseline.Sub(quoteCost).Div(baseline.Abs()).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}
