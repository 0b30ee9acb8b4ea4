package exec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/pkg/types"
)

// Quote price strategies for the smart executor's quoting phase.
const (
	StrategyTopOfBook       = "top_of_book"
	StrategyTopOfBookOffset = "top_of_book_offset_pct"
	StrategyMid             = "mid"
	StrategyMark            = "mark" // no separate mark source here, quotes at mid
)

// minRepriceInterval floors the quoting-phase reprice cadence.
const minRepriceInterval = 10 * time.Second

// SmartParams tunes the chunked execution. Zero values are replaced by
// defaults in normalize.
type SmartParams struct {
	ChunkCount           int
	TimePerChunk         time.Duration
	QuoteStrategy        string
	SpreadOffsetPct      float64
	RepriceInterval      time.Duration
	RepriceThreshold     float64
	MinOrderQty          decimal.Decimal
	AggressiveAttempts   int
	AggressiveWait       time.Duration
	AggressiveRetryPause time.Duration
	PollInterval         time.Duration
}

func (p *SmartParams) normalize(logger *slog.Logger) {
	if p.ChunkCount < 1 {
		p.ChunkCount = 5
	}
	if p.TimePerChunk <= 0 {
		p.TimePerChunk = 600 * time.Second
	}
	switch p.QuoteStrategy {
	case StrategyTopOfBook, StrategyTopOfBookOffset, StrategyMid, StrategyMark:
	default:
		if p.QuoteStrategy != "" {
			logger.Warn("unknown quote strategy, using top_of_book", "strategy", p.QuoteStrategy)
		}
		p.QuoteStrategy = StrategyTopOfBook
	}
	if p.RepriceInterval < minRepriceInterval {
		p.RepriceInterval = minRepriceInterval
	}
	if p.RepriceThreshold <= 0 {
		p.RepriceThreshold = 0.1
	}
	if !p.MinOrderQty.IsPositive() {
		p.MinOrderQty = decimal.RequireFromString("0.01")
	}
	if p.AggressiveAttempts < 1 {
		p.AggressiveAttempts = 10
	}
	if p.AggressiveWait <= 0 {
		p.AggressiveWait = 5 * time.Second
	}
	if p.AggressiveRetryPause <= 0 {
		p.AggressiveRetryPause = time.Second
	}
	if p.PollInterval <= 0 {
		p.PollInterval = time.Second
	}
}

// SmartExecutor fills a multi-leg structure as a sequence of proportional
// chunks. Each chunk quotes all unfilled legs passively for a window, then
// falls back to spread-crossing orders. Fills are measured from position
// deltas, so partial fills from any source are counted.
type SmartExecutor struct {
	api    OrderAPI
	data   MarketData
	params SmartParams
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool
}

// NewSmartExecutor creates a smart executor; params are normalized and
// clamped to sane bounds.
func NewSmartExecutor(api OrderAPI, data MarketData, params SmartParams, logger *slog.Logger) *SmartExecutor {
	l := logger.With("component", "smart_exec")
	params.normalize(l)
	return &SmartExecutor{
		api:    api,
		data:   data,
		params: params,
		logger: l,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// chunkLeg is the per-chunk working state for one leg.
type chunkLeg struct {
	leg        *types.Leg
	chunkQty   decimal.Decimal // allocation for this chunk
	chunkStart decimal.Decimal // signed position when the chunk began
	filled     decimal.Decimal // |position − chunkStart| so far
	orderID    string
	lastQuote  decimal.Decimal
}

func (c *chunkLeg) remaining() decimal.Decimal {
	r := c.chunkQty.Sub(c.filled)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Execute runs the full chunked execution. It returns an error only for
// unrecoverable setup failures; partial chunks are logged and skipped. The
// caller inspects the legs' FilledQty afterwards to decide what happened.
func (e *SmartExecutor) Execute(ctx context.Context, legs []*types.Leg) error {
	starting, err := e.signedPositions(ctx, legs)
	if err != nil {
		return fmt.Errorf("smart execute: starting positions: %w", err)
	}

	e.logger.Info("smart execution started",
		"legs", len(legs), "chunks", e.params.ChunkCount, "strategy", e.params.QuoteStrategy)

	var runErr error
	for chunk := 0; chunk < e.params.ChunkCount; chunk++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		current, err := e.signedPositions(ctx, legs)
		if err != nil {
			e.logger.Warn("position refresh failed, reusing last view", "error", err)
			current = starting
		}
		e.applyFills(legs, starting, current)

		remainingChunks := e.params.ChunkCount - chunk
		working := e.allocateChunk(legs, current, remainingChunks)
		if len(working) == 0 {
			e.logger.Info("all legs filled, stopping early", "chunk", chunk)
			break
		}

		e.logger.Info("chunk started", "chunk", chunk+1, "of", e.params.ChunkCount, "legs", len(working))

		done := e.quotingPhase(ctx, working)
		if !done {
			done = e.aggressivePhase(ctx, working)
		}
		if !done {
			e.logger.Warn("partial chunk, moving on", "chunk", chunk+1)
		}
	}

	// Final measurement so the caller sees cumulative fills, even when
	// the attempt was cancelled mid-chunk.
	if current, err := e.signedPositions(context.WithoutCancel(ctx), legs); err == nil {
		e.applyFills(legs, starting, current)
	}
	return runErr
}

// signedPositions fetches the current signed position quantity per leg
// symbol (long positive, short negative).
func (e *SmartExecutor) signedPositions(ctx context.Context, legs []*types.Leg) (map[string]decimal.Decimal, error) {
	positions, err := e.api.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(legs))
	for _, leg := range legs {
		out[leg.Symbol] = decimal.Zero
	}
	for _, pos := range positions {
		if _, ok := out[pos.Symbol]; !ok {
			continue
		}
		qty := pos.Qty
		if pos.SideLabel == "short" {
			qty = qty.Neg()
		}
		out[pos.Symbol] = qty
	}
	return out, nil
}

// applyFills writes |current − starting| into each leg, capped at the leg
// target. The absolute value covers both opening and closing directions.
func (e *SmartExecutor) applyFills(legs []*types.Leg, starting, current map[string]decimal.Decimal) {
	for _, leg := range legs {
		delta := current[leg.Symbol].Sub(starting[leg.Symbol]).Abs()
		if delta.GreaterThan(leg.Qty) {
			delta = leg.Qty
		}
		leg.FilledQty = delta
	}
}

// allocateChunk builds the working set for one chunk: unfilled legs with a
// proportional share of their remaining quantity. Sub-minimum remainders
// are folded into the current chunk.
func (e *SmartExecutor) allocateChunk(legs []*types.Leg, current map[string]decimal.Decimal, remainingChunks int) []*chunkLeg {
	var working []*chunkLeg
	for _, leg := range legs {
		remaining := leg.Remaining()
		if remaining.LessThan(e.params.MinOrderQty) {
			continue
		}

		share := remaining.Div(decimal.NewFromInt(int64(remainingChunks)))
		if share.LessThan(e.params.MinOrderQty) {
			share = e.params.MinOrderQty
		}
		if remaining.Sub(share).LessThan(e.params.MinOrderQty) {
			share = remaining
		}

		working = append(working, &chunkLeg{
			leg:        leg,
			chunkQty:   share,
			chunkStart: current[leg.Symbol],
		})
	}
	return working
}

// quotingPhase quotes all working legs at strategy prices with periodic
// repricing for the chunk window. Returns true if the chunk filled.
func (e *SmartExecutor) quotingPhase(ctx context.Context, working []*chunkLeg) bool {
	deadline := e.now().Add(e.params.TimePerChunk)
	var lastReprice time.Time

	// Cleanup must still reach the venue after a cancelled ctx.
	defer e.cancelChunkOrders(context.WithoutCancel(ctx), working)

	for e.now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}

		if e.shouldReprice(ctx, working, lastReprice) {
			e.reprice(ctx, working)
			lastReprice = e.now()
		}

		if err := e.measureChunk(ctx, working); err != nil {
			e.logger.Warn("chunk fill measurement failed", "error", err)
		}
		if chunkFilled(working, e.params.MinOrderQty) {
			return true
		}

		if !e.sleep(ctx, e.params.PollInterval) {
			return false
		}
	}
	return chunkFilled(working, e.params.MinOrderQty)
}

// shouldReprice triggers on the first pass (no orders yet) or when the
// reprice interval has elapsed and quotes have drifted past the threshold.
func (e *SmartExecutor) shouldReprice(ctx context.Context, working []*chunkLeg, lastReprice time.Time) bool {
	anyActive := false
	for _, w := range working {
		if w.orderID != "" {
			anyActive = true
			break
		}
	}
	if !anyActive {
		return true
	}
	if e.now().Sub(lastReprice) < e.params.RepriceInterval {
		return false
	}

	for _, w := range working {
		if w.orderID == "" || w.remaining().LessThan(e.params.MinOrderQty) {
			continue
		}
		price, err := e.quotePrice(ctx, w.leg)
		if err != nil {
			continue
		}
		moved, _ := price.Sub(w.lastQuote).Abs().Float64()
		if moved > e.params.RepriceThreshold {
			return true
		}
	}
	return false
}

// reprice cancels live orders and re-quotes every unfilled working leg.
func (e *SmartExecutor) reprice(ctx context.Context, working []*chunkLeg) {
	e.cancelChunkOrders(ctx, working)

	for _, w := range working {
		remaining := w.remaining()
		if remaining.LessThan(e.params.MinOrderQty) {
			continue
		}
		price, err := e.quotePrice(ctx, w.leg)
		if err != nil {
			// Skipped this round, not failed.
			e.logger.Warn("quote price unavailable", "symbol", w.leg.Symbol, "error", err)
			continue
		}
		orderID, err := e.api.PlaceOrder(ctx, types.OrderRequest{
			Symbol: w.leg.Symbol,
			Qty:    remaining,
			Side:   w.leg.Side,
			Price:  price,
		})
		if err != nil {
			e.logger.Warn("quote placement failed", "symbol", w.leg.Symbol, "error", err)
			continue
		}
		w.orderID = orderID
		w.lastQuote = price
	}
}

// quotePrice computes the passive quote for a leg under the configured
// strategy.
func (e *SmartExecutor) quotePrice(ctx context.Context, leg *types.Leg) (decimal.Decimal, error) {
	book, err := e.data.Orderbook(ctx, leg.Symbol)
	if err != nil {
		return decimal.Zero, err
	}

	switch e.params.QuoteStrategy {
	case StrategyTopOfBookOffset:
		offset := decimal.NewFromFloat(e.params.SpreadOffsetPct / 100)
		if leg.Side == types.BUY {
			bid, ok := book.BestBid()
			if !ok {
				return decimal.Zero, fmt.Errorf("no bid for %s", leg.Symbol)
			}
			return clampPrice(bid.Mul(decimal.NewFromInt(1).Add(offset)).Round(2)), nil
		}
		ask, ok := book.BestAsk()
		if !ok {
			return decimal.Zero, fmt.Errorf("no ask for %s", leg.Symbol)
		}
		return clampPrice(ask.Mul(decimal.NewFromInt(1).Sub(offset)).Round(2)), nil

	case StrategyMid, StrategyMark:
		mid, ok := book.Mid()
		if !ok {
			return decimal.Zero, fmt.Errorf("no two-sided book for %s", leg.Symbol)
		}
		return clampPrice(mid.Round(2)), nil

	default: // top_of_book
		if leg.Side == types.BUY {
			bid, ok := book.BestBid()
			if !ok {
				return decimal.Zero, fmt.Errorf("no bid for %s", leg.Symbol)
			}
			return clampPrice(bid), nil
		}
		ask, ok := book.BestAsk()
		if !ok {
			return decimal.Zero, fmt.Errorf("no ask for %s", leg.Symbol)
		}
		return clampPrice(ask), nil
	}
}

// aggressivePhase crosses the spread for every still-unfilled leg, retrying
// up to the configured attempts. Returns true if the chunk filled.
func (e *SmartExecutor) aggressivePhase(ctx context.Context, working []*chunkLeg) bool {
	defer e.cancelChunkOrders(context.WithoutCancel(ctx), working)

	for attempt := 1; attempt <= e.params.AggressiveAttempts; attempt++ {
		if ctx.Err() != nil {
			return false
		}

		e.cancelChunkOrders(ctx, working)

		placed := 0
		for _, w := range working {
			remaining := w.remaining()
			if remaining.LessThan(e.params.MinOrderQty) {
				continue
			}
			book, err := e.data.Orderbook(ctx, w.leg.Symbol)
			if err != nil {
				e.logger.Warn("aggressive book fetch failed", "symbol", w.leg.Symbol, "error", err)
				continue
			}
			price, err := aggressivePrice(book, w.leg.Side, 0)
			if err != nil {
				e.logger.Warn("aggressive pricing failed", "symbol", w.leg.Symbol, "error", err)
				continue
			}
			orderID, err := e.api.PlaceOrder(ctx, types.OrderRequest{
				Symbol: w.leg.Symbol,
				Qty:    remaining,
				Side:   w.leg.Side,
				Price:  price,
			})
			if err != nil {
				e.logger.Warn("aggressive placement failed", "symbol", w.leg.Symbol, "error", err)
				continue
			}
			w.orderID = orderID
			placed++
		}

		if placed > 0 {
			waitUntil := e.now().Add(e.params.AggressiveWait)
			for e.now().Before(waitUntil) {
				if err := e.measureChunk(ctx, working); err == nil && chunkFilled(working, e.params.MinOrderQty) {
					e.cancelChunkOrders(ctx, working)
					return true
				}
				if !e.sleep(ctx, e.params.PollInterval) {
					return false
				}
			}
		}

		e.cancelChunkOrders(ctx, working)
		if err := e.measureChunk(ctx, working); err == nil && chunkFilled(working, e.params.MinOrderQty) {
			return true
		}

		e.logger.Warn("aggressive attempt incomplete", "attempt", attempt, "of", e.params.AggressiveAttempts)
		if !e.sleep(ctx, e.params.AggressiveRetryPause) {
			return false
		}
	}
	return false
}

// measureChunk refreshes in-chunk fills from position deltas.
func (e *SmartExecutor) measureChunk(ctx context.Context, working []*chunkLeg) error {
	legs := make([]*types.Leg, len(working))
	for i, w := range working {
		legs[i] = w.leg
	}
	current, err := e.signedPositions(ctx, legs)
	if err != nil {
		return err
	}
	for _, w := range working {
		w.filled = current[w.leg.Symbol].Sub(w.chunkStart).Abs()
	}
	return nil
}

func chunkFilled(working []*chunkLeg, minQty decimal.Decimal) bool {
	for _, w := range working {
		if w.remaining().GreaterThanOrEqual(minQty) {
			return false
		}
	}
	return true
}

func (e *SmartExecutor) cancelChunkOrders(ctx context.Context, working []*chunkLeg) {
	for _, w := range working {
		if w.orderID == "" {
			continue
		}
		if err := e.api.CancelOrder(ctx, w.orderID); err != nil {
			e.logger.Warn("chunk cancel failed", "order_id", w.orderID, "error", err)
		}
		w.orderID = ""
	}
}
