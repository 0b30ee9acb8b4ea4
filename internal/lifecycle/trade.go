package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/internal/exec"
	"coincall-trader/pkg/types"
)

// Metadata keys recognised by the lifecycle manager.
const (
	MetaRFQTimeoutSeconds    = "rfq_timeout_seconds"
	MetaRFQMinImprovementPct = "rfq_min_improvement_pct"
	MetaRFQFallback          = "rfq_fallback" // "limit" or "smart"
)

// ExitCondition is one exit predicate on a trade. The first condition to
// return true moves the trade to PENDING_CLOSE.
type ExitCondition struct {
	Name  string
	Check func(snap *types.AccountSnapshot, tr *Trade) bool
}

// Trade is a group of legs managed as one unit. All mutation happens on
// the manager's tick path; external readers must treat it as read-only.
type Trade struct {
	ID         string
	StrategyID string
	State      types.TradeState
	OpenLegs   []*types.Leg
	CloseLegs  []*types.Leg

	ExitConditions []ExitCondition

	Mode        types.ExecutionMode
	RFQAction   types.Side // which side we take on the structure as a whole
	SmartParams *exec.SmartParams
	LimitParams *exec.LimitParams

	CreatedAt time.Time
	OpenedAt  time.Time // zero until the trade first reaches OPEN
	ClosedAt  time.Time // zero until CLOSED
	Error     string    // set only in FAILED
	Metadata  map[string]string

	RFQResult      *exec.RFQResult // accepted quote that opened the trade, if any
	CloseRFQResult *exec.RFQResult // accepted quote that closed it, if any

	closedQty     map[string]decimal.Decimal // per-symbol qty already closed
	closeRecorded bool                       // guards double-counting one attempt's fills
	closeRetries  int
	fillMgr       *exec.LimitFillManager // live fill manager for the current attempt
	attempt       *asyncAttempt          // live smart/rfq attempt
}

func newTradeID() string {
	var b [6]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Active reports whether the trade is still progressing.
func (t *Trade) Active() bool { return !t.State.Terminal() }

// EntryCost is the signed cost of the opened structure:
// Σ sign × fill_price × filled_qty, +1 for buys, −1 for sells. Positive
// means the structure was a net debit.
func (t *Trade) EntryCost() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range t.OpenLegs {
		cost := leg.AvgFillPrice.Mul(leg.FilledQty)
		if leg.Side == types.BUY {
			total = total.Add(cost)
		} else {
			total = total.Sub(cost)
		}
	}
	return total
}

// legShare is the pro-rated fraction of the venue's aggregate position
// this leg accounts for: min(our_qty / total_qty, 1). The venue merges all
// contracts per symbol into one position, so trades sharing an instrument
// must not double-count.
func legShare(leg *types.Leg, pos *types.PositionSnapshot) decimal.Decimal {
	if !pos.Qty.IsPositive() {
		return decimal.Zero
	}
	qty := leg.FilledQty
	if !qty.IsPositive() {
		qty = leg.Qty
	}
	share := qty.Div(pos.Qty)
	if share.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return share
}

// PnL is the trade's pro-rated share of unrealized PnL across its open
// legs' venue positions.
func (t *Trade) PnL(snap *types.AccountSnapshot) decimal.Decimal {
	if snap == nil {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, leg := range t.OpenLegs {
		pos, ok := snap.Position(leg.Symbol)
		if !ok {
			continue
		}
		total = total.Add(pos.UnrealizedPnL.Mul(legShare(leg, pos)))
	}
	return total
}

// Delta is the trade's pro-rated share of signed position delta.
func (t *Trade) Delta(snap *types.AccountSnapshot) float64 {
	return t.greek(snap, func(p *types.PositionSnapshot) float64 { return p.Delta })
}

// LegGreek returns one leg's pro-rated Greek by name ("delta", "gamma",
// "theta", "vega"). ok=false for an unknown leg index or missing position.
func (t *Trade) LegGreek(snap *types.AccountSnapshot, legIndex int, greek string) (float64, bool) {
	if snap == nil || legIndex < 0 || legIndex >= len(t.OpenLegs) {
		return 0, false
	}
	leg := t.OpenLegs[legIndex]
	pos, ok := snap.Position(leg.Symbol)
	if !ok {
		return 0, false
	}

	var per float64
	switch greek {
	case "delta":
		per = pos.Delta
	case "gamma":
		per = pos.Gamma
	case "theta":
		per = pos.Theta
	case "vega":
		per = pos.Vega
	default:
		return 0, false
	}

	share, _ := legShare(leg, pos).Float64()
	qty, _ := pos.Qty.Float64()
	v := per * qty * share
	if pos.SideLabel == "short" {
		v = -v
	}
	return v, true
}

func (t *Trade) greek(snap *types.AccountSnapshot, pick func(*types.PositionSnapshot) float64) float64 {
	if snap == nil {
		return 0
	}
	total := 0.0
	for _, leg := range t.OpenLegs {
		pos, ok := snap.Position(leg.Symbol)
		if !ok {
			continue
		}
		share, _ := legShare(leg, pos).Float64()
		qty, _ := pos.Qty.Float64()
		v := pick(pos) * qty * share
		if pos.SideLabel == "short" {
			v = -v
		}
		total += v
	}
	return total
}

// HoldDuration is the time since the trade opened, zero before OPEN.
func (t *Trade) HoldDuration(now time.Time) time.Duration {
	if t.OpenedAt.IsZero() {
		return 0
	}
	return now.Sub(t.OpenedAt)
}

// openedQty is the per-symbol quantity this trade actually holds: filled
// quantity, or the target when fills were never measured.
func (t *Trade) openedQty(leg *types.Leg) decimal.Decimal {
	if leg.FilledQty.IsPositive() {
		return leg.FilledQty
	}
	return leg.Qty
}

// asyncAttempt tracks a smart or RFQ execution running on its own
// goroutine under a per-attempt context. The executor works on copies of
// the trade's legs; the tick observes completion and merges fills back,
// so the goroutine never touches trade state directly.
type asyncAttempt struct {
	working []*types.Leg // executor-owned copies
	cancel  context.CancelFunc
	settled chan struct{} // closed by finish

	mu   sync.Mutex
	done bool
	err  error
	rfq  *exec.RFQResult
}

func newAsyncAttempt(ctx context.Context, legs []*types.Leg) (*asyncAttempt, context.Context) {
	working := make([]*types.Leg, len(legs))
	for i, leg := range legs {
		c := *leg
		working[i] = &c
	}
	actx, cancel := context.WithCancel(ctx)
	return &asyncAttempt{
		working: working,
		cancel:  cancel,
		settled: make(chan struct{}),
	}, actx
}

func (a *asyncAttempt) finish(err error) {
	a.mu.Lock()
	a.done = true
	a.err = err
	a.mu.Unlock()
	close(a.settled)
}

func (a *asyncAttempt) finishRFQ(res *exec.RFQResult, err error) {
	a.mu.Lock()
	a.rfq = res
	a.mu.Unlock()
	a.finish(err)
}

func (a *asyncAttempt) status() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done, a.err
}

func (a *asyncAttempt) rfqResult() *exec.RFQResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rfq
}

// abort cancels the attempt's context and waits for the executor
// goroutine to finish cancelling its outstanding venue orders.
func (a *asyncAttempt) abort() {
	a.cancel()
	<-a.settled
}

// mergeInto copies fill state from the working copies back to the trade's
// legs. Call only after status reports done.
func (a *asyncAttempt) mergeInto(legs []*types.Leg) {
	for i, leg := range legs {
		if i >= len(a.working) {
			break
		}
		leg.OrderID = a.working[i].OrderID
		leg.FilledQty = a.working[i].FilledQty
		leg.AvgFillPrice = a.working[i].AvgFillPrice
	}
}
