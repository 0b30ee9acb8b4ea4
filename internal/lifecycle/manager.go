// Package lifecycle owns trade progression: the state machine from
// PENDING_OPEN to CLOSED or FAILED, execution-mode routing, fill driving,
// exit-predicate evaluation, and state persistence.
//
// All trade mutation happens inside Create/Open/Close/ForceClose/Cancel
// and Tick, which are serialized by the manager's mutex. Each trade is
// advanced inside a panic guard so one malfunctioning trade cannot stall
// the rest of the book.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/internal/exec"
	"coincall-trader/internal/metrics"
	"coincall-trader/internal/store"
	"coincall-trader/pkg/types"
)

// VenueAPI is everything the manager and its executors need from the
// venue client.
type VenueAPI interface {
	exec.OrderAPI
	exec.RFQAPI
}

// MarketData is the market-data slice used for routing and execution.
type MarketData interface {
	Orderbook(ctx context.Context, symbol string) (*types.Orderbook, error)
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Params carries the manager's routing thresholds and the default executor
// tunings. Per-trade overrides on the Trade take precedence.
type Params struct {
	RFQThresholdUSD   float64
	SmartThresholdUSD float64
	MaxCloseRetries   int

	Limit exec.LimitParams
	Smart exec.SmartParams
	RFQ   exec.RFQParams
}

// TradeSpec describes a trade to create.
type TradeSpec struct {
	StrategyID     string
	Legs           []types.Leg
	ExitConditions []ExitCondition
	Mode           types.ExecutionMode
	RFQAction      types.Side
	SmartParams    *exec.SmartParams
	LimitParams    *exec.LimitParams
	Metadata       map[string]string
}

// Manager owns every trade in the process.
type Manager struct {
	api    VenueAPI
	data   MarketData
	store  *store.Store
	params Params
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	trades map[string]*Trade
	order  []string // creation order, for stable tick iteration
}

// NewManager creates a lifecycle manager. store may be nil (no
// persistence, used in tests).
func NewManager(api VenueAPI, data MarketData, st *store.Store, params Params, logger *slog.Logger) *Manager {
	if params.MaxCloseRetries <= 0 {
		params.MaxCloseRetries = 3
	}
	return &Manager{
		api:    api,
		data:   data,
		store:  st,
		params: params,
		logger: logger.With("component", "lifecycle"),
		now:    time.Now,
		trades: make(map[string]*Trade),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Trade creation and lookup
// ————————————————————————————————————————————————————————————————————————

// Create registers a new trade in PENDING_OPEN. No orders are placed.
func (m *Manager) Create(spec TradeSpec) (*Trade, error) {
	if len(spec.Legs) == 0 {
		return nil, fmt.Errorf("create trade: no legs")
	}
	for _, leg := range spec.Legs {
		if !leg.Qty.IsPositive() {
			return nil, fmt.Errorf("create trade: non-positive qty on %s", leg.Symbol)
		}
		if leg.Side != types.BUY && leg.Side != types.SELL {
			return nil, fmt.Errorf("create trade: bad side %q on %s", leg.Side, leg.Symbol)
		}
	}

	legs := make([]*types.Leg, len(spec.Legs))
	for i := range spec.Legs {
		l := spec.Legs[i]
		legs[i] = &l
	}

	rfqAction := spec.RFQAction
	if rfqAction == "" {
		rfqAction = types.BUY
	}
	meta := spec.Metadata
	if meta == nil {
		meta = make(map[string]string)
	}

	tr := &Trade{
		ID:             newTradeID(),
		StrategyID:     spec.StrategyID,
		State:          types.StatePendingOpen,
		OpenLegs:       legs,
		ExitConditions: spec.ExitConditions,
		Mode:           spec.Mode,
		RFQAction:      rfqAction,
		SmartParams:    spec.SmartParams,
		LimitParams:    spec.LimitParams,
		CreatedAt:      m.now(),
		Metadata:       meta,
		closedQty:      make(map[string]decimal.Decimal),
	}

	m.mu.Lock()
	m.trades[tr.ID] = tr
	m.order = append(m.order, tr.ID)
	m.mu.Unlock()

	metrics.TradesCreated.WithLabelValues(tr.StrategyID).Inc()
	m.logger.Info("trade created",
		"trade_id", tr.ID, "strategy", tr.StrategyID, "legs", len(legs), "mode", string(tr.Mode))
	return tr, nil
}

// Get returns a trade by ID.
func (m *Manager) Get(id string) (*Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.trades[id]
	return tr, ok
}

// Trades returns every trade in creation order.
func (m *Manager) Trades() []*Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Trade, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.trades[id])
	}
	return out
}

// ForStrategy returns the trades owned by one strategy, in creation order.
func (m *Manager) ForStrategy(strategyID string) []*Trade {
	var out []*Trade
	for _, tr := range m.Trades() {
		if tr.StrategyID == strategyID {
			out = append(out, tr)
		}
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Open / close requests
// ————————————————————————————————————————————————————————————————————————

// Open dispatches the trade's first open attempt. Routes the execution
// mode if none was declared.
func (m *Manager) Open(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.trades[id]
	if !ok {
		return fmt.Errorf("open: unknown trade %s", id)
	}
	if tr.State != types.StatePendingOpen {
		return fmt.Errorf("open: trade %s is %s, not PENDING_OPEN", id, tr.State)
	}

	if tr.Mode == types.ModeAuto {
		tr.Mode = m.routeMode(ctx, tr.OpenLegs)
		m.logger.Info("execution mode routed", "trade_id", tr.ID, "mode", string(tr.Mode))
	}

	m.transition(tr, types.StateOpening)
	m.dispatchOpen(ctx, tr)
	return nil
}

// Close requests a close: OPEN → PENDING_CLOSE. The next tick places the
// close orders.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.trades[id]
	if !ok {
		return fmt.Errorf("close: unknown trade %s", id)
	}
	if tr.State != types.StateOpen {
		return fmt.Errorf("close: trade %s is %s, not OPEN", id, tr.State)
	}
	m.transition(tr, types.StatePendingClose)
	return nil
}

// ForceClose pushes a trade toward closure from any non-terminal state.
func (m *Manager) ForceClose(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.trades[id]
	if !ok {
		return fmt.Errorf("force close: unknown trade %s", id)
	}

	switch tr.State {
	case types.StateOpen:
		m.transition(tr, types.StatePendingClose)
	case types.StatePendingOpen:
		m.fail(tr, "force closed before any orders placed")
	case types.StateOpening:
		m.cancelAttemptOrders(ctx, tr)
		m.settleAbortedOpen(tr, "force closed during open")
	case types.StateClosing:
		m.cancelAttemptOrders(ctx, tr)
		m.recordClosedFills(tr)
		m.transition(tr, types.StatePendingClose)
	default:
		// Terminal or already pending close: nothing to do.
	}
	return nil
}

// Cancel aborts a trade that has not opened yet. Valid only from
// PENDING_OPEN or OPENING; filled legs route through the unwind path.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.trades[id]
	if !ok {
		return fmt.Errorf("cancel: unknown trade %s", id)
	}

	switch tr.State {
	case types.StatePendingOpen:
		m.fail(tr, "cancelled by user")
	case types.StateOpening:
		m.cancelAttemptOrders(ctx, tr)
		m.settleAbortedOpen(tr, "cancelled by user")
	default:
		return fmt.Errorf("cancel: trade %s is %s, only PENDING_OPEN/OPENING may be cancelled", id, tr.State)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Tick
// ————————————————————————————————————————————————————————————————————————

// Tick advances every non-terminal trade one step and persists the book.
// Panics inside a single trade's handling are contained and logged.
func (m *Manager) Tick(ctx context.Context, snap *types.AccountSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, id := range m.order {
		tr := m.trades[id]
		if tr.State.Terminal() {
			continue
		}
		active++
		m.tickTrade(ctx, tr, snap)
	}

	metrics.ActiveTrades.Set(float64(active))
	m.persistLocked()
}

func (m *Manager) tickTrade(ctx context.Context, tr *Trade, snap *types.AccountSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic while advancing trade", "trade_id", tr.ID, "state", tr.State, "panic", r)
		}
	}()

	switch tr.State {
	case types.StateOpening:
		m.checkOpening(ctx, tr)
	case types.StateOpen:
		m.checkExits(tr, snap)
	case types.StatePendingClose:
		m.dispatchClose(ctx, tr)
	case types.StateClosing:
		m.checkClosing(ctx, tr)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Opening
// ————————————————————————————————————————————————————————————————————————

// dispatchOpen starts the execution attempt for the trade's current mode.
// Called with mu held; OPENING already entered.
func (m *Manager) dispatchOpen(ctx context.Context, tr *Trade) {
	switch tr.Mode {
	case types.ModeLimit:
		mgr := exec.NewLimitFillManager(m.api, m.data, m.limitParams(tr), m.logger)
		if err := mgr.Start(ctx, tr.OpenLegs); err != nil {
			m.logger.Error("open placement failed", "trade_id", tr.ID, "error", err)
			m.settleAbortedOpen(tr, fmt.Sprintf("open placement failed: %v", err))
			return
		}
		tr.fillMgr = mgr

	case types.ModeSmart:
		executor := exec.NewSmartExecutor(m.api, m.data, m.smartParams(tr), m.logger)
		attempt, actx := newAsyncAttempt(ctx, tr.OpenLegs)
		tr.attempt = attempt
		go func() {
			attempt.finish(executor.Execute(actx, attempt.working))
		}()

	case types.ModeRFQ:
		executor := exec.NewRFQExecutor(m.api, m.data, m.rfqParams(tr), m.logger)
		attempt, actx := newAsyncAttempt(ctx, tr.OpenLegs)
		tr.attempt = attempt
		action := tr.RFQAction
		go func() {
			res, err := executor.Execute(actx, action, attempt.working)
			if err == nil {
				metrics.RFQQuotesAccepted.Inc()
			}
			attempt.finishRFQ(res, err)
		}()

	default:
		m.fail(tr, fmt.Sprintf("unknown execution mode %q", tr.Mode))
	}
}

func (m *Manager) checkOpening(ctx context.Context, tr *Trade) {
	switch tr.Mode {
	case types.ModeLimit:
		outcome, err := tr.fillMgr.Check(ctx)
		if err != nil {
			m.logger.Warn("open check failed", "trade_id", tr.ID, "error", err)
			return
		}
		switch outcome {
		case exec.OutcomeFilled:
			m.toOpen(tr)
		case exec.OutcomeFailed:
			tr.fillMgr.CancelAll(ctx)
			m.settleAbortedOpen(tr, "open failed: requote rounds exhausted")
		}

	case types.ModeSmart:
		done, err := tr.attempt.status()
		if !done {
			return
		}
		tr.attempt.mergeInto(tr.OpenLegs)
		tr.attempt = nil
		if err != nil {
			m.logger.Error("smart open errored", "trade_id", tr.ID, "error", err)
		}
		if allFilled(tr.OpenLegs) {
			m.toOpen(tr)
		} else {
			m.settleAbortedOpen(tr, "smart open incomplete")
		}

	case types.ModeRFQ:
		done, err := tr.attempt.status()
		if !done {
			return
		}
		tr.attempt.mergeInto(tr.OpenLegs)
		tr.RFQResult = tr.attempt.rfqResult()
		tr.attempt = nil
		if err == nil {
			m.toOpen(tr)
			return
		}
		m.logger.Warn("rfq open failed", "trade_id", tr.ID, "error", err)
		if fallback, ok := m.rfqFallback(tr); ok {
			m.logger.Warn("falling back from rfq", "trade_id", tr.ID, "mode", string(fallback))
			tr.Mode = fallback
			m.dispatchOpen(ctx, tr)
			return
		}
		m.fail(tr, fmt.Sprintf("rfq open failed with no fallback: %v", err))
	}
}

// toOpen transitions to OPEN and stamps opened_at on first entry.
func (m *Manager) toOpen(tr *Trade) {
	if tr.OpenedAt.IsZero() {
		tr.OpenedAt = m.now()
	}
	tr.fillMgr = nil
	m.transition(tr, types.StateOpen)
	m.logger.Info("trade opened",
		"trade_id", tr.ID, "entry_cost", tr.EntryCost(), "legs", len(tr.OpenLegs))
}

// settleAbortedOpen resolves a failed open attempt: partial fills are
// trimmed into the open set and unwound through PENDING_CLOSE; with no
// fills the trade is FAILED.
func (m *Manager) settleAbortedOpen(tr *Trade, reason string) {
	var filled []*types.Leg
	for _, leg := range tr.OpenLegs {
		if leg.FilledQty.IsPositive() {
			trimmed := *leg
			if trimmed.FilledQty.LessThan(trimmed.Qty) {
				trimmed.Qty = trimmed.FilledQty
			}
			filled = append(filled, &trimmed)
		}
	}

	if len(filled) == 0 {
		m.fail(tr, reason)
		return
	}

	m.logger.Warn("unwinding partially opened trade",
		"trade_id", tr.ID, "reason", reason, "filled_legs", len(filled))
	tr.OpenLegs = filled
	tr.fillMgr = nil
	tr.attempt = nil
	if tr.OpenedAt.IsZero() {
		tr.OpenedAt = m.now()
	}
	m.transition(tr, types.StateOpen)
	m.transition(tr, types.StatePendingClose)
}

// ————————————————————————————————————————————————————————————————————————
// Exits
// ————————————————————————————————————————————————————————————————————————

// checkExits evaluates the trade's exit conditions in order. A predicate
// that panics is skipped for this evaluation.
func (m *Manager) checkExits(tr *Trade, snap *types.AccountSnapshot) {
	m.logger.Info("trade holding",
		"trade_id", tr.ID, "pnl", tr.PnL(snap), "held", tr.HoldDuration(m.now()).Round(time.Second))

	for _, cond := range tr.ExitConditions {
		if m.evalExit(tr, snap, cond) {
			m.logger.Info("exit condition triggered", "trade_id", tr.ID, "condition", cond.Name)
			m.transition(tr, types.StatePendingClose)
			return
		}
	}
}

func (m *Manager) evalExit(tr *Trade, snap *types.AccountSnapshot, cond ExitCondition) (fired bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("exit condition panicked, skipping",
				"trade_id", tr.ID, "condition", cond.Name, "panic", r)
			fired = false
		}
	}()
	return cond.Check(snap, tr)
}

// ————————————————————————————————————————————————————————————————————————
// Closing
// ————————————————————————————————————————————————————————————————————————

// dispatchClose rebuilds close legs from scratch and starts the close
// attempt. Rebuilding minus already-closed quantity is the sole defence
// against double-ordering on retry.
func (m *Manager) dispatchClose(ctx context.Context, tr *Trade) {
	var closeLegs []*types.Leg
	for _, leg := range tr.OpenLegs {
		remaining := tr.openedQty(leg).Sub(tr.closedQty[leg.Symbol])
		if !remaining.IsPositive() {
			continue
		}
		closeLegs = append(closeLegs, &types.Leg{
			Symbol: leg.Symbol,
			Qty:    remaining,
			Side:   leg.Side.Opposite(),
		})
	}

	if len(closeLegs) == 0 {
		tr.CloseLegs = nil
		m.toClosed(tr)
		return
	}
	tr.CloseLegs = closeLegs
	tr.closeRecorded = false

	mode := tr.Mode
	if mode == types.ModeAuto {
		mode = m.routeMode(ctx, closeLegs)
		tr.Mode = mode
	}
	m.transition(tr, types.StateClosing)

	switch mode {
	case types.ModeLimit:
		mgr := exec.NewLimitFillManager(m.api, m.data, m.limitParams(tr), m.logger)
		if err := mgr.Start(ctx, tr.CloseLegs); err != nil {
			m.logger.Error("close placement failed", "trade_id", tr.ID, "error", err)
			m.retryClose(tr, fmt.Sprintf("close placement failed: %v", err))
			return
		}
		tr.fillMgr = mgr

	case types.ModeSmart:
		executor := exec.NewSmartExecutor(m.api, m.data, m.smartParams(tr), m.logger)
		attempt, actx := newAsyncAttempt(ctx, tr.CloseLegs)
		tr.attempt = attempt
		go func() {
			attempt.finish(executor.Execute(actx, attempt.working))
		}()

	case types.ModeRFQ:
		executor := exec.NewRFQExecutor(m.api, m.data, m.rfqParams(tr), m.logger)
		attempt, actx := newAsyncAttempt(ctx, tr.CloseLegs)
		tr.attempt = attempt
		action := tr.RFQAction.Opposite()
		go func() {
			res, err := executor.Execute(actx, action, attempt.working)
			if err == nil {
				metrics.RFQQuotesAccepted.Inc()
			}
			attempt.finishRFQ(res, err)
		}()

	default:
		m.fail(tr, fmt.Sprintf("unknown execution mode %q on close", mode))
	}
}

func (m *Manager) checkClosing(ctx context.Context, tr *Trade) {
	switch tr.Mode {
	case types.ModeLimit:
		outcome, err := tr.fillMgr.Check(ctx)
		if err != nil {
			m.logger.Warn("close check failed", "trade_id", tr.ID, "error", err)
			return
		}
		switch outcome {
		case exec.OutcomeFilled:
			m.recordClosedFills(tr)
			m.toClosed(tr)
		case exec.OutcomeFailed:
			tr.fillMgr.CancelAll(ctx)
			m.recordClosedFills(tr)
			m.retryClose(tr, "close failed: requote rounds exhausted")
		}

	case types.ModeSmart:
		done, err := tr.attempt.status()
		if !done {
			return
		}
		tr.attempt.mergeInto(tr.CloseLegs)
		tr.attempt = nil
		m.recordClosedFills(tr)
		if err == nil && allFilled(tr.CloseLegs) {
			m.toClosed(tr)
			return
		}
		m.retryClose(tr, "smart close incomplete")

	case types.ModeRFQ:
		done, err := tr.attempt.status()
		if !done {
			return
		}
		tr.attempt.mergeInto(tr.CloseLegs)
		tr.CloseRFQResult = tr.attempt.rfqResult()
		tr.attempt = nil
		if err == nil {
			m.recordClosedFills(tr)
			m.toClosed(tr)
			return
		}
		m.logger.Warn("rfq close failed", "trade_id", tr.ID, "error", err)
		if fallback, ok := m.rfqFallback(tr); ok {
			m.logger.Warn("falling back from rfq on close", "trade_id", tr.ID, "mode", string(fallback))
			tr.Mode = fallback
			m.transition(tr, types.StatePendingClose)
			return
		}
		m.retryClose(tr, fmt.Sprintf("rfq close failed: %v", err))
	}
}

// recordClosedFills accumulates close-leg fills into the per-symbol
// already-closed tally. At most once per close attempt; dispatchClose
// resets the guard when it builds fresh legs.
func (m *Manager) recordClosedFills(tr *Trade) {
	if tr.closeRecorded {
		return
	}
	tr.closeRecorded = true
	for _, leg := range tr.CloseLegs {
		if leg.FilledQty.IsPositive() {
			tr.closedQty[leg.Symbol] = tr.closedQty[leg.Symbol].Add(leg.FilledQty)
		}
	}
}

// retryClose sends the trade back to PENDING_CLOSE, or FAILED once the
// retry budget is spent.
func (m *Manager) retryClose(tr *Trade, reason string) {
	tr.fillMgr = nil
	tr.closeRetries++
	if tr.closeRetries > m.params.MaxCloseRetries {
		m.fail(tr, fmt.Sprintf("%s after %d close attempts", reason, tr.closeRetries))
		return
	}
	m.logger.Warn("close attempt failed, retrying",
		"trade_id", tr.ID, "attempt", tr.closeRetries, "max", m.params.MaxCloseRetries, "reason", reason)
	m.transition(tr, types.StatePendingClose)
}

func (m *Manager) toClosed(tr *Trade) {
	if tr.ClosedAt.IsZero() {
		tr.ClosedAt = m.now()
	}
	tr.fillMgr = nil
	m.transition(tr, types.StateClosed)
	metrics.TradesClosed.WithLabelValues(tr.StrategyID).Inc()
	m.logger.Info("trade closed", "trade_id", tr.ID, "held", tr.HoldDuration(tr.ClosedAt).Round(time.Second))
}

// ————————————————————————————————————————————————————————————————————————
// Routing and params
// ————————————————————————————————————————————————————————————————————————

// routeMode picks an execution mode: single-leg trades quote directly,
// multi-leg structures route by fresh notional. Legs whose mark cannot be
// fetched contribute zero.
func (m *Manager) routeMode(ctx context.Context, legs []*types.Leg) types.ExecutionMode {
	if len(legs) == 1 {
		return types.ModeLimit
	}

	notional := decimal.Zero
	for _, leg := range legs {
		mark, err := m.data.MarkPrice(ctx, leg.Symbol)
		if err != nil {
			m.logger.Warn("no mark for routing, leg contributes zero", "symbol", leg.Symbol, "error", err)
			continue
		}
		notional = notional.Add(mark.Mul(leg.Qty))
	}

	n, _ := notional.Float64()
	m.logger.Info("routing notional", "notional", notional, "legs", len(legs))
	switch {
	case n >= m.params.RFQThresholdUSD:
		return types.ModeRFQ
	case n >= m.params.SmartThresholdUSD:
		return types.ModeSmart
	default:
		return types.ModeLimit
	}
}

func (m *Manager) limitParams(tr *Trade) exec.LimitParams {
	if tr.LimitParams != nil {
		return *tr.LimitParams
	}
	return m.params.Limit
}

func (m *Manager) smartParams(tr *Trade) exec.SmartParams {
	if tr.SmartParams != nil {
		return *tr.SmartParams
	}
	return m.params.Smart
}

// rfqParams resolves RFQ tuning, with per-trade metadata overrides.
func (m *Manager) rfqParams(tr *Trade) exec.RFQParams {
	params := m.params.RFQ
	if v, ok := tr.Metadata[MetaRFQTimeoutSeconds]; ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			params.Timeout = time.Duration(secs) * time.Second
		}
	}
	if v, ok := tr.Metadata[MetaRFQMinImprovementPct]; ok {
		if pct, err := strconv.ParseFloat(v, 64); err == nil {
			params.MinImprovementPct = pct
		}
	}
	return params
}

// rfqFallback reads the trade's declared fallback mode, if any.
func (m *Manager) rfqFallback(tr *Trade) (types.ExecutionMode, bool) {
	switch tr.Metadata[MetaRFQFallback] {
	case "limit":
		return types.ModeLimit, true
	case "smart":
		return types.ModeSmart, true
	}
	return "", false
}

// ————————————————————————————————————————————————————————————————————————
// Shared transitions and persistence
// ————————————————————————————————————————————————————————————————————————

func (m *Manager) transition(tr *Trade, to types.TradeState) {
	from := tr.State
	tr.State = to
	metrics.StateTransitions.WithLabelValues(string(to)).Inc()
	m.logger.Info("state transition", "trade_id", tr.ID, "from", from, "to", to)
}

func (m *Manager) fail(tr *Trade, reason string) {
	tr.Error = reason
	tr.fillMgr = nil
	tr.attempt = nil
	m.transition(tr, types.StateFailed)
	metrics.TradesFailed.WithLabelValues(tr.StrategyID).Inc()
	m.logger.Error("trade failed", "trade_id", tr.ID, "error", reason)
}

// cancelAttemptOrders halts whatever the live attempt has outstanding.
// The fill manager cancels its orders directly; smart and RFQ attempts
// are aborted through their per-attempt context and waited out, then
// their working fills are merged so settlement sees what actually
// executed before the abort.
func (m *Manager) cancelAttemptOrders(ctx context.Context, tr *Trade) {
	if tr.fillMgr != nil {
		tr.fillMgr.CancelAll(ctx)
	}
	if tr.attempt != nil {
		tr.attempt.abort()
		if tr.State == types.StateClosing {
			tr.attempt.mergeInto(tr.CloseLegs)
		} else {
			tr.attempt.mergeInto(tr.OpenLegs)
		}
		tr.attempt = nil
	}
}

func allFilled(legs []*types.Leg) bool {
	for _, leg := range legs {
		if !leg.IsFilled() {
			return false
		}
	}
	return true
}

// persistLocked snapshots every trade to the store. Called with mu held.
func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}
	if _, err := m.store.Save(m.recordsLocked()); err != nil {
		m.logger.Error("trade state save failed", "error", err)
	}
}

// FlushState persists immediately, bypassing the save throttle. Used on
// shutdown.
func (m *Manager) FlushState() {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	records := m.recordsLocked()
	m.mu.Unlock()
	if err := m.store.Flush(records); err != nil {
		m.logger.Error("trade state flush failed", "error", err)
	}
}

func (m *Manager) recordsLocked() []store.TradeRecord {
	records := make([]store.TradeRecord, 0, len(m.order))
	for _, id := range m.order {
		tr := m.trades[id]
		rec := store.TradeRecord{
			ID:         tr.ID,
			StrategyID: tr.StrategyID,
			State:      tr.State,
			Mode:       tr.Mode,
			OpenLegs:   legRecords(tr.OpenLegs),
			CloseLegs:  legRecords(tr.CloseLegs),
			CreatedAt:  tr.CreatedAt,
			Error:      tr.Error,
			Metadata:   tr.Metadata,
		}
		if !tr.OpenedAt.IsZero() {
			t := tr.OpenedAt
			rec.OpenedAt = &t
		}
		if !tr.ClosedAt.IsZero() {
			t := tr.ClosedAt
			rec.ClosedAt = &t
		}
		records = append(records, rec)
	}
	return records
}

func legRecords(legs []*types.Leg) []store.LegRecord {
	out := make([]store.LegRecord, 0, len(legs))
	for _, leg := range legs {
		out = append(out, store.LegRecord{
			Symbol:       leg.Symbol,
			Qty:          leg.Qty,
			Side:         leg.Side,
			OrderID:      leg.OrderID,
			FilledQty:    leg.FilledQty,
			AvgFillPrice: leg.AvgFillPrice,
		})
	}
	return out
}

// ReportRecovered loads the previous snapshot and logs trades that were
// live when the process last stopped. Trades are not resumed
// automatically; an operator reconciles them against the venue.
func (m *Manager) ReportRecovered() {
	if m.store == nil {
		return
	}
	snap, err := m.store.Load()
	if err != nil {
		m.logger.Error("trade state load failed", "error", err)
		return
	}
	if snap == nil {
		return
	}

	live := 0
	for _, rec := range snap.Trades {
		if rec.State.Terminal() {
			continue
		}
		live++
		m.logger.Warn("previous session left a live trade, reconcile manually",
			"trade_id", rec.ID, "strategy", rec.StrategyID, "state", rec.State, "mode", rec.Mode)
	}
	m.logger.Info("trade state snapshot loaded",
		"saved_at", snap.SavedAt, "trades", len(snap.Trades), "live", live)
}
