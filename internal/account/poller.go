// Package account polls the venue for equity, margin, and position state
// and publishes immutable AccountSnapshots to registered callbacks.
//
// A fetch failure never clears the last good snapshot: consumers keep
// reading the previous view until the next successful poll. Ten
// consecutive failures stop the loop and surface on Fatal.
package account

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/internal/venue"
	"coincall-trader/pkg/types"
)

// stopCheckInterval is how often the poll loop wakes to check for shutdown
// while sleeping out the poll interval.
const stopCheckInterval = 100 * time.Millisecond

// maxConsecutiveFailures is how many back-to-back poll failures the loop
// tolerates before giving up and reporting on Fatal.
const maxConsecutiveFailures = 10

// VenueAPI is the slice of the venue client the poller needs.
type VenueAPI interface {
	GetAccountSummary(ctx context.Context) (*venue.AccountSummary, error)
	GetPositions(ctx context.Context) ([]types.PositionSnapshot, error)
}

// Callback receives every new snapshot. Callbacks run on the poller
// goroutine in registration order; they must not block.
type Callback func(snap *types.AccountSnapshot)

// Poller periodically builds account snapshots from the venue.
type Poller struct {
	api      VenueAPI
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	latest    *types.AccountSnapshot
	callbacks []Callback

	failures int // consecutive poll failures, loop goroutine only
	fatal    chan error

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates an account poller with the given poll interval.
func NewPoller(api VenueAPI, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		api:      api,
		interval: interval,
		logger:   logger.With("component", "account"),
		now:      time.Now,
		fatal:    make(chan error, 1),
	}
}

// Fatal reports an unrecoverable polling failure: the loop has stopped
// after too many consecutive errors and the process should shut down.
func (p *Poller) Fatal() <-chan error { return p.fatal }

// OnSnapshot registers a callback invoked after every successful poll.
// Register before Start; registration during polling is safe but the
// callback may miss the in-flight snapshot.
func (p *Poller) OnSnapshot(cb Callback) {
	p.mu.Lock()
	p.callbacks = append(p.callbacks, cb)
	p.mu.Unlock()
}

// Latest returns the most recent snapshot, or nil before the first
// successful poll.
func (p *Poller) Latest() *types.AccountSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Snapshot fetches a fresh snapshot immediately, bypassing the poll cycle.
// The result is also published as the latest snapshot, but callbacks are
// not invoked.
func (p *Poller) Snapshot(ctx context.Context) (*types.AccountSnapshot, error) {
	snap, err := p.build(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.latest = snap
	p.mu.Unlock()
	return snap, nil
}

// Start launches the poll loop. An immediate first poll runs before the
// interval cadence begins.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		p.logger.Info("account poller started", "interval", p.interval)

		for {
			if err := p.poll(ctx); err != nil {
				// Keep serving the previous snapshot.
				p.failures++
				p.logger.Warn("account poll failed", "error", err, "consecutive", p.failures)
				if p.failures >= maxConsecutiveFailures {
					p.logger.Error("giving up after repeated poll failures", "failures", p.failures)
					p.fatal <- err
					return
				}
			} else {
				p.failures = 0
			}
			if !p.sleep(ctx) {
				return
			}
		}
	}()
}

// Stop halts the poll loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.logger.Info("account poller stopped")
}

// sleep waits out the poll interval in short slices so Stop is responsive.
// Returns false when the context is done.
func (p *Poller) sleep(ctx context.Context) bool {
	deadline := p.now().Add(p.interval)
	for p.now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(stopCheckInterval):
		}
	}
	return true
}

func (p *Poller) poll(ctx context.Context) error {
	snap, err := p.build(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.latest = snap
	callbacks := make([]Callback, len(p.callbacks))
	copy(callbacks, p.callbacks)
	p.mu.Unlock()

	for _, cb := range callbacks {
		p.invoke(cb, snap)
	}
	return nil
}

// invoke runs one callback behind a panic guard so a misbehaving consumer
// cannot take down the poll loop or starve the callbacks after it.
func (p *Poller) invoke(cb Callback, snap *types.AccountSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("snapshot callback panicked", "panic", r)
		}
	}()
	cb(snap)
}

// build assembles one immutable snapshot from the summary and position
// endpoints.
func (p *Poller) build(ctx context.Context) (*types.AccountSnapshot, error) {
	summary, err := p.api.GetAccountSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	positions, err := p.api.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}

	snap := &types.AccountSnapshot{
		Equity:            summary.Equity,
		AvailableMargin:   summary.AvailableMargin,
		InitialMargin:     summary.InitialMargin,
		MaintenanceMargin: summary.MaintenanceMargin,
		UnrealizedPnL:     summary.UnrealizedPnL,
		Positions:         positions,
		Timestamp:         p.now(),
	}

	if summary.Equity.IsPositive() {
		util, _ := summary.InitialMargin.Div(summary.Equity).Mul(decimal.NewFromInt(100)).Float64()
		snap.MarginUtilization = util
	}

	for _, pos := range positions {
		sign := 1.0
		if pos.SideLabel == "short" {
			sign = -1.0
		}
		qty, _ := pos.Qty.Float64()
		snap.NetDelta += sign * pos.Delta * qty
		snap.NetGamma += sign * pos.Gamma * qty
		snap.NetTheta += sign * pos.Theta * qty
		snap.NetVega += sign * pos.Vega * qty
	}

	return snap, nil
}
