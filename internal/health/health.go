// Package health logs a periodic operational summary of the account so an
// operator tailing the logs can see at a glance that the daemon is alive
// and what it is carrying.
package health

import (
	"context"
	"log/slog"
	"time"

	"coincall-trader/internal/metrics"
	"coincall-trader/pkg/types"
)

// SnapshotSource yields the most recent account snapshot, nil before the
// first successful poll.
type SnapshotSource interface {
	Latest() *types.AccountSnapshot
}

// Reporter logs the health line every interval and keeps the account
// gauges fresh.
type Reporter struct {
	source   SnapshotSource
	interval time.Duration
	logger   *slog.Logger
	started  time.Time
	now      func() time.Time
}

// NewReporter creates a health reporter. interval ≤ 0 defaults to 5 minutes.
func NewReporter(source SnapshotSource, interval time.Duration, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reporter{
		source:   source,
		interval: interval,
		logger:   logger.With("component", "health"),
		now:      time.Now,
	}
}

// Run reports until the context is cancelled. Blocks; callers run it on
// its own goroutine.
func (r *Reporter) Run(ctx context.Context) {
	r.started = r.now()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.report()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	snap := r.source.Latest()
	if snap == nil {
		r.logger.Warn("health report", "uptime", r.uptime(), "account", "no snapshot yet")
		return
	}

	equity, _ := snap.Equity.Float64()
	available, _ := snap.AvailableMargin.Float64()
	metrics.Equity.Set(equity)
	metrics.AvailableMargin.Set(available)
	metrics.MarginUtilization.Set(snap.MarginUtilization)
	metrics.NetDelta.Set(snap.NetDelta)

	r.logger.Info("health report",
		"uptime", r.uptime(),
		"equity", snap.Equity,
		"available_margin", snap.AvailableMargin,
		"margin_utilization_pct", snap.MarginUtilization,
		"net_delta", snap.NetDelta,
		"open_positions", len(snap.Positions))
}

func (r *Reporter) uptime() time.Duration {
	return r.now().Sub(r.started).Round(time.Second)
}
