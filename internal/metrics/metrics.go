// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TradesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_trades_created_total",
		Help: "Trades created, by strategy.",
	}, []string{"strategy"})

	TradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_trades_closed_total",
		Help: "Trades reaching CLOSED, by strategy.",
	}, []string{"strategy"})

	TradesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_trades_failed_total",
		Help: "Trades reaching FAILED, by strategy.",
	}, []string{"strategy"})

	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_state_transitions_total",
		Help: "Trade state transitions, by target state.",
	}, []string{"state"})

	OrdersPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_orders_placed_total",
		Help: "Orders submitted to the venue.",
	})

	RFQQuotesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_rfq_quotes_accepted_total",
		Help: "Block quotes accepted.",
	})

	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_account_equity",
		Help: "Latest account equity.",
	})

	AvailableMargin = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_account_available_margin",
		Help: "Latest available margin.",
	})

	MarginUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_account_margin_utilization_pct",
		Help: "Initial margin over equity, percent.",
	})

	NetDelta = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_account_net_delta",
		Help: "Account-wide net delta.",
	})

	ActiveTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_active_trades",
		Help: "Non-terminal trades under management.",
	})
)

// Server serves /metrics for Prometheus scraping.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates the metrics HTTP server on addr.
func NewServer(addr string, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux},
		logger: logger.With("component", "metrics"),
	}
}

// Start runs the server until Stop. Listen errors other than a clean close
// are logged, not fatal.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics server shutdown", "error", err)
	}
}
