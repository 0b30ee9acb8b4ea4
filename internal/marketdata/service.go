// Package marketdata serves orderbooks, option details, instruments, and the
// futures index price to the rest of the daemon.
//
// It fronts the venue REST client with two caches (30 s TTL for option
// details and the futures price) and an optional live orderbook mirror fed
// by the WebSocket feed. Consumers always get a usable answer or an error —
// never a zero price.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/pkg/types"
)

const (
	cacheTTL        = 30 * time.Second // details + futures price cache lifetime
	liveBookMaxAge  = 5 * time.Second  // WS books older than this fall back to REST
	maxDetailsCache = 512              // bound on cached option details entries
)

// fallbackFuturesPrice is the last-resort index price when both the venue
// and the external source are unreachable.
var fallbackFuturesPrice = decimal.NewFromInt(72000)

// VenueAPI is the slice of the venue client this service needs.
type VenueAPI interface {
	GetOrderbook(ctx context.Context, symbol string) (*types.Orderbook, error)
	GetOptionDetails(ctx context.Context, symbol string) (*types.OptionDetails, error)
	GetInstruments(ctx context.Context, underlying string) ([]types.Instrument, error)
	GetFuturesPrice(ctx context.Context, underlying string) (decimal.Decimal, error)
}

type cachedDetails struct {
	details types.OptionDetails
	fetched time.Time
}

// Service is the market-data access layer.
type Service struct {
	api    VenueAPI
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	details      map[string]cachedDetails
	futuresPrice decimal.Decimal
	futuresAt    time.Time

	liveMu    sync.RWMutex
	liveBooks map[string]types.Orderbook
}

// New creates a market-data service over the venue API.
func New(api VenueAPI, logger *slog.Logger) *Service {
	return &Service{
		api:       api,
		logger:    logger.With("component", "marketdata"),
		now:       time.Now,
		details:   make(map[string]cachedDetails),
		liveBooks: make(map[string]types.Orderbook),
	}
}

// ApplyBook installs a WebSocket orderbook snapshot into the live mirror.
func (s *Service) ApplyBook(book types.Orderbook) {
	s.liveMu.Lock()
	s.liveBooks[book.Symbol] = book
	s.liveMu.Unlock()
}

// Orderbook returns depth for a symbol, preferring a fresh live mirror over
// a REST round trip.
func (s *Service) Orderbook(ctx context.Context, symbol string) (*types.Orderbook, error) {
	s.liveMu.RLock()
	book, ok := s.liveBooks[symbol]
	s.liveMu.RUnlock()
	if ok && s.now().Sub(book.Timestamp) <= liveBookMaxAge {
		return &book, nil
	}
	return s.api.GetOrderbook(ctx, symbol)
}

// OptionDetails returns Greeks and pricing for a symbol. Results are cached
// for 30 s; stale reads within the TTL are acceptable.
func (s *Service) OptionDetails(ctx context.Context, symbol string) (*types.OptionDetails, error) {
	s.mu.Lock()
	if entry, ok := s.details[symbol]; ok && s.now().Sub(entry.fetched) < cacheTTL {
		s.mu.Unlock()
		d := entry.details
		return &d, nil
	}
	s.mu.Unlock()

	details, err := s.api.GetOptionDetails(ctx, symbol)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(s.details) >= maxDetailsCache {
		s.evictLocked()
	}
	s.details[symbol] = cachedDetails{details: *details, fetched: s.now()}
	s.mu.Unlock()

	return details, nil
}

// evictLocked drops expired entries, then arbitrary ones if still over the
// bound. Called with mu held.
func (s *Service) evictLocked() {
	now := s.now()
	for sym, entry := range s.details {
		if now.Sub(entry.fetched) >= cacheTTL {
			delete(s.details, sym)
		}
	}
	for sym := range s.details {
		if len(s.details) < maxDetailsCache {
			break
		}
		delete(s.details, sym)
	}
}

// MarkPrice returns the venue mark for a symbol, falling back to the
// orderbook mid when the details carry no mark.
func (s *Service) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	details, err := s.OptionDetails(ctx, symbol)
	if err == nil && details.MarkPrice.IsPositive() {
		return details.MarkPrice, nil
	}

	book, berr := s.Orderbook(ctx, symbol)
	if berr != nil {
		if err != nil {
			return decimal.Zero, fmt.Errorf("mark price %s: %w", symbol, err)
		}
		return decimal.Zero, fmt.Errorf("mark price %s: %w", symbol, berr)
	}
	if mid, ok := book.Mid(); ok {
		return mid, nil
	}
	return decimal.Zero, fmt.Errorf("mark price %s: no mark and no two-sided book", symbol)
}

// Instruments returns the option chain for an underlying.
func (s *Service) Instruments(ctx context.Context, underlying string) ([]types.Instrument, error) {
	return s.api.GetInstruments(ctx, underlying)
}

// FuturesPrice returns the perpetual index price for an underlying with a
// 30 s cache. When every source fails it returns a constant fallback so
// strike heuristics keep working, logged loudly.
func (s *Service) FuturesPrice(ctx context.Context, underlying string, useCache bool) decimal.Decimal {
	s.mu.Lock()
	if useCache && s.futuresPrice.IsPositive() && s.now().Sub(s.futuresAt) < cacheTTL {
		p := s.futuresPrice
		s.mu.Unlock()
		return p
	}
	s.mu.Unlock()

	price, err := s.api.GetFuturesPrice(ctx, underlying)
	if err != nil {
		s.logger.Warn("futures price unavailable, using fallback",
			"underlying", underlying, "fallback", fallbackFuturesPrice, "error", err)
		return fallbackFuturesPrice
	}

	s.mu.Lock()
	s.futuresPrice = price
	s.futuresAt = s.now()
	s.mu.Unlock()

	return price
}
