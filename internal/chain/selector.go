// Package chain selects concrete option contracts from the venue's chain.
//
// Strategies declare legs as criteria (which expiry, which strike) rather
// than hardcoded symbols; the Selector resolves the criteria against the
// live instrument list at entry time.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/pkg/types"
)

// deltaCandidateLimit bounds how many contracts get a details fetch during
// delta-based strike selection.
const deltaCandidateLimit = 10

// ExpiryCriteria picks the expiry. Either by symbol token (preferred, e.g.
// "26JUN26" matches "-26JUN26-" in the symbol name) or by a day window:
// the expiry closest to the midpoint of [MinDays, MaxDays] from now wins.
type ExpiryCriteria struct {
	Symbol  string
	MinDays int
	MaxDays int
}

// StrikeKind enumerates the supported strike selection modes.
type StrikeKind string

const (
	StrikeExact       StrikeKind = "strike"            // exact strike match
	StrikeClosest     StrikeKind = "closest_strike"    // nearest strike to value
	StrikeDelta       StrikeKind = "delta"             // nearest delta to value
	StrikeSpotDistPct StrikeKind = "spot_distance_pct" // strike nearest spot × (1 + value/100)
)

// StrikeCriteria picks the strike within the chosen expiry.
type StrikeCriteria struct {
	Kind  StrikeKind
	Value float64
}

// MarketData is the slice of the market-data service the selector needs.
type MarketData interface {
	Instruments(ctx context.Context, underlying string) ([]types.Instrument, error)
	OptionDetails(ctx context.Context, symbol string) (*types.OptionDetails, error)
	FuturesPrice(ctx context.Context, underlying string, useCache bool) decimal.Decimal
}

// Selector resolves leg criteria to concrete option symbols.
type Selector struct {
	data   MarketData
	logger *slog.Logger
	now    func() time.Time
}

// New creates a selector over the given market-data source.
func New(data MarketData, logger *slog.Logger) *Selector {
	return &Selector{
		data:   data,
		logger: logger.With("component", "chain"),
		now:    time.Now,
	}
}

// Select returns the symbol matching the criteria. optionType is "C" or "P".
func (s *Selector) Select(ctx context.Context, expiry ExpiryCriteria, strike StrikeCriteria, optionType, underlying string) (string, error) {
	instruments, err := s.data.Instruments(ctx, underlying)
	if err != nil {
		return "", fmt.Errorf("select option: %w", err)
	}
	if len(instruments) == 0 {
		return "", fmt.Errorf("select option: empty chain for %s", underlying)
	}

	candidates := s.filterByExpiry(instruments, expiry, optionType)
	if len(candidates) == 0 {
		return "", fmt.Errorf("select option: no %s contracts match expiry %+v", optionType, expiry)
	}

	chosen, err := s.pickStrike(ctx, candidates, strike, underlying)
	if err != nil {
		return "", err
	}

	s.logger.Info("option selected",
		"symbol", chosen.SymbolName, "strike", chosen.Strike, "criteria", string(strike.Kind))
	return chosen.SymbolName, nil
}

func (s *Selector) filterByExpiry(instruments []types.Instrument, expiry ExpiryCriteria, optionType string) []types.Instrument {
	suffix := "-" + optionType

	if expiry.Symbol != "" {
		token := "-" + expiry.Symbol + "-"
		var out []types.Instrument
		for _, inst := range instruments {
			if strings.Contains(inst.SymbolName, token) && strings.HasSuffix(inst.SymbolName, suffix) {
				out = append(out, inst)
			}
		}
		return out
	}

	nowMS := s.now().UnixMilli()
	minExpiry := nowMS + int64(expiry.MinDays)*86400*1000
	maxExpiry := nowMS + int64(expiry.MaxDays)*86400*1000

	var valid []types.Instrument
	for _, inst := range instruments {
		if inst.ExpirationTimestamp >= minExpiry && inst.ExpirationTimestamp <= maxExpiry &&
			strings.HasSuffix(inst.SymbolName, suffix) {
			valid = append(valid, inst)
		}
	}
	if len(valid) == 0 {
		return nil
	}

	// Pick the single expiry closest to the window midpoint.
	target := float64(minExpiry+maxExpiry) / 2
	best := valid[0].ExpirationTimestamp
	for _, inst := range valid[1:] {
		if math.Abs(float64(inst.ExpirationTimestamp)-target) < math.Abs(float64(best)-target) {
			best = inst.ExpirationTimestamp
		}
	}

	var out []types.Instrument
	for _, inst := range valid {
		if inst.ExpirationTimestamp == best {
			out = append(out, inst)
		}
	}
	return out
}

func (s *Selector) pickStrike(ctx context.Context, candidates []types.Instrument, strike StrikeCriteria, underlying string) (*types.Instrument, error) {
	switch strike.Kind {
	case StrikeExact:
		for i := range candidates {
			if candidates[i].Strike == strike.Value {
				return &candidates[i], nil
			}
		}
		return nil, fmt.Errorf("select option: no exact strike %v in expiry", strike.Value)

	case StrikeClosest:
		return closestBy(candidates, func(inst *types.Instrument) float64 {
			return math.Abs(inst.Strike - strike.Value)
		}), nil

	case StrikeSpotDistPct:
		spot := s.data.FuturesPrice(ctx, underlying, true)
		target, _ := spot.Mul(decimal.NewFromFloat(1 + strike.Value/100)).Float64()
		return closestBy(candidates, func(inst *types.Instrument) float64 {
			return math.Abs(inst.Strike - target)
		}), nil

	case StrikeDelta:
		withDelta, deltas := s.fetchDeltas(ctx, candidates)
		if len(withDelta) == 0 {
			return nil, fmt.Errorf("select option: no delta data for any candidate")
		}
		best := 0
		for i := range withDelta {
			if math.Abs(deltas[i]-strike.Value) < math.Abs(deltas[best]-strike.Value) {
				best = i
			}
		}
		return &withDelta[best], nil

	default:
		return nil, fmt.Errorf("select option: unknown strike criteria %q", strike.Kind)
	}
}

// fetchDeltas pulls details for a bounded number of candidates. Contracts
// whose details are unavailable are skipped, not fatal.
func (s *Selector) fetchDeltas(ctx context.Context, candidates []types.Instrument) ([]types.Instrument, []float64) {
	limit := len(candidates)
	if limit > deltaCandidateLimit {
		limit = deltaCandidateLimit
	}

	var out []types.Instrument
	var deltas []float64
	for _, inst := range candidates[:limit] {
		details, err := s.data.OptionDetails(ctx, inst.SymbolName)
		if err != nil {
			s.logger.Warn("no delta for candidate", "symbol", inst.SymbolName, "error", err)
			continue
		}
		out = append(out, inst)
		deltas = append(deltas, details.Delta)
	}
	return out, deltas
}

func closestBy(candidates []types.Instrument, distance func(*types.Instrument) float64) *types.Instrument {
	best := &candidates[0]
	bestDist := distance(best)
	for i := 1; i < len(candidates); i++ {
		if d := distance(&candidates[i]); d < bestDist {
			best = &candidates[i]
			bestDist = d
		}
	}
	return best
}
