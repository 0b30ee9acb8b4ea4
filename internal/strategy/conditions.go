// Package strategy turns declarative strategy configurations into live
// trades. Condition factories build the entry and exit predicates; the
// Runner evaluates them on every account snapshot and hands passing
// setups to the lifecycle manager.
package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/internal/lifecycle"
	"coincall-trader/pkg/types"
)

// EntryCondition is one entry gate. All of a strategy's entry conditions
// must pass for a trade to open.
type EntryCondition struct {
	Name  string
	Check func(snap *types.AccountSnapshot) bool
}

// ————————————————————————————————————————————————————————————————————————
// Entry condition factories
// ————————————————————————————————————————————————————————————————————————

// MinAvailableMarginPct blocks entry when available margin is less than
// pct% of equity. Non-positive equity always blocks.
func MinAvailableMarginPct(pct float64) EntryCondition {
	threshold := decimal.NewFromFloat(pct)
	return EntryCondition{
		Name: fmt.Sprintf("min_available_margin_pct(%v%%)", pct),
		Check: func(snap *types.AccountSnapshot) bool {
			if !snap.Equity.IsPositive() {
				return false
			}
			marginPct := snap.AvailableMargin.Div(snap.Equity).Mul(decimal.NewFromInt(100))
			return marginPct.GreaterThanOrEqual(threshold)
		},
	}
}

// TimeWindow allows entry between startHour (inclusive) and endHour
// (exclusive), UTC. A start after the end wraps past midnight.
func TimeWindow(startHour, endHour int) EntryCondition {
	return EntryCondition{
		Name: fmt.Sprintf("time_window(%02d-%02d UTC)", startHour, endHour),
		Check: func(snap *types.AccountSnapshot) bool {
			return hourInWindow(time.Now().UTC().Hour(), startHour, endHour)
		},
	}
}

func hourInWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// WeekdayFilter allows entry only on the given days, named by their
// three-letter abbreviations ("mon" .. "sun"). Unknown names are ignored.
func WeekdayFilter(days []string) EntryCondition {
	allowed := parseWeekdays(days)
	return EntryCondition{
		Name: fmt.Sprintf("weekday_filter(%v)", days),
		Check: func(snap *types.AccountSnapshot) bool {
			return allowed[time.Now().UTC().Weekday()]
		},
	}
}

func parseWeekdays(days []string) map[time.Weekday]bool {
	byAbbr := map[string]time.Weekday{
		"mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
		"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
		"sun": time.Sunday,
	}
	allowed := make(map[time.Weekday]bool)
	for _, d := range days {
		abbr := strings.ToLower(d)
		if len(abbr) > 3 {
			abbr = abbr[:3]
		}
		if wd, ok := byAbbr[abbr]; ok {
			allowed[wd] = true
		}
	}
	return allowed
}

// MinEquity blocks entry when equity is below a USD floor.
func MinEquity(amount float64) EntryCondition {
	floor := decimal.NewFromFloat(amount)
	return EntryCondition{
		Name: fmt.Sprintf("min_equity($%v)", amount),
		Check: func(snap *types.AccountSnapshot) bool {
			return snap.Equity.GreaterThanOrEqual(floor)
		},
	}
}

// MaxAccountDelta blocks entry when the account's absolute net delta
// exceeds the threshold.
func MaxAccountDelta(threshold float64) EntryCondition {
	return EntryCondition{
		Name: fmt.Sprintf("max_account_delta(%v)", threshold),
		Check: func(snap *types.AccountSnapshot) bool {
			return abs(snap.NetDelta) <= threshold
		},
	}
}

// MaxMarginUtilization blocks entry when margin utilisation exceeds pct%.
func MaxMarginUtilization(pct float64) EntryCondition {
	return EntryCondition{
		Name: fmt.Sprintf("max_margin_utilization(%v%%)", pct),
		Check: func(snap *types.AccountSnapshot) bool {
			return snap.MarginUtilization <= pct
		},
	}
}

// NoExistingPositionIn blocks entry when the account already holds any of
// the given symbols.
func NoExistingPositionIn(symbols []string) EntryCondition {
	return EntryCondition{
		Name: fmt.Sprintf("no_existing_position_in(%v)", symbols),
		Check: func(snap *types.AccountSnapshot) bool {
			for _, sym := range symbols {
				if _, ok := snap.Position(sym); ok {
					return false
				}
			}
			return true
		},
	}
}

// UTCWindow allows entry when the UTC wall clock is within [start, end).
// Full datetimes, for minute-precision scheduled entries.
func UTCWindow(start, end time.Time) EntryCondition {
	return EntryCondition{
		Name: fmt.Sprintf("utc_window(%s-%s)", start.Format("15:04"), end.Format("15:04")),
		Check: func(snap *types.AccountSnapshot) bool {
			now := time.Now().UTC()
			return !now.Before(start) && now.Before(end)
		},
	}
}

// ————————————————————————————————————————————————————————————————————————
// Exit condition factories
// ————————————————————————————————————————————————————————————————————————

// ProfitTarget closes when PnL reaches +pct% of the absolute entry cost.
// Returns false while the entry cost is zero (nothing filled yet).
func ProfitTarget(pct float64) lifecycle.ExitCondition {
	return lifecycle.ExitCondition{
		Name: fmt.Sprintf("profit_target(%v%%)", pct),
		Check: func(snap *types.AccountSnapshot, tr *lifecycle.Trade) bool {
			ratio, ok := pnlRatio(snap, tr)
			return ok && ratio >= pct
		},
	}
}

// MaxLoss closes when the loss reaches pct% of the absolute entry cost.
func MaxLoss(pct float64) lifecycle.ExitCondition {
	return lifecycle.ExitCondition{
		Name: fmt.Sprintf("max_loss(%v%%)", pct),
		Check: func(snap *types.AccountSnapshot, tr *lifecycle.Trade) bool {
			ratio, ok := pnlRatio(snap, tr)
			return ok && ratio <= -pct
		},
	}
}

// pnlRatio is the trade's PnL as a percentage of |entry cost|. ok=false
// when the entry cost is zero.
func pnlRatio(snap *types.AccountSnapshot, tr *lifecycle.Trade) (float64, bool) {
	entry := tr.EntryCost()
	if entry.IsZero() {
		return 0, false
	}
	ratio := tr.PnL(snap).Div(entry.Abs()).Mul(decimal.NewFromInt(100))
	f, _ := ratio.Float64()
	return f, true
}

// MaxHoldHours closes once the trade has been open longer than the given
// number of hours.
func MaxHoldHours(hours float64) lifecycle.ExitCondition {
	limit := time.Duration(hours * float64(time.Hour))
	return lifecycle.ExitCondition{
		Name: fmt.Sprintf("max_hold_hours(%vh)", hours),
		Check: func(snap *types.AccountSnapshot, tr *lifecycle.Trade) bool {
			held := tr.HoldDuration(time.Now())
			return held > 0 && held >= limit
		},
	}
}

// TimeExit closes at or after a UTC wall-clock time on the current day.
func TimeExit(hour, minute int) lifecycle.ExitCondition {
	return lifecycle.ExitCondition{
		Name: fmt.Sprintf("time_exit(%02d:%02d UTC)", hour, minute),
		Check: func(snap *types.AccountSnapshot, tr *lifecycle.Trade) bool {
			now := time.Now().UTC()
			cutoff := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
			return !now.Before(cutoff)
		},
	}
}

// UTCDatetimeExit closes at or after an absolute UTC datetime. Unambiguous
// across midnight, unlike TimeExit.
func UTCDatetimeExit(at time.Time) lifecycle.ExitCondition {
	return lifecycle.ExitCondition{
		Name: fmt.Sprintf("utc_datetime_exit(%s)", at.Format("2006-01-02 15:04")),
		Check: func(snap *types.AccountSnapshot, tr *lifecycle.Trade) bool {
			return !time.Now().UTC().Before(at)
		},
	}
}

// StructureDeltaLimit closes when this trade's absolute pro-rated delta
// exceeds the threshold.
func StructureDeltaLimit(threshold float64) lifecycle.ExitCondition {
	return lifecycle.ExitCondition{
		Name: fmt.Sprintf("structure_delta_limit(%v)", threshold),
		Check: func(snap *types.AccountSnapshot, tr *lifecycle.Trade) bool {
			return abs(tr.Delta(snap)) > threshold
		},
	}
}

// AccountDeltaLimit closes when the account-wide absolute net delta
// exceeds the threshold.
func AccountDeltaLimit(threshold float64) lifecycle.ExitCondition {
	return lifecycle.ExitCondition{
		Name: fmt.Sprintf("account_delta_limit(%v)", threshold),
		Check: func(snap *types.AccountSnapshot, tr *lifecycle.Trade) bool {
			return snap != nil && abs(snap.NetDelta) > threshold
		},
	}
}

// LegGreekLimit closes when one leg's pro-rated Greek crosses a threshold.
// greek is "delta", "gamma", "theta", or "vega"; op is ">" or "<". An
// unknown leg index, Greek, or operator never triggers.
func LegGreekLimit(legIndex int, greek, op string, value float64) lifecycle.ExitCondition {
	return lifecycle.ExitCondition{
		Name: fmt.Sprintf("leg[%d].%s %s %v", legIndex, greek, op, value),
		Check: func(snap *types.AccountSnapshot, tr *lifecycle.Trade) bool {
			actual, ok := tr.LegGreek(snap, legIndex, greek)
			if !ok {
				return false
			}
			switch op {
			case ">":
				return actual > value
			case "<":
				return actual < value
			}
			return false
		},
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
