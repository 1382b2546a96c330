// Package ratemode compares stable and variable borrow cost projections
package ratemode

import (
	"fmt"

	"lending_engine/internal/core"

	"github.com/shopspring/decimal"
)

// DefaultSwitchThreshold is the hysteresis band in rate points (0.5
// percentage points). Rates within the band never trigger a switch, which
// prevents thrashing when stable and variable are near parity.
var DefaultSwitchThreshold = decimal.NewFromFloat(0.005)

// Recommendation is the optimizer's verdict for one debt entry. Projected
// savings are reported even when no switch is recommended, for
// observability.
type Recommendation struct {
	Switch                    bool
	CurrentMode               core.RateMode
	TargetMode                core.RateMode
	RateDelta                 decimal.Decimal
	DebtValueUSD              decimal.Decimal
	ProjectedAnnualSavingsUSD decimal.Decimal
}

// Optimizer decides rate-mode switches. Side-effect free; the caller
// executes the swap_rate_mode intent.
type Optimizer struct {
	threshold decimal.Decimal
}

// NewOptimizer validates the hysteresis threshold at construction
func NewOptimizer(threshold decimal.Decimal) (*Optimizer, error) {
	if threshold.IsNegative() {
		return nil, fmt.Errorf("rate mode optimizer: switch threshold must be non-negative, got %s", threshold)
	}
	return &Optimizer{threshold: threshold}, nil
}

// Recommend compares the entry's current borrow rate against the
// alternative mode. A switch is recommended only when the alternative
// undercuts the current rate by more than the hysteresis threshold.
func (o *Optimizer) Recommend(debt core.DebtEntry, params core.AssetParams) Recommendation {
	debtUSD := debt.ValueUSD(params)

	var currentRate, otherRate decimal.Decimal
	var otherMode core.RateMode
	switch debt.RateMode {
	case core.RateModeStable:
		currentRate, otherRate, otherMode = params.StableBorrowAPY, params.VariableBorrowAPY, core.RateModeVariable
	default:
		currentRate, otherRate, otherMode = params.VariableBorrowAPY, params.StableBorrowAPY, core.RateModeStable
	}

	delta := currentRate.Sub(otherRate)

	rec := Recommendation{
		CurrentMode:               debt.RateMode,
		TargetMode:                debt.RateMode,
		RateDelta:                 delta,
		DebtValueUSD:              debtUSD,
		ProjectedAnnualSavingsUSD: delta.Abs().Mul(debtUSD),
	}

	if otherRate.LessThan(currentRate.Sub(o.threshold)) {
		rec.Switch = true
		rec.TargetMode = otherMode
	}
	return rec
}

// Intent renders a recommendation as a swap_rate_mode intent; nil when no
// switch is recommended
func (r Recommendation) Intent(account, asset string) *core.Intent {
	if !r.Switch {
		return nil
	}
	in := core.NewIntent(core.IntentSwapRateMode, account, asset, decimal.Zero)
	in.TargetMode = r.TargetMode
	return in
}
