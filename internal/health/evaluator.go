// Package health computes position solvency and classifies borrowing risk
package health

import (
	"fmt"

	"lending_engine/internal/core"
	apperrors "lending_engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// RiskTier classifies a health factor into an action band
type RiskTier int

const (
	TierLow RiskTier = iota
	TierMedium
	TierHigh
	TierCritical
	TierLiquidationRisk
)

func (t RiskTier) String() string {
	switch t {
	case TierLow:
		return "Low"
	case TierMedium:
		return "Medium"
	case TierHigh:
		return "High"
	case TierCritical:
		return "Critical"
	case TierLiquidationRisk:
		return "LiquidationRisk"
	default:
		return "Unknown"
	}
}

// TierThresholds are the lower bounds of each tier. The classification must
// stay monotonic and total over (0, +inf]: hf > Low is TierLow,
// (Medium, Low] is TierMedium, (High, Medium] is TierHigh,
// (Critical, High] is TierCritical, and anything at or below Critical is
// TierLiquidationRisk.
type TierThresholds struct {
	Low      decimal.Decimal
	Medium   decimal.Decimal
	High     decimal.Decimal
	Critical decimal.Decimal
}

// DefaultTierThresholds returns the standard policy bands
func DefaultTierThresholds() TierThresholds {
	return TierThresholds{
		Low:      decimal.NewFromFloat(3.0),
		Medium:   decimal.NewFromFloat(2.0),
		High:     decimal.NewFromFloat(1.5),
		Critical: decimal.NewFromFloat(1.1),
	}
}

// Validate rejects non-monotonic or non-positive bands
func (t TierThresholds) Validate() error {
	if !t.Critical.IsPositive() {
		return fmt.Errorf("tier thresholds: critical bound must be positive, got %s", t.Critical)
	}
	if t.High.LessThanOrEqual(t.Critical) || t.Medium.LessThanOrEqual(t.High) || t.Low.LessThanOrEqual(t.Medium) {
		return fmt.Errorf("tier thresholds must be strictly increasing: critical=%s high=%s medium=%s low=%s",
			t.Critical, t.High, t.Medium, t.Low)
	}
	return nil
}

// Evaluation is the result of one solvency computation. HealthFactor is
// meaningless when Infinite is set (zero debt).
type Evaluation struct {
	HealthFactor                 decimal.Decimal
	Infinite                     bool
	Tier                         RiskTier
	TotalCollateralUSD           decimal.Decimal
	TotalDebtUSD                 decimal.Decimal
	WeightedLiquidationThreshold decimal.Decimal
}

// HealthFactorFloat renders the health factor for logging and metrics,
// capping the infinite case
func (e *Evaluation) HealthFactorFloat() float64 {
	if e.Infinite {
		return 999.0
	}
	f, _ := e.HealthFactor.Float64()
	return f
}

// Evaluator computes health factors. It is a pure component: no side
// effects, safe to call at any frequency.
type Evaluator struct {
	thresholds TierThresholds
}

// NewEvaluator builds an evaluator, rejecting invalid tier bands at
// construction
func NewEvaluator(thresholds TierThresholds) (*Evaluator, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{thresholds: thresholds}, nil
}

// Evaluate computes the health factor and risk tier for a position against
// one consistent market snapshot. Missing asset parameters are fatal for
// the evaluation: risk cannot be assessed on an unpriced asset.
func (e *Evaluator) Evaluate(position *core.PositionState, snapshot *core.MarketSnapshot) (*Evaluation, error) {
	totalCollateral := decimal.Zero
	weightedThreshold := decimal.Zero

	for _, entry := range position.Collateral {
		params, ok := snapshot.Params(entry.Asset)
		if !ok {
			return nil, fmt.Errorf("%w: no params for collateral asset %s", apperrors.ErrDataUnavailable, entry.Asset)
		}
		value := entry.ValueUSD(params)
		totalCollateral = totalCollateral.Add(value)
		weightedThreshold = weightedThreshold.Add(value.Mul(params.LiquidationThreshold))
	}

	totalDebt := decimal.Zero
	for _, entry := range position.Debt {
		params, ok := snapshot.Params(entry.Asset)
		if !ok {
			return nil, fmt.Errorf("%w: no params for debt asset %s", apperrors.ErrDataUnavailable, entry.Asset)
		}
		totalDebt = totalDebt.Add(entry.ValueUSD(params))
	}

	wlt := decimal.Zero
	if totalCollateral.IsPositive() {
		wlt = weightedThreshold.Div(totalCollateral)
	}

	eval := &Evaluation{
		TotalCollateralUSD:           totalCollateral,
		TotalDebtUSD:                 totalDebt,
		WeightedLiquidationThreshold: wlt,
	}

	if totalDebt.IsZero() {
		eval.Infinite = true
		eval.Tier = TierLow
		return eval, nil
	}

	eval.HealthFactor = totalCollateral.Mul(wlt).Div(totalDebt)
	eval.Tier = e.classify(eval.HealthFactor)
	return eval, nil
}

// Classify maps a finite health factor onto a tier
func (e *Evaluator) Classify(hf decimal.Decimal) RiskTier {
	return e.classify(hf)
}

func (e *Evaluator) classify(hf decimal.Decimal) RiskTier {
	switch {
	case hf.GreaterThan(e.thresholds.Low):
		return TierLow
	case hf.GreaterThan(e.thresholds.Medium):
		return TierMedium
	case hf.GreaterThan(e.thresholds.High):
		return TierHigh
	case hf.GreaterThan(e.thresholds.Critical):
		return TierCritical
	default:
		return TierLiquidationRisk
	}
}
