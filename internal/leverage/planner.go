// Package leverage constructs and unwinds multi-cycle supply/borrow loops
package leverage

import (
	"fmt"
	"math"

	"lending_engine/internal/core"

	"github.com/shopspring/decimal"
)

// Cycle is an immutable record of one supply->borrow step. Cycle 0 is the
// seed deposit and borrows nothing.
type Cycle struct {
	Index                  int
	SuppliedAmount         decimal.Decimal
	BorrowedAmount         decimal.Decimal
	ResultingCollateralUSD decimal.Decimal
}

// Plan is an ordered leverage loop: append-only once constructed, executed
// top-to-bottom and unwound bottom-to-top
type Plan struct {
	SeedAsset          string
	SeedAmount         decimal.Decimal
	TargetMultiplier   decimal.Decimal
	Cycles             []Cycle
	AchievedMultiplier decimal.Decimal
	// Truncated marks a plan stopped short of the target, either by the
	// cycle cap or by the health factor floor
	Truncated bool
	// ProjectedHealthFactor is the simulated post-plan health factor;
	// infinite (no debt) when the plan is only the seed cycle
	ProjectedHealthFactor decimal.Decimal
	ProjectedInfinite     bool
}

// TotalSupplied sums supplied amounts across cycles
func (p *Plan) TotalSupplied() decimal.Decimal {
	total := decimal.Zero
	for _, c := range p.Cycles {
		total = total.Add(c.SuppliedAmount)
	}
	return total
}

// TotalBorrowed sums borrowed amounts across cycles
func (p *Plan) TotalBorrowed() decimal.Decimal {
	total := decimal.Zero
	for _, c := range p.Cycles {
		total = total.Add(c.BorrowedAmount)
	}
	return total
}

// Intents renders the plan as an ordered supply/borrow intent sequence for
// the executing collaborator
func (p *Plan) Intents(account string) []*core.Intent {
	var intents []*core.Intent
	for _, c := range p.Cycles {
		if c.Index > 0 {
			intents = append(intents, core.NewIntent(core.IntentBorrow, account, p.SeedAsset, c.BorrowedAmount))
		}
		intents = append(intents, core.NewIntent(core.IntentSupply, account, p.SeedAsset, c.SuppliedAmount))
	}
	return intents
}

// UnwindStep is one (repay, withdraw) pair of the reverse sequence
type UnwindStep struct {
	CycleIndex     int
	Asset          string
	RepayAmount    decimal.Decimal
	WithdrawAmount decimal.Decimal
}

// Unwind returns the reverse sequence, repaying the most recently borrowed
// debt first. The LIFO order is load-bearing: later cycles' debt is
// collateralized by earlier cycles' supply, so any other order can leave
// intermediate steps under-collateralized.
func Unwind(plan *Plan) []UnwindStep {
	steps := make([]UnwindStep, 0, len(plan.Cycles))
	for i := len(plan.Cycles) - 1; i >= 0; i-- {
		c := plan.Cycles[i]
		steps = append(steps, UnwindStep{
			CycleIndex:     c.Index,
			Asset:          plan.SeedAsset,
			RepayAmount:    c.BorrowedAmount,
			WithdrawAmount: c.SuppliedAmount,
		})
	}
	return steps
}

// UnwindIntents renders the unwind sequence as repay/withdraw intents
func UnwindIntents(plan *Plan, account string) []*core.Intent {
	var intents []*core.Intent
	for _, s := range Unwind(plan) {
		if s.RepayAmount.IsPositive() {
			intents = append(intents, core.NewIntent(core.IntentRepay, account, s.Asset, s.RepayAmount))
		}
		intents = append(intents, core.NewIntent(core.IntentWithdraw, account, s.Asset, s.WithdrawAmount))
	}
	return intents
}

// Config bounds the planner
type Config struct {
	// MaxCycles is the hard cap on loop length regardless of target
	MaxCycles int
	// MinHealthFactorAfterPlan is the floor the simulated post-cycle health
	// factor may never cross
	MinHealthFactorAfterPlan decimal.Decimal
}

// Planner builds leverage loop plans with simulate-before-commit discipline
type Planner struct {
	cfg    Config
	logger core.ILogger
}

// NewPlanner validates bounds at construction
func NewPlanner(cfg Config, logger core.ILogger) (*Planner, error) {
	if cfg.MaxCycles < 1 {
		return nil, fmt.Errorf("leverage planner: max cycles must be at least 1, got %d", cfg.MaxCycles)
	}
	if cfg.MinHealthFactorAfterPlan.LessThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("leverage planner: min health factor after plan must exceed 1.0, got %s",
			cfg.MinHealthFactorAfterPlan)
	}
	return &Planner{
		cfg:    cfg,
		logger: logger.WithField("component", "leverage_planner"),
	}, nil
}

// PlanLoop builds a same-asset supply/borrow loop for the seed asset until
// the target multiplier, the cycle cap, or the health factor floor stops
// it. An unreachable target never fails: the largest feasible plan is
// returned with Truncated set.
func (p *Planner) PlanLoop(
	params core.AssetParams,
	seedAmount decimal.Decimal,
	targetMultiplier decimal.Decimal,
) (*Plan, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if !seedAmount.IsPositive() {
		return nil, fmt.Errorf("leverage planner: seed amount must be positive, got %s", seedAmount)
	}
	if targetMultiplier.LessThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("leverage planner: target multiplier must be at least 1, got %s", targetMultiplier)
	}

	plan := &Plan{
		SeedAsset:        params.Symbol,
		SeedAmount:       seedAmount,
		TargetMultiplier: targetMultiplier,
		Cycles: []Cycle{{
			Index:                  0,
			SuppliedAmount:         seedAmount,
			BorrowedAmount:         decimal.Zero,
			ResultingCollateralUSD: seedAmount.Mul(params.PriceUSD),
		}},
		AchievedMultiplier: decimal.NewFromInt(1),
		ProjectedInfinite:  true,
	}

	if targetMultiplier.Equal(decimal.NewFromInt(1)) {
		return plan, nil
	}
	if !params.BorrowingEnabled || !params.MaxLTV.IsPositive() {
		plan.Truncated = true
		p.logger.Warn("Borrowing unavailable for seed asset, returning seed-only plan",
			"asset", params.Symbol, "max_ltv", params.MaxLTV)
		return plan, nil
	}

	maxCycles := p.cycleCap(targetMultiplier, params.MaxLTV)

	totalSupplied := seedAmount
	totalDebt := decimal.Zero
	prevSupplied := seedAmount

	for cycle := 1; cycle <= maxCycles; cycle++ {
		if plan.AchievedMultiplier.GreaterThanOrEqual(targetMultiplier) {
			return plan, nil
		}

		borrow := prevSupplied.Mul(params.MaxLTV)

		// Simulate the cycle before committing it
		simSupplied := totalSupplied.Add(borrow)
		simDebt := totalDebt.Add(borrow)
		simHF := simSupplied.Mul(params.LiquidationThreshold).Div(simDebt)
		if simHF.LessThan(p.cfg.MinHealthFactorAfterPlan) {
			plan.Truncated = true
			p.logger.Info("Health factor floor reached, truncating plan",
				"asset", params.Symbol,
				"cycle", cycle,
				"simulated_hf", simHF,
				"floor", p.cfg.MinHealthFactorAfterPlan)
			return plan, nil
		}

		totalSupplied = simSupplied
		totalDebt = simDebt
		prevSupplied = borrow

		plan.Cycles = append(plan.Cycles, Cycle{
			Index:                  cycle,
			SuppliedAmount:         borrow,
			BorrowedAmount:         borrow,
			ResultingCollateralUSD: totalSupplied.Mul(params.PriceUSD),
		})
		plan.AchievedMultiplier = totalSupplied.Div(seedAmount)
		plan.ProjectedHealthFactor = simHF
		plan.ProjectedInfinite = false
	}

	if plan.AchievedMultiplier.LessThan(targetMultiplier) {
		plan.Truncated = true
	}
	return plan, nil
}

// cycleCap bounds loop length: ceil(ln(target) / ln(1/(1-ltv))) cycles
// reach the target in the ideal geometric case, and the configured maximum
// applies regardless. The cap is mandatory: it bounds gas and stops runaway
// recursion from an ill-chosen multiplier.
func (p *Planner) cycleCap(target, ltv decimal.Decimal) int {
	targetF, _ := target.Float64()
	ltvF, _ := ltv.Float64()

	denom := math.Log(1 / (1 - ltvF))
	if denom <= 0 {
		return p.cfg.MaxCycles
	}
	ideal := int(math.Ceil(math.Log(targetF) / denom))
	if ideal < 1 {
		ideal = 1
	}
	if ideal > p.cfg.MaxCycles {
		return p.cfg.MaxCycles
	}
	return ideal
}
