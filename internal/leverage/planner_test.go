package leverage

import (
	"testing"

	"lending_engine/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (n *nopLogger) Debug(msg string, f ...interface{})               {}
func (n *nopLogger) Info(msg string, f ...interface{})                {}
func (n *nopLogger) Warn(msg string, f ...interface{})                {}
func (n *nopLogger) Error(msg string, f ...interface{})               {}
func (n *nopLogger) Fatal(msg string, f ...interface{})               {}
func (n *nopLogger) WithField(k string, v interface{}) core.ILogger   { return n }
func (n *nopLogger) WithFields(f map[string]interface{}) core.ILogger { return n }

func stableParams(t *testing.T, maxLTV, liqThreshold float64) core.AssetParams {
	t.Helper()
	p, err := core.NewAssetParams(
		"USDC",
		decimal.NewFromInt(1),
		decimal.NewFromFloat(maxLTV),
		decimal.NewFromFloat(liqThreshold),
		decimal.NewFromFloat(0.03),
		decimal.NewFromFloat(0.05),
		decimal.NewFromFloat(0.07),
		true,
	)
	require.NoError(t, err)
	return p
}

func newPlanner(t *testing.T, maxCycles int, minHF float64) *Planner {
	t.Helper()
	p, err := NewPlanner(Config{
		MaxCycles:                maxCycles,
		MinHealthFactorAfterPlan: decimal.NewFromFloat(minHF),
	}, &nopLogger{})
	require.NoError(t, err)
	return p
}

func TestPlanLoop_ReachesTarget(t *testing.T) {
	planner := newPlanner(t, 10, 1.05)
	params := stableParams(t, 0.50, 0.85)

	// One borrow cycle of 500 lifts 1000 seed to exactly 1.5x.
	plan, err := planner.PlanLoop(params, decimal.NewFromInt(1000), decimal.NewFromFloat(1.5))
	require.NoError(t, err)

	require.Len(t, plan.Cycles, 2)
	assert.True(t, plan.Cycles[1].BorrowedAmount.Equal(decimal.NewFromInt(500)))
	assert.True(t, plan.AchievedMultiplier.Equal(decimal.NewFromFloat(1.5)),
		"got %s", plan.AchievedMultiplier)
	assert.False(t, plan.Truncated)
}

func TestPlanLoop_SameAssetCycles(t *testing.T) {
	planner := newPlanner(t, 10, 1.05)
	params := stableParams(t, 0.50, 0.85)

	// ln(3)/ln(2) caps the loop at two borrow cycles: 500 then 250.
	plan, err := planner.PlanLoop(params, decimal.NewFromInt(1000), decimal.NewFromInt(3))
	require.NoError(t, err)

	require.Len(t, plan.Cycles, 3)
	assert.True(t, plan.Cycles[0].BorrowedAmount.IsZero())
	assert.True(t, plan.Cycles[1].BorrowedAmount.Equal(decimal.NewFromInt(500)))
	assert.True(t, plan.Cycles[1].SuppliedAmount.Equal(decimal.NewFromInt(500)))
	assert.True(t, plan.Cycles[2].BorrowedAmount.Equal(decimal.NewFromInt(250)))
	assert.True(t, plan.AchievedMultiplier.Equal(decimal.NewFromFloat(1.75)),
		"got %s", plan.AchievedMultiplier)
	assert.True(t, plan.Truncated)
	assert.True(t, plan.Cycles[2].ResultingCollateralUSD.Equal(decimal.NewFromInt(1750)))
}

func TestPlanLoop_TargetOneIsSeedOnly(t *testing.T) {
	planner := newPlanner(t, 10, 1.05)
	plan, err := planner.PlanLoop(stableParams(t, 0.80, 0.85), decimal.NewFromInt(500), decimal.NewFromInt(1))
	require.NoError(t, err)

	require.Len(t, plan.Cycles, 1)
	assert.True(t, plan.ProjectedInfinite)
	assert.False(t, plan.Truncated)
}

func TestPlanLoop_CycleCapBoundsRunawayTarget(t *testing.T) {
	planner := newPlanner(t, 4, 1.01)
	params := stableParams(t, 0.80, 0.85)

	// 1/(1-0.8) = 5x is the asymptote; 100x can never be reached. The
	// cycle cap must stop the loop instead of spinning.
	plan, err := planner.PlanLoop(params, decimal.NewFromInt(1000), decimal.NewFromInt(100))
	require.NoError(t, err)

	assert.LessOrEqual(t, len(plan.Cycles), 5) // seed + at most 4 cycles
	assert.True(t, plan.Truncated)
	assert.True(t, plan.AchievedMultiplier.LessThan(decimal.NewFromInt(100)))
}

func TestPlanLoop_HealthFloorTruncates(t *testing.T) {
	// ltv 0.8, threshold 0.85: the loop's health factor tends to
	// 0.85/0.8 = 1.0625, so a 1.3 floor stops it before the cap does.
	planner := newPlanner(t, 20, 1.3)
	params := stableParams(t, 0.80, 0.85)

	plan, err := planner.PlanLoop(params, decimal.NewFromInt(1000), decimal.NewFromInt(100))
	require.NoError(t, err)

	assert.True(t, plan.Truncated)
	require.Len(t, plan.Cycles, 3) // third borrow cycle would cross the floor
	assert.True(t, plan.ProjectedHealthFactor.GreaterThanOrEqual(decimal.NewFromFloat(1.3)),
		"post-plan hf %s below floor", plan.ProjectedHealthFactor)
}

func TestPlanLoop_InfeasibleReturnsSeedOnlyPlan(t *testing.T) {
	// A floor even the first borrow cycle would violate: the plan
	// degenerates to the seed cycle instead of erroring.
	planner := newPlanner(t, 10, 2.0)
	params := stableParams(t, 0.90, 0.905)

	plan, err := planner.PlanLoop(params, decimal.NewFromInt(1000), decimal.NewFromInt(3))
	require.NoError(t, err)

	require.Len(t, plan.Cycles, 1)
	assert.True(t, plan.Truncated)
	assert.True(t, plan.AchievedMultiplier.Equal(decimal.NewFromInt(1)))
}

func TestPlanLoop_BorrowingDisabled(t *testing.T) {
	planner := newPlanner(t, 10, 1.05)
	p, err := core.NewAssetParams(
		"USDC", decimal.NewFromInt(1),
		decimal.NewFromFloat(0.80), decimal.NewFromFloat(0.85),
		decimal.Zero, decimal.Zero, decimal.Zero,
		false,
	)
	require.NoError(t, err)

	plan, err := planner.PlanLoop(p, decimal.NewFromInt(1000), decimal.NewFromInt(2))
	require.NoError(t, err)
	require.Len(t, plan.Cycles, 1)
	assert.True(t, plan.Truncated)
}

func TestUnwind_LIFOOrder(t *testing.T) {
	planner := newPlanner(t, 10, 1.05)
	plan, err := planner.PlanLoop(stableParams(t, 0.50, 0.85), decimal.NewFromInt(1000), decimal.NewFromInt(3))
	require.NoError(t, err)
	require.Len(t, plan.Cycles, 3)

	steps := Unwind(plan)
	require.Len(t, steps, len(plan.Cycles))
	for i, s := range steps {
		assert.Equal(t, len(plan.Cycles)-1-i, s.CycleIndex)
	}
	// Most recently borrowed debt is repaid first
	assert.True(t, steps[0].RepayAmount.Equal(decimal.NewFromInt(250)))
	assert.True(t, steps[1].RepayAmount.Equal(decimal.NewFromInt(500)))
	// The seed cycle only withdraws
	last := steps[len(steps)-1]
	assert.True(t, last.RepayAmount.IsZero())
	assert.True(t, last.WithdrawAmount.Equal(decimal.NewFromInt(1000)))
}

func TestPlanUnwind_RoundTripRestoresPosition(t *testing.T) {
	planner := newPlanner(t, 10, 1.05)
	params := stableParams(t, 0.50, 0.85)

	pos := core.NewPositionState("0xabc")
	require.NoError(t, pos.Supply("USDC", decimal.NewFromInt(200))) // pre-existing collateral

	preCollateral := pos.Collateral["USDC"].Quantity
	_, hadDebt := pos.Debt["USDC"]
	require.False(t, hadDebt)

	plan, err := planner.PlanLoop(params, decimal.NewFromInt(1000), decimal.NewFromInt(3))
	require.NoError(t, err)

	// Execute the plan against the position
	for _, c := range plan.Cycles {
		if c.Index > 0 {
			require.NoError(t, pos.Borrow("USDC", c.BorrowedAmount, core.RateModeVariable))
		}
		require.NoError(t, pos.Supply("USDC", c.SuppliedAmount))
	}

	// Immediately unwind
	for _, s := range Unwind(plan) {
		if s.RepayAmount.IsPositive() {
			require.NoError(t, pos.Repay("USDC", s.RepayAmount))
		}
		require.NoError(t, pos.Withdraw("USDC", s.WithdrawAmount))
	}

	assert.True(t, pos.Collateral["USDC"].Quantity.Equal(preCollateral),
		"collateral not restored: %s", pos.Collateral["USDC"].Quantity)
	_, hasDebt := pos.Debt["USDC"]
	assert.False(t, hasDebt, "debt not fully repaid")
}

func TestUnwindIntents_RepayBeforeWithdraw(t *testing.T) {
	planner := newPlanner(t, 10, 1.05)
	plan, err := planner.PlanLoop(stableParams(t, 0.50, 0.85), decimal.NewFromInt(1000), decimal.NewFromFloat(1.5))
	require.NoError(t, err)

	intents := UnwindIntents(plan, "0xabc")
	require.NotEmpty(t, intents)
	assert.Equal(t, core.IntentRepay, intents[0].Type)
	for _, in := range intents {
		require.NoError(t, in.Validate())
	}
	assert.Equal(t, core.IntentWithdraw, intents[len(intents)-1].Type)
}

func TestNewPlanner_ConfigValidation(t *testing.T) {
	_, err := NewPlanner(Config{MaxCycles: 0, MinHealthFactorAfterPlan: decimal.NewFromFloat(1.2)}, &nopLogger{})
	require.Error(t, err)

	_, err = NewPlanner(Config{MaxCycles: 5, MinHealthFactorAfterPlan: decimal.NewFromInt(1)}, &nopLogger{})
	require.Error(t, err)
}
