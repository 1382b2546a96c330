package protection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lending_engine/internal/core"
	"lending_engine/internal/health"
	"lending_engine/internal/mock"
	"lending_engine/internal/ratemode"
	apperrors "lending_engine/pkg/errors"

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

// scriptedWallet returns queued balances per asset, holding the last value
// once the queue drains
type scriptedWallet struct {
	mu        sync.Mutex
	responses map[string][]decimal.Decimal
}

func (w *scriptedWallet) GetBalance(ctx context.Context, account, asset string) (decimal.Decimal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := w.responses[asset]
	if len(q) == 0 {
		return decimal.Zero, nil
	}
	v := q[0]
	if len(q) > 1 {
		w.responses[asset] = q[1:]
	}
	return v, nil
}

func newParams(t *testing.T, symbol string, price, maxLTV, liq float64) core.AssetParams {
	t.Helper()
	p, err := core.NewAssetParams(
		symbol,
		decimal.NewFromFloat(price),
		decimal.NewFromFloat(maxLTV),
		decimal.NewFromFloat(liq),
		decimal.NewFromFloat(0.03),
		decimal.NewFromFloat(0.05),
		decimal.NewFromFloat(0.07),
		true,
	)
	require.NoError(t, err)
	return p
}

func testConfig() Config {
	return Config{
		TriggerHealthFactor: decimal.NewFromFloat(1.5),
		TargetHealthFactor:  decimal.NewFromFloat(2.0),
		MaxIntentRetries:    2,
		IntentTimeout:       5 * time.Second,
	}
}

func newController(t *testing.T, cfg Config, market core.ILendingMarket, wallet core.IWallet) *Controller {
	t.Helper()
	ev, err := health.NewEvaluator(health.DefaultTierThresholds())
	require.NoError(t, err)
	c, err := NewController("acct", cfg, market, wallet, ev, nil, nil, nil, &nopLogger{})
	require.NoError(t, err)
	return c
}

func riskyPosition(t *testing.T, m *mock.MockLendingMarket) {
	t.Helper()
	m.SetAssetParams(newParams(t, "USDC", 1, 0.80, 0.85))
	ps := core.NewPositionState("acct")
	require.NoError(t, ps.Supply("USDC", decimal.NewFromInt(10000)))
	require.NoError(t, ps.Borrow("USDC", decimal.NewFromInt(8000), core.RateModeVariable))
	m.SetPosition(ps)
}

func TestTick_RepaysToTargetExactly(t *testing.T) {
	m := mock.NewMockLendingMarket()
	riskyPosition(t, m)
	w := mock.NewMockWallet()
	w.SetBalance("acct", "USDC", decimal.NewFromInt(5000))

	c := newController(t, testConfig(), m, w)
	res, err := c.Tick(context.Background())
	require.NoError(t, err)

	// 10000 * 0.85 / 8000 = 1.0625, below the 1.5 trigger. Repay
	// 8000 - 8500/2 = 3750 to land on 2.0 exactly.
	require.Len(t, res.Intents, 1)
	assert.Equal(t, core.IntentRepay, res.Intents[0].Type)
	assert.True(t, res.Intents[0].Amount.Equal(decimal.NewFromInt(3750)),
		"repay: got %s", res.Intents[0].Amount)

	assert.Equal(t, StateNominal, res.StateAfter)
	assert.False(t, res.Evaluation.Infinite)
	assert.True(t, res.Evaluation.HealthFactor.Equal(decimal.NewFromInt(2)),
		"post-repay health factor: got %s", res.Evaluation.HealthFactor)

	ps, err := m.GetPosition(context.Background(), "acct")
	require.NoError(t, err)
	assert.True(t, ps.Debt["USDC"].Quantity.Equal(decimal.NewFromInt(4250)))
}

func TestTick_SecondTickTakesNoAction(t *testing.T) {
	m := mock.NewMockLendingMarket()
	riskyPosition(t, m)
	w := mock.NewMockWallet()
	w.SetBalance("acct", "USDC", decimal.NewFromInt(5000))

	c := newController(t, testConfig(), m, w)
	ctx := context.Background()

	first, err := c.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, StateNominal, first.StateAfter)

	second, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.Intents)
	assert.Equal(t, StateNominal, second.StateAfter)
}

func TestTick_SwapsOtherHoldingWhenBalanceShort(t *testing.T) {
	m := mock.NewMockLendingMarket()
	m.SetAssetParams(newParams(t, "USDC", 1, 0.80, 0.85))
	m.SetAssetParams(newParams(t, "WETH", 2000, 0.75, 0.80))

	ps := core.NewPositionState("acct")
	require.NoError(t, ps.Supply("USDC", decimal.NewFromInt(10000)))
	require.NoError(t, ps.Supply("WETH", decimal.NewFromInt(1)))
	require.NoError(t, ps.Borrow("USDC", decimal.NewFromInt(8000), core.RateModeVariable))
	m.SetPosition(ps)

	// First USDC read shows the shortfall; the read after the swap covers
	// the 2950 repay.
	w := &scriptedWallet{responses: map[string][]decimal.Decimal{
		"USDC": {decimal.NewFromInt(1000), decimal.NewFromInt(4000)},
		"WETH": {decimal.NewFromInt(5)},
	}}

	c := newController(t, testConfig(), m, w)
	res, err := c.Tick(context.Background())
	require.NoError(t, err)

	// Weighted collateral 10100 over 8000 debt is 1.2625. Repay
	// 8000 - 10100/2 = 2950, leaving 5050 and a factor of exactly 2.0.
	require.Len(t, res.Intents, 2)
	assert.Equal(t, core.IntentSwap, res.Intents[0].Type)
	assert.Equal(t, "WETH", res.Intents[0].Asset)
	assert.Equal(t, "USDC", res.Intents[0].ToAsset)
	assert.Equal(t, core.IntentRepay, res.Intents[1].Type)
	assert.True(t, res.Intents[1].Amount.Equal(decimal.NewFromInt(2950)),
		"repay: got %s", res.Intents[1].Amount)
	assert.Equal(t, StateNominal, res.StateAfter)
	assert.True(t, res.Evaluation.HealthFactor.Equal(decimal.NewFromInt(2)))
}

func TestTick_InsufficientAfterSwapFails(t *testing.T) {
	m := mock.NewMockLendingMarket()
	m.SetAssetParams(newParams(t, "USDC", 1, 0.80, 0.85))
	m.SetAssetParams(newParams(t, "WETH", 2000, 0.75, 0.80))

	ps := core.NewPositionState("acct")
	require.NoError(t, ps.Supply("USDC", decimal.NewFromInt(10000)))
	require.NoError(t, ps.Supply("WETH", decimal.NewFromInt(1)))
	require.NoError(t, ps.Borrow("USDC", decimal.NewFromInt(8000), core.RateModeVariable))
	m.SetPosition(ps)

	w := &scriptedWallet{responses: map[string][]decimal.Decimal{
		"USDC": {decimal.NewFromInt(1000), decimal.NewFromInt(1100)},
		"WETH": {decimal.NewFromFloat(0.01)},
	}}

	c := newController(t, testConfig(), m, w)
	res, err := c.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientBalance))
	assert.Equal(t, StateFailed, res.StateAfter)
}

func TestTick_TwoRevertsEscalateToFailed(t *testing.T) {
	m := mock.NewMockLendingMarket()
	riskyPosition(t, m)
	m.RevertNext(core.IntentRepay, 2)
	w := mock.NewMockWallet()
	w.SetBalance("acct", "USDC", decimal.NewFromInt(5000))

	c := newController(t, testConfig(), m, w)
	res, err := c.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrIntentRejected))
	assert.Equal(t, StateFailed, res.StateAfter)
}

func TestTick_FailedIsTerminalForTickOnly(t *testing.T) {
	m := mock.NewMockLendingMarket()
	riskyPosition(t, m)
	m.RevertNext(core.IntentRepay, 2)
	w := mock.NewMockWallet()
	w.SetBalance("acct", "USDC", decimal.NewFromInt(5000))

	c := newController(t, testConfig(), m, w)
	ctx := context.Background()

	_, err := c.Tick(ctx)
	require.Error(t, err)
	require.Equal(t, StateFailed, c.State())

	// The injected reverts are spent; the next tick re-enters Monitoring
	// and completes the repayment.
	res, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.StateBefore)
	assert.Equal(t, StateNominal, res.StateAfter)
}

func TestTick_DataUnavailableLeavesStateUntouched(t *testing.T) {
	m := mock.NewMockLendingMarket()
	riskyPosition(t, m)
	m.SetSnapshotError(apperrors.ErrDataUnavailable)
	w := mock.NewMockWallet()

	c := newController(t, testConfig(), m, w)
	res, err := c.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDataUnavailable))
	assert.Equal(t, res.StateBefore, res.StateAfter)
	assert.Empty(t, res.Intents)

	// Position untouched: no intents ever reached the venue.
	assert.Empty(t, m.SubmittedIntents())
}

func TestTick_InFlightTickIsSkippedNotQueued(t *testing.T) {
	m := mock.NewMockLendingMarket()
	riskyPosition(t, m)
	c := newController(t, testConfig(), m, mock.NewMockWallet())

	c.inFlight.Store(true)
	res, err := c.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, res.Intents)
	c.inFlight.Store(false)
}

func TestTick_EmptyPositionIsNominal(t *testing.T) {
	m := mock.NewMockLendingMarket()
	c := newController(t, testConfig(), m, mock.NewMockWallet())

	res, err := c.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateNominal, res.StateAfter)
	assert.True(t, res.Evaluation.Infinite)
	assert.Equal(t, health.TierLow, res.Evaluation.Tier)
}

func TestTick_AutoSwapRateModeSubmitsSwitch(t *testing.T) {
	m := mock.NewMockLendingMarket()
	p, err := core.NewAssetParams(
		"DAI",
		decimal.NewFromInt(1),
		decimal.NewFromFloat(0.75),
		decimal.NewFromFloat(0.80),
		decimal.NewFromFloat(0.03),
		decimal.NewFromFloat(0.07), // variable
		decimal.NewFromFloat(0.08), // stable
		true,
	)
	require.NoError(t, err)
	m.SetAssetParams(p)

	ps := core.NewPositionState("acct")
	require.NoError(t, ps.Supply("DAI", decimal.NewFromInt(10000)))
	require.NoError(t, ps.Borrow("DAI", decimal.NewFromInt(2000), core.RateModeStable))
	m.SetPosition(ps)

	cfg := testConfig()
	cfg.AutoSwapRateMode = true
	ev, err := health.NewEvaluator(health.DefaultTierThresholds())
	require.NoError(t, err)
	opt, err := ratemode.NewOptimizer(ratemode.DefaultSwitchThreshold)
	require.NoError(t, err)
	c, err := NewController("acct", cfg, m, mock.NewMockWallet(), ev, opt, nil, nil, &nopLogger{})
	require.NoError(t, err)

	res, err := c.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Intents, 1)
	assert.Equal(t, core.IntentSwapRateMode, res.Intents[0].Type)
	assert.Equal(t, core.RateModeVariable, res.Intents[0].TargetMode)
	assert.Equal(t, StateNominal, res.StateAfter)

	got, err := m.GetPosition(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, core.RateModeVariable, got.Debt["DAI"].RateMode)
}

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig()
	cfg.TargetHealthFactor = decimal.NewFromFloat(0.9)
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.TriggerHealthFactor = decimal.NewFromFloat(2.5)
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.MaxIntentRetries = 0
	assert.Error(t, cfg.Validate())

	assert.NoError(t, testConfig().Validate())
}

func TestRequiredRepaymentUSD_Clamps(t *testing.T) {
	// Healthy position needs nothing.
	eval := &health.Evaluation{
		HealthFactor:                 decimal.NewFromInt(3),
		TotalCollateralUSD:           decimal.NewFromInt(12000),
		TotalDebtUSD:                 decimal.NewFromInt(3400),
		WeightedLiquidationThreshold: decimal.NewFromFloat(0.85),
	}
	assert.True(t, RequiredRepaymentUSD(eval, decimal.NewFromInt(2)).IsZero())

	// Worthless collateral clamps to full debt.
	eval = &health.Evaluation{
		HealthFactor:                 decimal.Zero,
		TotalCollateralUSD:           decimal.Zero,
		TotalDebtUSD:                 decimal.NewFromInt(5000),
		WeightedLiquidationThreshold: decimal.Zero,
	}
	assert.True(t, RequiredRepaymentUSD(eval, decimal.NewFromInt(2)).Equal(decimal.NewFromInt(5000)))
}
