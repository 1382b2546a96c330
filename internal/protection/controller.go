// Package protection runs the per-account deleveraging state machine
package protection

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"lending_engine/internal/alert"
	"lending_engine/internal/core"
	"lending_engine/internal/health"
	"lending_engine/internal/ratemode"
	apperrors "lending_engine/pkg/errors"
	"lending_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// State is the controller's position in the protection lifecycle
type State int

const (
	StateNominal State = iota
	StateMonitoring
	StateProtecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNominal:
		return "Nominal"
	case StateMonitoring:
		return "Monitoring"
	case StateProtecting:
		return "Protecting"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Config tunes one controller. Invalid thresholds are fatal at
// construction, never at runtime.
type Config struct {
	TriggerHealthFactor decimal.Decimal
	TargetHealthFactor  decimal.Decimal
	MaxIntentRetries    int
	IntentTimeout       time.Duration
	AutoSwapRateMode    bool
}

// Validate rejects threshold combinations that cannot protect a position
func (c Config) Validate() error {
	one := decimal.NewFromInt(1)
	if c.TargetHealthFactor.LessThanOrEqual(one) {
		return fmt.Errorf("protection config: target health factor must exceed 1.0, got %s", c.TargetHealthFactor)
	}
	if c.TriggerHealthFactor.LessThanOrEqual(one) {
		return fmt.Errorf("protection config: trigger health factor must exceed 1.0, got %s", c.TriggerHealthFactor)
	}
	if c.TriggerHealthFactor.GreaterThan(c.TargetHealthFactor) {
		return fmt.Errorf("protection config: trigger (%s) must not exceed target (%s)",
			c.TriggerHealthFactor, c.TargetHealthFactor)
	}
	if c.MaxIntentRetries < 1 {
		return fmt.Errorf("protection config: max intent retries must be at least 1, got %d", c.MaxIntentRetries)
	}
	if c.IntentTimeout <= 0 {
		return fmt.Errorf("protection config: intent timeout must be positive, got %s", c.IntentTimeout)
	}
	return nil
}

// TickResult reports what one tick observed and did
type TickResult struct {
	Account     string
	Skipped     bool
	StateBefore State
	StateAfter  State
	Evaluation  *health.Evaluation
	Intents     []*core.Intent
}

// Controller protects a single account. Ticks for the same account never
// interleave: a tick arriving while one is in flight is skipped, not
// queued, so repayment attempts cannot stack against an already-resolved
// position. State is re-derived from venue data every tick, so a crash
// between deciding and confirming a repay heals on the next tick.
type Controller struct {
	account   string
	cfg       Config
	market    core.ILendingMarket
	wallet    core.IWallet
	evaluator *health.Evaluator
	optimizer *ratemode.Optimizer
	alerts    *alert.AlertManager
	recorder  core.IProtectionRecorder
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder

	inFlight atomic.Bool
	state    State
	// consecutiveReverts spans ticks: two rejected repayments in a row
	// escalate to Failed even across tick boundaries
	consecutiveReverts int
}

// NewController wires a controller for one account. Optimizer, alerts, and
// recorder are optional; nil disables the corresponding behavior.
func NewController(
	account string,
	cfg Config,
	market core.ILendingMarket,
	wallet core.IWallet,
	evaluator *health.Evaluator,
	optimizer *ratemode.Optimizer,
	alerts *alert.AlertManager,
	recorder core.IProtectionRecorder,
	logger core.ILogger,
) (*Controller, error) {
	if account == "" {
		return nil, fmt.Errorf("protection controller: account is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		account:   account,
		cfg:       cfg,
		market:    market,
		wallet:    wallet,
		evaluator: evaluator,
		optimizer: optimizer,
		alerts:    alerts,
		recorder:  recorder,
		logger:    logger.WithFields(map[string]interface{}{"component": "protection_controller", "account": account}),
		metrics:   telemetry.GetGlobalMetrics(),
	}, nil
}

// State returns the controller's current state
func (c *Controller) State() State {
	return c.state
}

// Tick runs one protection evaluation. Data errors abort the tick with the
// prior state intact (fail-safe). Failed is terminal for the current tick
// only; the next tick re-enters Monitoring.
func (c *Controller) Tick(ctx context.Context) (*TickResult, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		if c.metrics.TicksSkipped != nil {
			c.metrics.TicksSkipped.Add(ctx, 1)
		}
		c.logger.Warn("tick skipped, previous tick still in flight")
		return &TickResult{Account: c.account, Skipped: true, StateBefore: c.state, StateAfter: c.state}, nil
	}
	defer c.inFlight.Store(false)

	start := time.Now()
	res := &TickResult{Account: c.account, StateBefore: c.state}
	defer func() {
		if c.metrics.TickDuration != nil {
			c.metrics.TickDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
		c.record(ctx, res)
	}()

	position, err := c.market.GetPosition(ctx, c.account)
	if err != nil {
		res.StateAfter = c.state
		return res, fmt.Errorf("tick aborted: %w", err)
	}

	if position.IsEmpty() {
		res.Evaluation = &health.Evaluation{Infinite: true, Tier: health.TierLow}
		c.setState(StateNominal)
		res.StateAfter = c.state
		return res, nil
	}

	snapshot, err := c.market.GetMarketSnapshot(ctx, position.Assets())
	if err != nil {
		res.StateAfter = c.state
		return res, fmt.Errorf("tick aborted: %w", err)
	}

	priorState := c.state
	c.setState(StateMonitoring)

	eval, err := c.evaluator.Evaluate(position, snapshot)
	if err != nil {
		c.setState(priorState)
		res.StateAfter = c.state
		return res, fmt.Errorf("tick aborted: %w", err)
	}
	res.Evaluation = eval
	c.metrics.SetHealthFactor(c.account, eval.HealthFactorFloat())
	c.metrics.SetRiskTier(c.account, int64(eval.Tier))

	if !eval.Infinite && eval.HealthFactor.LessThan(c.cfg.TriggerHealthFactor) {
		return c.protect(ctx, res, position, snapshot, eval)
	}

	c.consecutiveReverts = 0
	c.recommendRates(ctx, res, position, snapshot)
	c.setState(StateNominal)
	res.StateAfter = c.state
	return res, nil
}

// protect sizes the minimum repayment against the largest debt entry and
// executes it, swapping other holdings once if the wallet falls short.
func (c *Controller) protect(
	ctx context.Context,
	res *TickResult,
	position *core.PositionState,
	snapshot *core.MarketSnapshot,
	eval *health.Evaluation,
) (*TickResult, error) {
	c.setState(StateProtecting)
	res.StateAfter = c.state
	c.logger.Warn("protective deleveraging engaged",
		"health_factor", eval.HealthFactor.String(),
		"risk_tier", eval.Tier.String())
	c.alert(ctx, "Protective deleveraging engaged",
		fmt.Sprintf("health factor %s (%s)", eval.HealthFactor.StringFixed(4), eval.Tier), alert.Warning, eval)

	entry, params, ok := largestDebtEntry(position, snapshot)
	if !ok {
		res.StateAfter = c.state
		return res, fmt.Errorf("tick aborted: debt entry unpriced: %w", apperrors.ErrDataUnavailable)
	}

	requiredUSD := RequiredRepaymentUSD(eval, c.cfg.TargetHealthFactor)
	if requiredUSD.IsZero() {
		c.setState(StateNominal)
		res.StateAfter = c.state
		return res, nil
	}
	entryUSD := entry.ValueUSD(params)
	repayUSD := decimal.Min(requiredUSD, entryUSD)
	quantity := repayUSD.Div(params.PriceUSD)

	balance, err := c.wallet.GetBalance(ctx, c.account, entry.Asset)
	if err != nil {
		res.StateAfter = c.state
		return res, fmt.Errorf("tick aborted: balance query: %w", err)
	}

	if balance.LessThan(quantity) {
		balance, err = c.swapForRepayment(ctx, res, position, snapshot, entry, params, quantity.Sub(balance))
		if err != nil {
			c.fail(ctx, res, eval, fmt.Sprintf("swap for repayment failed: %v", err))
			return res, err
		}
		if balance.LessThan(quantity) {
			err := fmt.Errorf("balance %s below required %s %s after swap: %w",
				balance, quantity, entry.Asset, apperrors.ErrInsufficientBalance)
			c.fail(ctx, res, eval, err.Error())
			return res, err
		}
	}

	if err := c.submitRepay(ctx, res, entry.Asset, quantity); err != nil {
		c.fail(ctx, res, eval, err.Error())
		return res, err
	}

	after, err := c.reevaluate(ctx, snapshot)
	if err != nil {
		res.StateAfter = c.state
		return res, fmt.Errorf("post-repay evaluation: %w", err)
	}
	res.Evaluation = after
	c.metrics.SetHealthFactor(c.account, after.HealthFactorFloat())
	c.metrics.SetRiskTier(c.account, int64(after.Tier))

	if after.Infinite || after.HealthFactor.GreaterThanOrEqual(c.cfg.TargetHealthFactor) {
		c.logger.Info("health factor restored",
			"health_factor", after.HealthFactor.String(),
			"repaid", quantity.String(),
			"asset", entry.Asset)
		c.setState(StateNominal)
	}
	res.StateAfter = c.state
	return res, nil
}

// submitRepay retries a reverted or timed-out repay with a fresh intent ID
// up to the configured bound. Two reverts in a row escalate.
func (c *Controller) submitRepay(ctx context.Context, res *TickResult, asset string, quantity decimal.Decimal) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxIntentRetries; attempt++ {
		in := core.NewIntent(core.IntentRepay, c.account, asset, quantity)
		if err := in.Validate(); err != nil {
			return err
		}
		res.Intents = append(res.Intents, in)

		result, err := c.submit(ctx, in)
		if err != nil {
			// Timeouts are transient, never treated as success.
			lastErr = err
			c.logger.Warn("repay submission failed", "attempt", attempt+1, "error", err)
			continue
		}
		if result.Status == core.IntentStatusReverted {
			c.consecutiveReverts++
			c.metrics.AddIntentRejected(ctx, string(core.IntentRepay))
			lastErr = fmt.Errorf("repay reverted (tx %s): %w", result.TxID, apperrors.ErrIntentRejected)
			c.logger.Warn("repay reverted", "tx_id", result.TxID, "consecutive", c.consecutiveReverts)
			if c.consecutiveReverts >= 2 {
				return lastErr
			}
			continue
		}
		c.consecutiveReverts = 0
		if c.metrics.RepaymentsTotal != nil {
			c.metrics.RepaymentsTotal.Add(ctx, 1)
		}
		return nil
	}
	return fmt.Errorf("repay not confirmed after %d attempts: %w", c.cfg.MaxIntentRetries, lastErr)
}

// swapForRepayment converts the largest other liquid holding into the repay
// asset. One conversion per tick; the caller re-checks the balance.
func (c *Controller) swapForRepayment(
	ctx context.Context,
	res *TickResult,
	position *core.PositionState,
	snapshot *core.MarketSnapshot,
	entry core.DebtEntry,
	entryParams core.AssetParams,
	shortfall decimal.Decimal,
) (decimal.Decimal, error) {
	source, sourceBalance, err := c.largestOtherHolding(ctx, position, entry.Asset)
	if err != nil {
		return decimal.Zero, err
	}
	if source == "" {
		return decimal.Zero, fmt.Errorf("no liquid holdings to convert: %w", apperrors.ErrInsufficientBalance)
	}
	sourceParams, ok := snapshot.Params(source)
	if !ok || !sourceParams.PriceUSD.IsPositive() {
		return decimal.Zero, fmt.Errorf("swap source %s unpriced: %w", source, apperrors.ErrDataUnavailable)
	}

	shortfallUSD := shortfall.Mul(entryParams.PriceUSD)
	amount := decimal.Min(shortfallUSD.Div(sourceParams.PriceUSD), sourceBalance)

	in := core.NewIntent(core.IntentSwap, c.account, source, amount)
	in.ToAsset = entry.Asset
	if err := in.Validate(); err != nil {
		return decimal.Zero, err
	}
	res.Intents = append(res.Intents, in)

	result, err := c.submit(ctx, in)
	if err != nil {
		return decimal.Zero, err
	}
	if result.Status == core.IntentStatusReverted {
		c.metrics.AddIntentRejected(ctx, string(core.IntentSwap))
		return decimal.Zero, fmt.Errorf("swap reverted (tx %s): %w", result.TxID, apperrors.ErrIntentRejected)
	}

	return c.wallet.GetBalance(ctx, c.account, entry.Asset)
}

// largestOtherHolding scans the position's assets for the biggest liquid
// balance excluding the repay asset. Deterministic scan order.
func (c *Controller) largestOtherHolding(ctx context.Context, position *core.PositionState, exclude string) (string, decimal.Decimal, error) {
	var bestAsset string
	best := decimal.Zero
	for _, asset := range position.Assets() {
		if asset == exclude {
			continue
		}
		bal, err := c.wallet.GetBalance(ctx, c.account, asset)
		if err != nil {
			return "", decimal.Zero, fmt.Errorf("balance query %s: %w", asset, err)
		}
		if bal.GreaterThan(best) {
			bestAsset = asset
			best = bal
		}
	}
	return bestAsset, best, nil
}

// recommendRates runs the optimizer over open debt entries, submitting
// swaps only when auto mode is on
func (c *Controller) recommendRates(ctx context.Context, res *TickResult, position *core.PositionState, snapshot *core.MarketSnapshot) {
	if c.optimizer == nil {
		return
	}
	assets := make([]string, 0, len(position.Debt))
	for a := range position.Debt {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		entry := position.Debt[asset]
		params, ok := snapshot.Params(asset)
		if !ok {
			continue
		}
		rec := c.optimizer.Recommend(entry, params)
		if !rec.Switch {
			continue
		}
		if c.metrics.RateSwitchesAdvised != nil {
			c.metrics.RateSwitchesAdvised.Add(ctx, 1)
		}
		c.logger.Info("rate mode switch advised",
			"asset", asset,
			"target_mode", string(rec.TargetMode),
			"projected_annual_savings_usd", rec.ProjectedAnnualSavingsUSD.String())
		if !c.cfg.AutoSwapRateMode {
			continue
		}
		in := rec.Intent(c.account, asset)
		res.Intents = append(res.Intents, in)
		if result, err := c.submit(ctx, in); err != nil {
			c.logger.Warn("rate mode swap failed", "asset", asset, "error", err)
		} else if result.Status == core.IntentStatusReverted {
			c.metrics.AddIntentRejected(ctx, string(core.IntentSwapRateMode))
			c.logger.Warn("rate mode swap reverted", "asset", asset, "tx_id", result.TxID)
		}
	}
}

func (c *Controller) submit(ctx context.Context, in *core.Intent) (*core.IntentResult, error) {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.IntentTimeout)
	defer cancel()
	c.metrics.AddIntent(tctx, string(in.Type))
	return c.market.SubmitIntent(tctx, in)
}

func (c *Controller) reevaluate(ctx context.Context, snapshot *core.MarketSnapshot) (*health.Evaluation, error) {
	position, err := c.market.GetPosition(ctx, c.account)
	if err != nil {
		return nil, err
	}
	if position.IsEmpty() {
		return &health.Evaluation{Infinite: true, Tier: health.TierLow}, nil
	}
	return c.evaluator.Evaluate(position, snapshot)
}

func (c *Controller) fail(ctx context.Context, res *TickResult, eval *health.Evaluation, reason string) {
	c.setState(StateFailed)
	res.StateAfter = c.state
	c.logger.Error("protection failed", "reason", reason)
	c.alert(ctx, "Protection failed", reason, alert.Critical, eval)
}

func (c *Controller) alert(ctx context.Context, title, message string, level alert.AlertLevel, eval *health.Evaluation) {
	if c.alerts == nil {
		return
	}
	fields := map[string]string{"account": c.account}
	if eval != nil {
		fields["health_factor"] = fmt.Sprintf("%.4f", eval.HealthFactorFloat())
		fields["risk_tier"] = eval.Tier.String()
	}
	c.alerts.Alert(ctx, title, message, level, fields)
}

func (c *Controller) setState(s State) {
	if c.state != s {
		c.logger.Debug("state transition", "from", c.state.String(), "to", s.String())
	}
	c.state = s
	c.metrics.SetProtectionState(c.account, int64(s))
}

func (c *Controller) record(ctx context.Context, res *TickResult) {
	if c.recorder == nil || res.Skipped {
		return
	}
	rec := &core.TickRecord{
		Account:          c.account,
		StateBefore:      res.StateBefore.String(),
		StateAfter:       res.StateAfter.String(),
		IntentsSubmitted: len(res.Intents),
		Timestamp:        time.Now().Unix(),
	}
	if res.Evaluation != nil {
		rec.HealthFactor = res.Evaluation.HealthFactor
		rec.InfiniteHealth = res.Evaluation.Infinite
		rec.RiskTier = res.Evaluation.Tier.String()
	}
	if err := c.recorder.RecordTick(ctx, rec); err != nil {
		c.logger.Warn("tick record failed", "error", err)
	}
}

// RequiredRepaymentUSD solves for the smallest repayment that restores the
// target health factor, clamped to the outstanding debt:
// repay = debt - (collateral * wlt) / target.
func RequiredRepaymentUSD(eval *health.Evaluation, target decimal.Decimal) decimal.Decimal {
	if eval.Infinite || eval.TotalDebtUSD.IsZero() {
		return decimal.Zero
	}
	repay := eval.TotalDebtUSD.Sub(eval.TotalCollateralUSD.Mul(eval.WeightedLiquidationThreshold).Div(target))
	if repay.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(repay, eval.TotalDebtUSD)
}

// largestDebtEntry picks the repayment target by USD value, ties broken by
// asset symbol ascending so sizing is deterministic
func largestDebtEntry(position *core.PositionState, snapshot *core.MarketSnapshot) (core.DebtEntry, core.AssetParams, bool) {
	symbols := make([]string, 0, len(position.Debt))
	for a := range position.Debt {
		symbols = append(symbols, a)
	}
	sort.Strings(symbols)

	var bestEntry core.DebtEntry
	var bestParams core.AssetParams
	best := decimal.NewFromInt(-1)
	found := false
	for _, sym := range symbols {
		entry := position.Debt[sym]
		params, ok := snapshot.Params(sym)
		if !ok {
			return core.DebtEntry{}, core.AssetParams{}, false
		}
		if v := entry.ValueUSD(params); v.GreaterThan(best) {
			bestEntry, bestParams, best = entry, params, v
			found = true
		}
	}
	return bestEntry, bestParams, found
}
