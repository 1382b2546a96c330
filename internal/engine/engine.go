// Package engine wires the evaluators, planner, and per-account protection
// controllers behind one facade
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lending_engine/internal/alert"
	"lending_engine/internal/arbitrage"
	"lending_engine/internal/config"
	"lending_engine/internal/core"
	"lending_engine/internal/health"
	"lending_engine/internal/leverage"
	"lending_engine/internal/market"
	"lending_engine/internal/protection"
	"lending_engine/internal/ratemode"
	"lending_engine/internal/recorder"
	"lending_engine/pkg/concurrency"
	apperrors "lending_engine/pkg/errors"
	"lending_engine/pkg/telemetry"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Engine is the orchestration surface consumed by the CLI. One protection
// controller per configured account; accounts tick fully in parallel while
// each account stays single-threaded.
type Engine struct {
	cfg       *config.Config
	market    core.ILendingMarket
	wallet    core.IWallet
	evaluator *health.Evaluator
	planner   *leverage.Planner
	optimizer *ratemode.Optimizer
	arbEval   *arbitrage.Evaluator
	alerts    *alert.AlertManager
	recorder  core.IProtectionRecorder
	pool      *concurrency.WorkerPool
	scheduler *cron.Cron
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder

	controllers map[string]*protection.Controller

	mu          sync.RWMutex
	lastResults map[string]*protection.TickResult
	running     bool
}

// New assembles an engine from config. The venue is wrapped in the
// resilient market client; all threshold validation happens here, at
// construction.
func New(cfg *config.Config, venue core.ILendingMarket, wallet core.IWallet, logger core.ILogger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	evaluator, err := health.NewEvaluator(health.DefaultTierThresholds())
	if err != nil {
		return nil, err
	}
	planner, err := leverage.NewPlanner(leverage.Config{
		MaxCycles:                cfg.Leverage.MaxCycles,
		MinHealthFactorAfterPlan: decimal.NewFromFloat(cfg.Leverage.MinHealthFactorAfterPlan),
	}, logger)
	if err != nil {
		return nil, err
	}
	optimizer, err := ratemode.NewOptimizer(decimal.NewFromFloat(cfg.RateMode.SwitchThreshold))
	if err != nil {
		return nil, err
	}
	arbEval, err := arbitrage.NewEvaluator(decimal.NewFromFloat(cfg.Arbitrage.MinProfitUSD), logger)
	if err != nil {
		return nil, err
	}

	alerts := alert.NewAlertManager(logger)
	if cfg.Alerts.SlackWebhookURL != "" {
		alerts.AddChannel(alert.NewSlackChannel(cfg.Alerts.SlackWebhookURL))
	}
	if cfg.Alerts.TelegramBotToken != "" {
		alerts.AddChannel(alert.NewTelegramChannel(cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatID))
	}

	var rec core.IProtectionRecorder = recorder.Noop{}
	if cfg.Recorder.Enabled {
		rec, err = recorder.NewSQLiteRecorder(cfg.Recorder.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("recorder: %w", err)
		}
	}

	client := market.NewResilientClient(venue, cfg.Market, logger)

	e := &Engine{
		cfg:       cfg,
		market:    client,
		wallet:    wallet,
		evaluator: evaluator,
		planner:   planner,
		optimizer: optimizer,
		arbEval:   arbEval,
		alerts:    alerts,
		recorder:  rec,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "protection_ticks",
			MaxWorkers:  cfg.Pool.MaxWorkers,
			MaxCapacity: cfg.Pool.MaxCapacity,
		}, logger),
		scheduler:   cron.New(),
		logger:      logger.WithField("component", "engine"),
		metrics:     telemetry.GetGlobalMetrics(),
		controllers: make(map[string]*protection.Controller, len(cfg.Accounts)),
		lastResults: make(map[string]*protection.TickResult, len(cfg.Accounts)),
	}

	pcfg := protection.Config{
		TriggerHealthFactor: cfg.TriggerHealthFactorDecimal(),
		TargetHealthFactor:  cfg.TargetHealthFactorDecimal(),
		MaxIntentRetries:    cfg.Protection.MaxIntentRetries,
		IntentTimeout:       time.Duration(cfg.Protection.IntentTimeoutSeconds) * time.Second,
		AutoSwapRateMode:    cfg.Protection.AutoSwapRateMode,
	}
	for _, account := range cfg.Accounts {
		ctrl, err := protection.NewController(account, pcfg, client, wallet, evaluator, optimizer, alerts, rec, logger)
		if err != nil {
			return nil, err
		}
		e.controllers[account] = ctrl
	}

	return e, nil
}

// RunProtectionTick evaluates one account immediately
func (e *Engine) RunProtectionTick(ctx context.Context, account string) (*protection.TickResult, error) {
	ctrl, ok := e.controllers[account]
	if !ok {
		return nil, fmt.Errorf("engine: unknown account %q", account)
	}
	res, err := ctrl.Tick(ctx)
	if res != nil {
		e.mu.Lock()
		e.lastResults[account] = res
		e.mu.Unlock()
	}
	return res, err
}

// RunAllTicks evaluates every configured account in parallel. A failing
// account never stops the others; the first error is returned after all
// accounts finish.
func (e *Engine) RunAllTicks(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for account := range e.controllers {
		account := account
		g.Go(func() error {
			_, err := e.RunProtectionTick(gctx, account)
			if err != nil {
				e.logger.Error("protection tick failed", "account", account, "error", err)
			}
			return err
		})
	}
	return g.Wait()
}

// PlanLeverage builds an inspectable loop plan against current market
// parameters. Nothing is executed.
func (e *Engine) PlanLeverage(ctx context.Context, seedAsset string, seedAmount, multiplier decimal.Decimal) (*leverage.Plan, error) {
	snap, err := e.market.GetMarketSnapshot(ctx, []string{seedAsset})
	if err != nil {
		return nil, err
	}
	params, ok := snap.Params(seedAsset)
	if !ok {
		return nil, fmt.Errorf("engine: no params for %s: %w", seedAsset, apperrors.ErrUnknownAsset)
	}
	plan, err := e.planner.PlanLoop(params, seedAmount, multiplier)
	if err != nil {
		return nil, err
	}
	if e.metrics.LeveragePlansBuilt != nil {
		e.metrics.LeveragePlansBuilt.Add(ctx, 1)
	}
	return plan, nil
}

// EvaluateArbitrage gates one flash-loan opportunity and records the
// outcome for audit
func (e *Engine) EvaluateArbitrage(ctx context.Context, opp core.ArbitrageOpportunity) (arbitrage.Assessment, error) {
	a, err := e.arbEval.Evaluate(ctx, opp)
	if err != nil {
		return arbitrage.Assessment{}, err
	}
	if recErr := e.recorder.RecordArbitrage(ctx, &core.ArbitrageRecord{
		Asset:           opp.Asset,
		FlashLoanAmount: opp.FlashLoanAmount,
		NetProfitUSD:    a.NetProfitUSD,
		Profitable:      a.Profitable,
		Timestamp:       time.Now().Unix(),
	}); recErr != nil {
		e.logger.Warn("arbitrage record failed", "error", recErr)
	}
	return a, nil
}

// Start schedules protection ticks and the periodic status report. The
// scheduler keeps running until Stop; a tick that overruns its slot is
// skipped by the controller, never queued.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine: already started")
	}
	e.running = true
	e.mu.Unlock()

	_, err := e.scheduler.AddFunc(e.cfg.Protection.TickSchedule, func() {
		if err := e.pool.Submit(func() {
			if err := e.RunAllTicks(ctx); err != nil {
				e.logger.Warn("scheduled tick round finished with errors", "error", err)
			}
		}); err != nil {
			e.logger.Warn("tick round not scheduled", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("engine: invalid tick schedule %q: %w", e.cfg.Protection.TickSchedule, err)
	}

	if _, err := e.scheduler.AddFunc("@every 1h", e.report); err != nil {
		return err
	}

	e.scheduler.Start()
	e.logger.Info("engine started",
		"accounts", len(e.controllers),
		"tick_schedule", e.cfg.Protection.TickSchedule)
	return nil
}

// Stop halts the scheduler, drains in-flight ticks, and closes the recorder
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	stopCtx := e.scheduler.Stop()
	<-stopCtx.Done()
	e.pool.Stop()
	if err := e.recorder.Close(); err != nil {
		e.logger.Warn("recorder close failed", "error", err)
	}
	e.logger.Info("engine stopped")
}

// report logs a one-line status per account from the latest tick
func (e *Engine) report() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for account, res := range e.lastResults {
		if res.Evaluation == nil {
			continue
		}
		e.logger.Info("account status",
			"account", account,
			"state", res.StateAfter.String(),
			"health_factor", fmt.Sprintf("%.4f", res.Evaluation.HealthFactorFloat()),
			"risk_tier", res.Evaluation.Tier.String())
	}
}
