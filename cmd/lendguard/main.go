package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lending_engine/internal/config"
	"lending_engine/internal/core"
	"lending_engine/internal/engine"
	"lending_engine/internal/infrastructure/metrics"
	"lending_engine/internal/mock"
	"lending_engine/pkg/logging"
	"lending_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	mode       = flag.String("mode", "protect", "Run mode: protect, plan, or arb")
	venueFlag  = flag.String("venue", "mock", "Lending venue adapter (mock for the in-memory venue)")

	// plan mode
	seedAsset  = flag.String("asset", "USDC", "Seed or flash-loan asset")
	amount     = flag.Float64("amount", 1000, "Seed amount (plan) or flash loan amount (arb)")
	multiplier = flag.Float64("multiplier", 2.0, "Target leverage multiplier")

	// arb mode
	grossProfit = flag.Float64("gross", 0, "Estimated gross profit in USD")
	feeRate     = flag.Float64("fee", 0.0009, "Flash loan protocol fee rate")
	gasUSD      = flag.Float64("gas", 30, "Estimated gas cost in USD")
)

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configFile); err == nil {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// The otelzap bridge captures the global logger provider when the
	// logger is built, so telemetry goes up first.
	if cfg.Telemetry.EnableMetrics {
		if *mode == "protect" {
			tel, err := telemetry.Setup("lending_engine")
			if err != nil {
				fmt.Fprintf(os.Stderr, "telemetry init failed, continuing without: %v\n", err)
			} else {
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := tel.Shutdown(shutdownCtx); err != nil {
						fmt.Fprintf(os.Stderr, "telemetry shutdown failed: %v\n", err)
					}
				}()
			}
		} else if err := telemetry.InitMetrics(); err != nil {
			fmt.Fprintf(os.Stderr, "metrics init failed, continuing without: %v\n", err)
		}
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	venue, wallet := buildVenue(logger)

	eng, err := engine.New(cfg, venue, wallet, logger)
	if err != nil {
		logger.Fatal("engine construction failed", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "protect":
		runProtect(ctx, cfg, eng, logger)
	case "plan":
		runPlan(ctx, eng, logger)
	case "arb":
		runArb(ctx, eng, logger)
	default:
		logger.Fatal("unknown mode", "mode", *mode)
	}
}

// buildVenue selects the lending venue adapter. Real venue adapters plug in
// here; the in-memory venue serves local runs and demos.
func buildVenue(logger core.ILogger) (core.ILendingMarket, core.IWallet) {
	if *venueFlag != "mock" {
		logger.Fatal("no adapter for venue; only the mock venue is bundled", "venue", *venueFlag)
	}
	logger.Info("using in-memory mock venue")

	venue := mock.NewMockLendingMarket()
	for _, p := range demoAssets() {
		venue.SetAssetParams(p)
	}
	return venue, mock.NewMockWallet()
}

// demoAssets prices a small universe so plan and arb runs against the mock
// venue work out of the box
func demoAssets() []core.AssetParams {
	mk := func(symbol string, price, ltv, lt, supply, variable, stable float64) core.AssetParams {
		return core.AssetParams{
			Symbol:               symbol,
			PriceUSD:             decimal.NewFromFloat(price),
			MaxLTV:               decimal.NewFromFloat(ltv),
			LiquidationThreshold: decimal.NewFromFloat(lt),
			SupplyAPY:            decimal.NewFromFloat(supply),
			VariableBorrowAPY:    decimal.NewFromFloat(variable),
			StableBorrowAPY:      decimal.NewFromFloat(stable),
			BorrowingEnabled:     true,
		}
	}
	return []core.AssetParams{
		mk("USDC", 1.0, 0.77, 0.80, 0.031, 0.042, 0.055),
		mk("DAI", 1.0, 0.75, 0.80, 0.029, 0.041, 0.052),
		mk("WETH", 2000, 0.80, 0.825, 0.018, 0.027, 0.038),
	}
}

// runProtect runs the scheduled protection loop until interrupted
func runProtect(ctx context.Context, cfg *config.Config, eng *engine.Engine, logger core.ILogger) {
	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsServer.Start()
	}

	if err := eng.Start(ctx); err != nil {
		logger.Fatal("engine start failed", "error", err)
	}

	// One immediate round so state is visible before the first schedule fires.
	if err := eng.RunAllTicks(ctx); err != nil {
		logger.Warn("initial tick round finished with errors", "error", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	eng.Stop()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
}

// runPlan prints a leverage loop plan without executing it
func runPlan(ctx context.Context, eng *engine.Engine, logger core.ILogger) {
	plan, err := eng.PlanLeverage(ctx,
		*seedAsset,
		decimal.NewFromFloat(*amount),
		decimal.NewFromFloat(*multiplier))
	if err != nil {
		logger.Fatal("planning failed", "error", err)
	}

	fmt.Printf("Leverage plan for %s %s, target %.2fx:\n", plan.SeedAmount, plan.SeedAsset, *multiplier)
	for _, c := range plan.Cycles {
		fmt.Printf("  cycle %d: supply %s, borrow %s (collateral %s USD)\n",
			c.Index, c.SuppliedAmount, c.BorrowedAmount, c.ResultingCollateralUSD)
	}
	fmt.Printf("achieved multiplier: %s", plan.AchievedMultiplier)
	if plan.Truncated {
		fmt.Printf(" (truncated)")
	}
	if plan.ProjectedInfinite {
		fmt.Printf("\nprojected health factor: +inf\n")
	} else {
		fmt.Printf("\nprojected health factor: %s\n", plan.ProjectedHealthFactor)
	}
}

// runArb evaluates one flash-loan opportunity from flags
func runArb(ctx context.Context, eng *engine.Engine, logger core.ILogger) {
	a, err := eng.EvaluateArbitrage(ctx, core.ArbitrageOpportunity{
		Asset:           *seedAsset,
		FlashLoanAmount: decimal.NewFromFloat(*amount),
		GrossProfitUSD:  decimal.NewFromFloat(*grossProfit),
		ProtocolFeeRate: decimal.NewFromFloat(*feeRate),
		EstimatedGasUSD: decimal.NewFromFloat(*gasUSD),
	})
	if err != nil {
		logger.Fatal("evaluation failed", "error", err)
	}

	fmt.Printf("flash fee: %s USD\nnet profit: %s USD\nprofitable: %v\n",
		a.FlashFeeUSD, a.NetProfitUSD, a.Profitable)
}
