// Package arbitrage gates flash-loan opportunities on net profitability
package arbitrage

import (
	"context"
	"fmt"

	"lending_engine/internal/core"
	"lending_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// DefaultMinProfitUSD is the profitability floor applied when no
// configured minimum is given
var DefaultMinProfitUSD = decimal.NewFromInt(10)

// Assessment is the outcome of evaluating one opportunity. The opportunity
// itself is ephemeral; the assessment is reported and discarded.
type Assessment struct {
	Opportunity  core.ArbitrageOpportunity
	FlashFeeUSD  decimal.Decimal
	NetProfitUSD decimal.Decimal
	Profitable   bool
}

// Evaluator applies the flash-loan cost model. Pure computation; execution
// of profitable opportunities is out of its hands.
type Evaluator struct {
	minProfitUSD decimal.Decimal
	logger       core.ILogger
	metrics      *telemetry.MetricsHolder
}

// NewEvaluator builds an evaluator with the given profitability floor
func NewEvaluator(minProfitUSD decimal.Decimal, logger core.ILogger) (*Evaluator, error) {
	if minProfitUSD.IsNegative() {
		return nil, fmt.Errorf("arbitrage evaluator: min profit must be non-negative, got %s", minProfitUSD)
	}
	return &Evaluator{
		minProfitUSD: minProfitUSD,
		logger:       logger.WithField("component", "arbitrage_evaluator"),
		metrics:      telemetry.GetGlobalMetrics(),
	}, nil
}

// Evaluate nets out flash-loan fee and gas from the gross estimate and
// gates on the profitability floor. The floor is strict: net profit equal
// to the minimum is not profitable.
func (e *Evaluator) Evaluate(ctx context.Context, opp core.ArbitrageOpportunity) (Assessment, error) {
	if opp.FlashLoanAmount.IsNegative() {
		return Assessment{}, fmt.Errorf("arbitrage evaluator: negative flash loan amount %s", opp.FlashLoanAmount)
	}
	if opp.ProtocolFeeRate.IsNegative() {
		return Assessment{}, fmt.Errorf("arbitrage evaluator: negative protocol fee rate %s", opp.ProtocolFeeRate)
	}
	if opp.EstimatedGasUSD.IsNegative() {
		return Assessment{}, fmt.Errorf("arbitrage evaluator: negative gas estimate %s", opp.EstimatedGasUSD)
	}

	feeUSD := opp.FlashLoanAmount.Mul(opp.ProtocolFeeRate)
	net := opp.GrossProfitUSD.Sub(feeUSD).Sub(opp.EstimatedGasUSD)

	a := Assessment{
		Opportunity:  opp,
		FlashFeeUSD:  feeUSD,
		NetProfitUSD: net,
		Profitable:   net.GreaterThan(e.minProfitUSD),
	}

	if e.metrics.ArbEvaluatedTotal != nil {
		e.metrics.ArbEvaluatedTotal.Add(ctx, 1)
	}
	if a.Profitable {
		if e.metrics.ArbProfitableTotal != nil {
			e.metrics.ArbProfitableTotal.Add(ctx, 1)
		}
		e.logger.Info("profitable flash-loan opportunity",
			"asset", opp.Asset,
			"amount", opp.FlashLoanAmount.String(),
			"net_profit_usd", net.String())
	} else {
		e.logger.Debug("opportunity rejected",
			"asset", opp.Asset,
			"net_profit_usd", net.String(),
			"min_profit_usd", e.minProfitUSD.String())
	}
	return a, nil
}

// Intent renders a profitable assessment as a flash_loan intent; nil
// otherwise
func (a Assessment) Intent(account string) *core.Intent {
	if !a.Profitable {
		return nil
	}
	return core.NewIntent(core.IntentFlashLoan, account, a.Opportunity.Asset, a.Opportunity.FlashLoanAmount)
}
