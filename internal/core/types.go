package core

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// RateMode is a debt position's interest scheme
type RateMode string

const (
	RateModeStable   RateMode = "STABLE"
	RateModeVariable RateMode = "VARIABLE"
)

// AssetParams holds the risk and rate parameters for one asset, as supplied
// by the market snapshot provider
type AssetParams struct {
	Symbol               string
	PriceUSD             decimal.Decimal
	MaxLTV               decimal.Decimal
	LiquidationThreshold decimal.Decimal
	SupplyAPY            decimal.Decimal
	VariableBorrowAPY    decimal.Decimal
	StableBorrowAPY      decimal.Decimal
	BorrowingEnabled     bool
}

// NewAssetParams validates and builds AssetParams.
// Invariant: 0 <= max_ltv < liquidation_threshold < 1.
func NewAssetParams(
	symbol string,
	priceUSD, maxLTV, liquidationThreshold decimal.Decimal,
	supplyAPY, variableBorrowAPY, stableBorrowAPY decimal.Decimal,
	borrowingEnabled bool,
) (AssetParams, error) {
	p := AssetParams{
		Symbol:               symbol,
		PriceUSD:             priceUSD,
		MaxLTV:               maxLTV,
		LiquidationThreshold: liquidationThreshold,
		SupplyAPY:            supplyAPY,
		VariableBorrowAPY:    variableBorrowAPY,
		StableBorrowAPY:      stableBorrowAPY,
		BorrowingEnabled:     borrowingEnabled,
	}
	if err := p.Validate(); err != nil {
		return AssetParams{}, err
	}
	return p, nil
}

// Validate checks the asset parameter invariants
func (p AssetParams) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("asset params: symbol is required")
	}
	if p.PriceUSD.IsNegative() {
		return fmt.Errorf("asset params %s: price must be non-negative, got %s", p.Symbol, p.PriceUSD)
	}
	if p.MaxLTV.IsNegative() || p.MaxLTV.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("asset params %s: max_ltv must be in [0,1), got %s", p.Symbol, p.MaxLTV)
	}
	if p.LiquidationThreshold.LessThanOrEqual(p.MaxLTV) {
		return fmt.Errorf("asset params %s: liquidation_threshold (%s) must exceed max_ltv (%s)",
			p.Symbol, p.LiquidationThreshold, p.MaxLTV)
	}
	if p.LiquidationThreshold.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("asset params %s: liquidation_threshold must be below 1, got %s",
			p.Symbol, p.LiquidationThreshold)
	}
	return nil
}

// MarketSnapshot is a single consistent view of asset parameters. One
// snapshot must cover every asset touched during one evaluation; never mix
// parameters from different snapshots within a tick.
type MarketSnapshot struct {
	Assets    map[string]AssetParams
	Timestamp time.Time
}

// Params returns the parameters for an asset, or false when the snapshot
// does not cover it
func (s *MarketSnapshot) Params(asset string) (AssetParams, bool) {
	p, ok := s.Assets[asset]
	return p, ok
}

// CollateralEntry is one supplied asset within a position. USD value is
// always derived from the current snapshot, never cached across ticks.
type CollateralEntry struct {
	Asset    string
	Quantity decimal.Decimal
}

// ValueUSD derives the entry's USD value from snapshot params
func (e CollateralEntry) ValueUSD(p AssetParams) decimal.Decimal {
	return e.Quantity.Mul(p.PriceUSD)
}

// DebtEntry is one borrowed asset within a position
type DebtEntry struct {
	Asset    string
	Quantity decimal.Decimal
	RateMode RateMode
}

// ValueUSD derives the entry's USD value from snapshot params
func (e DebtEntry) ValueUSD(p AssetParams) decimal.Decimal {
	return e.Quantity.Mul(p.PriceUSD)
}

// PositionState is one account's collateral and debt across assets.
// Entries are unique per asset. The state is owned by exactly one account
// and mutated only through the supply/borrow/repay/withdraw intents.
type PositionState struct {
	Account    string
	Collateral map[string]CollateralEntry
	Debt       map[string]DebtEntry
}

// NewPositionState creates an empty position for an account
func NewPositionState(account string) *PositionState {
	return &PositionState{
		Account:    account,
		Collateral: make(map[string]CollateralEntry),
		Debt:       make(map[string]DebtEntry),
	}
}

// Clone returns a deep copy, used for simulate-before-commit
func (ps *PositionState) Clone() *PositionState {
	c := NewPositionState(ps.Account)
	for k, v := range ps.Collateral {
		c.Collateral[k] = v
	}
	for k, v := range ps.Debt {
		c.Debt[k] = v
	}
	return c
}

// IsEmpty reports whether both collateral and debt are zero. An empty
// position is logically destroyed and may be reset.
func (ps *PositionState) IsEmpty() bool {
	for _, e := range ps.Collateral {
		if !e.Quantity.IsZero() {
			return false
		}
	}
	for _, e := range ps.Debt {
		if !e.Quantity.IsZero() {
			return false
		}
	}
	return true
}

// Supply adds collateral
func (ps *PositionState) Supply(asset string, quantity decimal.Decimal) error {
	if quantity.IsNegative() {
		return fmt.Errorf("supply %s: negative quantity %s", asset, quantity)
	}
	e := ps.Collateral[asset]
	e.Asset = asset
	e.Quantity = e.Quantity.Add(quantity)
	ps.Collateral[asset] = e
	return nil
}

// Borrow adds debt in the given rate mode
func (ps *PositionState) Borrow(asset string, quantity decimal.Decimal, mode RateMode) error {
	if quantity.IsNegative() {
		return fmt.Errorf("borrow %s: negative quantity %s", asset, quantity)
	}
	e, ok := ps.Debt[asset]
	if !ok {
		e = DebtEntry{Asset: asset, RateMode: mode}
	}
	e.Quantity = e.Quantity.Add(quantity)
	ps.Debt[asset] = e
	return nil
}

// Repay reduces debt; repaying more than owed is clamped to zero
func (ps *PositionState) Repay(asset string, quantity decimal.Decimal) error {
	if quantity.IsNegative() {
		return fmt.Errorf("repay %s: negative quantity %s", asset, quantity)
	}
	e, ok := ps.Debt[asset]
	if !ok {
		return fmt.Errorf("repay %s: no outstanding debt", asset)
	}
	e.Quantity = e.Quantity.Sub(quantity)
	if e.Quantity.IsNegative() {
		e.Quantity = decimal.Zero
	}
	if e.Quantity.IsZero() {
		delete(ps.Debt, asset)
	} else {
		ps.Debt[asset] = e
	}
	return nil
}

// Withdraw removes collateral
func (ps *PositionState) Withdraw(asset string, quantity decimal.Decimal) error {
	if quantity.IsNegative() {
		return fmt.Errorf("withdraw %s: negative quantity %s", asset, quantity)
	}
	e, ok := ps.Collateral[asset]
	if !ok || e.Quantity.LessThan(quantity) {
		return fmt.Errorf("withdraw %s: insufficient collateral", asset)
	}
	e.Quantity = e.Quantity.Sub(quantity)
	if e.Quantity.IsZero() {
		delete(ps.Collateral, asset)
	} else {
		ps.Collateral[asset] = e
	}
	return nil
}

// SwapRateMode flips the rate mode of an open debt entry
func (ps *PositionState) SwapRateMode(asset string, mode RateMode) error {
	e, ok := ps.Debt[asset]
	if !ok {
		return fmt.Errorf("swap rate mode %s: no outstanding debt", asset)
	}
	e.RateMode = mode
	ps.Debt[asset] = e
	return nil
}

// Assets returns every asset symbol present on either side, sorted for
// deterministic iteration
func (ps *PositionState) Assets() []string {
	seen := make(map[string]struct{}, len(ps.Collateral)+len(ps.Debt))
	for a := range ps.Collateral {
		seen[a] = struct{}{}
	}
	for a := range ps.Debt {
		seen[a] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// ArbitrageOpportunity is a candidate flash-loan trade. Ephemeral:
// evaluated once, never persisted.
type ArbitrageOpportunity struct {
	Asset           string
	FlashLoanAmount decimal.Decimal
	GrossProfitUSD  decimal.Decimal
	ProtocolFeeRate decimal.Decimal
	EstimatedGasUSD decimal.Decimal
}
