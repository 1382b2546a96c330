// Package core defines the value types and capability interfaces for the
// position health and leverage engine
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// ILendingMarket is the external lending-venue collaborator. Implementations
// own transport, authentication, and protocol specifics; the engine only
// consumes data and emits intents through this interface. All calls are
// potentially long-latency network operations and must honor ctx.
type ILendingMarket interface {
	// GetMarketSnapshot returns one consistent snapshot covering every
	// requested asset. It fails with apperrors.ErrDataUnavailable when any
	// requested asset is unpriced.
	GetMarketSnapshot(ctx context.Context, assets []string) (*MarketSnapshot, error)

	// GetPosition returns the account's current on-venue position
	GetPosition(ctx context.Context, account string) (*PositionState, error)

	// SubmitIntent executes an intent and reports its outcome. A reverted
	// status maps to apperrors.ErrIntentRejected at the call site.
	SubmitIntent(ctx context.Context, intent *Intent) (*IntentResult, error)
}

// IWallet exposes the account's liquid (non-supplied) balances
type IWallet interface {
	GetBalance(ctx context.Context, account, asset string) (decimal.Decimal, error)
}

// IProtectionRecorder persists protection actions and realized proceeds for
// audit. Recording is observational only: the controller never reads it
// back for decisions.
type IProtectionRecorder interface {
	RecordTick(ctx context.Context, record *TickRecord) error
	RecordArbitrage(ctx context.Context, record *ArbitrageRecord) error
	Close() error
}

// TickRecord is the audit row for one protection tick
type TickRecord struct {
	Account          string
	StateBefore      string
	StateAfter       string
	HealthFactor     decimal.Decimal
	InfiniteHealth   bool
	RiskTier         string
	IntentsSubmitted int
	Timestamp        int64
}

// ArbitrageRecord is the audit row for one evaluated opportunity
type ArbitrageRecord struct {
	Asset           string
	FlashLoanAmount decimal.Decimal
	NetProfitUSD    decimal.Decimal
	Profitable      bool
	Timestamp       int64
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
