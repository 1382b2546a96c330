package core

import (
	"fmt"

	apperrors "lending_engine/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IntentType enumerates the actions the engine can ask a collaborator to
// execute on-chain
type IntentType string

const (
	IntentSupply       IntentType = "supply"
	IntentBorrow       IntentType = "borrow"
	IntentRepay        IntentType = "repay"
	IntentWithdraw     IntentType = "withdraw"
	IntentSwapRateMode IntentType = "swap_rate_mode"
	IntentFlashLoan    IntentType = "flash_loan"
	// IntentSwap converts one held asset into another, used by the
	// protection controller to raise repayment funds
	IntentSwap IntentType = "swap"
)

// IntentStatus is the collaborator-reported outcome of a submitted intent
type IntentStatus string

const (
	IntentStatusPending   IntentStatus = "pending"
	IntentStatusConfirmed IntentStatus = "confirmed"
	IntentStatusReverted  IntentStatus = "reverted"
)

// Intent is an action the engine wants executed. The ID doubles as an
// idempotency key for the executing collaborator.
type Intent struct {
	ID      string
	Type    IntentType
	Account string
	Asset   string
	Amount  decimal.Decimal

	// TargetMode applies to swap_rate_mode intents
	TargetMode RateMode
	// ToAsset applies to swap intents
	ToAsset string
}

// IntentResult is the collaborator's receipt for a submitted intent
type IntentResult struct {
	TxID   string
	Status IntentStatus
}

// NewIntent builds an intent with a fresh idempotency key
func NewIntent(t IntentType, account, asset string, amount decimal.Decimal) *Intent {
	return &Intent{
		ID:      uuid.NewString(),
		Type:    t,
		Account: account,
		Asset:   asset,
		Amount:  amount,
	}
}

// Validate gates an intent before submission
func (i *Intent) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: missing id", apperrors.ErrInvalidIntent)
	}
	if i.Account == "" {
		return fmt.Errorf("%w: %s missing account", apperrors.ErrInvalidIntent, i.ID)
	}
	if i.Asset == "" {
		return fmt.Errorf("%w: %s missing asset", apperrors.ErrInvalidIntent, i.ID)
	}
	switch i.Type {
	case IntentSupply, IntentBorrow, IntentRepay, IntentWithdraw, IntentFlashLoan:
		if !i.Amount.IsPositive() {
			return fmt.Errorf("%w: %s (%s) amount must be positive, got %s", apperrors.ErrInvalidIntent, i.ID, i.Type, i.Amount)
		}
	case IntentSwapRateMode:
		if i.TargetMode != RateModeStable && i.TargetMode != RateModeVariable {
			return fmt.Errorf("%w: %s invalid target rate mode %q", apperrors.ErrInvalidIntent, i.ID, i.TargetMode)
		}
	case IntentSwap:
		if !i.Amount.IsPositive() {
			return fmt.Errorf("%w: %s (swap) amount must be positive, got %s", apperrors.ErrInvalidIntent, i.ID, i.Amount)
		}
		if i.ToAsset == "" {
			return fmt.Errorf("%w: %s (swap) missing target asset", apperrors.ErrInvalidIntent, i.ID)
		}
	default:
		return fmt.Errorf("%w: %s unknown type %q", apperrors.ErrInvalidIntent, i.ID, i.Type)
	}
	return nil
}
