package apperrors

import "errors"

// Standardized engine errors
var (
	// ErrDataUnavailable means market, price, or balance data is missing or
	// stale beyond tolerance. The current evaluation tick aborts and the
	// controller keeps its prior state.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrIntentRejected means the executing collaborator reported a
	// reverted or failed transaction for a submitted intent.
	ErrIntentRejected = errors.New("intent rejected")

	// ErrPlanInfeasible means the requested leverage multiplier cannot be
	// reached without breaking the health factor floor. The planner returns
	// the largest feasible plan instead of this error; it exists for
	// callers that treat a truncated plan as a failure.
	ErrPlanInfeasible = errors.New("leverage plan infeasible")

	// ErrInsufficientBalance means the wallet cannot cover a required
	// repayment even after a swap attempt.
	ErrInsufficientBalance = errors.New("insufficient balance")

	ErrUnknownAsset  = errors.New("unknown asset")
	ErrInvalidIntent = errors.New("invalid intent")
)
