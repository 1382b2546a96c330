// Package mock provides in-memory collaborators for tests
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lending_engine/internal/core"
	apperrors "lending_engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// MockLendingMarket implements core.ILendingMarket with an in-memory book.
// Confirmed intents mutate the held positions so multi-step flows can be
// exercised end to end.
type MockLendingMarket struct {
	mu        sync.RWMutex
	assets    map[string]core.AssetParams
	positions map[string]*core.PositionState

	// Idempotency: resubmitting a known intent ID replays the stored result
	results   map[string]*core.IntentResult
	submitted []*core.Intent

	// Failure injection
	revertNext  map[core.IntentType]int
	snapshotErr error
	positionErr error
	txCounter   int64
}

func NewMockLendingMarket() *MockLendingMarket {
	return &MockLendingMarket{
		assets:     make(map[string]core.AssetParams),
		positions:  make(map[string]*core.PositionState),
		results:    make(map[string]*core.IntentResult),
		revertNext: make(map[core.IntentType]int),
		txCounter:  5000,
	}
}

// SetAssetParams installs or replaces one asset in the snapshot universe
func (m *MockLendingMarket) SetAssetParams(p core.AssetParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[p.Symbol] = p
}

// SetPosition installs the position returned for an account
func (m *MockLendingMarket) SetPosition(ps *core.PositionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[ps.Account] = ps
}

// SetSnapshotError makes GetMarketSnapshot fail until cleared with nil
func (m *MockLendingMarket) SetSnapshotError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshotErr = err
}

// SetPositionError makes GetPosition fail until cleared with nil
func (m *MockLendingMarket) SetPositionError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionErr = err
}

// RevertNext makes the next n intents of the given type come back reverted
func (m *MockLendingMarket) RevertNext(t core.IntentType, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revertNext[t] = n
}

// SubmittedIntents returns every intent seen, in submission order
func (m *MockLendingMarket) SubmittedIntents() []*core.Intent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Intent, len(m.submitted))
	copy(out, m.submitted)
	return out
}

func (m *MockLendingMarket) GetMarketSnapshot(ctx context.Context, assets []string) (*core.MarketSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.snapshotErr != nil {
		return nil, m.snapshotErr
	}

	snap := &core.MarketSnapshot{
		Assets:    make(map[string]core.AssetParams, len(assets)),
		Timestamp: time.Now(),
	}
	for _, a := range assets {
		p, ok := m.assets[a]
		if !ok {
			return nil, fmt.Errorf("asset %s not priced: %w", a, apperrors.ErrDataUnavailable)
		}
		snap.Assets[a] = p
	}
	return snap, nil
}

func (m *MockLendingMarket) GetPosition(ctx context.Context, account string) (*core.PositionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.positionErr != nil {
		return nil, m.positionErr
	}
	ps, ok := m.positions[account]
	if !ok {
		return core.NewPositionState(account), nil
	}
	return ps.Clone(), nil
}

// SubmitIntent applies the intent to the held position. Intent IDs are
// idempotency keys: a replayed ID returns the original result without
// re-applying.
func (m *MockLendingMarket) SubmitIntent(ctx context.Context, intent *core.Intent) (*core.IntentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.results[intent.ID]; ok {
		return prior, nil
	}
	m.submitted = append(m.submitted, intent)

	m.txCounter++
	res := &core.IntentResult{
		TxID:   fmt.Sprintf("tx-%d", m.txCounter),
		Status: core.IntentStatusConfirmed,
	}

	if n := m.revertNext[intent.Type]; n > 0 {
		m.revertNext[intent.Type] = n - 1
		res.Status = core.IntentStatusReverted
		m.results[intent.ID] = res
		return res, nil
	}

	ps, ok := m.positions[intent.Account]
	if !ok {
		ps = core.NewPositionState(intent.Account)
		m.positions[intent.Account] = ps
	}

	var err error
	switch intent.Type {
	case core.IntentSupply:
		err = ps.Supply(intent.Asset, intent.Amount)
	case core.IntentBorrow:
		err = ps.Borrow(intent.Asset, intent.Amount, core.RateModeVariable)
	case core.IntentRepay:
		err = ps.Repay(intent.Asset, intent.Amount)
	case core.IntentWithdraw:
		err = ps.Withdraw(intent.Asset, intent.Amount)
	case core.IntentSwapRateMode:
		err = ps.SwapRateMode(intent.Asset, intent.TargetMode)
	case core.IntentFlashLoan, core.IntentSwap:
		// Atomic from the venue's point of view; no position change.
	default:
		err = fmt.Errorf("unknown intent type %q", intent.Type)
	}
	if err != nil {
		res.Status = core.IntentStatusReverted
	}

	m.results[intent.ID] = res
	return res, nil
}

// MockWallet implements core.IWallet over a static balance table
type MockWallet struct {
	mu       sync.RWMutex
	balances map[string]map[string]decimal.Decimal
	err      error
}

func NewMockWallet() *MockWallet {
	return &MockWallet{balances: make(map[string]map[string]decimal.Decimal)}
}

// SetBalance installs one liquid balance
func (w *MockWallet) SetBalance(account, asset string, amount decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balances[account] == nil {
		w.balances[account] = make(map[string]decimal.Decimal)
	}
	w.balances[account][asset] = amount
}

// SetError makes GetBalance fail until cleared with nil
func (w *MockWallet) SetError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

func (w *MockWallet) GetBalance(ctx context.Context, account, asset string) (decimal.Decimal, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.err != nil {
		return decimal.Zero, w.err
	}
	return w.balances[account][asset], nil
}
