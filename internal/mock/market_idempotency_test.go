package mock

import (
	"context"
	"errors"
	"testing"

	"lending_engine/internal/core"
	apperrors "lending_engine/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usdcParams(t *testing.T) core.AssetParams {
	t.Helper()
	p, err := core.NewAssetParams(
		"USDC",
		decimal.NewFromInt(1),
		decimal.NewFromFloat(0.80),
		decimal.NewFromFloat(0.85),
		decimal.NewFromFloat(0.03),
		decimal.NewFromFloat(0.05),
		decimal.NewFromFloat(0.07),
		true,
	)
	require.NoError(t, err)
	return p
}

func TestSubmitIntent_ReplayedIDIsNotReapplied(t *testing.T) {
	m := NewMockLendingMarket()
	m.SetAssetParams(usdcParams(t))

	in := core.NewIntent(core.IntentSupply, "acct", "USDC", decimal.NewFromInt(100))

	first, err := m.SubmitIntent(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, core.IntentStatusConfirmed, first.Status)

	second, err := m.SubmitIntent(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, first.TxID, second.TxID)

	ps, err := m.GetPosition(context.Background(), "acct")
	require.NoError(t, err)
	assert.True(t, ps.Collateral["USDC"].Quantity.Equal(decimal.NewFromInt(100)),
		"replayed intent must not double-apply, got %s", ps.Collateral["USDC"].Quantity)
	assert.Len(t, m.SubmittedIntents(), 1)
}

func TestSubmitIntent_AppliesToPosition(t *testing.T) {
	m := NewMockLendingMarket()
	ctx := context.Background()

	_, err := m.SubmitIntent(ctx, core.NewIntent(core.IntentSupply, "acct", "USDC", decimal.NewFromInt(1000)))
	require.NoError(t, err)
	_, err = m.SubmitIntent(ctx, core.NewIntent(core.IntentBorrow, "acct", "USDC", decimal.NewFromInt(400)))
	require.NoError(t, err)
	_, err = m.SubmitIntent(ctx, core.NewIntent(core.IntentRepay, "acct", "USDC", decimal.NewFromInt(400)))
	require.NoError(t, err)

	ps, err := m.GetPosition(ctx, "acct")
	require.NoError(t, err)
	assert.Empty(t, ps.Debt)
	assert.True(t, ps.Collateral["USDC"].Quantity.Equal(decimal.NewFromInt(1000)))
}

func TestSubmitIntent_RevertInjection(t *testing.T) {
	m := NewMockLendingMarket()
	m.RevertNext(core.IntentRepay, 1)
	ctx := context.Background()

	res, err := m.SubmitIntent(ctx, core.NewIntent(core.IntentRepay, "acct", "USDC", decimal.NewFromInt(10)))
	require.NoError(t, err)
	assert.Equal(t, core.IntentStatusReverted, res.Status)

	// The injection is consumed; a later repay against real debt confirms.
	_, err = m.SubmitIntent(ctx, core.NewIntent(core.IntentBorrow, "acct", "USDC", decimal.NewFromInt(10)))
	require.NoError(t, err)
	res, err = m.SubmitIntent(ctx, core.NewIntent(core.IntentRepay, "acct", "USDC", decimal.NewFromInt(10)))
	require.NoError(t, err)
	assert.Equal(t, core.IntentStatusConfirmed, res.Status)
}

func TestGetMarketSnapshot_MissingAssetIsDataUnavailable(t *testing.T) {
	m := NewMockLendingMarket()
	m.SetAssetParams(usdcParams(t))

	_, err := m.GetMarketSnapshot(context.Background(), []string{"USDC", "WETH"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDataUnavailable))
}

func TestGetPosition_ReturnsClone(t *testing.T) {
	m := NewMockLendingMarket()
	ps := core.NewPositionState("acct")
	require.NoError(t, ps.Supply("USDC", decimal.NewFromInt(500)))
	m.SetPosition(ps)

	got, err := m.GetPosition(context.Background(), "acct")
	require.NoError(t, err)
	require.NoError(t, got.Supply("USDC", decimal.NewFromInt(500)))

	again, err := m.GetPosition(context.Background(), "acct")
	require.NoError(t, err)
	assert.True(t, again.Collateral["USDC"].Quantity.Equal(decimal.NewFromInt(500)))
}
