package state

import (
	"context"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/yieldmover/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPosition() types.NewPosition {
	return types.NewPosition{
		Protocol: "aave-v3", Chain: types.ChainEthereum, MarketID: "0xpool", Asset: "USDC",
		Amount: sdkmath.NewInt(1_000_000), Decimals: 6, EntryPrice: 1, CurrentAPY: 5, RiskScore: 0.1,
	}
}

func TestTrackAndClosePosition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id, err := s.TrackPosition(ctx, "alice", newPosition())
	require.NoError(t, err)

	positions, err := s.GetUserPositions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, id, positions[0].ID)
	assert.Equal(t, types.PositionOpen, positions[0].Status)

	assert.ErrorIs(t, s.ClosePosition(ctx, "bob", id, "rebalanced"), ErrPositionNotFound)
	require.NoError(t, s.ClosePosition(ctx, "alice", id, "rebalanced"))
	assert.ErrorIs(t, s.ClosePosition(ctx, "alice", id, "again"), ErrPositionNotFound)

	positions, err = s.GetUserPositions(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, positions)

	closed, ok := s.Position(id)
	require.True(t, ok)
	assert.Equal(t, "rebalanced", closed.ClosedReason)
	assert.NotNil(t, closed.ClosedAt)
}

func TestTrackPositionValidates(t *testing.T) {
	bad := newPosition()
	bad.RiskScore = 1.5
	_, err := NewMemoryStore().TrackPosition(context.Background(), "alice", bad)
	assert.Error(t, err)

	bad = newPosition()
	bad.Amount = sdkmath.NewInt(-1)
	_, err = NewMemoryStore().TrackPosition(context.Background(), "alice", bad)
	assert.Error(t, err)
}

func TestPreferencesLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.EnableAutomation(ctx, "bob", types.Preferences{MinImprovement: 0.03}))
	require.NoError(t, s.EnableAutomation(ctx, "alice", types.Preferences{MinImprovement: 0.02, MinPositionAge: time.Hour}))

	users, err := s.LoadEnabledUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].User)
	assert.Equal(t, time.Hour, users[0].Preferences.MinPositionAge)
	assert.True(t, users[0].Preferences.AutomationEnabled)

	require.NoError(t, s.DisableAutomation(ctx, "alice"))
	users, _ = s.LoadEnabledUsers(ctx)
	require.Len(t, users, 1)
	assert.Equal(t, "bob", users[0].User)

	assert.ErrorIs(t, s.DisableAutomation(ctx, "carol"), ErrUserNotFound)
}

func TestCycleRecording(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	n1, _ := s.NextCycleNumber(ctx)
	n2, _ := s.NextCycleNumber(ctx)
	assert.Equal(t, []int{1, 2}, []int{n1, n2})

	require.NoError(t, s.SaveCycleSummary(ctx, types.CycleSummary{CycleNumber: 1}))
	require.NoError(t, s.SaveCycleSummary(ctx, types.CycleSummary{CycleNumber: 2}))
	recent, err := s.RecentCycles(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, 2, recent[0].CycleNumber)

	require.NoError(t, s.SaveReceipts(ctx, []types.ExecutionReceipt{{PositionID: "p", StepIndex: 0}}))
	receipts := s.Receipts()
	require.Len(t, receipts, 1)
	assert.NotEmpty(t, receipts[0].ReceiptID)
}

func TestMarketSnapshotsServeLatest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	old := types.MarketSnapshot{Protocol: "spark", Chain: types.ChainEthereum, MarketID: "m", SupplyAPY: 3}
	fresh := old
	fresh.SupplyAPY = 4

	require.NoError(t, s.SaveMarketSnapshots(ctx, "c1", []types.MarketSnapshot{old}))
	require.NoError(t, s.SaveMarketSnapshots(ctx, "c2", []types.MarketSnapshot{fresh, {Protocol: "aave-v3", MarketID: "x"}}))

	markets, err := s.GetMarkets(ctx, "spark")
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, 4.0, markets[0].SupplyAPY)
}

func TestPendingInterventions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SaveReceipts(ctx, []types.ExecutionReceipt{
		{ReceiptID: "r1", StepIndex: 0, Success: true},
		{ReceiptID: "r2", StepIndex: 0, Success: true, NeedsManualIntervention: true},
		{ReceiptID: "r3", StepIndex: 1, Success: false, NeedsManualIntervention: true},
	}))

	pending, err := s.PendingInterventions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "r3", pending[0].ReceiptID)
	assert.Equal(t, "r2", pending[1].ReceiptID)
}
