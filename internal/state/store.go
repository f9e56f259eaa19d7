package state

import (
	"context"
	"errors"

	"github.com/elys-network/yieldmover/internal/types"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrUserNotFound     = errors.New("user not found")
)

// PositionStore tracks user positions. Closing is a soft delete.
type PositionStore interface {
	GetUserPositions(ctx context.Context, user string) ([]types.Position, error)
	ClosePosition(ctx context.Context, user, positionID, reason string) error
	TrackPosition(ctx context.Context, user string, data types.NewPosition) (string, error)
}

// PreferencesStore holds per-user automation settings.
type PreferencesStore interface {
	LoadEnabledUsers(ctx context.Context) ([]types.UserPreferences, error)
	EnableAutomation(ctx context.Context, user string, prefs types.Preferences) error
	DisableAutomation(ctx context.Context, user string) error
}

// CycleRecorder persists what each scan cycle did.
type CycleRecorder interface {
	NextCycleNumber(ctx context.Context) (int, error)
	SaveReceipts(ctx context.Context, receipts []types.ExecutionReceipt) error
	SaveCycleSummary(ctx context.Context, summary types.CycleSummary) error
	RecentCycles(ctx context.Context, limit int) ([]types.CycleSummary, error)
	SaveMarketSnapshots(ctx context.Context, cycleID string, markets []types.MarketSnapshot) error
}

// Store is everything the service persists.
type Store interface {
	PositionStore
	PreferencesStore
	CycleRecorder
}
