package state

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/elys-network/yieldmover/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPostgresStore connects to the database named by TEST_DB_NAME, skipping otherwise.
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	name := os.Getenv("TEST_DB_NAME")
	if name == "" {
		t.Skip("TEST_DB_NAME not set, skipping Postgres tests")
	}
	port, err := strconv.Atoi(os.Getenv("TEST_DB_PORT"))
	if err != nil {
		port = 5432
	}
	cfg := DBConfig{
		Host:     envOr("TEST_DB_HOST", "localhost"),
		Port:     port,
		User:     envOr("TEST_DB_USER", "postgres"),
		Password: os.Getenv("TEST_DB_PASSWORD"),
		DBName:   name,
		SSLMode:  envOr("TEST_DB_SSLMODE", "disable"),
	}
	db, err := InitDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { CloseDB(db) })

	require.NoError(t, EnsureSchema(db))
	require.NoError(t, EnsureSchema(db), "schema creation is idempotent")
	return NewPostgresStore(db)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func TestPostgresPositionLifecycle(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	user := "user-" + uuid.New().String()

	id, err := s.TrackPosition(ctx, user, newPosition())
	require.NoError(t, err)

	positions, err := s.GetUserPositions(ctx, user)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, id, positions[0].ID)
	assert.Equal(t, "1000000", positions[0].Amount.String())

	require.NoError(t, s.ClosePosition(ctx, user, id, "rebalanced"))
	assert.ErrorIs(t, s.ClosePosition(ctx, user, id, "again"), ErrPositionNotFound)

	positions, err = s.GetUserPositions(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPostgresPreferencesAndCycles(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	user := "user-" + uuid.New().String()

	require.NoError(t, s.EnableAutomation(ctx, user, types.Preferences{MinImprovement: 0.02, MaxGasCostPercent: 0.01, RiskTolerance: 0.5}))
	users, err := s.LoadEnabledUsers(ctx)
	require.NoError(t, err)
	found := false
	for _, u := range users {
		if u.User == user {
			found = true
			assert.InDelta(t, 0.02, u.Preferences.MinImprovement, 1e-9)
		}
	}
	assert.True(t, found)
	require.NoError(t, s.DisableAutomation(ctx, user))

	n1, err := s.NextCycleNumber(ctx)
	require.NoError(t, err)
	n2, err := s.NextCycleNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, n1+1, n2)
	current, err := s.CurrentCycleNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, n2, current)

	cycleID := uuid.New().String()
	require.NoError(t, s.SaveReceipts(ctx, []types.ExecutionReceipt{{
		CycleID: cycleID, User: user, PositionID: "p1", StepIndex: 1, Operation: types.OpBridge,
		Chain: types.ChainEthereum, Success: false, Message: "reverted", NeedsManualIntervention: true,
		Timestamp: time.Now(),
	}}))
	pending, err := s.PendingInterventions(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, pending)

	require.NoError(t, s.SaveCycleSummary(ctx, types.CycleSummary{CycleID: cycleID, CycleNumber: n2, StartedAt: time.Now()}))
	recent, err := s.RecentCycles(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, cycleID, recent[0].CycleID)
}
