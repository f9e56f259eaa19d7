package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/elys-network/yieldmover/internal/types"
	"github.com/google/uuid"
)

// MemoryStore implements Store in process memory. Used with STORE_BACKEND=memory and in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]types.Position // by position ID
	prefs     map[string]types.Preferences
	receipts  []types.ExecutionReceipt
	cycles    []types.CycleSummary
	markets   map[string]types.MarketSnapshot
	cycle     int
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]types.Position),
		prefs:     make(map[string]types.Preferences),
		markets:   make(map[string]types.MarketSnapshot),
		now:       time.Now,
	}
}

func (s *MemoryStore) GetUserPositions(_ context.Context, user string) ([]types.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Position
	for _, p := range s.positions {
		if p.Owner == user && p.IsOpen() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnteredAt.Equal(out[j].EnteredAt) {
			return out[i].EnteredAt.Before(out[j].EnteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ClosePosition(_ context.Context, user, positionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[positionID]
	if !ok || p.Owner != user || !p.IsOpen() {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	now := s.now()
	p.Status = types.PositionClosed
	p.ClosedAt = &now
	p.ClosedReason = reason
	p.UpdatedAt = now
	s.positions[positionID] = p
	return nil
}

func (s *MemoryStore) TrackPosition(_ context.Context, user string, data types.NewPosition) (string, error) {
	if err := validateNewPosition(data); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	now := s.now()
	s.positions[id] = types.Position{
		ID:         id,
		Owner:      user,
		Protocol:   data.Protocol,
		Chain:      data.Chain,
		MarketID:   data.MarketID,
		Asset:      data.Asset,
		Amount:     data.Amount,
		Decimals:   data.Decimals,
		EntryPrice: data.EntryPrice,
		CurrentAPY: data.CurrentAPY,
		RiskScore:  data.RiskScore,
		EnteredAt:  now,
		UpdatedAt:  now,
		Metadata:   data.Metadata,
		Status:     types.PositionOpen,
	}
	return id, nil
}

// PutPosition stores p as is, keeping its ID and timestamps.
func (s *MemoryStore) PutPosition(p types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = types.PositionOpen
	}
	s.positions[p.ID] = p
}

// Position returns any stored position, open or closed.
func (s *MemoryStore) Position(id string) (types.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	return p, ok
}

func (s *MemoryStore) LoadEnabledUsers(context.Context) ([]types.UserPreferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.UserPreferences
	for user, p := range s.prefs {
		if p.AutomationEnabled {
			out = append(out, types.UserPreferences{User: user, Preferences: p})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out, nil
}

func (s *MemoryStore) EnableAutomation(_ context.Context, user string, prefs types.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs.Owner = user
	prefs.AutomationEnabled = true
	prefs.UpdatedAt = s.now()
	s.prefs[user] = prefs
	return nil
}

func (s *MemoryStore) DisableAutomation(_ context.Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[user]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, user)
	}
	p.AutomationEnabled = false
	p.UpdatedAt = s.now()
	s.prefs[user] = p
	return nil
}

func (s *MemoryStore) NextCycleNumber(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycle++
	return s.cycle, nil
}

func (s *MemoryStore) SaveReceipts(_ context.Context, receipts []types.ExecutionReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range receipts {
		if r.ReceiptID == "" {
			r.ReceiptID = uuid.New().String()
		}
		s.receipts = append(s.receipts, r)
	}
	return nil
}

// Receipts returns a copy of every saved receipt in insertion order.
func (s *MemoryStore) Receipts() []types.ExecutionReceipt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ExecutionReceipt, len(s.receipts))
	copy(out, s.receipts)
	return out
}

// PendingInterventions lists receipts flagged for manual intervention, newest first.
func (s *MemoryStore) PendingInterventions(context.Context) ([]types.ExecutionReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ExecutionReceipt
	for i := len(s.receipts) - 1; i >= 0; i-- {
		if s.receipts[i].NeedsManualIntervention {
			out = append(out, s.receipts[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveCycleSummary(_ context.Context, summary types.CycleSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles = append(s.cycles, summary)
	return nil
}

func (s *MemoryStore) RecentCycles(_ context.Context, limit int) ([]types.CycleSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	out := make([]types.CycleSummary, 0, limit)
	for i := len(s.cycles) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.cycles[i])
	}
	return out, nil
}

func (s *MemoryStore) SaveMarketSnapshots(_ context.Context, _ string, markets []types.MarketSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range markets {
		s.markets[m.Key()] = m
	}
	return nil
}

// GetMarkets serves the latest saved snapshot of every market.
func (s *MemoryStore) GetMarkets(_ context.Context, protocol string) ([]types.MarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.MarketSnapshot
	for _, m := range s.markets {
		if protocol == "" || m.Protocol == protocol {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}
