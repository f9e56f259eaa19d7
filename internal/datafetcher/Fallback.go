package datafetcher

import (
	"context"
	"fmt"

	"github.com/elys-network/yieldmover/internal/types"
)

// FallbackSource serves markets from secondary when primary fails. With a store as secondary the
// last persisted snapshots are used; the staleness filter rejects them once they age out.
type FallbackSource struct {
	primary   MarketSource
	secondary MarketSource
}

func NewFallbackSource(primary, secondary MarketSource) *FallbackSource {
	return &FallbackSource{primary: primary, secondary: secondary}
}

func (s *FallbackSource) GetMarkets(ctx context.Context, protocol string) ([]types.MarketSnapshot, error) {
	markets, err := s.primary.GetMarkets(ctx, protocol)
	if err == nil {
		return markets, nil
	}
	if s.secondary == nil {
		return nil, err
	}

	marketLogger.Warn().Err(err).Str("protocol", protocol).Msg("Primary market source failed, using stored snapshots")
	stored, fallbackErr := s.secondary.GetMarkets(ctx, protocol)
	if fallbackErr != nil {
		return nil, fmt.Errorf("primary market source failed: %w (fallback: %v)", err, fallbackErr)
	}
	return stored, nil
}
