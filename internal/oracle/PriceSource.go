package oracle

import (
	"context"
	"errors"
	"strings"

	"github.com/elys-network/yieldmover/internal/config"
	"github.com/elys-network/yieldmover/internal/types"
)

// ErrNoPrice means the source has no USD price for the asset.
var ErrNoPrice = errors.New("no price available")

// PriceSource supplies USD prices to the estimator and the orchestrator.
type PriceSource interface {
	NativePriceUSD(ctx context.Context, chain types.ChainID) (float64, error)
	AssetPriceUSD(ctx context.Context, asset string) (float64, error)
}

var stablecoins = map[string]bool{
	"USDC": true, "USDC.E": true, "USDT": true, "DAI": true, "USDS": true,
	"FRAX": true, "LUSD": true, "PYUSD": true, "GHO": true, "USDE": true,
}

// StaticPriceSource prices native tokens from the chain table and pegs stablecoins at 1.
type StaticPriceSource struct {
	chains ChainLookup
}

func NewStaticPriceSource(lookup ChainLookup) *StaticPriceSource {
	if lookup == nil {
		lookup = config.Chain
	}
	return &StaticPriceSource{chains: lookup}
}

func (s *StaticPriceSource) NativePriceUSD(_ context.Context, chain types.ChainID) (float64, error) {
	info, _ := s.chains(chain)
	if info.NativePriceUSD <= 0 {
		return 0, ErrNoPrice
	}
	return info.NativePriceUSD, nil
}

// AssetPriceUSD knows stablecoins and the wrapped or bare native symbol of each configured chain.
func (s *StaticPriceSource) AssetPriceUSD(_ context.Context, asset string) (float64, error) {
	symbol := strings.ToUpper(strings.TrimSpace(asset))
	if stablecoins[symbol] {
		return 1, nil
	}

	for _, id := range config.ChainIDs() {
		info, _ := s.chains(id)
		native := strings.ToUpper(info.NativeSymbol)
		if info.NativePriceUSD > 0 && (symbol == native || symbol == "W"+native) {
			return info.NativePriceUSD, nil
		}
	}
	return 0, ErrNoPrice
}
