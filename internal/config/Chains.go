/*

This file contains the static per-chain tables: native token, its USD price, default gas tiers
and the etherscan-family gas tracker endpoint.

The native prices are an approximation used by the cost estimator. A YAML file given by
CHAIN_CONFIG_PATH can override any entry or add new chains, e.g.

	chains:
	  arbitrum:
	    native_price_usd: 3100
	    default_gas: {slow: 0.01, standard: 0.02, fast: 0.05}

*/

package config

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/elys-network/yieldmover/internal/types"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// GasTiers are gas prices in gwei.
type GasTiers struct {
	Slow     float64 `yaml:"slow"`
	Standard float64 `yaml:"standard"`
	Fast     float64 `yaml:"fast"`
}

// ChainInfo is the static description of one chain.
type ChainInfo struct {
	ID             types.ChainID `yaml:"-"`
	NativeSymbol   string        `yaml:"native_symbol"`
	NativePriceUSD float64       `yaml:"native_price_usd"`
	DefaultGas     GasTiers      `yaml:"default_gas"`
	GasTrackerURL  string        `yaml:"gas_tracker_url"` // etherscan-family API, empty if none
	OwlracleSlug   string        `yaml:"owlracle_slug"`
}

var (
	chainsMu sync.RWMutex
	chains   = map[types.ChainID]ChainInfo{
		types.ChainEthereum: {
			NativeSymbol: "ETH", NativePriceUSD: 2500,
			DefaultGas:    GasTiers{Slow: 15, Standard: 25, Fast: 40},
			GasTrackerURL: "https://api.etherscan.io/api", OwlracleSlug: "eth",
		},
		types.ChainArbitrum: {
			NativeSymbol: "ETH", NativePriceUSD: 2500,
			DefaultGas:    GasTiers{Slow: 0.01, Standard: 0.02, Fast: 0.05},
			GasTrackerURL: "https://api.arbiscan.io/api", OwlracleSlug: "arb",
		},
		types.ChainOptimism: {
			NativeSymbol: "ETH", NativePriceUSD: 2500,
			DefaultGas:    GasTiers{Slow: 0.001, Standard: 0.002, Fast: 0.005},
			GasTrackerURL: "https://api-optimistic.etherscan.io/api", OwlracleSlug: "opt",
		},
		types.ChainBase: {
			NativeSymbol: "ETH", NativePriceUSD: 2500,
			DefaultGas:    GasTiers{Slow: 0.005, Standard: 0.01, Fast: 0.02},
			GasTrackerURL: "https://api.basescan.org/api", OwlracleSlug: "base",
		},
		types.ChainPolygon: {
			NativeSymbol: "POL", NativePriceUSD: 0.5,
			DefaultGas:    GasTiers{Slow: 30, Standard: 50, Fast: 80},
			GasTrackerURL: "https://api.polygonscan.com/api", OwlracleSlug: "poly",
		},
		types.ChainAvalanche: {
			NativeSymbol: "AVAX", NativePriceUSD: 30,
			DefaultGas:   GasTiers{Slow: 25, Standard: 27, Fast: 30},
			OwlracleSlug: "avax",
		},
		types.ChainBSC: {
			NativeSymbol: "BNB", NativePriceUSD: 300,
			DefaultGas:    GasTiers{Slow: 1, Standard: 3, Fast: 5},
			GasTrackerURL: "https://api.bscscan.com/api", OwlracleSlug: "bsc",
		},
	}
)

// FallbackChain is used for chains missing from the table.
var FallbackChain = ChainInfo{
	NativeSymbol: "ETH", NativePriceUSD: 2500,
	DefaultGas: GasTiers{Slow: 20, Standard: 30, Fast: 50},
}

// Chain returns the static info for id, and whether the chain is known.
func Chain(id types.ChainID) (ChainInfo, bool) {
	chainsMu.RLock()
	defer chainsMu.RUnlock()
	info, ok := chains[id]
	if !ok {
		info = FallbackChain
	}
	info.ID = id
	return info, ok
}

// ChainIDs returns every configured chain, sorted.
func ChainIDs() []types.ChainID {
	chainsMu.RLock()
	defer chainsMu.RUnlock()
	ids := make([]types.ChainID, 0, len(chains))
	for id := range chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type chainFile struct {
	Chains map[string]ChainInfo `yaml:"chains"`
}

// LoadChainOverrides merges a YAML chain table into the static one. Zero fields keep their defaults.
func LoadChainOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read chain config file: %w", err)
	}

	var file chainFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("cannot parse chain config YAML: %w", err)
	}

	chainsMu.Lock()
	defer chainsMu.Unlock()
	for name, override := range file.Chains {
		id := types.ChainID(name)
		current, ok := chains[id]
		if !ok {
			current = FallbackChain
		}
		if override.NativeSymbol != "" {
			current.NativeSymbol = override.NativeSymbol
		}
		if override.NativePriceUSD > 0 {
			current.NativePriceUSD = override.NativePriceUSD
		}
		if override.DefaultGas.Standard > 0 {
			current.DefaultGas = override.DefaultGas
		}
		if override.GasTrackerURL != "" {
			current.GasTrackerURL = override.GasTrackerURL
		}
		if override.OwlracleSlug != "" {
			current.OwlracleSlug = override.OwlracleSlug
		}
		chains[id] = current
		log.Info().Str("chain", name).Msg("Applied chain table override")
	}
	return nil
}
