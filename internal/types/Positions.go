/*

This file contains the types for tracked lending positions owned by a single user.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// ChainID identifies an EVM network by its lowercase name, e.g. "arbitrum".
type ChainID string

const (
	ChainEthereum  ChainID = "ethereum"
	ChainArbitrum  ChainID = "arbitrum"
	ChainOptimism  ChainID = "optimism"
	ChainBase      ChainID = "base"
	ChainPolygon   ChainID = "polygon"
	ChainAvalanche ChainID = "avalanche"
	ChainBSC       ChainID = "bsc"
)

type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// RewardAccrual is a single reward stream accrued by a position.
type RewardAccrual struct {
	Token     string      `json:"token"`
	Amount    sdkmath.Int `json:"amount"`
	Decimals  int         `json:"decimals"`
	ValueUSD  float64     `json:"value_usd"`
	AccruedAt time.Time   `json:"accrued_at"`
}

// Position is a deposit in one lending market.
type Position struct {
	ID         string            `json:"id"`
	Owner      string            `json:"owner"`
	Protocol   string            `json:"protocol"`  // e.g. "aave-v3"
	Chain      ChainID           `json:"chain"`     // e.g. "arbitrum"
	MarketID   string            `json:"market_id"` // market or pool address
	Asset      string            `json:"asset"`     // e.g. "USDC"
	Amount     sdkmath.Int       `json:"amount"`    // base units
	Decimals   int               `json:"decimals"`  // e.g. 6 for USDC, 18 for WETH
	EntryPrice float64           `json:"entry_price"`
	CurrentAPY float64           `json:"current_apy"` // percent, e.g. 6.8
	RiskScore  float64           `json:"risk_score"`  // 0..1
	EnteredAt  time.Time         `json:"entered_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Rewards    []RewardAccrual   `json:"rewards,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	Status       PositionStatus `json:"status"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
	ClosedReason string         `json:"closed_reason,omitempty"`
}

// Age returns how long the position has been held at now.
func (p Position) Age(now time.Time) time.Duration {
	if p.EnteredAt.IsZero() {
		return 0
	}
	return now.Sub(p.EnteredAt)
}

// IsOpen reports whether the position is still tracked as open.
func (p Position) IsOpen() bool {
	return p.Status == "" || p.Status == PositionOpen
}

// NewPosition is the data needed to start tracking a deposit.
type NewPosition struct {
	Protocol   string            `json:"protocol"`
	Chain      ChainID           `json:"chain"`
	MarketID   string            `json:"market_id"`
	Asset      string            `json:"asset"`
	Amount     sdkmath.Int       `json:"amount"`
	Decimals   int               `json:"decimals"`
	EntryPrice float64           `json:"entry_price"`
	CurrentAPY float64           `json:"current_apy"`
	RiskScore  float64           `json:"risk_score"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
