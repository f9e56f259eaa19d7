/*

This file contains the market snapshot type produced by the market data scrapers.

*/

package types

import "time"

// MarketSnapshot is a read-only view of a lending market at UpdatedAt.
type MarketSnapshot struct {
	Protocol     string    `json:"protocol"`
	Chain        ChainID   `json:"chain"`
	MarketID     string    `json:"market_id"`
	Asset        string    `json:"asset"`
	SupplyAPY    float64   `json:"supply_apy"` // percent
	RewardAPY    float64   `json:"reward_apy"` // percent
	TVLUSD       float64   `json:"tvl_usd"`
	Utilization  float64   `json:"utilization"`   // 0..1
	LiquidityUSD float64   `json:"liquidity_usd"` // withdrawable depth
	Volatility   float64   `json:"volatility"`    // 0..1
	RiskScore    float64   `json:"risk_score"`    // 0..1
	UpdatedAt    time.Time `json:"updated_at"`
}

// TotalAPY is supply plus reward APY, in percent.
func (m MarketSnapshot) TotalAPY() float64 {
	return m.SupplyAPY + m.RewardAPY
}

// IsStale reports whether the snapshot is older than maxAge at now.
func (m MarketSnapshot) IsStale(now time.Time, maxAge time.Duration) bool {
	if m.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(m.UpdatedAt) > maxAge
}

// Key uniquely identifies a market across chains.
func (m MarketSnapshot) Key() string {
	return string(m.Chain) + ":" + m.Protocol + ":" + m.MarketID
}
