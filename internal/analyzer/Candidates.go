/*

This file contains the construction of candidate opportunities and the filters a (position,
alternative market) pair must pass before it is ranked.

*/

package analyzer

import (
	"math"
	"strings"
	"time"

	"github.com/elys-network/yieldmover/internal/types"
)

type RejectReason string

const (
	Accepted                      RejectReason = ""
	RejectSameMarket              RejectReason = "same_market"
	RejectAssetMismatch           RejectReason = "asset_mismatch"
	RejectPositionTooNew          RejectReason = "position_too_new"
	RejectStaleMarket             RejectReason = "stale_market"
	RejectLowLiquidity            RejectReason = "low_liquidity"
	RejectHighUtilization         RejectReason = "high_utilization"
	RejectHighVolatility          RejectReason = "high_volatility"
	RejectInsufficientImprovement RejectReason = "insufficient_improvement"
	RejectInvalidValue            RejectReason = "invalid_position_value"
	RejectGasCostTooHigh          RejectReason = "gas_cost_too_high"
	RejectUnprofitable            RejectReason = "unprofitable"
)

// YieldDelta is the APY gain of moving from pos to target, as a fraction.
func YieldDelta(pos types.Position, target types.MarketSnapshot) float64 {
	return (target.TotalAPY() - pos.CurrentAPY) / 100
}

// ScreenMarket applies the checks that need no cost estimate.
func ScreenMarket(pos types.Position, target types.MarketSnapshot, prefs types.Preferences, params types.RebalanceParameters, now time.Time) RejectReason {
	switch {
	case target.Protocol == pos.Protocol && target.Chain == pos.Chain && target.MarketID == pos.MarketID:
		return RejectSameMarket
	case !strings.EqualFold(target.Asset, pos.Asset):
		return RejectAssetMismatch
	case pos.Age(now) < prefs.MinPositionAge:
		return RejectPositionTooNew
	case target.IsStale(now, params.MaxMarketAge):
		return RejectStaleMarket
	case target.LiquidityUSD < params.MinLiquidityUSD:
		return RejectLowLiquidity
	case target.Utilization > params.MaxUtilization:
		return RejectHighUtilization
	case target.Volatility > params.MaxVolatility:
		return RejectHighVolatility
	case YieldDelta(pos, target) < prefs.MinImprovement:
		return RejectInsufficientImprovement
	}
	return Accepted
}

// NewOpportunity fills the derived economics of a move from its verdict.
func NewOpportunity(user string, pos types.Position, target types.MarketSnapshot, steps []types.Step, valueUSD float64, verdict types.Verdict, sequence int) types.Opportunity {
	delta := YieldDelta(pos, target)
	cost := verdict.GasCostUSD

	breakEvenDays := math.MaxFloat64
	if annual := valueUSD * delta; annual > 0 {
		breakEvenDays = cost / (annual / 365)
	}

	netImprovement := delta
	if valueUSD > 0 {
		netImprovement = delta - cost/valueUSD
	}

	return types.Opportunity{
		User:             user,
		Position:         pos,
		Target:           target,
		Steps:            steps,
		YieldDelta:       delta,
		PositionValueUSD: valueUSD,
		SwitchingCostUSD: cost,
		BreakEvenDays:    breakEvenDays,
		NetImprovement:   netImprovement,
		RiskScore:        target.RiskScore,
		Verdict:          verdict,
		Sequence:         sequence,
	}
}

// ScreenOpportunity applies the checks that depend on the estimated switching cost.
func ScreenOpportunity(opp types.Opportunity, prefs types.Preferences) RejectReason {
	if opp.PositionValueUSD <= 0 || !finite(opp.PositionValueUSD) {
		return RejectInvalidValue
	}
	if opp.SwitchingCostUSD/opp.PositionValueUSD > prefs.MaxGasCostPercent {
		return RejectGasCostTooHigh
	}
	if !opp.Verdict.ShouldExecute {
		return RejectUnprofitable
	}
	return Accepted
}
