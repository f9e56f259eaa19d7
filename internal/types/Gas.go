/*

This file contains the gas and cost types shared by the oracle, estimator and analyzer.

*/

package types

import "time"

// Gas quote sources, in fallback order after the chain-specific APIs.
const (
	GasSourceNode    = "node"
	GasSourceDefault = "default"
)

// GasQuote holds gas price tiers in gwei.
type GasQuote struct {
	Chain     ChainID   `json:"chain"`
	Slow      float64   `json:"slow"`
	Standard  float64   `json:"standard"`
	Fast      float64   `json:"fast"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// CostEstimate is the estimated cost of one operation on one chain.
type CostEstimate struct {
	Chain        ChainID       `json:"chain"`
	Operation    OperationType `json:"operation"`
	GasLimit     uint64        `json:"gas_limit"`
	GasPriceGwei float64       `json:"gas_price_gwei"`
	CostNative   float64       `json:"cost_native"`
	CostUSD      float64       `json:"cost_usd"`
	Source       string        `json:"source"`
}

type Recommendation string

const (
	RecommendHighlyProfitable Recommendation = "highly_profitable"
	RecommendProfitable       Recommendation = "profitable"
	RecommendWaitForLowerGas  Recommendation = "wait_for_lower_gas"
	RecommendNotProfitable    Recommendation = "not_profitable"
	RecommendAnalysisFailed   Recommendation = "analysis_failed"
)

// Verdict is the outcome of a profitability check.
type Verdict struct {
	ShouldExecute    bool           `json:"should_execute"`
	GasCostUSD       float64        `json:"gas_cost_usd"`
	ExpectedYieldUSD float64        `json:"expected_yield_usd"` // scaled to the horizon
	NetProfitUSD     float64        `json:"net_profit_usd"`
	BreakEvenHours   float64        `json:"break_even_hours"`
	Recommendation   Recommendation `json:"recommendation"`
	FailedStep       int            `json:"failed_step"` // -1 unless a multi-step check short-circuited
}
