/*

This file contains per-user automation preferences and the global rebalance parameters.

*/

package types

import "time"

// Preferences are read once per scan cycle for every enabled user.
type Preferences struct {
	Owner             string        `json:"owner"`
	MinImprovement    float64       `json:"min_improvement"`      // fraction, 0.02 = two APY points
	MaxGasCostPercent float64       `json:"max_gas_cost_percent"` // fraction of position value
	RiskTolerance     float64       `json:"risk_tolerance"`       // 0..1
	MinPositionAge    time.Duration `json:"min_position_age"`
	AutomationEnabled bool          `json:"automation_enabled"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// UserPreferences pairs a user with their preferences.
type UserPreferences struct {
	User        string      `json:"user"`
	Preferences Preferences `json:"preferences"`
}

// RebalanceParameters holds the tunable thresholds of the orchestrator.
type RebalanceParameters struct {
	ScanInterval          time.Duration `json:"scan_interval"`
	MaxExecutionsPerCycle int           `json:"max_executions_per_cycle"`
	MaxPositionsPerUser   int           `json:"max_positions_per_user"`
	StepDelay             time.Duration `json:"step_delay"`
	AnalysisHorizonHours  float64       `json:"analysis_horizon_hours"`
	MinLiquidityUSD       float64       `json:"min_liquidity_usd"`
	MaxUtilization        float64       `json:"max_utilization"`
	MaxVolatility         float64       `json:"max_volatility"`
	MaxMarketAge          time.Duration `json:"max_market_age"`
	MaxFailuresPerHour    int           `json:"max_failures_per_hour"`
	UserConcurrency       int           `json:"user_concurrency"`
	ExecutorTimeout       time.Duration `json:"executor_timeout"`

	// Defaults applied to users enabled without explicit values.
	DefaultMinImprovement    float64 `json:"default_min_improvement"`
	DefaultMaxGasCostPercent float64 `json:"default_max_gas_cost_percent"`
}
