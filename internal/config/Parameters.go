/*

This file contains the default parameters for the rebalance orchestrator and the
environment overrides for them.

*/

package config

import (
	"time"

	"github.com/elys-network/yieldmover/internal/types"
)

// DefaultRebalanceParameters is used for every value not set in the environment.
var DefaultRebalanceParameters = types.RebalanceParameters{
	ScanInterval: 15 * time.Minute,

	MaxExecutionsPerCycle: 5, // Caps per-cycle blockchain load regardless of how many candidates exist.
	MaxPositionsPerUser:   10,

	StepDelay: 2 * time.Second, // Pause between blockchain-affecting steps, lets nonces settle.

	AnalysisHorizonHours: 168, // Expected yield is scaled to one week before comparing with gas.

	MinLiquidityUSD: 100_000,
	MaxUtilization:  0.95,
	MaxVolatility:   0.50,
	MaxMarketAge:    2 * time.Hour, // Older snapshots are unusable.

	MaxFailuresPerHour: 5,
	UserConcurrency:    4,
	ExecutorTimeout:    2 * time.Minute,

	DefaultMinImprovement:    0.02,
	DefaultMaxGasCostPercent: 0.01,
}

// parameterOverrides holds only the values explicitly set in the environment.
var (
	parameterOverrides types.RebalanceParameters
	stepDelayOverride  *time.Duration
)

func loadParameterOverrides() error {
	var err error
	var p types.RebalanceParameters

	if p.MaxExecutionsPerCycle, err = getEnvAsInt("MAX_EXECUTIONS_PER_CYCLE", 0); err != nil {
		return err
	}
	stepMs, err := getEnvAsInt("STEP_DELAY_MS", -1)
	if err != nil {
		return err
	}
	stepDelayOverride = nil
	if stepMs >= 0 {
		d := time.Duration(stepMs) * time.Millisecond
		stepDelayOverride = &d
	}
	if p.AnalysisHorizonHours, err = getEnvAsFloat64("ANALYSIS_HORIZON_HOURS", 0); err != nil {
		return err
	}
	if p.MinLiquidityUSD, err = getEnvAsFloat64("MIN_LIQUIDITY_USD", 0); err != nil {
		return err
	}
	if p.MaxUtilization, err = getEnvAsFloat64("MAX_UTILIZATION", 0); err != nil {
		return err
	}
	if p.MaxVolatility, err = getEnvAsFloat64("MAX_VOLATILITY", 0); err != nil {
		return err
	}
	staleMin, err := getEnvAsInt("MARKET_STALENESS_MINUTES", 0)
	if err != nil {
		return err
	}
	p.MaxMarketAge = time.Duration(staleMin) * time.Minute
	if p.MaxFailuresPerHour, err = getEnvAsInt("MAX_FAILURES_PER_HOUR", 0); err != nil {
		return err
	}
	if p.UserConcurrency, err = getEnvAsInt("USER_CONCURRENCY", 0); err != nil {
		return err
	}
	execMs, err := getEnvAsInt("EXECUTOR_TIMEOUT_MS", 0)
	if err != nil {
		return err
	}
	p.ExecutorTimeout = time.Duration(execMs) * time.Millisecond

	parameterOverrides = p
	return nil
}

// mergeParameters returns base with every positive field of o applied on top.
func mergeParameters(base, o types.RebalanceParameters, stepDelay *time.Duration) types.RebalanceParameters {
	out := base
	if o.MaxExecutionsPerCycle > 0 {
		out.MaxExecutionsPerCycle = o.MaxExecutionsPerCycle
	}
	if stepDelay != nil {
		out.StepDelay = *stepDelay
	}
	if o.AnalysisHorizonHours > 0 {
		out.AnalysisHorizonHours = o.AnalysisHorizonHours
	}
	if o.MinLiquidityUSD > 0 {
		out.MinLiquidityUSD = o.MinLiquidityUSD
	}
	if o.MaxUtilization > 0 {
		out.MaxUtilization = o.MaxUtilization
	}
	if o.MaxVolatility > 0 {
		out.MaxVolatility = o.MaxVolatility
	}
	if o.MaxMarketAge > 0 {
		out.MaxMarketAge = o.MaxMarketAge
	}
	if o.MaxFailuresPerHour > 0 {
		out.MaxFailuresPerHour = o.MaxFailuresPerHour
	}
	if o.UserConcurrency > 0 {
		out.UserConcurrency = o.UserConcurrency
	}
	if o.ExecutorTimeout > 0 {
		out.ExecutorTimeout = o.ExecutorTimeout
	}
	return out
}
