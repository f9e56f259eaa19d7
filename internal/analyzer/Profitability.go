/*

This file contains the profitability analyzer. Expected yield is an annual USD figure scaled down
to the analysis horizon and compared against the gas cost of the move.

*/

package analyzer

import (
	"context"
	"math"

	"github.com/elys-network/yieldmover/internal/logger"
	"github.com/elys-network/yieldmover/internal/types"
)

var profitLogger = logger.GetForComponent("profitability_analyzer")

const (
	hoursPerYear = 365 * 24

	// Net profit above this share of the gas cost is highly profitable.
	highlyProfitableRatio = 0.5
	// Unprofitable moves breaking even within this many hours are worth waiting for.
	waitForGasHours = 72.0
)

// CostEstimator is satisfied by costs.Estimator.
type CostEstimator interface {
	EstimateCost(ctx context.Context, chain types.ChainID, op types.OperationType, explicitGasPriceGwei *float64) (types.CostEstimate, error)
}

type ProfitabilityAnalyzer struct {
	estimator CostEstimator
}

func NewProfitabilityAnalyzer(estimator CostEstimator) *ProfitabilityAnalyzer {
	return &ProfitabilityAnalyzer{estimator: estimator}
}

// Evaluate compares gasCostUSD with expectedYieldUSD (annual) accrued over horizonHours.
func Evaluate(gasCostUSD, expectedYieldUSD, horizonHours float64) types.Verdict {
	if !finite(gasCostUSD) || !finite(expectedYieldUSD) || !finite(horizonHours) || horizonHours <= 0 || gasCostUSD < 0 {
		return failedVerdict()
	}

	expectedOverPeriod := expectedYieldUSD * horizonHours / hoursPerYear
	net := expectedOverPeriod - gasCostUSD
	breakEven := breakEvenHours(gasCostUSD, expectedYieldUSD)

	return types.Verdict{
		ShouldExecute:    expectedOverPeriod > gasCostUSD,
		GasCostUSD:       gasCostUSD,
		ExpectedYieldUSD: expectedOverPeriod,
		NetProfitUSD:     net,
		BreakEvenHours:   breakEven,
		Recommendation:   recommend(net, gasCostUSD, breakEven),
		FailedStep:       -1,
	}
}

// ShouldExecute estimates the cost of op on chain and evaluates it. Estimation failures yield
// analysis_failed, never an approval.
func (a *ProfitabilityAnalyzer) ShouldExecute(ctx context.Context, chain types.ChainID, op types.OperationType, expectedYieldUSD, horizonHours float64) types.Verdict {
	estimate, err := a.estimator.EstimateCost(ctx, chain, op, nil)
	if err != nil {
		profitLogger.Warn().Err(err).Str("chain", string(chain)).Str("operation", string(op)).Msg("Cost estimation failed")
		return failedVerdict()
	}
	return Evaluate(estimate.CostUSD, expectedYieldUSD, horizonHours)
}

// EvaluatePlan checks every step with an even share of the yield. The first failing step decides
// the result; otherwise costs and yields add up across steps.
func (a *ProfitabilityAnalyzer) EvaluatePlan(ctx context.Context, steps []types.Step, expectedYieldUSD, horizonHours float64) types.Verdict {
	if len(steps) == 0 {
		return failedVerdict()
	}

	share := expectedYieldUSD / float64(len(steps))
	total := types.Verdict{FailedStep: -1}

	for i, step := range steps {
		v := a.ShouldExecute(ctx, step.StepChain(), step.Operation(), share, horizonHours)
		total.GasCostUSD += v.GasCostUSD
		total.ExpectedYieldUSD += v.ExpectedYieldUSD
		total.NetProfitUSD += v.NetProfitUSD

		if !v.ShouldExecute {
			profitLogger.Debug().
				Int("step", i).
				Str("operation", string(step.Operation())).
				Str("chain", string(step.StepChain())).
				Str("recommendation", string(v.Recommendation)).
				Msg("Plan step failed profitability check")
			total.ShouldExecute = false
			total.BreakEvenHours = v.BreakEvenHours
			total.Recommendation = v.Recommendation
			total.FailedStep = i
			return total
		}
	}

	total.ShouldExecute = true
	total.BreakEvenHours = breakEvenHours(total.GasCostUSD, expectedYieldUSD)
	total.Recommendation = recommend(total.NetProfitUSD, total.GasCostUSD, total.BreakEvenHours)
	return total
}

func recommend(net, gasCost, breakEven float64) types.Recommendation {
	switch {
	case net > gasCost*highlyProfitableRatio:
		return types.RecommendHighlyProfitable
	case net > 0:
		return types.RecommendProfitable
	case breakEven < waitForGasHours:
		return types.RecommendWaitForLowerGas
	default:
		return types.RecommendNotProfitable
	}
}

// breakEvenHours is math.MaxFloat64 when the yield never covers the cost.
func breakEvenHours(gasCostUSD, expectedYieldUSD float64) float64 {
	if expectedYieldUSD <= 0 {
		return math.MaxFloat64
	}
	return gasCostUSD / (expectedYieldUSD / hoursPerYear)
}

func failedVerdict() types.Verdict {
	return types.Verdict{
		ShouldExecute:  false,
		BreakEvenHours: math.MaxFloat64,
		Recommendation: types.RecommendAnalysisFailed,
		FailedStep:     -1,
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
