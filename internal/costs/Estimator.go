/*

This file contains the cost estimator: fixed gas limit per operation, times the standard gas tier
of the chain, times the native token price.

*/

package costs

import (
	"context"
	"errors"
	"fmt"

	"github.com/elys-network/yieldmover/internal/config"
	"github.com/elys-network/yieldmover/internal/logger"
	"github.com/elys-network/yieldmover/internal/oracle"
	"github.com/elys-network/yieldmover/internal/types"
	"github.com/shopspring/decimal"
)

var estimatorLogger = logger.GetForComponent("cost_estimator")

var ErrUnknownOperation = errors.New("unknown operation type")

// DefaultGasLimits is the gas limit table per operation type.
var DefaultGasLimits = map[types.OperationType]uint64{
	types.OpWithdraw: 150000,
	types.OpDeposit:  200000,
	types.OpBridge:   300000,
	types.OpApprove:  50000,
	types.OpSwap:     180000,
}

var gweiPerNative = decimal.New(1, 9)

// GasQuoter is satisfied by oracle.GasOracle.
type GasQuoter interface {
	GetGasQuote(ctx context.Context, chain types.ChainID) types.GasQuote
}

type Estimator struct {
	gas       GasQuoter
	prices    oracle.PriceSource
	gasLimits map[types.OperationType]uint64
}

func NewEstimator(gas GasQuoter, prices oracle.PriceSource) *Estimator {
	return &Estimator{gas: gas, prices: prices, gasLimits: DefaultGasLimits}
}

// GasLimit returns the table entry for op.
func (e *Estimator) GasLimit(op types.OperationType) (uint64, bool) {
	limit, ok := e.gasLimits[op]
	return limit, ok
}

// EstimateCost prices one operation on chain. explicitGasPriceGwei, when non-nil, replaces the
// oracle quote. Missing prices degrade to defaults; only an unknown operation is an error.
func (e *Estimator) EstimateCost(ctx context.Context, chain types.ChainID, op types.OperationType, explicitGasPriceGwei *float64) (types.CostEstimate, error) {
	limit, ok := e.GasLimit(op)
	if !ok {
		return types.CostEstimate{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}

	var gasPrice float64
	var source string
	if explicitGasPriceGwei != nil {
		gasPrice = *explicitGasPriceGwei
		source = "explicit"
	} else {
		quote := e.gas.GetGasQuote(ctx, chain)
		gasPrice = quote.Standard
		source = quote.Source
	}

	nativePrice, err := e.prices.NativePriceUSD(ctx, chain)
	if err != nil {
		info, _ := config.Chain(chain)
		nativePrice = info.NativePriceUSD
		estimatorLogger.Warn().Err(err).Str("chain", string(chain)).Float64("fallbackPrice", nativePrice).Msg("Native price unavailable, using chain table")
	}

	costNative := decimal.NewFromInt(int64(limit)).
		Mul(decimal.NewFromFloat(gasPrice)).
		Div(gweiPerNative)
	costUSD := costNative.Mul(decimal.NewFromFloat(nativePrice))

	estimate := types.CostEstimate{
		Chain:        chain,
		Operation:    op,
		GasLimit:     limit,
		GasPriceGwei: gasPrice,
		CostNative:   costNative.InexactFloat64(),
		CostUSD:      costUSD.InexactFloat64(),
		Source:       source,
	}

	estimatorLogger.Debug().
		Str("chain", string(chain)).
		Str("operation", string(op)).
		Float64("gasPriceGwei", gasPrice).
		Float64("costUSD", estimate.CostUSD).
		Str("source", source).
		Msg("Estimated operation cost")

	return estimate, nil
}
