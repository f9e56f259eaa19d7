/*
This file contains helpers for converting on-chain base-unit amounts to float and USD figures.
*/

package utils

import (
	"errors"
	"fmt"
	"math"

	sdkmath "cosmossdk.io/math"
)

var (
	ErrInvalidDecimals = errors.New("decimals must be between 0 and 18")
	ErrAmountNil       = errors.New("amount is nil")
	ErrAmountNegative  = errors.New("amount is negative")
	ErrNotFinite       = errors.New("value is not finite")
)

// BaseUnitsToFloat converts an integer amount with the given token decimals to a float.
func BaseUnitsToFloat(amount sdkmath.Int, decimals int) (float64, error) {
	if decimals < 0 || decimals > 18 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidDecimals, decimals)
	}
	if amount.IsNil() {
		return 0, ErrAmountNil
	}
	if amount.IsNegative() {
		return 0, ErrAmountNegative
	}

	value, err := sdkmath.LegacyNewDecFromIntWithPrec(amount, int64(decimals)).Float64()
	if err != nil {
		return 0, fmt.Errorf("convert %s with %d decimals: %w", amount, decimals, err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, ErrNotFinite
	}
	return value, nil
}

// ValueUSD converts a base-unit amount to USD at priceUSD per whole token.
func ValueUSD(amount sdkmath.Int, decimals int, priceUSD float64) (float64, error) {
	tokens, err := BaseUnitsToFloat(amount, decimals)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(priceUSD) || math.IsInf(priceUSD, 0) || priceUSD < 0 {
		return 0, fmt.Errorf("%w: price %f", ErrNotFinite, priceUSD)
	}
	return tokens * priceUSD, nil
}
