/*

This file contains the wire form of a step and the local checks run before a step is handed to the
relayer. A step travels as {"kind": "<operation>", "<operation>": {...fields}}.

*/

package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/yieldmover/internal/types"
)

var ErrUnknownStep = errors.New("unknown step kind")

// ValidationError lists every problem found in a step or a move.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

type stepEnvelope struct {
	Kind     types.OperationType `json:"kind"`
	Withdraw *types.WithdrawStep `json:"withdraw,omitempty"`
	Deposit  *types.DepositStep  `json:"deposit,omitempty"`
	Bridge   *types.BridgeStep   `json:"bridge,omitempty"`
	Approve  *types.ApproveStep  `json:"approve,omitempty"`
}

func envelopeFor(step types.Step) (stepEnvelope, error) {
	switch s := step.(type) {
	case types.WithdrawStep:
		return stepEnvelope{Kind: types.OpWithdraw, Withdraw: &s}, nil
	case types.DepositStep:
		return stepEnvelope{Kind: types.OpDeposit, Deposit: &s}, nil
	case types.BridgeStep:
		return stepEnvelope{Kind: types.OpBridge, Bridge: &s}, nil
	case types.ApproveStep:
		return stepEnvelope{Kind: types.OpApprove, Approve: &s}, nil
	default:
		return stepEnvelope{}, fmt.Errorf("%w: %T", ErrUnknownStep, step)
	}
}

// EncodeStep renders step in its tagged wire form.
func EncodeStep(step types.Step) ([]byte, error) {
	env, err := envelopeFor(step)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeStep parses the tagged wire form back into a step.
func DecodeStep(data []byte) (types.Step, error) {
	var env stepEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode step: %w", err)
	}

	switch env.Kind {
	case types.OpWithdraw:
		if env.Withdraw != nil {
			return *env.Withdraw, nil
		}
	case types.OpDeposit:
		if env.Deposit != nil {
			return *env.Deposit, nil
		}
	case types.OpBridge:
		if env.Bridge != nil {
			return *env.Bridge, nil
		}
	case types.OpApprove:
		if env.Approve != nil {
			return *env.Approve, nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStep, env.Kind)
	}
	return nil, fmt.Errorf("step kind %q has no body", env.Kind)
}

// ValidateStep applies the per-kind field checks.
func ValidateStep(step types.Step, index int) error {
	switch s := step.(type) {
	case types.WithdrawStep:
		return validateMarketStep("withdraw", index, s.Chain, s.Protocol, s.MarketID, s.Asset, s.Amount)
	case types.DepositStep:
		return validateMarketStep("deposit", index, s.Chain, s.Protocol, s.MarketID, s.Asset, s.Amount)
	case types.BridgeStep:
		if s.FromChain == "" || s.ToChain == "" {
			return fmt.Errorf("bridge step %d: chains cannot be empty", index)
		}
		if s.FromChain == s.ToChain {
			return fmt.Errorf("bridge step %d: source and destination chain cannot be the same", index)
		}
		if s.Asset == "" {
			return fmt.Errorf("bridge step %d: asset cannot be empty", index)
		}
		return validateAmount("bridge", index, s.Amount)
	case types.ApproveStep:
		if s.Chain == "" {
			return fmt.Errorf("approve step %d: chain cannot be empty", index)
		}
		if s.Asset == "" {
			return fmt.Errorf("approve step %d: asset cannot be empty", index)
		}
		if s.Spender == "" {
			return fmt.Errorf("approve step %d: spender cannot be empty", index)
		}
		return validateAmount("approve", index, s.Amount)
	case nil:
		return fmt.Errorf("step %d is nil", index)
	default:
		return fmt.Errorf("step %d: %w: %T", index, ErrUnknownStep, step)
	}
}

// ValidateSteps checks every step and returns a *ValidationError listing all failures.
func ValidateSteps(steps []types.Step) error {
	if len(steps) == 0 {
		return &ValidationError{Errors: []string{"move has no steps"}}
	}
	var problems []string
	for i, step := range steps {
		if err := ValidateStep(step, i); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Errors: problems}
	}
	return nil
}

func validateMarketStep(kind string, index int, chain types.ChainID, protocol, marketID, asset string, amount sdkmath.Int) error {
	if chain == "" {
		return fmt.Errorf("%s step %d: chain cannot be empty", kind, index)
	}
	if protocol == "" {
		return fmt.Errorf("%s step %d: protocol cannot be empty", kind, index)
	}
	if marketID == "" {
		return fmt.Errorf("%s step %d: market ID cannot be empty", kind, index)
	}
	if asset == "" {
		return fmt.Errorf("%s step %d: asset cannot be empty", kind, index)
	}
	return validateAmount(kind, index, amount)
}

func validateAmount(kind string, index int, amount sdkmath.Int) error {
	if amount.IsNil() {
		return fmt.Errorf("%s step %d: amount is nil", kind, index)
	}
	if amount.IsZero() {
		return fmt.Errorf("%s step %d: amount cannot be zero", kind, index)
	}
	if amount.IsNegative() {
		return fmt.Errorf("%s step %d: amount cannot be negative", kind, index)
	}
	return nil
}
