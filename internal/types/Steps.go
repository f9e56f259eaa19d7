/*

This file contains the executable steps of a rebalance move.

A Step is a closed sum type: WithdrawStep, DepositStep, BridgeStep and ApproveStep are the only
implementations and callers switch on the concrete type.

*/

package types

import (
	sdkmath "cosmossdk.io/math"
)

// OperationType selects a gas limit and a step kind.
type OperationType string

const (
	OpWithdraw OperationType = "withdraw"
	OpDeposit  OperationType = "deposit"
	OpBridge   OperationType = "bridge"
	OpApprove  OperationType = "approve"
	OpSwap     OperationType = "swap"
)

// Step is one blockchain-affecting action.
type Step interface {
	Operation() OperationType
	StepChain() ChainID
	isStep()
}

type WithdrawStep struct {
	Chain    ChainID     `json:"chain"`
	Protocol string      `json:"protocol"`
	MarketID string      `json:"market_id"`
	Asset    string      `json:"asset"`
	Amount   sdkmath.Int `json:"amount"`
}

type DepositStep struct {
	Chain    ChainID     `json:"chain"`
	Protocol string      `json:"protocol"`
	MarketID string      `json:"market_id"`
	Asset    string      `json:"asset"`
	Amount   sdkmath.Int `json:"amount"`
}

type BridgeStep struct {
	FromChain ChainID     `json:"from_chain"`
	ToChain   ChainID     `json:"to_chain"`
	Asset     string      `json:"asset"`
	Amount    sdkmath.Int `json:"amount"`
}

type ApproveStep struct {
	Chain   ChainID     `json:"chain"`
	Asset   string      `json:"asset"`
	Spender string      `json:"spender"`
	Amount  sdkmath.Int `json:"amount"`
}

func (WithdrawStep) Operation() OperationType { return OpWithdraw }
func (DepositStep) Operation() OperationType  { return OpDeposit }
func (BridgeStep) Operation() OperationType   { return OpBridge }
func (ApproveStep) Operation() OperationType  { return OpApprove }

func (s WithdrawStep) StepChain() ChainID { return s.Chain }
func (s DepositStep) StepChain() ChainID  { return s.Chain }
func (s BridgeStep) StepChain() ChainID   { return s.FromChain } // gas is paid on the source chain
func (s ApproveStep) StepChain() ChainID  { return s.Chain }

func (WithdrawStep) isStep() {}
func (DepositStep) isStep()  {}
func (BridgeStep) isStep()   {}
func (ApproveStep) isStep()  {}

// StepResult is what the transaction executor reports for one step.
type StepResult struct {
	Success bool   `json:"success"`
	TxHash  string `json:"tx_hash,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExecutionParams describe a whole move for pre-execution validation.
type ExecutionParams struct {
	User       string         `json:"user"`
	PositionID string         `json:"position_id"`
	From       MarketSnapshot `json:"from"`
	To         MarketSnapshot `json:"to"`
	Amount     sdkmath.Int    `json:"amount"`
	Steps      []Step         `json:"-"`
}

// ValidationResult is the executor's verdict on ExecutionParams.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}
