package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/elys-network/yieldmover/internal/logger"
	"github.com/elys-network/yieldmover/internal/types"
)

var (
	ErrPositionClosed = errors.New("position is closed")
	ErrInvalidAmount  = errors.New("position amount must be positive")
	ErrAssetMismatch  = errors.New("target market holds a different asset")
)

var plannerLogger = logger.GetForComponent("planner")

// BuildMoveSteps lays out the steps that move the whole of pos into target: withdraw on the source
// chain, bridge when the chains differ, then approve and deposit on the target chain.
func BuildMoveSteps(pos types.Position, target types.MarketSnapshot) ([]types.Step, error) {
	if !pos.IsOpen() {
		return nil, fmt.Errorf("%w: %s", ErrPositionClosed, pos.ID)
	}
	if pos.Amount.IsNil() || !pos.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, pos.ID)
	}
	if !strings.EqualFold(pos.Asset, target.Asset) {
		return nil, fmt.Errorf("%w: %s vs %s", ErrAssetMismatch, pos.Asset, target.Asset)
	}

	steps := []types.Step{
		types.WithdrawStep{
			Chain:    pos.Chain,
			Protocol: pos.Protocol,
			MarketID: pos.MarketID,
			Asset:    pos.Asset,
			Amount:   pos.Amount,
		},
	}

	if pos.Chain != target.Chain {
		steps = append(steps, types.BridgeStep{
			FromChain: pos.Chain,
			ToChain:   target.Chain,
			Asset:     pos.Asset,
			Amount:    pos.Amount,
		})
	}

	steps = append(steps,
		types.ApproveStep{
			Chain:   target.Chain,
			Asset:   target.Asset,
			Spender: target.MarketID,
			Amount:  pos.Amount,
		},
		types.DepositStep{
			Chain:    target.Chain,
			Protocol: target.Protocol,
			MarketID: target.MarketID,
			Asset:    target.Asset,
			Amount:   pos.Amount,
		},
	)

	plannerLogger.Debug().
		Str("positionID", pos.ID).
		Str("from", pos.Protocol+"@"+string(pos.Chain)).
		Str("to", target.Protocol+"@"+string(target.Chain)).
		Int("steps", len(steps)).
		Msg("Built move plan")

	return steps, nil
}
