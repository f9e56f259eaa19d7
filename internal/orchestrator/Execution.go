/*

This file contains the execution of selected moves through the transaction executor.

Moves run one at a time and every blockchain-affecting step after the first of the cycle waits
StepDelay. A move that fails before any step succeeded is an ExecutionError; a move that fails
after an earlier step succeeded is a PartialMoveError and leaves funds in an intermediate state.
Neither is retried.

*/

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/elys-network/yieldmover/internal/notify"
	"github.com/elys-network/yieldmover/internal/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ExecutionError is a move that failed before any of its steps succeeded.
type ExecutionError struct {
	User       string
	PositionID string
	Step       int
	Operation  types.OperationType
	Chain      types.ChainID
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("move of position %s for %s failed at step %d (%s on %s): %v",
		e.PositionID, e.User, e.Step, e.Operation, e.Chain, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// PartialMoveError is a move that failed after at least one step succeeded. It requires manual
// intervention.
type PartialMoveError struct {
	User           string
	PositionID     string
	CompletedSteps int
	FailedStep     int
	Operation      types.OperationType
	Chain          types.ChainID
	// Interrupted is set when a stop cancelled the delay before FailedStep; no step failed.
	Interrupted    bool
	Err            error
}

func (e *PartialMoveError) Error() string {
	return fmt.Sprintf("move of position %s for %s stopped at step %d (%s on %s) after %d completed steps: %v",
		e.PositionID, e.User, e.FailedStep, e.Operation, e.Chain, e.CompletedSteps, e.Err)
}

func (e *PartialMoveError) Unwrap() error { return e.Err }

// stepPacer enforces the delay between blockchain-affecting steps. Cancelling ctx interrupts a
// pending delay.
type stepPacer struct {
	delay   time.Duration
	started bool
}

func (p *stepPacer) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.started || p.delay <= 0 {
		p.started = true
		return nil
	}
	timer := time.NewTimer(p.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// executeMoves runs moves in rank order. It returns one outcome per move that was considered and
// the moves that were actually attempted (live or dry-run).
func (o *Orchestrator) executeMoves(ctx context.Context, cycleLogger zerolog.Logger, cycleID string, moves []types.Opportunity) ([]types.MoveOutcome, []types.Opportunity) {
	outcomes := make([]types.MoveOutcome, 0, len(moves))
	var attempted []types.Opportunity
	pacer := &stepPacer{delay: o.params.StepDelay}

	for _, opp := range moves {
		if ctx.Err() != nil {
			cycleLogger.Info().Int("remaining", len(moves)-len(outcomes)).Msg("Stop requested, remaining moves not started")
			break
		}

		outcome := o.executeMove(ctx, cycleLogger, cycleID, opp, pacer)
		outcomes = append(outcomes, outcome)
		if outcome.Status != types.ExecutionSkipped {
			attempted = append(attempted, opp)
		}
		o.metrics.ObserveExecution(outcome.Status)
	}
	return outcomes, attempted
}

// executeMove runs one opportunity end to end. Panics are contained and counted as a failure.
func (o *Orchestrator) executeMove(ctx context.Context, cycleLogger zerolog.Logger, cycleID string, opp types.Opportunity, pacer *stepPacer) (outcome types.MoveOutcome) {
	outcome = types.MoveOutcome{
		User:         opp.User,
		PositionID:   opp.Position.ID,
		FromProtocol: opp.Position.Protocol,
		ToProtocol:   opp.Target.Protocol,
		FromChain:    opp.Position.Chain,
		ToChain:      opp.Target.Chain,
		Receipts:     []types.ExecutionReceipt{},
	}
	moveLogger := cycleLogger.With().
		Str("user", opp.User).
		Str("position_id", opp.Position.ID).
		Str("from_protocol", opp.Position.Protocol).
		Str("to_protocol", opp.Target.Protocol).
		Str("from_chain", string(opp.Position.Chain)).
		Str("to_chain", string(opp.Target.Chain)).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			moveLogger.Error().Interface("panic", r).Msg("Move execution panicked")
			o.guard.RecordFailure(opp.User)
			outcome.Status = types.ExecutionFailed
			if completedSteps(outcome.Receipts) > 0 {
				outcome.Status = types.ExecutionPartial
				flagManualIntervention(outcome.Receipts)
			}
			outcome.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	if o.guard.IsTripped(opp.User) {
		moveLogger.Debug().Msg("Circuit breaker tripped, move skipped")
		outcome.Status = types.ExecutionSkipped
		outcome.Error = "circuit breaker tripped"
		return outcome
	}

	if o.dryRun {
		moveLogger.Info().
			Int("steps", len(opp.Steps)).
			Float64("priority", opp.Priority).
			Float64("yieldDelta", opp.YieldDelta).
			Float64("switchingCostUSD", opp.SwitchingCostUSD).
			Msg("Dry run: would execute move")
		o.alert(ctx, "Dry run: would rebalance", describeMove(opp), notify.SeverityInfo)
		outcome.Status = types.ExecutionDryRun
		return outcome
	}

	params := types.ExecutionParams{
		User:       opp.User,
		PositionID: opp.Position.ID,
		From:       currentMarket(opp.Position),
		To:         opp.Target,
		Amount:     opp.Position.Amount,
		Steps:      opp.Steps,
	}
	validation, err := o.validate(ctx, params)
	if err != nil || !validation.Valid {
		// Dropped from this cycle without an alert.
		event := moveLogger.Debug()
		if err != nil {
			event = moveLogger.Warn().Err(err)
		}
		event.Strs("errors", validation.Errors).Msg("Move failed pre-execution validation, dropped")
		outcome.Status = types.ExecutionSkipped
		outcome.Error = "validation failed"
		return outcome
	}

	moveLogger.Info().Int("steps", len(opp.Steps)).Msg("Executing move")

	for i, step := range opp.Steps {
		stepLogger := moveLogger.With().Int("step", i).Str("operation", string(step.Operation())).Str("chain", string(step.StepChain())).Logger()

		if err := pacer.wait(ctx); err != nil {
			if i == 0 {
				outcome.Status = types.ExecutionSkipped
				outcome.Error = "stopped before the first step"
				return outcome
			}
			o.handlePartialMove(ctx, stepLogger, opp, &outcome, &PartialMoveError{
				User: opp.User, PositionID: opp.Position.ID, CompletedSteps: i, FailedStep: i,
				Operation: step.Operation(), Chain: step.StepChain(), Interrupted: true,
				Err: fmt.Errorf("interrupted before step: %w", err),
			})
			return outcome
		}

		result, err := o.executeStep(ctx, step)
		if err == nil && !result.Success {
			err = fmt.Errorf("executor reported failure: %s", result.Error)
		}
		outcome.Receipts = append(outcome.Receipts, newReceipt(cycleID, opp, i, step, result, err, o.now()))

		if err != nil {
			if i == 0 {
				o.handleFailedMove(ctx, stepLogger, opp, &outcome, &ExecutionError{
					User: opp.User, PositionID: opp.Position.ID, Step: i,
					Operation: step.Operation(), Chain: step.StepChain(), Err: err,
				})
			} else {
				o.handlePartialMove(ctx, stepLogger, opp, &outcome, &PartialMoveError{
					User: opp.User, PositionID: opp.Position.ID, CompletedSteps: i, FailedStep: i,
					Operation: step.Operation(), Chain: step.StepChain(), Err: err,
				})
			}
			return outcome
		}
		stepLogger.Info().Str("tx_hash", result.TxHash).Msg("Step executed")
	}

	outcome.Status = types.ExecutionSucceeded
	newID, err := o.commitMove(ctx, cycleID, opp, outcome.Receipts)
	if err != nil {
		// Funds moved but the store does not reflect it.
		moveLogger.Error().Err(err).Msg("Move executed but position store update failed")
		flagManualIntervention(outcome.Receipts)
		outcome.Error = err.Error()
		o.alert(ctx, "Position store out of sync",
			fmt.Sprintf("%s. Position %s of %s must be reconciled manually: %v", describeMove(opp), opp.Position.ID, opp.User, err),
			notify.SeverityError)
		return outcome
	}
	outcome.NewPositionID = newID

	moveLogger.Info().Str("new_position_id", newID).Msg("Move executed")
	o.alert(ctx, "Rebalance executed", describeMove(opp), notify.SeveritySuccess)
	return outcome
}

func (o *Orchestrator) handleFailedMove(ctx context.Context, stepLogger zerolog.Logger, opp types.Opportunity, outcome *types.MoveOutcome, err *ExecutionError) {
	o.guard.RecordFailure(opp.User)
	outcome.Status = types.ExecutionFailed
	outcome.Error = err.Error()
	stepLogger.Warn().Err(err).Msg("Move failed")
	o.alert(ctx, "Rebalance failed", fmt.Sprintf("%s: %v", describeMove(opp), err.Err), notify.SeverityWarning)
}

func (o *Orchestrator) handlePartialMove(ctx context.Context, stepLogger zerolog.Logger, opp types.Opportunity, outcome *types.MoveOutcome, err *PartialMoveError) {
	// An operator stop is not the user's failure.
	if !err.Interrupted {
		o.guard.RecordFailure(opp.User)
	}
	outcome.Status = types.ExecutionPartial
	outcome.Error = err.Error()
	flagManualIntervention(outcome.Receipts)
	stepLogger.Error().Err(err).Int("completedSteps", err.CompletedSteps).Msg("Move left funds in an intermediate state, manual intervention required")
	o.alert(ctx, "Manual intervention required",
		fmt.Sprintf("%s stopped after %d of %d steps (%s on %s failed): %v. Funds may be in transit.",
			describeMove(opp), err.CompletedSteps, len(opp.Steps), err.Operation, err.Chain, err.Err),
		notify.SeverityCritical)
}

func (o *Orchestrator) validate(ctx context.Context, params types.ExecutionParams) (result types.ValidationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked during validation: %v", r)
		}
	}()
	callCtx, cancel := o.executorContext(ctx)
	defer cancel()
	return o.executor.ValidateExecution(callCtx, params)
}

// executeStep calls the executor outside of ctx cancellation so a stop never abandons a step that
// was already submitted.
func (o *Orchestrator) executeStep(ctx context.Context, step types.Step) (result types.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	callCtx, cancel := o.executorContext(ctx)
	defer cancel()
	return o.executor.ExecuteStep(callCtx, step)
}

func (o *Orchestrator) executorContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if o.params.ExecutorTimeout > 0 {
		return context.WithTimeout(base, o.params.ExecutorTimeout)
	}
	return context.WithCancel(base)
}

// commitMove closes the old position and tracks the new one.
func (o *Orchestrator) commitMove(ctx context.Context, cycleID string, opp types.Opportunity, receipts []types.ExecutionReceipt) (string, error) {
	storeCtx := context.WithoutCancel(ctx)
	pos, target := opp.Position, opp.Target

	reason := fmt.Sprintf("rebalanced to %s on %s", target.Protocol, target.Chain)
	if err := o.positions.ClosePosition(storeCtx, opp.User, pos.ID, reason); err != nil {
		return "", fmt.Errorf("failed to close position %s: %w", pos.ID, err)
	}

	metadata := map[string]string{
		"previous_position_id": pos.ID,
		"cycle_id":             cycleID,
	}
	if n := len(receipts); n > 0 && receipts[n-1].TxHash != "" {
		metadata["deposit_tx_hash"] = receipts[n-1].TxHash
	}

	newID, err := o.positions.TrackPosition(storeCtx, opp.User, types.NewPosition{
		Protocol:   target.Protocol,
		Chain:      target.Chain,
		MarketID:   target.MarketID,
		Asset:      pos.Asset,
		Amount:     pos.Amount,
		Decimals:   pos.Decimals,
		EntryPrice: o.positionPriceUSD(storeCtx, pos),
		CurrentAPY: target.TotalAPY(),
		RiskScore:  target.RiskScore,
		Metadata:   metadata,
	})
	if err != nil {
		return "", fmt.Errorf("failed to track new position for %s: %w", opp.User, err)
	}
	return newID, nil
}

func newReceipt(cycleID string, opp types.Opportunity, index int, step types.Step, result types.StepResult, err error, now time.Time) types.ExecutionReceipt {
	receipt := types.ExecutionReceipt{
		ReceiptID:  uuid.New().String(),
		CycleID:    cycleID,
		User:       opp.User,
		PositionID: opp.Position.ID,
		StepIndex:  index,
		Operation:  step.Operation(),
		Chain:      step.StepChain(),
		Success:    err == nil,
		TxHash:     result.TxHash,
		Timestamp:  now,
	}
	if err != nil {
		receipt.Message = err.Error()
	}
	return receipt
}

func completedSteps(receipts []types.ExecutionReceipt) int {
	n := 0
	for _, r := range receipts {
		if r.Success {
			n++
		}
	}
	return n
}

func flagManualIntervention(receipts []types.ExecutionReceipt) {
	for i := range receipts {
		receipts[i].NeedsManualIntervention = true
	}
}

// currentMarket describes the market a position is in, for executor validation.
func currentMarket(pos types.Position) types.MarketSnapshot {
	return types.MarketSnapshot{
		Protocol:  pos.Protocol,
		Chain:     pos.Chain,
		MarketID:  pos.MarketID,
		Asset:     pos.Asset,
		SupplyAPY: pos.CurrentAPY,
		RiskScore: pos.RiskScore,
		UpdatedAt: pos.UpdatedAt,
	}
}

func describeMove(opp types.Opportunity) string {
	return fmt.Sprintf("%s: %s %s from %s on %s (%.2f%%) to %s on %s (%.2f%%), value $%.2f, switching cost $%.2f",
		opp.User, opp.Position.Asset, opp.Position.ID,
		opp.Position.Protocol, opp.Position.Chain, opp.Position.CurrentAPY,
		opp.Target.Protocol, opp.Target.Chain, opp.Target.TotalAPY(),
		opp.PositionValueUSD, opp.SwitchingCostUSD)
}
