/*

This file contains the scan cycle: loading enabled users, screening every (position, market) pair,
ranking the survivors and handing the top moves to execution.

*/

package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/elys-network/yieldmover/internal/analyzer"
	"github.com/elys-network/yieldmover/internal/notify"
	"github.com/elys-network/yieldmover/internal/planner"
	"github.com/elys-network/yieldmover/internal/types"
	"github.com/elys-network/yieldmover/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// userScan is the analysis result for one user. Results never share state across users.
type userScan struct {
	user       string
	blocked    bool
	positions  int
	candidates []types.Opportunity
}

// RunCycle executes one complete scan cycle and returns its summary. A summary is produced and
// recorded even when the cycle could not scan anything.
func (o *Orchestrator) RunCycle(ctx context.Context) types.CycleSummary {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	cycleStartTime := o.now()

	// Generate unique cycle ID for tracing logs across the entire cycle
	cycleID := uuid.New().String()
	cycleLogger := o.logger.With().Str("cycle_id", cycleID).Logger()

	summary := types.CycleSummary{
		CycleID:     cycleID,
		CycleNumber: o.nextCycleNumber(ctx, cycleLogger),
		StartedAt:   cycleStartTime,
		DryRun:      o.dryRun,
		Outcomes:    []types.MoveOutcome{},
	}
	cycleLogger.Info().Int("cycleNumber", summary.CycleNumber).Bool("dryRun", o.dryRun).Msg("--- Starting rebalance cycle ---")

	// --- Step 1: Enabled users ---
	cycleLogger.Info().Msg("Step 1: Loading users with automation enabled...")
	users, err := o.preferences.LoadEnabledUsers(ctx)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Failed to load enabled users.")
		o.finishCycle(ctx, cycleLogger, &summary, nil)
		return summary
	}
	sort.SliceStable(users, func(i, j int) bool { return users[i].User < users[j].User })
	o.state.ReplaceUsers(users)
	summary.UsersScanned = len(users)
	cycleLogger.Info().Int("users", len(users)).Msg("Step 1: Users loaded.")

	if len(users) == 0 {
		cycleLogger.Info().Msg("No users with automation enabled. Nothing to do.")
		o.finishCycle(ctx, cycleLogger, &summary, nil)
		return summary
	}

	// --- Step 2: Market data ---
	cycleLogger.Info().Msg("Step 2: Fetching market data...")
	markets, err := o.markets.GetMarkets(ctx, "")
	if err != nil {
		// Retried implicitly next cycle.
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Failed to fetch markets.")
		o.finishCycle(ctx, cycleLogger, &summary, nil)
		return summary
	}
	if o.recorder != nil && len(markets) > 0 {
		if err := o.recorder.SaveMarketSnapshots(context.WithoutCancel(ctx), cycleID, markets); err != nil {
			cycleLogger.Warn().Err(err).Msg("Failed to save market snapshots")
		}
	}
	cycleLogger.Info().Int("markets", len(markets)).Msg("Step 2: Market data fetched.")

	// --- Step 3: Per-user analysis ---
	cycleLogger.Info().Msg("Step 3: Analyzing positions...")
	scans := o.analyzeUsers(ctx, cycleLogger, users, markets)

	var candidates []types.Opportunity
	for _, scan := range scans {
		if scan.blocked {
			summary.UsersBlocked++
		}
		summary.PositionsAnalyzed += scan.positions
		for _, opp := range scan.candidates {
			opp.Sequence = len(candidates)
			candidates = append(candidates, opp)
		}
	}
	summary.CandidatesFound = len(candidates)
	cycleLogger.Info().
		Int("positions", summary.PositionsAnalyzed).
		Int("candidates", len(candidates)).
		Int("blockedUsers", summary.UsersBlocked).
		Msg("Step 3: Analysis complete.")

	if len(candidates) == 0 {
		cycleLogger.Info().Msg("No profitable opportunities found. No rebalancing needed.")
		o.finishCycle(ctx, cycleLogger, &summary, nil)
		return summary
	}

	// --- Step 4: Ranking ---
	cycleLogger.Info().Msg("Step 4: Ranking opportunities...")
	ranked := analyzer.Rank(candidates, o.state.Preferences())
	moves := analyzer.TopK(bestPerPosition(ranked), o.params.MaxExecutionsPerCycle)
	for i, opp := range moves {
		cycleLogger.Info().
			Int("rank", i+1).
			Str("user", opp.User).
			Str("position_id", opp.Position.ID).
			Str("from", opp.Position.Protocol+"@"+string(opp.Position.Chain)).
			Str("to", opp.Target.Protocol+"@"+string(opp.Target.Chain)).
			Float64("priority", opp.Priority).
			Float64("yieldDelta", opp.YieldDelta).
			Float64("switchingCostUSD", opp.SwitchingCostUSD).
			Msg("Selected move")
	}
	cycleLogger.Info().Int("selected", len(moves)).Msg("Step 4: Ranking complete.")

	// --- Step 5: Execution ---
	cycleLogger.Info().Msg("Step 5: Executing selected moves...")
	outcomes, executed := o.executeMoves(ctx, cycleLogger, cycleID, moves)
	summary.Outcomes = outcomes
	summary.AverageImprovement = averageYieldDelta(executed)
	cycleLogger.Info().Int("outcomes", len(outcomes)).Msg("Step 5: Execution complete.")

	o.finishCycle(ctx, cycleLogger, &summary, outcomes)
	return summary
}

// analyzeUsers scans users in parallel, bounded by UserConcurrency. Results keep the input order.
func (o *Orchestrator) analyzeUsers(ctx context.Context, cycleLogger zerolog.Logger, users []types.UserPreferences, markets []types.MarketSnapshot) []userScan {
	results := make([]userScan, len(users))
	sem := make(chan struct{}, o.params.UserConcurrency)

	var wg sync.WaitGroup
	for i, up := range users {
		wg.Add(1)
		go func(i int, up types.UserPreferences) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = o.analyzeUser(ctx, cycleLogger, up, markets)
		}(i, up)
	}
	wg.Wait()
	return results
}

// analyzeUser screens every open position of one user against every market. A panic is logged
// and counted as a failure of that user only.
func (o *Orchestrator) analyzeUser(ctx context.Context, cycleLogger zerolog.Logger, up types.UserPreferences, markets []types.MarketSnapshot) (scan userScan) {
	scan = userScan{user: up.User}
	userLogger := cycleLogger.With().Str("user", up.User).Logger()

	defer func() {
		if r := recover(); r != nil {
			userLogger.Error().Interface("panic", r).Msg("User analysis panicked, user skipped this cycle")
			o.guard.RecordFailure(up.User)
			scan.candidates = nil
		}
	}()

	if o.guard.IsTripped(up.User) {
		userLogger.Debug().Msg("Circuit breaker tripped, skipping user")
		scan.blocked = true
		return scan
	}

	positions, err := o.positions.GetUserPositions(ctx, up.User)
	if err != nil {
		userLogger.Warn().Err(err).Msg("Failed to load positions, user skipped this cycle")
		return scan
	}
	if limit := o.params.MaxPositionsPerUser; limit > 0 && len(positions) > limit {
		userLogger.Debug().Int("positions", len(positions)).Int("limit", limit).Msg("Position count capped")
		positions = positions[:limit]
	}

	now := o.now()
	for _, pos := range positions {
		if !pos.IsOpen() {
			continue
		}
		scan.positions++

		valueUSD, err := o.positionValueUSD(ctx, pos)
		if err != nil {
			userLogger.Warn().Err(err).Str("position_id", pos.ID).Msg("Could not value position, skipping")
			continue
		}

		for _, target := range markets {
			if reason := analyzer.ScreenMarket(pos, target, up.Preferences, o.params, now); reason != analyzer.Accepted {
				continue
			}

			steps, err := planner.BuildMoveSteps(pos, target)
			if err != nil {
				userLogger.Debug().Err(err).Str("position_id", pos.ID).Str("target", target.Key()).Msg("Could not plan move")
				continue
			}

			delta := analyzer.YieldDelta(pos, target)
			verdict := o.analyzer.EvaluatePlan(ctx, steps, valueUSD*delta, o.params.AnalysisHorizonHours)
			opp := analyzer.NewOpportunity(up.User, pos, target, steps, valueUSD, verdict, 0)

			if reason := analyzer.ScreenOpportunity(opp, up.Preferences); reason != analyzer.Accepted {
				userLogger.Debug().
					Str("position_id", pos.ID).
					Str("target", target.Key()).
					Str("reason", string(reason)).
					Str("recommendation", string(verdict.Recommendation)).
					Msg("Candidate rejected")
				continue
			}
			scan.candidates = append(scan.candidates, opp)
		}
	}
	return scan
}

// positionPriceUSD prefers a live asset price and falls back to the entry price.
func (o *Orchestrator) positionPriceUSD(ctx context.Context, pos types.Position) float64 {
	if o.prices != nil {
		if price, err := o.prices.AssetPriceUSD(ctx, pos.Asset); err == nil && price > 0 {
			return price
		}
	}
	return pos.EntryPrice
}

func (o *Orchestrator) positionValueUSD(ctx context.Context, pos types.Position) (float64, error) {
	return utils.ValueUSD(pos.Amount, pos.Decimals, o.positionPriceUSD(ctx, pos))
}

// bestPerPosition keeps the first, highest ranked, opportunity of every position.
func bestPerPosition(ranked []types.Opportunity) []types.Opportunity {
	seen := make(map[string]bool, len(ranked))
	out := make([]types.Opportunity, 0, len(ranked))
	for _, opp := range ranked {
		if seen[opp.Position.ID] {
			continue
		}
		seen[opp.Position.ID] = true
		out = append(out, opp)
	}
	return out
}

func averageYieldDelta(opps []types.Opportunity) float64 {
	if len(opps) == 0 {
		return 0
	}
	var sum float64
	for _, opp := range opps {
		sum += opp.YieldDelta
	}
	return sum / float64(len(opps))
}

func (o *Orchestrator) nextCycleNumber(ctx context.Context, cycleLogger zerolog.Logger) int {
	o.cycleCount++
	if o.recorder == nil {
		return o.cycleCount
	}
	n, err := o.recorder.NextCycleNumber(ctx)
	if err != nil {
		cycleLogger.Warn().Err(err).Int("fallback", o.cycleCount).Msg("Failed to get cycle number from store, using in-process counter")
		return o.cycleCount
	}
	return n
}

// finishCycle counts outcomes, persists receipts and the summary, and emits the summary.
func (o *Orchestrator) finishCycle(ctx context.Context, cycleLogger zerolog.Logger, summary *types.CycleSummary, outcomes []types.MoveOutcome) {
	persistCtx := context.WithoutCancel(ctx)

	var receipts []types.ExecutionReceipt
	for _, out := range outcomes {
		switch out.Status {
		case types.ExecutionSucceeded:
			summary.Executed++
			summary.Succeeded++
		case types.ExecutionFailed:
			summary.Executed++
			summary.Failed++
		case types.ExecutionPartial:
			summary.Executed++
			summary.Partial++
		case types.ExecutionDryRun:
			summary.Executed++
		}
		receipts = append(receipts, out.Receipts...)
	}
	summary.Duration = o.now().Sub(summary.StartedAt)

	if o.recorder != nil {
		if len(receipts) > 0 {
			if err := o.recorder.SaveReceipts(persistCtx, receipts); err != nil {
				cycleLogger.Error().Err(err).Int("receipts", len(receipts)).Msg("Failed to save execution receipts")
			}
		}
		if err := o.recorder.SaveCycleSummary(persistCtx, *summary); err != nil {
			cycleLogger.Error().Err(err).Msg("Failed to save cycle summary")
		}
	}

	o.state.RecordCycle(*summary)
	o.metrics.ObserveCycle(*summary)
	o.metrics.SetTrippedUsers(len(o.guard.TrippedUsers()))

	cycleLogger.Info().
		Int("cycleNumber", summary.CycleNumber).
		Int("users", summary.UsersScanned).
		Int("candidates", summary.CandidatesFound).
		Int("executed", summary.Executed).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("partial", summary.Partial).
		Float64("averageImprovement", summary.AverageImprovement).
		Dur("duration", summary.Duration).
		Msg("--- Rebalance cycle complete ---")

	o.alert(persistCtx, "Rebalance cycle complete", formatSummary(*summary), notify.SeverityInfo)
}

func formatSummary(s types.CycleSummary) string {
	mode := "live"
	if s.DryRun {
		mode = "dry-run"
	}
	return fmt.Sprintf("Cycle %d (%s): %d users, %d candidates, %d executed (%d succeeded, %d failed, %d partial), average improvement %.2f%%, took %s",
		s.CycleNumber, mode, s.UsersScanned, s.CandidatesFound, s.Executed, s.Succeeded, s.Failed, s.Partial,
		s.AverageImprovement*100, s.Duration.Round(time.Millisecond))
}
