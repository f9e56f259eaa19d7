package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elys-network/yieldmover/internal/types"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// RecentCycles retrieves recent cycle summaries, newest first
func (s *PostgresStore) RecentCycles(ctx context.Context, limit int) ([]types.CycleSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 10 // Default limit
	}

	query := `
		SELECT
			cycle_id, cycle_number, started_at, duration_ms, dry_run,
			users_scanned, users_blocked, positions_analyzed, candidates_found,
			executed, succeeded, failed, partial, average_improvement, outcomes, transaction_hashes
		FROM cycle_summaries
		ORDER BY started_at DESC
		LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query recent cycles")
		return nil, fmt.Errorf("failed to query recent cycles: %w", err)
	}
	defer rows.Close()

	var cycles []types.CycleSummary
	for rows.Next() {
		var c types.CycleSummary
		var durationMs int64
		var outcomesJSON []byte
		var txHashes []string

		err := rows.Scan(
			&c.CycleID, &c.CycleNumber, &c.StartedAt, &durationMs, &c.DryRun,
			&c.UsersScanned, &c.UsersBlocked, &c.PositionsAnalyzed, &c.CandidatesFound,
			&c.Executed, &c.Succeeded, &c.Failed, &c.Partial, &c.AverageImprovement,
			&outcomesJSON, pq.Array(&txHashes), // Use pq.Array for PostgreSQL array
		)
		if err != nil {
			log.Error().Err(err).Msg("Failed to scan cycle row")
			continue // Skip this row and continue with others
		}
		c.Duration = time.Duration(durationMs) * time.Millisecond

		if len(outcomesJSON) > 0 {
			if err := json.Unmarshal(outcomesJSON, &c.Outcomes); err != nil {
				log.Error().Err(err).Int("cycle_number", c.CycleNumber).Msg("Failed to unmarshal outcomes for cycle")
				continue
			}
		}
		cycles = append(cycles, c)
	}

	if err := rows.Err(); err != nil {
		log.Error().Err(err).Msg("Error occurred during row iteration")
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	log.Debug().Int("count", len(cycles)).Int("limit", limit).Msg("Retrieved recent cycles")
	return cycles, nil
}

// PendingInterventions lists receipts of moves left mid-flight, newest first.
func (s *PostgresStore) PendingInterventions(ctx context.Context) ([]types.ExecutionReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT receipt_id, cycle_id, owner, position_id, step_index, operation, chain,
		       success, tx_hash, message, action_timestamp
		FROM execution_receipts
		WHERE needs_manual_intervention
		ORDER BY action_timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query interventions: %w", err)
	}
	defer rows.Close()

	var receipts []types.ExecutionReceipt
	for rows.Next() {
		var r types.ExecutionReceipt
		var op, chain string
		var txHash, message sql.NullString
		if err := rows.Scan(&r.ReceiptID, &r.CycleID, &r.User, &r.PositionID, &r.StepIndex, &op, &chain,
			&r.Success, &txHash, &message, &r.Timestamp); err != nil {
			log.Error().Err(err).Msg("Failed to scan receipt row")
			continue
		}
		r.Operation = types.OperationType(op)
		r.Chain = types.ChainID(chain)
		r.TxHash = txHash.String
		r.Message = message.String
		r.NeedsManualIntervention = true
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return receipts, nil
}

// GetMarkets serves the latest stored snapshot of every market, so the store can stand in for the
// live market source.
func (s *PostgresStore) GetMarkets(ctx context.Context, protocol string) ([]types.MarketSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (chain, protocol, market_id)
			protocol, chain, market_id, asset, supply_apy, reward_apy, tvl_usd,
			utilization, liquidity_usd, volatility, risk_score, updated_at
		FROM market_snapshots
		WHERE ($1::text = '' OR protocol = $1::text)
		ORDER BY chain, protocol, market_id, updated_at DESC`, protocol)
	if err != nil {
		return nil, fmt.Errorf("failed to query market snapshots: %w", err)
	}
	defer rows.Close()

	var markets []types.MarketSnapshot
	for rows.Next() {
		var m types.MarketSnapshot
		var chain string
		if err := rows.Scan(&m.Protocol, &chain, &m.MarketID, &m.Asset, &m.SupplyAPY, &m.RewardAPY, &m.TVLUSD,
			&m.Utilization, &m.LiquidityUSD, &m.Volatility, &m.RiskScore, &m.UpdatedAt); err != nil {
			log.Error().Err(err).Msg("Failed to scan market snapshot row")
			continue
		}
		m.Chain = types.ChainID(chain)
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return markets, nil
}
