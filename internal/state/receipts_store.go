package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/elys-network/yieldmover/internal/types"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// SaveReceipts stores every step receipt of a cycle in one transaction.
func (s *PostgresStore) SaveReceipts(ctx context.Context, receipts []types.ExecutionReceipt) (err error) {
	if len(receipts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p) // Re-panic after rollback
		} else if err != nil {
			tx.Rollback() // Rollback if error occurred
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO execution_receipts (
			receipt_id, cycle_id, owner, position_id, step_index, operation, chain,
			success, tx_hash, message, needs_manual_intervention, action_timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	if err != nil {
		return fmt.Errorf("failed to prepare receipt insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range receipts {
		id := r.ReceiptID
		if id == "" {
			id = uuid.New().String()
		}
		_, err = stmt.ExecContext(ctx,
			id, r.CycleID, r.User, r.PositionID, r.StepIndex, string(r.Operation), string(r.Chain),
			r.Success, nullString(r.TxHash), nullString(r.Message), r.NeedsManualIntervention, r.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert receipt for position %s step %d: %w", r.PositionID, r.StepIndex, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit receipts: %w", err)
	}
	log.Debug().Int("count", len(receipts)).Msg("Saved execution receipts")
	return nil
}

// SaveCycleSummary stores the summary of one scan cycle.
func (s *PostgresStore) SaveCycleSummary(ctx context.Context, summary types.CycleSummary) error {
	outcomesJSON, err := json.Marshal(summary.Outcomes)
	if err != nil {
		return fmt.Errorf("failed to marshal outcomes: %w", err)
	}

	var txHashes []string
	for _, outcome := range summary.Outcomes {
		for _, r := range outcome.Receipts {
			if r.TxHash != "" {
				txHashes = append(txHashes, r.TxHash)
			}
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cycle_summaries (
			cycle_id, cycle_number, started_at, duration_ms, dry_run,
			users_scanned, users_blocked, positions_analyzed, candidates_found,
			executed, succeeded, failed, partial, average_improvement, outcomes, transaction_hashes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		summary.CycleID, summary.CycleNumber, summary.StartedAt, summary.Duration.Milliseconds(), summary.DryRun,
		summary.UsersScanned, summary.UsersBlocked, summary.PositionsAnalyzed, summary.CandidatesFound,
		summary.Executed, summary.Succeeded, summary.Failed, summary.Partial, summary.AverageImprovement,
		outcomesJSON, pq.Array(txHashes),
	)
	if err != nil {
		return fmt.Errorf("failed to insert cycle summary: %w", err)
	}

	log.Info().Int("cycleNumber", summary.CycleNumber).Str("cycle_id", summary.CycleID).Msg("Saved cycle summary")
	return nil
}

// SaveMarketSnapshots stores the markets seen during a cycle.
func (s *PostgresStore) SaveMarketSnapshots(ctx context.Context, cycleID string, markets []types.MarketSnapshot) (err error) {
	if len(markets) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO market_snapshots (
			cycle_id, protocol, chain, market_id, asset, supply_apy, reward_apy,
			tvl_usd, utilization, liquidity_usd, volatility, risk_score, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range markets {
		_, err = stmt.ExecContext(ctx,
			cycleID, m.Protocol, string(m.Chain), m.MarketID, m.Asset, m.SupplyAPY, m.RewardAPY,
			m.TVLUSD, m.Utilization, m.LiquidityUSD, m.Volatility, m.RiskScore, m.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot for %s: %w", m.Key(), err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshots: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
