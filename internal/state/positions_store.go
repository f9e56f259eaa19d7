package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/yieldmover/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// GetUserPositions returns the open positions of user, oldest first.
func (s *PostgresStore) GetUserPositions(ctx context.Context, user string) ([]types.Position, error) {
	query := `
		SELECT
			position_id, owner, protocol, chain, market_id, asset, amount::text, decimals,
			entry_price, current_apy, risk_score, entered_at, updated_at, rewards, metadata, status
		FROM positions
		WHERE owner = $1 AND status = 'open'
		ORDER BY entered_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, user)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions for %s: %w", user, err)
	}
	defer rows.Close()

	var positions []types.Position
	for rows.Next() {
		var p types.Position
		var chain, amount, status string
		var rewardsJSON, metadataJSON []byte

		err := rows.Scan(
			&p.ID, &p.Owner, &p.Protocol, &chain, &p.MarketID, &p.Asset, &amount, &p.Decimals,
			&p.EntryPrice, &p.CurrentAPY, &p.RiskScore, &p.EnteredAt, &p.UpdatedAt, &rewardsJSON, &metadataJSON, &status,
		)
		if err != nil {
			log.Error().Err(err).Str("user", user).Msg("Failed to scan position row")
			continue // Skip this row and continue with others
		}

		p.Chain = types.ChainID(chain)
		p.Status = types.PositionStatus(status)
		var ok bool
		if p.Amount, ok = sdkmath.NewIntFromString(amount); !ok {
			log.Error().Str("positionID", p.ID).Str("amount", amount).Msg("Position amount is not an integer")
			continue
		}
		if len(rewardsJSON) > 0 {
			if err := json.Unmarshal(rewardsJSON, &p.Rewards); err != nil {
				log.Error().Err(err).Str("positionID", p.ID).Msg("Failed to unmarshal rewards")
				continue
			}
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &p.Metadata); err != nil {
				log.Error().Err(err).Str("positionID", p.ID).Msg("Failed to unmarshal metadata")
				continue
			}
		}
		positions = append(positions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return positions, nil
}

// ClosePosition marks an open position closed.
func (s *PostgresStore) ClosePosition(ctx context.Context, user, positionID, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE positions
		SET status = 'closed', closed_at = CURRENT_TIMESTAMP, closed_reason = $3, updated_at = CURRENT_TIMESTAMP
		WHERE position_id = $1 AND owner = $2 AND status = 'open'`,
		positionID, user, reason)
	if err != nil {
		return fmt.Errorf("failed to close position %s: %w", positionID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}

	log.Info().Str("user", user).Str("positionID", positionID).Str("reason", reason).Msg("Closed position")
	return nil
}

// TrackPosition inserts a new open position and returns its ID.
func (s *PostgresStore) TrackPosition(ctx context.Context, user string, data types.NewPosition) (string, error) {
	if err := validateNewPosition(data); err != nil {
		return "", err
	}

	metadata := data.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (
			position_id, owner, protocol, chain, market_id, asset, amount, decimals,
			entry_price, current_apy, risk_score, entered_at, updated_at, rewards, metadata, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12, '[]', $13, 'open')`,
		id, user, data.Protocol, string(data.Chain), data.MarketID, data.Asset, data.Amount.String(), data.Decimals,
		data.EntryPrice, data.CurrentAPY, data.RiskScore, now, metadataJSON,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert position: %w", err)
	}

	log.Info().Str("user", user).Str("positionID", id).Str("protocol", data.Protocol).Str("chain", string(data.Chain)).Msg("Tracking new position")
	return id, nil
}

func validateNewPosition(data types.NewPosition) error {
	if data.Amount.IsNil() || data.Amount.IsNegative() {
		return fmt.Errorf("position amount must be non-negative")
	}
	if data.RiskScore < 0 || data.RiskScore > 1 {
		return fmt.Errorf("risk score must be within [0,1], got %f", data.RiskScore)
	}
	if data.Protocol == "" || data.Chain == "" || data.MarketID == "" || data.Asset == "" {
		return fmt.Errorf("position protocol, chain, market and asset are required")
	}
	return nil
}
