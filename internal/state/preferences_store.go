package state

import (
	"context"
	"fmt"
	"time"

	"github.com/elys-network/yieldmover/internal/types"
	"github.com/rs/zerolog/log"
)

// LoadEnabledUsers returns every user with automation switched on.
func (s *PostgresStore) LoadEnabledUsers(ctx context.Context) ([]types.UserPreferences, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner, min_improvement, max_gas_cost_percent, risk_tolerance, min_position_age_seconds, updated_at
		FROM user_preferences
		WHERE automation_enabled = TRUE
		ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("failed to query enabled users: %w", err)
	}
	defer rows.Close()

	var users []types.UserPreferences
	for rows.Next() {
		var p types.Preferences
		var ageSeconds int64
		if err := rows.Scan(&p.Owner, &p.MinImprovement, &p.MaxGasCostPercent, &p.RiskTolerance, &ageSeconds, &p.UpdatedAt); err != nil {
			log.Error().Err(err).Msg("Failed to scan preferences row")
			continue
		}
		p.MinPositionAge = time.Duration(ageSeconds) * time.Second
		p.AutomationEnabled = true
		users = append(users, types.UserPreferences{User: p.Owner, Preferences: p})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return users, nil
}

// EnableAutomation upserts the preferences of user and switches automation on.
func (s *PostgresStore) EnableAutomation(ctx context.Context, user string, prefs types.Preferences) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (
			owner, min_improvement, max_gas_cost_percent, risk_tolerance, min_position_age_seconds, automation_enabled, updated_at
		) VALUES ($1, $2, $3, $4, $5, TRUE, CURRENT_TIMESTAMP)
		ON CONFLICT (owner) DO UPDATE SET
			min_improvement = EXCLUDED.min_improvement,
			max_gas_cost_percent = EXCLUDED.max_gas_cost_percent,
			risk_tolerance = EXCLUDED.risk_tolerance,
			min_position_age_seconds = EXCLUDED.min_position_age_seconds,
			automation_enabled = TRUE,
			updated_at = CURRENT_TIMESTAMP`,
		user, prefs.MinImprovement, prefs.MaxGasCostPercent, prefs.RiskTolerance, int64(prefs.MinPositionAge/time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to enable automation for %s: %w", user, err)
	}
	log.Info().Str("user", user).Msg("Automation enabled")
	return nil
}

// DisableAutomation keeps the stored preferences but switches automation off.
func (s *PostgresStore) DisableAutomation(ctx context.Context, user string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_preferences SET automation_enabled = FALSE, updated_at = CURRENT_TIMESTAMP WHERE owner = $1`, user)
	if err != nil {
		return fmt.Errorf("failed to disable automation for %s: %w", user, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, user)
	}
	log.Info().Str("user", user).Msg("Automation disabled")
	return nil
}
