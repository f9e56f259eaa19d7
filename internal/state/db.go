// ./internal/state/db.go
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// DSN renders the lib/pq connection string.
func (cfg DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)
}

// InitDB opens and pings a connection pool.
func InitDB(cfg DBConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Successfully connected to the PostgreSQL database!")
	return db, nil
}

// CloseDB closes the database connection pool.
func CloseDB(db *sql.DB) {
	if db != nil {
		log.Info().Msg("Closing database connection...")
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		}
	}
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS positions (
		position_id UUID PRIMARY KEY,
		owner VARCHAR(128) NOT NULL,
		protocol VARCHAR(64) NOT NULL,
		chain VARCHAR(32) NOT NULL,
		market_id VARCHAR(256) NOT NULL,
		asset VARCHAR(64) NOT NULL,
		amount NUMERIC(78, 0) NOT NULL CHECK (amount >= 0),
		decimals INTEGER NOT NULL,
		entry_price DECIMAL(30, 10) NOT NULL,
		current_apy DECIMAL(12, 6) NOT NULL,
		risk_score DECIMAL(6, 4) NOT NULL CHECK (risk_score >= 0 AND risk_score <= 1),
		entered_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		rewards JSONB NOT NULL DEFAULT '[]',
		metadata JSONB NOT NULL DEFAULT '{}',
		status VARCHAR(16) NOT NULL DEFAULT 'open',
		closed_at TIMESTAMPTZ,
		closed_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_positions_owner_status ON positions(owner, status);

	CREATE TABLE IF NOT EXISTS user_preferences (
		owner VARCHAR(128) PRIMARY KEY,
		min_improvement DECIMAL(10, 6) NOT NULL,
		max_gas_cost_percent DECIMAL(10, 6) NOT NULL,
		risk_tolerance DECIMAL(6, 4) NOT NULL DEFAULT 0.5,
		min_position_age_seconds BIGINT NOT NULL DEFAULT 0,
		automation_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_user_preferences_enabled ON user_preferences(automation_enabled);

	CREATE TABLE IF NOT EXISTS execution_receipts (
		receipt_id UUID PRIMARY KEY,
		cycle_id UUID NOT NULL,
		owner VARCHAR(128) NOT NULL,
		position_id VARCHAR(64) NOT NULL,
		step_index INTEGER NOT NULL,
		operation VARCHAR(16) NOT NULL,
		chain VARCHAR(32) NOT NULL,
		success BOOLEAN NOT NULL,
		tx_hash VARCHAR(128),
		message TEXT,
		needs_manual_intervention BOOLEAN NOT NULL DEFAULT FALSE,
		action_timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_execution_receipts_timestamp ON execution_receipts(action_timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_execution_receipts_owner ON execution_receipts(owner);
	CREATE INDEX IF NOT EXISTS idx_execution_receipts_manual ON execution_receipts(needs_manual_intervention) WHERE needs_manual_intervention;

	CREATE TABLE IF NOT EXISTS cycle_summaries (
		cycle_id UUID PRIMARY KEY,
		cycle_number INTEGER NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL,
		dry_run BOOLEAN NOT NULL,
		users_scanned INTEGER NOT NULL,
		users_blocked INTEGER NOT NULL,
		positions_analyzed INTEGER NOT NULL,
		candidates_found INTEGER NOT NULL,
		executed INTEGER NOT NULL,
		succeeded INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		partial INTEGER NOT NULL,
		average_improvement DECIMAL(12, 8) NOT NULL,
		outcomes JSONB,
		transaction_hashes TEXT[] -- PostgreSQL array of strings for tx hashes
	);
	CREATE INDEX IF NOT EXISTS idx_cycle_summaries_started ON cycle_summaries(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_cycle_summaries_cycle ON cycle_summaries(cycle_number DESC);

	CREATE TABLE IF NOT EXISTS market_snapshots (
		snapshot_id SERIAL PRIMARY KEY,
		cycle_id UUID NOT NULL,
		protocol VARCHAR(64) NOT NULL,
		chain VARCHAR(32) NOT NULL,
		market_id VARCHAR(256) NOT NULL,
		asset VARCHAR(64) NOT NULL,
		supply_apy DECIMAL(12, 6) NOT NULL,
		reward_apy DECIMAL(12, 6) NOT NULL,
		tvl_usd DECIMAL(24, 4) NOT NULL,
		utilization DECIMAL(10, 6) NOT NULL,
		liquidity_usd DECIMAL(24, 4) NOT NULL,
		volatility DECIMAL(10, 6) NOT NULL,
		risk_score DECIMAL(6, 4) NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_market_snapshots_market ON market_snapshots(chain, protocol, market_id, updated_at DESC);

	-- Cycle counter table for persistent global cycle tracking
	CREATE TABLE IF NOT EXISTS cycle_counter (
		id INTEGER PRIMARY KEY DEFAULT 1,
		current_cycle INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT single_row_check CHECK (id = 1)
	);

	-- Insert initial row if it doesn't exist
	INSERT INTO cycle_counter (id, current_cycle)
	VALUES (1, 0)
	ON CONFLICT (id) DO NOTHING;
`

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Msg("Database schema ensured.")
	return nil
}

// TestDBConnection tests if the database connection is healthy
func TestDBConnection(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}

	// Use a short timeout context for health checks
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping reports database health.
func (s *PostgresStore) Ping() error {
	return TestDBConnection(s.db)
}
