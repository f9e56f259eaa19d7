package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/elys-network/yieldmover/internal/logger"
	"github.com/elys-network/yieldmover/internal/state"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	historyOnly := flag.Bool("history-only", false, "clear receipts, cycle summaries and market snapshots, keep positions and preferences")
	flag.Parse()

	// Initialize logger
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logger.Initialize(logLevel)
	log.Info().Msg("Starting database reset script...")

	// Load environment variables from .env file
	err := godotenv.Load()
	if err != nil {
		log.Warn().Msg("Warning: .env file not found or error loading .env file. Relying on OS environment variables.")
	}

	// Get database configuration from environment variables
	dbHost := os.Getenv("DB_HOST")
	dbPortStr := os.Getenv("DB_PORT")
	dbUser := os.Getenv("DB_USER")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	dbSSLMode := os.Getenv("DB_SSLMODE")

	// Set defaults for missing values
	if dbHost == "" {
		dbHost = "localhost"
	}
	if dbUser == "" {
		log.Fatal().Msg("DB_USER environment variable not set.")
	}
	if dbName == "" {
		log.Fatal().Msg("DB_NAME environment variable not set.")
	}
	if dbSSLMode == "" {
		dbSSLMode = "disable"
	}

	dbPort := 5432
	if dbPortStr != "" {
		fmt.Sscanf(dbPortStr, "%d", &dbPort)
	}

	dbCfg := state.DBConfig{
		Host:     dbHost,
		Port:     dbPort,
		User:     dbUser,
		Password: dbPassword,
		DBName:   dbName,
		SSLMode:  dbSSLMode,
	}

	log.Info().
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("user", dbCfg.User).
		Str("dbname", dbCfg.DBName).
		Bool("historyOnly", *historyOnly).
		Msg("Connecting to database")

	db, err := state.InitDB(dbCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database connection")
	}
	defer state.CloseDB(db)

	if *historyOnly {
		if err := state.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("Failed to ensure database schema")
		}
		log.Info().Msg("Clearing cycle history...")
		if _, err := db.Exec(`TRUNCATE execution_receipts, cycle_summaries, market_snapshots`); err != nil {
			log.Fatal().Err(err).Msg("Failed to clear history tables")
		}
		store := state.NewPostgresStore(db)
		if previous, err := store.CurrentCycleNumber(context.Background()); err == nil {
			log.Info().Int("previousCycle", previous).Msg("Resetting cycle counter")
		}
		if err := store.ResetCycleNumber(context.Background(), 0); err != nil {
			log.Fatal().Err(err).Msg("Failed to reset cycle counter")
		}
		log.Info().Msg("Cycle history cleared. Positions and preferences kept.")
		return
	}

	log.Info().Msg("Connected to database. Attempting to drop all tables...")

	// Drop all tables - this is the "reset" part
	dropTablesQuery := `
		DROP TABLE IF EXISTS positions CASCADE;
		DROP TABLE IF EXISTS user_preferences CASCADE;
		DROP TABLE IF EXISTS execution_receipts CASCADE;
		DROP TABLE IF EXISTS cycle_summaries CASCADE;
		DROP TABLE IF EXISTS market_snapshots CASCADE;
		DROP TABLE IF EXISTS cycle_counter CASCADE;
	`

	if _, err := db.Exec(dropTablesQuery); err != nil {
		log.Fatal().Err(err).Msg("Failed to drop tables")
	}
	log.Info().Msg("Successfully dropped all tables")

	// Recreate the schema
	log.Info().Msg("Recreating database schema...")
	if err := state.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to recreate database schema")
	}
	log.Info().Msg("Database schema successfully recreated")

	log.Info().Msg("Database reset complete!")
}
