package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/elys-network/yieldmover/internal/analyzer"
	"github.com/elys-network/yieldmover/internal/config"
	"github.com/elys-network/yieldmover/internal/costs"
	"github.com/elys-network/yieldmover/internal/datafetcher"
	"github.com/elys-network/yieldmover/internal/executor"
	"github.com/elys-network/yieldmover/internal/guard"
	"github.com/elys-network/yieldmover/internal/logger"
	"github.com/elys-network/yieldmover/internal/metrics"
	"github.com/elys-network/yieldmover/internal/notify"
	"github.com/elys-network/yieldmover/internal/oracle"
	"github.com/elys-network/yieldmover/internal/orchestrator"
	"github.com/elys-network/yieldmover/internal/state"
	"github.com/elys-network/yieldmover/internal/web"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 15 * time.Second

// store is what the service needs from a persistence backend.
type store interface {
	state.Store
	datafetcher.MarketSource
	web.InterventionSource
}

// main is the entry point for the rebalance service.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	// Load configuration from environment variables
	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.InitializeWithOptions(config.LogLevel, logger.Options{FilePath: config.LogFile})
	log.Info().Msg("yieldmover starting...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- 2. Persistence ---
	var st store
	var dbCheck func() error
	switch config.StoreBackend {
	case "memory":
		log.Warn().Msg("Using in-memory store. Positions, preferences and cycle history are lost on restart.")
		st = state.NewMemoryStore()
	default:
		dbCfg := state.DBConfig{
			Host: os.Getenv("DB_HOST"), Port: mustAtoi(os.Getenv("DB_PORT"), 5432),
			User: os.Getenv("DB_USER"), Password: os.Getenv("DB_PASSWORD"),
			DBName: os.Getenv("DB_NAME"), SSLMode: os.Getenv("DB_SSLMODE"),
		}
		db, err := state.InitDB(dbCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize database")
		}
		defer state.CloseDB(db)
		if err := state.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("Failed to ensure database schema")
		}
		pg := state.NewPostgresStore(db)
		st = pg
		dbCheck = pg.Ping
	}

	// --- 3. Oracles, analyzer and guard ---
	m := metrics.New(true)

	gasOracle, err := oracle.NewDefaultGasOracle(m.ObserveGasQuote)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gas oracle")
	}
	defer gasOracle.Close()

	prices := oracle.NewStaticPriceSource(config.Chain)
	estimator := costs.NewEstimator(gasOracle, prices)
	profitability := analyzer.NewProfitabilityAnalyzer(estimator)

	sinks := []notify.Sink{notify.NewLogSink()}
	if config.AlertWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(config.AlertWebhookURL))
	}
	notifier := notify.NewMultiSink(sinks...)

	params := config.RebalanceParameters()
	breaker := guard.NewCircuitBreaker(params.MaxFailuresPerHour,
		guard.WithTripHandler(orchestrator.TripAlerter(notifier, m)))
	go breaker.Run(ctx, guard.DefaultResetInterval)

	// --- 4. Executor (with Safety Switch) ---
	var txExecutor executor.TransactionExecutor
	if config.DryRun {
		log.Warn().Msg("DRY_RUN is enabled. Moves are logged and notified, never executed.")
	} else {
		if config.ExecutorURL == "" {
			log.Fatal().Msg("EXECUTOR_URL is required when DRY_RUN=false. Halting to prevent a half-configured live run.")
		}
		relayer, err := executor.NewRelayerClient(config.ExecutorURL, params.ExecutorTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create relayer client")
		}
		log.Warn().Str("executor", config.ExecutorURL).Msg("Initializing in LIVE mode. Real transactions will be submitted.")
		txExecutor = relayer
	}

	markets := datafetcher.NewFallbackSource(
		datafetcher.NewDefiLlamaSource(config.DefiLlamaURL, config.OracleTimeout),
		st,
	)

	// --- 5. Orchestrator ---
	orch, err := orchestrator.NewOrchestrator(orchestrator.Config{
		Positions:   st,
		Preferences: st,
		Recorder:    st,
		Markets:     markets,
		Analyzer:    profitability,
		Prices:      prices,
		Executor:    txExecutor,
		Guard:       breaker,
		Notifier:    notifier,
		Metrics:     m,
		Params:      params,
		Enabled:     config.AutomationEnabled,
		DryRun:      config.DryRun,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create orchestrator")
	}

	// --- 6. Web Server ---
	webServer := web.NewWebServer(ctx, orch, web.Options{
		Port:          config.WebPort,
		Metrics:       m.Handler(),
		Interventions: st,
		DBCheck:       dbCheck,
	})
	go func() {
		log.Info().Str("port", config.WebPort).Str("url", "http://localhost:"+config.WebPort).Msg("Starting operator API")
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed")
		}
	}()

	// --- 7. Start the scan loop ---
	if err := orch.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Orchestrator not started. It can be started from the operator API once enabled.")
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	orch.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	select {
	case <-orch.Done():
	case <-shutdownCtx.Done():
		log.Warn().Msg("Scan cycle still running at shutdown deadline")
	}
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Web server shutdown failed")
	}
	log.Info().Msg("yieldmover stopped")
}

// Helper to convert string to int with a default value
func mustAtoi(s string, defaultValue int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return i
}
