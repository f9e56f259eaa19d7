package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/elys-network/yieldmover/internal/types"
	"github.com/rs/zerolog/log"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// AutomationEnabled gates the whole orchestrator. When false, Start refuses to run.
	AutomationEnabled bool
	// DryRun logs and notifies the moves that would be executed without calling the executor.
	DryRun bool

	// ScanInterval is the period between scan cycles.
	ScanInterval time.Duration
	// MinYieldImprovement is the default minimum APY improvement, as a fraction.
	MinYieldImprovement float64
	// MaxGasCostPercent is the default maximum switching cost, as a fraction of position value.
	MaxGasCostPercent float64
	// MaxPositionsPerUser caps the positions analyzed for a single user per cycle.
	MaxPositionsPerUser int

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// LogFile, when set, receives a rotated copy of all log output.
	LogFile string
	// WebPort is the port of the operator API.
	WebPort string
	// StoreBackend is "postgres" or "memory".
	StoreBackend string
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// Unset variables fall back to DefaultRebalanceParameters.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	if AutomationEnabled, err = getEnvAsBool("AUTOMATION_ENABLED", true); err != nil {
		return err
	}
	if DryRun, err = getEnvAsBool("DRY_RUN", true); err != nil {
		return err
	}

	scanMs, err := getEnvAsInt("SCAN_INTERVAL_MS", int(DefaultRebalanceParameters.ScanInterval/time.Millisecond))
	if err != nil {
		return err
	}
	if scanMs <= 0 {
		return errors.New("SCAN_INTERVAL_MS must be positive")
	}
	ScanInterval = time.Duration(scanMs) * time.Millisecond

	if MinYieldImprovement, err = getEnvAsFloat64("MIN_YIELD_IMPROVEMENT", DefaultRebalanceParameters.DefaultMinImprovement); err != nil {
		return err
	}
	if MaxGasCostPercent, err = getEnvAsFloat64("MAX_GAS_COST_PERCENT", DefaultRebalanceParameters.DefaultMaxGasCostPercent); err != nil {
		return err
	}
	if MaxPositionsPerUser, err = getEnvAsInt("MAX_POSITIONS_PER_USER", DefaultRebalanceParameters.MaxPositionsPerUser); err != nil {
		return err
	}

	LogLevel = getEnvWithDefault("LOG_LEVEL", "info")
	LogFile = getEnvWithDefault("LOG_FILE", "")
	WebPort = getEnvWithDefault("WEB_PORT", "8080")
	StoreBackend = strings.ToLower(getEnvWithDefault("STORE_BACKEND", "postgres"))
	if StoreBackend != "postgres" && StoreBackend != "memory" {
		return errors.New("STORE_BACKEND must be 'postgres' or 'memory', got: " + StoreBackend)
	}

	if err := loadParameterOverrides(); err != nil {
		return err
	}

	// Load endpoint configuration
	if err := loadEndpointConfig(); err != nil {
		return err
	}

	if path := getEnvWithDefault("CHAIN_CONFIG_PATH", ""); path != "" {
		if err := LoadChainOverrides(path); err != nil {
			return err
		}
	}

	log.Debug().
		Bool("AutomationEnabled", AutomationEnabled).
		Bool("DryRun", DryRun).
		Dur("ScanInterval", ScanInterval).
		Float64("MinYieldImprovement", MinYieldImprovement).
		Float64("MaxGasCostPercent", MaxGasCostPercent).
		Msg("Configuration loaded successfully.")

	return nil
}

// RebalanceParameters returns the orchestrator parameters resolved from the loaded configuration.
func RebalanceParameters() types.RebalanceParameters {
	p := DefaultRebalanceParameters
	if ScanInterval > 0 {
		p.ScanInterval = ScanInterval
	}
	if MaxPositionsPerUser > 0 {
		p.MaxPositionsPerUser = MaxPositionsPerUser
	}
	if MinYieldImprovement > 0 {
		p.DefaultMinImprovement = MinYieldImprovement
	}
	if MaxGasCostPercent > 0 {
		p.DefaultMaxGasCostPercent = MaxGasCostPercent
	}
	return mergeParameters(p, parameterOverrides, stepDelayOverride)
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvWithDefault retrieves a string environment variable or def when unset or empty.
func getEnvWithDefault(key, def string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return def
}

func getEnvAsInt(key string, def int) (int, error) {
	valueStr := getEnvWithDefault(key, "")
	if valueStr == "" {
		return def, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid int, got: " + valueStr)
	}
	return value, nil
}

func getEnvAsFloat64(key string, def float64) (float64, error) {
	valueStr := getEnvWithDefault(key, "")
	if valueStr == "" {
		return def, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid float64, got: " + valueStr)
	}
	return value, nil
}

func getEnvAsBool(key string, def bool) (bool, error) {
	valueStr := getEnvWithDefault(key, "")
	if valueStr == "" {
		return def, nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, errors.New("environment variable " + key + " must be a valid bool, got: " + valueStr)
	}
	return value, nil
}
