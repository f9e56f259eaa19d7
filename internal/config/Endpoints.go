package config

import (
	"errors"
	"strings"
	"time"

	"github.com/elys-network/yieldmover/internal/types"
	"github.com/rs/zerolog/log"
)

// Endpoint configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// EtherscanAPIKey authenticates the etherscan-family gas trackers.
	EtherscanAPIKey string
	// OwlracleAPIKey authenticates the multi-chain gas aggregator.
	OwlracleAPIKey string
	// OwlracleURL is the base URL of the multi-chain gas aggregator.
	OwlracleURL string
	// RPCURLs maps a chain to its JSON-RPC node, used for the eth_gasPrice fallback.
	RPCURLs map[types.ChainID]string

	// ExecutorURL is the base URL of the signing relayer. Required unless DryRun.
	ExecutorURL string
	// AlertWebhookURL receives operator notifications as JSON. Optional.
	AlertWebhookURL string
	// DefiLlamaURL is the base URL of the yields API.
	DefiLlamaURL string

	// OracleTimeout bounds every individual oracle or market HTTP call.
	OracleTimeout time.Duration
	// GasCacheTTL is how long a gas quote is served from cache.
	GasCacheTTL time.Duration
)

// loadEndpointConfig loads endpoint configuration from environment variables.
// This function is called by LoadConfig() in General.go.
func loadEndpointConfig() error {
	log.Info().Msg("Loading endpoint configuration from environment variables...")

	EtherscanAPIKey = getEnvWithDefault("ETHERSCAN_API_KEY", "")
	OwlracleAPIKey = getEnvWithDefault("OWLRACLE_API_KEY", "")
	OwlracleURL = strings.TrimRight(getEnvWithDefault("OWLRACLE_URL", "https://api.owlracle.info/v4"), "/")
	DefiLlamaURL = strings.TrimRight(getEnvWithDefault("DEFILLAMA_URL", "https://yields.llama.fi"), "/")
	AlertWebhookURL = getEnvWithDefault("ALERT_WEBHOOK_URL", "")

	var err error
	ExecutorURL, err = getEnv("EXECUTOR_URL")
	if err != nil {
		if !DryRun {
			return errors.New("EXECUTOR_URL is required when DRY_RUN is false")
		}
		ExecutorURL = ""
	}
	ExecutorURL = strings.TrimRight(ExecutorURL, "/")

	RPCURLs = make(map[types.ChainID]string)
	for _, chain := range ChainIDs() {
		key := "RPC_URL_" + strings.ToUpper(string(chain))
		if url := getEnvWithDefault(key, ""); url != "" {
			RPCURLs[chain] = url
		}
	}

	timeoutMs, err := getEnvAsInt("ORACLE_TIMEOUT_MS", 5000)
	if err != nil {
		return err
	}
	OracleTimeout = time.Duration(timeoutMs) * time.Millisecond

	ttlSec, err := getEnvAsInt("GAS_CACHE_TTL_SECONDS", 30)
	if err != nil {
		return err
	}
	GasCacheTTL = time.Duration(ttlSec) * time.Second

	log.Debug().
		Str("ExecutorURL", ExecutorURL).
		Str("DefiLlamaURL", DefiLlamaURL).
		Int("rpcChains", len(RPCURLs)).
		Dur("OracleTimeout", OracleTimeout).
		Msg("Endpoint configuration loaded successfully.")

	return nil
}
