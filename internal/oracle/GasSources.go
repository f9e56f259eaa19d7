package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/elys-network/yieldmover/internal/config"
	"github.com/elys-network/yieldmover/internal/types"
	"golang.org/x/time/rate"
)

// EtherscanSource reads the gasoracle action of an etherscan-family explorer API.
type EtherscanSource struct {
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewEtherscanSource paces requests at the free-tier limit of 5 per second.
func NewEtherscanSource(apiKey string) *EtherscanSource {
	return &EtherscanSource{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
	}
}

func (s *EtherscanSource) Name() string { return "etherscan" }

type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type etherscanGasResult struct {
	SafeGasPrice    string `json:"SafeGasPrice"`
	ProposeGasPrice string `json:"ProposeGasPrice"`
	FastGasPrice    string `json:"FastGasPrice"`
}

func (s *EtherscanSource) FetchGas(ctx context.Context, chain config.ChainInfo) (types.GasQuote, error) {
	if chain.GasTrackerURL == "" {
		return types.GasQuote{}, ErrNoQuote
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return types.GasQuote{}, err
	}

	params := url.Values{}
	params.Set("module", "gastracker")
	params.Set("action", "gasoracle")
	if s.apiKey != "" {
		params.Set("apikey", s.apiKey)
	}

	var resp etherscanResponse
	if err := getJSON(ctx, s.httpClient, chain.GasTrackerURL+"?"+params.Encode(), &resp); err != nil {
		return types.GasQuote{}, err
	}
	if resp.Status != "1" {
		return types.GasQuote{}, fmt.Errorf("gas tracker error: %s", resp.Message)
	}

	var result etherscanGasResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return types.GasQuote{}, fmt.Errorf("unexpected gas tracker result: %w", err)
	}

	slow, err := strconv.ParseFloat(result.SafeGasPrice, 64)
	if err != nil {
		return types.GasQuote{}, fmt.Errorf("invalid SafeGasPrice: %w", err)
	}
	standard, err := strconv.ParseFloat(result.ProposeGasPrice, 64)
	if err != nil {
		return types.GasQuote{}, fmt.Errorf("invalid ProposeGasPrice: %w", err)
	}
	fast, err := strconv.ParseFloat(result.FastGasPrice, 64)
	if err != nil {
		return types.GasQuote{}, fmt.Errorf("invalid FastGasPrice: %w", err)
	}

	return types.GasQuote{Slow: slow, Standard: standard, Fast: fast}, nil
}

// OwlracleSource reads the multi-chain gas aggregator.
type OwlracleSource struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewOwlracleSource(baseURL, apiKey string) *OwlracleSource {
	return &OwlracleSource{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(1), 2),
	}
}

func (s *OwlracleSource) Name() string { return "owlracle" }

type owlracleResponse struct {
	Speeds []struct {
		Acceptance   float64 `json:"acceptance"`
		MaxFeePerGas float64 `json:"maxFeePerGas"`
		GasPrice     float64 `json:"gasPrice"`
	} `json:"speeds"`
}

func (s *OwlracleSource) FetchGas(ctx context.Context, chain config.ChainInfo) (types.GasQuote, error) {
	if s.baseURL == "" || chain.OwlracleSlug == "" {
		return types.GasQuote{}, ErrNoQuote
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return types.GasQuote{}, err
	}

	endpoint := fmt.Sprintf("%s/%s/gas", s.baseURL, chain.OwlracleSlug)
	if s.apiKey != "" {
		endpoint += "?apikey=" + url.QueryEscape(s.apiKey)
	}

	var resp owlracleResponse
	if err := getJSON(ctx, s.httpClient, endpoint, &resp); err != nil {
		return types.GasQuote{}, err
	}
	if len(resp.Speeds) == 0 {
		return types.GasQuote{}, ErrNoQuote
	}

	price := func(i int) float64 {
		if i >= len(resp.Speeds) {
			i = len(resp.Speeds) - 1
		}
		if resp.Speeds[i].MaxFeePerGas > 0 {
			return resp.Speeds[i].MaxFeePerGas
		}
		return resp.Speeds[i].GasPrice
	}

	// Speeds are ordered by acceptance, lowest first.
	return types.GasQuote{Slow: price(0), Standard: price(1), Fast: price(2)}, nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
