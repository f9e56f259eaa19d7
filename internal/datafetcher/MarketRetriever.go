/*

This file contains the market data source. Lending markets come from the DefiLlama yields API:
/pools supplies APYs, TVL and APY volatility, /lendBorrow supplies total supply and borrow so
utilization and available liquidity can be derived.

*/

package datafetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/elys-network/yieldmover/internal/logger"
	"github.com/elys-network/yieldmover/internal/types"
	"golang.org/x/time/rate"
)

var marketLogger = logger.GetForComponent("market_retriever")
var ErrInvalidMarketData = errors.New("invalid market data")

const (
	POOLS_API_ROUTE       = "/pools"
	LEND_BORROW_API_ROUTE = "/lendBorrow"
)

// SupportedProtocols are the DefiLlama project slugs the service can move funds between.
var SupportedProtocols = []string{"aave-v3", "morpho-blue", "euler-v2", "pendle", "compound-v3", "spark"}

// MarketSource lists alternative markets. An empty protocol means every supported protocol.
type MarketSource interface {
	GetMarkets(ctx context.Context, protocol string) ([]types.MarketSnapshot, error)
}

type llamaPoolsResponse struct {
	Status string      `json:"status"`
	Data   []llamaPool `json:"data"`
}

type llamaPool struct {
	Pool      string   `json:"pool"`
	Chain     string   `json:"chain"`
	Project   string   `json:"project"`
	Symbol    string   `json:"symbol"`
	TVLUsd    float64  `json:"tvlUsd"`
	APYBase   *float64 `json:"apyBase"`
	APYReward *float64 `json:"apyReward"`
	Sigma     float64  `json:"sigma"`
	ILRisk    string   `json:"ilRisk"`
}

type llamaLendBorrow struct {
	Pool           string  `json:"pool"`
	TotalSupplyUsd float64 `json:"totalSupplyUsd"`
	TotalBorrowUsd float64 `json:"totalBorrowUsd"`
}

var llamaChains = map[string]types.ChainID{
	"ethereum":  types.ChainEthereum,
	"arbitrum":  types.ChainArbitrum,
	"optimism":  types.ChainOptimism,
	"base":      types.ChainBase,
	"polygon":   types.ChainPolygon,
	"avalanche": types.ChainAvalanche,
	"bsc":       types.ChainBSC,
}

// DefiLlamaSource implements MarketSource.
type DefiLlamaSource struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	protocols  map[string]bool
	now        func() time.Time
}

func NewDefiLlamaSource(baseURL string, timeout time.Duration) *DefiLlamaSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	protocols := make(map[string]bool, len(SupportedProtocols))
	for _, p := range SupportedProtocols {
		protocols[p] = true
	}
	return &DefiLlamaSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 2),
		protocols:  protocols,
		now:        time.Now,
	}
}

// GetMarkets fetches and joins both endpoints. Either endpoint failing fails the whole fetch.
func (s *DefiLlamaSource) GetMarkets(ctx context.Context, protocol string) ([]types.MarketSnapshot, error) {
	if protocol != "" && !s.protocols[protocol] {
		return nil, fmt.Errorf("unsupported protocol %q", protocol)
	}

	var pools llamaPoolsResponse
	if err := s.getJSON(ctx, POOLS_API_ROUTE, &pools); err != nil {
		marketLogger.Error().Err(err).Msg("Failed to fetch pools")
		return nil, fmt.Errorf("pools fetch failed: %w", err)
	}
	if pools.Status != "" && pools.Status != "success" {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidMarketData, pools.Status)
	}

	// Without totals utilization and depth are unknown, and reporting them as zero would pass
	// every market through the utilization screen.
	var lendBorrow []llamaLendBorrow
	if err := s.getJSON(ctx, LEND_BORROW_API_ROUTE, &lendBorrow); err != nil {
		marketLogger.Error().Err(err).Msg("Failed to fetch lend/borrow totals")
		return nil, fmt.Errorf("lend/borrow fetch failed: %w", err)
	}
	totals := make(map[string]llamaLendBorrow, len(lendBorrow))
	for _, lb := range lendBorrow {
		totals[lb.Pool] = lb
	}

	fetchedAt := s.now()
	markets := make([]types.MarketSnapshot, 0)
	skipped := 0
	for _, pool := range pools.Data {
		if !s.protocols[pool.Project] || (protocol != "" && pool.Project != protocol) {
			continue
		}
		chain, ok := llamaChains[strings.ToLower(pool.Chain)]
		if !ok {
			continue
		}
		market, err := toSnapshot(pool, chain, totals[pool.Pool], fetchedAt)
		if err != nil {
			marketLogger.Debug().Err(err).Str("pool", pool.Pool).Msg("Skipping invalid pool")
			skipped++
			continue
		}
		markets = append(markets, market)
	}

	marketLogger.Info().
		Int("totalPools", len(pools.Data)).
		Int("markets", len(markets)).
		Int("skipped", skipped).
		Str("protocol", protocol).
		Msg("Fetched markets")

	return markets, nil
}

func toSnapshot(pool llamaPool, chain types.ChainID, totals llamaLendBorrow, fetchedAt time.Time) (types.MarketSnapshot, error) {
	if pool.Pool == "" || pool.Symbol == "" {
		return types.MarketSnapshot{}, fmt.Errorf("%w: missing pool id or symbol", ErrInvalidMarketData)
	}

	var supplyAPY, rewardAPY float64
	if pool.APYBase != nil {
		supplyAPY = *pool.APYBase
	}
	if pool.APYReward != nil {
		rewardAPY = *pool.APYReward
	}
	for _, v := range []float64{supplyAPY, rewardAPY, pool.TVLUsd, pool.Sigma} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return types.MarketSnapshot{}, fmt.Errorf("%w: non-finite or negative field", ErrInvalidMarketData)
		}
	}

	utilization := 0.0
	liquidity := pool.TVLUsd
	if totals.TotalSupplyUsd > 0 {
		utilization = totals.TotalBorrowUsd / totals.TotalSupplyUsd
		liquidity = math.Max(0, totals.TotalSupplyUsd-totals.TotalBorrowUsd)
	}
	volatility := pool.Sigma / 100

	return types.MarketSnapshot{
		Protocol:     pool.Project,
		Chain:        chain,
		MarketID:     pool.Pool,
		Asset:        primarySymbol(pool.Symbol),
		SupplyAPY:    supplyAPY,
		RewardAPY:    rewardAPY,
		TVLUSD:       pool.TVLUsd,
		Utilization:  utilization,
		LiquidityUSD: liquidity,
		Volatility:   volatility,
		RiskScore:    riskScore(volatility, utilization, pool.ILRisk),
		UpdatedAt:    fetchedAt,
	}, nil
}

// riskScore blends APY volatility, utilization and impermanent-loss exposure into [0,1].
func riskScore(volatility, utilization float64, ilRisk string) float64 {
	score := volatility*0.6 + utilization*0.3
	if strings.EqualFold(ilRisk, "yes") {
		score += 0.1
	}
	return math.Min(1, math.Max(0, score))
}

// primarySymbol maps "USDC.E" style symbols to the bare asset; multi-asset symbols keep the first.
func primarySymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.Index(s, "-"); i > 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(s, ".E")
}

func (s *DefiLlamaSource) getJSON(ctx context.Context, route string, out interface{}) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+route, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d from %s", ErrInvalidMarketData, resp.StatusCode, route)
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
