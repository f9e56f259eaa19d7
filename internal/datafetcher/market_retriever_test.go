package datafetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elys-network/yieldmover/internal/analyzer"
	"github.com/elys-network/yieldmover/internal/config"
	"github.com/elys-network/yieldmover/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const poolsBody = `{"status":"success","data":[
 {"pool":"p-aave-arb","chain":"Arbitrum","project":"aave-v3","symbol":"USDC","tvlUsd":4000000,"apyBase":5.1,"apyReward":0.4,"sigma":2.0},
 {"pool":"p-morpho-base","chain":"Base","project":"morpho-blue","symbol":"USDC.e","tvlUsd":900000,"apyBase":7.5,"apyReward":null,"sigma":10.0},
 {"pool":"p-uni","chain":"Ethereum","project":"uniswap-v3","symbol":"USDC-WETH","tvlUsd":1e8,"apyBase":20,"sigma":30},
 {"pool":"p-solana","chain":"Solana","project":"aave-v3","symbol":"USDC","tvlUsd":1e6,"apyBase":4},
 {"pool":"p-bad","chain":"Ethereum","project":"spark","symbol":"DAI","tvlUsd":-1,"apyBase":4}
]}`

const lendBorrowBody = `[
 {"pool":"p-aave-arb","totalSupplyUsd":10000000,"totalBorrowUsd":8000000}
]`

func newLlamaServer(t *testing.T, lendBorrowStatus int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case POOLS_API_ROUTE:
			w.Write([]byte(poolsBody))
		case LEND_BORROW_API_ROUTE:
			w.WriteHeader(lendBorrowStatus)
			if lendBorrowStatus == http.StatusOK {
				w.Write([]byte(lendBorrowBody))
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetMarketsJoinsEndpoints(t *testing.T) {
	srv := newLlamaServer(t, http.StatusOK)
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	src := NewDefiLlamaSource(srv.URL, time.Second)
	src.now = func() time.Time { return fixed }

	markets, err := src.GetMarkets(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, markets, 2)

	aave := markets[0]
	assert.Equal(t, "aave-v3", aave.Protocol)
	assert.Equal(t, types.ChainArbitrum, aave.Chain)
	assert.Equal(t, "USDC", aave.Asset)
	assert.InDelta(t, 5.5, aave.TotalAPY(), 1e-9)
	assert.InDelta(t, 0.8, aave.Utilization, 1e-9)
	assert.InDelta(t, 2000000, aave.LiquidityUSD, 1e-6)
	assert.InDelta(t, 0.02, aave.Volatility, 1e-9)
	assert.Equal(t, fixed, aave.UpdatedAt)

	morpho := markets[1]
	assert.Equal(t, types.ChainBase, morpho.Chain)
	assert.Equal(t, "USDC", morpho.Asset)
	assert.Equal(t, 0.0, morpho.RewardAPY)
	assert.Equal(t, 0.0, morpho.Utilization)
	assert.Equal(t, 900000.0, morpho.LiquidityUSD)
	assert.InDelta(t, 0.06, morpho.RiskScore, 1e-9)
}

func TestGetMarketsFiltersProtocol(t *testing.T) {
	srv := newLlamaServer(t, http.StatusOK)
	src := NewDefiLlamaSource(srv.URL, time.Second)

	markets, err := src.GetMarkets(context.Background(), "morpho-blue")
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, "morpho-blue", markets[0].Protocol)

	_, err = src.GetMarkets(context.Background(), "uniswap-v3")
	assert.Error(t, err)
}

func TestGetMarketsFailsOnLendBorrowOutage(t *testing.T) {
	srv := newLlamaServer(t, http.StatusInternalServerError)
	src := NewDefiLlamaSource(srv.URL, time.Second)

	markets, err := src.GetMarkets(context.Background(), "aave-v3")
	assert.ErrorIs(t, err, ErrInvalidMarketData)
	assert.Empty(t, markets, "no market is reported without utilization")
}

func TestLendBorrowOutageServesStoredUtilization(t *testing.T) {
	now := time.Now()
	srv := newLlamaServer(t, http.StatusInternalServerError)
	stored := &staticSource{markets: []types.MarketSnapshot{{
		Protocol: "aave-v3", Chain: types.ChainArbitrum, MarketID: "p-aave-arb", Asset: "USDC",
		SupplyAPY: 8, TVLUSD: 10_000_000, Utilization: 0.99, LiquidityUSD: 1_000_000, UpdatedAt: now,
	}}}

	markets, err := NewFallbackSource(NewDefiLlamaSource(srv.URL, time.Second), stored).GetMarkets(context.Background(), "aave-v3")
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, 1, stored.calls)
	assert.Equal(t, 0.99, markets[0].Utilization)

	pos := types.Position{ID: "p1", Protocol: "spark", Chain: types.ChainEthereum, MarketID: "spark-usdc", Asset: "USDC", CurrentAPY: 2}
	prefs := types.Preferences{MinImprovement: 0.02}
	reason := analyzer.ScreenMarket(pos, markets[0], prefs, config.DefaultRebalanceParameters, now)
	assert.Equal(t, analyzer.RejectHighUtilization, reason)
}

func TestGetMarketsPoolsOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewDefiLlamaSource(srv.URL, time.Second).GetMarkets(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidMarketData)
}

func TestPrimarySymbol(t *testing.T) {
	assert.Equal(t, "USDC", primarySymbol("usdc.e"))
	assert.Equal(t, "WSTETH", primarySymbol("WSTETH-WETH"))
}

type staticSource struct {
	markets []types.MarketSnapshot
	err     error
	calls   int
}

func (s *staticSource) GetMarkets(context.Context, string) ([]types.MarketSnapshot, error) {
	s.calls++
	return s.markets, s.err
}

func TestFallbackSource(t *testing.T) {
	live := []types.MarketSnapshot{{Protocol: "aave-v3", MarketID: "live"}}
	stored := []types.MarketSnapshot{{Protocol: "aave-v3", MarketID: "stored"}}

	primary := &staticSource{markets: live}
	secondary := &staticSource{markets: stored}
	got, err := NewFallbackSource(primary, secondary).GetMarkets(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, live, got)
	assert.Equal(t, 0, secondary.calls)

	primary.err = assert.AnError
	got, err = NewFallbackSource(primary, secondary).GetMarkets(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, stored, got)

	secondary.err = assert.AnError
	_, err = NewFallbackSource(primary, secondary).GetMarkets(context.Background(), "")
	assert.ErrorIs(t, err, assert.AnError)

	_, err = NewFallbackSource(primary, nil).GetMarkets(context.Background(), "")
	assert.ErrorIs(t, err, assert.AnError)
}
