/*

This file contains the gas oracle. A quote for a chain is taken from the first source that answers,
in order: the etherscan-family gas tracker, the multi-chain aggregator, the chain's own node, and
finally the static tier table from config. GetGasQuote never fails.

*/

package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/elys-network/yieldmover/internal/config"
	"github.com/elys-network/yieldmover/internal/logger"
	"github.com/elys-network/yieldmover/internal/types"
)

var oracleLogger = logger.GetForComponent("gas_oracle")

// ErrNoQuote is returned by a source that has nothing for the requested chain.
var ErrNoQuote = errors.New("no gas quote available")

// GasSource is one upstream provider of gas tiers.
type GasSource interface {
	Name() string
	FetchGas(ctx context.Context, chain config.ChainInfo) (types.GasQuote, error)
}

// ChainLookup resolves static chain info. config.Chain satisfies it.
type ChainLookup func(id types.ChainID) (config.ChainInfo, bool)

// SourceObserver is told which source served each quote.
type SourceObserver func(chain types.ChainID, source string)

// GasOracle caches gas quotes per chain and walks the source list on a miss.
type GasOracle struct {
	sources  []GasSource
	cache    *ristretto.Cache
	ttl      time.Duration
	timeout  time.Duration
	chains   ChainLookup
	observer SourceObserver
	now      func() time.Time
}

// Option configures a GasOracle.
type Option func(*GasOracle)

// WithChainLookup replaces config.Chain as the chain table.
func WithChainLookup(lookup ChainLookup) Option {
	return func(o *GasOracle) { o.chains = lookup }
}

// WithObserver registers a callback for the source of every served quote.
func WithObserver(observer SourceObserver) Option {
	return func(o *GasOracle) { o.observer = observer }
}

// WithTTL overrides the cache lifetime of a quote.
func WithTTL(ttl time.Duration) Option {
	return func(o *GasOracle) { o.ttl = ttl }
}

// WithTimeout overrides the per-source call timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(o *GasOracle) { o.timeout = timeout }
}

// NewGasOracle builds an oracle over the given sources, tried in order.
func NewGasOracle(sources []GasSource, opts ...Option) (*GasOracle, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        1000,
		MaxCost:            256,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}

	o := &GasOracle{
		sources: sources,
		cache:   cache,
		ttl:     30 * time.Second,
		timeout: 5 * time.Second,
		chains:  config.Chain,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// NewDefaultGasOracle wires the production source order from the loaded configuration.
func NewDefaultGasOracle(observer SourceObserver) (*GasOracle, error) {
	sources := []GasSource{
		NewEtherscanSource(config.EtherscanAPIKey),
		NewOwlracleSource(config.OwlracleURL, config.OwlracleAPIKey),
		NewNodeSource(config.RPCURLs),
	}
	return NewGasOracle(sources,
		WithTTL(config.GasCacheTTL),
		WithTimeout(config.OracleTimeout),
		WithObserver(observer),
	)
}

// GetGasQuote returns gas tiers for chain. Cache hits skip every network call.
func (o *GasOracle) GetGasQuote(ctx context.Context, chain types.ChainID) types.GasQuote {
	if cached, found := o.cache.Get(string(chain)); found {
		if quote, ok := cached.(types.GasQuote); ok {
			oracleLogger.Debug().Str("chain", string(chain)).Str("source", quote.Source).Msg("Gas quote served from cache")
			return quote
		}
	}

	info, _ := o.chains(chain)

	for _, source := range o.sources {
		quote, err := o.fetch(ctx, source, info)
		if err != nil {
			oracleLogger.Debug().Err(err).Str("chain", string(chain)).Str("source", source.Name()).Msg("Gas source failed, trying next")
			continue
		}
		if !validQuote(quote) {
			oracleLogger.Warn().
				Str("chain", string(chain)).
				Str("source", source.Name()).
				Float64("standard", quote.Standard).
				Msg("Gas source returned unusable tiers, trying next")
			continue
		}

		quote.Chain = chain
		quote.Source = source.Name()
		if quote.FetchedAt.IsZero() {
			quote.FetchedAt = o.now()
		}
		o.cache.SetWithTTL(string(chain), quote, 1, o.ttl)
		o.cache.Wait()
		o.observe(chain, quote.Source)
		return quote
	}

	// Defaults are not cached so the next call retries the live sources.
	quote := types.GasQuote{
		Chain:     chain,
		Slow:      info.DefaultGas.Slow,
		Standard:  info.DefaultGas.Standard,
		Fast:      info.DefaultGas.Fast,
		Source:    types.GasSourceDefault,
		FetchedAt: o.now(),
	}
	oracleLogger.Warn().Str("chain", string(chain)).Msg("All gas sources failed, using static defaults")
	o.observe(chain, quote.Source)
	return quote
}

// Invalidate drops the cached quote for chain.
func (o *GasOracle) Invalidate(chain types.ChainID) {
	o.cache.Del(string(chain))
}

// Close releases the cache goroutines.
func (o *GasOracle) Close() {
	o.cache.Close()
}

func (o *GasOracle) fetch(ctx context.Context, source GasSource, info config.ChainInfo) (quote types.GasQuote, err error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			oracleLogger.Error().Interface("panic", r).Str("source", source.Name()).Msg("Gas source panicked")
			err = errors.New("gas source panicked")
		}
	}()
	return source.FetchGas(callCtx, info)
}

func (o *GasOracle) observe(chain types.ChainID, source string) {
	if o.observer != nil {
		o.observer(chain, source)
	}
}

func validQuote(q types.GasQuote) bool {
	return q.Standard > 0 && q.Slow >= 0 && q.Fast >= 0
}
