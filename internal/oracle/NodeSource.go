package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/elys-network/yieldmover/internal/config"
	"github.com/elys-network/yieldmover/internal/types"
)

// Node-derived tiers around the single eth_gasPrice answer.
const (
	nodeSlowFactor = 0.9
	nodeFastFactor = 1.25
)

// NodeSource asks the chain's JSON-RPC node for eth_gasPrice.
type NodeSource struct {
	urls       map[types.ChainID]string
	httpClient *http.Client
	requestID  atomic.Int64
}

func NewNodeSource(urls map[types.ChainID]string) *NodeSource {
	return &NodeSource{
		urls:       urls,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *NodeSource) Name() string { return types.GasSourceNode }

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *NodeSource) FetchGas(ctx context.Context, chain config.ChainInfo) (types.GasQuote, error) {
	endpoint, ok := s.urls[chain.ID]
	if !ok || endpoint == "" {
		return types.GasQuote{}, ErrNoQuote
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "eth_gasPrice",
		Params:  []interface{}{},
		ID:      s.requestID.Add(1),
	})
	if err != nil {
		return types.GasQuote{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return types.GasQuote{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return types.GasQuote{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.GasQuote{}, fmt.Errorf("read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return types.GasQuote{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return types.GasQuote{}, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	var hexResult string
	if err := json.Unmarshal(rpcResp.Result, &hexResult); err != nil {
		return types.GasQuote{}, fmt.Errorf("unmarshal result: %w", err)
	}

	gwei, err := weiHexToGwei(hexResult)
	if err != nil {
		return types.GasQuote{}, err
	}

	return types.GasQuote{
		Slow:     gwei * nodeSlowFactor,
		Standard: gwei,
		Fast:     gwei * nodeFastFactor,
	}, nil
}

func weiHexToGwei(hexValue string) (float64, error) {
	wei, ok := new(big.Int).SetString(strings.TrimPrefix(hexValue, "0x"), 16)
	if !ok {
		return 0, fmt.Errorf("invalid hex gas price %q", hexValue)
	}
	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	return gwei, nil
}
