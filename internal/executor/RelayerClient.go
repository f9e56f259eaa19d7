/*

This file contains the client for the external signing relayer. The relayer owns keys, nonces and
confirmation; this service only asks it to perform one step at a time. Transactions are never
retried here.

*/

package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elys-network/yieldmover/internal/logger"
	"github.com/elys-network/yieldmover/internal/types"
)

var executorLogger = logger.GetForComponent("relayer_client")

var ErrRelayerUnavailable = errors.New("relayer request failed")

// TransactionExecutor performs blockchain-affecting steps.
type TransactionExecutor interface {
	ExecuteStep(ctx context.Context, step types.Step) (types.StepResult, error)
	ValidateExecution(ctx context.Context, params types.ExecutionParams) (types.ValidationResult, error)
}

type RelayerClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewRelayerClient(baseURL string, timeout time.Duration) (*RelayerClient, error) {
	if baseURL == "" {
		return nil, errors.New("relayer base URL cannot be empty")
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &RelayerClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type validateRequest struct {
	User       string            `json:"user"`
	PositionID string            `json:"position_id"`
	From       json.RawMessage   `json:"from"`
	To         json.RawMessage   `json:"to"`
	Amount     string            `json:"amount"`
	Steps      []json.RawMessage `json:"steps"`
}

// ExecuteStep validates step locally, then submits it. A relayer-reported failure is returned as a
// StepResult with Success=false and a nil error.
func (c *RelayerClient) ExecuteStep(ctx context.Context, step types.Step) (types.StepResult, error) {
	if err := ValidateStep(step, 0); err != nil {
		return types.StepResult{}, &ValidationError{Errors: []string{err.Error()}}
	}

	body, err := EncodeStep(step)
	if err != nil {
		return types.StepResult{}, err
	}

	executorLogger.Info().
		Str("operation", string(step.Operation())).
		Str("chain", string(step.StepChain())).
		Msg("Submitting step to relayer")

	var result types.StepResult
	if err := c.post(ctx, "/v1/steps", body, &result); err != nil {
		return types.StepResult{}, err
	}

	if result.Success {
		executorLogger.Info().Str("operation", string(step.Operation())).Str("txHash", result.TxHash).Msg("Step confirmed")
	} else {
		executorLogger.Warn().Str("operation", string(step.Operation())).Str("error", result.Error).Msg("Relayer reported step failure")
	}
	return result, nil
}

// ValidateExecution runs local step checks and then asks the relayer for its own pre-flight.
func (c *RelayerClient) ValidateExecution(ctx context.Context, params types.ExecutionParams) (types.ValidationResult, error) {
	if err := ValidateSteps(params.Steps); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return types.ValidationResult{Valid: false, Errors: verr.Errors}, nil
		}
		return types.ValidationResult{}, err
	}

	req := validateRequest{
		User:       params.User,
		PositionID: params.PositionID,
		Amount:     params.Amount.String(),
	}
	var err error
	if req.From, err = json.Marshal(params.From); err != nil {
		return types.ValidationResult{}, fmt.Errorf("marshal source market: %w", err)
	}
	if req.To, err = json.Marshal(params.To); err != nil {
		return types.ValidationResult{}, fmt.Errorf("marshal target market: %w", err)
	}
	for _, step := range params.Steps {
		encoded, err := EncodeStep(step)
		if err != nil {
			return types.ValidationResult{}, err
		}
		req.Steps = append(req.Steps, encoded)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return types.ValidationResult{}, fmt.Errorf("marshal validation request: %w", err)
	}

	var result types.ValidationResult
	if err := c.post(ctx, "/v1/validate", body, &result); err != nil {
		return types.ValidationResult{}, err
	}
	return result, nil
}

func (c *RelayerClient) post(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelayerUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d: %s", ErrRelayerUnavailable, resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
