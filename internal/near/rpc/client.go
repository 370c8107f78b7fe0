package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openbatch/ft-sender/internal/near"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/mr-tron/base58"
)

type Config struct {
	URL            string
	RequestTimeout time.Duration
	// MaxSendElapsed bounds the transport retry window of a single
	// broadcast attempt. The executor handles longer outages through
	// its own recycle/retry discipline.
	MaxSendElapsed time.Duration
}

// Client talks JSON-RPC to a chain node. It implements both the
// Broadcaster capability and the signer's nonce source.
type Client struct {
	config *Config
	http   *resty.Client
	log    *slog.Logger
}

func New(config *Config) *Client {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 15 * time.Second
	}
	if config.MaxSendElapsed == 0 {
		config.MaxSendElapsed = 30 * time.Second
	}

	http := resty.New().
		SetBaseURL(config.URL).
		SetTimeout(config.RequestTimeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		config: config,
		http:   http,
		log:    slog.With("component", "rpc"),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Cause   struct {
		Name string          `json:"name"`
		Info json.RawMessage `json:"info"`
	} `json:"cause"`
	Data json.RawMessage `json:"data"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Send broadcasts a signed blob and waits for the execution outcome.
// A non-nil error is a transport failure; chain-side rejections and
// action failures come back inside the outcome.
func (c *Client) Send(ctx context.Context, blob []byte) (*near.Outcome, error) {
	response, err := c.call(ctx, "broadcast_tx_commit",
		[]string{base64.StdEncoding.EncodeToString(blob)})
	if err != nil {
		return nil, err
	}

	if response.Error != nil {
		return outcomeFromRPCError(response.Error)
	}

	return outcomeFromResult(response.Result)
}

// NextNonce returns the access key's next usable nonce together with a
// recent block hash to anchor the transaction to.
func (c *Client) NextNonce(ctx context.Context, accountID,
	publicKey string) (uint64, [32]byte, error) {

	var blockHash [32]byte

	response, err := c.call(ctx, "query", map[string]any{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   accountID,
		"public_key":   publicKey,
	})
	if err != nil {
		return 0, blockHash, err
	}

	if response.Error != nil {
		return 0, blockHash, fmt.Errorf("access key query: %s (%s)",
			response.Error.Message, response.Error.Cause.Name)
	}

	var result struct {
		Nonce     uint64 `json:"nonce"`
		BlockHash string `json:"block_hash"`
		Error     string `json:"error"`
	}

	if err := json.Unmarshal(response.Result, &result); err != nil {
		return 0, blockHash, fmt.Errorf("decode access key: %w", err)
	}

	if result.Error != "" {
		return 0, blockHash, fmt.Errorf("access key query: %s", result.Error)
	}

	raw, err := base58.Decode(result.BlockHash)
	if err != nil || len(raw) != len(blockHash) {
		return 0, blockHash, fmt.Errorf("malformed block hash %q", result.BlockHash)
	}
	copy(blockHash[:], raw)

	return result.Nonce + 1, blockHash, nil
}

// call posts one JSON-RPC request, retrying transport-level failures
// with bounded exponential backoff.
func (c *Client) call(ctx context.Context, method string, params any) (
	*rpcResponse, error) {

	request := rpcRequest{
		JSONRPC: "2.0",
		ID:      "ft-sender",
		Method:  method,
		Params:  params,
	}

	operation := func() (*rpcResponse, error) {
		var response rpcResponse

		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(request).
			SetResult(&response).
			Post("")
		if err != nil {
			c.log.Debug("rpc transport error, retrying",
				"method", method, "error", err)
			return nil, err
		}

		if resp.IsError() {
			return nil, fmt.Errorf("rpc http status %d", resp.StatusCode())
		}

		if response.Error != nil && response.Error.Name == "REQUEST_VALIDATION_ERROR" {
			return nil, backoff.Permanent(fmt.Errorf("rpc request rejected: %s",
				response.Error.Message))
		}

		// node-side timeouts are worth one more try within the window
		if response.Error != nil && response.Error.Cause.Name == "TIMEOUT_ERROR" {
			return nil, fmt.Errorf("rpc timeout: %s", response.Error.Message)
		}

		return &response, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.config.MaxSendElapsed

	response, err := backoff.RetryWithData(operation,
		backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("rpc %s: %w", method, err)
	}

	return response, nil
}
