// Package rpcclient implements the JSON-RPC 2.0 client used for every
// network call the core makes: liveness probes, fee sampling, transaction
// submission and signature-status polling.
//
// The client is endpoint-agnostic: each call targets an explicit URL so
// that the endpoint registry and the submission pipeline stay in charge
// of endpoint selection and failover. When a Recorder is attached, every
// call reports its outcome and round-trip latency so live traffic keeps
// endpoint health current between scheduled probes.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseSize bounds RPC response bodies (1MB).
const maxResponseSize = 1 << 20

// Recorder receives the outcome of every RPC call made through the client.
type Recorder interface {
	RecordResult(url string, success bool, latency time.Duration)
}

// Client is a JSON-RPC 2.0 client over HTTP.
type Client struct {
	httpClient *http.Client
	recorder   Recorder
}

// New creates a client with the given per-request timeout. The recorder
// may be nil; the endpoint registry uses a recorder-less client for its
// own probes since it updates health records directly.
func New(timeout time.Duration, recorder Recorder) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		recorder: recorder,
	}
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

// rpcErrorBody represents a JSON-RPC error payload.
type rpcErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Call issues a JSON-RPC request against the given endpoint and decodes
// the result into result (which may be nil).
func (c *Client) Call(ctx context.Context, endpoint, method string, params []interface{}, result interface{}) error {
	if endpoint == "" {
		return ErrEmptyEndpoint
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.record(endpoint, false, time.Since(start))
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	latency := time.Since(start)
	if err != nil {
		c.record(endpoint, false, latency)
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.record(endpoint, false, latency)
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.record(endpoint, false, latency)
		return fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		// The endpoint answered; an RPC-level error only counts against
		// health when it signals rate limiting.
		rpcErr := &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
		c.record(endpoint, !IsRateLimited(rpcErr), latency)
		return rpcErr
	}

	c.record(endpoint, true, latency)

	if result != nil {
		if len(rpcResp.Result) == 0 {
			return ErrEmptyResult
		}
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

func (c *Client) record(url string, success bool, latency time.Duration) {
	if c.recorder != nil {
		c.recorder.RecordResult(url, success, latency)
	}
}

// VersionInfo is the getVersion response.
type VersionInfo struct {
	SolanaCore string `json:"solana-core"`
	FeatureSet uint32 `json:"feature-set"`
}

// GetVersion fetches the node version, the lightweight liveness probe.
// It returns the round-trip latency alongside the version.
func (c *Client) GetVersion(ctx context.Context, endpoint string) (VersionInfo, time.Duration, error) {
	var info VersionInfo
	start := time.Now()
	err := c.Call(ctx, endpoint, "getVersion", nil, &info)
	return info, time.Since(start), err
}

// PrioritizationFee is one slot's observed prioritization fee.
type PrioritizationFee struct {
	Slot              uint64 `json:"slot"`
	PrioritizationFee uint64 `json:"prioritizationFee"`
}

// GetRecentPrioritizationFees fetches the recent per-slot priority fee
// samples used by the fee estimator.
func (c *Client) GetRecentPrioritizationFees(ctx context.Context, endpoint string) ([]PrioritizationFee, error) {
	var fees []PrioritizationFee
	if err := c.Call(ctx, endpoint, "getRecentPrioritizationFees", []interface{}{}, &fees); err != nil {
		return nil, err
	}
	return fees, nil
}

// SendTransaction submits a base64-encoded signed transaction and returns
// its signature.
func (c *Client) SendTransaction(ctx context.Context, endpoint, txBase64 string) (string, error) {
	params := []interface{}{
		txBase64,
		map[string]interface{}{
			"encoding":      "base64",
			"skipPreflight": true,
			"maxRetries":    0,
		},
	}
	var signature string
	if err := c.Call(ctx, endpoint, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	return signature, nil
}

// SignatureStatus is the status of one submitted transaction.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Confirmed reports whether the status has reached at least the
// confirmed commitment level.
func (s *SignatureStatus) Confirmed() bool {
	return s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized"
}

// Failed reports whether the transaction landed with an on-chain error.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// signatureStatusResult wraps the getSignatureStatuses response.
type signatureStatusResult struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value []*SignatureStatus `json:"value"`
}

// GetSignatureStatus polls the status of a single signature. A nil status
// with a nil error means the signature is not yet known to the cluster.
func (c *Client) GetSignatureStatus(ctx context.Context, endpoint, signature string) (*SignatureStatus, error) {
	params := []interface{}{
		[]string{signature},
		map[string]interface{}{"searchTransactionHistory": true},
	}
	var result signatureStatusResult
	if err := c.Call(ctx, endpoint, "getSignatureStatuses", params, &result); err != nil {
		return nil, err
	}
	if len(result.Value) == 0 {
		return nil, nil
	}
	return result.Value[0], nil
}

// latestBlockhashResult wraps the getLatestBlockhash response.
type latestBlockhashResult struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

// GetLatestBlockhash fetches the most recent blockhash at confirmed
// commitment.
func (c *Client) GetLatestBlockhash(ctx context.Context, endpoint string) (string, uint64, error) {
	params := []interface{}{
		map[string]interface{}{"commitment": "confirmed"},
	}
	var result latestBlockhashResult
	if err := c.Call(ctx, endpoint, "getLatestBlockhash", params, &result); err != nil {
		return "", 0, err
	}
	return result.Value.Blockhash, result.Value.LastValidBlockHeight, nil
}
