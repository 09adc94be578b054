package rpcclient

import (
	"context"
	"errors"
	"fmt"
)

// Package errors.
var (
	// ErrEmptyEndpoint is returned when a call is made with no endpoint URL.
	ErrEmptyEndpoint = errors.New("endpoint URL is empty")

	// ErrEmptyResult is returned when an RPC response carries no result.
	ErrEmptyResult = errors.New("rpc response missing result")
)

// RPCError represents a JSON-RPC error response. The endpoint answered,
// so an RPCError is not an endpoint health problem by itself.
type RPCError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsRateLimited returns true if the error indicates the endpoint is
// rate-limiting the caller. Rate limiting is counted against endpoint
// health so traffic shifts elsewhere.
func IsRateLimited(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		// -32005: node is behind / too many requests on several providers
		return rpcErr.Code == -32005 || rpcErr.Code == 429
	}
	return false
}

// IsTransient returns true if the error is a network-level failure worth
// retrying on another endpoint: timeouts, connection errors, bad HTTP
// statuses and rate limiting. On-chain RPC errors are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if IsRateLimited(err) {
		return true
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}
	// Remaining errors are connection-level failures.
	return true
}

// HTTPError represents a non-200 HTTP response from an endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}
