// Package txpipeline delivers a signed transaction to the network and
// determines definitively whether it confirmed, failed on-chain, or
// cannot be confirmed in bounded time.
//
// Each submission walks a fixed state machine:
//
//	BUILDING → SENT → POLLING → {CONFIRMED | FAILED | TIMED_OUT}
//
// BUILDING attaches fee instructions at the estimator's current priority
// fee. SENT submits through the registry's best endpoint and fails over
// through the remaining healthy endpoints within a bounded retry budget.
// POLLING checks signature status on a back-loaded fixed schedule:
// on-chain confirmation latency is roughly constant once a transaction is
// accepted into a block, so exponential backoff would only waste the
// early polls. An optional status stream (a Geyser subscription) can
// short-circuit the wait.
//
// Every real call against an endpoint is recorded with the registry, so
// live traffic keeps endpoint health current between scheduled probes.
package txpipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Leeyle/meteora2-sub004/internal/types"
	"github.com/Leeyle/meteora2-sub004/pkg/rpcclient"
)

// Pipeline errors.
var (
	// ErrSendBudgetExhausted is returned when every send attempt failed
	// on a network-level error.
	ErrSendBudgetExhausted = errors.New("send retry budget exhausted")

	// ErrNilSigner is returned when Submit is called without a signer.
	ErrNilSigner = errors.New("signer is required")
)

// Outcome is the terminal result of one submission attempt.
type Outcome string

// Terminal outcomes.
const (
	// OutcomeConfirmed means the transaction landed without an on-chain
	// error.
	OutcomeConfirmed Outcome = "confirmed"

	// OutcomeFailed means either submission was rejected outright or the
	// transaction landed and its logic reverted. A logic failure must
	// not be retried as a network issue.
	OutcomeFailed Outcome = "failed"

	// OutcomeTimedOut means no status was observed within the polling
	// budget. The outcome is genuinely unknown: the transaction may
	// still land, so callers should re-check by signature before
	// resubmitting.
	OutcomeTimedOut Outcome = "timedOut"
)

// Signer supplies signing capability. The pipeline never generates or
// stores keys itself.
type Signer interface {
	PublicKey() types.Pubkey
	Sign(message []byte) (types.Signature, error)
}

// FeeSource supplies the priority fee to attach. *feeoracle.Oracle
// satisfies it.
type FeeSource interface {
	PriorityFee() uint64
}

// EndpointSelector supplies endpoints and accepts traffic results.
// *rpcpool.Pool satisfies it.
type EndpointSelector interface {
	SelectBest() (string, error)
	SelectNext(current string) (string, error)
	RecordResult(url string, success bool, latency time.Duration)
}

// SignatureUpdate is an asynchronous status notification for a watched
// signature.
type SignatureUpdate struct {
	Slot uint64
	Err  json.RawMessage
}

// StatusStream is an optional fast confirmation path; subscribing
// returns a channel of updates for the signature and a cancel function.
// *confirm.Client satisfies it. The pipeline degrades to pure polling
// when no stream is attached.
type StatusStream interface {
	Subscribe(signature string) (<-chan SignatureUpdate, func())
}

// DefaultPollSchedule is the fixed, back-loaded confirmation schedule.
var DefaultPollSchedule = []time.Duration{
	2 * time.Second,
	5 * time.Second,
	8 * time.Second,
	12 * time.Second,
	12 * time.Second,
}

// DefaultSendRetryBudget bounds submission failover attempts.
const DefaultSendRetryBudget = 3

// Config holds pipeline configuration.
type Config struct {
	// SendRetryBudget is the maximum number of submission attempts
	// across failover endpoints.
	SendRetryBudget int

	// PollSchedule is the sequence of delays between status polls. The
	// polling loop always terminates after len(PollSchedule) attempts.
	PollSchedule []time.Duration

	// RequestTimeout bounds each send and poll call.
	RequestTimeout time.Duration

	// ComputeUnitLimit is attached when the transaction has none.
	ComputeUnitLimit uint32

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		SendRetryBudget:  DefaultSendRetryBudget,
		PollSchedule:     DefaultPollSchedule,
		RequestTimeout:   10 * time.Second,
		ComputeUnitLimit: DefaultComputeUnitLimit,
	}
}

// Result is the structured outcome of one submission.
type Result struct {
	Signature    string          `json:"signature,omitempty"`
	Outcome      Outcome         `json:"outcome"`
	Slot         uint64          `json:"slot,omitempty"`
	OnChainError json.RawMessage `json:"onChainError,omitempty"`
	FeeUsed      uint64          `json:"feeUsed"`
	Endpoint     string          `json:"endpoint,omitempty"`
	SendAttempts int             `json:"sendAttempts"`
}

// Pipeline submits transactions with failover and bounded confirmation
// polling.
type Pipeline struct {
	cfg      Config
	selector EndpointSelector
	fees     FeeSource
	client   *rpcclient.Client
	stream   StatusStream
	logger   *zap.Logger

	// onOutcome is invoked with every terminal result.
	onOutcome func(Result)
}

// selectorRecorder adapts the selector to the client's Recorder so every
// real call feeds the health registry.
type selectorRecorder struct{ sel EndpointSelector }

func (r selectorRecorder) RecordResult(url string, success bool, latency time.Duration) {
	r.sel.RecordResult(url, success, latency)
}

// New creates a pipeline.
func New(cfg Config, selector EndpointSelector, fees FeeSource) *Pipeline {
	def := DefaultConfig()
	if cfg.SendRetryBudget <= 0 {
		cfg.SendRetryBudget = def.SendRetryBudget
	}
	if len(cfg.PollSchedule) == 0 {
		cfg.PollSchedule = def.PollSchedule
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ComputeUnitLimit == 0 {
		cfg.ComputeUnitLimit = def.ComputeUnitLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:      cfg,
		selector: selector,
		fees:     fees,
		client:   rpcclient.New(cfg.RequestTimeout, selectorRecorder{selector}),
		logger:   cfg.Logger,
	}
}

// SetStatusStream attaches an optional asynchronous confirmation source.
// Must be called before concurrent use.
func (p *Pipeline) SetStatusStream(s StatusStream) {
	p.stream = s
}

// SetOnOutcome sets a callback invoked with every terminal result. Must
// be called before concurrent use.
func (p *Pipeline) SetOnOutcome(fn func(Result)) {
	p.onOutcome = fn
}

// Submit builds fee instructions at the estimator's current priority fee,
// signs, sends and confirms the transaction. The error return is reserved
// for conditions outside the three named outcomes: no healthy endpoint,
// signing failure, or context cancellation.
func (p *Pipeline) Submit(ctx context.Context, tx *types.Transaction, signer Signer) (*Result, error) {
	return p.SubmitWithFee(ctx, tx, signer, p.fees.PriorityFee())
}

// SubmitWithFee is Submit with an explicit priority fee, used for
// escalated resubmission after a timeout.
func (p *Pipeline) SubmitWithFee(ctx context.Context, tx *types.Transaction, signer Signer, priorityFee uint64) (*Result, error) {
	if signer == nil {
		return nil, ErrNilSigner
	}

	// BUILDING: merge fee instructions and sign.
	attachFeeInstructions(tx, priorityFee, p.cfg.ComputeUnitLimit)
	if tx.FeePayer.IsZero() {
		tx.FeePayer = signer.PublicKey()
	}
	if err := tx.Sign(signer.Sign); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	txBase64, err := tx.Base64()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}

	result := &Result{FeeUsed: priorityFee}

	// SENT: submit with bounded failover.
	signature, endpoint, err := p.send(ctx, txBase64, result)
	if err != nil {
		var rpcErr *rpcclient.RPCError
		switch {
		case errors.As(err, &rpcErr):
			// The node accepted the request and rejected the
			// transaction itself; this is not a delivery problem.
			result.Outcome = OutcomeFailed
			result.OnChainError = json.RawMessage(fmt.Sprintf("%q", rpcErr.Message))
		case errors.Is(err, ErrSendBudgetExhausted):
			result.Outcome = OutcomeFailed
			result.OnChainError = json.RawMessage(fmt.Sprintf("%q", err.Error()))
		default:
			return nil, err
		}
		p.finish(result)
		return result, nil
	}
	result.Signature = signature
	result.Endpoint = endpoint

	// POLLING: bounded confirmation wait.
	p.poll(ctx, signature, endpoint, result)
	p.finish(result)
	return result, nil
}

// send submits the transaction, asking the registry for the next healthy
// endpoint after every network-level failure, up to the retry budget.
func (p *Pipeline) send(ctx context.Context, txBase64 string, result *Result) (string, string, error) {
	endpoint, err := p.selector.SelectBest()
	if err != nil {
		return "", "", err
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.SendRetryBudget; attempt++ {
		result.SendAttempts++

		callCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
		signature, err := p.client.SendTransaction(callCtx, endpoint, txBase64)
		cancel()
		if err == nil {
			return signature, endpoint, nil
		}
		lastErr = err

		if !rpcclient.IsTransient(err) {
			return "", "", err
		}

		p.logger.Warn("send failed, failing over",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		next, selErr := p.selector.SelectNext(endpoint)
		if selErr != nil {
			return "", "", selErr
		}
		endpoint = next

		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
	}
	return "", "", fmt.Errorf("%w: %v", ErrSendBudgetExhausted, lastErr)
}

// poll drives the POLLING state: fixed delays, hard attempt bound, and
// an optional stream fast path. It always terminates the result in one
// of the three named outcomes.
func (p *Pipeline) poll(ctx context.Context, signature, endpoint string, result *Result) {
	// A nil updates channel blocks forever in select, so pure polling
	// falls out naturally when no stream is attached.
	var updates <-chan SignatureUpdate
	if p.stream != nil {
		ch, cancel := p.stream.Subscribe(signature)
		defer cancel()
		updates = ch
	}

	for _, delay := range p.cfg.PollSchedule {
		timer := time.NewTimer(delay)
	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				result.Outcome = OutcomeTimedOut
				return
			case update, ok := <-updates:
				if !ok {
					// Stream shut down mid-poll. Degrade to pure
					// polling; a closed channel carries no status.
					updates = nil
					continue
				}
				timer.Stop()
				p.resolve(result, update.Slot, update.Err)
				return
			case <-timer.C:
				break wait
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
		status, err := p.client.GetSignatureStatus(callCtx, endpoint, signature)
		cancel()
		if err != nil {
			if rpcclient.IsTransient(err) {
				if next, selErr := p.selector.SelectNext(endpoint); selErr == nil {
					endpoint = next
					result.Endpoint = next
				}
			}
			continue
		}
		if status == nil || !status.Confirmed() {
			continue
		}
		p.resolve(result, status.Slot, status.Err)
		return
	}

	result.Outcome = OutcomeTimedOut
}

// resolve classifies a confirmed status: an on-chain error payload means
// the transaction landed but reverted, which is FAILED, never CONFIRMED.
func (p *Pipeline) resolve(result *Result, slot uint64, onChainErr json.RawMessage) {
	result.Slot = slot
	if len(onChainErr) > 0 && string(onChainErr) != "null" {
		result.Outcome = OutcomeFailed
		result.OnChainError = onChainErr
		return
	}
	result.Outcome = OutcomeConfirmed
}

func (p *Pipeline) finish(result *Result) {
	switch result.Outcome {
	case OutcomeConfirmed:
		p.logger.Info("transaction confirmed",
			zap.String("signature", result.Signature),
			zap.Uint64("slot", result.Slot),
			zap.Uint64("fee", result.FeeUsed))
	case OutcomeFailed:
		p.logger.Warn("transaction failed",
			zap.String("signature", result.Signature),
			zap.ByteString("on_chain_error", result.OnChainError))
	case OutcomeTimedOut:
		p.logger.Warn("transaction confirmation timed out",
			zap.String("signature", result.Signature),
			zap.Int("polls", len(p.cfg.PollSchedule)))
	}
	if p.onOutcome != nil {
		p.onOutcome(*result)
	}
}
