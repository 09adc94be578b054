// Package core assembles the endpoint registry, fee estimator, and
// submission pipeline into one engine with a single lifecycle. It is the
// surface the rest of the bot programs against: trading strategies ask it
// for endpoints, fees, and transaction submission, and never touch the
// component packages directly.
//
// The engine also owns the cross-cutting wiring: health transitions and
// fee recomputations are appended to the durable journal, and the fee
// estimate is refreshed on a fixed schedule so PriorityFee stays a pure
// cache read on the trading path.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Leeyle/meteora2-sub004/internal/types"
	"github.com/Leeyle/meteora2-sub004/pkg/feeoracle"
	"github.com/Leeyle/meteora2-sub004/pkg/journal"
	"github.com/Leeyle/meteora2-sub004/pkg/rpcpool"
	"github.com/Leeyle/meteora2-sub004/pkg/txpipeline"
)

// Engine errors.
var (
	ErrEngineClosed = errors.New("engine closed")
)

// DefaultFeeRefreshInterval is how often the fee estimate is recomputed.
// It sits under the estimate TTL so the cache never goes stale between
// refreshes during normal operation.
const DefaultFeeRefreshInterval = 4 * time.Minute

// Config holds engine-level configuration.
type Config struct {
	// FeeRefreshInterval is the period of the background fee refresh.
	FeeRefreshInterval time.Duration

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		FeeRefreshInterval: DefaultFeeRefreshInterval,
	}
}

// Engine is the assembled RPC and transaction core.
type Engine struct {
	cfg      Config
	pool     *rpcpool.Pool
	oracle   *feeoracle.Oracle
	pipeline *txpipeline.Pipeline
	journal  *journal.Journal
	logger   *zap.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// New assembles an engine from its components. The journal may be nil
// when durable event logging is not configured.
func New(cfg Config, pool *rpcpool.Pool, oracle *feeoracle.Oracle, pipeline *txpipeline.Pipeline, jrnl *journal.Journal) *Engine {
	if cfg.FeeRefreshInterval <= 0 {
		cfg.FeeRefreshInterval = DefaultFeeRefreshInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	e := &Engine{
		cfg:      cfg,
		pool:     pool,
		oracle:   oracle,
		pipeline: pipeline,
		journal:  jrnl,
		logger:   cfg.Logger,
	}

	if jrnl != nil {
		pool.SetOnHealthChange(func(url string, healthy bool, reason string) {
			e.record(journal.KindEndpointHealth, map[string]any{
				"url":     url,
				"healthy": healthy,
				"reason":  reason,
			})
		})
		oracle.SetOnRefresh(func(est feeoracle.Estimate) {
			e.record(journal.KindFeeEstimate, map[string]any{
				"priorityFee":     est.PriorityFee,
				"congestionLevel": est.CongestionLevel,
				"sampleSize":      est.SampleSize,
				"median":          est.Median,
			})
		})
		pipeline.SetOnOutcome(func(res txpipeline.Result) {
			e.record(journal.KindSubmission, map[string]any{
				"signature": res.Signature,
				"outcome":   res.Outcome,
				"slot":      res.Slot,
				"feeUsed":   res.FeeUsed,
				"attempts":  res.SendAttempts,
			})
		})
	}

	return e
}

// record serializes a journal detail payload; journaling failures are
// logged and never propagate to the operation that triggered them.
func (e *Engine) record(kind string, detail map[string]any) {
	data, err := json.Marshal(detail)
	if err != nil {
		return
	}
	if err := e.journal.Append(kind, string(data)); err != nil {
		e.logger.Warn("journal append failed", zap.String("kind", kind), zap.Error(err))
	}
}

// Start launches the registry probe loop and the fee refresh loop. The
// first fee refresh runs immediately so the estimate is available before
// the first submission.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.pool.Start(ctx)

	if _, err := e.oracle.Refresh(ctx); err != nil {
		// Not fatal: the oracle falls back to its default or restored
		// estimate until an endpoint becomes reachable.
		e.logger.Warn("initial fee refresh failed", zap.Error(err))
	}

	e.wg.Add(1)
	go e.refreshLoop(ctx)

	e.logger.Info("engine started",
		zap.Int("endpoints", e.pool.TotalCount()),
		zap.Duration("fee_refresh_interval", e.cfg.FeeRefreshInterval))
	return nil
}

func (e *Engine) refreshLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.FeeRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.oracle.Refresh(ctx); err != nil {
				e.logger.Warn("fee refresh failed", zap.Error(err))
			}
		}
	}
}

// Stop shuts the engine down, persisting registry and estimator state.
func (e *Engine) Stop() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.pool.Stop()
	e.logger.Info("engine stopped")
}

// GetHealthyEndpoint returns a healthy RPC endpoint, forcing a probe
// round if none is currently marked healthy.
func (e *Engine) GetHealthyEndpoint(ctx context.Context) (string, error) {
	return e.pool.GetHealthyEndpoint(ctx)
}

// RecordEndpointResult feeds the outcome of an external RPC call into
// the health registry.
func (e *Engine) RecordEndpointResult(url string, success bool, latency time.Duration) {
	e.pool.RecordResult(url, success, latency)
}

// PriorityFee returns the current priority fee recommendation.
func (e *Engine) PriorityFee() uint64 {
	return e.oracle.PriorityFee()
}

// EmergencyPriorityFee returns the escalated fee for urgent exits.
func (e *Engine) EmergencyPriorityFee() uint64 {
	return e.oracle.EmergencyPriorityFee()
}

// CongestionLevel returns the current congestion classification.
func (e *Engine) CongestionLevel() feeoracle.Level {
	return e.oracle.CongestionLevel()
}

// ActivateStopLoss arms stop-loss fee mode for the given duration; zero
// uses the estimator default.
func (e *Engine) ActivateStopLoss(d time.Duration) {
	e.oracle.ActivateStopLoss(d)
}

// DeactivateStopLoss disarms stop-loss fee mode.
func (e *Engine) DeactivateStopLoss() {
	e.oracle.DeactivateStopLoss()
}

// SubmitTransaction sends a transaction at the current recommended fee
// and waits for a terminal outcome.
func (e *Engine) SubmitTransaction(ctx context.Context, tx *types.Transaction, signer txpipeline.Signer) (*txpipeline.Result, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.pipeline.Submit(ctx, tx, signer)
}

// SubmitTransactionWithFee sends a transaction at an explicit priority
// fee, used for escalated resubmission after a timeout.
func (e *Engine) SubmitTransactionWithFee(ctx context.Context, tx *types.Transaction, signer txpipeline.Signer, fee uint64) (*txpipeline.Result, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.pipeline.SubmitWithFee(ctx, tx, signer, fee)
}

// Status is a point-in-time view of engine health.
type Status struct {
	HealthyEndpoints int                      `json:"healthyEndpoints"`
	TotalEndpoints   int                      `json:"totalEndpoints"`
	Endpoints        []rpcpool.EndpointRecord `json:"endpoints"`
	CongestionLevel  feeoracle.Level          `json:"congestionLevel"`
	PriorityFee      uint64                   `json:"priorityFee"`
	StopLossActive   bool                     `json:"stopLossActive"`
}

// Snapshot returns the current engine status.
func (e *Engine) Snapshot() Status {
	return Status{
		HealthyEndpoints: e.pool.HealthyCount(),
		TotalEndpoints:   e.pool.TotalCount(),
		Endpoints:        e.pool.Snapshot(),
		CongestionLevel:  e.oracle.CongestionLevel(),
		PriorityFee:      e.oracle.PriorityFee(),
		StopLossActive:   e.oracle.StopLossActive(),
	}
}

// String implements fmt.Stringer for quick logging.
func (s Status) String() string {
	return fmt.Sprintf("endpoints %d/%d healthy, congestion %s, fee %d",
		s.HealthyEndpoints, s.TotalEndpoints, s.CongestionLevel, s.PriorityFee)
}
