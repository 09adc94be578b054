// Package feeoracle converts recent on-chain fee activity into one
// recommended priority fee, refreshed on demand and cached with a TTL.
//
// Sizing is percentile-based rather than a flat multiple of the last
// observed fee: short-lived spikes are absorbed without permanently
// over-paying, and a variance override guards against regimes where the
// median understates true cost. The active estimate is persisted so a
// restart does not have to relearn current congestion.
package feeoracle

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Leeyle/meteora2-sub004/pkg/rpcclient"
)

// Level is the coarse congestion classification.
type Level string

// Congestion levels.
const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// escalate bumps a congestion level by one step.
func escalate(l Level) Level {
	switch l {
	case LevelLow:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// Default configuration values. The tier thresholds are hand-tuned
// policy carried over from production operation, not derived constants,
// which is why they live in Config rather than as fixed numbers.
const (
	DefaultMinPriorityFee    = 1_000
	DefaultMaxPriorityFee    = 1_000_000
	DefaultPriorityFee       = 50_000
	DefaultEstimateTTL       = 5 * time.Minute
	DefaultHighFeeThreshold  = 50_000
	DefaultLowTierCeiling    = 80_000
	DefaultMediumTierCeiling = 120_000
	DefaultHighTierCeiling   = 150_000
	DefaultMediumFloor       = 50_000
	DefaultElevatedFloor     = 100_000
	DefaultHighFloor         = 200_000
	DefaultHighFeeRatioGuard = 0.15
	DefaultStopLossDuration  = 30 * time.Second
	DefaultBaseFee           = 5_000
	DefaultBaseFeeHighMult   = 2.0
	DefaultPersistKey        = "priority_fee_data"
	DefaultPersistTTL        = 10 * time.Minute
)

// ErrEmptySample is logged (not returned to callers) when the network
// yields no fee observations; the previous estimate is kept.
var ErrEmptySample = errors.New("empty congestion sample")

// EndpointSource supplies healthy endpoints and accepts traffic results.
// *rpcpool.Pool satisfies it.
type EndpointSource interface {
	GetHealthyEndpoint(ctx context.Context) (string, error)
	RecordResult(url string, success bool, latency time.Duration)
}

// SnapshotStore persists the active estimate across restarts.
type SnapshotStore interface {
	Get(key string, out interface{}) (bool, error)
	Set(key string, value interface{}, ttl time.Duration) error
}

// Config holds oracle configuration.
type Config struct {
	// MinPriorityFee and MaxPriorityFee clamp every recommendation.
	MinPriorityFee uint64
	MaxPriorityFee uint64

	// DefaultFee is returned when no estimate is cached or the cache
	// has expired and the caller did not refresh.
	DefaultFee uint64

	// EstimateTTL is how long a computed estimate stays valid.
	EstimateTTL time.Duration

	// HighFeeThreshold is the per-sample value above which an
	// observation counts toward the high-fee ratio.
	HighFeeThreshold uint64

	// LowTierCeiling, MediumTierCeiling and HighTierCeiling are the
	// median cutoffs of the tier decision table.
	LowTierCeiling    uint64
	MediumTierCeiling uint64
	HighTierCeiling   uint64

	// MediumFloor, ElevatedFloor and HighFloor are the per-tier fee
	// floors.
	MediumFloor   uint64
	ElevatedFloor uint64
	HighFloor     uint64

	// HighFeeRatioGuard rejects the low tier when too many samples are
	// expensive even though the median looks calm.
	HighFeeRatioGuard float64

	// StopLossFee is the fixed maximum-urgency fee returned while
	// stop-loss mode is armed. Zero means MaxPriorityFee.
	StopLossFee uint64

	// StopLossDuration is how long stop-loss mode stays armed unless
	// re-armed.
	StopLossDuration time.Duration

	// BaseFee is the network flat fee; BaseFeeHighMultiplier scales it
	// under high congestion.
	BaseFee               uint64
	BaseFeeHighMultiplier float64

	// PersistKey and PersistTTL control the durable snapshot.
	PersistKey string
	PersistTTL time.Duration

	// RequestTimeout bounds the fee-sampling RPC call.
	RequestTimeout time.Duration

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultConfig returns the default oracle configuration.
func DefaultConfig() Config {
	return Config{
		MinPriorityFee:        DefaultMinPriorityFee,
		MaxPriorityFee:        DefaultMaxPriorityFee,
		DefaultFee:            DefaultPriorityFee,
		EstimateTTL:           DefaultEstimateTTL,
		HighFeeThreshold:      DefaultHighFeeThreshold,
		LowTierCeiling:        DefaultLowTierCeiling,
		MediumTierCeiling:     DefaultMediumTierCeiling,
		HighTierCeiling:       DefaultHighTierCeiling,
		MediumFloor:           DefaultMediumFloor,
		ElevatedFloor:         DefaultElevatedFloor,
		HighFloor:             DefaultHighFloor,
		HighFeeRatioGuard:     DefaultHighFeeRatioGuard,
		StopLossDuration:      DefaultStopLossDuration,
		BaseFee:               DefaultBaseFee,
		BaseFeeHighMultiplier: DefaultBaseFeeHighMult,
		PersistKey:            DefaultPersistKey,
		PersistTTL:            DefaultPersistTTL,
		RequestTimeout:        10 * time.Second,
	}
}

// Validate rejects configurations the oracle cannot operate with.
func (c Config) Validate() error {
	if c.MinPriorityFee > c.MaxPriorityFee {
		return errors.New("minPriorityFee exceeds maxPriorityFee")
	}
	if c.DefaultFee < c.MinPriorityFee || c.DefaultFee > c.MaxPriorityFee {
		return errors.New("defaultFee outside fee bounds")
	}
	return nil
}

// Estimate is the cached fee recommendation.
type Estimate struct {
	PriorityFee     uint64    `json:"priorityFee"`
	CongestionLevel Level     `json:"congestionLevel"`
	ComputedAt      time.Time `json:"computedAt"`
	SampleSize      int       `json:"sampleSize"`
	Median          uint64    `json:"median"`
	P75             uint64    `json:"p75"`
	P90             uint64    `json:"p90"`
	Average         uint64    `json:"average"`
	HighFeeRatio    float64   `json:"highFeeRatio"`
}

// Fresh reports whether the estimate is still within its TTL.
func (e *Estimate) Fresh(ttl time.Duration) bool {
	return time.Since(e.ComputedAt) < ttl
}

// Oracle computes and caches priority fee estimates.
type Oracle struct {
	cfg    Config
	source EndpointSource
	client *rpcclient.Client
	store  SnapshotStore
	logger *zap.Logger

	mu  sync.RWMutex
	est *Estimate

	stopLossMu    sync.Mutex
	stopLossUntil time.Time
	stopLossTimer *time.Timer

	// onRefresh is invoked after every successful recomputation.
	onRefresh func(Estimate)
}

// New creates an oracle. The store may be nil to disable persistence; a
// persisted estimate still within its snapshot TTL is restored.
func New(cfg Config, source EndpointSource, store SnapshotStore) (*Oracle, error) {
	def := DefaultConfig()
	if cfg.MaxPriorityFee == 0 {
		cfg.MaxPriorityFee = def.MaxPriorityFee
	}
	if cfg.MinPriorityFee == 0 {
		cfg.MinPriorityFee = def.MinPriorityFee
	}
	if cfg.DefaultFee == 0 {
		cfg.DefaultFee = def.DefaultFee
	}
	if cfg.EstimateTTL <= 0 {
		cfg.EstimateTTL = def.EstimateTTL
	}
	if cfg.HighFeeThreshold == 0 {
		cfg.HighFeeThreshold = def.HighFeeThreshold
	}
	if cfg.LowTierCeiling == 0 {
		cfg.LowTierCeiling = def.LowTierCeiling
	}
	if cfg.MediumTierCeiling == 0 {
		cfg.MediumTierCeiling = def.MediumTierCeiling
	}
	if cfg.HighTierCeiling == 0 {
		cfg.HighTierCeiling = def.HighTierCeiling
	}
	if cfg.MediumFloor == 0 {
		cfg.MediumFloor = def.MediumFloor
	}
	if cfg.ElevatedFloor == 0 {
		cfg.ElevatedFloor = def.ElevatedFloor
	}
	if cfg.HighFloor == 0 {
		cfg.HighFloor = def.HighFloor
	}
	if cfg.HighFeeRatioGuard == 0 {
		cfg.HighFeeRatioGuard = def.HighFeeRatioGuard
	}
	if cfg.StopLossFee == 0 {
		cfg.StopLossFee = cfg.MaxPriorityFee
	}
	if cfg.StopLossDuration <= 0 {
		cfg.StopLossDuration = def.StopLossDuration
	}
	if cfg.BaseFee == 0 {
		cfg.BaseFee = def.BaseFee
	}
	if cfg.BaseFeeHighMultiplier == 0 {
		cfg.BaseFeeHighMultiplier = def.BaseFeeHighMultiplier
	}
	if cfg.PersistKey == "" {
		cfg.PersistKey = def.PersistKey
	}
	if cfg.PersistTTL <= 0 {
		cfg.PersistTTL = def.PersistTTL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Oracle{
		cfg:    cfg,
		source: source,
		client: rpcclient.New(cfg.RequestTimeout, recorderFor(source)),
		store:  store,
		logger: cfg.Logger,
	}
	o.restore()
	return o, nil
}

// recorderFor adapts an EndpointSource to the client's Recorder.
func recorderFor(source EndpointSource) rpcclient.Recorder {
	if source == nil {
		return nil
	}
	return recorderFunc{source}
}

type recorderFunc struct{ source EndpointSource }

func (r recorderFunc) RecordResult(url string, success bool, latency time.Duration) {
	r.source.RecordResult(url, success, latency)
}

// SetOnRefresh sets a callback invoked after every successful refresh.
// Must be set before concurrent use.
func (o *Oracle) SetOnRefresh(fn func(Estimate)) {
	o.onRefresh = fn
}

func (o *Oracle) restore() {
	if o.store == nil {
		return
	}
	var est Estimate
	ok, err := o.store.Get(o.cfg.PersistKey, &est)
	if err != nil {
		o.logger.Warn("restore fee estimate failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	o.mu.Lock()
	o.est = &est
	o.mu.Unlock()
	o.logger.Info("restored fee estimate",
		zap.Uint64("priority_fee", est.PriorityFee),
		zap.String("congestion", string(est.CongestionLevel)),
		zap.Time("computed_at", est.ComputedAt))
}

func (o *Oracle) persist(est Estimate) {
	if o.store == nil {
		return
	}
	if err := o.store.Set(o.cfg.PersistKey, est, o.cfg.PersistTTL); err != nil {
		o.logger.Warn("persist fee estimate failed", zap.Error(err))
	}
}

// Refresh pulls a fresh congestion sample through a healthy endpoint and
// recomputes the estimate. An empty sample keeps the previous estimate.
func (o *Oracle) Refresh(ctx context.Context) (Estimate, error) {
	endpoint, err := o.source.GetHealthyEndpoint(ctx)
	if err != nil {
		return Estimate{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	fees, err := o.client.GetRecentPrioritizationFees(callCtx, endpoint)
	if err != nil {
		return Estimate{}, err
	}

	sample := make([]uint64, 0, len(fees))
	for _, f := range fees {
		sample = append(sample, f.PrioritizationFee)
	}

	if len(sample) == 0 {
		o.logger.Warn("congestion sample empty, keeping previous estimate")
		o.mu.RLock()
		prev := o.est
		o.mu.RUnlock()
		if prev != nil {
			return *prev, nil
		}
		// No previous estimate either: a zero-sample estimate falls back
		// to the default fee.
		est := Estimate{
			PriorityFee:     o.clamp(o.cfg.DefaultFee),
			CongestionLevel: LevelLow,
			ComputedAt:      time.Now(),
		}
		o.install(est)
		return est, nil
	}

	est := o.compute(sample)
	o.install(est)
	return est, nil
}

// install caches, persists, logs and reports a new estimate.
func (o *Oracle) install(est Estimate) {
	o.mu.Lock()
	o.est = &est
	o.mu.Unlock()

	o.persist(est)
	o.logger.Info("fee estimate recomputed",
		zap.Uint64("priority_fee", est.PriorityFee),
		zap.String("congestion", string(est.CongestionLevel)),
		zap.Int("sample_size", est.SampleSize),
		zap.Uint64("median", est.Median),
		zap.Float64("high_fee_ratio", est.HighFeeRatio))
	if o.onRefresh != nil {
		o.onRefresh(est)
	}
}

// compute applies the tiered decision table to a non-empty sample.
func (o *Oracle) compute(sample []uint64) Estimate {
	sorted := make([]uint64, len(sample))
	copy(sorted, sample)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	median := percentile(sorted, 0.50)
	p75 := percentile(sorted, 0.75)
	p90 := percentile(sorted, 0.90)

	var sum, high uint64
	for _, v := range sorted {
		sum += v
		if v > o.cfg.HighFeeThreshold {
			high++
		}
	}
	average := sum / uint64(len(sorted))
	highFeeRatio := float64(high) / float64(len(sorted))

	var fee float64
	var level Level
	switch {
	case median < o.cfg.LowTierCeiling && highFeeRatio < o.cfg.HighFeeRatioGuard:
		fee = math.Max(float64(median)*2.0, float64(o.cfg.MinPriorityFee))
		level = LevelLow
	case median < o.cfg.MediumTierCeiling:
		fee = math.Max(float64(p75)*1.2, float64(o.cfg.MediumFloor))
		level = LevelMedium
	case median < o.cfg.HighTierCeiling:
		fee = math.Max(float64(p90)*1.1, float64(o.cfg.ElevatedFloor))
		level = LevelMedium
	default:
		fee = math.Max(float64(p90)*1.2, float64(o.cfg.HighFloor))
		level = LevelHigh
	}

	// High variance signals spikes the median misses: pay at least
	// average×1.1 and treat congestion one tier worse.
	if average > 2*median {
		fee = math.Max(fee, float64(average)*1.1)
		level = escalate(level)
	}

	return Estimate{
		PriorityFee:     o.clamp(uint64(math.Round(fee))),
		CongestionLevel: level,
		ComputedAt:      time.Now(),
		SampleSize:      len(sample),
		Median:          median,
		P75:             p75,
		P90:             p90,
		Average:         average,
		HighFeeRatio:    highFeeRatio,
	}
}

// percentile returns the nearest-rank percentile of a sorted sample.
func percentile(sorted []uint64, q float64) uint64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (o *Oracle) clamp(fee uint64) uint64 {
	if fee < o.cfg.MinPriorityFee {
		return o.cfg.MinPriorityFee
	}
	if fee > o.cfg.MaxPriorityFee {
		return o.cfg.MaxPriorityFee
	}
	return fee
}

// PriorityFee returns the fee to attach right now. Stop-loss mode wins
// over everything; otherwise a fresh cached estimate is served; otherwise
// the configured default. No refresh is scheduled here: callers needing a
// current value call Refresh first, which keeps an idle bot off the RPC.
func (o *Oracle) PriorityFee() uint64 {
	if o.StopLossActive() {
		return o.clamp(o.cfg.StopLossFee)
	}

	o.mu.RLock()
	est := o.est
	o.mu.RUnlock()

	if est != nil && est.Fresh(o.cfg.EstimateTTL) {
		return o.clamp(est.PriorityFee)
	}
	return o.clamp(o.cfg.DefaultFee)
}

// EmergencyPriorityFee returns an escalated fee for resubmission after a
// timeout: 2.5–3× the current fee depending on congestion tier, still
// clamped to the configured maximum.
func (o *Oracle) EmergencyPriorityFee() uint64 {
	mult := 2.5
	switch o.CongestionLevel() {
	case LevelMedium:
		mult = 2.75
	case LevelHigh:
		mult = 3.0
	}
	return o.clamp(uint64(math.Round(float64(o.PriorityFee()) * mult)))
}

// BaseFee returns the network flat fee, scaled up under high congestion.
func (o *Oracle) BaseFee() uint64 {
	if o.CongestionLevel() == LevelHigh {
		return uint64(math.Round(float64(o.cfg.BaseFee) * o.cfg.BaseFeeHighMultiplier))
	}
	return o.cfg.BaseFee
}

// CongestionLevel returns the cached congestion level, defaulting to low
// when nothing has been computed yet.
func (o *Oracle) CongestionLevel() Level {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.est == nil {
		return LevelLow
	}
	return o.est.CongestionLevel
}

// Current returns a copy of the cached estimate, if any.
func (o *Oracle) Current() (Estimate, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.est == nil {
		return Estimate{}, false
	}
	return *o.est, true
}

// ActivateStopLoss arms stop-loss mode for the given duration (the
// configured default when zero). Re-arming resets the expiry timer.
func (o *Oracle) ActivateStopLoss(d time.Duration) {
	if d <= 0 {
		d = o.cfg.StopLossDuration
	}

	o.stopLossMu.Lock()
	defer o.stopLossMu.Unlock()

	o.stopLossUntil = time.Now().Add(d)
	if o.stopLossTimer != nil {
		o.stopLossTimer.Stop()
	}
	o.stopLossTimer = time.AfterFunc(d, o.expireStopLoss)
	o.logger.Warn("stop-loss mode armed", zap.Duration("duration", d))
}

// DeactivateStopLoss disarms stop-loss mode immediately.
func (o *Oracle) DeactivateStopLoss() {
	o.stopLossMu.Lock()
	defer o.stopLossMu.Unlock()
	if o.stopLossTimer != nil {
		o.stopLossTimer.Stop()
		o.stopLossTimer = nil
	}
	if !o.stopLossUntil.IsZero() {
		o.stopLossUntil = time.Time{}
		o.logger.Info("stop-loss mode disarmed")
	}
}

func (o *Oracle) expireStopLoss() {
	o.stopLossMu.Lock()
	defer o.stopLossMu.Unlock()
	if !o.stopLossUntil.IsZero() && !time.Now().Before(o.stopLossUntil) {
		o.stopLossUntil = time.Time{}
		o.stopLossTimer = nil
		o.logger.Info("stop-loss mode expired")
	}
}

// StopLossActive reports whether stop-loss mode is currently armed.
func (o *Oracle) StopLossActive() bool {
	o.stopLossMu.Lock()
	defer o.stopLossMu.Unlock()
	return !o.stopLossUntil.IsZero() && time.Now().Before(o.stopLossUntil)
}
