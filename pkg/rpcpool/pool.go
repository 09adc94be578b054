// Package rpcpool maintains the authoritative health view of every
// configured RPC endpoint and picks the best one for each new operation.
//
// Each endpoint is probed periodically with a lightweight getVersion call
// and additionally refined by live-traffic results reported through
// RecordResult. An endpoint is marked unhealthy after a configurable
// number of consecutive failures and recovers immediately on the next
// success. Selection combines latency and success rate so a fast but
// flaky endpoint does not win over a slightly slower reliable one.
//
// Health records survive restarts: the pool snapshots them to a durable
// key-value store after every probe round and restores them on startup
// for endpoints still present in the configuration.
package rpcpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Leeyle/meteora2-sub004/pkg/rpcclient"
)

// Pool errors.
var (
	// ErrNoEndpoints is returned when the pool is created with an empty
	// endpoint list. This is a fatal configuration error.
	ErrNoEndpoints = errors.New("endpoint list cannot be empty")

	// ErrNoHealthyEndpoints is the distinct "no endpoint available"
	// condition. Callers should treat it as retry-later, not fatal.
	ErrNoHealthyEndpoints = errors.New("no healthy endpoints available")

	// ErrPoolClosed is returned when operating on a stopped pool.
	ErrPoolClosed = errors.New("pool is closed")
)

// Default configuration values.
const (
	DefaultProbeInterval    = 45 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultFailureThreshold = 3
	DefaultPersistKey       = "rpc_endpoint_status"
	DefaultPersistTTL       = time.Hour
)

// SnapshotStore persists endpoint records across restarts.
type SnapshotStore interface {
	Get(key string, out interface{}) (bool, error)
	Set(key string, value interface{}, ttl time.Duration) error
}

// Config holds pool configuration.
type Config struct {
	// ProbeInterval is the period between scheduled probe rounds.
	ProbeInterval time.Duration

	// ProbeTimeout bounds each individual probe call.
	ProbeTimeout time.Duration

	// FailureThreshold is the number of consecutive failures after which
	// an endpoint is marked unhealthy.
	FailureThreshold int

	// PersistKey and PersistTTL control the durable snapshot.
	PersistKey string
	PersistTTL time.Duration

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:    DefaultProbeInterval,
		ProbeTimeout:     DefaultProbeTimeout,
		FailureThreshold: DefaultFailureThreshold,
		PersistKey:       DefaultPersistKey,
		PersistTTL:       DefaultPersistTTL,
	}
}

// EndpointRecord is the health record of one configured endpoint.
// It is the JSON form persisted to the snapshot store.
type EndpointRecord struct {
	URL                 string    `json:"url"`
	Healthy             bool      `json:"healthy"`
	LatencyMs           int64     `json:"latencyMs"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	TotalRequests       uint64    `json:"totalRequests"`
	SuccessfulRequests  uint64    `json:"successfulRequests"`
	LastCheckedAt       time.Time `json:"lastCheckedAt"`
	LastError           string    `json:"lastError,omitempty"`
}

// SuccessRatePct returns the success rate as a percentage. An endpoint
// with no recorded traffic counts as fully reliable, preserving the
// optimistic seeding of new endpoints.
func (r *EndpointRecord) SuccessRatePct() float64 {
	if r.TotalRequests == 0 {
		return 100
	}
	return float64(r.SuccessfulRequests) / float64(r.TotalRequests) * 100
}

// penalty is the selection score: lower is better. The reliability term
// bottoms out at 1 for a perfect success rate so latency always
// contributes: a fully reliable endpoint still ranks by latency instead
// of scoring zero regardless of how slow it is.
func (r *EndpointRecord) penalty() float64 {
	return float64(r.LatencyMs) * (1 + 100 - r.SuccessRatePct())
}

// endpointState pairs a record with its mutex. A scheduled probe and a
// live-traffic result can race for the same endpoint; the per-record
// mutex keeps the counters consistent without cross-endpoint locking.
type endpointState struct {
	mu  sync.Mutex
	rec EndpointRecord
}

func (e *endpointState) snapshot() EndpointRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec
}

func (e *endpointState) isHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Healthy
}

// Pool manages the configured endpoints and their health records.
type Pool struct {
	cfg    Config
	client *rpcclient.Client
	store  SnapshotStore
	logger *zap.Logger

	// mu guards the endpoint list and the current selection.
	mu        sync.RWMutex
	endpoints []*endpointState
	current   string

	// Lifecycle management.
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	// onHealthChange is invoked outside the record lock whenever an
	// endpoint transitions between healthy and unhealthy.
	onHealthChange func(url string, healthy bool, reason string)
}

// New creates a pool seeded with the given endpoints. Every endpoint
// starts healthy with zero counters; records persisted by a previous run
// override the optimistic defaults for URLs still configured. The store
// may be nil to disable persistence.
func New(urls []string, cfg Config, store SnapshotStore) (*Pool, error) {
	if len(urls) == 0 {
		return nil, ErrNoEndpoints
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.PersistKey == "" {
		cfg.PersistKey = DefaultPersistKey
	}
	if cfg.PersistTTL <= 0 {
		cfg.PersistTTL = DefaultPersistTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		cfg:    cfg,
		client: rpcclient.New(cfg.ProbeTimeout, nil),
		store:  store,
		logger: logger,
	}

	seen := make(map[string]bool, len(urls))
	for _, url := range urls {
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		p.endpoints = append(p.endpoints, &endpointState{
			rec: EndpointRecord{URL: url, Healthy: true},
		})
	}
	if len(p.endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	p.restore()
	return p, nil
}

// SetOnHealthChange sets a callback invoked on every health transition.
// Must be called before Start.
func (p *Pool) SetOnHealthChange(fn func(url string, healthy bool, reason string)) {
	p.onHealthChange = fn
}

// restore loads persisted records for still-configured endpoints.
func (p *Pool) restore() {
	if p.store == nil {
		return
	}
	var records map[string]EndpointRecord
	ok, err := p.store.Get(p.cfg.PersistKey, &records)
	if err != nil {
		p.logger.Warn("restore endpoint records failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	restored := 0
	for _, ep := range p.endpoints {
		if rec, ok := records[ep.rec.URL]; ok && rec.URL == ep.rec.URL {
			ep.rec = rec
			restored++
		}
	}
	p.logger.Info("restored endpoint health records", zap.Int("restored", restored))
}

// persist snapshots all records to the durable store.
func (p *Pool) persist() {
	if p.store == nil {
		return
	}
	records := make(map[string]EndpointRecord)
	p.mu.RLock()
	for _, ep := range p.endpoints {
		rec := ep.snapshot()
		records[rec.URL] = rec
	}
	p.mu.RUnlock()
	if err := p.store.Set(p.cfg.PersistKey, records, p.cfg.PersistTTL); err != nil {
		p.logger.Warn("persist endpoint records failed", zap.Error(err))
	}
}

// Start performs one immediate probe round and begins the periodic probe
// loop.
func (p *Pool) Start(ctx context.Context) {
	if p.started.Swap(true) {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.ProbeAll(p.ctx)

	p.wg.Add(1)
	go p.probeLoop()
}

// Stop halts the probe loop and persists a final snapshot.
func (p *Pool) Stop() {
	if p.closed.Swap(true) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.persist()
}

func (p *Pool) probeLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(p.ctx)
		}
	}
}

// ProbeAll concurrently probes every endpoint once, waits for all probes
// to finish, and snapshots the resulting records. Individual probe
// failures only affect their own endpoint.
func (p *Pool) ProbeAll(ctx context.Context) {
	p.mu.RLock()
	endpoints := make([]*endpointState, len(p.endpoints))
	copy(endpoints, p.endpoints)
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep *endpointState) {
			defer wg.Done()
			p.probe(ctx, ep)
		}(ep)
	}
	wg.Wait()

	p.persist()
}

// probe issues one liveness call against the endpoint and folds the
// result into its health record.
func (p *Pool) probe(ctx context.Context, ep *endpointState) {
	url := ep.snapshot().URL

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	_, latency, err := p.client.GetVersion(probeCtx, url)
	p.apply(ep, err == nil, latency, err)
}

// RecordResult folds a live-traffic outcome into an endpoint's record,
// letting real requests refine health between scheduled probes.
func (p *Pool) RecordResult(url string, success bool, latency time.Duration) {
	ep := p.find(url)
	if ep == nil {
		return
	}
	p.apply(ep, success, latency, nil)
}

// apply updates one record under its lock and fires the health-change
// callback outside it.
func (p *Pool) apply(ep *endpointState, success bool, latency time.Duration, cause error) {
	var transitioned, nowHealthy bool
	var reason string

	ep.mu.Lock()
	rec := &ep.rec
	rec.TotalRequests++
	rec.LastCheckedAt = time.Now()
	if success {
		rec.SuccessfulRequests++
		rec.ConsecutiveFailures = 0
		rec.LatencyMs = latency.Milliseconds()
		rec.LastError = ""
		if !rec.Healthy {
			rec.Healthy = true
			transitioned, nowHealthy = true, true
		}
	} else {
		rec.ConsecutiveFailures++
		if cause != nil {
			rec.LastError = cause.Error()
		}
		reason = rec.LastError
		if rec.Healthy && rec.ConsecutiveFailures >= p.cfg.FailureThreshold {
			rec.Healthy = false
			transitioned = true
		}
	}
	url := rec.URL
	failures := rec.ConsecutiveFailures
	ep.mu.Unlock()

	if !transitioned {
		return
	}
	if nowHealthy {
		p.logger.Info("endpoint recovered", zap.String("url", url))
	} else {
		p.logger.Warn("endpoint marked unhealthy",
			zap.String("url", url),
			zap.Int("consecutive_failures", failures),
			zap.String("last_error", reason))
	}
	if p.onHealthChange != nil {
		p.onHealthChange(url, nowHealthy, reason)
	}
}

func (p *Pool) find(url string) *endpointState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ep := range p.endpoints {
		if ep.snapshot().URL == url {
			return ep
		}
	}
	return nil
}

// SelectBest returns the healthy endpoint minimizing
// latencyMs × (100 − successRatePct) and remembers it as the current
// selection.
func (p *Pool) SelectBest() (string, error) {
	if p.closed.Load() {
		return "", ErrPoolClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var best string
	bestPenalty := -1.0
	for _, ep := range p.endpoints {
		rec := ep.snapshot()
		if !rec.Healthy {
			continue
		}
		pen := rec.penalty()
		if bestPenalty < 0 || pen < bestPenalty {
			best, bestPenalty = rec.URL, pen
		}
	}
	if best == "" {
		return "", ErrNoHealthyEndpoints
	}
	p.current = best
	return best, nil
}

// SelectNext returns the next healthy endpoint after current in
// round-robin order, for failover without re-ranking. When current is
// unknown the first healthy endpoint wins.
func (p *Pool) SelectNext(current string) (string, error) {
	if p.closed.Load() {
		return "", ErrPoolClosed
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.endpoints)
	start := 0
	for i, ep := range p.endpoints {
		if ep.snapshot().URL == current {
			start = i + 1
			break
		}
	}
	for i := 0; i < n; i++ {
		ep := p.endpoints[(start+i)%n]
		rec := ep.snapshot()
		if rec.Healthy && rec.URL != current {
			return rec.URL, nil
		}
	}
	return "", ErrNoHealthyEndpoints
}

// GetHealthyEndpoint returns the best healthy endpoint. If none is
// healthy it forces one immediate probe round and retries selection once
// before giving up with ErrNoHealthyEndpoints.
func (p *Pool) GetHealthyEndpoint(ctx context.Context) (string, error) {
	url, err := p.SelectBest()
	if err == nil {
		return url, nil
	}
	if !errors.Is(err, ErrNoHealthyEndpoints) {
		return "", err
	}

	p.logger.Warn("no healthy endpoints, forcing immediate probe round")
	p.ProbeAll(ctx)
	return p.SelectBest()
}

// AddEndpoint adds a new endpoint, optimistically seeded healthy so it
// is usable before its first probe. Duplicates are ignored.
func (p *Pool) AddEndpoint(url string) {
	if url == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.snapshot().URL == url {
			return
		}
	}
	p.endpoints = append(p.endpoints, &endpointState{
		rec: EndpointRecord{URL: url, Healthy: true},
	})
	p.logger.Info("endpoint added", zap.String("url", url))
}

// RemoveEndpoint removes an endpoint from the configured set. Removing
// the last remaining endpoint is a no-op: the pool cannot function with
// zero endpoints. Removing the current selection re-runs SelectBest.
func (p *Pool) RemoveEndpoint(url string) {
	p.mu.Lock()
	if len(p.endpoints) == 1 {
		p.mu.Unlock()
		p.logger.Warn("refusing to remove the last endpoint", zap.String("url", url))
		return
	}
	removed := false
	wasCurrent := false
	for i, ep := range p.endpoints {
		if ep.snapshot().URL == url {
			p.endpoints = append(p.endpoints[:i], p.endpoints[i+1:]...)
			removed = true
			wasCurrent = p.current == url
			break
		}
	}
	p.mu.Unlock()

	if !removed {
		return
	}
	p.logger.Info("endpoint removed", zap.String("url", url))
	if wasCurrent {
		if _, err := p.SelectBest(); err != nil {
			p.logger.Warn("no replacement for removed endpoint", zap.Error(err))
		}
	}
}

// Snapshot returns a copy of every endpoint record, for dashboards and
// diagnostics.
func (p *Pool) Snapshot() []EndpointRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	records := make([]EndpointRecord, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		records = append(records, ep.snapshot())
	}
	return records
}

// HealthyCount returns the number of currently healthy endpoints.
func (p *Pool) HealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	count := 0
	for _, ep := range p.endpoints {
		if ep.isHealthy() {
			count++
		}
	}
	return count
}

// TotalCount returns the number of configured endpoints.
func (p *Pool) TotalCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.endpoints)
}
