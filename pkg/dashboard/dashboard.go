// Package dashboard provides an embedded HTTP status server for
// monitoring the bot's RPC health, fee estimates, and submission
// activity.
//
// The server exposes a small JSON API:
//   - /api/status     overall health summary
//   - /api/endpoints  per-endpoint health records
//   - /api/fees       current congestion estimate
//   - /api/events     recent journal events
//   - /api/metrics    process-level runtime metrics
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/Leeyle/meteora2-sub004/pkg/feeoracle"
	"github.com/Leeyle/meteora2-sub004/pkg/journal"
	"github.com/Leeyle/meteora2-sub004/pkg/rpcpool"
)

// Config holds dashboard configuration options.
type Config struct {
	// BindAddress is the address to bind the HTTP server to.
	// Default: "127.0.0.1"
	BindAddress string

	// Port is the port to listen on.
	// Default: 8080
	Port int

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum time to wait for the next request.
	IdleTimeout time.Duration
}

// DefaultConfig returns the default dashboard configuration.
func DefaultConfig() Config {
	return Config{
		BindAddress:  "127.0.0.1",
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// PoolStats provides endpoint registry state to the dashboard.
// *rpcpool.Pool satisfies it.
type PoolStats interface {
	Snapshot() []rpcpool.EndpointRecord
	HealthyCount() int
	TotalCount() int
}

// FeeStats provides fee estimator state to the dashboard.
// *feeoracle.Oracle satisfies it.
type FeeStats interface {
	Current() (feeoracle.Estimate, bool)
	CongestionLevel() feeoracle.Level
	StopLossActive() bool
}

// EventSource provides recent journal events to the dashboard.
// *journal.Journal satisfies it.
type EventSource interface {
	Recent(limit int) ([]journal.Event, error)
}

// Dashboard is the status HTTP server.
type Dashboard struct {
	config Config
	server *http.Server
	pool   PoolStats
	fees   FeeStats
	events EventSource

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// New creates a new dashboard server. The events source may be nil when
// no journal is configured.
func New(config Config, pool PoolStats, fees FeeStats, events EventSource) *Dashboard {
	def := DefaultConfig()
	if config.BindAddress == "" {
		config.BindAddress = def.BindAddress
	}
	if config.Port == 0 {
		config.Port = def.Port
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = def.IdleTimeout
	}

	return &Dashboard{
		config: config,
		pool:   pool,
		fees:   fees,
		events: events,
	}
}

// Handler returns the HTTP handler serving the API routes.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", d.handleStatus)
	mux.HandleFunc("/api/endpoints", d.handleEndpoints)
	mux.HandleFunc("/api/fees", d.handleFees)
	mux.HandleFunc("/api/events", d.handleEvents)
	mux.HandleFunc("/api/metrics", d.handleMetrics)
	return mux
}

// Start starts the dashboard HTTP server. It blocks until the server
// stops or the context is cancelled.
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dashboard already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", d.config.BindAddress, d.config.Port)
	d.server = &http.Server{
		Addr:         addr,
		Handler:      d.Handler(),
		ReadTimeout:  d.config.ReadTimeout,
		WriteTimeout: d.config.WriteTimeout,
		IdleTimeout:  d.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		d.Stop()
	}()

	err := d.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the dashboard server.
func (d *Dashboard) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	server := d.server
	d.mu.Unlock()

	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// statusResponse is the /api/status payload.
type statusResponse struct {
	Healthy          bool      `json:"healthy"`
	HealthyEndpoints int       `json:"healthyEndpoints"`
	TotalEndpoints   int       `json:"totalEndpoints"`
	CongestionLevel  string    `json:"congestionLevel"`
	PriorityFee      uint64    `json:"priorityFee,omitempty"`
	StopLossActive   bool      `json:"stopLossActive"`
	Uptime           string    `json:"uptime"`
	StartedAt        time.Time `json:"startedAt"`
}

func (d *Dashboard) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	d.mu.RLock()
	started := d.startTime
	d.mu.RUnlock()

	resp := statusResponse{
		HealthyEndpoints: d.pool.HealthyCount(),
		TotalEndpoints:   d.pool.TotalCount(),
		CongestionLevel:  string(d.fees.CongestionLevel()),
		StopLossActive:   d.fees.StopLossActive(),
		Uptime:           time.Since(started).Round(time.Second).String(),
		StartedAt:        started,
	}
	resp.Healthy = resp.HealthyEndpoints > 0
	if est, ok := d.fees.Current(); ok {
		resp.PriorityFee = est.PriorityFee
	}

	writeJSON(w, http.StatusOK, resp)
}

func (d *Dashboard) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoints": d.pool.Snapshot(),
	})
}

func (d *Dashboard) handleFees(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	est, ok := d.fees.Current()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"available": false,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"available":      true,
		"estimate":       est,
		"stopLossActive": d.fees.StopLossActive(),
	})
}

func (d *Dashboard) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if d.events == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"events": []journal.Event{},
		})
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := d.events.Recent(limit)
	if err != nil {
		http.Error(w, "failed to read events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
	})
}

// metricsResponse is the /api/metrics payload.
type metricsResponse struct {
	Goroutines   int    `json:"goroutines"`
	HeapAllocMB  uint64 `json:"heapAllocMb"`
	HeapSysMB    uint64 `json:"heapSysMb"`
	NumGC        uint32 `json:"numGc"`
	UptimeSecond int64  `json:"uptimeSeconds"`
}

func (d *Dashboard) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	d.mu.RLock()
	started := d.startTime
	d.mu.RUnlock()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeJSON(w, http.StatusOK, metricsResponse{
		Goroutines:   runtime.NumGoroutine(),
		HeapAllocMB:  m.HeapAlloc / 1024 / 1024,
		HeapSysMB:    m.HeapSys / 1024 / 1024,
		NumGC:        m.NumGC,
		UptimeSecond: int64(time.Since(started).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
