package feeoracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// stubSource is an EndpointSource pinned to one endpoint.
type stubSource struct {
	url string
	err error

	mu      sync.Mutex
	results []bool
}

func (s *stubSource) GetHealthyEndpoint(ctx context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.url, nil
}

func (s *stubSource) RecordResult(url string, success bool, latency time.Duration) {
	s.mu.Lock()
	s.results = append(s.results, success)
	s.mu.Unlock()
}

// memStore is an in-memory SnapshotStore for tests.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Get(key string, out interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (s *memStore) Set(key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw
	return nil
}

// mockFeeServer answers getRecentPrioritizationFees with the given fees.
func mockFeeServer(fees []uint64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result := make([]map[string]uint64, len(fees))
		for i, f := range fees {
			result[i] = map[string]uint64{"slot": uint64(100 + i), "prioritizationFee": f}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
}

func mustOracle(t *testing.T, cfg Config, source EndpointSource, store SnapshotStore) *Oracle {
	t.Helper()
	o, err := New(cfg, source, store)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func repeat(v uint64, n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestNewRejectsInvalidBounds(t *testing.T) {
	_, err := New(Config{MinPriorityFee: 10, MaxPriorityFee: 5}, nil, nil)
	if err == nil {
		t.Fatal("New() accepted min > max")
	}

	_, err = New(Config{MinPriorityFee: 100, MaxPriorityFee: 1000, DefaultFee: 50}, nil, nil)
	if err == nil {
		t.Fatal("New() accepted default outside bounds")
	}
}

func TestComputeDecisionTable(t *testing.T) {
	tests := []struct {
		name      string
		sample    []uint64
		wantFee   uint64
		wantLevel Level
	}{
		{
			// Calm network: double the median.
			name:      "low tier",
			sample:    repeat(10_000, 10),
			wantFee:   20_000,
			wantLevel: LevelLow,
		},
		{
			// Median calm but 16% of samples are expensive: the ratio
			// guard rejects the low tier even though median < 80k.
			name:      "high fee ratio blocks low tier",
			sample:    append(repeat(10_000, 50), repeat(60_000, 10)...),
			wantFee:   50_000, // max(p75×1.2=12000, floor 50000)
			wantLevel: LevelMedium,
		},
		{
			// Median in the elevated band: p90×1.1 vs the 100k floor.
			name:      "elevated medium tier",
			sample:    repeat(130_000, 10),
			wantFee:   143_000,
			wantLevel: LevelMedium,
		},
		{
			// Hot network: p90×1.2 vs the 200k floor.
			name:      "high tier",
			sample:    repeat(200_000, 10),
			wantFee:   240_000,
			wantLevel: LevelHigh,
		},
		{
			// One massive outlier: median says calm, the variance
			// override pays average×1.1 and escalates a tier.
			name:      "variance override",
			sample:    append(repeat(1_000, 9), 1_000_000),
			wantFee:   110_990, // average 100900 × 1.1
			wantLevel: LevelMedium,
		},
	}

	o := mustOracle(t, Config{}, nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est := o.compute(tt.sample)
			if est.PriorityFee != tt.wantFee {
				t.Errorf("PriorityFee = %d, want %d (median=%d p75=%d p90=%d avg=%d ratio=%.3f)",
					est.PriorityFee, tt.wantFee, est.Median, est.P75, est.P90, est.Average, est.HighFeeRatio)
			}
			if est.CongestionLevel != tt.wantLevel {
				t.Errorf("CongestionLevel = %s, want %s", est.CongestionLevel, tt.wantLevel)
			}
		})
	}
}

func TestComputeClampsToBounds(t *testing.T) {
	o := mustOracle(t, Config{
		MinPriorityFee: 5_000,
		MaxPriorityFee: 100_000,
		DefaultFee:     10_000,
	}, nil, nil)

	// Low tier would recommend 2000; the floor lifts it.
	est := o.compute(repeat(1_000, 10))
	if est.PriorityFee != 5_000 {
		t.Errorf("low clamp: PriorityFee = %d, want 5000", est.PriorityFee)
	}

	// High tier would recommend 600k; the ceiling caps it.
	est = o.compute(repeat(500_000, 10))
	if est.PriorityFee != 100_000 {
		t.Errorf("high clamp: PriorityFee = %d, want 100000", est.PriorityFee)
	}
}

func TestPriorityFeeCacheLifecycle(t *testing.T) {
	o := mustOracle(t, Config{EstimateTTL: time.Minute}, nil, nil)

	// Nothing cached yet: the default applies.
	if got := o.PriorityFee(); got != DefaultPriorityFee {
		t.Errorf("PriorityFee() with empty cache = %d, want %d", got, DefaultPriorityFee)
	}

	// Fresh estimate is served as-is.
	o.install(Estimate{PriorityFee: 77_000, CongestionLevel: LevelMedium, ComputedAt: time.Now()})
	if got := o.PriorityFee(); got != 77_000 {
		t.Errorf("PriorityFee() with fresh cache = %d, want 77000", got)
	}

	// Expired estimate falls back to the default without refreshing.
	o.install(Estimate{PriorityFee: 77_000, ComputedAt: time.Now().Add(-2 * time.Minute)})
	if got := o.PriorityFee(); got != DefaultPriorityFee {
		t.Errorf("PriorityFee() with stale cache = %d, want %d", got, DefaultPriorityFee)
	}
}

func TestRefreshComputesFromSample(t *testing.T) {
	srv := mockFeeServer(repeat(10_000, 10))
	defer srv.Close()

	source := &stubSource{url: srv.URL}
	o := mustOracle(t, Config{}, source, nil)

	est, err := o.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if est.PriorityFee != 20_000 || est.CongestionLevel != LevelLow {
		t.Errorf("Refresh() = fee %d level %s, want 20000 low", est.PriorityFee, est.CongestionLevel)
	}
	if est.SampleSize != 10 {
		t.Errorf("SampleSize = %d, want 10", est.SampleSize)
	}

	// The sampling call itself reported into the health registry.
	source.mu.Lock()
	defer source.mu.Unlock()
	if len(source.results) != 1 || !source.results[0] {
		t.Errorf("recorded results = %v, want one success", source.results)
	}
}

func TestRefreshEmptySampleKeepsPrevious(t *testing.T) {
	srv := mockFeeServer(nil)
	defer srv.Close()

	o := mustOracle(t, Config{}, &stubSource{url: srv.URL}, nil)
	o.install(Estimate{PriorityFee: 33_000, CongestionLevel: LevelMedium, ComputedAt: time.Now()})

	est, err := o.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if est.PriorityFee != 33_000 {
		t.Errorf("Refresh() with empty sample = %d, want previous 33000", est.PriorityFee)
	}
}

func TestRefreshEmptySampleNoPrevious(t *testing.T) {
	srv := mockFeeServer(nil)
	defer srv.Close()

	o := mustOracle(t, Config{}, &stubSource{url: srv.URL}, nil)

	est, err := o.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if est.PriorityFee != DefaultPriorityFee {
		t.Errorf("Refresh() = %d, want default %d", est.PriorityFee, DefaultPriorityFee)
	}
}

func TestRefreshNoHealthyEndpoint(t *testing.T) {
	wantErr := errors.New("no healthy endpoints")
	o := mustOracle(t, Config{}, &stubSource{err: wantErr}, nil)

	if _, err := o.Refresh(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("Refresh() error = %v, want %v", err, wantErr)
	}
}

func TestStopLossMode(t *testing.T) {
	o := mustOracle(t, Config{StopLossFee: 900_000}, nil, nil)
	o.install(Estimate{PriorityFee: 20_000, CongestionLevel: LevelLow, ComputedAt: time.Now()})

	o.ActivateStopLoss(time.Minute)
	if !o.StopLossActive() {
		t.Fatal("stop-loss not active after arming")
	}
	if got := o.PriorityFee(); got != 900_000 {
		t.Errorf("PriorityFee() in stop-loss = %d, want 900000", got)
	}

	o.DeactivateStopLoss()
	if o.StopLossActive() {
		t.Fatal("stop-loss still active after disarm")
	}
	if got := o.PriorityFee(); got != 20_000 {
		t.Errorf("PriorityFee() after disarm = %d, want 20000", got)
	}
}

func TestStopLossExpires(t *testing.T) {
	o := mustOracle(t, Config{}, nil, nil)

	o.ActivateStopLoss(30 * time.Millisecond)
	if !o.StopLossActive() {
		t.Fatal("stop-loss not active after arming")
	}

	time.Sleep(80 * time.Millisecond)
	if o.StopLossActive() {
		t.Fatal("stop-loss did not expire")
	}
}

func TestStopLossRearmResetsTimer(t *testing.T) {
	o := mustOracle(t, Config{}, nil, nil)

	o.ActivateStopLoss(40 * time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	o.ActivateStopLoss(100 * time.Millisecond)

	// The original 40ms deadline has passed; the re-arm keeps it alive.
	time.Sleep(30 * time.Millisecond)
	if !o.StopLossActive() {
		t.Fatal("re-arm did not reset the stop-loss timer")
	}
}

func TestStopLossDefaultsToMaxFee(t *testing.T) {
	o := mustOracle(t, Config{MaxPriorityFee: 750_000}, nil, nil)
	o.ActivateStopLoss(time.Minute)
	if got := o.PriorityFee(); got != 750_000 {
		t.Errorf("PriorityFee() = %d, want max fee 750000", got)
	}
}

func TestEmergencyPriorityFee(t *testing.T) {
	tests := []struct {
		level Level
		fee   uint64
		want  uint64
	}{
		{LevelLow, 10_000, 25_000},    // ×2.5
		{LevelMedium, 10_000, 27_500}, // ×2.75
		{LevelHigh, 10_000, 30_000},   // ×3.0
	}
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			o := mustOracle(t, Config{}, nil, nil)
			o.install(Estimate{PriorityFee: tt.fee, CongestionLevel: tt.level, ComputedAt: time.Now()})
			if got := o.EmergencyPriorityFee(); got != tt.want {
				t.Errorf("EmergencyPriorityFee() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBaseFeeScalesUnderHighCongestion(t *testing.T) {
	o := mustOracle(t, Config{}, nil, nil)

	if got := o.BaseFee(); got != DefaultBaseFee {
		t.Errorf("BaseFee() = %d, want %d", got, DefaultBaseFee)
	}

	o.install(Estimate{PriorityFee: 300_000, CongestionLevel: LevelHigh, ComputedAt: time.Now()})
	if got := o.BaseFee(); got != DefaultBaseFee*2 {
		t.Errorf("BaseFee() under high congestion = %d, want %d", got, DefaultBaseFee*2)
	}
}

func TestPersistAndRestore(t *testing.T) {
	store := newMemStore()

	o := mustOracle(t, Config{}, nil, store)
	o.install(Estimate{PriorityFee: 64_000, CongestionLevel: LevelMedium, ComputedAt: time.Now()})

	restored := mustOracle(t, Config{}, nil, store)
	est, ok := restored.Current()
	if !ok {
		t.Fatal("no estimate restored")
	}
	if est.PriorityFee != 64_000 || est.CongestionLevel != LevelMedium {
		t.Errorf("restored estimate = %+v", est)
	}
	// The restored estimate is still fresh, so it drives PriorityFee.
	if got := restored.PriorityFee(); got != 64_000 {
		t.Errorf("PriorityFee() after restore = %d, want 64000", got)
	}
}

func TestOnRefreshCallback(t *testing.T) {
	srv := mockFeeServer(repeat(10_000, 10))
	defer srv.Close()

	o := mustOracle(t, Config{}, &stubSource{url: srv.URL}, nil)

	var mu sync.Mutex
	var got []Estimate
	o.SetOnRefresh(func(est Estimate) {
		mu.Lock()
		got = append(got, est)
		mu.Unlock()
	})

	if _, err := o.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].PriorityFee != 20_000 {
		t.Errorf("onRefresh calls = %+v, want one with fee 20000", got)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := []uint64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	tests := []struct {
		q    float64
		want uint64
	}{
		{0.50, 60},
		{0.75, 80},
		{0.90, 100},
	}
	for _, tt := range tests {
		if got := percentile(sorted, tt.q); got != tt.want {
			t.Errorf("percentile(%.2f) = %d, want %d", tt.q, got, tt.want)
		}
	}
}
