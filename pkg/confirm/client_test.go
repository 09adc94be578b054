package confirm

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Endpoint = "grpc.example.com:443"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(c *Config) {}, nil},
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }, ErrNoEndpoint},
		{"zero message size", func(c *Config) { c.MaxMessageSize = 0 }, ErrInvalidConfig},
		{"zero keepalive time", func(c *Config) { c.KeepaliveTime = 0 }, ErrInvalidConfig},
		{"zero keepalive timeout", func(c *Config) { c.KeepaliveTimeout = 0 }, ErrInvalidConfig},
		{"zero reconnect min", func(c *Config) { c.ReconnectMinDelay = 0 }, ErrInvalidConfig},
		{"max below min", func(c *Config) {
			c.ReconnectMinDelay = 10 * time.Second
			c.ReconnectMaxDelay = time.Second
		}, ErrInvalidConfig},
		{"zero update buffer", func(c *Config) { c.UpdateBuffer = 0 }, ErrInvalidConfig},
		{"commitment out of range", func(c *Config) { c.Commitment = 7 }, ErrInvalidConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{Endpoint: "grpc.example.com:443"}.WithDefaults()

	if cfg.KeepaliveTime != DefaultKeepaliveTime {
		t.Errorf("KeepaliveTime = %v", cfg.KeepaliveTime)
	}
	if cfg.ReconnectMinDelay != DefaultReconnectMinDelay || cfg.ReconnectMaxDelay != DefaultReconnectMaxDelay {
		t.Errorf("reconnect delays = %v/%v", cfg.ReconnectMinDelay, cfg.ReconnectMaxDelay)
	}
	if cfg.MaxMessageSize != DefaultMaxMessageSize {
		t.Errorf("MaxMessageSize = %d", cfg.MaxMessageSize)
	}
	if cfg.UpdateBuffer != DefaultUpdateBuffer {
		t.Errorf("UpdateBuffer = %d", cfg.UpdateBuffer)
	}
	if cfg.Headers == nil {
		t.Error("Headers not defaulted")
	}

	// Explicit values survive.
	custom := Config{Endpoint: "e", PingInterval: time.Second}.WithDefaults()
	if custom.PingInterval != time.Second {
		t.Errorf("PingInterval = %v, want 1s", custom.PingInterval)
	}
}

func TestConfigExpandedToken(t *testing.T) {
	t.Setenv("CONFIRM_TEST_TOKEN", "secret")

	cfg := Config{Token: "${CONFIRM_TEST_TOKEN}"}
	if got := cfg.ExpandedToken(); got != "secret" {
		t.Errorf("ExpandedToken() = %q, want %q", got, "secret")
	}

	cfg.Token = "prefix-${CONFIRM_TEST_TOKEN}-${CONFIRM_TEST_UNSET}"
	if got := cfg.ExpandedToken(); got != "prefix-secret-" {
		t.Errorf("ExpandedToken() = %q, want %q", got, "prefix-secret-")
	}

	cfg.Token = "plain-token"
	if got := cfg.ExpandedToken(); got != "plain-token" {
		t.Errorf("ExpandedToken() = %q, literal tokens must pass through", got)
	}
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	if _, err := NewClient(Config{}); !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("NewClient() error = %v, want ErrNoEndpoint", err)
	}
}

func TestNewClientAppliesDefaults(t *testing.T) {
	c, err := NewClient(Config{Endpoint: "grpc.example.com:443"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.config.UpdateBuffer != DefaultUpdateBuffer {
		t.Errorf("UpdateBuffer = %d", c.config.UpdateBuffer)
	}
	if c.Connected() {
		t.Error("fresh client reports connected")
	}
}

func TestSubscribeBookkeeping(t *testing.T) {
	c, err := NewClient(validConfig())
	if err != nil {
		t.Fatal(err)
	}

	_, cancel := c.Subscribe("sig1")
	_, cancel2 := c.Subscribe("sig2")

	c.mu.Lock()
	n := len(c.subscribers)
	c.mu.Unlock()
	if n != 2 {
		t.Fatalf("subscribers = %d, want 2", n)
	}

	cancel()
	c.mu.Lock()
	_, stillThere := c.subscribers["sig1"]
	n = len(c.subscribers)
	c.mu.Unlock()
	if stillThere || n != 1 {
		t.Errorf("cancel did not remove the subscription (left %d)", n)
	}

	// Double cancel is harmless.
	cancel()
	cancel2()
	c.mu.Lock()
	n = len(c.subscribers)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("subscribers = %d after all cancels, want 0", n)
	}
}

func TestProcessUpdateDispatch(t *testing.T) {
	c, err := NewClient(validConfig())
	if err != nil {
		t.Fatal(err)
	}
	ch, cancel := c.Subscribe("sig1")
	defer cancel()

	c.processUpdate(&subscribeUpdate{
		TransactionStatus: &transactionStatusUpdate{Slot: 42, Signature: "sig1"},
	})

	select {
	case update := <-ch:
		if update.Slot != 42 || update.Err != nil {
			t.Errorf("update = %+v", update)
		}
	default:
		t.Fatal("matching update not delivered")
	}
}

func TestProcessUpdateNonMatchingSignature(t *testing.T) {
	c, err := NewClient(validConfig())
	if err != nil {
		t.Fatal(err)
	}
	ch, cancel := c.Subscribe("sig1")
	defer cancel()

	c.processUpdate(&subscribeUpdate{
		TransactionStatus: &transactionStatusUpdate{Slot: 42, Signature: "other"},
	})
	c.processUpdate(&subscribeUpdate{}) // no status payload
	c.processUpdate(nil)

	select {
	case update := <-ch:
		t.Fatalf("unexpected delivery: %+v", update)
	default:
	}
}

func TestProcessUpdateForwardsError(t *testing.T) {
	c, err := NewClient(validConfig())
	if err != nil {
		t.Fatal(err)
	}
	ch, cancel := c.Subscribe("sig1")
	defer cancel()

	c.processUpdate(&subscribeUpdate{
		TransactionStatus: &transactionStatusUpdate{
			Slot:      43,
			Signature: "sig1",
			Err:       &transactionError{Err: []byte("InstructionError")},
		},
	})

	update := <-ch
	if update.Err == nil {
		t.Fatal("on-chain error not forwarded")
	}
	var decoded string
	if err := json.Unmarshal(update.Err, &decoded); err != nil {
		t.Fatalf("error payload not valid JSON: %v", err)
	}
	if decoded != "InstructionError" {
		t.Errorf("decoded error = %q", decoded)
	}
}

func TestProcessUpdateNeverBlocks(t *testing.T) {
	cfg := validConfig()
	cfg.UpdateBuffer = 1
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	_, cancel := c.Subscribe("sig1")
	defer cancel()

	// Second update overflows the buffer and must be dropped, not block
	// the receive loop.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			c.processUpdate(&subscribeUpdate{
				TransactionStatus: &transactionStatusUpdate{Slot: uint64(i), Signature: "sig1"},
			})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processUpdate blocked on a full subscriber buffer")
	}
}

func TestSendFiltersNotConnected(t *testing.T) {
	c, err := NewClient(validConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.sendFilters(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("sendFilters() error = %v, want ErrNotConnected", err)
	}
}

func TestCloseReleasesSubscribers(t *testing.T) {
	c, err := NewClient(validConfig())
	if err != nil {
		t.Fatal(err)
	}
	ch, _ := c.Subscribe("sig1")

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Subscriber channels are closed so pollers drop to pure polling.
	if _, open := <-ch; open {
		t.Error("subscriber channel still open after Close")
	}

	if err := c.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close() error = %v, want ErrClosed", err)
	}
}

func TestTokenAuthMetadata(t *testing.T) {
	auth := &tokenAuth{token: "tok", requireTLS: true}
	md, err := auth.GetRequestMetadata(nil)
	if err != nil {
		t.Fatal(err)
	}
	if md["x-token"] != "tok" {
		t.Errorf("metadata = %v", md)
	}
	if !auth.RequireTransportSecurity() {
		t.Error("TLS requirement not reported")
	}
}
