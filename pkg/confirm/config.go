package confirm

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Default configuration values.
const (
	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive responses.
	DefaultKeepaliveTimeout = 5 * time.Second

	// DefaultReconnectMinDelay is the minimum delay before reconnecting.
	DefaultReconnectMinDelay = 1 * time.Second

	// DefaultReconnectMaxDelay is the maximum delay before reconnecting.
	DefaultReconnectMaxDelay = 30 * time.Second

	// DefaultMaxMessageSize is the default maximum gRPC message size.
	// Status updates are tiny; 4MB leaves ample headroom.
	DefaultMaxMessageSize = 4 * 1024 * 1024

	// DefaultPingInterval is the interval between ping messages.
	DefaultPingInterval = 15 * time.Second

	// DefaultUpdateBuffer is the per-subscription channel buffer size.
	DefaultUpdateBuffer = 4
)

// Configuration errors.
var (
	ErrNoEndpoint    = errors.New("confirm stream endpoint is required")
	ErrInvalidConfig = errors.New("invalid confirm stream configuration")
)

// Config holds the configuration for the status stream client.
type Config struct {
	// Endpoint is the gRPC endpoint (e.g. "grpc.example.com:443").
	// Required.
	Endpoint string

	// Token is the authentication token, sent as the x-token header.
	// Supports ${VAR_NAME} environment expansion.
	Token string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// Commitment is the commitment level for status notifications.
	// Defaults to CommitmentConfirmed.
	Commitment CommitmentLevel

	// Keepalive configuration.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// Reconnection configuration.
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	MaxReconnects     int // 0 = unlimited

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// PingInterval is the interval between keepalive ping messages.
	PingInterval time.Duration

	// UpdateBuffer is the per-subscription channel buffer size.
	UpdateBuffer int

	// Headers are additional headers to send with gRPC requests.
	Headers map[string]string

	// OnDisconnect is called when the connection is lost (optional).
	OnDisconnect func(error)

	// OnReconnect is called when reconnection succeeds (optional).
	OnReconnect func(attempt int)
}

// CommitmentLevel mirrors the commitment enum used by status streams.
type CommitmentLevel int32

// Commitment levels.
const (
	CommitmentProcessed CommitmentLevel = 0
	CommitmentConfirmed CommitmentLevel = 1
	CommitmentFinalized CommitmentLevel = 2
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		UseTLS:     true,
		Commitment: CommitmentConfirmed,

		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,

		ReconnectMinDelay: DefaultReconnectMinDelay,
		ReconnectMaxDelay: DefaultReconnectMaxDelay,
		MaxReconnects:     0, // unlimited

		MaxMessageSize: DefaultMaxMessageSize,
		PingInterval:   DefaultPingInterval,
		UpdateBuffer:   DefaultUpdateBuffer,

		Headers: make(map[string]string),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}
	if c.KeepaliveTime <= 0 {
		return fmt.Errorf("%w: keepalive time must be positive", ErrInvalidConfig)
	}
	if c.KeepaliveTimeout <= 0 {
		return fmt.Errorf("%w: keepalive timeout must be positive", ErrInvalidConfig)
	}
	if c.ReconnectMinDelay <= 0 {
		return fmt.Errorf("%w: reconnect min delay must be positive", ErrInvalidConfig)
	}
	if c.ReconnectMaxDelay < c.ReconnectMinDelay {
		return fmt.Errorf("%w: reconnect max delay must be >= min delay", ErrInvalidConfig)
	}
	if c.UpdateBuffer <= 0 {
		return fmt.Errorf("%w: update buffer must be positive", ErrInvalidConfig)
	}
	if c.Commitment < CommitmentProcessed || c.Commitment > CommitmentFinalized {
		return fmt.Errorf("%w: invalid commitment level", ErrInvalidConfig)
	}
	return nil
}

// WithDefaults returns a new config with default values applied for any
// zero values in the original config.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.KeepaliveTime == 0 {
		c.KeepaliveTime = defaults.KeepaliveTime
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = defaults.KeepaliveTimeout
	}
	if c.ReconnectMinDelay == 0 {
		c.ReconnectMinDelay = defaults.ReconnectMinDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaults.PingInterval
	}
	if c.UpdateBuffer == 0 {
		c.UpdateBuffer = defaults.UpdateBuffer
	}
	if c.Headers == nil {
		c.Headers = defaults.Headers
	}

	return c
}

// ExpandedToken returns the token with environment variable expansion.
// Supports ${VAR_NAME} syntax.
func (c *Config) ExpandedToken() string {
	return expandEnvVars(c.Token)
}

// expandEnvVars expands ${VAR} references in a string.
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := result[start+2 : end]
		varValue := os.Getenv(varName)
		result = result[:start] + varValue + result[end+1:]
	}
	return result
}
