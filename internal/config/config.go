// Package config loads and validates the bot's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration errors. Invalid fee bounds and an empty endpoint list
// are fatal at startup, never degraded around.
var (
	ErrNoEndpoints    = errors.New("at least one RPC endpoint is required")
	ErrInvalidBounds  = errors.New("minPriorityFee must not exceed maxPriorityFee")
	ErrInvalidDefault = errors.New("defaultPriorityFee must lie within the fee bounds")
)

// Duration wraps time.Duration so YAML values can use the familiar
// "45s" / "5m" notation.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String returns the standard duration notation.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Config is the root configuration document.
type Config struct {
	// DataDir is the directory for the durable store and journal.
	DataDir string `yaml:"dataDir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`

	RPC       RPCConfig       `yaml:"rpc"`
	Fees      FeesConfig      `yaml:"fees"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Confirm   ConfirmConfig   `yaml:"confirm"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Journal   JournalConfig   `yaml:"journal"`
}

// RPCConfig configures the endpoint health registry.
type RPCConfig struct {
	// Endpoints are the JSON-RPC HTTP endpoints. Required.
	Endpoints []string `yaml:"endpoints"`

	// ProbeInterval is the period between scheduled health probes.
	ProbeInterval Duration `yaml:"probeInterval"`

	// ProbeTimeout bounds each probe call.
	ProbeTimeout Duration `yaml:"probeTimeout"`

	// FailureThreshold is consecutive failures before an endpoint is
	// marked unhealthy.
	FailureThreshold int `yaml:"failureThreshold"`
}

// FeesConfig configures the congestion and fee estimator.
type FeesConfig struct {
	MinPriorityFee     uint64   `yaml:"minPriorityFee"`
	MaxPriorityFee     uint64   `yaml:"maxPriorityFee"`
	DefaultPriorityFee uint64   `yaml:"defaultPriorityFee"`
	EstimateTTL        Duration `yaml:"estimateTtl"`
	RefreshInterval    Duration `yaml:"refreshInterval"`
	StopLossFee        uint64   `yaml:"stopLossFee"`
	StopLossDuration   Duration `yaml:"stopLossDuration"`
}

// PipelineConfig configures the submission pipeline.
type PipelineConfig struct {
	SendRetryBudget  int        `yaml:"sendRetryBudget"`
	RequestTimeout   Duration   `yaml:"requestTimeout"`
	ComputeUnitLimit uint32     `yaml:"computeUnitLimit"`
	PollSchedule     []Duration `yaml:"pollSchedule"`
}

// ConfirmConfig configures the optional Geyser status stream.
type ConfirmConfig struct {
	// Enabled turns the stream on; the pipeline polls regardless.
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
	UseTLS   bool   `yaml:"useTls"`
}

// DashboardConfig configures the status HTTP server.
type DashboardConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BindAddress string `yaml:"bindAddress"`
	Port        int    `yaml:"port"`
}

// JournalConfig configures the durable event journal.
type JournalConfig struct {
	Enabled   bool `yaml:"enabled"`
	MaxEvents int  `yaml:"maxEvents"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		DataDir:  "./data",
		LogLevel: "info",
		RPC: RPCConfig{
			ProbeInterval:    Duration(45 * time.Second),
			ProbeTimeout:     Duration(5 * time.Second),
			FailureThreshold: 3,
		},
		Fees: FeesConfig{
			MinPriorityFee:     1_000,
			MaxPriorityFee:     1_000_000,
			DefaultPriorityFee: 50_000,
			EstimateTTL:        Duration(5 * time.Minute),
			RefreshInterval:    Duration(4 * time.Minute),
			StopLossDuration:   Duration(30 * time.Second),
		},
		Pipeline: PipelineConfig{
			SendRetryBudget:  3,
			RequestTimeout:   Duration(10 * time.Second),
			ComputeUnitLimit: 200_000,
		},
		Confirm: ConfirmConfig{
			UseTLS: true,
		},
		Dashboard: DashboardConfig{
			BindAddress: "127.0.0.1",
			Port:        8080,
		},
		Journal: JournalConfig{
			Enabled:   true,
			MaxEvents: 10_000,
		},
	}
}

// Load reads a YAML config file and merges it over the defaults.
// Environment variables in string values expand with ${VAR} syntax.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	expanded := os.Expand(string(data), func(name string) string {
		return os.Getenv(name)
	})

	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for fatal errors.
func (c *Config) Validate() error {
	if len(c.RPC.Endpoints) == 0 {
		return ErrNoEndpoints
	}
	for _, ep := range c.RPC.Endpoints {
		if strings.TrimSpace(ep) == "" {
			return fmt.Errorf("%w: blank endpoint entry", ErrNoEndpoints)
		}
	}
	if c.Fees.MinPriorityFee > c.Fees.MaxPriorityFee {
		return ErrInvalidBounds
	}
	if c.Fees.DefaultPriorityFee < c.Fees.MinPriorityFee || c.Fees.DefaultPriorityFee > c.Fees.MaxPriorityFee {
		return ErrInvalidDefault
	}
	if c.Confirm.Enabled && c.Confirm.Endpoint == "" {
		return errors.New("confirm stream enabled but no endpoint configured")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}
