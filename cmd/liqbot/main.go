// liqbot: resilient RPC and transaction core for a Solana liquidity bot.
//
// This binary assembles the endpoint health registry, congestion fee
// estimator, and transaction submission pipeline, exposes their state
// over the dashboard HTTP API, and keeps both registry and estimator
// state durable across restarts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Leeyle/meteora2-sub004/internal/config"
	"github.com/Leeyle/meteora2-sub004/internal/logging"
	"github.com/Leeyle/meteora2-sub004/pkg/confirm"
	"github.com/Leeyle/meteora2-sub004/pkg/core"
	"github.com/Leeyle/meteora2-sub004/pkg/dashboard"
	"github.com/Leeyle/meteora2-sub004/pkg/feeoracle"
	"github.com/Leeyle/meteora2-sub004/pkg/journal"
	"github.com/Leeyle/meteora2-sub004/pkg/kvstore"
	"github.com/Leeyle/meteora2-sub004/pkg/rpcpool"
	"github.com/Leeyle/meteora2-sub004/pkg/txpipeline"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags. Flags override the YAML file.
var (
	configPath  = flag.String("config", "config.yaml", "Path to YAML configuration file")
	dataDir     = flag.String("data-dir", "", "Data directory (overrides config)")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	endpoints   = flag.String("endpoints", "", "Comma-separated RPC endpoints (overrides config)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("liqbot %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "liqbot: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "liqbot: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting liqbot",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.Int("endpoints", len(cfg.RPC.Endpoints)))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("liqbot failed", zap.Error(err))
	}
}

// loadConfig reads the YAML file and applies flag overrides.
func loadConfig() (config.Config, error) {
	var cfg config.Config
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *endpoints != "" {
		cfg.RPC.Endpoints = nil
		for _, ep := range strings.Split(*endpoints, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				cfg.RPC.Endpoints = append(cfg.RPC.Endpoints, ep)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
		cancel()
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Durable state store.
	store, err := kvstore.Open(kvstore.Config{
		Path: filepath.Join(cfg.DataDir, "state"),
	})
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	// Event journal.
	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		jrnl, err = journal.Open(journal.Config{
			Path:      filepath.Join(cfg.DataDir, "journal.db"),
			MaxEvents: cfg.Journal.MaxEvents,
		})
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer jrnl.Close()
	}

	// Endpoint health registry.
	pool, err := rpcpool.New(cfg.RPC.Endpoints, rpcpool.Config{
		ProbeInterval:    cfg.RPC.ProbeInterval.Std(),
		ProbeTimeout:     cfg.RPC.ProbeTimeout.Std(),
		FailureThreshold: cfg.RPC.FailureThreshold,
		Logger:           logger.Named("rpcpool"),
	}, store)
	if err != nil {
		return fmt.Errorf("create endpoint pool: %w", err)
	}

	// Congestion and fee estimator.
	oracleCfg := feeoracle.DefaultConfig()
	oracleCfg.MinPriorityFee = cfg.Fees.MinPriorityFee
	oracleCfg.MaxPriorityFee = cfg.Fees.MaxPriorityFee
	oracleCfg.DefaultFee = cfg.Fees.DefaultPriorityFee
	oracleCfg.EstimateTTL = cfg.Fees.EstimateTTL.Std()
	oracleCfg.StopLossFee = cfg.Fees.StopLossFee
	oracleCfg.StopLossDuration = cfg.Fees.StopLossDuration.Std()
	oracleCfg.Logger = logger.Named("feeoracle")
	oracle, err := feeoracle.New(oracleCfg, pool, store)
	if err != nil {
		return fmt.Errorf("create fee oracle: %w", err)
	}

	// Submission pipeline.
	var pollSchedule []time.Duration
	for _, d := range cfg.Pipeline.PollSchedule {
		pollSchedule = append(pollSchedule, d.Std())
	}
	pipeline := txpipeline.New(txpipeline.Config{
		SendRetryBudget:  cfg.Pipeline.SendRetryBudget,
		PollSchedule:     pollSchedule,
		RequestTimeout:   cfg.Pipeline.RequestTimeout.Std(),
		ComputeUnitLimit: cfg.Pipeline.ComputeUnitLimit,
		Logger:           logger.Named("txpipeline"),
	}, pool, oracle)

	// Optional fast confirmation stream.
	if cfg.Confirm.Enabled {
		stream, err := confirm.NewClient(confirm.Config{
			Endpoint: cfg.Confirm.Endpoint,
			Token:    cfg.Confirm.Token,
			UseTLS:   cfg.Confirm.UseTLS,
			OnDisconnect: func(err error) {
				logger.Warn("confirm stream disconnected", zap.Error(err))
			},
			OnReconnect: func(attempt int) {
				logger.Info("confirm stream reconnected", zap.Int("attempt", attempt))
			},
		})
		if err != nil {
			return fmt.Errorf("create confirm stream: %w", err)
		}
		if err := stream.Connect(ctx); err != nil {
			// Reconnects only start once a connection has been
			// established, so a failed first dial leaves the
			// pipeline on pure polling.
			logger.Warn("confirm stream connect failed, polling only", zap.Error(err))
		}
		defer stream.Close()
		pipeline.SetStatusStream(stream)
	}

	engine := core.New(core.Config{
		FeeRefreshInterval: cfg.Fees.RefreshInterval.Std(),
		Logger:             logger.Named("core"),
	}, pool, oracle, pipeline, jrnl)

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	// Status dashboard.
	if cfg.Dashboard.Enabled {
		var events dashboard.EventSource
		if jrnl != nil {
			events = jrnl
		}
		dash := dashboard.New(dashboard.Config{
			BindAddress: cfg.Dashboard.BindAddress,
			Port:        cfg.Dashboard.Port,
		}, pool, oracle, events)
		go func() {
			if err := dash.Start(ctx); err != nil {
				logger.Error("dashboard failed", zap.Error(err))
			}
		}()
		logger.Info("dashboard listening",
			zap.String("addr", fmt.Sprintf("%s:%d", cfg.Dashboard.BindAddress, cfg.Dashboard.Port)))
	}

	// Periodic status log.
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("liqbot stopped")
			return nil
		case <-ticker.C:
			logger.Info("status", zap.Stringer("engine", engine.Snapshot()))
		}
	}
}
