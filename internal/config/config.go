// Package config defines all configuration for the trading runtime.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via QDESK_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"quantdesk/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode      string          `mapstructure:"mode"` // dry_run | paper | live
	Storage   StorageConfig   `mapstructure:"storage"`
	Market    MarketConfig    `mapstructure:"market"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Backtest  BacktestConfig  `mapstructure:"backtest"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StorageConfig sets where partition files live. Lock timeout and retry
// policy are fixed by the storage layer; only the root moves.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// MarketConfig identifies the exchange and instruments traded.
type MarketConfig struct {
	Exchange string   `mapstructure:"exchange"` // "NSE"
	Symbols  []string `mapstructure:"symbols"`  // canonical symbol keys
}

// IngestConfig tunes the tick ingestor and aggregator tasks.
//
//   - FlushInterval: how often buffered ticks are flushed to the live buffer.
//   - AggregateInterval: how often ticks are rolled into 1-minute bars.
//   - BufferCap: in-memory tick cap; beyond it the oldest ticks are dropped.
//   - RecoveryGapBars: minimum missing 1-minute bars before backfill kicks in.
type IngestConfig struct {
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	AggregateInterval time.Duration `mapstructure:"aggregate_interval"`
	BufferCap         int           `mapstructure:"buffer_cap"`
	RecoveryGapBars   int           `mapstructure:"recovery_gap_bars"`
}

// StrategySlot binds one strategy to its timeframe and parameters.
// Strategies are evaluated in the order they appear here.
type StrategySlot struct {
	ID        string             `mapstructure:"id"`
	Timeframe string             `mapstructure:"timeframe"` // e.g. "15m"; empty = runner default
	Params    map[string]float64 `mapstructure:"params"`
}

// RunnerConfig drives the trading loop.
type RunnerConfig struct {
	PollInterval time.Duration  `mapstructure:"poll_interval"` // live bar poll cadence, >= 500ms
	Timeframe    string         `mapstructure:"timeframe"`     // default bar timeframe
	WarmupBars   int            `mapstructure:"warmup_bars"`   // 1-minute bars primed before live resampling
	Strategies   []StrategySlot `mapstructure:"strategies"`
}

// RiskConfig sets the pre-trade gate limits. Order of enforcement:
// kill switch, daily trade count, per-order quantity, allow/deny list,
// drawdown, Greek envelope.
//
//   - StopFile: presence of this file blocks all new order dispatches.
//   - MaxDrawdownPct: equity floor as a fraction of initial equity (0.2 = -20%).
//   - MaxDelta/MaxVega/MaxGamma: net portfolio Greek caps, derivatives only.
//   - RiskFreeRate: annualized rate fed to the Black-76 model.
type RiskConfig struct {
	StopFile       string   `mapstructure:"stop_file"`
	MaxDailyTrades int      `mapstructure:"max_daily_trades"`
	MaxOrderQty    int64    `mapstructure:"max_order_qty"`
	AllowSymbols   []string `mapstructure:"allow_symbols"` // empty = all allowed
	DenySymbols    []string `mapstructure:"deny_symbols"`
	InitialEquity  float64  `mapstructure:"initial_equity"`
	MaxDrawdownPct float64  `mapstructure:"max_drawdown_pct"`
	MaxDelta       float64  `mapstructure:"max_delta"`
	MaxVega        float64  `mapstructure:"max_vega"`
	MaxGamma       float64  `mapstructure:"max_gamma"`
	RiskFreeRate   float64  `mapstructure:"risk_free_rate"`
}

// ExecutionConfig tunes order dispatch and reconciliation.
type ExecutionConfig struct {
	BrokerTimeout     time.Duration `mapstructure:"broker_timeout"`     // per-RPC deadline
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"` // tracker vs broker positions
	SlippageBps       float64       `mapstructure:"slippage_bps"`       // paper fills only
	DefaultQty        int64         `mapstructure:"default_qty"`        // base size before confidence scaling
}

// BacktestConfig overrides the starting equity for backtest runs. Zero
// falls back to risk.initial_equity.
type BacktestConfig struct {
	InitialEquity float64 `mapstructure:"initial_equity"`
}

// BrokerConfig holds gateway endpoints and credentials. APIKey and APISecret
// come from QDESK_BROKER_API_KEY / QDESK_BROKER_API_SECRET in production.
type BrokerConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	FeedWSURL   string `mapstructure:"feed_ws_url"`
	BackfillURL string `mapstructure:"backfill_url"`
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
}

// TelemetryConfig controls the best-effort telemetry bus and metrics export.
// Node names the publisher in per-node topics (telemetry.health.<node>).
type TelemetryConfig struct {
	NATSURL     string `mapstructure:"nats_url"` // empty = telemetry disabled
	Node        string `mapstructure:"node"`
	MetricsAddr string `mapstructure:"metrics_addr"` // Prometheus listen address, empty = off
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: QDESK_BROKER_API_KEY, QDESK_BROKER_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("QDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", string(types.ModeDryRun))
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("market.exchange", "NSE")
	v.SetDefault("ingest.flush_interval", 500*time.Millisecond)
	v.SetDefault("ingest.aggregate_interval", 1500*time.Millisecond)
	v.SetDefault("ingest.buffer_cap", 1000)
	v.SetDefault("ingest.recovery_gap_bars", 2)
	v.SetDefault("runner.poll_interval", 500*time.Millisecond)
	v.SetDefault("runner.timeframe", "15m")
	v.SetDefault("runner.warmup_bars", 100)
	v.SetDefault("risk.stop_file", "data/STOP")
	v.SetDefault("risk.risk_free_rate", 0.065)
	v.SetDefault("execution.broker_timeout", 30*time.Second)
	v.SetDefault("execution.default_qty", 1)
	v.SetDefault("execution.reconcile_interval", 60*time.Second)
	v.SetDefault("telemetry.node", "quantdesk")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("QDESK_BROKER_API_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}
	if secret := os.Getenv("QDESK_BROKER_API_SECRET"); secret != "" {
		cfg.Broker.APISecret = secret
	}
	if mode := os.Getenv("QDESK_MODE"); mode != "" {
		cfg.Mode = mode
	}

	return &cfg, nil
}

// ExecMode parses the configured mode string.
func (c *Config) ExecMode() (types.ExecMode, error) {
	return types.ParseExecMode(c.Mode)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if _, err := c.ExecMode(); err != nil {
		return err
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Market.Exchange == "" {
		return fmt.Errorf("market.exchange is required")
	}
	for _, sym := range c.Market.Symbols {
		if _, err := types.ParseSymbolKey(sym); err != nil {
			return fmt.Errorf("market.symbols: %w", err)
		}
	}
	if c.Ingest.BufferCap < 1000 {
		return fmt.Errorf("ingest.buffer_cap must be >= 1000")
	}
	if c.Runner.PollInterval < 500*time.Millisecond {
		return fmt.Errorf("runner.poll_interval must be >= 500ms")
	}
	if _, err := types.ParseTimeframe(c.Runner.Timeframe); err != nil {
		return fmt.Errorf("runner.timeframe: %w", err)
	}
	for _, s := range c.Runner.Strategies {
		if s.ID == "" {
			return fmt.Errorf("runner.strategies: id is required")
		}
		if s.Timeframe != "" {
			if _, err := types.ParseTimeframe(s.Timeframe); err != nil {
				return fmt.Errorf("runner.strategies[%s]: %w", s.ID, err)
			}
		}
	}
	if c.Risk.MaxDailyTrades <= 0 {
		return fmt.Errorf("risk.max_daily_trades must be > 0")
	}
	if c.Risk.MaxOrderQty <= 0 {
		return fmt.Errorf("risk.max_order_qty must be > 0")
	}
	if c.Risk.InitialEquity <= 0 {
		return fmt.Errorf("risk.initial_equity must be > 0")
	}
	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct >= 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0, 1)")
	}
	mode, _ := c.ExecMode()
	if mode == types.ModeLive {
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("broker.base_url is required in live mode")
		}
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required in live mode (set QDESK_BROKER_API_KEY)")
		}
	}
	return nil
}
