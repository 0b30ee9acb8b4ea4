// Package config defines all configuration for the trading daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TRADER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Smart     SmartConfig     `mapstructure:"smart"`
	RFQ       RFQConfig       `mapstructure:"rfq"`
	Store     StoreConfig     `mapstructure:"store"`
	Health    HealthConfig    `mapstructure:"health"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	API       APIConfig       `mapstructure:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// VenueConfig holds Coincall connectivity and credentials.
// Environment selects the default endpoints; BaseURL/WSOptionsURL override
// them when set. Credentials come from TRADER_API_KEY / TRADER_API_SECRET.
type VenueConfig struct {
	Environment  string `mapstructure:"environment"` // "testnet" or "production"
	BaseURL      string `mapstructure:"base_url"`
	WSOptionsURL string `mapstructure:"ws_options_url"`
	APIKey       string `mapstructure:"api_key"`
	APISecret    string `mapstructure:"api_secret"`
	Underlying   string `mapstructure:"underlying"` // e.g. "BTC"
}

// PollerConfig tunes the account snapshot poller that drives all ticks.
type PollerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LifecycleConfig tunes the trade state machine and execution router.
//
//   - RFQThresholdUSD:   multi-leg notional at or above this routes to RFQ.
//   - SmartThresholdUSD: multi-leg notional at or above this (but below the
//     RFQ threshold) routes to the smart executor.
//   - MaxCloseRetries:   CLOSING failures tolerated before the trade fails.
type LifecycleConfig struct {
	RFQThresholdUSD   float64 `mapstructure:"rfq_threshold_usd"`
	SmartThresholdUSD float64 `mapstructure:"smart_threshold_usd"`
	MaxCloseRetries   int     `mapstructure:"max_close_retries"`
}

// ExecutionConfig is the default tuning for the limit-fill manager.
type ExecutionConfig struct {
	FillTimeout         time.Duration `mapstructure:"fill_timeout"`
	AggressiveBufferPct float64       `mapstructure:"aggressive_buffer_pct"`
	MaxRequoteRounds    int           `mapstructure:"max_requote_rounds"`
}

// SmartConfig is the default tuning for the smart multi-leg executor.
type SmartConfig struct {
	ChunkCount           int           `mapstructure:"chunk_count"`
	TimePerChunk         time.Duration `mapstructure:"time_per_chunk"`
	QuoteStrategy        string        `mapstructure:"quote_strategy"`
	SpreadOffsetPct      float64       `mapstructure:"spread_offset_pct"`
	RepriceInterval      time.Duration `mapstructure:"reprice_interval"`
	RepriceThreshold     float64       `mapstructure:"reprice_threshold"`
	MinOrderQty          float64       `mapstructure:"min_order_qty"`
	AggressiveAttempts   int           `mapstructure:"aggressive_attempts"`
	AggressiveWait       time.Duration `mapstructure:"aggressive_wait"`
	AggressiveRetryPause time.Duration `mapstructure:"aggressive_retry_pause"`
}

// RFQConfig is the default tuning for the block-quote executor.
type RFQConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MinImprovementPct float64       `mapstructure:"min_improvement_pct"`
}

// StoreConfig sets where trade state is persisted.
type StoreConfig struct {
	Path         string        `mapstructure:"path"`
	SaveInterval time.Duration `mapstructure:"save_interval"`
}

// HealthConfig controls the periodic health report.
type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// APIConfig controls the status HTTP server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default venue endpoints, selected by venue.environment.
const (
	testnetBaseURL    = "https://betaapi.coincall.com"
	testnetWSOptions  = "wss://betaws.coincall.com/options"
	productionBaseURL = "https://api.coincall.com"
	productionWS      = "wss://ws.coincall.com/options"
)

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TRADER_API_KEY, TRADER_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("TRADER_API_KEY"); key != "" {
		cfg.Venue.APIKey = key
	}
	if secret := os.Getenv("TRADER_API_SECRET"); secret != "" {
		cfg.Venue.APISecret = secret
	}
	if env := os.Getenv("TRADER_ENVIRONMENT"); env != "" {
		cfg.Venue.Environment = strings.ToLower(env)
	}
	if os.Getenv("TRADER_DRY_RUN") == "true" || os.Getenv("TRADER_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills endpoint and tuning fields left empty in the YAML.
func (c *Config) applyDefaults() {
	if c.Venue.Environment == "" {
		c.Venue.Environment = "testnet"
	}
	if c.Venue.BaseURL == "" {
		if c.Venue.Environment == "production" {
			c.Venue.BaseURL = productionBaseURL
		} else {
			c.Venue.BaseURL = testnetBaseURL
		}
	}
	if c.Venue.WSOptionsURL == "" {
		if c.Venue.Environment == "production" {
			c.Venue.WSOptionsURL = productionWS
		} else {
			c.Venue.WSOptionsURL = testnetWSOptions
		}
	}
	if c.Venue.Underlying == "" {
		c.Venue.Underlying = "BTC"
	}
	if c.Poller.Interval == 0 {
		c.Poller.Interval = 10 * time.Second
	}
	if c.Lifecycle.RFQThresholdUSD == 0 {
		c.Lifecycle.RFQThresholdUSD = 50000
	}
	if c.Lifecycle.SmartThresholdUSD == 0 {
		c.Lifecycle.SmartThresholdUSD = 10000
	}
	if c.Lifecycle.MaxCloseRetries == 0 {
		c.Lifecycle.MaxCloseRetries = 3
	}
	if c.Execution.FillTimeout == 0 {
		c.Execution.FillTimeout = 30 * time.Second
	}
	if c.Execution.AggressiveBufferPct == 0 {
		c.Execution.AggressiveBufferPct = 1.0
	}
	if c.Execution.MaxRequoteRounds == 0 {
		c.Execution.MaxRequoteRounds = 5
	}
	if c.Smart.ChunkCount == 0 {
		c.Smart.ChunkCount = 5
	}
	if c.Smart.TimePerChunk == 0 {
		c.Smart.TimePerChunk = 600 * time.Second
	}
	if c.Smart.QuoteStrategy == "" {
		c.Smart.QuoteStrategy = "top_of_book"
	}
	if c.Smart.SpreadOffsetPct == 0 {
		c.Smart.SpreadOffsetPct = 0.5
	}
	if c.Smart.RepriceInterval == 0 {
		c.Smart.RepriceInterval = 10 * time.Minute
	}
	if c.Smart.RepriceThreshold == 0 {
		c.Smart.RepriceThreshold = 0.1
	}
	if c.Smart.MinOrderQty == 0 {
		c.Smart.MinOrderQty = 0.01
	}
	if c.Smart.AggressiveAttempts == 0 {
		c.Smart.AggressiveAttempts = 10
	}
	if c.Smart.AggressiveWait == 0 {
		c.Smart.AggressiveWait = 5 * time.Second
	}
	if c.Smart.AggressiveRetryPause == 0 {
		c.Smart.AggressiveRetryPause = time.Second
	}
	if c.RFQ.Timeout == 0 {
		c.RFQ.Timeout = 60 * time.Second
	}
	if c.RFQ.PollInterval == 0 {
		c.RFQ.PollInterval = 3 * time.Second
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/trade_state.json"
	}
	if c.Store.SaveInterval == 0 {
		c.Store.SaveInterval = 60 * time.Second
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = 5 * time.Minute
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Venue.Environment {
	case "testnet", "production":
	default:
		return fmt.Errorf("venue.environment must be testnet or production, got %q", c.Venue.Environment)
	}
	if !c.DryRun {
		if c.Venue.APIKey == "" {
			return fmt.Errorf("venue.api_key is required (set TRADER_API_KEY)")
		}
		if c.Venue.APISecret == "" {
			return fmt.Errorf("venue.api_secret is required (set TRADER_API_SECRET)")
		}
	}
	if c.Lifecycle.RFQThresholdUSD <= 0 {
		return fmt.Errorf("lifecycle.rfq_threshold_usd must be > 0")
	}
	if c.Lifecycle.SmartThresholdUSD <= 0 {
		return fmt.Errorf("lifecycle.smart_threshold_usd must be > 0")
	}
	if c.Lifecycle.SmartThresholdUSD > c.Lifecycle.RFQThresholdUSD {
		return fmt.Errorf("lifecycle.smart_threshold_usd must not exceed lifecycle.rfq_threshold_usd")
	}
	if c.Execution.AggressiveBufferPct < 0 {
		return fmt.Errorf("execution.aggressive_buffer_pct must be >= 0")
	}
	if c.Execution.MaxRequoteRounds < 1 {
		return fmt.Errorf("execution.max_requote_rounds must be >= 1")
	}
	if c.Smart.ChunkCount < 1 {
		return fmt.Errorf("smart.chunk_count must be >= 1")
	}
	if c.API.Enabled && c.API.Port == 0 {
		return fmt.Errorf("api.port is required when api.enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics.enabled")
	}
	return nil
}
