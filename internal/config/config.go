// Package config defines the venuearb configuration tree, its defaults and
// validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and may be
// overridden by VENUEARB_* environment variables.
type Config struct {
	Universe  UniverseConfig  `toml:"universe"`
	Sync      SyncConfig      `toml:"sync"`
	Detector  DetectorConfig  `toml:"detector"`
	Validator ValidatorConfig `toml:"validator"`
	Breaker   BreakerConfig   `toml:"breaker"`
	Batcher   BatcherConfig   `toml:"batcher"`
	Provider  ProviderConfig  `toml:"provider"`
	Workers   WorkersConfig   `toml:"workers"`
	History   HistoryConfig   `toml:"history"`
	Rotation  RotationConfig  `toml:"rotation"`
	Execution ExecutionConfig `toml:"execution"`
	Feed      FeedConfig      `toml:"feed"`
	Redis     RedisConfig     `toml:"redis"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
	// LogOutput is "stdout", "stderr" or a file path. Files rotate at
	// 100 MB and are kept for LogMaxAgeDays.
	LogOutput     string `toml:"log_output"`
	LogMaxAgeDays int    `toml:"log_max_age_days"`
}

// UniverseConfig fixes the tradable venues and symbols at startup.
type UniverseConfig struct {
	Venues  []string `toml:"venues"`
	Symbols []string `toml:"symbols"`
}

// SyncConfig tunes the drift synchronizer.
type SyncConfig struct {
	MaxDrift  duration `toml:"max_drift"`
	MinVenues int      `toml:"min_venues"`
}

// DetectorConfig holds the candidate thresholds.
type DetectorConfig struct {
	MinProfitPct          float64 `toml:"min_profit_pct"`
	MinAbsoluteDifference float64 `toml:"min_absolute_difference"`
}

// ValidatorConfig holds the stage limits and the latency model.
type ValidatorConfig struct {
	MaxDataAge        duration `toml:"max_data_age"`
	MinProfitUSD      float64  `toml:"min_profit_usd"`
	MaxSlippagePct    float64  `toml:"max_slippage_pct"`
	MaxGasPriceGwei   float64  `toml:"max_gas_price_gwei"`
	MaxExecutionTime  duration `toml:"max_execution_time"`
	BaseLatency       duration `toml:"base_latency"`
	CongestionLatency duration `toml:"congestion_latency"`
	ComplexityLatency duration `toml:"complexity_latency"`
	// Order is a permutation of every stage name; empty uses the built-in
	// order.
	Order []string `toml:"order"`
}

// BreakerConfig tunes every circuit.
type BreakerConfig struct {
	FailureThreshold    int      `toml:"failure_threshold"`
	RecoveryTime        duration `toml:"recovery_time"`
	HalfOpenProbability float64  `toml:"half_open_probability"`
	SweepInterval       duration `toml:"sweep_interval"`
}

// BatcherConfig tunes provider request batching and its rate budget.
type BatcherConfig struct {
	BatchSize    int      `toml:"batch_size"`
	BatchTimeout duration `toml:"batch_timeout"`
	CallTimeout  duration `toml:"call_timeout"`
	// RateLimit flushes per RateWindow. With Redis enabled the budget is
	// shared across processes under RateKey.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
	RateKey    string   `toml:"rate_key"`
}

// ProviderConfig points at the JSON-RPC metadata provider. An empty URL
// falls back to StaticGasGwei.
type ProviderConfig struct {
	URL            string   `toml:"url"`
	Combinable     []string `toml:"combinable"`
	CacheTTL       duration `toml:"cache_ttl"`
	StaticGasGwei  float64  `toml:"static_gas_gwei"`
	NativePriceUSD float64  `toml:"native_price_usd"`
	GasUnits       float64  `toml:"gas_units"`
	GasBuffer      float64  `toml:"gas_buffer"`
}

// WorkersConfig sizes the scoring pool. Count 0 uses GOMAXPROCS.
type WorkersConfig struct {
	Count           int      `toml:"count"`
	SequencerBuffer int      `toml:"sequencer_buffer"`
	ReportInterval  duration `toml:"report_interval"`
}

// HistoryConfig sizes the rolling price windows.
type HistoryConfig struct {
	WindowSize    int     `toml:"window_size"`
	MaxVolatility float64 `toml:"max_volatility"`
}

// RotationConfig bounds how many symbols are analysed at once. MaxActive 0
// keeps every symbol active.
type RotationConfig struct {
	MaxActive    int      `toml:"max_active"`
	Interval     duration `toml:"interval"`
	StableAssets []string `toml:"stable_assets"`
	BaseAssets   []string `toml:"base_assets"`
}

// ExecutionConfig tunes sizing and hand-off of accepted opportunities.
type ExecutionConfig struct {
	LiquidityFraction float64  `toml:"liquidity_fraction"`
	MaxTradeUnits     float64  `toml:"max_trade_units"`
	DeadlineOffset    duration `toml:"deadline_offset"`
	Cooldown          duration `toml:"cooldown"`
	SubmitTimeout     duration `toml:"submit_timeout"`
	Stream            string   `toml:"stream"`
	Channel           string   `toml:"channel"`
	// Live mode signs stream payloads with either a raw hex key or an
	// encrypted key file. Both empty publishes unsigned payloads.
	SigningKey         string `toml:"signing_key"`
	SigningKeyPath     string `toml:"signing_key_path"`
	SigningKeyPassword string `toml:"signing_key_password"`
}

// VenueFeed is one venue websocket endpoint.
type VenueFeed struct {
	Venue string `toml:"venue"`
	URL   string `toml:"url"`
}

// FeedConfig selects tick sources. BusChannel and ReplayStream require Redis.
type FeedConfig struct {
	BusChannel string `toml:"bus_channel"`
	// ReplayStream re-reads ticks recorded on a Redis stream, starting after
	// ReplayFrom ("0" is the beginning).
	ReplayStream      string      `toml:"replay_stream"`
	ReplayFrom        string      `toml:"replay_from"`
	ReplayBatch       int         `toml:"replay_batch"`
	Venues            []VenueFeed `toml:"venues"`
	ReconnectDelay    duration    `toml:"reconnect_delay"`
	MaxReconnectDelay duration    `toml:"max_reconnect_delay"`
	PongWait          duration    `toml:"pong_wait"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// ServerConfig holds the operator API settings.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	APIKey  string `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	QueueDepth        int      `toml:"queue_depth"`
}

// duration lets TOML carry strings like "50ms" or "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults mirror config.example.toml.
func Defaults() Config {
	return Config{
		Sync: SyncConfig{
			MaxDrift:  duration{50 * time.Millisecond},
			MinVenues: 2,
		},
		Detector: DetectorConfig{
			MinProfitPct:          2.5,
			MinAbsoluteDifference: 0.10,
		},
		Validator: ValidatorConfig{
			MaxDataAge:        duration{500 * time.Millisecond},
			MinProfitUSD:      50,
			MaxSlippagePct:    1.0,
			MaxGasPriceGwei:   5,
			MaxExecutionTime:  duration{2 * time.Second},
			BaseLatency:       duration{200 * time.Millisecond},
			CongestionLatency: duration{100 * time.Millisecond},
			ComplexityLatency: duration{50 * time.Millisecond},
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			RecoveryTime:        duration{30 * time.Second},
			HalfOpenProbability: 0.5,
			SweepInterval:       duration{10 * time.Second},
		},
		Batcher: BatcherConfig{
			BatchSize:    10,
			BatchTimeout: duration{100 * time.Millisecond},
			CallTimeout:  duration{5 * time.Second},
			RateLimit:    20,
			RateWindow:   duration{time.Second},
			RateKey:      "provider",
		},
		Provider: ProviderConfig{
			CacheTTL:       duration{time.Second},
			StaticGasGwei:  1,
			NativePriceUSD: 2000,
			GasUnits:       350_000,
			GasBuffer:      1.2,
		},
		Workers: WorkersConfig{
			SequencerBuffer: 64,
			ReportInterval:  duration{time.Minute},
		},
		History: HistoryConfig{
			WindowSize:    100,
			MaxVolatility: 0.05,
		},
		Rotation: RotationConfig{
			Interval:     duration{5 * time.Minute},
			StableAssets: []string{"USDC", "USDT", "DAI", "BUSD"},
			BaseAssets:   []string{"ETH", "BTC", "BNB"},
		},
		Execution: ExecutionConfig{
			LiquidityFraction: 0.005,
			DeadlineOffset:    duration{2 * time.Second},
			Cooldown:          duration{5 * time.Second},
			SubmitTimeout:     duration{5 * time.Second},
			Stream:            "opportunities",
			Channel:           "opportunities",
		},
		Feed: FeedConfig{
			ReplayFrom:        "0",
			ReplayBatch:       100,
			ReconnectDelay:    duration{2 * time.Second},
			MaxReconnectDelay: duration{60 * time.Second},
			PongWait:          duration{60 * time.Second},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "venuearb",
		},
		Server: ServerConfig{
			Enabled: true,
			Addr:    ":9100",
		},
		Notify: NotifyConfig{
			Events:     []string{"opportunity_submitted", "submit_failed", "circuit_opened"},
			QueueDepth: 64,
		},
		Mode:          "monitor",
		LogLevel:      "info",
		LogOutput:     "stdout",
		LogMaxAgeDays: 7,
	}
}

var validModes = map[string]bool{
	"monitor": true,
	"live":    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStages = map[string]bool{
	"data_age":       true,
	"profit":         true,
	"slippage":       true,
	"gas":            true,
	"execution_time": true,
}

// Validate reports every problem found in one error.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: monitor, live)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}
	if c.LogMaxAgeDays < 0 {
		add("log_max_age_days must be >= 0")
	}

	// Universe
	if len(c.Universe.Venues) == 0 {
		add("universe: venues must not be empty")
	}
	if len(c.Universe.Symbols) == 0 {
		add("universe: symbols must not be empty")
	}
	venues := make(map[string]bool, len(c.Universe.Venues))
	for _, v := range c.Universe.Venues {
		venues[strings.TrimSpace(v)] = true
	}

	// Sync
	if c.Sync.MaxDrift.Duration < time.Millisecond {
		add("sync: max_drift must be at least 1ms, got %s", c.Sync.MaxDrift.Duration)
	}
	if c.Sync.MinVenues < 2 {
		add("sync: min_venues must be >= 2, got %d", c.Sync.MinVenues)
	}
	if len(c.Universe.Venues) > 0 && c.Sync.MinVenues > len(c.Universe.Venues) {
		add("sync: min_venues (%d) exceeds the %d configured venues", c.Sync.MinVenues, len(c.Universe.Venues))
	}

	// Detector
	if c.Detector.MinProfitPct < 0 {
		add("detector: min_profit_pct must be >= 0")
	}
	if c.Detector.MinAbsoluteDifference < 0 {
		add("detector: min_absolute_difference must be >= 0")
	}

	// Validator
	if c.Validator.MaxDataAge.Duration <= 0 {
		add("validator: max_data_age must be > 0")
	}
	if c.Validator.MaxExecutionTime.Duration <= 0 {
		add("validator: max_execution_time must be > 0")
	}
	if c.Validator.MaxSlippagePct < 0 {
		add("validator: max_slippage_pct must be >= 0")
	}
	seen := make(map[string]bool, len(c.Validator.Order))
	for _, s := range c.Validator.Order {
		if !validStages[s] {
			add("validator: unknown stage %q in order", s)
		}
		if seen[s] {
			add("validator: stage %q listed twice", s)
		}
		seen[s] = true
	}
	if n := len(c.Validator.Order); n > 0 && n != len(validStages) {
		add("validator: order must list all %d stages, got %d", len(validStages), n)
	}

	// Breaker
	if c.Breaker.FailureThreshold < 1 {
		add("breaker: failure_threshold must be >= 1")
	}
	if c.Breaker.RecoveryTime.Duration <= 0 {
		add("breaker: recovery_time must be > 0")
	}
	if p := c.Breaker.HalfOpenProbability; p <= 0 || p > 1 {
		add("breaker: half_open_probability must be in (0, 1], got %v", p)
	}

	// Batcher
	if c.Batcher.BatchSize < 1 {
		add("batcher: batch_size must be >= 1")
	}
	if c.Batcher.BatchTimeout.Duration <= 0 {
		add("batcher: batch_timeout must be > 0")
	}
	if c.Batcher.RateLimit < 1 || c.Batcher.RateWindow.Duration <= 0 {
		add("batcher: rate_limit and rate_window must be positive")
	}

	// Provider
	if c.Provider.NativePriceUSD <= 0 {
		add("provider: native_price_usd must be > 0")
	}
	if c.Provider.GasUnits <= 0 {
		add("provider: gas_units must be > 0")
	}

	// Workers and history
	if c.Workers.Count < 0 {
		add("workers: count must be >= 0")
	}
	if c.History.WindowSize < 2 {
		add("history: window_size must be >= 2")
	}
	if c.Rotation.MaxActive < 0 {
		add("rotation: max_active must be >= 0")
	}
	if c.Rotation.MaxActive > 0 && c.Rotation.Interval.Duration <= 0 {
		add("rotation: interval must be > 0 when max_active is set")
	}

	// Execution
	if f := c.Execution.LiquidityFraction; f <= 0 || f > 1 {
		add("execution: liquidity_fraction must be in (0, 1], got %v", f)
	}
	if c.Execution.Cooldown.Duration < 0 {
		add("execution: cooldown must be >= 0")
	}
	if c.Execution.SigningKeyPath != "" && c.Execution.SigningKeyPassword == "" {
		add("execution: signing_key_path requires signing_key_password")
	}

	// Feed
	if len(c.Feed.Venues) == 0 && c.Feed.BusChannel == "" && c.Feed.ReplayStream == "" {
		add("feed: configure bus_channel, replay_stream or at least one venue websocket")
	}
	for _, vf := range c.Feed.Venues {
		if !venues[vf.Venue] {
			add("feed: venue %q is not in the universe", vf.Venue)
		}
		if vf.URL == "" {
			add("feed: venue %q has no url", vf.Venue)
		}
	}
	if c.Feed.BusChannel != "" && !c.Redis.Enabled {
		add("feed: bus_channel requires redis.enabled")
	}
	if c.Feed.ReplayStream != "" {
		if !c.Redis.Enabled {
			add("feed: replay_stream requires redis.enabled")
		}
		if c.Feed.ReplayFrom == "" {
			add("feed: replay_from must not be empty")
		}
		if c.Feed.ReplayBatch < 1 {
			add("feed: replay_batch must be >= 1")
		}
	}

	// Redis
	if mode == "live" && !c.Redis.Enabled {
		add("redis: live mode publishes through redis; set redis.enabled")
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		add("server: addr must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
