package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// envPrefix namespaces every override variable.
const envPrefix = "VENUEARB_"

// Load decodes the TOML file at path over Defaults, loads .env if present and
// applies VENUEARB_* overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	// A missing .env is normal.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose variable is set and non-empty.
// Secrets are meant to arrive this way rather than through the TOML file.
func applyEnvOverrides(cfg *Config) {
	// Universe
	setStringSlice(&cfg.Universe.Venues, "UNIVERSE_VENUES")
	setStringSlice(&cfg.Universe.Symbols, "UNIVERSE_SYMBOLS")

	// Sync / detector
	setDuration(&cfg.Sync.MaxDrift, "SYNC_MAX_DRIFT")
	setInt(&cfg.Sync.MinVenues, "SYNC_MIN_VENUES")
	setFloat64(&cfg.Detector.MinProfitPct, "DETECTOR_MIN_PROFIT_PCT")
	setFloat64(&cfg.Detector.MinAbsoluteDifference, "DETECTOR_MIN_ABSOLUTE_DIFFERENCE")

	// Validator
	setDuration(&cfg.Validator.MaxDataAge, "VALIDATOR_MAX_DATA_AGE")
	setFloat64(&cfg.Validator.MinProfitUSD, "VALIDATOR_MIN_PROFIT_USD")
	setFloat64(&cfg.Validator.MaxSlippagePct, "VALIDATOR_MAX_SLIPPAGE_PCT")
	setFloat64(&cfg.Validator.MaxGasPriceGwei, "VALIDATOR_MAX_GAS_PRICE_GWEI")
	setDuration(&cfg.Validator.MaxExecutionTime, "VALIDATOR_MAX_EXECUTION_TIME")
	setStringSlice(&cfg.Validator.Order, "VALIDATOR_ORDER")

	// Breaker
	setInt(&cfg.Breaker.FailureThreshold, "BREAKER_FAILURE_THRESHOLD")
	setDuration(&cfg.Breaker.RecoveryTime, "BREAKER_RECOVERY_TIME")
	setFloat64(&cfg.Breaker.HalfOpenProbability, "BREAKER_HALF_OPEN_PROBABILITY")

	// Batcher / provider
	setInt(&cfg.Batcher.BatchSize, "BATCHER_BATCH_SIZE")
	setDuration(&cfg.Batcher.BatchTimeout, "BATCHER_BATCH_TIMEOUT")
	setInt(&cfg.Batcher.RateLimit, "BATCHER_RATE_LIMIT")
	setDuration(&cfg.Batcher.RateWindow, "BATCHER_RATE_WINDOW")
	setStr(&cfg.Provider.URL, "PROVIDER_URL")
	setDuration(&cfg.Provider.CacheTTL, "PROVIDER_CACHE_TTL")
	setFloat64(&cfg.Provider.StaticGasGwei, "PROVIDER_STATIC_GAS_GWEI")
	setFloat64(&cfg.Provider.NativePriceUSD, "PROVIDER_NATIVE_PRICE_USD")

	// Workers / history / execution
	setInt(&cfg.Workers.Count, "WORKERS_COUNT")
	setInt(&cfg.History.WindowSize, "HISTORY_WINDOW_SIZE")
	setInt(&cfg.Rotation.MaxActive, "ROTATION_MAX_ACTIVE")
	setDuration(&cfg.Rotation.Interval, "ROTATION_INTERVAL")
	setFloat64(&cfg.Execution.LiquidityFraction, "EXECUTION_LIQUIDITY_FRACTION")
	setFloat64(&cfg.Execution.MaxTradeUnits, "EXECUTION_MAX_TRADE_UNITS")
	setDuration(&cfg.Execution.Cooldown, "EXECUTION_COOLDOWN")
	setStr(&cfg.Execution.Stream, "EXECUTION_STREAM")
	setStr(&cfg.Execution.Channel, "EXECUTION_CHANNEL")
	setStr(&cfg.Execution.SigningKey, "EXECUTION_SIGNING_KEY")
	setStr(&cfg.Execution.SigningKeyPath, "EXECUTION_SIGNING_KEY_PATH")
	setStr(&cfg.Execution.SigningKeyPassword, "EXECUTION_SIGNING_KEY_PASSWORD")

	// Feed
	setStr(&cfg.Feed.BusChannel, "FEED_BUS_CHANNEL")
	setStr(&cfg.Feed.ReplayStream, "FEED_REPLAY_STREAM")
	setStr(&cfg.Feed.ReplayFrom, "FEED_REPLAY_FROM")

	// Redis
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	// Server
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setStr(&cfg.Server.Addr, "SERVER_ADDR")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")

	// Notify
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setStr(&cfg.LogOutput, "LOG_OUTPUT")
	setInt(&cfg.LogMaxAgeDays, "LOG_MAX_AGE_DAYS")
}

func lookup(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func setStr(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
