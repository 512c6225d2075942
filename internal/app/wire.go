package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/alanyoungcy/venuearb/internal/arbitrage"
	"github.com/alanyoungcy/venuearb/internal/batcher"
	"github.com/alanyoungcy/venuearb/internal/breaker"
	"github.com/alanyoungcy/venuearb/internal/cache/redis"
	"github.com/alanyoungcy/venuearb/internal/config"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/notify"
	"github.com/alanyoungcy/venuearb/internal/platform/rpc"
)

// Dependencies bundles the long-lived collaborators every mode shares.
type Dependencies struct {
	Universe *domain.Universe
	Registry *prometheus.Registry
	Breaker  *breaker.Breaker

	// Redis-backed; nil when redis.enabled is false.
	Redis     *redis.Client
	SignalBus *redis.SignalBus

	// Batcher and Provider are nil when no provider URL is configured.
	Provider *rpc.Client
	Batcher  *batcher.Batcher
	Gas      arbitrage.GasOracle

	Notifier *notify.Notifier
	Alerts   *notify.Alerts
}

// Wire builds the dependencies and a cleanup function that releases them in
// reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	universe, err := domain.NewUniverse(cfg.Universe.Venues, cfg.Universe.Symbols)
	if err != nil {
		return fail(fmt.Errorf("wire: universe: %w", err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	deps := &Dependencies{
		Universe: universe,
		Registry: reg,
		Breaker: breaker.New(breaker.Config{
			FailureThreshold:    cfg.Breaker.FailureThreshold,
			RecoveryTime:        cfg.Breaker.RecoveryTime.Duration,
			HalfOpenProbability: cfg.Breaker.HalfOpenProbability,
			SweepInterval:       cfg.Breaker.SweepInterval.Duration,
			Registerer:          reg,
		}, logger),
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		client, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = client.Close() })
		deps.Redis = client
		deps.SignalBus = redis.NewSignalBus(client)
	}

	// --- Metadata provider ---
	if cfg.Provider.URL != "" {
		client, err := rpc.Dial(ctx, cfg.Provider.URL, cfg.Provider.Combinable)
		if err != nil {
			return fail(fmt.Errorf("wire: provider: %w", err))
		}
		closers = append(closers, client.Close)
		deps.Provider = client

		deps.Batcher = batcher.New(client, newLimiter(cfg, deps.Redis), batcher.Config{
			BatchSize:    cfg.Batcher.BatchSize,
			BatchTimeout: cfg.Batcher.BatchTimeout.Duration,
			CallTimeout:  cfg.Batcher.CallTimeout.Duration,
			Gate:         deps.Breaker,
			Registerer:   reg,
		}, logger)
		closers = append(closers, func() { _ = deps.Batcher.Close() })
		deps.Gas = rpc.NewGasOracle(deps.Batcher, cfg.Provider.CacheTTL.Duration, nil)
	} else {
		logger.Warn("no provider url configured, using static gas price",
			slog.Float64("gwei", cfg.Provider.StaticGasGwei),
		)
		deps.Gas = arbitrage.StaticGas(cfg.Provider.StaticGasGwei)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.Alerts = notify.NewAlerts(deps.Notifier, cfg.Notify.QueueDepth, logger)
	deps.Breaker.OnStateChange(func(tr breaker.Transition) {
		deps.Alerts.OnCircuit(tr.Entity, tr.To.String(), tr.Failures)
	})

	return deps, cleanup, nil
}

// newLimiter shares the flush budget through Redis when available.
func newLimiter(cfg *config.Config, client *redis.Client) batcher.Limiter {
	if client == nil {
		perSecond := float64(cfg.Batcher.RateLimit) / cfg.Batcher.RateWindow.Seconds()
		return batcher.NewTokenBucket(perSecond, cfg.Batcher.RateLimit)
	}
	return redis.NewBudget(redis.NewRateLimiter(client), cfg.Batcher.RateKey, cfg.Batcher.RateLimit, cfg.Batcher.RateWindow.Duration)
}
