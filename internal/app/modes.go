package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/venuearb/internal/arbitrage"
	"github.com/alanyoungcy/venuearb/internal/crypto"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/engine"
	"github.com/alanyoungcy/venuearb/internal/executor"
	"github.com/alanyoungcy/venuearb/internal/feed"
	"github.com/alanyoungcy/venuearb/internal/history"
	"github.com/alanyoungcy/venuearb/internal/matrix"
	"github.com/alanyoungcy/venuearb/internal/rotation"
	"github.com/alanyoungcy/venuearb/internal/server"
	"github.com/alanyoungcy/venuearb/internal/service"
	"github.com/alanyoungcy/venuearb/internal/syncer"
	"github.com/alanyoungcy/venuearb/internal/worker"
)

// MonitorMode runs the full pipeline but only logs accepted opportunities.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	return a.run(ctx, deps, executor.NewLogSubmitter(a.logger))
}

// LiveMode hands accepted opportunities to downstream executors through the
// Redis stream and channel.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode",
		slog.String("stream", a.cfg.Execution.Stream),
		slog.String("channel", a.cfg.Execution.Channel),
	)
	if deps.SignalBus == nil {
		return errors.New("app: live mode requires redis")
	}
	sub := executor.NewStreamSubmitter(deps.SignalBus, a.cfg.Execution.Stream, a.cfg.Execution.Channel, a.logger)

	key, err := crypto.LoadKey(crypto.KeySource{
		Hex:      a.cfg.Execution.SigningKey,
		Path:     a.cfg.Execution.SigningKeyPath,
		Password: a.cfg.Execution.SigningKeyPassword,
	})
	switch {
	case err == nil:
		signer := crypto.NewSigner(key)
		sub.WithSigner(signer)
		a.logger.InfoContext(ctx, "signing stream payloads", slog.String("signer", signer.Address()))
	case errors.Is(err, crypto.ErrNoKey):
		a.logger.WarnContext(ctx, "no signing key configured, stream payloads are unsigned")
	default:
		return fmt.Errorf("app: signing key: %w", err)
	}
	return a.run(ctx, deps, sub)
}

// buildEngine assembles the ingestion-to-execution pipeline around sub.
func (a *App) buildEngine(deps *Dependencies, sub domain.Submitter) (*engine.Engine, error) {
	cfg := a.cfg
	u := deps.Universe
	hist := history.NewStore(u, cfg.History.WindowSize)

	scorer := arbitrage.NewScorer(arbitrage.ScorerConfig{
		LiquidityFraction: cfg.Execution.LiquidityFraction,
		MaxTradeUnits:     cfg.Execution.MaxTradeUnits,
		GasUnits:          cfg.Provider.GasUnits,
		NativePriceUSD:    cfg.Provider.NativePriceUSD,
		MaxGasPriceGwei:   cfg.Validator.MaxGasPriceGwei,
		GasBuffer:         cfg.Provider.GasBuffer,
		DeadlineOffset:    cfg.Execution.DeadlineOffset.Duration,
		MaxDataAge:        cfg.Validator.MaxDataAge.Duration,
		MaxVolatility:     cfg.History.MaxVolatility,
	}, deps.Gas, hist, a.logger)

	order := make([]domain.RejectReason, len(cfg.Validator.Order))
	for i, s := range cfg.Validator.Order {
		order[i] = domain.RejectReason(s)
	}
	validator, err := service.NewValidator(service.ValidatorConfig{
		MaxDataAge:        cfg.Validator.MaxDataAge.Duration,
		MinProfitPct:      cfg.Detector.MinProfitPct,
		MinProfitUSD:      cfg.Validator.MinProfitUSD,
		MaxSlippagePct:    cfg.Validator.MaxSlippagePct,
		MaxGasPriceGwei:   cfg.Validator.MaxGasPriceGwei,
		MaxExecutionTime:  cfg.Validator.MaxExecutionTime.Duration,
		BaseLatency:       cfg.Validator.BaseLatency.Duration,
		CongestionLatency: cfg.Validator.CongestionLatency.Duration,
		ComplexityLatency: cfg.Validator.ComplexityLatency.Duration,
		Order:             order,
		Registerer:        deps.Registry,
	}, a.logger)
	if err != nil {
		return nil, err
	}

	eng := engine.New(engine.Deps{
		Universe: u,
		Matrix:   matrix.New(u),
		Syncer: syncer.New(u.SymbolCount(), syncer.Config{
			MaxDrift:  cfg.Sync.MaxDrift.Duration,
			MinVenues: cfg.Sync.MinVenues,
		}),
		History: hist,
		Detector: arbitrage.NewDetector(arbitrage.DetectorConfig{
			Universe:              u,
			MinProfitPct:          cfg.Detector.MinProfitPct,
			MinAbsoluteDifference: cfg.Detector.MinAbsoluteDifference,
			Logger:                a.logger,
		}),
		Dispatcher: worker.New(scorer.Score, cfg.Workers.Count, a.logger),
		Validator:  validator,
		Executor: executor.New(sub, deps.Breaker, executor.Config{
			Cooldown:      cfg.Execution.Cooldown.Duration,
			SubmitTimeout: cfg.Execution.SubmitTimeout.Duration,
		}, a.logger),
		Gate:   deps.Breaker,
		Logger: a.logger,
	}, engine.Config{
		MaxExecutionTime: cfg.Validator.MaxExecutionTime.Duration,
		SequencerBuffer:  cfg.Workers.SequencerBuffer,
		ReportInterval:   cfg.Workers.ReportInterval.Duration,
	})
	eng.OnOutcome(deps.Alerts.OnOutcome)
	return eng, nil
}

// run starts the engine, its feeds and the support loops under one group.
func (a *App) run(ctx context.Context, deps *Dependencies, sub domain.Submitter) error {
	eng, err := a.buildEngine(deps, sub)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return deps.Breaker.Run(ctx) })
	g.Go(func() error { return deps.Alerts.Run(ctx) })

	rot := rotation.New(deps.Universe, rotation.Config{
		MaxActive:    a.cfg.Rotation.MaxActive,
		Interval:     a.cfg.Rotation.Interval.Duration,
		StableAssets: a.cfg.Rotation.StableAssets,
		BaseAssets:   a.cfg.Rotation.BaseAssets,
	}, eng, a.logger)
	if rot.Enabled() {
		g.Go(func() error { return rot.Run(ctx) })
	}

	if ch := a.cfg.Feed.BusChannel; ch != "" && deps.SignalBus != nil {
		bf := feed.NewBusFeed(deps.SignalBus, ch, eng, a.logger)
		g.Go(func() error { return bf.Run(ctx) })
	}
	if st := a.cfg.Feed.ReplayStream; st != "" && deps.SignalBus != nil {
		sf := feed.NewStreamFeed(deps.SignalBus, feed.StreamConfig{
			Stream: st,
			From:   a.cfg.Feed.ReplayFrom,
			Batch:  a.cfg.Feed.ReplayBatch,
		}, eng, a.logger)
		g.Go(func() error { return sf.Run(ctx) })
	}
	for _, vf := range a.cfg.Feed.Venues {
		ws := feed.NewWSFeed(feed.WSConfig{
			Venue:             vf.Venue,
			URL:               vf.URL,
			Symbols:           a.cfg.Universe.Symbols,
			PongWait:          a.cfg.Feed.PongWait.Duration,
			ReconnectDelay:    a.cfg.Feed.ReconnectDelay.Duration,
			MaxReconnectDelay: a.cfg.Feed.MaxReconnectDelay.Duration,
			Gate:              deps.Breaker,
		}, eng, a.logger)
		g.Go(func() error { return ws.Run(ctx) })
	}

	if a.cfg.Server.Enabled {
		srv := server.New(server.Config{
			Addr:   a.cfg.Server.Addr,
			APIKey: a.cfg.Server.APIKey,
		}, eng, deps.Breaker, eng, deps.Registry, deps.Registry, a.logger)
		g.Go(func() error { return srv.Run(ctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return err
}
