// Package executor hands accepted opportunities to the execution
// collaborator, enforcing a per-pair cooldown and the execution circuit.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// Gate is the circuit breaker view the executor needs.
type Gate interface {
	CanProceed(entity string) bool
	RecordFailure(entity string)
	Reset(entity string)
}

// Config configures an Executor.
type Config struct {
	Cooldown        time.Duration // minimum interval between submissions of one (symbol, buy, sell)
	SubmitTimeout   time.Duration
	CleanupInterval time.Duration
	Entity          string // breaker key, default "execution"
	Now             func() time.Time
}

// Executor submits validated opportunities at most once per cooldown window
// per venue pair.
type Executor struct {
	submitter domain.Submitter
	gate      Gate
	dedup     *Dedup
	cfg       Config
	logger    *slog.Logger
}

// New creates an Executor. gate may be nil.
func New(submitter domain.Submitter, gate Gate, cfg Config, logger *slog.Logger) *Executor {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	if cfg.Entity == "" {
		cfg.Entity = "execution"
	}
	return &Executor{
		submitter: submitter,
		gate:      gate,
		dedup:     NewDedup(cfg.Cooldown, cfg.Now),
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "executor")),
	}
}

// Execute submits opp unless its pair is cooling down or the execution
// circuit is open. The returned event carries the terminal outcome.
func (e *Executor) Execute(ctx context.Context, opp domain.Opportunity) domain.OutcomeEvent {
	ev := domain.OutcomeEvent{Opportunity: opp}

	key := opp.PairKey()
	if e.dedup.IsDuplicate(key) {
		e.logger.DebugContext(ctx, "pair in cooldown, suppressing",
			slog.String("opp_id", opp.ID),
			slog.String("pair", key),
		)
		ev.Outcome = domain.OutcomeSuppressed
		return ev
	}

	if e.gate != nil && !e.gate.CanProceed(e.cfg.Entity) {
		e.dedup.Forget(key)
		ev.Outcome = domain.OutcomeSubmitFailed
		ev.Err = fmt.Errorf("executor: %s: %w", e.cfg.Entity, domain.ErrCircuitOpen)
		return ev
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()

	res, err := e.submitter.SubmitOpportunity(sctx, opp)
	if err != nil {
		if e.gate != nil {
			e.gate.RecordFailure(e.cfg.Entity)
		}
		e.dedup.Forget(key)
		e.logger.ErrorContext(ctx, "submit failed",
			slog.String("opp_id", opp.ID),
			slog.String("pair", key),
			slog.String("error", err.Error()),
		)
		ev.Outcome = domain.OutcomeSubmitFailed
		ev.Err = fmt.Errorf("executor: submit %s: %w", opp.ID, err)
		return ev
	}
	if e.gate != nil {
		e.gate.Reset(e.cfg.Entity)
	}

	e.logger.InfoContext(ctx, "opportunity submitted",
		slog.String("opp_id", opp.ID),
		slog.String("pair", key),
		slog.String("reference", res.Reference),
		slog.Bool("accepted", res.Accepted),
	)
	ev.Outcome = domain.OutcomeSubmitted
	ev.Result = res
	return ev
}

// Run periodically drops expired cooldown entries until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := e.dedup.Cleanup(); n > 0 {
				e.logger.DebugContext(ctx, "cooldown entries expired", slog.Int("count", n))
			}
		}
	}
}
