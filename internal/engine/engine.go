// Package engine drives the ingestion-to-execution pipeline: venue updates
// flow into the position matrix and drift synchronizer, synchronized groups
// are searched for opportunities, scored on the worker pool, validated in
// per-symbol order and finally handed to the executor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/venuearb/internal/arbitrage"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/executor"
	"github.com/alanyoungcy/venuearb/internal/history"
	"github.com/alanyoungcy/venuearb/internal/matrix"
	"github.com/alanyoungcy/venuearb/internal/service"
	"github.com/alanyoungcy/venuearb/internal/syncer"
	"github.com/alanyoungcy/venuearb/internal/worker"
)

// Gate is the circuit breaker view used at the ingestion boundary.
type Gate interface {
	CanProceed(entity string) bool
	RecordFailure(entity string)
	RecordSuccess(entity string)
}

// Config tunes the engine.
type Config struct {
	// MaxExecutionTime bounds how long an opportunity may wait for scoring
	// before it is rejected as too slow.
	MaxExecutionTime time.Duration
	// SequencerBuffer is the per-symbol backlog of opportunities awaiting
	// validation; further opportunities are dropped while it is full.
	SequencerBuffer int
	ReportInterval  time.Duration
	Now             func() time.Time
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Universe   *domain.Universe
	Matrix     *matrix.Matrix
	Syncer     *syncer.Synchronizer
	History    *history.Store
	Detector   *arbitrage.Detector
	Dispatcher *worker.Dispatcher[domain.Opportunity, domain.Opportunity]
	Validator  *service.Validator
	Executor   *executor.Executor
	Gate       Gate
	Logger     *slog.Logger
}

type job struct {
	opp      domain.Opportunity
	fut      *worker.Future[domain.Opportunity]
	deadline time.Time
}

// Engine is safe for concurrent OnVenueUpdate calls from one goroutine per
// venue.
type Engine struct {
	d      Deps
	cfg    Config
	logger *slog.Logger

	seqs   []chan job
	ingest []sync.Mutex
	active []atomic.Bool

	lmu       sync.RWMutex
	listeners []func(domain.OutcomeEvent)

	received   atomic.Uint64
	dropped    atomic.Uint64
	groups     atomic.Uint64
	detected   atomic.Uint64
	overflowed atomic.Uint64
}

// New creates an engine. Run must be called for opportunities to be
// evaluated.
func New(d Deps, cfg Config) *Engine {
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = 2 * time.Second
	}
	if cfg.SequencerBuffer <= 0 {
		cfg.SequencerBuffer = 64
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	e := &Engine{
		d:      d,
		cfg:    cfg,
		logger: d.Logger.With(slog.String("component", "engine")),
		seqs:   make([]chan job, d.Universe.SymbolCount()),
		ingest: make([]sync.Mutex, d.Universe.SymbolCount()),
		active: make([]atomic.Bool, d.Universe.SymbolCount()),
	}
	for i := range e.seqs {
		e.seqs[i] = make(chan job, cfg.SequencerBuffer)
		e.active[i].Store(true)
	}
	return e
}

// OnOutcome registers fn to receive every terminal opportunity outcome.
// Listeners run on the symbol's sequencer goroutine and must not block.
func (e *Engine) OnOutcome(fn func(domain.OutcomeEvent)) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// OnVenueUpdate ingests one tuple from a venue feed. The observation is
// stamped with the local clock. Unknown names, an open venue circuit,
// invalid numbers and out-of-order writes are dropped with an error; nothing
// here blocks on analysis.
func (e *Engine) OnVenueUpdate(venue, symbol string, price, liquidity, volume float64) error {
	e.received.Add(1)

	v, err := e.d.Universe.Venue(venue)
	if err != nil {
		return e.drop(venue, symbol, err)
	}
	s, err := e.d.Universe.Symbol(symbol)
	if err != nil {
		return e.drop(venue, symbol, err)
	}

	if e.d.Gate != nil && !e.d.Gate.CanProceed(venue) {
		return e.drop(venue, symbol, fmt.Errorf("engine: venue %s: %w", venue, domain.ErrCircuitOpen))
	}

	obs := domain.Observation{
		Venue:     v,
		Symbol:    s,
		Price:     price,
		Liquidity: liquidity,
		Volume:    volume,
		Timestamp: e.cfg.Now(),
	}
	if !obs.Valid() {
		if e.d.Gate != nil {
			e.d.Gate.RecordFailure(venue)
		}
		return e.drop(venue, symbol, fmt.Errorf("engine: %s/%s price=%v liquidity=%v: %w",
			venue, symbol, price, liquidity, domain.ErrInvalidObservation))
	}
	if e.d.Gate != nil {
		e.d.Gate.RecordSuccess(venue)
	}

	return e.Ingest(obs)
}

// Ingest runs an already resolved observation through the pipeline. Calls
// for one symbol are serialized from the matrix write to the sequencer
// hand-off, so groups reach the sequencer in the order they closed.
func (e *Engine) Ingest(obs domain.Observation) error {
	if !e.d.Universe.ValidSymbol(obs.Symbol) {
		return e.drop(e.d.Universe.VenueName(obs.Venue), "", fmt.Errorf("engine: symbol %d: %w", obs.Symbol, domain.ErrInvalidKey))
	}
	if !e.active[obs.Symbol].Load() {
		name := e.d.Universe.SymbolName(obs.Symbol)
		return e.drop(e.d.Universe.VenueName(obs.Venue), name, fmt.Errorf("engine: %s: %w", name, domain.ErrSymbolInactive))
	}
	mu := &e.ingest[obs.Symbol]
	mu.Lock()
	defer mu.Unlock()

	if err := e.d.Matrix.Update(obs); err != nil {
		return e.drop(e.d.Universe.VenueName(obs.Venue), e.d.Universe.SymbolName(obs.Symbol), err)
	}
	if e.d.History != nil {
		e.d.History.Push(obs)
	}

	group, ok := e.d.Syncer.RegisterUpdate(obs)
	if !ok {
		return nil
	}
	e.groups.Add(1)
	if err := e.d.Matrix.ResetSymbol(group.Symbol); err != nil {
		return err
	}

	opps := e.d.Detector.Detect(group)
	if len(opps) == 0 {
		return nil
	}
	e.detected.Add(uint64(len(opps)))

	// Wall-clock bound on the wait for scoring, independent of the
	// observation clock.
	deadline := time.Now().Add(e.cfg.MaxExecutionTime)
	seq := e.seqs[group.Symbol]
	for _, opp := range opps {
		j := job{opp: opp, fut: e.d.Dispatcher.Submit(opp), deadline: deadline}
		select {
		case seq <- j:
		default:
			e.overflowed.Add(1)
			e.logger.Warn("sequencer backlog full, dropping opportunity",
				slog.String("symbol", opp.SymbolName),
				slog.String("opp_id", opp.ID),
			)
		}
	}
	return nil
}

// SetActive restricts analysis to ids; every symbol starts active.
// Observations for other symbols are dropped with domain.ErrSymbolInactive.
func (e *Engine) SetActive(ids []domain.SymbolID) {
	want := make([]bool, len(e.active))
	for _, id := range ids {
		if e.d.Universe.ValidSymbol(id) {
			want[id] = true
		}
	}
	for i := range e.active {
		e.active[i].Store(want[i])
	}
}

// Active reports whether s is currently analysed.
func (e *Engine) Active(s domain.SymbolID) bool {
	return e.d.Universe.ValidSymbol(s) && e.active[s].Load()
}

// Quote is one venue's slot of the position matrix.
type Quote struct {
	Venue string
	matrix.Cell
}

// SymbolQuotes is the matrix column of one symbol.
type SymbolQuotes struct {
	Symbol string
	Active bool
	Venues []Quote
}

// Quotes returns the current and previous observation of every venue for
// the named symbol.
func (e *Engine) Quotes(symbol string) (SymbolQuotes, error) {
	s, err := e.d.Universe.Symbol(symbol)
	if err != nil {
		return SymbolQuotes{}, err
	}
	cells, err := e.d.Matrix.ReadSymbol(s)
	if err != nil {
		return SymbolQuotes{}, err
	}
	out := SymbolQuotes{Symbol: symbol, Active: e.Active(s), Venues: make([]Quote, len(cells))}
	for v, c := range cells {
		out.Venues[v] = Quote{Venue: e.d.Universe.VenueName(domain.VenueID(v)), Cell: c}
	}
	return out, nil
}

func (e *Engine) drop(venue, symbol string, err error) error {
	e.dropped.Add(1)
	e.logger.Debug("observation dropped",
		slog.String("venue", venue),
		slog.String("symbol", symbol),
		slog.String("error", err.Error()),
	)
	return err
}

// Run starts the worker pool, one sequencer per symbol and the periodic
// report, and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.d.Dispatcher.Start(ctx)
	defer e.d.Dispatcher.Stop()

	g, ctx := errgroup.WithContext(ctx)
	for i := range e.seqs {
		ch := e.seqs[i]
		g.Go(func() error { return e.sequence(ctx, ch) })
	}
	g.Go(func() error { return e.d.Executor.Run(ctx) })
	g.Go(func() error { return e.report(ctx) })

	e.logger.InfoContext(ctx, "engine started",
		slog.Int("venues", e.d.Universe.VenueCount()),
		slog.Int("symbols", e.d.Universe.SymbolCount()),
		slog.Int("workers", e.d.Dispatcher.Stats().Workers),
	)
	defer e.logger.Info("engine stopped")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

// sequence evaluates one symbol's opportunities in the order their groups
// closed. Scoring runs in parallel on the pool; validation and submission
// for the symbol happen here one at a time.
func (e *Engine) sequence(ctx context.Context, jobs <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-jobs:
			e.emit(e.evaluate(ctx, j))
		}
	}
}

func (e *Engine) evaluate(ctx context.Context, j job) domain.OutcomeEvent {
	wctx, cancel := context.WithDeadline(ctx, j.deadline)
	scored, err := j.fut.Await(wctx)
	cancel()

	if err != nil {
		opp := j.opp
		opp.Validation = e.d.Validator.RejectTimeout(opp, e.cfg.MaxExecutionTime)
		return domain.OutcomeEvent{Opportunity: opp, Outcome: domain.OutcomeRejected, Err: err}
	}

	scored.Validation = e.d.Validator.Validate(ctx, scored)
	if !scored.Validation.Accepted {
		return domain.OutcomeEvent{Opportunity: scored, Outcome: domain.OutcomeRejected}
	}
	return e.d.Executor.Execute(ctx, scored)
}

func (e *Engine) emit(ev domain.OutcomeEvent) {
	e.lmu.RLock()
	listeners := e.listeners
	e.lmu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Stats is a snapshot of ingestion counters.
type Stats struct {
	Received   uint64
	Dropped    uint64
	Groups     uint64
	Detected   uint64
	Overflowed uint64
	Workers    worker.Stats
	Validation service.ValidatorMetrics
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Received:   e.received.Load(),
		Dropped:    e.dropped.Load(),
		Groups:     e.groups.Load(),
		Detected:   e.detected.Load(),
		Overflowed: e.overflowed.Load(),
		Workers:    e.d.Dispatcher.Stats(),
		Validation: e.d.Validator.Metrics(),
	}
}

func (e *Engine) report(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			st := e.Stats()
			attrs := []any{
				slog.Uint64("received", st.Received),
				slog.Uint64("dropped", st.Dropped),
				slog.Uint64("groups", st.Groups),
				slog.Uint64("detected", st.Detected),
				slog.Uint64("overflowed", st.Overflowed),
				slog.Uint64("validated", st.Validation.Total),
				slog.Uint64("accepted", st.Validation.Accepted),
				slog.Float64("reject_pct", st.Validation.RejectPct),
				slog.Int64("busy_workers", st.Workers.Busy),
				slog.Int64("queued_tasks", st.Workers.Queued),
				slog.Uint64("respawns", st.Workers.Respawns),
			}
			for reason, n := range st.Validation.Rejected {
				attrs = append(attrs, slog.Uint64("rejected_"+string(reason), n))
			}
			e.logger.InfoContext(ctx, "performance report", attrs...)
		}
	}
}
