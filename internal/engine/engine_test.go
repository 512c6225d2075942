package engine

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuearb/internal/arbitrage"
	"github.com/alanyoungcy/venuearb/internal/breaker"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/executor"
	"github.com/alanyoungcy/venuearb/internal/history"
	"github.com/alanyoungcy/venuearb/internal/matrix"
	"github.com/alanyoungcy/venuearb/internal/service"
	"github.com/alanyoungcy/venuearb/internal/syncer"
	"github.com/alanyoungcy/venuearb/internal/worker"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type submitter struct {
	mu  sync.Mutex
	got []domain.Opportunity
}

func (s *submitter) SubmitOpportunity(_ context.Context, opp domain.Opportunity) (domain.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, opp)
	return domain.SubmitResult{Reference: opp.ID, Accepted: true}, nil
}

func (s *submitter) submitted() []domain.Opportunity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Opportunity(nil), s.got...)
}

type harness struct {
	engine   *Engine
	clock    *clock
	sub      *submitter
	breaker  *breaker.Breaker
	mu       sync.Mutex
	outcomes []domain.OutcomeEvent
}

var t0 = time.UnixMilli(1_700_000_000_000)

func newHarness(t *testing.T, score worker.Func[domain.Opportunity, domain.Opportunity], maxExec time.Duration, tune ...func(*service.ValidatorConfig)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	u, err := domain.NewUniverse([]string{"A", "B"}, []string{"X", "Y"})
	require.NoError(t, err)

	h := &harness{clock: &clock{now: t0}, sub: &submitter{}}
	hist := history.NewStore(u, 10)

	if score == nil {
		sc := arbitrage.NewScorer(arbitrage.ScorerConfig{
			LiquidityFraction: 0.005,
			NativePriceUSD:    2000,
			Now:               h.clock.Now,
		}, arbitrage.StaticGas(2), hist, logger)
		score = sc.Score
	}

	vcfg := service.DefaultValidatorConfig()
	vcfg.Now = h.clock.Now
	for _, fn := range tune {
		fn(&vcfg)
	}
	val, err := service.NewValidator(vcfg, logger)
	require.NoError(t, err)

	h.breaker = breaker.New(breaker.Config{FailureThreshold: 3, Now: h.clock.Now}, logger)

	h.engine = New(Deps{
		Universe:   u,
		Matrix:     matrix.New(u),
		Syncer:     syncer.New(u.SymbolCount(), syncer.Config{MaxDrift: 50 * time.Millisecond}),
		History:    hist,
		Detector:   arbitrage.NewDetector(arbitrage.DetectorConfig{Universe: u, MinProfitPct: 2.5, MinAbsoluteDifference: 0.1, Now: h.clock.Now, Logger: logger}),
		Dispatcher: worker.New(score, 2, logger),
		Validator:  val,
		Executor:   executor.New(h.sub, h.breaker, executor.Config{Cooldown: time.Minute, Now: h.clock.Now}, logger),
		Gate:       h.breaker,
		Logger:     logger,
	}, Config{MaxExecutionTime: maxExec, Now: h.clock.Now})

	h.engine.OnOutcome(func(ev domain.OutcomeEvent) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.outcomes = append(h.outcomes, ev)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) at(ms int64, venue, symbol string, price float64) error {
	h.clock.Set(t0.Add(time.Duration(ms) * time.Millisecond))
	return h.engine.OnVenueUpdate(venue, symbol, price, 100_000, 1)
}

func (h *harness) waitOutcomes(t *testing.T, n int) []domain.OutcomeEvent {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.outcomes) >= n
	}, 2*time.Second, 5*time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.OutcomeEvent(nil), h.outcomes...)
}

func (h *harness) snapshot() []domain.OutcomeEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.OutcomeEvent(nil), h.outcomes...)
}

func TestEndToEndSubmitsOnce(t *testing.T) {
	h := newHarness(t, nil, 0)

	require.NoError(t, h.at(0, "A", "X", 100))
	require.NoError(t, h.at(10, "B", "X", 103))

	outs := h.waitOutcomes(t, 1)
	require.Len(t, outs, 1)
	ev := outs[0]
	assert.Equal(t, domain.OutcomeSubmitted, ev.Outcome)
	assert.True(t, ev.Opportunity.Validation.Accepted)
	assert.InDelta(t, 3.0, ev.Opportunity.SpreadPct, 1e-9)

	subs := h.sub.submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, "A", subs[0].BuyVenueName)
	assert.Equal(t, "B", subs[0].SellVenueName)
	assert.Equal(t, "X", subs[0].SymbolName)

	st := h.engine.Stats()
	assert.Equal(t, uint64(2), st.Received)
	assert.Equal(t, uint64(1), st.Groups)
	assert.Equal(t, uint64(1), st.Validation.Accepted)
}

func TestEndToEndWithUnboundedLimits(t *testing.T) {
	h := newHarness(t, nil, time.Hour, func(c *service.ValidatorConfig) {
		c.MinProfitPct = 2.5
		c.MaxSlippagePct = 100
		c.MaxGasPriceGwei = math.Inf(1)
		c.MaxExecutionTime = time.Hour
	})

	require.NoError(t, h.at(0, "A", "X", 100))
	require.NoError(t, h.at(10, "B", "X", 103))

	outs := h.waitOutcomes(t, 1)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.snapshot(), 1)

	ev := outs[0]
	assert.Equal(t, domain.OutcomeSubmitted, ev.Outcome)
	assert.InDelta(t, 3.0, ev.Opportunity.SpreadPct, 1e-9)

	subs := h.sub.submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, "A", subs[0].BuyVenueName)
	assert.Equal(t, "B", subs[0].SellVenueName)
}

func TestCooldownSuppressesRepeat(t *testing.T) {
	h := newHarness(t, nil, 0)

	require.NoError(t, h.at(0, "A", "X", 100))
	require.NoError(t, h.at(10, "B", "X", 103))
	require.NoError(t, h.at(20, "A", "X", 100))
	require.NoError(t, h.at(30, "B", "X", 103))

	h.waitOutcomes(t, 2)
	time.Sleep(30 * time.Millisecond)
	outs := h.snapshot()
	require.Len(t, outs, 2)
	assert.Equal(t, domain.OutcomeSubmitted, outs[0].Outcome)
	assert.Equal(t, domain.OutcomeSuppressed, outs[1].Outcome)
	assert.Len(t, h.sub.submitted(), 1)
}

func TestReplayedTimestampsSuppressed(t *testing.T) {
	h := newHarness(t, nil, 0)

	for range 2 {
		require.NoError(t, h.at(0, "A", "X", 100))
		require.NoError(t, h.at(10, "B", "X", 103))
	}

	h.waitOutcomes(t, 2)
	time.Sleep(30 * time.Millisecond)
	outs := h.snapshot()
	require.Len(t, outs, 2)
	assert.Equal(t, domain.OutcomeSubmitted, outs[0].Outcome)
	assert.Equal(t, domain.OutcomeSuppressed, outs[1].Outcome)
	assert.Len(t, h.sub.submitted(), 1)
}

func TestNoOpportunityBeyondDrift(t *testing.T) {
	h := newHarness(t, nil, 0)

	require.NoError(t, h.at(0, "A", "X", 100))
	require.NoError(t, h.at(60, "B", "X", 103))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sub.submitted())
	assert.Zero(t, h.engine.Stats().Groups)
}

func TestSymbolsAreIndependent(t *testing.T) {
	h := newHarness(t, nil, 0)

	require.NoError(t, h.at(0, "A", "X", 100))
	require.NoError(t, h.at(5, "A", "Y", 50))
	require.NoError(t, h.at(10, "B", "Y", 52))
	require.NoError(t, h.at(15, "B", "X", 100.5))

	outs := h.waitOutcomes(t, 1)
	require.Len(t, outs, 1)
	assert.Equal(t, "Y", outs[0].Opportunity.SymbolName)
	assert.Equal(t, uint64(2), h.engine.Stats().Groups)
}

func TestRejectsUnknownKeys(t *testing.T) {
	h := newHarness(t, nil, 0)

	assert.ErrorIs(t, h.at(0, "Z", "X", 1), domain.ErrInvalidKey)
	assert.ErrorIs(t, h.at(0, "A", "Q", 1), domain.ErrInvalidKey)
	assert.Equal(t, uint64(2), h.engine.Stats().Dropped)
}

func TestInactiveSymbolDropped(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.engine.SetActive([]domain.SymbolID{1})
	assert.False(t, h.engine.Active(0))
	assert.True(t, h.engine.Active(1))

	assert.ErrorIs(t, h.at(0, "A", "X", 100), domain.ErrSymbolInactive)
	assert.ErrorIs(t, h.at(10, "B", "X", 103), domain.ErrSymbolInactive)
	require.NoError(t, h.at(20, "A", "Y", 100))
	require.NoError(t, h.at(30, "B", "Y", 103))

	outs := h.waitOutcomes(t, 1)
	assert.Equal(t, "Y", outs[0].Opportunity.SymbolName)
	st := h.engine.Stats()
	assert.Equal(t, uint64(2), st.Dropped)
	assert.Equal(t, uint64(1), st.Groups)

	q, err := h.engine.Quotes("X")
	require.NoError(t, err)
	assert.False(t, q.Active)
	for _, v := range q.Venues {
		assert.False(t, v.HasCurrent)
	}

	h.engine.SetActive([]domain.SymbolID{0, 1})
	assert.NoError(t, h.at(40, "A", "X", 100))
}

func TestQuotesReadMatrixColumn(t *testing.T) {
	h := newHarness(t, nil, 0)
	require.NoError(t, h.at(0, "A", "X", 100))

	q, err := h.engine.Quotes("X")
	require.NoError(t, err)
	assert.Equal(t, "X", q.Symbol)
	assert.True(t, q.Active)
	require.Len(t, q.Venues, 2)
	assert.Equal(t, "A", q.Venues[0].Venue)
	require.True(t, q.Venues[0].HasCurrent)
	assert.Equal(t, 100.0, q.Venues[0].Current.Price)
	assert.Equal(t, "B", q.Venues[1].Venue)
	assert.False(t, q.Venues[1].HasCurrent)

	// A closed group retires the column into the previous slots.
	require.NoError(t, h.at(10, "B", "X", 100.05))
	q, err = h.engine.Quotes("X")
	require.NoError(t, err)
	for _, v := range q.Venues {
		assert.False(t, v.HasCurrent)
		assert.True(t, v.HasPrevious)
	}

	_, err = h.engine.Quotes("Q")
	assert.ErrorIs(t, err, domain.ErrInvalidKey)
}

func TestInvalidPricesTripVenueCircuit(t *testing.T) {
	h := newHarness(t, nil, 0)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, h.at(int64(i), "A", "X", -1), domain.ErrInvalidObservation)
	}
	assert.ErrorIs(t, h.at(5, "A", "X", 100), domain.ErrCircuitOpen)
	assert.NoError(t, h.at(5, "B", "X", 100))
	assert.Equal(t, breaker.StateOpen, h.breaker.State("A").State)
}

func TestValidTickClosesRecoveringVenue(t *testing.T) {
	h := newHarness(t, nil, 0)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, h.at(int64(i), "A", "X", -1), domain.ErrInvalidObservation)
	}
	require.Equal(t, breaker.StateOpen, h.breaker.State("A").State)

	// Past the 30s recovery time the first call is admitted half-open.
	ms := int64(31_000)
	require.NoError(t, h.at(ms, "A", "X", 100))
	assert.Equal(t, breaker.StateClosed, h.breaker.State("A").State)

	for i := int64(1); i <= 50; i++ {
		assert.NoError(t, h.at(ms+i*1000, "A", "X", 100))
	}
	assert.Equal(t, breaker.StateClosed, h.breaker.State("A").State)
	assert.Zero(t, h.breaker.State("A").Failures)
}

func TestConcurrentVenuesKeepGroupOrder(t *testing.T) {
	h := newHarness(t, nil, 0)
	const n = 150

	feed := func(venue domain.VenueID, offset time.Duration, price float64) {
		for i := 0; i < n; i++ {
			_ = h.engine.Ingest(domain.Observation{
				Venue:     venue,
				Symbol:    0,
				Price:     price,
				Liquidity: 100_000,
				Volume:    1,
				Timestamp: t0.Add(time.Duration(i)*20*time.Millisecond + offset),
			})
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); feed(0, 0, 100) }()
	go func() { defer wg.Done(); feed(1, 5*time.Millisecond, 103) }()
	wg.Wait()

	st := h.engine.Stats()
	require.NotZero(t, st.Detected)
	want := int(st.Detected - st.Overflowed)
	require.Eventually(t, func() bool { return len(h.snapshot()) == want }, 2*time.Second, 5*time.Millisecond)

	outs := h.snapshot()
	for i := 1; i < len(outs); i++ {
		assert.True(t, outs[i].Opportunity.ObservedAt.After(outs[i-1].Opportunity.ObservedAt),
			"group %d observed at %v after %v", i, outs[i].Opportunity.ObservedAt, outs[i-1].Opportunity.ObservedAt)
	}
}

func TestSlowScoringRejected(t *testing.T) {
	slow := func(ctx context.Context, o domain.Opportunity) (domain.Opportunity, error) {
		<-ctx.Done()
		return o, ctx.Err()
	}
	h := newHarness(t, slow, 20*time.Millisecond)

	require.NoError(t, h.at(0, "A", "X", 100))
	require.NoError(t, h.at(10, "B", "X", 103))

	outs := h.waitOutcomes(t, 1)
	assert.Equal(t, domain.OutcomeRejected, outs[0].Outcome)
	assert.Equal(t, domain.ReasonExecutionTime, outs[0].Opportunity.Validation.Reason)
	assert.Empty(t, h.sub.submitted())
}

func TestReplayProducesSameDecisions(t *testing.T) {
	type step struct {
		ms            int64
		venue, symbol string
		price         float64
	}
	seq := []step{
		{0, "A", "X", 100}, {10, "B", "X", 103},
		{100, "A", "Y", 10}, {130, "B", "Y", 10.1},
		{200, "B", "X", 99}, {210, "A", "X", 99.5},
		{300, "A", "X", 100}, {400, "B", "X", 110},
	}
	type decision struct {
		outcome   domain.Outcome
		reason    domain.RejectReason
		buy, sell string
		spread    float64
	}

	run := func() []decision {
		h := newHarness(t, nil, 0)
		for _, s := range seq {
			_ = h.at(s.ms, s.venue, s.symbol, s.price)
		}
		h.waitOutcomes(t, 1)
		time.Sleep(30 * time.Millisecond)
		h.mu.Lock()
		defer h.mu.Unlock()
		out := make([]decision, 0, len(h.outcomes))
		for _, ev := range h.outcomes {
			out = append(out, decision{
				outcome: ev.Outcome,
				reason:  ev.Opportunity.Validation.Reason,
				buy:     ev.Opportunity.BuyVenueName,
				sell:    ev.Opportunity.SellVenueName,
				spread:  ev.Opportunity.SpreadPct,
			})
		}
		return out
	}

	first := run()
	require.Len(t, first, 1)
	assert.Equal(t, first, run())
}
