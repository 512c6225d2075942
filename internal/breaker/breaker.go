// Package breaker implements per-entity circuit breakers used to stop
// admitting data or calls from a misbehaving venue, provider or executor.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// State is the circuit state of one entity.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes every circuit managed by a Breaker.
type Config struct {
	FailureThreshold    int
	RecoveryTime        time.Duration
	HalfOpenProbability float64
	SweepInterval       time.Duration

	// Now and Rand are injectable for tests.
	Now  func() time.Time
	Rand func() float64

	Registerer prometheus.Registerer
}

// Snapshot is a copy of one entity's circuit.
type Snapshot struct {
	Entity      string
	State       State
	Failures    int
	OpenedAt    time.Time
	LastFailure time.Time
}

// Transition is passed to state-change listeners.
type Transition struct {
	Entity   string
	From     State
	To       State
	Failures int
	At       time.Time
}

type circuit struct {
	state       State
	failures    int
	openedAt    time.Time
	lastFailure time.Time
}

// Breaker holds one circuit per entity key. Unknown entities are treated as
// closed until their first recorded failure.
type Breaker struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	circuits map[string]*circuit

	lmu       sync.RWMutex
	listeners []func(Transition)

	transitions *prometheus.CounterVec
	rejected    *prometheus.CounterVec
}

// New creates a Breaker. Zero values fall back to threshold 5, recovery 30s,
// half-open probability 0.5 and a 10s sweep.
func New(cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTime <= 0 {
		cfg.RecoveryTime = 30 * time.Second
	}
	if cfg.HalfOpenProbability <= 0 || cfg.HalfOpenProbability > 1 {
		cfg.HalfOpenProbability = 0.5
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}

	factory := promauto.With(cfg.Registerer)
	return &Breaker{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "breaker")),
		circuits: make(map[string]*circuit),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "venuearb",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit state transitions by target state.",
		}, []string{"to"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "venuearb",
			Subsystem: "breaker",
			Name:      "rejected_total",
			Help:      "Calls refused because the circuit was not closed.",
		}, []string{"state"}),
	}
}

// OnStateChange registers fn to be called after every transition. Listeners
// run synchronously on the goroutine that caused the transition.
func (b *Breaker) OnStateChange(fn func(Transition)) {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// CanProceed reports whether a call for entity may go ahead. An open circuit
// whose recovery time has elapsed moves to half-open and admits the call;
// a half-open circuit admits each call with the configured probability.
func (b *Breaker) CanProceed(entity string) bool {
	b.mu.Lock()
	c, ok := b.circuits[entity]
	if !ok {
		b.mu.Unlock()
		return true
	}

	var (
		allowed bool
		tr      *Transition
	)
	switch c.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		now := b.cfg.Now()
		if now.Sub(c.openedAt) >= b.cfg.RecoveryTime {
			tr = b.move(entity, c, StateHalfOpen, now)
			allowed = true
		}
	case StateHalfOpen:
		allowed = b.cfg.Rand() < b.cfg.HalfOpenProbability
	}
	state := c.state
	b.mu.Unlock()

	if !allowed {
		b.rejected.WithLabelValues(state.String()).Inc()
	}
	b.emit(tr)
	return allowed
}

// Allow is CanProceed expressed as an error wrapping domain.ErrCircuitOpen.
func (b *Breaker) Allow(entity string) error {
	if b.CanProceed(entity) {
		return nil
	}
	return fmt.Errorf("breaker: %s: %w", entity, domain.ErrCircuitOpen)
}

// RecordFailure counts a failure for entity. Reaching the threshold opens a
// closed circuit; any failure while half-open re-opens it.
func (b *Breaker) RecordFailure(entity string) {
	now := b.cfg.Now()

	b.mu.Lock()
	c, ok := b.circuits[entity]
	if !ok {
		c = &circuit{}
		b.circuits[entity] = c
	}
	c.failures++
	c.lastFailure = now

	var tr *Transition
	switch c.state {
	case StateClosed:
		if c.failures >= b.cfg.FailureThreshold {
			tr = b.move(entity, c, StateOpen, now)
		}
	case StateHalfOpen:
		tr = b.move(entity, c, StateOpen, now)
	case StateOpen:
		c.openedAt = now
	}
	b.mu.Unlock()

	b.emit(tr)
}

// Reset closes the circuit for entity and clears its failure count.
func (b *Breaker) Reset(entity string) {
	b.mu.Lock()
	c, ok := b.circuits[entity]
	if !ok {
		b.mu.Unlock()
		return
	}
	var tr *Transition
	if c.state != StateClosed {
		tr = b.move(entity, c, StateClosed, b.cfg.Now())
	}
	c.failures = 0
	b.mu.Unlock()

	b.emit(tr)
}

// RecordSuccess closes a half-open circuit for entity. Closed and open
// circuits are left alone, so a success admitted by chance while open cannot
// cut the recovery time short.
func (b *Breaker) RecordSuccess(entity string) {
	b.mu.Lock()
	c, ok := b.circuits[entity]
	if !ok || c.state != StateHalfOpen {
		b.mu.Unlock()
		return
	}
	tr := b.move(entity, c, StateClosed, b.cfg.Now())
	c.failures = 0
	b.mu.Unlock()

	b.emit(tr)
}

// State returns a copy of the circuit for entity.
func (b *Breaker) State(entity string) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[entity]
	if !ok {
		return Snapshot{Entity: entity, State: StateClosed}
	}
	return Snapshot{
		Entity:      entity,
		State:       c.state,
		Failures:    c.failures,
		OpenedAt:    c.openedAt,
		LastFailure: c.lastFailure,
	}
}

// Snapshots returns every tracked circuit sorted by entity.
func (b *Breaker) Snapshots() []Snapshot {
	b.mu.Lock()
	out := make([]Snapshot, 0, len(b.circuits))
	for entity, c := range b.circuits {
		out = append(out, Snapshot{
			Entity:      entity,
			State:       c.state,
			Failures:    c.failures,
			OpenedAt:    c.openedAt,
			LastFailure: c.lastFailure,
		})
	}
	b.mu.Unlock()

	slices.SortFunc(out, func(a, b Snapshot) int { return strings.Compare(a.Entity, b.Entity) })
	return out
}

// Sweep force-resets every open circuit whose recovery time has elapsed.
// It returns the number of circuits reset.
func (b *Breaker) Sweep() int {
	now := b.cfg.Now()

	b.mu.Lock()
	var trs []*Transition
	for entity, c := range b.circuits {
		if c.state == StateOpen && now.Sub(c.openedAt) >= b.cfg.RecoveryTime {
			trs = append(trs, b.move(entity, c, StateClosed, now))
			c.failures = 0
		}
	}
	b.mu.Unlock()

	for _, tr := range trs {
		b.emit(tr)
	}
	return len(trs)
}

// Run sweeps on the configured interval until ctx is cancelled.
func (b *Breaker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := b.Sweep(); n > 0 {
				b.logger.InfoContext(ctx, "maintenance sweep reset circuits", slog.Int("count", n))
			}
		}
	}
}

// move changes state and returns the transition to emit. Caller holds b.mu.
func (b *Breaker) move(entity string, c *circuit, to State, now time.Time) *Transition {
	from := c.state
	c.state = to
	if to == StateOpen {
		c.openedAt = now
	}
	return &Transition{Entity: entity, From: from, To: to, Failures: c.failures, At: now}
}

func (b *Breaker) emit(tr *Transition) {
	if tr == nil {
		return
	}
	b.transitions.WithLabelValues(tr.To.String()).Inc()

	level := slog.LevelInfo
	if tr.To == StateOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "circuit state changed",
		slog.String("entity", tr.Entity),
		slog.String("from", tr.From.String()),
		slog.String("to", tr.To.String()),
		slog.Int("failures", tr.Failures),
	)

	b.lmu.RLock()
	listeners := b.listeners
	b.lmu.RUnlock()
	for _, fn := range listeners {
		fn(*tr)
	}
}
