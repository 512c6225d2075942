package breaker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(t *testing.T, randVal float64) (*Breaker, *fakeClock, *prometheus.Registry) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	reg := prometheus.NewRegistry()
	b := New(Config{
		FailureThreshold: 5,
		RecoveryTime:     time.Minute,
		Now:              clock.Now,
		Rand:             func() float64 { return randVal },
		Registerer:       reg,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return b, clock, reg
}

func TestOpensAfterThreshold(t *testing.T) {
	b, _, _ := newTestBreaker(t, 0.1)

	for i := 0; i < 4; i++ {
		b.RecordFailure("A")
		assert.True(t, b.CanProceed("A"))
	}
	b.RecordFailure("A")
	assert.False(t, b.CanProceed("A"))
	assert.Equal(t, StateOpen, b.State("A").State)
	assert.Equal(t, 5, b.State("A").Failures)

	err := b.Allow("A")
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)

	assert.True(t, b.CanProceed("B"), "circuits are per entity")
}

func TestHalfOpenAfterRecovery(t *testing.T) {
	b, clock, _ := newTestBreaker(t, 0.1)

	for i := 0; i < 5; i++ {
		b.RecordFailure("A")
	}
	clock.Advance(59 * time.Second)
	assert.False(t, b.CanProceed("A"))

	clock.Advance(time.Second)
	assert.True(t, b.CanProceed("A"))
	assert.Equal(t, StateHalfOpen, b.State("A").State)
}

func TestHalfOpenProbability(t *testing.T) {
	b, clock, _ := newTestBreaker(t, 0.7)

	for i := 0; i < 5; i++ {
		b.RecordFailure("A")
	}
	clock.Advance(time.Minute)
	require.True(t, b.CanProceed("A"))

	// 0.7 >= 0.5 so further half-open calls are refused.
	assert.False(t, b.CanProceed("A"))
	assert.Equal(t, StateHalfOpen, b.State("A").State)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock, _ := newTestBreaker(t, 0.1)

	for i := 0; i < 5; i++ {
		b.RecordFailure("A")
	}
	clock.Advance(time.Minute)
	require.True(t, b.CanProceed("A"))

	b.RecordFailure("A")
	assert.Equal(t, StateOpen, b.State("A").State)
	assert.False(t, b.CanProceed("A"))
}

func TestSuccessClosesOnlyHalfOpen(t *testing.T) {
	b, clock, _ := newTestBreaker(t, 0.1)

	b.RecordSuccess("unknown")
	assert.Equal(t, StateClosed, b.State("unknown").State)

	for i := 0; i < 5; i++ {
		b.RecordFailure("A")
	}
	b.RecordSuccess("A")
	assert.Equal(t, StateOpen, b.State("A").State, "success while open waits out the recovery time")

	clock.Advance(time.Minute)
	require.True(t, b.CanProceed("A"))
	require.Equal(t, StateHalfOpen, b.State("A").State)

	b.RecordSuccess("A")
	s := b.State("A")
	assert.Equal(t, StateClosed, s.State)
	assert.Zero(t, s.Failures)
	assert.Equal(t, 1.0, testutil.ToFloat64(b.transitions.WithLabelValues("closed")))

	// Successes while closed leave the failure count alone.
	b.RecordFailure("A")
	b.RecordSuccess("A")
	assert.Equal(t, 1, b.State("A").Failures)
}

func TestResetCloses(t *testing.T) {
	b, clock, _ := newTestBreaker(t, 0.1)

	for i := 0; i < 5; i++ {
		b.RecordFailure("A")
	}
	clock.Advance(time.Minute)
	require.True(t, b.CanProceed("A"))

	b.Reset("A")
	s := b.State("A")
	assert.Equal(t, StateClosed, s.State)
	assert.Zero(t, s.Failures)

	for i := 0; i < 4; i++ {
		b.RecordFailure("A")
	}
	assert.True(t, b.CanProceed("A"), "counter restarts after reset")
}

func TestSweepForceResetsElapsed(t *testing.T) {
	b, clock, reg := newTestBreaker(t, 0.1)

	var got []Transition
	b.OnStateChange(func(tr Transition) { got = append(got, tr) })

	for i := 0; i < 5; i++ {
		b.RecordFailure("A")
		b.RecordFailure("B")
	}
	clock.Advance(30 * time.Second)
	b.RecordFailure("B") // extends B's open period

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, b.Sweep())
	assert.Equal(t, StateClosed, b.State("A").State)
	assert.Equal(t, StateOpen, b.State("B").State)

	require.Len(t, got, 3)
	assert.Equal(t, StateOpen, got[0].To)
	assert.Equal(t, StateOpen, got[1].To)
	assert.Equal(t, Transition{Entity: "A", From: StateOpen, To: StateClosed, Failures: 5, At: clock.Now()}, got[2])

	metrics, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, metrics)
	assert.Equal(t, 2.0, testutil.ToFloat64(b.transitions.WithLabelValues("open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.transitions.WithLabelValues("closed")))
}

func TestRunStopsOnCancel(t *testing.T) {
	b, _, _ := newTestBreaker(t, 0.1)
	b.cfg.SweepInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSnapshotsSorted(t *testing.T) {
	b, _, _ := newTestBreaker(t, 0.1)

	b.RecordFailure("venue-b")
	for i := 0; i < 5; i++ {
		b.RecordFailure("provider")
	}

	snaps := b.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "provider", snaps[0].Entity)
	assert.Equal(t, StateOpen, snaps[0].State)
	assert.Equal(t, "venue-b", snaps[1].Entity)
	assert.Equal(t, 1, snaps[1].Failures)
}
