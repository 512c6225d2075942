package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

func at(v domain.VenueID, ms int64) domain.Observation {
	return domain.Observation{
		Venue:     v,
		Symbol:    0,
		Price:     100,
		Liquidity: 10,
		Timestamp: time.UnixMilli(1_700_000_000_000 + ms),
	}
}

func newSync() *Synchronizer {
	return New(1, Config{MaxDrift: 50 * time.Millisecond})
}

func TestGroupWithinDrift(t *testing.T) {
	s := newSync()

	_, ok := s.RegisterUpdate(at(0, 0))
	assert.False(t, ok)

	g, ok := s.RegisterUpdate(at(1, 40))
	require.True(t, ok)
	require.Len(t, g.Observations, 2)
	assert.Equal(t, domain.VenueID(0), g.Observations[0].Venue)
	assert.Equal(t, domain.VenueID(1), g.Observations[1].Venue)
	assert.Equal(t, 40*time.Millisecond, g.Drift)
	assert.True(t, g.ObservedAt.Equal(at(1, 40).Timestamp))
}

func TestNoGroupBeyondDrift(t *testing.T) {
	s := newSync()

	_, ok := s.RegisterUpdate(at(0, 0))
	assert.False(t, ok)
	_, ok = s.RegisterUpdate(at(1, 60))
	assert.False(t, ok)
}

func TestGroupIsConsumed(t *testing.T) {
	s := newSync()

	s.RegisterUpdate(at(0, 0))
	_, ok := s.RegisterUpdate(at(1, 10))
	require.True(t, ok)
	assert.Equal(t, 0, s.Pending(0))

	_, ok = s.RegisterUpdate(at(1, 20))
	assert.False(t, ok, "venue A's observation was consumed by the first group")

	g, ok := s.RegisterUpdate(at(0, 30))
	require.True(t, ok)
	assert.Len(t, g.Observations, 2)
}

func TestLatestPerVenueWins(t *testing.T) {
	s := New(1, Config{MaxDrift: 50 * time.Millisecond, MinVenues: 3})

	s.RegisterUpdate(at(0, 5))
	a := at(0, 20)
	a.Price = 101
	s.RegisterUpdate(a)
	s.RegisterUpdate(at(1, 25))

	g, ok := s.RegisterUpdate(at(2, 30))
	require.True(t, ok)
	require.Len(t, g.Observations, 3)
	assert.Equal(t, 101.0, g.Observations[0].Price)
	assert.Equal(t, 10*time.Millisecond, g.Drift)
}

func TestMinVenues(t *testing.T) {
	s := New(1, Config{MaxDrift: 50 * time.Millisecond, MinVenues: 3})

	s.RegisterUpdate(at(0, 0))
	_, ok := s.RegisterUpdate(at(1, 10))
	assert.False(t, ok)
	_, ok = s.RegisterUpdate(at(2, 20))
	assert.True(t, ok)
}

func TestEvictedBucketIgnored(t *testing.T) {
	s := newSync()

	s.RegisterUpdate(at(0, 200)) // bucket 4
	_, ok := s.RegisterUpdate(at(1, 60))
	assert.False(t, ok)
	assert.Equal(t, 1, s.Pending(0))
}

func TestOldBucketsEvicted(t *testing.T) {
	s := newSync()

	s.RegisterUpdate(at(0, 0))
	s.RegisterUpdate(at(0, 160))
	assert.Equal(t, 1, s.Pending(0))
}

func TestUnknownSymbolIgnored(t *testing.T) {
	s := newSync()
	o := at(0, 0)
	o.Symbol = 3
	_, ok := s.RegisterUpdate(o)
	assert.False(t, ok)
}

func TestReplayIsDeterministic(t *testing.T) {
	seq := []domain.Observation{at(0, 0), at(1, 70), at(2, 80), at(0, 90), at(1, 300), at(0, 310)}

	run := func() []int {
		s := New(1, Config{MaxDrift: 50 * time.Millisecond})
		var sizes []int
		for _, o := range seq {
			if g, ok := s.RegisterUpdate(o); ok {
				sizes = append(sizes, len(g.Observations))
			}
		}
		return sizes
	}
	assert.Equal(t, run(), run())
	assert.Equal(t, []int{2, 2}, run())
}
