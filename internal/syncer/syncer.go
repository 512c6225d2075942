// Package syncer groups observations of the same symbol from different
// venues whose timestamps lie within a bounded drift of each other.
package syncer

import (
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// retainedBuckets is how many buckets behind the newest one are kept.
const retainedBuckets = 2

// Config tunes the synchronizer.
type Config struct {
	MaxDrift  time.Duration
	MinVenues int // default 2
}

// Synchronizer buckets observations per symbol by floor(ts/maxDrift) and
// emits a SyncGroup once enough venues report inside one drift window.
type Synchronizer struct {
	bucketMs  int64
	maxDrift  time.Duration
	minVenues int
	symbols   []symbolState
}

type symbolState struct {
	mu      sync.Mutex
	buckets map[int64]map[domain.VenueID]domain.Observation
	newest  int64
	seen    bool
}

// New creates a synchronizer for symbolCount symbols.
func New(symbolCount int, cfg Config) *Synchronizer {
	if cfg.MinVenues < 2 {
		cfg.MinVenues = 2
	}
	bucketMs := cfg.MaxDrift.Milliseconds()
	if bucketMs < 1 {
		bucketMs = 1
	}
	s := &Synchronizer{
		bucketMs:  bucketMs,
		maxDrift:  time.Duration(bucketMs) * time.Millisecond,
		minVenues: cfg.MinVenues,
		symbols:   make([]symbolState, symbolCount),
	}
	for i := range s.symbols {
		s.symbols[i].buckets = make(map[int64]map[domain.VenueID]domain.Observation)
	}
	return s
}

// RegisterUpdate records obs and reports whether it completes a synchronized
// group. A returned group consumes every buffered observation of its symbol,
// so the same snapshot is never emitted twice. Updates that land in an
// already evicted bucket, or for an unknown symbol, are ignored.
func (s *Synchronizer) RegisterUpdate(obs domain.Observation) (domain.SyncGroup, bool) {
	if obs.Symbol < 0 || int(obs.Symbol) >= len(s.symbols) {
		return domain.SyncGroup{}, false
	}
	st := &s.symbols[obs.Symbol]
	b := floorDiv(obs.Timestamp.UnixMilli(), s.bucketMs)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.seen && b < st.newest-retainedBuckets {
		return domain.SyncGroup{}, false
	}
	if !st.seen || b > st.newest {
		st.newest = b
		st.seen = true
	}

	bucket := st.buckets[b]
	if bucket == nil {
		bucket = make(map[domain.VenueID]domain.Observation)
		st.buckets[b] = bucket
	}
	if prev, ok := bucket[obs.Venue]; !ok || !obs.Timestamp.Before(prev.Timestamp) {
		bucket[obs.Venue] = obs
	}

	for k := range st.buckets {
		if k < st.newest-retainedBuckets {
			delete(st.buckets, k)
		}
	}

	group, ok := s.collect(st, obs.Symbol, b)
	if ok {
		clear(st.buckets)
	}
	return group, ok
}

// collect gathers the latest observation per venue across bucket b and the
// one before it, then keeps those within maxDrift of the newest.
func (s *Synchronizer) collect(st *symbolState, sym domain.SymbolID, b int64) (domain.SyncGroup, bool) {
	latest := make(map[domain.VenueID]domain.Observation)
	for _, k := range [...]int64{b - 1, b} {
		for v, o := range st.buckets[k] {
			if cur, ok := latest[v]; !ok || o.Timestamp.After(cur.Timestamp) {
				latest[v] = o
			}
		}
	}
	if len(latest) < s.minVenues {
		return domain.SyncGroup{}, false
	}

	var newest time.Time
	for _, o := range latest {
		if o.Timestamp.After(newest) {
			newest = o.Timestamp
		}
	}
	cutoff := newest.Add(-s.maxDrift)

	members := make([]domain.Observation, 0, len(latest))
	oldest := newest
	for _, o := range latest {
		if o.Timestamp.Before(cutoff) {
			continue
		}
		members = append(members, o)
		if o.Timestamp.Before(oldest) {
			oldest = o.Timestamp
		}
	}
	if len(members) < s.minVenues {
		return domain.SyncGroup{}, false
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Venue < members[j].Venue })

	return domain.SyncGroup{
		Symbol:       sym,
		Observations: members,
		ObservedAt:   newest,
		Drift:        newest.Sub(oldest),
	}, true
}

// Pending returns how many observations are buffered for a symbol.
func (s *Synchronizer) Pending(sym domain.SymbolID) int {
	if sym < 0 || int(sym) >= len(s.symbols) {
		return 0
	}
	st := &s.symbols[sym]
	st.mu.Lock()
	defer st.mu.Unlock()

	n := 0
	for _, b := range st.buckets {
		n += len(b)
	}
	return n
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
