package history

import (
	"sync"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// Store holds one Window per (venue, symbol), laid out like the position
// matrix and locked per symbol.
type Store struct {
	venues  int
	symbols int
	windows []*Window
	locks   []sync.RWMutex
}

// NewStore allocates windows of the given capacity for the universe.
func NewStore(u *domain.Universe, capacity int) *Store {
	n := u.VenueCount() * u.SymbolCount()
	s := &Store{
		venues:  u.VenueCount(),
		symbols: u.SymbolCount(),
		windows: make([]*Window, n),
		locks:   make([]sync.RWMutex, u.SymbolCount()),
	}
	for i := range s.windows {
		s.windows[i] = NewWindow(capacity)
	}
	return s
}

func (s *Store) valid(v domain.VenueID, sym domain.SymbolID) bool {
	return v >= 0 && int(v) < s.venues && sym >= 0 && int(sym) < s.symbols
}

// Push records an observation; unknown keys are ignored.
func (s *Store) Push(obs domain.Observation) {
	if !s.valid(obs.Venue, obs.Symbol) {
		return
	}
	mu := &s.locks[obs.Symbol]
	mu.Lock()
	s.windows[int(obs.Venue)*s.symbols+int(obs.Symbol)].Push(Sample{
		Price:     obs.Price,
		Volume:    obs.Volume,
		Liquidity: obs.Liquidity,
		Time:      obs.Timestamp,
	})
	mu.Unlock()
}

// Stats returns the window summary for one pair.
func (s *Store) Stats(v domain.VenueID, sym domain.SymbolID) Stats {
	if !s.valid(v, sym) {
		return Stats{}
	}
	mu := &s.locks[sym]
	mu.RLock()
	defer mu.RUnlock()
	return s.windows[int(v)*s.symbols+int(sym)].Stats()
}

// Snapshot returns a copy of one pair's samples, oldest first.
func (s *Store) Snapshot(v domain.VenueID, sym domain.SymbolID) []Sample {
	if !s.valid(v, sym) {
		return nil
	}
	mu := &s.locks[sym]
	mu.RLock()
	defer mu.RUnlock()
	return s.windows[int(v)*s.symbols+int(sym)].Samples()
}

// Volatility returns the highest per-venue volatility recorded for sym.
func (s *Store) Volatility(sym domain.SymbolID) float64 {
	if sym < 0 || int(sym) >= s.symbols {
		return 0
	}
	mu := &s.locks[sym]
	mu.RLock()
	defer mu.RUnlock()

	var worst float64
	for v := 0; v < s.venues; v++ {
		if vol := s.windows[v*s.symbols+int(sym)].Stats().Volatility; vol > worst {
			worst = vol
		}
	}
	return worst
}
