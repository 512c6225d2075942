// Package matrix holds the latest and previous observation for every
// (venue, symbol) pair in flat, index-addressed arrays.
package matrix

import (
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

const (
	hasCurrent uint8 = 1 << iota
	hasPrevious
)

// Cell is a point-in-time copy of one matrix slot.
type Cell struct {
	Current     domain.Observation
	Previous    domain.Observation
	HasCurrent  bool
	HasPrevious bool
}

// Matrix stores observations in parallel per-field arrays indexed by
// venue*symbolCount + symbol. Each symbol column is guarded by its own
// RWMutex so writers for different symbols never contend.
type Matrix struct {
	venues  int
	symbols int

	price     []float64
	liquidity []float64
	volume    []float64
	ts        []int64

	prevPrice     []float64
	prevLiquidity []float64
	prevVolume    []float64
	prevTs        []int64

	flags []uint8
	locks []sync.RWMutex
}

// New allocates a matrix sized for the universe.
func New(u *domain.Universe) *Matrix {
	n := u.VenueCount() * u.SymbolCount()
	return &Matrix{
		venues:        u.VenueCount(),
		symbols:       u.SymbolCount(),
		price:         make([]float64, n),
		liquidity:     make([]float64, n),
		volume:        make([]float64, n),
		ts:            make([]int64, n),
		prevPrice:     make([]float64, n),
		prevLiquidity: make([]float64, n),
		prevVolume:    make([]float64, n),
		prevTs:        make([]int64, n),
		flags:         make([]uint8, n),
		locks:         make([]sync.RWMutex, u.SymbolCount()),
	}
}

func (m *Matrix) index(v domain.VenueID, s domain.SymbolID) (int, error) {
	if v < 0 || int(v) >= m.venues || s < 0 || int(s) >= m.symbols {
		return 0, fmt.Errorf("matrix: venue %d symbol %d: %w", v, s, domain.ErrInvalidKey)
	}
	return int(v)*m.symbols + int(s), nil
}

// Update writes obs as the current value of its slot, moving the prior
// current value to previous. An observation older than the newest stored
// timestamp of the slot is rejected with domain.ErrOutOfOrder.
func (m *Matrix) Update(obs domain.Observation) error {
	i, err := m.index(obs.Venue, obs.Symbol)
	if err != nil {
		return err
	}
	ts := obs.Timestamp.UnixNano()

	mu := &m.locks[obs.Symbol]
	mu.Lock()
	defer mu.Unlock()

	f := m.flags[i]
	switch {
	case f&hasCurrent != 0 && ts < m.ts[i]:
		return fmt.Errorf("matrix: update: %w", domain.ErrOutOfOrder)
	case f&hasCurrent == 0 && f&hasPrevious != 0 && ts < m.prevTs[i]:
		return fmt.Errorf("matrix: update: %w", domain.ErrOutOfOrder)
	}

	if f&hasCurrent != 0 {
		m.shift(i)
	}
	m.price[i] = obs.Price
	m.liquidity[i] = obs.Liquidity
	m.volume[i] = obs.Volume
	m.ts[i] = ts
	m.flags[i] |= hasCurrent
	return nil
}

// shift moves the current slot to previous. Caller holds the column lock.
func (m *Matrix) shift(i int) {
	m.prevPrice[i] = m.price[i]
	m.prevLiquidity[i] = m.liquidity[i]
	m.prevVolume[i] = m.volume[i]
	m.prevTs[i] = m.ts[i]
	m.flags[i] = (m.flags[i] | hasPrevious) &^ hasCurrent
}

// Read returns a copy of one slot.
func (m *Matrix) Read(v domain.VenueID, s domain.SymbolID) (Cell, error) {
	i, err := m.index(v, s)
	if err != nil {
		return Cell{}, err
	}

	mu := &m.locks[s]
	mu.RLock()
	defer mu.RUnlock()
	return m.cell(i, v, s), nil
}

// ReadSymbol returns a copy of every venue's slot for one symbol, ordered by
// venue id.
func (m *Matrix) ReadSymbol(s domain.SymbolID) ([]Cell, error) {
	if _, err := m.index(0, s); err != nil {
		return nil, err
	}

	mu := &m.locks[s]
	mu.RLock()
	defer mu.RUnlock()

	out := make([]Cell, m.venues)
	for v := 0; v < m.venues; v++ {
		out[v] = m.cell(v*m.symbols+int(s), domain.VenueID(v), s)
	}
	return out, nil
}

// ResetSymbol retires the current value of every venue for s into the
// previous slot. Called once a synchronized snapshot of s has been consumed.
func (m *Matrix) ResetSymbol(s domain.SymbolID) error {
	if _, err := m.index(0, s); err != nil {
		return err
	}

	mu := &m.locks[s]
	mu.Lock()
	defer mu.Unlock()

	for v := 0; v < m.venues; v++ {
		i := v*m.symbols + int(s)
		if m.flags[i]&hasCurrent != 0 {
			m.shift(i)
		}
	}
	return nil
}

func (m *Matrix) cell(i int, v domain.VenueID, s domain.SymbolID) Cell {
	f := m.flags[i]
	c := Cell{
		HasCurrent:  f&hasCurrent != 0,
		HasPrevious: f&hasPrevious != 0,
	}
	if c.HasCurrent {
		c.Current = domain.Observation{
			Venue:     v,
			Symbol:    s,
			Price:     m.price[i],
			Liquidity: m.liquidity[i],
			Volume:    m.volume[i],
			Timestamp: time.Unix(0, m.ts[i]),
		}
	}
	if c.HasPrevious {
		c.Previous = domain.Observation{
			Venue:     v,
			Symbol:    s,
			Price:     m.prevPrice[i],
			Liquidity: m.prevLiquidity[i],
			Volume:    m.prevVolume[i],
			Timestamp: time.Unix(0, m.prevTs[i]),
		}
	}
	return c
}
