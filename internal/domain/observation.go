package domain

import (
	"math"
	"time"
)

// Observation is one (venue, symbol) data point as received from a feed. The
// timestamp is the local arrival time assigned at ingestion.
type Observation struct {
	Venue     VenueID
	Symbol    SymbolID
	Price     float64
	Liquidity float64
	Volume    float64
	Timestamp time.Time
}

// Valid reports whether the numeric fields are usable: a positive finite
// price and finite non-negative liquidity and volume.
func (o Observation) Valid() bool {
	if math.IsNaN(o.Price) || math.IsInf(o.Price, 0) || o.Price <= 0 {
		return false
	}
	if math.IsNaN(o.Liquidity) || math.IsInf(o.Liquidity, 0) || o.Liquidity < 0 {
		return false
	}
	if math.IsNaN(o.Volume) || math.IsInf(o.Volume, 0) || o.Volume < 0 {
		return false
	}
	return true
}

// SyncGroup is a set of observations of one symbol from distinct venues whose
// timestamps all fall within the configured drift window.
type SyncGroup struct {
	Symbol       SymbolID
	Observations []Observation // one per venue, ordered by venue id
	ObservedAt   time.Time     // newest timestamp in the group
	Drift        time.Duration // newest minus oldest timestamp
}
