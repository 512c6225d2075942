// Package feed turns venue market data into engine updates. Ticks arrive
// either over the shared signal bus or straight from a venue websocket.
package feed

import (
	"bytes"
	"fmt"

	"github.com/sugawarayuuta/sonnet"
)

// Ingestor receives one venue/symbol tuple. engine.Engine satisfies it.
type Ingestor interface {
	OnVenueUpdate(venue, symbol string, price, liquidity, volume float64) error
}

// Tick is the wire shape of a venue quote.
type Tick struct {
	Venue     string  `json:"venue"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Liquidity float64 `json:"liquidity"`
	Volume    float64 `json:"volume"`
}

// DecodeTicks parses either a single tick object or an array of ticks.
func DecodeTicks(data []byte) ([]Tick, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("feed: decode: empty payload")
	}
	if trimmed[0] == '[' {
		var ticks []Tick
		if err := sonnet.Unmarshal(trimmed, &ticks); err != nil {
			return nil, fmt.Errorf("feed: decode batch: %w", err)
		}
		return ticks, nil
	}
	var t Tick
	if err := sonnet.Unmarshal(trimmed, &t); err != nil {
		return nil, fmt.Errorf("feed: decode: %w", err)
	}
	return []Tick{t}, nil
}

// EncodeTick is the inverse of DecodeTicks for one tick.
func EncodeTick(t Tick) ([]byte, error) {
	return sonnet.Marshal(t)
}
