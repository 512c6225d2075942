package domain

import (
	"fmt"
	"strings"
)

// VenueID is the dense integer index of a venue within a Universe.
type VenueID int

// SymbolID is the dense integer index of a symbol within a Universe.
type SymbolID int

// Universe is the fixed registration table of venues and symbols. Names are
// resolved to indices once at the ingestion boundary; everything downstream
// works on the integer ids. A Universe is immutable after construction.
type Universe struct {
	venues    []string
	symbols   []string
	venueIdx  map[string]VenueID
	symbolIdx map[string]SymbolID
}

// NewUniverse registers venues and symbols in the given order. Names are
// trimmed; blanks and duplicates are rejected.
func NewUniverse(venues, symbols []string) (*Universe, error) {
	if len(venues) == 0 || len(symbols) == 0 {
		return nil, ErrEmptyUniverse
	}

	u := &Universe{
		venues:    make([]string, 0, len(venues)),
		symbols:   make([]string, 0, len(symbols)),
		venueIdx:  make(map[string]VenueID, len(venues)),
		symbolIdx: make(map[string]SymbolID, len(symbols)),
	}
	for _, v := range venues {
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, fmt.Errorf("universe: blank venue name")
		}
		if _, dup := u.venueIdx[v]; dup {
			return nil, fmt.Errorf("universe: duplicate venue %q", v)
		}
		u.venueIdx[v] = VenueID(len(u.venues))
		u.venues = append(u.venues, v)
	}
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, fmt.Errorf("universe: blank symbol name")
		}
		if _, dup := u.symbolIdx[s]; dup {
			return nil, fmt.Errorf("universe: duplicate symbol %q", s)
		}
		u.symbolIdx[s] = SymbolID(len(u.symbols))
		u.symbols = append(u.symbols, s)
	}
	return u, nil
}

func (u *Universe) VenueCount() int  { return len(u.venues) }
func (u *Universe) SymbolCount() int { return len(u.symbols) }

// Venue resolves a venue name to its id.
func (u *Universe) Venue(name string) (VenueID, error) {
	id, ok := u.venueIdx[name]
	if !ok {
		return 0, fmt.Errorf("venue %q: %w", name, ErrInvalidKey)
	}
	return id, nil
}

// Symbol resolves a symbol name to its id.
func (u *Universe) Symbol(name string) (SymbolID, error) {
	id, ok := u.symbolIdx[name]
	if !ok {
		return 0, fmt.Errorf("symbol %q: %w", name, ErrInvalidKey)
	}
	return id, nil
}

// VenueName returns the registered name, or "" for an unknown id.
func (u *Universe) VenueName(id VenueID) string {
	if !u.ValidVenue(id) {
		return ""
	}
	return u.venues[id]
}

// SymbolName returns the registered name, or "" for an unknown id.
func (u *Universe) SymbolName(id SymbolID) string {
	if !u.ValidSymbol(id) {
		return ""
	}
	return u.symbols[id]
}

func (u *Universe) ValidVenue(id VenueID) bool   { return id >= 0 && int(id) < len(u.venues) }
func (u *Universe) ValidSymbol(id SymbolID) bool { return id >= 0 && int(id) < len(u.symbols) }

// Venues returns a copy of the venue names in registration order.
func (u *Universe) Venues() []string {
	out := make([]string, len(u.venues))
	copy(out, u.venues)
	return out
}

// Symbols returns a copy of the symbol names in registration order.
func (u *Universe) Symbols() []string {
	out := make([]string, len(u.symbols))
	copy(out, u.symbols)
	return out
}
