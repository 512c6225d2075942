package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUniverse(t *testing.T) {
	u, err := NewUniverse([]string{"A", " B "}, []string{"X", "Y", "Z"})
	require.NoError(t, err)

	assert.Equal(t, 2, u.VenueCount())
	assert.Equal(t, 3, u.SymbolCount())

	v, err := u.Venue("B")
	require.NoError(t, err)
	assert.Equal(t, VenueID(1), v)
	assert.Equal(t, "B", u.VenueName(v))

	s, err := u.Symbol("Z")
	require.NoError(t, err)
	assert.Equal(t, SymbolID(2), s)

	_, err = u.Venue("C")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = u.Symbol("")
	assert.ErrorIs(t, err, ErrInvalidKey)

	assert.Equal(t, "", u.VenueName(7))
	assert.Equal(t, "", u.SymbolName(-1))
}

func TestNewUniverseRejects(t *testing.T) {
	tests := []struct {
		name    string
		venues  []string
		symbols []string
	}{
		{"no venues", nil, []string{"X"}},
		{"no symbols", []string{"A"}, nil},
		{"duplicate venue", []string{"A", "A"}, []string{"X"}},
		{"duplicate symbol", []string{"A"}, []string{"X", "X"}},
		{"blank venue", []string{"A", " "}, []string{"X"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewUniverse(tt.venues, tt.symbols)
			assert.Error(t, err)
		})
	}
}

func TestObservationValid(t *testing.T) {
	ok := Observation{Price: 100, Liquidity: 10, Volume: 1}
	assert.True(t, ok.Valid())

	for _, bad := range []Observation{
		{Price: 0, Liquidity: 10},
		{Price: -1, Liquidity: 10},
		{Price: math.NaN(), Liquidity: 10},
		{Price: math.Inf(1), Liquidity: 10},
		{Price: 1, Liquidity: -1},
		{Price: 1, Liquidity: 1, Volume: math.NaN()},
	} {
		assert.False(t, bad.Valid(), "%+v", bad)
	}
}

func TestOpportunitySlippagePct(t *testing.T) {
	opp := Opportunity{BuyLiquidity: 1000, SellLiquidity: 500, Score: Score{TradeSize: 5}}
	assert.InDelta(t, 1.0, opp.SlippagePct(), 1e-9)

	opp.SellLiquidity = 0
	assert.True(t, math.IsInf(opp.SlippagePct(), 1))

	opp.Score.TradeSize = 0
	assert.Equal(t, 0.0, opp.SlippagePct())
}
