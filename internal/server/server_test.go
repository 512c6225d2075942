package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/venuearb/internal/breaker"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/engine"
	"github.com/alanyoungcy/venuearb/internal/matrix"
	"github.com/alanyoungcy/venuearb/internal/service"
)

type fixedStats engine.Stats

func (f fixedStats) Stats() engine.Stats { return engine.Stats(f) }

type fixedCircuits []breaker.Snapshot

func (f fixedCircuits) Snapshots() []breaker.Snapshot { return f }

type fixedQuotes map[string]engine.SymbolQuotes

func (f fixedQuotes) Quotes(symbol string) (engine.SymbolQuotes, error) {
	q, ok := f[symbol]
	if !ok {
		return engine.SymbolQuotes{}, fmt.Errorf("symbol %q: %w", symbol, domain.ErrInvalidKey)
	}
	return q, nil
}

func newTestServer(t *testing.T, apiKey string) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	stats := fixedStats{
		Received: 10,
		Dropped:  2,
		Validation: service.ValidatorMetrics{
			Total:    4,
			Accepted: 1,
			Rejected: map[domain.RejectReason]uint64{domain.ReasonProfit: 3},
		},
	}
	circuits := fixedCircuits{
		{Entity: "A", State: breaker.StateOpen, Failures: 5, OpenedAt: time.Unix(1_700_000_000, 0)},
		{Entity: "B", State: breaker.StateClosed},
	}
	at := time.Unix(1_700_000_000, 0)
	quotes := fixedQuotes{"X": {
		Symbol: "X",
		Active: true,
		Venues: []engine.Quote{
			{Venue: "A", Cell: matrix.Cell{
				Current:     domain.Observation{Price: 101, Liquidity: 5, Timestamp: at},
				Previous:    domain.Observation{Price: 100, Liquidity: 5, Timestamp: at.Add(-time.Second)},
				HasCurrent:  true,
				HasPrevious: true,
			}},
			{Venue: "B"},
		},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Addr: "127.0.0.1:0", APIKey: apiKey}, stats, circuits, quotes, reg, reg, logger), reg
}

func get(t *testing.T, h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	rec := get(t, s.Handler(), "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestStatsRequiresKey(t *testing.T) {
	s, _ := newTestServer(t, "secret")

	assert.Equal(t, http.StatusUnauthorized, get(t, s.Handler(), "/api/stats", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		get(t, s.Handler(), "/api/stats", map[string]string{"X-API-Key": "nope"}).Code)

	rec := get(t, s.Handler(), "/api/stats", map[string]string{"Authorization": "Bearer secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	var view statsView
	require.NoError(t, sonnet.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, uint64(10), view.Received)
	assert.Equal(t, uint64(3), view.Rejected["profit"])
}

func TestCircuits(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := get(t, s.Handler(), "/api/circuits", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []circuitView
	require.NoError(t, sonnet.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "open", out[0].State)
	require.NotNil(t, out[0].OpenedAt)
	assert.Nil(t, out[1].OpenedAt)
}

func TestMatrixColumn(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	auth := map[string]string{"X-API-Key": "secret"}

	assert.Equal(t, http.StatusUnauthorized, get(t, s.Handler(), "/api/matrix/X", nil).Code)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/api/matrix/Q", auth).Code)

	rec := get(t, s.Handler(), "/api/matrix/X", auth)
	require.Equal(t, http.StatusOK, rec.Code)

	var view matrixView
	require.NoError(t, sonnet.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "X", view.Symbol)
	assert.True(t, view.Active)
	require.Len(t, view.Venues, 2)
	assert.Equal(t, "A", view.Venues[0].Venue)
	require.NotNil(t, view.Venues[0].Current)
	assert.Equal(t, 101.0, view.Venues[0].Current.Price)
	require.NotNil(t, view.Venues[0].Previous)
	assert.Equal(t, 100.0, view.Venues[0].Previous.Price)
	assert.Nil(t, view.Venues[1].Current)
	assert.Nil(t, view.Venues[1].Previous)
}

func TestMetricsExposeRequestHistogram(t *testing.T) {
	s, _ := newTestServer(t, "")
	get(t, s.Handler(), "/api/health", nil)

	rec := get(t, s.Handler(), "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `venuearb_http_request_duration_seconds_count{route="health",status="200"} 1`)
}
