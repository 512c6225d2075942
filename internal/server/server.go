// Package server exposes a small operator API: liveness, engine counters,
// circuit states, per-symbol matrix columns and the Prometheus scrape
// endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/venuearb/internal/breaker"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/engine"
	"github.com/alanyoungcy/venuearb/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr            string
	APIKey          string // empty disables auth on every /api route but health
	ShutdownTimeout time.Duration
}

// StatsSource reports engine counters.
type StatsSource interface {
	Stats() engine.Stats
}

// CircuitSource reports breaker state.
type CircuitSource interface {
	Snapshots() []breaker.Snapshot
}

// QuoteSource reports the matrix column of one symbol.
type QuoteSource interface {
	Quotes(symbol string) (engine.SymbolQuotes, error)
}

// Server is the operator HTTP server.
type Server struct {
	cfg        Config
	httpServer *http.Server
	logger     *slog.Logger
	started    time.Time
}

// New registers every route. reg collects the request histogram and gather
// backs /metrics; both may be nil.
func New(cfg Config, stats StatsSource, circuits CircuitSource, quotes QuoteSource, reg prometheus.Registerer, gather prometheus.Gatherer, logger *slog.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "server")),
		started: time.Now(),
	}

	hist := promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "venuearb",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Operator API latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "status"})

	mux := http.NewServeMux()
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, middleware.Instrument(s.logger, hist, name)(h))
	}
	auth := middleware.Auth(cfg.APIKey)

	route("GET /api/health", "health", http.HandlerFunc(s.health))
	route("GET /api/stats", "stats", auth(statsHandler(stats)))
	route("GET /api/circuits", "circuits", auth(circuitsHandler(circuits)))
	route("GET /api/matrix/{symbol}", "matrix", auth(matrixHandler(quotes)))
	if gather != nil {
		route("GET /metrics", "metrics", promhttp.HandlerFor(gather, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	s.logger.InfoContext(ctx, "server listening", slog.String("addr", ln.Addr().String()))

	errc := make(chan error, 1)
	go func() { errc <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(sctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return ctx.Err()
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime_s":  int64(time.Since(s.started).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type statsView struct {
	Received   uint64            `json:"received"`
	Dropped    uint64            `json:"dropped"`
	Groups     uint64            `json:"groups"`
	Detected   uint64            `json:"detected"`
	Overflowed uint64            `json:"overflowed"`
	Validated  uint64            `json:"validated"`
	Accepted   uint64            `json:"accepted"`
	Rejected   map[string]uint64 `json:"rejected"`
	RejectPct  float64           `json:"reject_pct"`
	Workers    int               `json:"workers"`
	Busy       int64             `json:"busy_workers"`
	Queued     int64             `json:"queued_tasks"`
	Respawns   uint64            `json:"respawns"`
}

func statsHandler(src StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st := src.Stats()
		view := statsView{
			Received:   st.Received,
			Dropped:    st.Dropped,
			Groups:     st.Groups,
			Detected:   st.Detected,
			Overflowed: st.Overflowed,
			Validated:  st.Validation.Total,
			Accepted:   st.Validation.Accepted,
			Rejected:   make(map[string]uint64, len(st.Validation.Rejected)),
			RejectPct:  st.Validation.RejectPct,
			Workers:    st.Workers.Workers,
			Busy:       st.Workers.Busy,
			Queued:     st.Workers.Queued,
			Respawns:   st.Workers.Respawns,
		}
		for reason, n := range st.Validation.Rejected {
			view.Rejected[string(reason)] = n
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type circuitView struct {
	Entity      string     `json:"entity"`
	State       string     `json:"state"`
	Failures    int        `json:"failures"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
}

func circuitsHandler(src CircuitSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snaps := src.Snapshots()
		out := make([]circuitView, 0, len(snaps))
		for _, sn := range snaps {
			v := circuitView{Entity: sn.Entity, State: sn.State.String(), Failures: sn.Failures}
			if !sn.OpenedAt.IsZero() {
				t := sn.OpenedAt
				v.OpenedAt = &t
			}
			if !sn.LastFailure.IsZero() {
				t := sn.LastFailure
				v.LastFailure = &t
			}
			out = append(out, v)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type obsView struct {
	Price     float64   `json:"price"`
	Liquidity float64   `json:"liquidity"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

type quoteView struct {
	Venue    string   `json:"venue"`
	Current  *obsView `json:"current,omitempty"`
	Previous *obsView `json:"previous,omitempty"`
}

type matrixView struct {
	Symbol string      `json:"symbol"`
	Active bool        `json:"active"`
	Venues []quoteView `json:"venues"`
}

func toObsView(o domain.Observation, ok bool) *obsView {
	if !ok {
		return nil
	}
	return &obsView{Price: o.Price, Liquidity: o.Liquidity, Volume: o.Volume, Timestamp: o.Timestamp.UTC()}
}

func matrixHandler(src QuoteSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := src.Quotes(r.PathValue("symbol"))
		if errors.Is(err, domain.ErrInvalidKey) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			return
		}
		view := matrixView{Symbol: q.Symbol, Active: q.Active, Venues: make([]quoteView, len(q.Venues))}
		for i, v := range q.Venues {
			view.Venues[i] = quoteView{
				Venue:    v.Venue,
				Current:  toObsView(v.Current, v.HasCurrent),
				Previous: toObsView(v.Previous, v.HasPrevious),
			}
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonnet.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
