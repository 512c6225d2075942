// Package arbitrage finds cross-venue price discrepancies in synchronized
// snapshots and scores them for validation.
package arbitrage

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// DetectorConfig configures the detector.
type DetectorConfig struct {
	Universe              *domain.Universe
	MinProfitPct          float64 // spread percentage floor
	MinAbsoluteDifference float64 // price difference floor
	Now                   func() time.Time
	Logger                *slog.Logger
}

// Detector compares every unordered venue pair of a sync group.
type Detector struct {
	universe *domain.Universe
	minPct   float64
	minAbs   float64
	now      func() time.Time
	logger   *slog.Logger
}

// NewDetector creates a detector.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Detector{
		universe: cfg.Universe,
		minPct:   cfg.MinProfitPct,
		minAbs:   cfg.MinAbsoluteDifference,
		now:      cfg.Now,
		logger:   cfg.Logger.With(slog.String("component", "detector")),
	}
}

// Detect returns one opportunity per venue pair whose spread, measured
// against the lower price, reaches MinProfitPct and whose absolute price
// difference reaches MinAbsoluteDifference. The cheaper venue is the buy
// side. Results are ordered by spread, widest first.
func (d *Detector) Detect(g domain.SyncGroup) []domain.Opportunity {
	var out []domain.Opportunity
	now := d.now()
	obs := g.Observations

	for i := 0; i < len(obs); i++ {
		for j := i + 1; j < len(obs); j++ {
			lo, hi := obs[i], obs[j]
			if hi.Price < lo.Price {
				lo, hi = hi, lo
			}
			if lo.Price <= 0 {
				continue
			}
			diff := hi.Price - lo.Price
			spread := diff / lo.Price * 100
			if spread < d.minPct || diff < d.minAbs {
				continue
			}
			out = append(out, domain.Opportunity{
				ID:            uuid.NewString(),
				Symbol:        g.Symbol,
				SymbolName:    d.universe.SymbolName(g.Symbol),
				BuyVenue:      lo.Venue,
				BuyVenueName:  d.universe.VenueName(lo.Venue),
				SellVenue:     hi.Venue,
				SellVenueName: d.universe.VenueName(hi.Venue),
				BuyPrice:      lo.Price,
				SellPrice:     hi.Price,
				PriceDiff:     diff,
				SpreadPct:     spread,
				BuyLiquidity:  lo.Liquidity,
				SellLiquidity: hi.Liquidity,
				ObservedAt:    g.ObservedAt,
				DetectedAt:    now,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].SpreadPct > out[j].SpreadPct })

	if len(out) > 0 {
		d.logger.Debug("opportunities detected",
			slog.String("symbol", out[0].SymbolName),
			slog.Int("count", len(out)),
			slog.Float64("best_spread_pct", out[0].SpreadPct),
		)
	}
	return out
}
