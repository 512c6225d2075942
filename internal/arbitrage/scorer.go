package arbitrage

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/history"
)

// ScorerConfig holds the trade-sizing and cost model.
type ScorerConfig struct {
	LiquidityFraction float64       // share of the thinner side's liquidity to trade
	MaxTradeUnits     float64       // hard cap on trade size, 0 = none
	GasUnits          float64       // gas consumed per execution
	NativePriceUSD    float64       // price of the gas token in USD
	MaxGasPriceGwei   float64       // validator gas ceiling, used for scoring only
	GasBuffer         float64       // multiplier on observed gas for the bid ceiling
	DeadlineOffset    time.Duration // how long after scoring the trade stays valid
	MaxDataAge        time.Duration
	MaxVolatility     float64 // volatility at which the volatility score reaches 0
	Now               func() time.Time
}

// Scorer computes the worker-side analysis of an opportunity. It is safe for
// concurrent use; the history store and gas oracle must be too.
type Scorer struct {
	cfg     ScorerConfig
	gas     GasOracle
	history *history.Store
	logger  *slog.Logger
}

// NewScorer creates a scorer. gas may be nil, in which case the gas price is
// reported as unknown. hist may be nil.
func NewScorer(cfg ScorerConfig, gas GasOracle, hist *history.Store, logger *slog.Logger) *Scorer {
	if cfg.LiquidityFraction <= 0 {
		cfg.LiquidityFraction = 0.005
	}
	if cfg.GasUnits <= 0 {
		cfg.GasUnits = 350_000
	}
	if cfg.GasBuffer <= 0 {
		cfg.GasBuffer = 1.2
	}
	if cfg.DeadlineOffset <= 0 {
		cfg.DeadlineOffset = 2 * time.Second
	}
	if cfg.MaxDataAge <= 0 {
		cfg.MaxDataAge = 500 * time.Millisecond
	}
	if cfg.MaxVolatility <= 0 {
		cfg.MaxVolatility = 0.05
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scorer{
		cfg:     cfg,
		gas:     gas,
		history: hist,
		logger:  logger.With(slog.String("component", "scorer")),
	}
}

// Score fills opp.Score. It only fails when ctx ends; a gas lookup error
// leaves the gas price unknown.
func (s *Scorer) Score(ctx context.Context, opp domain.Opportunity) (domain.Opportunity, error) {
	if err := ctx.Err(); err != nil {
		return opp, err
	}
	now := s.cfg.Now()
	sc := domain.Score{ScoredAt: now, Deadline: now.Add(s.cfg.DeadlineOffset)}

	sc.TradeSize = math.Min(opp.BuyLiquidity, opp.SellLiquidity) * s.cfg.LiquidityFraction
	if s.cfg.MaxTradeUnits > 0 && sc.TradeSize > s.cfg.MaxTradeUnits {
		sc.TradeSize = s.cfg.MaxTradeUnits
	}

	if s.gas != nil {
		gwei, err := s.gas.GasPrice(ctx)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return opp, ctxErr
			}
			s.logger.Debug("gas price unavailable",
				slog.String("opp_id", opp.ID),
				slog.String("error", err.Error()),
			)
		default:
			sc.GasKnown = true
			sc.GasPriceGwei = gwei
			sc.MaxGasPriceGwei = gwei * s.cfg.GasBuffer
			sc.GasCostUSD = gwei * s.cfg.GasUnits / 1e9 * s.cfg.NativePriceUSD
		}
	}
	sc.ExpectedProfitUSD = opp.PriceDiff*sc.TradeSize - sc.GasCostUSD

	if s.history != nil {
		sc.Volatility = s.history.Volatility(opp.Symbol)
	}

	opp.Score = sc
	sc.Confidence = s.confidence(opp, now)
	opp.Score = sc
	return opp, nil
}

// confidence blends freshness (40%), slippage, liquidity headroom and
// volatility (20% each) into a 0..1 score.
func (s *Scorer) confidence(opp domain.Opportunity, now time.Time) float64 {
	age := now.Sub(opp.ObservedAt)
	ageScore := clamp01(1 - float64(age)/float64(s.cfg.MaxDataAge))

	slippageScore := clamp01(1 - opp.SlippagePct()/100)

	var liquidityScore float64
	if thin := math.Min(opp.BuyLiquidity, opp.SellLiquidity); thin > 0 {
		liquidityScore = clamp01(1 - opp.Score.TradeSize/thin)
	}

	volScore := clamp01(1 - opp.Score.Volatility/s.cfg.MaxVolatility)

	return ageScore*0.4 + slippageScore*0.2 + liquidityScore*0.2 + volScore*0.2
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
