package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// ValidatorConfig holds the acceptance limits and the latency model.
type ValidatorConfig struct {
	MaxDataAge       time.Duration
	MinProfitPct     float64
	MinProfitUSD     float64
	MaxSlippagePct   float64
	MaxGasPriceGwei  float64
	MaxExecutionTime time.Duration

	// Estimated execution time is BaseLatency + CongestionLatency scaled by
	// gas/maxGas (1 when the gas price is unknown) + ComplexityLatency.
	BaseLatency       time.Duration
	CongestionLatency time.Duration
	ComplexityLatency time.Duration

	// Order is the stage evaluation order and must list every stage exactly
	// once; empty means domain.Stages.
	Order []domain.RejectReason

	Now        func() time.Time
	Registerer prometheus.Registerer
}

// DefaultValidatorConfig returns the stock limits.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxDataAge:        500 * time.Millisecond,
		MinProfitPct:      2.5,
		MinProfitUSD:      50,
		MaxSlippagePct:    1.0,
		MaxGasPriceGwei:   5,
		MaxExecutionTime:  2 * time.Second,
		BaseLatency:       200 * time.Millisecond,
		CongestionLatency: 100 * time.Millisecond,
		ComplexityLatency: 50 * time.Millisecond,
	}
}

// ValidatorMetrics is a snapshot of validation counters.
type ValidatorMetrics struct {
	Total     uint64
	Accepted  uint64
	Rejected  map[domain.RejectReason]uint64
	RejectPct float64
}

// Validator runs an opportunity through fail-fast stages. The first failing
// stage is the reported reason and later stages are not evaluated.
type Validator struct {
	cfg    ValidatorConfig
	order  []domain.RejectReason
	logger *slog.Logger

	total    atomic.Uint64
	accepted atomic.Uint64
	rejected map[domain.RejectReason]*atomic.Uint64

	results *prometheus.CounterVec
}

// NewValidator checks the stage order and creates a Validator.
func NewValidator(cfg ValidatorConfig, logger *slog.Logger) (*Validator, error) {
	order := cfg.Order
	if len(order) == 0 {
		order = domain.Stages
	}
	known := make(map[domain.RejectReason]bool, len(domain.Stages))
	for _, s := range domain.Stages {
		known[s] = true
	}
	seen := make(map[domain.RejectReason]bool, len(order))
	for _, s := range order {
		if !known[s] {
			return nil, fmt.Errorf("validator: unknown stage %q", s)
		}
		if seen[s] {
			return nil, fmt.Errorf("validator: duplicate stage %q", s)
		}
		seen[s] = true
	}
	if len(order) != len(domain.Stages) {
		return nil, fmt.Errorf("validator: order lists %d of %d stages", len(order), len(domain.Stages))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	v := &Validator{
		cfg:      cfg,
		order:    append([]domain.RejectReason(nil), order...),
		logger:   logger.With(slog.String("component", "validator")),
		rejected: make(map[domain.RejectReason]*atomic.Uint64, len(domain.Stages)),
		results: promauto.With(cfg.Registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "venuearb",
			Subsystem: "validator",
			Name:      "results_total",
			Help:      "Validation verdicts by rejection reason (\"accepted\" when passed).",
		}, []string{"reason"}),
	}
	for _, s := range domain.Stages {
		v.rejected[s] = new(atomic.Uint64)
	}
	return v, nil
}

// Validate evaluates opp and records the verdict in the counters.
func (v *Validator) Validate(ctx context.Context, opp domain.Opportunity) domain.Validation {
	val := domain.Validation{
		DataAge:            v.cfg.Now().Sub(opp.ObservedAt),
		ProfitUSD:          opp.Score.ExpectedProfitUSD,
		SlippagePct:        opp.SlippagePct(),
		GasPriceGwei:       opp.Score.GasPriceGwei,
		EstimatedExecution: v.estimateExecution(opp.Score),
		Accepted:           true,
	}

	for _, stage := range v.order {
		res := v.check(stage, opp, val)
		val.Stages = append(val.Stages, res)
		if !res.Passed {
			val.Accepted = false
			val.Reason = stage
			break
		}
	}

	v.record(val.Reason)
	if !val.Accepted {
		v.logger.DebugContext(ctx, "opportunity rejected",
			slog.String("opp_id", opp.ID),
			slog.String("symbol", opp.SymbolName),
			slog.String("reason", string(val.Reason)),
		)
	} else {
		v.logger.InfoContext(ctx, "opportunity passed all stages",
			slog.String("opp_id", opp.ID),
			slog.String("symbol", opp.SymbolName),
			slog.Float64("spread_pct", opp.SpreadPct),
			slog.Float64("profit_usd", val.ProfitUSD),
		)
	}
	return val
}

// RejectTimeout records an execution_time rejection for an opportunity whose
// analysis did not finish within MaxExecutionTime.
func (v *Validator) RejectTimeout(opp domain.Opportunity, waited time.Duration) domain.Validation {
	val := domain.Validation{
		Reason:             domain.ReasonExecutionTime,
		DataAge:            v.cfg.Now().Sub(opp.ObservedAt),
		EstimatedExecution: waited,
		Stages: []domain.StageResult{{
			Stage: domain.ReasonExecutionTime,
			Value: float64(waited.Milliseconds()),
			Limit: float64(v.cfg.MaxExecutionTime.Milliseconds()),
		}},
	}
	v.record(val.Reason)
	return val
}

// Metrics returns a snapshot of the counters.
func (v *Validator) Metrics() ValidatorMetrics {
	m := ValidatorMetrics{
		Total:    v.total.Load(),
		Accepted: v.accepted.Load(),
		Rejected: make(map[domain.RejectReason]uint64, len(v.rejected)),
	}
	var rej uint64
	for k, c := range v.rejected {
		n := c.Load()
		m.Rejected[k] = n
		rej += n
	}
	if m.Total > 0 {
		m.RejectPct = float64(rej) / float64(m.Total) * 100
	}
	return m
}

func (v *Validator) record(reason domain.RejectReason) {
	v.total.Add(1)
	if reason == domain.ReasonNone {
		v.accepted.Add(1)
		v.results.WithLabelValues("accepted").Inc()
		return
	}
	v.rejected[reason].Add(1)
	v.results.WithLabelValues(string(reason)).Inc()
}

func (v *Validator) check(stage domain.RejectReason, opp domain.Opportunity, val domain.Validation) domain.StageResult {
	res := domain.StageResult{Stage: stage}
	switch stage {
	case domain.ReasonDataAge:
		res.Value = float64(val.DataAge.Milliseconds())
		res.Limit = float64(v.cfg.MaxDataAge.Milliseconds())
		res.Passed = val.DataAge <= v.cfg.MaxDataAge

	case domain.ReasonProfit:
		res.Value = val.ProfitUSD
		res.Limit = v.cfg.MinProfitUSD
		res.Passed = opp.SpreadPct >= v.cfg.MinProfitPct && val.ProfitUSD >= v.cfg.MinProfitUSD

	case domain.ReasonSlippage:
		res.Value = val.SlippagePct
		res.Limit = v.cfg.MaxSlippagePct
		res.Passed = !math.IsInf(val.SlippagePct, 1) && val.SlippagePct <= v.cfg.MaxSlippagePct

	case domain.ReasonGas:
		res.Value = val.GasPriceGwei
		res.Limit = v.cfg.MaxGasPriceGwei
		res.Passed = opp.Score.GasKnown && val.GasPriceGwei <= v.cfg.MaxGasPriceGwei

	case domain.ReasonExecutionTime:
		res.Value = float64(val.EstimatedExecution.Milliseconds())
		res.Limit = float64(v.cfg.MaxExecutionTime.Milliseconds())
		res.Passed = val.EstimatedExecution <= v.cfg.MaxExecutionTime
	}
	return res
}

func (v *Validator) estimateExecution(sc domain.Score) time.Duration {
	congestion := 1.0
	if sc.GasKnown && sc.GasPriceGwei > 0 && v.cfg.MaxGasPriceGwei > 0 {
		congestion = sc.GasPriceGwei / v.cfg.MaxGasPriceGwei
	}
	return v.cfg.BaseLatency +
		time.Duration(float64(v.cfg.CongestionLatency)*congestion) +
		v.cfg.ComplexityLatency
}
