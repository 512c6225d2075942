package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

var now = time.UnixMilli(1_700_000_000_000)

func newValidator(t *testing.T, mutate func(*ValidatorConfig)) (*Validator, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := DefaultValidatorConfig()
	cfg.Now = func() time.Time { return now }
	cfg.Registerer = reg
	if mutate != nil {
		mutate(&cfg)
	}
	v, err := NewValidator(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return v, reg
}

// goodOpportunity passes every default stage.
func goodOpportunity() domain.Opportunity {
	return domain.Opportunity{
		ID:            "opp-1",
		SpreadPct:     3,
		PriceDiff:     3,
		BuyLiquidity:  100_000,
		SellLiquidity: 100_000,
		ObservedAt:    now.Add(-100 * time.Millisecond),
		Score: domain.Score{
			TradeSize:         500,
			ExpectedProfitUSD: 1496.5,
			GasKnown:          true,
			GasPriceGwei:      2.5,
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	v, _ := newValidator(t, nil)

	val := v.Validate(context.Background(), goodOpportunity())
	assert.True(t, val.Accepted)
	assert.Equal(t, domain.ReasonNone, val.Reason)
	assert.Len(t, val.Stages, 5)
	assert.InDelta(t, 0.5, val.SlippagePct, 1e-9)
	assert.Equal(t, 300*time.Millisecond, val.EstimatedExecution)
	assert.Equal(t, 100*time.Millisecond, val.DataAge)
}

func TestValidateFailFast(t *testing.T) {
	v, reg := newValidator(t, nil)

	opp := goodOpportunity()
	opp.ObservedAt = now.Add(-time.Second)
	opp.SpreadPct = 1
	opp.Score.ExpectedProfitUSD = 1

	val := v.Validate(context.Background(), opp)
	assert.False(t, val.Accepted)
	assert.Equal(t, domain.ReasonDataAge, val.Reason)
	require.Len(t, val.Stages, 1, "later stages are not evaluated")

	m := v.Metrics()
	assert.Equal(t, uint64(1), m.Rejected[domain.ReasonDataAge])
	assert.Zero(t, m.Rejected[domain.ReasonProfit])
	assert.InDelta(t, 100.0, m.RejectPct, 1e-9)

	assert.Equal(t, 1.0, testutil.ToFloat64(v.results.WithLabelValues("data_age")))
	n, err := testutil.GatherAndCount(reg, "venuearb_validator_results_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestValidateStages(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Opportunity)
		want   domain.RejectReason
	}{
		{"low spread", func(o *domain.Opportunity) { o.SpreadPct = 2 }, domain.ReasonProfit},
		{"low usd profit", func(o *domain.Opportunity) { o.Score.ExpectedProfitUSD = 49 }, domain.ReasonProfit},
		{"thin book", func(o *domain.Opportunity) { o.SellLiquidity = 10_000 }, domain.ReasonSlippage},
		{"no liquidity", func(o *domain.Opportunity) { o.BuyLiquidity = 0 }, domain.ReasonSlippage},
		{"expensive gas", func(o *domain.Opportunity) { o.Score.GasPriceGwei = 6 }, domain.ReasonGas},
		{"unknown gas", func(o *domain.Opportunity) { o.Score.GasKnown = false }, domain.ReasonGas},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := newValidator(t, nil)
			opp := goodOpportunity()
			tt.mutate(&opp)
			val := v.Validate(context.Background(), opp)
			assert.False(t, val.Accepted)
			assert.Equal(t, tt.want, val.Reason)
		})
	}
}

func TestValidateExecutionTime(t *testing.T) {
	v, _ := newValidator(t, func(c *ValidatorConfig) { c.MaxExecutionTime = 320 * time.Millisecond })

	opp := goodOpportunity()
	opp.Score.GasPriceGwei = 5 // full congestion: 200+100+50
	val := v.Validate(context.Background(), opp)
	assert.Equal(t, domain.ReasonExecutionTime, val.Reason)
	assert.Equal(t, 350*time.Millisecond, val.EstimatedExecution)
}

func TestValidateCustomOrder(t *testing.T) {
	v, _ := newValidator(t, func(c *ValidatorConfig) {
		c.Order = []domain.RejectReason{
			domain.ReasonProfit, domain.ReasonDataAge, domain.ReasonExecutionTime,
			domain.ReasonGas, domain.ReasonSlippage,
		}
	})

	opp := goodOpportunity()
	opp.ObservedAt = now.Add(-time.Second)
	opp.SpreadPct = 1

	val := v.Validate(context.Background(), opp)
	assert.Equal(t, domain.ReasonProfit, val.Reason)
	assert.Len(t, val.Stages, 1)

	// Reordering never drops a stage.
	opp = goodOpportunity()
	opp.Score.GasKnown = false
	val = v.Validate(context.Background(), opp)
	assert.False(t, val.Accepted)
	assert.Equal(t, domain.ReasonGas, val.Reason)
	assert.Len(t, val.Stages, 4)
}

func TestNewValidatorRejectsBadOrder(t *testing.T) {
	cfg := DefaultValidatorConfig()
	cfg.Order = []domain.RejectReason{"profit", "bogus"}
	_, err := NewValidator(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)

	cfg.Order = []domain.RejectReason{"profit", "profit"}
	_, err = NewValidator(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)

	cfg.Order = []domain.RejectReason{domain.ReasonDataAge}
	_, err = NewValidator(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "1 of 5 stages")
}

func TestRejectTimeout(t *testing.T) {
	v, _ := newValidator(t, nil)

	val := v.RejectTimeout(goodOpportunity(), 2*time.Second)
	assert.False(t, val.Accepted)
	assert.Equal(t, domain.ReasonExecutionTime, val.Reason)
	assert.Equal(t, uint64(1), v.Metrics().Rejected[domain.ReasonExecutionTime])
}
