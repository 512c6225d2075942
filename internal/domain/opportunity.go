package domain

import (
	"context"
	"math"
	"time"
)

// RejectReason names a validation stage. The empty reason means accepted.
type RejectReason string

const (
	ReasonNone          RejectReason = ""
	ReasonDataAge       RejectReason = "data_age"
	ReasonProfit        RejectReason = "profit"
	ReasonSlippage      RejectReason = "slippage"
	ReasonGas           RejectReason = "gas"
	ReasonExecutionTime RejectReason = "execution_time"
)

// Stages lists every validation stage in the default evaluation order.
var Stages = []RejectReason{
	ReasonDataAge,
	ReasonProfit,
	ReasonSlippage,
	ReasonGas,
	ReasonExecutionTime,
}

// Score carries the worker-side analysis of an opportunity.
type Score struct {
	TradeSize         float64 // units of the symbol
	ExpectedProfitUSD float64 // gross spread on TradeSize minus gas cost
	GasPriceGwei      float64
	GasKnown          bool
	GasCostUSD        float64
	Confidence        float64 // 0..1
	Volatility        float64 // stddev/mean of recent prices across venues
	MaxGasPriceGwei   float64 // bid ceiling with buffer
	Deadline          time.Time
	ScoredAt          time.Time
}

// StageResult is the outcome of one validation stage.
type StageResult struct {
	Stage  RejectReason
	Passed bool
	Value  float64
	Limit  float64
}

// Validation is the full validator verdict for one opportunity.
type Validation struct {
	Accepted           bool
	Reason             RejectReason
	Stages             []StageResult
	DataAge            time.Duration
	ProfitUSD          float64
	SlippagePct        float64
	GasPriceGwei       float64
	EstimatedExecution time.Duration
}

// Opportunity is a detected cross-venue discrepancy for one symbol: buy on the
// cheaper venue, sell on the dearer one.
type Opportunity struct {
	ID            string
	Symbol        SymbolID
	SymbolName    string
	BuyVenue      VenueID
	BuyVenueName  string
	SellVenue     VenueID
	SellVenueName string
	BuyPrice      float64
	SellPrice     float64
	PriceDiff     float64
	SpreadPct     float64
	BuyLiquidity  float64
	SellLiquidity float64
	ObservedAt    time.Time
	DetectedAt    time.Time
	Score         Score
	Validation    Validation
}

// SlippagePct estimates price impact as trade size over the thinner side's
// liquidity, in percent. Zero liquidity yields +Inf.
func (o Opportunity) SlippagePct() float64 {
	size := o.Score.TradeSize
	if size <= 0 {
		return 0
	}
	if o.BuyLiquidity <= 0 || o.SellLiquidity <= 0 {
		return math.Inf(1)
	}
	return math.Max(size/o.BuyLiquidity, size/o.SellLiquidity) * 100
}

// PairKey identifies the (symbol, buy, sell) triple for cooldown tracking.
func (o Opportunity) PairKey() string {
	return o.SymbolName + ":" + o.BuyVenueName + ":" + o.SellVenueName
}

// Outcome is the terminal status of an analyzed opportunity.
type Outcome string

const (
	OutcomeSubmitted    Outcome = "submitted"
	OutcomeRejected     Outcome = "rejected"
	OutcomeSuppressed   Outcome = "suppressed"
	OutcomeSubmitFailed Outcome = "submit_failed"
)

// OutcomeEvent is delivered to outcome listeners once per opportunity.
type OutcomeEvent struct {
	Opportunity Opportunity
	Outcome     Outcome
	Result      SubmitResult
	Err         error
}

// SubmitResult is what the execution collaborator reports back.
type SubmitResult struct {
	Reference string
	Accepted  bool
	Message   string
}

// Submitter hands a validated opportunity to the execution collaborator.
type Submitter interface {
	SubmitOpportunity(ctx context.Context, opp Opportunity) (SubmitResult, error)
}
