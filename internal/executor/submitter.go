package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// LogSubmitter only logs accepted opportunities. Used in monitor mode.
type LogSubmitter struct {
	logger *slog.Logger
}

func NewLogSubmitter(logger *slog.Logger) *LogSubmitter {
	return &LogSubmitter{logger: logger.With(slog.String("component", "log_submitter"))}
}

func (s *LogSubmitter) SubmitOpportunity(ctx context.Context, opp domain.Opportunity) (domain.SubmitResult, error) {
	s.logger.InfoContext(ctx, "dry-run opportunity",
		slog.String("opp_id", opp.ID),
		slog.String("symbol", opp.SymbolName),
		slog.String("buy", opp.BuyVenueName),
		slog.String("sell", opp.SellVenueName),
		slog.Float64("buy_price", opp.BuyPrice),
		slog.Float64("sell_price", opp.SellPrice),
		slog.Float64("spread_pct", opp.SpreadPct),
		slog.Float64("size", opp.Score.TradeSize),
		slog.Float64("profit_usd", opp.Score.ExpectedProfitUSD),
	)
	return domain.SubmitResult{Reference: opp.ID, Accepted: true, Message: "dry run"}, nil
}

// Publisher is the subset of domain.SignalBus the stream submitter needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// PayloadSigner signs stream payloads so consumers can authenticate them.
type PayloadSigner interface {
	Address() string
	Sign(payload []byte) (string, error)
}

// StreamSubmitter hands opportunities to an external executor by appending
// them to a durable stream and announcing them on a pub/sub channel.
type StreamSubmitter struct {
	bus     Publisher
	stream  string
	channel string
	signer  PayloadSigner
	logger  *slog.Logger
}

// NewStreamSubmitter creates a StreamSubmitter. channel may be empty to skip
// the pub/sub announcement.
func NewStreamSubmitter(bus Publisher, stream, channel string, logger *slog.Logger) *StreamSubmitter {
	return &StreamSubmitter{
		bus:     bus,
		stream:  stream,
		channel: channel,
		logger:  logger.With(slog.String("component", "stream_submitter")),
	}
}

// WithSigner wraps every payload in a signed envelope.
func (s *StreamSubmitter) WithSigner(signer PayloadSigner) *StreamSubmitter {
	s.signer = signer
	return s
}

// signedEnvelope carries the exact payload bytes that were signed.
type signedEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signer    string          `json:"signer"`
	Signature string          `json:"signature"`
}

// opportunityEvent is the wire shape appended to the execution stream.
type opportunityEvent struct {
	Event        string  `json:"event"`
	ID           string  `json:"id"`
	Symbol       string  `json:"symbol"`
	BuyVenue     string  `json:"buy_venue"`
	SellVenue    string  `json:"sell_venue"`
	BuyPrice     float64 `json:"buy_price"`
	SellPrice    float64 `json:"sell_price"`
	SpreadPct    float64 `json:"spread_pct"`
	Size         float64 `json:"size"`
	ProfitUSD    float64 `json:"profit_usd"`
	MaxGasGwei   float64 `json:"max_gas_gwei"`
	Confidence   float64 `json:"confidence"`
	ObservedAt   string  `json:"observed_at"`
	DeadlineUnix int64   `json:"deadline_ms"`
}

func (s *StreamSubmitter) SubmitOpportunity(ctx context.Context, opp domain.Opportunity) (domain.SubmitResult, error) {
	payload, err := sonnet.Marshal(opportunityEvent{
		Event:        "opportunity_accepted",
		ID:           opp.ID,
		Symbol:       opp.SymbolName,
		BuyVenue:     opp.BuyVenueName,
		SellVenue:    opp.SellVenueName,
		BuyPrice:     opp.BuyPrice,
		SellPrice:    opp.SellPrice,
		SpreadPct:    opp.SpreadPct,
		Size:         opp.Score.TradeSize,
		ProfitUSD:    opp.Score.ExpectedProfitUSD,
		MaxGasGwei:   opp.Score.MaxGasPriceGwei,
		Confidence:   opp.Score.Confidence,
		ObservedAt:   opp.ObservedAt.UTC().Format(time.RFC3339Nano),
		DeadlineUnix: opp.Score.Deadline.UnixMilli(),
	})
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("stream submitter: marshal: %w", err)
	}
	if s.signer != nil {
		if payload, err = s.seal(payload); err != nil {
			return domain.SubmitResult{}, fmt.Errorf("stream submitter: %w", err)
		}
	}

	if err := s.bus.StreamAppend(ctx, s.stream, payload); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("stream submitter: %w", err)
	}
	if s.channel != "" {
		if err := s.bus.Publish(ctx, s.channel, payload); err != nil {
			s.logger.WarnContext(ctx, "publish announcement failed",
				slog.String("opp_id", opp.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return domain.SubmitResult{Reference: opp.ID, Accepted: true, Message: "queued on " + s.stream}, nil
}

func (s *StreamSubmitter) seal(payload []byte) ([]byte, error) {
	sig, err := s.signer.Sign(payload)
	if err != nil {
		return nil, err
	}
	return sonnet.Marshal(signedEnvelope{
		Payload:   payload,
		Signer:    s.signer.Address(),
		Signature: sig,
	})
}

var (
	_ domain.Submitter = (*LogSubmitter)(nil)
	_ domain.Submitter = (*StreamSubmitter)(nil)
)
