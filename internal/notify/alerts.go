package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

type alert struct {
	event, title, message string
}

// Alerts turns engine and breaker events into notifications. Producers never
// block: alerts are queued and sent from Run, and dropped when the queue is
// full.
type Alerts struct {
	n       *Notifier
	queue   chan alert
	timeout time.Duration
	logger  *slog.Logger
	dropped atomic.Uint64
}

// NewAlerts creates an alert queue of the given depth.
func NewAlerts(n *Notifier, depth int, logger *slog.Logger) *Alerts {
	if depth <= 0 {
		depth = 64
	}
	return &Alerts{
		n:       n,
		queue:   make(chan alert, depth),
		timeout: defaultTimeout,
		logger:  logger.With(slog.String("component", "alerts")),
	}
}

// OnOutcome is an engine outcome listener.
func (a *Alerts) OnOutcome(ev domain.OutcomeEvent) {
	opp := ev.Opportunity
	switch ev.Outcome {
	case domain.OutcomeSubmitted:
		a.enqueue(EventOpportunitySubmitted, "Opportunity submitted", fmt.Sprintf(
			"%s buy %s @ %.6g sell %s @ %.6g spread %.3f%% profit $%.2f",
			opp.SymbolName, opp.BuyVenueName, opp.BuyPrice, opp.SellVenueName, opp.SellPrice,
			opp.SpreadPct, opp.Score.ExpectedProfitUSD))
	case domain.OutcomeSubmitFailed:
		msg := fmt.Sprintf("%s %s->%s", opp.SymbolName, opp.BuyVenueName, opp.SellVenueName)
		if ev.Err != nil {
			msg += ": " + ev.Err.Error()
		}
		a.enqueue(EventSubmitFailed, "Submission failed", msg)
	}
}

// OnCircuit reports a breaker transition for entity. Only transitions into
// open and back to closed are sent.
func (a *Alerts) OnCircuit(entity, to string, failures int) {
	switch to {
	case "open":
		a.enqueue(EventCircuitOpened, "Circuit opened",
			fmt.Sprintf("%s tripped after %d failures", entity, failures))
	case "closed":
		a.enqueue(EventCircuitClosed, "Circuit closed", entity+" recovered")
	}
}

func (a *Alerts) enqueue(event, title, message string) {
	if !a.n.Enabled() || !a.n.Allows(event) {
		return
	}
	select {
	case a.queue <- alert{event: event, title: title, message: message}:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns how many alerts were discarded on a full queue.
func (a *Alerts) Dropped() uint64 { return a.dropped.Load() }

// Run sends queued alerts until ctx is cancelled.
func (a *Alerts) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case al := <-a.queue:
			sctx, cancel := context.WithTimeout(ctx, a.timeout)
			if err := a.n.Notify(sctx, al.event, al.title, al.message); err != nil {
				a.logger.WarnContext(ctx, "alert delivery failed",
					slog.String("event", al.event),
					slog.String("error", err.Error()),
				)
			}
			cancel()
		}
	}
}
