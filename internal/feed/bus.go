package feed

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Subscriber is the slice of domain.SignalBus a BusFeed needs.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BusFeed forwards ticks published on a bus channel to the engine. Ticks
// for venues or symbols outside the universe are counted and dropped by the
// engine.
type BusFeed struct {
	bus     Subscriber
	channel string
	ingest  Ingestor
	logger  *slog.Logger

	received atomic.Uint64
	rejected atomic.Uint64
}

// NewBusFeed creates a BusFeed reading channel.
func NewBusFeed(bus Subscriber, channel string, ingest Ingestor, logger *slog.Logger) *BusFeed {
	return &BusFeed{
		bus:     bus,
		channel: channel,
		ingest:  ingest,
		logger:  logger.With(slog.String("component", "bus_feed"), slog.String("channel", channel)),
	}
}

// Run subscribes and forwards until ctx is cancelled or the subscription
// closes.
func (f *BusFeed) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return err
	}
	f.logger.InfoContext(ctx, "bus feed started")
	defer f.logger.Info("bus feed stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			f.handle(data)
		}
	}
}

func (f *BusFeed) handle(data []byte) {
	recv, rej := forward(f.ingest, data)
	f.received.Add(recv)
	f.rejected.Add(rej)
	if recv == 0 && rej > 0 {
		f.logger.Debug("bus feed payload rejected", slog.Int("payload_len", len(data)))
	}
}

// forward decodes one payload and hands every tick to ingest. A payload that
// does not decode counts as one rejection.
func forward(ingest Ingestor, data []byte) (received, rejected uint64) {
	ticks, err := DecodeTicks(data)
	if err != nil {
		return 0, 1
	}
	for _, t := range ticks {
		received++
		if err := ingest.OnVenueUpdate(t.Venue, t.Symbol, t.Price, t.Liquidity, t.Volume); err != nil {
			rejected++
		}
	}
	return received, rejected
}

// Counts returns ticks forwarded and ticks rejected (decode or ingest).
func (f *BusFeed) Counts() (received, rejected uint64) {
	return f.received.Load(), f.rejected.Load()
}
