package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// StreamReader is the slice of domain.SignalBus a StreamFeed needs.
type StreamReader interface {
	StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error)
}

// StreamConfig positions a StreamFeed on a recorded tick stream.
type StreamConfig struct {
	Stream string
	// From is the entry id to read after; "0" replays from the beginning.
	From       string
	Batch      int
	RetryDelay time.Duration
}

// StreamFeed replays ticks recorded on a durable stream into the engine and
// then keeps following it. Each entry payload is a tick or a tick array.
type StreamFeed struct {
	cfg    StreamConfig
	bus    StreamReader
	ingest Ingestor
	logger *slog.Logger

	mu     sync.Mutex
	lastID string

	received atomic.Uint64
	rejected atomic.Uint64
}

// NewStreamFeed creates a StreamFeed. Zero values fall back to reading from
// "0" in batches of 100 and retrying a failed read after one second.
func NewStreamFeed(bus StreamReader, cfg StreamConfig, ingest Ingestor, logger *slog.Logger) *StreamFeed {
	if cfg.From == "" {
		cfg.From = "0"
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &StreamFeed{
		cfg:    cfg,
		bus:    bus,
		ingest: ingest,
		lastID: cfg.From,
		logger: logger.With(slog.String("component", "stream_feed"), slog.String("stream", cfg.Stream)),
	}
}

// Run reads until ctx is cancelled. Read errors are logged and retried from
// the last consumed entry.
func (f *StreamFeed) Run(ctx context.Context) error {
	f.logger.InfoContext(ctx, "stream feed started", slog.String("from", f.LastID()))
	defer f.logger.Info("stream feed stopped", slog.String("last_id", f.LastID()))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := f.bus.StreamRead(ctx, f.cfg.Stream, f.LastID(), f.cfg.Batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.WarnContext(ctx, "stream read failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", f.cfg.RetryDelay),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.cfg.RetryDelay):
			}
			continue
		}
		for _, m := range msgs {
			recv, rej := forward(f.ingest, m.Payload)
			f.received.Add(recv)
			f.rejected.Add(rej)
			if rej > 0 && recv == 0 {
				f.logger.Debug("stream entry rejected", slog.String("id", m.ID))
			}
			f.mu.Lock()
			f.lastID = m.ID
			f.mu.Unlock()
		}
	}
}

// LastID is the id of the last consumed entry, or the start position.
func (f *StreamFeed) LastID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastID
}

// Counts returns ticks forwarded and ticks rejected (decode or ingest).
func (f *StreamFeed) Counts() (received, rejected uint64) {
	return f.received.Load(), f.rejected.Load()
}
