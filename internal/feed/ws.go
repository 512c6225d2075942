package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 15 * time.Second
)

// Gate records venue connection failures. breaker.Breaker satisfies it.
type Gate interface {
	RecordFailure(entity string)
	Reset(entity string)
}

// WSConfig describes one venue's websocket stream.
type WSConfig struct {
	Venue   string
	URL     string
	Symbols []string

	PongWait          time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	Gate Gate
}

type subscribeCommand struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// WSFeed reads ticks from one venue websocket and reconnects with
// exponential backoff. Every dropped connection counts as a venue failure.
type WSFeed struct {
	cfg    WSConfig
	ingest Ingestor
	logger *slog.Logger
}

// NewWSFeed creates a feed for cfg.Venue.
func NewWSFeed(cfg WSConfig, ingest Ingestor, logger *slog.Logger) *WSFeed {
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = 60 * time.Second
		if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
			cfg.MaxReconnectDelay = cfg.ReconnectDelay
		}
	}
	return &WSFeed{
		cfg:    cfg,
		ingest: ingest,
		logger: logger.With(slog.String("component", "ws_feed"), slog.String("venue", cfg.Venue)),
	}
}

// Run keeps the venue connected until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	delay := f.cfg.ReconnectDelay
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if f.cfg.Gate != nil {
			f.cfg.Gate.RecordFailure(f.cfg.Venue)
		}
		var live *liveError
		if errors.As(err, &live) {
			// The session was up for a while; start the backoff over.
			delay = f.cfg.ReconnectDelay
		}
		f.logger.Warn("venue stream lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// liveError marks a disconnect after at least one message was read.
type liveError struct{ err error }

func (e *liveError) Error() string { return e.err.Error() }
func (e *liveError) Unwrap() error { return e.err }

func (f *WSFeed) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.cfg.Venue, err)
	}
	defer conn.Close()

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if len(f.cfg.Symbols) > 0 {
		cmd, err := sonnet.Marshal(subscribeCommand{Type: "subscribe", Symbols: f.cfg.Symbols})
		if err != nil {
			return fmt.Errorf("feed: marshal subscribe: %w", err)
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, cmd); err != nil {
			return fmt.Errorf("feed: subscribe %s: %w", f.cfg.Venue, err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
	})
	pingDone := make(chan struct{})
	defer close(pingDone)
	go f.ping(conn, pingDone)

	f.logger.InfoContext(ctx, "venue stream connected", slog.String("url", f.cfg.URL))

	var read int
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			err = fmt.Errorf("feed: read %s: %w: %w", f.cfg.Venue, domain.ErrWSDisconnect, err)
			if read > 0 {
				return &liveError{err: err}
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
		if read == 0 && f.cfg.Gate != nil {
			f.cfg.Gate.Reset(f.cfg.Venue)
		}
		read++
		f.handle(msg)
	}
}

func (f *WSFeed) ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (f *WSFeed) handle(msg []byte) {
	ticks, err := DecodeTicks(msg)
	if err != nil {
		f.logger.Debug("ws feed decode failed",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(msg)),
		)
		return
	}
	for _, t := range ticks {
		// A venue stream only speaks for its own venue.
		if err := f.ingest.OnVenueUpdate(f.cfg.Venue, t.Symbol, t.Price, t.Liquidity, t.Volume); err != nil {
			f.logger.Debug("tick rejected",
				slog.String("symbol", t.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
}
