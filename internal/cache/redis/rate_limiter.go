package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/venuearb/internal/batcher"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateLimiter is a sliding-window limiter shared by every process pointed at
// the same Redis. Counting and admission happen in one Lua script.
type RateLimiter struct {
	c             *Client
	slidingWindow *redis.Script
	now           func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by c.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		c:             c,
		slidingWindow: redis.NewScript(slidingWindowLua),
		now:           time.Now,
	}
}

func rateLimitKey(key string) string {
	return "ratelimit:" + key
}

// Allow reports whether one more request for key fits within limit requests
// per window, and counts it if so.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	res, err := rl.slidingWindow.Run(ctx, rl.c.rdb,
		[]string{rl.c.Key(rateLimitKey(key))},
		rl.now().UnixMicro(),
		window.Microseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(res) < 2 {
		return false, fmt.Errorf("redis: rate limit %s: unexpected result length %d", key, len(res))
	}
	return res[0] == 1, nil
}

// Allower is the keyed limiter a Budget draws from.
type Allower interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Budget binds a keyed limiter to one key and quota so it can gate batch
// flushes.
type Budget struct {
	lim    Allower
	key    string
	limit  int
	window time.Duration
}

// NewBudget returns a batcher.Limiter granting limit flushes per window
// under key.
func NewBudget(lim Allower, key string, limit int, window time.Duration) *Budget {
	return &Budget{lim: lim, key: key, limit: limit, window: window}
}

// Allow consumes one unit of the budget.
func (b *Budget) Allow(ctx context.Context) (bool, error) {
	return b.lim.Allow(ctx, b.key, b.limit, b.window)
}

var (
	_ batcher.Limiter = (*Budget)(nil)
	_ Allower         = (*RateLimiter)(nil)
)
