package rpc

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/venuearb/internal/batcher"
)

// Enqueuer is the batcher entry point.
type Enqueuer interface {
	Enqueue(ctx context.Context, method string, params ...any) *batcher.Future
}

var weiPerGwei = big.NewFloat(1e9)

// GasOracle reads eth_gasPrice through the batcher and caches it for TTL.
// Concurrent callers during a refresh share one request.
type GasOracle struct {
	b   Enqueuer
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	gwei     float64
	cachedAt time.Time
	inflight *batcher.Future
}

// NewGasOracle creates an oracle. ttl <= 0 disables caching.
func NewGasOracle(b Enqueuer, ttl time.Duration, now func() time.Time) *GasOracle {
	if now == nil {
		now = time.Now
	}
	return &GasOracle{b: b, ttl: ttl, now: now}
}

// GasPrice returns the current gas price in gwei.
func (g *GasOracle) GasPrice(ctx context.Context) (float64, error) {
	g.mu.Lock()
	if !g.cachedAt.IsZero() && g.ttl > 0 && g.now().Sub(g.cachedAt) < g.ttl {
		v := g.gwei
		g.mu.Unlock()
		return v, nil
	}
	fut := g.inflight
	if fut == nil {
		fut = g.b.Enqueue(ctx, "eth_gasPrice")
		g.inflight = fut
	}
	g.mu.Unlock()

	raw, err := fut.Await(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight == fut && isResolved(fut) {
		g.inflight = nil
	}
	if err != nil {
		return 0, fmt.Errorf("rpc: gas price: %w", err)
	}

	var wei hexutil.Big
	if err := sonnet.Unmarshal(raw, &wei); err != nil {
		return 0, fmt.Errorf("rpc: gas price: decode %s: %w", raw, err)
	}
	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(wei.ToInt()), weiPerGwei).Float64()
	g.gwei = gwei
	g.cachedAt = g.now()
	return gwei, nil
}

func isResolved(f *batcher.Future) bool {
	select {
	case <-f.Done():
		return true
	default:
		return false
	}
}
