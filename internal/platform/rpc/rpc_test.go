package rpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuearb/internal/batcher"
)

type ethAPI struct {
	gasCalls atomic.Int32
	price    *big.Int
}

func (a *ethAPI) GasPrice() *hexutil.Big {
	a.gasCalls.Add(1)
	return (*hexutil.Big)(a.price)
}

func (a *ethAPI) BlockNumber() hexutil.Uint64 { return 42 }

func (a *ethAPI) Broken() (hexutil.Uint64, error) { return 0, errors.New("boom") }

func newInProc(t *testing.T, gwei int64) (*Client, *ethAPI) {
	t.Helper()
	api := &ethAPI{price: new(big.Int).Mul(big.NewInt(gwei), big.NewInt(1e9))}
	srv := gethrpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", api))
	rc := gethrpc.DialInProc(srv)
	c := New(rc, nil)
	t.Cleanup(func() {
		c.Close()
		srv.Stop()
	})
	return c, api
}

func TestClientCall(t *testing.T) {
	c, _ := newInProc(t, 1)

	raw, err := c.Call(context.Background(), batcher.Request{Method: "eth_blockNumber"})
	require.NoError(t, err)
	assert.JSONEq(t, `"0x2a"`, string(raw))

	_, err = c.Call(context.Background(), batcher.Request{Method: "eth_broken"})
	assert.Error(t, err)
}

func TestClientCallBatchDemuxesPositionally(t *testing.T) {
	c, _ := newInProc(t, 3)

	resps, err := c.CallBatch(context.Background(), []batcher.Request{
		{Method: "eth_gasPrice"},
		{Method: "eth_broken"},
		{Method: "eth_blockNumber"},
	})
	require.NoError(t, err)
	require.Len(t, resps, 3)
	assert.JSONEq(t, `"0xb2d05e00"`, string(resps[0].Result))
	assert.Error(t, resps[1].Err)
	assert.JSONEq(t, `"0x2a"`, string(resps[2].Result))
}

func TestCombinable(t *testing.T) {
	c := New(nil, []string{"eth_call"})
	assert.True(t, c.Combinable("eth_call"))
	assert.False(t, c.Combinable("eth_sendRawTransaction"))

	d := New(nil, nil)
	assert.True(t, d.Combinable("eth_gasPrice"))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestGasOracleCachesThroughBatcher(t *testing.T) {
	c, api := newInProc(t, 25)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := batcher.New(c, batcher.NewTokenBucket(100, 10), batcher.Config{BatchTimeout: 5 * time.Millisecond}, logger)
	t.Cleanup(func() { _ = b.Close() })

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	oracle := NewGasOracle(b, time.Second, clk.Now)

	gwei, err := oracle.GasPrice(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 25.0, gwei, 1e-9)

	clk.Advance(500 * time.Millisecond)
	gwei, err = oracle.GasPrice(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 25.0, gwei, 1e-9)
	assert.Equal(t, int32(1), api.gasCalls.Load())

	api.price = big.NewInt(40e9)
	clk.Advance(time.Second)
	gwei, err = oracle.GasPrice(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 40.0, gwei, 1e-9)
	assert.Equal(t, int32(2), api.gasCalls.Load())
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(ctx context.Context, _ string, _ ...any) *batcher.Future {
	// A cancelled context yields an already failed future.
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	return batcher.New(nil, nil, batcher.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))).Enqueue(cctx, "eth_gasPrice")
}

func TestGasOracleSurfacesErrors(t *testing.T) {
	oracle := NewGasOracle(failingEnqueuer{}, time.Second, nil)
	_, err := oracle.GasPrice(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}
