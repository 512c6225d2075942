// Package rpc adapts an Ethereum-style JSON-RPC endpoint into the batcher's
// Provider and exposes a cached gas price oracle on top of it.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/venuearb/internal/batcher"
)

// DefaultCombinable are read-only methods safe to send as one batch.
var DefaultCombinable = []string{
	"eth_gasPrice",
	"eth_maxPriorityFeePerGas",
	"eth_blockNumber",
	"eth_getBalance",
	"eth_call",
	"eth_getBlockByNumber",
}

// Client is a batcher.Provider over a go-ethereum RPC client.
type Client struct {
	rc         *gethrpc.Client
	combinable map[string]bool
}

// Dial connects to url (http, ws or ipc).
func Dial(ctx context.Context, url string, combinable []string) (*Client, error) {
	rc, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial: %w", err)
	}
	return New(rc, combinable), nil
}

// New wraps an existing client. A nil combinable list uses DefaultCombinable.
func New(rc *gethrpc.Client, combinable []string) *Client {
	if combinable == nil {
		combinable = DefaultCombinable
	}
	set := make(map[string]bool, len(combinable))
	for _, m := range combinable {
		set[m] = true
	}
	return &Client{rc: rc, combinable: set}
}

// Call issues one request.
func (c *Client) Call(ctx context.Context, req batcher.Request) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.rc.CallContext(ctx, &out, req.Method, req.Params...); err != nil {
		return nil, fmt.Errorf("rpc: %s: %w", req.Method, err)
	}
	return out, nil
}

// CallBatch sends reqs as one JSON-RPC batch. Per-element errors land in the
// matching Response; only transport failures fail the whole call.
func (c *Client) CallBatch(ctx context.Context, reqs []batcher.Request) ([]batcher.Response, error) {
	elems := make([]gethrpc.BatchElem, len(reqs))
	results := make([]json.RawMessage, len(reqs))
	for i, r := range reqs {
		elems[i] = gethrpc.BatchElem{Method: r.Method, Args: r.Params, Result: &results[i]}
	}
	if err := c.rc.BatchCallContext(ctx, elems); err != nil {
		return nil, fmt.Errorf("rpc: batch of %d: %w", len(reqs), err)
	}

	out := make([]batcher.Response, len(reqs))
	for i, e := range elems {
		if e.Error != nil {
			out[i] = batcher.Response{Err: fmt.Errorf("rpc: %s: %w", e.Method, e.Error)}
			continue
		}
		out[i] = batcher.Response{Result: results[i]}
	}
	return out, nil
}

// Combinable reports whether method may be batched.
func (c *Client) Combinable(method string) bool {
	return c.combinable[method]
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.rc.Close()
}

var _ batcher.Provider = (*Client)(nil)
