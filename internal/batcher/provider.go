// Package batcher coalesces calls to an external data provider into batches
// that are flushed by size or by timeout under a shared rate budget.
package batcher

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/time/rate"
)

// Request is one provider call: a method name and positional parameters.
type Request struct {
	Method string
	Params []any
}

// Response is one positional result of a combined call.
type Response struct {
	Result json.RawMessage
	Err    error
}

// Provider is the external metadata/data source. Combinable methods may be
// sent as one CallBatch whose responses line up with the requests.
type Provider interface {
	Call(ctx context.Context, req Request) (json.RawMessage, error)
	CallBatch(ctx context.Context, reqs []Request) ([]Response, error)
	Combinable(method string) bool
}

// Limiter grants one unit of budget per flush.
type Limiter interface {
	Allow(ctx context.Context) (bool, error)
}

// Gate is the circuit breaker view the batcher needs.
type Gate interface {
	CanProceed(entity string) bool
	RecordFailure(entity string)
	Reset(entity string)
}

// TokenBucket is a process-local Limiter.
type TokenBucket struct {
	lim *rate.Limiter
}

// NewTokenBucket allows perSecond flushes per second with the given burst.
func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow consumes one token if available. It never blocks.
func (t *TokenBucket) Allow(_ context.Context) (bool, error) {
	return t.lim.AllowN(time.Now(), 1), nil
}
