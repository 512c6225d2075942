package batcher

import (
	"context"
	"encoding/json"
)

// Future is the pending result of one enqueued request.
type Future struct {
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.resolve(nil, err)
	return f
}

// Await blocks until the result is available or ctx ends.
func (f *Future) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) resolve(result json.RawMessage, err error) {
	f.result = result
	f.err = err
	close(f.done)
}
