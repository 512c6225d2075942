package batcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// Config tunes batching.
type Config struct {
	BatchSize    int           // flush when this many requests are queued
	BatchTimeout time.Duration // flush this long after the first request of a batch
	CallTimeout  time.Duration // bound on one flush's provider calls
	Entity       string        // breaker key for the provider

	Gate       Gate // optional
	Registerer prometheus.Registerer
}

type call struct {
	req Request
	fut *Future
}

// Batcher queues provider requests in FIFO order and flushes them as one
// rate-limited unit. A flush is one budget unit regardless of its size; if
// the budget is exhausted every request in the batch fails with
// domain.ErrRateLimited and nothing is retried.
type Batcher struct {
	cfg      Config
	provider Provider
	limiter  Limiter
	logger   *slog.Logger

	mu      sync.Mutex
	pending []call
	timer   *time.Timer
	gen     uint64
	closed  bool
	wg      sync.WaitGroup

	flushes *prometheus.CounterVec
	size    prometheus.Histogram
}

// New creates a Batcher. Zero values fall back to batch size 10, a 100ms
// batch timeout and a 5s call timeout.
func New(provider Provider, limiter Limiter, cfg Config, logger *slog.Logger) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.Entity == "" {
		cfg.Entity = "provider"
	}

	factory := promauto.With(cfg.Registerer)
	return &Batcher{
		cfg:      cfg,
		provider: provider,
		limiter:  limiter,
		logger:   logger.With(slog.String("component", "batcher")),
		flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "venuearb",
			Subsystem: "batcher",
			Name:      "flushes_total",
			Help:      "Batch flushes by trigger and result.",
		}, []string{"trigger", "result"}),
		size: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "venuearb",
			Subsystem: "batcher",
			Name:      "batch_size",
			Help:      "Requests per flushed batch.",
			Buckets:   prometheus.LinearBuckets(1, 5, 10),
		}),
	}
}

// Enqueue adds a request to the open batch and returns its future. The
// batch is flushed immediately when it reaches BatchSize.
func (b *Batcher) Enqueue(ctx context.Context, method string, params ...any) *Future {
	if err := ctx.Err(); err != nil {
		return failedFuture(err)
	}

	fut := newFuture()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return failedFuture(fmt.Errorf("batcher: enqueue: %w", domain.ErrClosed))
	}
	b.pending = append(b.pending, call{req: Request{Method: method, Params: params}, fut: fut})

	if len(b.pending) >= b.cfg.BatchSize {
		batch := b.take()
		b.wg.Add(1)
		b.mu.Unlock()
		go func() {
			defer b.wg.Done()
			b.flush(batch, "size")
		}()
		return fut
	}

	if len(b.pending) == 1 {
		gen := b.gen
		b.timer = time.AfterFunc(b.cfg.BatchTimeout, func() { b.onTimeout(gen) })
	}
	b.mu.Unlock()
	return fut
}

// Pending returns the number of queued, unflushed requests.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close flushes whatever is queued and waits for in-flight flushes. Later
// Enqueue calls fail with domain.ErrClosed.
func (b *Batcher) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	batch := b.take()
	b.mu.Unlock()

	if len(batch) > 0 {
		b.flush(batch, "close")
	}
	b.wg.Wait()
	return nil
}

func (b *Batcher) onTimeout(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.take()
	b.wg.Add(1)
	b.mu.Unlock()

	defer b.wg.Done()
	b.flush(batch, "timeout")
}

// take detaches the open batch and disarms its timer. Caller holds b.mu.
func (b *Batcher) take() []call {
	batch := b.pending
	b.pending = nil
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

func (b *Batcher) flush(batch []call, trigger string) {
	b.size.Observe(float64(len(batch)))

	if b.cfg.Gate != nil && !b.cfg.Gate.CanProceed(b.cfg.Entity) {
		b.flushes.WithLabelValues(trigger, "circuit_open").Inc()
		failAll(batch, fmt.Errorf("batcher: %s: %w", b.cfg.Entity, domain.ErrCircuitOpen))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CallTimeout)
	defer cancel()

	ok, err := b.limiter.Allow(ctx)
	if err != nil {
		b.flushes.WithLabelValues(trigger, "limiter_error").Inc()
		failAll(batch, fmt.Errorf("batcher: rate limiter: %w", err))
		return
	}
	if !ok {
		b.flushes.WithLabelValues(trigger, "rate_limited").Inc()
		b.logger.Warn("batch rejected by rate limit", slog.Int("size", len(batch)))
		failAll(batch, fmt.Errorf("batcher: flush: %w", domain.ErrRateLimited))
		return
	}

	var methods []string
	groups := make(map[string][]call)
	for _, c := range batch {
		if _, seen := groups[c.req.Method]; !seen {
			methods = append(methods, c.req.Method)
		}
		groups[c.req.Method] = append(groups[c.req.Method], c)
	}

	var failed bool
	for _, m := range methods {
		if b.dispatch(ctx, m, groups[m]) {
			failed = true
		}
	}

	result := "ok"
	if failed {
		result = "provider_error"
	}
	b.flushes.WithLabelValues(trigger, result).Inc()

	if b.cfg.Gate != nil {
		if failed {
			b.cfg.Gate.RecordFailure(b.cfg.Entity)
		} else {
			b.cfg.Gate.Reset(b.cfg.Entity)
		}
	}
}

// dispatch runs one method group and reports whether the provider failed.
func (b *Batcher) dispatch(ctx context.Context, method string, calls []call) bool {
	if b.provider.Combinable(method) {
		reqs := make([]Request, len(calls))
		for i, c := range calls {
			reqs[i] = c.req
		}
		resps, err := b.provider.CallBatch(ctx, reqs)
		if err == nil && len(resps) != len(calls) {
			err = fmt.Errorf("batcher: %s: got %d responses for %d requests", method, len(resps), len(calls))
		}
		if err != nil {
			b.logger.Warn("combined call failed",
				slog.String("method", method),
				slog.Int("size", len(calls)),
				slog.String("error", err.Error()),
			)
			failAll(calls, err)
			return true
		}
		for i, c := range calls {
			c.fut.resolve(resps[i].Result, resps[i].Err)
		}
		return false
	}

	var failed bool
	for _, c := range calls {
		res, err := b.provider.Call(ctx, c.req)
		if err != nil && !errors.Is(err, context.Canceled) {
			failed = true
		}
		c.fut.resolve(res, err)
	}
	return failed
}

func failAll(calls []call, err error) {
	for _, c := range calls {
		c.fut.resolve(nil, err)
	}
}
