// Package worker runs CPU-bound analysis on a fixed pool of goroutines fed by
// a supervisor that owns the task queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// Func is the work performed for one task.
type Func[In, Out any] func(ctx context.Context, in In) (Out, error)

// Future is the pending result of one submitted task. If the worker running
// the task dies, the future is never resolved.
type Future[Out any] struct {
	id   uint64
	done chan struct{}
	val  Out
	err  error
}

// ID is the dispatcher-assigned task id.
func (f *Future[Out]) ID() uint64 { return f.id }

// Done is closed once the task completes.
func (f *Future[Out]) Done() <-chan struct{} { return f.done }

// Await blocks until the task completes or ctx ends.
func (f *Future[Out]) Await(ctx context.Context) (Out, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero Out
		return zero, ctx.Err()
	}
}

func (f *Future[Out]) resolve(v Out, err error) {
	f.val = v
	f.err = err
	close(f.done)
}

type task[In, Out any] struct {
	id  uint64
	in  In
	fut *Future[Out]
}

type result[Out any] struct {
	worker int
	id     uint64
	val    Out
	err    error
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers   int
	Busy      int64
	Queued    int64
	Submitted uint64
	Completed uint64
	Respawns  uint64
}

// Dispatcher assigns tasks to idle workers in FIFO order. Each worker has its
// own task channel; only the supervisor goroutine touches the queue, the idle
// set and the pending futures.
type Dispatcher[In, Out any] struct {
	fn      Func[In, Out]
	workers int
	logger  *slog.Logger

	submit  chan task[In, Out]
	results chan result[Out]
	deaths  chan int

	nextID    atomic.Uint64
	busy      atomic.Int64
	queued    atomic.Int64
	completed atomic.Uint64
	respawns  atomic.Uint64

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{} // closed once the supervisor has exited
	wg        sync.WaitGroup
}

// New creates a dispatcher with n workers; n <= 0 means GOMAXPROCS.
func New[In, Out any](fn Func[In, Out], n int, logger *slog.Logger) *Dispatcher[In, Out] {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &Dispatcher[In, Out]{
		fn:      fn,
		workers: n,
		logger:  logger.With(slog.String("component", "dispatcher")),
		submit:  make(chan task[In, Out]),
		results: make(chan result[Out], n),
		deaths:  make(chan int, n),
		done:    make(chan struct{}),
	}
}

// Start launches the supervisor and workers. It returns immediately; the
// pool stops when ctx is cancelled or Stop is called. Submit blocks until
// Start has been called.
func (d *Dispatcher[In, Out]) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.ctx, d.cancel = context.WithCancel(ctx)
		d.wg.Add(1)
		go d.supervise()
	})
}

// Stop cancels the pool and waits for the supervisor to exit. Futures still
// queued are left unresolved.
func (d *Dispatcher[In, Out]) Stop() {
	d.startOnce.Do(func() { close(d.done) })
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Submit queues in and returns its future. After Stop the future resolves
// immediately with domain.ErrClosed.
func (d *Dispatcher[In, Out]) Submit(in In) *Future[Out] {
	fut := &Future[Out]{id: d.nextID.Add(1), done: make(chan struct{})}
	select {
	case d.submit <- task[In, Out]{id: fut.id, in: in, fut: fut}:
	case <-d.done:
		var zero Out
		fut.resolve(zero, fmt.Errorf("dispatcher: submit: %w", domain.ErrClosed))
	}
	return fut
}

// Stats returns pool counters.
func (d *Dispatcher[In, Out]) Stats() Stats {
	return Stats{
		Workers:   d.workers,
		Busy:      d.busy.Load(),
		Queued:    d.queued.Load(),
		Submitted: d.nextID.Load(),
		Completed: d.completed.Load(),
		Respawns:  d.respawns.Load(),
	}
}

func (d *Dispatcher[In, Out]) supervise() {
	defer d.wg.Done()
	defer close(d.done)

	inboxes := make([]chan task[In, Out], d.workers)
	idle := make([]int, 0, d.workers)
	for i := range inboxes {
		inboxes[i] = d.spawn(i)
		idle = append(idle, i)
	}
	defer func() {
		for _, ch := range inboxes {
			close(ch)
		}
	}()

	var queue []task[In, Out]
	pending := make(map[uint64]*Future[Out])
	inflight := make(map[int]uint64)

	assign := func(w int) bool {
		if len(queue) == 0 {
			return false
		}
		t := queue[0]
		queue[0] = task[In, Out]{}
		queue = queue[1:]
		d.queued.Add(-1)
		inflight[w] = t.id
		d.busy.Add(1)
		inboxes[w] <- t
		return true
	}

	for {
		select {
		case <-d.ctx.Done():
			return

		case t := <-d.submit:
			pending[t.id] = t.fut
			queue = append(queue, t)
			d.queued.Add(1)
			if len(idle) > 0 {
				w := idle[len(idle)-1]
				idle = idle[:len(idle)-1]
				assign(w)
			}

		case r := <-d.results:
			delete(inflight, r.worker)
			d.busy.Add(-1)
			d.completed.Add(1)
			if fut, ok := pending[r.id]; ok {
				delete(pending, r.id)
				fut.resolve(r.val, r.err)
			}
			if !assign(r.worker) {
				idle = append(idle, r.worker)
			}

		case w := <-d.deaths:
			id := inflight[w]
			delete(inflight, w)
			delete(pending, id)
			d.busy.Add(-1)
			d.respawns.Add(1)
			d.logger.Error("worker died, respawning",
				slog.Int("worker", w),
				slog.Uint64("task_id", id),
			)
			close(inboxes[w])
			inboxes[w] = d.spawn(w)
			if !assign(w) {
				idle = append(idle, w)
			}
		}
	}
}

func (d *Dispatcher[In, Out]) spawn(idx int) chan task[In, Out] {
	inbox := make(chan task[In, Out], 1)
	go d.work(idx, inbox)
	return inbox
}

func (d *Dispatcher[In, Out]) work(idx int, inbox <-chan task[In, Out]) {
	for t := range inbox {
		if !d.run(idx, t) {
			return
		}
	}
}

// run executes one task and reports whether the worker survived it.
func (d *Dispatcher[In, Out]) run(idx int, t task[In, Out]) (alive bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("task panicked",
				slog.Uint64("task_id", t.id),
				slog.String("panic", fmt.Sprint(r)),
			)
			select {
			case d.deaths <- idx:
			case <-d.ctx.Done():
			}
			alive = false
		}
	}()

	val, err := d.fn(d.ctx, t.in)
	select {
	case d.results <- result[Out]{worker: idx, id: t.id, val: val, err: err}:
	case <-d.ctx.Done():
	}
	return true
}
