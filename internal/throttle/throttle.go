// Package throttle bounds how many handler tasks run at once across the process.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrClosed is returned for tasks submitted to, or still queued in, a closed throttle.
	ErrClosed = errors.New("throttle closed")
	// ErrQueueFull is returned for tasks submitted while a bounded queue is at capacity.
	ErrQueueFull = errors.New("throttle queue full")
)

type job struct {
	ctx context.Context
	run func(ctx context.Context)
	// fail resolves the job's future without running it.
	fail func(err error)
}

// Throttle admits queued tasks in FIFO order, running at most limit at a time.
// A failing or panicking task only affects its own Future.
type Throttle struct {
	limit    int64
	maxQueue int
	sem      *semaphore.Weighted
	logger   *slog.Logger

	running atomic.Int64
	queued  atomic.Int64

	mu      sync.Mutex
	pending []job
	closed  bool
	wake    chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup
}

// New creates a throttle. Submit never blocks. With queueSize <= 0 the queue
// is unbounded; otherwise a task arriving while queueSize tasks wait is
// rejected with ErrQueueFull.
func New(limit, queueSize int, logger *slog.Logger) *Throttle {
	if limit <= 0 {
		limit = 1
	}
	t := &Throttle{
		limit:    int64(limit),
		maxQueue: max(queueSize, 0),
		sem:      semaphore.NewWeighted(int64(limit)),
		logger:   logger.With("component", "throttle"),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go t.admit()
	return t
}

// Limit returns the concurrency limit.
func (t *Throttle) Limit() int { return int(t.limit) }

// Running returns the number of tasks executing now.
func (t *Throttle) Running() int { return int(t.running.Load()) }

// Queued returns the number of tasks waiting for admission.
func (t *Throttle) Queued() int { return int(t.queued.Load()) }

// admit is the single admission loop: tasks leave the queue in arrival order
// and each waits for a semaphore slot before the next is considered.
func (t *Throttle) admit() {
	defer close(t.loopDone)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-t.stop
		cancel()
	}()

	for {
		j, ok := t.next()
		if !ok {
			t.drain()
			return
		}

		if err := j.ctx.Err(); err != nil {
			t.queued.Add(-1)
			j.fail(err)
			continue
		}
		if err := t.sem.Acquire(ctx, 1); err != nil {
			t.queued.Add(-1)
			j.fail(ErrClosed)
			t.drain()
			return
		}

		t.queued.Add(-1)
		if err := j.ctx.Err(); err != nil {
			t.sem.Release(1)
			j.fail(err)
			continue
		}
		t.running.Add(1)
		t.wg.Add(1)
		go func(j job) {
			defer func() {
				t.running.Add(-1)
				t.sem.Release(1)
				t.wg.Done()
			}()
			j.run(j.ctx)
		}(j)
	}
}

// next pops the oldest queued job, waiting for one if the queue is empty.
// It reports false once the throttle is stopping.
func (t *Throttle) next() (job, bool) {
	for {
		select {
		case <-t.stop:
			return job{}, false
		default:
		}

		t.mu.Lock()
		if len(t.pending) > 0 {
			j := t.pending[0]
			t.pending[0] = job{}
			t.pending = t.pending[1:]
			t.mu.Unlock()
			return j, true
		}
		t.mu.Unlock()

		select {
		case <-t.wake:
		case <-t.stop:
			return job{}, false
		}
	}
}

func (t *Throttle) drain() {
	t.mu.Lock()
	jobs := t.pending
	t.pending = nil
	t.mu.Unlock()

	t.queued.Add(-int64(len(jobs)))
	for _, j := range jobs {
		j.fail(ErrClosed)
	}
}

func (t *Throttle) enqueue(ctx context.Context, j job) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.maxQueue > 0 && len(t.pending) >= t.maxQueue {
		return ErrQueueFull
	}
	t.pending = append(t.pending, j)
	t.queued.Add(1)
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops admitting tasks, fails everything still queued and waits for
// running tasks to finish.
func (t *Throttle) Close() {
	t.stopOnce.Do(func() { close(t.stop) })

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	<-t.loopDone
	t.drain()
	t.wg.Wait()
}

// Future is the pending result of a submitted task.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed once the task has finished or was rejected.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the task resolves or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) resolve(val T, err error) {
	f.val, f.err = val, err
	close(f.done)
}

// Submit queues fn and returns its Future. If ctx ends before fn is admitted,
// fn never runs and the Future resolves with ctx's error.
func Submit[T any](t *Throttle, ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	var zero T

	j := job{
		ctx: ctx,
		run: func(ctx context.Context) {
			var (
				val T
				err error
			)
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
					f.resolve(zero, fmt.Errorf("task panicked: %v", r))
					return
				}
				f.resolve(val, err)
			}()
			val, err = fn(ctx)
		},
		fail: func(err error) { f.resolve(zero, err) },
	}

	if err := t.enqueue(ctx, j); err != nil {
		f.resolve(zero, err)
	}
	return f
}

// Go submits a task that produces no value.
func Go(t *Throttle, ctx context.Context, fn func(ctx context.Context) error) *Future[struct{}] {
	return Submit(t, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
}
