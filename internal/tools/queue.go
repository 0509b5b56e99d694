package tools

import (
	"context"
	"errors"
	"sync"

	"github.com/csSone/LlamacppServer/internal/common"
	"github.com/csSone/LlamacppServer/internal/metrics"
)

var ErrQueueClosed = errors.New("tools: queue closed")

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Queue runs submitted work one item at a time in submission order.
//
// Cancellation of a task's context is honoured up to the moment the worker
// picks it up. Once running, fn gets a context detached from that
// cancellation and is allowed to finish.
type Queue struct {
	tasks chan *task
	quit  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewQueue(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 64
	}
	q := &Queue{
		tasks: make(chan *task, buffer),
		quit:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for {
		select {
		case t := <-q.tasks:
			metrics.ToolQueueDepth.Dec()
			t.done <- q.run(t)
		case <-q.quit:
			return
		}
	}
}

func (q *Queue) run(t *task) (err error) {
	if err := t.ctx.Err(); err != nil {
		return common.Cancelled(err)
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("tools: task panicked")
		}
	}()
	return t.fn(context.WithoutCancel(t.ctx))
}

// Submit enqueues fn. The returned channel receives exactly one result.
func (q *Queue) Submit(ctx context.Context, fn func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	if err := ctx.Err(); err != nil {
		done <- common.Cancelled(err)
		return done
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		done <- ErrQueueClosed
		return done
	}
	select {
	case q.tasks <- &task{ctx: ctx, fn: fn, done: done}:
		metrics.ToolQueueDepth.Inc()
	case <-ctx.Done():
		done <- common.Cancelled(ctx.Err())
	}
	return done
}

// Run is Submit followed by waiting for the result. It waits for a started
// task even if ctx is cancelled meanwhile.
func (q *Queue) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return <-q.Submit(ctx, fn)
}

// Close stops the worker after the task in flight. Tasks still queued are
// failed with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.quit)
	q.wg.Wait()
	for {
		select {
		case t := <-q.tasks:
			metrics.ToolQueueDepth.Dec()
			t.done <- ErrQueueClosed
		default:
			return
		}
	}
}
