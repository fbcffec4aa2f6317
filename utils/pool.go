// Package utils holds small shared runtime helpers, chiefly the bounded
// worker pool used by the builder and the query engine's prefetcher.
package utils

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// Task is one unit of work run on a pool worker.
type Task func(ctx context.Context) error

// Future resolves when its task has run.
type Future struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task finished or ctx is cancelled, and returns the
// task's error.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queued struct {
	task   Task
	future *Future
}

// TaskPool is a fixed set of workers draining a bounded FIFO queue. Submit
// blocks once the queue is full, providing backpressure to producers.
type TaskPool struct {
	tasks      chan queued
	cancelCtx  context.Context
	cancelFunc func()
	workers    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewTaskPool starts numWorkers workers (default: core count) behind a queue
// of queueDepth pending tasks (default: twice the workers).
func NewTaskPool(numWorkers, queueDepth int) *TaskPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueDepth <= 0 {
		queueDepth = 2 * numWorkers
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	p := &TaskPool{
		tasks:      make(chan queued, queueDepth),
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	p.workers.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		goutils.PanicCapturingGo(func() {
			defer p.workers.Done()
			for {
				select {
				case <-cancelCtx.Done():
					return
				case q, ok := <-p.tasks:
					if !ok {
						return
					}
					q.future.err = q.task(cancelCtx)
					close(q.future.done)
				}
			}
		})
	}
	return p
}

// Submit enqueues a task, blocking while the queue is full. It fails if ctx
// is cancelled first or the pool has been stopped.
func (p *TaskPool) Submit(ctx context.Context, task Task) (*Future, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("task pool is stopped")
	}
	p.mu.Unlock()

	f := &Future{done: make(chan struct{})}
	select {
	case p.tasks <- queued{task: task, future: f}:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.cancelCtx.Done():
		return nil, errors.New("task pool is stopped")
	}
}

// Stop cancels the pool context and waits for workers to exit. Pending
// queued tasks are dropped; their futures never resolve successfully.
func (p *TaskPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.cancelFunc()
	p.workers.Wait()
	for {
		select {
		case q := <-p.tasks:
			q.future.err = context.Canceled
			close(q.future.done)
		default:
			return
		}
	}
}
