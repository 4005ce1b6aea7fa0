// Package queue implements the worker pool and the per-model/per-session
// serial queues layered on top of it.
package queue

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a fixed-size bank of worker goroutines draining a shared FIFO
// task queue. No priorities, no work-stealing.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []Task
	closed  bool
	workers int

	eg     *errgroup.Group
	egCtx  context.Context
}

// NewPool starts n worker goroutines. n defaults to 4 if non-positive.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = 4
	}
	p := &Pool{workers: n}
	p.cond = sync.NewCond(&p.mu)

	eg, ctx := errgroup.WithContext(context.Background())
	p.eg = eg
	p.egCtx = ctx

	for i := 0; i < n; i++ {
		id := i
		eg.Go(func() error {
			p.runWorker(id)
			return nil
		})
	}
	return p
}

// Submit enqueues a task. Never blocks, never returns an error — the
// shared pool itself has no backpressure; backpressure is enforced by
// the bounded per-model/per-session queues that feed it.
func (p *Pool) Submit(t Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.tasks = append(p.tasks, t)
	p.cond.Signal()
}

func (p *Pool) runWorker(id int) {
	for {
		p.mu.Lock()
		for len(p.tasks) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.tasks) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		t := p.tasks[0]
		p.tasks = p.tasks[1:]
		p.mu.Unlock()

		p.runTask(id, t)
	}
}

// runTask executes a task, recovering from panics so a single bad task
// cannot take down the worker goroutine.
func (p *Pool) runTask(id int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker task panicked", "worker", id, "panic", r)
		}
	}()
	t()
}

// Shutdown drains pending tasks, then stops and joins all workers.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	_ = p.eg.Wait()
}
