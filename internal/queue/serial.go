package queue

import (
	"errors"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// ErrQueueFull is returned by Submit when the named queue is at
// capacity — backpressure; the caller must fail fast rather than block.
var ErrQueueFull = errors.New("queue full")

type lane struct {
	mu      sync.Mutex
	pending *linkedlistqueue.Queue
	running bool
}

func newLane() *lane {
	return &lane{pending: linkedlistqueue.New()}
}

// SerialRegistry holds one FIFO lane per key, each draining onto a
// shared Pool such that at most one task per key runs at a time while
// different keys proceed concurrently, up to the pool's thread budget.
// This is the shared shape behind both the per-model and per-session
// queues, instantiated twice by the scheduler.
type SerialRegistry struct {
	pool *Pool

	mu    sync.Mutex
	lanes map[string]*lane
}

// NewSerialRegistry builds a registry of serial lanes drained by pool.
func NewSerialRegistry(pool *Pool) *SerialRegistry {
	return &SerialRegistry{pool: pool, lanes: make(map[string]*lane)}
}

func (r *SerialRegistry) lane(key string) *lane {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lanes[key]
	if !ok {
		l = newLane()
		r.lanes[key] = l
	}
	return l
}

// Submit enqueues task onto key's lane. If the lane is at maxQueue
// capacity, it returns ErrQueueFull and does not enqueue. Otherwise it
// enqueues and, if no drain is currently running for this lane, submits
// a drain task to the pool. Re-entrant: a task running as part of a
// lane's drain may itself call Submit (e.g. the session lane's task
// forwarding to the model lane) because the lane mutex is always
// released before a task executes.
func (r *SerialRegistry) Submit(key string, maxQueue int, task Task) error {
	l := r.lane(key)

	l.mu.Lock()
	if maxQueue > 0 && l.pending.Size() >= maxQueue {
		l.mu.Unlock()
		return ErrQueueFull
	}
	l.pending.Enqueue(task)
	needsDrain := !l.running
	if needsDrain {
		l.running = true
	}
	l.mu.Unlock()

	if needsDrain {
		r.pool.Submit(func() { r.drain(l) })
	}
	return nil
}

func (r *SerialRegistry) drain(l *lane) {
	for {
		l.mu.Lock()
		v, ok := l.pending.Dequeue()
		if !ok {
			l.running = false
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()

		v.(Task)()
	}
}

// Depth returns the number of tasks currently pending (not yet
// running) for key. Useful for tests and diagnostics.
func (r *SerialRegistry) Depth(key string) int {
	l := r.lane(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Size()
}
