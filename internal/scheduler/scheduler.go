// Package scheduler wires the worker pool and the per-model/per-session
// serial queues to the engine factory, implementing the two-level
// scheduling and queue-wait timeout described for request dispatch.
package scheduler

import (
	"time"

	"github.com/localmodel/serve/internal/engine"
	"github.com/localmodel/serve/internal/metrics"
	"github.com/localmodel/serve/internal/queue"
	"github.com/localmodel/serve/internal/servingctx"
)

// Options configures a Scheduler.
type Options struct {
	WorkerThreads     int
	MaxModelQueue     int
	MaxSessionPending int
	MaxQueueWait      time.Duration
}

// Scheduler accepts serving contexts and runs them through: a
// per-session lane (FIFO per session), wrapping a per-model lane
// (FIFO per model), wrapping the engine call itself — both lanes
// draining onto one shared worker pool.
type Scheduler struct {
	pool     *queue.Pool
	sessions *queue.SerialRegistry
	models   *queue.SerialRegistry
	factory  *engine.Factory
	metrics  *metrics.Counters

	maxModelQueue     int
	maxSessionPending int
	maxQueueWait      time.Duration
}

// New builds a Scheduler backed by a fresh worker pool.
func New(factory *engine.Factory, m *metrics.Counters, opts Options) *Scheduler {
	if opts.MaxQueueWait <= 0 {
		opts.MaxQueueWait = 2 * time.Second
	}
	pool := queue.NewPool(opts.WorkerThreads)
	return &Scheduler{
		pool:              pool,
		sessions:          queue.NewSerialRegistry(pool),
		models:            queue.NewSerialRegistry(pool),
		factory:           factory,
		metrics:           m,
		maxModelQueue:     opts.MaxModelQueue,
		maxSessionPending: opts.MaxSessionPending,
		maxQueueWait:      opts.MaxQueueWait,
	}
}

// Submit enqueues sc for execution: first onto its session's lane,
// which — once dequeued — enqueues onto its model's lane, which —
// once dequeued — runs the engine. The session-lane admission check
// runs synchronously, so a full session queue is reported as an error
// return here — the gateway uses this to decide whether it may still
// respond 429 before committing to an SSE stream. A full model queue
// is discovered later, inside the session lane's own execution, and
// is instead reported by finishing sc with an overloaded error, since
// by then a streaming gateway may already have sent headers.
func (s *Scheduler) Submit(sc *servingctx.Context) error {
	acceptedAt := time.Now()

	sessionTask := func() {
		modelTask := func() { s.runWithDeadline(sc, acceptedAt) }
		if err := s.models.Submit(sc.Model, s.maxModelQueue, modelTask); err != nil {
			s.reject(sc)
		}
	}

	if err := s.sessions.Submit(sc.SessionID, s.maxSessionPending, sessionTask); err != nil {
		return err
	}
	s.metrics.RequestAccepted(sc.Stream)
	return nil
}

func (s *Scheduler) reject(sc *servingctx.Context) {
	sc.Params.ErrorCode = "overloaded"
	sc.SetErrorMessage("queue full")
	s.metrics.RequestRejected()
	sc.EmitFinish(servingctx.FinishError)
}

// runWithDeadline implements the MAX_QUEUE_WAIT_MS timeout: a task
// that begins execution after waiting too long in queue finishes with
// error/overloaded instead of running the engine.
func (s *Scheduler) runWithDeadline(sc *servingctx.Context, acceptedAt time.Time) {
	if time.Since(acceptedAt) > s.maxQueueWait {
		sc.Params.ErrorCode = "overloaded"
		sc.SetErrorMessage("queue wait exceeded")
		s.metrics.RequestRejected()
		sc.EmitFinish(servingctx.FinishError)
		return
	}

	e, err := s.factory.Get(sc.Model)
	if err != nil {
		sc.SetErrorMessage(err.Error())
		s.metrics.RequestErrored()
		sc.EmitFinish(servingctx.FinishError)
		return
	}

	s.metrics.RequestStarted()
	defer s.metrics.RequestFinished(sc)
	e.Run(sc)
}

// Shutdown stops the underlying worker pool.
func (s *Scheduler) Shutdown() { s.pool.Shutdown() }

// ModelQueueDepth returns the current pending count for a model's lane.
func (s *Scheduler) ModelQueueDepth(model string) int { return s.models.Depth(model) }

// SessionQueueDepth returns the current pending count for a session's lane.
func (s *Scheduler) SessionQueueDepth(sessionID string) int { return s.sessions.Depth(sessionID) }
