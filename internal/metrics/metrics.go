// Package metrics implements the in-process request counters exposed
// by the /metrics endpoint.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/localmodel/serve/internal/servingctx"
)

// Counters tracks request-level counts and a running average latency.
// All fields are safe for concurrent use from worker goroutines.
type Counters struct {
	requestsTotal       atomic.Int64
	requestsInFlight     atomic.Int64
	requestsStreamTotal  atomic.Int64
	requestsErrorTotal   atomic.Int64
	requestsCancelledTotal atomic.Int64

	startedAt time.Time

	latMu       sync.Mutex
	latSumMs    float64
	latCount    int64
}

// New builds a Counters with its uptime clock started now.
func New() *Counters {
	return &Counters{startedAt: time.Now()}
}

// RequestAccepted records a request accepted by the scheduler.
func (c *Counters) RequestAccepted(stream bool) {
	c.requestsTotal.Add(1)
	if stream {
		c.requestsStreamTotal.Add(1)
	}
}

// RequestRejected records a request rejected at submission or
// queue-wait-timeout time, without ever reaching the engine.
func (c *Counters) RequestRejected() {
	c.requestsErrorTotal.Add(1)
}

// RequestErrored records a request that failed before engine execution
// (e.g. engine construction failure).
func (c *Counters) RequestErrored() {
	c.requestsErrorTotal.Add(1)
}

// RequestStarted records a request beginning engine execution.
func (c *Counters) RequestStarted() {
	c.requestsInFlight.Add(1)
}

// RequestFinished records a request's terminal outcome and latency.
// Call via defer around the engine.Run call; it inspects sc's finish
// reason, which is guaranteed set by the time the deferred call runs.
func (c *Counters) RequestFinished(sc *servingctx.Context) {
	c.requestsInFlight.Add(-1)

	switch sc.Reason() {
	case servingctx.FinishError:
		c.requestsErrorTotal.Add(1)
	case servingctx.FinishCancelled:
		c.requestsCancelledTotal.Add(1)
	}

	elapsed := time.Since(sc.CreatedAt)
	c.latMu.Lock()
	c.latSumMs += float64(elapsed.Microseconds()) / 1000.0
	c.latCount++
	c.latMu.Unlock()
}

// Snapshot is a point-in-time copy of the counters for the /metrics
// response.
type Snapshot struct {
	RequestsTotal          int64
	RequestsInFlight       int64
	RequestsStreamTotal    int64
	RequestsErrorTotal     int64
	RequestsCancelledTotal int64
	AvgLatencyMs           float64
	UptimeMs               int64
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() Snapshot {
	c.latMu.Lock()
	avg := 0.0
	if c.latCount > 0 {
		avg = c.latSumMs / float64(c.latCount)
	}
	c.latMu.Unlock()

	return Snapshot{
		RequestsTotal:          c.requestsTotal.Load(),
		RequestsInFlight:       c.requestsInFlight.Load(),
		RequestsStreamTotal:    c.requestsStreamTotal.Load(),
		RequestsErrorTotal:     c.requestsErrorTotal.Load(),
		RequestsCancelledTotal: c.requestsCancelledTotal.Load(),
		AvgLatencyMs:           avg,
		UptimeMs:               time.Since(c.startedAt).Milliseconds(),
	}
}
