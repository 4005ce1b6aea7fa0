package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localmodel/serve/internal/engine"
	"github.com/localmodel/serve/internal/metrics"
	"github.com/localmodel/serve/internal/servingctx"
	"github.com/localmodel/serve/internal/session"
)

func newTestScheduler(t *testing.T, opts Options) (*Scheduler, *metrics.Counters) {
	t.Helper()
	f := engine.NewFactory("dummy")
	f.Register("dummy", engine.NewDummy)
	m := metrics.New()
	if opts.WorkerThreads == 0 {
		opts.WorkerThreads = 4
	}
	return New(f, m, opts), m
}

func newSC(t *testing.T, sessionID, model string) (*servingctx.Context, chan servingctx.FinishReason) {
	t.Helper()
	done := make(chan servingctx.FinishReason, 1)
	sc := servingctx.New("req-"+sessionID, sessionID, model, false, nil,
		servingctx.FinishFunc(func(c *servingctx.Context) { done <- c.Reason() }))
	mgr := session.NewManager(session.DefaultOptions())
	t.Cleanup(mgr.Stop)
	sc.Session = mgr.GetOrCreate(sessionID, model)
	sc.Chat = true
	sc.Messages = []session.Message{{Role: "user", Content: "hi"}}
	return sc, done
}

func TestSchedulerRunsAcceptedRequestToCompletion(t *testing.T) {
	s, m := newTestScheduler(t, Options{})
	defer s.Shutdown()

	sc, done := newSC(t, "s1", "dummy")
	require.NoError(t, s.Submit(sc))

	select {
	case reason := <-done:
		require.Equal(t, servingctx.FinishStop, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finish")
	}
	require.EqualValues(t, 1, m.Snapshot().RequestsTotal)
}

func TestSchedulerSessionLaneOrdersRequestsForSameSession(t *testing.T) {
	s, _ := newTestScheduler(t, Options{WorkerThreads: 1})
	defer s.Shutdown()

	var order []int
	var mu sync.Mutex
	mgr := session.NewManager(session.DefaultOptions())
	defer mgr.Stop()
	sess := mgr.GetOrCreate("same-session", "dummy")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		done := make(chan struct{})
		sc := servingctx.New("req", "same-session", "dummy", false, nil,
			servingctx.FinishFunc(func(c *servingctx.Context) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				close(done)
			}))
		sc.Chat = true
		sc.Messages = []session.Message{{Role: "user", Content: "hi"}}
		sc.Session = sess
		require.NoError(t, s.Submit(sc))
		wg.Add(1)
		go func() { defer wg.Done(); <-done }()
	}
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

// TestSchedulerSessionQueueFullReturnsErrorSynchronously occupies the
// scheduler's sole pool worker directly so the session lane's drain
// task can never run, making the lane's pending count deterministic:
// the first Submit occupies the lane's one allowed pending slot, and
// the second must be rejected synchronously before ever reaching the
// pool.
func TestSchedulerSessionQueueFullReturnsErrorSynchronously(t *testing.T) {
	s, _ := newTestScheduler(t, Options{WorkerThreads: 1, MaxSessionPending: 1})
	defer s.Shutdown()

	blocked := make(chan struct{})
	s.pool.Submit(func() { <-blocked })
	defer close(blocked)

	mgr := session.NewManager(session.DefaultOptions())
	defer mgr.Stop()
	sess := mgr.GetOrCreate("busy-session", "dummy")

	first := servingctx.New("req-first", "busy-session", "dummy", false, nil, nil)
	first.Chat = true
	first.Messages = []session.Message{{Role: "user", Content: "hi"}}
	first.Session = sess
	require.NoError(t, s.Submit(first))

	second := servingctx.New("req-second", "busy-session", "dummy", false, nil, nil)
	second.Chat = true
	second.Messages = []session.Message{{Role: "user", Content: "hi"}}
	second.Session = sess
	require.Error(t, s.Submit(second))
}

func TestSchedulerQueueWaitTimeoutRejectsBeforeRunning(t *testing.T) {
	s, m := newTestScheduler(t, Options{WorkerThreads: 1, MaxQueueWait: time.Nanosecond})
	defer s.Shutdown()

	sc, done := newSC(t, "s-timeout", "dummy")
	require.NoError(t, s.Submit(sc))

	select {
	case reason := <-done:
		require.Equal(t, servingctx.FinishError, reason)
		require.Equal(t, "overloaded", sc.Params.ErrorCode)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finish")
	}
	require.GreaterOrEqual(t, m.Snapshot().RequestsErrorTotal, int64(1))
}

func TestSchedulerUnknownModelErrors(t *testing.T) {
	// newTestScheduler's factory falls back to the dummy engine for any
	// model name, so use a factory whose default kind has no constructor:
	// a model with no constructor of its own then cannot be resolved.
	s := New(engine.NewFactory("unregistered-kind"), metrics.New(), Options{WorkerThreads: 4})
	defer s.Shutdown()

	sc, done := newSC(t, "s-unknown", "no-such-model")
	require.NoError(t, s.Submit(sc))

	select {
	case reason := <-done:
		require.Equal(t, servingctx.FinishError, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finish")
	}
}
