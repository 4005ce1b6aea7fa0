package servingctx

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEmitFinishRunsExactlyOnce(t *testing.T) {
	var finishCount atomic.Int32
	c := New("r1", "s1", "m1", false, nil, FinishFunc(func(*Context) { finishCount.Add(1) }))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.EmitFinish(FinishStop)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, finishCount.Load())
	require.True(t, c.Finished())
	require.Equal(t, FinishStop, c.Reason())
}

func TestEmitDeltaAccumulatesAndStreamsWhenEnabled(t *testing.T) {
	var chunks []StreamChunk
	c := New("r1", "s1", "m1", true, DeltaFunc(func(ch StreamChunk) { chunks = append(chunks, ch) }), nil)

	c.EmitDelta("hello ")
	c.EmitDelta("world")
	require.Equal(t, "hello world", c.AccumulatedText())
	require.Len(t, chunks, 2)

	c.EmitFinish(FinishStop)
	require.Len(t, chunks, 3)
	require.True(t, chunks[2].IsFinished)
	require.Equal(t, FinishStop, chunks[2].Reason)
}

func TestEmitDeltaNoopAfterFinish(t *testing.T) {
	c := New("r1", "s1", "m1", false, nil, nil)
	c.EmitFinish(FinishStop)
	c.EmitDelta("too late")
	require.Equal(t, "", c.AccumulatedText())
}

func TestWaitFinishOrCancelReturnsOnFinish(t *testing.T) {
	c := New("r1", "s1", "m1", false, nil, nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.EmitFinish(FinishStop)
	}()

	done := make(chan struct{})
	go func() {
		c.WaitFinishOrCancel(func() bool { return true }, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitFinishOrCancel did not return")
	}
	require.Equal(t, FinishStop, c.Reason())
}

func TestWaitFinishOrCancelCancelsWhenNotAlive(t *testing.T) {
	c := New("r1", "s1", "m1", false, nil, nil)
	alive := false

	done := make(chan struct{})
	go func() {
		c.WaitFinishOrCancel(func() bool { return alive }, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitFinishOrCancel did not return once not alive")
	}
	require.Equal(t, FinishCancelled, c.Reason())
	require.True(t, c.Cancelled())
}

func TestUsageAccumulates(t *testing.T) {
	c := New("r1", "s1", "m1", false, nil, nil)
	c.AddPromptTokens(5)
	c.AddCompletionTokens(3)
	u := c.Usage()
	require.Equal(t, 5, u.PromptTokens)
	require.Equal(t, 3, u.CompletionTokens)
	require.Equal(t, 8, u.TotalTokens())
}
