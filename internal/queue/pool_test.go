package queue

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := NewPool(2)
	defer p.Shutdown()

	var n atomic.Int64
	const count = 50
	for i := 0; i < count; i++ {
		p.Submit(func() { n.Add(1) })
	}

	require.Eventually(t, func() bool { return n.Load() == count }, time.Second, time.Millisecond)
}

func TestPoolRecoversPanickingTask(t *testing.T) {
	p := NewPool(1)
	defer p.Shutdown()

	p.Submit(func() { panic("boom") })

	var n atomic.Int64
	p.Submit(func() { n.Add(1) })

	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)
}

func TestPoolShutdownDrainsPending(t *testing.T) {
	p := NewPool(1)

	var n atomic.Int64
	for i := 0; i < 5; i++ {
		p.Submit(func() { n.Add(1) })
	}
	p.Shutdown()

	require.EqualValues(t, 5, n.Load())
}
