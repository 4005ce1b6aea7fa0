package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSerialRegistryRunsOneKeyAtATimeInOrder(t *testing.T) {
	pool := NewPool(4)
	defer pool.Shutdown()
	reg := NewSerialRegistry(pool)

	var mu sync.Mutex
	var order []int
	var active atomic.Int32
	var sawOverlap atomic.Bool

	for i := 0; i < 10; i++ {
		i := i
		err := reg.Submit("k", 0, func() {
			if active.Add(1) > 1 {
				sawOverlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			active.Add(-1)
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 10
	}, time.Second, time.Millisecond)

	require.False(t, sawOverlap.Load())
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestSerialRegistryDifferentKeysRunConcurrently(t *testing.T) {
	pool := NewPool(4)
	defer pool.Shutdown()
	reg := NewSerialRegistry(pool)

	release := make(chan struct{})
	started := make(chan struct{}, 2)

	for _, k := range []string{"a", "b"} {
		k := k
		require.NoError(t, reg.Submit(k, 0, func() {
			started <- struct{}{}
			<-release
		}))
	}

	timeout := time.After(time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-timeout:
			t.Fatal("expected both keys to start concurrently")
		}
	}
	close(release)
}

func TestSerialRegistryRejectsWhenFull(t *testing.T) {
	pool := NewPool(1)
	defer pool.Shutdown()
	reg := NewSerialRegistry(pool)

	block := make(chan struct{})
	require.NoError(t, reg.Submit("k", 1, func() { <-block }))
	err := reg.Submit("k", 1, func() {})
	require.ErrorIs(t, err, ErrQueueFull)
	close(block)
}

func TestSerialRegistryDepth(t *testing.T) {
	pool := NewPool(1)
	defer pool.Shutdown()
	reg := NewSerialRegistry(pool)

	block := make(chan struct{})
	require.NoError(t, reg.Submit("k", 0, func() { <-block }))
	require.NoError(t, reg.Submit("k", 0, func() {}))

	require.Eventually(t, func() bool { return reg.Depth("k") == 1 }, time.Second, time.Millisecond)
	close(block)
}
