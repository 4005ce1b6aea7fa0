package engine

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFactoryConstructsAtMostOncePerModel(t *testing.T) {
	var constructions atomic.Int32
	f := NewFactory("dummy")
	f.Register("dummy", func(name string) (Engine, error) {
		constructions.Add(1)
		return NewDummy(name)
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Get("shared-model")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, constructions.Load())
	require.ElementsMatch(t, []string{"shared-model"}, f.Models())
}

func TestFactoryUnknownKindErrors(t *testing.T) {
	f := NewFactory("llama")
	_, err := f.Get("m")
	require.Error(t, err)
}

func TestFactoryClearDiscardsInstances(t *testing.T) {
	f := NewFactory("dummy")
	f.Register("dummy", NewDummy)
	_, err := f.Get("m")
	require.NoError(t, err)
	require.Len(t, f.Models(), 1)

	f.Clear()
	require.Empty(t, f.Models())
}
