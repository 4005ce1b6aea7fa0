package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localmodel/serve/internal/servingctx"
)

func TestDummyEmitsTextThenStops(t *testing.T) {
	e, err := NewDummy("test-model")
	require.NoError(t, err)

	var finished servingctx.FinishReason
	c := servingctx.New("r1", "s1", "test-model", false, nil,
		servingctx.FinishFunc(func(sc *servingctx.Context) { finished = sc.Reason() }))

	e.Run(c)

	require.Equal(t, servingctx.FinishStop, finished)
	require.NotEmpty(t, c.AccumulatedText())
	require.True(t, c.Finished())
}

func TestDummyHonorsUpfrontCancellation(t *testing.T) {
	e, _ := NewDummy("test-model")
	c := servingctx.New("r1", "s1", "test-model", false, nil, nil)
	c.Cancel()

	e.Run(c)

	require.Equal(t, servingctx.FinishCancelled, c.Reason())
	require.Empty(t, c.AccumulatedText())
}
