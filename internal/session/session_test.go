package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeCtx struct{ closed bool }

func (f *fakeCtx) Close() { f.closed = true }

func TestSessionSetContextClosesPrior(t *testing.T) {
	s := newSession("s1", "m1", time.Now())
	a, b := &fakeCtx{}, &fakeCtx{}

	s.WithLock(func(s *Session) { s.SetContext(a) })
	s.WithLock(func(s *Session) { s.SetContext(b) })

	require.True(t, a.closed)
	require.False(t, b.closed)
}

func TestSessionResetHistoryDropsContext(t *testing.T) {
	s := newSession("s1", "m1", time.Now())
	a := &fakeCtx{}
	s.WithLock(func(s *Session) {
		s.SetContext(a)
		s.CommitTurn([]Message{{Role: "user", Content: "hi"}})
	})

	s.WithLock(func(s *Session) { s.ResetHistory() })

	require.True(t, a.closed)
	var hist []Message
	s.WithLock(func(s *Session) { hist = s.History() })
	require.Empty(t, hist)
}

func TestSessionHistoryReturnsCopy(t *testing.T) {
	s := newSession("s1", "m1", time.Now())
	s.WithLock(func(s *Session) { s.CommitTurn([]Message{{Role: "user", Content: "hi"}}) })

	var h1 []Message
	s.WithLock(func(s *Session) { h1 = s.History() })
	h1[0].Content = "mutated"

	var h2 []Message
	s.WithLock(func(s *Session) { h2 = s.History() })
	require.Equal(t, "hi", h2[0].Content)
}
