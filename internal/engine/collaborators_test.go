package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localmodel/serve/internal/session"
)

func TestTextTemplaterIsPrefixStableAcrossAppendedMessages(t *testing.T) {
	tpl, err := NewTextTemplater("")
	require.NoError(t, err)

	history := []session.Message{{Role: "user", Content: "A"}}
	full := append(append([]session.Message{}, history...), session.Message{Role: "assistant", Content: "X"})

	withoutDelta, err := tpl.Render(history)
	require.NoError(t, err)
	withDelta, err := tpl.Render(full)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(withDelta, withoutDelta))
	require.Contains(t, withDelta[len(withoutDelta):], "X")
}

func TestWhitespaceTokenizerRoundTrips(t *testing.T) {
	tok := NewWhitespaceTokenizer()
	toks, err := tok.Tokenize("hi", false)
	require.NoError(t, err)
	require.Len(t, toks, 2)

	var out []byte
	for _, tk := range toks {
		b, err := tok.Detokenize(tk)
		require.NoError(t, err)
		out = append(out, b...)
	}
	require.Equal(t, "hi", string(out))
}

func TestWhitespaceTokenizerAddSpecialPrependsBOS(t *testing.T) {
	tok := NewWhitespaceTokenizer()
	without, _ := tok.Tokenize("a", false)
	with, _ := tok.Tokenize("a", true)
	require.Len(t, with, len(without)+1)
}

func TestStopAfterSamplerEmitsReplyThenEndOfGeneration(t *testing.T) {
	s := NewStopAfterSampler("ok")
	mc := NewModelContext(0, 0)

	var got []int32
	for i := 0; i < 5; i++ {
		tok, err := s.Sample(mc)
		require.NoError(t, err)
		s.Accept(mc, tok)
		if s.IsEndOfGeneration(tok) {
			break
		}
		got = append(got, tok)
	}

	require.Len(t, got, 2)
}
