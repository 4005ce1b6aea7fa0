package engine

import (
	"bytes"
	"text/template"

	"github.com/localmodel/serve/internal/session"
)

// ChatTemplater renders a message history into the flat prompt string
// the model was trained on. Implementations are expected to be pure
// functions of the history.
type ChatTemplater interface {
	Render(history []session.Message) (string, error)
}

// Tokenizer turns prompt text into model vocabulary ids and back.
// addSpecial requests that beginning-of-sequence / role-boundary
// special tokens be included; only true on the very first prefill of
// a ModelContext.
type Tokenizer interface {
	Tokenize(text string, addSpecial bool) ([]int32, error)
	Detokenize(token int32) ([]byte, error)
}

// Sampler draws the next token id given the sampler state bound to one
// ModelContext, and reports end-of-generation tokens.
type Sampler interface {
	Sample(ctx *ModelContext) (int32, error)
	Accept(ctx *ModelContext, token int32)
	IsEndOfGeneration(token int32) bool
}

// TextTemplater is a minimal text/template-based ChatTemplater, good
// enough to exercise the engine end to end without a real model's
// chat template grammar.
type TextTemplater struct {
	tmpl *template.Template
}

const defaultChatTemplate = `{{range .}}<|{{.Role}}|>
{{.Content}}
{{end}}<|assistant|>
`

// NewTextTemplater builds a TextTemplater from the default template,
// or a caller-supplied one if tmplText is non-empty.
func NewTextTemplater(tmplText string) (*TextTemplater, error) {
	if tmplText == "" {
		tmplText = defaultChatTemplate
	}
	t, err := template.New("chat").Parse(tmplText)
	if err != nil {
		return nil, err
	}
	return &TextTemplater{tmpl: t}, nil
}

func (t *TextTemplater) Render(history []session.Message) (string, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, history); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// WhitespaceTokenizer is a placeholder tokenizer: one token per UTF-8
// byte, offset so that byte 0x00 never collides with the reserved
// special-token ids below. It exists purely so the engine has a
// tokenizer to call when no real model runtime is linked in.
type WhitespaceTokenizer struct{}

const (
	specialBOS       int32 = -1
	endOfGeneration  int32 = -2
	tokenizerOffset  int32 = 2
)

func NewWhitespaceTokenizer() *WhitespaceTokenizer { return &WhitespaceTokenizer{} }

func (WhitespaceTokenizer) Tokenize(text string, addSpecial bool) ([]int32, error) {
	b := []byte(text)
	toks := make([]int32, 0, len(b)+1)
	if addSpecial {
		toks = append(toks, specialBOS)
	}
	for _, c := range b {
		toks = append(toks, int32(c)+tokenizerOffset)
	}
	return toks, nil
}

func (WhitespaceTokenizer) Detokenize(token int32) ([]byte, error) {
	switch token {
	case specialBOS, endOfGeneration:
		return nil, nil
	default:
		return []byte{byte(token - tokenizerOffset)}, nil
	}
}

// StopAfterSampler is a placeholder sampler that cycles through a
// short fixed reply and then emits the end-of-generation token. It
// lets the production generation loop in LanguageModel be exercised
// deterministically without a real backend.
type StopAfterSampler struct {
	Reply []int32
}

// NewStopAfterSampler builds a sampler that will emit the bytes of
// reply (as tokens offset the same way WhitespaceTokenizer encodes
// them) and then stop.
func NewStopAfterSampler(reply string) *StopAfterSampler {
	toks := make([]int32, 0, len(reply))
	for _, c := range []byte(reply) {
		toks = append(toks, int32(c)+tokenizerOffset)
	}
	return &StopAfterSampler{Reply: toks}
}

func (s *StopAfterSampler) Sample(ctx *ModelContext) (int32, error) {
	if ctx.genPos >= len(s.Reply) {
		return endOfGeneration, nil
	}
	return s.Reply[ctx.genPos], nil
}

func (s *StopAfterSampler) Accept(ctx *ModelContext, token int32) {
	if token != endOfGeneration {
		ctx.genPos++
	}
}

func (s *StopAfterSampler) IsEndOfGeneration(token int32) bool {
	return token == endOfGeneration
}
