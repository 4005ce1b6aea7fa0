package engine

import (
	"context"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/localmodel/serve/internal/servingctx"
	"github.com/localmodel/serve/internal/session"
)

// LanguageModelOptions configures a LanguageModel engine instance.
type LanguageModelOptions struct {
	Templater        ChatTemplater
	Tokenizer        Tokenizer
	SamplerFactory   func() Sampler // called once per fresh ModelContext
	ContextCapacity  int
	KVResetMargin    int
	DefaultMaxTokens int
	// MaxConcurrentGenerations bounds how many Run calls may be inside
	// the generation loop at once for this model instance, independent
	// of (and in addition to) the scheduler's per-model serial queue.
	// Defaults to 1 when unset.
	MaxConcurrentGenerations int64
}

// LanguageModel is the production engine: one loaded model (in this
// implementation, its template/tokenizer/sampler collaborators) shared
// across sessions, each of which gets a lazily-created ModelContext.
type LanguageModel struct {
	modelName string
	opts      LanguageModelOptions
	sem       *semaphore.Weighted
}

// NewLanguageModelConstructor closes over a model's collaborators and
// returns a Constructor suitable for Factory.Register("llama", ...).
func NewLanguageModelConstructor(opts LanguageModelOptions) Constructor {
	n := opts.MaxConcurrentGenerations
	if n <= 0 {
		n = 1
	}
	return func(modelName string) (Engine, error) {
		return &LanguageModel{modelName: modelName, opts: opts, sem: semaphore.NewWeighted(n)}, nil
	}
}

// sessionSampler bundles a ModelContext with the Sampler bound to it;
// it is what the session actually stores as its EngineContext, since a
// fresh sampler instance must be created alongside a fresh cache.
type sessionSampler struct {
	*ModelContext
	sampler Sampler
}

func (s *sessionSampler) Close() { s.ModelContext.Close() }

func (lm *LanguageModel) newContext() *sessionSampler {
	mc := NewModelContext(lm.opts.ContextCapacity, lm.opts.KVResetMargin)
	return &sessionSampler{ModelContext: mc, sampler: lm.opts.SamplerFactory()}
}

// Run implements the Engine contract described for the language-model
// engine: lazy context creation/reset, chat-template delta-prompt
// construction, tokenize/decode prefill, and a bounded sampling loop.
func (lm *LanguageModel) Run(sc *servingctx.Context) {
	if sc.Session == nil {
		sc.SetErrorMessage("serving context has no attached session")
		sc.EmitFinish(servingctx.FinishError)
		return
	}
	if sc.Cancelled() {
		sc.EmitFinish(servingctx.FinishCancelled)
		return
	}

	if err := lm.sem.Acquire(context.Background(), 1); err != nil {
		sc.SetErrorMessage("generation semaphore: " + err.Error())
		sc.EmitFinish(servingctx.FinishError)
		return
	}
	defer lm.sem.Release(1)

	var ctxState *sessionSampler
	var history []session.Message
	sc.Session.WithLock(func(s *session.Session) {
		if existing, ok := s.Context().(*sessionSampler); ok && existing != nil {
			if existing.NeedsReset() {
				s.DropContext()
			} else {
				ctxState = existing
			}
		}
		if ctxState == nil {
			ctxState = lm.newContext()
			s.SetContext(ctxState)
		}
		history = s.History()
	})

	if sc.Cancelled() {
		sc.EmitFinish(servingctx.FinishCancelled)
		return
	}

	deltaPrompt, err := lm.buildDeltaPrompt(sc, history)
	if err != nil {
		sc.SetErrorMessage(err.Error())
		sc.EmitFinish(servingctx.FinishError)
		return
	}

	if sc.Cancelled() {
		sc.EmitFinish(servingctx.FinishCancelled)
		return
	}

	addSpecial := !ctxState.Initialized()
	tokens, err := lm.opts.Tokenizer.Tokenize(deltaPrompt, addSpecial)
	if err != nil {
		sc.SetErrorMessage("tokenize: " + err.Error())
		sc.EmitFinish(servingctx.FinishError)
		return
	}
	sc.AddPromptTokens(len(tokens))

	if sc.Cancelled() {
		sc.EmitFinish(servingctx.FinishCancelled)
		return
	}

	ctxState.AdvancePast(len(tokens))
	ctxState.MarkInitialized()
	ctxState.ResetGeneration()

	maxNewTokens := lm.opts.DefaultMaxTokens
	if sc.Params.MaxTokens != nil && *sc.Params.MaxTokens > 0 {
		maxNewTokens = *sc.Params.MaxTokens
	}

	for n := 0; n < maxNewTokens; n++ {
		if sc.Cancelled() {
			sc.EmitFinish(servingctx.FinishCancelled)
			return
		}

		tok, err := ctxState.sampler.Sample(ctxState.ModelContext)
		if err != nil {
			sc.SetErrorMessage("sample: " + err.Error())
			sc.EmitFinish(servingctx.FinishError)
			return
		}
		ctxState.sampler.Accept(ctxState.ModelContext, tok)

		if ctxState.sampler.IsEndOfGeneration(tok) {
			sc.EmitFinish(servingctx.FinishStop)
			return
		}

		ctxState.AdvancePast(1)
		sc.AddCompletionTokens(1)

		b, err := lm.opts.Tokenizer.Detokenize(tok)
		if err != nil {
			sc.SetErrorMessage("detokenize: " + err.Error())
			sc.EmitFinish(servingctx.FinishError)
			return
		}
		if len(b) > 0 && !sc.Cancelled() {
			sc.EmitDelta(string(b))
		}
	}

	sc.EmitFinish(servingctx.FinishLength)
}

// buildDeltaPrompt implements §4.5 step 3: in chat mode, render the
// template over history+incoming and over history alone, and take the
// string suffix by which they differ; in raw mode, use the raw prompt
// verbatim.
func (lm *LanguageModel) buildDeltaPrompt(sc *servingctx.Context, history []session.Message) (string, error) {
	if !sc.Chat {
		return sc.RawPrompt, nil
	}

	full := make([]session.Message, 0, len(history)+len(sc.Messages))
	full = append(full, history...)
	full = append(full, sc.Messages...)

	withDelta, err := lm.opts.Templater.Render(full)
	if err != nil {
		return "", err
	}
	withoutDelta, err := lm.opts.Templater.Render(history)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(withDelta, withoutDelta) {
		// Template isn't prefix-stable across this history; fall back to
		// the full render rather than fail the request.
		return withDelta, nil
	}
	return withDelta[len(withoutDelta):], nil
}
