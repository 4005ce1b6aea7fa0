// Package servingctx implements the per-request serving context: the
// bundle of identity, parameters, callbacks, and terminal state shared
// between the gateway, scheduler, and model engine for one request.
package servingctx

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/localmodel/serve/internal/session"
)

// FinishReason is the terminal cause of a generation.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishCancelled FinishReason = "cancelled"
	FinishError     FinishReason = "error"
)

// StreamChunk is one unit of streamed output: either a non-terminal
// delta or the terminal chunk carrying the finish reason.
type StreamChunk struct {
	DeltaText  string
	IsFinished bool
	Reason     FinishReason
}

// DeltaCallback receives streamed chunks: each non-terminal delta and,
// once, the terminal chunk carrying the finish reason.
type DeltaCallback interface {
	OnDelta(chunk StreamChunk)
}

// FinishCallback receives the terminal outcome exactly once.
type FinishCallback interface {
	OnFinish(ctx *Context)
}

// DeltaFunc adapts a plain function to DeltaCallback.
type DeltaFunc func(StreamChunk)

func (f DeltaFunc) OnDelta(c StreamChunk) { f(c) }

// FinishFunc adapts a plain function to FinishCallback.
type FinishFunc func(*Context)

func (f FinishFunc) OnFinish(c *Context) { f(c) }

// RequestParams is the typed generation-parameter struct consumed by
// the scheduler and engine. The gateway is the only place that accepts
// the loose wire form and converts it into this struct.
type RequestParams struct {
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
	ErrorCode   string // set by the scheduler/engine on overload or error
	Extra       map[string]string
}

// Usage tracks token accounting for a request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

func (u Usage) TotalTokens() int { return u.PromptTokens + u.CompletionTokens }

// Context is the per-request serving context. It is constructed by the
// gateway, referenced by the scheduler and engine while executing, and
// released once all parties drop their reference.
type Context struct {
	RequestID string
	SessionID string
	Model     string

	// Chat is true for chat-mode requests; false for raw-prompt mode.
	Chat bool
	// Messages is the post-diff, incremental message list for chat mode.
	Messages []session.Message
	// RawPrompt is the prompt string for raw-prompt mode.
	RawPrompt string

	Params RequestParams
	Stream bool

	// Session is a borrowed handle to the owning session, valid only
	// for the duration of execution.
	Session *session.Session

	cancelled atomic.Bool
	finished  atomic.Bool

	mu         sync.Mutex
	cond       *sync.Cond
	textBuf    strbuf
	reason     FinishReason
	errMessage string
	usage      Usage

	onDelta  DeltaCallback
	onFinish FinishCallback

	CreatedAt time.Time
}

// strbuf avoids importing strings.Builder just for a mutex-guarded
// accumulator that also needs to be read concurrently.
type strbuf struct {
	s string
}

// New constructs a Context. onDelta/onFinish may be nil.
func New(requestID, sessionID, model string, stream bool, onDelta DeltaCallback, onFinish FinishCallback) *Context {
	c := &Context{
		RequestID: requestID,
		SessionID: sessionID,
		Model:     model,
		Stream:    stream,
		onDelta:   onDelta,
		onFinish:  onFinish,
		CreatedAt: time.Now(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Cancel sets the cancellation flag. It does not itself finish the
// context; the engine or scheduler observes it at defined poll points.
func (c *Context) Cancel() { c.cancelled.Store(true) }

// Cancelled reports whether cancellation has been requested.
func (c *Context) Cancelled() bool { return c.cancelled.Load() }

// Finished reports whether EmitFinish has already run.
func (c *Context) Finished() bool { return c.finished.Load() }

// AccumulatedText returns the text assembled so far from EmitDelta calls.
func (c *Context) AccumulatedText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.textBuf.s
}

// Reason returns the finish reason. Only meaningful once Finished().
func (c *Context) Reason() FinishReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// ErrorMessage returns the descriptive error set alongside a
// FinishError reason, if any.
func (c *Context) ErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMessage
}

// SetErrorMessage records a descriptive error message ahead of an
// eventual EmitFinish(FinishError) call.
func (c *Context) SetErrorMessage(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errMessage = msg
}

// Usage returns a copy of the current usage counters.
func (c *Context) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// AddPromptTokens adds n to usage.prompt_tokens.
func (c *Context) AddPromptTokens(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.PromptTokens += n
}

// AddCompletionTokens adds n to usage.completion_tokens.
func (c *Context) AddCompletionTokens(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.CompletionTokens += n
}

// EmitDelta appends text to the accumulated buffer and, in stream mode
// with a callback attached, forwards a non-terminal chunk. No-op once
// Finished().
func (c *Context) EmitDelta(text string) {
	if c.finished.Load() {
		return
	}
	c.mu.Lock()
	c.textBuf.s += text
	cb := c.onDelta
	stream := c.Stream
	c.mu.Unlock()

	if stream && cb != nil {
		cb.OnDelta(StreamChunk{DeltaText: text})
	}
}

// EmitFinish transitions finished from false to true exactly once;
// concurrent or repeated calls after the first are no-ops. The order —
// flag, reason, notify waiters, terminal chunk, on_finish — guarantees
// WaitFinishOrCancel observers see a consistent reason and that
// on_finish always sees final state.
func (c *Context) EmitFinish(reason FinishReason) {
	if !c.finished.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	c.reason = reason
	stream := c.Stream
	deltaCb := c.onDelta
	finishCb := c.onFinish
	c.mu.Unlock()

	c.cond.L.Lock()
	c.cond.Broadcast()
	c.cond.L.Unlock()

	if stream && deltaCb != nil {
		deltaCb.OnDelta(StreamChunk{IsFinished: true, Reason: reason})
	}
	if finishCb != nil {
		finishCb.OnFinish(c)
	}
}

// WaitFinishOrCancel blocks until Finished(), polling alive at
// pollInterval; when alive returns false it cancels and finishes with
// FinishCancelled.
func (c *Context) WaitFinishOrCancel(alive func() bool, pollInterval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.finished.Load() {
		if alive != nil && !alive() {
			c.mu.Unlock()
			c.Cancel()
			c.EmitFinish(FinishCancelled)
			c.mu.Lock()
			return
		}
		waitWithTimeout(c.cond, pollInterval)
	}
}

// waitWithTimeout wakes cond.Wait() after d even without a Broadcast,
// by running the wait on a helper goroutine tied to a timer. Must be
// called with cond.L held.
func waitWithTimeout(cond *sync.Cond, d time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	go func() {
		<-done
		timer.Stop()
	}()
	cond.Wait()
	close(done)
}
