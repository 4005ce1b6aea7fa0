package session

import (
	"sync"
	"time"
)

// EngineContext is the engine-private handle a Session owns on behalf
// of whichever model engine is serving it — the reusable token-level
// cache described as ModelContext. It is opaque to this package: only
// the engine that created it knows what is inside.
type EngineContext interface {
	// Close releases any native resources held by the context. Called
	// when the session drops its context (branch reset, eviction, or
	// explicit close).
	Close()
}

// Session is server-side conversational state: a committed message
// history plus a reusable engine-level token cache. Exactly one
// execution may own its EngineContext at any instant; callers other
// than the scheduler must not read or mutate Session fields without
// holding mu.
type Session struct {
	mu sync.Mutex

	id    string
	model string

	history []Message
	ctx     EngineContext

	createdAt  time.Time
	lastActive time.Time
	closed     bool
}

func newSession(id, model string, now time.Time) *Session {
	return &Session{
		id:         id,
		model:      model,
		createdAt:  now,
		lastActive: now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Model returns the model name bound at creation.
func (s *Session) Model() string { return s.model }

// WithLock runs fn while holding the session's mutex. Use this for any
// read or mutation of session state; never hold the lock across engine
// execution.
func (s *Session) WithLock(fn func(s *Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// History returns a copy of the committed message history. Must be
// called from within WithLock.
func (s *Session) History() []Message {
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// Context returns the session's engine-private context, or nil if one
// has not been created yet. Must be called from within WithLock.
func (s *Session) Context() EngineContext { return s.ctx }

// SetContext installs a new engine-private context, closing any prior
// one first. Must be called from within WithLock.
func (s *Session) SetContext(ctx EngineContext) {
	if s.ctx != nil {
		s.ctx.Close()
	}
	s.ctx = ctx
}

// DropContext releases the engine-private context without replacing
// it. Must be called from within WithLock.
func (s *Session) DropContext() {
	if s.ctx != nil {
		s.ctx.Close()
		s.ctx = nil
	}
}

// CommitTurn replaces history wholesale — used to commit a finished
// turn as the client's full message list plus the new assistant reply.
// Branch resets go through ResetHistory instead. Must be called from
// within WithLock.
func (s *Session) CommitTurn(history []Message) {
	s.history = history
}

// ResetHistory clears committed history and drops the engine context,
// used when the client's incoming messages diverge from what the
// session has committed (a branch). Must be called from within
// WithLock.
func (s *Session) ResetHistory() {
	s.history = nil
	s.DropContext()
}

// Closed reports whether the session has been explicitly closed. Must
// be called from within WithLock.
func (s *Session) Closed() bool { return s.closed }
