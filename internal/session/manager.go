package session

import (
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Manager owns live sessions keyed by session id, maintains LRU
// ordering and capacity eviction via an embedded LRU cache, and runs a
// background reaper that expires idle sessions.
type Manager struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Session]

	idleTTL time.Duration
	gcBatch int

	now func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Options configures a Manager.
type Options struct {
	MaxSessions int
	IdleTTL     time.Duration
	GCInterval  time.Duration
	GCBatch     int
}

func DefaultOptions() Options {
	return Options{
		MaxSessions: 1024,
		IdleTTL:     30 * time.Minute,
		GCInterval:  60 * time.Second,
		GCBatch:     64,
	}
}

// NewManager constructs a Manager and starts its background reaper.
func NewManager(opts Options) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 1024
	}
	if opts.GCBatch <= 0 {
		opts.GCBatch = 64
	}
	m := &Manager{
		idleTTL: opts.IdleTTL,
		gcBatch: opts.GCBatch,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	cache, err := lru.NewWithEvict[string, *Session](opts.MaxSessions, m.onEvict)
	if err != nil {
		// Only returns an error for a non-positive size, which we've
		// already guarded against above.
		panic(err)
	}
	m.cache = cache

	interval := opts.GCInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	go m.reap(interval)

	return m
}

func (m *Manager) onEvict(id string, s *Session) {
	slog.Debug("session evicted", "session_id", id)
	s.WithLock(func(s *Session) {
		s.closed = true
		s.DropContext()
	})
}

// GetOrCreate returns the existing session for id, touching its
// recency, or creates a new one bound to model.
func (m *Manager) GetOrCreate(id, model string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.cache.Get(id); ok && !m.isClosed(s) {
		return s
	}

	s := newSession(id, model, m.now())
	m.cache.Add(id, s)
	return s
}

// Get returns the session for id, or nil if it does not exist, is
// closed, or has just been evicted.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.cache.Get(id)
	if !ok || m.isClosed(s) {
		return nil
	}
	return s
}

func (m *Manager) isClosed(s *Session) bool {
	var closed bool
	s.WithLock(func(s *Session) { closed = s.closed })
	return closed
}

// Touch refreshes last_active and moves the session to the front of
// the LRU list.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.cache.Get(id)
	if !ok {
		return
	}
	s.WithLock(func(s *Session) { s.lastActive = m.now() })
}

// Close marks the session closed and removes it from the manager.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.cache.Peek(id); ok {
		s.WithLock(func(s *Session) {
			s.closed = true
			s.DropContext()
		})
	}
	m.cache.Remove(id)
}

// Len returns the number of sessions currently tracked.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

// GC scans sessions from least-recently-used, dropping any that are
// closed or have exceeded the idle TTL, stopping at the first fresh
// entry or after gcBatch removals.
func (m *Manager) GC() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.cache.Keys() // oldest first
	removed := 0
	now := m.now()
	for _, id := range keys {
		if removed >= m.gcBatch {
			break
		}
		s, ok := m.cache.Peek(id)
		if !ok {
			continue
		}
		var stale bool
		s.WithLock(func(s *Session) {
			stale = s.closed || (m.idleTTL > 0 && now.Sub(s.lastActive) > m.idleTTL)
		})
		if !stale {
			break
		}
		s.WithLock(func(s *Session) {
			s.closed = true
			s.DropContext()
		})
		m.cache.Remove(id)
		removed++
	}
	return removed
}

func (m *Manager) reap(interval time.Duration) {
	defer close(m.doneCh)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			if n := m.GC(); n > 0 {
				slog.Debug("session gc reaped sessions", "count", n)
			}
		}
	}
}

// Stop terminates the background reaper and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}
