// Package serve is the root of the local model serving layer: it
// assembles configuration, the session manager, the engine factory,
// the scheduler, and metrics into one App object threaded explicitly
// through the HTTP gateway instead of package-global singletons.
package serve

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/localmodel/serve/internal/config"
	"github.com/localmodel/serve/internal/engine"
	"github.com/localmodel/serve/internal/metrics"
	"github.com/localmodel/serve/internal/scheduler"
	"github.com/localmodel/serve/internal/session"
)

// App is the root object: every other component is reached through
// it rather than through a package-level variable.
type App struct {
	Config    *config.Resolved
	Sessions  *session.Manager
	Factory   *engine.Factory
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Counters

	startedAt  time.Time
	requestSeq atomic.Int64
}

// New constructs an App from resolved configuration. It registers the
// dummy engine unconditionally (used by tests and by every model that
// resolves to the "dummy" kind)
// and, when cfg.Engine.Kind is "llama", a language-model constructor
// built from the stub chat-template/tokenizer/sampler collaborators.
func New(cfg *config.Resolved) (*App, error) {
	factory := engine.NewFactory(cfg.EngineKind)
	factory.Register("dummy", engine.NewDummy)

	if cfg.EngineKind == "llama" {
		templater, err := engine.NewTextTemplater("")
		if err != nil {
			return nil, fmt.Errorf("app: build chat templater: %w", err)
		}
		factory.Register("llama", engine.NewLanguageModelConstructor(engine.LanguageModelOptions{
			Templater:        templater,
			Tokenizer:        engine.NewWhitespaceTokenizer(),
			SamplerFactory:   func() engine.Sampler { return engine.NewStopAfterSampler("(no model loaded)") },
			ContextCapacity:  cfg.ContextWindow,
			KVResetMargin:    cfg.KVResetMargin,
			DefaultMaxTokens: cfg.DefaultMaxTokens,
		}))
	}

	sessions := session.NewManager(session.Options{
		MaxSessions: cfg.MaxSessions,
		IdleTTL:     time.Duration(cfg.IdleTTLSeconds) * time.Second,
		GCBatch:     cfg.GCBatch,
	})

	m := metrics.New()

	sched := scheduler.New(factory, m, scheduler.Options{
		WorkerThreads:     cfg.WorkerThreads,
		MaxModelQueue:     cfg.MaxModelQueue,
		MaxSessionPending: cfg.MaxSessionPending,
		MaxQueueWait:      time.Duration(cfg.MaxQueueWaitMs) * time.Millisecond,
	})

	return &App{
		Config:    cfg,
		Sessions:  sessions,
		Factory:   factory,
		Scheduler: sched,
		Metrics:   m,
		startedAt: time.Now(),
	}, nil
}

// NextRequestID returns the next request id in the process-wide
// monotonically increasing sequence, formatted "req-<n>".
func (a *App) NextRequestID() string {
	return fmt.Sprintf("req-%d", a.requestSeq.Add(1))
}

// UptimeMs returns milliseconds since the App was constructed.
func (a *App) UptimeMs() int64 { return time.Since(a.startedAt).Milliseconds() }

// Shutdown stops the scheduler's worker pool and the session reaper.
func (a *App) Shutdown() {
	a.Scheduler.Shutdown()
	a.Sessions.Stop()
}
