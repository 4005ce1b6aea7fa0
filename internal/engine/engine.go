// Package engine implements the polymorphic model engine: the dummy
// test engine, the production language-model engine, and the factory
// that maps a model name to a loaded instance.
package engine

import (
	"fmt"
	"sync"

	"github.com/localmodel/serve/internal/servingctx"
)

// Engine runs one serving context to completion, calling EmitFinish
// exactly once before returning.
type Engine interface {
	Run(sc *servingctx.Context)
}

// Constructor builds a new Engine instance for a model name.
type Constructor func(modelName string) (Engine, error)

// Factory maps model name to a loaded engine instance, instantiating
// at most once per model even under concurrent first use.
type Factory struct {
	mu   sync.Mutex
	kind string // which constructor kind new models resolve to
	ctor map[string]Constructor
	inst map[string]Engine
}

// NewFactory builds a Factory. defaultKind selects which registered
// constructor unregistered-kind lookups fall back to; it must name a
// key already passed to Register.
func NewFactory(defaultKind string) *Factory {
	return &Factory{
		kind: defaultKind,
		ctor: make(map[string]Constructor),
		inst: make(map[string]Engine),
	}
}

// Register associates a constructor with a kind name ("dummy", "llama").
func (f *Factory) Register(kind string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctor[kind] = ctor
}

// Get returns the engine instance for model, constructing it on first
// use with the constructor registered under the model name itself if
// there is one, and otherwise with the factory's default-kind
// constructor. Construction runs outside the lock; a double-check after
// construction discards extra instances if another goroutine won the
// race.
func (f *Factory) Get(model string) (Engine, error) {
	f.mu.Lock()
	if e, ok := f.inst[model]; ok {
		f.mu.Unlock()
		return e, nil
	}
	ctor, ok := f.ctor[model]
	if !ok {
		ctor, ok = f.ctor[f.kind]
	}
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("engine: no constructor registered for kind %q", f.kind)
	}

	e, err := ctor(model)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.inst[model]; ok {
		return existing, nil
	}
	f.inst[model] = e
	return e, nil
}

// Models returns the names of all models that have resolved to an
// engine instance so far.
func (f *Factory) Models() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.inst))
	for m := range f.inst {
		out = append(out, m)
	}
	return out
}

// Clear discards all instantiated engines. Testing only.
func (f *Factory) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inst = make(map[string]Engine)
}
