package engine

// ModelContext is the engine-private per-session state: the
// position-indexed key/value cache (simulated here as a token count),
// the sampler's generation cursor, and the capacity bookkeeping that
// decides when the cache must be discarded and rebuilt.
//
// A real backend would hold native handles here (llama.cpp context,
// sampler chain); this implementation tracks just enough state to
// drive the generation-loop contract in languagemodel.go.
type ModelContext struct {
	capacity int
	margin   int

	nPast       int
	initialized bool

	genPos int // sampler's cursor into the current reply, reset per turn
}

// NewModelContext builds a ModelContext with the given cache capacity
// and KV-reset safety margin.
func NewModelContext(capacity, margin int) *ModelContext {
	return &ModelContext{capacity: capacity, margin: margin}
}

// NeedsReset reports whether n_past has grown to within margin tokens
// of capacity.
func (m *ModelContext) NeedsReset() bool {
	if m.capacity <= 0 {
		return false
	}
	return m.nPast+m.margin >= m.capacity
}

// NPast returns the current committed token count.
func (m *ModelContext) NPast() int { return m.nPast }

// AdvancePast advances n_past by n tokens.
func (m *ModelContext) AdvancePast(n int) { m.nPast += n }

// Initialized reports whether any tokens have been prefilled yet.
func (m *ModelContext) Initialized() bool { return m.initialized }

// MarkInitialized records that the first prefill has happened.
func (m *ModelContext) MarkInitialized() { m.initialized = true }

// ResetGeneration zeroes the sampler cursor at the start of a new
// generation loop; collaborator Samplers read/write genPos via this
// ModelContext so that context and sampler state stay colocated.
func (m *ModelContext) ResetGeneration() { m.genPos = 0 }

// Close releases native resources. Nothing to release in this
// simulated context; a real backend would free its llama context and
// sampler chain here.
func (m *ModelContext) Close() {}
