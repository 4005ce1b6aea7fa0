package engine

import "github.com/localmodel/serve/internal/servingctx"

// Dummy emits a fixed string as a single delta and finishes with stop.
// Used for exercising the gateway/scheduler without a real model
// loaded.
type Dummy struct {
	Text string
}

// NewDummy is a Constructor for the "dummy" kind.
func NewDummy(modelName string) (Engine, error) {
	return &Dummy{Text: "Hello from " + modelName + "."}, nil
}

func (d *Dummy) Run(sc *servingctx.Context) {
	if sc.Cancelled() {
		sc.EmitFinish(servingctx.FinishCancelled)
		return
	}
	sc.EmitDelta(d.Text)
	sc.AddCompletionTokens(1)
	sc.EmitFinish(servingctx.FinishStop)
}
