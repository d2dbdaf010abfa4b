package orchestrator

import (
	"context"

	"github.com/MrWong99/glyphoxa/internal/agent"
)

// ctxKey is an unexported type for orchestrator context values, preventing
// collisions with keys defined in other packages.
type ctxKey int

const (
	emitCtxKey ctxKey = iota
	orchestratorCtxKey
)

// withEmit attaches the active turn's event sink to ctx so that the
// route_to_agent/route_to_user tool handlers — which only receive a
// JSON args string, not the caller's emit func — can still forward
// stream_chunk/agent_switch/done events as they run a sub-agent turn.
func withEmit(ctx context.Context, emit func(agent.Event)) context.Context {
	return context.WithValue(ctx, emitCtxKey, emit)
}

func emitFromContext(ctx context.Context) func(agent.Event) {
	if e, ok := ctx.Value(emitCtxKey).(func(agent.Event)); ok {
		return e
	}
	return func(agent.Event) {}
}

// withOrchestrator attaches the Orchestrator instance to ctx so the routing
// tool handlers can reach back into it without a package import cycle
// between the tools registry and this package.
func withOrchestrator(ctx context.Context, o *Orchestrator) context.Context {
	return context.WithValue(ctx, orchestratorCtxKey, o)
}

func orchestratorFromContext(ctx context.Context) (*Orchestrator, bool) {
	o, ok := ctx.Value(orchestratorCtxKey).(*Orchestrator)
	return o, ok
}
