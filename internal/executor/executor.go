// Package executor declares the node contract every backend (native,
// multiprocess, wasm) hosts nodes through, and the common Executor
// interface the session orchestrator drives.
package executor

import (
	"context"

	"github.com/ocx/pipelinert/internal/bridge"
	"github.com/ocx/pipelinert/internal/runtimedata"
)

// Node is the contract every executor invokes nodes through: init,
// process, shutdown. Nodes are pure with respect to each other — any
// side effect must go through the node's outbound bridge.
type Node interface {
	Init(ctx context.Context, params map[string]interface{}) error
	Process(ctx context.Context, v runtimedata.Value) ([]runtimedata.Value, error)
	Shutdown(ctx context.Context) error
}

// Factory constructs a Node instance for a node_type. Native built-in
// nodes register a Factory under their type name; multiprocess/wasm
// executors use node_type to select the child program or module instead.
type Factory func() Node

// Wiring describes one node's inbound and outbound bridges, each bridge
// carrying its edge name, handed to an executor when it starts a node.
type Wiring struct {
	NodeID   string
	NodeType string
	Params   map[string]interface{}
	Inbound  []*bridge.Bridge
	Outbound []*bridge.Bridge
}

// Executor hosts one node on one backend (native in-process,
// multiprocess child, or sandboxed WASM instance).
type Executor interface {
	// Start instantiates and initializes the node, returning once it has
	// reported readiness or failed to within the configured timeout.
	Start(ctx context.Context, w Wiring) error
	// Stop requests a graceful shutdown of the node within the grace
	// period; Stop must be safe to call more than once.
	Stop(ctx context.Context) error
	// Kind reports which registry.Kind this executor implements.
	Kind() string
	// Metrics reports this executor's current resource snapshot for the
	// session's per-executor metrics block.
	Metrics() Metrics
}

// Metrics is the per-executor resource snapshot every backend reports:
// whether its node was ever spawned, whether it's still alive, and the
// process-level figures a backend with an actual OS process (or sandboxed
// instance) can observe about it. A backend that cannot observe a given
// figure (e.g. an in-process native node has no separate process to
// measure) reports zero for it rather than fabricating a value.
type Metrics struct {
	Spawned         bool
	Alive           bool
	PeakMemoryBytes int64
	CPUMicros       int64
}
