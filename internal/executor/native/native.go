// Package native implements C5: in-process hosting of built-in nodes. A
// node runs on its own goroutine, pulled one value at a time off its
// inbound bridges in turn, guaranteeing the serialized-per-node process
// call order §5 requires; multiple nodes run concurrently on separate
// goroutines, the cooperative scheduling the runtime asks of a native
// executor.
package native

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ocx/pipelinert/internal/executor"
	"github.com/ocx/pipelinert/internal/ocxerr"
	"github.com/ocx/pipelinert/internal/runtimedata"
)

type inboundValue struct {
	v   runtimedata.Value
	err error
}

// Registry maps a node_type to a Factory for every built-in node compiled
// into this runtime.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]executor.Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]executor.Factory)}
}

// Register adds a built-in node factory. Intended to be called from
// package init() in the node implementation packages the runtime is
// built with.
func (r *Registry) Register(nodeType string, f executor.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[nodeType] = f
}

func (r *Registry) lookup(nodeType string) (executor.Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[nodeType]
	return f, ok
}

// Executor hosts one native node's lifecycle on its own goroutine.
type Executor struct {
	registry *Registry
	log      *slog.Logger

	mu     sync.Mutex
	node   executor.Node
	cancel context.CancelFunc
	done   chan error
	onFail func(nodeID string, err error)
}

// New constructs a native executor. onFail is invoked exactly once if the
// hosted node fails or crashes, converting the failure to NodeFailure for
// the session to observe.
func New(registry *Registry, log *slog.Logger, onFail func(nodeID string, err error)) *Executor {
	return &Executor{registry: registry, log: log, onFail: onFail}
}

func (e *Executor) Kind() string { return "Native" }

// Metrics reports spawned/alive state only: a native node shares the
// hosting process with every other node and executor, so there is no
// separate OS-level process to attribute memory or CPU time to.
func (e *Executor) Metrics() executor.Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.node == nil {
		return executor.Metrics{}
	}
	alive := true
	select {
	case <-e.done:
		alive = false
	default:
	}
	return executor.Metrics{Spawned: true, Alive: alive}
}

// Start looks up the node's factory, runs Init, and launches the
// processing loop. It returns once Init has completed (success or
// failure) so the session can enforce the init timeout the same way it
// does for the other executors.
func (e *Executor) Start(ctx context.Context, w executor.Wiring) error {
	factory, ok := e.registry.lookup(w.NodeType)
	if !ok {
		return fmt.Errorf("native: no built-in node registered for type %q", w.NodeType)
	}
	node := factory()

	if err := node.Init(ctx, w.Params); err != nil {
		return &ocxerr.NodeFailureError{NodeID: w.NodeID, Kind: ocxerr.NodeFailureRaised, Message: err.Error()}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	e.mu.Lock()
	e.node = node
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	go e.run(runCtx, w, done)
	return nil
}

// run pulls from every inbound bridge concurrently, feeding a single
// channel so the node's Process calls stay strictly serialized (one
// goroutine calling Process, whichever bridge a value arrived on) while
// still servicing all of a node's inputs.
func (e *Executor) run(ctx context.Context, w executor.Wiring, done chan<- error) {
	defer close(done)

	inbox := make(chan inboundValue)
	for _, ib := range w.Inbound {
		ib := ib
		go func() {
			for {
				v, err := ib.Recv(ctx)
				select {
				case inbox <- inboundValue{v: v, err: err}:
				case <-ctx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()
	}

	if len(w.Inbound) == 0 {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-inbox:
			if item.err != nil {
				return
			}

			outputs, err := e.node.Process(ctx, item.v)
			if err != nil {
				e.log.Error("native node process failed", "node_id", w.NodeID, "error", err)
				if e.onFail != nil {
					e.onFail(w.NodeID, &ocxerr.NodeFailureError{NodeID: w.NodeID, Kind: ocxerr.NodeFailureRaised, Message: err.Error()})
				}
				return
			}

			for _, out := range outputs {
				for _, ob := range w.Outbound {
					if sendErr := ob.Send(ctx, out); sendErr != nil {
						if e.onFail != nil {
							e.onFail(w.NodeID, sendErr)
						}
						return
					}
				}
			}
		}
	}
}

// Stop cancels the node's goroutine and runs Shutdown with a fresh
// context, since the grace period for shutdown is independent of whatever
// cancelled processing.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	node, cancel, done := e.node, e.cancel, e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	if node != nil {
		return node.Shutdown(ctx)
	}
	return nil
}
