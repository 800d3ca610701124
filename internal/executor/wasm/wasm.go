package wasm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/ocx/pipelinert/internal/executor"
	"github.com/ocx/pipelinert/internal/ocxerr"
	"github.com/ocx/pipelinert/internal/runtimedata"
	"github.com/ocx/pipelinert/internal/wire"
)

type inboundValue struct {
	v   runtimedata.Value
	err error
}

// Executor hosts one node inside a sandboxed WASM instance. Every
// process() call crosses the linear-memory boundary as a msgpack-encoded
// wire.Encode/Decode payload, the same codec the multiprocess executor
// uses over shmqueue — the boundary format is shared, only the transport
// differs.
type Executor struct {
	cfg   Config
	cache *moduleCache
	log   *slog.Logger

	onFail func(nodeID string, err error)

	mu        sync.Mutex
	nodeID    string
	instance  *wasmer.Instance
	memory    *wasmer.Memory
	processFn wasmer.NativeFunction
	allocFn   wasmer.NativeFunction
	cancel    context.CancelFunc
	done      chan struct{}
}

// Runtime owns the one wasmer engine/store and compiled-module cache a
// process shares across every WASM node it ever hosts, across every
// session. Compiling the same module twice under two different stores
// would waste the cache entirely, so the runtime package constructs
// exactly one Runtime and hands it to every Executor it creates.
type Runtime struct {
	store *wasmer.Store
	cache *moduleCache
}

// NewRuntime builds the shared wasmer store and module cache.
func NewRuntime(cfg Config) *Runtime {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	return &Runtime{store: store, cache: newModuleCache(store, cfg.ModuleCacheDir)}
}

// NewExecutor constructs one node's executor against the shared runtime.
func (rt *Runtime) NewExecutor(cfg Config, log *slog.Logger, onFail func(nodeID string, err error)) *Executor {
	return &Executor{cfg: cfg, cache: rt.cache, log: log, onFail: onFail}
}

// New constructs a standalone WASM executor with its own engine/store and
// module cache — convenient for tests that host a single node and don't
// need cache sharing across a process.
func New(cfg Config, log *slog.Logger, onFail func(nodeID string, err error)) (*Executor, error) {
	return NewRuntime(cfg).NewExecutor(cfg, log, onFail), nil
}

func (e *Executor) Kind() string { return "Wasm" }

// Metrics reports spawned/alive state plus the instance's current linear
// memory size as a peak-memory approximation — wasm linear memory only
// grows, never shrinks, so the current size is also the high-water mark.
// CPUMicros stays zero: the retrieved wasmer-go engine has no fuel or
// epoch-metering API to read actual execution time from.
func (e *Executor) Metrics() executor.Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.nodeID == "" {
		return executor.Metrics{}
	}
	alive := true
	select {
	case <-e.done:
		alive = false
	default:
	}

	var peak int64
	if alive && e.instance != nil && e.memory != nil {
		peak = int64(len(e.memory.Data()))
	}
	return executor.Metrics{Spawned: true, Alive: alive, PeakMemoryBytes: peak}
}

// Start compiles (or reuses a cached compile of) the node's declared
// module, instantiates it with only the host imports its capability
// tokens allow, and launches the processing pump. It returns once the
// instance is ready or has failed to become so.
func (e *Executor) Start(ctx context.Context, w executor.Wiring) error {
	spec, err := parseModuleSpec(w.Params)
	if err != nil {
		return &ocxerr.NodeFailureError{NodeID: w.NodeID, Kind: ocxerr.NodeFailureRaised, Message: err.Error()}
	}

	if e.cfg.RequireSignature {
		if err := verifySignature(spec.Bytes, spec.SignatureHex, e.cfg.TrustedPublicKeys); err != nil {
			return &ocxerr.NodeFailureError{NodeID: w.NodeID, Kind: ocxerr.NodeFailureRaised, Message: err.Error()}
		}
	}

	mod, err := e.cache.compile(spec.Bytes)
	if err != nil {
		return &ocxerr.NodeFailureError{NodeID: w.NodeID, Kind: ocxerr.NodeFailureRaised, Message: err.Error()}
	}

	limits, err := wasmer.NewLimits(1, uint32(e.cfg.MemoryCeilingPages))
	if err != nil {
		return &ocxerr.NodeFailureError{NodeID: w.NodeID, Kind: ocxerr.NodeFailureRaised, Message: err.Error()}
	}
	memoryType := wasmer.NewMemoryType(limits)
	memory := wasmer.NewMemory(e.cache.store, memoryType)

	importObject := buildImportObject(e.cache.store, memory, w.NodeID, e.log, spec)

	instance, err := wasmer.NewInstance(mod, importObject)
	if err != nil {
		return &ocxerr.NodeFailureError{NodeID: w.NodeID, Kind: ocxerr.NodeFailureRaised, Message: fmt.Sprintf("instantiate: %v", err)}
	}

	processFn, err := instance.Exports.GetFunction("process")
	if err != nil {
		instance.Close()
		return &ocxerr.NodeFailureError{NodeID: w.NodeID, Kind: ocxerr.NodeFailureRaised, Message: "module does not export process"}
	}
	allocFn, err := instance.Exports.GetFunction("alloc")
	if err != nil {
		instance.Close()
		return &ocxerr.NodeFailureError{NodeID: w.NodeID, Kind: ocxerr.NodeFailureRaised, Message: "module does not export alloc"}
	}

	if exportedMemory, memErr := instance.Exports.GetMemory("memory"); memErr == nil && exportedMemory != nil {
		memory = exportedMemory
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	e.mu.Lock()
	e.nodeID = w.NodeID
	e.instance = instance
	e.memory = memory
	e.processFn = processFn
	e.allocFn = allocFn
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	go e.run(runCtx, w, done)
	return nil
}

func (e *Executor) run(ctx context.Context, w executor.Wiring, done chan struct{}) {
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

			outputs, err := e.processOnce(ctx, item.v)
			if err != nil {
				e.log.Error("wasm: process failed", "node_id", w.NodeID, "error", err)
				if e.onFail != nil {
					e.onFail(w.NodeID, err)
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

// processOnce encodes v, copies it into the instance's linear memory,
// calls the guest's process export, and decodes whatever it wrote back.
// wasmer-go v1's compiled engine has no fuel/epoch metering API in the
// retrieved pack, so the execution-time ceiling is enforced host-side: the
// call runs on its own goroutine and a timeout closes the instance out
// from under it. That leaves the goroutine itself to exit only once the
// trap from the closed instance propagates — a best-effort ceiling, not a
// true preemptive one.
func (e *Executor) processOnce(ctx context.Context, v runtimedata.Value) ([]runtimedata.Value, error) {
	payload, err := wire.Encode(v)
	if err != nil {
		return nil, &ocxerr.ConversionFailedError{Edge: "wasm:" + e.nodeID, Reason: err.Error()}
	}

	type result struct {
		out []runtimedata.Value
		err error
	}
	resultCh := make(chan result, 1)

	go func() {
		out, callErr := e.invoke(payload)
		resultCh <- result{out: out, err: callErr}
	}()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
	defer cancel()

	select {
	case r := <-resultCh:
		return r.out, r.err
	case <-callCtx.Done():
		e.mu.Lock()
		inst := e.instance
		e.mu.Unlock()
		if inst != nil {
			inst.Close()
		}
		return nil, &ocxerr.ResourceExhaustedError{NodeID: e.nodeID, Limit: "execution_time"}
	}
}

func (e *Executor) invoke(payload []byte) ([]runtimedata.Value, error) {
	allocResult, err := e.allocFn(int32(len(payload)))
	if err != nil {
		return nil, &ocxerr.NodeFailureError{NodeID: e.nodeID, Kind: ocxerr.NodeFailureCrashed, Message: err.Error()}
	}
	inPtr, ok := allocResult.(int32)
	if !ok {
		return nil, &ocxerr.NodeFailureError{NodeID: e.nodeID, Kind: ocxerr.NodeFailureCrashed, Message: "alloc did not return an i32 pointer"}
	}

	data := e.memory.Data()
	if int(inPtr)+len(payload) > len(data) {
		return nil, &ocxerr.ResourceExhaustedError{NodeID: e.nodeID, Limit: "memory"}
	}
	copy(data[inPtr:], payload)

	callResult, err := e.processFn(inPtr, int32(len(payload)))
	if err != nil {
		return nil, &ocxerr.NodeFailureError{NodeID: e.nodeID, Kind: ocxerr.NodeFailureCrashed, Message: err.Error()}
	}

	// process is expected to return a packed (ptr<<32 | len) i64 pointing
	// at its own output buffer in linear memory.
	packed, ok := callResult.(int64)
	if !ok {
		return nil, &ocxerr.NodeFailureError{NodeID: e.nodeID, Kind: ocxerr.NodeFailureCrashed, Message: "process did not return a packed i64 result"}
	}
	outPtr := int32(packed >> 32)
	outLen := int32(packed & 0xffffffff)

	data = e.memory.Data()
	if outLen == 0 {
		return nil, nil
	}
	if int(outPtr)+int(outLen) > len(data) {
		return nil, &ocxerr.ResourceExhaustedError{NodeID: e.nodeID, Limit: "memory"}
	}
	outBytes := make([]byte, outLen)
	copy(outBytes, data[outPtr:outPtr+outLen])

	out, err := wire.Decode(outBytes)
	if err != nil {
		return nil, &ocxerr.ConversionFailedError{Edge: "wasm:" + e.nodeID, Reason: err.Error()}
	}
	return []runtimedata.Value{out}, nil
}

// Stop cancels the processing pump and releases the instance. Safe to
// call more than once.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done, instance := e.cancel, e.done, e.instance
	e.instance = nil
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
	if instance != nil {
		instance.Close()
	}
	return nil
}
