// Package runtime is the top-level entry point: Runtime.Execute builds a
// session from a manifest and a bound input/output pair, wiring each
// registry.Kind to its concrete executor backend, and returns a
// SessionHandle the caller drives without needing to know session
// internals.
package runtime

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/pipelinert/internal/config"
	"github.com/ocx/pipelinert/internal/executor"
	"github.com/ocx/pipelinert/internal/executor/multiprocess"
	"github.com/ocx/pipelinert/internal/executor/native"
	"github.com/ocx/pipelinert/internal/executor/wasm"
	"github.com/ocx/pipelinert/internal/manifest"
	"github.com/ocx/pipelinert/internal/progressbus"
	"github.com/ocx/pipelinert/internal/registry"
	"github.com/ocx/pipelinert/internal/session"
)

// Runtime is a process-wide object: one registry, one native-node
// registry, one shared WASM engine/module-cache, and the process-wide
// defaults every session's manifest configuration is layered on top of.
// Sessions are independent and share none of their own state, only these
// backend singletons.
type Runtime struct {
	cfg           *config.Config
	registry      *registry.Registry
	nativeNodes   *native.Registry
	wasmRuntime   *wasm.Runtime
	trustedKeys   [][]byte
	overrideCache *registry.OverrideCache
	log           *slog.Logger
}

// New constructs a Runtime from process-wide configuration. nativeNodes is
// the registry of built-in node factories compiled into this binary;
// callers populate it (via nativeNodes.Register) before the first session
// starts.
func New(cfg *config.Config, reg *registry.Registry, nativeNodes *native.Registry, log *slog.Logger) *Runtime {
	var trustedKeys [][]byte
	if cfg.Wasm.TrustedPublicKeyHex != "" {
		if key, err := hex.DecodeString(cfg.Wasm.TrustedPublicKeyHex); err == nil {
			trustedKeys = [][]byte{key}
		} else {
			log.Warn("runtime: ignoring malformed wasm trusted public key", "error", err)
		}
	}

	wasmCfg := wasm.Config{
		MemoryCeilingPages: cfg.Wasm.MemoryCeilingPages,
		ExecutionTimeout:   time.Duration(cfg.Wasm.ExecutionTimeoutMs) * time.Millisecond,
		RequireSignature:   cfg.Wasm.RequireSignature,
		TrustedPublicKeys:  trustedKeys,
		ModuleCacheDir:     cfg.Wasm.ModuleCacheDir,
	}

	return &Runtime{
		cfg:           cfg,
		registry:      reg,
		nativeNodes:   nativeNodes,
		wasmRuntime:   wasm.NewRuntime(wasmCfg),
		trustedKeys:   trustedKeys,
		overrideCache: registry.NewOverrideCache(cfg.Registry.OverrideCacheAddr, time.Duration(cfg.Registry.OverrideCacheTTL)*time.Second),
		log:           log,
	}
}

// Close releases the process-wide resources a Runtime holds open across
// its lifetime (currently just the override cache's connection pool; a
// nil *OverrideCache, the common case when no Redis address is
// configured, makes Close a no-op).
func (rt *Runtime) Close() error {
	return rt.overrideCache.Close()
}

// SessionHandle is the external, narrow interface a caller drives a
// running session through — it does not expose session.Session's internal
// wiring.
type SessionHandle struct {
	sess *session.Session
}

func (h *SessionHandle) ID() string { return h.sess.ID() }

func (h *SessionHandle) Cancel(ctx context.Context) { h.sess.Cancel(ctx) }

func (h *SessionHandle) Shutdown(ctx context.Context) { h.sess.Shutdown(ctx) }

func (h *SessionHandle) Status() (session.State, string) { return h.sess.Status() }

func (h *SessionHandle) Metrics() session.Metrics { return h.sess.Metrics() }

// Execute builds and starts a new session from manifestYAML, bound to
// input and output, returning a handle once the session has reached Ready
// (every node initialized) or failed to. Progress events from this
// session are also published on bus, if non-nil, for any external sink
// (e.g. progressbus.WebSocketSink) to relay.
func (rt *Runtime) Execute(ctx context.Context, manifestYAML []byte, input session.Input, output session.Output, bus *progressbus.Bus) (*SessionHandle, error) {
	// Used only to namespace this execution's multiprocess shared-memory
	// segments; independent of the session's own internally-generated ID.
	shmSessionID := uuid.NewString()

	sess := session.New(session.Config{
		ManifestYAML: manifestYAML,
		Registry:     rt.registry,
		RuntimeDefaults: manifest.ManifestConfiguration{
			MaxProcessesPerSession: rt.cfg.Runtime.MaxProcessesPerSession,
			ChannelCapacity:        rt.cfg.Runtime.DefaultChannelCapacity,
			InitTimeoutSecs:        rt.cfg.Runtime.DefaultInitTimeoutSecs,
			EnableBackpressure:     rt.cfg.Runtime.DefaultEnableBackpressure,
			PythonExecutable:       rt.cfg.Multiprocess.PythonExecutable,
			ExecutorOverrides:      map[string]string{},
		},
		GlobalProcessLimit: rt.cfg.Runtime.MaxProcessesPerSession,
		NewExecutor:        rt.executorFactory(shmSessionID),
		GracePeriod:        rt.cfg.GracePeriod(),
		Log:                rt.log,
		Input:              input,
		Output:             output,
		Bus:                bus,
	})

	if err := sess.Start(ctx); err != nil {
		return nil, err
	}
	return &SessionHandle{sess: sess}, nil
}

// executorFactory closes over the runtime's backend singletons, giving
// the session package a way to instantiate an executor for a resolved
// registry.Kind without knowing any backend's construction details.
func (rt *Runtime) executorFactory(shmSessionID string) session.ExecutorFactory {
	return func(kind registry.Kind, nodeID, nodeType string, onFail func(nodeID string, err error)) (executor.Executor, error) {
		switch kind {
		case registry.KindNative:
			return native.New(rt.nativeNodes, rt.log, onFail), nil

		case registry.KindMultiprocess:
			backend, err := rt.multiprocessBackend()
			if err != nil {
				return nil, err
			}
			return multiprocess.New(multiprocess.Config{
				Backend:          backend,
				InitTimeout:      time.Duration(rt.cfg.Runtime.DefaultInitTimeoutSecs) * time.Second,
				GracePeriod:      rt.cfg.GracePeriod(),
				PythonExecutable: rt.cfg.Multiprocess.PythonExecutable,
			}, shmSessionID, rt.log, onFail), nil

		case registry.KindWasm:
			wasmCfg := wasm.Config{
				MemoryCeilingPages: rt.cfg.Wasm.MemoryCeilingPages,
				ExecutionTimeout:   time.Duration(rt.cfg.Wasm.ExecutionTimeoutMs) * time.Millisecond,
				RequireSignature:   rt.cfg.Wasm.RequireSignature,
				TrustedPublicKeys:  rt.trustedKeys,
				ModuleCacheDir:     rt.cfg.Wasm.ModuleCacheDir,
			}
			return rt.wasmRuntime.NewExecutor(wasmCfg, rt.log, onFail), nil

		default:
			return nil, fmt.Errorf("runtime: no executor backend wired for kind %q", kind)
		}
	}
}

func (rt *Runtime) multiprocessBackend() (multiprocess.Backend, error) {
	switch rt.cfg.Multiprocess.Backend {
	case "", "local":
		return multiprocess.NewLocalExecBackend(), nil
	case "docker":
		return multiprocess.NewDockerBackend(rt.cfg.Multiprocess.DockerImage, ""), nil
	default:
		return nil, fmt.Errorf("runtime: unknown multiprocess backend %q", rt.cfg.Multiprocess.Backend)
	}
}
