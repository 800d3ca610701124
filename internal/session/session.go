// Package session implements the session orchestrator (C8): one
// execution of a manifest from start to terminal Result, owning every
// executor and bridge it creates and enforcing the fail-fast, no-retry
// teardown rule the spec requires of the runtime.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/pipelinert/internal/bridge"
	"github.com/ocx/pipelinert/internal/executor"
	"github.com/ocx/pipelinert/internal/manifest"
	"github.com/ocx/pipelinert/internal/ocxerr"
	"github.com/ocx/pipelinert/internal/planner"
	"github.com/ocx/pipelinert/internal/progressbus"
	"github.com/ocx/pipelinert/internal/registry"
	"github.com/ocx/pipelinert/internal/runtimedata"
)

// ExecutorFactory builds the executor instance for one node's resolved
// kind. The runtime package supplies the concrete closure (backed by a
// native.Registry, a multiprocess.Config, or a wasm runtime), keeping this
// package ignorant of any one backend's construction details.
type ExecutorFactory func(kind registry.Kind, nodeID, nodeType string, onFail func(nodeID string, err error)) (executor.Executor, error)

// Config assembles everything one session needs to run a manifest to
// completion.
type Config struct {
	ManifestYAML       []byte
	Registry           *registry.Registry
	RuntimeDefaults    manifest.ManifestConfiguration
	GlobalProcessLimit int
	NewExecutor        ExecutorFactory
	GracePeriod        time.Duration
	Log                *slog.Logger
	Input              Input
	Output             Output
	Bus                *progressbus.Bus
}

type nodeRuntime struct {
	nodeID     string
	nodeType   string
	kind       registry.Kind
	params     map[string]interface{}
	exec       executor.Executor
	inbound    []*bridge.Bridge
	outbound   []*bridge.Bridge
	stageIndex int
}

// Session drives one manifest execution from Initializing through
// Terminated.
type Session struct {
	id  string
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	state     State
	errReason string
	startedAt time.Time

	plan     *planner.ExecutionPlan
	bridges  map[string]*bridge.Bridge
	nodes    []*nodeRuntime
	inputBr  []*bridge.Bridge // synthetic bridges fed by Input
	outputBr []*bridge.Bridge // synthetic bridges drained to Output

	cancelRun    context.CancelFunc
	teardownOnce sync.Once
	pumpsDone    sync.WaitGroup
}

// New constructs a session identified by a fresh UUID.
func New(cfg Config) *Session {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		log:     cfg.Log,
		state:   StateInitializing,
		bridges: make(map[string]*bridge.Bridge),
	}
}

func (s *Session) ID() string { return s.id }

// Start validates the manifest, builds the plan, wires bridges and
// executors, and waits for every executor to report readiness. It returns
// once the session has reached Executing, or an error (with teardown
// already performed) if any step failed.
func (s *Session) Start(ctx context.Context) error {
	s.startedAt = time.Now()

	raw, err := manifest.ParseYAML(s.cfg.ManifestYAML)
	if err != nil {
		return s.failStartup(ctx, err)
	}

	validated, err := manifest.Validate(raw, s.cfg.RuntimeDefaults, s.cfg.Registry)
	if err != nil {
		return s.failStartup(ctx, err)
	}

	plan, err := planner.Build(ctx, validated, s.cfg.Registry, s.cfg.GlobalProcessLimit)
	if err != nil {
		return s.failStartup(ctx, err)
	}
	s.plan = plan

	s.wireBridges(plan, validated)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel

	if err := s.startStages(ctx, plan, validated.Config.InitTimeoutSecs); err != nil {
		s.teardown(runCtx, err.Error())
		return err
	}

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()

	s.startPumps(runCtx)

	s.mu.Lock()
	s.state = StateExecuting
	s.mu.Unlock()

	return nil
}

func (s *Session) failStartup(ctx context.Context, err error) error {
	s.mu.Lock()
	s.state = StateError
	s.errReason = err.Error()
	s.mu.Unlock()
	s.cfg.Output.Result(Result{Status: ResultErr, Reason: err.Error()})
	return err
}

// wireBridges instantiates one bridge per planned edge, plus one synthetic
// bridge per stage-0 node (fed by Input) and one per terminal node
// (drained to Output), per §4.8's "binds input_source to the bridges of
// stage-0 nodes and output_sink to the bridges leaving terminal nodes".
func (s *Session) wireBridges(plan *planner.ExecutionPlan, m *manifest.ValidatedManifest) {
	hasOutgoing := make(map[string]bool)
	inboundOf := make(map[string][]*bridge.Bridge)
	outboundOf := make(map[string][]*bridge.Bridge)

	for _, e := range plan.Edges {
		key := fmt.Sprintf("%s:%s->%s:%s", e.FromNodeID, e.FromPort, e.ToNodeID, e.ToPort)
		b := bridge.New(key, e.Strategy, m.Config.ChannelCapacity, m.Config.EnableBackpressure, nil, s.onBackpressure)
		s.bridges[key] = b
		outboundOf[e.FromNodeID] = append(outboundOf[e.FromNodeID], b)
		inboundOf[e.ToNodeID] = append(inboundOf[e.ToNodeID], b)
		hasOutgoing[e.FromNodeID] = true
	}

	for stageIdx, stage := range plan.Stages {
		for _, na := range stage.Nodes {
			nr := &nodeRuntime{
				nodeID:     na.NodeID,
				nodeType:   na.NodeType,
				kind:       na.ExecutorKind,
				params:     na.Params,
				inbound:    inboundOf[na.NodeID],
				outbound:   outboundOf[na.NodeID],
				stageIndex: stageIdx,
			}
			if stageIdx == 0 {
				key := "input:" + na.NodeID
				ib := bridge.New(key, planner.Direct, m.Config.ChannelCapacity, m.Config.EnableBackpressure, nil, s.onBackpressure)
				s.bridges[key] = ib
				s.inputBr = append(s.inputBr, ib)
				nr.inbound = append(nr.inbound, ib)
			}
			if !hasOutgoing[na.NodeID] {
				key := "output:" + na.NodeID
				ob := bridge.New(key, planner.Direct, m.Config.ChannelCapacity, m.Config.EnableBackpressure, nil, s.onBackpressure)
				s.bridges[key] = ob
				s.outputBr = append(s.outputBr, ob)
				nr.outbound = append(nr.outbound, ob)
			}
			s.nodes = append(s.nodes, nr)
		}
	}
}

func (s *Session) onBackpressure(edge string, depth int) {
	s.publish(progressbus.BridgeBackpressure(edge, depth))
}

func (s *Session) publish(p progressbus.Progress) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(p)
	}
	if s.cfg.Output != nil {
		s.cfg.Output.Progress(p)
	}
}

// startStages starts every node's executor, stage by stage, within the
// manifest's init timeout; a node failing to start fails the whole
// session per the fail-fast rule.
func (s *Session) startStages(ctx context.Context, plan *planner.ExecutionPlan, manifestInitTimeoutSecs int) error {
	timeout := time.Duration(s.effectiveInitTimeoutSecs(manifestInitTimeoutSecs)) * time.Second

	byNode := make(map[string]*nodeRuntime, len(s.nodes))
	for _, nr := range s.nodes {
		byNode[nr.nodeID] = nr
	}

	for stageIdx, stage := range plan.Stages {
		s.publish(progressbus.StageStarted(stageIdx))
		for _, na := range stage.Nodes {
			nr := byNode[na.NodeID]
			s.publish(progressbus.NodeInitStarted(nr.nodeID))

			exec, err := s.cfg.NewExecutor(nr.kind, nr.nodeID, nr.nodeType, s.onNodeFail)
			if err != nil {
				return fmt.Errorf("session: constructing executor for node %q: %w", nr.nodeID, err)
			}
			nr.exec = exec

			initCtx, cancel := context.WithTimeout(ctx, timeout)
			err = exec.Start(initCtx, executor.Wiring{
				NodeID:   nr.nodeID,
				NodeType: nr.nodeType,
				Params:   nr.params,
				Inbound:  nr.inbound,
				Outbound: nr.outbound,
			})
			cancel()
			if err != nil {
				if initCtx.Err() != nil {
					return &ocxerr.InitTimeoutError{NodeID: nr.nodeID, Waited: timeout.String()}
				}
				return err
			}
			s.publish(progressbus.NodeInitReady(nr.nodeID))
		}
		s.publish(progressbus.StageCompleted(stageIdx))
	}
	return nil
}

func (s *Session) effectiveInitTimeoutSecs(manifestSecs int) int {
	if manifestSecs > 0 {
		return manifestSecs
	}
	if s.cfg.RuntimeDefaults.InitTimeoutSecs > 0 {
		return s.cfg.RuntimeDefaults.InitTimeoutSecs
	}
	return 30
}

// onNodeFail is passed to every executor as its failure callback; any
// node failure is fatal to the whole session (fail-fast, no retries).
func (s *Session) onNodeFail(nodeID string, err error) {
	s.log.Error("session: node failed", "session_id", s.id, "node_id", nodeID, "error", err)
	s.publish(progressbus.Error(errorKind(err), err.Error(), nodeID))
	if s.cancelRun != nil {
		// Run teardown on its own goroutine: onNodeFail is invoked
		// synchronously from inside the failing executor's own run loop,
		// and teardown calls Stop on every executor including this one,
		// which would deadlock waiting for this goroutine to return.
		go s.teardown(context.Background(), err.Error())
	}
}

func errorKind(err error) string {
	switch err.(type) {
	case *ocxerr.NodeFailureError:
		return "NodeFailure"
	case *ocxerr.InitTimeoutError:
		return "InitTimeout"
	case *ocxerr.ChannelOverflowError:
		return "ChannelOverflow"
	case *ocxerr.ConversionFailedError:
		return "ConversionFailed"
	case *ocxerr.ResourceExhaustedError:
		return "ResourceExhausted"
	default:
		return "Unknown"
	}
}

// startPumps launches the goroutines feeding Input into the graph and
// draining terminal bridges to Output.
func (s *Session) startPumps(ctx context.Context) {
	if s.cfg.Input != nil {
		for _, ib := range s.inputBr {
			ib := ib
			s.pumpsDone.Add(1)
			go func() {
				defer s.pumpsDone.Done()
				defer ib.Close()
				for {
					v, ok, err := s.cfg.Input.Next(ctx)
					if err != nil || !ok {
						return
					}
					if sendErr := ib.Send(ctx, v); sendErr != nil {
						return
					}
				}
			}()
		}
	} else {
		for _, ib := range s.inputBr {
			ib.Close()
		}
	}

	for _, ob := range s.outputBr {
		ob := ob
		s.pumpsDone.Add(1)
		go func() {
			defer s.pumpsDone.Done()
			for {
				v, err := ob.Recv(ctx)
				if err != nil {
					return
				}
				if s.cfg.Output != nil {
					s.cfg.Output.Value(v)
				}
			}
		}()
	}
}

// Cancel implements cancel(): propagates Control(cancel) from every
// source and begins teardown with reason "cancelled", so the session goes
// to Error and then Terminated; it does not pass through Terminating.
func (s *Session) Cancel(ctx context.Context) {
	for _, ib := range s.inputBr {
		_ = ib.Send(ctx, runtimedata.NewControl(s.id, time.Now(), runtimedata.ControlCancel))
	}
	s.teardown(ctx, "cancelled")
}

// Shutdown implements shutdown(): stops admitting new input and lets
// in-flight values drain before teardown.
func (s *Session) Shutdown(ctx context.Context) {
	for _, ib := range s.inputBr {
		ib.Close()
	}

	drained := make(chan struct{})
	go func() { s.pumpsDone.Wait(); close(drained) }()

	select {
	case <-drained:
	case <-time.After(s.cfg.GracePeriod):
	case <-ctx.Done():
	}

	s.teardown(ctx, "")
}

// Status reports the session's current lifecycle state and, once failed,
// the reason.
func (s *Session) Status() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.errReason
}
