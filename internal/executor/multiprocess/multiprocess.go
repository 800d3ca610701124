// Package multiprocess implements C6: one child process per node,
// communicating over named shared-memory queues, with init-timeout,
// liveness, and grace-period teardown enforcement.
package multiprocess

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ocx/pipelinert/internal/executor"
	"github.com/ocx/pipelinert/internal/ipc/shmqueue"
	"github.com/ocx/pipelinert/internal/ocxerr"
	"github.com/ocx/pipelinert/internal/runtimedata"
	"github.com/ocx/pipelinert/internal/wire"
)

const (
	// queueCapacityBytes is the per-queue ring size; a fixed 4 MiB
	// comfortably holds several thousand typical audio/json/control
	// frames before backpressure (applied above this executor, at the
	// bridge) would ever need the ring itself to block.
	queueCapacityBytes = 4 * 1024 * 1024

	readyToken = "ready"
	stopToken  = "stop"
)

// Config configures the multiprocess executor for one runtime process.
type Config struct {
	Backend          Backend
	InitTimeout      time.Duration
	GracePeriod      time.Duration
	PythonExecutable string
}

// Executor hosts one multiprocess node's lifecycle: allocate segments,
// spawn, await readiness, pump bridges through the child, and tear down.
type Executor struct {
	cfg    Config
	log    *slog.Logger
	onFail func(nodeID string, err error)

	sessionID string
	nodeID    string

	handle  Handle
	inQ     *shmqueue.Queue
	outQ    *shmqueue.Queue
	ctlQ    *shmqueue.Queue
	cancel  context.CancelFunc
	pumpsWG chan struct{}

	spawned atomic.Bool
	alive   atomic.Bool
}

// New constructs a multiprocess executor for one node. sessionID scopes
// the segment names so two concurrent sessions on the same host never
// collide.
func New(cfg Config, sessionID string, log *slog.Logger, onFail func(nodeID string, err error)) *Executor {
	return &Executor{cfg: cfg, log: log, onFail: onFail, sessionID: sessionID}
}

func (e *Executor) Kind() string { return "Multiprocess" }

// Metrics reports spawned/alive state plus, for a child with an observable
// host PID (the local-exec backend), its peak resident memory and
// cumulative CPU time read straight out of procfs. A backend whose handle
// exposes no PID (the docker backend, absent a wired-up stats API) reports
// those two figures as zero rather than guessing.
func (e *Executor) Metrics() executor.Metrics {
	m := executor.Metrics{
		Spawned: e.spawned.Load(),
		Alive:   e.alive.Load(),
	}

	type pidHandle interface{ Pid() (int, bool) }
	h, ok := e.handle.(pidHandle)
	if !ok {
		return m
	}
	pid, ok := h.Pid()
	if !ok {
		return m
	}
	m.PeakMemoryBytes, m.CPUMicros = readProcStats(pid)
	return m
}

// readProcStats reads a child's peak RSS (VmHWM, in /proc/<pid>/status)
// and cumulative user+system CPU time (utime+stime, fields 14/15 of
// /proc/<pid>/stat, in clock ticks) and converts both to the byte/
// microsecond units the session's metrics snapshot reports in. A process
// that has already exited, or a non-Linux host where procfs doesn't
// exist, yields zero for both rather than an error: metrics collection
// must never fail a running session.
func readProcStats(pid int) (peakMemoryBytes int64, cpuMicros int64) {
	status, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err == nil {
		for _, line := range strings.Split(string(status), "\n") {
			if !strings.HasPrefix(line, "VmHWM:") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					peakMemoryBytes = kb * 1024
				}
			}
			break
		}
	}

	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err == nil {
		// Field 2 (comm) may itself contain spaces, so split on the
		// closing ')' rather than counting raw whitespace fields.
		if idx := strings.LastIndexByte(string(stat), ')'); idx >= 0 {
			fields := strings.Fields(string(stat)[idx+1:])
			// After the comm field, utime is field 14 overall, i.e.
			// index 11 (0-based) of the remaining fields; stime is 12.
			if len(fields) > 12 {
				utime, uerr := strconv.ParseInt(fields[11], 10, 64)
				stime, serr := strconv.ParseInt(fields[12], 10, 64)
				if uerr == nil && serr == nil {
					const clockTicksPerSec = 100
					cpuMicros = (utime + stime) * (1_000_000 / clockTicksPerSec)
				}
			}
		}
	}

	return peakMemoryBytes, cpuMicros
}

// Start allocates the three named queues, spawns the child, and blocks
// until it announces readiness on the control queue or InitTimeout
// elapses, at which point the child is terminated and InitTimeout is
// returned per §4.6 step 3.
func (e *Executor) Start(ctx context.Context, w executor.Wiring) error {
	e.nodeID = w.NodeID
	base := fmt.Sprintf("%s-%s", e.sessionID, w.NodeID)

	inQ, err := shmqueue.Create(base+"-in", queueCapacityBytes)
	if err != nil {
		return fmt.Errorf("multiprocess: %w", err)
	}
	outQ, err := shmqueue.Create(base+"-out", queueCapacityBytes)
	if err != nil {
		inQ.Unlink()
		return fmt.Errorf("multiprocess: %w", err)
	}
	ctlQ, err := shmqueue.Create(base+"-ctl", queueCapacityBytes)
	if err != nil {
		inQ.Unlink()
		outQ.Unlink()
		return fmt.Errorf("multiprocess: %w", err)
	}
	e.inQ, e.outQ, e.ctlQ = inQ, outQ, ctlQ

	handle, err := e.cfg.Backend.Spawn(ctx, Spec{
		SessionID:        e.sessionID,
		NodeID:           w.NodeID,
		NodeType:         w.NodeType,
		Params:           w.Params,
		PythonExecutable: e.cfg.PythonExecutable,
		InboundQueue:     base + "-in",
		OutboundQueue:    base + "-out",
		ControlQueue:     base + "-ctl",
	})
	if err != nil {
		e.unlinkAll()
		return fmt.Errorf("multiprocess: %w", err)
	}
	e.handle = handle
	e.spawned.Store(true)

	if err := e.awaitReady(ctx, w.NodeID); err != nil {
		_ = e.cfg.Backend.Kill(ctx, handle)
		e.unlinkAll()
		return err
	}
	e.alive.Store(true)

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.pumpsWG = make(chan struct{})
	go e.watchCrash(runCtx, w.NodeID)
	go e.pumpOutbound(runCtx, w)
	go e.pumpInbound(runCtx, w)

	return nil
}

func (e *Executor) awaitReady(ctx context.Context, nodeID string) error {
	deadline := time.Now().Add(e.cfg.InitTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &ocxerr.InitTimeoutError{NodeID: nodeID, Waited: e.cfg.InitTimeout.String()}
		}
		token, err := e.ctlQ.Pop(minDuration(remaining, 200*time.Millisecond))
		if err == nil {
			if string(token) == readyToken {
				return nil
			}
			continue
		}
		if err != shmqueue.ErrTimeout {
			return &ocxerr.InitTimeoutError{NodeID: nodeID, Waited: e.cfg.InitTimeout.String()}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// watchCrash waits on the child's OS-level exit. A normal Stop() cancels
// runCtx before this returns, so any exit observed while runCtx is still
// live is a crash.
func (e *Executor) watchCrash(ctx context.Context, nodeID string) {
	err := e.cfg.Backend.Wait(context.Background(), e.handle)
	e.alive.Store(false)
	select {
	case <-ctx.Done():
		return // expected exit during Stop
	default:
	}
	if e.onFail != nil {
		message := "child process exited"
		if err != nil {
			message = err.Error()
		}
		e.onFail(nodeID, &ocxerr.NodeFailureError{NodeID: nodeID, Kind: ocxerr.NodeFailureCrashed, Message: message})
	}
}

// pumpInbound forwards values from the node's inbound bridges into the
// child's inbound queue, wire-encoded.
func (e *Executor) pumpInbound(ctx context.Context, w executor.Wiring) {
	for _, ib := range w.Inbound {
		ib := ib
		go func() {
			for {
				v, err := ib.Recv(ctx)
				if err != nil {
					return
				}
				encoded, err := wire.Encode(v)
				if err != nil {
					if e.onFail != nil {
						e.onFail(w.NodeID, &ocxerr.ConversionFailedError{Edge: w.NodeID, Reason: err.Error()})
					}
					return
				}
				if err := e.inQ.Push(encoded, 0); err != nil {
					return
				}
			}
		}()
	}
}

// pumpOutbound forwards values the child publishes to its outbound queue
// onward to the node's outbound bridges.
func (e *Executor) pumpOutbound(ctx context.Context, w executor.Wiring) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		payload, err := e.outQ.Pop(200 * time.Millisecond)
		if err != nil {
			if err == shmqueue.ErrTimeout {
				continue
			}
			return
		}
		v, err := wire.Decode(payload)
		if err != nil {
			if e.onFail != nil {
				e.onFail(w.NodeID, &ocxerr.ConversionFailedError{Edge: w.NodeID, Reason: err.Error()})
			}
			return
		}
		for _, ob := range w.Outbound {
			if sendErr := ob.Send(ctx, v); sendErr != nil {
				if e.onFail != nil {
					e.onFail(w.NodeID, sendErr)
				}
				return
			}
		}
	}
}

// Stop implements §4.6 step 5: send stop, wait up to the grace period,
// kill if still alive, unlink all segments.
func (e *Executor) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}

	stopCtrl, _ := wire.Encode(runtimedata.NewControl("", time.Now(), runtimedata.ControlStop))
	_ = e.inQ.Push(stopCtrl, 500*time.Millisecond)

	waitCtx, cancel := context.WithTimeout(context.Background(), e.cfg.GracePeriod)
	defer cancel()

	waitDone := make(chan error, 1)
	go func() { waitDone <- e.cfg.Backend.Wait(waitCtx, e.handle) }()

	select {
	case <-waitDone:
	case <-waitCtx.Done():
		_ = e.cfg.Backend.Kill(context.Background(), e.handle)
	}

	e.unlinkAll()
	return nil
}

func (e *Executor) unlinkAll() {
	if e.inQ != nil {
		e.inQ.Unlink()
	}
	if e.outQ != nil {
		e.outQ.Unlink()
	}
	if e.ctlQ != nil {
		e.ctlQ.Unlink()
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
