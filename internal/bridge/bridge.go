// Package bridge implements DataBridge: the bounded, ordered, typed
// channel that carries RuntimeData between two executors for one manifest
// edge, performing the conversion strategy the planner selected and
// enforcing the backpressure/drop-oldest policy from §4.4.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/ocx/pipelinert/internal/ocxerr"
	"github.com/ocx/pipelinert/internal/planner"
	"github.com/ocx/pipelinert/internal/runtimedata"
)

// State is a bridge's position in its own state machine:
// Idle -> Transferring -> (Blocked | Converting | Buffering) -> Transferring -> Idle,
// with Closed terminal from any state.
type State int

const (
	StateIdle State = iota
	StateTransferring
	StateBlocked
	StateConverting
	StateBuffering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateTransferring:
		return "Transferring"
	case StateBlocked:
		return "Blocked"
	case StateConverting:
		return "Converting"
	case StateBuffering:
		return "Buffering"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Converter performs the payload transformation a conversion strategy
// requires at send time. DirectConverter, a zero-cost identity, is the only
// implementation and the one every bridge uses; for the other strategies
// the multiprocess and WASM executors wire-encode values in their own
// pumps rather than through a Converter.
type Converter interface {
	Convert(ctx context.Context, v runtimedata.Value) (runtimedata.Value, int, error)
}

// DirectConverter passes an owned handle through unchanged, per Strategy
// Direct between two native nodes in the same process.
type DirectConverter struct{}

func (DirectConverter) Convert(_ context.Context, v runtimedata.Value) (runtimedata.Value, int, error) {
	return v, approxSize(v), nil
}

// Bridge is one manifest edge's live channel.
type Bridge struct {
	Edge               string
	Strategy           planner.ConversionStrategy
	Capacity           int
	EnableBackpressure bool
	Converter          Converter

	Metrics Metrics

	mu            sync.Mutex
	cond          *sync.Cond
	queue         []runtimedata.Value
	state         State
	closed        bool
	onBackpressure func(edge string, depth int)
}

// New constructs a bridge for one edge. onBackpressure, if non-nil, is
// invoked whenever send blocks waiting for room, so the session can emit a
// BridgeBackpressure progress event.
func New(edge string, strategy planner.ConversionStrategy, capacity int, enableBackpressure bool, converter Converter, onBackpressure func(edge string, depth int)) *Bridge {
	if converter == nil {
		converter = DirectConverter{}
	}
	b := &Bridge{
		Edge:               edge,
		Strategy:           strategy,
		Capacity:           capacity,
		EnableBackpressure: enableBackpressure,
		Converter:          converter,
		state:              StateIdle,
		onBackpressure:     onBackpressure,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send implements send(value): enqueues after conversion, blocking under
// backpressure or dropping the oldest droppable value when disabled, and
// returning ChannelOverflowError for a full buffer carrying a
// non-droppable variant with backpressure disabled.
func (b *Bridge) Send(ctx context.Context, v runtimedata.Value) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ocxerr.ErrChannelClosed
	}
	b.state = StateConverting
	b.mu.Unlock()

	start := time.Now()
	converted, size, err := b.Converter.Convert(ctx, v)
	elapsed := time.Since(start).Microseconds()
	if err != nil {
		return &ocxerr.ConversionFailedError{Edge: b.Edge, Reason: err.Error()}
	}
	b.Metrics.recordConversion(b.Edge, elapsed)

	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.queue) >= b.Capacity && !b.closed {
		if b.EnableBackpressure {
			b.state = StateBlocked
			if b.onBackpressure != nil {
				b.onBackpressure(b.Edge, len(b.queue))
			}
			waitDone := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					b.cond.Broadcast()
				case <-waitDone:
				}
			}()
			b.cond.Wait()
			close(waitDone)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		evicted := false
		for i, queued := range b.queue {
			if queued.Kind().Droppable() {
				b.queue = append(b.queue[:i], b.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if evicted {
			b.state = StateBuffering
			b.Metrics.recordDrop(b.Edge)
			break
		}
		if converted.Kind().Droppable() {
			b.Metrics.recordDrop(b.Edge)
			b.state = StateIdle
			return nil
		}

		return &ocxerr.ChannelOverflowError{Edge: b.Edge}
	}

	if b.closed {
		return ocxerr.ErrChannelClosed
	}

	b.state = StateTransferring
	b.queue = append(b.queue, converted)
	b.Metrics.recordSend(b.Edge, int64(size), int64(len(b.queue)))
	b.cond.Signal()
	b.state = StateIdle
	return nil
}

// Recv implements recv(): yields the next value in FIFO order, or
// ocxerr.ErrChannelClosed once the send side is closed and the buffer is
// drained.
func (b *Bridge) Recv(ctx context.Context) (runtimedata.Value, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.queue) == 0 {
		if b.closed {
			return nil, ocxerr.ErrChannelClosed
		}
		waitDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				b.cond.Broadcast()
			case <-waitDone:
			}
		}()
		b.cond.Wait()
		close(waitDone)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	v := b.queue[0]
	b.queue = b.queue[1:]
	b.cond.Signal()
	return v, nil
}

// Close marks the bridge closed: pending and future Recv calls drain the
// remaining buffer then return ocxerr.ErrChannelClosed; blocked Send calls
// unblock immediately.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.state = StateClosed
	b.cond.Broadcast()
}

// Depth returns the current buffered depth.
func (b *Bridge) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// State reports the bridge's current state-machine position.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a metrics snapshot including current depth.
func (b *Bridge) Snapshot() Snapshot {
	return b.Metrics.snapshot(int64(b.Depth()))
}

func approxSize(v runtimedata.Value) int {
	switch d := v.(type) {
	case runtimedata.Audio:
		return len(d.Samples) * 4
	case runtimedata.Video:
		return len(d.PixelBytes)
	case runtimedata.Tensor:
		return len(d.Bytes)
	case runtimedata.Text:
		return len(d.Text)
	case runtimedata.Binary:
		return len(d.Bytes)
	default:
		return 0
	}
}
