package multiprocess

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/pipelinert/internal/bridge"
	"github.com/ocx/pipelinert/internal/executor"
	"github.com/ocx/pipelinert/internal/ipc/shmqueue"
	"github.com/ocx/pipelinert/internal/planner"
	"github.com/ocx/pipelinert/internal/runtimedata"
	"github.com/ocx/pipelinert/internal/wire"
)

// fakeHandle satisfies Handle without any real OS process behind it.
type fakeHandle struct{ id string }

func (h *fakeHandle) String() string { return h.id }

// fakeBackend opens the three named queues Start created and plays the
// part of a child process: it acks readiness immediately and echoes
// whatever it reads off the inbound queue back onto the outbound queue,
// prefixed with "echo:" if it's text, until any control value arrives
// (Kill does not stop it).
type fakeBackend struct {
	spawned chan Spec
	killed  chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{spawned: make(chan Spec, 1), killed: make(chan struct{}, 1)}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	ctlQ, err := shmqueue.Open(spec.ControlQueue, queueCapacityBytes)
	if err != nil {
		return nil, err
	}
	if err := ctlQ.Push([]byte(readyToken), time.Second); err != nil {
		return nil, err
	}

	inQ, err := shmqueue.Open(spec.InboundQueue, queueCapacityBytes)
	if err != nil {
		return nil, err
	}
	outQ, err := shmqueue.Open(spec.OutboundQueue, queueCapacityBytes)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			payload, err := inQ.Pop(200 * time.Millisecond)
			if err != nil {
				continue
			}
			v, err := wire.Decode(payload)
			if err != nil {
				return
			}
			if v.Kind() == runtimedata.KindControl {
				return
			}
			if text, ok := v.(runtimedata.Text); ok {
				v = runtimedata.NewText(text.SessionID(), text.Timestamp(), fmt.Sprintf("echo:%s", text.Text), text.Language)
			}
			encoded, err := wire.Encode(v)
			if err != nil {
				return
			}
			_ = outQ.Push(encoded, time.Second)
		}
	}()

	select {
	case b.spawned <- spec:
	default:
	}
	return &fakeHandle{id: spec.NodeID}, nil
}

func (b *fakeBackend) Wait(ctx context.Context, h Handle) error {
	select {
	case <-b.killed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *fakeBackend) Kill(ctx context.Context, h Handle) error {
	select {
	case b.killed <- struct{}{}:
	default:
	}
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestExecutor_StartAwaitsReadyThenPumpsValuesThroughTheChild(t *testing.T) {
	backend := newFakeBackend()
	e := New(Config{Backend: backend, InitTimeout: 2 * time.Second, GracePeriod: time.Second}, "sess-1", testLogger(), nil)

	in := bridge.New("edge-in", planner.Direct, 4, false, nil, nil)
	out := bridge.New("edge-out", planner.Direct, 4, false, nil, nil)

	ctx := context.Background()
	err := e.Start(ctx, executor.Wiring{
		NodeID:   "node-1",
		NodeType: "echo",
		Inbound:  []*bridge.Bridge{in},
		Outbound: []*bridge.Bridge{out},
	})
	require.NoError(t, err)
	defer e.Stop(ctx)

	require.NoError(t, in.Send(ctx, runtimedata.NewText("n1", time.Now(), "hello", "en")))

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	v, err := out.Recv(recvCtx)
	require.NoError(t, err)
	text, ok := v.(runtimedata.Text)
	require.True(t, ok)
	assert.Equal(t, "echo:hello", text.Text)
}

func TestExecutor_StartFailsWithInitTimeoutWhenChildNeverReadies(t *testing.T) {
	backend := &neverReadyBackend{}
	e := New(Config{Backend: backend, InitTimeout: 100 * time.Millisecond, GracePeriod: time.Second}, "sess-2", testLogger(), nil)

	err := e.Start(context.Background(), executor.Wiring{NodeID: "node-2", NodeType: "echo"})
	assert.Error(t, err)
}

type neverReadyBackend struct{}

func (b *neverReadyBackend) Name() string { return "never-ready" }
func (b *neverReadyBackend) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	return &fakeHandle{id: spec.NodeID}, nil
}
func (b *neverReadyBackend) Wait(ctx context.Context, h Handle) error {
	<-ctx.Done()
	return ctx.Err()
}
func (b *neverReadyBackend) Kill(ctx context.Context, h Handle) error { return nil }

func TestMinDuration_ReturnsTheSmallerOperand(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, minDuration(100*time.Millisecond, 200*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, minDuration(200*time.Millisecond, 100*time.Millisecond))
}
