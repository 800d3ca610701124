package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/pipelinert/internal/executor"
	"github.com/ocx/pipelinert/internal/executor/native"
	"github.com/ocx/pipelinert/internal/manifest"
	"github.com/ocx/pipelinert/internal/ocxerr"
	"github.com/ocx/pipelinert/internal/progressbus"
	"github.com/ocx/pipelinert/internal/registry"
	"github.com/ocx/pipelinert/internal/runtimedata"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Config{
		DefaultKind: registry.KindNative,
		Available:   map[registry.Kind]bool{registry.KindNative: true},
	})
	require.NoError(t, err)
	return reg
}

// upperNode uppercases every Text value it receives, a minimal stand-in
// for a real built-in node.
type upperNode struct{}

func (upperNode) Init(ctx context.Context, params map[string]interface{}) error { return nil }
func (upperNode) Process(ctx context.Context, v runtimedata.Value) ([]runtimedata.Value, error) {
	text, ok := v.(runtimedata.Text)
	if !ok {
		return nil, nil
	}
	return []runtimedata.Value{runtimedata.NewText(text.SessionID(), time.Now(), strings.ToUpper(text.Text), text.Language)}, nil
}
func (upperNode) Shutdown(ctx context.Context) error { return nil }

// failingNode errors on its first Process call, to drive the fail-fast
// teardown path.
type failingNode struct{}

func (failingNode) Init(ctx context.Context, params map[string]interface{}) error { return nil }
func (failingNode) Process(ctx context.Context, v runtimedata.Value) ([]runtimedata.Value, error) {
	return nil, errors.New("node exploded")
}
func (failingNode) Shutdown(ctx context.Context) error { return nil }

type sliceInput struct {
	values []runtimedata.Value
	idx    int
}

func (in *sliceInput) Next(ctx context.Context) (runtimedata.Value, bool, error) {
	if in.idx >= len(in.values) {
		return nil, false, nil
	}
	v := in.values[in.idx]
	in.idx++
	return v, true, nil
}

type recordingOutput struct {
	mu       sync.Mutex
	values   []runtimedata.Value
	result   *Result
	resultCh chan struct{}
}

func newRecordingOutput() *recordingOutput {
	return &recordingOutput{resultCh: make(chan struct{})}
}

func (o *recordingOutput) Value(v runtimedata.Value) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.values = append(o.values, v)
}

func (o *recordingOutput) Progress(p progressbus.Progress) {}

func (o *recordingOutput) Result(r Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.result != nil {
		return
	}
	o.result = &r
	close(o.resultCh)
}

func (o *recordingOutput) waitResult(t *testing.T) Result {
	t.Helper()
	select {
	case <-o.resultCh:
	case <-time.After(5 * time.Second):
		t.Fatal("session never delivered a terminal Result")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.result
}

func singleNodeManifest(nodeType string) []byte {
	return []byte(`
version: v1
nodes:
  - id: n1
    node_type: ` + nodeType + `
connections: []
`)
}

func newExecutorFactory(nativeReg *native.Registry, log *slog.Logger) ExecutorFactory {
	return func(kind registry.Kind, nodeID, nodeType string, onFail func(nodeID string, err error)) (executor.Executor, error) {
		return native.New(nativeReg, log, onFail), nil
	}
}

func TestSession_EndToEndSuccessfulResult(t *testing.T) {
	nativeReg := native.NewRegistry()
	nativeReg.Register("test.upper", func() executor.Node { return upperNode{} })

	in := &sliceInput{values: []runtimedata.Value{
		runtimedata.NewText("s1", time.Time{}, "hello", ""),
	}}
	out := newRecordingOutput()

	sess := New(Config{
		ManifestYAML:       singleNodeManifest("test.upper"),
		Registry:           testRegistry(t),
		RuntimeDefaults:    manifest.ManifestConfiguration{MaxProcessesPerSession: 4, ChannelCapacity: 8, InitTimeoutSecs: 5, EnableBackpressure: true},
		GlobalProcessLimit: 4,
		NewExecutor:        newExecutorFactory(nativeReg, testLogger()),
		GracePeriod:        time.Second,
		Log:                testLogger(),
		Input:              in,
		Output:             out,
	})

	require.NoError(t, sess.Start(context.Background()))
	sess.Shutdown(context.Background())

	result := out.waitResult(t)
	assert.Equal(t, ResultSuccess, result.Status)

	out.mu.Lock()
	defer out.mu.Unlock()
	require.Len(t, out.values, 1)
	assert.Equal(t, "HELLO", out.values[0].(runtimedata.Text).Text)
}

func TestSession_NodeFailureTriggersFailFastTeardown(t *testing.T) {
	nativeReg := native.NewRegistry()
	nativeReg.Register("test.fail", func() executor.Node { return failingNode{} })

	in := &sliceInput{values: []runtimedata.Value{
		runtimedata.NewText("s1", time.Time{}, "trigger", ""),
	}}
	out := newRecordingOutput()

	sess := New(Config{
		ManifestYAML:       singleNodeManifest("test.fail"),
		Registry:           testRegistry(t),
		RuntimeDefaults:    manifest.ManifestConfiguration{MaxProcessesPerSession: 4, ChannelCapacity: 8, InitTimeoutSecs: 5, EnableBackpressure: true},
		GlobalProcessLimit: 4,
		NewExecutor:        newExecutorFactory(nativeReg, testLogger()),
		GracePeriod:        time.Second,
		Log:                testLogger(),
		Input:              in,
		Output:             out,
	})

	require.NoError(t, sess.Start(context.Background()))

	result := out.waitResult(t)
	assert.Equal(t, ResultErr, result.Status)
	assert.Contains(t, result.Reason, "node exploded")

	state, reason := sess.Status()
	assert.Equal(t, StateTerminated, state)
	assert.NotEmpty(t, reason)
}

func TestSession_RejectsInvalidManifestBeforeExecuting(t *testing.T) {
	out := newRecordingOutput()
	sess := New(Config{
		ManifestYAML:       []byte("version: v999\nnodes: []\n"),
		Registry:           testRegistry(t),
		RuntimeDefaults:    manifest.ManifestConfiguration{MaxProcessesPerSession: 4, ChannelCapacity: 8, InitTimeoutSecs: 5},
		GlobalProcessLimit: 4,
		NewExecutor:        newExecutorFactory(native.NewRegistry(), testLogger()),
		Log:                testLogger(),
		Output:             out,
	})

	err := sess.Start(context.Background())
	var verr *ocxerr.ValidationError
	require.ErrorAs(t, err, &verr)

	state, _ := sess.Status()
	assert.Equal(t, StateError, state)
}

func TestSession_CancelDeliversErrorResult(t *testing.T) {
	nativeReg := native.NewRegistry()
	nativeReg.Register("test.upper", func() executor.Node { return upperNode{} })

	out := newRecordingOutput()
	sess := New(Config{
		ManifestYAML:       singleNodeManifest("test.upper"),
		Registry:           testRegistry(t),
		RuntimeDefaults:    manifest.ManifestConfiguration{MaxProcessesPerSession: 4, ChannelCapacity: 8, InitTimeoutSecs: 5, EnableBackpressure: true},
		GlobalProcessLimit: 4,
		NewExecutor:        newExecutorFactory(nativeReg, testLogger()),
		GracePeriod:        time.Second,
		Log:                testLogger(),
		Input:              &sliceInput{},
		Output:             out,
	})

	require.NoError(t, sess.Start(context.Background()))
	sess.Cancel(context.Background())

	result := out.waitResult(t)
	assert.Equal(t, ResultErr, result.Status)
	assert.Equal(t, "cancelled", result.Reason)
}
