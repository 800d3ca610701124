package runtime

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/pipelinert/internal/config"
	"github.com/ocx/pipelinert/internal/executor"
	"github.com/ocx/pipelinert/internal/executor/multiprocess"
	"github.com/ocx/pipelinert/internal/executor/native"
	"github.com/ocx/pipelinert/internal/progressbus"
	"github.com/ocx/pipelinert/internal/registry"
	"github.com/ocx/pipelinert/internal/runtimedata"
	"github.com/ocx/pipelinert/internal/session"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Config{
		DefaultKind: registry.KindNative,
		Available:   map[registry.Kind]bool{registry.KindNative: true},
	})
	require.NoError(t, err)
	return reg
}

func minimalConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Runtime.MaxProcessesPerSession = 4
	cfg.Runtime.DefaultChannelCapacity = 8
	cfg.Runtime.DefaultInitTimeoutSecs = 5
	cfg.Runtime.GracePeriodSecs = 1
	cfg.Multiprocess.Backend = "local"
	cfg.Wasm.MemoryCeilingPages = 16
	return cfg
}

func TestNew_ConstructsRuntimeAndCloseIsANoOpWithoutOverrideCache(t *testing.T) {
	rt := New(minimalConfig(), testRegistry(t), native.NewRegistry(), testLogger())
	require.NotNil(t, rt)
	assert.NoError(t, rt.Close())
}

func TestNew_IgnoresMalformedTrustedPublicKeyHex(t *testing.T) {
	cfg := minimalConfig()
	cfg.Wasm.TrustedPublicKeyHex = "not-valid-hex"
	rt := New(cfg, testRegistry(t), native.NewRegistry(), testLogger())
	require.NotNil(t, rt)
}

func TestMultiprocessBackend_DefaultsToLocal(t *testing.T) {
	cfg := minimalConfig()
	cfg.Multiprocess.Backend = ""
	rt := New(cfg, testRegistry(t), native.NewRegistry(), testLogger())

	backend, err := rt.multiprocessBackend()
	require.NoError(t, err)
	assert.Equal(t, "local-exec", backend.Name())
}

func TestMultiprocessBackend_SelectsDocker(t *testing.T) {
	cfg := minimalConfig()
	cfg.Multiprocess.Backend = "docker"
	cfg.Multiprocess.DockerImage = "pipelinert/node:latest"
	rt := New(cfg, testRegistry(t), native.NewRegistry(), testLogger())

	backend, err := rt.multiprocessBackend()
	require.NoError(t, err)
	assert.Equal(t, "docker", backend.Name())
}

func TestMultiprocessBackend_RejectsUnknownBackend(t *testing.T) {
	cfg := minimalConfig()
	cfg.Multiprocess.Backend = "kubernetes"
	rt := New(cfg, testRegistry(t), native.NewRegistry(), testLogger())

	_, err := rt.multiprocessBackend()
	assert.Error(t, err)
}

func TestExecutorFactory_NativeKindBuildsNativeExecutor(t *testing.T) {
	rt := New(minimalConfig(), testRegistry(t), native.NewRegistry(), testLogger())
	factory := rt.executorFactory("shm-session")

	exec, err := factory(registry.KindNative, "n1", "test.upper", nil)
	require.NoError(t, err)
	assert.Equal(t, "Native", exec.Kind())
}

func TestExecutorFactory_MultiprocessKindBuildsMultiprocessExecutor(t *testing.T) {
	rt := New(minimalConfig(), testRegistry(t), native.NewRegistry(), testLogger())
	factory := rt.executorFactory("shm-session")

	exec, err := factory(registry.KindMultiprocess, "n1", "py.thing", nil)
	require.NoError(t, err)
	assert.Equal(t, "Multiprocess", exec.Kind())
	_, ok := exec.(*multiprocess.Executor)
	assert.True(t, ok)
}

func TestExecutorFactory_UnknownKindErrors(t *testing.T) {
	rt := New(minimalConfig(), testRegistry(t), native.NewRegistry(), testLogger())
	factory := rt.executorFactory("shm-session")

	_, err := factory(registry.Kind("Quantum"), "n1", "n.type", nil)
	assert.Error(t, err)
}

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
	result   *session.Result
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

func (o *recordingOutput) Result(r session.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.result != nil {
		return
	}
	o.result = &r
	close(o.resultCh)
}

func (o *recordingOutput) waitResult(t *testing.T) session.Result {
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

func TestExecute_EndToEndThroughRuntimeWithNativeNode(t *testing.T) {
	nativeReg := native.NewRegistry()
	nativeReg.Register("test.upper", func() executor.Node { return upperNode{} })

	rt := New(minimalConfig(), testRegistry(t), nativeReg, testLogger())

	in := &sliceInput{values: []runtimedata.Value{runtimedata.NewText("s1", time.Time{}, "hello", "")}}
	out := newRecordingOutput()

	manifestYAML := []byte(`
version: v1
nodes:
  - id: n1
    node_type: test.upper
connections: []
`)

	handle, err := rt.Execute(context.Background(), manifestYAML, in, out, nil)
	require.NoError(t, err)
	require.NotEmpty(t, handle.ID())

	handle.Shutdown(context.Background())

	result := out.waitResult(t)
	assert.Equal(t, session.ResultSuccess, result.Status)

	out.mu.Lock()
	defer out.mu.Unlock()
	require.Len(t, out.values, 1)
	assert.Equal(t, "HELLO", out.values[0].(runtimedata.Text).Text)
}
