package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/pipelinert/internal/config"
	"github.com/ocx/pipelinert/internal/runtimedata"
)

func TestBuildRegistry_WasmUnavailableUnlessEnabled(t *testing.T) {
	cfg := &config.Config{}
	cfg.Registry.DefaultKind = "Native"
	cfg.Registry.Patterns = []config.PatternSpec{{Prefix: "sandboxed.", Kind: "Wasm", Priority: 80}}
	cfg.Wasm.Enabled = false

	reg, err := buildRegistry(cfg)
	require.NoError(t, err)

	_, err = reg.Resolve("sandboxed.thing", "")
	assert.Error(t, err, "wasm must be unavailable when WasmConfig.Enabled is false")
}

func TestBuildRegistry_WasmAvailableWhenEnabled(t *testing.T) {
	cfg := &config.Config{}
	cfg.Registry.DefaultKind = "Native"
	cfg.Registry.Patterns = []config.PatternSpec{{Prefix: "sandboxed.", Kind: "Wasm", Priority: 80}}
	cfg.Wasm.Enabled = true

	reg, err := buildRegistry(cfg)
	require.NoError(t, err)

	kind, err := reg.Resolve("sandboxed.thing", "")
	require.NoError(t, err)
	assert.Equal(t, "Wasm", string(kind))
}

func TestFileInput_EmptyPathReportsEndOfStreamImmediately(t *testing.T) {
	in := newFileInput("")
	defer in.Close()

	_, more, err := in.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
}

func TestFileInput_DecodesEachRecordedLineByKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.ndjson")
	content := `{"kind":"Text","text":"hi","language":"en"}
{"kind":"Json","value":{"a":1}}
{"kind":"Binary","bytes":"aGVsbG8="}
{"kind":"Control","control":"stop"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	in := newFileInput(path)
	defer in.Close()

	v1, more, err := in.Next(context.Background())
	require.NoError(t, err)
	require.True(t, more)
	text, ok := v1.(runtimedata.Text)
	require.True(t, ok)
	assert.Equal(t, "hi", text.Text)
	assert.Equal(t, "en", text.Language)

	v2, more, err := in.Next(context.Background())
	require.NoError(t, err)
	require.True(t, more)
	assert.Equal(t, runtimedata.KindJSON, v2.Kind())

	v3, more, err := in.Next(context.Background())
	require.NoError(t, err)
	require.True(t, more)
	bin, ok := v3.(runtimedata.Binary)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), bin.Bytes)

	v4, more, err := in.Next(context.Background())
	require.NoError(t, err)
	require.True(t, more)
	ctrl, ok := v4.(runtimedata.Control)
	require.True(t, ok)
	assert.Equal(t, runtimedata.ControlStop, ctrl.Type)

	_, more, err = in.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
}

func TestFileInput_RejectsUnsupportedKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(`{"kind":"Audio"}`+"\n"), 0o644))

	in := newFileInput(path)
	defer in.Close()

	_, _, err := in.Next(context.Background())
	assert.Error(t, err)
}
