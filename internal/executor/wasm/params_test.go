package wasm

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModuleSpec_ModulePathReadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "module.wasm")
	require.NoError(t, os.WriteFile(path, []byte("fake-wasm-bytes"), 0o644))

	spec, err := parseModuleSpec(map[string]interface{}{"module_path": path})
	require.NoError(t, err)
	assert.Equal(t, []byte("fake-wasm-bytes"), spec.Bytes)
	assert.Equal(t, path, spec.Path)
}

func TestParseModuleSpec_ModuleBase64Decodes(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("inline-bytes"))
	spec, err := parseModuleSpec(map[string]interface{}{"module_base64": encoded})
	require.NoError(t, err)
	assert.Equal(t, []byte("inline-bytes"), spec.Bytes)
}

func TestParseModuleSpec_RequiresOneModuleSource(t *testing.T) {
	_, err := parseModuleSpec(map[string]interface{}{})
	assert.Error(t, err)
}

func TestParseModuleSpec_CapabilitiesParsedAsStringList(t *testing.T) {
	spec, err := parseModuleSpec(map[string]interface{}{
		"module_base64": base64.StdEncoding.EncodeToString([]byte("x")),
		"capabilities":  []interface{}{"log", "clock"},
	})
	require.NoError(t, err)
	assert.True(t, spec.hasCapability(CapabilityLog))
	assert.True(t, spec.hasCapability(CapabilityClock))
	assert.False(t, spec.hasCapability("network"))
}

func TestParseModuleSpec_RejectsNonStringCapability(t *testing.T) {
	_, err := parseModuleSpec(map[string]interface{}{
		"module_base64": base64.StdEncoding.EncodeToString([]byte("x")),
		"capabilities":  []interface{}{42},
	})
	assert.Error(t, err)
}

func TestParseModuleSpec_SignatureHexCarriedThrough(t *testing.T) {
	spec, err := parseModuleSpec(map[string]interface{}{
		"module_base64": base64.StdEncoding.EncodeToString([]byte("x")),
		"signature_hex": "deadbeef",
	})
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", spec.SignatureHex)
}
