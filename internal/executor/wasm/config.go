// Package wasm implements C7: the sandboxed WASM executor backend. A node
// running on this backend is a compiled WASM module exporting a "process"
// function and an "alloc" function; the host never grants it anything beyond the
// capability tokens listed in its node params, and (in strict mode) never
// loads it at all unless its bytes verify against a trusted signing key.
package wasm

import (
	"time"
)

// Capability names a host import a WASM module may use. An import not
// named here is simply never registered on the module's import object, so
// a module that imports it fails to instantiate — spec.md's
// "denied by default" stance, enforced by absence rather than a runtime
// check.
type Capability string

const (
	CapabilityLog   Capability = "log"
	CapabilityClock Capability = "clock"
)

// Config is the process-wide WASM executor configuration, sourced from
// config.WasmConfig.
type Config struct {
	MemoryCeilingPages int
	ExecutionTimeout   time.Duration
	RequireSignature   bool
	TrustedPublicKeys  [][]byte // ed25519 public keys, 32 bytes each
	ModuleCacheDir     string
}

// ModuleSpec describes the module a node's params name: where its bytes
// come from, its detached signature (required when Config.RequireSignature
// is set), and the capability tokens it's allowed to exercise.
type ModuleSpec struct {
	Path         string
	Bytes        []byte
	SignatureHex string
	Capabilities []Capability
}
