package wasm

import (
	"log/slog"
	"time"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// buildImportObject registers only the host functions the module's
// declared capabilities allow. An import the module needs but that isn't
// registered here is not "denied" by any check of ours — wasmer simply
// fails instantiation with an undefined-import error, which Start
// surfaces as a NodeFailure.
func buildImportObject(store *wasmer.Store, memory *wasmer.Memory, nodeID string, log *slog.Logger, spec ModuleSpec) *wasmer.ImportObject {
	importObject := wasmer.NewImportObject()
	exports := map[string]wasmer.IntoExtern{
		"memory": memory,
	}

	if spec.hasCapability(CapabilityLog) {
		exports["host_log"] = wasmer.NewFunction(
			store,
			wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32), wasmer.NewValueTypes()),
			func(args []wasmer.Value) ([]wasmer.Value, error) {
				ptr := args[0].I32()
				length := args[1].I32()
				data := memory.Data()
				if int(ptr) >= 0 && int(ptr+length) <= len(data) {
					log.Info("wasm: module log", "node_id", nodeID, "message", string(data[ptr:ptr+length]))
				}
				return []wasmer.Value{}, nil
			},
		)
	}

	if spec.hasCapability(CapabilityClock) {
		exports["host_now_unix_ms"] = wasmer.NewFunction(
			store,
			wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(wasmer.I64)),
			func(args []wasmer.Value) ([]wasmer.Value, error) {
				return []wasmer.Value{wasmer.NewI64(time.Now().UnixMilli())}, nil
			},
		)
	}

	importObject.Register("env", exports)
	return importObject
}
