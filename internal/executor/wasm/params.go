package wasm

import (
	"encoding/base64"
	"fmt"
	"os"
)

// parseModuleSpec extracts a ModuleSpec from a node's manifest params.
// Recognized keys: "module_path" (read from disk) or "module_base64"
// (embedded in the manifest), "signature_hex" (detached ed25519
// signature over the module bytes), and "capabilities" (list of
// capability token strings).
func parseModuleSpec(params map[string]interface{}) (ModuleSpec, error) {
	var spec ModuleSpec

	if v, ok := params["module_path"]; ok {
		path, ok := v.(string)
		if !ok {
			return spec, fmt.Errorf("wasm: module_path must be a string")
		}
		bytes, err := os.ReadFile(path)
		if err != nil {
			return spec, fmt.Errorf("wasm: reading module %q: %w", path, err)
		}
		spec.Path = path
		spec.Bytes = bytes
	} else if v, ok := params["module_base64"]; ok {
		encoded, ok := v.(string)
		if !ok {
			return spec, fmt.Errorf("wasm: module_base64 must be a string")
		}
		bytes, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return spec, fmt.Errorf("wasm: decoding module_base64: %w", err)
		}
		spec.Bytes = bytes
	} else {
		return spec, fmt.Errorf("wasm: node params must set module_path or module_base64")
	}

	if v, ok := params["signature_hex"]; ok {
		sig, ok := v.(string)
		if !ok {
			return spec, fmt.Errorf("wasm: signature_hex must be a string")
		}
		spec.SignatureHex = sig
	}

	if v, ok := params["capabilities"]; ok {
		list, ok := v.([]interface{})
		if !ok {
			return spec, fmt.Errorf("wasm: capabilities must be a list")
		}
		for _, item := range list {
			name, ok := item.(string)
			if !ok {
				return spec, fmt.Errorf("wasm: capabilities entries must be strings")
			}
			spec.Capabilities = append(spec.Capabilities, Capability(name))
		}
	}

	return spec, nil
}

func (s ModuleSpec) hasCapability(c Capability) bool {
	for _, have := range s.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}
