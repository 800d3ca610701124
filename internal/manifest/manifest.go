// Package manifest parses and validates the v1 pipeline manifest: the
// declarative node/connection graph the session orchestrator builds a
// plan from. It is deliberately decoupled from any particular wire
// transport — callers hand it an already-decoded RawManifest.
package manifest

import (
	"fmt"

	"gopkg.in/yaml.v2"
)

const SupportedVersion = "v1"

// RawManifest is the manifest as decoded from its wire/YAML form, before
// any validation has run.
type RawManifest struct {
	Version     string                 `yaml:"version"`
	Metadata    map[string]interface{} `yaml:"metadata"`
	Nodes       []RawNode              `yaml:"nodes"`
	Connections []RawConnection        `yaml:"connections"`
}

// RawNode is one node entry exactly as declared in the manifest.
type RawNode struct {
	ID                   string                 `yaml:"id"`
	NodeType             string                 `yaml:"node_type"`
	Params               map[string]interface{} `yaml:"params"`
	RuntimeHint          string                 `yaml:"runtime_hint,omitempty"`
	CapabilityRequirements []string             `yaml:"capability_requirements,omitempty"`
}

// RawConnection is one directed edge entry exactly as declared.
type RawConnection struct {
	FromID   string `yaml:"from_id"`
	ToID     string `yaml:"to_id"`
	FromPort string `yaml:"from_port,omitempty"`
	ToPort   string `yaml:"to_port,omitempty"`
}

// ParseYAML decodes a raw manifest from its YAML wire form. Transports that
// deliver manifests pre-decoded may build a RawManifest directly instead.
func ParseYAML(data []byte) (*RawManifest, error) {
	var raw RawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	return &raw, nil
}
