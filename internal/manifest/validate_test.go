package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/pipelinert/internal/ocxerr"
)

type stubSatisfier struct{ satisfiable bool }

func (s stubSatisfier) Satisfiable(capabilityRequirements []string) bool { return s.satisfiable }

func TestValidate_RejectsUnsupportedVersion(t *testing.T) {
	raw := &RawManifest{Version: "v2"}
	_, err := Validate(raw, ManifestConfiguration{}, nil)

	var verr *ocxerr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "unsupported manifest version")
}

func TestValidate_RejectsDuplicateNodeID(t *testing.T) {
	raw := &RawManifest{
		Version: SupportedVersion,
		Nodes: []RawNode{
			{ID: "a", NodeType: "gen.noop"},
			{ID: "a", NodeType: "gen.noop"},
		},
	}
	_, err := Validate(raw, ManifestConfiguration{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node id")
}

func TestValidate_RejectsConnectionToUnknownNode(t *testing.T) {
	raw := &RawManifest{
		Version: SupportedVersion,
		Nodes:   []RawNode{{ID: "a", NodeType: "gen.noop"}},
		Connections: []RawConnection{
			{FromID: "a", ToID: "ghost"},
		},
	}
	_, err := Validate(raw, ManifestConfiguration{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown to_id")
}

func TestValidate_RejectsCycle(t *testing.T) {
	raw := &RawManifest{
		Version: SupportedVersion,
		Nodes: []RawNode{
			{ID: "a", NodeType: "gen.noop"},
			{ID: "b", NodeType: "gen.noop"},
		},
		Connections: []RawConnection{
			{FromID: "a", ToID: "b"},
			{FromID: "b", ToID: "a"},
		},
	}
	_, err := Validate(raw, ManifestConfiguration{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidate_RejectsExecutorOverrideForUnknownNode(t *testing.T) {
	raw := &RawManifest{
		Version: SupportedVersion,
		Nodes:   []RawNode{{ID: "a", NodeType: "gen.noop"}},
		Metadata: map[string]interface{}{
			"executor_overrides": map[interface{}]interface{}{"ghost": "Native"},
		},
	}
	_, err := Validate(raw, ManifestConfiguration{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node id")
}

func TestValidate_RejectsUnschedulableCapabilityRequirement(t *testing.T) {
	raw := &RawManifest{
		Version: SupportedVersion,
		Nodes: []RawNode{
			{ID: "a", NodeType: "gpu.infer", CapabilityRequirements: []string{"gpu:cuda"}},
		},
	}
	_, err := Validate(raw, ManifestConfiguration{}, stubSatisfier{satisfiable: false})

	var uerr *ocxerr.UnschedulableNodeError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "a", uerr.NodeID)
}

func TestValidate_AssignsStableDeclarationIndex(t *testing.T) {
	raw := &RawManifest{
		Version: SupportedVersion,
		Nodes: []RawNode{
			{ID: "first", NodeType: "gen.noop"},
			{ID: "second", NodeType: "gen.noop"},
		},
	}
	vm, err := Validate(raw, ManifestConfiguration{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, vm.NodesByID["first"].DeclarationIndex)
	assert.Equal(t, 1, vm.NodesByID["second"].DeclarationIndex)
}

func TestValidate_MetadataRangeChecks(t *testing.T) {
	raw := &RawManifest{
		Version: SupportedVersion,
		Nodes:   []RawNode{{ID: "a", NodeType: "gen.noop"}},
		Metadata: map[string]interface{}{
			"multiprocess.channel_capacity": 999999,
		},
	}
	_, err := Validate(raw, ManifestConfiguration{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_capacity")
}
