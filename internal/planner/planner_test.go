package planner

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/pipelinert/internal/manifest"
	"github.com/ocx/pipelinert/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Config{
		Patterns: []registry.PatternRule{
			{Prefix: "py.", Kind: registry.KindMultiprocess, Priority: 90},
			{Prefix: "sandboxed.", Kind: registry.KindWasm, Priority: 80},
		},
		DefaultKind: registry.KindNative,
		Available: map[registry.Kind]bool{
			registry.KindNative:       true,
			registry.KindMultiprocess: true,
			registry.KindWasm:         true,
		},
	})
	require.NoError(t, err)
	return reg
}

func node(id, nodeType string, idx int) manifest.Node {
	return manifest.Node{ID: id, NodeType: nodeType, DeclarationIndex: idx}
}

func TestBuild_TopologicalOrderRespectsDependencies(t *testing.T) {
	nodes := []manifest.Node{
		node("c", "gen.noop", 0),
		node("a", "gen.noop", 1),
		node("b", "gen.noop", 2),
	}
	connections := []manifest.Connection{
		{FromID: "a", ToID: "b"},
		{FromID: "b", ToID: "c"},
	}
	m := &manifest.ValidatedManifest{
		Nodes: nodes, Connections: connections,
		NodesByID: map[string]manifest.Node{"a": nodes[1], "b": nodes[2], "c": nodes[0]},
		Config:    manifest.ManifestConfiguration{MaxProcessesPerSession: 8},
	}

	plan, err := Build(context.Background(), m, testRegistry(t), 8)
	require.NoError(t, err)
	require.Len(t, plan.Stages, 3)
	assert.Equal(t, "a", plan.Stages[0].Nodes[0].NodeID)
	assert.Equal(t, "b", plan.Stages[1].Nodes[0].NodeID)
	assert.Equal(t, "c", plan.Stages[2].Nodes[0].NodeID)
}

func TestBuild_IndependentNodesStageTogether(t *testing.T) {
	nodes := []manifest.Node{
		node("a", "gen.noop", 0),
		node("b", "gen.noop", 1),
	}
	m := &manifest.ValidatedManifest{
		Nodes: nodes,
		NodesByID: map[string]manifest.Node{"a": nodes[0], "b": nodes[1]},
		Config:    manifest.ManifestConfiguration{MaxProcessesPerSession: 8},
	}

	plan, err := Build(context.Background(), m, testRegistry(t), 8)
	require.NoError(t, err)
	require.Len(t, plan.Stages, 1)

	gotIDs := make([]string, len(plan.Stages[0].Nodes))
	for i, n := range plan.Stages[0].Nodes {
		gotIDs[i] = n.NodeID
	}
	if diff := cmp.Diff([]string{"a", "b"}, gotIDs, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("stage 0 node set mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_ConversionStrategyPerEdgeKindPair(t *testing.T) {
	nodes := []manifest.Node{
		node("native1", "gen.noop", 0),
		node("pyproc", "py.transform", 1),
		node("native2", "gen.noop", 2),
	}
	connections := []manifest.Connection{
		{FromID: "native1", ToID: "pyproc"},
		{FromID: "pyproc", ToID: "native2"},
	}
	m := &manifest.ValidatedManifest{
		Nodes: nodes, Connections: connections,
		NodesByID: map[string]manifest.Node{"native1": nodes[0], "pyproc": nodes[1], "native2": nodes[2]},
		Config:    manifest.ManifestConfiguration{MaxProcessesPerSession: 8},
	}

	plan, err := Build(context.Background(), m, testRegistry(t), 8)
	require.NoError(t, err)
	require.Len(t, plan.Edges, 2)

	byPair := map[[2]string]EdgeAssignment{}
	for _, e := range plan.Edges {
		byPair[[2]string{e.FromNodeID, e.ToNodeID}] = e
	}
	assert.Equal(t, NativeToIpc, byPair[[2]string{"native1", "pyproc"}].Strategy)
	assert.Equal(t, IpcToNative, byPair[[2]string{"pyproc", "native2"}].Strategy)
}

func TestBuild_PortIdentityPreservedAcrossPlanning(t *testing.T) {
	nodes := []manifest.Node{
		node("a", "gen.noop", 0),
		node("b", "gen.noop", 1),
	}
	connections := []manifest.Connection{
		{FromID: "a", ToID: "b", FromPort: "out1", ToPort: "in2"},
	}
	m := &manifest.ValidatedManifest{
		Nodes: nodes, Connections: connections,
		NodesByID: map[string]manifest.Node{"a": nodes[0], "b": nodes[1]},
		Config:    manifest.ManifestConfiguration{MaxProcessesPerSession: 8},
	}

	plan, err := Build(context.Background(), m, testRegistry(t), 8)
	require.NoError(t, err)
	require.Len(t, plan.Edges, 1)
	assert.Equal(t, "out1", plan.Edges[0].FromPort)
	assert.Equal(t, "in2", plan.Edges[0].ToPort)
}

func TestBuild_ProcessLimitExceededFails(t *testing.T) {
	nodes := []manifest.Node{
		node("p1", "py.one", 0),
		node("p2", "py.two", 1),
		node("p3", "py.three", 2),
	}
	m := &manifest.ValidatedManifest{
		Nodes: nodes,
		NodesByID: map[string]manifest.Node{"p1": nodes[0], "p2": nodes[1], "p3": nodes[2]},
		Config:    manifest.ManifestConfiguration{MaxProcessesPerSession: 2},
	}

	_, err := Build(context.Background(), m, testRegistry(t), 8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestBuild_UnresolvableNodeTypeFails(t *testing.T) {
	nodes := []manifest.Node{node("a", "unknown.thing", 0)}
	m := &manifest.ValidatedManifest{
		Nodes: nodes,
		NodesByID: map[string]manifest.Node{"a": nodes[0]},
		Config:    manifest.ManifestConfiguration{MaxProcessesPerSession: 8},
	}

	reg, err := registry.New(registry.Config{
		Available: map[registry.Kind]bool{},
	})
	require.NoError(t, err)

	_, err = Build(context.Background(), m, reg, 8)
	assert.Error(t, err)
}
