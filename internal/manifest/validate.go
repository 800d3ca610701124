package manifest

import (
	"fmt"

	"github.com/ocx/pipelinert/internal/ocxerr"
)

// Node is a validated node: the raw fields plus a stable declaration index
// used as the topological sort's tie-break.
type Node struct {
	ID                     string
	NodeType               string
	Params                 map[string]interface{}
	RuntimeHint            string
	CapabilityRequirements []string
	DeclarationIndex       int
}

// Connection is a validated directed edge between two known node ids.
type Connection struct {
	FromID   string
	ToID     string
	FromPort string
	ToPort   string
}

// ValidatedManifest is the immutable result of a successful Validate call.
// Every field has already been checked; downstream packages (planner,
// registry, session) may trust it without re-validating.
type ValidatedManifest struct {
	Version     string
	Nodes       []Node
	NodesByID   map[string]Node
	Connections []Connection
	Config      ManifestConfiguration
}

// CapabilitySatisfier reports whether at least one available executor kind
// satisfies a node's declared capability requirements. The registry
// implements this; manifest validation depends only on the interface so
// the two packages don't import each other.
type CapabilitySatisfier interface {
	Satisfiable(capabilityRequirements []string) bool
}

// Validate runs the fixed validation order from the manifest design,
// failing at the first error: version, id uniqueness, edge endpoints,
// acyclicity (via the same topological pass the planner performs),
// metadata ranges, and capability schedulability.
func Validate(raw *RawManifest, runtimeDefaults ManifestConfiguration, registry CapabilitySatisfier) (*ValidatedManifest, error) {
	if raw.Version != SupportedVersion {
		return nil, ocxerr.NewValidationError(fmt.Sprintf("unsupported manifest version %q (expected %q)", raw.Version, SupportedVersion))
	}

	nodes := make([]Node, 0, len(raw.Nodes))
	nodesByID := make(map[string]Node, len(raw.Nodes))
	for i, rn := range raw.Nodes {
		if _, exists := nodesByID[rn.ID]; exists {
			return nil, ocxerr.NewValidationError(fmt.Sprintf("duplicate node id %q", rn.ID))
		}
		n := Node{
			ID:                     rn.ID,
			NodeType:               rn.NodeType,
			Params:                 rn.Params,
			RuntimeHint:            rn.RuntimeHint,
			CapabilityRequirements: rn.CapabilityRequirements,
			DeclarationIndex:       i,
		}
		nodes = append(nodes, n)
		nodesByID[rn.ID] = n
	}

	connections := make([]Connection, 0, len(raw.Connections))
	for _, rc := range raw.Connections {
		if _, ok := nodesByID[rc.FromID]; !ok {
			return nil, ocxerr.NewValidationError(fmt.Sprintf("connection references unknown from_id %q", rc.FromID))
		}
		if _, ok := nodesByID[rc.ToID]; !ok {
			return nil, ocxerr.NewValidationError(fmt.Sprintf("connection references unknown to_id %q", rc.ToID))
		}
		connections = append(connections, Connection{
			FromID: rc.FromID, ToID: rc.ToID, FromPort: rc.FromPort, ToPort: rc.ToPort,
		})
	}

	if hasCycle(nodes, connections) {
		return nil, ocxerr.NewValidationError("connection graph contains a cycle")
	}

	cfg, err := buildConfiguration(raw.Metadata, runtimeDefaults)
	if err != nil {
		return nil, err
	}

	for key := range cfg.ExecutorOverrides {
		if _, ok := nodesByID[key]; !ok {
			return nil, ocxerr.NewValidationError(fmt.Sprintf("executor_overrides references unknown node id %q", key))
		}
	}

	if registry != nil {
		for _, n := range nodes {
			if len(n.CapabilityRequirements) == 0 {
				continue
			}
			if !registry.Satisfiable(n.CapabilityRequirements) {
				return nil, &ocxerr.UnschedulableNodeError{
					NodeID: n.ID,
					Reason: "no available executor kind satisfies capability_requirements",
				}
			}
		}
	}

	return &ValidatedManifest{
		Version:     raw.Version,
		Nodes:       nodes,
		NodesByID:   nodesByID,
		Connections: connections,
		Config:      cfg,
	}, nil
}

// hasCycle runs a Kahn pass purely to detect acyclicity during validation;
// the planner performs the authoritative topological sort and staging.
func hasCycle(nodes []Node, connections []Connection) bool {
	indegree := make(map[string]int, len(nodes))
	adjacency := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		indegree[n.ID] = 0
	}
	for _, c := range connections {
		adjacency[c.FromID] = append(adjacency[c.FromID], c.ToID)
		indegree[c.ToID]++
	}

	queue := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacency[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	return visited != len(nodes)
}
