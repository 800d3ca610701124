// Package planner builds an ExecutionPlan from a validated manifest: a
// Kahn-style topological sort with stable tie-break, staged into
// concurrently-runnable groups, with each node resolved to an executor
// kind and each edge resolved to a conversion strategy.
package planner

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ocx/pipelinert/internal/manifest"
	"github.com/ocx/pipelinert/internal/registry"
)

// ConversionStrategy is the rule for moving a RuntimeData value across an
// executor boundary.
type ConversionStrategy string

const (
	Direct       ConversionStrategy = "Direct"
	NativeToIpc  ConversionStrategy = "NativeToIpc"
	IpcToNative  ConversionStrategy = "IpcToNative"
	SharedMemory ConversionStrategy = "SharedMemory"
)

// NodeAssignment is one node's resolved placement within the plan.
type NodeAssignment struct {
	NodeID                 string
	NodeType               string
	ExecutorKind           registry.Kind
	Params                 map[string]interface{}
	CapabilityRequirements []string
}

// EdgeAssignment is one connection's resolved conversion strategy, plus
// the port identity the spec requires the planner to preserve even though
// it does not mandate port-specific routing inside a node.
type EdgeAssignment struct {
	FromNodeID string
	ToNodeID   string
	FromPort   string
	ToPort     string
	Strategy   ConversionStrategy
}

// Stage is a set of nodes that may execute concurrently because none
// depends on another still-pending node in the same or a later stage.
type Stage struct {
	Nodes []NodeAssignment
}

// ExecutionPlan is the immutable output of Build, consumed by the session
// orchestrator to instantiate executors and wire bridges.
type ExecutionPlan struct {
	Stages []Stage
	Edges  []EdgeAssignment
}

// Build implements §4.3: topological sort, staging, per-node executor
// resolution, per-edge conversion strategy selection, and the
// process-count cap check.
func Build(ctx context.Context, m *manifest.ValidatedManifest, reg *registry.Registry, globalProcessLimit int) (*ExecutionPlan, error) {
	order, err := topologicalOrder(m.Nodes, m.Connections)
	if err != nil {
		return nil, err
	}

	_, stages := partitionStages(order, m.Connections)

	assignments, err := resolveAssignments(ctx, stages, m.NodesByID, m.Config.ExecutorOverrides, reg)
	if err != nil {
		return nil, err
	}

	processLimit := globalProcessLimit
	if m.Config.MaxProcessesPerSession < processLimit {
		processLimit = m.Config.MaxProcessesPerSession
	}
	if processCount := countProcessKinds(assignments); processCount > processLimit {
		return nil, fmt.Errorf("planner: plan requires %d processes, exceeds limit %d", processCount, processLimit)
	}

	edges := make([]EdgeAssignment, 0, len(m.Connections))
	for _, c := range m.Connections {
		fromKind := assignments[c.FromID].ExecutorKind
		toKind := assignments[c.ToID].ExecutorKind
		edges = append(edges, EdgeAssignment{
			FromNodeID: c.FromID,
			ToNodeID:   c.ToID,
			FromPort:   c.FromPort,
			ToPort:     c.ToPort,
			Strategy:   conversionStrategy(fromKind, toKind),
		})
	}

	plan := &ExecutionPlan{Edges: edges}
	for _, nodeIDs := range stages {
		stage := Stage{Nodes: make([]NodeAssignment, 0, len(nodeIDs))}
		for _, id := range nodeIDs {
			stage.Nodes = append(stage.Nodes, assignments[id])
		}
		plan.Stages = append(plan.Stages, stage)
	}

	return plan, nil
}

// topologicalOrder performs the Kahn-style sort: at each step, of all
// zero-indegree nodes, visit the one with the smallest declaration index,
// which gives the manifest's declaration order as the tie-break.
func topologicalOrder(nodes []manifest.Node, connections []manifest.Connection) ([]manifest.Node, error) {
	indegree := make(map[string]int, len(nodes))
	adjacency := make(map[string][]string, len(nodes))
	byID := make(map[string]manifest.Node, len(nodes))
	for _, n := range nodes {
		indegree[n.ID] = 0
		byID[n.ID] = n
	}
	for _, c := range connections {
		adjacency[c.FromID] = append(adjacency[c.FromID], c.ToID)
		indegree[c.ToID]++
	}

	ready := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]manifest.Node, 0, len(nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return byID[ready[i]].DeclarationIndex < byID[ready[j]].DeclarationIndex
		})
		id := ready[0]
		ready = ready[1:]
		order = append(order, byID[id])

		for _, next := range adjacency[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, fmt.Errorf("planner: connection graph contains a cycle")
	}
	return order, nil
}

// partitionStages assigns every node the earliest stage index at which all
// of its predecessors have already appeared in a strictly earlier stage.
func partitionStages(order []manifest.Node, connections []manifest.Connection) (map[string]int, [][]string) {
	predecessors := make(map[string][]string)
	for _, c := range connections {
		predecessors[c.ToID] = append(predecessors[c.ToID], c.FromID)
	}

	stageOf := make(map[string]int, len(order))
	var stages [][]string

	for _, n := range order {
		stage := 0
		for _, pred := range predecessors[n.ID] {
			if s := stageOf[pred] + 1; s > stage {
				stage = s
			}
		}
		stageOf[n.ID] = stage
		for len(stages) <= stage {
			stages = append(stages, nil)
		}
		stages[stage] = append(stages[stage], n.ID)
	}

	return stageOf, stages
}

// resolveAssignments resolves every node's executor kind via the registry,
// the nodes of one stage concurrently; errgroup stops at the first error
// and cancels the rest.
func resolveAssignments(ctx context.Context, stages [][]string, nodesByID map[string]manifest.Node, overrides map[string]string, reg *registry.Registry) (map[string]NodeAssignment, error) {
	assignments := make(map[string]NodeAssignment)
	for _, stage := range stages {
		g, gctx := errgroup.WithContext(ctx)
		results := make([]NodeAssignment, len(stage))
		for i, id := range stage {
			i, id := i, id
			g.Go(func() error {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				n := nodesByID[id]
				kind, err := reg.Resolve(n.NodeType, registry.Kind(overrides[id]))
				if err != nil {
					return fmt.Errorf("planner: resolving node %q: %w", id, err)
				}
				results[i] = NodeAssignment{
					NodeID:                 id,
					NodeType:               n.NodeType,
					ExecutorKind:           kind,
					Params:                 n.Params,
					CapabilityRequirements: n.CapabilityRequirements,
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, r := range results {
			assignments[r.NodeID] = r
		}
	}
	return assignments, nil
}

func countProcessKinds(assignments map[string]NodeAssignment) int {
	count := 0
	for _, a := range assignments {
		if a.ExecutorKind == registry.KindMultiprocess {
			count++
		}
	}
	return count
}

// conversionStrategy implements the §4.3 table mapping an edge's source
// and target executor kinds to how data crosses that boundary.
func conversionStrategy(from, to registry.Kind) ConversionStrategy {
	switch {
	case from == registry.KindNative && to == registry.KindNative:
		return Direct
	case from == registry.KindNative:
		return NativeToIpc
	case to == registry.KindNative:
		return IpcToNative
	default:
		return SharedMemory
	}
}
