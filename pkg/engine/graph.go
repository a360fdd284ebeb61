package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// NodeKey identifies one node of a convergence graph: a logical resource key
// plus a direction. Update nodes converge the resource toward its desired
// definition; cleanup nodes delete stale physical copies left behind by
// replacement or removal. Every key present in the previous stack state gets
// a cleanup node, so a single traversal both builds the new state and tears
// down the old one.
type NodeKey struct {
	// Key is the logical resource key.
	Key string `json:"key"`

	// Update selects the direction: true for create/update work, false for
	// cleanup work.
	Update bool `json:"update"`
}

// UpdateNode returns the update-direction node for a logical key.
func UpdateNode(key string) NodeKey {
	return NodeKey{Key: key, Update: true}
}

// CleanupNode returns the cleanup-direction node for a logical key.
func CleanupNode(key string) NodeKey {
	return NodeKey{Key: key, Update: false}
}

// String renders the node for logs and error messages.
func (k NodeKey) String() string {
	if k.Update {
		return k.Key + ":update"
	}
	return k.Key + ":cleanup"
}

// Graph is the dependency graph of one traversal. Edges point from a node to
// the nodes that must wait for it: an edge A -> B means A completes before B
// is dispatched. The graph is immutable once built; workers share a snapshot
// persisted on the stack row instead of rebuilding it.
type Graph struct {
	// nodes is the set of graph nodes.
	nodes map[NodeKey]bool

	// successors maps a node to the nodes waiting on it.
	successors map[NodeKey][]NodeKey

	// predecessors maps a node to the nodes it waits for.
	predecessors map[NodeKey][]NodeKey
}

func newGraph() *Graph {
	return &Graph{
		nodes:        make(map[NodeKey]bool),
		successors:   make(map[NodeKey][]NodeKey),
		predecessors: make(map[NodeKey][]NodeKey),
	}
}

// GraphBuilder constructs convergence graphs from a desired template and the
// stack's previously stored resource state.
type GraphBuilder struct{}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{}
}

// Build constructs the graph for a create or update traversal.
//
// desired maps logical keys to their definitions from the new template;
// existing maps logical keys present in the stored stack state to the
// dependency keys recorded when they last converged. For every desired
// resource an update node is added, fed by the update nodes of its
// dependencies. For every existing resource a cleanup node is added, ordered
// after its own update node (when the key survives) and before the cleanup
// nodes of its old dependencies, so dependents release a resource before the
// resource itself is torn down.
func (b *GraphBuilder) Build(desired map[string]*ResourceDefinition, existing map[string][]string) (*Graph, error) {
	g := newGraph()

	// Update nodes from the desired template.
	for key, def := range desired {
		if def == nil {
			return nil, NewValidationError(fmt.Sprintf("resource %s has no definition", key))
		}
		g.addNode(UpdateNode(key))
	}
	for key, def := range desired {
		for _, dep := range def.Requires {
			if dep == key {
				return nil, NewValidationError(fmt.Sprintf("resource %s depends on itself", key)).
					WithResource(key)
			}
			if _, ok := desired[dep]; !ok {
				return nil, NewValidationError(
					fmt.Sprintf("resource %s depends on unknown resource %s", key, dep)).
					WithResource(key)
			}
			g.addEdge(UpdateNode(dep), UpdateNode(key))
		}
	}

	// Cleanup nodes from the previously stored state. Edges are reversed
	// relative to the old requires: a resource's stale copies go away only
	// after everything that depended on it has moved off them.
	for key := range existing {
		g.addNode(CleanupNode(key))
	}
	for key, oldDeps := range existing {
		if _, ok := desired[key]; ok {
			g.addEdge(UpdateNode(key), CleanupNode(key))
		}
		for _, dep := range oldDeps {
			if dep == key {
				continue
			}
			if _, ok := existing[dep]; !ok {
				// The old dependency row is already gone.
				continue
			}
			g.addEdge(CleanupNode(key), CleanupNode(dep))
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// BuildForDelete constructs the graph for a delete traversal: cleanup nodes
// only, dependents torn down before their dependencies.
func (b *GraphBuilder) BuildForDelete(existing map[string][]string) (*Graph, error) {
	return b.Build(nil, existing)
}

func (g *Graph) addNode(node NodeKey) {
	g.nodes[node] = true
}

func (g *Graph) addEdge(from, to NodeKey) {
	for _, succ := range g.successors[from] {
		if succ == to {
			return
		}
	}
	g.successors[from] = append(g.successors[from], to)
	g.predecessors[to] = append(g.predecessors[to], from)
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Has reports whether the node exists in the graph.
func (g *Graph) Has(node NodeKey) bool {
	return g.nodes[node]
}

// Nodes returns all nodes in deterministic order.
func (g *Graph) Nodes() []NodeKey {
	nodes := make([]NodeKey, 0, len(g.nodes))
	for node := range g.nodes {
		nodes = append(nodes, node)
	}
	sortNodeKeys(nodes)
	return nodes
}

// Requires returns the nodes that must complete before node is dispatched,
// in deterministic order.
func (g *Graph) Requires(node NodeKey) []NodeKey {
	deps := append([]NodeKey(nil), g.predecessors[node]...)
	sortNodeKeys(deps)
	return deps
}

// NeededBy returns the nodes waiting on node, in deterministic order.
func (g *Graph) NeededBy(node NodeKey) []NodeKey {
	succs := append([]NodeKey(nil), g.successors[node]...)
	sortNodeKeys(succs)
	return succs
}

// PredecessorCount returns the number of nodes node waits for. It seeds the
// node's sync point counter.
func (g *Graph) PredecessorCount(node NodeKey) int {
	return len(g.predecessors[node])
}

// Roots returns the nodes with no predecessors. They are dispatched directly
// at traversal start; every other node is reached through sync point firing.
func (g *Graph) Roots() []NodeKey {
	roots := make([]NodeKey, 0)
	for node := range g.nodes {
		if len(g.predecessors[node]) == 0 {
			roots = append(roots, node)
		}
	}
	sortNodeKeys(roots)
	return roots
}

// Leaves returns the nodes with no successors. Each leaf reports into the
// stack-level sync point, whose count is len(Leaves()).
func (g *Graph) Leaves() []NodeKey {
	leaves := make([]NodeKey, 0)
	for node := range g.nodes {
		if len(g.successors[node]) == 0 {
			leaves = append(leaves, node)
		}
	}
	sortNodeKeys(leaves)
	return leaves
}

// Validate detects circular dependencies with a depth-first search and
// reports the offending cycle path.
func (g *Graph) Validate() error {
	visited := make(map[NodeKey]bool)
	recStack := make(map[NodeKey]bool)
	path := make([]NodeKey, 0)

	// Deterministic start order keeps the reported cycle stable.
	for _, node := range g.Nodes() {
		if !visited[node] {
			if cycle := g.detectCyclesUtil(node, visited, recStack, path); cycle != nil {
				return NewValidationError(
					fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle))).
					WithCode(ErrCodeCycle)
			}
		}
	}
	return nil
}

// detectCyclesUtil performs DFS to detect cycles, returning the cycle path
// when one is found.
func (g *Graph) detectCyclesUtil(node NodeKey, visited, recStack map[NodeKey]bool, path []NodeKey) []NodeKey {
	visited[node] = true
	recStack[node] = true
	path = append(path, node)

	for _, succ := range g.NeededBy(node) {
		if !visited[succ] {
			if cycle := g.detectCyclesUtil(succ, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[succ] {
			cycleStart := -1
			for i, n := range path {
				if n == succ {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(path[cycleStart:], succ)
			}
		}
	}

	recStack[node] = false
	return nil
}

// graphSnapshot is the JSON form persisted on the stack row.
type graphSnapshot struct {
	Nodes []NodeKey   `json:"nodes"`
	Edges []graphEdge `json:"edges,omitempty"`
}

type graphEdge struct {
	From NodeKey `json:"from"`
	To   NodeKey `json:"to"`
}

// Snapshot serializes the graph for persistence on the stack row. Workers
// reload it with GraphFromSnapshot instead of rebuilding from templates.
func (g *Graph) Snapshot() (string, error) {
	snap := graphSnapshot{Nodes: g.Nodes()}
	for _, from := range snap.Nodes {
		for _, to := range g.NeededBy(from) {
			snap.Edges = append(snap.Edges, graphEdge{From: from, To: to})
		}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("failed to snapshot graph: %w", err)
	}
	return string(data), nil
}

// GraphFromSnapshot reconstructs a graph from its persisted snapshot.
func GraphFromSnapshot(data string) (*Graph, error) {
	var snap graphSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to parse graph snapshot: %w", err)
	}

	g := newGraph()
	for _, node := range snap.Nodes {
		g.addNode(node)
	}
	for _, edge := range snap.Edges {
		if !g.nodes[edge.From] || !g.nodes[edge.To] {
			return nil, NewValidationError(
				fmt.Sprintf("graph snapshot edge references unknown node: %s -> %s", edge.From, edge.To))
		}
		g.addEdge(edge.From, edge.To)
	}
	return g, nil
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ConvergenceGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, node := range g.Nodes() {
		color := "lightgreen"
		if !node.Update {
			color = "lightcoral"
		}
		sb.WriteString(fmt.Sprintf("  %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
			node.String(), node.String(), color))
	}
	sb.WriteString("\n")

	for _, from := range g.Nodes() {
		for _, to := range g.NeededBy(from) {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", from.String(), to.String()))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// sortNodeKeys orders nodes by key, update direction first.
func sortNodeKeys(nodes []NodeKey) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Key != nodes[j].Key {
			return nodes[i].Key < nodes[j].Key
		}
		return nodes[i].Update && !nodes[j].Update
	})
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []NodeKey) string {
	if len(cycle) == 0 {
		return ""
	}
	parts := make([]string, len(cycle))
	for i, node := range cycle {
		parts[i] = node.String()
	}
	return strings.Join(parts, " -> ")
}
