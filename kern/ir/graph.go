package ir

// EntryKind classifies an entry point's role (spec §3 glossary: "a
// graph node id from which execution may begin, tagged with its
// role").
type EntryKind uint8

const (
	EntryRule EntryKind = iota
	EntryFlow
	EntryConstraint
)

// EntryPoint names one place execution may begin.
type EntryPoint struct {
	NodeID NodeID
	Kind   EntryKind
	Name   string
}

// Metadata is the graph-level record carried alongside nodes/edges
// (spec §3: "a metadata record {build_hash, version=1}").
type Metadata struct {
	BuildHash string
	Version   uint32
}

// ExecutionGraph is the labelled directed multigraph extracted from a
// Program AST (spec §3). It owns all of its nodes and edges by value
// in flat, index-addressed slices — there are no node/edge pointers
// anywhere in this package, which is what makes OptimizeGraph's
// renumbering pass safe and cheap.
type ExecutionGraph struct {
	Nodes []Node
	Edges []Edge

	Entries []EntryPoint

	// RegisterCount is the per-context register file width; fixed at
	// 16 by the VM (spec §3), but carried on the graph for self
	// description and for tooling that inspects graphs without a VM.
	RegisterCount int

	Metadata Metadata
}

// New returns an empty graph ready for incremental construction by
// Builder.
func New() *ExecutionGraph {
	return &ExecutionGraph{RegisterCount: 16, Metadata: Metadata{Version: 1}}
}

// AddNode appends a node, assigning it the next monotonically
// increasing id (spec §3: "stable id (u32, monotonically assigned per
// build)").
func (g *ExecutionGraph) AddNode(n Node) NodeID {
	id := NodeID(len(g.Nodes))
	n.ID = id
	g.Nodes = append(g.Nodes, n)
	return id
}

// AddEdge appends an edge and links it into its source node's
// outgoing edge run. FirstEdge/EdgeCount describe a contiguous run
// only when a source's edges are added back to back; Builder
// interleaves the edges of different sources, so lookups go through
// OutgoingEdges.
func (g *ExecutionGraph) AddEdge(from, to NodeID, kind EdgeRole, conditionFlag uint8) EdgeID {
	id := EdgeID(len(g.Edges))
	g.Edges = append(g.Edges, Edge{ID: id, From: from, To: to, Kind: kind, ConditionFlag: conditionFlag})

	n := &g.Nodes[from]
	if n.EdgeCount == 0 {
		n.FirstEdge = id
	}
	n.EdgeCount++
	return id
}

// NodeCount returns the number of nodes in the graph.
func (g *ExecutionGraph) NodeCount() int { return len(g.Nodes) }

// Node returns the node with the given id.
func (g *ExecutionGraph) Node(id NodeID) *Node { return &g.Nodes[id] }

// OutgoingEdges returns every edge whose From == id, regardless of
// contiguity (a plain scan over all edges; FirstEdge/EdgeCount are not
// consulted).
func (g *ExecutionGraph) OutgoingEdges(id NodeID) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// DataChildren returns the nodes reachable from id via Data edges.
func (g *ExecutionGraph) DataChildren(id NodeID) []NodeID {
	var out []NodeID
	for _, e := range g.OutgoingEdges(id) {
		if e.Kind == EdgeData {
			out = append(out, e.To)
		}
	}
	return out
}

// ConditionChildren returns the (node, flag) pairs reachable from id
// via Condition edges.
func (g *ExecutionGraph) ConditionChildren(id NodeID) []Edge {
	var out []Edge
	for _, e := range g.OutgoingEdges(id) {
		if e.Kind == EdgeCondition {
			out = append(out, e)
		}
	}
	return out
}

// compareOpcode is the data-zone Compare opcode that IsCompareNode
// tests for. kern/bytecode owns the constant; its value is repeated
// here to avoid an import cycle.
var compareOpcode byte = 0x13 // bytecode.OpCompare, duplicated here deliberately: ir must not import bytecode.

// IsCompareNode reports whether n is the Compare primitive (spec
// §4.1: "A rule node's outgoing data edges partition into condition
// inputs (targets whose opcode is the Compare opcode) ...").
func IsCompareNode(n *Node) bool {
	return n.Role == RoleOp && n.Opcode == compareOpcode
}

// ConditionAndActionChildren partitions a Rule node's data children
// into condition inputs (Compare-opcode nodes) and action subgraphs
// (everything else), per spec §4.1 and the §8 testable property that
// this partition is clean (no node is in both sets).
func (g *ExecutionGraph) ConditionAndActionChildren(ruleNode NodeID) (conditions, actions []NodeID) {
	for _, child := range g.DataChildren(ruleNode) {
		n := g.Node(child)
		if IsCompareNode(n) {
			conditions = append(conditions, child)
		} else {
			actions = append(actions, child)
		}
	}
	return
}
