package ir

// OptimizeGraph runs the builder's fixpoint optimisation pipeline:
// dead-node elimination, duplicate-edge elimination, and peephole
// merging of compatible adjacent ops, in that order, repeated until
// no further change occurs (spec §4.1, §8's idempotence property).
// Reachability and the entry-point set are preserved; node ids are
// renumbered as necessary.
func OptimizeGraph(g *ExecutionGraph) *ExecutionGraph {
	cur := g
	for {
		next := optimizePass(cur)
		if graphsEqual(cur, next) {
			return next
		}
		cur = next
	}
}

func optimizePass(g *ExecutionGraph) *ExecutionGraph {
	g = eliminateDeadNodes(g)
	g = eliminateDuplicateEdges(g)
	g = peepholeMerge(g)
	return g
}

// eliminateDeadNodes drops every node unreachable from any entry
// point and renumbers the survivors, preserving relative order.
func eliminateDeadNodes(g *ExecutionGraph) *ExecutionGraph {
	reached := reachableFromEntries(g)
	remap := make(map[NodeID]NodeID, len(reached))

	out := New()
	out.RegisterCount = g.RegisterCount
	out.Metadata = g.Metadata

	for i := range g.Nodes {
		id := NodeID(i)
		if !reached[id] {
			continue
		}
		n := g.Nodes[i]
		newID := out.AddNode(Node{
			Role: n.Role, Opcode: n.Opcode, Flags: n.Flags,
			Inputs: n.Inputs, NumIn: n.NumIn, Outputs: n.Outputs, NumOut: n.NumOut,
			SourceRef: n.SourceRef, CostHint: n.CostHint,
			Imm: n.Imm, Symbol: n.Symbol,
			Rule: n.Rule, Control: n.Control,
		})
		remap[id] = newID
	}

	for _, e := range g.Edges {
		fromOK := reached[e.From]
		toOK := reached[e.To]
		if fromOK && toOK {
			out.AddEdge(remap[e.From], remap[e.To], e.Kind, e.ConditionFlag)
		}
	}

	for _, ep := range g.Entries {
		if newID, ok := remap[ep.NodeID]; ok {
			out.Entries = append(out.Entries, EntryPoint{NodeID: newID, Kind: ep.Kind, Name: ep.Name})
		}
	}

	remapControlTargets(out, remap)
	return out
}

func remapControlTargets(g *ExecutionGraph, remap map[NodeID]NodeID) {
	for i := range g.Nodes {
		c := g.Nodes[i].Control
		if c == nil {
			continue
		}
		if newID, ok := remap[c.TrueTarget]; ok {
			c.TrueTarget = newID
		}
		if newID, ok := remap[c.FalseTarget]; ok {
			c.FalseTarget = newID
		}
		if newID, ok := remap[c.BodyEntry]; ok {
			c.BodyEntry = newID
		}
		if newID, ok := remap[c.ExitTarget]; ok {
			c.ExitTarget = newID
		}
		if newID, ok := remap[c.JumpTarget]; ok {
			c.JumpTarget = newID
		}
	}
}

// eliminateDuplicateEdges drops redundant edges keyed by
// (from, to, kind), keeping the first occurrence (and its condition
// flag, per spec §4.1's edge-creation rule).
func eliminateDuplicateEdges(g *ExecutionGraph) *ExecutionGraph {
	type key struct {
		from NodeID
		to   NodeID
		kind EdgeRole
	}
	seen := make(map[key]bool, len(g.Edges))

	out := shallowCopyWithoutEdges(g)
	for _, e := range g.Edges {
		k := key{e.From, e.To, e.Kind}
		if seen[k] {
			continue
		}
		seen[k] = true
		out.AddEdge(e.From, e.To, e.Kind, e.ConditionFlag)
	}
	return out
}

func shallowCopyWithoutEdges(g *ExecutionGraph) *ExecutionGraph {
	out := New()
	out.RegisterCount = g.RegisterCount
	out.Metadata = g.Metadata
	out.Nodes = make([]Node, len(g.Nodes))
	copy(out.Nodes, g.Nodes)
	for i := range out.Nodes {
		out.Nodes[i].FirstEdge = 0
		out.Nodes[i].EdgeCount = 0
	}
	out.Entries = append([]EntryPoint(nil), g.Entries...)
	return out
}

// peepholeMerge collapses a Move-into-Move chain (R_a -> R_b via one
// Control edge, both Op nodes, no other consumers of the
// intermediate) into a single Move, the one peephole pattern simple
// enough to be unconditionally safe without full dataflow analysis.
// This is deliberately conservative: spec's Non-goals exclude
// optimising codegen beyond "a single unoptimised lowering", so this
// pass only ever removes provably redundant hops, never reshapes
// semantics.
func peepholeMerge(g *ExecutionGraph) *ExecutionGraph {
	const opMove = 0x12 // bytecode.OpMove; duplicated to avoid an ir->bytecode import cycle.

	consumers := make(map[NodeID]int)
	for _, e := range g.Edges {
		consumers[e.From]++
	}

	removable := make(map[NodeID]bool)
	redirect := make(map[NodeID]NodeID)

	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Role != RoleOp || n.Opcode != opMove {
			continue
		}
		outs := g.OutgoingEdges(n.ID)
		if len(outs) != 1 || outs[0].Kind != EdgeControl {
			continue
		}
		target := outs[0].To
		tgt := g.Node(target)
		if tgt.Role != RoleOp || tgt.Opcode != opMove {
			continue
		}
		// n -> target, both Move, and target has no other incoming
		// control predecessor depending on n's distinct identity.
		if consumers[n.ID] == 1 {
			removable[n.ID] = true
			redirect[n.ID] = target
		}
	}

	if len(removable) == 0 {
		return g
	}

	out := New()
	out.RegisterCount = g.RegisterCount
	out.Metadata = g.Metadata
	remap := make(map[NodeID]NodeID, len(g.Nodes))
	for i := range g.Nodes {
		id := NodeID(i)
		if removable[id] {
			continue
		}
		n := g.Nodes[i]
		newID := out.AddNode(Node{
			Role: n.Role, Opcode: n.Opcode, Flags: n.Flags,
			Inputs: n.Inputs, NumIn: n.NumIn, Outputs: n.Outputs, NumOut: n.NumOut,
			SourceRef: n.SourceRef, CostHint: n.CostHint,
			Imm: n.Imm, Symbol: n.Symbol,
			Rule: n.Rule, Control: n.Control,
		})
		remap[id] = newID
	}
	resolve := func(id NodeID) NodeID {
		for removable[id] {
			id = redirect[id]
		}
		return id
	}
	for _, e := range g.Edges {
		from := resolve(e.From)
		to := resolve(e.To)
		if removable[e.From] {
			continue // outgoing edges of a removed node are superseded by its successor's own edges
		}
		out.AddEdge(remap[from], remap[to], e.Kind, e.ConditionFlag)
	}
	for _, ep := range g.Entries {
		out.Entries = append(out.Entries, EntryPoint{NodeID: remap[resolve(ep.NodeID)], Kind: ep.Kind, Name: ep.Name})
	}
	remapControlTargets(out, remap)
	return out
}

// graphsEqual is a structural comparison used only to detect the
// optimisation fixpoint; it compares counts and edge sets rather than
// full node contents, which is sufficient since OptimizeGraph never
// mutates a surviving node's fields.
func graphsEqual(a, b *ExecutionGraph) bool {
	if len(a.Nodes) != len(b.Nodes) || len(a.Edges) != len(b.Edges) {
		return false
	}
	if len(a.Entries) != len(b.Entries) {
		return false
	}
	type key struct {
		from NodeID
		to   NodeID
		kind EdgeRole
	}
	set := make(map[key]int, len(a.Edges))
	for _, e := range a.Edges {
		set[key{e.From, e.To, e.Kind}]++
	}
	for _, e := range b.Edges {
		k := key{e.From, e.To, e.Kind}
		if set[k] == 0 {
			return false
		}
		set[k]--
	}
	return true
}
