// Package ir implements the execution graph described in spec §3: a
// labelled directed multigraph lowered from an AST and later
// linearised into bytecode by kern/bytecode.
//
// Following the "pointer-rich cyclic graphs → index-based arenas"
// design note, the graph never holds pointers between nodes — only
// u32 ids into the ExecutionGraph's own slices. This is the same
// shape as the teacher's Frontier/workHeap (index-addressed, sortable,
// arena-owned) generalised from a work queue to a whole graph.
package ir

// NodeID indexes into ExecutionGraph.Nodes. 0 is a valid id; callers
// must check against NodeCount rather than testing for a zero value.
type NodeID uint32

// NodeRole classifies what a Node does, per spec §3's node-role table.
type NodeRole uint8

const (
	RoleOp NodeRole = iota
	RoleRule
	RoleControl
	RoleGraph
	RoleIO
)

// EvalMode specialises a Rule node: eager rules are scheduled as soon
// as they become reachable, lazy rules only evaluate on demand
// (spec §4.3 evaluate_lazy).
type EvalMode uint8

const (
	EvalEager EvalMode = iota
	EvalLazy
)

// ControlKind specialises a Control node.
type ControlKind uint8

const (
	ControlJump ControlKind = iota
	ControlIf
	ControlLoopNode
	ControlHaltNode
)

// SourceRef points back at the AST node a graph node was lowered from,
// for diagnostics.
type SourceRef struct {
	FileID uint32
	Line   uint32
	Col    uint32
}

// Node is one vertex of the execution graph. All fields are plain
// value types (no pointers) so the graph can be stored in a flat
// slice and trivially renumbered by OptimizeGraph.
type Node struct {
	ID    NodeID
	Role  NodeRole
	// Opcode is the primitive bytecode opcode this node lowers to when
	// Role == RoleOp. Set by Builder from this package's copies of the
	// bytecode opcode values; IsCompareNode and the optimizer's
	// peephole pass read it.
	Opcode byte
	Flags  uint16

	// Up to four input registers and two output registers, matching
	// the VM's fixed register-window shape (spec §3).
	Inputs  [4]int8
	NumIn   uint8
	Outputs [2]int8
	NumOut  uint8

	FirstEdge EdgeID
	EdgeCount uint32

	SourceRef SourceRef
	CostHint  uint32

	// Imm carries a LoadNum node's immediate value.
	Imm int64
	// Symbol carries a LoadSym node's identifier/qualified-ref name,
	// or a Predicate/Io node's capability name. The bytecode compiler
	// interns this into its string/external table; the graph itself
	// only ever deals in plain strings (spec's "Non-goals: strings as
	// first-class data" is a *language* restriction on KERN values,
	// not on the compiler's own bookkeeping).
	Symbol string

	// Specialisations, only one of which is meaningful depending on Role.
	Rule    *RuleSpec
	Control *ControlSpec
}

// RuleSpec specialises a RoleRule node.
type RuleSpec struct {
	Name     string
	Priority uint32
	Mode     EvalMode
}

// ControlSpec specialises a RoleControl node.
type ControlSpec struct {
	Kind ControlKind

	// If-node: true/false successor edges are ordinary Condition edges
	// out of this node. TrueTarget/FalseTarget are left unset by
	// Builder (OptimizeGraph only renumbers them); the bytecode
	// compiler takes branch targets from the Condition edges.
	TrueTarget  NodeID
	FalseTarget NodeID
	HasTargets  bool

	// Loop-node: body entry, exit target, and the iteration cap from
	// spec §3's "Control node ... loop-node with body entry, exit
	// edge, and iteration cap".
	BodyEntry  NodeID
	ExitTarget NodeID
	MaxIter    uint32

	// Jump target, used only when Kind == ControlJump.
	JumpTarget NodeID
}
