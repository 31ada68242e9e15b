package ir

import "github.com/kern-lang/kern/kern/ast"

const (
	opNop     = 0x00
	opJmp     = 0x01
	opJmpIf   = 0x02
	opHalt    = 0x03
	opLoadSym = 0x10
	opLoadNum = 0x11
	opMoveOp  = 0x12
	opCompare = 0x13
	opCallExt = 0x60
)

// comparatorFlags implements spec §4.1's Compare-encoding table.
func comparatorFlags(op ast.Comparator) uint16 {
	switch op {
	case ast.CmpEq:
		return 0
	case ast.CmpNe:
		return 1
	case ast.CmpGt:
		return 2
	case ast.CmpLt:
		return 3
	case ast.CmpGe:
		return 4
	case ast.CmpLe:
		return 5
	default:
		return 0
	}
}

// Builder lowers a validated AST Program into an ExecutionGraph,
// following the lowering rules of spec §4.1. A Builder is single-use:
// create one per Program with NewBuilder.
type Builder struct {
	g        *ExecutionGraph
	entities map[string][]string // entity-field registry, populated from Entity decls ahead of lowering
	regSeq   int
}

// NewBuilder returns a Builder ready to lower prog.
func NewBuilder() *Builder {
	return &Builder{g: New(), entities: make(map[string][]string)}
}

// nextRegister hands out register indices in round-robin order. KERN
// performs a single unoptimised lowering (spec Non-goals), so the
// builder does not attempt liveness-based register allocation; it
// simply cycles through the 16-register window, which is sufficient
// because each node's result is consumed immediately by its parent in
// the same expression tree.
func (b *Builder) nextRegister() int8 {
	r := b.regSeq % 16
	b.regSeq++
	return int8(r)
}

// Build lowers prog into a complete, validated ExecutionGraph. Per
// spec §4.1's failure model, a non-nil error means no graph is
// returned — never a half-built one.
func Build(prog *ast.Program) (*ExecutionGraph, error) {
	b := NewBuilder()
	if err := b.lowerProgram(prog); err != nil {
		return nil, err
	}
	if err := ValidateGraph(b.g); err != nil {
		return nil, err
	}
	return b.g, nil
}

func (b *Builder) lowerProgram(prog *ast.Program) error {
	// Entities first: they populate the field registry other
	// declarations' lowering may consult, and contribute no nodes.
	for _, d := range prog.Declarations {
		if e, ok := d.Kind.(*ast.Entity); ok {
			b.entities[e.Name] = e.Fields
		}
	}
	for _, d := range prog.Declarations {
		var err error
		switch v := d.Kind.(type) {
		case *ast.Entity:
			// handled above
		case *ast.Rule:
			err = b.lowerRule(v)
		case *ast.Flow:
			err = b.lowerFlow(v)
		case *ast.Constraint:
			err = b.lowerConstraint(v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func srcRef(loc ast.Location) SourceRef {
	return SourceRef{FileID: loc.FileID, Line: loc.Line, Col: loc.Col}
}

// lowerTerm lowers an AST Term to a LoadSym/LoadNum op node and
// returns its id plus the register carrying its value.
func (b *Builder) lowerTerm(t ast.Term) (NodeID, int8) {
	reg := b.nextRegister()
	switch v := t.(type) {
	case *ast.Identifier:
		id := b.g.AddNode(Node{Role: RoleOp, Opcode: opLoadSym, Symbol: v.Name,
			Outputs: [2]int8{reg}, NumOut: 1, SourceRef: srcRef(v.Loc)})
		return id, reg
	case *ast.QualifiedRef:
		id := b.g.AddNode(Node{Role: RoleOp, Opcode: opLoadSym, Symbol: v.Entity + "." + v.Field,
			Outputs: [2]int8{reg}, NumOut: 1, SourceRef: srcRef(v.Loc)})
		return id, reg
	case *ast.Number:
		id := b.g.AddNode(Node{Role: RoleOp, Opcode: opLoadNum, Imm: v.Value,
			Outputs: [2]int8{reg}, NumOut: 1, SourceRef: srcRef(v.Loc)})
		return id, reg
	default:
		panic("ir: unknown term type")
	}
}

// lowerComparison lowers a Comparison to a Compare sink node fed by
// its two operand terms via Data edges, returning the node id and the
// register carrying its boolean result.
func (b *Builder) lowerComparison(c *ast.Comparison) (NodeID, int8) {
	leftID, leftReg := b.lowerTerm(c.Left)
	rightID, rightReg := b.lowerTerm(c.Right)
	outReg := b.nextRegister()
	cmp := b.g.AddNode(Node{
		Role: RoleOp, Opcode: opCompare, Flags: comparatorFlags(c.Op),
		Inputs: [4]int8{leftReg, rightReg}, NumIn: 2,
		Outputs: [2]int8{outReg}, NumOut: 1,
		SourceRef: srcRef(c.Loc),
	})
	b.g.AddEdge(cmp, leftID, EdgeData, 0)
	b.g.AddEdge(cmp, rightID, EdgeData, 0)
	return cmp, outReg
}

// lowerPredicateCall lowers a Predicate (as condition or action) to a
// call node fed by its argument terms, returning the node id and the
// register its (possibly unused) return value lands in.
func (b *Builder) lowerPredicateCall(p *ast.Predicate) (NodeID, int8) {
	// Args are lowered — and so allocate their registers — before the
	// call's own output register, matching the producers-before-
	// consumer order compileDataNode later replays when it recurses
	// into DataChildren before emitting the parent instruction. A call
	// node whose own register came first would leave an unresolvable
	// register reference wherever its result feeds a later COMPARE.
	var argIDs []NodeID
	for _, arg := range p.Args {
		id, _ := b.lowerTerm(arg)
		argIDs = append(argIDs, id)
	}
	outReg := b.nextRegister()
	call := b.g.AddNode(Node{Role: RoleIO, Opcode: opCallExt, Symbol: p.Name,
		Outputs: [2]int8{outReg}, NumOut: 1, SourceRef: srcRef(p.Loc)})
	for _, id := range argIDs {
		b.g.AddEdge(call, id, EdgeData, 0)
	}
	return call, outReg
}

// lowerCondition lowers a condition tree to its Compare-rooted (or
// Predicate-rooted) data subgraph, returning the sink node id and its
// result register. Logical combinators fan out into two sub-conditions
// joined by a Compare node whose flags encode And/Or (spec §4.1:
// "Logical operators fan out into two sub-conditions joined by a
// Compare-with-And/Or result encoded in flags").
const (
	logicalAndFlag uint16 = 0x10
	logicalOrFlag  uint16 = 0x11
)

func (b *Builder) lowerCondition(c ast.Condition) (NodeID, int8) {
	switch v := c.(type) {
	case *ast.LogicalOp:
		l, lReg := b.lowerCondition(v.L)
		r, rReg := b.lowerCondition(v.R)
		flag := logicalAndFlag
		if v.Op == ast.LogicalOr {
			flag = logicalOrFlag
		}
		outReg := b.nextRegister()
		node := b.g.AddNode(Node{Role: RoleOp, Opcode: opCompare, Flags: flag,
			Inputs: [4]int8{lReg, rReg}, NumIn: 2,
			Outputs: [2]int8{outReg}, NumOut: 1, SourceRef: srcRef(v.Loc)})
		b.g.AddEdge(node, l, EdgeData, 0)
		b.g.AddEdge(node, r, EdgeData, 0)
		return node, outReg
	case *ast.Comparison:
		return b.lowerComparison(v)
	case *ast.Predicate:
		return b.lowerPredicateCall(v)
	default:
		panic("ir: unknown condition type")
	}
}

// lowerAction lowers a single action to its subgraph and hangs it off
// parent via an edge of the given kind/flag. Rule and flow-step actions
// attach by Data edge (spec §4.1: "every child subgraph is attached to
// its parent by a Data edge"); an If node's Then/Else actions attach by
// Condition edge with the boolean selector instead, since they are
// conditional successors rather than unconditional data inputs.
func (b *Builder) lowerAction(parent NodeID, kind EdgeRole, flag uint8, a ast.Action) error {
	switch v := a.(type) {
	case *ast.Predicate:
		call, _ := b.lowerPredicateCall(v)
		b.g.AddEdge(parent, call, kind, flag)
	case *ast.Assignment:
		valID, valReg := b.lowerTerm(v.Value)
		assign := b.g.AddNode(Node{Role: RoleOp, Opcode: opMoveOp, Symbol: v.Target,
			Inputs: [4]int8{valReg}, NumIn: 1, SourceRef: srcRef(v.Loc)})
		b.g.AddEdge(assign, valID, EdgeData, 0)
		b.g.AddEdge(parent, assign, kind, flag)
	case *ast.Control:
		ctrlID, err := b.lowerControl(v)
		if err != nil {
			return err
		}
		b.g.AddEdge(parent, ctrlID, kind, flag)
	default:
		panic("ir: unknown action type")
	}
	return nil
}

// lowerControl lowers If/Loop/Halt to a specialised Control node.
func (b *Builder) lowerControl(c *ast.Control) (NodeID, error) {
	switch c.Kind {
	case ast.ControlHalt:
		id := b.g.AddNode(Node{Role: RoleControl, Opcode: opHalt,
			Control: &ControlSpec{Kind: ControlHaltNode}, SourceRef: srcRef(c.Loc)})
		return id, nil
	case ast.ControlIf:
		condSink, _ := b.lowerCondition(c.Cond)
		ifID := b.g.AddNode(Node{Role: RoleControl, Opcode: opJmpIf,
			Control: &ControlSpec{Kind: ControlIf, HasTargets: true}, SourceRef: srcRef(c.Loc)})
		b.g.AddEdge(ifID, condSink, EdgeData, 0)

		for _, step := range c.Then {
			if err := b.lowerAction(ifID, EdgeCondition, 1, step); err != nil {
				return 0, err
			}
		}
		for _, step := range c.Else {
			if err := b.lowerAction(ifID, EdgeCondition, 0, step); err != nil {
				return 0, err
			}
		}
		return ifID, nil
	case ast.ControlLoop:
		condSink, _ := b.lowerCondition(c.Cond)
		loopID := b.g.AddNode(Node{Role: RoleControl, Opcode: opJmp,
			Control: &ControlSpec{Kind: ControlLoopNode, MaxIter: c.MaxIterations},
			SourceRef: srcRef(c.Loc)})
		b.g.AddEdge(loopID, condSink, EdgeData, 0)
		for _, step := range c.Body {
			// Body actions attach by Condition edge (flag 1, "enter
			// body") rather than Data edge, so the condition sink
			// stays the loop node's only Data child and the bytecode
			// compiler can tell body from condition by edge kind alone.
			if err := b.lowerAction(loopID, EdgeCondition, 1, step); err != nil {
				return 0, err
			}
		}
		// Legal back-edge: the loop node's body re-enters through
		// itself (spec §3's sole permitted control cycle shape).
		b.g.AddEdge(loopID, loopID, EdgeControl, 0)
		b.g.Node(loopID).Control.BodyEntry = loopID
		return loopID, nil
	default:
		panic("ir: unknown control kind")
	}
}

// lowerRule lowers a Rule declaration to a Rule entry-point node whose
// condition and actions hang off it as Data edges (spec §4.1).
func (b *Builder) lowerRule(r *ast.Rule) error {
	ruleID := b.g.AddNode(Node{
		Role: RoleRule,
		Rule: &RuleSpec{Name: r.Name, Priority: r.Priority, Mode: EvalEager},
		SourceRef: srcRef(r.Loc),
	})
	condSink, _ := b.lowerCondition(r.Condition)
	b.g.AddEdge(ruleID, condSink, EdgeData, 0)
	for _, act := range r.Actions {
		if err := b.lowerAction(ruleID, EdgeData, 0, act); err != nil {
			return err
		}
	}
	b.g.Entries = append(b.g.Entries, EntryPoint{NodeID: ruleID, Kind: EntryRule, Name: r.Name})
	return nil
}

// lowerFlow lowers a Flow declaration to a Control entry-point node,
// with steps linked in source order by Control edges (spec §4.1).
func (b *Builder) lowerFlow(f *ast.Flow) error {
	entryID := b.g.AddNode(Node{Role: RoleControl, Opcode: opNop,
		Control: &ControlSpec{Kind: ControlJump}, SourceRef: srcRef(f.Loc)})
	b.g.Entries = append(b.g.Entries, EntryPoint{NodeID: entryID, Kind: EntryFlow, Name: f.Name})

	prev := entryID
	for _, step := range f.Steps {
		var stepID NodeID
		switch v := step.(type) {
		case *ast.Control:
			id, err := b.lowerControl(v)
			if err != nil {
				return err
			}
			stepID = id
		default:
			// A bare Predicate/Assignment step hangs as a synthetic
			// single-action node so flows can link it via Control
			// edges in source order, same as an If/Loop step.
			stepWrap := b.g.AddNode(Node{Role: RoleControl, Opcode: opNop,
				Control: &ControlSpec{Kind: ControlJump}, SourceRef: srcRef(step.Location())})
			if err := b.lowerAction(stepWrap, EdgeData, 0, step); err != nil {
				return err
			}
			stepID = stepWrap
		}
		b.g.AddEdge(prev, stepID, EdgeControl, 0)
		prev = stepID
	}
	return nil
}

// lowerConstraint lowers a Constraint to a Compare-rooted subgraph
// feeding a constraint-evaluation entry point; severity is stored in
// flags (spec §4.1).
func (b *Builder) lowerConstraint(c *ast.Constraint) error {
	condSink, _ := b.lowerCondition(c.Condition)
	evalID := b.g.AddNode(Node{Role: RoleRule, Flags: uint16(c.Severity),
		Rule: &RuleSpec{Name: c.Name, Mode: EvalEager}, SourceRef: srcRef(c.Loc)})
	b.g.AddEdge(evalID, condSink, EdgeData, 0)
	b.g.Entries = append(b.g.Entries, EntryPoint{NodeID: evalID, Kind: EntryConstraint, Name: c.Name})
	return nil
}
