package bytecode

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/kern-lang/kern/kern/ir"
)

// compare/logical op-local opcode mirrors, matching kern/ir's own
// duplicated constants; kept here too since ir must not import
// bytecode (see ir/graph.go's compareOpcode comment) and bytecode must
// not import ir's internal opcode consts back.
const (
	irOpLoadSym = 0x10
	irOpLoadNum = 0x11
	irOpMove    = 0x12
	irOpCompare = 0x13
	irOpCallExt = 0x60
)

// Compiler performs the structured walk of spec §4.2: control
// predecessors before successors, data producers before consumers,
// if-true before if-false, loop-body before loop-exit. Forward jump
// targets (an If's else/end address, a loop's exit address) aren't
// known until the intervening block has been compiled, so each is
// emitted as a zero-operand placeholder and patched in place as soon
// as its target address is reached — a one-pass walk with deferred
// label patching, rather than a separate resolution pass over the
// whole program. Compile is single-use per graph.
type Compiler struct {
	g         *ir.ExecutionGraph
	symbols   *symbolTable
	externals *symbolTable
	code      []Instruction
	labels    []Label

	visited map[ir.NodeID]bool // control nodes already compiled, guards the loop back-edge
}

// NewCompiler returns a Compiler ready to compile g.
func NewCompiler(g *ir.ExecutionGraph) *Compiler {
	return &Compiler{
		g: g, symbols: newSymbolTable(), externals: newSymbolTable(),
		visited: make(map[ir.NodeID]bool),
	}
}

// Compile lowers the graph's entry points into a single linear Module.
func Compile(g *ir.ExecutionGraph) (*Module, error) {
	c := NewCompiler(g)
	for _, ep := range g.Entries {
		var err error
		switch ep.Kind {
		case ir.EntryRule:
			err = c.compileRuleEntry(ep)
		case ir.EntryFlow:
			err = c.compileFlowEntry(ep)
		case ir.EntryConstraint:
			err = c.compileConstraintEntry(ep)
		}
		if err != nil {
			return nil, err
		}
	}
	m := &Module{
		Code:      c.code,
		Symbols:   c.symbols.values,
		Externals: c.externals.values,
		Labels:    c.labels,
		Version:   1,
	}
	m.BuildHash = computeBuildHash(m)
	return m, nil
}

// computeBuildHash hashes the module's canonical encoding: the code
// stream plus its interned tables, following the teacher's
// computeIdempotencyKey pattern (checkpoint.go) of hashing a stable
// byte encoding rather than a Go value's memory layout.
func computeBuildHash(m *Module) string {
	h := sha256.New()
	h.Write(EncodeProgram(m.Code))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(m.Symbols, "\x00")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(m.Externals, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Compiler) emit(op Opcode, flags byte, operand uint64) (int, error) {
	instr, err := NewInstruction(op, flags, operand)
	if err != nil {
		return 0, err
	}
	idx := len(c.code)
	c.code = append(c.code, instr)
	return idx, nil
}

// emitPlaceholder reserves a slot whose operand is filled in later, in
// place, once the jump target's address is known.
func (c *Compiler) emitPlaceholder(op Opcode, flags byte) int {
	idx := len(c.code)
	c.code = append(c.code, Instruction{Opcode: op, Flags: flags})
	return idx
}

// -- Data subgraphs (producers before consumers) -------------------------

// compileDataNode emits id's Data children (post-order: each producer
// before its consumer) and then id itself, returning the register
// carrying id's result.
func (c *Compiler) compileDataNode(id ir.NodeID) (int8, error) {
	n := c.g.Node(id)
	children := c.g.DataChildren(id)
	for _, child := range children {
		if _, err := c.compileDataNode(child); err != nil {
			return 0, err
		}
	}

	switch n.Opcode {
	case irOpLoadSym:
		symIdx := c.symbols.intern(n.Symbol)
		if _, err := c.emit(OpLoadSym, 0, uint64(symIdx)); err != nil {
			return 0, err
		}
	case irOpLoadNum:
		operand, err := EncodeSignedOperand(n.Imm)
		if err != nil {
			return 0, err
		}
		if _, err := c.emit(OpLoadNum, 0, operand); err != nil {
			return 0, err
		}
	case irOpMove:
		symIdx := c.symbols.intern(n.Symbol)
		srcReg := uint64(n.Inputs[0])
		operand := (srcReg << 40) | uint64(symIdx)
		if _, err := c.emit(OpMove, 0, operand); err != nil {
			return 0, err
		}
	case irOpCompare:
		// Plain comparisons and logical And/Or combinators both lower
		// to the Compare opcode (spec §4.1); Flags distinguishes a
		// relational comparator (0-5) from a logical combinator
		// (0x10/0x11), and both read their two operand registers the
		// same way.
		regA, regB := uint64(n.Inputs[0]), uint64(n.Inputs[1])
		operand := (regA << 8) | regB
		if _, err := c.emit(OpCompare, byte(n.Flags), operand); err != nil {
			return 0, err
		}
	case irOpCallExt:
		extIdx := c.externals.intern(n.Symbol)
		argCount := byte(len(children))
		if _, err := c.emit(OpCallExtern, argCount, uint64(extIdx)); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("bytecode: unsupported data opcode %#x on node %d", n.Opcode, id)
	}
	return n.Outputs[0], nil
}

// -- Rules and constraints -------------------------------------------------

func (c *Compiler) compileRuleEntry(ep ir.EntryPoint) error {
	conditions, actions := c.g.ConditionAndActionChildren(ep.NodeID)

	condAddr := len(c.code)
	var condReg int8
	for _, cond := range conditions {
		reg, err := c.compileDataNode(cond)
		if err != nil {
			return err
		}
		condReg = reg
	}
	if _, err := c.emit(OpCheckCondition, 0, uint64(uint8(condReg))); err != nil {
		return err
	}
	c.labels = append(c.labels, Label{Name: ep.Name, Kind: LabelRuleCondition, Addr: condAddr})

	actionAddr := len(c.code)
	if _, err := c.emit(OpCallRule, 0, uint64(ep.NodeID)); err != nil {
		return err
	}
	for _, act := range actions {
		if _, err := c.compileDataNode(act); err != nil {
			return err
		}
	}
	if _, err := c.emit(OpReturnRule, 0, uint64(ep.NodeID)); err != nil {
		return err
	}
	c.labels = append(c.labels, Label{Name: ep.Name, Kind: LabelRuleAction, Addr: actionAddr})
	return nil
}

func (c *Compiler) compileConstraintEntry(ep ir.EntryPoint) error {
	addr := len(c.code)
	condSinks := c.g.DataChildren(ep.NodeID)
	var condReg int8
	for _, sink := range condSinks {
		reg, err := c.compileDataNode(sink)
		if err != nil {
			return err
		}
		condReg = reg
	}
	severity := c.g.Node(ep.NodeID).Flags
	if _, err := c.emit(OpCheckCondition, byte(severity), uint64(uint8(condReg))); err != nil {
		return err
	}
	c.labels = append(c.labels, Label{Name: ep.Name, Kind: LabelConstraint, Addr: addr})
	// Without an explicit terminator, a Module driven by pc alone
	// would fall straight through into whatever entry point's code
	// follows this one in the linear stream.
	_, err := c.emit(OpReturn, 0, 0)
	return err
}

// -- Flows: structured control-flow walk ------------------------------------

func (c *Compiler) compileFlowEntry(ep ir.EntryPoint) error {
	addr := len(c.code)
	c.labels = append(c.labels, Label{Name: ep.Name, Kind: LabelFlow, Addr: addr})
	reg, hasReg, halted, err := c.compileControlChain(ep.NodeID)
	if err != nil {
		return err
	}
	if halted {
		// Halt already emitted the zone-0x0 terminator; the flow's
		// frame is done, there is nothing left to surface.
		return nil
	}
	if hasReg {
		if _, err := c.emit(OpOutput, 0, uint64(uint8(reg))); err != nil {
			return err
		}
	}
	_, err = c.emit(OpReturn, 0, 0)
	return err
}

// compileControlChain emits id and its successors in source order
// (control predecessors before successors), recursing into If/Loop
// bodies before continuing past them. A node already compiled (the
// loop back-edge target) is not re-emitted. It reports the register
// carrying the chain's last-produced value (if any) and whether the
// chain ended in an explicit Halt, so the caller knows whether to
// synthesise a RETURN/OUTPUT terminator of its own.
func (c *Compiler) compileControlChain(id ir.NodeID) (lastReg int8, hasReg bool, halted bool, err error) {
	if c.visited[id] {
		return 0, false, false, nil
	}
	c.visited[id] = true

	n := c.g.Node(id)
	switch n.Control.Kind {
	case ir.ControlJump:
		for _, child := range c.g.DataChildren(id) {
			reg, err := c.compileDataNode(child)
			if err != nil {
				return 0, false, false, err
			}
			lastReg, hasReg = reg, true
		}
	case ir.ControlIf:
		if err := c.compileIfNode(id); err != nil {
			return 0, false, false, err
		}
	case ir.ControlLoopNode:
		if err := c.compileLoopNode(id); err != nil {
			return 0, false, false, err
		}
	case ir.ControlHaltNode:
		_, err := c.emit(OpHalt, 0, 0)
		return 0, false, true, err // Halt terminates; no successor is compiled.
	}

	for _, e := range c.g.OutgoingEdges(id) {
		if e.Kind == ir.EdgeControl && e.To != id {
			succReg, succHas, succHalted, err := c.compileControlChain(e.To)
			if err != nil {
				return 0, false, false, err
			}
			if succHalted {
				return 0, false, true, nil
			}
			if succHas {
				return succReg, true, false, nil
			}
			return lastReg, hasReg, false, nil
		}
	}
	return lastReg, hasReg, false, nil
}

// compileIfNode implements if-true-before-false: the condition, then
// the Then branch, then a skip-over-Else jump, then the Else branch.
func (c *Compiler) compileIfNode(id ir.NodeID) error {
	condSinks := c.g.DataChildren(id)
	var condReg int8
	for _, sink := range condSinks {
		reg, err := c.compileDataNode(sink)
		if err != nil {
			return err
		}
		condReg = reg
	}

	// Jump to Else (or past the If, if there is no Else) when false.
	jmpIfFalseIdx := c.emitPlaceholder(OpJmpIf, EncodeJmpIfFlags(condReg, true))

	for _, e := range c.g.ConditionChildren(id) {
		if e.ConditionFlag != 1 {
			continue
		}
		if _, err := c.compileDataNode(e.To); err != nil {
			return err
		}
	}

	hasElse := false
	for _, e := range c.g.ConditionChildren(id) {
		if e.ConditionFlag == 0 {
			hasElse = true
		}
	}

	var skipElseIdx = -1
	if hasElse {
		skipElseIdx = c.emitPlaceholder(OpJmp, 0)
	}

	elseAddr := len(c.code)
	for _, e := range c.g.ConditionChildren(id) {
		if e.ConditionFlag != 0 {
			continue
		}
		if _, err := c.compileDataNode(e.To); err != nil {
			return err
		}
	}
	endAddr := len(c.code)

	falseTarget := elseAddr
	if !hasElse {
		falseTarget = endAddr
	}
	c.code[jmpIfFalseIdx].Operand = uint64(falseTarget) & operandMask
	if skipElseIdx >= 0 {
		c.code[skipElseIdx].Operand = uint64(endAddr) & operandMask
	}
	return nil
}

// compileLoopNode implements loop-body-before-exit: the condition
// check guards a single back-edge to itself.
func (c *Compiler) compileLoopNode(id ir.NodeID) error {
	loopStart := len(c.code)
	condSinks := c.g.DataChildren(id)
	var condReg int8
	for _, sink := range condSinks {
		reg, err := c.compileDataNode(sink)
		if err != nil {
			return err
		}
		condReg = reg
	}

	exitJmpIdx := c.emitPlaceholder(OpJmpIf, EncodeJmpIfFlags(condReg, true))

	for _, e := range c.g.ConditionChildren(id) {
		if e.ConditionFlag != 1 {
			continue
		}
		if _, err := c.compileDataNode(e.To); err != nil {
			return err
		}
	}

	if _, err := c.emit(OpJmp, 0, uint64(loopStart)&operandMask); err != nil {
		return err
	}
	exitAddr := len(c.code)
	c.code[exitJmpIdx].Operand = uint64(exitAddr) & operandMask
	return nil
}
