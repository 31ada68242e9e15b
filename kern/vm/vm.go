package vm

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kern-lang/kern/kern/bytecode"
)

// State is the per-execution state machine of spec §4.4: Idle → Running
// → (Halted | Errored | LimitReached).
type State uint8

const (
	StateIdle State = iota
	StateRunning
	StateHalted
	StateErrored
	StateLimitReached
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateErrored:
		return "errored"
	case StateLimitReached:
		return "limit_reached"
	default:
		return "unknown"
	}
}

// Capability is one named external function the VM's CALL_EXTERN
// dispatch invokes once the sandbox policy admits it. READ_IO/WRITE_IO
// only check the channel allow-set; they invoke no Capability.
// kern/capability's adapters implement this without vm importing
// kern/capability back.
type Capability interface {
	Name() string
	Invoke(ctx context.Context, args []Value) (Value, error)
}

// CapabilityRegistry resolves a name to a Capability.
type CapabilityRegistry interface {
	Lookup(name string) (Capability, bool)
}

// VM is the register+stack interpreter of spec §4.4.
type VM struct {
	// RunID identifies this VM's lifetime for callers correlating
	// kern/store checkpoints and emitted events with a particular
	// Run/RunUntil/ExecuteRule invocation; distinct from the numeric
	// context-pool IDs CTX_CREATE/CTX_SWITCH address, which stay small
	// integers because they're encoded as bytecode operands.
	RunID string

	Module *bytecode.Module
	Config VMConfig
	Policy *SandboxPolicy

	pc           int
	errReg       int
	conditionFlag bool
	pool         *contextPool

	// regSeq replays kern/ir.Builder's own round-robin register
	// counter (builder.go's nextRegister): every LOAD_SYM/LOAD_NUM/
	// COMPARE/CALL_EXTERN instruction allocates "the next register in
	// sequence" exactly as the builder did when it first assigned
	// these nodes their registers, so register indices baked into
	// COMPARE/MOVE operands resolve to the values the corresponding
	// producer instructions just computed. This only holds because
	// compileDataNode emits every node's data children (and so advances
	// this same sequence) strictly before the node itself, mirroring
	// the builder's own producers-before-consumer allocation order.
	regSeq int

	stepCount  uint64
	ruleDepth  uint32

	// loopExits counts, per backward-jump target address, how many
	// times control has looped back to it — JMP/JMP_IF's compiled-in
	// back-edges are the only source of cycles in the instruction
	// stream (spec §3's sole permitted control cycle shape), so a
	// jump whose target is at or before the jumping instruction's own
	// pc is exactly one loop iteration completing.
	loopExits map[int]uint32

	State State

	// Outputs accumulates every value an OUTPUT instruction has
	// surfaced to the host so far (spec §6: "OUTPUT src: surface
	// R[src] to host").
	Outputs []Value

	Capabilities CapabilityRegistry
}

// New returns a VM ready to execute m under config/policy. A nil
// policy defaults to the fully-closed DefaultSandboxPolicy.
func New(m *bytecode.Module, config VMConfig, policy *SandboxPolicy) *VM {
	if policy == nil {
		policy = DefaultSandboxPolicy()
	}
	return &VM{
		RunID:     uuid.NewString(),
		Module:    m,
		Config:    config,
		Policy:    policy,
		pool:      newContextPool(),
		loopExits: make(map[int]uint32),
		State:     StateIdle,
	}
}

func (v *VM) ctx() *Context { return v.pool.Active() }

// SetSymbol seeds the active context's symbol table, binding a fact
// value before a Run/RunUntil/ExecuteRule call.
func (v *VM) SetSymbol(name string, val Value) {
	v.ctx().Symbols[name] = val
}

// Symbol reads a value out of the active context's symbol table.
func (v *VM) Symbol(name string) (Value, bool) {
	val, ok := v.ctx().Symbols[name]
	return val, ok
}

func (v *VM) regAt(idx int) (Value, error) {
	if idx < 0 || idx >= len(v.ctx().Registers) {
		return Value{}, &Error{Kind: ErrInvalidRegister, PC: v.pc, Detail: fmt.Sprintf("register %d out of range", idx)}
	}
	return v.ctx().Registers[idx], nil
}

func (v *VM) setReg(idx int, val Value) error {
	if idx < 0 || idx >= len(v.ctx().Registers) {
		return &Error{Kind: ErrInvalidRegister, PC: v.pc, Detail: fmt.Sprintf("register %d out of range", idx)}
	}
	v.ctx().Registers[idx] = val
	return nil
}

// allocReg writes val to the next register in the replayed allocation
// sequence and returns its index.
func (v *VM) allocReg(val Value) (int, error) {
	idx := v.regSeq % 16
	v.regSeq++
	if err := v.setReg(idx, val); err != nil {
		return 0, err
	}
	return idx, nil
}

func symbolAt(table []string, idx uint64) (string, error) {
	if int(idx) < 0 || int(idx) >= len(table) {
		return "", fmt.Errorf("symbol index %d out of range", idx)
	}
	return table[idx], nil
}

// Run executes starting at pc until Halt, Return, an error, or a limit
// breach, and returns the terminal state.
func (v *VM) Run(ctxc context.Context, pc int) (State, error) {
	v.pc = pc
	v.State = StateRunning
	for v.State == StateRunning {
		if err := v.step(ctxc); err != nil {
			v.State = StateErrored
			if _, ok := err.(*LimitError); ok {
				v.State = StateLimitReached
			}
			return v.State, err
		}
	}
	return v.State, nil
}

// RunUntil behaves like Run but also stops (without erroring) once pc
// reaches stopPC, leaving State StateIdle so the caller can inspect
// ConditionFlag/registers and decide where to resume — this is how a
// rule's condition block and action block are run as two separate
// phases gated on the outcome of OpCheckCondition (spec §4.3/§4.4:
// rule firing is decided outside the linear instruction stream).
func (v *VM) RunUntil(ctxc context.Context, pc, stopPC int) (State, error) {
	v.pc = pc
	v.State = StateRunning
	for v.State == StateRunning && v.pc != stopPC {
		if err := v.step(ctxc); err != nil {
			v.State = StateErrored
			if _, ok := err.(*LimitError); ok {
				v.State = StateLimitReached
			}
			return v.State, err
		}
	}
	if v.State == StateRunning {
		v.State = StateIdle
	}
	return v.State, nil
}

// ConditionFlag reports the result of the most recently executed
// COMPARE or OpCheckCondition instruction.
func (v *VM) ConditionFlag() bool { return v.conditionFlag }

// ExecuteRule runs name's condition block, then — only if it evaluated
// true — its action block, returning whether the rule fired. This is
// the bytecode-level analogue of kern/ruleengine's graph-level
// evaluateRuleCondition/executeRuleActions, used when driving an
// already-compiled Module directly.
func (v *VM) ExecuteRule(ctxc context.Context, name string) (fired bool, err error) {
	condAddr := v.Module.FindLabel(name, bytecode.LabelRuleCondition)
	actionAddr := v.Module.FindLabel(name, bytecode.LabelRuleAction)
	if condAddr < 0 || actionAddr < 0 {
		return false, fmt.Errorf("vm: unknown rule %q", name)
	}
	if err := v.checkRuleDepth(); err != nil {
		return false, err
	}
	defer v.endRule()

	if _, err := v.RunUntil(ctxc, condAddr, actionAddr); err != nil {
		return false, err
	}
	if !v.conditionFlag {
		return false, nil
	}
	endAddr := v.nextLabelAfter(actionAddr)
	if endAddr < 0 {
		endAddr = len(v.Module.Code)
	}
	if _, err := v.RunUntil(ctxc, actionAddr, endAddr); err != nil {
		return true, err
	}
	return true, nil
}

func (v *VM) nextLabelAfter(addr int) int {
	best := -1
	for _, l := range v.Module.Labels {
		if l.Addr > addr && (best < 0 || l.Addr < best) {
			best = l.Addr
		}
	}
	return best
}

func (v *VM) checkRuleDepth() error {
	if v.ruleDepth >= v.Config.MaxRuleDepth {
		return &LimitError{Kind: LimitRule, Detail: "max rule recursion depth exceeded"}
	}
	v.ruleDepth++
	return nil
}

func (v *VM) endRule() {
	if v.ruleDepth > 0 {
		v.ruleDepth--
	}
}

// countLoopIteration records one more pass through the back-edge
// jumping to target, raising a LimitLoop LimitError once
// Config.MaxLoopIterations is exceeded (spec §4.4's loop limit row).
func (v *VM) countLoopIteration(target int) error {
	v.loopExits[target]++
	if v.loopExits[target] > v.Config.MaxLoopIterations {
		return &LimitError{Kind: LimitLoop, Detail: "max loop iterations exceeded"}
	}
	return nil
}

// step executes exactly one instruction and advances pc by one unless
// the instruction itself rewrote it (spec §4.4's "−1 convention": here
// expressed directly — jumps set pc and `continue` past the
// post-increment instead).
func (v *VM) step(ctxc context.Context) error {
	if v.stepCount >= v.Config.MaxSteps {
		return &LimitError{Kind: LimitStep, Detail: "max step count exceeded"}
	}
	if v.pc < 0 || v.pc >= len(v.Module.Code) {
		v.State = StateHalted
		return nil
	}
	instr := v.Module.Code[v.pc]
	v.stepCount++

	switch instr.Opcode {
	case bytecode.OpNop:
		v.pc++

	case bytecode.OpJmp:
		target := int(instr.Operand)
		if target <= v.pc {
			if err := v.countLoopIteration(target); err != nil {
				return err
			}
		}
		v.pc = target

	case bytecode.OpJmpIf:
		reg, invert := bytecode.DecodeJmpIfFlags(instr.Flags)
		val, err := v.regAt(int(reg))
		if err != nil {
			return err
		}
		truthy := valueIsTruthy(val)
		if invert {
			truthy = !truthy
		}
		if truthy {
			target := int(instr.Operand)
			if target <= v.pc {
				if err := v.countLoopIteration(target); err != nil {
					return err
				}
			}
			v.pc = target
		} else {
			v.pc++
		}

	case bytecode.OpHalt:
		v.State = StateHalted

	case bytecode.OpReturn:
		v.State = StateHalted

	case bytecode.OpOutput:
		val, err := v.regAt(int(instr.Operand))
		if err != nil {
			return err
		}
		v.Outputs = append(v.Outputs, val)
		v.pc++

	case bytecode.OpLoadSym:
		sym, err := symbolAt(v.Module.Symbols, instr.Operand)
		if err != nil {
			return &Error{Kind: ErrInvalidRegister, PC: v.pc, Detail: err.Error()}
		}
		val, ok := v.ctx().Symbols[sym]
		if !ok {
			val = Sym(sym)
		}
		if _, err := v.allocReg(val); err != nil {
			return err
		}
		v.pc++

	case bytecode.OpLoadNum:
		v.pc++
		n := bytecode.DecodeSignedOperand(instr.Operand)
		if _, err := v.allocReg(Num(n)); err != nil {
			return err
		}

	case bytecode.OpMove:
		// kern/bytecode.Compile lowers an Assignment action to this
		// opcode with operand (srcReg<<40 | symIdx): a register's value
		// written into the symbol table by name, not a register-to-
		// register copy (spec §4.1: assignments update the fact
		// context, they don't move between the VM's own registers).
		srcReg := int(instr.Operand >> 40)
		symIdx := instr.Operand & 0xFFFFFFFFFF
		sym, err := symbolAt(v.Module.Symbols, symIdx)
		if err != nil {
			return &Error{Kind: ErrInvalidRegister, PC: v.pc, Detail: err.Error()}
		}
		val, err := v.regAt(srcReg)
		if err != nil {
			return err
		}
		v.ctx().Symbols[sym] = val
		v.pc++

	case bytecode.OpCompare:
		regA := int(instr.Operand >> 8)
		regB := int(instr.Operand & 0xFF)
		a, err := v.regAt(regA)
		if err != nil {
			return err
		}
		b, err := v.regAt(regB)
		if err != nil {
			return err
		}
		result, err := v.evalCompareOrLogical(a, b, instr.Flags)
		if err != nil {
			return err
		}
		if _, err := v.allocReg(Bool(result)); err != nil {
			return err
		}
		v.conditionFlag = result
		v.pc++

	case bytecode.OpCheckCondition:
		reg, err := v.regAt(int(instr.Operand))
		if err != nil {
			return err
		}
		v.conditionFlag = valueIsTruthy(reg)
		v.pc++

	case bytecode.OpCallRule:
		v.pc++

	case bytecode.OpReturnRule:
		v.pc++

	case bytecode.OpIncrementExecCount:
		v.pc++

	case bytecode.OpPushCtx:
		idx := v.pool.Create()
		if err := v.pool.Switch(idx); err != nil {
			return err
		}
		v.pc++

	case bytecode.OpPopCtx:
		if err := v.pool.Switch(int(instr.Operand)); err != nil {
			return err
		}
		v.pc++

	case bytecode.OpCopyCtx:
		v.pool.Clone()
		v.pc++

	case bytecode.OpSetSymbol:
		symIdx := instr.Operand >> 32
		srcReg := int(instr.Operand & 0xFFFFFFFF)
		sym, err := symbolAt(v.Module.Symbols, symIdx)
		if err != nil {
			return &Error{Kind: ErrInvalidRegister, PC: v.pc, Detail: err.Error()}
		}
		val, err := v.regAt(srcReg)
		if err != nil {
			return err
		}
		v.ctx().Symbols[sym] = val
		v.pc++

	case bytecode.OpGetSymbol:
		symIdx := instr.Operand
		sym, err := symbolAt(v.Module.Symbols, symIdx)
		if err != nil {
			return &Error{Kind: ErrInvalidRegister, PC: v.pc, Detail: err.Error()}
		}
		val, ok := v.ctx().Symbols[sym]
		if !ok {
			val = Sym(sym)
		}
		if _, err := v.allocReg(val); err != nil {
			return err
		}
		v.pc++

	case bytecode.OpThrow:
		v.errReg = int(instr.Operand)
		v.pc++

	case bytecode.OpTry, bytecode.OpClearErr:
		v.errReg = 0
		v.pc++

	case bytecode.OpCatch:
		if v.errReg != 0 {
			v.pc = int(instr.Operand)
		} else {
			v.pc++
		}

	case bytecode.OpCallExtern:
		return v.execExtern(ctxc, instr)

	case bytecode.OpReadIo:
		return v.execReadIO(instr)

	case bytecode.OpWriteIo:
		return v.execWriteIO(instr)

	default:
		return &Error{Kind: ErrInvalidOpcode, PC: v.pc, Detail: fmt.Sprintf("opcode %#x", byte(instr.Opcode))}
	}
	return nil
}

const (
	logicalAndFlag = 0x10
	logicalOrFlag  = 0x11
)

func (v *VM) evalCompareOrLogical(a, b Value, flags byte) (bool, error) {
	switch flags {
	case logicalAndFlag:
		ab, aok := asBool(a)
		bb, bok := asBool(b)
		if !aok || !bok {
			return false, &Error{Kind: ErrInvalidComparison, PC: v.pc, Detail: "logical operand is not a Bool"}
		}
		return ab && bb, nil
	case logicalOrFlag:
		ab, aok := asBool(a)
		bb, bok := asBool(b)
		if !aok || !bok {
			return false, &Error{Kind: ErrInvalidComparison, PC: v.pc, Detail: "logical operand is not a Bool"}
		}
		return ab || bb, nil
	default:
		result, err := Compare(a, b, Comparator(flags))
		if err != nil {
			if ve, ok := err.(*Error); ok {
				ve.PC = v.pc
			}
			return false, err
		}
		return result, nil
	}
}

func asBool(v Value) (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.Bool, true
}

func valueIsTruthy(v Value) bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNum:
		return v.Num != 0
	default:
		return true
	}
}

func (v *VM) execExtern(ctxc context.Context, instr bytecode.Instruction) error {
	name, err := symbolAt(v.Module.Externals, instr.Operand)
	if err != nil {
		return &Error{Kind: ErrInvalidRegister, PC: v.pc, Detail: err.Error()}
	}
	if err := v.Policy.CheckExternal(name); err != nil {
		return err
	}

	argCount := int(instr.Flags)
	args := make([]Value, argCount)
	// Args were allocated in order immediately before this call's own
	// (not-yet-allocated) register; walk backward from the current
	// sequence position to recover them.
	for i := argCount - 1; i >= 0; i-- {
		reg := (v.regSeq - (argCount - i)) % 16
		if reg < 0 {
			reg += 16
		}
		val, err := v.regAt(reg)
		if err != nil {
			return err
		}
		args[i] = val
	}

	var result Value
	if v.Capabilities != nil {
		cap, ok := v.Capabilities.Lookup(name)
		if !ok {
			return &Error{Kind: ErrInvalidOpcode, PC: v.pc, Detail: fmt.Sprintf("no capability registered for %q", name)}
		}
		result, err = cap.Invoke(ctxc, args)
		if err != nil {
			return fmt.Errorf("vm: capability %q: %w", name, err)
		}
	} else {
		result = Ref(name)
	}
	if _, err := v.allocReg(result); err != nil {
		return err
	}
	v.pc++
	return nil
}

func (v *VM) execReadIO(instr bytecode.Instruction) error {
	name, err := symbolAt(v.Module.Symbols, instr.Operand&0xFFFF)
	if err != nil {
		return &Error{Kind: ErrInvalidRegister, PC: v.pc, Detail: err.Error()}
	}
	if err := v.Policy.CheckChannel(name); err != nil {
		return err
	}
	if _, err := v.allocReg(Ref(name)); err != nil {
		return err
	}
	v.pc++
	return nil
}

func (v *VM) execWriteIO(instr bytecode.Instruction) error {
	ioIdx := instr.Operand >> 8
	srcReg := int(instr.Operand & 0xFF)
	name, err := symbolAt(v.Module.Symbols, ioIdx)
	if err != nil {
		return &Error{Kind: ErrInvalidRegister, PC: v.pc, Detail: err.Error()}
	}
	if err := v.Policy.CheckChannel(name); err != nil {
		return err
	}
	if _, err := v.regAt(srcReg); err != nil {
		return err
	}
	v.pc++
	return nil
}
