package ruleengine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/kern-lang/kern/kern/ast"
	"github.com/kern-lang/kern/kern/bytecode"
	"github.com/kern-lang/kern/kern/ir"
)

// CapabilityInvoker mediates a Predicate action's call to a named
// external capability. cmd/kern implements this as an adapter over a
// kern/capability Registry, with no sandbox policy check on this path
// (spec §4.3: "Predicate actions become calls to the referenced
// capability"). A nil Invoker leaves
// predicate calls recorded (their node still executes, producing a
// Ref placeholder) but not dispatched anywhere.
type CapabilityInvoker interface {
	Invoke(name string, args []Value) (Value, error)
}

// Engine drives spec §4.3's scheduling loop over an *ir.ExecutionGraph.
type Engine struct {
	// RunID identifies this Engine's lifetime for callers correlating
	// emitted events and kern/store checkpoints with a particular
	// ExecuteGraph invocation; it plays no role in spec semantics.
	RunID string

	Context   *Context
	StepCount uint32
	MaxSteps  uint32

	Queue      *PriorityQueue
	priorities map[ir.NodeID]*PriorityRecord

	Strategy           Strategy
	CustomPriorityFunc PriorityFunc

	executionPath       []ir.NodeID
	ruleExecutionCounts map[ir.NodeID]uint32
	MaxRecursionDepth   uint32

	lazyCache map[string]Value

	Capabilities CapabilityInvoker
}

// NewEngine returns an Engine with the reference implementation's
// defaults: 10,000-step cap, 100-deep recursion guard, Standard
// priority strategy.
func NewEngine() *Engine {
	return &Engine{
		RunID:               uuid.NewString(),
		Context:             NewContext(),
		MaxSteps:            10000,
		Queue:               NewPriorityQueue(),
		priorities:          make(map[ir.NodeID]*PriorityRecord),
		Strategy:            StrategyStandard,
		MaxRecursionDepth:   100,
		ruleExecutionCounts: make(map[ir.NodeID]uint32),
		lazyCache:           make(map[string]Value),
	}
}

func (e *Engine) priorityRecord(id ir.NodeID) *PriorityRecord {
	rec, ok := e.priorities[id]
	if !ok {
		rec = &PriorityRecord{NodeID: id}
		e.priorities[id] = rec
	}
	return rec
}

// SetRulePriority sets the explicit priority/specificity/recency
// triple a rule node was declared with.
func (e *Engine) SetRulePriority(id ir.NodeID, priority, specificity, recency uint32) {
	rec := e.priorityRecord(id)
	rec.Priority, rec.Specificity, rec.Recency = priority, specificity, recency
}

// SetPriorityStrategy changes the active strategy.
func (e *Engine) SetPriorityStrategy(s Strategy) { e.Strategy = s }

// IncrementRuleActivation bumps a rule's activation_count.
func (e *Engine) IncrementRuleActivation(id ir.NodeID) {
	e.priorityRecord(id).ActivationCount++
}

func (e *Engine) effectivePriority(id ir.NodeID) int64 {
	rec, ok := e.priorities[id]
	if !ok {
		return 0
	}
	return EffectivePriority(*rec, e.Strategy, e.CustomPriorityFunc)
}

func (e *Engine) scheduleNode(id ir.NodeID) {
	e.Queue.Add(id, e.effectivePriority(id))
}

// -- Recursion guard ---------------------------------------------------

// startRuleExecution refuses when id's count on the execution path
// already equals MaxRecursionDepth (spec §4.3, applies to direct and
// mutual recursion alike since it counts occurrences of id anywhere on
// the stack, not just at its top).
func (e *Engine) startRuleExecution(id ir.NodeID) error {
	count := e.ruleExecutionCounts[id]
	if count >= e.MaxRecursionDepth {
		return ErrExecutionLimitExceeded
	}
	e.executionPath = append(e.executionPath, id)
	e.ruleExecutionCounts[id] = count + 1
	return nil
}

func (e *Engine) endRuleExecution(id ir.NodeID) {
	for i := len(e.executionPath) - 1; i >= 0; i-- {
		if e.executionPath[i] == id {
			e.executionPath = append(e.executionPath[:i], e.executionPath[i+1:]...)
			break
		}
	}
	if count := e.ruleExecutionCounts[id]; count > 0 {
		e.ruleExecutionCounts[id] = count - 1
	}
}

// -- Step loop ----------------------------------------------------------

// ExecuteGraph runs spec §4.3's scheduling loop to completion: select
// highest-priority eligible node, conflict-aware re-sort, execute,
// propagate, step. Terminates when the queue empties, a Halt executes,
// or the step cap is reached.
func (e *Engine) ExecuteGraph(g *ir.ExecutionGraph) error {
	for _, ep := range g.Entries {
		e.scheduleNode(ep.NodeID)
	}

	conflicts := cachedDetectConflicts(g)

	for e.Queue.Len() > 0 {
		if e.StepCount >= e.MaxSteps {
			return ErrExecutionLimitExceeded
		}

		if len(conflicts) > 0 {
			e.ResolveConflicts(conflicts)
		}
		e.Queue.Rescore(e.effectivePriority)

		nodeID, ok := e.Queue.Pop()
		if !ok {
			break
		}
		e.Context.CurrentNodeID = nodeID
		e.Context.HasCurrentNode = true

		halted, err := e.executeNode(nodeID, g)
		if err != nil {
			return err
		}
		e.StepCount++
		if halted {
			break
		}
	}

	if e.StepCount >= e.MaxSteps {
		return ErrExecutionLimitExceeded
	}
	return nil
}

func (e *Engine) executeNode(id ir.NodeID, g *ir.ExecutionGraph) (halted bool, err error) {
	n := g.Node(id)
	switch n.Role {
	case ir.RoleRule:
		return false, e.executeRuleNode(id, g)
	case ir.RoleControl:
		return e.executeControlNode(id, g)
	default:
		return false, &Error{Kind: ErrInvalidNodeType, NodeID: id, Detail: "executeNode expects a Rule or Control entry"}
	}
}

// -- Rule nodes -----------------------------------------------------------

func (e *Engine) executeRuleNode(id ir.NodeID, g *ir.ExecutionGraph) error {
	if err := e.startRuleExecution(id); err != nil {
		return err
	}
	defer e.endRuleExecution(id)

	e.IncrementRuleActivation(id)

	fired, err := e.evaluateRuleCondition(id, g)
	if err != nil {
		return err
	}
	if fired {
		if err := e.executeRuleActions(id, g); err != nil {
			return err
		}
	}
	e.Context.RuleResults[g.Node(id).Rule.Name] = fired
	return nil
}

func (e *Engine) evaluateRuleCondition(ruleID ir.NodeID, g *ir.ExecutionGraph) (bool, error) {
	conditions, _ := g.ConditionAndActionChildren(ruleID)
	for _, c := range conditions {
		v, err := e.evalDataNode(c, g)
		if err != nil {
			return false, err
		}
		b, ok := v.AsBool()
		if !ok {
			return false, &Error{Kind: ErrInvalidComparison, NodeID: c, Detail: "condition root did not produce a Bool"}
		}
		if !b {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) executeRuleActions(ruleID ir.NodeID, g *ir.ExecutionGraph) error {
	_, actions := g.ConditionAndActionChildren(ruleID)
	for _, a := range actions {
		if _, err := e.evalDataNode(a, g); err != nil {
			return err
		}
	}
	return nil
}

// -- Data subgraph evaluation ----------------------------------------------

func (e *Engine) setRegister(reg int8, v Value) {
	if reg < 0 || int(reg) >= len(e.Context.Registers) {
		return
	}
	e.Context.Registers[reg] = &v
}

func (e *Engine) register(reg int8) (Value, bool) {
	if reg < 0 || int(reg) >= len(e.Context.Registers) {
		return Value{}, false
	}
	r := e.Context.Registers[reg]
	if r == nil {
		return Value{}, false
	}
	return *r, true
}

const (
	logicalAndFlag uint16 = 0x10
	logicalOrFlag  uint16 = 0x11
)

// evalDataNode evaluates one node of a rule/flow's data subgraph,
// mirroring the VM's Data-zone opcode semantics (spec §4.3: "it loads
// the two operand terms into registers ... via the normal VM op
// path"). This is a tree-walking evaluator over the graph directly,
// not a compiled bytecode interpreter — kern/vm plays that role for
// already-compiled modules; the rule engine interprets graph nodes
// in place so demand-driven flow execution and lazy evaluation can
// inspect intermediate state node-by-node.
func (e *Engine) evalDataNode(id ir.NodeID, g *ir.ExecutionGraph) (Value, error) {
	n := g.Node(id)
	switch bytecode.Opcode(n.Opcode) {
	case bytecode.OpLoadSym:
		v, ok := e.Context.lookup(n.Symbol)
		if !ok {
			v = Sym(n.Symbol)
		}
		e.setRegister(n.Outputs[0], v)
		return v, nil

	case bytecode.OpLoadNum:
		v := Num(n.Imm)
		e.setRegister(n.Outputs[0], v)
		return v, nil

	case bytecode.OpMove:
		children := g.DataChildren(id)
		if len(children) != 1 {
			return Value{}, &Error{Kind: ErrMissingRegisterValue, NodeID: id, Detail: "assignment has no source value"}
		}
		v, err := e.evalDataNode(children[0], g)
		if err != nil {
			return Value{}, err
		}
		e.Context.Variables[n.Symbol] = v
		if n.NumOut > 0 {
			e.setRegister(n.Outputs[0], v)
		}
		return v, nil

	case bytecode.OpCompare:
		return e.evalCompare(id, n, g)

	case bytecode.OpCallExtern:
		return e.evalPredicate(id, n, g)

	default:
		return Value{}, &Error{Kind: ErrInvalidNodeType, NodeID: id, Detail: fmt.Sprintf("opcode %#x has no data-node evaluator", n.Opcode)}
	}
}

func (e *Engine) evalCompare(id ir.NodeID, n *ir.Node, g *ir.ExecutionGraph) (Value, error) {
	children := g.DataChildren(id)
	if len(children) != 2 {
		return Value{}, &Error{Kind: ErrInvalidComparison, NodeID: id, Detail: "compare node needs exactly two operands"}
	}

	if n.Flags == logicalAndFlag || n.Flags == logicalOrFlag {
		lv, err := e.evalDataNode(children[0], g)
		if err != nil {
			return Value{}, err
		}
		lb, ok := lv.AsBool()
		if !ok {
			return Value{}, &Error{Kind: ErrInvalidComparison, NodeID: id, Detail: "logical operand is not a Bool"}
		}
		// Short-circuit: And stops at the first false child, Or at the
		// first true one (spec §4.3).
		if n.Flags == logicalAndFlag && !lb {
			result := Bool(false)
			e.setRegister(n.Outputs[0], result)
			return result, nil
		}
		if n.Flags == logicalOrFlag && lb {
			result := Bool(true)
			e.setRegister(n.Outputs[0], result)
			return result, nil
		}
		rv, err := e.evalDataNode(children[1], g)
		if err != nil {
			return Value{}, err
		}
		rb, ok := rv.AsBool()
		if !ok {
			return Value{}, &Error{Kind: ErrInvalidComparison, NodeID: id, Detail: "logical operand is not a Bool"}
		}
		result := Bool(rb)
		if n.Flags == logicalAndFlag {
			result = Bool(lb && rb)
		}
		e.setRegister(n.Outputs[0], result)
		return result, nil
	}

	lv, err := e.evalDataNode(children[0], g)
	if err != nil {
		return Value{}, err
	}
	rv, err := e.evalDataNode(children[1], g)
	if err != nil {
		return Value{}, err
	}
	result, err := compareValues(lv, rv, ast.Comparator(n.Flags))
	if err != nil {
		return Value{}, &Error{Kind: ErrInvalidComparison, NodeID: id, Detail: err.Error()}
	}
	out := Bool(result)
	e.setRegister(n.Outputs[0], out)
	return out, nil
}

func compareValues(a, b Value, op ast.Comparator) (bool, error) {
	switch op {
	case ast.CmpEq:
		return Equal(a, b), nil
	case ast.CmpNe:
		return !Equal(a, b), nil
	}
	an, aok := a.AsNum()
	bn, bok := b.AsNum()
	if !aok || !bok {
		return false, fmt.Errorf("comparator %v requires two numbers, got %v and %v", op, a, b)
	}
	switch op {
	case ast.CmpGt:
		return an > bn, nil
	case ast.CmpLt:
		return an < bn, nil
	case ast.CmpGe:
		return an >= bn, nil
	case ast.CmpLe:
		return an <= bn, nil
	default:
		return false, fmt.Errorf("unknown comparator %v", op)
	}
}

func (e *Engine) evalPredicate(id ir.NodeID, n *ir.Node, g *ir.ExecutionGraph) (Value, error) {
	children := g.DataChildren(id)
	args := make([]Value, 0, len(children))
	for _, c := range children {
		v, err := e.evalDataNode(c, g)
		if err != nil {
			return Value{}, err
		}
		args = append(args, v)
	}

	var result Value
	if e.Capabilities != nil {
		v, err := e.Capabilities.Invoke(n.Symbol, args)
		if err != nil {
			return Value{}, &Error{Kind: ErrInvalidPredicate, NodeID: id, Detail: err.Error()}
		}
		result = v
	} else {
		result = Ref(n.Symbol)
	}
	e.setRegister(n.Outputs[0], result)
	return result, nil
}

// -- Control nodes, flows --------------------------------------------------

func (e *Engine) executeControlNode(id ir.NodeID, g *ir.ExecutionGraph) (halted bool, err error) {
	n := g.Node(id)
	switch n.Control.Kind {
	case ir.ControlHaltNode:
		return true, nil

	case ir.ControlJump:
		for _, child := range g.DataChildren(id) {
			if _, err := e.evalDataNode(child, g); err != nil {
				return false, err
			}
		}
		e.propagateControlSuccessors(id, g)
		return false, nil

	case ir.ControlIf:
		return false, e.executeIfNode(id, g)

	case ir.ControlLoopNode:
		return false, e.executeLoopNode(id, g, n.Control.MaxIter)

	default:
		return false, &Error{Kind: ErrInvalidNodeType, NodeID: id, Detail: "unknown control kind"}
	}
}

func (e *Engine) executeIfNode(id ir.NodeID, g *ir.ExecutionGraph) error {
	cond, err := e.evaluateDataChildrenAsBool(id, g)
	if err != nil {
		return err
	}
	want := uint8(0)
	if cond {
		want = 1
	}
	for _, edge := range g.ConditionChildren(id) {
		if edge.ConditionFlag != want {
			continue
		}
		if _, err := e.evalDataNode(edge.To, g); err != nil {
			return err
		}
	}
	e.propagateControlSuccessors(id, g)
	return nil
}

// defaultMaxLoopIterations backstops a Loop node whose AST left (or
// the compiler defaulted) MaxIter at 0, matching kern/vm's own
// DefaultVMConfig().MaxLoopIterations so the graph-level and
// bytecode-level loop caps agree on what "unbounded" should actually
// mean.
const defaultMaxLoopIterations = 10000

// executeLoopNode runs the loop's body while its condition holds,
// capped at maxIter iterations (spec §3's "iteration cap" backstop on
// top of the condition itself, so a mis-specified condition can't spin
// forever). Reaching the cap is a limit breach, not ordinary loop
// exit: it is fatal to ExecuteGraph, the same treatment the step and
// recursion caps get.
func (e *Engine) executeLoopNode(id ir.NodeID, g *ir.ExecutionGraph, maxIter uint32) error {
	if maxIter == 0 {
		maxIter = defaultMaxLoopIterations
	}
	for iter := uint32(0); iter < maxIter; iter++ {
		cond, err := e.evaluateDataChildrenAsBool(id, g)
		if err != nil {
			return err
		}
		if !cond {
			e.propagateControlSuccessors(id, g)
			return nil
		}
		for _, edge := range g.ConditionChildren(id) {
			if edge.ConditionFlag != 1 {
				continue
			}
			if _, err := e.evalDataNode(edge.To, g); err != nil {
				return err
			}
		}
	}
	return ErrLoopLimitExceeded
}

func (e *Engine) evaluateDataChildrenAsBool(id ir.NodeID, g *ir.ExecutionGraph) (bool, error) {
	var last Value
	for _, child := range g.DataChildren(id) {
		v, err := e.evalDataNode(child, g)
		if err != nil {
			return false, err
		}
		last = v
	}
	b, ok := last.AsBool()
	if !ok {
		return false, &Error{Kind: ErrInvalidComparison, NodeID: id, Detail: "control condition did not produce a Bool"}
	}
	return b, nil
}

func (e *Engine) propagateControlSuccessors(id ir.NodeID, g *ir.ExecutionGraph) {
	for _, edge := range g.OutgoingEdges(id) {
		if edge.Kind == ir.EdgeControl && edge.To != id {
			e.scheduleNode(edge.To)
		}
	}
}

// executeFlowPipeline implements spec §4.3's demand-driven flow
// execution: compute the transitive closure from the flow entry, then
// execute each reachable node only once its inputs are populated,
// deferring (re-enqueuing) nodes that aren't ready yet rather than
// failing them.
func (e *Engine) executeFlowPipeline(flowEntry ir.NodeID, g *ir.ExecutionGraph) error {
	closure := transitiveClosure(g, flowEntry)
	pending := append([]ir.NodeID{flowEntry}, closure...)
	deferredRounds := 0

	for len(pending) > 0 && deferredRounds <= len(pending) {
		id := pending[0]
		pending = pending[1:]

		if !e.inputsReady(id, g) {
			pending = append(pending, id)
			deferredRounds++
			continue
		}
		deferredRounds = 0

		if _, err := e.executeNode(id, g); err != nil {
			return err
		}
	}
	return nil
}

func transitiveClosure(g *ir.ExecutionGraph, start ir.NodeID) []ir.NodeID {
	visited := map[ir.NodeID]bool{start: true}
	queue := []ir.NodeID{start}
	var out []ir.NodeID
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, edge := range g.OutgoingEdges(cur) {
			if !visited[edge.To] {
				visited[edge.To] = true
				out = append(out, edge.To)
				queue = append(queue, edge.To)
			}
		}
	}
	return out
}

// inputsReady reports whether every one of id's declared input
// registers already carries a value (spec §4.3: "execute a node only
// when all its input registers carry a value").
func (e *Engine) inputsReady(id ir.NodeID, g *ir.ExecutionGraph) bool {
	n := g.Node(id)
	for i := uint8(0); i < n.NumIn; i++ {
		if _, ok := e.register(n.Inputs[i]); !ok {
			return false
		}
	}
	return true
}

// -- Lazy evaluation --------------------------------------------------------

func lazyCacheKey(id ir.NodeID) string { return fmt.Sprintf("lazy_result_%d", id) }

// EvaluateLazy returns node id's cached output if present, otherwise
// executes it and caches the result (spec §4.3 evaluate_lazy).
func (e *Engine) EvaluateLazy(id ir.NodeID, g *ir.ExecutionGraph) (Value, error) {
	key := lazyCacheKey(id)
	if v, ok := e.lazyCache[key]; ok {
		return v, nil
	}
	v, err := e.evalDataNode(id, g)
	if err != nil {
		return Value{}, err
	}
	e.lazyCache[key] = v
	return v, nil
}

// EvaluateLazyWithDependencies lazily evaluates every data-predecessor
// of id before id itself (spec §4.3 evaluate_lazy_with_dependencies).
func (e *Engine) EvaluateLazyWithDependencies(id ir.NodeID, g *ir.ExecutionGraph) (Value, error) {
	for _, edge := range g.Edges {
		if edge.To == id && edge.Kind == ir.EdgeData {
			if _, err := e.EvaluateLazy(edge.From, g); err != nil {
				return Value{}, err
			}
		}
	}
	return e.EvaluateLazy(id, g)
}
