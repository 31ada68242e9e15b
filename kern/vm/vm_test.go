package vm

import (
	"context"
	"testing"

	"github.com/kern-lang/kern/kern/ast"
	"github.com/kern-lang/kern/kern/bytecode"
	"github.com/kern-lang/kern/kern/ir"
	"github.com/stretchr/testify/require"
)

func ruleProgram(op ast.Comparator, rhs int64) *ast.Program {
	return &ast.Program{Declarations: []ast.Declaration{
		{Kind: &ast.Entity{Name: "Farmer", Fields: []string{"location"}}},
		{Kind: &ast.Rule{
			Name:     "CheckX",
			Priority: 5,
			Condition: &ast.Comparison{
				Left:  &ast.Identifier{Name: "x"},
				Op:    op,
				Right: &ast.Number{Value: rhs},
			},
			Actions: []ast.Action{
				&ast.Predicate{Name: "mark", Args: []ast.Term{&ast.Identifier{Name: "x"}}},
			},
		}},
	}}
}

func compileRule(t *testing.T, op ast.Comparator, rhs int64) *bytecode.Module {
	t.Helper()
	g, err := ir.Build(ruleProgram(op, rhs))
	require.NoError(t, err)
	m, err := bytecode.Compile(g)
	require.NoError(t, err)
	return m
}

type recordingCapability struct {
	name  string
	calls [][]Value
	ret   Value
}

func (c *recordingCapability) Name() string { return c.name }
func (c *recordingCapability) Invoke(_ context.Context, args []Value) (Value, error) {
	c.calls = append(c.calls, args)
	return c.ret, nil
}

type registryOf struct{ caps map[string]Capability }

func (r *registryOf) Lookup(name string) (Capability, bool) {
	c, ok := r.caps[name]
	return c, ok
}

func newTestVM(m *bytecode.Module, cap *recordingCapability) *VM {
	policy := DefaultSandboxPolicy()
	policy.AllowExternal("mark", 0)
	v := New(m, DefaultVMConfig(), policy)
	v.Capabilities = &registryOf{caps: map[string]Capability{"mark": cap}}
	return v
}

func TestExecuteRuleFiresWhenConditionTrue(t *testing.T) {
	m := compileRule(t, ast.CmpEq, 1)
	cap := &recordingCapability{name: "mark", ret: Bool(true)}
	v := newTestVM(m, cap)
	v.SetSymbol("x", Num(1))

	fired, err := v.ExecuteRule(context.Background(), "CheckX")
	require.NoError(t, err)
	require.True(t, fired)
	require.Len(t, cap.calls, 1)
	require.Equal(t, Num(1), cap.calls[0][0])
}

func TestExecuteRuleSkipsWhenConditionFalse(t *testing.T) {
	m := compileRule(t, ast.CmpEq, 1)
	cap := &recordingCapability{name: "mark", ret: Bool(true)}
	v := newTestVM(m, cap)
	v.SetSymbol("x", Num(2))

	fired, err := v.ExecuteRule(context.Background(), "CheckX")
	require.NoError(t, err)
	require.False(t, fired)
	require.Empty(t, cap.calls)
}

func TestExecuteRuleUnknownNameErrors(t *testing.T) {
	m := compileRule(t, ast.CmpEq, 1)
	v := newTestVM(m, &recordingCapability{name: "mark"})
	_, err := v.ExecuteRule(context.Background(), "NoSuchRule")
	require.Error(t, err)
}

func TestExecuteRuleRejectsDisallowedExternal(t *testing.T) {
	m := compileRule(t, ast.CmpEq, 1)
	v := New(m, DefaultVMConfig(), DefaultSandboxPolicy()) // "mark" not allowed
	v.SetSymbol("x", Num(1))

	_, err := v.ExecuteRule(context.Background(), "CheckX")
	require.Error(t, err)
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, LimitSandbox, limitErr.Kind)
}

func TestValidateInstructionsRejectsDisallowedExternalUpFront(t *testing.T) {
	m := compileRule(t, ast.CmpEq, 1)
	err := ValidateInstructions(m, DefaultSandboxPolicy())
	require.Error(t, err)

	policy := DefaultSandboxPolicy()
	policy.AllowExternal("mark", 0)
	require.NoError(t, ValidateInstructions(m, policy))
}

func TestRunStepLimitReachedReturnsLimitError(t *testing.T) {
	m := compileRule(t, ast.CmpEq, 1)
	cfg := NewVMConfig(WithMaxSteps(0))
	v := New(m, cfg, DefaultSandboxPolicy())

	state, err := v.Run(context.Background(), 0)
	require.Error(t, err)
	require.Equal(t, StateLimitReached, state)
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, LimitStep, limitErr.Kind)
}

func TestCallCapExceededSurfacesSandboxViolation(t *testing.T) {
	m := compileRule(t, ast.CmpEq, 1)
	policy := DefaultSandboxPolicy()
	policy.AllowExternal("mark", 1)
	v := New(m, DefaultVMConfig(), policy)
	v.Capabilities = &registryOf{caps: map[string]Capability{"mark": &recordingCapability{name: "mark", ret: Bool(true)}}}
	v.SetSymbol("x", Num(1))

	fired, err := v.ExecuteRule(context.Background(), "CheckX")
	require.NoError(t, err)
	require.True(t, fired)

	// Second firing exceeds the cap of 1.
	fired, err = v.ExecuteRule(context.Background(), "CheckX")
	require.Error(t, err)
	require.False(t, fired)
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, LimitSandbox, limitErr.Kind)
}

func TestStepOutputSurfacesRegisterThenReturnHalts(t *testing.T) {
	operand, err := bytecode.EncodeSignedOperand(42)
	require.NoError(t, err)
	m := &bytecode.Module{Code: []bytecode.Instruction{
		{Opcode: bytecode.OpLoadNum, Operand: operand},
		{Opcode: bytecode.OpOutput, Operand: 0},
		{Opcode: bytecode.OpReturn},
	}}
	v := New(m, DefaultVMConfig(), DefaultSandboxPolicy())

	state, runErr := v.Run(context.Background(), 0)
	require.NoError(t, runErr)
	require.Equal(t, StateHalted, state)
	require.Equal(t, []Value{Num(42)}, v.Outputs)
}

func TestStepEnforcesMaxLoopIterations(t *testing.T) {
	m := &bytecode.Module{Code: []bytecode.Instruction{
		{Opcode: bytecode.OpNop},
		{Opcode: bytecode.OpJmp, Operand: 0},
	}}
	cfg := NewVMConfig(WithMaxLoopIterations(3))
	v := New(m, cfg, DefaultSandboxPolicy())

	state, err := v.Run(context.Background(), 0)
	require.Error(t, err)
	require.Equal(t, StateLimitReached, state)
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, LimitLoop, limitErr.Kind)
}

func TestCompileLoopBackEdgeRespectsConfiguredLoopCap(t *testing.T) {
	g, err := ir.Build(&ast.Program{Declarations: []ast.Declaration{
		{Kind: &ast.Flow{Name: "spin", Steps: []ast.Action{
			&ast.Control{
				Kind:          ast.ControlLoop,
				Cond:          &ast.Comparison{Left: &ast.Number{Value: 1}, Op: ast.CmpEq, Right: &ast.Number{Value: 1}},
				Body:          []ast.Action{},
				MaxIterations: 0,
			},
		}}},
	}})
	require.NoError(t, err)
	m, err := bytecode.Compile(g)
	require.NoError(t, err)

	flowAddr := m.FindLabel("spin", bytecode.LabelFlow)
	require.GreaterOrEqual(t, flowAddr, 0)

	cfg := NewVMConfig(WithMaxLoopIterations(4))
	v := New(m, cfg, DefaultSandboxPolicy())

	state, runErr := v.Run(context.Background(), flowAddr)
	require.Error(t, runErr)
	require.Equal(t, StateLimitReached, state)
	var limitErr *LimitError
	require.ErrorAs(t, runErr, &limitErr)
	require.Equal(t, LimitLoop, limitErr.Kind)
}

// Both operands of a LogicalAnd are evaluated before the COMPARE that
// combines them; the VM does not short-circuit.
func TestCompareLogicalAndEvaluatesThroughCompareOpcode(t *testing.T) {
	prog := &ast.Program{Declarations: []ast.Declaration{
		{Kind: &ast.Rule{
			Name: "BothTrue",
			Condition: &ast.LogicalOp{
				Op: ast.LogicalAnd,
				L:  &ast.Comparison{Left: &ast.Number{Value: 1}, Op: ast.CmpEq, Right: &ast.Number{Value: 1}},
				R:  &ast.Comparison{Left: &ast.Number{Value: 2}, Op: ast.CmpEq, Right: &ast.Number{Value: 2}},
			},
			Actions: []ast.Action{&ast.Predicate{Name: "mark"}},
		}},
	}}
	g, err := ir.Build(prog)
	require.NoError(t, err)
	m, err := bytecode.Compile(g)
	require.NoError(t, err)

	cap := &recordingCapability{name: "mark", ret: Bool(true)}
	v := newTestVM(m, cap)

	fired, err := v.ExecuteRule(context.Background(), "BothTrue")
	require.NoError(t, err)
	require.True(t, fired)
	require.Len(t, cap.calls, 1)
}
