package ruleengine

import (
	"testing"

	"github.com/kern-lang/kern/kern/ast"
	"github.com/stretchr/testify/require"
)

func TestExecuteGraphFiresRuleWhenConditionHolds(t *testing.T) {
	g := buildGraph(t, ast.Declaration{Kind: &ast.Rule{
		Name: "CheckLocation", Condition: locationCond(),
		Actions: []ast.Action{&ast.Assignment{Target: "farmer.status", Value: &ast.Identifier{Name: "approved"}}},
	}})

	e := NewEngine()
	e.Context.Facts["farmer.location"] = Sym("valid")

	require.NoError(t, e.ExecuteGraph(g))
	require.True(t, e.Context.RuleResults["CheckLocation"])
	require.Equal(t, Sym("approved"), e.Context.Variables["farmer.status"])
}

func TestExecuteGraphSkipsActionsWhenConditionFails(t *testing.T) {
	g := buildGraph(t, ast.Declaration{Kind: &ast.Rule{
		Name: "CheckLocation", Condition: locationCond(),
		Actions: []ast.Action{&ast.Assignment{Target: "farmer.status", Value: &ast.Identifier{Name: "approved"}}},
	}})

	e := NewEngine()
	e.Context.Facts["farmer.location"] = Sym("unknown")

	require.NoError(t, e.ExecuteGraph(g))
	require.False(t, e.Context.RuleResults["CheckLocation"])
	_, wrote := e.Context.Variables["farmer.status"]
	require.False(t, wrote)
}

func TestExecuteGraphEvaluatesLogicalAnd(t *testing.T) {
	cond := &ast.LogicalOp{
		Op: ast.LogicalAnd,
		L:  locationCond(),
		R: &ast.Comparison{
			Left: &ast.QualifiedRef{Entity: "farmer", Field: "age"}, Op: ast.CmpGe,
			Right: &ast.Number{Value: 18},
		},
	}
	g := buildGraph(t, ast.Declaration{Kind: &ast.Rule{
		Name: "AdultAtValidLocation", Condition: cond,
		Actions: []ast.Action{&ast.Predicate{Name: "approve_farmer", Args: []ast.Term{&ast.Identifier{Name: "farmer"}}}},
	}})

	e := NewEngine()
	e.Context.Facts["farmer.location"] = Sym("valid")
	e.Context.Facts["farmer.age"] = Num(21)

	require.NoError(t, e.ExecuteGraph(g))
	require.True(t, e.Context.RuleResults["AdultAtValidLocation"])
}

func TestExecuteGraphReturnsExecutionLimitExceededWhenStepCapIsZero(t *testing.T) {
	g := buildGraph(t, ast.Declaration{Kind: &ast.Rule{
		Name: "CheckLocation", Condition: locationCond(),
		Actions: []ast.Action{&ast.Predicate{Name: "approve_farmer"}},
	}})

	e := NewEngine()
	e.MaxSteps = 0

	require.ErrorIs(t, e.ExecuteGraph(g), ErrExecutionLimitExceeded)
}

func TestStartRuleExecutionRefusesAtMaxRecursionDepth(t *testing.T) {
	e := NewEngine()
	e.MaxRecursionDepth = 2

	require.NoError(t, e.startRuleExecution(1))
	require.NoError(t, e.startRuleExecution(1))
	require.ErrorIs(t, e.startRuleExecution(1), ErrExecutionLimitExceeded)

	e.endRuleExecution(1)
	require.NoError(t, e.startRuleExecution(1))
}

func TestExecuteLoopNodeExitsCleanlyWhenConditionIsAlreadyFalse(t *testing.T) {
	g := buildGraph(t, ast.Declaration{Kind: &ast.Flow{Name: "countdown", Steps: []ast.Action{
		&ast.Control{
			Kind:          ast.ControlLoop,
			Cond:          &ast.Comparison{Left: &ast.Identifier{Name: "counter"}, Op: ast.CmpLt, Right: &ast.Number{Value: 3}},
			Body:          []ast.Action{&ast.Predicate{Name: "tick"}},
			MaxIterations: 10,
		},
	}}})

	e := NewEngine()
	e.Context.Facts["counter"] = Num(5) // condition false on the first check: loop body never runs
	require.NoError(t, e.ExecuteGraph(g))
}

func TestExecuteLoopNodeRaisesLoopLimitExceededWhenConditionNeverFalse(t *testing.T) {
	g := buildGraph(t, ast.Declaration{Kind: &ast.Flow{Name: "spin", Steps: []ast.Action{
		&ast.Control{
			Kind:          ast.ControlLoop,
			Cond:          &ast.Comparison{Left: &ast.Number{Value: 1}, Op: ast.CmpEq, Right: &ast.Number{Value: 1}},
			Body:          []ast.Action{&ast.Predicate{Name: "tick"}},
			MaxIterations: 5,
		},
	}}})

	e := NewEngine()
	require.ErrorIs(t, e.ExecuteGraph(g), ErrLoopLimitExceeded)
}

func TestExecuteLoopNodeDefaultsZeroMaxIterToASaneCapInsteadOfSpinningForever(t *testing.T) {
	g := buildGraph(t, ast.Declaration{Kind: &ast.Flow{Name: "spin", Steps: []ast.Action{
		&ast.Control{
			Kind: ast.ControlLoop,
			Cond: &ast.Comparison{Left: &ast.Number{Value: 1}, Op: ast.CmpEq, Right: &ast.Number{Value: 1}},
			Body: []ast.Action{&ast.Predicate{Name: "tick"}},
			// MaxIterations left unset (zero): must not run forever.
		},
	}}})

	e := NewEngine()
	require.ErrorIs(t, e.ExecuteGraph(g), ErrLoopLimitExceeded)
}

func TestCloneContextCopiesVariablesIndependently(t *testing.T) {
	e := NewEngine()
	e.Context.Variables["x"] = Num(1)

	clone := e.CloneContext()
	clone.Variables["x"] = Num(2)

	require.Equal(t, Num(1), e.Context.Variables["x"])
	require.Equal(t, Num(2), clone.Variables["x"])
}

func TestSwitchContextReplacesActiveContext(t *testing.T) {
	e := NewEngine()
	fresh := NewContext()
	fresh.Variables["tag"] = Sym("fresh")

	e.SwitchContext(fresh)
	require.Equal(t, Sym("fresh"), e.Context.Variables["tag"])
}

func TestEvaluateLazyCachesResult(t *testing.T) {
	g := buildGraph(t, ast.Declaration{Kind: &ast.Rule{
		Name: "CheckLocation", Condition: locationCond(),
		Actions: []ast.Action{&ast.Predicate{Name: "approve_farmer"}},
	}})

	e := NewEngine()
	e.Context.Facts["farmer.location"] = Sym("valid")

	conditions, _ := g.ConditionAndActionChildren(0)
	require.NotEmpty(t, conditions)

	v1, err := e.EvaluateLazy(conditions[0], g)
	require.NoError(t, err)

	// Mutate the backing fact after the first evaluation: a cached
	// lookup must not see it.
	e.Context.Facts["farmer.location"] = Sym("unknown")
	v2, err := e.EvaluateLazy(conditions[0], g)
	require.NoError(t, err)
	require.Equal(t, v1, v2)
}
