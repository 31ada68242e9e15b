package ir

import (
	"testing"

	"github.com/kern-lang/kern/kern/ast"
	"github.com/stretchr/testify/require"
)

func sampleProgram() *ast.Program {
	return &ast.Program{
		Declarations: []ast.Declaration{
			{Kind: &ast.Entity{Name: "Farmer", Fields: []string{"id", "location"}}},
			{Kind: &ast.Rule{
				Name:     "R",
				Priority: 100,
				Condition: &ast.Comparison{
					Left:  &ast.QualifiedRef{Entity: "farmer", Field: "location"},
					Op:    ast.CmpEq,
					Right: &ast.Identifier{Name: "valid"},
				},
				Actions: []ast.Action{
					&ast.Predicate{Name: "approve_farmer", Args: []ast.Term{&ast.Identifier{Name: "farmer"}}},
					&ast.Assignment{Target: "farmer.approved", Value: &ast.Number{Value: 1}},
				},
			}},
			{Kind: &ast.Flow{
				Name: "onboard",
				Steps: []ast.Action{
					&ast.Control{
						Kind: ast.ControlIf,
						Cond: &ast.LogicalOp{
							Op: ast.LogicalAnd,
							L:  &ast.Comparison{Left: &ast.Identifier{Name: "a"}, Op: ast.CmpGt, Right: &ast.Number{Value: 1}},
							R:  &ast.Comparison{Left: &ast.Identifier{Name: "b"}, Op: ast.CmpLe, Right: &ast.Number{Value: 5}},
						},
						Then: []ast.Action{&ast.Predicate{Name: "ok"}},
					},
					&ast.Control{Kind: ast.ControlHalt},
				},
			}},
			{Kind: &ast.Constraint{
				Name:      "nonneg",
				Condition: &ast.Comparison{Left: &ast.Identifier{Name: "x"}, Op: ast.CmpGe, Right: &ast.Number{Value: 0}},
				Severity:  ast.SeverityError,
			}},
		},
	}
}

func TestBuildProducesValidGraph(t *testing.T) {
	g, err := Build(sampleProgram())
	require.NoError(t, err)
	require.NotNil(t, g)
	require.NoError(t, ValidateGraph(g))

	require.Len(t, g.Entries, 3) // rule + flow + constraint; Entity contributes no entry point
}

func TestBuildRuleEntryHasCompareAndActionChildren(t *testing.T) {
	g, err := Build(sampleProgram())
	require.NoError(t, err)

	var ruleEntry NodeID
	found := false
	for _, ep := range g.Entries {
		if ep.Kind == EntryRule && ep.Name == "R" {
			ruleEntry = ep.NodeID
			found = true
		}
	}
	require.True(t, found)

	conditions, actions := g.ConditionAndActionChildren(ruleEntry)
	require.Len(t, conditions, 1)
	require.Len(t, actions, 2)
}

func TestBuildFlowEntryIsReachableAndAcyclic(t *testing.T) {
	g, err := Build(sampleProgram())
	require.NoError(t, err)
	require.False(t, HasCycles(g))

	found := false
	for _, ep := range g.Entries {
		if ep.Kind == EntryFlow && ep.Name == "onboard" {
			found = true
		}
	}
	require.True(t, found)
}

func TestBuildConstraintEntryCarriesSeverity(t *testing.T) {
	g, err := Build(sampleProgram())
	require.NoError(t, err)

	var node *Node
	for _, ep := range g.Entries {
		if ep.Kind == EntryConstraint && ep.Name == "nonneg" {
			node = g.Node(ep.NodeID)
		}
	}
	require.NotNil(t, node)
	require.Equal(t, uint16(ast.SeverityError), node.Flags)
}

func TestBuildLoopProducesLegalBackEdge(t *testing.T) {
	prog := &ast.Program{Declarations: []ast.Declaration{
		{Kind: &ast.Flow{Name: "loopy", Steps: []ast.Action{
			&ast.Control{
				Kind:          ast.ControlLoop,
				Cond:          &ast.Comparison{Left: &ast.Identifier{Name: "i"}, Op: ast.CmpLt, Right: &ast.Number{Value: 10}},
				Body:          []ast.Action{&ast.Predicate{Name: "tick"}},
				MaxIterations: 10,
			},
		}}},
	}}
	g, err := Build(prog)
	require.NoError(t, err)
	require.NoError(t, ValidateGraph(g))
	require.True(t, HasCycles(g))
}

func TestOptimizeGraphIsIdempotentOnBuiltGraph(t *testing.T) {
	g, err := Build(sampleProgram())
	require.NoError(t, err)

	once := OptimizeGraph(g)
	twice := OptimizeGraph(once)
	require.True(t, graphsEqual(once, twice))
	require.NoError(t, ValidateGraph(once))
}
