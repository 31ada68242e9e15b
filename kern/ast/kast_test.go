package ast

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleProgram() *Program {
	return &Program{
		Declarations: []Declaration{
			{Kind: &Entity{Name: "Farmer", Fields: []string{"id", "location"}}},
			{Kind: &Rule{
				Name:     "R",
				Priority: 100,
				Condition: &Comparison{
					Left:  &QualifiedRef{Entity: "farmer", Field: "location"},
					Op:    CmpEq,
					Right: &Identifier{Name: "valid"},
				},
				Actions: []Action{
					&Predicate{Name: "approve_farmer", Args: []Term{&Identifier{Name: "farmer"}}},
					&Assignment{Target: "farmer.approved", Value: &Number{Value: 1}},
				},
			}},
			{Kind: &Flow{
				Name: "onboard",
				Steps: []Action{
					&Control{
						Kind: ControlIf,
						Cond: &LogicalOp{
							Op: LogicalAnd,
							L:  &Comparison{Left: &Identifier{Name: "a"}, Op: CmpGt, Right: &Number{Value: 1}},
							R:  &Comparison{Left: &Identifier{Name: "b"}, Op: CmpLe, Right: &Number{Value: 5}},
						},
						Then: []Action{&Predicate{Name: "ok"}},
					},
					&Control{Kind: ControlHalt},
				},
			}},
			{Kind: &Constraint{
				Name:      "nonneg",
				Condition: &Comparison{Left: &Identifier{Name: "x"}, Op: CmpGe, Right: &Number{Value: 0}},
				Severity:  SeverityError,
			}},
		},
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	p := sampleProgram()
	data, err := SerializeAST(p)
	require.NoError(t, err)
	require.True(t, len(data) > 6)

	got, err := DeserializeAST(data)
	require.NoError(t, err)
	require.Len(t, got.Declarations, 4)

	ent, ok := got.Declarations[0].Kind.(*Entity)
	require.True(t, ok)
	require.Equal(t, "Farmer", ent.Name)
	require.Equal(t, []string{"id", "location"}, ent.Fields)

	rule, ok := got.Declarations[1].Kind.(*Rule)
	require.True(t, ok)
	require.Equal(t, "R", rule.Name)
	require.Equal(t, uint32(100), rule.Priority)
	cmp, ok := rule.Condition.(*Comparison)
	require.True(t, ok)
	require.Equal(t, CmpEq, cmp.Op)
	require.Len(t, rule.Actions, 2)

	flow, ok := got.Declarations[2].Kind.(*Flow)
	require.True(t, ok)
	require.Equal(t, "onboard", flow.Name)
	ctrl, ok := flow.Steps[0].(*Control)
	require.True(t, ok)
	require.Equal(t, ControlIf, ctrl.Kind)
	require.Nil(t, ctrl.Else)
	require.Len(t, ctrl.Then, 1)

	halt, ok := flow.Steps[1].(*Control)
	require.True(t, ok)
	require.Equal(t, ControlHalt, halt.Kind)

	con, ok := got.Declarations[3].Kind.(*Constraint)
	require.True(t, ok)
	require.Equal(t, SeverityError, con.Severity)
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	_, err := DeserializeAST([]byte("not-kast-data"))
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestIfWithElseRoundTrips(t *testing.T) {
	p := &Program{Declarations: []Declaration{
		{Kind: &Flow{Name: "f", Steps: []Action{
			&Control{
				Kind: ControlIf,
				Cond: &Comparison{Left: &Identifier{Name: "a"}, Op: CmpEq, Right: &Number{Value: 1}},
				Then: []Action{&Predicate{Name: "t"}},
				Else: []Action{&Predicate{Name: "e"}},
			},
		}}},
	}}
	data, err := SerializeAST(p)
	require.NoError(t, err)
	got, err := DeserializeAST(data)
	require.NoError(t, err)
	ctrl := got.Declarations[0].Kind.(*Flow).Steps[0].(*Control)
	require.NotNil(t, ctrl.Else)
	require.Len(t, ctrl.Else, 1)
}
