package ruleengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchValuePatternRequiresEquality(t *testing.T) {
	_, ok := Match(ValuePattern{Value: Num(3)}, Num(3))
	require.True(t, ok)

	_, ok = Match(ValuePattern{Value: Num(3)}, Num(4))
	require.False(t, ok)
}

func TestMatchVariablePatternBindsOnFirstOccurrence(t *testing.T) {
	env, ok := Match(VariablePattern{Name: "x"}, Sym("Farmer"))
	require.True(t, ok)
	require.Equal(t, Sym("Farmer"), env["x"])
}

func TestMatchVariablePatternRequiresEqualityOnRepeat(t *testing.T) {
	p := CompositePattern{Kind: "vec", Parts: []Pattern{
		VariablePattern{Name: "x"}, VariablePattern{Name: "x"},
	}}

	_, ok := Match(p, VecOf(Num(1), Num(1)))
	require.True(t, ok)

	_, ok = Match(p, VecOf(Num(1), Num(2)))
	require.False(t, ok)
}

func TestMatchCompositeAnyAlwaysSucceeds(t *testing.T) {
	_, ok := Match(CompositePattern{Kind: "any"}, Sym("whatever"))
	require.True(t, ok)
}

func TestMatchCompositeVecChecksArityAndElements(t *testing.T) {
	p := CompositePattern{Kind: "vec", Parts: []Pattern{
		ValuePattern{Value: Num(1)}, VariablePattern{Name: "rest"},
	}}

	_, ok := Match(p, VecOf(Num(1), Num(2)))
	require.True(t, ok)

	_, ok = Match(p, VecOf(Num(1), Num(2), Num(3)))
	require.False(t, ok, "arity mismatch should fail")
}

func TestMatchCompositeTypeTagDispatchesOnValueKind(t *testing.T) {
	_, ok := Match(CompositePattern{Kind: "type.num"}, Num(1))
	require.True(t, ok)

	_, ok = Match(CompositePattern{Kind: "type.num"}, Sym("x"))
	require.False(t, ok)

	_, ok = Match(CompositePattern{Kind: "type.bool"}, Bool(true))
	require.True(t, ok)
}

func TestMatchCompositeEntityMatchesSymValue(t *testing.T) {
	p := CompositePattern{Kind: "entity", Parts: []Pattern{ValuePattern{Value: Sym("Farmer")}}}
	_, ok := Match(p, Sym("Farmer"))
	require.True(t, ok)

	_, ok = Match(p, Num(1))
	require.False(t, ok, "entity pattern requires a Sym value")
}

func TestMatchMultiplePatternsThreadsEnvironmentLeftToRight(t *testing.T) {
	env, ok := MatchMultiplePatterns(
		[]Pattern{VariablePattern{Name: "x"}, VariablePattern{Name: "x"}, VariablePattern{Name: "y"}},
		[]Value{Num(5), Num(5), Sym("ok")},
	)
	require.True(t, ok)
	require.Equal(t, Num(5), env["x"])
	require.Equal(t, Sym("ok"), env["y"])
}

func TestMatchMultiplePatternsFailsFastOnMismatch(t *testing.T) {
	_, ok := MatchMultiplePatterns(
		[]Pattern{VariablePattern{Name: "x"}, VariablePattern{Name: "x"}},
		[]Value{Num(5), Num(6)},
	)
	require.False(t, ok)
}

func TestMatchMultiplePatternsRejectsLengthMismatch(t *testing.T) {
	_, ok := MatchMultiplePatterns([]Pattern{VariablePattern{Name: "x"}}, []Value{Num(1), Num(2)})
	require.False(t, ok)
}
