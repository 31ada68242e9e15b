package vm

import "testing"

import "github.com/stretchr/testify/require"

func TestContextPoolCreateSwitchDestroy(t *testing.T) {
	p := newContextPool()
	require.Equal(t, 0, p.Active().ID)

	p.Active().Symbols["a"] = Num(1)

	idx := p.Create()
	require.NoError(t, p.Switch(idx))
	require.NotEqual(t, 0, p.Active().ID)
	_, ok := p.Active().Symbols["a"]
	require.False(t, ok, "a freshly created context starts with an empty symbol table")

	require.NoError(t, p.Switch(0))
	require.Equal(t, Num(1), p.Active().Symbols["a"])

	require.Error(t, p.Switch(99))
	require.Error(t, p.Destroy(0), "cannot destroy the last remaining context")
}

func TestContextPoolCloneCopiesRegistersAndSymbols(t *testing.T) {
	p := newContextPool()
	p.Active().Registers[3] = Num(42)
	p.Active().Symbols["x"] = Sym("y")

	cloneIdx := p.Clone()
	require.NoError(t, p.Switch(cloneIdx))
	require.Equal(t, Num(42), p.Active().Registers[3])
	require.Equal(t, Sym("y"), p.Active().Symbols["x"])

	// Mutating the clone must not affect the original.
	p.Active().Symbols["x"] = Sym("z")
	require.NoError(t, p.Switch(0))
	require.Equal(t, Sym("y"), p.Active().Symbols["x"])
}

func TestContextPoolDestroyFallsBackToLowerIndex(t *testing.T) {
	p := newContextPool()
	idx := p.Create()
	require.NoError(t, p.Switch(idx))
	require.NoError(t, p.Destroy(idx))
	require.Equal(t, 0, p.Active().ID)
}
