package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultVMConfigMatchesOriginalDefaults(t *testing.T) {
	c := DefaultVMConfig()
	require.Equal(t, uint64(100000), c.MaxSteps)
	require.Equal(t, uint32(100), c.MaxRuleDepth)
	require.Equal(t, uint32(10000), c.MaxLoopIterations)
	require.Equal(t, 100*1024, c.Memory.Code)
	require.Equal(t, 100*1024, c.Memory.Heap)
}

func TestNewVMConfigAppliesOptionsOverDefaults(t *testing.T) {
	c := NewVMConfig(
		WithMaxSteps(10),
		WithMaxRuleDepth(2),
		WithMaxLoopIterations(5),
		WithMemoryLimits(MemoryLimits{Code: 1, Const: 1, Stack: 1, Heap: 1, Meta: 1}),
	)
	require.Equal(t, uint64(10), c.MaxSteps)
	require.Equal(t, uint32(2), c.MaxRuleDepth)
	require.Equal(t, uint32(5), c.MaxLoopIterations)
	require.Equal(t, 1, c.Memory.Heap)
}
