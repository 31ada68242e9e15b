package ruleengine

import (
	"testing"

	"github.com/kern-lang/kern/kern/ir"
	"github.com/stretchr/testify/require"
)

func TestEffectivePriorityStandardWeightsPriorityMost(t *testing.T) {
	high := EffectivePriority(PriorityRecord{Priority: 5, Specificity: 0, Recency: 0}, StrategyStandard, nil)
	low := EffectivePriority(PriorityRecord{Priority: 1, Specificity: 9, Recency: 9}, StrategyStandard, nil)
	require.Greater(t, high, low)
}

func TestEffectivePrioritySpecificityFirstOutranksPriority(t *testing.T) {
	specific := EffectivePriority(PriorityRecord{Priority: 1, Specificity: 5}, StrategySpecificityFirst, nil)
	priorityOnly := EffectivePriority(PriorityRecord{Priority: 9, Specificity: 1}, StrategySpecificityFirst, nil)
	require.Greater(t, specific, priorityOnly)
}

func TestEffectivePriorityFrequencyBasedFavorsLessActivatedRule(t *testing.T) {
	fresh := EffectivePriority(PriorityRecord{Priority: 1, ActivationCount: 0}, StrategyFrequencyBased, nil)
	stale := EffectivePriority(PriorityRecord{Priority: 1, ActivationCount: 500}, StrategyFrequencyBased, nil)
	require.Greater(t, fresh, stale)
}

func TestEffectivePriorityConflictResolutionFavorsLessConflicted(t *testing.T) {
	calm := EffectivePriority(PriorityRecord{Priority: 1, ConflictScore: 0}, StrategyConflictResolution, nil)
	hot := EffectivePriority(PriorityRecord{Priority: 1, ConflictScore: 500}, StrategyConflictResolution, nil)
	require.Greater(t, calm, hot)
}

func TestEffectivePriorityCustomDelegatesToFunc(t *testing.T) {
	got := EffectivePriority(PriorityRecord{NodeID: 7}, StrategyCustom, func(r PriorityRecord) int64 {
		return int64(r.NodeID) * 100
	})
	require.Equal(t, int64(700), got)
}

func TestEffectivePriorityCustomWithNilFuncReturnsZero(t *testing.T) {
	require.Equal(t, int64(0), EffectivePriority(PriorityRecord{Priority: 99}, StrategyCustom, nil))
}

func TestSaturatingSubClampsAtZero(t *testing.T) {
	require.Equal(t, uint32(0), saturatingSub(10, 20))
	require.Equal(t, uint32(5), saturatingSub(10, 5))
}

func TestPriorityQueuePopsHighestPriorityFirst(t *testing.T) {
	q := NewPriorityQueue()
	q.Add(1, 10)
	q.Add(2, 30)
	q.Add(3, 20)

	first, ok := q.Pop()
	require.True(t, ok)
	require.EqualValues(t, 2, first)

	second, ok := q.Pop()
	require.True(t, ok)
	require.EqualValues(t, 3, second)

	third, ok := q.Pop()
	require.True(t, ok)
	require.EqualValues(t, 1, third)

	_, ok = q.Pop()
	require.False(t, ok)
}

func TestPriorityQueueTiesBreakByLowerNodeID(t *testing.T) {
	q := NewPriorityQueue()
	q.Add(5, 100)
	q.Add(2, 100)
	q.Add(9, 100)

	first, ok := q.Pop()
	require.True(t, ok)
	require.EqualValues(t, 2, first)
}

func TestPriorityQueueAddIsIdempotentPerNodeID(t *testing.T) {
	q := NewPriorityQueue()
	q.Add(1, 5)
	q.Add(1, 999)
	require.Equal(t, 1, q.Len())

	id, ok := q.Pop()
	require.True(t, ok)
	require.EqualValues(t, 1, id)
}

func TestPriorityQueueRescoreReordersInPlace(t *testing.T) {
	q := NewPriorityQueue()
	q.Add(1, 10)
	q.Add(2, 20)

	// Invert the ranking: node 1 now outranks node 2.
	q.Rescore(func(id ir.NodeID) int64 {
		if id == 1 {
			return 100
		}
		return 0
	})

	first, ok := q.Pop()
	require.True(t, ok)
	require.EqualValues(t, 1, first)
}
