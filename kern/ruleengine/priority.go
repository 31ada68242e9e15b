package ruleengine

import (
	"container/heap"

	"github.com/kern-lang/kern/kern/ir"
)

// Strategy selects which formula EffectivePriority uses (spec §4.3's
// priority-computation table).
type Strategy uint8

const (
	StrategyStandard Strategy = iota
	StrategySpecificityFirst
	StrategyRecencyBased
	StrategyFrequencyBased
	StrategyConflictResolution
	StrategyCustom
)

// PriorityRecord is the per-rule bookkeeping spec §4.2's glossary
// calls the "rule priority record": {priority, specificity, recency,
// activation_count, conflict_score}.
type PriorityRecord struct {
	NodeID          ir.NodeID
	Priority        uint32
	Specificity     uint32
	Recency         uint32
	ActivationCount uint32
	ConflictScore   uint32
}

// PriorityFunc implements Strategy Custom(f): an arbitrary function of
// a rule's priority record.
type PriorityFunc func(PriorityRecord) int64

// ceiling stands in for the reference implementation's u32::MAX in
// the FrequencyBased/ConflictResolution formulas. Using the actual
// u32::MAX would make "higher activation count" swing the 100x term
// by billions relative to the other terms, swamping Priority and
// Specificity entirely; spec.md leaves the "MAX" constant unspecified; this
// implementation uses a saturating ceiling on the same order as the
// other components (1000) so all four terms stay commensurable.
const ceiling uint32 = 1000

func saturatingSub(a, b uint32) uint32 {
	if b >= a {
		return 0
	}
	return a - b
}

// EffectivePriority computes a rule's scheduling priority under
// strategy (spec §4.3 table, higher fires first).
func EffectivePriority(rec PriorityRecord, strategy Strategy, custom PriorityFunc) int64 {
	switch strategy {
	case StrategyStandard:
		return 1000*int64(rec.Priority) + 100*int64(rec.Specificity) + 10*int64(rec.Recency) + int64(rec.ActivationCount)/10
	case StrategySpecificityFirst:
		return 1000*int64(rec.Specificity) + 100*int64(rec.Priority) + 10*int64(rec.Recency)
	case StrategyRecencyBased:
		return 1000*int64(rec.Recency) + 100*int64(rec.Priority) + 10*int64(rec.Specificity)
	case StrategyFrequencyBased:
		return 1000*int64(rec.Priority) + 100*int64(saturatingSub(ceiling, rec.ActivationCount)) + 10*int64(rec.Specificity)
	case StrategyConflictResolution:
		return 1000*int64(rec.Priority) + 100*int64(saturatingSub(ceiling, rec.ConflictScore)) + 10*int64(rec.Specificity)
	case StrategyCustom:
		if custom == nil {
			return 0
		}
		return custom(rec)
	default:
		return 0
	}
}

// queueItem is one entry of the priority heap.
type queueItem struct {
	nodeID   ir.NodeID
	priority int64
}

// priorityHeap is a max-heap by priority, ties broken by lower node id
// (spec §4.3: "Ties break by lower node id").
type priorityHeap []queueItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].nodeID < h[j].nodeID
}
func (h priorityHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x interface{}) { *h = append(*h, x.(queueItem)) }
func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PriorityQueue is the engine's worklist of eligible node ids,
// generalised from the teacher's workHeap/Frontier (OrderKey-by-hash)
// to rule priority-by-strategy. Add is idempotent on node id per spec
// §4.3's add_to_priority_queue.
type PriorityQueue struct {
	h       priorityHeap
	present map[ir.NodeID]bool
}

// NewPriorityQueue returns an empty queue.
func NewPriorityQueue() *PriorityQueue {
	q := &PriorityQueue{present: make(map[ir.NodeID]bool)}
	heap.Init(&q.h)
	return q
}

// Add enqueues nodeID at the given priority. A node id already present
// is left untouched (idempotent).
func (q *PriorityQueue) Add(nodeID ir.NodeID, priority int64) {
	if q.present[nodeID] {
		return
	}
	q.present[nodeID] = true
	heap.Push(&q.h, queueItem{nodeID: nodeID, priority: priority})
}

// Pop removes and returns the highest-priority node id.
func (q *PriorityQueue) Pop() (ir.NodeID, bool) {
	if q.h.Len() == 0 {
		return 0, false
	}
	item := heap.Pop(&q.h).(queueItem)
	delete(q.present, item.nodeID)
	return item.nodeID, true
}

// Len reports the number of items currently queued.
func (q *PriorityQueue) Len() int { return q.h.Len() }

// Rescore rebuilds the heap with freshly computed priorities, used by
// conflict-aware scheduling (spec §4.3 step (b): "runs conflict-aware
// re-sorting") and by strategy switches mid-run.
func (q *PriorityQueue) Rescore(score func(ir.NodeID) int64) {
	for i := range q.h {
		q.h[i].priority = score(q.h[i].nodeID)
	}
	heap.Init(&q.h)
}
