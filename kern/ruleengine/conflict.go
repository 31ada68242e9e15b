package ruleengine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/kern-lang/kern/kern/ast"
	"github.com/kern-lang/kern/kern/bytecode"
	"github.com/kern-lang/kern/kern/ir"
	"golang.org/x/sync/singleflight"
)

// conflictCache memoizes DetectConflicts per graph pointer: the
// pairwise scan is O(rules^2), and a batch run or a server re-running
// the same compiled graph across many calls shouldn't repeat it.
// singleflight additionally collapses concurrent first-computations
// for the same graph into one scan.
var (
	conflictCacheMu sync.RWMutex
	conflictCache   = make(map[*ir.ExecutionGraph][]Conflict)
	conflictGroup   singleflight.Group
)

// cachedDetectConflicts is DetectConflicts with memoization keyed by
// graph identity. Call ForgetConflicts to invalidate an entry after
// mutating a graph in place.
func cachedDetectConflicts(g *ir.ExecutionGraph) []Conflict {
	conflictCacheMu.RLock()
	if cached, ok := conflictCache[g]; ok {
		conflictCacheMu.RUnlock()
		return cached
	}
	conflictCacheMu.RUnlock()

	key := fmt.Sprintf("%p", g)
	result, _, _ := conflictGroup.Do(key, func() (interface{}, error) {
		conflicts := DetectConflicts(g)
		conflictCacheMu.Lock()
		conflictCache[g] = conflicts
		conflictCacheMu.Unlock()
		return conflicts, nil
	})
	return result.([]Conflict)
}

// ForgetConflicts drops any cached conflict matrix for g, forcing the
// next ExecuteGraph call to recompute it.
func ForgetConflicts(g *ir.ExecutionGraph) {
	conflictCacheMu.Lock()
	delete(conflictCache, g)
	conflictCacheMu.Unlock()
}

// ConflictKind classifies a detected rule conflict (spec §4.3).
// OrderDependentSideEffects is the supplemental kind drawn from
// original_source/kern-rule-engine's conflict detector (SPEC_FULL.md
// §5): two rules each write an attribute the other rule's condition
// reads, so firing order changes the observable outcome.
type ConflictKind uint8

const (
	OverlappingConditions ConflictKind = iota
	MutuallyExclusiveActions
	ConflictingAttributeWrites
	OrderDependentSideEffects
)

func (k ConflictKind) String() string {
	switch k {
	case OverlappingConditions:
		return "OverlappingConditions"
	case MutuallyExclusiveActions:
		return "MutuallyExclusiveActions"
	case ConflictingAttributeWrites:
		return "ConflictingAttributeWrites"
	case OrderDependentSideEffects:
		return "OrderDependentSideEffects"
	default:
		return "UnknownConflict"
	}
}

// Conflict records one detected conflict between two rule nodes (spec
// §4.3: "{rule_a, rule_b, kind, severity, description}").
type Conflict struct {
	RuleA       ir.NodeID
	RuleB       ir.NodeID
	Kind        ConflictKind
	Severity    ast.Severity
	Description string
}

// isWritePredicate reports whether name falls in the write-prefix set
// spec §4.3 names: "set_*"/"update_*".
func isWritePredicate(name string) bool {
	return strings.HasPrefix(name, "set_") || strings.HasPrefix(name, "update_")
}

// entityOf returns the entity name a dotted attribute symbol
// ("farmer.location") belongs to, or "" if the symbol isn't qualified.
func entityOf(symbol string) string {
	if i := strings.IndexByte(symbol, '.'); i >= 0 {
		return symbol[:i]
	}
	return ""
}

// ruleFacts collects the information DetectConflicts needs from one
// rule node: the entities its condition mentions, the attributes its
// actions write, and the attributes its condition reads (for the
// order-dependent check).
type ruleFacts struct {
	conditionEntities map[string]bool
	conditionAttrs    map[string]bool
	writtenAttrs      map[string]bool
}

func collectRuleFacts(g *ir.ExecutionGraph, ruleID ir.NodeID) ruleFacts {
	rf := ruleFacts{
		conditionEntities: make(map[string]bool),
		conditionAttrs:    make(map[string]bool),
		writtenAttrs:      make(map[string]bool),
	}
	conditions, actions := g.ConditionAndActionChildren(ruleID)

	var walkCondition func(id ir.NodeID)
	walkCondition = func(id ir.NodeID) {
		n := g.Node(id)
		if bytecode.Opcode(n.Opcode) == bytecode.OpLoadSym {
			if e := entityOf(n.Symbol); e != "" {
				rf.conditionEntities[e] = true
				rf.conditionAttrs[n.Symbol] = true
			}
		}
		for _, child := range g.DataChildren(id) {
			walkCondition(child)
		}
	}
	for _, c := range conditions {
		walkCondition(c)
	}

	var walkAction func(id ir.NodeID)
	walkAction = func(id ir.NodeID) {
		n := g.Node(id)
		switch bytecode.Opcode(n.Opcode) {
		case bytecode.OpMove:
			rf.writtenAttrs[n.Symbol] = true
		case bytecode.OpCallExtern:
			if isWritePredicate(n.Symbol) {
				attr := n.Symbol
				for _, arg := range g.DataChildren(id) {
					argNode := g.Node(arg)
					if bytecode.Opcode(argNode.Opcode) == bytecode.OpLoadSym && entityOf(argNode.Symbol) != "" {
						attr = argNode.Symbol
						break
					}
				}
				rf.writtenAttrs[attr] = true
			}
		}
		for _, child := range g.DataChildren(id) {
			walkAction(child)
		}
	}
	for _, a := range actions {
		walkAction(a)
	}

	return rf
}

// ruleNodeIDs returns the node ids of every RoleRule node in g, in
// ascending id order.
func ruleNodeIDs(g *ir.ExecutionGraph) []ir.NodeID {
	var out []ir.NodeID
	for i := 0; i < g.NodeCount(); i++ {
		id := ir.NodeID(i)
		if g.Node(id).Role == ir.RoleRule {
			out = append(out, id)
		}
	}
	return out
}

func intersects(a, b map[string]bool) bool {
	for k := range a {
		if b[k] {
			return true
		}
	}
	return false
}

// DetectConflicts computes pairwise conflicts over every rule node in
// g, following spec §4.3's two-part test: conditions share a mentioned
// entity AND action sets intersect on a written attribute. At most one
// Conflict is reported per rule pair, the most specific kind winning
// (spec §8 Scenario D expects exactly one conflict per conflicting
// pair).
func DetectConflicts(g *ir.ExecutionGraph) []Conflict {
	rules := ruleNodeIDs(g)
	facts := make(map[ir.NodeID]ruleFacts, len(rules))
	for _, r := range rules {
		facts[r] = collectRuleFacts(g, r)
	}

	var conflicts []Conflict
	for i := 0; i < len(rules); i++ {
		for j := i + 1; j < len(rules); j++ {
			a, b := rules[i], rules[j]
			fa, fb := facts[a], facts[b]

			if !intersects(fa.conditionEntities, fb.conditionEntities) {
				continue
			}

			if intersects(fa.writtenAttrs, fb.writtenAttrs) {
				conflicts = append(conflicts, Conflict{
					RuleA: a, RuleB: b, Kind: ConflictingAttributeWrites,
					Severity:    ast.SeverityError,
					Description: fmt.Sprintf("rules %d and %d both write the same attribute", a, b),
				})
				continue
			}

			if orderDependent(fa, fb) {
				conflicts = append(conflicts, Conflict{
					RuleA: a, RuleB: b, Kind: OrderDependentSideEffects,
					Severity:    ast.SeverityWarning,
					Description: fmt.Sprintf("rules %d and %d write attributes each other's condition reads", a, b),
				})
				continue
			}

			if len(fa.writtenAttrs) > 0 && len(fb.writtenAttrs) > 0 {
				conflicts = append(conflicts, Conflict{
					RuleA: a, RuleB: b, Kind: MutuallyExclusiveActions,
					Severity:    ast.SeverityWarning,
					Description: fmt.Sprintf("rules %d and %d both act on entities from overlapping conditions", a, b),
				})
				continue
			}

			conflicts = append(conflicts, Conflict{
				RuleA: a, RuleB: b, Kind: OverlappingConditions,
				Severity:    ast.SeverityWarning,
				Description: fmt.Sprintf("rules %d and %d reference a common entity in their conditions", a, b),
			})
		}
	}
	return conflicts
}

// orderDependent implements the SPEC_FULL.md §5 supplement: rules
// conflict on write order when each writes an attribute the other's
// condition reads, even if the written attributes themselves differ.
func orderDependent(a, b ruleFacts) bool {
	for attr := range a.writtenAttrs {
		if b.conditionAttrs[attr] {
			for other := range b.writtenAttrs {
				if a.conditionAttrs[other] && other != attr {
					return true
				}
			}
		}
	}
	return false
}

// ResolveConflicts raises each involved rule's conflict_score and
// switches the engine to ConflictResolution strategy (spec §4.3:
// "Detected conflicts raise each involved rule's conflict_score and
// switch the strategy to ConflictResolution until explicitly reset").
func (e *Engine) ResolveConflicts(conflicts []Conflict) {
	for _, c := range conflicts {
		e.bumpConflictScore(c.RuleA)
		e.bumpConflictScore(c.RuleB)
	}
	if len(conflicts) > 0 {
		e.Strategy = StrategyConflictResolution
	}
}

func (e *Engine) bumpConflictScore(id ir.NodeID) {
	rec := e.priorityRecord(id)
	rec.ConflictScore++
}
