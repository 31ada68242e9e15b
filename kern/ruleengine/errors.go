// Package ruleengine implements the priority-directed scheduler of
// spec §4.3: it walks an *ir.ExecutionGraph, evaluates rule
// conditions, fires actions, detects conflicts between rules, and
// guards against runaway recursion.
package ruleengine

import (
	"errors"
	"fmt"

	"github.com/kern-lang/kern/kern/ir"
)

// ErrExecutionLimitExceeded is fatal to ExecuteGraph: either the step
// counter reached max_steps, or a rule's recursion depth reached
// max_recursion_depth (spec §4.3's "only execution-limit and
// recursion-limit are fatal to the enclosing execute_graph call").
var ErrExecutionLimitExceeded = errors.New("ruleengine: execution limit exceeded")

// ErrLoopLimitExceeded is fatal to ExecuteGraph: a Loop control node's
// condition stayed true past its iteration cap (spec's limit table:
// "loop | maximum iterations for any loop node | LoopLimitExceeded"),
// given the same fatal treatment ErrExecutionLimitExceeded gives the
// step and recursion caps.
var ErrLoopLimitExceeded = errors.New("ruleengine: loop iteration limit exceeded")

// Kind enumerates the non-fatal per-node execution failures spec
// §4.3's "Failures" paragraph names.
type Kind uint8

const (
	ErrInvalidNodeType Kind = iota
	ErrMissingRegisterValue
	ErrInvalidComparison
	ErrInvalidPredicate
)

func (k Kind) String() string {
	switch k {
	case ErrInvalidNodeType:
		return "invalid node type"
	case ErrMissingRegisterValue:
		return "missing register value"
	case ErrInvalidComparison:
		return "invalid comparison"
	case ErrInvalidPredicate:
		return "invalid predicate"
	default:
		return "unknown rule engine error"
	}
}

// Error reports a node-level execution failure (spec §4.3's
// RuleEngineError). All are reported; none but ErrExecutionLimitExceeded
// (a distinct sentinel, not a Kind) are fatal to ExecuteGraph.
type Error struct {
	Kind   Kind
	NodeID ir.NodeID
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ruleengine: %s at node %d: %s", e.Kind, e.NodeID, e.Detail)
}
