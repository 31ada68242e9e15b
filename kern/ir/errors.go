package ir

import "fmt"

// BuilderErrorKind enumerates the fatal graph-construction failures
// spec §4.1's "Failure model" names: dangling edge, unreachable node,
// illegal cycle.
type BuilderErrorKind uint8

const (
	ErrDanglingEdge BuilderErrorKind = iota
	ErrUnreachableNode
	ErrIllegalCycle
)

func (k BuilderErrorKind) String() string {
	switch k {
	case ErrDanglingEdge:
		return "dangling edge"
	case ErrUnreachableNode:
		return "unreachable node"
	case ErrIllegalCycle:
		return "illegal cycle"
	default:
		return "unknown builder error"
	}
}

// BuilderError is fatal for the declaration being lowered. Per spec,
// "Builder errors never leave the graph half-constructed; either a
// complete valid graph is returned or no graph is returned" — callers
// must discard any partially built graph on error rather than patch
// it up.
type BuilderError struct {
	Kind      BuilderErrorKind
	NodeID    NodeID
	SourceRef SourceRef
	Detail    string
}

func (e *BuilderError) Error() string {
	return fmt.Sprintf("graph builder: %s at node %d (%s)", e.Kind, e.NodeID, e.Detail)
}
