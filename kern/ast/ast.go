// Package ast defines the AST contract produced by the (external) KERN
// parser: programs, declarations, conditions, terms and actions. This
// package owns no lexing or parsing; it is the data model the rest of
// the pipeline (kern/ir, kern/bytecode) consumes.
package ast

// Location tracks the source span a node was parsed from. The
// lexer/parser that populate it are out of scope for this module; we
// only need to carry and round-trip it faithfully.
type Location struct {
	FileID uint32
	Line   uint32
	Col    uint32
	Len    uint32
}

// Program is the root of every KERN compilation unit: an ordered list
// of declarations. Order matters — entry points are later emitted to
// bytecode in declaration order (spec §4.2).
type Program struct {
	Loc          Location
	Declarations []Declaration
}

// DeclKind discriminates the four declaration forms a Program may contain.
type DeclKind uint8

const (
	DeclEntity DeclKind = iota
	DeclRule
	DeclFlow
	DeclConstraint
)

// Declaration is a closed sum over Entity/Rule/Flow/Constraint. Kind
// holds exactly one of *Entity, *Rule, *Flow or *Constraint; callers
// type-switch on it (mirrors the "deep inheritance → tagged variants"
// design note).
type Declaration struct {
	Kind Kind
}

// Kind is implemented by each concrete declaration form.
type Kind interface {
	declKind() DeclKind
	Location() Location
}

// Entity declares a named record type. It contributes no executable
// nodes to the graph; it only populates the entity-field registry
// consulted during lowering and conflict detection.
type Entity struct {
	Loc    Location
	Name   string
	Fields []string
}

func (e *Entity) declKind() DeclKind   { return DeclEntity }
func (e *Entity) Location() Location   { return e.Loc }

// Rule declares a guarded action set: when Condition evaluates true,
// Actions execute in order.
type Rule struct {
	Loc       Location
	Name      string
	Priority  uint32
	Condition Condition
	Actions   []Action
}

func (r *Rule) declKind() DeclKind { return DeclRule }
func (r *Rule) Location() Location { return r.Loc }

// Flow declares a named sequence of steps (actions executed in
// source order, with nested If/Loop/Halt control).
type Flow struct {
	Loc   Location
	Name  string
	Steps []Action
}

func (f *Flow) declKind() DeclKind { return DeclFlow }
func (f *Flow) Location() Location { return f.Loc }

// Severity classifies how a violated Constraint should be treated.
type Severity uint8

const (
	SeverityWarning Severity = iota
	SeverityError
	SeverityFatal
)

// Constraint declares a boolean invariant evaluated by the rule
// engine as a constraint-evaluation entry point.
type Constraint struct {
	Loc       Location
	Name      string
	Condition Condition
	Severity  Severity
}

func (c *Constraint) declKind() DeclKind { return DeclConstraint }
func (c *Constraint) Location() Location { return c.Loc }

// -- Conditions --------------------------------------------------------

// CondKind discriminates the two condition tree node forms.
type CondKind uint8

const (
	CondLogical CondKind = iota
	CondExpression
)

// Condition is a tree of LogicalOp and Expression nodes.
type Condition interface {
	condKind() CondKind
	Location() Location
}

// LogicalOperator is and/or.
type LogicalOperator uint8

const (
	LogicalAnd LogicalOperator = iota
	LogicalOr
)

// LogicalOp combines two sub-conditions with a short-circuiting
// boolean operator (spec §4.1, §4.3).
type LogicalOp struct {
	Loc Location
	Op  LogicalOperator
	L   Condition
	R   Condition
}

func (l *LogicalOp) condKind() CondKind  { return CondLogical }
func (l *LogicalOp) Location() Location  { return l.Loc }

// Expression is either a Comparison or a Predicate.
type Expression interface {
	Condition
	exprKind() ExprKind
}

// ExprKind discriminates Comparison from Predicate.
type ExprKind uint8

const (
	ExprComparison ExprKind = iota
	ExprPredicate
)

// Comparator enumerates the six relational operators, encoded into
// bytecode COMPARE flags per spec §4.1's Compare-encoding table.
type Comparator uint8

const (
	CmpEq Comparator = iota // =
	CmpNe                   // ≠
	CmpGt                   // >
	CmpLt                   // <
	CmpGe                   // ≥
	CmpLe                   // ≤
)

// Comparison compares two Terms with a Comparator.
type Comparison struct {
	Loc   Location
	Left  Term
	Op    Comparator
	Right Term
}

func (c *Comparison) condKind() CondKind { return CondExpression }
func (c *Comparison) Location() Location { return c.Loc }
func (c *Comparison) exprKind() ExprKind  { return ExprComparison }

// Predicate is a named call with positional term arguments; it
// appears both as a condition (spec §3) and as an action (spec §4.1).
type Predicate struct {
	Loc  Location
	Name string
	Args []Term
}

func (p *Predicate) condKind() CondKind { return CondExpression }
func (p *Predicate) Location() Location { return p.Loc }
func (p *Predicate) exprKind() ExprKind  { return ExprPredicate }

// -- Terms ---------------------------------------------------------------

// TermKind discriminates the three term forms.
type TermKind uint8

const (
	TermIdentifier TermKind = iota
	TermQualifiedRef
	TermNumber
)

// Term is a leaf value reference: Identifier, QualifiedRef, or Number.
type Term interface {
	termKind() TermKind
	Location() Location
}

// Identifier is a bare name reference.
type Identifier struct {
	Loc  Location
	Name string
}

func (i *Identifier) termKind() TermKind { return TermIdentifier }
func (i *Identifier) Location() Location { return i.Loc }

// QualifiedRef is a dotted entity.field reference.
type QualifiedRef struct {
	Loc    Location
	Entity string
	Field  string
}

func (q *QualifiedRef) termKind() TermKind { return TermQualifiedRef }
func (q *QualifiedRef) Location() Location { return q.Loc }

// Number is a signed 64-bit integer literal. KERN rejects string
// literals at the lexer boundary (spec Non-goals); Number is the only
// literal term kind.
type Number struct {
	Loc   Location
	Value int64
}

func (n *Number) termKind() TermKind { return TermNumber }
func (n *Number) Location() Location { return n.Loc }

// -- Actions ---------------------------------------------------------------

// ActionKind discriminates the three action forms.
type ActionKind uint8

const (
	ActionPredicate ActionKind = iota
	ActionAssignment
	ActionControl
)

// Action is a single step of a Rule's action set or a Flow's step list.
type Action interface {
	actionKind() ActionKind
	Location() Location
}

func (p *Predicate) actionKind() ActionKind { return ActionPredicate }

// Assignment writes Value into Target (an identifier naming a fact
// context key, possibly dotted entity.field).
type Assignment struct {
	Loc    Location
	Target string
	Value  Term
}

func (a *Assignment) actionKind() ActionKind { return ActionAssignment }
func (a *Assignment) Location() Location     { return a.Loc }

// ControlKind discriminates If/Loop/Halt control actions.
type ControlKind uint8

const (
	ControlIf ControlKind = iota
	ControlLoop
	ControlHalt
)

// Control is a control-flow action: If, Loop, or Halt.
type Control struct {
	Loc  Location
	Kind ControlKind

	// If: Cond gates Then/Else.
	Cond Condition
	Then []Action
	Else []Action

	// Loop: Body repeats while Cond holds, bounded by MaxIterations
	// (the graph builder's loop node iteration cap, spec §3).
	Body          []Action
	MaxIterations uint32
}

func (c *Control) actionKind() ActionKind { return ActionControl }
func (c *Control) Location() Location     { return c.Loc }
