package ruleengine

import "github.com/kern-lang/kern/kern/ir"

// Context is one execution frame: the 16-register window spec §3
// fixes for the VM, plus the variable/fact stores and rule-result
// cache the reference's ExecutionContext carries. Register entries are
// pointers so an unset register is distinguishable from one holding a
// zero value.
type Context struct {
	Registers      [16]*Value
	Variables      map[string]Value
	Facts          map[string]Value
	RuleResults    map[string]bool
	CurrentNodeID  ir.NodeID
	HasCurrentNode bool
}

// NewContext returns an empty context with all registers unset.
func NewContext() *Context {
	return &Context{
		Variables:   make(map[string]Value),
		Facts:       make(map[string]Value),
		RuleResults: make(map[string]bool),
	}
}

// Clone deep-copies c (spec §4.3 clone_context).
func (c *Context) Clone() *Context {
	out := NewContext()
	for i, r := range c.Registers {
		if r != nil {
			v := *r
			out.Registers[i] = &v
		}
	}
	for k, v := range c.Variables {
		out.Variables[k] = v
	}
	for k, v := range c.Facts {
		out.Facts[k] = v
	}
	for k, v := range c.RuleResults {
		out.RuleResults[k] = v
	}
	out.CurrentNodeID = c.CurrentNodeID
	out.HasCurrentNode = c.HasCurrentNode
	return out
}

// lookup resolves an identifier or qualified-ref name against
// variables first, then facts, matching the reference's get_term_value
// lookup order.
func (c *Context) lookup(name string) (Value, bool) {
	if v, ok := c.Variables[name]; ok {
		return v, true
	}
	if v, ok := c.Facts[name]; ok {
		return v, true
	}
	return Value{}, false
}

// CreateContext returns a fresh context carrying forward the engine's
// current node (spec §4.3 create_context).
func (e *Engine) CreateContext() *Context {
	c := NewContext()
	c.CurrentNodeID = e.Context.CurrentNodeID
	c.HasCurrentNode = e.Context.HasCurrentNode
	return c
}

// CloneContext deep-copies the engine's active context (clone_context).
func (e *Engine) CloneContext() *Context {
	return e.Context.Clone()
}

// SwitchContext replaces the engine's active context (switch_context).
func (e *Engine) SwitchContext(c *Context) {
	e.Context = c
}

// PassContextToSubflow runs target's flow pipeline under a cloned
// context, then restores the original context unconditionally (spec
// §4.3: "exceptions during the inner execution do not leak the inner
// frame — restore is unconditional"). Go idiom expresses that with
// defer rather than the reference's explicit post-call swap, so the
// restore also runs if executeFlowPipeline panics.
func (e *Engine) PassContextToSubflow(target ir.NodeID, g *ir.ExecutionGraph) error {
	sub := e.CloneContext()
	sub.CurrentNodeID = target
	sub.HasCurrentNode = true

	original := e.Context
	e.Context = sub
	defer func() { e.Context = original }()

	return e.executeFlowPipeline(target, g)
}
