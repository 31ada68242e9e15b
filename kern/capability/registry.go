package capability

import (
	"context"
	"fmt"

	"github.com/kern-lang/kern/kern/vm"
)

// Registry resolves CALL_EXTERN names to Capabilities, implementing
// vm.CapabilityRegistry.
type Registry struct {
	caps map[string]vm.Capability
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]vm.Capability)}
}

// Register adds c under its own Name(), overwriting any prior
// capability registered under the same name.
func (r *Registry) Register(c vm.Capability) {
	r.caps[c.Name()] = c
}

// Lookup implements vm.CapabilityRegistry.
func (r *Registry) Lookup(name string) (vm.Capability, bool) {
	c, ok := r.caps[name]
	return c, ok
}

// chatCapability adapts one chatModel into a single-turn CALL_EXTERN
// capability: the first argument is the user prompt (a Sym or Ref
// Value), an optional second argument is a system prompt, and the
// result is the model's text response wrapped as a Sym Value. This is
// the shape a Predicate such as `ask_claude(prompt)` takes once lowered
// to a CALL_EXTERN.
type chatCapability struct {
	name  string
	model chatModel
}

func (c *chatCapability) Name() string { return c.name }

func (c *chatCapability) Invoke(ctx context.Context, args []vm.Value) (vm.Value, error) {
	if len(args) == 0 {
		return vm.Value{}, fmt.Errorf("capability %q: expected at least one argument (prompt)", c.name)
	}
	prompt, err := promptText(args[0])
	if err != nil {
		return vm.Value{}, fmt.Errorf("capability %q: %w", c.name, err)
	}

	messages := make([]message, 0, 2)
	if len(args) > 1 {
		sys, err := promptText(args[1])
		if err != nil {
			return vm.Value{}, fmt.Errorf("capability %q: system prompt: %w", c.name, err)
		}
		messages = append(messages, message{Role: roleSystem, Content: sys})
	}
	messages = append(messages, message{Role: roleUser, Content: prompt})

	out, err := c.model.Chat(ctx, messages, nil)
	if err != nil {
		return vm.Value{}, fmt.Errorf("capability %q: %w", c.name, err)
	}
	return vm.Sym(out.Text), nil
}

func promptText(v vm.Value) (string, error) {
	switch v.Kind {
	case vm.KindSym, vm.KindRef:
		return v.Sym, nil
	default:
		return "", fmt.Errorf("argument must be a Sym or Ref, got %v", v)
	}
}
