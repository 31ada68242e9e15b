package main

import (
	"context"

	"github.com/kern-lang/kern/kern/capability"
	"github.com/kern-lang/kern/kern/ruleengine"
	"github.com/kern-lang/kern/kern/vm"
)

// registryInvoker adapts a *capability.Registry (built against
// kern/vm's Value/Capability types for the bytecode VM's CALL_EXTERN
// zone) to kern/ruleengine's own CapabilityInvoker, whose Value type is
// a structurally identical but distinct copy (kern/vm/value.go:
// "carried into the VM register file independently of kern/ruleengine's
// own copy"). ExecuteGraph calls this for Predicate actions the way
// the VM calls the registry directly for CALL_EXTERN instructions.
type registryInvoker struct {
	registry *capability.Registry
}

func newRegistryInvoker(registry *capability.Registry) ruleengine.CapabilityInvoker {
	return &registryInvoker{registry: registry}
}

func (r *registryInvoker) Invoke(name string, args []ruleengine.Value) (ruleengine.Value, error) {
	c, ok := r.registry.Lookup(name)
	if !ok {
		return ruleengine.Value{}, &ruleengine.Error{Kind: ruleengine.ErrInvalidPredicate, Detail: "capability " + name + " is not registered"}
	}

	vmArgs := make([]vm.Value, len(args))
	for i, a := range args {
		vmArgs[i] = toVMValue(a)
	}

	out, err := c.Invoke(context.Background(), vmArgs)
	if err != nil {
		return ruleengine.Value{}, err
	}
	return toEngineValue(out), nil
}

func toVMValue(v ruleengine.Value) vm.Value {
	switch v.Kind {
	case ruleengine.KindSym:
		return vm.Sym(v.Sym)
	case ruleengine.KindNum:
		return vm.Num(v.Num)
	case ruleengine.KindBool:
		return vm.Bool(v.Bool)
	case ruleengine.KindRef:
		return vm.Ref(v.Sym)
	case ruleengine.KindVec:
		out := make([]vm.Value, len(v.Vec))
		for i, e := range v.Vec {
			out[i] = toVMValue(e)
		}
		return vm.VecOf(out...)
	default:
		return vm.Value{}
	}
}

func toEngineValue(v vm.Value) ruleengine.Value {
	switch v.Kind {
	case vm.KindSym:
		return ruleengine.Sym(v.Sym)
	case vm.KindNum:
		return ruleengine.Num(v.Num)
	case vm.KindBool:
		return ruleengine.Bool(v.Bool)
	case vm.KindRef:
		return ruleengine.Ref(v.Sym)
	case vm.KindVec:
		out := make([]ruleengine.Value, len(v.Vec))
		for i, e := range v.Vec {
			out[i] = toEngineValue(e)
		}
		return ruleengine.VecOf(out...)
	default:
		return ruleengine.Value{}
	}
}
