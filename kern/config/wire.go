package config

import (
	"fmt"
	"os"

	"github.com/kern-lang/kern/kern/capability"
	"github.com/kern-lang/kern/kern/emit"
	"github.com/kern-lang/kern/kern/ruleengine"
	"github.com/kern-lang/kern/kern/vm"
	"go.opentelemetry.io/otel"
)

// VMConfig builds a vm.VMConfig from the loaded limits, falling back to
// vm.DefaultVMConfig for any field left at its zero value.
func (c *Config) VMConfig() vm.VMConfig {
	defaults := vm.DefaultVMConfig()
	opts := []vm.Option{}
	if c.VM.MaxSteps > 0 {
		opts = append(opts, vm.WithMaxSteps(c.VM.MaxSteps))
	}
	if c.VM.MaxRuleDepth > 0 {
		opts = append(opts, vm.WithMaxRuleDepth(c.VM.MaxRuleDepth))
	}
	if c.VM.MaxLoopIterations > 0 {
		opts = append(opts, vm.WithMaxLoopIterations(c.VM.MaxLoopIterations))
	}
	if c.VM.MemoryRegionBytes > 0 {
		region := c.VM.MemoryRegionBytes
		opts = append(opts, vm.WithMemoryLimits(vm.MemoryLimits{
			Code: region, Const: region, Stack: region, Heap: region, Meta: region,
		}))
	}
	result := defaults
	for _, opt := range opts {
		opt(&result)
	}
	return result
}

// SandboxPolicy builds a vm.SandboxPolicy from the configured
// allow-lists. The policy starts fully closed, matching
// vm.DefaultSandboxPolicy.
func (c *Config) SandboxPolicy() *vm.SandboxPolicy {
	policy := vm.DefaultSandboxPolicy()
	for _, ext := range c.Sandbox.AllowExternal {
		policy.AllowExternal(ext.Name, ext.MaxCalls)
	}
	for _, ch := range c.Sandbox.AllowChannels {
		policy.AllowChannel(ch)
	}
	return policy
}

// PriorityStrategy resolves the configured strategy name to a
// ruleengine.Strategy, defaulting to ruleengine.StrategyStandard.
func (c *Config) PriorityStrategy() ruleengine.Strategy {
	switch c.RuleEngine.PriorityStrategy {
	case "specificity_first":
		return ruleengine.StrategySpecificityFirst
	case "recency_based":
		return ruleengine.StrategyRecencyBased
	case "frequency_based":
		return ruleengine.StrategyFrequencyBased
	case "conflict_resolution":
		return ruleengine.StrategyConflictResolution
	default:
		return ruleengine.StrategyStandard
	}
}

// Emitter builds the configured emit.Emitter, defaulting to
// emit.NewNullEmitter when unset.
func (c *Config) Emitter() emit.Emitter {
	switch c.Observability.Emitter {
	case "log":
		return emit.NewLogEmitter(os.Stdout, c.Observability.LogJSON)
	case "buffered":
		return emit.NewBufferedEmitter()
	case "otel":
		return emit.NewOTelEmitter(otel.Tracer("kern"))
	default:
		return emit.NewNullEmitter()
	}
}

// CapabilityRegistry builds a capability.Registry with one capability
// registered per entry in c.Capabilities.
func (c *Config) CapabilityRegistry() (*capability.Registry, error) {
	reg := capability.NewRegistry()
	for _, cc := range c.Capabilities {
		apiKey := cc.APIKey()
		if apiKey == "" {
			return nil, fmt.Errorf("config: capability %q: %s is unset", cc.Name, cc.APIKeyEnv)
		}
		var adapter vm.Capability
		switch cc.Provider {
		case "anthropic":
			adapter = capability.NewAnthropicCapability(cc.Name, apiKey, cc.Model)
		case "openai":
			adapter = capability.NewOpenAICapability(cc.Name, apiKey, cc.Model)
		case "google":
			adapter = capability.NewGoogleCapability(cc.Name, apiKey, cc.Model)
		default:
			return nil, fmt.Errorf("config: capability %q: unknown provider %q", cc.Name, cc.Provider)
		}
		reg.Register(adapter)
	}
	return reg, nil
}
