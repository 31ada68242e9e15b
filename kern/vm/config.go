package vm

// MemoryLimits records a ceiling in bytes/entries for each of the VM's
// memory regions (spec §4.4's memory limit row). The VM does not check
// these ceilings during execution and raises no LimitMemory error.
type MemoryLimits struct {
	Code  int
	Const int
	Stack int
	Heap  int
	Meta  int
}

// VMConfig selects the safety layer's limits (spec §4.4).
type VMConfig struct {
	Memory            MemoryLimits
	MaxSteps          uint64
	MaxRuleDepth      uint32
	MaxLoopIterations uint32
}

// DefaultVMConfig returns the reference implementation's defaults: a
// 100KB flat memory region and a 100,000-step cap (SPEC_FULL.md §5
// supplement — spec.md leaves exact defaults open, original_source's
// kern-vm crate ships these).
func DefaultVMConfig() VMConfig {
	const defaultRegion = 100 * 1024
	return VMConfig{
		Memory: MemoryLimits{
			Code:  defaultRegion,
			Const: defaultRegion,
			Stack: defaultRegion,
			Heap:  defaultRegion,
			Meta:  defaultRegion,
		},
		MaxSteps:          100000,
		MaxRuleDepth:      100,
		MaxLoopIterations: 10000,
	}
}

// Option mutates a VMConfig during construction, in the teacher's
// options.go functional-option style.
type Option func(*VMConfig)

// WithMaxSteps overrides the step cap.
func WithMaxSteps(n uint64) Option { return func(c *VMConfig) { c.MaxSteps = n } }

// WithMaxRuleDepth overrides the rule recursion cap.
func WithMaxRuleDepth(n uint32) Option { return func(c *VMConfig) { c.MaxRuleDepth = n } }

// WithMaxLoopIterations overrides the loop iteration cap.
func WithMaxLoopIterations(n uint32) Option { return func(c *VMConfig) { c.MaxLoopIterations = n } }

// WithMemoryLimits overrides the per-region memory ceilings.
func WithMemoryLimits(m MemoryLimits) Option { return func(c *VMConfig) { c.Memory = m } }

// NewVMConfig builds a VMConfig from DefaultVMConfig with opts applied
// in order.
func NewVMConfig(opts ...Option) VMConfig {
	c := DefaultVMConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
