// Package config loads a kern run's settings from YAML: VM resource
// limits, the sandbox allow-list, the rule engine's priority strategy,
// and which observability backend and capability providers to wire up.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root document loaded from a kern config file, validated
// the way ahrav-go-gavel's GraphConfig validates its YAML with
// `validate` struct tags.
type Config struct {
	Version       string              `yaml:"version" validate:"required"`
	VM            VMLimitsConfig      `yaml:"vm"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	RuleEngine    RuleEngineConfig    `yaml:"rule_engine"`
	Observability ObservabilityConfig `yaml:"observability"`
	Capabilities  []CapabilityConfig  `yaml:"capabilities" validate:"dive"`
}

// VMLimitsConfig mirrors vm.VMConfig's fields; zero values mean "use
// the VM's own default".
type VMLimitsConfig struct {
	MaxSteps          uint64 `yaml:"max_steps" validate:"omitempty,min=1"`
	MaxRuleDepth      uint32 `yaml:"max_rule_depth" validate:"omitempty,min=1"`
	MaxLoopIterations uint32 `yaml:"max_loop_iterations" validate:"omitempty,min=1"`
	MemoryRegionBytes int    `yaml:"memory_region_bytes" validate:"omitempty,min=1024"`
}

// SandboxConfig lists what a run is allowed to reach through
// CALL_EXTERN and READ_IO/WRITE_IO.
type SandboxConfig struct {
	AllowExternal []ExternalAllowConfig `yaml:"allow_external" validate:"dive"`
	AllowChannels []string              `yaml:"allow_channels" validate:"dive,min=1"`
}

// ExternalAllowConfig opens one named external, with an optional call
// cap (0 means unlimited).
type ExternalAllowConfig struct {
	Name     string `yaml:"name" validate:"required"`
	MaxCalls int    `yaml:"max_calls" validate:"omitempty,min=1"`
}

// RuleEngineConfig selects the priority strategy ruleengine.EffectivePriority
// uses to order eligible rules.
type RuleEngineConfig struct {
	PriorityStrategy string `yaml:"priority_strategy" validate:"omitempty,oneof=standard specificity_first recency_based frequency_based conflict_resolution"`
}

// ObservabilityConfig selects the Emitter implementation and whether
// Prometheus metrics are collected.
type ObservabilityConfig struct {
	Emitter        string `yaml:"emitter" validate:"omitempty,oneof=null log buffered otel"`
	LogJSON        bool   `yaml:"log_json"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// CapabilityConfig registers one named CALL_EXTERN capability backed by
// a chat-model provider. The API key is read from an environment
// variable at load time, never stored in the config file itself.
type CapabilityConfig struct {
	Name      string `yaml:"name" validate:"required"`
	Provider  string `yaml:"provider" validate:"required,oneof=anthropic openai google"`
	APIKeyEnv string `yaml:"api_key_env" validate:"required"`
	Model     string `yaml:"model"`
}

// APIKey reads the capability's API key out of its configured
// environment variable.
func (c CapabilityConfig) APIKey() string {
	return os.Getenv(c.APIKeyEnv)
}

// Load reads and validates a Config from a YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and decodes YAML bytes into a Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}
