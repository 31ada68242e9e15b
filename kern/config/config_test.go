package config

import (
	"testing"

	"github.com/kern-lang/kern/kern/ruleengine"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
version: "1"
vm:
  max_steps: 5000
sandbox:
  allow_external:
    - name: ask_claude
      max_calls: 3
  allow_channels:
    - stdout
rule_engine:
  priority_strategy: recency_based
observability:
  emitter: log
  log_json: true
capabilities:
  - name: ask_claude
    provider: anthropic
    api_key_env: KERN_TEST_ANTHROPIC_KEY
    model: claude-sonnet-4-5-20250929
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	require.Equal(t, "1", cfg.Version)
	require.Equal(t, uint64(5000), cfg.VM.MaxSteps)
	require.Len(t, cfg.Sandbox.AllowExternal, 1)
	require.Equal(t, "ask_claude", cfg.Sandbox.AllowExternal[0].Name)
}

func TestParseRejectsMissingVersion(t *testing.T) {
	_, err := Parse([]byte("vm:\n  max_steps: 10\n"))
	require.Error(t, err)
}

func TestParseRejectsUnknownProvider(t *testing.T) {
	bad := `
version: "1"
capabilities:
  - name: x
    provider: unknown
    api_key_env: X
`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
}

func TestVMConfigAppliesOverridesOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	vmCfg := cfg.VMConfig()
	require.Equal(t, uint64(5000), vmCfg.MaxSteps)
	require.NotZero(t, vmCfg.MaxRuleDepth) // falls back to default
}

func TestSandboxPolicyOpensConfiguredNames(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	policy := cfg.SandboxPolicy()
	require.NoError(t, policy.CheckExternal("ask_claude"))
	require.NoError(t, policy.CheckChannel("stdout"))
	require.Error(t, policy.CheckExternal("unlisted"))
}

func TestPriorityStrategyDefaultsToStandard(t *testing.T) {
	cfg, err := Parse([]byte(`version: "1"`))
	require.NoError(t, err)
	require.Equal(t, ruleengine.StrategyStandard, cfg.PriorityStrategy())
}

func TestCapabilityRegistryFailsWithoutAPIKey(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	t.Setenv("KERN_TEST_ANTHROPIC_KEY", "")
	_, err = cfg.CapabilityRegistry()
	require.Error(t, err)
}

func TestCapabilityRegistryBuildsWithAPIKey(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	t.Setenv("KERN_TEST_ANTHROPIC_KEY", "sk-test")
	reg, err := cfg.CapabilityRegistry()
	require.NoError(t, err)

	_, ok := reg.Lookup("ask_claude")
	require.True(t, ok)
}
