package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Contains(t, cfg.Tools, "gemini")
	assert.Contains(t, cfg.Tools, "cursor-agent")
	assert.Equal(t, []string{"gemini", "cursor-agent"}, cfg.Defaults.ToolPriority)
	assert.Equal(t, 24.0, cfg.Cache.TTLHours)
	assert.Equal(t, 0, cfg.Limits.MaxToolsPerRun)
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
tools:
  claude:
    command: claude
    default_model: sonnet
    timeout_sec: 30
defaults:
  tool_priority: [claude]
consultation_limits:
  max_tools_per_run: 3
cache:
  backend: badger
  ttl_hours: 2
logging:
  level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "sonnet", cfg.Tools["claude"].DefaultModel)
	assert.Equal(t, 30*time.Second, cfg.Tools["claude"].Timeout())
	assert.Equal(t, []string{"claude"}, cfg.Defaults.ToolPriority)
	assert.Equal(t, 3, cfg.Limits.MaxToolsPerRun)
	assert.Equal(t, "badger", cfg.Cache.Backend)
	assert.Equal(t, 2.0, cfg.Cache.TTLHours)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "tools: [not: a: map")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate_RejectsOverlappingRetryAndSkip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Defaults.Fallback.RetryOnStatus = []string{"timeout", "error"}
	cfg.Defaults.Fallback.SkipOnStatus = []string{"error"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error")
}

func TestValidate_RejectsUnknownStatus(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Defaults.Fallback.RetryOnStatus = []string{"flaky"}
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownToolInPriority(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Operations = map[string]OperationConfig{
		"audit": {ToolPriority: []string{"ghost"}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestValidate_RejectsBadTTLAndBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.TTLHours = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Cache.Backend = "redis"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Limits.MaxToolsPerRun = -1
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNegativeRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Defaults.Fallback.MaxRetriesPerTool = intPtr(-1)
	assert.Error(t, cfg.Validate())
}

func TestResolveOperation_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	op := cfg.ResolveOperation("review")

	assert.Equal(t, "review", op.Name)
	assert.Equal(t, []string{"gemini", "cursor-agent"}, op.ToolPriority)
	assert.True(t, op.Fallback.Enabled)
	assert.Equal(t, 2, op.Fallback.MaxRetriesPerTool)
	assert.True(t, op.Fallback.RetryOn[StatusTimeout])
	assert.True(t, op.Fallback.RetryOn[StatusError])
	assert.True(t, op.Fallback.SkipOn[StatusNotFound])
	assert.True(t, op.Fallback.SkipOn[StatusInvalidOutput])
	assert.Equal(t, time.Second, op.Fallback.RetryDelay)
	assert.False(t, op.ConsensusEnabled)
	assert.Equal(t, 2, op.MinCorroboration)
}

func TestResolveOperation_FieldByFieldOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tools["claude"] = ToolConfig{Command: "claude"}
	cfg.Operations = map[string]OperationConfig{
		"audit": {
			ToolPriority: []string{"claude"},
			Fallback: &FallbackConfig{
				MaxRetriesPerTool: intPtr(0),
				RetryDelaySec:     floatPtr(0.25),
			},
			Consensus: &ConsensusConfig{Enabled: boolPtr(true), MinCorroboration: intPtr(3)},
		},
	}

	op := cfg.ResolveOperation("audit")

	assert.Equal(t, []string{"claude"}, op.ToolPriority)
	// Overridden fields take the operation's values.
	assert.Equal(t, 0, op.Fallback.MaxRetriesPerTool)
	assert.Equal(t, 250*time.Millisecond, op.Fallback.RetryDelay)
	assert.True(t, op.ConsensusEnabled)
	assert.Equal(t, 3, op.MinCorroboration)
	// Untouched fields keep the defaults.
	assert.True(t, op.Fallback.Enabled)
	assert.True(t, op.Fallback.RetryOn[StatusTimeout])
	assert.True(t, op.Fallback.SkipOn[StatusNotFound])
}

func TestResolveOperation_UnknownOperationFallsBackToDefaults(t *testing.T) {
	cfg := DefaultConfig()
	op := cfg.ResolveOperation("never-configured")
	assert.Equal(t, "never-configured", op.Name)
	assert.Equal(t, cfg.Defaults.ToolPriority, op.ToolPriority)
}

func TestResolveOperation_CopiesPriorityList(t *testing.T) {
	cfg := DefaultConfig()
	op := cfg.ResolveOperation("review")
	op.ToolPriority[0] = "mutated"
	assert.Equal(t, "gemini", cfg.Defaults.ToolPriority[0])
}

func TestToolConfigTimeout(t *testing.T) {
	assert.Equal(t, 120*time.Second, ToolConfig{}.Timeout())
	assert.Equal(t, 120*time.Second, ToolConfig{TimeoutSec: -5}.Timeout())
	assert.Equal(t, 1500*time.Millisecond, ToolConfig{TimeoutSec: 1.5}.Timeout())
}
