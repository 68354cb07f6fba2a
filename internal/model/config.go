package model

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tools      map[string]ToolConfig      `yaml:"tools"`
	Defaults   OperationConfig            `yaml:"defaults"`
	Operations map[string]OperationConfig `yaml:"operations"`
	Limits     LimitsConfig               `yaml:"consultation_limits"`
	Cache      CacheConfig                `yaml:"cache"`
	Watcher    WatcherConfig              `yaml:"watcher"`
	Logging    LoggingConfig              `yaml:"logging"`
}

// ToolConfig describes one external analysis CLI.
type ToolConfig struct {
	Command      string  `yaml:"command"`
	DefaultModel string  `yaml:"default_model"`
	TimeoutSec   float64 `yaml:"timeout_sec"`
}

// Timeout returns the per-invocation wall-clock limit.
func (t ToolConfig) Timeout() time.Duration {
	if t.TimeoutSec <= 0 {
		return 120 * time.Second
	}
	return time.Duration(t.TimeoutSec * float64(time.Second))
}

// OperationConfig is the per-logical-operation consultation policy. An
// operation-specific entry overrides the global defaults field by field.
type OperationConfig struct {
	ToolPriority []string        `yaml:"tool_priority,omitempty"`
	Fallback     *FallbackConfig `yaml:"fallback,omitempty"`
	Consensus    *ConsensusConfig `yaml:"consensus,omitempty"`
}

type FallbackConfig struct {
	Enabled           *bool    `yaml:"enabled,omitempty"`
	MaxRetriesPerTool *int     `yaml:"max_retries_per_tool,omitempty"`
	RetryOnStatus     []string `yaml:"retry_on_status,omitempty"`
	SkipOnStatus      []string `yaml:"skip_on_status,omitempty"`
	RetryDelaySec     *float64 `yaml:"retry_delay_sec,omitempty"`
}

type ConsensusConfig struct {
	Enabled          *bool `yaml:"enabled,omitempty"`
	MinCorroboration *int  `yaml:"min_corroboration,omitempty"`
}

type LimitsConfig struct {
	// MaxToolsPerRun caps how many distinct tools one run may consult.
	// 0 means unbounded.
	MaxToolsPerRun int `yaml:"max_tools_per_run"`
}

type CacheConfig struct {
	// Backend selects the physical store: "file" (default) or "badger".
	Backend  string  `yaml:"backend"`
	Dir      string  `yaml:"dir"`
	TTLHours float64 `yaml:"ttl_hours"`
}

type WatcherConfig struct {
	DebounceSec float64 `yaml:"debounce_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// FallbackPolicy is the resolved, validated form of FallbackConfig consumed by
// the orchestrator. Invariant: RetryOn and SkipOn are disjoint.
type FallbackPolicy struct {
	Enabled           bool
	MaxRetriesPerTool int
	RetryOn           map[ToolStatus]bool
	SkipOn            map[ToolStatus]bool
	RetryDelay        time.Duration
}

// ResolvedOperation is the effective policy for one logical operation after
// merging its override over the global defaults.
type ResolvedOperation struct {
	Name             string
	ToolPriority     []string
	Fallback         FallbackPolicy
	ConsensusEnabled bool
	MinCorroboration int
}

// DefaultConfig returns the built-in configuration used when no config file
// exists: gemini first, cursor-agent fallback, two retries on transient
// failures, a 24h cache, and an unbounded budget.
func DefaultConfig() Config {
	return Config{
		Tools: map[string]ToolConfig{
			"gemini":       {Command: "gemini", TimeoutSec: 120},
			"cursor-agent": {Command: "cursor-agent", TimeoutSec: 120},
		},
		Defaults: OperationConfig{
			ToolPriority: []string{"gemini", "cursor-agent"},
			Fallback: &FallbackConfig{
				Enabled:           boolPtr(true),
				MaxRetriesPerTool: intPtr(2),
				RetryOnStatus:     []string{"timeout", "error"},
				SkipOnStatus:      []string{"not_found", "invalid_output"},
				RetryDelaySec:     floatPtr(1.0),
			},
			Consensus: &ConsensusConfig{
				Enabled:          boolPtr(false),
				MinCorroboration: intPtr(2),
			},
		},
		Cache:   CacheConfig{Backend: "file", TTLHours: 24},
		Watcher: WatcherConfig{DebounceSec: 0.5},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML config file and validates it. A missing file yields
// the built-in defaults rather than an error.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field invariants the YAML schema cannot express.
func (c Config) Validate() error {
	if c.Cache.TTLHours <= 0 {
		return fmt.Errorf("cache.ttl_hours must be > 0, got %v", c.Cache.TTLHours)
	}
	if c.Limits.MaxToolsPerRun < 0 {
		return fmt.Errorf("consultation_limits.max_tools_per_run must be >= 0, got %d", c.Limits.MaxToolsPerRun)
	}
	switch c.Cache.Backend {
	case "", "file", "badger":
	default:
		return fmt.Errorf("cache.backend must be \"file\" or \"badger\", got %q", c.Cache.Backend)
	}

	check := func(scope string, op OperationConfig) error {
		for _, id := range op.ToolPriority {
			if _, ok := c.Tools[id]; !ok {
				return fmt.Errorf("%s: tool_priority references unknown tool %q", scope, id)
			}
		}
		if op.Fallback == nil {
			return nil
		}
		retryOn, err := parseStatusSet(op.Fallback.RetryOnStatus)
		if err != nil {
			return fmt.Errorf("%s: retry_on_status: %w", scope, err)
		}
		skipOn, err := parseStatusSet(op.Fallback.SkipOnStatus)
		if err != nil {
			return fmt.Errorf("%s: skip_on_status: %w", scope, err)
		}
		for st := range retryOn {
			if skipOn[st] {
				return fmt.Errorf("%s: status %q in both retry_on_status and skip_on_status", scope, st)
			}
		}
		if op.Fallback.MaxRetriesPerTool != nil && *op.Fallback.MaxRetriesPerTool < 0 {
			return fmt.Errorf("%s: max_retries_per_tool must be >= 0", scope)
		}
		return nil
	}

	if err := check("defaults", c.Defaults); err != nil {
		return err
	}
	for name, op := range c.Operations {
		if err := check("operations."+name, op); err != nil {
			return err
		}
	}
	return nil
}

// ResolveOperation merges the named operation's override over the global
// defaults and returns the effective policy. Unknown operations resolve to
// the defaults.
func (c Config) ResolveOperation(name string) ResolvedOperation {
	eff := c.Defaults
	if op, ok := c.Operations[name]; ok {
		if len(op.ToolPriority) > 0 {
			eff.ToolPriority = op.ToolPriority
		}
		eff.Fallback = mergeFallback(eff.Fallback, op.Fallback)
		eff.Consensus = mergeConsensus(eff.Consensus, op.Consensus)
	}

	res := ResolvedOperation{
		Name:         name,
		ToolPriority: append([]string(nil), eff.ToolPriority...),
		Fallback: FallbackPolicy{
			Enabled:           true,
			MaxRetriesPerTool: 2,
			RetryOn:           map[ToolStatus]bool{StatusTimeout: true, StatusError: true},
			SkipOn:            map[ToolStatus]bool{StatusNotFound: true, StatusInvalidOutput: true},
			RetryDelay:        time.Second,
		},
		MinCorroboration: 2,
	}

	if fb := eff.Fallback; fb != nil {
		if fb.Enabled != nil {
			res.Fallback.Enabled = *fb.Enabled
		}
		if fb.MaxRetriesPerTool != nil {
			res.Fallback.MaxRetriesPerTool = *fb.MaxRetriesPerTool
		}
		if len(fb.RetryOnStatus) > 0 {
			res.Fallback.RetryOn, _ = parseStatusSet(fb.RetryOnStatus)
		}
		if len(fb.SkipOnStatus) > 0 {
			res.Fallback.SkipOn, _ = parseStatusSet(fb.SkipOnStatus)
		}
		if fb.RetryDelaySec != nil {
			res.Fallback.RetryDelay = time.Duration(*fb.RetryDelaySec * float64(time.Second))
		}
	}
	if cs := eff.Consensus; cs != nil {
		if cs.Enabled != nil {
			res.ConsensusEnabled = *cs.Enabled
		}
		if cs.MinCorroboration != nil && *cs.MinCorroboration > 0 {
			res.MinCorroboration = *cs.MinCorroboration
		}
	}
	return res
}

func mergeFallback(base, over *FallbackConfig) *FallbackConfig {
	if over == nil {
		return base
	}
	if base == nil {
		return over
	}
	merged := *base
	if over.Enabled != nil {
		merged.Enabled = over.Enabled
	}
	if over.MaxRetriesPerTool != nil {
		merged.MaxRetriesPerTool = over.MaxRetriesPerTool
	}
	if len(over.RetryOnStatus) > 0 {
		merged.RetryOnStatus = over.RetryOnStatus
	}
	if len(over.SkipOnStatus) > 0 {
		merged.SkipOnStatus = over.SkipOnStatus
	}
	if over.RetryDelaySec != nil {
		merged.RetryDelaySec = over.RetryDelaySec
	}
	return &merged
}

func mergeConsensus(base, over *ConsensusConfig) *ConsensusConfig {
	if over == nil {
		return base
	}
	if base == nil {
		return over
	}
	merged := *base
	if over.Enabled != nil {
		merged.Enabled = over.Enabled
	}
	if over.MinCorroboration != nil {
		merged.MinCorroboration = over.MinCorroboration
	}
	return &merged
}

func parseStatusSet(names []string) (map[ToolStatus]bool, error) {
	set := make(map[ToolStatus]bool, len(names))
	for _, n := range names {
		st, err := ParseToolStatus(n)
		if err != nil {
			return nil, err
		}
		set[st] = true
	}
	return set, nil
}

func boolPtr(b bool) *bool       { return &b }
func intPtr(i int) *int          { return &i }
func floatPtr(f float64) *float64 { return &f }
