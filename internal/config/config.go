// Package config loads process configuration from a YAML file with
// environment-variable overrides, following the same load-then-override
// pattern used throughout the rest of the stack.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an agentrun process.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Context  ContextConfig  `yaml:"context"`
	Runner   RunnerConfig   `yaml:"runner"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	LLM      LLMConfig      `yaml:"llm"`
}

// DatabaseConfig selects and configures the MessageStore backend.
type DatabaseConfig struct {
	// Driver selects the backend: "postgres", "sqlite", or "memory".
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ContextConfig holds ContextManager thresholds (spec §4.6, §6).
type ContextConfig struct {
	TokenThreshold      int `yaml:"token_threshold"`       // CONTEXT_TOKEN_THRESHOLD
	SummaryTargetTokens int `yaml:"summary_target_tokens"` // CONTEXT_SUMMARY_TARGET_TOKENS
	ReserveTokens       int `yaml:"reserve_tokens"`        // CONTEXT_RESERVE_TOKENS
}

// RunnerConfig holds ThreadRunner/RunOrchestrator bounds (spec §4.7, §4.8, §6).
type RunnerConfig struct {
	MaxIterations          int    `yaml:"max_iterations"`           // MAX_ITERATIONS
	NativeMaxAutoContinues int    `yaml:"native_max_auto_continues"` // NATIVE_MAX_AUTO_CONTINUES
	MaxXMLToolCalls        int    `yaml:"max_xml_tool_calls"`        // MAX_XML_TOOL_CALLS
	ToolExecutionStrategy  string `yaml:"tool_execution_strategy"`   // TOOL_EXECUTION_STRATEGY
}

// PubSubConfig holds lease/replay TTLs (spec §4.2, §6).
type PubSubConfig struct {
	KeyTTL          time.Duration `yaml:"key_ttl"`           // REDIS_KEY_TTL
	ResponseListTTL time.Duration `yaml:"response_list_ttl"` // REDIS_RESPONSE_LIST_TTL
}

// LLMConfig holds provider defaults (spec §4.4, §6).
type LLMConfig struct {
	DefaultModel string `yaml:"default_model"` // LLM_DEFAULT_MODEL
}

// Default returns the configuration defaults named throughout spec.md.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Context: ContextConfig{
			TokenThreshold:      120000,
			SummaryTargetTokens: 10000,
			ReserveTokens:       5000,
		},
		Runner: RunnerConfig{
			MaxIterations:          25,
			NativeMaxAutoContinues: 3,
			MaxXMLToolCalls:        25,
			ToolExecutionStrategy:  "sequential",
		},
		PubSub: PubSubConfig{
			KeyTTL:          1 * time.Hour,
			ResponseListTTL: 24 * time.Hour,
		},
		LLM: LLMConfig{
			DefaultModel: "claude-sonnet-4-20250514",
		},
	}
}

// Load reads path as YAML over the defaults, then applies environment
// variable overrides for every knob enumerated in spec.md §6.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyEnv(cfg), nil
			}
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return applyEnv(cfg), nil
}

func applyEnv(cfg *Config) *Config {
	if v, ok := envInt("CONTEXT_TOKEN_THRESHOLD"); ok {
		cfg.Context.TokenThreshold = v
	}
	if v, ok := envInt("CONTEXT_SUMMARY_TARGET_TOKENS"); ok {
		cfg.Context.SummaryTargetTokens = v
	}
	if v, ok := envInt("CONTEXT_RESERVE_TOKENS"); ok {
		cfg.Context.ReserveTokens = v
	}
	if v, ok := envInt("MAX_ITERATIONS"); ok {
		cfg.Runner.MaxIterations = v
	}
	if v, ok := envInt("NATIVE_MAX_AUTO_CONTINUES"); ok {
		cfg.Runner.NativeMaxAutoContinues = v
	}
	if v, ok := envInt("MAX_XML_TOOL_CALLS"); ok {
		cfg.Runner.MaxXMLToolCalls = v
	}
	if v, ok := os.LookupEnv("TOOL_EXECUTION_STRATEGY"); ok && strings.TrimSpace(v) != "" {
		cfg.Runner.ToolExecutionStrategy = v
	}
	if v, ok := envDuration("REDIS_KEY_TTL"); ok {
		cfg.PubSub.KeyTTL = v
	}
	if v, ok := envDuration("REDIS_RESPONSE_LIST_TTL"); ok {
		cfg.PubSub.ResponseListTTL = v
	}
	if v, ok := os.LookupEnv("LLM_DEFAULT_MODEL"); ok && strings.TrimSpace(v) != "" {
		cfg.LLM.DefaultModel = v
	}
	return cfg
}

func envInt(key string) (int, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envDuration(key string) (time.Duration, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, false
	}
	// Accept plain seconds or a Go duration string.
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return d, true
}
