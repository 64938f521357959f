package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Context.TokenThreshold != 120000 {
		t.Errorf("TokenThreshold = %d, want 120000", cfg.Context.TokenThreshold)
	}
	if cfg.Runner.MaxIterations != 25 {
		t.Errorf("MaxIterations = %d, want 25", cfg.Runner.MaxIterations)
	}
	if cfg.Runner.NativeMaxAutoContinues != 3 {
		t.Errorf("NativeMaxAutoContinues = %d, want 3", cfg.Runner.NativeMaxAutoContinues)
	}
	if cfg.PubSub.KeyTTL != time.Hour {
		t.Errorf("KeyTTL = %v, want 1h", cfg.PubSub.KeyTTL)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runner.MaxIterations != 25 {
		t.Errorf("expected defaults when file missing, got %d", cfg.Runner.MaxIterations)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "runner:\n  max_iterations: 40\ncontext:\n  token_threshold: 50000\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runner.MaxIterations != 40 {
		t.Errorf("MaxIterations = %d, want 40", cfg.Runner.MaxIterations)
	}
	if cfg.Context.TokenThreshold != 50000 {
		t.Errorf("TokenThreshold = %d, want 50000", cfg.Context.TokenThreshold)
	}
	// Untouched fields keep their defaults.
	if cfg.Context.SummaryTargetTokens != 10000 {
		t.Errorf("SummaryTargetTokens = %d, want default 10000", cfg.Context.SummaryTargetTokens)
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("MAX_ITERATIONS", "7")
	t.Setenv("TOOL_EXECUTION_STRATEGY", "parallel")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runner.MaxIterations != 7 {
		t.Errorf("MaxIterations = %d, want 7 from env", cfg.Runner.MaxIterations)
	}
	if cfg.Runner.ToolExecutionStrategy != "parallel" {
		t.Errorf("ToolExecutionStrategy = %q, want parallel", cfg.Runner.ToolExecutionStrategy)
	}
}
