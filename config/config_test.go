package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := DefaultConfig()
	if cfg.Model != want.Model || cfg.Costs.Max != want.Costs.Max {
		t.Errorf("Load() on missing file = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadFromOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	yamlDoc := `
model: opus
costs:
  warn: 5
  alert: 15
  max: 30
execution:
  max_iterations: 10
git:
  auto_commit_on_phase: false
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Model != "opus" {
		t.Errorf("Model = %q, want opus", cfg.Model)
	}
	if cfg.Costs.Max != 30 {
		t.Errorf("Costs.Max = %v, want 30", cfg.Costs.Max)
	}
	if cfg.Execution.MaxIterations != 10 {
		t.Errorf("Execution.MaxIterations = %d, want 10", cfg.Execution.MaxIterations)
	}
	if cfg.Git.AutoCommitOnPhase {
		t.Errorf("Git.AutoCommitOnPhase = true, want false (explicit override)")
	}
	// Fields not present in the YAML should retain their defaults.
	if cfg.MaxTokens != DefaultConfig().MaxTokens {
		t.Errorf("MaxTokens = %d, want default %d", cfg.MaxTokens, DefaultConfig().MaxTokens)
	}
}

func TestLoadFromWarnsOnUnknownKeyButStillLoads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	yamlDoc := "model: haiku\nbogus_key: 1\n"
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom should not fail on an unknown key: %v", err)
	}
	if cfg.Model != "haiku" {
		t.Errorf("Model = %q, want haiku", cfg.Model)
	}
}

func TestCooldownDurationConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Execution.CooldownOnError = 2.5
	if got := cfg.CooldownDuration().Seconds(); got != 2.5 {
		t.Errorf("CooldownDuration().Seconds() = %v, want 2.5", got)
	}
}
