// Package config loads Autopilot's YAML configuration file, applying
// defaults and warning (not failing) on unrecognized keys.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BurntSushi/toml"

	"autopilot/core/cost"
)

// BashToolConfig names the shell command safety lists of spec §6.
type BashToolConfig struct {
	Timeout int      `yaml:"timeout"`
	Allowed []string `yaml:"allowed"`
	Blocked []string `yaml:"blocked"`
	Confirm []string `yaml:"confirm"`
}

// ToolsConfig groups all tool-specific configuration.
type ToolsConfig struct {
	Bash BashToolConfig `yaml:"bash"`
}

// CostsConfig names the three budget thresholds.
type CostsConfig struct {
	Warn  float64 `yaml:"warn"`
	Alert float64 `yaml:"alert"`
	Max   float64 `yaml:"max"`
}

// ExecutionConfig names the control-loop tunables.
type ExecutionConfig struct {
	MaxIterations       int     `yaml:"max_iterations"`
	MaxToolCallsPerTurn int     `yaml:"max_tool_calls_per_turn"`
	CooldownOnError     float64 `yaml:"cooldown_on_error"` // seconds
}

// GitConfig names the phase_complete commit behavior.
type GitConfig struct {
	AutoCommitOnPhase  bool   `yaml:"auto_commit_on_phase"`
	CommitPrefix       string `yaml:"commit_prefix"`
	RequireVerification bool  `yaml:"require_verification"`
}

// Config is the top-level Autopilot configuration document (spec §6).
type Config struct {
	Model               string                    `yaml:"model"`
	MaxTokens           int                       `yaml:"max_tokens"`
	MaxContextTokens    int                       `yaml:"max_context_tokens"`
	CheckpointThreshold float64                   `yaml:"checkpoint_threshold"`
	SummaryThreshold    float64                   `yaml:"summary_threshold"`

	Costs   CostsConfig              `yaml:"costs"`
	Pricing map[string]cost.Pricing  `yaml:"pricing"`

	Execution ExecutionConfig `yaml:"execution"`
	Git       GitConfig       `yaml:"git"`
	Tools     ToolsConfig     `yaml:"tools"`
}

// DefaultConfig mirrors the reference implementation's defaults throughout.
func DefaultConfig() Config {
	return Config{
		Model:               "sonnet",
		MaxTokens:           8192,
		MaxContextTokens:    150_000,
		CheckpointThreshold: 0.6,
		SummaryThreshold:    0.8,
		Costs: CostsConfig{
			Warn:  10.0,
			Alert: 25.0,
			Max:   50.0,
		},
		Execution: ExecutionConfig{
			MaxIterations:       500,
			MaxToolCallsPerTurn: 20,
			CooldownOnError:     5,
		},
		Git: GitConfig{
			AutoCommitOnPhase:    true,
			CommitPrefix:         "feat",
			RequireVerification:  true,
		},
		Tools: ToolsConfig{
			Bash: BashToolConfig{Timeout: 120},
		},
	}
}

// CooldownDuration converts Execution.CooldownOnError to a time.Duration.
func (c Config) CooldownDuration() time.Duration {
	return time.Duration(c.Execution.CooldownOnError * float64(time.Second))
}

// ConfigFileName is the expected filename under a project's config directory.
const ConfigFileName = "autopilot.yaml"

// ConfigFilePath returns the default config path under a project directory.
func ConfigFilePath(projectDir string) string {
	return filepath.Join(projectDir, ConfigFileName)
}

// Load reads configuration from the default path under projectDir. If the
// file does not exist, DefaultConfig is returned unchanged.
func Load(projectDir string) (Config, error) {
	return LoadFrom(ConfigFilePath(projectDir))
}

// LoadFrom reads and decodes a YAML configuration file, starting from
// DefaultConfig and overlaying whatever keys are present. Unrecognized keys
// are reported as warnings on stderr, not treated as fatal errors.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		// KnownFields rejects the whole document on an unrecognized key;
		// warn and retry leniently so a typo'd key doesn't block startup.
		fmt.Fprintf(os.Stderr, "warning: %s: %v\n", path, err)
		lenient := yaml.NewDecoder(bytes.NewReader(data))
		if lerr := lenient.Decode(&cfg); lerr != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, lerr)
		}
	}

	return cfg, nil
}

// LoadLegacyTOML reads a pre-migration TOML config for one-shot conversion
// to the current YAML format. It exists only to ease migration off the
// predecessor orchestration tool's config file; new projects should write
// autopilot.yaml directly.
func LoadLegacyTOML(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing legacy TOML config %s: %w", path, err)
	}
	return cfg, nil
}

// EnsureDir creates the project directory's hidden state directory if it
// does not already exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o700)
}
