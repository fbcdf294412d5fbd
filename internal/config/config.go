// Package config defines the rush configuration, loaded via viper from
// config files, environment variables (RUSH_ prefix), and CLI flags.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete rush configuration
type Config struct {
	Run     RunConfig     `mapstructure:"run"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Merge   MergeConfig   `mapstructure:"merge"`
	Gate    GateConfig    `mapstructure:"gate"`
	Tracker TrackerConfig `mapstructure:"tracker"`
	Logging LoggingConfig `mapstructure:"logging"`
	Paths   PathsConfig   `mapstructure:"paths"`
}

// RunConfig controls level execution
type RunConfig struct {
	// MaxParallel is the maximum number of workers dispatched concurrently
	// within a level (default: 4)
	MaxParallel int `mapstructure:"max_parallel"`
	// MaxTaskRetries is how many times a failed or timed-out task is
	// retried before the level fails (default: 2)
	MaxTaskRetries int `mapstructure:"max_task_retries"`
}

// WorkerConfig controls how workers are spawned
type WorkerConfig struct {
	// Mode selects worker execution: "process" or "container" (default: "process")
	Mode string `mapstructure:"mode"`
	// Command is the worker program and its arguments. Required to start a run.
	Command []string `mapstructure:"command"`
	// Image is the container image for container mode
	Image string `mapstructure:"image"`
	// TimeoutMinutes is the per-worker wall-clock limit (default: 30)
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
	// SpawnMaxAttempts is how many launch attempts are made before a
	// spawn fails (default: 3)
	SpawnMaxAttempts int `mapstructure:"spawn_max_attempts"`
	// SpawnBackoffMs is the delay before the second launch attempt in
	// milliseconds; doubles per attempt (default: 500)
	SpawnBackoffMs int `mapstructure:"spawn_backoff_ms"`
	// SpawnBackoffMaxMs caps the backoff growth in milliseconds (default: 5000)
	SpawnBackoffMaxMs int `mapstructure:"spawn_backoff_max_ms"`
	// EnvAllowlist names the environment variables copied from the
	// orchestrator's environment into workers. Everything else stays on
	// this side of the spawn boundary. Values never appear in logs.
	EnvAllowlist []string `mapstructure:"env_allowlist"`
}

// MergeConfig controls the level merge
type MergeConfig struct {
	// KeepSandboxes retains task sandboxes after a successful merge
	// instead of deleting them (default: false)
	KeepSandboxes bool `mapstructure:"keep_sandboxes"`
}

// GateConfig controls quality gates
type GateConfig struct {
	// RunAll runs every gate command even after one fails and reports all
	// failures together (default: false, short-circuit)
	RunAll bool `mapstructure:"run_all"`
	// ExtraCommands are gate commands appended after the graph's own
	// gates for every level
	ExtraCommands []string `mapstructure:"extra_commands"`
}

// TrackerConfig selects the task-tracking backend
type TrackerConfig struct {
	// Provider is the tracking backend: "memory" (default)
	Provider string `mapstructure:"provider"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
}

// PathsConfig controls where rush stores data
type PathsConfig struct {
	// RunsDir is where run records, logs, and sandboxes live.
	// Relative paths resolve against the workspace (default: ".rush/runs").
	// Supports ~ for home directory expansion.
	RunsDir string `mapstructure:"runs_dir"`
	// WorkspaceDir is the shared workspace levels merge into
	// (default: the current directory)
	WorkspaceDir string `mapstructure:"workspace_dir"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Run: RunConfig{
			MaxParallel:    4,
			MaxTaskRetries: 2,
		},
		Worker: WorkerConfig{
			Mode:              "process",
			Command:           []string{},
			Image:             "",
			TimeoutMinutes:    30,
			SpawnMaxAttempts:  3,
			SpawnBackoffMs:    500,
			SpawnBackoffMaxMs: 5000,
			EnvAllowlist:      []string{},
		},
		Merge: MergeConfig{
			KeepSandboxes: false,
		},
		Gate: GateConfig{
			RunAll:        false,
			ExtraCommands: []string{},
		},
		Tracker: TrackerConfig{
			Provider: "memory",
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
		Paths: PathsConfig{
			RunsDir:      filepath.Join(".rush", "runs"),
			WorkspaceDir: ".",
		},
	}
}

// Timeout returns the per-worker timeout as a time.Duration
func (c *WorkerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// SpawnBackoff returns the initial spawn backoff as a time.Duration
func (c *WorkerConfig) SpawnBackoff() time.Duration {
	return time.Duration(c.SpawnBackoffMs) * time.Millisecond
}

// SpawnBackoffMax returns the backoff cap as a time.Duration
func (c *WorkerConfig) SpawnBackoffMax() time.Duration {
	return time.Duration(c.SpawnBackoffMaxMs) * time.Millisecond
}

// ResolveRunsDir returns the runs directory resolved against baseDir.
func (p *PathsConfig) ResolveRunsDir(baseDir string) string {
	path := p.RunsDir
	if path == "" {
		path = filepath.Join(".rush", "runs")
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Run defaults
	viper.SetDefault("run.max_parallel", defaults.Run.MaxParallel)
	viper.SetDefault("run.max_task_retries", defaults.Run.MaxTaskRetries)

	// Worker defaults
	viper.SetDefault("worker.mode", defaults.Worker.Mode)
	viper.SetDefault("worker.timeout_minutes", defaults.Worker.TimeoutMinutes)
	viper.SetDefault("worker.spawn_max_attempts", defaults.Worker.SpawnMaxAttempts)
	viper.SetDefault("worker.spawn_backoff_ms", defaults.Worker.SpawnBackoffMs)
	viper.SetDefault("worker.spawn_backoff_max_ms", defaults.Worker.SpawnBackoffMaxMs)
	viper.SetDefault("worker.env_allowlist", defaults.Worker.EnvAllowlist)

	// Merge defaults
	viper.SetDefault("merge.keep_sandboxes", defaults.Merge.KeepSandboxes)

	// Gate defaults
	viper.SetDefault("gate.run_all", defaults.Gate.RunAll)
	viper.SetDefault("gate.extra_commands", defaults.Gate.ExtraCommands)

	// Tracker defaults
	viper.SetDefault("tracker.provider", defaults.Tracker.Provider)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)

	// Paths defaults
	viper.SetDefault("paths.runs_dir", defaults.Paths.RunsDir)
	viper.SetDefault("paths.workspace_dir", defaults.Paths.WorkspaceDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "rush")
	}
	// Fall back to ~/.config/rush
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rush"
	}
	return filepath.Join(home, ".config", "rush")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
