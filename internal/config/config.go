// Package config loads and validates the orchestrator JSON configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Launcher selection values for Config.Launcher.
const (
	LauncherAuto       = "auto"
	LauncherDirect     = "direct"
	LauncherScriptHost = "script-host"
	LauncherContainer  = "container"
)

// DefaultAPIKeyEnvVar is consulted when the config does not name one.
const DefaultAPIKeyEnvVar = "CODEX_API_KEY"

// Config is the orchestrator.json document.
type Config struct {
	APIKeyEnvVar      string   `json:"apiKeyEnvVar"`
	CodexCommand      string   `json:"codexCommand"` // empty = auto-detect
	CodexArgs         []string `json:"codexArgs"`
	TimeoutSeconds    int      `json:"timeoutSeconds"`
	BootstrapTemplate string   `json:"bootstrapTemplate"` // path or inline text
	Launcher          string   `json:"launcher"`
	ContainerImage    string   `json:"containerImage"`
	MaxParallel       int      `json:"maxParallel"`
	DisableHistory    bool     `json:"disableHistory"`
}

// WorkerTimeout returns the per-worker timeout as a duration.
func (c *Config) WorkerTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and validates an orchestrator.json file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return &cfg, nil
}

// LoadFromWorkspace searches <root>/.sce/orchestrator.json then
// <root>/orchestrator.json. When neither exists the defaults are returned.
func LoadFromWorkspace(root string) (*Config, error) {
	candidates := []string{
		filepath.Join(root, ".sce", "orchestrator.json"),
		filepath.Join(root, "orchestrator.json"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return Load(path)
	}
	return Default(), nil
}

func applyDefaults(cfg *Config) {
	if cfg.APIKeyEnvVar == "" {
		cfg.APIKeyEnvVar = DefaultAPIKeyEnvVar
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 3600
	}
	if cfg.Launcher == "" {
		cfg.Launcher = LauncherAuto
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 3
	}
}

func validate(cfg *Config) error {
	if cfg.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeoutSeconds must be positive, got %d", cfg.TimeoutSeconds)
	}
	switch cfg.Launcher {
	case LauncherAuto, LauncherDirect, LauncherScriptHost, LauncherContainer:
	default:
		return fmt.Errorf("unknown launcher %q (want auto, direct, script-host or container)", cfg.Launcher)
	}
	if cfg.Launcher == LauncherContainer && cfg.ContainerImage == "" {
		return fmt.Errorf("launcher %q requires containerImage", LauncherContainer)
	}
	if cfg.MaxParallel < 1 {
		return fmt.Errorf("maxParallel must be at least 1, got %d", cfg.MaxParallel)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
