package procenv

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// credentialFile is the JSON fallback consulted when the configured API key
// variable is unset. Written by the codex CLI login flow.
const credentialFile = ".codex/auth.json"

type credentials struct {
	OpenAIAPIKey string `json:"OPENAI_API_KEY"`
	CodexAPIKey  string `json:"CODEX_API_KEY"`
}

// ResolveAPIKey returns the worker API key: the named environment variable
// first, then the home credential file. A missing key is a hard error.
func ResolveAPIKey(env Environment, envVar string) (string, error) {
	if envVar == "" {
		return "", fmt.Errorf("procenv: API key variable name is required")
	}
	if v, ok := env.LookupEnv(envVar); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}

	home, err := env.HomeDir()
	if err != nil {
		return "", fmt.Errorf("procenv: %s unset and home directory unavailable: %w", envVar, err)
	}
	path := filepath.Join(home, credentialFile)
	data, err := env.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("procenv: no API key: %s unset and %s unreadable", envVar, path)
	}

	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", fmt.Errorf("procenv: parse %s: %w", path, err)
	}
	if k := strings.TrimSpace(creds.OpenAIAPIKey); k != "" {
		return k, nil
	}
	if k := strings.TrimSpace(creds.CodexAPIKey); k != "" {
		return k, nil
	}
	return "", fmt.Errorf("procenv: no API key: %s unset and %s has no OPENAI_API_KEY or CODEX_API_KEY", envVar, path)
}

// Invocation is a resolved worker command: the executable plus any prefix
// arguments a package runner needs before the real argv.
type Invocation struct {
	Path   string
	Prefix []string
}

// commonBinDirs are probed relative to home when PATH lookup misses.
var commonBinDirs = []string{
	".local/bin",
	"bin",
	".npm-global/bin",
}

// ResolveCommand picks the worker executable: the configured command when
// set, then a PATH probe for the native binary, then well-known install
// locations, finally the npx package-runner fallback.
func ResolveCommand(env Environment, configured string) Invocation {
	if c := strings.TrimSpace(configured); c != "" {
		return Invocation{Path: c}
	}

	if path, err := env.LookPath("codex"); err == nil {
		return Invocation{Path: path}
	}

	if home, err := env.HomeDir(); err == nil {
		for _, dir := range commonBinDirs {
			candidate := filepath.Join(home, dir, "codex")
			if _, err := env.ReadFile(candidate); err == nil {
				return Invocation{Path: candidate}
			}
		}
	}

	return Invocation{Path: "npx", Prefix: []string{"-y", "@openai/codex"}}
}
