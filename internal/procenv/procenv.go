// Package procenv abstracts the process environment consulted when spawning
// workers: environment variables, the home directory, credential files and
// PATH lookups. Injecting it keeps credential and command resolution testable
// without touching the real machine.
package procenv

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Environment is the surface the spawner consults.
type Environment interface {
	LookupEnv(key string) (string, bool)
	Environ() []string
	HomeDir() (string, error)
	ReadFile(path string) ([]byte, error)
	LookPath(file string) (string, error)
}

// OS is the real process environment, optionally overlaid with entries from
// a workspace .env file. Real variables always win over .env entries.
type OS struct {
	overlay map[string]string
}

// NewOS builds an OS environment. When workspaceRoot is non-empty and holds a
// .env file, its entries become the overlay.
func NewOS(workspaceRoot string, logger *slog.Logger) *OS {
	env := &OS{}
	if workspaceRoot == "" {
		return env
	}
	path := filepath.Join(workspaceRoot, ".env")
	if _, err := os.Stat(path); err != nil {
		return env
	}
	overlay, err := godotenv.Read(path)
	if err != nil {
		if logger != nil {
			logger.Warn("ignoring unreadable .env file", "path", path, "error", err)
		}
		return env
	}
	env.overlay = overlay
	if logger != nil {
		logger.Debug("loaded .env overlay", "path", path, "entries", len(overlay))
	}
	return env
}

func (e *OS) LookupEnv(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	v, ok := e.overlay[key]
	return v, ok
}

func (e *OS) Environ() []string {
	environ := os.Environ()
	seen := make(map[string]struct{}, len(environ))
	for _, kv := range environ {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				seen[kv[:i]] = struct{}{}
				break
			}
		}
	}
	for k, v := range e.overlay {
		if _, ok := seen[k]; !ok {
			environ = append(environ, k+"="+v)
		}
	}
	return environ
}

func (e *OS) HomeDir() (string, error) { return os.UserHomeDir() }

func (e *OS) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (e *OS) LookPath(file string) (string, error) { return exec.LookPath(file) }

var _ Environment = (*OS)(nil)

// Static is a fixed environment for tests and dry planning.
type Static struct {
	Env      map[string]string
	Home     string
	Files    map[string][]byte
	Commands map[string]string // name -> resolved path
}

func (s *Static) LookupEnv(key string) (string, bool) {
	v, ok := s.Env[key]
	return v, ok
}

func (s *Static) Environ() []string {
	environ := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		environ = append(environ, k+"="+v)
	}
	return environ
}

func (s *Static) HomeDir() (string, error) {
	if s.Home == "" {
		return "", os.ErrNotExist
	}
	return s.Home, nil
}

func (s *Static) ReadFile(path string) ([]byte, error) {
	data, ok := s.Files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (s *Static) LookPath(file string) (string, error) {
	if path, ok := s.Commands[file]; ok {
		return path, nil
	}
	return "", exec.ErrNotFound
}

var _ Environment = (*Static)(nil)
