package platform

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/antigravity-dev/sce/internal/config"
	"github.com/antigravity-dev/sce/internal/procenv"
)

// windowsArgvBudget is conservative: CreateProcess caps the command line at
// 32 KiB but cmd.exe-mediated invocations choke near 8 KiB.
const windowsArgvBudget = 8 * 1024

const defaultArgvBudget = 128 * 1024

// Selector picks a launcher per spawn. In auto mode the choice is driven by
// the measured argv size against the platform budget plus a script-host
// probe, never by OS name alone.
type Selector struct {
	mode   string
	image  string
	budget int
	env    procenv.Environment
	logger *slog.Logger

	container *ContainerLauncher
}

// NewSelector builds a selector for the configured launcher mode.
func NewSelector(cfg *config.Config, env procenv.Environment, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	budget := defaultArgvBudget
	if runtime.GOOS == "windows" {
		budget = windowsArgvBudget
	}
	return &Selector{
		mode:   cfg.Launcher,
		image:  cfg.ContainerImage,
		budget: budget,
		env:    env,
		logger: logger.With("component", "platform"),
	}
}

// For returns the launcher to use for one spawn.
func (s *Selector) For(spec LaunchSpec) (Launcher, error) {
	switch s.mode {
	case config.LauncherDirect:
		return &ExecLauncher{}, nil
	case config.LauncherScriptHost:
		host, ok := s.probeScriptHost()
		if !ok {
			return nil, fmt.Errorf("platform: launcher %q configured but no script host found (tried %v)", s.mode, scriptHosts)
		}
		return NewScriptHostLauncher(host), nil
	case config.LauncherContainer:
		return s.containerLauncher()
	default: // auto
		if ArgvBytes(spec) <= s.budget {
			return &ExecLauncher{}, nil
		}
		if host, ok := s.probeScriptHost(); ok {
			s.logger.Debug("argv budget exceeded, using script host",
				"bytes", ArgvBytes(spec), "budget", s.budget, "host", host)
			return NewScriptHostLauncher(host), nil
		}
		s.logger.Warn("argv budget exceeded and no script host available, passing prompt directly",
			"bytes", ArgvBytes(spec), "budget", s.budget)
		return &ExecLauncher{}, nil
	}
}

func (s *Selector) probeScriptHost() (string, bool) {
	for _, host := range scriptHosts {
		if path, err := s.env.LookPath(host); err == nil {
			return path, true
		}
	}
	return "", false
}

func (s *Selector) containerLauncher() (Launcher, error) {
	if s.container == nil {
		launcher, err := NewContainerLauncher(s.image)
		if err != nil {
			return nil, err
		}
		s.container = launcher
	}
	return s.container, nil
}
