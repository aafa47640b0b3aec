// Package platform launches worker processes. It hides how the bootstrap
// prompt reaches the worker: directly as the final argument, through a
// script host reading a temp file when the argv budget is too small, or
// inside a container.
package platform

import (
	"context"
	"io"
	"strings"
)

// LaunchSpec describes one worker invocation. Args never contains the
// prompt; the launcher decides how the prompt is delivered.
type LaunchSpec struct {
	Command  string
	Prefix   []string // package-runner arguments preceding Args
	Args     []string
	Prompt   string
	WorkDir  string
	Env      []string
	WorkerID string
}

// Process is a started worker. Wait returns the exit code once; Terminate
// requests a graceful stop and ForceKill an immediate one. Both are safe to
// call after exit.
type Process interface {
	ID() string
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() (int, error)
	Terminate() error
	ForceKill() error
}

// Launcher starts workers. The second return value is the prompt temp file
// path when the strategy created one; the caller owns its removal.
type Launcher interface {
	Name() string
	Launch(ctx context.Context, spec LaunchSpec) (Process, string, error)
}

// ArgvBytes measures the command line a direct launch would need.
func ArgvBytes(spec LaunchSpec) int {
	n := len(spec.Command) + 1
	for _, a := range spec.Prefix {
		n += len(a) + 1
	}
	for _, a := range spec.Args {
		n += len(a) + 1
	}
	n += len(spec.Prompt) + 1
	return n
}

// SanitizeForFilename strips filesystem-reserved characters so worker ids can
// appear in temp file and container names.
func SanitizeForFilename(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "worker"
	}
	replacer := strings.NewReplacer(
		"/", "-", "\\", "-", ":", "-", " ", "-", ".", "-",
		"<", "-", ">", "-", "\"", "-", "|", "-", "?", "-", "*", "-",
	)
	return replacer.Replace(v)
}
