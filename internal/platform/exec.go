package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// ExecLauncher passes the prompt as the final command-line argument.
type ExecLauncher struct{}

func (l *ExecLauncher) Name() string { return "direct" }

func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, string, error) {
	argv := make([]string, 0, len(spec.Prefix)+len(spec.Args)+1)
	argv = append(argv, spec.Prefix...)
	argv = append(argv, spec.Args...)
	argv = append(argv, spec.Prompt)

	proc, err := startCommand(spec.Command, argv, spec)
	if err != nil {
		return nil, "", err
	}
	return proc, "", nil
}

// startCommand starts an executable with piped stdout/stderr, closed stdin
// and the spec's working directory and environment.
func startCommand(command string, argv []string, spec LaunchSpec) (*execProcess, error) {
	cmd := exec.Command(command, argv...)
	cmd.Dir = spec.WorkDir
	cmd.Env = spec.Env
	hideWindow(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("platform: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("platform: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("platform: start %s: %w", command, err)
	}

	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *execProcess) ID() string { return strconv.Itoa(p.cmd.Process.Pid) }

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("platform: wait: %w", err)
}

func (p *execProcess) Terminate() error {
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if err == nil || errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return fmt.Errorf("platform: terminate pid %d: %w", p.cmd.Process.Pid, err)
}

func (p *execProcess) ForceKill() error {
	err := p.cmd.Process.Kill()
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return fmt.Errorf("platform: kill pid %d: %w", p.cmd.Process.Pid, err)
}
