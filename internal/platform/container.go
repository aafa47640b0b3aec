package platform

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const containerWorkdir = "/workspace"

// ContainerLauncher runs the worker inside a container with the workspace
// bind-mounted. Terminate and ForceKill deliver TERM and KILL through the
// engine API, so the usual escalation semantics hold.
type ContainerLauncher struct {
	cli   *client.Client
	image string
}

// NewContainerLauncher connects to the Docker engine from the environment.
func NewContainerLauncher(image string) (*ContainerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("platform: docker client: %w", err)
	}
	return &ContainerLauncher{cli: cli, image: image}, nil
}

func (l *ContainerLauncher) Name() string { return "container" }

func (l *ContainerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, string, error) {
	workDir, err := filepath.Abs(spec.WorkDir)
	if err != nil {
		return nil, "", fmt.Errorf("platform: resolve workdir: %w", err)
	}

	cmd := make([]string, 0, len(spec.Prefix)+len(spec.Args)+2)
	cmd = append(cmd, spec.Command)
	cmd = append(cmd, spec.Prefix...)
	cmd = append(cmd, spec.Args...)
	cmd = append(cmd, spec.Prompt)

	containerCfg := &container.Config{
		Image:      l.image,
		Cmd:        cmd,
		Tty:        false,
		WorkingDir: containerWorkdir,
		Env:        spec.Env,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: workDir, Target: containerWorkdir},
		},
		AutoRemove: false,
	}

	name := "sce-worker-" + SanitizeForFilename(spec.WorkerID)
	resp, err := l.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, "", fmt.Errorf("platform: create container: %w", err)
	}
	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.removeContainer(resp.ID)
		return nil, "", fmt.Errorf("platform: start container: %w", err)
	}

	logs, err := l.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		l.removeContainer(resp.ID)
		return nil, "", fmt.Errorf("platform: attach container logs: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, logs)
		_ = stdoutW.CloseWithError(copyErr)
		_ = stderrW.CloseWithError(copyErr)
		_ = logs.Close()
	}()

	return &containerProcess{cli: l.cli, id: resp.ID, stdout: stdoutR, stderr: stderrR}, "", nil
}

func (l *ContainerLauncher) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = l.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

type containerProcess struct {
	cli    *client.Client
	id     string
	stdout io.Reader
	stderr io.Reader
}

func (p *containerProcess) ID() string {
	if len(p.id) > 12 {
		return p.id[:12]
	}
	return p.id
}

func (p *containerProcess) Stdout() io.Reader { return p.stdout }

func (p *containerProcess) Stderr() io.Reader { return p.stderr }

func (p *containerProcess) Wait() (int, error) {
	statusCh, errCh := p.cli.ContainerWait(context.Background(), p.id, container.WaitConditionNotRunning)
	defer p.remove()
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("platform: container wait: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		return -1, fmt.Errorf("platform: container wait: %w", err)
	}
}

func (p *containerProcess) Terminate() error {
	return p.signal("TERM")
}

func (p *containerProcess) ForceKill() error {
	return p.signal("KILL")
}

func (p *containerProcess) signal(sig string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.cli.ContainerKill(ctx, p.id, sig); err != nil {
		// Signalling an exited container is not an error for callers.
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("platform: signal container %s: %w", sig, err)
	}
	return nil
}

func (p *containerProcess) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.cli.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}
