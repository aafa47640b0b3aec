package spawn

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/antigravity-dev/sce/internal/config"
	"github.com/antigravity-dev/sce/internal/history"
	"github.com/antigravity-dev/sce/internal/platform"
	"github.com/antigravity-dev/sce/internal/procenv"
	"github.com/antigravity-dev/sce/internal/prompt"
	"github.com/antigravity-dev/sce/internal/registry"
	"github.com/antigravity-dev/sce/internal/workspace"
)

const (
	// killEscalationDelay is the grace period between the polite terminate
	// signal and the forced kill.
	killEscalationDelay = 5 * time.Second

	// safetyResolverDelay bounds how long a killed worker may stay in the
	// running state before it is force-marked failed.
	safetyResolverDelay = 10 * time.Second

	defaultEventBuffer = 256
)

// LauncherSelector picks a launch strategy for a worker invocation.
type LauncherSelector interface {
	For(spec platform.LaunchSpec) (platform.Launcher, error)
}

// Options configures a Spawner.
type Options struct {
	Config    *config.Config
	Workspace *workspace.Workspace
	Env       procenv.Environment
	Registry  *registry.Registry
	Prompts   *prompt.Builder
	Launchers LauncherSelector
	Ledger    *history.Store
	Logger    *slog.Logger
	SessionID string

	// EventBuffer overrides the fan-in channel capacity. Zero means the
	// default.
	EventBuffer int
}

// Spawner launches and supervises worker sub-processes. Each worker runs
// one spec; the spawner owns the full lifecycle from launch to terminal
// state, including timeout enforcement and kill escalation.
type Spawner struct {
	cfg       *config.Config
	ws        *workspace.Workspace
	env       procenv.Environment
	registry  *registry.Registry
	prompts   *prompt.Builder
	launchers LauncherSelector
	ledger    *history.Store
	logger    *slog.Logger
	sessionID string
	timeout   time.Duration

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	workers map[string]*Worker
}

// New validates the options and returns a ready Spawner.
func New(opts Options) (*Spawner, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("spawn: config is required")
	}
	if opts.Workspace == nil {
		return nil, fmt.Errorf("spawn: workspace is required")
	}
	if opts.Env == nil {
		return nil, fmt.Errorf("spawn: environment is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("spawn: registry is required")
	}
	if opts.Prompts == nil {
		return nil, fmt.Errorf("spawn: prompt builder is required")
	}
	if opts.Launchers == nil {
		return nil, fmt.Errorf("spawn: launcher selector is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Spawner{
		cfg:       opts.Config,
		ws:        opts.Workspace,
		env:       opts.Env,
		registry:  opts.Registry,
		prompts:   opts.Prompts,
		launchers: opts.Launchers,
		ledger:    opts.Ledger,
		logger:    logger.With("component", "spawn"),
		sessionID: opts.SessionID,
		timeout:   opts.Config.WorkerTimeout(),
		events:    make(chan Event, buffer),
		closed:    make(chan struct{}),
		workers:   make(map[string]*Worker),
	}, nil
}

// SetSessionID changes the session id stamped on subsequent worker-run
// records. Workers already launched keep the id they started with.
func (s *Spawner) SetSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

func (s *Spawner) currentSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Events returns the fan-in channel carrying every worker's parsed stdout
// records. A single consumer should drain it for the spawner's lifetime.
func (s *Spawner) Events() <-chan Event { return s.events }

// Close stops event publication. Workers already running keep running.
func (s *Spawner) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Spawn launches a worker for the named spec. Configuration problems such
// as a missing API key or an unusable prompt template fail before anything
// starts and return a nil worker. Launch failures after registration are
// absorbed into the returned worker's terminal state so the caller can
// treat every registered worker uniformly.
func (s *Spawner) Spawn(ctx context.Context, specName string) (*Worker, error) {
	apiKey, err := procenv.ResolveAPIKey(s.env, s.cfg.APIKeyEnvVar)
	if err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}
	promptText, err := s.prompts.Build(specName)
	if err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}

	workerID := s.registry.Register(specName)
	w := newWorker(workerID, specName, defaultStderrLimit)
	s.mu.Lock()
	s.workers[workerID] = w
	s.mu.Unlock()

	if s.ledger != nil {
		if err := s.ledger.RecordWorkerStart(workerID, specName, s.currentSessionID(), w.startedAt); err != nil {
			s.logger.Warn("recording worker start", "worker_id", workerID, "error", err)
		}
	}

	envVar := s.cfg.APIKeyEnvVar
	if envVar == "" {
		envVar = config.DefaultAPIKeyEnvVar
	}
	inv := procenv.ResolveCommand(s.env, s.cfg.CodexCommand)
	spec := platform.LaunchSpec{
		Command:  inv.Path,
		Prefix:   inv.Prefix,
		Args:     buildWorkerArgs(s.cfg.CodexArgs),
		Prompt:   promptText,
		WorkDir:  s.ws.Root(),
		Env:      append(s.env.Environ(), envVar+"="+apiKey),
		WorkerID: workerID,
	}

	launcher, err := s.launchers.For(spec)
	if err != nil {
		s.failSpawn(w, err)
		return w, nil
	}
	proc, promptFile, err := launcher.Launch(ctx, spec)
	if err != nil {
		s.failSpawn(w, err)
		return w, nil
	}

	w.mu.Lock()
	w.proc = proc
	w.promptFile = promptFile
	w.timeoutTimer = time.AfterFunc(s.timeout, func() { s.timeoutWorker(w) })
	w.mu.Unlock()

	go s.pumpStdout(w, proc.Stdout())
	go s.pumpStderr(w, proc.Stderr())
	go s.waitWorker(w, proc)

	s.logger.Info("worker spawned",
		"worker_id", workerID, "spec", specName,
		"launcher", launcher.Name(), "timeout", s.timeout)
	return w, nil
}

// Worker returns a spawned worker by id.
func (s *Spawner) Worker(workerID string) (*Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[workerID]
	return w, ok
}

// Workers returns all spawned workers ordered by start time.
func (s *Spawner) Workers() []*Worker {
	s.mu.RLock()
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].startedAt.Equal(out[j].startedAt) {
			return out[i].id < out[j].id
		}
		return out[i].startedAt.Before(out[j].startedAt)
	})
	return out
}

// RunningCount returns the number of workers not yet terminal.
func (s *Spawner) RunningCount() int {
	n := 0
	for _, w := range s.Workers() {
		if w.Status() == StatusRunning {
			n++
		}
	}
	return n
}

// Kill requests termination of a running worker. The polite signal is
// escalated to a forced kill after a grace period, and a safety resolver
// marks the worker failed if it still has not reached a terminal state.
// Killing an unknown or already-terminal worker is a no-op.
func (s *Spawner) Kill(workerID string) {
	s.mu.RLock()
	w := s.workers[workerID]
	s.mu.RUnlock()
	if w == nil {
		return
	}

	w.mu.Lock()
	if w.status != StatusRunning || w.proc == nil {
		w.mu.Unlock()
		return
	}
	if w.safetyTimer == nil {
		w.safetyTimer = time.AfterFunc(safetyResolverDelay, func() {
			if s.finishWorker(w, StatusFailed, nil) {
				s.logger.Warn("worker unresponsive after kill, marked failed",
					"worker_id", w.id, "spec", w.specName)
			}
		})
	}
	w.mu.Unlock()

	s.logger.Info("killing worker", "worker_id", w.id, "spec", w.specName)
	s.escalateKill(w)
}

// KillAll requests termination of every running worker.
func (s *Spawner) KillAll() {
	for _, w := range s.Workers() {
		s.Kill(w.id)
	}
}

// failSpawn marks a registered worker failed before its process started.
func (s *Spawner) failSpawn(w *Worker, cause error) {
	w.appendStderr("spawn: " + cause.Error() + "\n")
	s.finishWorker(w, StatusFailed, nil)
	s.logger.Error("worker launch failed",
		"worker_id", w.id, "spec", w.specName, "error", cause)
}

// waitWorker blocks on process exit and records the terminal state. If a
// timeout or kill already resolved the worker this is a no-op.
func (s *Spawner) waitWorker(w *Worker, proc platform.Process) {
	code, err := proc.Wait()
	if err != nil {
		w.appendStderr(err.Error() + "\n")
		s.finishWorker(w, StatusFailed, nil)
		return
	}
	exit := code
	if exit == 0 {
		s.finishWorker(w, StatusCompleted, &exit)
		return
	}
	s.finishWorker(w, StatusFailed, &exit)
}

// timeoutWorker resolves a worker as timed out, then reaps the process.
// The exit code stays nil; whatever the process exits with afterwards is
// irrelevant to the recorded outcome.
func (s *Spawner) timeoutWorker(w *Worker) {
	if !s.finishWorker(w, StatusTimeout, nil) {
		return
	}
	s.logger.Warn("worker timed out",
		"worker_id", w.id, "spec", w.specName, "timeout", s.timeout)
	s.escalateKill(w)
}

// escalateKill sends the polite terminate signal and arms the forced kill.
func (s *Spawner) escalateKill(w *Worker) {
	w.mu.Lock()
	proc := w.proc
	if proc != nil && w.killTimer == nil {
		w.killTimer = time.AfterFunc(killEscalationDelay, func() {
			if err := proc.ForceKill(); err != nil {
				s.logger.Debug("force kill", "worker_id", w.id, "error", err)
			}
		})
	}
	w.mu.Unlock()
	if proc == nil {
		return
	}
	if err := proc.Terminate(); err != nil {
		s.logger.Debug("terminate", "worker_id", w.id, "error", err)
	}
}

// finishWorker performs the single transition out of the running state.
// It reports false when the worker was already terminal.
func (s *Spawner) finishWorker(w *Worker, status Status, exitCode *int) bool {
	w.mu.Lock()
	if w.status != StatusRunning {
		w.mu.Unlock()
		return false
	}
	w.status = status
	w.exitCode = exitCode
	w.completedAt = time.Now()
	if w.timeoutTimer != nil {
		w.timeoutTimer.Stop()
	}
	if w.safetyTimer != nil {
		w.safetyTimer.Stop()
	}
	promptFile := w.promptFile
	w.promptFile = ""
	stderrTail := w.stderr.String()
	completedAt := w.completedAt
	w.mu.Unlock()

	if promptFile != "" {
		if err := os.Remove(promptFile); err != nil && !os.IsNotExist(err) {
			s.logger.Debug("removing prompt file", "path", promptFile, "error", err)
		}
	}
	s.registry.Deregister(w.id)
	if s.ledger != nil {
		if err := s.ledger.RecordWorkerEnd(w.id, string(status), exitCode, stderrTail, completedAt); err != nil {
			s.logger.Warn("recording worker end", "worker_id", w.id, "error", err)
		}
	}
	s.logger.Info("worker finished",
		"worker_id", w.id, "spec", w.specName,
		"status", string(status), "exit_code", formatExitCode(exitCode))
	close(w.done)
	return true
}

func formatExitCode(code *int) string {
	if code == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *code)
}
