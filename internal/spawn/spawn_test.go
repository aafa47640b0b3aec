package spawn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/antigravity-dev/sce/internal/config"
	"github.com/antigravity-dev/sce/internal/platform"
	"github.com/antigravity-dev/sce/internal/procenv"
	"github.com/antigravity-dev/sce/internal/prompt"
	"github.com/antigravity-dev/sce/internal/registry"
	"github.com/antigravity-dev/sce/internal/workspace"
)

// scriptSelector launches every worker as "sh -c script", ignoring the
// resolved command so tests control the process behavior directly.
type scriptSelector struct {
	script string
	// promptDir, when set, makes the launcher materialize the prompt into
	// a file and report it for cleanup tracking.
	promptDir string
}

func (s scriptSelector) For(platform.LaunchSpec) (platform.Launcher, error) {
	return &scriptLauncher{script: s.script, promptDir: s.promptDir}, nil
}

type scriptLauncher struct {
	script    string
	promptDir string
}

func (l *scriptLauncher) Name() string { return "test-script" }

func (l *scriptLauncher) Launch(ctx context.Context, spec platform.LaunchSpec) (platform.Process, string, error) {
	promptFile := ""
	if l.promptDir != "" {
		promptFile = filepath.Join(l.promptDir, "prompt-"+spec.WorkerID+".txt")
		if err := os.WriteFile(promptFile, []byte(spec.Prompt), 0o600); err != nil {
			return nil, "", err
		}
	}
	exec := &platform.ExecLauncher{}
	proc, _, err := exec.Launch(ctx, platform.LaunchSpec{
		Command:  "sh",
		Args:     []string{"-c"},
		Prompt:   l.script,
		WorkDir:  spec.WorkDir,
		Env:      spec.Env,
		WorkerID: spec.WorkerID,
	})
	return proc, promptFile, err
}

type errorSelector struct{ err error }

func (s errorSelector) For(platform.LaunchSpec) (platform.Launcher, error) {
	return nil, s.err
}

func testSpawner(t *testing.T, sel LauncherSelector, timeoutSeconds int) *Spawner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker process tests require sh")
	}
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.TimeoutSeconds = timeoutSeconds
	prompts, err := prompt.NewBuilder(ws, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(Options{
		Config:    cfg,
		Workspace: ws,
		Env:       &procenv.Static{Env: map[string]string{config.DefaultAPIKeyEnvVar: "test-key"}},
		Registry:  registry.New(nil),
		Prompts:   prompts,
		Launchers: sel,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func waitDone(t *testing.T, w *Worker, timeout time.Duration) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(timeout):
		t.Fatalf("worker %s still %s after %v", w.ID(), w.Status(), timeout)
	}
}

func TestSpawnCompletedWorker(t *testing.T) {
	script := `echo '{"type":"task_started"}'; echo '{"result_summary":{"spec_id":"01-01-dispatch-core","changed_files":["main.go"],"tests_run":3,"tests_passed":3,"risk_level":"low","open_issues":[]}}'`
	s := testSpawner(t, scriptSelector{script: script}, 30)

	w, err := s.Spawn(context.Background(), "01-01-dispatch-core")
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitDone(t, w, 10*time.Second)

	if w.Status() != StatusCompleted {
		t.Errorf("status = %s, want completed", w.Status())
	}
	if code := w.ExitCode(); code == nil || *code != 0 {
		t.Errorf("exit code = %v, want 0", code)
	}
	if !w.Succeeded() {
		t.Error("Succeeded() = false for exit 0")
	}
	if got := len(w.Events()); got != 2 {
		t.Errorf("recorded %d events, want 2", got)
	}
	if s.registry.Len() != 0 {
		t.Errorf("registry has %d entries after terminal state, want 0", s.registry.Len())
	}

	summary := s.ResultSummary(w.ID())
	if summary == nil {
		t.Fatal("ResultSummary returned nil")
	}
	if summary["spec_id"] != "01-01-dispatch-core" {
		t.Errorf("summary spec_id = %v", summary["spec_id"])
	}
}

func TestSpawnFailedWorker(t *testing.T) {
	s := testSpawner(t, scriptSelector{script: `echo "compile error" >&2; exit 3`}, 30)

	w, err := s.Spawn(context.Background(), "01-01-dispatch-core")
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitDone(t, w, 10*time.Second)

	if w.Status() != StatusFailed {
		t.Errorf("status = %s, want failed", w.Status())
	}
	if code := w.ExitCode(); code == nil || *code != 3 {
		t.Errorf("exit code = %v, want 3", code)
	}
	if tail := w.Stderr(); tail == "" {
		t.Error("stderr tail is empty, want captured output")
	}
}

func TestSpawnTimeout(t *testing.T) {
	s := testSpawner(t, scriptSelector{script: `sleep 30`}, 1)

	w, err := s.Spawn(context.Background(), "01-01-dispatch-core")
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitDone(t, w, 10*time.Second)

	if w.Status() != StatusTimeout {
		t.Errorf("status = %s, want timeout", w.Status())
	}
	if code := w.ExitCode(); code != nil {
		t.Errorf("exit code = %d, want nil for timeout", *code)
	}
	if s.registry.Len() != 0 {
		t.Errorf("registry has %d entries after timeout, want 0", s.registry.Len())
	}
}

func TestSpawnMissingAPIKey(t *testing.T) {
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	prompts, err := prompt.NewBuilder(ws, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(Options{
		Config:    config.Default(),
		Workspace: ws,
		Env:       &procenv.Static{},
		Registry:  registry.New(nil),
		Prompts:   prompts,
		Launchers: scriptSelector{script: `true`},
	})
	if err != nil {
		t.Fatal(err)
	}

	w, err := s.Spawn(context.Background(), "01-01-dispatch-core")
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
	if w != nil {
		t.Errorf("worker = %v, want nil when nothing was launched", w.ID())
	}
	if s.registry.Len() != 0 {
		t.Errorf("registry has %d entries, want 0", s.registry.Len())
	}
}

func TestSpawnLaunchFailure(t *testing.T) {
	s := testSpawner(t, errorSelector{err: errors.New("no script host available")}, 30)

	w, err := s.Spawn(context.Background(), "01-01-dispatch-core")
	if err != nil {
		t.Fatalf("Spawn returned error %v, want failure captured on worker", err)
	}
	if w == nil {
		t.Fatal("expected a registered worker")
	}
	waitDone(t, w, time.Second)

	if w.Status() != StatusFailed {
		t.Errorf("status = %s, want failed", w.Status())
	}
	if w.ExitCode() != nil {
		t.Errorf("exit code = %v, want nil", w.ExitCode())
	}
	if tail := w.Stderr(); tail == "" {
		t.Error("stderr tail should carry the launch error")
	}
	if s.registry.Len() != 0 {
		t.Errorf("registry has %d entries, want 0", s.registry.Len())
	}
}

func TestKillRunningWorker(t *testing.T) {
	s := testSpawner(t, scriptSelector{script: `sleep 30`}, 600)

	w, err := s.Spawn(context.Background(), "01-01-dispatch-core")
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	s.Kill(w.ID())
	waitDone(t, w, 10*time.Second)

	if w.Status() != StatusFailed {
		t.Errorf("status = %s, want failed after kill", w.Status())
	}
	if s.registry.Len() != 0 {
		t.Errorf("registry has %d entries after kill, want 0", s.registry.Len())
	}
}

func TestKillIdempotent(t *testing.T) {
	s := testSpawner(t, scriptSelector{script: `true`}, 30)

	w, err := s.Spawn(context.Background(), "01-01-dispatch-core")
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitDone(t, w, 10*time.Second)
	status := w.Status()

	s.Kill(w.ID())
	s.Kill("w-unknown")

	if w.Status() != status {
		t.Errorf("status changed from %s to %s after redundant kill", status, w.Status())
	}
}

func TestKillAll(t *testing.T) {
	s := testSpawner(t, scriptSelector{script: `sleep 30`}, 600)

	var workers []*Worker
	for _, spec := range []string{"01-01-core", "01-02-api"} {
		w, err := s.Spawn(context.Background(), spec)
		if err != nil {
			t.Fatalf("Spawn %s failed: %v", spec, err)
		}
		workers = append(workers, w)
	}

	s.KillAll()
	for _, w := range workers {
		waitDone(t, w, 10*time.Second)
	}
	if n := s.RunningCount(); n != 0 {
		t.Errorf("RunningCount = %d after KillAll, want 0", n)
	}
}

func TestEventsFanIn(t *testing.T) {
	script := `echo '{"seq":1}'; echo 'not json at all'; echo '{"seq":2}'`
	s := testSpawner(t, scriptSelector{script: script}, 30)

	w, err := s.Spawn(context.Background(), "01-01-dispatch-core")
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitDone(t, w, 10*time.Second)

	if got := len(w.Events()); got != 2 {
		t.Fatalf("worker recorded %d events, want 2 (garbage dropped)", got)
	}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-s.Events():
			if ev.WorkerID != w.ID() {
				t.Errorf("event worker id = %s, want %s", ev.WorkerID, w.ID())
			}
			if ev.SpecName != "01-01-dispatch-core" {
				t.Errorf("event spec = %s", ev.SpecName)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("event %d never arrived on fan-in channel", i+1)
		}
	}
}

func TestPromptFileRemovedOnTerminal(t *testing.T) {
	dir := t.TempDir()
	s := testSpawner(t, scriptSelector{script: `true`, promptDir: dir}, 30)

	w, err := s.Spawn(context.Background(), "01-01-dispatch-core")
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitDone(t, w, 10*time.Second)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("prompt dir still has %d files after terminal state", len(entries))
	}
}

func TestWorkersOrderedByStart(t *testing.T) {
	s := testSpawner(t, scriptSelector{script: `true`}, 30)

	first, err := s.Spawn(context.Background(), "01-01-a")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	second, err := s.Spawn(context.Background(), "01-02-b")
	if err != nil {
		t.Fatal(err)
	}

	workers := s.Workers()
	if len(workers) != 2 {
		t.Fatalf("Workers() returned %d, want 2", len(workers))
	}
	if workers[0].ID() != first.ID() || workers[1].ID() != second.ID() {
		t.Errorf("workers out of start order: %s, %s", workers[0].ID(), workers[1].ID())
	}
	waitDone(t, first, 10*time.Second)
	waitDone(t, second, 10*time.Second)
}
