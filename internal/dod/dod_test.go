package dod

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/sce/internal/collab"
	"github.com/antigravity-dev/sce/internal/workspace"
)

func dodFixture(t *testing.T) (*workspace.Workspace, *collab.Store) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return ws, collab.NewStore(ws, nil)
}

func newChecker(t *testing.T, ws *workspace.Workspace, store *collab.Store, cfg Config) *Checker {
	t.Helper()
	c, err := New(Options{Workspace: ws, Collab: store, Config: cfg})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func writeSpecDocs(t *testing.T, ws *workspace.Workspace, name, tasks string) {
	t.Helper()
	dir := ws.SpecDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	docs := map[string]string{
		workspace.RequirementsFile: "# Requirements\n\n- behaves\n",
		workspace.DesignFile:       "# Design\n\nnotes\n",
		workspace.TasksFile:        tasks,
	}
	for file, content := range docs {
		if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func gateByName(t *testing.T, report *Report, name string) GateResult {
	t.Helper()
	for _, g := range report.Gates {
		if g.Name == name {
			return g
		}
	}
	t.Fatalf("gate %s not in report", name)
	return GateResult{}
}

func TestEvaluateAllPass(t *testing.T) {
	ws, store := dodFixture(t)
	specs := []string{"01-01-alpha", "01-02-beta"}
	for _, name := range specs {
		writeSpecDocs(t, ws, name, "- [x] shipped\n")
		if err := store.UpdateStatus(name, collab.StatusCompleted, ""); err != nil {
			t.Fatal(err)
		}
	}
	c := newChecker(t, ws, store, Config{MinCompletionRate: 80, MaxRiskLevel: RiskLow})

	report := c.Evaluate(context.Background(), RunFacts{
		Status:         "completed",
		SpecNames:      specs,
		CompletedCount: 2,
	})
	if !report.Passed {
		t.Fatalf("report failed: %v", report.Failures())
	}
	if got := gateByName(t, report, GateTestsCommand).Status; got != GateSkipped {
		t.Errorf("tests gate = %s, want skipped without a command", got)
	}
	if got := gateByName(t, report, GateBaselineDrop).Status; got != GateSkipped {
		t.Errorf("baseline gate = %s, want skipped without history", got)
	}
	if len(report.Gates) != 8 {
		t.Errorf("evaluated %d gates, want 8", len(report.Gates))
	}
}

func TestDeriveRisk(t *testing.T) {
	tests := []struct {
		name  string
		facts RunFacts
		want  string
	}{
		{
			name:  "completed clean run",
			facts: RunFacts{Status: "completed", SpecNames: []string{"a", "b"}, CompletedCount: 2},
			want:  RiskLow,
		},
		{
			name:  "forty percent failed",
			facts: RunFacts{Status: "partial-failed", SpecNames: []string{"a", "b", "c", "d", "e"}, CompletedCount: 3, FailedCount: 2},
			want:  RiskHigh,
		},
		{
			name:  "quarter failed",
			facts: RunFacts{Status: "partial-failed", SpecNames: []string{"a", "b", "c", "d"}, CompletedCount: 3, FailedCount: 1},
			want:  RiskMedium,
		},
		{
			name:  "everything failed",
			facts: RunFacts{Status: "failed", SpecNames: []string{"a"}, FailedCount: 1},
			want:  RiskHigh,
		},
		{
			name:  "stopped without failures",
			facts: RunFacts{Status: "stopped", SpecNames: []string{"a", "b"}, CompletedCount: 1, SkippedCount: 1},
			want:  RiskMedium,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveRisk(tt.facts); got != tt.want {
				t.Errorf("DeriveRisk() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDocsCompleteGate(t *testing.T) {
	ws, store := dodFixture(t)
	writeSpecDocs(t, ws, "01-01-alpha", "- [x] done\n")
	dir := ws.SpecDir("01-02-beta")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, workspace.RequirementsFile), []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := newChecker(t, ws, store, Config{})

	report := c.Evaluate(context.Background(), RunFacts{
		Status:         "completed",
		SpecNames:      []string{"01-01-alpha", "01-02-beta"},
		CompletedCount: 2,
	})
	gate := gateByName(t, report, GateDocsComplete)
	if gate.Status != GateFailed {
		t.Fatalf("docs gate = %s, want failed", gate.Status)
	}
	if !strings.Contains(gate.Message, "01-02-beta/requirements.md") {
		t.Errorf("message %q does not name the empty document", gate.Message)
	}
	if report.Passed {
		t.Error("report passed with a failed gate")
	}
}

func TestOrchestrationGate(t *testing.T) {
	ws, store := dodFixture(t)
	c := newChecker(t, ws, store, Config{})

	report := c.Evaluate(context.Background(), RunFacts{Status: "partial-failed", SpecNames: []string{"01-01-alpha"}})
	gate := gateByName(t, report, GateOrchestration)
	if gate.Status != GateFailed {
		t.Fatalf("orchestration gate = %s, want failed", gate.Status)
	}
	if !strings.Contains(gate.Message, "partial-failed") {
		t.Errorf("message %q does not carry the terminal state", gate.Message)
	}
}

func TestRiskLevelGate(t *testing.T) {
	ws, store := dodFixture(t)
	c := newChecker(t, ws, store, Config{MaxRiskLevel: RiskMedium})

	report := c.Evaluate(context.Background(), RunFacts{
		Status:         "partial-failed",
		SpecNames:      []string{"a", "b", "c", "d", "e"},
		CompletedCount: 3,
		FailedCount:    2,
	})
	gate := gateByName(t, report, GateRiskLevel)
	if gate.Status != GateFailed {
		t.Fatalf("risk gate = %s, want failed", gate.Status)
	}
	if !strings.Contains(gate.Message, "exceeds maximum medium") {
		t.Errorf("message = %q", gate.Message)
	}
}

func TestCompletionRateGate(t *testing.T) {
	ws, store := dodFixture(t)
	c := newChecker(t, ws, store, Config{MinCompletionRate: 80})

	report := c.Evaluate(context.Background(), RunFacts{
		Status:         "partial-failed",
		SpecNames:      []string{"01-01-alpha", "01-02-beta"},
		CompletedCount: 1,
		FailedCount:    1,
	})
	gate := gateByName(t, report, GateCompletionRate)
	if gate.Status != GateFailed {
		t.Fatalf("completion gate = %s, want failed", gate.Status)
	}
	if !strings.Contains(gate.Message, "50.0") {
		t.Errorf("message %q does not carry the rate", gate.Message)
	}
}

func TestBaselineDropGate(t *testing.T) {
	tests := []struct {
		name       string
		rates      []float64
		window     int
		maxDrop    float64
		completed  int
		total      int
		wantStatus string
	}{
		{
			name:       "no history skips",
			rates:      nil,
			maxDrop:    20,
			completed:  1,
			total:      2,
			wantStatus: GateSkipped,
		},
		{
			name:       "large drop fails",
			rates:      []float64{100, 100},
			maxDrop:    20,
			completed:  1,
			total:      2,
			wantStatus: GateFailed,
		},
		{
			name:       "small drop passes",
			rates:      []float64{60},
			maxDrop:    20,
			completed:  1,
			total:      2,
			wantStatus: GatePassed,
		},
		{
			name:       "window clamps baseline",
			rates:      []float64{100, 100, 0, 0},
			window:     2,
			maxDrop:    10,
			completed:  2,
			total:      2,
			wantStatus: GatePassed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, store := dodFixture(t)
			c := newChecker(t, ws, store, Config{MaxSuccessDrop: tt.maxDrop, BaselineWindow: tt.window})
			specs := make([]string, tt.total)
			for i := range specs {
				specs[i] = fmt.Sprintf("01-%02d-spec", i+1)
			}
			gate := c.checkBaselineDrop(context.Background(), RunFacts{
				SpecNames:      specs,
				CompletedCount: tt.completed,
				BaselineRates:  tt.rates,
			})
			if gate.Status != tt.wantStatus {
				t.Errorf("status = %s (%s), want %s", gate.Status, gate.Message, tt.wantStatus)
			}
		})
	}
}

func TestCollaborationGate(t *testing.T) {
	ws, store := dodFixture(t)
	if err := store.UpdateStatus("01-01-alpha", collab.StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateStatus("01-02-beta", collab.StatusInProgress, ""); err != nil {
		t.Fatal(err)
	}
	c := newChecker(t, ws, store, Config{})

	report := c.Evaluate(context.Background(), RunFacts{
		Status:    "completed",
		SpecNames: []string{"01-01-alpha", "01-02-beta"},
	})
	gate := gateByName(t, report, GateCollaboration)
	if gate.Status != GateFailed {
		t.Fatalf("collaboration gate = %s, want failed", gate.Status)
	}
	if !strings.Contains(gate.Message, "01-02-beta (in-progress)") {
		t.Errorf("message = %q", gate.Message)
	}
}

func TestTasksChecklistGate(t *testing.T) {
	ws, store := dodFixture(t)
	writeSpecDocs(t, ws, "01-01-alpha", "- [x] done\n")
	writeSpecDocs(t, ws, "01-02-beta", "- [x] done\n- [ ] still open\n")
	c := newChecker(t, ws, store, Config{})

	report := c.Evaluate(context.Background(), RunFacts{
		Status:    "completed",
		SpecNames: []string{"01-01-alpha", "01-02-beta"},
	})
	gate := gateByName(t, report, GateTasksClosed)
	if gate.Status != GateFailed {
		t.Fatalf("tasks gate = %s, want failed", gate.Status)
	}
	if !strings.Contains(gate.Message, "01-02-beta") {
		t.Errorf("message %q does not name the open spec", gate.Message)
	}
}

func TestTestsCommandGate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("tests-command gate requires sh")
	}
	ws, store := dodFixture(t)

	t.Run("success", func(t *testing.T) {
		c := newChecker(t, ws, store, Config{TestsCommand: "echo ok"})
		gate := c.checkTestsCommand(context.Background(), RunFacts{})
		if gate.Status != GatePassed {
			t.Fatalf("status = %s (%s)", gate.Status, gate.Message)
		}
		if !strings.Contains(gate.Output, "ok") {
			t.Errorf("output = %q", gate.Output)
		}
	})

	t.Run("failure carries command and exit code", func(t *testing.T) {
		cmdText := "echo boom >&2; exit 3"
		c := newChecker(t, ws, store, Config{TestsCommand: cmdText})
		gate := c.checkTestsCommand(context.Background(), RunFacts{})
		if gate.Status != GateFailed {
			t.Fatalf("status = %s", gate.Status)
		}
		if !strings.Contains(gate.Message, cmdText) || !strings.Contains(gate.Message, "exit 3") {
			t.Errorf("message = %q, want the command text and exit code", gate.Message)
		}
		if !strings.Contains(gate.Output, "boom") {
			t.Errorf("output = %q, want captured stderr", gate.Output)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		c := newChecker(t, ws, store, Config{TestsCommand: "sleep 5", TestsTimeout: 100 * time.Millisecond})
		gate := c.checkTestsCommand(context.Background(), RunFacts{})
		if gate.Status != GateFailed {
			t.Fatalf("status = %s", gate.Status)
		}
		if !strings.Contains(gate.Message, "timed out") {
			t.Errorf("message = %q", gate.Message)
		}
	})

	t.Run("empty command skips", func(t *testing.T) {
		c := newChecker(t, ws, store, Config{})
		gate := c.checkTestsCommand(context.Background(), RunFacts{})
		if gate.Status != GateSkipped {
			t.Errorf("status = %s, want skipped", gate.Status)
		}
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "zero value ok", cfg: Config{}},
		{name: "full valid", cfg: Config{MaxRiskLevel: RiskMedium, MinCompletionRate: 90, MaxSuccessDrop: 15, BaselineWindow: 10}},
		{name: "unknown risk", cfg: Config{MaxRiskLevel: "extreme"}, wantErr: true},
		{name: "rate below range", cfg: Config{MinCompletionRate: -1}, wantErr: true},
		{name: "rate above range", cfg: Config{MinCompletionRate: 101}, wantErr: true},
		{name: "drop above range", cfg: Config{MaxSuccessDrop: 150}, wantErr: true},
		{name: "window above range", cfg: Config{BaselineWindow: 51}, wantErr: true},
		{name: "negative timeout", cfg: Config{TestsTimeout: -time.Second}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReportWriteFile(t *testing.T) {
	report := &Report{
		Passed:      false,
		EvaluatedAt: time.Now().UTC(),
		Gates: []GateResult{
			{Name: GateOrchestration, Status: GateFailed, Message: "orchestration finished failed"},
			{Name: GateTestsCommand, Status: GateSkipped, Message: "no tests command configured"},
		},
	}
	path := filepath.Join(t.TempDir(), "custom", "dod-report.json")
	if err := report.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if decoded.Passed {
		t.Error("decoded Passed = true, want false")
	}
	if len(decoded.Gates) != 2 || decoded.Gates[0].Name != GateOrchestration {
		t.Errorf("decoded gates = %+v", decoded.Gates)
	}
	if failures := decoded.Failures(); len(failures) != 1 || !strings.Contains(failures[0], GateOrchestration) {
		t.Errorf("failures = %v", failures)
	}
}
