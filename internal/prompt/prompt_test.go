package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/antigravity-dev/sce/internal/workspace"
)

func testWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return ws
}

func writeSpecDocs(t *testing.T, ws *workspace.Workspace, name string) {
	t.Helper()
	dir := ws.SpecDir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	docs := map[string]string{
		workspace.RequirementsFile: "# Requirements\nDo the thing.",
		workspace.DesignFile:       "# Design\nLike so.",
		workspace.TasksFile:        "- [ ] task one",
	}
	for file, content := range docs {
		if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBuildBuiltinLayout(t *testing.T) {
	ws := testWorkspace(t)
	writeSpecDocs(t, ws, "01-01-close-loop-execution")

	steeringDir := ws.SteeringDir()
	if err := os.MkdirAll(steeringDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(steeringDir, "CORE_PRINCIPLES.md"), []byte("Ship small."), 0644); err != nil {
		t.Fatal(err)
	}

	b, err := NewBuilder(ws, "", nil)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	got, err := b.Build("01-01-close-loop-execution")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, want := range []string{
		"01-01-close-loop-execution",
		"Do the thing.",
		"Ship small.",
		"Task execution instructions",
		"- [ ] task one",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildMissingSpecDirUsesPlaceholders(t *testing.T) {
	ws := testWorkspace(t)

	b, err := NewBuilder(ws, "", nil)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	got, err := b.Build("09-01-ghost")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(got, "(not found)") {
		t.Error("expected placeholder sections for missing spec directory")
	}
}

func TestBuildCustomTemplateSubstitution(t *testing.T) {
	ws := testWorkspace(t)
	writeSpecDocs(t, ws, "01-02-quality-gates")

	tmpl := "SPEC={{specName}}\nPATH={{specPath}}\nSTEERING={{steeringContext}}\nTASKS={{taskInstructions}}"
	b, err := NewBuilder(ws, tmpl, nil)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	got, err := b.Build("01-02-quality-gates")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !strings.Contains(got, "SPEC=01-02-quality-gates") {
		t.Errorf("specName not substituted: %q", got)
	}
	if !strings.Contains(got, "PATH="+ws.SpecDir("01-02-quality-gates")) {
		t.Errorf("specPath not substituted: %q", got)
	}
	if strings.Contains(got, "{{") {
		t.Errorf("unsubstituted placeholder remains: %q", got)
	}
}

func TestBuildCustomTemplateFromFile(t *testing.T) {
	ws := testWorkspace(t)
	writeSpecDocs(t, ws, "01-03-rollout-documentation")

	path := filepath.Join(t.TempDir(), "bootstrap.txt")
	if err := os.WriteFile(path, []byte("run {{specName}} now"), 0644); err != nil {
		t.Fatal(err)
	}

	b, err := NewBuilder(ws, path, nil)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	got, err := b.Build("01-03-rollout-documentation")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got != "run 01-03-rollout-documentation now" {
		t.Errorf("Build = %q", got)
	}
}

func TestBuildEmptyTemplateRejected(t *testing.T) {
	ws := testWorkspace(t)

	b, err := NewBuilder(ws, "{{steeringContext}}", nil)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if _, err := b.Build("09-09-empty"); err == nil {
		t.Fatal("expected error for whitespace-only prompt")
	}
}

func TestNewBuilderRejectsBarePath(t *testing.T) {
	ws := testWorkspace(t)
	if _, err := NewBuilder(ws, "/nonexistent/template.txt", nil); err == nil {
		t.Fatal("expected error for unreadable template path")
	}
}
