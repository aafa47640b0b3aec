package workspace

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	dir := t.TempDir()
	ws, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !filepath.IsAbs(ws.Root()) {
		t.Errorf("Root() = %q, want absolute path", ws.Root())
	}

	if _, err := New(filepath.Join(dir, "missing")); err == nil {
		t.Error("New on missing directory succeeded")
	}

	file := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := New(file); err == nil {
		t.Error("New on a plain file succeeded")
	}
}

func TestParseSpecName(t *testing.T) {
	tests := []struct {
		name       string
		wantPrefix int
		wantSeq    int
		wantSlug   string
		wantOK     bool
	}{
		{"01-00-build-closed-loop-orchestration", 1, 0, "build-closed-loop-orchestration", true},
		{"7-03-x9", 7, 3, "x9", true},
		{"12-05-a", 12, 5, "a", true},
		{"01-0-short-seq", 0, 0, "", false},
		{"01-00-", 0, 0, "", false},
		{"01-00-Upper", 0, 0, "", false},
		{"no-numeric-prefix", 0, 0, "", false},
		{"", 0, 0, "", false},
	}
	for _, tt := range tests {
		prefix, seq, slug, ok := ParseSpecName(tt.name)
		if ok != tt.wantOK {
			t.Errorf("ParseSpecName(%q) ok = %v, want %v", tt.name, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if prefix != tt.wantPrefix || seq != tt.wantSeq || slug != tt.wantSlug {
			t.Errorf("ParseSpecName(%q) = (%d, %d, %q), want (%d, %d, %q)",
				tt.name, prefix, seq, slug, tt.wantPrefix, tt.wantSeq, tt.wantSlug)
		}
	}
}

func TestLeaseKey(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"01-01-close-loop-execution", "close-loop"},
		{"01-02-orchestration-runtime", "orchestration-runtime"},
		{"01-03-docs", "docs"},
		{"02-01-close-loop-monitoring", "close-loop"},
		{"not-a-spec", "not-a"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := LeaseKey(tt.name); got != tt.want {
			t.Errorf("LeaseKey(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestEnsureAutoLayout(t *testing.T) {
	ws, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ws.EnsureAutoLayout(); err != nil {
		t.Fatalf("EnsureAutoLayout: %v", err)
	}
	for _, dir := range []string{ws.SpecsDir(), ws.SessionsDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("directory %s missing after EnsureAutoLayout", dir)
		}
	}
	// Idempotent.
	if err := ws.EnsureAutoLayout(); err != nil {
		t.Errorf("second EnsureAutoLayout: %v", err)
	}
}

func TestListSpecNames(t *testing.T) {
	ws, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	names, err := ws.ListSpecNames()
	if err != nil || names != nil {
		t.Errorf("ListSpecNames before layout = (%v, %v), want (nil, nil)", names, err)
	}

	for _, name := range []string{"01-02-b", "01-00-master", "01-01-a"} {
		if err := os.MkdirAll(ws.SpecDir(name), 0755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(ws.SpecsDir(), "stray.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	names, err = ws.ListSpecNames()
	if err != nil {
		t.Fatalf("ListSpecNames: %v", err)
	}
	want := []string{"01-00-master", "01-01-a", "01-02-b"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("ListSpecNames = %v, want %v", names, want)
	}
}

func TestSpecExists(t *testing.T) {
	ws, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ws.SpecExists("01-01-a") {
		t.Error("SpecExists true before creation")
	}
	if err := os.MkdirAll(ws.SpecDir("01-01-a"), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if !ws.SpecExists("01-01-a") {
		t.Error("SpecExists false after creation")
	}
}

func TestMaterializeSub(t *testing.T) {
	ws, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	doc := SpecDoc{
		Name:         "01-01-close-loop-execution",
		Role:         "sub",
		Goal:         "Build closed-loop orchestration",
		Track:        "close-loop-execution",
		Description:  "Deliver the close-loop-execution track of the goal.",
		Dependencies: []string{"01-02-orchestration-runtime"},
	}
	if err := ws.Materialize(doc); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	req := readSpecFile(t, ws, doc.Name, RequirementsFile)
	if !strings.Contains(req, doc.Goal) {
		t.Errorf("requirements.md missing goal:\n%s", req)
	}
	if !strings.Contains(req, "`close-loop-execution`") {
		t.Errorf("requirements.md missing track:\n%s", req)
	}
	if !strings.Contains(req, "- 01-02-orchestration-runtime") {
		t.Errorf("requirements.md missing dependency list:\n%s", req)
	}

	tasks := readSpecFile(t, ws, doc.Name, TasksFile)
	if !strings.Contains(tasks, "- [ ]") {
		t.Errorf("tasks.md has no open checklist items:\n%s", tasks)
	}

	design := readSpecFile(t, ws, doc.Name, DesignFile)
	if !strings.Contains(design, doc.Description) {
		t.Errorf("design.md missing description:\n%s", design)
	}

	if err := ws.Materialize(doc); err == nil {
		t.Error("Materialize over an existing spec succeeded")
	}
}

func TestMaterializeMaster(t *testing.T) {
	ws, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	doc := SpecDoc{
		Name:         "01-00-build-closed-loop-orchestration",
		Role:         "master",
		Goal:         "Build closed-loop orchestration",
		Dependencies: []string{"01-01-a", "01-02-b"},
	}
	if err := ws.Materialize(doc); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	req := readSpecFile(t, ws, doc.Name, RequirementsFile)
	if !strings.Contains(req, "Master spec.") {
		t.Errorf("requirements.md missing master scope:\n%s", req)
	}
	tasks := readSpecFile(t, ws, doc.Name, TasksFile)
	if !strings.Contains(tasks, "Verify every sub-spec completed") {
		t.Errorf("tasks.md missing master checklist:\n%s", tasks)
	}
}

func readSpecFile(t *testing.T, ws *Workspace, spec, file string) string {
	t.Helper()
	data, err := os.ReadFile(ws.SpecFile(spec, file))
	if err != nil {
		t.Fatalf("ReadFile %s/%s: %v", spec, file, err)
	}
	return string(data)
}
