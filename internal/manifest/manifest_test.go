package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sce.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeManifest(t, `
[project]
name = "billing-platform"

[ontology]
order = ["close-loop", "orchestration", "quality"]

[defaults]
max_parallel = 4
`)

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Project.Name != "billing-platform" {
		t.Errorf("Project.Name = %q", m.Project.Name)
	}
	if len(m.Ontology.Order) != 3 {
		t.Errorf("Ontology.Order = %v, want 3 entries", m.Ontology.Order)
	}
	if m.Defaults.MaxParallel != 4 {
		t.Errorf("Defaults.MaxParallel = %d, want 4", m.Defaults.MaxParallel)
	}
}

func TestLoadRejectsDuplicateOntologyEntries(t *testing.T) {
	path := writeManifest(t, `
[ontology]
order = ["quality", "quality"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for duplicate ontology entry")
	}
}

func TestLoadOptionalMissing(t *testing.T) {
	m, err := LoadOptional(filepath.Join(t.TempDir(), "sce.toml"))
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil manifest for missing file, got %+v", m)
	}
}

func TestRank(t *testing.T) {
	m := &Manifest{Ontology: Ontology{Order: []string{"close-loop", "quality"}}}

	tests := []struct {
		slug string
		want int
	}{
		{"close-loop-execution", 0},
		{"quality-gates", 1},
		{"rollout-documentation", 2},
	}
	for _, tt := range tests {
		if got := m.Rank(tt.slug); got != tt.want {
			t.Errorf("Rank(%q) = %d, want %d", tt.slug, got, tt.want)
		}
	}

	var nilManifest *Manifest
	if got := nilManifest.Rank("anything"); got != 0 {
		t.Errorf("nil manifest Rank = %d, want 0", got)
	}
}
