package workspace

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"text/template"
)

//go:embed templates/*.tmpl
var specTemplates embed.FS

var specDocTemplate = template.Must(template.ParseFS(specTemplates, "templates/*.tmpl"))

// SpecDoc describes one spec to materialize on disk.
type SpecDoc struct {
	Name         string
	Role         string // "master" or "sub"
	Goal         string
	Track        string
	Description  string
	Dependencies []string
}

// Materialize creates the spec directory with its requirements, design and
// tasks documents. The directory must not already exist; nothing is created
// when it does.
func (w *Workspace) Materialize(doc SpecDoc) error {
	dir := w.SpecDir(doc.Name)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("workspace: spec directory already exists: %s", dir)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("workspace: stat spec directory %s: %w", dir, err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("workspace: create spec directory %s: %w", dir, err)
	}

	docs := map[string]string{
		RequirementsFile: "requirements.md.tmpl",
		DesignFile:       "design.md.tmpl",
		TasksFile:        "tasks.md.tmpl",
	}
	for file, tmpl := range docs {
		content, err := renderSpecDoc(tmpl, doc)
		if err != nil {
			_ = os.RemoveAll(dir)
			return err
		}
		if err := os.WriteFile(w.SpecFile(doc.Name, file), content, 0644); err != nil {
			_ = os.RemoveAll(dir)
			return fmt.Errorf("workspace: write %s for %s: %w", file, doc.Name, err)
		}
	}
	return nil
}

func renderSpecDoc(name string, doc SpecDoc) ([]byte, error) {
	var buf bytes.Buffer
	if err := specDocTemplate.ExecuteTemplate(&buf, name, doc); err != nil {
		return nil, fmt.Errorf("workspace: render %s for %s: %w", name, doc.Name, err)
	}
	return buf.Bytes(), nil
}
