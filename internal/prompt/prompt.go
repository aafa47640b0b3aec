// Package prompt assembles the bootstrap prompt handed to a worker process.
package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/antigravity-dev/sce/internal/workspace"
)

const readmeSummaryLines = 40

// taskInstructions is the fixed execution block appended to every prompt.
const taskInstructions = `Work through tasks.md top to bottom. Mark each task done by changing "- [ ]"
to "- [x]" as you complete it. Keep changes scoped to this spec. When every
task is checked, emit a final JSON line with your result summary:
{"result_summary": {"spec_id": "...", "changed_files": [...], "tests_run": N,
"tests_passed": N, "risk_level": "low|medium|high", "open_issues": [...]}}
Exit 0 only when all tasks are complete and verified.`

// Builder renders bootstrap prompts for specs in one workspace.
type Builder struct {
	ws       *workspace.Workspace
	template string // custom template text; empty selects the built-in layout
	logger   *slog.Logger
}

// NewBuilder creates a Builder. templateSpec may be empty (built-in layout),
// a path to a template file, or inline template text.
func NewBuilder(ws *workspace.Workspace, templateSpec string, logger *slog.Logger) (*Builder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{ws: ws, logger: logger.With("component", "prompt")}

	templateSpec = strings.TrimSpace(templateSpec)
	if templateSpec == "" {
		return b, nil
	}
	if data, err := os.ReadFile(templateSpec); err == nil {
		b.template = string(data)
		return b, nil
	}
	if looksLikeTemplate(templateSpec) {
		b.template = templateSpec
		return b, nil
	}
	return nil, fmt.Errorf("prompt: bootstrap template %q is neither a readable file nor inline template text", templateSpec)
}

// looksLikeTemplate accepts inline text: anything carrying a placeholder or a
// newline. A bare unreadable path is rejected instead of silently becoming a
// one-line prompt.
func looksLikeTemplate(s string) bool {
	return strings.Contains(s, "{{") || strings.Contains(s, "\n")
}

// Build renders the prompt for one spec. Missing steering and spec documents
// are skipped; a missing spec directory produces placeholder sections. The
// only failure is an empty result.
func (b *Builder) Build(specName string) (string, error) {
	steering := b.steeringContext()
	docs := b.specDocuments(specName)

	var rendered string
	if b.template != "" {
		replacer := strings.NewReplacer(
			"{{specName}}", specName,
			"{{specPath}}", b.ws.SpecDir(specName),
			"{{steeringContext}}", steering,
			"{{taskInstructions}}", taskInstructions,
		)
		rendered = replacer.Replace(b.template)
	} else {
		rendered = renderBootstrap(bootstrapData{
			SpecName:         specName,
			SpecPath:         b.ws.SpecDir(specName),
			ProjectOverview:  b.readmeSummary(),
			SpecDocuments:    docs,
			SteeringContext:  steering,
			TaskInstructions: taskInstructions,
		})
	}

	if strings.TrimSpace(rendered) == "" {
		return "", fmt.Errorf("prompt: built prompt for %s is empty", specName)
	}
	return rendered, nil
}

// steeringContext concatenates the fixed steering documents in order.
func (b *Builder) steeringContext() string {
	var sb strings.Builder
	for _, file := range workspace.SteeringFiles {
		data, err := os.ReadFile(filepath.Join(b.ws.SteeringDir(), file))
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", strings.TrimSuffix(file, ".md"), content)
	}
	return strings.TrimSpace(sb.String())
}

// specDocuments loads requirements, design and tasks for the spec.
func (b *Builder) specDocuments(specName string) string {
	var sb strings.Builder
	if !b.ws.SpecExists(specName) {
		for _, file := range []string{workspace.RequirementsFile, workspace.DesignFile, workspace.TasksFile} {
			fmt.Fprintf(&sb, "## %s\n\n(not found)\n\n", file)
		}
		return strings.TrimSpace(sb.String())
	}
	for _, file := range []string{workspace.RequirementsFile, workspace.DesignFile, workspace.TasksFile} {
		data, err := os.ReadFile(b.ws.SpecFile(specName, file))
		if err != nil {
			b.logger.Debug("spec document missing", "spec", specName, "file", file)
			continue
		}
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", file, strings.TrimSpace(string(data)))
	}
	return strings.TrimSpace(sb.String())
}

// readmeSummary returns the head of the workspace README, if any.
func (b *Builder) readmeSummary() string {
	data, err := os.ReadFile(filepath.Join(b.ws.Root(), "README.md"))
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > readmeSummaryLines {
		lines = lines[:readmeSummaryLines]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
