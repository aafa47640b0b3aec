// Package workspace resolves the on-disk layout of an orchestrated project.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	// SCEDirName is the canonical project metadata directory.
	SCEDirName = ".sce"

	specsDirName    = "specs"
	steeringDirName = "steering"
	autoDirName     = "auto"
	customDirName   = "custom"

	sessionsDirName    = "close-loop-sessions"
	strategyMemoryFile = "close-loop-strategy-memory.json"
	lockFileName       = "close-loop.lock"
	historyDBFile      = "history.db"
	manifestFileName   = "sce.toml"

	// RequirementsFile, DesignFile and TasksFile are the three documents
	// every materialized spec carries.
	RequirementsFile = "requirements.md"
	DesignFile       = "design.md"
	TasksFile        = "tasks.md"

	// CollaborationFile holds per-spec coordination metadata.
	CollaborationFile = "collaboration.json"
)

// SteeringFiles is the fixed ordered list of steering documents consumed by
// the prompt assembler. Missing files are skipped.
var SteeringFiles = []string{
	"CORE_PRINCIPLES.md",
	"ENVIRONMENT.md",
	"CURRENT_CONTEXT.md",
	"RULES_GUIDE.md",
}

var specNamePattern = regexp.MustCompile(`^(\d+)-(\d{2})-([a-z0-9][a-z0-9-]*)$`)

// Workspace is the root directory an orchestration run operates on.
type Workspace struct {
	root string
}

// New resolves root to an absolute path and returns a Workspace. The
// directory must already exist.
func New(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace: stat root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace: root %s is not a directory", abs)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// SCEDir returns <root>/.sce.
func (w *Workspace) SCEDir() string { return filepath.Join(w.root, SCEDirName) }

// SpecsDir returns the directory holding all spec directories.
func (w *Workspace) SpecsDir() string { return filepath.Join(w.SCEDir(), specsDirName) }

// SpecDir returns the directory of a single spec.
func (w *Workspace) SpecDir(specName string) string {
	return filepath.Join(w.SpecsDir(), specName)
}

// SpecFile returns the path of one document inside a spec directory.
func (w *Workspace) SpecFile(specName, file string) string {
	return filepath.Join(w.SpecDir(specName), file)
}

// CustomDir returns the per-run artifact directory of a spec.
func (w *Workspace) CustomDir(specName string) string {
	return filepath.Join(w.SpecDir(specName), customDirName)
}

// SteeringDir returns the steering document directory.
func (w *Workspace) SteeringDir() string { return filepath.Join(w.SCEDir(), steeringDirName) }

// AutoDir returns the close-loop runtime directory.
func (w *Workspace) AutoDir() string { return filepath.Join(w.SCEDir(), autoDirName) }

// SessionsDir returns the session snapshot directory.
func (w *Workspace) SessionsDir() string { return filepath.Join(w.AutoDir(), sessionsDirName) }

// StrategyMemoryPath returns the strategy memory document path.
func (w *Workspace) StrategyMemoryPath() string {
	return filepath.Join(w.AutoDir(), strategyMemoryFile)
}

// LockPath returns the single-instance lock file path.
func (w *Workspace) LockPath() string { return filepath.Join(w.AutoDir(), lockFileName) }

// HistoryDBPath returns the run-ledger database path.
func (w *Workspace) HistoryDBPath() string { return filepath.Join(w.AutoDir(), historyDBFile) }

// ManifestPath returns the optional project manifest path.
func (w *Workspace) ManifestPath() string { return filepath.Join(w.root, manifestFileName) }

// EnsureAutoLayout creates the runtime directories used by close-loop runs.
func (w *Workspace) EnsureAutoLayout() error {
	for _, dir := range []string{w.SpecsDir(), w.SessionsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("workspace: create %s: %w", dir, err)
		}
	}
	return nil
}

// SpecExists reports whether a spec directory is present.
func (w *Workspace) SpecExists(specName string) bool {
	info, err := os.Stat(w.SpecDir(specName))
	return err == nil && info.IsDir()
}

// ListSpecNames returns the names of all spec directories, sorted.
func (w *Workspace) ListSpecNames() ([]string, error) {
	entries, err := os.ReadDir(w.SpecsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("workspace: list specs: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ParseSpecName splits a PP-SS-slug spec name. ok is false when the name does
// not follow the layout.
func ParseSpecName(name string) (prefix, seq int, slug string, ok bool) {
	m := specNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, "", false
	}
	fmt.Sscanf(m[1], "%d", &prefix)
	fmt.Sscanf(m[2], "%d", &seq)
	return prefix, seq, m[3], true
}

// Slug returns the slug portion of a spec name, or the whole name when it
// does not follow the PP-SS-slug layout.
func Slug(name string) string {
	if _, _, slug, ok := ParseSpecName(name); ok {
		return slug
	}
	return name
}

// LeaseKey derives the mutual-exclusion key of a spec: the first two
// dash-separated tokens of its slug.
func LeaseKey(name string) string {
	tokens := strings.SplitN(Slug(name), "-", 3)
	if len(tokens) == 1 {
		return tokens[0]
	}
	return tokens[0] + "-" + tokens[1]
}
