// Package collab is the source of truth for per-spec coordination state.
// Concurrent readers are allowed; writers are serialized per spec and every
// write is an atomic whole-file replace.
package collab

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/antigravity-dev/sce/internal/workspace"
)

// Spec status values.
const (
	StatusNotStarted = "not-started"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusBlocked    = "blocked"
	StatusFailed     = "failed"
)

// Well-known block reasons recorded alongside StatusBlocked.
const (
	ReasonOrchestrationFailed = "orchestration-failed"
	ReasonDependencySkipped   = "dependency-skipped"
)

var validStatuses = map[string]bool{
	StatusNotStarted: true,
	StatusInProgress: true,
	StatusCompleted:  true,
	StatusBlocked:    true,
	StatusFailed:     true,
}

// Metadata is one spec's persisted coordination record.
type Metadata struct {
	SpecName      string    `json:"spec_name"`
	Role          string    `json:"role,omitempty"` // master or sub
	Status        string    `json:"status"`
	StatusReason  string    `json:"status_reason,omitempty"`
	Dependencies  []string  `json:"dependencies"`
	AssignedAgent string    `json:"assigned_agent,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store reads and writes per-spec metadata files in one workspace.
type Store struct {
	ws     *workspace.Workspace
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a collaboration store over the workspace.
func NewStore(ws *workspace.Workspace, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		ws:     ws,
		logger: logger.With("component", "collab"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// specLock returns the mutex serializing writes for one spec.
func (s *Store) specLock(specName string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[specName]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[specName] = lock
	}
	return lock
}

func (s *Store) path(specName string) string {
	return s.ws.SpecFile(specName, workspace.CollaborationFile)
}

// ReadMetadata returns the spec's metadata. A spec with no metadata file
// yet reads as a default not-started record.
func (s *Store) ReadMetadata(specName string) (*Metadata, error) {
	data, err := os.ReadFile(s.path(specName))
	if os.IsNotExist(err) {
		return defaultMetadata(specName), nil
	}
	if err != nil {
		return nil, fmt.Errorf("collab: read %s: %w", specName, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("collab: parse %s: %w", specName, err)
	}
	if meta.SpecName == "" {
		meta.SpecName = specName
	}
	if meta.Status == "" {
		meta.Status = StatusNotStarted
	}
	return &meta, nil
}

// AtomicUpdate applies mutator to the spec's metadata under the spec's
// write lock and replaces the file atomically. Readers never observe a
// partial state.
func (s *Store) AtomicUpdate(specName string, mutator func(*Metadata) error) error {
	lock := s.specLock(specName)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.ReadMetadata(specName)
	if err != nil {
		return err
	}
	if err := mutator(meta); err != nil {
		return err
	}
	meta.SpecName = specName
	meta.UpdatedAt = time.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = meta.UpdatedAt
	}
	if meta.Dependencies == nil {
		meta.Dependencies = []string{}
	}
	sort.Strings(meta.Dependencies)

	return s.write(specName, meta)
}

// UpdateStatus sets the spec's status. reason may be empty; it replaces
// whatever reason was recorded before.
func (s *Store) UpdateStatus(specName, status, reason string) error {
	if !validStatuses[status] {
		return fmt.Errorf("collab: unknown status %q for %s", status, specName)
	}
	return s.AtomicUpdate(specName, func(meta *Metadata) error {
		meta.Status = status
		meta.StatusReason = reason
		return nil
	})
}

// AssignSpec records the logical agent id working the spec.
func (s *Store) AssignSpec(specName, agentLogicalID string) error {
	return s.AtomicUpdate(specName, func(meta *Metadata) error {
		meta.AssignedAgent = agentLogicalID
		return nil
	})
}

// Seed writes the initial metadata for a freshly materialized spec.
func (s *Store) Seed(specName, role string, dependencies []string) error {
	return s.AtomicUpdate(specName, func(meta *Metadata) error {
		meta.Role = role
		meta.Status = StatusNotStarted
		meta.StatusReason = ""
		meta.Dependencies = append([]string(nil), dependencies...)
		return nil
	})
}

// write replaces the metadata file via temp-file-then-rename.
func (s *Store) write(specName string, meta *Metadata) error {
	dir := s.ws.SpecDir(specName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("collab: create spec dir for %s: %w", specName, err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("collab: encode %s: %w", specName, err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".collaboration-*.json")
	if err != nil {
		return fmt.Errorf("collab: temp file for %s: %w", specName, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("collab: write %s: %w", specName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("collab: close temp for %s: %w", specName, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, workspace.CollaborationFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("collab: replace %s: %w", specName, err)
	}
	return nil
}

func defaultMetadata(specName string) *Metadata {
	return &Metadata{
		SpecName:     specName,
		Status:       StatusNotStarted,
		Dependencies: []string{},
	}
}
