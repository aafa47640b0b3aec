// Package session persists close-loop session snapshots as one JSON file
// per session and resolves resume references against them.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/sce/internal/workspace"
)

const schemaVersion = 1

// Resume keywords accepted by Resolve alongside ids and file paths.
const (
	ResumeLatest      = "latest"
	ResumeInterrupted = "interrupted"
)

// Portfolio is the decomposed spec set a session runs.
type Portfolio struct {
	Prefix             int                 `json:"prefix"`
	Master             string              `json:"master"`
	MasterDependencies []string            `json:"master_dependencies,omitempty"`
	SubSpecs           []string            `json:"sub_specs"`
	DependencyPlan     map[string][]string `json:"dependency_plan,omitempty"`
	// Tracks maps each sub-spec to the decomposition track it came from.
	Tracks map[string]string `json:"tracks,omitempty"`
}

// SpecNames returns the orchestration input order: subs first, master last.
func (p Portfolio) SpecNames() []string {
	names := append([]string(nil), p.SubSpecs...)
	if p.Master != "" {
		names = append(names, p.Master)
	}
	return names
}

// StrategyContext records what strategy memory contributed to the run.
type StrategyContext struct {
	Signature      string             `json:"signature"`
	ReplanStrategy string             `json:"replan_strategy,omitempty"`
	DodTestCommand string             `json:"dod_test_command,omitempty"`
	TrackBias      map[string]float64 `json:"track_bias,omitempty"`
}

// ReplanState tracks the adaptive replanning loop.
type ReplanState struct {
	Strategy         string   `json:"strategy"`
	MaxAttempts      int      `json:"max_attempts"`
	NoProgressWindow int      `json:"no_progress_window"`
	Performed        int      `json:"performed"`
	Exhausted        bool     `json:"exhausted"`
	ExhaustedReason  string   `json:"exhausted_reason,omitempty"`
	StalledSignature string   `json:"stalled_signature,omitempty"`
	RemediationSpecs []string `json:"remediation_specs,omitempty"`
}

// DodState records the gate configuration and outcome.
type DodState struct {
	Enabled      bool   `json:"enabled"`
	TestsCommand string `json:"tests_command,omitempty"`
	Evaluated    bool   `json:"evaluated"`
	Passed       bool   `json:"passed"`
	ReportPath   string `json:"report_path,omitempty"`
}

// OrchestrationState is the cumulative outcome across engine runs.
type OrchestrationState struct {
	Status        string     `json:"status,omitempty"`
	Completed     []string   `json:"completed,omitempty"`
	Failed        []string   `json:"failed,omitempty"`
	Skipped       []string   `json:"skipped,omitempty"`
	Batches       [][]string `json:"batches,omitempty"`
	AutoReordered bool       `json:"auto_reordered,omitempty"`
	Runs          int        `json:"runs,omitempty"`
}

// Snapshot is one session's persisted state, sufficient to resume it.
type Snapshot struct {
	SchemaVersion int                `json:"schema_version"`
	SessionID     string             `json:"session_id"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Goal          string             `json:"goal"`
	Status        string             `json:"status"`
	Portfolio     Portfolio          `json:"portfolio"`
	Strategy      StrategyContext    `json:"strategy"`
	Replan        ReplanState        `json:"replan"`
	Dod           DodState           `json:"dod"`
	Orchestration OrchestrationState `json:"orchestration"`
	Assignments   map[string]string  `json:"assignments,omitempty"`
}

// NewID builds the default session id: zero-padded portfolio prefix plus a
// compact UTC timestamp.
func NewID(prefix int, now time.Time) string {
	return fmt.Sprintf("%02d-%s", prefix, now.UTC().Format("20060102T150405Z"))
}

// Store reads and writes session files in one workspace.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a store over the workspace's sessions directory.
func NewStore(ws *workspace.Workspace, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    ws.SessionsDir(),
		logger: logger.With("component", "session"),
	}
}

// Path returns the file path for a session id.
func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Save persists the snapshot via temp-file-then-rename, stamping schema
// version and timestamps.
func (s *Store) Save(snap *Snapshot) error {
	if snap.SessionID == "" {
		return fmt.Errorf("session: snapshot has no session id")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("session: create sessions dir: %w", err)
	}
	snap.SchemaVersion = schemaVersion
	snap.UpdatedAt = time.Now().UTC()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = snap.UpdatedAt
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", snap.SessionID, err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("session: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("session: write %s: %w", snap.SessionID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(snap.SessionID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: replace %s: %w", snap.SessionID, err)
	}
	s.logger.Debug("session_saved", "session_id", snap.SessionID, "status", snap.Status)
	return nil
}

// Load reads a session by id.
func (s *Store) Load(sessionID string) (*Snapshot, error) {
	return s.LoadPath(s.Path(sessionID))
}

// LoadPath reads a session snapshot from an explicit file path.
func (s *Store) LoadPath(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("session: parse %s: %w", path, err)
	}
	return &snap, nil
}

// Resolve loads a session from a resume reference: "latest" (newest),
// "interrupted" (newest not completed), a session id, or a file path.
func (s *Store) Resolve(ref string) (*Snapshot, error) {
	switch ref {
	case ResumeLatest:
		entries, err := s.entries()
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("session: no sessions found under %s", s.dir)
		}
		return s.LoadPath(entries[0].path)
	case ResumeInterrupted:
		entries, err := s.entries()
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			snap, err := s.LoadPath(entry.path)
			if err != nil {
				s.logger.Warn("session_unreadable", "path", entry.path, "error", err)
				continue
			}
			if snap.Status != "completed" {
				return snap, nil
			}
		}
		return nil, fmt.Errorf("session: no interrupted session found under %s", s.dir)
	}

	if _, err := os.Stat(s.Path(ref)); err == nil {
		return s.Load(ref)
	}
	if _, err := os.Stat(ref); err == nil {
		return s.LoadPath(ref)
	}
	return nil, fmt.Errorf("session: %q matches no session id or snapshot file", ref)
}

// Prune removes sessions that are both beyond the keep count (newest
// first) and older than the age cutoff. The active session is never
// removed. It returns the removed session ids.
func (s *Store) Prune(keep int, olderThan time.Duration, activeID string) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	entries, err := s.entries()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-olderThan)

	var removed []string
	for i, entry := range entries {
		if i < keep || entry.id == activeID || entry.modTime.After(cutoff) {
			continue
		}
		if err := os.Remove(entry.path); err != nil {
			return removed, fmt.Errorf("session: prune %s: %w", entry.id, err)
		}
		removed = append(removed, entry.id)
	}
	if len(removed) > 0 {
		s.logger.Info("sessions_pruned", "removed", len(removed), "keep", keep)
	}
	return removed, nil
}

// SuccessRates returns completion percentages of recent finished sessions,
// newest first, up to limit. Sessions without orchestration results and
// the excluded session are skipped.
func (s *Store) SuccessRates(limit int, excludeID string) ([]float64, error) {
	entries, err := s.entries()
	if err != nil {
		return nil, err
	}
	var rates []float64
	for _, entry := range entries {
		if limit > 0 && len(rates) >= limit {
			break
		}
		if entry.id == excludeID {
			continue
		}
		snap, err := s.LoadPath(entry.path)
		if err != nil {
			continue
		}
		total := len(snap.Orchestration.Completed) + len(snap.Orchestration.Failed) + len(snap.Orchestration.Skipped)
		if total == 0 {
			continue
		}
		rates = append(rates, float64(len(snap.Orchestration.Completed))/float64(total)*100)
	}
	return rates, nil
}

type entry struct {
	id      string
	path    string
	modTime time.Time
}

// entries lists session files newest first. A missing directory reads as
// empty.
func (s *Store) entries() ([]entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: list %s: %w", s.dir, err)
	}

	var out []entry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, entry{
			id:      strings.TrimSuffix(name, ".json"),
			path:    filepath.Join(s.dir, name),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].modTime.Equal(out[j].modTime) {
			return out[i].id > out[j].id
		}
		return out[i].modTime.After(out[j].modTime)
	})
	return out, nil
}
