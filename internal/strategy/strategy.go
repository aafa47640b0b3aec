// Package strategy persists per-goal and per-track outcome statistics and
// derives the overrides and track biases that steer later runs. The memory
// is one JSON document, rewritten whole on every update.
package strategy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/antigravity-dev/sce/internal/workspace"
)

const schemaVersion = 1

// minTrackAttempts is the sample size below which a track contributes no
// bias. Tracks start equal; two runs are the minimum signal.
const minTrackAttempts = 2

// GoalRecord accumulates outcomes for one goal signature.
type GoalRecord struct {
	Attempts       int       `json:"attempts"`
	Successes      int       `json:"successes"`
	ReplanStrategy string    `json:"replan_strategy,omitempty"`
	ReplanAttempts int       `json:"replan_attempts"`
	DodTestCommand string    `json:"dod_test_command,omitempty"`
	LastStatus     string    `json:"last_status,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TrackRecord accumulates outcomes for one decomposition track.
type TrackRecord struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

// Memory is the whole persisted strategy document.
type Memory struct {
	SchemaVersion int                    `json:"schema_version"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Goals         map[string]GoalRecord  `json:"goals"`
	Tracks        map[string]TrackRecord `json:"tracks"`
}

func newMemory() *Memory {
	return &Memory{
		SchemaVersion: schemaVersion,
		Goals:         make(map[string]GoalRecord),
		Tracks:        make(map[string]TrackRecord),
	}
}

// Signature normalizes a goal for lookup: lowercased, punctuation
// stripped, whitespace collapsed to single spaces.
func Signature(goal string) string {
	lower := strings.ToLower(goal)
	var b strings.Builder
	for _, r := range lower {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Overrides is the per-goal context a prior record supplies to a new run.
// Zero fields mean no override; ReplanAttempts is nil when absent.
type Overrides struct {
	ReplanStrategy string
	ReplanAttempts *int
	DodTestCommand string
	TrackBias      map[string]float64
}

// Overrides returns the stored context for a goal signature plus the
// global track biases. An unknown signature still carries biases.
func (m *Memory) Overrides(signature string) Overrides {
	out := Overrides{TrackBias: m.TrackBias()}
	rec, ok := m.Goals[signature]
	if !ok {
		return out
	}
	out.ReplanStrategy = rec.ReplanStrategy
	attempts := rec.ReplanAttempts
	out.ReplanAttempts = &attempts
	out.DodTestCommand = rec.DodTestCommand
	return out
}

// TrackBias maps each sufficiently sampled track to a bias in [-2, 2]:
// zero at a 50% success rate, the extremes at 0% and 100%.
func (m *Memory) TrackBias() map[string]float64 {
	bias := make(map[string]float64)
	for slug, rec := range m.Tracks {
		if rec.Attempts < minTrackAttempts {
			continue
		}
		rate := float64(rec.Successes) / float64(rec.Attempts)
		bias[slug] = (rate - 0.5) * 4
	}
	return bias
}

// RunRecord is one finished close-loop run to fold into the memory.
type RunRecord struct {
	Goal           string
	Completed      bool
	ReplanStrategy string
	ReplanAttempts int
	DodTestCommand string
	FinalStatus    string
	// TrackOutcomes maps each selected track to whether its sub-spec
	// reached a successful terminal state.
	TrackOutcomes map[string]bool
}

// Store reads and rewrites the strategy memory file.
type Store struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// NewStore creates a store over the workspace's strategy memory path.
func NewStore(ws *workspace.Workspace, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   ws.StrategyMemoryPath(),
		logger: logger.With("component", "strategy"),
	}
}

// Load reads the memory. A missing file reads as an empty document.
func (s *Store) Load() (*Memory, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return newMemory(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("strategy: read memory: %w", err)
	}
	var m Memory
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("strategy: parse memory: %w", err)
	}
	if m.Goals == nil {
		m.Goals = make(map[string]GoalRecord)
	}
	if m.Tracks == nil {
		m.Tracks = make(map[string]TrackRecord)
	}
	if m.SchemaVersion == 0 {
		m.SchemaVersion = schemaVersion
	}
	return &m, nil
}

// Update applies mutator to the current memory and replaces the file
// atomically. In-place edits never touch the published document.
func (s *Store) Update(mutator func(*Memory) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.Load()
	if err != nil {
		return err
	}
	if err := mutator(m); err != nil {
		return err
	}
	m.SchemaVersion = schemaVersion
	m.UpdatedAt = time.Now().UTC()
	return s.write(m)
}

// RecordRun folds one finished run into the memory: goal counters, the
// replan and test-command choices that were in effect, and per-track
// outcome counters.
func (s *Store) RecordRun(rec RunRecord) error {
	sig := Signature(rec.Goal)
	if sig == "" {
		return fmt.Errorf("strategy: goal %q normalizes to an empty signature", rec.Goal)
	}
	return s.Update(func(m *Memory) error {
		goal := m.Goals[sig]
		goal.Attempts++
		if rec.Completed {
			goal.Successes++
		}
		goal.ReplanStrategy = rec.ReplanStrategy
		goal.ReplanAttempts = rec.ReplanAttempts
		if rec.DodTestCommand != "" {
			goal.DodTestCommand = rec.DodTestCommand
		}
		goal.LastStatus = rec.FinalStatus
		goal.UpdatedAt = time.Now().UTC()
		m.Goals[sig] = goal

		for slug, succeeded := range rec.TrackOutcomes {
			track := m.Tracks[slug]
			track.Attempts++
			if succeeded {
				track.Successes++
			}
			m.Tracks[slug] = track
		}
		return nil
	})
}

// write replaces the memory file via temp-file-then-rename.
func (s *Store) write(m *Memory) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("strategy: create memory dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("strategy: encode memory: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".strategy-*.json")
	if err != nil {
		return fmt.Errorf("strategy: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("strategy: write memory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("strategy: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("strategy: replace memory: %w", err)
	}
	s.logger.Debug("strategy_memory_written", "goals", len(m.Goals), "tracks", len(m.Tracks))
	return nil
}
