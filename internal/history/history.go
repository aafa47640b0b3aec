package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antigravity-dev/sce/internal/workspace"
)

// Store provides SQLite-backed persistence for the run ledger: individual
// worker runs, orchestration run summaries, and close-loop cycle records.
type Store struct {
	db *sql.DB
}

// WorkerRun is one worker's row in the ledger.
type WorkerRun struct {
	ID          int64
	WorkerID    string
	SpecName    string
	Track       string
	SessionID   string
	Status      string // running, completed, failed, timeout, interrupted
	ExitCode    sql.NullInt64
	StderrTail  string
	StartedAt   time.Time
	CompletedAt sql.NullTime
}

// OrchestrationRun is the summary row for one full orchestration.
type OrchestrationRun struct {
	ID         int64
	SessionID  string
	State      string
	Total      int
	Completed  int
	Failed     int
	TimedOut   int
	Skipped    int
	StartedAt  time.Time
	FinishedAt time.Time
}

// LoopCycle is one recorded phase of a close-loop cycle.
type LoopCycle struct {
	ID         int64
	SessionID  string
	Cycle      int
	Phase      string
	Detail     string
	RecordedAt time.Time
}

// TrackStat aggregates worker outcomes per work track.
type TrackStat struct {
	Track       string
	Total       int
	Completed   int
	Failed      int
	TimedOut    int
	SuccessRate float64
}

const schema = `
CREATE TABLE IF NOT EXISTS worker_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	worker_id TEXT NOT NULL UNIQUE,
	spec_name TEXT NOT NULL,
	track TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'running',
	exit_code INTEGER,
	stderr_tail TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS orchestration_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	total INTEGER NOT NULL DEFAULT 0,
	completed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	timed_out INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS loop_cycles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL DEFAULT '',
	cycle INTEGER NOT NULL,
	phase TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	recorded_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_worker_runs_spec ON worker_runs(spec_name);
CREATE INDEX IF NOT EXISTS idx_worker_runs_status ON worker_runs(status);
CREATE INDEX IF NOT EXISTS idx_worker_runs_session ON worker_runs(session_id);
CREATE INDEX IF NOT EXISTS idx_worker_runs_track ON worker_runs(track);
CREATE INDEX IF NOT EXISTS idx_orchestration_runs_session ON orchestration_runs(session_id);
CREATE INDEX IF NOT EXISTS idx_loop_cycles_session ON loop_cycles(session_id);
`

// Open creates or opens the ledger database at the given path and ensures
// the schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordWorkerStart inserts a running row for a freshly spawned worker.
func (s *Store) RecordWorkerStart(workerID, specName, sessionID string, startedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO worker_runs (worker_id, spec_name, track, session_id, status, started_at)
		 VALUES (?, ?, ?, ?, 'running', ?)`,
		workerID, specName, workspace.LeaseKey(specName), sessionID, startedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("history: record worker start: %w", err)
	}
	return nil
}

// RecordWorkerEnd resolves a worker row to its terminal state. A nil exit
// code is stored as NULL, which is how timeouts and launch failures look.
func (s *Store) RecordWorkerEnd(workerID, status string, exitCode *int, stderrTail string, completedAt time.Time) error {
	var code any
	if exitCode != nil {
		code = *exitCode
	}
	_, err := s.db.Exec(
		`UPDATE worker_runs SET status = ?, exit_code = ?, stderr_tail = ?, completed_at = ? WHERE worker_id = ?`,
		status, code, stderrTail, completedAt.UTC(), workerID,
	)
	if err != nil {
		return fmt.Errorf("history: record worker end: %w", err)
	}
	return nil
}

// RecordOrchestration inserts an orchestration summary row and returns its ID.
func (s *Store) RecordOrchestration(run OrchestrationRun) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO orchestration_runs (session_id, state, total, completed, failed, timed_out, skipped, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.SessionID, run.State, run.Total, run.Completed, run.Failed, run.TimedOut, run.Skipped,
		run.StartedAt.UTC(), run.FinishedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("history: record orchestration: %w", err)
	}
	return res.LastInsertId()
}

// RecordLoopCycle appends a close-loop cycle phase record.
func (s *Store) RecordLoopCycle(sessionID string, cycle int, phase, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO loop_cycles (session_id, cycle, phase, detail) VALUES (?, ?, ?, ?)`,
		sessionID, cycle, phase, detail,
	)
	if err != nil {
		return fmt.Errorf("history: record loop cycle: %w", err)
	}
	return nil
}

const workerRunCols = `id, worker_id, spec_name, track, session_id, status, exit_code, stderr_tail, started_at, completed_at`

// RecentWorkerRuns returns the most recently started worker runs.
func (s *Store) RecentWorkerRuns(limit int) ([]WorkerRun, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryWorkerRuns(`SELECT `+workerRunCols+` FROM worker_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
}

// WorkerRunsForSession returns all worker runs recorded under a session.
func (s *Store) WorkerRunsForSession(sessionID string) ([]WorkerRun, error) {
	return s.queryWorkerRuns(`SELECT `+workerRunCols+` FROM worker_runs WHERE session_id = ? ORDER BY started_at ASC, id ASC`, sessionID)
}

// WorkerRunsForSpec returns all worker runs for one spec, newest first.
func (s *Store) WorkerRunsForSpec(specName string) ([]WorkerRun, error) {
	return s.queryWorkerRuns(`SELECT `+workerRunCols+` FROM worker_runs WHERE spec_name = ? ORDER BY started_at DESC, id DESC`, specName)
}

// UnterminatedWorkers returns rows still marked running. After a clean
// shutdown this is empty; leftovers indicate a crashed control process.
func (s *Store) UnterminatedWorkers() ([]WorkerRun, error) {
	return s.queryWorkerRuns(`SELECT ` + workerRunCols + ` FROM worker_runs WHERE status = 'running' ORDER BY started_at ASC`)
}

// MarkInterrupted resolves all running rows as interrupted and returns the
// count of affected rows.
func (s *Store) MarkInterrupted() (int, error) {
	res, err := s.db.Exec(
		`UPDATE worker_runs SET status = 'interrupted', completed_at = datetime('now') WHERE status = 'running'`,
	)
	if err != nil {
		return 0, fmt.Errorf("history: mark interrupted: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: rows affected: %w", err)
	}
	return int(affected), nil
}

// TrackStats aggregates terminal worker outcomes per track.
func (s *Store) TrackStats() ([]TrackStat, error) {
	rows, err := s.db.Query(`
		SELECT track,
		       COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'timeout' THEN 1 ELSE 0 END), 0)
		FROM worker_runs
		WHERE status != 'running'
		GROUP BY track
		ORDER BY track ASC`)
	if err != nil {
		return nil, fmt.Errorf("history: query track stats: %w", err)
	}
	defer rows.Close()

	var stats []TrackStat
	for rows.Next() {
		var st TrackStat
		if err := rows.Scan(&st.Track, &st.Total, &st.Completed, &st.Failed, &st.TimedOut); err != nil {
			return nil, fmt.Errorf("history: scan track stat: %w", err)
		}
		if st.Total > 0 {
			st.SuccessRate = float64(st.Completed) / float64(st.Total)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// RecentOrchestrations returns the most recent orchestration summaries.
func (s *Store) RecentOrchestrations(limit int) ([]OrchestrationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, state, total, completed, failed, timed_out, skipped, started_at, finished_at
		 FROM orchestration_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query orchestrations: %w", err)
	}
	defer rows.Close()

	var runs []OrchestrationRun
	for rows.Next() {
		var r OrchestrationRun
		if err := rows.Scan(&r.ID, &r.SessionID, &r.State, &r.Total, &r.Completed, &r.Failed,
			&r.TimedOut, &r.Skipped, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("history: scan orchestration: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LoopCyclesForSession returns the cycle records for one session in order.
func (s *Store) LoopCyclesForSession(sessionID string) ([]LoopCycle, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, cycle, phase, detail, recorded_at
		 FROM loop_cycles WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: query loop cycles: %w", err)
	}
	defer rows.Close()

	var cycles []LoopCycle
	for rows.Next() {
		var c LoopCycle
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Cycle, &c.Phase, &c.Detail, &c.RecordedAt); err != nil {
			return nil, fmt.Errorf("history: scan loop cycle: %w", err)
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

func (s *Store) queryWorkerRuns(query string, args ...any) ([]WorkerRun, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query worker runs: %w", err)
	}
	defer rows.Close()

	var runs []WorkerRun
	for rows.Next() {
		var r WorkerRun
		if err := rows.Scan(
			&r.ID, &r.WorkerID, &r.SpecName, &r.Track, &r.SessionID, &r.Status,
			&r.ExitCode, &r.StderrTail, &r.StartedAt, &r.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("history: scan worker run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
