package spawn

import (
	"sync"
	"time"

	"github.com/antigravity-dev/sce/internal/platform"
)

// Status is the lifecycle state of a worker.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool { return s != StatusRunning }

// Event is one parsed JSON record from a worker's stdout stream.
type Event struct {
	WorkerID string
	SpecName string
	Record   map[string]any
	At       time.Time
}

// Worker is one supervised sub-process. All mutation happens inside the
// spawner; callers observe it through the accessors and Done.
type Worker struct {
	id        string
	specName  string
	startedAt time.Time
	done      chan struct{}

	mu           sync.Mutex
	status       Status
	exitCode     *int
	completedAt  time.Time
	events       []map[string]any
	stderr       tailBuffer
	promptFile   string
	proc         platform.Process
	timeoutTimer *time.Timer
	killTimer    *time.Timer
	safetyTimer  *time.Timer
}

func newWorker(id, specName string, stderrLimit int) *Worker {
	return &Worker{
		id:        id,
		specName:  specName,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		status:    StatusRunning,
		stderr:    tailBuffer{limit: stderrLimit},
	}
}

// ID returns the opaque worker id.
func (w *Worker) ID() string { return w.id }

// SpecName returns the spec this worker executes.
func (w *Worker) SpecName() string { return w.specName }

// StartedAt returns the spawn time.
func (w *Worker) StartedAt() time.Time { return w.startedAt }

// Done is closed when the worker reaches a terminal state.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Status returns the current lifecycle state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// ExitCode returns the exit code, or nil while running and for timeouts.
func (w *Worker) ExitCode() *int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exitCode == nil {
		return nil
	}
	code := *w.exitCode
	return &code
}

// CompletedAt returns the terminal transition time, zero while running.
func (w *Worker) CompletedAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.completedAt
}

// Succeeded reports whether the worker completed with exit 0.
func (w *Worker) Succeeded() bool {
	return w.Status() == StatusCompleted
}

// Events returns a copy of the parsed stdout records in arrival order.
func (w *Worker) Events() []map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]map[string]any, len(w.events))
	copy(out, w.events)
	return out
}

// Stderr returns the bounded stderr tail.
func (w *Worker) Stderr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stderr.String()
}

func (w *Worker) appendEvent(record map[string]any) {
	w.mu.Lock()
	w.events = append(w.events, record)
	w.mu.Unlock()
}

func (w *Worker) appendStderr(text string) {
	w.mu.Lock()
	w.stderr.WriteString(text)
	w.mu.Unlock()
}
