// Package registry tracks live workers for observability and leak detection.
// It is never consulted for scheduling decisions.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry records one live worker.
type Entry struct {
	WorkerID     string
	SpecName     string
	RegisteredAt time.Time
}

// Registry is a process-wide map of live worker ids to metadata.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Entry
	logger  *slog.Logger
}

// New returns an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		workers: make(map[string]Entry),
		logger:  logger.With("component", "registry"),
	}
}

// Register allocates a fresh worker id and records the entry.
func (r *Registry) Register(specName string) string {
	id := "w-" + uuid.NewString()
	r.mu.Lock()
	r.workers[id] = Entry{WorkerID: id, SpecName: specName, RegisteredAt: time.Now()}
	r.mu.Unlock()
	return id
}

// Deregister removes an entry. Unknown ids are a logged no-op; deregistration
// never fails.
func (r *Registry) Deregister(workerID string) {
	r.mu.Lock()
	_, ok := r.workers[workerID]
	delete(r.workers, workerID)
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("deregister of unknown worker", "worker_id", workerID)
	}
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Snapshot returns a copy of all entries, ordered by registration time.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.workers))
	for _, e := range r.workers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RegisteredAt.Equal(entries[j].RegisteredAt) {
			return entries[i].WorkerID < entries[j].WorkerID
		}
		return entries[i].RegisteredAt.Before(entries[j].RegisteredAt)
	})
	return entries
}
