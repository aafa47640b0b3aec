// Package monitor folds per-worker progress into batch-level status
// snapshots delivered to a single consumer at a fixed cadence.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the snapshot cadence when none is configured.
const DefaultInterval = time.Second

// Spec status values as they appear in snapshots.
const (
	SpecPending    = "pending"
	SpecInProgress = "in-progress"
	SpecCompleted  = "completed"
	SpecFailed     = "failed"
	SpecTimeout    = "timeout"
	SpecSkipped    = "skipped"
)

// SpecStatus is the per-spec slice of a snapshot.
type SpecStatus struct {
	Status string `json:"status"`
}

// Snapshot is one batch-level status observation. It is a small value
// object; consumers may retain it without copying.
type Snapshot struct {
	Status         string                `json:"status"`
	CurrentBatch   int                   `json:"current_batch"`
	TotalBatches   int                   `json:"total_batches"`
	CompletedSpecs int                   `json:"completed_specs"`
	FailedSpecs    int                   `json:"failed_specs"`
	RunningSpecs   int                   `json:"running_specs"`
	Specs          map[string]SpecStatus `json:"specs"`
}

func (s Snapshot) equal(other Snapshot) bool {
	if s.Status != other.Status ||
		s.CurrentBatch != other.CurrentBatch ||
		s.TotalBatches != other.TotalBatches ||
		s.CompletedSpecs != other.CompletedSpecs ||
		s.FailedSpecs != other.FailedSpecs ||
		s.RunningSpecs != other.RunningSpecs ||
		len(s.Specs) != len(other.Specs) {
		return false
	}
	for name, st := range s.Specs {
		if other.Specs[name] != st {
			return false
		}
	}
	return true
}

// Monitor aggregates spec state mutations and emits deduplicated snapshots
// once per tick. At most one callback fires per interval; consecutive
// identical snapshots are suppressed.
type Monitor struct {
	interval time.Duration
	callback func(Snapshot)
	logger   *slog.Logger

	mu           sync.Mutex
	status       string
	currentBatch int
	totalBatches int
	specs        map[string]string
	last         *Snapshot
	started      bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a monitor delivering snapshots to callback. A nil callback
// makes the monitor a passive state holder.
func New(interval time.Duration, callback func(Snapshot), logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		interval: interval,
		callback: callback,
		logger:   logger.With("component", "monitor"),
		status:   "pending",
		specs:    make(map[string]string),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the tick loop. Call at most once.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	go m.loop(ctx)
}

// Stop halts the tick loop and emits a final snapshot if state changed
// since the last emission. Safe to call without Start and more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stop) })
	if started {
		<-m.done
	}
	m.Flush()
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.Flush()
		}
	}
}

// SetPhase records the orchestration-level status and batch progress.
func (m *Monitor) SetPhase(status string, currentBatch, totalBatches int) {
	m.mu.Lock()
	m.status = status
	m.currentBatch = currentBatch
	m.totalBatches = totalBatches
	m.mu.Unlock()
}

// InitSpecs seeds every named spec with the same starting status.
func (m *Monitor) InitSpecs(names []string, status string) {
	m.mu.Lock()
	for _, name := range names {
		m.specs[name] = status
	}
	m.mu.Unlock()
}

// SetSpecStatus records one spec's current status.
func (m *Monitor) SetSpecStatus(name, status string) {
	m.mu.Lock()
	m.specs[name] = status
	m.mu.Unlock()
}

// Snapshot returns the current aggregated state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Flush emits a snapshot now if it differs from the last one emitted.
func (m *Monitor) Flush() {
	m.mu.Lock()
	snap := m.snapshotLocked()
	changed := m.last == nil || !snap.equal(*m.last)
	if changed {
		m.last = &snap
	}
	cb := m.callback
	m.mu.Unlock()

	if changed && cb != nil {
		cb(snap)
	}
}

func (m *Monitor) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:       m.status,
		CurrentBatch: m.currentBatch,
		TotalBatches: m.totalBatches,
		Specs:        make(map[string]SpecStatus, len(m.specs)),
	}
	for name, status := range m.specs {
		snap.Specs[name] = SpecStatus{Status: status}
		switch status {
		case SpecCompleted:
			snap.CompletedSpecs++
		case SpecFailed, SpecTimeout:
			snap.FailedSpecs++
		case SpecInProgress:
			snap.RunningSpecs++
		}
	}
	return snap
}
