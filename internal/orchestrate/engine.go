// Package orchestrate drives a DAG of specs through parallel worker
// execution: topological batches, lease-keyed mutual exclusion, failure
// skip propagation and a monitored terminal result.
package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/antigravity-dev/sce/internal/collab"
	"github.com/antigravity-dev/sce/internal/history"
	"github.com/antigravity-dev/sce/internal/manifest"
	"github.com/antigravity-dev/sce/internal/monitor"
	"github.com/antigravity-dev/sce/internal/spawn"
)

// Terminal states of an orchestration run.
const (
	StatusCompleted     = "completed"
	StatusPartialFailed = "partial-failed"
	StatusFailed        = "failed"
	StatusStopped       = "stopped"
	StatusPrepared      = "prepared"
)

const statusRunning = "running"

// Per-spec outcome classes tracked during a run.
const (
	classCompleted = "completed"
	classFailed    = "failed"
	classTimeout   = "timeout"
	classSkipped   = "skipped"
)

// Options configure an Engine.
type Options struct {
	Collab  *collab.Store
	Spawner *spawn.Spawner
	// Manifest supplies advisory ontology ordering; nil disables it.
	Manifest *manifest.Manifest
	// Ledger records run summaries; nil disables recording.
	Ledger         *history.Store
	Logger         *slog.Logger
	SessionID      string
	StatusInterval time.Duration
}

// Engine runs orchestrations. One Engine may serve many Run calls, but the
// calls must not overlap: the spawner's event stream has a single consumer.
type Engine struct {
	collab    *collab.Store
	spawner   *spawn.Spawner
	manifest  *manifest.Manifest
	ledger    *history.Store
	logger    *slog.Logger
	sessionID string
	interval  time.Duration
}

// New validates options and builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Collab == nil {
		return nil, fmt.Errorf("orchestrate: collaboration store is required")
	}
	if opts.Spawner == nil {
		return nil, fmt.Errorf("orchestrate: spawner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.StatusInterval
	if interval <= 0 {
		interval = monitor.DefaultInterval
	}
	return &Engine{
		collab:    opts.Collab,
		spawner:   opts.Spawner,
		manifest:  opts.Manifest,
		ledger:    opts.Ledger,
		logger:    logger.With("component", "orchestrate"),
		sessionID: opts.SessionID,
		interval:  interval,
	}, nil
}

// Request describes one orchestration run.
type Request struct {
	SpecNames []string
	// MaxParallel caps concurrently running workers. Values below 1 run
	// serially. Lease conflicts constrain further.
	MaxParallel int
	// OnStatus receives deduplicated snapshots at the engine's cadence.
	OnStatus func(monitor.Snapshot)
	// PlanOnly computes the plan and returns a prepared result without
	// touching spec metadata or spawning workers.
	PlanOnly bool
	// SessionID overrides the engine-level session id for this run.
	SessionID string
}

// Result is the terminal outcome of a run. Completed, Failed and Skipped
// partition the input specs in scheduled order.
type Result struct {
	Status    string
	Completed []string
	Failed    []string
	Skipped   []string
	Plan      *Plan
	StartedAt time.Time
	Duration  time.Duration
}

// Plan reads dependency metadata and computes batches and lease groups
// without running anything.
func (e *Engine) Plan(specNames []string) (*Plan, error) {
	if len(specNames) == 0 {
		return nil, fmt.Errorf("orchestrate: no specs to plan")
	}
	deps := make(map[string][]string, len(specNames))
	for _, name := range specNames {
		meta, err := e.collab.ReadMetadata(name)
		if err != nil {
			return nil, fmt.Errorf("orchestrate: read metadata for %s: %w", name, err)
		}
		deps[name] = meta.Dependencies
	}
	return BuildPlan(specNames, deps, e.manifest)
}

// Run executes the request. Worker failures never abort the run; they
// propagate by skipping dependents. Cancelling ctx drains running workers
// and yields a stopped result.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	plan, err := e.Plan(req.SpecNames)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	if req.PlanOnly {
		return &Result{
			Status:    StatusPrepared,
			Skipped:   append([]string(nil), plan.Reordered...),
			Plan:      plan,
			StartedAt: started,
		}, nil
	}

	maxParallel := req.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}
	sessionID := e.sessionID
	if req.SessionID != "" {
		sessionID = req.SessionID
	}
	e.spawner.SetSessionID(sessionID)

	mon := monitor.New(e.interval, req.OnStatus, e.logger)
	mon.InitSpecs(plan.Reordered, monitor.SpecPending)
	mon.SetPhase(statusRunning, 0, len(plan.Batches))
	mon.Start(context.Background())

	stopAux := make(chan struct{})
	go e.consumeEvents(stopAux)
	go e.killOnCancel(ctx, stopAux)

	e.logger.Info("orchestration_started",
		"session_id", sessionID,
		"specs", len(plan.Reordered),
		"batches", len(plan.Batches),
		"max_parallel", maxParallel,
		"auto_reordered", plan.AutoReordered,
	)

	st := newRunState()
	sem := make(chan struct{}, maxParallel)
	batchesRun := 0
	for i, batch := range plan.Batches {
		if ctx.Err() != nil {
			break
		}
		batchesRun = i + 1
		mon.SetPhase(statusRunning, i+1, len(plan.Batches))

		var runnable []string
		for _, name := range batch {
			if st.classOf(name) == "" {
				runnable = append(runnable, name)
			}
		}
		if len(runnable) == 0 {
			continue
		}
		e.logger.Info("batch_started", "batch", i+1, "of", len(plan.Batches), "specs", runnable)

		for _, name := range runnable {
			e.setStatus(name, collab.StatusInProgress)
			mon.SetSpecStatus(name, monitor.SpecInProgress)
		}

		var wg sync.WaitGroup
		for _, group := range groupByLease(runnable) {
			wg.Add(1)
			go func(specs []string) {
				defer wg.Done()
				e.runGroup(ctx, mon, st, plan, sem, specs)
			}(group)
		}
		wg.Wait()
	}

	close(stopAux)

	cancelled := ctx.Err() != nil
	for _, name := range plan.Reordered {
		if st.classOf(name) == "" {
			mon.SetSpecStatus(name, monitor.SpecSkipped)
		}
	}
	completed, failed, skipped, timedOut := st.partition(plan.Reordered)

	status := StatusPartialFailed
	switch {
	case cancelled:
		status = StatusStopped
	case len(completed) == len(plan.Reordered):
		status = StatusCompleted
	case len(completed) == 0:
		status = StatusFailed
	}

	mon.SetPhase(status, batchesRun, len(plan.Batches))
	mon.Stop()

	duration := time.Since(started)
	e.logger.Info("orchestration_finished",
		"status", status,
		"completed", len(completed),
		"failed", len(failed),
		"skipped", len(skipped),
		"duration_s", duration.Seconds(),
	)

	if e.ledger != nil {
		_, recErr := e.ledger.RecordOrchestration(history.OrchestrationRun{
			SessionID:  sessionID,
			State:      status,
			Total:      len(plan.Reordered),
			Completed:  len(completed),
			Failed:     len(failed),
			TimedOut:   timedOut,
			Skipped:    len(skipped),
			StartedAt:  started,
			FinishedAt: started.Add(duration),
		})
		if recErr != nil {
			e.logger.Warn("history_record_failed", "error", recErr)
		}
	}

	return &Result{
		Status:    status,
		Completed: completed,
		Failed:    failed,
		Skipped:   skipped,
		Plan:      plan,
		StartedAt: started,
		Duration:  duration,
	}, nil
}

// runGroup executes one lease group sequentially, acquiring a global
// parallelism slot per spec.
func (e *Engine) runGroup(ctx context.Context, mon *monitor.Monitor, st *runState, plan *Plan, sem chan struct{}, specs []string) {
	for _, name := range specs {
		if ctx.Err() != nil {
			e.markUnstarted(st, mon, name)
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			e.markUnstarted(st, mon, name)
			continue
		}
		if ctx.Err() != nil {
			<-sem
			e.markUnstarted(st, mon, name)
			continue
		}

		class := e.runSpec(ctx, mon, name)
		<-sem

		// Propagation covers organic failures only. A cancelled run leaves
		// unreached specs untouched so a resume can still schedule them.
		if st.record(name, class) && class != classCompleted && ctx.Err() == nil {
			for _, dep := range st.skipDescendants(name, plan.children) {
				e.setBlocked(dep, collab.ReasonDependencySkipped)
				mon.SetSpecStatus(dep, monitor.SpecSkipped)
				e.logger.Info("spec_skipped", "spec", dep, "cause", name)
			}
		}
	}
}

// runSpec spawns one worker, waits for its terminal transition and records
// the outcome in spec metadata and the monitor.
func (e *Engine) runSpec(ctx context.Context, mon *monitor.Monitor, name string) string {
	w, err := e.spawner.Spawn(ctx, name)
	if err != nil {
		e.logger.Error("spawn_rejected", "spec", name, "error", err)
		e.setBlocked(name, collab.ReasonOrchestrationFailed)
		mon.SetSpecStatus(name, monitor.SpecFailed)
		return classFailed
	}
	if ctx.Err() != nil {
		// KillAll may have fired before this worker registered.
		e.spawner.Kill(w.ID())
	}
	<-w.Done()

	switch w.Status() {
	case spawn.StatusCompleted:
		e.setStatus(name, collab.StatusCompleted)
		mon.SetSpecStatus(name, monitor.SpecCompleted)
		e.logger.Info("spec_completed", "spec", name, "worker_id", w.ID())
		return classCompleted
	case spawn.StatusTimeout:
		e.setBlocked(name, collab.ReasonOrchestrationFailed)
		mon.SetSpecStatus(name, monitor.SpecTimeout)
		e.logger.Warn("spec_timed_out", "spec", name, "worker_id", w.ID())
		return classTimeout
	default:
		exit := -1
		if code := w.ExitCode(); code != nil {
			exit = *code
		}
		e.setBlocked(name, collab.ReasonOrchestrationFailed)
		mon.SetSpecStatus(name, monitor.SpecFailed)
		e.logger.Warn("spec_failed", "spec", name, "worker_id", w.ID(), "exit_code", exit)
		return classFailed
	}
}

func (e *Engine) markUnstarted(st *runState, mon *monitor.Monitor, name string) {
	if st.record(name, classSkipped) {
		mon.SetSpecStatus(name, monitor.SpecSkipped)
	}
}

func (e *Engine) setStatus(name, status string) {
	if err := e.collab.UpdateStatus(name, status, ""); err != nil {
		e.logger.Warn("status_write_failed", "spec", name, "status", status, "error", err)
	}
}

func (e *Engine) setBlocked(name, reason string) {
	if err := e.collab.UpdateStatus(name, collab.StatusBlocked, reason); err != nil {
		e.logger.Warn("status_write_failed", "spec", name, "status", collab.StatusBlocked, "error", err)
	}
}

// consumeEvents drains the spawner's fan-in stream for the duration of a
// run so slow ticks never drop worker events.
func (e *Engine) consumeEvents(stop <-chan struct{}) {
	for {
		select {
		case ev, ok := <-e.spawner.Events():
			if !ok {
				return
			}
			e.logger.Debug("worker_event", "worker_id", ev.WorkerID, "spec", ev.SpecName)
		case <-stop:
			return
		}
	}
}

// killOnCancel drains all running workers once the run context is
// cancelled. Workers resolve within the spawner's safety window.
func (e *Engine) killOnCancel(ctx context.Context, stop <-chan struct{}) {
	select {
	case <-ctx.Done():
		e.logger.Warn("cancellation_received", "running", e.spawner.RunningCount())
		e.spawner.KillAll()
	case <-stop:
	}
}

// runState tracks per-spec outcome classes for one run.
type runState struct {
	mu      sync.Mutex
	classes map[string]string
}

func newRunState() *runState {
	return &runState{classes: make(map[string]string)}
}

func (st *runState) classOf(name string) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.classes[name]
}

// record stores the first classification of a spec. Later writes lose.
func (st *runState) record(name, class string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.classes[name]; ok {
		return false
	}
	st.classes[name] = class
	return true
}

// skipDescendants classifies every unclassified transitive dependent of
// name as skipped and returns the newly classified specs, sorted.
func (st *runState) skipDescendants(name string, children map[string][]string) []string {
	st.mu.Lock()
	defer st.mu.Unlock()

	var marked []string
	queue := append([]string(nil), children[name]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, ok := st.classes[next]; ok {
			continue
		}
		st.classes[next] = classSkipped
		marked = append(marked, next)
		queue = append(queue, children[next]...)
	}
	sort.Strings(marked)
	return marked
}

// partition folds classes into the result arrays in scheduled order.
// Unclassified specs land in skipped; that only happens on cancellation.
func (st *runState) partition(order []string) (completed, failed, skipped []string, timedOut int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, name := range order {
		switch st.classes[name] {
		case classCompleted:
			completed = append(completed, name)
		case classTimeout:
			failed = append(failed, name)
			timedOut++
		case classFailed:
			failed = append(failed, name)
		default:
			skipped = append(skipped, name)
		}
	}
	return completed, failed, skipped, timedOut
}
