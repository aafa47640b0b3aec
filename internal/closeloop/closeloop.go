// Package closeloop drives the outer goal loop: decompose a goal into a
// master/sub spec portfolio, orchestrate it, gate the outcome, replan
// around failures, and persist resumable session snapshots.
package closeloop

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/sce/internal/collab"
	"github.com/antigravity-dev/sce/internal/decompose"
	"github.com/antigravity-dev/sce/internal/dod"
	"github.com/antigravity-dev/sce/internal/history"
	"github.com/antigravity-dev/sce/internal/manifest"
	"github.com/antigravity-dev/sce/internal/monitor"
	"github.com/antigravity-dev/sce/internal/orchestrate"
	"github.com/antigravity-dev/sce/internal/session"
	"github.com/antigravity-dev/sce/internal/strategy"
	"github.com/antigravity-dev/sce/internal/workspace"
)

// StatusPlanned marks a dry run: the portfolio was planned and nothing
// was written or executed. Other statuses come from the engine.
const StatusPlanned = "planned"

// Replan strategies.
const (
	ReplanFixed    = "fixed"
	ReplanAdaptive = "adaptive"
)

// Replan exhaustion reasons.
const (
	ReasonNoProgress       = "no-progress"
	ReasonStalledSignature = "stalled-signature"
)

const (
	DefaultReplanStrategy   = ReplanFixed
	DefaultReplanAttempts   = 2
	DefaultNoProgressWindow = 3

	maxReplanAttempts   = 5
	maxNoProgressWindow = 10

	adaptiveBudgetFloor = 1
	adaptiveBudgetCeil  = 5

	agentSyncPlanFile = "agent-sync-plan.md"
	dodReportFile     = "dod-report.json"

	sessionStatusRunning = "running"

	roleMaster = "master"
	roleSub    = "sub"
)

// Orchestrator runs one spec set to a terminal status.
type Orchestrator interface {
	Run(ctx context.Context, req orchestrate.Request) (*orchestrate.Result, error)
}

// ReplanConfig are the raw replan knobs. Strategy "" and a nil
// MaxAttempts fall back to strategy memory, then package defaults.
type ReplanConfig struct {
	Strategy         string
	MaxAttempts      *int
	NoProgressWindow int
}

// SessionConfig controls snapshot persistence, resumption and pruning.
type SessionConfig struct {
	Enabled       bool
	ID            string
	Keep          int
	OlderThanDays int
	Resume        string
}

// Request is one close-loop invocation.
type Request struct {
	Goal        string
	Prefix      int
	SubCount    int
	MaxParallel int

	// DryRun plans only: no filesystem writes, no workers.
	DryRun bool
	// PrepareOnly materializes and seeds the portfolio without running it.
	PrepareOnly bool

	Replan ReplanConfig

	DodEnabled bool
	Dod        dod.Config
	// DodReport overrides the report location; default is the master
	// spec's custom directory.
	DodReport string

	Session SessionConfig

	// OnStatus receives engine status snapshots during orchestration.
	OnStatus func(monitor.Snapshot)
}

// ReplanOutcome is the resolved replan configuration plus what the loop
// actually did with it.
type ReplanOutcome struct {
	Strategy         string
	MaxAttempts      int
	NoProgressWindow int
	Performed        int
	Exhausted        bool
	ExhaustedReason  string
	StalledSignature string
	RemediationSpecs []string
}

// Result is the terminal outcome of one close-loop invocation.
type Result struct {
	Status        string
	SessionID     string
	Goal          string
	Prefix        int
	Master        string
	SubSpecs      []string
	Plan          *orchestrate.Plan
	Orchestration *orchestrate.Result
	Replan        ReplanOutcome
	Dod           *dod.Report
	DodDemoted    bool
	Cycles        int
	StartedAt     time.Time
	Duration      time.Duration
}

// Options configure a Controller. Workspace, Collab, Engine, Strategy
// and Sessions are required; Manifest and Ledger are optional.
type Options struct {
	Workspace *workspace.Workspace
	Collab    *collab.Store
	Engine    Orchestrator
	Strategy  *strategy.Store
	Sessions  *session.Store
	Manifest  *manifest.Manifest
	Ledger    *history.Store
	Logger    *slog.Logger
}

// Controller owns the close-loop control thread. All orchestration state
// lives on the goroutine that calls Run.
type Controller struct {
	ws       *workspace.Workspace
	collab   *collab.Store
	engine   Orchestrator
	strategy *strategy.Store
	sessions *session.Store
	manifest *manifest.Manifest
	ledger   *history.Store
	root     *slog.Logger
	logger   *slog.Logger
}

func New(opts Options) (*Controller, error) {
	if opts.Workspace == nil {
		return nil, fmt.Errorf("closeloop: workspace is required")
	}
	if opts.Collab == nil {
		return nil, fmt.Errorf("closeloop: collaboration store is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("closeloop: orchestration engine is required")
	}
	if opts.Strategy == nil {
		return nil, fmt.Errorf("closeloop: strategy store is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("closeloop: session store is required")
	}
	root := opts.Logger
	if root == nil {
		root = slog.Default()
	}
	return &Controller{
		ws:       opts.Workspace,
		collab:   opts.Collab,
		engine:   opts.Engine,
		strategy: opts.Strategy,
		sessions: opts.Sessions,
		manifest: opts.Manifest,
		ledger:   opts.Ledger,
		root:     root,
		logger:   root.With("component", "closeloop"),
	}, nil
}

// loopState is the per-invocation working set.
type loopState struct {
	req         Request
	goal        string
	sig         string
	port        session.Portfolio
	specSet     []string
	assignments map[string]string
	snap        *session.Snapshot
	rp          *ReplanOutcome
	dodCfg      dod.Config
	result      *Result
	cycles      int
}

// Run executes one close-loop invocation. Configuration is validated
// before any side effect.
func (c *Controller) Run(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()

	goal := strings.TrimSpace(req.Goal)
	if req.Session.Resume == "" && goal == "" {
		return nil, fmt.Errorf("closeloop: goal is required")
	}
	if req.Session.Resume != "" && !req.Session.Enabled {
		return nil, fmt.Errorf("closeloop: resume requires session persistence enabled")
	}
	if err := validateReplan(req.Replan); err != nil {
		return nil, err
	}
	if req.DodEnabled {
		if err := req.Dod.Validate(); err != nil {
			return nil, err
		}
	}

	var snap *session.Snapshot
	resumed := false
	if req.Session.Resume != "" {
		s, err := c.sessions.Resolve(req.Session.Resume)
		if err != nil {
			return nil, err
		}
		snap = s
		resumed = true
		goal = snap.Goal
	}

	sig := strategy.Signature(goal)
	var ov strategy.Overrides
	if mem, err := c.strategy.Load(); err != nil {
		c.logger.Warn("strategy_memory_unreadable", "error", err)
	} else {
		ov = mem.Overrides(sig)
	}

	rp := resolveReplan(req.Replan, ov, snap)
	dodCfg := req.Dod
	if req.DodEnabled && strings.TrimSpace(dodCfg.TestsCommand) == "" && ov.DodTestCommand != "" {
		dodCfg.TestsCommand = ov.DodTestCommand
		c.logger.Info("tests_command_from_memory", "command", dodCfg.TestsCommand)
	}

	var port session.Portfolio
	if resumed {
		port = snap.Portfolio
	} else {
		existing, err := c.ws.ListSpecNames()
		if err != nil {
			return nil, err
		}
		plan, err := decompose.Decompose(goal, decompose.Options{
			SubCount:      req.SubCount,
			Prefix:        req.Prefix,
			TrackBias:     ov.TrackBias,
			ExistingSpecs: existing,
		})
		if err != nil {
			return nil, err
		}
		port = portfolioFromPlan(plan)
	}

	specSet := port.SpecNames()
	execPlan, err := orchestrate.BuildPlan(specSet, planDeps(port), c.manifest)
	if err != nil {
		return nil, err
	}

	c.logger.Info("close_loop_started",
		"goal", goal,
		"master", port.Master,
		"subs", len(port.SubSpecs),
		"resumed", resumed,
		"dry_run", req.DryRun,
	)

	st := &loopState{
		req:         req,
		goal:        goal,
		sig:         sig,
		port:        port,
		specSet:     specSet,
		assignments: make(map[string]string),
		snap:        snap,
		rp:          &rp,
		dodCfg:      dodCfg,
		result: &Result{
			Status:    StatusPlanned,
			Goal:      goal,
			Prefix:    port.Prefix,
			Master:    port.Master,
			SubSpecs:  append([]string(nil), port.SubSpecs...),
			Plan:      execPlan,
			StartedAt: started,
		},
	}
	if snap != nil {
		for name, id := range snap.Assignments {
			st.assignments[name] = id
		}
	}

	if req.DryRun {
		st.result.Replan = *st.rp
		st.result.Duration = time.Since(started)
		c.logger.Info("close_loop_planned", "master", port.Master, "batches", len(execPlan.Batches))
		return st.result, nil
	}

	if !resumed {
		if err := c.materializePortfolio(st); err != nil {
			return nil, err
		}
	}
	if err := c.assignAgents(st); err != nil {
		return nil, err
	}

	sessionID := st.resolveSessionID(req, snap)
	st.result.SessionID = sessionID
	if st.snap == nil {
		st.snap = &session.Snapshot{SessionID: sessionID, Goal: goal}
	}
	st.snap.Strategy = session.StrategyContext{
		Signature:      sig,
		ReplanStrategy: st.rp.Strategy,
		DodTestCommand: dodCfg.TestsCommand,
		TrackBias:      ov.TrackBias,
	}
	st.snap.Dod = session.DodState{Enabled: req.DodEnabled, TestsCommand: dodCfg.TestsCommand}
	c.syncSnapshot(st, sessionStatusRunning)

	c.writeSyncPlan(port.Master, execPlan)

	if req.PrepareOnly {
		st.result.Status = orchestrate.StatusPrepared
		st.result.Replan = *st.rp
		c.recordCycle(st, "prepared", port.Master)
		c.syncSnapshot(st, orchestrate.StatusPrepared)
		c.pruneSessions(st)
		st.result.Duration = time.Since(started)
		return st.result, nil
	}

	if err := c.runLoop(ctx, st); err != nil {
		return nil, err
	}

	if st.rp.Exhausted && st.result.Status != orchestrate.StatusCompleted {
		st.result.Status = orchestrate.StatusFailed
	}

	if req.DodEnabled && st.result.Status != orchestrate.StatusStopped {
		if err := c.evaluateDod(ctx, st); err != nil {
			return nil, err
		}
	}

	if st.result.Status != orchestrate.StatusStopped {
		c.updateStrategy(st)
	}

	st.result.Replan = *st.rp
	st.result.Cycles = st.cycles
	c.syncSnapshot(st, st.result.Status)
	c.pruneSessions(st)
	c.recordCycle(st, "final", st.result.Status)

	st.result.Duration = time.Since(started)
	c.logger.Info("close_loop_finished",
		"status", st.result.Status,
		"cycles", st.cycles,
		"replans", st.rp.Performed,
		"duration_s", st.result.Duration.Seconds(),
	)
	return st.result, nil
}

// runLoop is the orchestrate-evaluate-replan cycle. It mutates st and
// returns only on hard errors; exhaustion and budget exits are recorded
// in st.rp.
func (c *Controller) runLoop(ctx context.Context, st *loopState) error {
	var lastSignature string
	noProgress := 0
	prevCompleted, prevFailed := -1, -1

	for {
		runRes, err := c.engine.Run(ctx, orchestrate.Request{
			SpecNames:   st.specSet,
			MaxParallel: st.req.MaxParallel,
			OnStatus:    st.req.OnStatus,
			SessionID:   st.result.SessionID,
		})
		if err != nil {
			return err
		}
		st.cycles++
		st.result.Orchestration = runRes
		st.result.Status = runRes.Status
		if runRes.Plan != nil {
			st.result.Plan = runRes.Plan
		}
		c.recordCycle(st, "orchestration", runRes.Status)
		c.syncSnapshot(st, sessionStatusRunning)
		c.writeSyncPlan(st.port.Master, runRes.Plan)

		failedSpecs := failedSet(runRes, st.port.Master)
		if runRes.Status == orchestrate.StatusStopped {
			return nil
		}
		if runRes.Status == orchestrate.StatusCompleted || len(failedSpecs) == 0 {
			return nil
		}

		completed, failed := len(runRes.Completed), len(failedSpecs)
		if prevCompleted >= 0 && completed <= prevCompleted && failed >= prevFailed {
			noProgress++
		} else {
			noProgress = 0
		}
		prevCompleted, prevFailed = completed, failed
		if noProgress >= st.rp.NoProgressWindow {
			st.rp.Exhausted = true
			st.rp.ExhaustedReason = ReasonNoProgress
			c.logger.Warn("replan_exhausted", "reason", ReasonNoProgress, "cycles", st.cycles)
			return nil
		}

		signature := strings.Join(failedSpecs, ",")
		if signature == lastSignature {
			st.rp.Exhausted = true
			st.rp.ExhaustedReason = ReasonStalledSignature
			st.rp.StalledSignature = signature
			c.logger.Warn("replan_exhausted", "reason", ReasonStalledSignature, "signature", signature)
			return nil
		}
		lastSignature = signature

		budget := effectiveBudget(st.rp.Strategy, st.rp.MaxAttempts, len(failedSpecs))
		if st.rp.Performed >= budget {
			c.logger.Info("replan_budget_reached", "performed", st.rp.Performed, "budget", budget)
			return nil
		}

		if err := c.synthesizeRemediation(st, failedSpecs); err != nil {
			return err
		}
	}
}

// synthesizeRemediation creates the next remediation sub, seeds it and
// enlarges the running spec set.
func (c *Controller) synthesizeRemediation(st *loopState, failedSpecs []string) error {
	cycle := st.rp.Performed + 1
	existing := st.specSet
	if names, err := c.ws.ListSpecNames(); err == nil {
		existing = names
	} else {
		c.logger.Warn("spec_listing_failed", "error", err)
	}
	name := decompose.RemediationName(st.port.Prefix, cycle, existing)

	doc := workspace.SpecDoc{
		Name:        name,
		Role:        roleSub,
		Goal:        st.goal,
		Track:       "replan-remediation",
		Description: "Remediate failed specs: " + strings.Join(failedSpecs, ", "),
	}
	if err := c.ws.Materialize(doc); err != nil {
		return err
	}
	if err := c.collab.Seed(name, roleSub, nil); err != nil {
		return err
	}
	agentID := "agent-" + uuid.NewString()
	if err := c.collab.AssignSpec(name, agentID); err != nil {
		return err
	}

	st.assignments[name] = agentID
	st.rp.Performed = cycle
	st.rp.RemediationSpecs = append(st.rp.RemediationSpecs, name)
	st.port.SubSpecs = append(st.port.SubSpecs, name)
	st.port.MasterDependencies = append(st.port.MasterDependencies, name)
	if st.port.Tracks == nil {
		st.port.Tracks = make(map[string]string)
	}
	st.port.Tracks[name] = "replan-remediation"
	st.specSet = st.port.SpecNames()

	// The master waits on the new sub too, otherwise the rerun could
	// schedule it before the remediation finished.
	err := c.collab.AtomicUpdate(st.port.Master, func(meta *collab.Metadata) error {
		meta.Dependencies = append([]string(nil), st.port.MasterDependencies...)
		return nil
	})
	if err != nil {
		return err
	}

	c.recordCycle(st, "replan", name)
	c.logger.Info("replan_cycle", "cycle", cycle, "remediation", name, "failed", failedSpecs)
	c.syncSnapshot(st, sessionStatusRunning)
	return nil
}

// evaluateDod runs the gate, writes the report and demotes the final
// status when any gate failed.
func (c *Controller) evaluateDod(ctx context.Context, st *loopState) error {
	window := st.dodCfg.BaselineWindow
	if window == 0 {
		window = dod.DefaultBaselineWindow
	}
	var baseline []float64
	if st.req.Session.Enabled {
		rates, err := c.sessions.SuccessRates(window, st.result.SessionID)
		if err != nil {
			c.logger.Warn("baseline_rates_unavailable", "error", err)
		} else {
			baseline = rates
		}
	}

	checker, err := dod.New(dod.Options{
		Workspace: c.ws,
		Collab:    c.collab,
		Config:    st.dodCfg,
		Logger:    c.root,
	})
	if err != nil {
		return err
	}

	or := st.result.Orchestration
	report := checker.Evaluate(ctx, dod.RunFacts{
		Status:         st.result.Status,
		SpecNames:      st.specSet,
		CompletedCount: len(or.Completed),
		FailedCount:    len(or.Failed),
		SkippedCount:   len(or.Skipped),
		BaselineRates:  baseline,
	})
	st.result.Dod = report

	path := st.req.DodReport
	if path == "" {
		path = filepath.Join(c.ws.CustomDir(st.port.Master), dodReportFile)
	}
	if err := report.WriteFile(path); err != nil {
		c.logger.Warn("dod_report_write_failed", "path", path, "error", err)
	} else if st.snap != nil {
		st.snap.Dod.ReportPath = path
	}
	if st.snap != nil {
		st.snap.Dod.Evaluated = true
		st.snap.Dod.Passed = report.Passed
	}

	if !report.Passed {
		st.result.DodDemoted = true
		st.result.Status = orchestrate.StatusFailed
		c.logger.Warn("dod_demoted", "failures", len(report.Failures()))
	}
	c.recordCycle(st, "dod", fmt.Sprintf("passed=%t", report.Passed))
	return nil
}

// updateStrategy folds the finished run into strategy memory.
func (c *Controller) updateStrategy(st *loopState) {
	completedSet := make(map[string]bool, len(st.result.Orchestration.Completed))
	for _, name := range st.result.Orchestration.Completed {
		completedSet[name] = true
	}
	outcomes := make(map[string]bool)
	for _, name := range st.port.SubSpecs {
		track := st.port.Tracks[name]
		if track == "" {
			continue
		}
		outcomes[track] = outcomes[track] || completedSet[name]
	}

	rec := strategy.RunRecord{
		Goal:           st.goal,
		Completed:      st.result.Status == orchestrate.StatusCompleted,
		ReplanStrategy: st.rp.Strategy,
		ReplanAttempts: st.rp.MaxAttempts,
		DodTestCommand: st.dodCfg.TestsCommand,
		FinalStatus:    st.result.Status,
		TrackOutcomes:  outcomes,
	}
	if err := c.strategy.RecordRun(rec); err != nil {
		c.logger.Warn("strategy_update_failed", "error", err)
	}
}

// materializePortfolio writes spec documents and seeds metadata for a
// fresh portfolio. Collisions are detected before anything is created.
func (c *Controller) materializePortfolio(st *loopState) error {
	if err := c.ws.EnsureAutoLayout(); err != nil {
		return err
	}

	docs := make([]workspace.SpecDoc, 0, len(st.port.SubSpecs)+1)
	docs = append(docs, workspace.SpecDoc{
		Name:         st.port.Master,
		Role:         roleMaster,
		Goal:         st.goal,
		Description:  "Coordinate the sub-spec portfolio and integrate its results.",
		Dependencies: st.port.MasterDependencies,
	})
	for _, name := range st.port.SubSpecs {
		track := st.port.Tracks[name]
		docs = append(docs, workspace.SpecDoc{
			Name:         name,
			Role:         roleSub,
			Goal:         st.goal,
			Track:        track,
			Description:  fmt.Sprintf("Deliver the %s track of the goal.", track),
			Dependencies: st.port.DependencyPlan[name],
		})
	}

	for _, doc := range docs {
		if c.ws.SpecExists(doc.Name) {
			return fmt.Errorf("closeloop: spec %s already exists in the workspace", doc.Name)
		}
	}
	for _, doc := range docs {
		if err := c.ws.Materialize(doc); err != nil {
			return err
		}
	}

	if err := c.collab.Seed(st.port.Master, roleMaster, st.port.MasterDependencies); err != nil {
		return err
	}
	for _, name := range st.port.SubSpecs {
		if err := c.collab.Seed(name, roleSub, st.port.DependencyPlan[name]); err != nil {
			return err
		}
	}
	c.logger.Info("portfolio_materialized", "master", st.port.Master, "subs", len(st.port.SubSpecs))
	return nil
}

// assignAgents gives every spec a logical agent id, minting fresh ids
// for specs the snapshot did not cover.
func (c *Controller) assignAgents(st *loopState) error {
	for _, name := range st.specSet {
		if st.assignments[name] == "" {
			st.assignments[name] = "agent-" + uuid.NewString()
		}
		if err := c.collab.AssignSpec(name, st.assignments[name]); err != nil {
			return err
		}
	}
	return nil
}

// syncSnapshot mirrors the loop state into the session snapshot and
// saves it. Session I/O failures warn, never abort.
func (c *Controller) syncSnapshot(st *loopState, status string) {
	if !st.req.Session.Enabled || st.snap == nil {
		return
	}
	st.snap.Status = status
	st.snap.Goal = st.goal
	st.snap.Portfolio = st.port
	st.snap.Assignments = st.assignments
	st.snap.Replan = session.ReplanState{
		Strategy:         st.rp.Strategy,
		MaxAttempts:      st.rp.MaxAttempts,
		NoProgressWindow: st.rp.NoProgressWindow,
		Performed:        st.rp.Performed,
		Exhausted:        st.rp.Exhausted,
		ExhaustedReason:  st.rp.ExhaustedReason,
		StalledSignature: st.rp.StalledSignature,
		RemediationSpecs: st.rp.RemediationSpecs,
	}
	if or := st.result.Orchestration; or != nil {
		state := session.OrchestrationState{
			Status:    or.Status,
			Completed: or.Completed,
			Failed:    or.Failed,
			Skipped:   or.Skipped,
			Runs:      st.cycles,
		}
		if or.Plan != nil {
			state.Batches = or.Plan.Batches
			state.AutoReordered = or.Plan.AutoReordered
		}
		st.snap.Orchestration = state
	}
	if err := c.sessions.Save(st.snap); err != nil {
		c.logger.Warn("session_write_failed", "session_id", st.snap.SessionID, "error", err)
	}
}

func (c *Controller) pruneSessions(st *loopState) {
	cfg := st.req.Session
	if !cfg.Enabled || (cfg.Keep <= 0 && cfg.OlderThanDays <= 0) {
		return
	}
	removed, err := c.sessions.Prune(cfg.Keep, time.Duration(cfg.OlderThanDays)*24*time.Hour, st.result.SessionID)
	if err != nil {
		c.logger.Warn("session_prune_failed", "error", err)
		return
	}
	if len(removed) > 0 {
		c.logger.Debug("sessions_removed", "count", len(removed))
	}
}

// writeSyncPlan renders the execution plan into the master spec's custom
// directory. Failures warn, never abort.
func (c *Controller) writeSyncPlan(master string, plan *orchestrate.Plan) {
	if plan == nil {
		return
	}
	dir := c.ws.CustomDir(master)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logger.Warn("sync_plan_write_failed", "error", err)
		return
	}
	path := filepath.Join(dir, agentSyncPlanFile)
	if err := os.WriteFile(path, []byte(plan.RenderMarkdown(time.Now())), 0o644); err != nil {
		c.logger.Warn("sync_plan_write_failed", "path", path, "error", err)
	}
}

func (c *Controller) recordCycle(st *loopState, phase, detail string) {
	if c.ledger == nil {
		return
	}
	if err := c.ledger.RecordLoopCycle(st.result.SessionID, st.cycles, phase, detail); err != nil {
		c.logger.Warn("history_record_failed", "phase", phase, "error", err)
	}
}

func (st *loopState) resolveSessionID(req Request, snap *session.Snapshot) string {
	if snap != nil && snap.SessionID != "" {
		return snap.SessionID
	}
	if req.Session.ID != "" {
		return req.Session.ID
	}
	return session.NewID(st.port.Prefix, time.Now())
}

func validateReplan(cfg ReplanConfig) error {
	if cfg.Strategy != "" && cfg.Strategy != ReplanFixed && cfg.Strategy != ReplanAdaptive {
		return fmt.Errorf("closeloop: replan strategy must be %q or %q, got %q", ReplanFixed, ReplanAdaptive, cfg.Strategy)
	}
	if cfg.MaxAttempts != nil && (*cfg.MaxAttempts < 0 || *cfg.MaxAttempts > maxReplanAttempts) {
		return fmt.Errorf("closeloop: replan attempts must be between 0 and %d, got %d", maxReplanAttempts, *cfg.MaxAttempts)
	}
	if cfg.NoProgressWindow != 0 && (cfg.NoProgressWindow < 1 || cfg.NoProgressWindow > maxNoProgressWindow) {
		return fmt.Errorf("closeloop: no-progress window must be between 1 and %d, got %d", maxNoProgressWindow, cfg.NoProgressWindow)
	}
	return nil
}

// resolveReplan applies precedence: explicit request, then the resumed
// snapshot, then strategy memory, then defaults.
func resolveReplan(cfg ReplanConfig, ov strategy.Overrides, snap *session.Snapshot) ReplanOutcome {
	out := ReplanOutcome{
		Strategy:         cfg.Strategy,
		NoProgressWindow: cfg.NoProgressWindow,
		MaxAttempts:      DefaultReplanAttempts,
	}
	attemptsResolved := false
	if cfg.MaxAttempts != nil {
		out.MaxAttempts = *cfg.MaxAttempts
		attemptsResolved = true
	}

	if snap != nil {
		out.Performed = snap.Replan.Performed
		out.RemediationSpecs = append([]string(nil), snap.Replan.RemediationSpecs...)
		if out.Strategy == "" {
			out.Strategy = snap.Replan.Strategy
		}
		if !attemptsResolved {
			out.MaxAttempts = snap.Replan.MaxAttempts
			attemptsResolved = true
		}
		if out.NoProgressWindow == 0 {
			out.NoProgressWindow = snap.Replan.NoProgressWindow
		}
	}
	if out.Strategy == "" {
		out.Strategy = ov.ReplanStrategy
	}
	if !attemptsResolved && ov.ReplanAttempts != nil {
		out.MaxAttempts = *ov.ReplanAttempts
	}
	if out.Strategy == "" {
		out.Strategy = DefaultReplanStrategy
	}
	if out.NoProgressWindow == 0 {
		out.NoProgressWindow = DefaultNoProgressWindow
	}
	return out
}

// effectiveBudget sizes the replan budget: fixed uses maxAttempts as-is,
// adaptive scales with half the failed set, clamped to [1, 5].
func effectiveBudget(strategyName string, maxAttempts, failedCount int) int {
	if strategyName != ReplanAdaptive {
		return maxAttempts
	}
	budget := maxAttempts
	if need := (failedCount + 1) / 2; need > budget {
		budget = need
	}
	if budget < adaptiveBudgetFloor {
		budget = adaptiveBudgetFloor
	}
	if budget > adaptiveBudgetCeil {
		budget = adaptiveBudgetCeil
	}
	return budget
}

// failedSet is the sorted, deduplicated union of failed and skipped
// specs, excluding the master.
func failedSet(res *orchestrate.Result, master string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{res.Failed, res.Skipped} {
		for _, name := range list {
			if name == master || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func portfolioFromPlan(p *decompose.Plan) session.Portfolio {
	port := session.Portfolio{
		Prefix:             p.Prefix,
		Master:             p.MasterName,
		MasterDependencies: append([]string(nil), p.MasterDependencies...),
		DependencyPlan:     make(map[string][]string, len(p.Subs)),
		Tracks:             make(map[string]string, len(p.Subs)),
	}
	for _, sub := range p.Subs {
		port.SubSpecs = append(port.SubSpecs, sub.Name)
		port.DependencyPlan[sub.Name] = append([]string(nil), sub.Dependencies...)
		port.Tracks[sub.Name] = sub.Track
	}
	return port
}

// planDeps projects the portfolio's dependency plan into the shape the
// planner wants. The master waits on every sub, so it lands in the final
// batch and a failed sub skips it.
func planDeps(port session.Portfolio) map[string][]string {
	deps := make(map[string][]string, len(port.SubSpecs)+1)
	for _, name := range port.SubSpecs {
		deps[name] = port.DependencyPlan[name]
	}
	deps[port.Master] = append([]string(nil), port.MasterDependencies...)
	return deps
}
