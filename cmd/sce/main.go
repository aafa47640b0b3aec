package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/antigravity-dev/sce/internal/closeloop"
	"github.com/antigravity-dev/sce/internal/collab"
	"github.com/antigravity-dev/sce/internal/config"
	"github.com/antigravity-dev/sce/internal/dod"
	"github.com/antigravity-dev/sce/internal/health"
	"github.com/antigravity-dev/sce/internal/history"
	"github.com/antigravity-dev/sce/internal/manifest"
	"github.com/antigravity-dev/sce/internal/monitor"
	"github.com/antigravity-dev/sce/internal/orchestrate"
	"github.com/antigravity-dev/sce/internal/platform"
	"github.com/antigravity-dev/sce/internal/procenv"
	"github.com/antigravity-dev/sce/internal/prompt"
	"github.com/antigravity-dev/sce/internal/registry"
	"github.com/antigravity-dev/sce/internal/session"
	"github.com/antigravity-dev/sce/internal/spawn"
	"github.com/antigravity-dev/sce/internal/strategy"
	"github.com/antigravity-dev/sce/internal/workspace"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: sce <command>

Commands:
  auto close-loop <goal> [flags]   decompose a goal into a spec portfolio and drive it to completion

Run 'sce auto close-loop -h' for the close-loop flags.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "auto":
		if len(os.Args) < 3 || os.Args[2] != "close-loop" {
			fmt.Fprintln(os.Stderr, "sce: 'auto' supports one subcommand: close-loop")
			os.Exit(2)
		}
		os.Exit(runCloseLoop(os.Args[3:]))
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "sce: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

// die reports a configuration error and exits. Only used before any
// lock or store is acquired, so skipped defers cannot leak anything.
func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "sce: "+format+"\n", args...)
	os.Exit(2)
}

// dodImplyingFlags enable the definition-of-done gate when set, so that
// configuring a threshold is enough to opt in.
var dodImplyingFlags = []string{
	"dod-tests", "dod-tests-timeout", "dod-max-risk-level",
	"dod-kpi-min-completion-rate", "dod-max-success-rate-drop",
	"dod-baseline-window", "dod-report",
}

func dodEnabled(explicit, disabled bool, set map[string]bool) bool {
	if disabled {
		return false
	}
	if explicit {
		return true
	}
	for _, name := range dodImplyingFlags {
		if set[name] {
			return true
		}
	}
	return false
}

// resolveMaxParallel applies flag, then manifest, then config defaults.
func resolveMaxParallel(flagValue int, m *manifest.Manifest, cfg *config.Config) int {
	if flagValue > 0 {
		return flagValue
	}
	if m != nil && m.Defaults.MaxParallel > 0 {
		return m.Defaults.MaxParallel
	}
	return cfg.MaxParallel
}

// exitCode maps a terminal close-loop status to the process exit code.
// Planning-only statuses count as success; everything that ran and did
// not complete does not.
func exitCode(status string) int {
	switch status {
	case orchestrate.StatusCompleted, orchestrate.StatusPrepared, closeloop.StatusPlanned:
		return 0
	}
	return 1
}

func runCloseLoop(args []string) int {
	fs := flag.NewFlagSet("auto close-loop", flag.ExitOnError)
	var (
		dryRun = fs.Bool("dry-run", false, "plan the portfolio without writing or running anything")
		runIt  = fs.Bool("run", true, "execute the portfolio after preparing it")
		noRun  = fs.Bool("no-run", false, "prepare and seed the portfolio without running it")
		prefix = fs.Int("prefix", 0, "two-digit spec prefix (0 = next free)")
		subs   = fs.Int("subs", 0, "number of sub specs, 2..5 (0 = derived from the goal)")

		replanStrategy = fs.String("replan-strategy", "", "replan strategy: fixed or adaptive (default from strategy memory)")
		replanAttempts = fs.Int("replan-attempts", closeloop.DefaultReplanAttempts, "maximum replan cycles, 0..5")
		replanWindow   = fs.Int("replan-no-progress-window", 0, "cycles without progress before giving up, 1..10")

		dodOn      = fs.Bool("dod", false, "evaluate the definition-of-done gate after the run")
		noDod      = fs.Bool("no-dod", false, "skip the definition-of-done gate")
		dodTests   = fs.String("dod-tests", "", "shell command the tests-command gate runs")
		dodTimeout = fs.Int("dod-tests-timeout", 0, "tests command timeout in milliseconds")
		dodRisk    = fs.String("dod-max-risk-level", "", "highest acceptable run risk: low, medium or high")
		dodMinRate = fs.Float64("dod-kpi-min-completion-rate", 0, "minimum completed/total percentage, 0..100")
		dodMaxDrop = fs.Float64("dod-max-success-rate-drop", 0, "largest acceptable drop from the success baseline, 0..100")
		dodWindow  = fs.Int("dod-baseline-window", 0, "historical sessions forming the baseline, 1..50")
		dodReport  = fs.String("dod-report", "", "report path (default <master spec>/custom/dod-report.json)")

		sessionOn    = fs.Bool("session", true, "persist a resumable session snapshot")
		noSession    = fs.Bool("no-session", false, "disable session persistence")
		sessionID    = fs.String("session-id", "", "session id override (default <prefix>-<timestamp>)")
		sessionKeep  = fs.Int("session-keep", 0, "keep at most N session snapshots, 0..1000 (0 = unlimited)")
		sessionOlder = fs.Int("session-older-than-days", 0, "prune snapshots older than N days, 0..36500 (0 = never)")
		resume       = fs.String("resume", "", "resume a session: latest, interrupted, a session id or a snapshot path")

		maxParallel = fs.Int("max-parallel", 0, "concurrently running workers (0 = manifest or config default)")
		outPath     = fs.String("out", "", "write the result document to this file")
		jsonOut     = fs.Bool("json", false, "print the result document instead of a summary")
		quiet       = fs.Bool("quiet", false, "suppress progress and summary output")
		logLevel    = fs.String("log-level", "info", "log level: debug, info, warn or error")
		dev         = fs.Bool("dev", false, "use text log format (default is JSON)")
	)
	fs.Parse(args)

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	logger := configureLogger(*logLevel, *dev)
	slog.SetDefault(logger)

	goal := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if goal == "" && *resume == "" {
		die("a goal argument is required (or --resume)")
	}

	sessionEnabled := *sessionOn && !*noSession
	if *resume != "" && !sessionEnabled {
		die("--resume requires session persistence; drop --no-session")
	}
	if *subs != 0 && (*subs < 2 || *subs > 5) {
		die("--subs must be between 2 and 5, got %d", *subs)
	}
	if *prefix < 0 || *prefix > 99 {
		die("--prefix must be between 0 and 99, got %d", *prefix)
	}
	if *replanStrategy != "" && *replanStrategy != closeloop.ReplanFixed && *replanStrategy != closeloop.ReplanAdaptive {
		die("--replan-strategy must be fixed or adaptive, got %q", *replanStrategy)
	}
	if set["replan-attempts"] && (*replanAttempts < 0 || *replanAttempts > 5) {
		die("--replan-attempts must be between 0 and 5, got %d", *replanAttempts)
	}
	if set["replan-no-progress-window"] && (*replanWindow < 1 || *replanWindow > 10) {
		die("--replan-no-progress-window must be between 1 and 10, got %d", *replanWindow)
	}
	if *sessionKeep < 0 || *sessionKeep > 1000 {
		die("--session-keep must be between 0 and 1000, got %d", *sessionKeep)
	}
	if *sessionOlder < 0 || *sessionOlder > 36500 {
		die("--session-older-than-days must be between 0 and 36500, got %d", *sessionOlder)
	}
	if *maxParallel < 0 {
		die("--max-parallel must not be negative, got %d", *maxParallel)
	}
	if *dodTimeout < 0 {
		die("--dod-tests-timeout must not be negative, got %d", *dodTimeout)
	}

	dodCfg := dod.Config{
		TestsCommand:      *dodTests,
		TestsTimeout:      time.Duration(*dodTimeout) * time.Millisecond,
		MaxRiskLevel:      *dodRisk,
		MinCompletionRate: *dodMinRate,
		MaxSuccessDrop:    *dodMaxDrop,
		BaselineWindow:    *dodWindow,
	}
	runDod := dodEnabled(*dodOn, *noDod, set)
	if runDod {
		if err := dodCfg.Validate(); err != nil {
			die("%v", err)
		}
	}

	root, err := os.Getwd()
	if err != nil {
		die("resolving working directory: %v", err)
	}
	ws, err := workspace.New(root)
	if err != nil {
		die("%v", err)
	}
	loaded, err := config.LoadFromWorkspace(ws.Root())
	if err != nil {
		die("%v", err)
	}
	cfgManager := config.NewManager(loaded)
	cfg := cfgManager.Get()

	mfst, err := manifest.LoadOptional(ws.ManifestPath())
	if err != nil {
		die("%v", err)
	}

	logger.Info("sce starting",
		"workspace", ws.Root(),
		"goal", goal,
		"dry_run", *dryRun,
		"resume", *resume,
	)

	env := procenv.NewOS(ws.Root(), logger)

	// Real runs take the workspace lock; a dry run touches nothing.
	if !*dryRun {
		if err := ws.EnsureAutoLayout(); err != nil {
			logger.Error("preparing workspace layout", "error", err)
			return 1
		}
		lock, err := health.Acquire(ws.LockPath())
		if err != nil {
			logger.Error("another close-loop run holds the workspace lock", "path", ws.LockPath(), "error", err)
			return 1
		}
		defer lock.Release()
	}

	var ledger *history.Store
	if !*dryRun && !cfg.DisableHistory {
		ledger, err = history.Open(ws.HistoryDBPath())
		if err != nil {
			logger.Warn("run history disabled", "path", ws.HistoryDBPath(), "error", err)
			ledger = nil
		} else {
			defer ledger.Close()
			// Anything still marked running was left by a crashed run;
			// the flock rules out a live one.
			if n, err := ledger.MarkInterrupted(); err != nil {
				logger.Warn("sweeping stale worker records", "error", err)
			} else if n > 0 {
				logger.Info("stale_workers_interrupted", "count", n)
			}
		}
	}

	reg := registry.New(logger)
	prompts, err := prompt.NewBuilder(ws, cfg.BootstrapTemplate, logger)
	if err != nil {
		logger.Error("loading bootstrap template", "error", err)
		return 1
	}
	launchers := platform.NewSelector(cfg, env, logger)

	spawner, err := spawn.New(spawn.Options{
		Config:    cfg,
		Workspace: ws,
		Env:       env,
		Registry:  reg,
		Prompts:   prompts,
		Launchers: launchers,
		Ledger:    ledger,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("building spawner", "error", err)
		return 1
	}
	defer spawner.Close()

	collabStore := collab.NewStore(ws, logger)
	engine, err := orchestrate.New(orchestrate.Options{
		Collab:   collabStore,
		Spawner:  spawner,
		Manifest: mfst,
		Ledger:   ledger,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("building orchestration engine", "error", err)
		return 1
	}

	controller, err := closeloop.New(closeloop.Options{
		Workspace: ws,
		Collab:    collabStore,
		Engine:    engine,
		Strategy:  strategy.NewStore(ws, logger),
		Sessions:  session.NewStore(ws, logger),
		Manifest:  mfst,
		Ledger:    ledger,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("building close-loop controller", "error", err)
		return 1
	}

	var onStatus func(monitor.Snapshot)
	if !*quiet {
		onStatus = func(s monitor.Snapshot) {
			fmt.Fprintf(os.Stderr, "batch %d/%d  completed=%d failed=%d running=%d\n",
				s.CurrentBatch, s.TotalBatches, s.CompletedSpecs, s.FailedSpecs, s.RunningSpecs)
		}
	}

	var attempts *int
	if set["replan-attempts"] {
		v := *replanAttempts
		attempts = &v
	}

	req := closeloop.Request{
		Goal:        goal,
		Prefix:      *prefix,
		SubCount:    *subs,
		MaxParallel: resolveMaxParallel(*maxParallel, mfst, cfg),
		DryRun:      *dryRun,
		PrepareOnly: *noRun || !*runIt,
		Replan: closeloop.ReplanConfig{
			Strategy:         *replanStrategy,
			MaxAttempts:      attempts,
			NoProgressWindow: *replanWindow,
		},
		DodEnabled: runDod,
		Dod:        dodCfg,
		DodReport:  *dodReport,
		Session: closeloop.SessionConfig{
			Enabled:       sessionEnabled,
			ID:            *sessionID,
			Keep:          *sessionKeep,
			OlderThanDays: *sessionOlder,
			Resume:        *resume,
		},
		OnStatus: onStatus,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := controller.Run(ctx, req)
	if err != nil {
		logger.Error("close-loop failed", "error", err)
		return 1
	}

	doc := buildResultDoc(res)
	if *outPath != "" {
		if err := writeResultDoc(*outPath, doc); err != nil {
			logger.Error("writing result document", "path", *outPath, "error", err)
			return 1
		}
	}
	if *jsonOut {
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			logger.Error("encoding result document", "error", err)
			return 1
		}
		fmt.Println(string(data))
	} else if !*quiet {
		printSummary(res)
	}

	return exitCode(res.Status)
}

// resultDoc is the machine-readable outcome printed by --json and
// written by --out.
type resultDoc struct {
	Status     string      `json:"status"`
	SessionID  string      `json:"session_id,omitempty"`
	Goal       string      `json:"goal"`
	Prefix     int         `json:"prefix"`
	Master     string      `json:"master"`
	SubSpecs   []string    `json:"sub_specs"`
	Batches    [][]string  `json:"batches,omitempty"`
	Completed  []string    `json:"completed,omitempty"`
	Failed     []string    `json:"failed,omitempty"`
	Skipped    []string    `json:"skipped,omitempty"`
	Cycles     int         `json:"cycles"`
	Replan     replanDoc   `json:"replan"`
	Dod        *dod.Report `json:"dod,omitempty"`
	DodDemoted bool        `json:"dod_demoted,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	DurationMS int64       `json:"duration_ms"`
}

type replanDoc struct {
	Strategy         string   `json:"strategy"`
	MaxAttempts      int      `json:"max_attempts"`
	NoProgressWindow int      `json:"no_progress_window"`
	Performed        int      `json:"performed"`
	Exhausted        bool     `json:"exhausted,omitempty"`
	ExhaustedReason  string   `json:"exhausted_reason,omitempty"`
	StalledSignature string   `json:"stalled_signature,omitempty"`
	RemediationSpecs []string `json:"remediation_specs,omitempty"`
}

func buildResultDoc(res *closeloop.Result) resultDoc {
	doc := resultDoc{
		Status:    res.Status,
		SessionID: res.SessionID,
		Goal:      res.Goal,
		Prefix:    res.Prefix,
		Master:    res.Master,
		SubSpecs:  res.SubSpecs,
		Cycles:    res.Cycles,
		Replan: replanDoc{
			Strategy:         res.Replan.Strategy,
			MaxAttempts:      res.Replan.MaxAttempts,
			NoProgressWindow: res.Replan.NoProgressWindow,
			Performed:        res.Replan.Performed,
			Exhausted:        res.Replan.Exhausted,
			ExhaustedReason:  res.Replan.ExhaustedReason,
			StalledSignature: res.Replan.StalledSignature,
			RemediationSpecs: res.Replan.RemediationSpecs,
		},
		Dod:        res.Dod,
		DodDemoted: res.DodDemoted,
		StartedAt:  res.StartedAt,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Plan != nil {
		doc.Batches = res.Plan.Batches
	}
	if res.Orchestration != nil {
		doc.Completed = res.Orchestration.Completed
		doc.Failed = res.Orchestration.Failed
		doc.Skipped = res.Orchestration.Skipped
	}
	return doc
}

func writeResultDoc(path string, doc resultDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func printSummary(res *closeloop.Result) {
	fmt.Printf("close-loop %s\n", res.Status)
	fmt.Printf("  goal:     %s\n", res.Goal)
	fmt.Printf("  master:   %s\n", res.Master)
	fmt.Printf("  subs:     %s\n", strings.Join(res.SubSpecs, ", "))
	if res.SessionID != "" {
		fmt.Printf("  session:  %s\n", res.SessionID)
	}
	fmt.Printf("  cycles:   %d (replans %d)\n", res.Cycles, res.Replan.Performed)
	if res.Replan.Exhausted {
		fmt.Printf("  replan exhausted: %s\n", res.Replan.ExhaustedReason)
	}
	if res.Orchestration != nil {
		fmt.Printf("  specs:    %d completed, %d failed, %d skipped\n",
			len(res.Orchestration.Completed), len(res.Orchestration.Failed), len(res.Orchestration.Skipped))
	}
	if res.Dod != nil {
		verdict := "passed"
		if !res.Dod.Passed {
			verdict = "failed"
		}
		fmt.Printf("  dod:      %s\n", verdict)
		for _, failure := range res.Dod.Failures() {
			fmt.Printf("            %s\n", failure)
		}
	}
	fmt.Printf("  duration: %s\n", res.Duration.Round(time.Millisecond))
}
