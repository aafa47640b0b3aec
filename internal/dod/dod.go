// Package dod evaluates the Definition of Done gate over a finished
// orchestration run. Gates run in a fixed order; each yields passed,
// failed or skipped, and one failed gate fails the whole report.
package dod

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/sce/internal/collab"
	"github.com/antigravity-dev/sce/internal/workspace"
)

// Gate names in evaluation order.
const (
	GateDocsComplete   = "docs-complete"
	GateOrchestration  = "orchestration-completed"
	GateRiskLevel      = "risk-level-threshold"
	GateCompletionRate = "kpi-completion-rate-threshold"
	GateBaselineDrop   = "kpi-baseline-drop-threshold"
	GateCollaboration  = "collaboration-completed"
	GateTasksClosed    = "tasks-checklist-closed"
	GateTestsCommand   = "tests-command"
)

// Gate status values.
const (
	GatePassed  = "passed"
	GateFailed  = "failed"
	GateSkipped = "skipped"
)

// Risk levels, ordered low < medium < high.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

const (
	// DefaultTestsTimeout bounds the tests-command gate when no timeout is
	// configured.
	DefaultTestsTimeout = 10 * time.Minute

	// DefaultBaselineWindow is the number of historical sessions consulted
	// by the baseline-drop gate.
	DefaultBaselineWindow = 5

	// testsOutputLimit bounds captured tests-command output; the tail is
	// kept on overflow.
	testsOutputLimit = 50 * 1024

	failedRiskRatio = 0.4
)

var riskRank = map[string]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2}

// Config tunes the gate thresholds for one evaluation.
type Config struct {
	// TestsCommand is run through `sh -c` in the workspace root. Empty
	// skips the tests-command gate.
	TestsCommand string
	// TestsTimeout bounds TestsCommand; zero selects DefaultTestsTimeout.
	TestsTimeout time.Duration
	// MaxRiskLevel is the highest acceptable derived run risk. Empty
	// means high (the gate never fails).
	MaxRiskLevel string
	// MinCompletionRate is the minimum completed/total percentage.
	MinCompletionRate float64
	// MaxSuccessDrop is the largest acceptable drop, in percentage
	// points, from the historical success-rate baseline.
	MaxSuccessDrop float64
	// BaselineWindow is how many recent sessions form the baseline.
	// Zero selects DefaultBaselineWindow.
	BaselineWindow int
}

// Validate rejects out-of-range thresholds before any gate runs.
func (c Config) Validate() error {
	switch c.MaxRiskLevel {
	case "", RiskLow, RiskMedium, RiskHigh:
	default:
		return fmt.Errorf("dod: max risk level %q (want low, medium or high)", c.MaxRiskLevel)
	}
	if c.MinCompletionRate < 0 || c.MinCompletionRate > 100 {
		return fmt.Errorf("dod: min completion rate %.1f out of range [0, 100]", c.MinCompletionRate)
	}
	if c.MaxSuccessDrop < 0 || c.MaxSuccessDrop > 100 {
		return fmt.Errorf("dod: max success-rate drop %.1f out of range [0, 100]", c.MaxSuccessDrop)
	}
	if c.BaselineWindow < 0 || c.BaselineWindow > 50 {
		return fmt.Errorf("dod: baseline window %d out of range [1, 50]", c.BaselineWindow)
	}
	if c.TestsTimeout < 0 {
		return fmt.Errorf("dod: tests timeout must not be negative")
	}
	return nil
}

// RunFacts carries the orchestration outcome the gates judge.
type RunFacts struct {
	Status         string
	SpecNames      []string
	CompletedCount int
	FailedCount    int
	SkippedCount   int
	// BaselineRates are historical session success rates in percent,
	// newest first. Empty skips the baseline-drop gate.
	BaselineRates []float64
}

func (f RunFacts) total() int { return len(f.SpecNames) }

func (f RunFacts) completionRate() float64 {
	if f.total() == 0 {
		return 0
	}
	return float64(f.CompletedCount) / float64(f.total()) * 100
}

// GateResult is one gate's outcome in the report.
type GateResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	Output     string `json:"output,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Report is the persisted dod-report.json document.
type Report struct {
	Passed      bool         `json:"passed"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
	Gates       []GateResult `json:"gates"`
}

// Failures returns the messages of failed gates in evaluation order.
func (r *Report) Failures() []string {
	var out []string
	for _, g := range r.Gates {
		if g.Status == GateFailed {
			out = append(out, g.Name+": "+g.Message)
		}
	}
	return out
}

// WriteFile persists the report as indented JSON, creating parent
// directories as needed.
func (r *Report) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("dod: encode report: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("dod: create report dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("dod: write report: %w", err)
	}
	return nil
}

// Options configure a Checker.
type Options struct {
	Workspace *workspace.Workspace
	Collab    *collab.Store
	Config    Config
	Logger    *slog.Logger
}

// Checker evaluates the gate set over one workspace.
type Checker struct {
	ws     *workspace.Workspace
	store  *collab.Store
	cfg    Config
	logger *slog.Logger
}

// New validates the configuration and builds a Checker.
func New(opts Options) (*Checker, error) {
	if opts.Workspace == nil {
		return nil, fmt.Errorf("dod: workspace is required")
	}
	if opts.Collab == nil {
		return nil, fmt.Errorf("dod: collaboration store is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	cfg := opts.Config
	if cfg.TestsTimeout == 0 {
		cfg.TestsTimeout = DefaultTestsTimeout
	}
	if cfg.BaselineWindow == 0 {
		cfg.BaselineWindow = DefaultBaselineWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		ws:     opts.Workspace,
		store:  opts.Collab,
		cfg:    cfg,
		logger: logger.With("component", "dod"),
	}, nil
}

// Evaluate runs every gate in order and folds them into a report. Gates
// never abort the evaluation; read and exec problems surface as failed
// gates.
func (c *Checker) Evaluate(ctx context.Context, facts RunFacts) *Report {
	report := &Report{Passed: true, EvaluatedAt: time.Now().UTC()}

	gates := []func(context.Context, RunFacts) GateResult{
		c.checkDocsComplete,
		c.checkOrchestration,
		c.checkRiskLevel,
		c.checkCompletionRate,
		c.checkBaselineDrop,
		c.checkCollaboration,
		c.checkTasksClosed,
		c.checkTestsCommand,
	}
	for _, gate := range gates {
		result := gate(ctx, facts)
		report.Gates = append(report.Gates, result)
		if result.Status == GateFailed {
			report.Passed = false
		}
		c.logger.Debug("dod_gate", "gate", result.Name, "status", result.Status)
	}

	c.logger.Info("dod_evaluated", "passed", report.Passed, "gates", len(report.Gates))
	return report
}

func (c *Checker) checkDocsComplete(_ context.Context, facts RunFacts) GateResult {
	var offenders []string
	for _, name := range facts.SpecNames {
		for _, file := range []string{workspace.RequirementsFile, workspace.DesignFile, workspace.TasksFile} {
			data, err := os.ReadFile(c.ws.SpecFile(name, file))
			if err != nil || len(strings.TrimSpace(string(data))) == 0 {
				offenders = append(offenders, name+"/"+file)
			}
		}
	}
	if len(offenders) > 0 {
		return GateResult{
			Name:    GateDocsComplete,
			Status:  GateFailed,
			Message: "missing or empty documents: " + strings.Join(offenders, ", "),
		}
	}
	return GateResult{
		Name:    GateDocsComplete,
		Status:  GatePassed,
		Message: fmt.Sprintf("all %d specs documented", len(facts.SpecNames)),
	}
}

func (c *Checker) checkOrchestration(_ context.Context, facts RunFacts) GateResult {
	if facts.Status != "completed" {
		return GateResult{
			Name:    GateOrchestration,
			Status:  GateFailed,
			Message: "orchestration finished " + facts.Status,
		}
	}
	return GateResult{Name: GateOrchestration, Status: GatePassed, Message: "orchestration completed"}
}

// DeriveRisk classifies a run: low when it completed without failures,
// high when at least 40% of specs failed, medium otherwise.
func DeriveRisk(facts RunFacts) string {
	if facts.Status == "completed" && facts.FailedCount == 0 {
		return RiskLow
	}
	if total := facts.total(); total > 0 && float64(facts.FailedCount)/float64(total) >= failedRiskRatio {
		return RiskHigh
	}
	return RiskMedium
}

func (c *Checker) checkRiskLevel(_ context.Context, facts RunFacts) GateResult {
	maxLevel := c.cfg.MaxRiskLevel
	if maxLevel == "" {
		maxLevel = RiskHigh
	}
	risk := DeriveRisk(facts)
	if riskRank[risk] > riskRank[maxLevel] {
		return GateResult{
			Name:    GateRiskLevel,
			Status:  GateFailed,
			Message: fmt.Sprintf("run risk %s exceeds maximum %s", risk, maxLevel),
		}
	}
	return GateResult{
		Name:    GateRiskLevel,
		Status:  GatePassed,
		Message: fmt.Sprintf("run risk %s (maximum %s)", risk, maxLevel),
	}
}

func (c *Checker) checkCompletionRate(_ context.Context, facts RunFacts) GateResult {
	if facts.total() == 0 {
		return GateResult{Name: GateCompletionRate, Status: GateSkipped, Message: "no specs in run"}
	}
	rate := facts.completionRate()
	if rate < c.cfg.MinCompletionRate {
		return GateResult{
			Name:    GateCompletionRate,
			Status:  GateFailed,
			Message: fmt.Sprintf("completion rate %.1f%% below minimum %.1f%%", rate, c.cfg.MinCompletionRate),
		}
	}
	return GateResult{
		Name:    GateCompletionRate,
		Status:  GatePassed,
		Message: fmt.Sprintf("completion rate %.1f%% (minimum %.1f%%)", rate, c.cfg.MinCompletionRate),
	}
}

func (c *Checker) checkBaselineDrop(_ context.Context, facts RunFacts) GateResult {
	if len(facts.BaselineRates) == 0 {
		return GateResult{Name: GateBaselineDrop, Status: GateSkipped, Message: "no session history"}
	}
	window := c.cfg.BaselineWindow
	if window > len(facts.BaselineRates) {
		window = len(facts.BaselineRates)
	}
	var sum float64
	for _, rate := range facts.BaselineRates[:window] {
		sum += rate
	}
	baseline := sum / float64(window)
	current := facts.completionRate()
	drop := baseline - current
	if drop > c.cfg.MaxSuccessDrop {
		return GateResult{
			Name:   GateBaselineDrop,
			Status: GateFailed,
			Message: fmt.Sprintf("success rate %.1f%% is %.1f points below the %.1f%% baseline (max drop %.1f)",
				current, drop, baseline, c.cfg.MaxSuccessDrop),
		}
	}
	return GateResult{
		Name:    GateBaselineDrop,
		Status:  GatePassed,
		Message: fmt.Sprintf("success rate within %.1f points of the %.1f%% baseline", c.cfg.MaxSuccessDrop, baseline),
	}
}

func (c *Checker) checkCollaboration(_ context.Context, facts RunFacts) GateResult {
	var offenders []string
	for _, name := range facts.SpecNames {
		meta, err := c.store.ReadMetadata(name)
		if err != nil {
			offenders = append(offenders, name+" (unreadable)")
			continue
		}
		if meta.Status != collab.StatusCompleted {
			offenders = append(offenders, fmt.Sprintf("%s (%s)", name, meta.Status))
		}
	}
	if len(offenders) > 0 {
		sort.Strings(offenders)
		return GateResult{
			Name:    GateCollaboration,
			Status:  GateFailed,
			Message: "specs not completed: " + strings.Join(offenders, ", "),
		}
	}
	return GateResult{Name: GateCollaboration, Status: GatePassed, Message: "all specs completed"}
}

func (c *Checker) checkTasksClosed(_ context.Context, facts RunFacts) GateResult {
	var offenders []string
	for _, name := range facts.SpecNames {
		data, err := os.ReadFile(c.ws.SpecFile(name, workspace.TasksFile))
		if err != nil {
			offenders = append(offenders, name+" (unreadable)")
			continue
		}
		if strings.Contains(string(data), "- [ ]") {
			offenders = append(offenders, name)
		}
	}
	if len(offenders) > 0 {
		return GateResult{
			Name:    GateTasksClosed,
			Status:  GateFailed,
			Message: "unchecked tasks in: " + strings.Join(offenders, ", "),
		}
	}
	return GateResult{Name: GateTasksClosed, Status: GatePassed, Message: "all task checklists closed"}
}

func (c *Checker) checkTestsCommand(ctx context.Context, _ RunFacts) GateResult {
	command := strings.TrimSpace(c.cfg.TestsCommand)
	if command == "" {
		return GateResult{Name: GateTestsCommand, Status: GateSkipped, Message: "no tests command configured"}
	}

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.TestsTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = c.ws.Root()
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	tail := tailString(output.String(), testsOutputLimit)

	result := GateResult{
		Name:       GateTestsCommand,
		Output:     tail,
		DurationMS: elapsed.Milliseconds(),
	}
	switch {
	case err == nil:
		result.Status = GatePassed
		result.Message = "command succeeded: " + command
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Status = GateFailed
		result.Message = fmt.Sprintf("command timed out after %s: %s", c.cfg.TestsTimeout, command)
	default:
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			result.Output = "failed to execute: " + err.Error()
		}
		result.Status = GateFailed
		result.Message = fmt.Sprintf("command failed: %s (exit %d)", command, exitCode)
	}
	return result
}

// tailString keeps at most limit bytes from the end of s.
func tailString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return "... [truncated]\n" + s[len(s)-limit:]
}
