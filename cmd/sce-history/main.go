// Command sce-history queries the run ledger that sce writes to
// .sce/auto/history.db: worker runs, orchestration summaries, per-track
// stats and close-loop cycles.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/antigravity-dev/sce/internal/history"
	"github.com/antigravity-dev/sce/internal/workspace"
)

func usage() {
	fmt.Fprint(os.Stderr, `Usage: sce-history <command> [flags]

Commands:
  runs             recent worker runs (--limit, --session, --spec)
  orchestrations   recent orchestration runs (--limit)
  tracks           per-track completion stats
  cycles           close-loop cycle records (--session required)
  leaks            workers with no terminal state (exit 1 when any exist)
  interrupt        resolve leaked workers as interrupted

Common flags:
  --db <path>          history database (default <workspace>/.sce/auto/history.db)
  --workspace <dir>    workspace root used to locate the database (default .)
`)
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "sce-history: "+format+"\n", args...)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "runs":
		os.Exit(runsCmd(os.Args[2:]))
	case "orchestrations":
		os.Exit(orchestrationsCmd(os.Args[2:]))
	case "tracks":
		os.Exit(tracksCmd(os.Args[2:]))
	case "cycles":
		os.Exit(cyclesCmd(os.Args[2:]))
	case "leaks":
		os.Exit(leaksCmd(os.Args[2:]))
	case "interrupt":
		os.Exit(interruptCmd(os.Args[2:]))
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "sce-history: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func commonFlags(fs *flag.FlagSet) (dbPath, wsRoot *string) {
	dbPath = fs.String("db", "", "history database path")
	wsRoot = fs.String("workspace", ".", "workspace root")
	return dbPath, wsRoot
}

// openLedger resolves the database path and opens it read-style: a
// missing file is an error rather than a fresh empty ledger.
func openLedger(dbPath, wsRoot string) (*history.Store, error) {
	if dbPath == "" {
		ws, err := workspace.New(wsRoot)
		if err != nil {
			return nil, err
		}
		dbPath = ws.HistoryDBPath()
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("no history database at %s", dbPath)
	}
	return history.Open(dbPath)
}

func runsCmd(args []string) int {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	dbPath, wsRoot := commonFlags(fs)
	limit := fs.Int("limit", 20, "maximum rows")
	sessionID := fs.String("session", "", "only runs of this session, oldest first")
	specName := fs.String("spec", "", "only runs of this spec, newest first")
	fs.Parse(args)

	ledger, err := openLedger(*dbPath, *wsRoot)
	if err != nil {
		die("%v", err)
	}
	defer ledger.Close()

	var runs []history.WorkerRun
	switch {
	case *sessionID != "":
		runs, err = ledger.WorkerRunsForSession(*sessionID)
	case *specName != "":
		runs, err = ledger.WorkerRunsForSpec(*specName)
	default:
		runs, err = ledger.RecentWorkerRuns(*limit)
	}
	if err != nil {
		die("%v", err)
	}

	if len(runs) == 0 {
		fmt.Println("no worker runs recorded")
		return 0
	}
	fmt.Printf("%-20s %-36s %-34s %-11s %5s %9s  %s\n",
		"STARTED", "WORKER", "SPEC", "STATUS", "EXIT", "DURATION", "SESSION")
	for _, run := range runs {
		fmt.Printf("%-20s %-36s %-34s %-11s %5s %9s  %s\n",
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.WorkerID,
			run.SpecName,
			run.Status,
			exitCodeText(run),
			durationText(run),
			run.SessionID,
		)
	}
	return 0
}

func orchestrationsCmd(args []string) int {
	fs := flag.NewFlagSet("orchestrations", flag.ExitOnError)
	dbPath, wsRoot := commonFlags(fs)
	limit := fs.Int("limit", 20, "maximum rows")
	fs.Parse(args)

	ledger, err := openLedger(*dbPath, *wsRoot)
	if err != nil {
		die("%v", err)
	}
	defer ledger.Close()

	runs, err := ledger.RecentOrchestrations(*limit)
	if err != nil {
		die("%v", err)
	}
	if len(runs) == 0 {
		fmt.Println("no orchestration runs recorded")
		return 0
	}
	fmt.Printf("%-20s %-22s %-15s %5s %5s %5s %5s %5s %9s\n",
		"STARTED", "SESSION", "STATE", "TOTAL", "DONE", "FAIL", "TIME", "SKIP", "DURATION")
	for _, run := range runs {
		fmt.Printf("%-20s %-22s %-15s %5d %5d %5d %5d %5d %9s\n",
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.SessionID,
			run.State,
			run.Total, run.Completed, run.Failed, run.TimedOut, run.Skipped,
			run.FinishedAt.Sub(run.StartedAt).Round(time.Second),
		)
	}
	return 0
}

func tracksCmd(args []string) int {
	fs := flag.NewFlagSet("tracks", flag.ExitOnError)
	dbPath, wsRoot := commonFlags(fs)
	fs.Parse(args)

	ledger, err := openLedger(*dbPath, *wsRoot)
	if err != nil {
		die("%v", err)
	}
	defer ledger.Close()

	stats, err := ledger.TrackStats()
	if err != nil {
		die("%v", err)
	}
	if len(stats) == 0 {
		fmt.Println("no tracked worker runs recorded")
		return 0
	}
	fmt.Printf("%-30s %6s %6s %6s %8s %9s\n",
		"TRACK", "TOTAL", "DONE", "FAIL", "TIMEOUT", "SUCCESS")
	for _, stat := range stats {
		fmt.Printf("%-30s %6d %6d %6d %8d %8.1f%%\n",
			stat.Track, stat.Total, stat.Completed, stat.Failed, stat.TimedOut, stat.SuccessRate)
	}
	return 0
}

func cyclesCmd(args []string) int {
	fs := flag.NewFlagSet("cycles", flag.ExitOnError)
	dbPath, wsRoot := commonFlags(fs)
	sessionID := fs.String("session", "", "session id (required)")
	fs.Parse(args)

	if *sessionID == "" {
		die("cycles requires --session <id>")
	}

	ledger, err := openLedger(*dbPath, *wsRoot)
	if err != nil {
		die("%v", err)
	}
	defer ledger.Close()

	cycles, err := ledger.LoopCyclesForSession(*sessionID)
	if err != nil {
		die("%v", err)
	}
	if len(cycles) == 0 {
		fmt.Printf("no close-loop cycles recorded for session %s\n", *sessionID)
		return 0
	}
	fmt.Printf("%-20s %5s %-15s %s\n", "RECORDED", "CYCLE", "PHASE", "DETAIL")
	for _, cyc := range cycles {
		fmt.Printf("%-20s %5d %-15s %s\n",
			cyc.RecordedAt.Local().Format("2006-01-02 15:04:05"),
			cyc.Cycle, cyc.Phase, cyc.Detail)
	}
	return 0
}

func leaksCmd(args []string) int {
	fs := flag.NewFlagSet("leaks", flag.ExitOnError)
	dbPath, wsRoot := commonFlags(fs)
	fs.Parse(args)

	ledger, err := openLedger(*dbPath, *wsRoot)
	if err != nil {
		die("%v", err)
	}
	defer ledger.Close()

	leaked, err := ledger.UnterminatedWorkers()
	if err != nil {
		die("%v", err)
	}
	if len(leaked) == 0 {
		fmt.Println("no leaked workers: every recorded run reached a terminal state")
		return 0
	}
	fmt.Printf("%d worker(s) never reached a terminal state:\n", len(leaked))
	for _, run := range leaked {
		fmt.Printf("  %-36s %-34s started %s (session %s)\n",
			run.WorkerID, run.SpecName,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.SessionID)
	}
	fmt.Println("run 'sce-history interrupt' to resolve them as interrupted")
	return 1
}

func interruptCmd(args []string) int {
	fs := flag.NewFlagSet("interrupt", flag.ExitOnError)
	dbPath, wsRoot := commonFlags(fs)
	fs.Parse(args)

	ledger, err := openLedger(*dbPath, *wsRoot)
	if err != nil {
		die("%v", err)
	}
	defer ledger.Close()

	n, err := ledger.MarkInterrupted()
	if err != nil {
		die("%v", err)
	}
	fmt.Printf("resolved %d leaked worker(s) as interrupted\n", n)
	return 0
}

func exitCodeText(run history.WorkerRun) string {
	if !run.ExitCode.Valid {
		return "-"
	}
	return fmt.Sprintf("%d", run.ExitCode.Int64)
}

func durationText(run history.WorkerRun) string {
	if !run.CompletedAt.Valid {
		return "-"
	}
	return run.CompletedAt.Time.Sub(run.StartedAt).Round(time.Second).String()
}
