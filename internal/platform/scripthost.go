package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// scriptHosts are probed in order when the script-host strategy is needed.
var scriptHosts = []string{"pwsh", "powershell"}

// ScriptHostLauncher is used when the prompt would blow the platform's argv
// budget. The prompt goes into a per-worker temp file and a script host reads
// it back as UTF-8 and passes it to the worker as the final argument.
type ScriptHostLauncher struct {
	host string
}

// NewScriptHostLauncher wraps a resolved script host executable.
func NewScriptHostLauncher(host string) *ScriptHostLauncher {
	return &ScriptHostLauncher{host: host}
}

func (l *ScriptHostLauncher) Name() string { return "script-host" }

func (l *ScriptHostLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, string, error) {
	promptPath := filepath.Join(os.TempDir(), "sce-prompt-"+SanitizeForFilename(spec.WorkerID)+".txt")
	if err := os.WriteFile(promptPath, []byte(spec.Prompt), 0600); err != nil {
		return nil, "", fmt.Errorf("platform: write prompt file: %w", err)
	}

	command := buildScriptHostCommand(spec, promptPath)
	proc, err := startCommand(l.host, []string{"-NoProfile", "-NonInteractive", "-Command", command}, spec)
	if err != nil {
		_ = os.Remove(promptPath)
		return nil, "", err
	}
	return proc, promptPath, nil
}

// buildScriptHostCommand reads the prompt file into a variable and invokes
// the worker with it as the last argument.
func buildScriptHostCommand(spec LaunchSpec, promptPath string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "$prompt = [System.IO.File]::ReadAllText(%s, [System.Text.Encoding]::UTF8); ", psQuote(promptPath))
	sb.WriteString("& " + psQuote(spec.Command))
	for _, arg := range spec.Prefix {
		sb.WriteString(" " + psQuote(arg))
	}
	for _, arg := range spec.Args {
		sb.WriteString(" " + psQuote(arg))
	}
	sb.WriteString(" $prompt; exit $LASTEXITCODE")
	return sb.String()
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
