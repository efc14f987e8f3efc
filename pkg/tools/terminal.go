package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/quarrylabs/quarry/pkg/config"
)

const stderrSeparator = "--- stderr ---"

// waitDelay bounds Wait after the context kills the shell: grandchild
// processes can inherit the output pipes and keep them open past the
// deadline.
const waitDelay = 5 * time.Second

// Terminal runs shell commands via `sh -c`. The adapter itself executes
// whatever it is handed; the engine grants or denies each command hash
// through the approval flow before this tool is ever reached.
type Terminal struct {
	outputLimit    int
	defaultTimeout int
	maxTimeout     int
}

// NewTerminal builds the terminal adapter from engine configuration.
func NewTerminal(cfg config.EngineConfig) *Terminal {
	return &Terminal{
		outputLimit:    cfg.TerminalOutputLimit,
		defaultTimeout: cfg.TerminalDefaultTimeoutSeconds,
		maxTimeout:     cfg.TerminalMaxTimeoutSeconds,
	}
}

// Name implements Tool.
func (t *Terminal) Name() string { return ToolTerminal }

type terminalParams struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout"`
}

// Execute runs one command. Params: {"command": "...", "timeout": seconds}.
// Timeout defaults and caps come from configuration; on expiry the process
// is killed and the call reports a timeout failure with whatever output was
// captured.
func (t *Terminal) Execute(ctx context.Context, params json.RawMessage) Result {
	var p terminalParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return Result{Err: fmt.Sprintf("invalid terminal params: %v", err)}
		}
	}
	if strings.TrimSpace(p.Command) == "" {
		return Result{Err: "command is required"}
	}

	timeout := t.clampTimeout(p.TimeoutSeconds)
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	content := t.formatOutput(stdout.String(), stderr.String())

	if ctx.Err() == context.DeadlineExceeded {
		return Result{
			Content: content,
			Err:     fmt.Sprintf("command timed out after %ds", timeout),
		}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return Result{
				Content: content,
				Err:     fmt.Sprintf("command exited with status %d", exitErr.ExitCode()),
			}
		}
		return Result{Content: content, Err: fmt.Sprintf("command failed to start: %v", runErr)}
	}
	return Result{Content: content}
}

// clampTimeout applies the configured default and upper bound.
func (t *Terminal) clampTimeout(requested int) int {
	if requested <= 0 {
		return t.defaultTimeout
	}
	if requested > t.maxTimeout {
		return t.maxTimeout
	}
	return requested
}

// formatOutput joins stdout and stderr with the separator and truncates the
// whole thing to the configured limit.
func (t *Terminal) formatOutput(stdout, stderr string) string {
	var b strings.Builder
	b.WriteString(stdout)
	if stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(stdout, "\n") {
			b.WriteString("\n")
		}
		b.WriteString(stderrSeparator)
		b.WriteString("\n")
		b.WriteString(stderr)
	}
	return truncate(b.String(), t.outputLimit)
}

// truncate cuts s at limit characters and appends the truncation marker.
// A non-positive limit disables truncation.
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "\n... (truncated)"
}
