// Package bash provides a subprocess-execution tool, guarded only by a
// working directory and a command blocklist, that registers into a
// diligent.ToolRegistry.
package bash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/nevindra/diligent"
)

var blockedSubstrings = []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}

type execArgs struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

type runner struct {
	workspacePath  string
	defaultTimeout int
}

// Register adds bash_exec to reg. Commands run with cwd workspacePath and
// a per-call timeout, capped at 300s, defaulting to defaultTimeout.
func Register(reg *diligent.ToolRegistry, workspacePath string, defaultTimeout int) error {
	if defaultTimeout <= 0 {
		defaultTimeout = 30
	}
	r := &runner{workspacePath: workspacePath, defaultTimeout: defaultTimeout}
	return reg.Register(diligent.Tool{
		Name:         "bash_exec",
		Description:  "Execute a shell command in the workspace directory. Returns stdout and stderr.",
		ParamsSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30)"}},"required":["command"]}`),
		Execute:      r.exec,
	})
}

func (r *runner) exec(ctx context.Context, input json.RawMessage, tc diligent.ToolContext) (diligent.ToolResult, error) {
	var args execArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return diligent.ToolResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Command == "" {
		return diligent.ToolResult{}, fmt.Errorf("command is required")
	}

	lower := strings.ToLower(args.Command)
	for _, b := range blockedSubstrings {
		if strings.Contains(lower, b) {
			return diligent.ToolResult{}, fmt.Errorf("command blocked for safety: %s", b)
		}
	}

	timeout := r.defaultTimeout
	if args.Timeout > 0 {
		timeout = args.Timeout
	}
	if timeout > 300 {
		timeout = 300
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", args.Command)
	cmd.Dir = r.workspacePath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var output string
	if stdout.Len() > 0 {
		output = stdout.String()
	}
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	if output == "" {
		output = "(no output)"
	}

	if cmdCtx.Err() == context.DeadlineExceeded {
		return diligent.ToolResult{
			Output:            output + fmt.Sprintf("\n--- command timed out after %ds ---", timeout),
			Metadata:          map[string]any{"error": true},
			TruncateDirection: diligent.TruncateTail,
		}, nil
	}
	if runErr != nil {
		return diligent.ToolResult{
			Output:            output + "\n--- exit error: " + runErr.Error() + " ---",
			Metadata:          map[string]any{"error": true},
			TruncateDirection: diligent.TruncateTail,
		}, nil
	}

	return diligent.ToolResult{Output: output, TruncateDirection: diligent.TruncateTail}, nil
}
