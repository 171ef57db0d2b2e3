// Package file provides sandboxed filesystem tools that register into a
// diligent.ToolRegistry.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nevindra/diligent"
)

// Register adds file_read, file_write, file_list, file_delete, and
// file_stat to reg, each confined to workspacePath.
func Register(reg *diligent.ToolRegistry, workspacePath string) error {
	w := &workspace{root: workspacePath}

	tools := []diligent.Tool{
		{
			Name:         "file_read",
			Description:  "Read a file from the workspace.",
			ParamsSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`),
			Execute:      w.read,
		},
		{
			Name:         "file_write",
			Description:  "Write content to a file in the workspace. Creates parent directories if needed.",
			ParamsSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
			Execute:      w.write,
		},
		{
			Name:         "file_list",
			Description:  "List files and directories in a workspace directory.",
			ParamsSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to workspace (empty or '.' for root)"}}}`),
			Execute:      w.list,
		},
		{
			Name:         "file_delete",
			Description:  "Delete a file or empty directory from the workspace.",
			ParamsSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File or directory path relative to workspace"}},"required":["path"]}`),
			Execute:      w.remove,
		},
		{
			Name:         "file_stat",
			Description:  "Get metadata for a file or directory in the workspace.",
			ParamsSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File or directory path relative to workspace"}},"required":["path"]}`),
			Execute:      w.stat,
		},
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type workspace struct {
	root string
}

type pathArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (w *workspace) resolve(path string) (string, error) {
	if path == "" {
		path = "."
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(w.root, path)
	if !strings.HasPrefix(resolved, w.root) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func parseArgs(input json.RawMessage) (pathArgs, string, error) {
	var args pathArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return pathArgs{}, "", fmt.Errorf("invalid arguments: %w", err)
	}
	return args, args.Path, nil
}

// read returns the full file content; the registry's Dispatch pipeline
// owns truncation, so file_read asks for head truncation since the
// beginning of a file is usually what matters.
func (w *workspace) read(_ context.Context, input json.RawMessage, _ diligent.ToolContext) (diligent.ToolResult, error) {
	args, rel, err := parseArgs(input)
	if err != nil {
		return diligent.ToolResult{}, err
	}
	resolved, err := w.resolve(rel)
	if err != nil {
		return diligent.ToolResult{}, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return diligent.ToolResult{}, fmt.Errorf("read error: %w", err)
	}
	_ = args
	return diligent.ToolResult{Output: string(data), TruncateDirection: diligent.TruncateHead}, nil
}

func (w *workspace) write(_ context.Context, input json.RawMessage, _ diligent.ToolContext) (diligent.ToolResult, error) {
	args, rel, err := parseArgs(input)
	if err != nil {
		return diligent.ToolResult{}, err
	}
	resolved, err := w.resolve(rel)
	if err != nil {
		return diligent.ToolResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return diligent.ToolResult{}, fmt.Errorf("mkdir error: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(args.Content), 0o644); err != nil {
		return diligent.ToolResult{}, fmt.Errorf("write error: %w", err)
	}
	return diligent.ToolResult{Output: fmt.Sprintf("Written %d bytes to %s", len(args.Content), filepath.Base(resolved))}, nil
}

func (w *workspace) list(_ context.Context, input json.RawMessage, _ diligent.ToolContext) (diligent.ToolResult, error) {
	_, rel, err := parseArgs(input)
	if err != nil {
		return diligent.ToolResult{}, err
	}
	resolved, err := w.resolve(rel)
	if err != nil {
		return diligent.ToolResult{}, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return diligent.ToolResult{}, fmt.Errorf("list error: %w", err)
	}
	var b strings.Builder
	for _, e := range entries {
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		fmt.Fprintf(&b, "%s\t%s\n", kind, e.Name())
	}
	return diligent.ToolResult{Output: b.String()}, nil
}

func (w *workspace) remove(_ context.Context, input json.RawMessage, _ diligent.ToolContext) (diligent.ToolResult, error) {
	_, rel, err := parseArgs(input)
	if err != nil {
		return diligent.ToolResult{}, err
	}
	resolved, err := w.resolve(rel)
	if err != nil {
		return diligent.ToolResult{}, err
	}
	if err := os.Remove(resolved); err != nil {
		return diligent.ToolResult{}, fmt.Errorf("delete error: %w", err)
	}
	return diligent.ToolResult{Output: fmt.Sprintf("Deleted %s", filepath.Base(resolved))}, nil
}

func (w *workspace) stat(_ context.Context, input json.RawMessage, _ diligent.ToolContext) (diligent.ToolResult, error) {
	_, rel, err := parseArgs(input)
	if err != nil {
		return diligent.ToolResult{}, err
	}
	resolved, err := w.resolve(rel)
	if err != nil {
		return diligent.ToolResult{}, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return diligent.ToolResult{}, fmt.Errorf("stat error: %w", err)
	}
	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}
	out, _ := json.Marshal(map[string]any{
		"name":     info.Name(),
		"size":     info.Size(),
		"type":     kind,
		"modified": info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
	})
	return diligent.ToolResult{Output: string(out)}, nil
}
