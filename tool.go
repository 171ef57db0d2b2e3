package diligent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	maxOutputBytes = 50_000
	maxOutputLines = 2_000
)

// TruncateDirection selects which part of an over-size tool output to
// keep.
type TruncateDirection string

const (
	TruncateHead     TruncateDirection = "head"
	TruncateTail     TruncateDirection = "tail"
	TruncateHeadTail TruncateDirection = "head_tail"
)

// ToolResult is what a Tool's Execute returns, before auto-truncation.
type ToolResult struct {
	Output            string
	Metadata          map[string]any
	TruncateDirection TruncateDirection
}

// ApprovalDecision is the outcome of a ToolContext.Approve call.
type ApprovalDecision string

const (
	ApprovalOnce   ApprovalDecision = "once"
	ApprovalAlways ApprovalDecision = "always"
	ApprovalReject ApprovalDecision = "reject"
)

// ToolContext carries per-invocation plumbing into a Tool's Execute.
type ToolContext struct {
	ToolCallID string
	Cancel     <-chan struct{}
	Approve    func(req any) (ApprovalDecision, error)
	OnUpdate   func(partial string)
}

// Tool is one entry in a ToolRegistry.
type Tool struct {
	Name         string
	Description  string
	ParamsSchema json.RawMessage
	Execute      func(ctx context.Context, input json.RawMessage, tc ToolContext) (ToolResult, error)
}

// ToolRegistry is an insertion-ordered mapping from tool name to Tool.
// Duplicate registration fails eagerly, as does a tool whose schema does
// not compile.
type ToolRegistry struct {
	order   []string
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	tmpDir  string
}

// NewToolRegistry constructs an empty registry. tmpDir is where
// untruncated tool output is persisted when truncation triggers; empty
// uses os.TempDir().
func NewToolRegistry(tmpDir string) *ToolRegistry {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		tmpDir:  tmpDir,
	}
}

// Register adds t to the registry. Returns an error if the name is
// already registered or the params schema fails to compile.
func (r *ToolRegistry) Register(t Tool) error {
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	schema, err := compileToolSchema(t.Name, t.ParamsSchema)
	if err != nil {
		return fmt.Errorf("tool %q: %w", t.Name, err)
	}
	r.tools[t.Name] = t
	r.schemas[t.Name] = schema
	r.order = append(r.order, t.Name)
	return nil
}

func compileToolSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("params schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := "mem://tool/" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("params schema: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("params schema: %w", err)
	}
	return schema, nil
}

// Definitions returns every registered tool's wire schema, in
// registration order.
func (r *ToolRegistry) Definitions() []ToolSchema {
	defs := make([]ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, ToolSchema{Name: t.Name, Description: t.Description, JSONSchema: t.ParamsSchema})
	}
	return defs
}

// Filter returns a new registry containing only the named tools, in the
// order they appear in names. Unknown names are skipped.
func (r *ToolRegistry) Filter(names ...string) *ToolRegistry {
	out := NewToolRegistry(r.tmpDir)
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			out.tools[n] = t
			out.schemas[n] = r.schemas[n]
			out.order = append(out.order, n)
		}
	}
	return out
}

// Dispatch runs the lookup/validate/execute/truncate pipeline for one
// tool_call block, per spec §4.4. It never returns a Go error for tool-
// level failures (unknown tool, bad args, tool panic-free errors) —
// those are encoded in the returned ToolResultMsg's IsError field, so a
// bad tool call never terminates the agent loop.
func (r *ToolRegistry) Dispatch(ctx context.Context, toolCallID, name string, input json.RawMessage, tc ToolContext) ToolResultMsg {
	ts := time.Now()

	t, ok := r.tools[name]
	if !ok {
		return ToolResultMsg{ToolCallID: toolCallID, Output: fmt.Sprintf("Error: Unknown tool %q", name), IsError: true, Timestamp: ts}
	}

	schema := r.schemas[name]
	if schema != nil {
		var doc any
		if err := json.Unmarshal(input, &doc); err != nil {
			return ToolResultMsg{ToolCallID: toolCallID, Output: "Error: Invalid arguments: " + err.Error(), IsError: true, Timestamp: ts}
		}
		if err := schema.Validate(doc); err != nil {
			return ToolResultMsg{ToolCallID: toolCallID, Output: "Error: Invalid arguments: " + err.Error(), IsError: true, Timestamp: ts}
		}
	}

	tc.ToolCallID = toolCallID
	result, err := t.Execute(ctx, input, tc)
	if err != nil {
		return ToolResultMsg{ToolCallID: toolCallID, Output: "Error: " + err.Error(), IsError: true, Timestamp: ts}
	}

	isError := false
	if v, ok := result.Metadata["error"].(bool); ok {
		isError = v
	}

	direction := result.TruncateDirection
	if direction == "" {
		direction = TruncateTail
	}
	output, _ := truncateOutput(result.Output, direction, r.tmpDir, toolCallID)

	return ToolResultMsg{ToolCallID: toolCallID, Output: output, IsError: isError, Timestamp: ts}
}

// truncateOutput enforces the byte/line ceilings, two-phase (bytes then
// lines), UTF-8-safe, per direction. When truncation happens the
// untruncated output is persisted to a temp file and a footer referencing
// it is appended.
func truncateOutput(output string, direction TruncateDirection, tmpDir, toolCallID string) (string, bool) {
	byteLen := len(output)
	lineCount := strings.Count(output, "\n") + 1
	if byteLen <= maxOutputBytes && lineCount <= maxOutputLines {
		return output, false
	}

	original := output
	truncated := truncateBytes(output, maxOutputBytes, direction)
	truncated = truncateLines(truncated, maxOutputLines, direction)

	path, writeErr := persistUntruncated(tmpDir, toolCallID, original)
	footer := "\n\n[Output truncated. "
	if writeErr == nil {
		footer += fmt.Sprintf("Full output (%d bytes, %d lines) saved to %s]", byteLen, lineCount, path)
	} else {
		footer += fmt.Sprintf("Full output was %d bytes, %d lines.]", byteLen, lineCount)
	}
	return truncated + footer, true
}

// truncateBytes applies the byte-cap phase, splitting on UTF-8 codepoint
// boundaries. head_tail keeps 40% head + marker + 60% tail of the budget.
func truncateBytes(s string, cap int, direction TruncateDirection) string {
	if len(s) <= cap {
		return s
	}
	switch direction {
	case TruncateHead:
		return safeCutBytes(s, cap, false)
	case TruncateHeadTail:
		headBudget := cap * 4 / 10
		tailBudget := cap - headBudget
		head := safeCutBytes(s, headBudget, false)
		tail := safeCutTailBytes(s, tailBudget)
		if len(tail) > 0 && s[len(s)-len(tail)-1] != '\n' {
			tail = dropLeadingPartialLine(tail)
		}
		return head + "\n... [omitted] ...\n" + tail
	default: // tail
		t := safeCutTailBytes(s, cap)
		if s[len(s)-len(t)-1] != '\n' {
			t = dropLeadingPartialLine(t)
		}
		return t
	}
}

// truncateLines applies the line-cap phase after byte truncation.
func truncateLines(s string, cap int, direction TruncateDirection) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= cap {
		return s
	}
	switch direction {
	case TruncateHead:
		return strings.Join(lines[:cap], "\n")
	case TruncateHeadTail:
		headN := cap * 4 / 10
		tailN := cap - headN
		head := lines[:min(headN, len(lines))]
		tail := lines[max(len(lines)-tailN, 0):]
		return strings.Join(head, "\n") + "\n... [omitted] ...\n" + strings.Join(tail, "\n")
	default: // tail
		return strings.Join(lines[max(len(lines)-cap, 0):], "\n")
	}
}

// safeCutBytes returns the first n bytes of s, backing off to the nearest
// preceding codepoint boundary if n lands mid-rune.
func safeCutBytes(s string, n int, fromEnd bool) string {
	if n >= len(s) {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// safeCutTailBytes returns the last n bytes of s, backing off to the
// nearest following codepoint boundary if the cut lands mid-rune.
func safeCutTailBytes(s string, n int) string {
	if n >= len(s) {
		return s
	}
	if n <= 0 {
		return ""
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

// dropLeadingPartialLine drops everything up to and including the first
// newline of s; truncateBytes calls it only when a tail cut did not begin
// at a line boundary of the original string. s is returned unchanged when
// it holds no newline.
func dropLeadingPartialLine(s string) string {
	idx := strings.IndexByte(s, '\n')
	if idx < 0 {
		return s
	}
	return s[idx+1:]
}

func persistUntruncated(tmpDir, toolCallID, content string) (string, error) {
	if toolCallID == "" {
		toolCallID = "tool"
	}
	f, err := os.CreateTemp(tmpDir, "diligent-tool-"+sanitizeID(toolCallID)+"-*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()
	var buf bytes.Buffer
	buf.WriteString(content)
	if _, err := f.Write(buf.Bytes()); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "x"
	}
	return b.String()
}
