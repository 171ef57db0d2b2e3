package diligent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func echoTool(name string) Tool {
	return Tool{
		Name:         name,
		Description:  "echoes its input",
		ParamsSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Execute: func(ctx context.Context, input json.RawMessage, tc ToolContext) (ToolResult, error) {
			var args struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return ToolResult{}, err
			}
			return ToolResult{Output: args.Text}, nil
		},
	}
}

func TestToolRegistryDuplicateRejected(t *testing.T) {
	reg := NewToolRegistry(t.TempDir())
	require.NoError(t, reg.Register(echoTool("echo")))
	require.Error(t, reg.Register(echoTool("echo")))
}

func TestToolRegistryInvalidSchemaRejected(t *testing.T) {
	reg := NewToolRegistry(t.TempDir())
	err := reg.Register(Tool{Name: "bad", ParamsSchema: json.RawMessage(`{not json`)})
	require.Error(t, err)
}

func TestDispatchUnknownTool(t *testing.T) {
	reg := NewToolRegistry(t.TempDir())
	result := reg.Dispatch(context.Background(), "call-1", "nope", json.RawMessage(`{}`), ToolContext{})
	require.True(t, result.IsError)
	require.Contains(t, result.Output, "Unknown tool")
}

func TestDispatchInvalidArgsFailsSchemaValidation(t *testing.T) {
	reg := NewToolRegistry(t.TempDir())
	require.NoError(t, reg.Register(echoTool("echo")))

	result := reg.Dispatch(context.Background(), "call-1", "echo", json.RawMessage(`{}`), ToolContext{})
	require.True(t, result.IsError)
}

func TestDispatchSuccess(t *testing.T) {
	reg := NewToolRegistry(t.TempDir())
	require.NoError(t, reg.Register(echoTool("echo")))

	result := reg.Dispatch(context.Background(), "call-1", "echo", json.RawMessage(`{"text":"hi"}`), ToolContext{})
	require.False(t, result.IsError)
	require.Equal(t, "hi", result.Output)
}

func TestDispatchExecuteErrorBecomesIsError(t *testing.T) {
	reg := NewToolRegistry(t.TempDir())
	require.NoError(t, reg.Register(Tool{
		Name:         "boom",
		ParamsSchema: json.RawMessage(`{"type":"object"}`),
		Execute: func(ctx context.Context, input json.RawMessage, tc ToolContext) (ToolResult, error) {
			return ToolResult{Output: "discarded"}, context.DeadlineExceeded
		},
	}))

	result := reg.Dispatch(context.Background(), "call-1", "boom", json.RawMessage(`{}`), ToolContext{})
	require.True(t, result.IsError)
	require.NotContains(t, result.Output, "discarded")
}

func TestDispatchMetadataErrorFlagPreservesOutput(t *testing.T) {
	reg := NewToolRegistry(t.TempDir())
	require.NoError(t, reg.Register(Tool{
		Name:         "maybe-fails",
		ParamsSchema: json.RawMessage(`{"type":"object"}`),
		Execute: func(ctx context.Context, input json.RawMessage, tc ToolContext) (ToolResult, error) {
			return ToolResult{Output: "stdout and stderr here", Metadata: map[string]any{"error": true}}, nil
		},
	}))

	result := reg.Dispatch(context.Background(), "call-1", "maybe-fails", json.RawMessage(`{}`), ToolContext{})
	require.True(t, result.IsError)
	require.Equal(t, "stdout and stderr here", result.Output)
}

func TestFilterKeepsOnlyNamedTools(t *testing.T) {
	reg := NewToolRegistry(t.TempDir())
	require.NoError(t, reg.Register(echoTool("a")))
	require.NoError(t, reg.Register(echoTool("b")))

	filtered := reg.Filter("b")
	defs := filtered.Definitions()
	require.Len(t, defs, 1)
	require.Equal(t, "b", defs[0].Name)
}

func TestTruncateOutputTailKeepsMostRecent(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 3000; i++ {
		sb.WriteString("line\n")
	}
	out, truncated := truncateOutput(sb.String(), TruncateTail, t.TempDir(), "call-1")
	require.True(t, truncated)
	require.Contains(t, out, "[Output truncated")
}

func TestTruncateOutputUnderLimitsUnchanged(t *testing.T) {
	out, truncated := truncateOutput("short", TruncateTail, t.TempDir(), "call-1")
	require.False(t, truncated)
	require.Equal(t, "short", out)
}

func TestTruncateOutputHeadTailKeepsBothEnds(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 3000; i++ {
		sb.WriteString("line\n")
	}
	out, truncated := truncateOutput(sb.String(), TruncateHeadTail, t.TempDir(), "call-1")
	require.True(t, truncated)
	require.Contains(t, out, "[omitted]")
}

func TestSafeCutBytesRespectsUTF8Boundary(t *testing.T) {
	s := "a\xe2\x98\x83b" // snowman is 3 bytes
	cut := safeCutBytes(s, 2, false)
	require.True(t, utf8ValidPrefix(cut))
}

func utf8ValidPrefix(s string) bool {
	for _, r := range s {
		if r == '�' {
			return false
		}
	}
	return true
}
