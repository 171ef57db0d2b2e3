package openai

import (
	"testing"
	"time"

	"github.com/nevindra/diligent"
	"github.com/stretchr/testify/require"
)

func fixedTime() time.Time { return time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC) }

func TestMapFinishReason(t *testing.T) {
	require.Equal(t, diligent.StopEndTurn, mapFinishReason("stop"))
	require.Equal(t, diligent.StopToolUse, mapFinishReason("tool_calls"))
	require.Equal(t, diligent.StopMaxTokens, mapFinishReason("length"))
	require.Equal(t, diligent.StopEndTurn, mapFinishReason("content_filter"))
}

func TestBuildParamsRequiresAtLeastOneMessage(t *testing.T) {
	_, err := buildParams("gpt-4o", diligent.ProviderContext{}, diligent.ProviderOptions{})
	require.Error(t, err)
}

func TestBuildParamsIncludesSystemPromptAsFirstMessage(t *testing.T) {
	pctx := diligent.ProviderContext{
		SystemPrompt: "be terse",
		Messages:     []diligent.Message{diligent.NewUserMessage("hi", fixedTime())},
	}
	params, err := buildParams("gpt-4o", pctx, diligent.ProviderOptions{})
	require.NoError(t, err)
	require.Len(t, params.Messages, 2)
}

func TestBuildParamsOmitsSystemPromptWhenEmpty(t *testing.T) {
	pctx := diligent.ProviderContext{Messages: []diligent.Message{diligent.NewUserMessage("hi", fixedTime())}}
	params, err := buildParams("gpt-4o", pctx, diligent.ProviderOptions{})
	require.NoError(t, err)
	require.Len(t, params.Messages, 1)
}

func TestBuildParamsEncodesTools(t *testing.T) {
	pctx := diligent.ProviderContext{
		Messages: []diligent.Message{diligent.NewUserMessage("hi", fixedTime())},
		Tools: []diligent.ToolSchema{
			{Name: "grep", Description: "search text", JSONSchema: []byte(`{"type":"object"}`)},
		},
	}
	params, err := buildParams("gpt-4o", pctx, diligent.ProviderOptions{})
	require.NoError(t, err)
	require.Len(t, params.Tools, 1)
	require.Equal(t, "grep", params.Tools[0].Function.Name)
}

func TestBuildParamsSetsMaxTokensFromOptions(t *testing.T) {
	n := 500
	pctx := diligent.ProviderContext{Messages: []diligent.Message{diligent.NewUserMessage("hi", fixedTime())}}
	params, err := buildParams("gpt-4o", pctx, diligent.ProviderOptions{MaxTokens: &n})
	require.NoError(t, err)
	require.Equal(t, int64(500), params.MaxTokens.Value)
}

func TestJoinTextBlocksConcatenatesOnlyTextBlocks(t *testing.T) {
	blocks := []diligent.ContentBlock{
		diligent.TextBlock("a"),
		diligent.ToolCallBlock("id", "tool", nil),
		diligent.TextBlock("b"),
	}
	require.Equal(t, "ab", joinTextBlocks(blocks))
}

func TestEncodeAssistantMessageCarriesToolCalls(t *testing.T) {
	msg := diligent.AssistantMsg{Content: []diligent.ContentBlock{
		diligent.TextBlock("thinking"),
		diligent.ToolCallBlock("call-1", "echo", []byte(`{"text":"hi"}`)),
	}}
	encoded := encodeAssistantMessage(msg)
	require.NotNil(t, encoded.OfAssistant)
	require.Len(t, encoded.OfAssistant.ToolCalls, 1)
	require.Equal(t, "call-1", encoded.OfAssistant.ToolCalls[0].ID)
}

func TestNameIsOpenAI(t *testing.T) {
	require.Equal(t, "openai", New("key", "").Name())
}
