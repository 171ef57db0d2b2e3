// Package openai adapts the OpenAI Chat Completions streaming API to the
// diligent.Provider contract.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/nevindra/diligent"
)

// Provider wraps an OpenAI Chat Completions client.
type Provider struct {
	client sdk.Client
}

// New constructs a Provider authenticated with apiKey. baseURL overrides
// the default endpoint when non-empty, for OpenAI-compatible gateways.
func New(apiKey, baseURL string) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Provider{client: sdk.NewClient(opts...)}
}

func (p *Provider) Name() string { return "openai" }

// Stream issues one Chat Completions streaming call and translates chunk
// events into diligent.ProviderEvent pushes.
func (p *Provider) Stream(ctx context.Context, model string, pctx diligent.ProviderContext, opts diligent.ProviderOptions) *diligent.EventStream[diligent.ProviderEvent, diligent.ProviderResult] {
	out := diligent.NewProviderStream()

	params, err := buildParams(model, pctx, opts)
	if err != nil {
		out.Push(diligent.ProviderEvent{Type: diligent.PEError, Err: &diligent.ProviderError{Kind: diligent.ErrorKindUnknown, Message: err.Error()}})
		return out
	}

	go p.run(ctx, out, params, opts)
	return out
}

type pendingToolCall struct {
	id, name string
	args     strings.Builder
}

func (p *Provider) run(ctx context.Context, out *diligent.EventStream[diligent.ProviderEvent, diligent.ProviderResult], params *sdk.ChatCompletionNewParams, opts diligent.ProviderOptions) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, *params)
	defer stream.Close()

	out.Push(diligent.ProviderEvent{Type: diligent.PEStart})

	var (
		textBuf    strings.Builder
		toolCalls  = map[int64]*pendingToolCall{}
		toolOrder  []int64
		usage      diligent.Usage
		stopReason diligent.StopReason
		modelID    string
	)

	for stream.Next() {
		select {
		case <-ctx.Done():
			out.Push(diligent.ProviderEvent{Type: diligent.PEError, Err: &diligent.ProviderError{Kind: diligent.ErrorKindUnknown, Message: "cancelled"}})
			return
		case <-opts.Cancel:
			out.Push(diligent.ProviderEvent{Type: diligent.PEError, Err: &diligent.ProviderError{Kind: diligent.ErrorKindUnknown, Message: "cancelled"}})
			return
		default:
		}

		chunk := stream.Current()
		modelID = chunk.Model
		if chunk.Usage.TotalTokens > 0 {
			usage.InputTokens = int(chunk.Usage.PromptTokens)
			usage.OutputTokens = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			textBuf.WriteString(choice.Delta.Content)
			out.Push(diligent.ProviderEvent{Type: diligent.PETextDelta, Delta: choice.Delta.Content})
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := tc.Index
			pc, ok := toolCalls[idx]
			if !ok {
				pc = &pendingToolCall{id: tc.ID, name: tc.Function.Name}
				toolCalls[idx] = pc
				toolOrder = append(toolOrder, idx)
				out.Push(diligent.ProviderEvent{Type: diligent.PEToolCallStart, ToolCallID: pc.id, ToolName: pc.name})
			}
			if tc.Function.Arguments != "" {
				pc.args.WriteString(tc.Function.Arguments)
				out.Push(diligent.ProviderEvent{Type: diligent.PEToolCallDelta, ToolCallID: pc.id, Delta: tc.Function.Arguments})
			}
		}

		if choice.FinishReason != "" {
			stopReason = mapFinishReason(choice.FinishReason)
		}
	}

	if err := stream.Err(); err != nil {
		out.Push(diligent.ProviderEvent{Type: diligent.PEError, Err: classifyError(err)})
		return
	}

	var blocks []diligent.ContentBlock
	if textBuf.Len() > 0 {
		blocks = append(blocks, diligent.TextBlock(textBuf.String()))
		out.Push(diligent.ProviderEvent{Type: diligent.PETextEnd, Text: textBuf.String()})
	}
	for _, idx := range toolOrder {
		pc := toolCalls[idx]
		input := json.RawMessage(pc.args.String())
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		blocks = append(blocks, diligent.ToolCallBlock(pc.id, pc.name, input))
		out.Push(diligent.ProviderEvent{Type: diligent.PEToolCallEnd, ToolCallID: pc.id, ToolName: pc.name, ToolInput: input})
	}
	out.Push(diligent.ProviderEvent{Type: diligent.PEUsage, Usage: usage})

	msg := diligent.AssistantMsg{Content: blocks, ModelID: modelID, Usage: usage, StopReason: stopReason}
	out.Push(diligent.ProviderEvent{Type: diligent.PEDone, Message: &msg, Usage: usage, StopReason: stopReason})
}

func mapFinishReason(r string) diligent.StopReason {
	switch r {
	case "stop":
		return diligent.StopEndTurn
	case "tool_calls":
		return diligent.StopToolUse
	case "length":
		return diligent.StopMaxTokens
	default:
		return diligent.StopEndTurn
	}
}

func buildParams(model string, pctx diligent.ProviderContext, opts diligent.ProviderOptions) (*sdk.ChatCompletionNewParams, error) {
	if len(pctx.Messages) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(pctx.Messages)+1)
	if pctx.SystemPrompt != "" {
		messages = append(messages, sdk.SystemMessage(pctx.SystemPrompt))
	}
	for _, m := range pctx.Messages {
		switch m.Role {
		case diligent.RoleUser:
			if m.User == nil {
				continue
			}
			text := m.User.Text
			if text == "" {
				text = joinTextBlocks(m.User.Content)
			}
			messages = append(messages, sdk.UserMessage(text))
		case diligent.RoleAssistant:
			if m.Assistant == nil {
				continue
			}
			messages = append(messages, encodeAssistantMessage(*m.Assistant))
		case diligent.RoleToolResult:
			if m.ToolResult == nil {
				continue
			}
			messages = append(messages, sdk.ToolMessage(m.ToolResult.Output, m.ToolResult.ToolCallID))
		}
	}

	params := &sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if opts.MaxTokens != nil {
		params.MaxTokens = sdk.Int(int64(*opts.MaxTokens))
	}
	if opts.Temperature != nil {
		params.Temperature = sdk.Float(*opts.Temperature)
	}
	if len(pctx.Tools) > 0 {
		tools := make([]sdk.ChatCompletionToolParam, 0, len(pctx.Tools))
		for _, t := range pctx.Tools {
			var schema map[string]any
			if len(t.JSONSchema) > 0 {
				_ = json.Unmarshal(t.JSONSchema, &schema)
			}
			tools = append(tools, sdk.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        t.Name,
					Description: sdk.String(t.Description),
					Parameters:  shared.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}
	return params, nil
}

func encodeAssistantMessage(m diligent.AssistantMsg) sdk.ChatCompletionMessageParamUnion {
	text := joinTextBlocks(m.Content)
	msg := sdk.AssistantMessage(text)
	var calls []sdk.ChatCompletionMessageToolCallParam
	for _, b := range m.Content {
		if b.Type != diligent.ContentToolCall {
			continue
		}
		calls = append(calls, sdk.ChatCompletionMessageToolCallParam{
			ID: b.ToolCallID,
			Function: sdk.ChatCompletionMessageToolCallFunctionParam{
				Name:      b.ToolName,
				Arguments: string(b.Input),
			},
		})
	}
	if len(calls) > 0 && msg.OfAssistant != nil {
		msg.OfAssistant.ToolCalls = calls
	}
	return msg
}

func joinTextBlocks(blocks []diligent.ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == diligent.ContentText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// classifyError maps an OpenAI SDK error into the closed provider
// taxonomy.
func classifyError(err error) *diligent.ProviderError {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		retryAfter := ""
		if apiErr.Response != nil {
			retryAfter = apiErr.Response.Header.Get("retry-after")
		}
		return diligent.ClassifyHTTPError(apiErr.StatusCode, apiErr.Error(), retryAfter, "")
	}
	return diligent.ClassifyTransportError(err)
}
