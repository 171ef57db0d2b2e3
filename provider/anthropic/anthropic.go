// Package anthropic adapts the Anthropic Messages streaming API to the
// diligent.Provider contract.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nevindra/diligent"
)

// Provider wraps an Anthropic Messages client.
type Provider struct {
	client    sdk.Client
	maxTokens int64
}

// Option configures a Provider at construction.
type Option func(*Provider)

// WithMaxTokens overrides the default max_tokens ceiling (4096) sent with
// every request.
func WithMaxTokens(n int64) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// New constructs a Provider authenticated with apiKey. baseURL overrides
// the default endpoint when non-empty (self-hosted proxies).
func New(apiKey, baseURL string, opts ...Option) *Provider {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	p := &Provider{client: sdk.NewClient(clientOpts...), maxTokens: 4096}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return "anthropic" }

// Stream issues one Messages.NewStreaming call and translates SSE events
// into diligent.ProviderEvent pushes.
func (p *Provider) Stream(ctx context.Context, model string, pctx diligent.ProviderContext, opts diligent.ProviderOptions) *diligent.EventStream[diligent.ProviderEvent, diligent.ProviderResult] {
	out := diligent.NewProviderStream()

	params, err := p.buildParams(model, pctx, opts)
	if err != nil {
		out.Push(diligent.ProviderEvent{Type: diligent.PEError, Err: &diligent.ProviderError{Kind: diligent.ErrorKindUnknown, Message: err.Error()}})
		return out
	}

	go p.run(ctx, out, params, opts)
	return out
}

func (p *Provider) run(ctx context.Context, out *diligent.EventStream[diligent.ProviderEvent, diligent.ProviderResult], params *sdk.MessageNewParams, opts diligent.ProviderOptions) {
	stream := p.client.Messages.NewStreaming(ctx, *params)
	defer stream.Close()

	out.Push(diligent.ProviderEvent{Type: diligent.PEStart})

	var (
		blocks     []diligent.ContentBlock
		textBuf    strings.Builder
		thinkBuf   strings.Builder
		toolID     string
		toolName   string
		toolInput  strings.Builder
		modelID    string
		usage      diligent.Usage
		stopReason diligent.StopReason
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

		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			modelID = string(ev.Message.Model)
			usage.InputTokens = int(ev.Message.Usage.InputTokens)
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				toolID, toolName = tu.ID, tu.Name
				toolInput.Reset()
				out.Push(diligent.ProviderEvent{Type: diligent.PEToolCallStart, ToolCallID: toolID, ToolName: toolName})
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				textBuf.WriteString(delta.Text)
				out.Push(diligent.ProviderEvent{Type: diligent.PETextDelta, Delta: delta.Text})
			case sdk.ThinkingDelta:
				thinkBuf.WriteString(delta.Thinking)
				out.Push(diligent.ProviderEvent{Type: diligent.PEThinkingDelta, Delta: delta.Thinking})
			case sdk.InputJSONDelta:
				toolInput.WriteString(delta.PartialJSON)
				out.Push(diligent.ProviderEvent{Type: diligent.PEToolCallDelta, ToolCallID: toolID, Delta: delta.PartialJSON})
			}
		case sdk.ContentBlockStopEvent:
			switch {
			case toolID != "":
				input := json.RawMessage(toolInput.String())
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, diligent.ContentBlock{Type: diligent.ContentToolCall, ToolCallID: toolID, ToolName: toolName, Input: input})
				out.Push(diligent.ProviderEvent{Type: diligent.PEToolCallEnd, ToolCallID: toolID, ToolName: toolName, ToolInput: input})
				toolID, toolName = "", ""
			case thinkBuf.Len() > 0:
				blocks = append(blocks, diligent.ContentBlock{Type: diligent.ContentThinking, Text: thinkBuf.String()})
				out.Push(diligent.ProviderEvent{Type: diligent.PEThinkingEnd, Text: thinkBuf.String()})
				thinkBuf.Reset()
			case textBuf.Len() > 0:
				blocks = append(blocks, diligent.ContentBlock{Type: diligent.ContentText, Text: textBuf.String()})
				out.Push(diligent.ProviderEvent{Type: diligent.PETextEnd, Text: textBuf.String()})
				textBuf.Reset()
			}
		case sdk.MessageDeltaEvent:
			usage.OutputTokens = int(ev.Usage.OutputTokens)
			stopReason = mapStopReason(string(ev.Delta.StopReason))
		case sdk.MessageStopEvent:
			out.Push(diligent.ProviderEvent{Type: diligent.PEUsage, Usage: usage})
		}
	}

	if err := stream.Err(); err != nil {
		out.Push(diligent.ProviderEvent{Type: diligent.PEError, Err: classifyError(err)})
		return
	}

	msg := diligent.AssistantMsg{Content: blocks, ModelID: modelID, Usage: usage, StopReason: stopReason}
	out.Push(diligent.ProviderEvent{Type: diligent.PEDone, Message: &msg, Usage: usage, StopReason: stopReason})
}

func mapStopReason(r string) diligent.StopReason {
	switch r {
	case "end_turn", "stop_sequence":
		return diligent.StopEndTurn
	case "tool_use":
		return diligent.StopToolUse
	case "max_tokens":
		return diligent.StopMaxTokens
	default:
		return diligent.StopEndTurn
	}
}

func (p *Provider) buildParams(model string, pctx diligent.ProviderContext, opts diligent.ProviderOptions) (*sdk.MessageNewParams, error) {
	if len(pctx.Messages) == 0 {
		return nil, errors.New("anthropic: at least one message is required")
	}

	messages := make([]sdk.MessageParam, 0, len(pctx.Messages))
	var pendingToolResults []sdk.ContentBlockParamUnion
	flushToolResults := func() {
		if len(pendingToolResults) == 0 {
			return
		}
		messages = append(messages, sdk.NewUserMessage(pendingToolResults...))
		pendingToolResults = nil
	}
	for _, m := range pctx.Messages {
		blocks, err := encodeMessageBlocks(m)
		if err != nil {
			return nil, err
		}
		if m.Role != diligent.RoleToolResult {
			flushToolResults()
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case diligent.RoleUser:
			messages = append(messages, sdk.NewUserMessage(blocks...))
		case diligent.RoleToolResult:
			pendingToolResults = append(pendingToolResults, blocks...)
		case diligent.RoleAssistant:
			messages = append(messages, sdk.NewAssistantMessage(blocks...))
		}
	}
	flushToolResults()

	maxTokens := p.maxTokens
	if opts.MaxTokens != nil {
		maxTokens = int64(*opts.MaxTokens)
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if pctx.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: pctx.SystemPrompt}}
	}
	if opts.Temperature != nil {
		params.Temperature = sdk.Float(*opts.Temperature)
	}
	if len(pctx.Tools) > 0 {
		tools := make([]sdk.ToolUnionParam, 0, len(pctx.Tools))
		for _, t := range pctx.Tools {
			schema, err := toolInputSchema(t.JSONSchema)
			if err != nil {
				return nil, fmt.Errorf("anthropic: tool %q schema: %w", t.Name, err)
			}
			u := sdk.ToolUnionParamOfTool(schema, t.Name)
			if u.OfTool != nil {
				u.OfTool.Description = sdk.String(t.Description)
			}
			tools = append(tools, u)
		}
		params.Tools = tools
	}
	return params, nil
}

func encodeMessageBlocks(m diligent.Message) ([]sdk.ContentBlockParamUnion, error) {
	switch m.Role {
	case diligent.RoleUser:
		if m.User == nil {
			return nil, nil
		}
		if m.User.Text != "" {
			return []sdk.ContentBlockParamUnion{sdk.NewTextBlock(m.User.Text)}, nil
		}
		return encodeContentBlocks(m.User.Content), nil
	case diligent.RoleAssistant:
		if m.Assistant == nil {
			return nil, nil
		}
		return encodeContentBlocks(m.Assistant.Content), nil
	case diligent.RoleToolResult:
		if m.ToolResult == nil {
			return nil, nil
		}
		return []sdk.ContentBlockParamUnion{sdk.NewToolResultBlock(m.ToolResult.ToolCallID, m.ToolResult.Output, m.ToolResult.IsError)}, nil
	default:
		return nil, nil
	}
}

func encodeContentBlocks(blocks []diligent.ContentBlock) []sdk.ContentBlockParamUnion {
	out := make([]sdk.ContentBlockParamUnion, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case diligent.ContentText:
			if b.Text != "" {
				out = append(out, sdk.NewTextBlock(b.Text))
			}
		case diligent.ContentToolCall:
			var input any
			_ = json.Unmarshal(b.Input, &input)
			out = append(out, sdk.NewToolUseBlock(b.ToolCallID, input, b.ToolName))
		}
	}
	return out
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

// classifyError maps an Anthropic SDK error into the closed provider
// taxonomy. *sdk.Error carries the HTTP status and raw body for vendor
// errors; anything else is treated as a transport failure.
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
