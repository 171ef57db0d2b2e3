package diligent

import (
	"context"
	"encoding/json"
)

// ToolSchema describes one tool's wire-level signature as handed to a
// provider: name, description, and its JSON Schema parameters.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	JSONSchema  json.RawMessage `json:"jsonSchema"`
}

// ProviderContext is the conversation state handed to Provider.Stream.
type ProviderContext struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSchema
}

// ProviderOptions configures one streaming call.
type ProviderOptions struct {
	Cancel      <-chan struct{}
	MaxTokens   *int
	Temperature *float64
}

// ProviderEventType tags a ProviderEvent variant.
type ProviderEventType string

const (
	PEStart         ProviderEventType = "start"
	PETextDelta     ProviderEventType = "text_delta"
	PETextEnd       ProviderEventType = "text_end"
	PEThinkingDelta ProviderEventType = "thinking_delta"
	PEThinkingEnd   ProviderEventType = "thinking_end"
	PEToolCallStart ProviderEventType = "tool_call_start"
	PEToolCallDelta ProviderEventType = "tool_call_delta"
	PEToolCallEnd   ProviderEventType = "tool_call_end"
	PEUsage         ProviderEventType = "usage"
	PEDone          ProviderEventType = "done"
	PEError         ProviderEventType = "error"
)

// ProviderEvent is the tagged variant streamed by Provider.Stream. Only
// the fields relevant to Type are populated.
type ProviderEvent struct {
	Type ProviderEventType

	Delta string // text_delta / thinking_delta
	Text  string // text_end / thinking_end (full accumulated block)

	ToolCallID string          // tool_call_*
	ToolName   string          // tool_call_start / tool_call_end
	ToolInput  json.RawMessage // tool_call_end

	Usage Usage // usage, done

	StopReason StopReason    // done
	Message    *AssistantMsg // done

	Err *ProviderError // error
}

// ProviderResult is the terminal value of a Provider.Stream call.
type ProviderResult struct {
	Message AssistantMsg
}

// Provider adapts one vendor's streaming chat API to the uniform
// EventStream<ProviderEvent, ProviderResult> contract.
type Provider interface {
	// Name identifies the provider (e.g. "anthropic", "openai").
	Name() string
	// Stream issues one streaming completion call. The returned stream's
	// terminal future resolves with the assembled assistant message on
	// "done", or fails with a *ProviderError on "error".
	Stream(ctx context.Context, model string, pctx ProviderContext, opts ProviderOptions) *EventStream[ProviderEvent, ProviderResult]
}

// isProviderEventTerminal is the isComplete predicate every Provider
// implementation's EventStream is built with.
func isProviderEventTerminal(e ProviderEvent) bool {
	return e.Type == PEDone || e.Type == PEError
}

// extractProviderResult is the extract function paired with
// isProviderEventTerminal.
func extractProviderResult(e ProviderEvent) (ProviderResult, error) {
	if e.Type == PEError {
		if e.Err != nil {
			return ProviderResult{}, e.Err
		}
		return ProviderResult{}, &ProviderError{Kind: ErrorKindUnknown, Message: "unspecified provider error"}
	}
	if e.Message != nil {
		return ProviderResult{Message: *e.Message}, nil
	}
	return ProviderResult{}, &ProviderError{Kind: ErrorKindUnknown, Message: "done event missing message"}
}

// NewProviderStream constructs the EventStream every Provider
// implementation should build its per-call stream from, wired with the
// standard isComplete/extract pair.
func NewProviderStream() *EventStream[ProviderEvent, ProviderResult] {
	return NewEventStream(isProviderEventTerminal, extractProviderResult)
}
