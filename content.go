package diligent

import "encoding/json"

// ContentBlockType tags the variant carried by a ContentBlock.
type ContentBlockType string

const (
	ContentText     ContentBlockType = "text"
	ContentImage    ContentBlockType = "image"
	ContentThinking ContentBlockType = "thinking"
	ContentToolCall ContentBlockType = "tool_call"
)

// ContentBlock is a tagged variant over {text, image, thinking, tool_call}.
// Only the fields relevant to Type are populated; the rest are zero.
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	// text / thinking
	Text string `json:"text,omitempty"`

	// image
	MimeType string `json:"mimeType,omitempty"`
	Base64   string `json:"base64,omitempty"`

	// tool_call
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// TextBlock constructs a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// ThinkingBlock constructs a thinking content block.
func ThinkingBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentThinking, Text: text}
}

// ImageBlock constructs an image content block from base64-encoded data.
func ImageBlock(mimeType, base64Data string) ContentBlock {
	return ContentBlock{Type: ContentImage, MimeType: mimeType, Base64: base64Data}
}

// ToolCallBlock constructs a tool_call content block. input carries an
// opaque, already-validated-by-caller JSON object.
func ToolCallBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: ContentToolCall, ToolCallID: id, ToolName: name, Input: input}
}

// Usage is the token-usage record attached to an assistant message.
type Usage struct {
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	CacheReadTokens  int `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int `json:"cacheWriteTokens,omitempty"`
}

// Add returns the element-wise sum of two usage records.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:      u.InputTokens + o.InputTokens,
		OutputTokens:     u.OutputTokens + o.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens + o.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + o.CacheWriteTokens,
	}
}

// StopReason enumerates why an assistant message finished.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopError     StopReason = "error"
	StopAborted   StopReason = "aborted"
)
