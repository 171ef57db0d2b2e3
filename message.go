package diligent

import "time"

// Role tags which of the three message kinds a Message carries.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// Message is a closed sum over User, Assistant, and ToolResult. Exactly
// one of User, Assistant, ToolResult is non-nil, selected by Role.
type Message struct {
	Role       Role           `json:"role"`
	User       *UserMessage   `json:"user,omitempty"`
	Assistant  *AssistantMsg  `json:"assistant,omitempty"`
	ToolResult *ToolResultMsg `json:"toolResult,omitempty"`
}

// UserMessage is free-form text or a list of content blocks supplied by
// the human or by steering injection.
type UserMessage struct {
	Text      string         `json:"text,omitempty"`
	Content   []ContentBlock `json:"content,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AssistantMsg is the model's response: an ordered list of content
// blocks plus the metadata the provider layer attaches.
type AssistantMsg struct {
	Content    []ContentBlock `json:"content"`
	ModelID    string         `json:"modelId"`
	Usage      Usage          `json:"usage"`
	StopReason StopReason     `json:"stopReason"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ToolResultMsg references the tool_call block it answers.
type ToolResultMsg struct {
	ToolCallID string    `json:"toolCallId"`
	Output     string    `json:"output"`
	IsError    bool      `json:"isError"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewUserMessage wraps plain text into a Message.
func NewUserMessage(text string, now time.Time) Message {
	return Message{Role: RoleUser, User: &UserMessage{Text: text, Timestamp: now}}
}

// NewUserContentMessage wraps content blocks (e.g. text + image) into a Message.
func NewUserContentMessage(content []ContentBlock, now time.Time) Message {
	return Message{Role: RoleUser, User: &UserMessage{Content: content, Timestamp: now}}
}

// NewAssistantMessage wraps an assembled assistant response into a Message.
func NewAssistantMessage(content []ContentBlock, modelID string, usage Usage, stop StopReason, now time.Time) Message {
	return Message{Role: RoleAssistant, Assistant: &AssistantMsg{
		Content: content, ModelID: modelID, Usage: usage, StopReason: stop, Timestamp: now,
	}}
}

// NewToolResultMessage wraps a tool's output into a Message.
func NewToolResultMessage(toolCallID, output string, isError bool, now time.Time) Message {
	return Message{Role: RoleToolResult, ToolResult: &ToolResultMsg{
		ToolCallID: toolCallID, Output: output, IsError: isError, Timestamp: now,
	}}
}

// ToolCalls extracts the tool_call content blocks from an assistant message.
func (m Message) ToolCalls() []ContentBlock {
	if m.Assistant == nil {
		return nil
	}
	var calls []ContentBlock
	for _, b := range m.Assistant.Content {
		if b.Type == ContentToolCall {
			calls = append(calls, b)
		}
	}
	return calls
}

// TextContent concatenates every text block's text, for User or Assistant messages.
func (m Message) TextContent() string {
	switch m.Role {
	case RoleUser:
		if m.User == nil {
			return ""
		}
		if m.User.Text != "" {
			return m.User.Text
		}
		return joinText(m.User.Content)
	case RoleAssistant:
		if m.Assistant == nil {
			return ""
		}
		return joinText(m.Assistant.Content)
	default:
		return ""
	}
}

func joinText(blocks []ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type == ContentText {
			out += b.Text
		}
	}
	return out
}
