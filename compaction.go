package diligent

import (
	"context"
	"encoding/json"
	"time"
)

const (
	defaultReserveTokens    = 16_384
	defaultKeepRecentTokens = 20_000
)

// CompactionConfig parametrizes should-compact and cut-point selection.
type CompactionConfig struct {
	ContextWindow    int
	ReserveTokens    int
	KeepRecentTokens int
}

func (c CompactionConfig) withDefaults() CompactionConfig {
	if c.ReserveTokens <= 0 {
		c.ReserveTokens = defaultReserveTokens
	}
	if c.KeepRecentTokens <= 0 {
		c.KeepRecentTokens = defaultKeepRecentTokens
	}
	return c
}

// EstimateTokens is the char/4 heuristic summed over message contents,
// per spec §4.8. Monotonic: appending a message never decreases the
// estimate.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += estimateMessageTokens(m)
	}
	return total
}

func estimateMessageTokens(m Message) int {
	switch m.Role {
	case RoleUser:
		if m.User == nil {
			return 0
		}
		if m.User.Text != "" {
			return charsToTokens(len(m.User.Text))
		}
		return estimateBlocksTokens(m.User.Content)
	case RoleAssistant:
		if m.Assistant == nil {
			return 0
		}
		return estimateBlocksTokens(m.Assistant.Content)
	case RoleToolResult:
		if m.ToolResult == nil {
			return 0
		}
		return charsToTokens(len(m.ToolResult.Output))
	default:
		return 0
	}
}

func estimateBlocksTokens(blocks []ContentBlock) int {
	total := 0
	for _, b := range blocks {
		switch b.Type {
		case ContentText, ContentThinking:
			total += charsToTokens(len(b.Text))
		case ContentToolCall:
			total += charsToTokens(len(b.Input) + len(b.ToolName))
		case ContentImage:
			// images aren't part of the char/4 heuristic; nothing to add.
		}
	}
	return total
}

func charsToTokens(chars int) int {
	return chars / 4
}

// ShouldCompact reports whether estimatedTokens exceeds the available
// budget (contextWindow - reserveTokens).
func ShouldCompact(estimatedTokens int, cfg CompactionConfig) bool {
	cfg = cfg.withDefaults()
	return estimatedTokens > cfg.ContextWindow-cfg.ReserveTokens
}

// CutPoint is the result of cut-point selection over a linear path.
type CutPoint struct {
	// Index into the path slice of the first entry to keep. Entries
	// before this index are summarized; entries from here on are kept
	// verbatim. -1 means nothing accumulated (nothing to summarize).
	Index int
}

// SelectCutPoint walks path backward from the end, accumulating
// per-message token estimates until the sum reaches keepRecentTokens,
// then snaps forward to the nearest user-role message so a cut never
// lands mid-turn. scanFrom is the index of the entry after the most
// recent prior compaction (0 if none).
func SelectCutPoint(path []Entry, scanFrom int, cfg CompactionConfig) CutPoint {
	cfg = cfg.withDefaults()
	if scanFrom >= len(path) {
		return CutPoint{Index: -1}
	}

	accumulated := 0
	cut := len(path)
	for i := len(path) - 1; i >= scanFrom; i-- {
		cut = i
		if path[i].Kind == EntryMessage && path[i].Message != nil {
			accumulated += estimateMessageTokens(*path[i].Message)
		}
		if accumulated >= cfg.KeepRecentTokens {
			break
		}
	}
	if accumulated == 0 {
		return CutPoint{Index: -1}
	}

	// Snap forward to the nearest user-role message.
	for cut < len(path) {
		if path[cut].Kind == EntryMessage && path[cut].Message != nil && path[cut].Message.Role == RoleUser {
			break
		}
		cut++
	}
	if cut >= len(path) {
		return CutPoint{Index: -1}
	}
	return CutPoint{Index: cut}
}

const initialSummarizationPrompt = `You are compacting a long agent conversation so it can continue within a smaller context window. Summarize the conversation below into a concise but complete account of: what the user asked for, what has been done so far, key decisions and their rationale, and anything still outstanding. Write plain prose, no preamble.`

const iterativeSummarizationPrompt = `You are updating a running summary of a long agent conversation with newly-elapsed turns. You will be given the PRIOR SUMMARY and the NEW MESSAGES that followed it. Produce an updated summary that PRESERVES everything still relevant from the prior summary and integrates the new messages. Write plain prose, no preamble.`

// BuildSummarizationRequest assembles the provider context for a
// summarization call. priorSummary is empty for the initial variant.
func BuildSummarizationRequest(toSummarize []Message, priorSummary string) ProviderContext {
	prompt := initialSummarizationPrompt
	messages := toSummarize
	if priorSummary != "" {
		prompt = iterativeSummarizationPrompt
		messages = append([]Message{NewUserMessage("PRIOR SUMMARY:\n"+priorSummary, time.Now())}, messages...)
	}
	return ProviderContext{SystemPrompt: prompt, Messages: messages}
}

// ExtractSummaryText concatenates the text blocks of an assistant
// message's content, the summarization call's result.
func ExtractSummaryText(msg AssistantMsg) string {
	var out string
	for _, b := range msg.Content {
		if b.Type == ContentText {
			out += b.Text
		}
	}
	return out
}

// AccumulateFileOps pairs tool-result messages with their preceding
// tool_call blocks in the summarized range, classifying by tool name:
// "read" contributes to ReadFiles; "write"/"edit" contribute to
// ModifiedFiles. prior is merged in via set union.
func AccumulateFileOps(summarized []Message, prior CompactionDetails) CompactionDetails {
	readSet := toSet(prior.ReadFiles)
	modSet := toSet(prior.ModifiedFiles)

	pending := map[string]struct {
		tool  string
		input json.RawMessage
	}{}

	for _, m := range summarized {
		if m.Role == RoleAssistant && m.Assistant != nil {
			for _, b := range m.Assistant.Content {
				if b.Type == ContentToolCall {
					pending[b.ToolCallID] = struct {
						tool  string
						input json.RawMessage
					}{tool: b.ToolName, input: b.Input}
				}
			}
		}
		if m.Role == RoleToolResult && m.ToolResult != nil {
			call, ok := pending[m.ToolResult.ToolCallID]
			if !ok || m.ToolResult.IsError {
				continue
			}
			path := extractPathArg(call.input)
			if path == "" {
				continue
			}
			switch call.tool {
			case "read", "file_read":
				readSet[path] = struct{}{}
			case "write", "edit", "file_write":
				modSet[path] = struct{}{}
			}
		}
	}

	return CompactionDetails{ReadFiles: fromSet(readSet), ModifiedFiles: fromSet(modSet)}
}

func extractPathArg(input json.RawMessage) string {
	var v struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &v); err != nil {
		return ""
	}
	return v.Path
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func fromSet(s map[string]struct{}) []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// Summarize invokes provider with the summarization request and returns
// the extracted summary text. Used by the session manager's proactive
// and reactive compaction paths.
func Summarize(ctx context.Context, provider Provider, model string, toSummarize []Message, priorSummary string) (string, Usage, error) {
	pctx := BuildSummarizationRequest(toSummarize, priorSummary)
	stream := provider.Stream(ctx, model, pctx, ProviderOptions{})
	res, err := stream.Result()
	if err != nil {
		return "", Usage{}, err
	}
	return ExtractSummaryText(res.Message), res.Message.Usage, nil
}
