package diligent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// AgentEventType tags one of the 18 AgentEvent variants.
type AgentEventType string

const (
	AEAgentStart       AgentEventType = "agent_start"
	AEAgentEnd         AgentEventType = "agent_end"
	AETurnStart        AgentEventType = "turn_start"
	AETurnEnd          AgentEventType = "turn_end"
	AEMessageStart     AgentEventType = "message_start"
	AEMessageDelta     AgentEventType = "message_delta"
	AEMessageEnd       AgentEventType = "message_end"
	AEToolStart        AgentEventType = "tool_start"
	AEToolUpdate       AgentEventType = "tool_update"
	AEToolEnd          AgentEventType = "tool_end"
	AEStatusChange     AgentEventType = "status_change"
	AEUsage            AgentEventType = "usage"
	AEError            AgentEventType = "error"
	AECompactionStart  AgentEventType = "compaction_start"
	AECompactionEnd    AgentEventType = "compaction_end"
	AEKnowledgeSaved   AgentEventType = "knowledge_saved"
	AELoopDetected     AgentEventType = "loop_detected"
	AESteeringInjected AgentEventType = "steering_injected"
)

// AgentStatus is the value carried on a status_change event.
type AgentStatus string

const (
	StatusIdle  AgentStatus = "idle"
	StatusBusy  AgentStatus = "busy"
	StatusRetry AgentStatus = "retry"
)

// RetryInfo accompanies a status_change{status:"retry"} event.
type RetryInfo struct {
	Attempt int
	DelayMs int64
	Err     *ProviderError
}

// AgentEvent is the tagged variant streamed by the agent loop. Only the
// fields relevant to Type are populated.
type AgentEvent struct {
	Type AgentEventType

	TurnID string // turn_start, turn_end

	ItemID  string        // message_*, tool_*
	Message *AssistantMsg // message_start/delta/end, turn_end
	Delta   string        // message_delta

	ToolCallID    string // tool_*
	ToolName      string // tool_*
	ToolInput     json.RawMessage
	ToolOutput    string // tool_end
	ToolIsError   bool   // tool_end
	ToolPartial   string // tool_update
	ToolResults   []ToolResultMsg // turn_end

	Status AgentStatus // status_change
	Retry  *RetryInfo  // status_change

	Usage Usage   // usage
	Cost  float64 // usage

	Err   *FatalError // error
	Fatal bool        // error

	CompactionEstimatedTokens int    // compaction_start
	CompactionTokensBefore    int    // compaction_end
	CompactionTokensAfter     int    // compaction_end
	CompactionSummary         string // compaction_end

	KnowledgeID      string // knowledge_saved
	KnowledgeContent string // knowledge_saved

	LoopPatternLength int    // loop_detected
	LoopToolName      string // loop_detected

	SteeringMessageCount int // steering_injected

	Messages []Message // agent_end
}

func isAgentEventTerminal(e AgentEvent) bool { return e.Type == AEAgentEnd }

func extractAgentResult(e AgentEvent) ([]Message, error) { return e.Messages, nil }

// NewAgentEventStream constructs the EventStream an AgentLoop run is
// built from.
func NewAgentEventStream() *EventStream[AgentEvent, []Message] {
	return NewEventStream(isAgentEventTerminal, extractAgentResult)
}

// planModeTools is the read-only tool set plan mode restricts to.
var planModeTools = []string{"read_file", "glob", "grep", "ls"}

const planModeDirective = "You are in PLAN mode. Do not write files and do not run shell commands. Investigate and propose a plan; the user will switch you to execute mode to carry it out."

const executeModeDirective = "You are in EXECUTE mode. Work autonomously to complete the task end to end without pausing for confirmation unless genuinely blocked."

// AgentLoopConfig configures one AgentLoop.Run invocation.
type AgentLoopConfig struct {
	Model          string
	SystemPrompt   string
	Tools          *ToolRegistry
	StreamFunction StreamFunc
	Cancel         <-chan struct{}

	MaxTurns         int
	MaxRetries       int
	RetryBaseDelayMs int64
	RetryMaxDelayMs  int64

	Mode                Mode
	GetSteeringMessages func() []Message

	Pricing map[string]ModelPricing

	// Tracer is an optional collaborator. When set, RunAgentLoop opens a
	// span per turn and runTurn opens a span per retry attempt.
	Tracer Tracer

	// Logger receives lifecycle and degraded-path events. Never nil in
	// practice — withDefaults substitutes nopLogger.
	Logger *slog.Logger
}

// StreamFunc is the raw (not yet retry-wrapped) provider call the agent
// loop drives every turn.
type StreamFunc func(ctx context.Context, model string, pctx ProviderContext, opts ProviderOptions) *EventStream[ProviderEvent, ProviderResult]

func (c AgentLoopConfig) withDefaults() AgentLoopConfig {
	if c.MaxTurns <= 0 {
		c.MaxTurns = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxAttempts
	}
	if c.RetryBaseDelayMs <= 0 {
		c.RetryBaseDelayMs = defaultBaseDelayMs
	}
	if c.RetryMaxDelayMs <= 0 {
		c.RetryMaxDelayMs = defaultMaxDelayMs
	}
	if c.Mode == "" {
		c.Mode = ModeDefault
	}
	c.Logger = loggerOrNop(c.Logger)
	return c
}

// RunAgentLoop drives the turn-based state machine of spec §4.6 over
// initialMessages and returns the outer event stream. The outer stream
// always completes via agent_end — it never rejects, even on a fatal
// internal error.
func RunAgentLoop(ctx context.Context, initialMessages []Message, cfg AgentLoopConfig) *EventStream[AgentEvent, []Message] {
	cfg = cfg.withDefaults()
	out := NewAgentEventStream()
	itemCounter := new(atomic.Int64)

	go func() {
		messages := append([]Message{}, initialMessages...)
		detector := NewLoopDetector()

		defer func() {
			if r := recover(); r != nil {
				err := asError(r)
				out.Push(AgentEvent{Type: AEError, Err: NewFatalError(err), Fatal: true})
				out.Push(AgentEvent{Type: AEAgentEnd, Messages: messages})
			}
		}()

		out.Push(AgentEvent{Type: AEAgentStart})
		cfg.Logger.Info("agent loop started", "max_turns", cfg.MaxTurns, "mode", cfg.Mode)

		turnCount := 0
		for turnCount < cfg.MaxTurns {
			if cancelled(cfg.Cancel) {
				break
			}

			messages = drainSteering(out, cfg, messages)

			turnCount++
			turnID := fmt.Sprintf("turn-%d", turnCount)
			out.Push(AgentEvent{Type: AETurnStart, TurnID: turnID})

			turnCtx, turnSpan := startSpan(ctx, cfg.Tracer, "turn", StringAttr("turn_id", turnID), IntAttr("turn_number", turnCount))

			systemPrompt, tools := applyMode(cfg)

			finalMsg, toolCalls, turnErr := runTurn(turnCtx, out, itemCounter, cfg, systemPrompt, tools, messages)
			if turnErr != nil {
				turnSpan.Error(turnErr)
				turnSpan.End()
				cfg.Logger.Error("turn failed fatally", "turn_id", turnID, "error", turnErr)
				out.Push(AgentEvent{Type: AEError, Err: NewFatalError(turnErr), Fatal: true})
				out.Push(AgentEvent{Type: AEAgentEnd, Messages: messages})
				return
			}
			turnSpan.End()

			messages = append(messages, Message{Role: RoleAssistant, Assistant: finalMsg})
			out.Push(AgentEvent{Type: AEUsage, Usage: finalMsg.Usage, Cost: CostForUsage(finalMsg.Usage, PricingFor(cfg.Pricing, finalMsg.ModelID))})

			if len(toolCalls) == 0 {
				out.Push(AgentEvent{Type: AETurnEnd, TurnID: turnID, Message: finalMsg, ToolResults: nil})
				break
			}

			messages = drainSteering(out, cfg, messages)

			var toolResults []ToolResultMsg
			for _, call := range toolCalls {
				if cancelled(cfg.Cancel) {
					break
				}
				itemID := nextItemID(itemCounter)
				out.Push(AgentEvent{Type: AEToolStart, ItemID: itemID, ToolCallID: call.ToolCallID, ToolName: call.ToolName, ToolInput: call.Input})

				tc := ToolContext{
					Cancel: cfg.Cancel,
					OnUpdate: func(partial string) {
						out.Push(AgentEvent{Type: AEToolUpdate, ItemID: itemID, ToolCallID: call.ToolCallID, ToolName: call.ToolName, ToolPartial: partial})
					},
				}
				result := cfg.Tools.Dispatch(ctx, call.ToolCallID, call.ToolName, call.Input, tc)
				out.Push(AgentEvent{Type: AEToolEnd, ItemID: itemID, ToolCallID: call.ToolCallID, ToolName: call.ToolName, ToolOutput: result.Output, ToolIsError: result.IsError})

				messages = append(messages, Message{Role: RoleToolResult, ToolResult: &result})
				toolResults = append(toolResults, result)
				detector.Record(call.ToolName, call.Input)
			}

			if d := detector.Check(); d.Detected {
				cfg.Logger.Warn("repeated tool call pattern detected", "tool", d.ToolName, "pattern_length", d.PatternLength)
				out.Push(AgentEvent{Type: AELoopDetected, LoopPatternLength: d.PatternLength, LoopToolName: d.ToolName})
				warning := fmt.Sprintf("[System] The last %d tool calls to %q repeated the same input. Try a different approach.", d.PatternLength*3, d.ToolName)
				messages = append(messages, NewUserMessage(warning, time.Now()))
			}

			messages = drainSteering(out, cfg, messages)

			out.Push(AgentEvent{Type: AETurnEnd, TurnID: turnID, Message: finalMsg, ToolResults: toolResults})
		}

		cfg.Logger.Info("agent loop ended", "turns", turnCount)
		out.Push(AgentEvent{Type: AEAgentEnd, Messages: messages})
	}()

	return out
}

func asError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

func cancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

// applyMode returns the mode-adjusted system prompt and tool registry
// per spec §4.6 Mode behavior.
func applyMode(cfg AgentLoopConfig) (string, *ToolRegistry) {
	switch cfg.Mode {
	case ModePlan:
		return planModeDirective + "\n\n" + cfg.SystemPrompt, cfg.Tools.Filter(planModeTools...)
	case ModeExecute:
		return executeModeDirective + "\n\n" + cfg.SystemPrompt, cfg.Tools
	default:
		return cfg.SystemPrompt, cfg.Tools
	}
}

func drainSteering(out *EventStream[AgentEvent, []Message], cfg AgentLoopConfig, messages []Message) []Message {
	if cfg.GetSteeringMessages == nil {
		return messages
	}
	steering := cfg.GetSteeringMessages()
	if len(steering) == 0 {
		return messages
	}
	messages = append(messages, steering...)
	out.Push(AgentEvent{Type: AESteeringInjected, SteeringMessageCount: len(steering)})
	return messages
}

func nextItemID(counter *atomic.Int64) string {
	return fmt.Sprintf("item-%d", counter.Add(1))
}

// runTurn invokes the retry-wrapped provider call for one turn and
// forwards streaming events, returning the finalized assistant message
// and its tool_call blocks.
func runTurn(ctx context.Context, out *EventStream[AgentEvent, []Message], itemCounter *atomic.Int64, cfg AgentLoopConfig, systemPrompt string, tools *ToolRegistry, messages []Message) (*AssistantMsg, []ContentBlock, error) {
	pctx := ProviderContext{SystemPrompt: systemPrompt, Messages: messages, Tools: tools.Definitions()}
	opts := ProviderOptions{Cancel: cfg.Cancel}

	var (
		itemID        string
		startedMsg    bool
		finalMsg      *AssistantMsg
		lastErr       *ProviderError
	)

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if cancelled(cfg.Cancel) {
			return nil, nil, ErrCancelled
		}

		attemptCtx, attemptSpan := startSpan(ctx, cfg.Tracer, "retry_attempt", IntAttr("attempt", attempt))

		stream := cfg.StreamFunction(attemptCtx, cfg.Model, pctx, opts)
		terminal := false
		var attemptErr *ProviderError

		for e := range stream.Iterate() {
			switch e.Type {
			case PEStart:
				// no direct AgentEvent; message_start fires on first delta.
			case PETextDelta, PEThinkingDelta:
				if !startedMsg {
					startedMsg = true
					itemID = nextItemID(itemCounter)
					out.Push(AgentEvent{Type: AEMessageStart, ItemID: itemID, Message: &AssistantMsg{}})
				}
				out.Push(AgentEvent{Type: AEMessageDelta, ItemID: itemID, Delta: e.Delta})
			case PEDone:
				if !startedMsg {
					itemID = nextItemID(itemCounter)
				}
				finalMsg = e.Message
				out.Push(AgentEvent{Type: AEMessageEnd, ItemID: itemID, Message: finalMsg})
				terminal = true
			case PEError:
				attemptErr = e.Err
			}
		}
		_, _ = stream.Result()

		if terminal {
			attemptSpan.End()
			return finalMsg, finalMsg.ToolCallBlocks(), nil
		}
		if attemptErr == nil {
			attemptSpan.End()
			return nil, nil, fmt.Errorf("provider stream ended without done or error")
		}
		lastErr = attemptErr
		attemptSpan.Error(lastErr)

		if !lastErr.Kind.Retryable() || attempt >= cfg.MaxRetries {
			attemptSpan.End()
			return nil, nil, lastErr
		}
		attemptSpan.End()

		delay := retryDelay(cfg.RetryBaseDelayMs, cfg.RetryMaxDelayMs, attempt, lastErr.RetryAfterMs)
		cfg.Logger.Warn("provider call failed, retrying", "attempt", attempt, "kind", lastErr.Kind, "delay_ms", delay)
		out.Push(AgentEvent{Type: AEStatusChange, Status: StatusRetry, Retry: &RetryInfo{Attempt: attempt, DelayMs: delay, Err: lastErr}})
		if !sleepInterruptible(ctx, time.Duration(delay)*time.Millisecond, cfg.Cancel) {
			return nil, nil, ErrCancelled
		}
	}

	return nil, nil, lastErr
}

// ToolCallBlocks extracts the tool_call content blocks from an assistant
// message.
func (m *AssistantMsg) ToolCallBlocks() []ContentBlock {
	if m == nil {
		return nil
	}
	var calls []ContentBlock
	for _, b := range m.Content {
		if b.Type == ContentToolCall {
			calls = append(calls, b)
		}
	}
	return calls
}
