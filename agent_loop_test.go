package diligent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseLoopConfig(t *testing.T, p Provider) AgentLoopConfig {
	return AgentLoopConfig{
		Model:            "model-x",
		Tools:            NewToolRegistry(t.TempDir()),
		StreamFunction:   p.Stream,
		MaxTurns:         5,
		MaxRetries:       3,
		RetryBaseDelayMs: 1,
		RetryMaxDelayMs:  2,
	}
}

func collectEvents(t *testing.T, s *EventStream[AgentEvent, []Message]) []AgentEvent {
	t.Helper()
	var events []AgentEvent
	for e := range s.Iterate() {
		events = append(events, e)
	}
	return events
}

func TestRunAgentLoopEndsAfterTurnWithNoToolCalls(t *testing.T) {
	msg := &AssistantMsg{Content: []ContentBlock{TextBlock("final answer")}, StopReason: StopEndTurn}
	p := &scriptedProvider{batches: [][]ProviderEvent{{doneEvent(msg)}}}
	cfg := baseLoopConfig(t, p)

	out := RunAgentLoop(context.Background(), nil, cfg)
	events := collectEvents(t, out)

	require.Equal(t, AEAgentStart, events[0].Type)
	require.Equal(t, AEAgentEnd, events[len(events)-1].Type)

	var sawTurnEnd bool
	for _, e := range events {
		if e.Type == AETurnEnd {
			sawTurnEnd = true
		}
		require.NotEqual(t, AEToolStart, e.Type)
	}
	require.True(t, sawTurnEnd)
}

func TestRunAgentLoopDispatchesToolCallThenFinishes(t *testing.T) {
	reg := NewToolRegistry(t.TempDir())
	require.NoError(t, reg.Register(echoTool("echo")))

	toolCallMsg := &AssistantMsg{
		Content:    []ContentBlock{ToolCallBlock("call-1", "echo", []byte(`{"text":"hi"}`))},
		StopReason: StopToolUse,
	}
	finalMsg := &AssistantMsg{Content: []ContentBlock{TextBlock("done")}, StopReason: StopEndTurn}
	p := &scriptedProvider{batches: [][]ProviderEvent{{doneEvent(toolCallMsg)}, {doneEvent(finalMsg)}}}

	cfg := baseLoopConfig(t, p)
	cfg.Tools = reg

	out := RunAgentLoop(context.Background(), nil, cfg)
	events := collectEvents(t, out)

	var sawToolStart, sawToolEnd bool
	for _, e := range events {
		if e.Type == AEToolStart {
			sawToolStart = true
			require.Equal(t, "echo", e.ToolName)
		}
		if e.Type == AEToolEnd {
			sawToolEnd = true
			require.Equal(t, "hi", e.ToolOutput)
		}
	}
	require.True(t, sawToolStart)
	require.True(t, sawToolEnd)
}

func TestRunAgentLoopDetectsRepeatedToolCallPattern(t *testing.T) {
	reg := NewToolRegistry(t.TempDir())
	require.NoError(t, reg.Register(echoTool("echo")))

	sameInput := []byte(`{"text":"same"}`)
	var batches [][]ProviderEvent
	for i := 0; i < 4; i++ {
		msg := &AssistantMsg{Content: []ContentBlock{ToolCallBlock("call", "echo", sameInput)}, StopReason: StopToolUse}
		batches = append(batches, []ProviderEvent{doneEvent(msg)})
	}
	p := &scriptedProvider{batches: batches}

	cfg := baseLoopConfig(t, p)
	cfg.Tools = reg
	cfg.MaxTurns = 4

	out := RunAgentLoop(context.Background(), nil, cfg)
	events := collectEvents(t, out)

	var sawLoopDetected bool
	for _, e := range events {
		if e.Type == AELoopDetected {
			sawLoopDetected = true
		}
	}
	require.True(t, sawLoopDetected)
}

func TestRunAgentLoopRetriesRetryableErrorThenSucceeds(t *testing.T) {
	finalMsg := &AssistantMsg{Content: []ContentBlock{TextBlock("ok")}, StopReason: StopEndTurn}
	p := &scriptedProvider{batches: [][]ProviderEvent{
		{errEvent(ErrorKindRateLimit, "slow down")},
		{doneEvent(finalMsg)},
	}}

	cfg := baseLoopConfig(t, p)
	out := RunAgentLoop(context.Background(), nil, cfg)
	events := collectEvents(t, out)

	var sawRetry bool
	for _, e := range events {
		if e.Type == AEStatusChange && e.Status == StatusRetry {
			sawRetry = true
		}
	}
	require.True(t, sawRetry)
	require.Equal(t, AEAgentEnd, events[len(events)-1].Type)
}

func TestRunAgentLoopNonRetryableErrorEndsFatally(t *testing.T) {
	p := &scriptedProvider{batches: [][]ProviderEvent{{errEvent(ErrorKindAuth, "bad key")}}}
	cfg := baseLoopConfig(t, p)

	out := RunAgentLoop(context.Background(), nil, cfg)
	events := collectEvents(t, out)

	var sawFatal bool
	for _, e := range events {
		if e.Type == AEError && e.Fatal {
			sawFatal = true
		}
	}
	require.True(t, sawFatal)
	require.Equal(t, AEAgentEnd, events[len(events)-1].Type)
}

func TestRunAgentLoopRespectsMaxTurns(t *testing.T) {
	msg := &AssistantMsg{
		Content:    []ContentBlock{ToolCallBlock("call", "echo", []byte(`{"text":"x"}`))},
		StopReason: StopToolUse,
	}
	reg := NewToolRegistry(t.TempDir())
	require.NoError(t, reg.Register(echoTool("echo")))

	var batches [][]ProviderEvent
	for i := 0; i < 10; i++ {
		batches = append(batches, []ProviderEvent{doneEvent(msg)})
	}
	p := &scriptedProvider{batches: batches}

	cfg := baseLoopConfig(t, p)
	cfg.Tools = reg
	cfg.MaxTurns = 2

	out := RunAgentLoop(context.Background(), nil, cfg)
	events := collectEvents(t, out)

	var turnStarts int
	for _, e := range events {
		if e.Type == AETurnStart {
			turnStarts++
		}
	}
	require.Equal(t, 2, turnStarts)
}

func TestRunAgentLoopPlanModeFiltersToolsAndStillWorks(t *testing.T) {
	finalMsg := &AssistantMsg{Content: []ContentBlock{TextBlock("plan complete")}, StopReason: StopEndTurn}
	p := &scriptedProvider{batches: [][]ProviderEvent{{doneEvent(finalMsg)}}}

	cfg := baseLoopConfig(t, p)
	cfg.Mode = ModePlan

	out := RunAgentLoop(context.Background(), nil, cfg)
	messages, err := out.Result()
	require.NoError(t, err)
	require.NotEmpty(t, messages)
}

func TestRunAgentLoopDrainsSteeringMessages(t *testing.T) {
	finalMsg := &AssistantMsg{Content: []ContentBlock{TextBlock("ack")}, StopReason: StopEndTurn}
	p := &scriptedProvider{batches: [][]ProviderEvent{{doneEvent(finalMsg)}}}

	cfg := baseLoopConfig(t, p)
	calls := 0
	cfg.GetSteeringMessages = func() []Message {
		calls++
		if calls == 1 {
			return []Message{NewUserMessage("steer this way", time.Now())}
		}
		return nil
	}

	out := RunAgentLoop(context.Background(), nil, cfg)
	events := collectEvents(t, out)

	var sawSteering bool
	for _, e := range events {
		if e.Type == AESteeringInjected {
			sawSteering = true
			require.Equal(t, 1, e.SteeringMessageCount)
		}
	}
	require.True(t, sawSteering)
}
