package diligent

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func drainOuter(t *testing.T, s *EventStream[AgentEvent, []Message]) []AgentEvent {
	t.Helper()
	var events []AgentEvent
	for e := range s.Iterate() {
		events = append(events, e)
	}
	return events
}

func TestSessionManagerCreateStartsUnmaterialized(t *testing.T) {
	dir := t.TempDir()
	p := &scriptedProvider{}
	sm := NewSessionManager(dir, dir, p, "model-x", NewToolRegistry(t.TempDir()), "sys", CompactionConfig{ContextWindow: 200_000})
	sm.Create()
	require.NotEmpty(t, sm.header.ID)
	require.False(t, sm.writer.Materialized())
}

func TestSessionManagerRunPersistsUserAndAssistantEntries(t *testing.T) {
	dir := t.TempDir()
	finalMsg := &AssistantMsg{Content: []ContentBlock{TextBlock("hi there")}, StopReason: StopEndTurn}
	p := &scriptedProvider{batches: [][]ProviderEvent{{doneEvent(finalMsg)}}}
	sm := NewSessionManager(dir, dir, p, "model-x", NewToolRegistry(t.TempDir()), "sys", CompactionConfig{ContextWindow: 200_000})
	sm.Create()

	outer := sm.Run(context.Background(), "hello")
	events := drainOuter(t, outer)
	require.Equal(t, AEAgentEnd, events[len(events)-1].Type)

	entries, _ := sm.snapshot()
	require.Len(t, entries, 2)
	require.Equal(t, EntryMessage, entries[0].Kind)
	require.Equal(t, RoleUser, entries[0].Message.Role)
	require.Equal(t, RoleAssistant, entries[1].Message.Role)
	require.True(t, sm.writer.Materialized())
}

func TestSessionManagerResumeRebuildsState(t *testing.T) {
	dir := t.TempDir()
	finalMsg := &AssistantMsg{Content: []ContentBlock{TextBlock("reply")}, StopReason: StopEndTurn}
	p := &scriptedProvider{batches: [][]ProviderEvent{{doneEvent(finalMsg)}}}
	sm := NewSessionManager(dir, dir, p, "model-x", NewToolRegistry(t.TempDir()), "sys", CompactionConfig{ContextWindow: 200_000})
	sm.Create()
	drainOuter(t, sm.Run(context.Background(), "hello"))
	sessionID := sm.header.ID
	require.NoError(t, sm.writer.Close())

	resumed := NewSessionManager(dir, dir, p, "model-x", NewToolRegistry(t.TempDir()), "sys", CompactionConfig{ContextWindow: 200_000})
	require.NoError(t, resumed.Resume(ResumeOptions{SessionID: sessionID}))
	entries, _ := resumed.snapshot()
	require.Len(t, entries, 2)
}

func TestSessionManagerResumeMostRecent(t *testing.T) {
	dir := t.TempDir()
	finalMsg := &AssistantMsg{Content: []ContentBlock{TextBlock("reply")}, StopReason: StopEndTurn}
	p := &scriptedProvider{batches: [][]ProviderEvent{{doneEvent(finalMsg)}}}
	sm := NewSessionManager(dir, dir, p, "model-x", NewToolRegistry(t.TempDir()), "sys", CompactionConfig{ContextWindow: 200_000})
	sm.Create()
	drainOuter(t, sm.Run(context.Background(), "hello"))
	require.NoError(t, sm.writer.Close())

	resumed := NewSessionManager(dir, dir, p, "model-x", NewToolRegistry(t.TempDir()), "sys", CompactionConfig{ContextWindow: 200_000})
	require.NoError(t, resumed.Resume(ResumeOptions{MostRecent: true}))
	require.Equal(t, sm.header.ID, resumed.header.ID)
}

func TestListSkipsCorruptSessionFiles(t *testing.T) {
	dir := t.TempDir()
	finalMsg := &AssistantMsg{Content: []ContentBlock{TextBlock("reply")}, StopReason: StopEndTurn}
	p := &scriptedProvider{batches: [][]ProviderEvent{{doneEvent(finalMsg)}}}
	sm := NewSessionManager(dir, dir, p, "model-x", NewToolRegistry(t.TempDir()), "sys", CompactionConfig{ContextWindow: 200_000})
	sm.Create()
	drainOuter(t, sm.Run(context.Background(), "hello"))
	require.NoError(t, sm.writer.Close())

	writeCorruptFile(t, dir)

	summaries, err := List(dir)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, 2, summaries[0].MessageCount)
	require.Equal(t, "hello", summaries[0].FirstUserMessage)
}

func writeCorruptFile(t *testing.T, dir string) {
	t.Helper()
	path := dir + "/corrupt.jsonl"
	require.NoError(t, os.WriteFile(path, []byte("not valid json\n"), 0o644))
}

func TestSessionManagerSteerQueuesForNextDrain(t *testing.T) {
	dir := t.TempDir()
	p := &scriptedProvider{}
	sm := NewSessionManager(dir, dir, p, "model-x", NewToolRegistry(t.TempDir()), "sys", CompactionConfig{ContextWindow: 200_000})
	sm.Create()

	sm.Steer("look at the logs")
	msgs := sm.drainSteeringQueue()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0].TextContent(), "look at the logs")
	require.Empty(t, sm.drainSteeringQueue())
}

func TestSessionManagerFollowUpSetsFlagWhenIdle(t *testing.T) {
	dir := t.TempDir()
	p := &scriptedProvider{}
	sm := NewSessionManager(dir, dir, p, "model-x", NewToolRegistry(t.TempDir()), "sys", CompactionConfig{ContextWindow: 200_000})
	sm.Create()

	sm.FollowUp("keep going")
	require.True(t, sm.HasFollowUp())
	require.False(t, sm.HasFollowUp())
}

func TestSessionManagerAppendModeChangeUpdatesMode(t *testing.T) {
	dir := t.TempDir()
	p := &scriptedProvider{}
	sm := NewSessionManager(dir, dir, p, "model-x", NewToolRegistry(t.TempDir()), "sys", CompactionConfig{ContextWindow: 200_000})
	sm.Create()

	sm.AppendModeChange(ModePlan, ChangedByCLI)
	require.Equal(t, ModePlan, sm.mode)
	entries, _ := sm.snapshot()
	require.Len(t, entries, 1)
	require.Equal(t, EntryModeChange, entries[0].Kind)
}

func TestSessionManagerCancelIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	p := &scriptedProvider{}
	sm := NewSessionManager(dir, dir, p, "model-x", NewToolRegistry(t.TempDir()), "sys", CompactionConfig{ContextWindow: 200_000})
	sm.Create()
	sm.Cancel()
	sm.Cancel() // must not panic on double close
}

func TestRunCompactionSummarizesAndPersistsEntry(t *testing.T) {
	dir := t.TempDir()
	summaryMsg := &AssistantMsg{Content: []ContentBlock{TextBlock("prior work summarized")}}
	p := &scriptedProvider{batches: [][]ProviderEvent{{doneEvent(summaryMsg)}}}
	sm := NewSessionManager(dir, dir, p, "model-x", NewToolRegistry(t.TempDir()), "sys", CompactionConfig{KeepRecentTokens: 1})
	sm.Create()

	longText := strings.Repeat("word ", 200)
	var messages []Message
	for i := 0; i < 4; i++ {
		msg := NewUserMessage(longText, time.Now())
		entry := NewMessageEntry("", msg, time.Now())
		sm.appendEntry(entry)
		messages = append(messages, msg)
	}

	outer := NewAgentEventStream()
	var pushed []AgentEvent
	outer.Subscribe(func(e AgentEvent) { pushed = append(pushed, e) })

	sm.runCompaction(context.Background(), outer, messages)

	var sawStart, sawEnd bool
	for _, e := range pushed {
		if e.Type == AECompactionStart {
			sawStart = true
		}
		if e.Type == AECompactionEnd {
			sawEnd = true
			require.Equal(t, "prior work summarized", e.CompactionSummary)
		}
	}
	require.True(t, sawStart)
	require.True(t, sawEnd)

	entries, _ := sm.snapshot()
	var sawCompactionEntry bool
	for _, e := range entries {
		if e.Kind == EntryCompaction {
			sawCompactionEntry = true
		}
	}
	require.True(t, sawCompactionEntry)
}
