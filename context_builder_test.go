package diligent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildContextEmpty(t *testing.T) {
	out := BuildContext(nil, "")
	require.Nil(t, out.Messages)
}

func TestBuildContextReplaysChainInOrder(t *testing.T) {
	e1 := NewMessageEntry("", NewUserMessage("first", time.Now()), time.Now())
	e2 := NewMessageEntry(e1.ID, NewAssistantMessage([]ContentBlock{TextBlock("second")}, "m", Usage{}, StopEndTurn, time.Now()), time.Now())
	e3 := NewMessageEntry(e2.ID, NewUserMessage("third", time.Now()), time.Now())

	out := BuildContext([]Entry{e1, e2, e3}, e3.ID)
	require.Len(t, out.Messages, 3)
	require.Equal(t, "first", out.Messages[0].TextContent())
	require.Equal(t, "second", out.Messages[1].TextContent())
	require.Equal(t, "third", out.Messages[2].TextContent())
}

func TestBuildContextDefaultsToLastEntryWhenLeafMissing(t *testing.T) {
	e1 := NewMessageEntry("", NewUserMessage("only", time.Now()), time.Now())
	out := BuildContext([]Entry{e1}, "does-not-exist")
	require.Len(t, out.Messages, 1)
}

func TestBuildContextInjectsCompactionSummaryAndDropsEarlierEntries(t *testing.T) {
	e1 := NewMessageEntry("", NewUserMessage("old context", time.Now()), time.Now())
	e2 := NewCompactionEntry(e1.ID, CompactionBody{Summary: "summarized prior work", TokensBefore: 500, TokensAfter: 50}, time.Now())
	e3 := NewMessageEntry(e2.ID, NewUserMessage("new message", time.Now()), time.Now())

	out := BuildContext([]Entry{e1, e2, e3}, e3.ID)
	require.Len(t, out.Messages, 2)
	require.Contains(t, out.Messages[0].TextContent(), "summarized prior work")
	require.Equal(t, "new message", out.Messages[1].TextContent())
}

func TestBuildContextSteeringBecomesUserMessage(t *testing.T) {
	e1 := NewMessageEntry("", NewUserMessage("hi", time.Now()), time.Now())
	e2 := NewSteeringEntry(e1.ID, "please also check the logs", SteeringSteer, time.Now())

	out := BuildContext([]Entry{e1, e2}, e2.ID)
	require.Len(t, out.Messages, 2)
	require.Equal(t, "please also check the logs", out.Messages[1].TextContent())
}

func TestBuildContextTracksMostRecentModelChange(t *testing.T) {
	e1 := NewMessageEntry("", NewUserMessage("hi", time.Now()), time.Now())
	e2 := NewModelChangeEntry(e1.ID, "anthropic", "claude-a", time.Now())
	e3 := NewModelChangeEntry(e2.ID, "openai", "gpt-x", time.Now())

	out := BuildContext([]Entry{e1, e2, e3}, e3.ID)
	require.NotNil(t, out.CurrentModel)
	require.Equal(t, "gpt-x", out.CurrentModel.ModelID)
}

func TestBuildContextCyclicChainDoesNotHang(t *testing.T) {
	e1 := Entry{ID: "a", ParentID: "b", Kind: EntryMessage, Message: ptrMsg(NewUserMessage("a", time.Now()))}
	e2 := Entry{ID: "b", ParentID: "a", Kind: EntryMessage, Message: ptrMsg(NewUserMessage("b", time.Now()))}

	out := BuildContext([]Entry{e1, e2}, "a")
	require.Len(t, out.Messages, 2)
}

func ptrMsg(m Message) *Message { return &m }
