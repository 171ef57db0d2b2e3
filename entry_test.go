package diligent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewMessageEntry(t *testing.T) {
	msg := NewUserMessage("hi", time.Now())
	e := NewMessageEntry("parent-1", msg, time.Now())
	require.NotEmpty(t, e.ID)
	require.Equal(t, "parent-1", e.ParentID)
	require.Equal(t, EntryMessage, e.Kind)
	require.NotNil(t, e.Message)
	require.Nil(t, e.ModelChange)
	require.Nil(t, e.Compaction)
	require.Nil(t, e.ModeChange)
	require.Nil(t, e.Steering)
}

func TestNewModelChangeEntry(t *testing.T) {
	e := NewModelChangeEntry("parent-1", "anthropic", "claude-x", time.Now())
	require.Equal(t, EntryModelChange, e.Kind)
	require.NotNil(t, e.ModelChange)
	require.Equal(t, "anthropic", e.ModelChange.Provider)
	require.Equal(t, "claude-x", e.ModelChange.ModelID)
	require.Nil(t, e.Message)
}

func TestNewCompactionEntry(t *testing.T) {
	body := CompactionBody{Summary: "summary text", TokensBefore: 100, TokensAfter: 10}
	e := NewCompactionEntry("parent-1", body, time.Now())
	require.Equal(t, EntryCompaction, e.Kind)
	require.NotNil(t, e.Compaction)
	require.Equal(t, "summary text", e.Compaction.Summary)
	require.Equal(t, 100, e.Compaction.TokensBefore)
	require.Nil(t, e.Message)
}

func TestNewModeChangeEntry(t *testing.T) {
	e := NewModeChangeEntry("parent-1", ModePlan, ChangedByCLI, time.Now())
	require.Equal(t, EntryModeChange, e.Kind)
	require.NotNil(t, e.ModeChange)
	require.Equal(t, ModePlan, e.ModeChange.Mode)
	require.Equal(t, ChangedByCLI, e.ModeChange.ChangedBy)
	require.Nil(t, e.Compaction)
}

func TestNewSteeringEntry(t *testing.T) {
	e := NewSteeringEntry("parent-1", "do this instead", SteeringFollowUp, time.Now())
	require.Equal(t, EntrySteering, e.Kind)
	require.NotNil(t, e.Steering)
	require.Equal(t, "do this instead", e.Steering.Message)
	require.Equal(t, SteeringFollowUp, e.Steering.Source)
	require.Nil(t, e.ModeChange)
}

func TestEntryIDsAreUnique(t *testing.T) {
	a := NewMessageEntry("", NewUserMessage("x", time.Now()), time.Now())
	b := NewMessageEntry("", NewUserMessage("x", time.Now()), time.Now())
	require.NotEqual(t, a.ID, b.ID)
}
