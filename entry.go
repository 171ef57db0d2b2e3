package diligent

import "time"

// SessionFileVersion is the current header version this build writes and
// the highest version it will read.
const SessionFileVersion = 1

// SessionHeader is the first line of a session file.
type SessionHeader struct {
	Type          string `json:"type"` // always "session"
	Version       int    `json:"version"`
	ID            string `json:"id"`
	Timestamp     string `json:"timestamp"`
	Cwd           string `json:"cwd"`
	ParentSession string `json:"parentSession,omitempty"`
}

// EntryKind tags an Entry's body.
type EntryKind string

const (
	EntryMessage     EntryKind = "message"
	EntryModelChange EntryKind = "model_change"
	EntrySessionInfo EntryKind = "session_info"
	EntryCompaction  EntryKind = "compaction"
	EntryModeChange  EntryKind = "mode_change"
	EntrySteering    EntryKind = "steering"
)

// Mode is the agent loop's operating mode.
type Mode string

const (
	ModeDefault Mode = "default"
	ModePlan    Mode = "plan"
	ModeExecute Mode = "execute"
)

// ModeChangedBy records who triggered a mode_change entry.
type ModeChangedBy string

const (
	ChangedByCLI     ModeChangedBy = "cli"
	ChangedByCommand ModeChangedBy = "command"
	ChangedByConfig  ModeChangedBy = "config"
)

// SteeringSource distinguishes a mid-run steer() from a post-run followUp().
type SteeringSource string

const (
	SteeringSteer    SteeringSource = "steer"
	SteeringFollowUp SteeringSource = "follow_up"
)

// CompactionDetails accumulates the file-op deltas merged across
// successive compactions on one linear path.
type CompactionDetails struct {
	ReadFiles     []string `json:"readFiles,omitempty"`
	ModifiedFiles []string `json:"modifiedFiles,omitempty"`
}

// CompactionBody is the payload of a compaction entry.
type CompactionBody struct {
	Summary          string            `json:"summary"`
	FirstKeptEntryID string            `json:"firstKeptEntryId,omitempty"`
	TokensBefore     int               `json:"tokensBefore"`
	TokensAfter      int               `json:"tokensAfter"`
	Details          CompactionDetails `json:"details"`
}

// ModelChangeBody is the payload of a model_change entry.
type ModelChangeBody struct {
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
}

// SessionInfoBody is the payload of a session_info entry.
type SessionInfoBody struct {
	DisplayName string `json:"displayName,omitempty"`
}

// ModeChangeBody is the payload of a mode_change entry.
type ModeChangeBody struct {
	Mode      Mode          `json:"mode"`
	ChangedBy ModeChangedBy `json:"changedBy"`
}

// SteeringBody is the payload of a steering entry.
type SteeringBody struct {
	Message string         `json:"message"`
	Source  SteeringSource `json:"source"`
}

// Entry is one line after the header in a session file: envelope fields
// plus exactly one populated body field, selected by Kind.
type Entry struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EntryKind `json:"type"`

	Message     *Message         `json:"message,omitempty"`
	ModelChange *ModelChangeBody `json:"modelChange,omitempty"`
	SessionInfo *SessionInfoBody `json:"sessionInfo,omitempty"`
	Compaction  *CompactionBody  `json:"compaction,omitempty"`
	ModeChange  *ModeChangeBody  `json:"modeChange,omitempty"`
	Steering    *SteeringBody    `json:"steering,omitempty"`
}

// NewMessageEntry wraps msg into a message entry with a fresh id.
func NewMessageEntry(parentID string, msg Message, now time.Time) Entry {
	return Entry{ID: NewEntryID(), ParentID: parentID, Timestamp: now, Kind: EntryMessage, Message: &msg}
}

// NewModelChangeEntry records a provider/model transition.
func NewModelChangeEntry(parentID, provider, modelID string, now time.Time) Entry {
	return Entry{ID: NewEntryID(), ParentID: parentID, Timestamp: now, Kind: EntryModelChange,
		ModelChange: &ModelChangeBody{Provider: provider, ModelID: modelID}}
}

// NewCompactionEntry appends a compaction record; parentID is the current
// leaf and the new entry becomes the new leaf.
func NewCompactionEntry(parentID string, body CompactionBody, now time.Time) Entry {
	return Entry{ID: NewEntryID(), ParentID: parentID, Timestamp: now, Kind: EntryCompaction, Compaction: &body}
}

// NewModeChangeEntry records a mode transition.
func NewModeChangeEntry(parentID string, mode Mode, by ModeChangedBy, now time.Time) Entry {
	return Entry{ID: NewEntryID(), ParentID: parentID, Timestamp: now, Kind: EntryModeChange,
		ModeChange: &ModeChangeBody{Mode: mode, ChangedBy: by}}
}

// NewSteeringEntry records an out-of-band user message.
func NewSteeringEntry(parentID, message string, source SteeringSource, now time.Time) Entry {
	return Entry{ID: NewEntryID(), ParentID: parentID, Timestamp: now, Kind: EntrySteering,
		Steering: &SteeringBody{Message: message, Source: source}}
}
