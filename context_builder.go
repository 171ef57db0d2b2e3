package diligent

import (
	"strings"
	"time"
)

// BuiltContext is the output of BuildContext: the replayed messages plus
// whatever model the path's most recent model_change entry selected.
type BuiltContext struct {
	Messages     []Message
	CurrentModel *ModelChangeBody
}

// BuildContext walks the parent chain from leafID (or the last entry in
// entries if leafID is empty) back to a root, then replays forward,
// injecting the most recent compaction's summary as a synthetic leading
// user message when one is present on the path. Per spec §4.7.
func BuildContext(entries []Entry, leafID string) BuiltContext {
	if len(entries) == 0 {
		return BuiltContext{}
	}

	byID := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	leaf, ok := byID[leafID]
	if !ok {
		leaf = entries[len(entries)-1]
	}

	// Walk parent chain to a root, collecting entries, then reverse.
	var path []Entry
	cur := leaf
	seen := make(map[string]bool)
	for {
		if seen[cur.ID] {
			break // defensive: never trust a cyclic chain
		}
		seen[cur.ID] = true
		path = append(path, cur)
		if cur.ParentID == "" {
			break
		}
		parent, ok := byID[cur.ParentID]
		if !ok {
			break
		}
		cur = parent
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	// Scan backward for the most recent compaction entry.
	compactIdx := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Kind == EntryCompaction {
			compactIdx = i
			break
		}
	}

	var out BuiltContext
	startAt := 0
	if compactIdx >= 0 {
		startAt = compactIdx + 1
		out.Messages = append(out.Messages, compactionSummaryMessage(*path[compactIdx].Compaction))
	}

	for _, e := range path[startAt:] {
		switch e.Kind {
		case EntryMessage:
			if e.Message != nil {
				out.Messages = append(out.Messages, *e.Message)
			}
		case EntrySteering:
			if e.Steering != nil {
				out.Messages = append(out.Messages, NewUserMessage(e.Steering.Message, e.Timestamp))
			}
		case EntryModelChange:
			out.CurrentModel = e.ModelChange
		default:
			// session_info / mode_change / compaction (other than the
			// one selected above) don't contribute messages.
		}
	}

	return out
}

func compactionSummaryMessage(c CompactionBody) Message {
	var b strings.Builder
	b.WriteString("[Session Summary]\n")
	b.WriteString(c.Summary)
	if len(c.Details.ReadFiles) > 0 {
		b.WriteString("\n## Files Read\n")
		for _, f := range c.Details.ReadFiles {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteByte('\n')
		}
	}
	if len(c.Details.ModifiedFiles) > 0 {
		b.WriteString("\n## Files Modified\n")
		for _, f := range c.Details.ModifiedFiles {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteByte('\n')
		}
	}
	return NewUserMessage(b.String(), time.Now())
}
